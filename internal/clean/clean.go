package clean

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/t77yq/tickle/internal/agenda"
)

// Run deletes every file the agenda declares as a task output, prunes the
// directories that became empty, and removes the cache file. Files that
// are already gone are not an error.
func Run(agendaPath, cachePath string, logger *zap.Logger) error {
	log := logger.Named("clean")

	ag, err := agenda.Load(agendaPath)
	if err != nil {
		return err
	}

	dirs := make(map[string]bool)
	removed := 0
	for _, task := range ag.Tasks {
		for _, output := range task.Outputs {
			if err := os.Remove(output); err != nil {
				if !os.IsNotExist(err) {
					log.Warn("Failed to remove output",
						zap.String("path", output),
						zap.Error(err))
				}
				continue
			}
			removed++
			log.Debug("Removed output", zap.String("path", output))
			for dir := filepath.Dir(output); dir != "." && dir != string(filepath.Separator); dir = filepath.Dir(dir) {
				dirs[dir] = true
			}
		}
	}

	// Deepest directories first so empty chains collapse
	paths := make([]string, 0, len(dirs))
	for dir := range dirs {
		paths = append(paths, dir)
	}
	sort.Slice(paths, func(i, j int) bool {
		return strings.Count(paths[i], string(filepath.Separator)) > strings.Count(paths[j], string(filepath.Separator))
	})
	for _, dir := range paths {
		if err := os.Remove(dir); err == nil {
			log.Debug("Pruned directory", zap.String("path", dir))
		}
	}

	if err := os.Remove(cachePath); err != nil && !os.IsNotExist(err) {
		log.Warn("Failed to remove cache", zap.String("path", cachePath), zap.Error(err))
	}

	log.Info("Clean finished", zap.Int("removed", removed))
	return nil
}

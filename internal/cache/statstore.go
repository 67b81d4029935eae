package cache

import (
	"sort"

	"github.com/t77yq/tickle/internal/model"
)

// StatStore is the persistent map from file path to last-observed stat.
// It is owned by the reactor: workers never touch it, they hand observed
// stats back inside their outcome messages.
type StatStore struct {
	stats map[string]model.FileStat
}

// NewStatStore creates an empty store
func NewStatStore() *StatStore {
	return &StatStore{stats: make(map[string]model.FileStat)}
}

// Get returns the stored stat for a path
func (s *StatStore) Get(path string) (model.FileStat, bool) {
	stat, ok := s.stats[path]
	return stat, ok
}

// Put records the stat observed for a path
func (s *StatStore) Put(path string, stat model.FileStat) {
	s.stats[path] = stat
}

// Forget drops the entry for a path
func (s *StatStore) Forget(path string) {
	delete(s.stats, path)
}

// Len returns the number of stored entries
func (s *StatStore) Len() int {
	return len(s.stats)
}

// Paths returns the stored paths in sorted order
func (s *StatStore) Paths() []string {
	paths := make([]string, 0, len(s.stats))
	for path := range s.stats {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Snapshot returns a copy of the store contents
func (s *StatStore) Snapshot() map[string]model.FileStat {
	snapshot := make(map[string]model.FileStat, len(s.stats))
	for path, stat := range s.stats {
		snapshot[path] = stat
	}
	return snapshot
}

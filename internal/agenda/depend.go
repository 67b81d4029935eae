package agenda

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Depend maps a file path to the paths its freshness depends on. The
// relation is transitive; the graph resolves it into per-file closures.
type Depend map[string][]string

// LoadDepend reads and validates the depend document at path. A missing
// file is not an error: the implicit dependency graph is simply empty.
func LoadDepend(path string) (Depend, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Depend{}, nil
		}
		return nil, fmt.Errorf("failed to read depend %s: %w", path, err)
	}
	return ParseDepend(data)
}

// ParseDepend decodes and validates a depend document
func ParseDepend(data []byte) (Depend, error) {
	var raw map[string][]string
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		if len(bytes.TrimSpace(data)) == 0 {
			return Depend{}, nil
		}
		return nil, fmt.Errorf("failed to decode depend: %w", err)
	}

	depend := make(Depend, len(raw))
	for src, dsts := range raw {
		cleanSrc := filepath.Clean(src)
		cleanDsts := normalizePaths(dsts)
		for _, dst := range cleanDsts {
			if dst == cleanSrc {
				return nil, fmt.Errorf("%w: %s", ErrSelfDepend, cleanSrc)
			}
		}
		depend[cleanSrc] = cleanDsts
	}

	if cycle := findDependCycle(depend); cycle != "" {
		return nil, fmt.Errorf("%w: involving %s", ErrDependCycle, cycle)
	}
	return depend, nil
}

// findDependCycle runs a colored DFS over the implicit graph and returns a
// file on a cycle, or the empty string when the graph is acyclic.
func findDependCycle(depend Depend) string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(depend))

	var visit func(node string) string
	visit = func(node string) string {
		color[node] = gray
		for _, next := range depend[node] {
			switch color[next] {
			case gray:
				return next
			case white:
				if hit := visit(next); hit != "" {
					return hit
				}
			}
		}
		color[node] = black
		return ""
	}

	for src := range depend {
		if color[src] == white {
			if hit := visit(src); hit != "" {
				return hit
			}
		}
	}
	return ""
}

package analyze

import (
	"go.uber.org/zap"

	"github.com/t77yq/tickle/internal/cache"
	"github.com/t77yq/tickle/internal/graph"
	"github.com/t77yq/tickle/internal/model"
)

// StatFunc observes the current stat of a file on disk. The second return
// is false when the file does not exist. Tests inject an in-memory fake.
type StatFunc func(path string) (model.FileStat, bool)

// Analyzer classifies every task in a graph as MustRun or Skip by
// comparing the stat store against the live filesystem.
type Analyzer struct {
	logger *zap.Logger
	stat   StatFunc
}

// NewAnalyzer creates an analyzer that stats the real filesystem
func NewAnalyzer(logger *zap.Logger) *Analyzer {
	return NewAnalyzerWithStat(logger, model.StatPath)
}

// NewAnalyzerWithStat creates an analyzer with an injected stat capability
func NewAnalyzerWithStat(logger *zap.Logger, stat StatFunc) *Analyzer {
	return &Analyzer{
		logger: logger.Named("analyzer"),
		stat:   stat,
	}
}

// MustRun computes the set of tasks that must execute. A task must run
// when any output is absent on disk, when any input (or any file in the
// implicit closure of any input) differs from its stored stat or is absent
// from the store, or when any explicit predecessor must run.
//
// A single pass over the topological order suffices: local staleness is
// computed from file stats, then ORed with predecessor staleness.
func (a *Analyzer) MustRun(g *graph.Graph, store *cache.StatStore) map[model.TaskID]bool {
	stale := make(map[model.TaskID]bool, len(g.Tasks()))
	for _, id := range g.TopologicalOrder() {
		mustRun := false
		for _, pred := range g.Predecessors(id) {
			if stale[pred] {
				mustRun = true
				break
			}
		}
		if !mustRun {
			mustRun = a.locallyStale(g, store, id)
		}
		stale[id] = mustRun
	}

	count := 0
	for _, mustRun := range stale {
		if mustRun {
			count++
		}
	}
	a.logger.Debug("Stale analysis complete",
		zap.Int("tasks", len(stale)),
		zap.Int("must_run", count))
	return stale
}

// locallyStale checks a single task's files without predecessor state
func (a *Analyzer) locallyStale(g *graph.Graph, store *cache.StatStore, id model.TaskID) bool {
	for _, output := range g.Outputs(id) {
		if _, exists := a.stat(output); !exists {
			return true
		}
	}
	for _, input := range g.Inputs(id) {
		if a.fileChanged(store, input) {
			return true
		}
		for _, dep := range g.ImplicitClosure(input) {
			if a.fileChanged(store, dep) {
				return true
			}
		}
	}
	return false
}

// fileChanged compares the stored stat against the live one. Equality is
// the predicate: any difference, in either direction, counts as a change.
func (a *Analyzer) fileChanged(store *cache.StatStore, path string) bool {
	stored, ok := store.Get(path)
	if !ok {
		return true
	}
	current, exists := a.stat(path)
	if !exists {
		return true
	}
	return !current.Equal(stored)
}

// RefreshInputs records the current stats of a task's inputs and their
// implicit closures. The reactor calls this after a successful execution
// so the next analysis sees the files the task actually consumed.
func (a *Analyzer) RefreshInputs(g *graph.Graph, store *cache.StatStore, id model.TaskID) {
	for _, input := range g.Inputs(id) {
		a.refreshFile(store, input)
		for _, dep := range g.ImplicitClosure(input) {
			a.refreshFile(store, dep)
		}
	}
}

func (a *Analyzer) refreshFile(store *cache.StatStore, path string) {
	if stat, exists := a.stat(path); exists {
		store.Put(path, stat)
	} else {
		store.Forget(path)
	}
}

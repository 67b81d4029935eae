package graph

import (
	"container/heap"
	"fmt"

	"github.com/t77yq/tickle/internal/agenda"
	"github.com/t77yq/tickle/internal/model"
)

const noProducer = -1

// Graph is the bipartite task-and-file dependency graph. Nodes live in
// ID-keyed tables; every cross-reference is an integer ID, never a pointer,
// so the back-references (file to producing task, file to consuming tasks)
// cannot form ownership cycles.
type Graph struct {
	tasks   []*model.Task
	files   []string
	fileIDs map[string]int

	producer  []int            // fileID -> producing TaskID, or noProducer
	consumers [][]model.TaskID // fileID -> consuming tasks

	inputs  [][]int // TaskID -> input fileIDs
	outputs [][]int // TaskID -> output fileIDs

	implicit [][]int // fileID -> fileIDs it implicitly depends on
	closures [][]int // fileID -> transitive implicit closure
	rdeps    [][]int // fileID -> fileIDs whose closure contains it

	preds [][]model.TaskID
	succs [][]model.TaskID
	topo  []model.TaskID
}

// Build fuses a validated agenda with the implicit dependency map and
// verifies the structural invariants: single producer per file, acyclic
// task relation, acyclic implicit file relation.
func Build(ag *agenda.Agenda, dep agenda.Depend) (*Graph, error) {
	g := &Graph{
		tasks:   ag.Tasks,
		fileIDs: make(map[string]int),
	}

	intern := func(path string) int {
		if id, ok := g.fileIDs[path]; ok {
			return id
		}
		id := len(g.files)
		g.fileIDs[path] = id
		g.files = append(g.files, path)
		g.producer = append(g.producer, noProducer)
		g.consumers = append(g.consumers, nil)
		g.implicit = append(g.implicit, nil)
		return id
	}

	g.inputs = make([][]int, len(ag.Tasks))
	g.outputs = make([][]int, len(ag.Tasks))
	for _, task := range ag.Tasks {
		for _, path := range task.Inputs {
			fid := intern(path)
			g.inputs[task.ID] = append(g.inputs[task.ID], fid)
			g.consumers[fid] = append(g.consumers[fid], task.ID)
		}
		for _, path := range task.Outputs {
			fid := intern(path)
			g.outputs[task.ID] = append(g.outputs[task.ID], fid)
			if prev := g.producer[fid]; prev != noProducer {
				return nil, fmt.Errorf("%w: %s (tasks %d and %d)", ErrDuplicateProducer, path, prev, task.ID)
			}
			g.producer[fid] = int(task.ID)
		}
	}

	for src, dsts := range dep {
		sid := intern(src)
		for _, dst := range dsts {
			g.implicit[sid] = append(g.implicit[sid], intern(dst))
		}
	}
	if err := g.resolveClosures(); err != nil {
		return nil, err
	}
	g.rdeps = make([][]int, len(g.files))
	for fid, closure := range g.closures {
		for _, dep := range closure {
			g.rdeps[dep] = append(g.rdeps[dep], fid)
		}
	}

	g.linkTasks()
	if err := g.order(); err != nil {
		return nil, err
	}
	return g, nil
}

// linkTasks derives the task-to-task relation from file production and
// consumption, deduplicating parallel edges.
func (g *Graph) linkTasks() {
	g.preds = make([][]model.TaskID, len(g.tasks))
	g.succs = make([][]model.TaskID, len(g.tasks))
	for _, task := range g.tasks {
		seen := make(map[model.TaskID]bool)
		for _, fid := range g.inputs[task.ID] {
			pid := g.producer[fid]
			if pid == noProducer || seen[model.TaskID(pid)] {
				continue
			}
			seen[model.TaskID(pid)] = true
			g.preds[task.ID] = append(g.preds[task.ID], model.TaskID(pid))
			g.succs[pid] = append(g.succs[pid], task.ID)
		}
	}
}

// order computes a deterministic topological order over task nodes via
// Kahn's algorithm with a min-heap on task IDs, and rejects cycles.
func (g *Graph) order() error {
	degree := make([]int, len(g.tasks))
	ready := &taskIDHeap{}
	heap.Init(ready)
	for id := range g.tasks {
		degree[id] = len(g.preds[id])
		if degree[id] == 0 {
			heap.Push(ready, model.TaskID(id))
		}
	}

	g.topo = make([]model.TaskID, 0, len(g.tasks))
	for ready.Len() > 0 {
		id := heap.Pop(ready).(model.TaskID)
		g.topo = append(g.topo, id)
		for _, succ := range g.succs[id] {
			degree[succ]--
			if degree[succ] == 0 {
				heap.Push(ready, succ)
			}
		}
	}
	if len(g.topo) != len(g.tasks) {
		for id := range g.tasks {
			if degree[id] > 0 {
				return fmt.Errorf("%w: involving task %d (%s)", ErrTaskCycle, id, g.tasks[id].Description)
			}
		}
	}
	return nil
}

// resolveClosures materializes the transitive implicit closure of every
// file node, visiting dependencies first so each closure is the union of
// its direct dependencies and their closures.
func (g *Graph) resolveClosures() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]int, len(g.files))
	g.closures = make([][]int, len(g.files))

	var visit func(fid int) error
	visit = func(fid int) error {
		color[fid] = gray
		seen := make(map[int]bool)
		closure := make([]int, 0, len(g.implicit[fid]))
		for _, dep := range g.implicit[fid] {
			switch color[dep] {
			case gray:
				return fmt.Errorf("%w: involving %s", ErrFileCycle, g.files[dep])
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
			if !seen[dep] {
				seen[dep] = true
				closure = append(closure, dep)
			}
			for _, transitive := range g.closures[dep] {
				if !seen[transitive] {
					seen[transitive] = true
					closure = append(closure, transitive)
				}
			}
		}
		g.closures[fid] = closure
		color[fid] = black
		return nil
	}

	for fid := range g.files {
		if color[fid] == white {
			if err := visit(fid); err != nil {
				return err
			}
		}
	}
	return nil
}

// Tasks returns the task table indexed by TaskID
func (g *Graph) Tasks() []*model.Task {
	return g.tasks
}

// Task returns the task record for an ID
func (g *Graph) Task(id model.TaskID) *model.Task {
	return g.tasks[id]
}

// TasksConsuming returns the tasks that declare the file as an input
func (g *Graph) TasksConsuming(path string) []model.TaskID {
	fid, ok := g.fileIDs[path]
	if !ok {
		return nil
	}
	return g.consumers[fid]
}

// TaskProducing returns the task that declares the file as an output
func (g *Graph) TaskProducing(path string) (model.TaskID, bool) {
	fid, ok := g.fileIDs[path]
	if !ok || g.producer[fid] == noProducer {
		return 0, false
	}
	return model.TaskID(g.producer[fid]), true
}

// Inputs returns the declared input paths of a task
func (g *Graph) Inputs(id model.TaskID) []string {
	return g.paths(g.inputs[id])
}

// Outputs returns the declared output paths of a task
func (g *Graph) Outputs(id model.TaskID) []string {
	return g.paths(g.outputs[id])
}

// ImplicitClosure returns every file the given file transitively depends
// on via implicit edges. The file itself is not included.
func (g *Graph) ImplicitClosure(path string) []string {
	fid, ok := g.fileIDs[path]
	if !ok {
		return nil
	}
	return g.paths(g.closures[fid])
}

// StageOf returns the stage index a task belongs to
func (g *Graph) StageOf(id model.TaskID) int {
	return g.tasks[id].Stage
}

// Predecessors returns the tasks whose outputs the given task consumes
func (g *Graph) Predecessors(id model.TaskID) []model.TaskID {
	return g.preds[id]
}

// Successors returns the tasks consuming the given task's outputs
func (g *Graph) Successors(id model.TaskID) []model.TaskID {
	return g.succs[id]
}

// TopologicalOrder returns task IDs in dependency order. The order is
// deterministic: among tasks with no remaining predecessors the lowest ID
// comes first.
func (g *Graph) TopologicalOrder() []model.TaskID {
	return g.topo
}

// TasksAffectedBy returns the tasks whose freshness depends on the file:
// its direct consumers plus the consumers of every file whose implicit
// closure contains it.
func (g *Graph) TasksAffectedBy(path string) []model.TaskID {
	fid, ok := g.fileIDs[path]
	if !ok {
		return nil
	}
	seen := make(map[model.TaskID]bool)
	var affected []model.TaskID
	add := func(ids []model.TaskID) {
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				affected = append(affected, id)
			}
		}
	}
	add(g.consumers[fid])
	for _, dependent := range g.rdeps[fid] {
		add(g.consumers[dependent])
	}
	return affected
}

// InitialFiles returns every known file not produced by any task. These
// are the files the online reactor watches for edits.
func (g *Graph) InitialFiles() []string {
	var initial []string
	for fid, path := range g.files {
		if g.producer[fid] == noProducer {
			initial = append(initial, path)
		}
	}
	return initial
}

// Files returns every file path known to the graph
func (g *Graph) Files() []string {
	return g.files
}

func (g *Graph) paths(fids []int) []string {
	if len(fids) == 0 {
		return nil
	}
	paths := make([]string, len(fids))
	for i, fid := range fids {
		paths[i] = g.files[fid]
	}
	return paths
}

// taskIDHeap implements a min-heap over task IDs for deterministic ordering
type taskIDHeap []model.TaskID

func (h taskIDHeap) Len() int            { return len(h) }
func (h taskIDHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h taskIDHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskIDHeap) Push(x interface{}) { *h = append(*h, x.(model.TaskID)) }
func (h *taskIDHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

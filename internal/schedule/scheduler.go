package schedule

import (
	"go.uber.org/zap"

	"github.com/t77yq/tickle/internal/graph"
	"github.com/t77yq/tickle/internal/model"
)

const noOrigin = model.TaskID(-1)

// Scheduler owns the per-task status table and the ready queues. It never
// blocks: the reactor peeks for a dispatchable task, hands it to a worker,
// and feeds outcomes back in.
//
// Stages are barriers: a task of stage k+1 is not dispatched until every
// task of stage <= k holds a terminal status. Within a stage the ready
// queue is FIFO, so dispatch order is deterministic given a fixed seed.
type Scheduler struct {
	logger *zap.Logger
	g      *graph.Graph

	status    []model.TaskStatus
	predCount []int
	origin    []model.TaskID // originating failure for cascaded tasks

	ready     [][]model.TaskID // per-stage FIFO queues
	stageOpen []int            // per-stage count of non-terminal tasks
}

// NewScheduler creates a scheduler over the given graph. Every task starts
// Pending; call Seed before dispatching.
func NewScheduler(g *graph.Graph, logger *zap.Logger) *Scheduler {
	stages := 0
	for _, task := range g.Tasks() {
		if task.Stage >= stages {
			stages = task.Stage + 1
		}
	}
	s := &Scheduler{
		logger:    logger.Named("scheduler"),
		g:         g,
		status:    make([]model.TaskStatus, len(g.Tasks())),
		predCount: make([]int, len(g.Tasks())),
		origin:    make([]model.TaskID, len(g.Tasks())),
		ready:     make([][]model.TaskID, stages),
		stageOpen: make([]int, stages),
	}
	for id := range s.status {
		s.status[id] = model.TaskStatusPending
		s.origin[id] = noOrigin
	}
	return s
}

// Seed initializes the run: every task in the stale set becomes Pending,
// every other task is Skipped.
func (s *Scheduler) Seed(mustRun map[model.TaskID]bool) {
	for id := range s.status {
		if mustRun[model.TaskID(id)] {
			s.status[id] = model.TaskStatusPending
		} else {
			s.status[id] = model.TaskStatusSkipped
		}
		s.origin[id] = noOrigin
	}
	s.settle()
	s.logger.Debug("Scheduler seeded",
		zap.Int("tasks", len(s.status)),
		zap.Int("pending", s.count(model.TaskStatusPending)+s.count(model.TaskStatusReady)))
}

// AdoptRunning marks a task as already Running. Used after a graph rebuild
// for tasks whose identity survived and whose worker is still executing.
// The scheduler is resettled immediately; adopt between Seed and the first
// dispatch.
func (s *Scheduler) AdoptRunning(id model.TaskID) {
	s.status[id] = model.TaskStatusRunning
	s.settle()
}

// settle recomputes predecessor counts, promotions, and stage occupancy
// from the status table. Visits tasks in ID order so rebuilt ready queues
// are deterministic.
func (s *Scheduler) settle() {
	for stage := range s.ready {
		s.ready[stage] = s.ready[stage][:0]
		s.stageOpen[stage] = 0
	}
	for id, status := range s.status {
		tid := model.TaskID(id)
		switch status {
		case model.TaskStatusPending, model.TaskStatusReady:
			n := 0
			for _, pred := range s.g.Predecessors(tid) {
				if !s.status[pred].Terminal() {
					n++
				}
			}
			s.predCount[id] = n
			stage := s.g.StageOf(tid)
			s.stageOpen[stage]++
			if n == 0 {
				s.status[id] = model.TaskStatusReady
				s.ready[stage] = append(s.ready[stage], tid)
			} else {
				s.status[id] = model.TaskStatusPending
			}
		case model.TaskStatusRunning:
			s.stageOpen[s.g.StageOf(tid)]++
		}
	}
}

// activeStage returns the lowest stage with any non-terminal task, or -1
// when every stage has drained.
func (s *Scheduler) activeStage() int {
	for stage, open := range s.stageOpen {
		if open > 0 {
			return stage
		}
	}
	return -1
}

// PeekReady returns the next dispatchable task without removing it. A task
// is dispatchable only when its stage is the active stage, which enforces
// the stage barrier.
func (s *Scheduler) PeekReady() (model.TaskID, bool) {
	stage := s.activeStage()
	if stage < 0 || len(s.ready[stage]) == 0 {
		return 0, false
	}
	return s.ready[stage][0], true
}

// MarkRunning removes a peeked task from its ready queue and marks it
// Running. Must be paired with a successful PeekReady.
func (s *Scheduler) MarkRunning(id model.TaskID) {
	stage := s.g.StageOf(id)
	queue := s.ready[stage]
	if len(queue) == 0 || queue[0] != id {
		s.logger.Error("Dispatch out of queue order", zap.Int("task_id", int(id)))
		return
	}
	s.ready[stage] = queue[1:]
	s.status[id] = model.TaskStatusRunning
}

// Complete transitions a Running task to Done and promotes any successor
// whose predecessors have all reached a terminal status.
func (s *Scheduler) Complete(id model.TaskID) {
	s.status[id] = model.TaskStatusDone
	s.stageOpen[s.g.StageOf(id)]--
	for _, succ := range s.g.Successors(id) {
		if s.status[succ] != model.TaskStatusPending {
			continue
		}
		s.predCount[succ]--
		if s.predCount[succ] == 0 {
			s.status[succ] = model.TaskStatusReady
			s.ready[s.g.StageOf(succ)] = append(s.ready[s.g.StageOf(succ)], succ)
		}
	}
}

// Fail transitions a task to Failed and cascades Failed to every
// non-terminal transitive successor, recording the originating task.
// Returns the cascaded task IDs so the caller can emit one aggregate
// report.
func (s *Scheduler) Fail(id model.TaskID) []model.TaskID {
	s.terminate(id, model.TaskStatusFailed)
	s.origin[id] = id

	var cascaded []model.TaskID
	worklist := append([]model.TaskID(nil), s.g.Successors(id)...)
	for len(worklist) > 0 {
		next := worklist[0]
		worklist = worklist[1:]
		switch s.status[next] {
		case model.TaskStatusPending, model.TaskStatusReady:
			s.terminate(next, model.TaskStatusFailed)
			s.origin[next] = id
			cascaded = append(cascaded, next)
			worklist = append(worklist, s.g.Successors(next)...)
		}
	}
	return cascaded
}

// Cancelled returns a Running task to Pending with a fresh predecessor
// count. If no predecessor is outstanding the task is immediately Ready
// again, queued behind its stage's existing ready tasks.
func (s *Scheduler) Cancelled(id model.TaskID) {
	if s.status[id] != model.TaskStatusRunning {
		return
	}
	n := 0
	for _, pred := range s.g.Predecessors(id) {
		if !s.status[pred].Terminal() {
			n++
		}
	}
	s.predCount[id] = n
	if n == 0 {
		s.status[id] = model.TaskStatusReady
		s.ready[s.g.StageOf(id)] = append(s.ready[s.g.StageOf(id)], id)
	} else {
		s.status[id] = model.TaskStatusPending
	}
}

// Requeue re-enters previously settled tasks as Pending after their inputs
// were invalidated. Running tasks are left alone: the reactor cancels them
// and they re-enter on their cancellation outcome.
func (s *Scheduler) Requeue(ids []model.TaskID) {
	for _, id := range ids {
		if s.status[id] == model.TaskStatusRunning {
			continue
		}
		s.status[id] = model.TaskStatusPending
		s.origin[id] = noOrigin
	}
	s.settle()
}

// Drained reports whether no task is Pending, Ready, or Running
func (s *Scheduler) Drained() bool {
	return s.activeStage() < 0
}

// Status returns a task's current status
func (s *Scheduler) Status(id model.TaskID) model.TaskStatus {
	return s.status[id]
}

// FailureOrigin returns the task whose failure cascaded to the given task
func (s *Scheduler) FailureOrigin(id model.TaskID) (model.TaskID, bool) {
	if s.origin[id] == noOrigin {
		return 0, false
	}
	return s.origin[id], true
}

// AnyFailed reports whether any task ended the run Failed
func (s *Scheduler) AnyFailed() bool {
	return s.count(model.TaskStatusFailed) > 0
}

// Executed returns how many tasks reached Done
func (s *Scheduler) Executed() int {
	return s.count(model.TaskStatusDone)
}

// terminate moves a non-terminal task to a terminal status, keeping the
// ready queues and stage occupancy consistent.
func (s *Scheduler) terminate(id model.TaskID, status model.TaskStatus) {
	prev := s.status[id]
	if prev.Terminal() {
		s.status[id] = status
		return
	}
	if prev == model.TaskStatusReady {
		stage := s.g.StageOf(id)
		queue := s.ready[stage]
		for i, queued := range queue {
			if queued == id {
				s.ready[stage] = append(queue[:i:i], queue[i+1:]...)
				break
			}
		}
	}
	s.status[id] = status
	s.stageOpen[s.g.StageOf(id)]--
}

func (s *Scheduler) count(status model.TaskStatus) int {
	n := 0
	for _, current := range s.status {
		if current == status {
			n++
		}
	}
	return n
}

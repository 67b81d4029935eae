package executor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/tickle/internal/model"
)

const stderrTailLimit = 2048

// Assignment hands one task to a worker. Ctx is the per-task cancellation
// context owned by the reactor; ExecID tags the dispatch so the outcome
// can be matched up even after a graph rebuild reassigned task IDs.
type Assignment struct {
	ExecID int64
	Task   *model.Task
	Ctx    context.Context
	Dir    string
}

// Pool is a fixed-size set of workers. Each worker pulls an assignment,
// invokes the runner, stats the declared outputs, and reports an outcome.
// Workers never queue behind a full mailbox: the reactor hands out a task
// only when a worker is receiving.
type Pool struct {
	logger *zap.Logger
	runner Runner
	size   int
	wg     sync.WaitGroup
}

// NewPool creates a pool of size workers backed by the given runner
func NewPool(size int, runner Runner, logger *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{
		logger: logger.Named("pool"),
		runner: runner,
		size:   size,
	}
}

// Size returns the worker count
func (p *Pool) Size() int {
	return p.size
}

// Start launches the workers. They exit when assignments is closed; Wait
// blocks until the last outcome has been sent.
func (p *Pool) Start(assignments <-chan Assignment, outcomes chan<- model.Outcome) {
	for index := 0; index < p.size; index++ {
		p.wg.Add(1)
		go func(index int) {
			defer p.wg.Done()
			for assignment := range assignments {
				outcome := p.execute(index, assignment)
				outcomes <- outcome
			}
		}(index)
	}
}

// Wait blocks until every worker has exited
func (p *Pool) Wait() {
	p.wg.Wait()
}

// execute runs one task and classifies the result
func (p *Pool) execute(index int, assignment Assignment) model.Outcome {
	task := assignment.Task
	p.logger.Debug("Worker picked up task",
		zap.Int("worker", index),
		zap.Int("task_id", int(task.ID)),
		zap.String("desc", task.Description))

	outcome := model.Outcome{
		ExecID:    assignment.ExecID,
		TaskID:    task.ID,
		StartedAt: time.Now(),
	}

	// Output folders must exist before the child runs
	for _, output := range task.Outputs {
		dir := filepath.Dir(output)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				outcome.Kind = model.OutcomeSpawnError
				outcome.Error = err.Error()
				outcome.CompletedAt = time.Now()
				return outcome
			}
		}
	}

	result := p.runner.Run(assignment.Ctx, task.Command, assignment.Dir)
	outcome.CompletedAt = time.Now()
	outcome.StderrTail = tail(result.Stderr)

	switch {
	case result.Cancelled:
		outcome.Kind = model.OutcomeCancelled
	case result.SpawnErr != nil:
		outcome.Kind = model.OutcomeSpawnError
		outcome.Error = result.SpawnErr.Error()
	case result.ExitCode != 0:
		outcome.Kind = model.OutcomeNonZeroExit
		outcome.ExitCode = result.ExitCode
	default:
		outcome.Kind = model.OutcomeOk
		outcome.OutputStats = make(map[string]model.FileStat, len(task.Outputs))
		for _, output := range task.Outputs {
			stat, exists := model.StatPath(output)
			if !exists {
				outcome.Missing = append(outcome.Missing, output)
				continue
			}
			outcome.OutputStats[output] = stat
		}
		if len(outcome.Missing) > 0 {
			outcome.Kind = model.OutcomeMissingOutput
			outcome.OutputStats = nil
		}
	}
	return outcome
}

// tail returns the trailing portion of captured stderr for failure reports
func tail(s string) string {
	if len(s) <= stderrTailLimit {
		return s
	}
	return s[len(s)-stderrTailLimit:]
}

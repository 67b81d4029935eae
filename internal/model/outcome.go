package model

import "time"

// OutcomeKind classifies how a task execution ended
type OutcomeKind string

const (
	// OutcomeOk means the process exited 0 and every declared output exists
	OutcomeOk OutcomeKind = "ok"

	// OutcomeMissingOutput means the process exited 0 but one or more
	// declared outputs are absent on disk
	OutcomeMissingOutput OutcomeKind = "missing_output"

	// OutcomeNonZeroExit means the process exited with a non-zero status
	OutcomeNonZeroExit OutcomeKind = "non_zero_exit"

	// OutcomeSpawnError means the process could not be started
	OutcomeSpawnError OutcomeKind = "spawn_error"

	// OutcomeCancelled means the evaluator aborted the task before it
	// finished; partial output stats are discarded
	OutcomeCancelled OutcomeKind = "cancelled"
)

// Outcome is the report a worker sends back after executing a task.
// ExecID identifies the dispatch rather than the task: task IDs are
// reassigned on graph rebuilds while an execution may still be in flight.
type Outcome struct {
	ExecID      int64               `json:"exec_id"`
	TaskID      TaskID              `json:"task_id"`
	Kind        OutcomeKind         `json:"kind"`
	ExitCode    int                 `json:"exit_code"`
	Error       string              `json:"error,omitempty"`
	StderrTail  string              `json:"stderr_tail,omitempty"`
	Missing     []string            `json:"missing,omitempty"`
	OutputStats map[string]FileStat `json:"output_stats,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	CompletedAt time.Time           `json:"completed_at"`
}

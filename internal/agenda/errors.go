package agenda

import "errors"

var (
	// ErrUnknownProc is returned when a task or stage references a procedure
	// that is not defined under procs
	ErrUnknownProc = errors.New("unknown procedure")

	// ErrEmptyCommand is returned when a procedure has no command words
	ErrEmptyCommand = errors.New("empty command")

	// ErrMissingArg is returned when a command references a parameter the
	// task does not provide
	ErrMissingArg = errors.New("missing argument for parameter")

	// ErrUnusedArg is returned when a task provides an argument for a
	// parameter the command never references
	ErrUnusedArg = errors.New("argument bound to no parameter")

	// ErrDuplicateOutput is returned when two tasks declare the same output
	ErrDuplicateOutput = errors.New("duplicate output file")

	// ErrNoStage is returned when no stage admits a task's procedure
	ErrNoStage = errors.New("procedure assigned to no stage")

	// ErrSelfDepend is returned when a file implicitly depends on itself
	ErrSelfDepend = errors.New("self-referential dependency")

	// ErrDependCycle is returned when the implicit file graph has a cycle
	ErrDependCycle = errors.New("cycle in implicit dependencies")
)

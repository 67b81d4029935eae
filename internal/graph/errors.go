package graph

import "errors"

var (
	// ErrTaskCycle is returned when the explicit producer/consumer relation
	// induces a cycle over task nodes
	ErrTaskCycle = errors.New("cycle in task graph")

	// ErrFileCycle is returned when the implicit file relation has a cycle
	ErrFileCycle = errors.New("cycle in file graph")

	// ErrDuplicateProducer is returned when two tasks produce the same file
	ErrDuplicateProducer = errors.New("file produced by more than one task")
)

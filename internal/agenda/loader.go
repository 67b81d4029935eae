package agenda

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/t77yq/tickle/internal/model"
)

// ParamMarker distinguishes parameter references from literal command words
const ParamMarker = "$"

// Procedure is a parameterized command template: an ordered sequence of
// words, each either a literal or a $name parameter reference.
type Procedure struct {
	Name  string
	Words []string
}

// Params returns the set of parameter names referenced by the template
func (p Procedure) Params() map[string]bool {
	params := make(map[string]bool)
	for _, word := range p.Words {
		if strings.HasPrefix(word, ParamMarker) {
			params[word[len(ParamMarker):]] = true
		}
	}
	return params
}

// Render substitutes each parameter reference with the argument values for
// that parameter. Multi-value parameters expand in place producing multiple
// words; empty words are dropped.
func (p Procedure) Render(args map[string][]string) ([]string, error) {
	command := make([]string, 0, len(p.Words))
	for _, word := range p.Words {
		if !strings.HasPrefix(word, ParamMarker) {
			if word != "" {
				command = append(command, word)
			}
			continue
		}
		name := word[len(ParamMarker):]
		values, ok := args[name]
		if !ok {
			return nil, fmt.Errorf("%w: procedure %q parameter %q", ErrMissingArg, p.Name, name)
		}
		for _, value := range values {
			if value != "" {
				command = append(command, value)
			}
		}
	}
	return command, nil
}

// Stage is a coarse ordering barrier: the set of procedure names permitted
// to execute within it.
type Stage struct {
	Index int
	Procs map[string]bool
}

// Agenda is the validated, normalized form of the agenda document
type Agenda struct {
	Procs  map[string]Procedure
	Stages []Stage
	Tasks  []*model.Task
}

type rawTask struct {
	Desc    string              `yaml:"desc"`
	Proc    string              `yaml:"proc"`
	Args    map[string][]string `yaml:"args"`
	Inputs  []string            `yaml:"inputs"`
	Outputs []string            `yaml:"outputs"`
}

type rawAgenda struct {
	Procs  map[string][]string `yaml:"procs"`
	Stages [][]string          `yaml:"stages"`
	Tasks  []rawTask           `yaml:"tasks"`
}

// Load reads, decodes, and validates the agenda document at path. Unknown
// keys at any level are rejected. Loading is all-or-nothing: the first
// violation aborts with an error naming the offending key.
func Load(path string) (*Agenda, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read agenda %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates an agenda document
func Parse(data []byte) (*Agenda, error) {
	var raw rawAgenda
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode agenda: %w", err)
	}
	return build(raw)
}

func build(raw rawAgenda) (*Agenda, error) {
	procs := make(map[string]Procedure, len(raw.Procs))
	for name, words := range raw.Procs {
		if len(words) == 0 {
			return nil, fmt.Errorf("%w: procedure %q", ErrEmptyCommand, name)
		}
		procs[name] = Procedure{Name: name, Words: words}
	}

	stages := make([]Stage, len(raw.Stages))
	for index, names := range raw.Stages {
		admitted := make(map[string]bool, len(names))
		for _, name := range names {
			if _, ok := procs[name]; !ok {
				return nil, fmt.Errorf("%w: stage %d references %q", ErrUnknownProc, index, name)
			}
			admitted[name] = true
		}
		stages[index] = Stage{Index: index, Procs: admitted}
	}

	tasks := make([]*model.Task, 0, len(raw.Tasks))
	producers := make(map[string]int)
	for index, rt := range raw.Tasks {
		proc, ok := procs[rt.Proc]
		if !ok {
			return nil, fmt.Errorf("%w: task %d (%s) references %q", ErrUnknownProc, index, rt.Desc, rt.Proc)
		}

		params := proc.Params()
		for name := range rt.Args {
			if !params[name] {
				return nil, fmt.Errorf("%w: task %d (%s) argument %q", ErrUnusedArg, index, rt.Desc, name)
			}
		}
		command, err := proc.Render(rt.Args)
		if err != nil {
			return nil, fmt.Errorf("task %d (%s): %w", index, rt.Desc, err)
		}
		if len(command) == 0 {
			return nil, fmt.Errorf("%w: task %d (%s)", ErrEmptyCommand, index, rt.Desc)
		}

		stage, ok := stageOf(stages, rt.Proc)
		if !ok {
			return nil, fmt.Errorf("%w: task %d (%s) procedure %q", ErrNoStage, index, rt.Desc, rt.Proc)
		}

		outputs := normalizePaths(rt.Outputs)
		for _, output := range outputs {
			if other, dup := producers[output]; dup {
				return nil, fmt.Errorf("%w: %s produced by tasks %d and %d", ErrDuplicateOutput, output, other, index)
			}
			producers[output] = index
		}

		tasks = append(tasks, &model.Task{
			ID:          model.TaskID(index),
			Description: rt.Desc,
			Proc:        rt.Proc,
			Args:        rt.Args,
			Inputs:      normalizePaths(rt.Inputs),
			Outputs:     outputs,
			Stage:       stage,
			Command:     command,
		})
	}

	return &Agenda{Procs: procs, Stages: stages, Tasks: tasks}, nil
}

// stageOf resolves a procedure to the lowest-indexed stage admitting it
func stageOf(stages []Stage, proc string) (int, bool) {
	for _, stage := range stages {
		if stage.Procs[proc] {
			return stage.Index, true
		}
	}
	return 0, false
}

// normalizePaths cleans paths and drops duplicates while preserving order
func normalizePaths(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	result := make([]string, 0, len(paths))
	for _, path := range paths {
		clean := filepath.Clean(path)
		if seen[clean] {
			continue
		}
		seen[clean] = true
		result = append(result, clean)
	}
	return result
}

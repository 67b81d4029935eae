package reactor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/tickle/internal/cache"
	"github.com/t77yq/tickle/internal/executor"
	"github.com/t77yq/tickle/internal/testutil"
	"github.com/t77yq/tickle/internal/watch"
)

const (
	waitFor = 10 * time.Second
	tick    = 10 * time.Millisecond
)

// scriptRunner interprets the toy commands used by agenda fixtures:
// "write DST CONTENT" and "copy SRC DST".
func scriptRunner() *testutil.FakeRunner {
	return &testutil.FakeRunner{
		OnRun: func(ctx context.Context, argv []string, dir string) executor.RunResult {
			switch argv[0] {
			case "write":
				if err := os.WriteFile(argv[1], []byte(argv[2]), 0o644); err != nil {
					return executor.RunResult{SpawnErr: err}
				}
			case "copy":
				data, err := os.ReadFile(argv[1])
				if err != nil {
					return executor.RunResult{ExitCode: 1, Stderr: err.Error()}
				}
				if err := os.WriteFile(argv[2], data, 0o644); err != nil {
					return executor.RunResult{ExitCode: 1, Stderr: err.Error()}
				}
			case "fail":
				return executor.RunResult{ExitCode: 1, Stderr: "boom"}
			}
			return executor.RunResult{}
		},
	}
}

func options(t *testing.T, dir string, mode Mode, runner executor.Runner) Options {
	t.Helper()
	return Options{
		Mode:       mode,
		Dir:        dir,
		AgendaPath: filepath.Join(dir, "agenda.yaml"),
		DependPath: filepath.Join(dir, "depend.yaml"),
		CachePath:  filepath.Join(dir, "tickle.cache"),
		Workers:    2,
		Runner:     runner,
		Logger:     zaptest.NewLogger(t),
	}
}

func runOffline(t *testing.T, opts Options) Result {
	t.Helper()
	result, err := New(opts).Run(context.Background())
	require.NoError(t, err)
	return result
}

func TestOfflineSingleTask(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")
	testutil.WriteFile(t, filepath.Join(dir, "agenda.yaml"), fmt.Sprintf(`
procs:
  write: [write, $dst, $text]
stages:
  - [write]
tasks:
  - desc: Write output
    proc: write
    args:
      dst: [%s]
      text: [hello]
    inputs: []
    outputs: [%s]
`, out, out))

	runner := scriptRunner()
	opts := options(t, dir, ModeOffline, runner)

	result := runOffline(t, opts)
	assert.Equal(t, 1, result.Executed)
	assert.False(t, result.Failed)
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	// A second run with no intervening change executes zero tasks
	second := runOffline(t, options(t, dir, ModeOffline, runner))
	assert.Equal(t, 0, second.Executed)
	assert.Equal(t, 1, runner.CallCount())
}

func TestOfflineInputEdit(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.txt")
	out := filepath.Join(dir, "out.txt")
	testutil.WriteFile(t, in, "v1")
	testutil.WriteFile(t, filepath.Join(dir, "agenda.yaml"), fmt.Sprintf(`
procs:
  copy: [copy, $src, $dst]
stages:
  - [copy]
tasks:
  - desc: Copy input
    proc: copy
    args:
      src: [%s]
      dst: [%s]
    inputs: [%s]
    outputs: [%s]
`, in, out, in, out))

	runner := scriptRunner()
	result := runOffline(t, options(t, dir, ModeOffline, runner))
	require.Equal(t, 1, result.Executed)

	// Unchanged input: nothing to do
	result = runOffline(t, options(t, dir, ModeOffline, runner))
	require.Equal(t, 0, result.Executed)

	// Edited input: the consumer reruns and picks up the new content
	testutil.Touch(t, in, "v2")
	result = runOffline(t, options(t, dir, ModeOffline, runner))
	require.Equal(t, 1, result.Executed)
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))
}

func TestOfflineImplicitDependency(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "main.c")
	header := filepath.Join(dir, "util.h")
	obj := filepath.Join(dir, "main.o")
	testutil.WriteFile(t, src, "code v1")
	testutil.WriteFile(t, header, "header v1")
	testutil.WriteFile(t, filepath.Join(dir, "agenda.yaml"), fmt.Sprintf(`
procs:
  compile: [copy, $src, $obj]
stages:
  - [compile]
tasks:
  - desc: Compile main
    proc: compile
    args:
      src: [%s]
      obj: [%s]
    inputs: [%s]
    outputs: [%s]
`, src, obj, src, obj))
	testutil.WriteFile(t, filepath.Join(dir, "depend.yaml"), fmt.Sprintf("%s: [%s]\n", src, header))

	runner := scriptRunner()
	result := runOffline(t, options(t, dir, ModeOffline, runner))
	require.Equal(t, 1, result.Executed)

	result = runOffline(t, options(t, dir, ModeOffline, runner))
	require.Equal(t, 0, result.Executed)

	// Editing the implicit dependency reruns the consumer of main.c
	testutil.Touch(t, header, "header v2")
	result = runOffline(t, options(t, dir, ModeOffline, runner))
	assert.Equal(t, 1, result.Executed)
}

func TestOfflineFanOut(t *testing.T) {
	dir := t.TempDir()
	shared := filepath.Join(dir, "a.o")
	outB := filepath.Join(dir, "b.out")
	outC := filepath.Join(dir, "c.out")
	testutil.WriteFile(t, filepath.Join(dir, "agenda.yaml"), fmt.Sprintf(`
procs:
  write: [write, $dst, $text]
  copy: [copy, $src, $dst]
stages:
  - [write, copy]
tasks:
  - desc: Produce shared
    proc: write
    args:
      dst: [%s]
      text: [shared]
    inputs: []
    outputs: [%s]
  - desc: Consume b
    proc: copy
    args:
      src: [%s]
      dst: [%s]
    inputs: [%s]
    outputs: [%s]
  - desc: Consume c
    proc: copy
    args:
      src: [%s]
      dst: [%s]
    inputs: [%s]
    outputs: [%s]
`, shared, shared, shared, outB, shared, outB, shared, outC, shared, outC))

	result := runOffline(t, options(t, dir, ModeOffline, scriptRunner()))
	assert.Equal(t, 3, result.Executed)
	assert.FileExists(t, outB)
	assert.FileExists(t, outC)
}

func TestOfflineFailureCascade(t *testing.T) {
	dir := t.TempDir()
	aOut := filepath.Join(dir, "a.out")
	bOut := filepath.Join(dir, "b.out")
	cOut := filepath.Join(dir, "c.out")
	testutil.WriteFile(t, filepath.Join(dir, "agenda.yaml"), fmt.Sprintf(`
procs:
  fail: [fail]
  copy: [copy, $src, $dst]
  write: [write, $dst, $text]
stages:
  - [fail, copy, write]
tasks:
  - desc: Broken producer
    proc: fail
    args: {}
    inputs: []
    outputs: [%s]
  - desc: Doomed consumer
    proc: copy
    args:
      src: [%s]
      dst: [%s]
    inputs: [%s]
    outputs: [%s]
  - desc: Independent
    proc: write
    args:
      dst: [%s]
      text: [fine]
    inputs: []
    outputs: [%s]
`, aOut, aOut, bOut, aOut, bOut, cOut, cOut))

	runner := scriptRunner()
	result := runOffline(t, options(t, dir, ModeOffline, runner))

	assert.True(t, result.Failed)
	assert.Equal(t, 1, result.Executed, "only the independent task completes")
	assert.NoFileExists(t, bOut, "cascaded task must not execute")
	assert.FileExists(t, cOut)

	// The doomed consumer never reached a worker
	for _, call := range runner.Calls() {
		assert.NotEqual(t, "copy", call[0])
	}
}

func TestOfflineStageOrdering(t *testing.T) {
	dir := t.TempDir()
	testutil.WriteFile(t, filepath.Join(dir, "agenda.yaml"), fmt.Sprintf(`
procs:
  early: [write, $dst, early]
  late: [write, $dst, late]
stages:
  - [early]
  - [late]
tasks:
  - desc: Late independent
    proc: late
    args:
      dst: [%s]
    inputs: []
    outputs: [%s]
  - desc: Early independent
    proc: early
    args:
      dst: [%s]
    inputs: []
    outputs: [%s]
`, filepath.Join(dir, "late.out"), filepath.Join(dir, "late.out"),
		filepath.Join(dir, "early.out"), filepath.Join(dir, "early.out")))

	runner := scriptRunner()
	result := runOffline(t, options(t, dir, ModeOffline, runner))
	require.Equal(t, 2, result.Executed)

	// The stage barrier runs the early task first despite its higher ID
	calls := runner.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "early", calls[0][2])
	assert.Equal(t, "late", calls[1][2])
}

func TestOfflineDispatchOrderDeterministic(t *testing.T) {
	agendaFor := func(dir string) string {
		doc := "procs:\n  write: [write, $dst, $text]\nstages:\n  - [write]\ntasks:\n"
		for _, name := range []string{"one", "two", "three", "four"} {
			out := filepath.Join(dir, name+".out")
			doc += fmt.Sprintf("  - desc: Write %s\n    proc: write\n    args:\n      dst: [%s]\n      text: [%s]\n    inputs: []\n    outputs: [%s]\n", name, out, name, out)
		}
		return doc
	}

	var first []string
	for round := 0; round < 3; round++ {
		dir := t.TempDir()
		testutil.WriteFile(t, filepath.Join(dir, "agenda.yaml"), agendaFor(dir))

		runner := scriptRunner()
		opts := options(t, dir, ModeOffline, runner)
		opts.Workers = 1
		runOffline(t, opts)

		calls := runner.Calls()
		require.Len(t, calls, 4)
		order := make([]string, len(calls))
		for i, call := range calls {
			order[i] = call[2]
		}
		if round == 0 {
			first = order
			continue
		}
		assert.Equal(t, first, order, "dispatch order must not vary across runs")
	}
}

func startOnline(t *testing.T, opts Options) (context.CancelFunc, <-chan Result) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() {
		result, err := New(opts).Run(ctx)
		require.NoError(t, err)
		done <- result
	}()
	return cancel, done
}

func waitResult(t *testing.T, cancel context.CancelFunc, done <-chan Result) Result {
	t.Helper()
	cancel()
	select {
	case result := <-done:
		return result
	case <-time.After(waitFor):
		t.Fatal("reactor did not shut down")
		return Result{}
	}
}

func TestOnlineInvalidationMidFlight(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.txt")
	out := filepath.Join(dir, "out.txt")
	testutil.WriteFile(t, in, "v1")
	testutil.WriteFile(t, filepath.Join(dir, "agenda.yaml"), fmt.Sprintf(`
procs:
  slowcopy: [slowcopy, $src, $dst]
stages:
  - [slowcopy]
tasks:
  - desc: Slow copy
    proc: slowcopy
    args:
      src: [%s]
      dst: [%s]
    inputs: [%s]
    outputs: [%s]
`, in, out, in, out))

	gate := make(chan struct{})
	runner := &testutil.FakeRunner{
		OnRun: func(ctx context.Context, argv []string, dir string) executor.RunResult {
			select {
			case <-gate:
			case <-ctx.Done():
				return executor.RunResult{Cancelled: true}
			}
			data, _ := os.ReadFile(argv[1])
			if err := os.WriteFile(argv[2], data, 0o644); err != nil {
				return executor.RunResult{ExitCode: 1}
			}
			return executor.RunResult{}
		},
	}

	watcher := testutil.NewFakeWatcher()
	opts := options(t, dir, ModeOnline, runner)
	opts.Watcher = watcher
	cancel, done := startOnline(t, opts)

	// The first execution is in flight, blocked on the gate
	require.Eventually(t, func() bool { return runner.CallCount() == 1 }, waitFor, tick)

	// Editing its input mid-flight cancels and reschedules it
	testutil.Touch(t, in, "v2")
	watcher.Emit(in, watch.OpModified)
	require.Eventually(t, func() bool { return runner.CallCount() == 2 }, waitFor, tick)

	// The rescheduled execution completes with the new input
	close(gate)
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(out)
		return err == nil && string(data) == "v2"
	}, waitFor, tick)

	result := waitResult(t, cancel, done)
	assert.Equal(t, 1, result.Executed)
	assert.False(t, result.Failed)
}

func TestOnlineFailedTaskRetriesOnInputChange(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.txt")
	out := filepath.Join(dir, "out.txt")
	testutil.WriteFile(t, in, "v1")
	testutil.WriteFile(t, filepath.Join(dir, "agenda.yaml"), fmt.Sprintf(`
procs:
  build: [build, $src, $dst]
stages:
  - [build]
tasks:
  - desc: Flaky build
    proc: build
    args:
      src: [%s]
      dst: [%s]
    inputs: [%s]
    outputs: [%s]
`, in, out, in, out))

	var broken atomic.Bool
	broken.Store(true)
	runner := &testutil.FakeRunner{
		OnRun: func(ctx context.Context, argv []string, dir string) executor.RunResult {
			if broken.Load() {
				return executor.RunResult{ExitCode: 1, Stderr: "syntax error"}
			}
			data, _ := os.ReadFile(argv[1])
			os.WriteFile(argv[2], data, 0o644)
			return executor.RunResult{}
		},
	}

	watcher := testutil.NewFakeWatcher()
	opts := options(t, dir, ModeOnline, runner)
	opts.Watcher = watcher
	cancel, done := startOnline(t, opts)

	require.Eventually(t, func() bool { return runner.CallCount() == 1 }, waitFor, tick)

	// The failed subgraph stays Failed until an input change invalidates it
	broken.Store(false)
	testutil.Touch(t, in, "v2")
	watcher.Emit(in, watch.OpModified)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(out)
		return err == nil && string(data) == "v2"
	}, waitFor, tick)

	waitResult(t, cancel, done)
}

func TestOnlineAgendaRebuild(t *testing.T) {
	dir := t.TempDir()
	agendaPath := filepath.Join(dir, "agenda.yaml")
	out1 := filepath.Join(dir, "one.out")
	out2 := filepath.Join(dir, "two.out")

	singleTask := fmt.Sprintf(`
procs:
  write: [write, $dst, $text]
stages:
  - [write]
tasks:
  - desc: First
    proc: write
    args:
      dst: [%s]
      text: [one]
    inputs: []
    outputs: [%s]
`, out1, out1)
	testutil.WriteFile(t, agendaPath, singleTask)

	runner := scriptRunner()
	watcher := testutil.NewFakeWatcher()
	opts := options(t, dir, ModeOnline, runner)
	opts.Watcher = watcher
	cancel, done := startOnline(t, opts)

	require.Eventually(t, func() bool {
		_, err := os.Stat(out1)
		return err == nil
	}, waitFor, tick)

	// Extending the agenda triggers a rebuild; only the new task is stale
	testutil.Touch(t, agendaPath, singleTask+fmt.Sprintf(`  - desc: Second
    proc: write
    args:
      dst: [%s]
      text: [two]
    inputs: []
    outputs: [%s]
`, out2, out2))
	watcher.Emit(agendaPath, watch.OpModified)

	require.Eventually(t, func() bool {
		_, err := os.Stat(out2)
		return err == nil
	}, waitFor, tick)
	assert.Equal(t, 2, runner.CallCount())

	waitResult(t, cancel, done)
}

func TestOnlineInvalidAgendaKeepsPreviousGraph(t *testing.T) {
	dir := t.TempDir()
	agendaPath := filepath.Join(dir, "agenda.yaml")
	in := filepath.Join(dir, "in.txt")
	out := filepath.Join(dir, "out.txt")
	testutil.WriteFile(t, in, "v1")
	valid := fmt.Sprintf(`
procs:
  copy: [copy, $src, $dst]
stages:
  - [copy]
tasks:
  - desc: Copy
    proc: copy
    args:
      src: [%s]
      dst: [%s]
    inputs: [%s]
    outputs: [%s]
`, in, out, in, out)
	testutil.WriteFile(t, agendaPath, valid)

	runner := scriptRunner()
	watcher := testutil.NewFakeWatcher()
	opts := options(t, dir, ModeOnline, runner)
	opts.Watcher = watcher
	cancel, done := startOnline(t, opts)

	require.Eventually(t, func() bool {
		_, err := os.Stat(out)
		return err == nil
	}, waitFor, tick)

	// A broken agenda is reported but the previous good graph stays live
	testutil.Touch(t, agendaPath, "procs: {}\nstages: []\ntasks: []\nbogus: true\n")
	watcher.Emit(agendaPath, watch.OpModified)

	testutil.Touch(t, in, "v2")
	watcher.Emit(in, watch.OpModified)
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(out)
		return err == nil && string(data) == "v2"
	}, waitFor, tick)

	waitResult(t, cancel, done)
}

func TestCancelledTaskLeavesNoStats(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "out.txt")
	testutil.WriteFile(t, filepath.Join(dir, "agenda.yaml"), fmt.Sprintf(`
procs:
  slow: [slow, $dst]
stages:
  - [slow]
tasks:
  - desc: Slow task
    proc: slow
    args:
      dst: [%s]
    inputs: []
    outputs: [%s]
`, out, out))

	started := make(chan struct{}, 1)
	runner := &testutil.FakeRunner{
		OnRun: func(ctx context.Context, argv []string, dir string) executor.RunResult {
			started <- struct{}{}
			<-ctx.Done()
			return executor.RunResult{Cancelled: true}
		},
	}

	watcher := testutil.NewFakeWatcher()
	opts := options(t, dir, ModeOnline, runner)
	opts.Watcher = watcher
	cancel, done := startOnline(t, opts)

	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("task never started")
	}
	waitResult(t, cancel, done)

	// The interrupted run persisted its cache without the task's outputs
	store, err := cache.Load(opts.CachePath)
	require.NoError(t, err)
	_, ok := store.Get(out)
	assert.False(t, ok, "cancelled work must leave no stat entries")
}

package reactor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/tickle/internal/agenda"
	"github.com/t77yq/tickle/internal/analyze"
	"github.com/t77yq/tickle/internal/cache"
	"github.com/t77yq/tickle/internal/executor"
	"github.com/t77yq/tickle/internal/graph"
	"github.com/t77yq/tickle/internal/history"
	"github.com/t77yq/tickle/internal/model"
	"github.com/t77yq/tickle/internal/schedule"
	"github.com/t77yq/tickle/internal/watch"
)

// ErrInternal marks failures of the reactor's own machinery, as opposed
// to invalid user input
var ErrInternal = errors.New("internal error")

// Mode selects how the reactor terminates
type Mode int

const (
	// ModeOffline evaluates the stale set once and exits on quiescence
	ModeOffline Mode = iota

	// ModeOnline keeps running, folding filesystem events and document
	// edits into a continuous re-scheduling loop
	ModeOnline
)

// Options configures a reactor invocation
type Options struct {
	Mode           Mode
	Dir            string
	AgendaPath     string
	DependPath     string
	CachePath      string
	Workers        int
	RescanSchedule string

	Runner  executor.Runner
	Watcher watch.Watcher
	Journal history.Journal
	Logger  *zap.Logger
}

// Result summarizes a finished run
type Result struct {
	Executed int
	Failed   bool
}

// Reactor is the single-owner driver: it holds the authoritative graph,
// scheduler, and stat store, and multiplexes worker outcomes, filesystem
// events, document edits, and rescan ticks. All cross-thread communication
// is over channels; no state is shared with the workers.
type Reactor struct {
	opts   Options
	logger *zap.Logger
	runID  string

	analyzer *analyze.Analyzer
	store    *cache.StatStore
	ag       *agenda.Agenda
	dep      agenda.Depend
	g        *graph.Graph
	sched    *schedule.Scheduler

	assignments chan executor.Assignment
	outcomes    chan model.Outcome
	rescan      chan struct{}
	pool        *executor.Pool
	cron        *cron.Cron

	nextExec    int64
	execToTask  map[int64]model.TaskID
	running     map[model.TaskID]context.CancelFunc
	invalidated map[model.TaskID]bool
	docStats    map[string]model.FileStat
	dirty       bool
}

// New creates a reactor. State is constructed per invocation; nothing is
// global.
func New(opts Options) *Reactor {
	logger := opts.Logger.Named("reactor")
	return &Reactor{
		opts:        opts,
		logger:      logger,
		runID:       uuid.NewString(),
		analyzer:    analyze.NewAnalyzer(opts.Logger),
		assignments: make(chan executor.Assignment),
		outcomes:    make(chan model.Outcome, opts.Workers),
		rescan:      make(chan struct{}, 1),
		execToTask:  make(map[int64]model.TaskID),
		running:     make(map[model.TaskID]context.CancelFunc),
		invalidated: make(map[model.TaskID]bool),
		docStats:    make(map[string]model.FileStat),
	}
}

// Run drives the evaluation to completion (offline) or until the context
// is cancelled (online).
func (r *Reactor) Run(ctx context.Context) (Result, error) {
	store, err := cache.Load(r.opts.CachePath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			r.logger.Warn("Cache unusable, starting empty",
				zap.String("path", r.opts.CachePath),
				zap.Error(err))
		}
		store = cache.NewStatStore()
	}
	r.store = store

	if err := r.load(); err != nil {
		return Result{}, err
	}

	stale := r.analyzer.MustRun(r.g, r.store)
	r.sched = schedule.NewScheduler(r.g, r.opts.Logger)
	r.sched.Seed(stale)

	if r.opts.Mode == ModeOnline {
		if err := r.restartWatcher(); err != nil {
			return Result{}, fmt.Errorf("%w: failed to start watcher: %v", ErrInternal, err)
		}
		r.startRescan()
	}

	r.pool = executor.NewPool(r.opts.Workers, r.opts.Runner, r.opts.Logger)
	r.pool.Start(r.assignments, r.outcomes)

	result := r.loop(ctx)
	r.shutdown()
	return result, nil
}

// load reads and validates both documents and builds the graph
func (r *Reactor) load() error {
	ag, err := agenda.Load(r.opts.AgendaPath)
	if err != nil {
		return err
	}
	dep, err := agenda.LoadDepend(r.opts.DependPath)
	if err != nil {
		return err
	}
	g, err := graph.Build(ag, dep)
	if err != nil {
		return err
	}
	r.ag, r.dep, r.g = ag, dep, g
	r.noteDocStats()
	r.logger.Info("Graph built",
		zap.Int("tasks", len(g.Tasks())),
		zap.Int("files", len(g.Files())))
	return nil
}

func (r *Reactor) noteDocStats() {
	for _, path := range []string{r.opts.AgendaPath, r.opts.DependPath} {
		if stat, ok := model.StatPath(path); ok {
			r.docStats[path] = stat
		} else {
			delete(r.docStats, path)
		}
	}
}

// loop is the reactor's multiplex. It blocks only here; the dispatch case
// is armed only when a task is ready, so a free worker receives exactly
// when there is work.
func (r *Reactor) loop(ctx context.Context) Result {
	var events <-chan watch.Event
	if r.opts.Watcher != nil {
		events = r.opts.Watcher.Events()
	}

	for {
		if r.sched.Drained() && len(r.running) == 0 {
			if r.opts.Mode == ModeOffline {
				break
			}
			r.persistIfDirty()
		}

		var dispatch chan executor.Assignment
		var next executor.Assignment
		var nextCancel context.CancelFunc
		if id, ok := r.sched.PeekReady(); ok {
			taskCtx, cancel := context.WithCancel(context.Background())
			next = executor.Assignment{
				ExecID: r.nextExec,
				Task:   r.g.Task(id),
				Ctx:    taskCtx,
				Dir:    r.opts.Dir,
			}
			nextCancel = cancel
			dispatch = r.assignments
		}

		select {
		case dispatch <- next:
			id := next.Task.ID
			r.sched.MarkRunning(id)
			r.execToTask[next.ExecID] = id
			r.running[id] = nextCancel
			r.nextExec++
			r.logger.Info("Task started",
				zap.Int("task_id", int(id)),
				zap.String("desc", next.Task.Description))

		case outcome := <-r.outcomes:
			if nextCancel != nil {
				nextCancel()
			}
			r.handleOutcome(outcome)

		case event, ok := <-events:
			if nextCancel != nil {
				nextCancel()
			}
			if !ok {
				events = nil
				continue
			}
			r.handleEvent(event)

		case <-r.rescan:
			if nextCancel != nil {
				nextCancel()
			}
			r.reanalyze(nil)

		case <-ctx.Done():
			if nextCancel != nil {
				nextCancel()
			}
			return r.result()
		}
	}
	return r.result()
}

func (r *Reactor) result() Result {
	return Result{
		Executed: r.sched.Executed(),
		Failed:   r.sched.AnyFailed(),
	}
}

// handleOutcome folds one worker report back into the scheduler and store
func (r *Reactor) handleOutcome(outcome model.Outcome) {
	id, known := r.execToTask[outcome.ExecID]
	delete(r.execToTask, outcome.ExecID)
	if !known {
		// The task identity vanished in a rebuild while in flight
		r.logger.Debug("Outcome for removed task dropped",
			zap.Int64("exec_id", outcome.ExecID))
		return
	}
	if cancel, ok := r.running[id]; ok {
		cancel()
		delete(r.running, id)
	}
	task := r.g.Task(id)
	r.record(task, outcome)

	switch outcome.Kind {
	case model.OutcomeOk:
		// Stats commit before the status flips to Done, so no successor
		// sees Ready ahead of the recorded outputs
		for path, stat := range outcome.OutputStats {
			r.store.Put(path, stat)
		}
		r.analyzer.RefreshInputs(r.g, r.store, id)
		r.dirty = true
		r.sched.Complete(id)
		r.logger.Info("Task done",
			zap.Int("task_id", int(id)),
			zap.String("desc", task.Description),
			zap.Duration("elapsed", outcome.CompletedAt.Sub(outcome.StartedAt)))

	case model.OutcomeCancelled:
		if r.invalidated[id] {
			delete(r.invalidated, id)
			r.sched.Cancelled(id)
			r.logger.Info("Task requeued after cancellation",
				zap.Int("task_id", int(id)),
				zap.String("desc", task.Description))
		}

	default:
		r.logger.Error("Task failed",
			zap.Int("task_id", int(id)),
			zap.String("desc", task.Description),
			zap.String("kind", string(outcome.Kind)),
			zap.Int("exit_code", outcome.ExitCode),
			zap.String("command", history.CommandLine(task.Command)),
			zap.String("stderr", strings.TrimSpace(outcome.StderrTail)),
			zap.Strings("missing", outcome.Missing))
		cascaded := r.sched.Fail(id)
		if len(cascaded) > 0 {
			descs := make([]string, len(cascaded))
			for i, cid := range cascaded {
				descs[i] = r.g.Task(cid).Description
			}
			r.logger.Error("Tasks failed by cascade",
				zap.String("origin", task.Description),
				zap.Strings("descs", descs))
		}
	}

	if r.sched.Drained() && len(r.running) == 0 {
		r.persistIfDirty()
	}
}

// record writes one journal row per executed task
func (r *Reactor) record(task *model.Task, outcome model.Outcome) {
	if r.opts.Journal == nil {
		return
	}
	err := r.opts.Journal.Record(context.Background(), &history.Record{
		ID:          uuid.NewString(),
		RunID:       r.runID,
		TaskID:      task.ID,
		Description: task.Description,
		Command:     history.CommandLine(task.Command),
		Outcome:     outcome.Kind,
		ExitCode:    outcome.ExitCode,
		Error:       outcome.Error,
		StartedAt:   outcome.StartedAt,
		CompletedAt: outcome.CompletedAt,
		Duration:    outcome.CompletedAt.Sub(outcome.StartedAt),
	})
	if err != nil {
		r.logger.Warn("History journal disabled for this run", zap.Error(err))
		r.opts.Journal = nil
	}
}

// handleEvent folds one filesystem event into the schedule
func (r *Reactor) handleEvent(event watch.Event) {
	if event.Path == r.opts.AgendaPath || event.Path == r.opts.DependPath {
		r.handleDocEvent(event.Path)
		return
	}

	r.logger.Info("Input changed",
		zap.String("path", event.Path),
		zap.String("op", event.Op.String()))
	r.store.Put(event.Path, model.DirtyStat)
	r.dirty = true
	r.reanalyze(r.g.TasksAffectedBy(event.Path))
}

// handleDocEvent reloads the agenda or depend document, suppressing
// events that did not change the file content.
func (r *Reactor) handleDocEvent(path string) {
	current, exists := model.StatPath(path)
	if exists {
		if prev, ok := r.docStats[path]; ok && current.Equal(prev) {
			return
		}
	}
	r.logger.Info("Document modified, rebuilding", zap.String("path", path))
	r.rebuild()
}

// reanalyze recomputes the stale set and reschedules. Running tasks whose
// inputs were invalidated (members of affected) are cancelled and re-enter
// Pending on their cancellation outcome; other running tasks continue.
func (r *Reactor) reanalyze(affected []model.TaskID) {
	stale := r.analyzer.MustRun(r.g, r.store)

	affectedSet := make(map[model.TaskID]bool, len(affected))
	for _, id := range affected {
		affectedSet[id] = true
	}

	var requeue []model.TaskID
	for _, task := range r.g.Tasks() {
		if !stale[task.ID] {
			continue
		}
		status := r.sched.Status(task.ID)
		if status == model.TaskStatusRunning {
			if affectedSet[task.ID] && !r.invalidated[task.ID] {
				r.invalidated[task.ID] = true
				r.running[task.ID]()
				r.logger.Info("Cancelling invalidated task",
					zap.Int("task_id", int(task.ID)),
					zap.String("desc", task.Description))
			}
			continue
		}
		if status != model.TaskStatusPending && status != model.TaskStatusReady {
			requeue = append(requeue, task.ID)
		}
	}
	if len(requeue) > 0 {
		r.sched.Requeue(requeue)
		r.logger.Info("Tasks rescheduled", zap.Int("count", len(requeue)))
	}
}

// rebuild reloads both documents and swaps in a fresh graph. A load error
// keeps the previous good graph in force. Running tasks whose structural
// identity survives keep running under their new IDs; the rest are
// cancelled and dropped.
func (r *Reactor) rebuild() {
	ag, err := agenda.Load(r.opts.AgendaPath)
	if err != nil {
		r.logger.Error("Agenda rejected, keeping previous graph", zap.Error(err))
		r.noteDocStats()
		return
	}
	dep, err := agenda.LoadDepend(r.opts.DependPath)
	if err != nil {
		r.logger.Error("Depend rejected, keeping previous graph", zap.Error(err))
		r.noteDocStats()
		return
	}
	g, err := graph.Build(ag, dep)
	if err != nil {
		r.logger.Error("Graph rejected, keeping previous graph", zap.Error(err))
		r.noteDocStats()
		return
	}

	newIDs := make(map[string]model.TaskID, len(g.Tasks()))
	for _, task := range g.Tasks() {
		newIDs[task.Identity()] = task.ID
	}

	// Remap in-flight executions by identity; cancel the ones whose task
	// no longer exists in the new graph
	running := make(map[model.TaskID]context.CancelFunc)
	survived := make(map[int64]model.TaskID)
	for execID, oldID := range r.execToTask {
		identity := r.g.Task(oldID).Identity()
		cancel := r.running[oldID]
		if newID, ok := newIDs[identity]; ok {
			survived[execID] = newID
			running[newID] = cancel
		} else {
			cancel()
			r.logger.Info("Cancelling task removed by rebuild",
				zap.Int("task_id", int(oldID)))
		}
	}
	r.execToTask = survived
	r.running = running
	r.invalidated = make(map[model.TaskID]bool)

	r.ag, r.dep, r.g = ag, dep, g
	r.noteDocStats()

	stale := r.analyzer.MustRun(r.g, r.store)
	r.sched = schedule.NewScheduler(r.g, r.opts.Logger)
	r.sched.Seed(stale)
	for id := range r.running {
		r.sched.AdoptRunning(id)
	}

	if err := r.restartWatcher(); err != nil {
		r.logger.Error("Failed to restart watcher", zap.Error(err))
	}
	r.logger.Info("Graph rebuilt",
		zap.Int("tasks", len(g.Tasks())),
		zap.Int("in_flight", len(r.running)))
}

// restartWatcher points the watcher at the current watchable set: initial
// files plus both documents.
func (r *Reactor) restartWatcher() error {
	if r.opts.Watcher == nil {
		return nil
	}
	paths := append(r.g.InitialFiles(), r.opts.AgendaPath, r.opts.DependPath)
	return r.opts.Watcher.Restart(paths)
}

// startRescan arms the periodic full rescan as a safety net for events
// the watcher missed.
func (r *Reactor) startRescan() {
	if r.opts.RescanSchedule == "" {
		return
	}
	r.cron = cron.New(cron.WithChain(cron.Recover(&cronLogger{logger: r.logger.Named("cron")})))
	_, err := r.cron.AddFunc(r.opts.RescanSchedule, func() {
		select {
		case r.rescan <- struct{}{}:
		default:
		}
	})
	if err != nil {
		r.logger.Warn("Invalid rescan schedule, periodic rescan disabled",
			zap.String("schedule", r.opts.RescanSchedule),
			zap.Error(err))
		r.cron = nil
		return
	}
	r.cron.Start()
}

// persistIfDirty writes the stat store on quiescence
func (r *Reactor) persistIfDirty() {
	if !r.dirty {
		return
	}
	if err := cache.Store(r.opts.CachePath, r.store); err != nil {
		r.logger.Warn("Failed to persist cache", zap.Error(err))
		return
	}
	r.dirty = false
	r.logger.Debug("Cache persisted",
		zap.String("path", r.opts.CachePath),
		zap.Int("entries", r.store.Len()))
}

// shutdown cancels in-flight work, drains the pool, and persists state
func (r *Reactor) shutdown() {
	if r.cron != nil {
		r.cron.Stop()
	}
	for _, cancel := range r.running {
		cancel()
	}
	close(r.assignments)
	go func() {
		r.pool.Wait()
		close(r.outcomes)
	}()
	for range r.outcomes {
		// Discard: cancelled work leaves no stats behind
	}
	r.dirty = true
	r.persistIfDirty()
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

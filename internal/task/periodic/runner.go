package periodic

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "postbot/pkg/logx"
)

var (
	ErrBusy        = errors.New("task is already running")
	ErrUnknownTask = errors.New("unknown task")
	ErrStarted     = errors.New("runner already started")
	ErrStopped     = errors.New("runner stopped")
)

// Task is one periodic job.
type Task struct {
	Name         string
	Interval     time.Duration
	InitialDelay time.Duration
	// Timeout bounds one run. Zero means no per-run deadline.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// TaskInfo is a point-in-time view of one task.
type TaskInfo struct {
	Name         string        `json:"name"`
	Interval     time.Duration `json:"interval"`
	Running      bool          `json:"running"`
	Runs         uint64        `json:"runs"`
	Failures     uint64        `json:"failures"`
	Skipped      uint64        `json:"skipped"`
	LastStart    time.Time     `json:"last_start"`
	LastEnd      time.Time     `json:"last_end"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
	Next         time.Time     `json:"next"`
}

type taskState struct {
	task    Task
	entryID cron.EntryID
	running atomic.Bool

	mu        sync.Mutex
	runs      uint64
	failures  uint64
	skipped   uint64
	lastStart time.Time
	lastEnd   time.Time
	lastDur   time.Duration
	lastErr   string
}

// Runner schedules registered tasks.
type Runner struct {
	log logx.Logger
	loc *time.Location

	mu      sync.Mutex
	c       *cron.Cron
	tasks   map[string]*taskState
	order   []string
	baseCtx context.Context
	cancel  context.CancelFunc
	// stopping is set under mu before Stop waits on inflight; no run
	// registers itself afterwards.
	stopping bool

	inflight sync.WaitGroup
}

// New creates a runner. loc controls cron's clock (time.Local when nil).
func New(log logx.Logger, loc *time.Location) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Runner{log: log, loc: loc, tasks: map[string]*taskState{}}
}

// Add registers a task. Tasks must be added before Start.
func (r *Runner) Add(t Task) error {
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task name is required")
	}
	if t.Run == nil {
		return fmt.Errorf("task %s: run func is required", t.Name)
	}
	if t.Interval <= 0 {
		return fmt.Errorf("task %s: interval must be > 0", t.Name)
	}
	if t.InitialDelay < 0 {
		t.InitialDelay = 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return ErrStarted
	}
	if _, ok := r.tasks[t.Name]; ok {
		return fmt.Errorf("task %s already registered", t.Name)
	}
	r.tasks[t.Name] = &taskState{task: t}
	r.order = append(r.order, t.Name)
	return nil
}

// Start begins scheduling. Runs use a context detached from ctx's
// cancellation so Stop can let an in-flight tick finish; ctx values are kept.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return ErrStarted
	}
	r.baseCtx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))

	cl := cronLogger{log: r.log}
	r.c = cron.New(
		cron.WithLocation(r.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	now := time.Now().In(r.loc)
	for _, name := range r.order {
		st := r.tasks[name]
		st.entryID = r.c.Schedule(newSchedule(st.task.Interval, st.task.InitialDelay, now), cron.FuncJob(func() {
			r.runScheduled(st)
		}))
		if st.task.InitialDelay <= 0 {
			r.inflight.Add(1)
			go func() {
				defer r.inflight.Done()
				r.runScheduled(st)
			}()
		}
		r.log.Debug("task registered",
			logx.String("task", name),
			logx.Duration("interval", st.task.Interval),
			logx.Duration("initial_delay", st.task.InitialDelay),
		)
	}
	r.c.Start()
	r.log.Info("runner started", logx.Int("tasks", len(r.order)), logx.String("tz", r.loc.String()))
	return nil
}

// Stop stops scheduling and waits for in-flight runs. If ctx ends first the
// runs' context is cancelled and ctx.Err() is returned.
func (r *Runner) Stop(ctx context.Context) error {
	start := time.Now()
	r.mu.Lock()
	c := r.c
	cancel := r.cancel
	r.stopping = true
	r.mu.Unlock()
	if c == nil {
		return nil
	}

	stopped := c.Stop()
	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		r.inflight.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		r.log.Warn("runner stop deadline reached; cancelling in-flight runs")
	}
	if cancel != nil {
		cancel()
	}
	r.log.Info("runner stopped", logx.Duration("took", time.Since(start)))
	return err
}

// Trigger runs the named task now in the caller's goroutine. It returns
// ErrBusy when a run is already in flight and the task's error otherwise.
func (r *Runner) Trigger(ctx context.Context, name string) error {
	r.mu.Lock()
	st, ok := r.tasks[name]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	if !r.enter() {
		return ErrStopped
	}
	defer r.inflight.Done()
	if !st.running.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer st.running.Store(false)
	return r.exec(ctx, st, "manual")
}

// enter registers an in-flight run unless Stop has begun.
func (r *Runner) enter() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopping {
		return false
	}
	r.inflight.Add(1)
	return true
}

func (r *Runner) runScheduled(st *taskState) {
	if !r.enter() {
		return
	}
	defer r.inflight.Done()
	if !st.running.CompareAndSwap(false, true) {
		st.mu.Lock()
		st.skipped++
		st.mu.Unlock()
		r.log.Debug("task skipped: still running", logx.String("task", st.task.Name))
		return
	}
	defer st.running.Store(false)

	r.mu.Lock()
	ctx := r.baseCtx
	r.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	_ = r.exec(ctx, st, "schedule")
}

func (r *Runner) exec(ctx context.Context, st *taskState, trigger string) (err error) {
	start := time.Now()
	st.mu.Lock()
	st.lastStart = start
	st.mu.Unlock()

	runCtx := ctx
	if st.task.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, st.task.Timeout)
		defer cancel()
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
			r.log.Error("task panic",
				logx.String("task", st.task.Name),
				logx.Any("panic", rec),
				logx.String("stack", string(debug.Stack())),
			)
		}
		dur := time.Since(start)
		st.mu.Lock()
		st.runs++
		st.lastEnd = time.Now()
		st.lastDur = dur
		st.lastErr = ""
		if err != nil {
			st.failures++
			st.lastErr = err.Error()
		}
		st.mu.Unlock()
		if err != nil {
			r.log.Warn("task failed", logx.String("task", st.task.Name), logx.String("trigger", trigger), logx.Duration("took", dur), logx.Err(err))
			return
		}
		r.log.Debug("task done", logx.String("task", st.task.Name), logx.String("trigger", trigger), logx.Duration("took", dur))
	}()

	return st.task.Run(runCtx)
}

// Snapshot returns per-task state sorted by name.
func (r *Runner) Snapshot() []TaskInfo {
	r.mu.Lock()
	c := r.c
	states := make([]*taskState, 0, len(r.tasks))
	entries := make([]cron.EntryID, 0, len(r.tasks))
	for _, st := range r.tasks {
		states = append(states, st)
		entries = append(entries, st.entryID)
	}
	r.mu.Unlock()

	out := make([]TaskInfo, 0, len(states))
	for i, st := range states {
		st.mu.Lock()
		info := TaskInfo{
			Name:         st.task.Name,
			Interval:     st.task.Interval,
			Running:      st.running.Load(),
			Runs:         st.runs,
			Failures:     st.failures,
			Skipped:      st.skipped,
			LastStart:    st.lastStart,
			LastEnd:      st.lastEnd,
			LastDuration: st.lastDur,
			LastError:    st.lastErr,
		}
		st.mu.Unlock()
		if c != nil && entries[i] != 0 {
			info.Next = c.Entry(entries[i]).Next
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

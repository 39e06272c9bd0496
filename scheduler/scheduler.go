// Package scheduler runs named periodic tasks with per-task exclusivity.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	defaultTickInterval = time.Second
	defaultDrainTimeout = 30 * time.Second
)

// TaskFunc runs one execution of a task and reports named counts.
type TaskFunc func(ctx context.Context) (map[string]int, error)

// Event describes one finished task execution.
type Event struct {
	Task     string
	Outcome  map[string]int
	Err      error
	Started  time.Time
	Duration time.Duration
}

// TaskState is a point-in-time view of a registered task.
type TaskState struct {
	Name         string        `json:"name"`
	Interval     time.Duration `json:"interval"`
	Enabled      bool          `json:"enabled"`
	Running      bool          `json:"running"`
	LastRunAt    *time.Time    `json:"last_run_at,omitempty"`
	LastDuration time.Duration `json:"last_duration"`
	LastError    string        `json:"last_error,omitempty"`
	Runs         int           `json:"runs"`
	Failures     int           `json:"failures"`
	Skips        int           `json:"skips"`
}

type task struct {
	name     string
	interval time.Duration
	fn       TaskFunc

	running      bool
	lastRunAt    time.Time
	lastDuration time.Duration
	lastErr      error
	runs         int
	failures     int
	skips        int
}

// Scheduler evaluates registered tasks on every tick and starts the ones that are due.
// A task still running when it becomes due again is skipped, never queued.
type Scheduler struct {
	mu        sync.Mutex
	tasks     []*task
	byName    map[string]*task
	listeners []func(Event)

	tickInterval time.Duration
	drainTimeout time.Duration
	logger       *slog.Logger
	now          func() time.Time

	inflight sync.WaitGroup
	running  atomic.Bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTickInterval sets how often tasks are evaluated.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tickInterval = d
		}
	}
}

// WithDrainTimeout bounds how long shutdown waits for running tasks.
func WithDrainTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.drainTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// New creates a scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		byName:       make(map[string]*task),
		tickInterval: defaultTickInterval,
		drainTimeout: defaultDrainTimeout,
		logger:       slog.Default(),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a task. An interval of zero or less registers it disabled.
func (s *Scheduler) Register(name string, interval time.Duration, fn TaskFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byName[name]; ok {
		return fmt.Errorf("task %q already registered", name)
	}
	t := &task{name: name, interval: max(interval, 0), fn: fn}
	s.tasks = append(s.tasks, t)
	s.byName[name] = t
	return nil
}

// OnEvent registers a listener called after every task execution.
func (s *Scheduler) OnEvent(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Tick starts every enabled task whose interval has elapsed since its last start.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tasks {
		if t.interval == 0 || now.Sub(t.lastRunAt) < t.interval {
			continue
		}
		if t.running {
			t.skips++
			s.logger.Debug("task still running, skipping tick", "task", t.name)
			continue
		}
		t.running = true
		t.lastRunAt = now
		s.inflight.Add(1)
		go s.execute(ctx, t, now)
	}
}

func (s *Scheduler) execute(ctx context.Context, t *task, started time.Time) {
	defer s.inflight.Done()

	outcome, err := s.call(ctx, t)
	elapsed := s.now().Sub(started)

	s.mu.Lock()
	t.running = false
	t.runs++
	t.lastDuration = elapsed
	t.lastErr = err
	if err != nil {
		t.failures++
	}
	listeners := append([]func(Event){}, s.listeners...)
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn("task failed", "task", t.name, "duration", elapsed, "error", err)
	} else {
		s.logger.Debug("task completed", "task", t.name, "duration", elapsed, "outcome", outcome)
	}

	ev := Event{Task: t.name, Outcome: outcome, Err: err, Started: started, Duration: elapsed}
	for _, fn := range listeners {
		fn(ev)
	}
}

func (s *Scheduler) call(ctx context.Context, t *task) (outcome map[string]int, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panicked", "task", t.name, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("task %s panicked: %v", t.name, r)
		}
	}()
	return t.fn(ctx)
}

// Run drives Tick until ctx is cancelled, then waits for running tasks up to the drain timeout.
// Every task first becomes due one interval after Run starts.
func (s *Scheduler) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("scheduler already running")
	}
	defer s.running.Store(false)

	start := s.now()
	s.mu.Lock()
	for _, t := range s.tasks {
		if t.lastRunAt.IsZero() {
			t.lastRunAt = start
		}
	}
	s.mu.Unlock()

	c := cron.New()
	c.Schedule(cron.Every(s.tickInterval), cron.FuncJob(func() {
		if ctx.Err() == nil {
			s.Tick(ctx, s.now())
		}
	}))
	c.Start()
	s.logger.Info("scheduler started", "tasks", len(s.Snapshot()), "tick", s.tickInterval)

	<-ctx.Done()
	<-c.Stop().Done()

	return s.drain()
}

// Serve runs the scheduler under a supervisor.
func (s *Scheduler) Serve(ctx context.Context) error {
	return s.Run(ctx)
}

// String names the service in supervisor logs.
func (s *Scheduler) String() string {
	return "scheduler"
}

func (s *Scheduler) drain() error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	t := time.NewTimer(s.drainTimeout)
	defer t.Stop()
	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-t.C:
		running := 0
		for _, st := range s.Snapshot() {
			if st.Running {
				running++
			}
		}
		return fmt.Errorf("scheduler drain: %d tasks still running after %v", running, s.drainTimeout)
	}
}

// Running reports whether Run is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Snapshot returns the state of every task in registration order.
func (s *Scheduler) Snapshot() []TaskState {
	s.mu.Lock()
	defer s.mu.Unlock()

	states := make([]TaskState, 0, len(s.tasks))
	for _, t := range s.tasks {
		st := TaskState{
			Name:         t.name,
			Interval:     t.interval,
			Enabled:      t.interval > 0,
			Running:      t.running,
			LastDuration: t.lastDuration,
			Runs:         t.runs,
			Failures:     t.failures,
			Skips:        t.skips,
		}
		if t.runs > 0 || t.running {
			last := t.lastRunAt
			st.LastRunAt = &last
		}
		if t.lastErr != nil {
			st.LastError = t.lastErr.Error()
		}
		states = append(states, st)
	}
	return states
}

// Package scheduler runs named periodic jobs such as milestone reminders.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrUnknownTask = errors.New("scheduler: unknown task")
	ErrTaskBusy    = errors.New("scheduler: task already running")
)

// TaskFn is one run of a job. ctx is cancelled when the job is replaced,
// removed or the scheduler stops.
type TaskFn func(ctx context.Context) error

// Task is a snapshot of a registered job.
type Task struct {
	Name      string     `json:"name"`
	Interval  string     `json:"interval"`
	Runs      int64      `json:"runs"`
	Failures  int64      `json:"failures"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	LastTook  string     `json:"last_took,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

type job struct {
	name     string
	interval time.Duration
	fn       TaskFn
	ctx      context.Context
	cancel   context.CancelFunc

	// running serialises ticks and manual triggers of the same job.
	running sync.Mutex

	mu        sync.Mutex
	runs      int64
	failures  int64
	lastRun   time.Time
	lastTook  time.Duration
	lastError string
}

func (j *job) snapshot() Task {
	j.mu.Lock()
	defer j.mu.Unlock()
	t := Task{
		Name:      j.name,
		Interval:  j.interval.String(),
		Runs:      j.runs,
		Failures:  j.failures,
		LastError: j.lastError,
	}
	if !j.lastRun.IsZero() {
		last := j.lastRun
		t.LastRun = &last
		t.LastTook = j.lastTook.String()
	}
	return t
}

// Scheduler owns a set of named jobs, each on its own ticker goroutine.
type Scheduler struct {
	mu     sync.Mutex
	jobs   map[string]*job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *zap.Logger
}

func New(logger *zap.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		jobs:   make(map[string]*job),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
}

// AddTicker runs fn every interval, replacing any job of the same name.
// Registering after Stop, or with a non-positive interval, does nothing.
func (s *Scheduler) AddTicker(name string, interval time.Duration, fn TaskFn) {
	if interval <= 0 {
		s.logger.Warn("scheduler task disabled", zap.String("name", name), zap.Duration("interval", interval))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	if old, ok := s.jobs[name]; ok {
		old.cancel()
	}

	ctx, cancel := context.WithCancel(s.ctx)
	j := &job{name: name, interval: interval, fn: fn, ctx: ctx, cancel: cancel}
	s.jobs[name] = j

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				j.running.Lock()
				s.execute(j)
				j.running.Unlock()
			}
		}
	}()
	s.logger.Info("scheduler task registered", zap.String("name", name), zap.Duration("interval", interval))
}

// Trigger runs the named job once, now, and waits for it. It returns
// ErrTaskBusy instead of queueing behind a run already in progress. The
// returned error is the job's own.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownTask
	}
	if !j.running.TryLock() {
		return ErrTaskBusy
	}
	defer j.running.Unlock()
	return s.execute(j)
}

// execute runs one pass of j, turning a panic into an error, and records
// the outcome.
func (s *Scheduler) execute(j *job) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.logger.Error("scheduler task panicked", zap.String("task", j.name), zap.Any("recover", r))
		} else if err != nil {
			s.logger.Warn("scheduler task failed", zap.String("task", j.name), zap.Error(err))
		}
		j.mu.Lock()
		j.runs++
		j.lastRun = start
		j.lastTook = time.Since(start)
		j.lastError = ""
		if err != nil {
			j.failures++
			j.lastError = err.Error()
		}
		j.mu.Unlock()
	}()
	return j.fn(j.ctx)
}

// Remove stops the named job. Unknown names are ignored.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[name]; ok {
		j.cancel()
		delete(s.jobs, name)
	}
}

// Stop cancels every job and waits for running passes to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.cancel()
	s.jobs = make(map[string]*job)
	s.mu.Unlock()
	s.wg.Wait()
}

// ListTickers returns the registered job names, sorted.
func (s *Scheduler) ListTickers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tasks returns a snapshot of every job, sorted by name.
func (s *Scheduler) Tasks() []Task {
	s.mu.Lock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	out := make([]Task, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.snapshot())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

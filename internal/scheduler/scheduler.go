// Package scheduler runs deferred background work on a cooperative tick.
//
// Tasks are keyed. Scheduling a key that is already queued replaces the queued
// task, which is how callers debounce: write batching uses a zero delay to run
// on the next tick, garbage collection and snapshot tracking use longer ones.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

type task struct {
	key string
	due time.Time
	seq uint64
	fn  func()
}

type Scheduler struct {
	mu    sync.Mutex
	tasks map[string]*task
	seq   uint64
	now   func() time.Time
	log   *zap.SugaredLogger
}

type Option func(*Scheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(s *Scheduler) { s.log = log }
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		tasks: make(map[string]*task),
		now:   time.Now,
		log:   zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule queues fn under key to run on the first tick at least delay from
// now, replacing any task queued under the same key.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.tasks[key] = &task{key: key, due: s.now().Add(delay), seq: s.seq, fn: fn}
}

// ScheduleOnce queues fn under key unless a task with that key is already
// queued. It reports whether fn was queued.
func (s *Scheduler) ScheduleOnce(key string, delay time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, queued := s.tasks[key]; queued {
		return false
	}
	s.seq++
	s.tasks[key] = &task{key: key, due: s.now().Add(delay), seq: s.seq, fn: fn}
	return true
}

func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, key)
}

func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key]
	return ok
}

// RunNow runs the task queued under key immediately, if any.
func (s *Scheduler) RunNow(key string) bool {
	s.mu.Lock()
	t, ok := s.tasks[key]
	if ok {
		delete(s.tasks, key)
	}
	s.mu.Unlock()
	if ok {
		s.run(t)
	}
	return ok
}

// Tick runs every task that is due, in the order they were scheduled, and
// returns how many ran. Tasks scheduled by a running task wait for the next
// tick.
func (s *Scheduler) Tick() int {
	s.mu.Lock()
	now := s.now()
	var due []*task
	for key, t := range s.tasks {
		if !t.due.After(now) {
			due = append(due, t)
			delete(s.tasks, key)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].seq < due[j].seq })
	for _, t := range due {
		s.run(t)
	}
	return len(due)
}

// Run ticks every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

func (s *Scheduler) run(t *task) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorw("scheduled task panicked", "key", t.key, "panic", r)
		}
	}()
	t.fn()
}

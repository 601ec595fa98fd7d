// Package schedule runs the engine's lightweight periodic tasks (registry
// heartbeat, push frame ticks) on a single goroutine. Tasks are owned by
// name and unregistered explicitly during component teardown; nothing here
// relies on a task expiring on its own.
package schedule

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type task struct {
	every time.Duration
	next  time.Duration
	fn    func(now time.Duration)
}

type Scheduler struct {
	mu      sync.Mutex
	tick    time.Duration
	tasks   map[string]*task
	started time.Time
}

// NewScheduler creates a scheduler whose internal ticker fires every tick.
// Task periods shorter than the tick degrade to the tick itself.
func NewScheduler(tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = 10 * time.Millisecond
	}
	return &Scheduler{
		tick:  tick,
		tasks: make(map[string]*task),
	}
}

// Register installs or replaces a named task. The first fire is one period
// out from now.
func (s *Scheduler) Register(name string, every time.Duration, fn func(now time.Duration)) {
	s.mu.Lock()
	now := s.now()
	s.tasks[name] = &task{every: every, next: now + every, fn: fn}
	s.mu.Unlock()
	log.Debugf("schedule: registered %q every %v", name, every)
}

func (s *Scheduler) Unregister(name string) {
	s.mu.Lock()
	delete(s.tasks, name)
	s.mu.Unlock()
	log.Debugf("schedule: unregistered %q", name)
}

func (s *Scheduler) now() time.Duration {
	if s.started.IsZero() {
		return 0
	}
	return time.Since(s.started)
}

// Run drives the tasks until ctx is cancelled. A task that misses several
// periods fires once and re-anchors rather than bursting to catch up.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	s.started = time.Now()
	for _, t := range s.tasks {
		t.next = t.every
	}
	s.mu.Unlock()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := s.now()
			s.mu.Lock()
			var due []*task
			for _, t := range s.tasks {
				if now >= t.next {
					if now-t.next > 3*t.every {
						t.next = now + t.every
					} else {
						t.next += t.every
					}
					due = append(due, t)
				}
			}
			s.mu.Unlock()
			for _, t := range due {
				t.fn(now)
			}
		}
	}
}

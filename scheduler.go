package reqcast

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Scheduler runs deferred work on a clock.Clock. Every scheduled Task can be cancelled,
// cancellation is checked when the timer fires so a task cancelled after its timer
// expired still never runs.
type Scheduler struct {
	clock   clock.Clock
	tasks   map[uint64]*Task
	next    uint64
	stopped bool
	mu      *sync.Mutex
}

// NewScheduler returns a Scheduler driven by c, a nil clock uses wall time.
func NewScheduler(c clock.Clock) *Scheduler {
	if c == nil {
		c = clock.New()
	}
	return &Scheduler{
		clock: c,
		tasks: make(map[uint64]*Task),
		mu:    new(sync.Mutex),
	}
}

// Task is a single deferred function.
type Task struct {
	id     uint64
	signal *signal
	timer  *clock.Timer
	owner  *Scheduler
}

// After schedules fn to run once d has elapsed on the scheduler clock.
// On a stopped scheduler the returned task is already cancelled.
func (s *Scheduler) After(d time.Duration, fn func()) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++
	t := &Task{id: s.next, signal: newSignal(), owner: s}
	if s.stopped {
		t.signal.stop()
		return t
	}

	s.tasks[t.id] = t
	t.timer = s.clock.AfterFunc(d, func() {
		// claim the task, a concurrent Cancel wins if it got here first.
		if !t.signal.stop() {
			return
		}
		s.forget(t.id)
		fn()
	})
	return t
}

func (s *Scheduler) forget(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
}

// Pending returns the number of tasks that have neither run nor been cancelled.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Now returns the current time of the scheduler clock.
func (s *Scheduler) Now() time.Time {
	return s.clock.Now()
}

// CancelAll cancels every pending task, the scheduler stays usable.
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = make(map[uint64]*Task)
	s.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
}

// Stop cancels every pending task and rejects new ones.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.CancelAll()
}

// Cancel prevents the task from running. It reports whether the task was still pending.
func (t *Task) Cancel() bool {
	if t == nil {
		return false
	}
	if !t.cancel() {
		return false
	}
	t.owner.forget(t.id)
	return true
}

func (t *Task) cancel() bool {
	if !t.signal.stop() {
		return false
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	return true
}

// Done reports whether the task has run or was cancelled.
func (t *Task) Done() bool {
	return t == nil || t.signal.stopped()
}

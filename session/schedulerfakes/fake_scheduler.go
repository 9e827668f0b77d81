package schedulerfakes

import (
	"sort"
	"sync"
	"time"

	"github.com/retailgrid/poscore/session"
)

var _ session.Scheduler = (*FakeScheduler)(nil)

type task struct {
	seq       int
	due       time.Time
	fn        func()
	cancelled bool
}

// FakeScheduler is a virtual-clock Scheduler. Nothing runs until Advance moves
// the clock; due tasks then run synchronously on the calling goroutine, in due
// order, including tasks they schedule themselves. Pair its Now method with
// session.WithNowTime so the manager and the scheduler share one clock.
type FakeScheduler struct {
	mu    sync.Mutex
	now   time.Time
	seq   int
	tasks []*task
}

func NewFakeScheduler(start time.Time) *FakeScheduler {
	return &FakeScheduler{now: start}
}

// Now returns the virtual clock's current time.
func (s *FakeScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *FakeScheduler) Schedule(d time.Duration, fn func()) session.CancelFunc {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	t := &task{seq: s.seq, due: s.now.Add(d), fn: fn}
	s.tasks = append(s.tasks, t)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		t.cancelled = true
	}
}

// Pending returns the number of scheduled, uncancelled tasks.
func (s *FakeScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if !t.cancelled {
			n++
		}
	}
	return n
}

// Advance moves the clock forward by d, running every task that comes due
// along the way.
func (s *FakeScheduler) Advance(d time.Duration) {
	s.mu.Lock()
	target := s.now.Add(d)
	s.mu.Unlock()

	for {
		t := s.popDue(target)
		if t == nil {
			break
		}
		t.fn()
	}

	s.mu.Lock()
	s.now = target
	s.mu.Unlock()
}

// popDue removes and returns the earliest uncancelled task due at or before
// target, advancing the clock to its due time, or nil if none remain.
func (s *FakeScheduler) popDue(target time.Time) *task {
	s.mu.Lock()
	defer s.mu.Unlock()

	sort.SliceStable(s.tasks, func(i, j int) bool {
		if s.tasks[i].due.Equal(s.tasks[j].due) {
			return s.tasks[i].seq < s.tasks[j].seq
		}
		return s.tasks[i].due.Before(s.tasks[j].due)
	})

	for i, t := range s.tasks {
		if t.cancelled {
			continue
		}
		if t.due.After(target) {
			break
		}
		s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
		if t.due.After(s.now) {
			s.now = t.due
		}
		return t
	}
	return nil
}

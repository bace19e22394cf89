package remote

import (
	"sync"
	"time"
)

// runOnceScheduler runs fn once after delay each time it is scheduled.
// Rescheduling replaces the pending run; a cancelled run never fires.
type runOnceScheduler struct {
	fn    func()
	delay time.Duration

	mu       sync.Mutex
	timer    *time.Timer
	gen      uint64
	disposed bool
}

func newRunOnceScheduler(fn func(), delay time.Duration) *runOnceScheduler {
	return &runOnceScheduler{fn: fn, delay: delay}
}

func (s *runOnceScheduler) Schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.cancelLocked()
	gen := s.gen
	s.timer = time.AfterFunc(s.delay, func() {
		s.mu.Lock()
		if s.gen != gen || s.disposed {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.gen++
		s.mu.Unlock()
		s.fn()
	})
}

func (s *runOnceScheduler) Cancel() {
	s.mu.Lock()
	s.cancelLocked()
	s.mu.Unlock()
}

func (s *runOnceScheduler) cancelLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

func (s *runOnceScheduler) IsScheduled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Dispose cancels and prevents any further scheduling.
func (s *runOnceScheduler) Dispose() {
	s.mu.Lock()
	s.cancelLocked()
	s.disposed = true
	s.mu.Unlock()
}

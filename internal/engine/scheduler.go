package engine

import (
	"log"
	"os"
	"sync"
	"time"
)

// Scheduler defers re-invocations of logical sync steps after a
// server-suggested delay. Steps are keyed; a key with a pending timer
// swallows further triggers, so a process restart racing a live timer
// cannot double-submit the same retry.
type Scheduler struct {
	mu      sync.Mutex
	logger  *log.Logger
	pending map[string]*time.Timer
	wg      sync.WaitGroup
	closed  bool
}

// NewScheduler returns a ready scheduler. logger may be nil.
func NewScheduler(logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(os.Stderr, "[scheduler] ", log.LstdFlags)
	}
	return &Scheduler{
		logger:  logger,
		pending: make(map[string]*time.Timer),
	}
}

// After runs fn once delay elapses, on a background goroutine. Returns
// false without scheduling when the key already has a pending run or the
// scheduler is closed.
func (s *Scheduler) After(key string, delay time.Duration, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if _, ok := s.pending[key]; ok {
		s.logger.Printf("retry for %s already pending, dropping duplicate trigger", key)
		return false
	}
	s.wg.Add(1)
	s.pending[key] = time.AfterFunc(delay, func() {
		defer s.wg.Done()
		s.mu.Lock()
		delete(s.pending, key)
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}
		fn()
	})
	return true
}

// Pending reports whether key has a scheduled run.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// Cancel drops the pending run for key, if any.
func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.pending[key]
	if !ok {
		return
	}
	delete(s.pending, key)
	if t.Stop() {
		s.wg.Done()
	}
}

// Close cancels every pending run and waits for in-flight callbacks to
// finish.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	for key, t := range s.pending {
		delete(s.pending, key)
		if t.Stop() {
			s.wg.Done()
		}
	}
	s.mu.Unlock()
	s.wg.Wait()
}

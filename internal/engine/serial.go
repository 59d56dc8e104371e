package engine

import "sync"

// Serial is a single-goroutine executor. Remote completions arrive on
// goroutines owned by the backend; everything that touches one
// reconciler's state is marshaled onto its Serial so the state has
// exactly one writer by construction, not by locking.
type Serial struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

// NewSerial starts the executor goroutine.
func NewSerial() *Serial {
	s := &Serial{done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *Serial) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		fn := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		fn()
	}
}

// Do enqueues fn without waiting for it to run. Returns false when the
// executor is closed and fn will never run.
func (s *Serial) Do(fn func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, fn)
	s.mu.Unlock()
	s.cond.Signal()
	return true
}

// DoWait runs fn on the executor goroutine and blocks until it returns.
// Calling DoWait from the executor goroutine itself deadlocks; jobs must
// use Do to chain further work.
func (s *Serial) DoWait(fn func()) bool {
	ran := make(chan struct{})
	if !s.Do(func() {
		defer close(ran)
		fn()
	}) {
		return false
	}
	<-ran
	return true
}

// Close drains already-queued jobs, stops the goroutine and waits for it
// to exit. Safe to call more than once.
func (s *Serial) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Signal()
	<-s.done
}

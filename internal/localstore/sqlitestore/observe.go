package sqlitestore

import (
	"fmt"
	"sync"

	"github.com/lockstep-sync/lockstep/internal/localstore"
)

// observerBuffer is how many change sets an observer may fall behind
// before committers start blocking on it.
const observerBuffer = 64

type observer struct {
	store    *Store
	typeName string
	fn       localstore.ObserverFunc

	ch       chan localstore.ChangeSet
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Observe implements localstore.Store. The callback runs on a goroutine
// owned by the store; deliveries arrive in commit order.
func (s *Store) Observe(typeName string, fn localstore.ObserverFunc) (localstore.Observer, error) {
	if _, err := s.typeFor(typeName); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, fmt.Errorf("observer callback must not be nil")
	}

	o := &observer{
		store:    s,
		typeName: typeName,
		fn:       fn,
		ch:       make(chan localstore.ChangeSet, observerBuffer),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	s.observers[typeName] = append(s.observers[typeName], o)
	s.mu.Unlock()

	go o.run()
	return o, nil
}

func (o *observer) run() {
	defer close(o.done)
	for {
		select {
		case cs := <-o.ch:
			o.fn(cs)
		case <-o.quit:
			return
		}
	}
}

// Close detaches the observer and waits for the delivery goroutine to
// exit. Changes still buffered at close time are dropped.
func (o *observer) Close() {
	o.stop()
	<-o.done
}

func (o *observer) stop() {
	o.stopOnce.Do(func() {
		s := o.store
		s.mu.Lock()
		obs := s.observers[o.typeName]
		for i, cand := range obs {
			if cand == o {
				s.observers[o.typeName] = append(obs[:i], obs[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		close(o.quit)
	})
}

// notify fans a change set out to every observer of cs.Type except the
// excluded ones. Callers hold txMu, so sends happen in commit order.
func (s *Store) notify(cs localstore.ChangeSet, exclude map[localstore.Observer]bool) {
	s.mu.RLock()
	targets := make([]*observer, 0, len(s.observers[cs.Type]))
	for _, o := range s.observers[cs.Type] {
		if exclude[o] {
			continue
		}
		targets = append(targets, o)
	}
	s.mu.RUnlock()

	for _, o := range targets {
		select {
		case o.ch <- cs:
		case <-o.quit:
		}
	}
}

package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/lockstep-sync/lockstep/internal/remote"
)

// ResumeSet tracks durable-operation ids with a live completion handler
// in this process. Attaching a second handler to the same operation is
// fatal on the remote side, so membership is checked and claimed in one
// step under the lock. The set is owned state passed in at construction,
// shared by the pusher (which claims ids it issues) and the resumer
// (which claims ids it re-attaches).
type ResumeSet struct {
	mu  sync.Mutex
	ids map[remote.OperationID]struct{}
}

// NewResumeSet returns an empty set.
func NewResumeSet() *ResumeSet {
	return &ResumeSet{ids: make(map[remote.OperationID]struct{})}
}

// Add claims id. Returns false when the id was already claimed.
func (s *ResumeSet) Add(id remote.OperationID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

// Remove releases id. Removing an unclaimed id is a no-op.
func (s *ResumeSet) Remove(id remote.OperationID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, id)
}

// Has reports whether id is claimed.
func (s *ResumeSet) Has(id remote.OperationID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

// Len reports how many ids are claimed.
func (s *ResumeSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// OperationResumer re-attaches completion handlers to durable write
// operations a previous process run left pending, so their terminal
// results are observed instead of lost.
type OperationResumer struct {
	remote remote.Database
	set    *ResumeSet
	logger *log.Logger
	events EventSink
}

// NewResumer builds a resumer sharing set with the pusher.
func NewResumer(db remote.Database, set *ResumeSet, logger *log.Logger, events EventSink) *OperationResumer {
	if logger == nil {
		logger = log.New(os.Stderr, "[resume] ", log.LstdFlags)
	}
	return &OperationResumer{remote: db, set: set, logger: logger, events: events}
}

// Resume enumerates pending operations and re-attaches a handler to each
// write operation not already claimed, returning how many it attached.
// Ids appearing more than once in the enumeration are attached exactly
// once. A failed attach releases the id so a later pass can retry it.
func (r *OperationResumer) Resume(ctx context.Context) (int, error) {
	refs, err := r.remote.PendingOperations(ctx)
	if err != nil {
		return 0, fmt.Errorf("enumerating pending operations: %w", err)
	}

	attached := 0
	for _, ref := range refs {
		if ref.Kind != remote.OpModify {
			continue
		}
		id := ref.ID
		if !r.set.Add(id) {
			continue
		}
		err := r.remote.AttachOperation(ctx, id, func(res remote.ModifyResult) {
			r.set.Remove(id)
			if res.Err != nil {
				r.logger.Printf("resumed operation %s failed: %v", id, res.Err)
				return
			}
			r.logger.Printf("resumed operation %s finished: %d saved, %d deleted", id, res.Saved, res.Deleted)
		})
		if err != nil {
			r.set.Remove(id)
			r.logger.Printf("re-attaching operation %s: %v", id, err)
			continue
		}
		attached++
		emit(r.events, Event{Kind: EventResumed, Count: 1})
	}
	return attached, nil
}

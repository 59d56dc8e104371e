package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/lockstep-sync/lockstep/internal/record"
	"github.com/lockstep-sync/lockstep/internal/remote"
)

// DefaultPageSize is how many records one public query page requests.
const DefaultPageSize = 200

// pageRetryLimit bounds transient re-issues of a single cursor page.
const pageRetryLimit = 3

// PublicSyncer serves the world-readable database. That scope has no
// change-token feed, so each fetch pages through one query per declared
// record type, following continuation cursors until exhausted and
// applying records as the pages arrive. A transient page failure
// re-issues the query at the same cursor.
type PublicSyncer struct {
	fetcher
	recs     []*Reconciler
	appliers []RecordApplier
	pageSize int
}

// PublicConfig assembles a PublicSyncer.
type PublicConfig struct {
	Remote    remote.Database
	Tokens    *TokenStore
	Scheduler *Scheduler

	Reconcilers []*Reconciler

	// PageSize defaults to DefaultPageSize when zero.
	PageSize int

	Logger *log.Logger
	Events EventSink
}

// NewPublicSyncer builds the syncer.
func NewPublicSyncer(cfg PublicConfig) (*PublicSyncer, error) {
	if len(cfg.Reconcilers) == 0 {
		return nil, errors.New("public syncer requires at least one reconciler")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[sync:public] ", log.LstdFlags)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	s := &PublicSyncer{
		fetcher:  newFetcher(record.ScopePublic, cfg.Remote, cfg.Tokens, cfg.Scheduler, cfg.Logger, cfg.Events),
		recs:     cfg.Reconcilers,
		pageSize: cfg.PageSize,
	}
	for _, r := range cfg.Reconcilers {
		s.appliers = append(s.appliers, r)
	}
	return s, nil
}

// FetchChanges implements ScopeSyncer.
func (s *PublicSyncer) FetchChanges(ctx context.Context, done func(error)) {
	if !s.running.CompareAndSwap(false, true) {
		s.finish(done, ErrFetchInProgress)
		return
	}
	defer s.running.Store(false)

	s.setPhase(PhaseFetchingZoneChanges)
	var errs []error
	for _, a := range s.appliers {
		if err := s.queryType(ctx, a, done != nil); err != nil {
			if done != nil && isTransient(err) {
				// Surface transient failures to the waiter instead of
				// blocking it through backoff sleeps.
				s.setPhase(PhaseIdle)
				done(err)
				return
			}
			errs = append(errs, fmt.Errorf("%s: %w", a.RecordType(), err))
		}
	}
	s.setPhase(PhaseIdle)
	s.finish(done, errors.Join(errs...))
}

// queryType pages through one record type. waiting marks a synchronous
// caller; transient page failures then return immediately instead of
// sleeping out the suggested delay.
func (s *PublicSyncer) queryType(ctx context.Context, a RecordApplier, waiting bool) error {
	var cursor remote.QueryCursor
	retries := 0
	applied := 0
	for {
		page, err := s.remote.Query(ctx, s.scope, a.RecordType(), cursor, s.pageSize)
		switch out := remote.Classify(err); out.Kind {
		case remote.Success:
			retries = 0
			for _, rec := range page.Records {
				a.ApplyUpsert(ctx, rec)
				applied++
			}
			if page.Next == "" {
				if applied > 0 {
					s.logger.Printf("queried %d %s records", applied, a.RecordType())
				}
				return nil
			}
			cursor = page.Next

		case remote.Retry:
			if waiting {
				return out.Err
			}
			if retries >= pageRetryLimit {
				return fmt.Errorf("page retries exhausted: %w", out.Err)
			}
			retries++
			s.setPhase(PhaseRetrying)
			s.logger.Printf("%s query page retrying in %s: %v", a.RecordType(), out.RetryAfter, out.Err)
			// Re-issue the same cursor after the suggested delay.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(out.RetryAfter):
			}
			s.setPhase(PhaseFetchingZoneChanges)

		default:
			return out.Err
		}
	}
}

func isTransient(err error) bool {
	return remote.Classify(err).Kind == remote.Retry
}

// EnsureZones implements ScopeSyncer. The public database has no zones of
// ours to create.
func (s *PublicSyncer) EnsureZones(ctx context.Context) error {
	return nil
}

// RegisterPush implements ScopeSyncer. The public scope is polled through
// queries; there is no feed to subscribe to.
func (s *PublicSyncer) RegisterPush(ctx context.Context) error {
	return nil
}

// CleanUp implements ScopeSyncer.
func (s *PublicSyncer) CleanUp(ctx context.Context) error {
	var errs []error
	for _, r := range s.recs {
		if err := r.CleanUp(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

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

// SharedSyncer serves the database of zones other tenants have shared
// with this one. Zones are not known from the bindings; they are
// discovered through the database-level feed and remembered across runs.
//
// Unlike the private scope, fetched records are applied immediately as
// they stream in, with no cross-type ordering. Shared data arrives from
// stores that already enforced their own ordering when the owner synced,
// so the weaker contract is deliberate and kept.
type SharedSyncer struct {
	fetcher
	recs     []*Reconciler
	appliers []RecordApplier
}

// SharedConfig assembles a SharedSyncer.
type SharedConfig struct {
	Remote    remote.Database
	Tokens    *TokenStore
	Scheduler *Scheduler

	// Reconcilers for shared-scope entity types. Dispatch is by record
	// type; the zones records arrive from carry foreign owners.
	Reconcilers []*Reconciler

	Logger *log.Logger
	Events EventSink
}

// NewSharedSyncer builds the syncer.
func NewSharedSyncer(cfg SharedConfig) (*SharedSyncer, error) {
	if len(cfg.Reconcilers) == 0 {
		return nil, errors.New("shared syncer requires at least one reconciler")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[sync:shared] ", log.LstdFlags)
	}
	s := &SharedSyncer{
		fetcher: newFetcher(record.ScopeShared, cfg.Remote, cfg.Tokens, cfg.Scheduler, cfg.Logger, cfg.Events),
		recs:    cfg.Reconcilers,
	}
	for _, r := range cfg.Reconcilers {
		s.appliers = append(s.appliers, r)
	}
	return s, nil
}

// FetchChanges implements ScopeSyncer.
func (s *SharedSyncer) FetchChanges(ctx context.Context, done func(error)) {
	if !s.running.CompareAndSwap(false, true) {
		s.finish(done, ErrFetchInProgress)
		return
	}
	defer s.running.Store(false)

	refetch := func() { s.FetchChanges(context.Background(), nil) }

	delta, ok := s.runDatabaseStage(ctx, done, refetch)
	if !ok {
		return
	}

	for _, zone := range delta.changed {
		if err := s.tokens.AddKnownZone(ctx, s.scope, zone); err != nil {
			s.logger.Printf("remembering zone %s: %v", zone, err)
		}
	}
	for _, zone := range delta.deleted {
		s.logger.Printf("shared zone %s revoked, forgetting it", zone)
		if err := s.tokens.RemoveKnownZone(ctx, s.scope, zone); err != nil {
			s.logger.Printf("forgetting zone %s: %v", zone, err)
		}
	}

	zones, err := s.tokens.KnownZones(ctx, s.scope)
	if err != nil {
		s.fail(done, err)
		return
	}
	if len(zones) == 0 {
		s.setPhase(PhaseIdle)
		s.finish(done, nil)
		return
	}

	s.setPhase(PhaseFetchingZoneChanges)

	onRecord := func(rec record.Record) {
		a, ok := applierFor(s.appliers, rec.Type)
		if !ok {
			s.logger.Printf("no reconciler for record type %s, dropping %s", rec.Type, rec.ID)
			return
		}
		a.ApplyUpsert(ctx, rec)
	}
	onDelete := func(id record.ID, recordType string) {
		dispatchDelete(ctx, s.appliers, s.logger, id, recordType)
	}
	onMissing := func(zone record.ZoneID) {
		if err := s.tokens.RemoveKnownZone(ctx, s.scope, zone); err != nil {
			s.logger.Printf("forgetting zone %s: %v", zone, err)
		}
	}

	var errs []error
	needRetry := false
	var retryAfter time.Duration
	pending := zones
	for round := 1; len(pending) > 0; round++ {
		if round > 2 {
			errs = append(errs, fmt.Errorf("zone tokens expired twice in one fetch: %v", pending))
			break
		}
		since, err := s.sinceFor(ctx, pending)
		if err != nil {
			s.fail(done, err)
			return
		}
		res, out := s.zoneRound(ctx, since, onRecord, onDelete, onMissing)
		if out.Kind != remote.Success {
			if out.Kind == remote.Retry {
				s.retryOrSurface(out, done, refetch)
				return
			}
			s.fail(done, out.Err)
			return
		}
		errs = append(errs, res.errs...)
		if res.retry {
			needRetry = true
			if res.retryAfter > retryAfter {
				retryAfter = res.retryAfter
			}
		}
		pending = res.expired
	}

	s.setPhase(PhaseIdle)

	if needRetry {
		if retryAfter <= 0 {
			retryAfter = remote.DefaultRetryAfter
		}
		if done == nil {
			s.sched.After("fetch/"+s.scope.String(), retryAfter, refetch)
		} else {
			errs = append(errs, fmt.Errorf("some zones failed transiently, retry in %s", retryAfter))
		}
	}
	s.finish(done, errors.Join(errs...))
}

// EnsureZones implements ScopeSyncer. Shared zones belong to foreign
// tenants; this side never creates them.
func (s *SharedSyncer) EnsureZones(ctx context.Context) error {
	return nil
}

// RegisterPush implements ScopeSyncer.
func (s *SharedSyncer) RegisterPush(ctx context.Context) error {
	types := make([]string, 0, len(s.recs))
	for _, r := range s.recs {
		types = append(types, r.RecordType())
	}
	return s.ensureSubscription(ctx, types)
}

// CleanUp implements ScopeSyncer.
func (s *SharedSyncer) CleanUp(ctx context.Context) error {
	var errs []error
	for _, r := range s.recs {
		if err := r.CleanUp(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

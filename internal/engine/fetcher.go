package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lockstep-sync/lockstep/internal/record"
	"github.com/lockstep-sync/lockstep/internal/remote"
)

// Phase is the fetch state machine position for one scope.
type Phase string

const (
	PhaseIdle                    Phase = "idle"
	PhaseFetchingDatabaseChanges Phase = "fetching_database_changes"
	PhaseFetchingZoneChanges     Phase = "fetching_zone_changes"
	PhaseRetrying                Phase = "retrying"
)

// ErrFetchInProgress is surfaced when FetchChanges is called while an
// earlier fetch for the same scope is still running.
var ErrFetchInProgress = errors.New("fetch already in progress")

// ScopeSyncer drives synchronization for one database scope. The three
// implementations share plumbing but differ where the scopes' contracts
// differ: the private scope buffers and orders applies, the shared scope
// applies immediately, the public scope pages queries instead of
// consuming a token feed.
type ScopeSyncer interface {
	// Scope identifies the database this syncer serves.
	Scope() record.Scope

	// Phase reports the current fetch state.
	Phase() Phase

	// FetchChanges runs one fetch pass on the calling goroutine. done,
	// when non-nil, marks a synchronous waiter and receives the terminal
	// outcome exactly once; transient failures are then surfaced instead
	// of silently rescheduled. With a nil done, transient failures
	// re-invoke the fetch after the server-suggested delay.
	FetchChanges(ctx context.Context, done func(error))

	// EnsureZones provisions the scope's zones.
	EnsureZones(ctx context.Context) error

	// RegisterPush registers the scope's change-notification subscription.
	RegisterPush(ctx context.Context) error

	// CleanUp purges reconciler tombstones at shutdown.
	CleanUp(ctx context.Context) error
}

// fetcher carries the plumbing every scope syncer shares.
type fetcher struct {
	scope  record.Scope
	remote remote.Database
	tokens *TokenStore
	sched  *Scheduler
	logger *log.Logger
	events EventSink

	phaseMu sync.Mutex
	phase   Phase
	running atomic.Bool
}

func newFetcher(scope record.Scope, db remote.Database, tokens *TokenStore, sched *Scheduler, logger *log.Logger, events EventSink) fetcher {
	return fetcher{
		scope:  scope,
		remote: db,
		tokens: tokens,
		sched:  sched,
		logger: logger,
		events: events,
		phase:  PhaseIdle,
	}
}

// Scope implements ScopeSyncer.
func (f *fetcher) Scope() record.Scope { return f.scope }

// Phase implements ScopeSyncer.
func (f *fetcher) Phase() Phase {
	f.phaseMu.Lock()
	defer f.phaseMu.Unlock()
	return f.phase
}

func (f *fetcher) setPhase(ph Phase) {
	f.phaseMu.Lock()
	changed := f.phase != ph
	f.phase = ph
	f.phaseMu.Unlock()
	if changed {
		emit(f.events, Event{Kind: EventFetchPhase, Scope: f.scope, Phase: ph})
	}
}

// finish delivers the terminal outcome: to the waiter when one exists,
// to the log otherwise.
func (f *fetcher) finish(done func(error), err error) {
	if done != nil {
		done(err)
		return
	}
	if err != nil {
		f.logger.Printf("%s fetch: %v", f.scope, err)
	}
}

// fail ends the pass with a terminal error.
func (f *fetcher) fail(done func(error), err error) {
	f.setPhase(PhaseIdle)
	f.finish(done, err)
}

// retryOrSurface handles a transient outcome: surfaced to a waiter,
// otherwise a deferred re-invocation. The scheduler key collapses
// concurrent triggers of the same scope's retry.
func (f *fetcher) retryOrSurface(out remote.Outcome, done func(error), refetch func()) {
	if done != nil {
		f.setPhase(PhaseIdle)
		done(out.Err)
		return
	}
	f.setPhase(PhaseRetrying)
	f.logger.Printf("%s fetch retrying in %s: %v", f.scope, out.RetryAfter, out.Err)
	f.sched.After("fetch/"+f.scope.String(), out.RetryAfter, refetch)
}

// databaseDelta is what stage 1 reports: zones with new changes and zones
// deleted server-side.
type databaseDelta struct {
	changed []record.ZoneID
	deleted []record.ZoneID
}

// runDatabaseStage runs the database-level fetch, including the one
// permitted expired-token restart. Incremental checkpoint tokens are
// persisted as they arrive so a crash mid-fetch resumes from the
// checkpoint instead of replaying the whole zone list.
//
// Returns the delta and true to proceed to the zone stage. On false the
// terminal outcome has already been dispatched.
func (f *fetcher) runDatabaseStage(ctx context.Context, done func(error), refetch func()) (databaseDelta, bool) {
	f.setPhase(PhaseFetchingDatabaseChanges)
	cleared := false
	for {
		since, err := f.tokens.DatabaseToken(ctx, f.scope)
		if err != nil {
			f.fail(done, err)
			return databaseDelta{}, false
		}

		var mu sync.Mutex
		var delta databaseDelta
		final, err := f.remote.DatabaseChanges(ctx, f.scope, since, remote.DatabaseChangesHandlers{
			ZoneChanged: func(zone record.ZoneID) {
				mu.Lock()
				delta.changed = append(delta.changed, zone)
				mu.Unlock()
			},
			ZoneDeleted: func(zone record.ZoneID) {
				mu.Lock()
				delta.deleted = append(delta.deleted, zone)
				mu.Unlock()
			},
			TokenUpdated: func(tok record.Token) {
				if err := f.tokens.SetDatabaseToken(ctx, f.scope, tok); err != nil {
					f.logger.Printf("persisting %s database checkpoint: %v", f.scope, err)
					return
				}
				emit(f.events, Event{Kind: EventTokenAdvanced, Scope: f.scope})
			},
		})

		switch out := remote.Classify(err); out.Kind {
		case remote.Success:
			if err := f.tokens.SetDatabaseToken(ctx, f.scope, final); err != nil {
				f.fail(done, err)
				return databaseDelta{}, false
			}
			emit(f.events, Event{Kind: EventTokenAdvanced, Scope: f.scope})
			return delta, true

		case remote.Retry:
			f.retryOrSurface(out, done, refetch)
			return databaseDelta{}, false

		case remote.Recoverable:
			if remote.IsTokenExpired(out.Err) && !cleared {
				cleared = true
				if err := f.tokens.SetDatabaseToken(ctx, f.scope, nil); err != nil {
					f.fail(done, err)
					return databaseDelta{}, false
				}
				f.logger.Printf("%s database token expired, restarting from the beginning", f.scope)
				continue
			}
			f.fail(done, out.Err)
			return databaseDelta{}, false

		default:
			f.fail(done, out.Err)
			return databaseDelta{}, false
		}
	}
}

// zoneRoundResult is the post-processed outcome of one batched zone
// fetch.
type zoneRoundResult struct {
	// expired lists zones whose token the server rejected; their stored
	// tokens are already cleared and they need one refetch round.
	expired []record.ZoneID

	// errs collects terminal per-zone failures.
	errs []error

	// retry is set when at least one zone failed transiently; retryAfter
	// is the largest suggested delay.
	retry      bool
	retryAfter time.Duration
}

// zoneRound issues one batched zone-level fetch. Record events stream to
// onRecord/onDelete; checkpoint tokens are persisted as they arrive.
// Per-zone terminal outcomes are post-processed: success persists the
// final token, an expired token is cleared and queued for refetch, a
// missing zone goes to onMissing.
func (f *fetcher) zoneRound(ctx context.Context, since map[record.ZoneID]record.Token,
	onRecord func(record.Record), onDelete func(record.ID, string),
	onMissing func(record.ZoneID)) (zoneRoundResult, remote.Outcome) {

	var mu sync.Mutex
	type zoneOutcome struct {
		final record.Token
		err   error
	}
	results := make(map[record.ZoneID]zoneOutcome, len(since))

	err := f.remote.ZoneChanges(ctx, f.scope, since, remote.ZoneChangesHandlers{
		RecordChanged: onRecord,
		RecordDeleted: onDelete,
		TokenUpdated: func(zone record.ZoneID, tok record.Token) {
			if err := f.tokens.SetZoneToken(ctx, f.scope, zone, tok); err != nil {
				f.logger.Printf("persisting checkpoint for zone %s: %v", zone, err)
				return
			}
			emit(f.events, Event{Kind: EventTokenAdvanced, Scope: f.scope, Zone: zone})
		},
		ZoneResult: func(zone record.ZoneID, final record.Token, zerr error) {
			mu.Lock()
			results[zone] = zoneOutcome{final: final, err: zerr}
			mu.Unlock()
		},
	})
	if out := remote.Classify(err); out.Kind != remote.Success {
		return zoneRoundResult{}, out
	}

	zones := make([]record.ZoneID, 0, len(results))
	for zone := range results {
		zones = append(zones, zone)
	}
	sort.Slice(zones, func(i, j int) bool { return zones[i].String() < zones[j].String() })

	var res zoneRoundResult
	for _, zone := range zones {
		zr := results[zone]
		zout := remote.Classify(zr.err)
		switch {
		case zout.Kind == remote.Success:
			if err := f.tokens.SetZoneToken(ctx, f.scope, zone, zr.final); err != nil {
				res.errs = append(res.errs, fmt.Errorf("persisting token for zone %s: %w", zone, err))
				continue
			}
			emit(f.events, Event{Kind: EventTokenAdvanced, Scope: f.scope, Zone: zone})

		case remote.IsTokenExpired(zr.err):
			if err := f.tokens.SetZoneToken(ctx, f.scope, zone, nil); err != nil {
				res.errs = append(res.errs, fmt.Errorf("clearing expired token for zone %s: %w", zone, err))
				continue
			}
			f.logger.Printf("token for zone %s expired, refetching from the beginning", zone)
			res.expired = append(res.expired, zone)

		case remote.IsZoneMissing(zr.err):
			f.logger.Printf("zone %s missing on remote", zone)
			if onMissing != nil {
				onMissing(zone)
			}

		case zout.Kind == remote.Retry:
			res.retry = true
			if zout.RetryAfter > res.retryAfter {
				res.retryAfter = zout.RetryAfter
			}

		default:
			res.errs = append(res.errs, fmt.Errorf("zone %s: %w", zone, zr.err))
		}
	}
	return res, remote.Outcome{Kind: remote.Success}
}

// sinceFor builds the zone-token request map for one round.
func (f *fetcher) sinceFor(ctx context.Context, zones []record.ZoneID) (map[record.ZoneID]record.Token, error) {
	since := make(map[record.ZoneID]record.Token, len(zones))
	for _, zone := range zones {
		tok, err := f.tokens.ZoneToken(ctx, f.scope, zone)
		if err != nil {
			return nil, err
		}
		since[zone] = tok
	}
	return since, nil
}

// ensureSubscription registers the scope's change-notification
// subscription once. Transient failures reschedule; anything else is
// dropped and retried lazily on the next engine start.
func (f *fetcher) ensureSubscription(ctx context.Context, recordTypes []string) error {
	subscribed, err := f.tokens.Subscribed(ctx, f.scope)
	if err != nil {
		return err
	}
	if subscribed {
		return nil
	}
	sub := remote.Subscription{
		ID:          "changes-" + f.scope.String(),
		Scope:       f.scope,
		RecordTypes: recordTypes,
	}
	err = f.remote.SaveSubscription(ctx, f.scope, sub)
	switch out := remote.Classify(err); out.Kind {
	case remote.Success:
		if err := f.tokens.SetSubscribed(ctx, f.scope); err != nil {
			return err
		}
		f.logger.Printf("registered change subscription for %s", f.scope)
		return nil
	case remote.Retry:
		f.sched.After("subscribe/"+f.scope.String(), out.RetryAfter, func() {
			f.ensureSubscription(context.Background(), recordTypes)
		})
		return nil
	default:
		f.logger.Printf("subscription for %s dropped: %v", f.scope, err)
		return nil
	}
}

// dispatchDelete routes one deletion to the owning reconciler: first by
// the record's zone, then by record type for zones with owners the
// bindings cannot anticipate. Reconcilers no-op on absent entities, so
// over-delivery is safe; no match at all is logged.
func dispatchDelete(ctx context.Context, appliers []RecordApplier, logger *log.Logger, id record.ID, recordType string) {
	matched := false
	for _, a := range appliers {
		if a.Zone() != id.Zone {
			continue
		}
		if recordType != "" && a.RecordType() != recordType {
			continue
		}
		a.ApplyDelete(ctx, id)
		matched = true
	}
	if !matched && recordType != "" {
		for _, a := range appliers {
			if a.RecordType() == recordType {
				a.ApplyDelete(ctx, id)
				matched = true
			}
		}
	}
	if !matched {
		logger.Printf("no reconciler for deleted record %s (type %q)", id, recordType)
	}
}

// applierFor finds the reconciler serving recordType.
func applierFor(appliers []RecordApplier, recordType string) (RecordApplier, bool) {
	for _, a := range appliers {
		if a.RecordType() == recordType {
			return a, true
		}
	}
	return nil, false
}

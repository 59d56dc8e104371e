package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/lockstep-sync/lockstep/internal/record"
	"github.com/lockstep-sync/lockstep/internal/remote"
)

// PrivateSyncer serves the caller-exclusive database. Its zones are known
// statically from the bindings, it provisions them itself, and it buffers
// fetched records so applies run in the declared type order: parents
// before children, upserts before deletions. Nothing is applied until the
// whole fetch succeeded, so a child record never lands before the parent
// it references.
type PrivateSyncer struct {
	fetcher
	recs     []*Reconciler
	appliers []RecordApplier
	prov     *Provisioner
}

// PrivateConfig assembles a PrivateSyncer.
type PrivateConfig struct {
	Remote      remote.Database
	Tokens      *TokenStore
	Scheduler   *Scheduler
	Provisioner *Provisioner

	// Reconcilers in declared order; the order is the apply order.
	Reconcilers []*Reconciler

	Logger *log.Logger
	Events EventSink
}

// NewPrivateSyncer builds the syncer.
func NewPrivateSyncer(cfg PrivateConfig) (*PrivateSyncer, error) {
	if len(cfg.Reconcilers) == 0 {
		return nil, errors.New("private syncer requires at least one reconciler")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[sync:private] ", log.LstdFlags)
	}
	s := &PrivateSyncer{
		fetcher: newFetcher(record.ScopePrivate, cfg.Remote, cfg.Tokens, cfg.Scheduler, cfg.Logger, cfg.Events),
		recs:    cfg.Reconcilers,
		prov:    cfg.Provisioner,
	}
	for _, r := range cfg.Reconcilers {
		s.appliers = append(s.appliers, r)
	}
	return s, nil
}

// boundZones returns the distinct zones across bindings, in declared
// order, skipping any in drop.
func (s *PrivateSyncer) boundZones(drop map[record.ZoneID]bool) []record.ZoneID {
	seen := make(map[record.ZoneID]bool, len(s.recs))
	var zones []record.ZoneID
	for _, r := range s.recs {
		zone := r.Zone()
		if seen[zone] || drop[zone] {
			continue
		}
		seen[zone] = true
		zones = append(zones, zone)
	}
	return zones
}

// FetchChanges implements ScopeSyncer.
func (s *PrivateSyncer) FetchChanges(ctx context.Context, done func(error)) {
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

	// Zones deleted server-side lose their token and created flag; the
	// next provisioning pass recreates them and force-pushes the local
	// population back up.
	dropped := make(map[record.ZoneID]bool)
	for _, zone := range delta.deleted {
		s.onZoneGone(ctx, zone)
		dropped[zone] = true
	}

	zones := s.boundZones(dropped)
	if len(zones) == 0 {
		s.setPhase(PhaseIdle)
		s.finish(done, nil)
		return
	}

	s.setPhase(PhaseFetchingZoneChanges)
	buf := newApplyBuffer()

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
		res, out := s.zoneRound(ctx, since, buf.addRecord, buf.addDelete, func(zone record.ZoneID) {
			s.onZoneGone(ctx, zone)
		})
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

	s.applyBuffered(ctx, buf)
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

func (s *PrivateSyncer) onZoneGone(ctx context.Context, zone record.ZoneID) {
	if err := s.tokens.SetZoneToken(ctx, s.scope, zone, nil); err != nil {
		s.logger.Printf("clearing token for zone %s: %v", zone, err)
	}
	if err := s.tokens.ClearZoneCreated(ctx, s.scope, zone); err != nil {
		s.logger.Printf("clearing created flag for zone %s: %v", zone, err)
	}
}

// applyBuffered drains the buffer: records in declared type order, then
// deletions, so cross-type references resolve at apply time.
func (s *PrivateSyncer) applyBuffered(ctx context.Context, buf *applyBuffer) {
	records, deletes := buf.drain()
	for _, a := range s.appliers {
		recs := records[a.RecordType()]
		if len(recs) == 0 {
			continue
		}
		for _, rec := range recs {
			a.ApplyUpsert(ctx, rec)
		}
		delete(records, a.RecordType())
	}
	for typ, recs := range records {
		s.logger.Printf("no reconciler for record type %s, dropping %d records", typ, len(recs))
	}
	for _, d := range deletes {
		dispatchDelete(ctx, s.appliers, s.logger, d.id, d.typ)
	}
}

// EnsureZones implements ScopeSyncer.
func (s *PrivateSyncer) EnsureZones(ctx context.Context) error {
	return s.prov.EnsureZones(ctx, s.scope, s.recs)
}

// RegisterPush implements ScopeSyncer.
func (s *PrivateSyncer) RegisterPush(ctx context.Context) error {
	types := make([]string, 0, len(s.recs))
	for _, r := range s.recs {
		types = append(types, r.RecordType())
	}
	return s.ensureSubscription(ctx, types)
}

// CleanUp implements ScopeSyncer.
func (s *PrivateSyncer) CleanUp(ctx context.Context) error {
	var errs []error
	for _, r := range s.recs {
		if err := r.CleanUp(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// applyBuffer accumulates fetched records and deletions until the fetch
// completes. Handlers may run on backend goroutines, so adds are locked.
type applyBuffer struct {
	mu      sync.Mutex
	records map[string][]record.Record
	deletes []bufferedDelete
}

type bufferedDelete struct {
	id  record.ID
	typ string
}

func newApplyBuffer() *applyBuffer {
	return &applyBuffer{records: make(map[string][]record.Record)}
}

func (b *applyBuffer) addRecord(rec record.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// Clone: the backend may reuse the value after the handler returns.
	b.records[rec.Type] = append(b.records[rec.Type], rec.Clone())
}

func (b *applyBuffer) addDelete(id record.ID, recordType string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletes = append(b.deletes, bufferedDelete{id: id, typ: recordType})
}

func (b *applyBuffer) drain() (map[string][]record.Record, []bufferedDelete) {
	b.mu.Lock()
	defer b.mu.Unlock()
	records := b.records
	deletes := b.deletes
	b.records = make(map[string][]record.Record)
	b.deletes = nil
	return records, deletes
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/lockstep-sync/lockstep/internal/assets"
	"github.com/lockstep-sync/lockstep/internal/localstore"
	"github.com/lockstep-sync/lockstep/internal/record"
)

// NetworkPolicy tells the push path what the current network permits.
// The engine never inspects interfaces itself; the policy owner does.
type NetworkPolicy interface {
	// Metered reports whether the current network is metered.
	Metered() bool

	// AllowMetered reports whether records of recordType may be pushed
	// over a metered network.
	AllowMetered(recordType string) bool
}

// StaticPolicy is a fixed NetworkPolicy: an optional metered detector and
// a list of record types withheld from metered networks.
type StaticPolicy struct {
	// IsMetered reports the current network state. nil means never
	// metered.
	IsMetered func() bool

	// ExcludeOnMetered lists record types that must wait for an unmetered
	// network.
	ExcludeOnMetered []string
}

// Metered implements NetworkPolicy.
func (p StaticPolicy) Metered() bool {
	return p.IsMetered != nil && p.IsMetered()
}

// AllowMetered implements NetworkPolicy.
func (p StaticPolicy) AllowMetered(recordType string) bool {
	for _, t := range p.ExcludeOnMetered {
		if t == recordType {
			return false
		}
	}
	return true
}

// AllowAllNetworks permits every push on every network.
var AllowAllNetworks NetworkPolicy = StaticPolicy{}

// RecordApplier is the narrow reconciler surface the fetch pipeline
// dispatches on. Apply calls marshal onto the reconciler's bound executor
// and return once the record is durable locally; failures go to the
// reconciler's error handler, never to the fetch pipeline.
type RecordApplier interface {
	TypeName() string
	RecordType() string
	Zone() record.ZoneID
	ApplyUpsert(ctx context.Context, rec record.Record)
	ApplyDelete(ctx context.Context, id record.ID)
}

// ReconcilerConfig assembles one Reconciler.
type ReconcilerConfig struct {
	// Type is the entity type this reconciler owns. Required.
	Type localstore.EntityType

	// Zone is the zone the type's records live in. Required.
	Zone record.ZoneID

	// Scope is the database scope the zone belongs to. Required.
	Scope record.Scope

	// Store is the local object store. Required.
	Store localstore.Store

	// Assets deletes record-keyed binaries alongside entity deletions.
	// Optional.
	Assets assets.Deleter

	// Pusher receives outbound record batches. Optional; without one the
	// reconciler applies remote changes but never pushes.
	Pusher Pusher

	// Policy splits pushes between metered-allowed and metered-excluded.
	// Defaults to AllowAllNetworks.
	Policy NetworkPolicy

	// ErrorHandler receives local transaction failures. Defaults to
	// logging.
	ErrorHandler func(error)

	// Logger defaults to stderr.
	Logger *log.Logger

	// Events receives applied/deleted counts. Optional.
	Events EventSink
}

// Reconciler pairs one local entity type with one remote zone. It applies
// fetched records to the local store, observes local mutations and
// forwards them to the push path, and purges tombstones at shutdown.
//
// Every local read or write runs on the bound Serial executor, so the
// reconciler's state has a single writer by construction. Using a
// reconciler before Bind is a wiring bug and panics.
type Reconciler struct {
	typ    localstore.EntityType
	zone   record.ZoneID
	scope  record.Scope
	store  localstore.Store
	assets assets.Deleter
	pusher Pusher
	policy NetworkPolicy
	errh   func(error)
	logger *log.Logger
	events EventSink

	serial   *Serial
	observer localstore.Observer
}

// NewReconciler builds an unbound reconciler. Callers must Bind an
// executor before invoking any operation.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Type == nil {
		return nil, errors.New("reconciler requires an entity type")
	}
	if cfg.Zone.IsZero() {
		return nil, fmt.Errorf("reconciler for %s requires a zone", cfg.Type.Name())
	}
	if !cfg.Scope.Valid() {
		return nil, fmt.Errorf("reconciler for %s: invalid scope %q", cfg.Type.Name(), cfg.Scope)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("reconciler for %s requires a local store", cfg.Type.Name())
	}
	if cfg.Policy == nil {
		cfg.Policy = AllowAllNetworks
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[reconcile] ", log.LstdFlags)
	}
	r := &Reconciler{
		typ:    cfg.Type,
		zone:   cfg.Zone,
		scope:  cfg.Scope,
		store:  cfg.Store,
		assets: cfg.Assets,
		pusher: cfg.Pusher,
		policy: cfg.Policy,
		errh:   cfg.ErrorHandler,
		logger: cfg.Logger,
		events: cfg.Events,
	}
	if r.errh == nil {
		r.errh = func(err error) {
			r.logger.Printf("%s: %v", r.typ.Name(), err)
		}
	}
	return r, nil
}

// Bind attaches the executor that owns this reconciler's local state.
// Binding twice is a wiring bug.
func (r *Reconciler) Bind(s *Serial) {
	if r.serial != nil {
		panic(fmt.Sprintf("reconciler %s bound twice", r.typ.Name()))
	}
	r.serial = s
}

func (r *Reconciler) bound() *Serial {
	if r.serial == nil {
		panic(fmt.Sprintf("reconciler %s used before Bind", r.typ.Name()))
	}
	return r.serial
}

// TypeName returns the local entity type name.
func (r *Reconciler) TypeName() string { return r.typ.Name() }

// RecordType returns the remote record type the reconciler serves.
func (r *Reconciler) RecordType() string { return r.typ.RecordType() }

// Zone returns the bound zone.
func (r *Reconciler) Zone() record.ZoneID { return r.zone }

// Scope returns the bound scope.
func (r *Reconciler) Scope() record.Scope { return r.scope }

func (r *Reconciler) exclude() []localstore.Observer {
	if r.observer == nil {
		return nil
	}
	return []localstore.Observer{r.observer}
}

// ApplyUpsert converts rec to a local entity and upserts it by primary
// key, overwriting any existing match in full. The reconciler's own
// observer is excluded from the commit so a pulled record is never
// re-pushed. Conversion failures are logged and skipped; transaction
// failures go to the error handler. Neither aborts the fetch pipeline.
func (r *Reconciler) ApplyUpsert(ctx context.Context, rec record.Record) {
	r.bound().DoWait(func() {
		tx, err := r.store.Begin(ctx, r.exclude()...)
		if err != nil {
			r.errh(fmt.Errorf("begin upsert tx: %w", err))
			return
		}
		ent, err := r.typ.FromRecord(rec)
		if err != nil {
			tx.Rollback()
			r.logger.Printf("skipping malformed %s record %s: %v", rec.Type, rec.ID, err)
			return
		}
		if err := tx.Upsert(r.typ.Name(), ent); err != nil {
			tx.Rollback()
			r.errh(fmt.Errorf("upsert %s %s: %w", r.typ.Name(), ent.PrimaryKey(), err))
			return
		}
		if err := tx.Commit(); err != nil {
			tx.Rollback()
			r.errh(fmt.Errorf("commit %s upsert: %w", r.typ.Name(), err))
			return
		}
		emit(r.events, Event{Kind: EventApplied, Scope: r.scope, Zone: rec.ID.Zone, Type: r.typ.Name(), Count: 1})
	})
}

// ApplyDelete removes the entity the record id maps to, along with its
// asset binary. Absent entities are a no-op. Same transactional and
// no-renotify semantics as ApplyUpsert.
func (r *Reconciler) ApplyDelete(ctx context.Context, id record.ID) {
	r.bound().DoWait(func() {
		pk := r.typ.PrimaryKeyForRecordID(id)
		if _, err := r.store.Get(ctx, r.typ.Name(), pk); err != nil {
			if !errors.Is(err, localstore.ErrNotFound) {
				r.errh(fmt.Errorf("lookup %s %s: %w", r.typ.Name(), pk, err))
			}
			return
		}
		if r.assets != nil {
			if err := r.assets.Delete(ctx, id.Name); err != nil {
				r.logger.Printf("deleting asset for %s: %v", id, err)
			}
		}
		tx, err := r.store.Begin(ctx, r.exclude()...)
		if err != nil {
			r.errh(fmt.Errorf("begin delete tx: %w", err))
			return
		}
		if err := tx.Delete(r.typ.Name(), pk); err != nil {
			tx.Rollback()
			r.errh(fmt.Errorf("delete %s %s: %w", r.typ.Name(), pk, err))
			return
		}
		if err := tx.Commit(); err != nil {
			tx.Rollback()
			r.errh(fmt.Errorf("commit %s delete: %w", r.typ.Name(), err))
			return
		}
		emit(r.events, Event{Kind: EventDeleted, Scope: r.scope, Zone: id.Zone, Type: r.typ.Name(), Count: 1})
	})
}

// ObserveLocalChanges registers the change observer that feeds the push
// path. Each committed local transaction touching this type yields one
// batch: non-tombstoned inserts and updates become records to store,
// tombstoned updates become deletions to propagate.
func (r *Reconciler) ObserveLocalChanges() error {
	if r.observer != nil {
		return nil
	}
	obs, err := r.store.Observe(r.typ.Name(), r.onLocalChanges)
	if err != nil {
		return fmt.Errorf("observe %s: %w", r.typ.Name(), err)
	}
	r.observer = obs
	return nil
}

func (r *Reconciler) onLocalChanges(cs localstore.ChangeSet) {
	var toStore []record.Record
	var toDelete []record.ID

	collect := func(idx int, tombstonesDelete bool) {
		// Stale indices from a superseded notification are skipped.
		if idx < 0 || idx >= len(cs.Collection) {
			return
		}
		ent := cs.Collection[idx]
		if ent.Tombstoned() {
			if tombstonesDelete {
				toDelete = append(toDelete, r.typ.RecordIDForPrimaryKey(ent.PrimaryKey(), r.zone))
			}
			return
		}
		rec, err := ent.ToRecord(r.zone)
		if err != nil {
			r.logger.Printf("skipping unconvertible %s %s: %v", r.typ.Name(), ent.PrimaryKey(), err)
			return
		}
		toStore = append(toStore, rec)
	}

	// An entity inserted already tombstoned never reached the remote, so
	// only modifications propagate deletions.
	for _, idx := range cs.Inserted {
		collect(idx, false)
	}
	for _, idx := range cs.Modified {
		collect(idx, true)
	}

	if len(toStore) == 0 && len(toDelete) == 0 {
		return
	}
	r.push(context.Background(), toStore, toDelete, false)
}

// push forwards a batch to the push path. force lifts the metered
// restriction for this batch.
func (r *Reconciler) push(ctx context.Context, save []record.Record, del []record.ID, force bool) {
	if r.pusher == nil {
		return
	}
	allowMetered := force || r.policy.AllowMetered(r.typ.RecordType())
	r.pusher.Push(ctx, r.scope, save, del, allowMetered)
}

// ForceFullPush converts every non-tombstoned entity of this type and
// forwards the lot to the push path, independent of observed deltas.
// Runs once after zone creation so writes made before the zone existed
// reach the remote; allowMetered lifts the network restriction for that
// one pass.
func (r *Reconciler) ForceFullPush(ctx context.Context, allowMetered bool) error {
	var err error
	r.bound().DoWait(func() {
		ents, lerr := r.store.List(ctx, r.typ.Name(), false)
		if lerr != nil {
			err = fmt.Errorf("list %s: %w", r.typ.Name(), lerr)
			return
		}
		recs := make([]record.Record, 0, len(ents))
		for _, ent := range ents {
			if ent.Tombstoned() {
				continue
			}
			rec, cerr := ent.ToRecord(r.zone)
			if cerr != nil {
				r.logger.Printf("skipping unconvertible %s %s: %v", r.typ.Name(), ent.PrimaryKey(), cerr)
				continue
			}
			recs = append(recs, rec)
		}
		if len(recs) == 0 {
			return
		}
		r.logger.Printf("full push of %d %s records", len(recs), r.typ.Name())
		r.push(ctx, recs, nil, allowMetered)
	})
	if err != nil {
		r.errh(err)
	}
	return err
}

// CleanUp permanently purges tombstoned entities without re-firing the
// observer, so deletions already propagated are not resurrected as fresh
// local changes on the next launch. Best-effort: failures go to the error
// handler and are not retried.
func (r *Reconciler) CleanUp(ctx context.Context) error {
	var err error
	r.bound().DoWait(func() {
		tx, terr := r.store.Begin(ctx, r.exclude()...)
		if terr != nil {
			err = fmt.Errorf("begin cleanup tx: %w", terr)
			return
		}
		n, perr := tx.PurgeTombstones(r.typ.Name())
		if perr != nil {
			tx.Rollback()
			err = fmt.Errorf("purge %s tombstones: %w", r.typ.Name(), perr)
			return
		}
		if cerr := tx.Commit(); cerr != nil {
			tx.Rollback()
			err = fmt.Errorf("commit %s cleanup: %w", r.typ.Name(), cerr)
			return
		}
		if n > 0 {
			r.logger.Printf("purged %d tombstoned %s entities", n, r.typ.Name())
		}
	})
	if err != nil {
		r.errh(err)
	}
	return err
}

// Close unregisters the local-change observer. The bound executor is
// owned by the assembling layer and stays up.
func (r *Reconciler) Close() {
	if r.observer != nil {
		r.observer.Close()
		r.observer = nil
	}
}

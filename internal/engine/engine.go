// Package engine keeps a local object store and a remote record store
// convergent. It pulls remote deltas through per-scope change feeds,
// applies them to local entities through per-type reconcilers, observes
// local mutations and pushes them back out, and survives restarts by
// persisting change tokens and re-attaching to durable write operations.
//
// The engine owns no wire format and no storage format. The remote side
// is a remote.Database, the local side a localstore.Store, bookkeeping a
// kvstore.Store; all three are injected.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/mod/semver"

	"github.com/lockstep-sync/lockstep/internal/assets"
	"github.com/lockstep-sync/lockstep/internal/kvstore"
	"github.com/lockstep-sync/lockstep/internal/localstore"
	"github.com/lockstep-sync/lockstep/internal/manifest"
	"github.com/lockstep-sync/lockstep/internal/record"
	"github.com/lockstep-sync/lockstep/internal/remote"
)

// ProtocolMajor is the remote protocol major version this build speaks.
// Start refuses remotes on a different major.
const ProtocolMajor = "v1"

// Config assembles an Engine. Remote, Store, KV, Manifest and Types are
// required; everything else has defaults.
type Config struct {
	Remote   remote.Database
	Store    localstore.Store
	KV       kvstore.Store
	Manifest *manifest.Manifest

	// Types holds the entity type implementations for the manifest's
	// declared entities, matched by name. Every manifest entity needs
	// one, and every type needs a manifest entry.
	Types []localstore.EntityType

	// Assets deletes record-keyed binaries alongside entity deletions.
	// The engine only ever deletes; writing assets is the application's
	// side. Optional.
	Assets assets.Deleter

	// Policy gates pushes on metered networks. Defaults to
	// AllowAllNetworks.
	Policy NetworkPolicy

	// ErrorHandler receives local transaction failures from every
	// reconciler. Defaults to logging.
	ErrorHandler func(error)

	// Logger defaults to a stderr logger per component.
	Logger *log.Logger

	// Events receives engine events. Optional.
	Events EventSink

	// MaxBatch, MaxRetries and PageSize default to the package constants
	// when zero.
	MaxBatch   int
	MaxRetries int
	PageSize   int
}

// Engine is the assembled synchronization pipeline.
type Engine struct {
	remote  remote.Database
	logger  *log.Logger
	tokens  *TokenStore
	sched   *Scheduler
	resumed *ResumeSet
	resumer *OperationResumer
	pusher  *RemotePusher

	recs    []*Reconciler
	serials []*Serial
	syncers []ScopeSyncer

	started atomic.Bool
}

// New wires reconcilers, scope syncers, the push path and the resumer
// from cfg. Each reconciler gets its own serial executor; the resumed-ops
// set is shared between the pusher and the resumer.
func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Remote == nil:
		return nil, errors.New("engine requires a remote database")
	case cfg.Store == nil:
		return nil, errors.New("engine requires a local store")
	case cfg.KV == nil:
		return nil, errors.New("engine requires a kv store")
	case cfg.Manifest == nil:
		return nil, errors.New("engine requires a manifest")
	case len(cfg.Types) == 0:
		return nil, errors.New("engine requires at least one entity type")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}

	tokens := NewTokenStore(cfg.KV)
	sched := NewScheduler(cfg.Logger)
	resumed := NewResumeSet()
	pusher, err := NewPusher(PusherConfig{
		Remote:     cfg.Remote,
		Policy:     cfg.Policy,
		Scheduler:  sched,
		Resumed:    resumed,
		Logger:     cfg.Logger,
		Events:     cfg.Events,
		MaxBatch:   cfg.MaxBatch,
		MaxRetries: cfg.MaxRetries,
	})
	if err != nil {
		return nil, err
	}

	typesByName := make(map[string]localstore.EntityType, len(cfg.Types))
	for _, typ := range cfg.Types {
		if _, dup := typesByName[typ.Name()]; dup {
			return nil, fmt.Errorf("entity type %s registered twice", typ.Name())
		}
		typesByName[typ.Name()] = typ
	}

	e := &Engine{
		remote:  cfg.Remote,
		logger:  logger,
		tokens:  tokens,
		sched:   sched,
		resumed: resumed,
		pusher:  pusher,
	}

	byScope := make(map[record.Scope][]*Reconciler)
	for _, ent := range cfg.Manifest.Entities {
		typ, ok := typesByName[ent.Name]
		if !ok {
			return nil, fmt.Errorf("manifest entity %s has no registered type", ent.Name)
		}
		delete(typesByName, ent.Name)

		rec, err := NewReconciler(ReconcilerConfig{
			Type:         typ,
			Zone:         ent.ZoneID(),
			Scope:        ent.ScopeValue(),
			Store:        cfg.Store,
			Assets:       cfg.Assets,
			Pusher:       pusher,
			Policy:       cfg.Policy,
			ErrorHandler: cfg.ErrorHandler,
			Logger:       cfg.Logger,
			Events:       cfg.Events,
		})
		if err != nil {
			return nil, err
		}
		serial := NewSerial()
		rec.Bind(serial)
		e.recs = append(e.recs, rec)
		e.serials = append(e.serials, serial)
		byScope[rec.Scope()] = append(byScope[rec.Scope()], rec)
	}
	for name := range typesByName {
		return nil, fmt.Errorf("entity type %s is not declared in the manifest", name)
	}

	if recs := byScope[record.ScopePrivate]; len(recs) > 0 {
		prov := NewProvisioner(cfg.Remote, tokens, sched, cfg.Logger, cfg.Events)
		syncer, err := NewPrivateSyncer(PrivateConfig{
			Remote:      cfg.Remote,
			Tokens:      tokens,
			Scheduler:   sched,
			Provisioner: prov,
			Reconcilers: recs,
			Logger:      cfg.Logger,
			Events:      cfg.Events,
		})
		if err != nil {
			return nil, err
		}
		e.syncers = append(e.syncers, syncer)
	}
	if recs := byScope[record.ScopeShared]; len(recs) > 0 {
		syncer, err := NewSharedSyncer(SharedConfig{
			Remote:      cfg.Remote,
			Tokens:      tokens,
			Scheduler:   sched,
			Reconcilers: recs,
			Logger:      cfg.Logger,
			Events:      cfg.Events,
		})
		if err != nil {
			return nil, err
		}
		e.syncers = append(e.syncers, syncer)
	}
	if recs := byScope[record.ScopePublic]; len(recs) > 0 {
		syncer, err := NewPublicSyncer(PublicConfig{
			Remote:      cfg.Remote,
			Tokens:      tokens,
			Scheduler:   sched,
			Reconcilers: recs,
			PageSize:    cfg.PageSize,
			Logger:      cfg.Logger,
			Events:      cfg.Events,
		})
		if err != nil {
			return nil, err
		}
		e.syncers = append(e.syncers, syncer)
	}

	e.resumer = NewResumer(cfg.Remote, resumed, cfg.Logger, cfg.Events)
	return e, nil
}

// Start brings the pipeline up: protocol handshake, durable-operation
// resume, local-change observation, zone provisioning, subscription
// registration, then one background fetch per scope.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return errors.New("engine already started")
	}

	ver, err := e.remote.Protocol(ctx)
	if err != nil {
		e.started.Store(false)
		return fmt.Errorf("protocol handshake: %w", err)
	}
	if !semver.IsValid(ver) {
		e.started.Store(false)
		return fmt.Errorf("remote reports malformed protocol version %q", ver)
	}
	if semver.Major(ver) != ProtocolMajor {
		e.started.Store(false)
		return fmt.Errorf("remote speaks protocol %s, this build speaks %s", ver, ProtocolMajor)
	}
	e.logger.Printf("connected, remote protocol %s", ver)

	// Best-effort: a failed enumeration must not block sync; the next
	// start retries it.
	if n, err := e.resumer.Resume(ctx); err != nil {
		e.logger.Printf("resuming pending operations: %v", err)
	} else if n > 0 {
		e.logger.Printf("re-attached %d pending operations", n)
	}

	for _, r := range e.recs {
		if err := r.ObserveLocalChanges(); err != nil {
			e.started.Store(false)
			return err
		}
	}

	for _, s := range e.syncers {
		if err := s.EnsureZones(ctx); err != nil {
			e.logger.Printf("ensuring %s zones: %v", s.Scope(), err)
		}
		if err := s.RegisterPush(ctx); err != nil {
			e.logger.Printf("registering %s subscription: %v", s.Scope(), err)
		}
	}

	for _, s := range e.syncers {
		go s.FetchChanges(ctx, nil)
	}
	return nil
}

// SyncNow runs one synchronous fetch across every scope and returns the
// joined outcome. Transient remote conditions surface as errors rather
// than blocking the caller through silent retries.
func (e *Engine) SyncNow(ctx context.Context) error {
	if !e.started.Load() {
		return errors.New("engine not started")
	}
	var wg sync.WaitGroup
	errs := make([]error, len(e.syncers))
	for i, s := range e.syncers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.FetchChanges(ctx, func(err error) {
				if err != nil {
					errs[i] = fmt.Errorf("%s: %w", s.Scope(), err)
				}
			})
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// EnsureZones provisions every declared zone without starting a fetch.
// Already-created zones are skipped.
func (e *Engine) EnsureZones(ctx context.Context) error {
	var errs []error
	for _, s := range e.syncers {
		if err := s.EnsureZones(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Scope(), err))
		}
	}
	return errors.Join(errs...)
}

// Stop purges tombstones, stops observers, cancels pending retries and
// shuts the executors down. Purge failures are reported but do not block
// shutdown.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.started.CompareAndSwap(true, false) {
		return nil
	}
	var errs []error
	for _, s := range e.syncers {
		if err := s.CleanUp(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, r := range e.recs {
		r.Close()
	}
	e.sched.Close()
	for _, s := range e.serials {
		s.Close()
	}
	return errors.Join(errs...)
}

// Tokens exposes the token store for status inspection.
func (e *Engine) Tokens() *TokenStore { return e.tokens }

// Phases reports the current fetch phase per scope.
func (e *Engine) Phases() map[record.Scope]Phase {
	out := make(map[record.Scope]Phase, len(e.syncers))
	for _, s := range e.syncers {
		out[s.Scope()] = s.Phase()
	}
	return out
}

// Reconcilers lists the bound reconcilers in declared order.
func (e *Engine) Reconcilers() []*Reconciler {
	return e.recs
}

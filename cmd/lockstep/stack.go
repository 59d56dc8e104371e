package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/lockstep-sync/lockstep/internal/assets/dirstore"
	"github.com/lockstep-sync/lockstep/internal/config"
	"github.com/lockstep-sync/lockstep/internal/daemon"
	"github.com/lockstep-sync/lockstep/internal/engine"
	"github.com/lockstep-sync/lockstep/internal/kvstore"
	"github.com/lockstep-sync/lockstep/internal/localstore"
	"github.com/lockstep-sync/lockstep/internal/localstore/sqlitestore"
	"github.com/lockstep-sync/lockstep/internal/manifest"
	"github.com/lockstep-sync/lockstep/internal/remote/turso"
)

// stack bundles the collaborators a command wires together from the
// configuration. Change tokens share the local database file with the
// entities, so a restored backup rolls both back together.
type stack struct {
	cfg      *config.Config
	manifest *manifest.Manifest
	store    *sqlitestore.Store
	kv       kvstore.Store
	types    []localstore.EntityType
	files    *dirstore.Store
	backend  *turso.Backend

	cleanups []func()
}

// openStack builds the local half of the stack, plus the remote backend
// when withRemote is set. Callers must Close it.
func openStack(ctx context.Context, cfg *config.Config, withRemote bool) (*stack, error) {
	st := &stack{cfg: cfg}

	m, err := manifest.Load(cfg.Local.ManifestPath)
	if errors.Is(err, fs.ErrNotExist) {
		m = manifest.Default()
	} else if err != nil {
		return nil, err
	}
	st.manifest = m

	if err := os.MkdirAll(filepath.Dir(cfg.Local.DatabasePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := sqlitestore.Open(cfg.Local.DatabasePath, newLogger("[store] "))
	if err != nil {
		return nil, err
	}
	st.cleanups = append(st.cleanups, func() { _ = store.Close() })
	if err := store.InitSchemaContext(ctx); err != nil {
		st.Close()
		return nil, err
	}
	st.store = store

	for _, ent := range m.Entities {
		dt := sqlitestore.NewDocType(ent.Name, ent.RecordType)
		store.Register(dt, dt.Codec())
		st.types = append(st.types, dt)
	}

	kv, err := kvstore.NewSQLite(store.RawDB())
	if err != nil {
		st.Close()
		return nil, err
	}
	st.kv = kv

	files, err := dirstore.New(cfg.Local.AssetsDir)
	if err != nil {
		st.Close()
		return nil, err
	}
	st.files = files

	if withRemote {
		conn, cleanup, err := turso.Connect(connectConfig(cfg))
		if err != nil {
			st.Close()
			return nil, err
		}
		st.cleanups = append(st.cleanups, cleanup)
		backend := turso.New(conn, turso.Config{Logger: newLogger("[remote] ")})
		if err := backend.InitSchema(ctx); err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to initialize remote schema: %w", err)
		}
		st.backend = backend
	}

	return st, nil
}

// Close releases the stack's handles in reverse open order.
func (s *stack) Close() {
	for i := len(s.cleanups) - 1; i >= 0; i-- {
		s.cleanups[i]()
	}
}

// engine assembles the sync engine on top of the stack. metered declares
// the current network metered, which withholds the configured record
// types from pushes.
func (s *stack) engine(events engine.EventSink, metered bool) (*engine.Engine, error) {
	policy := engine.StaticPolicy{
		ExcludeOnMetered: s.cfg.Push.ExcludeOnMetered,
	}
	if metered {
		policy.IsMetered = func() bool { return true }
	}

	return engine.New(engine.Config{
		Remote:     s.backend,
		Store:      s.store,
		KV:         s.kv,
		Manifest:   s.manifest,
		Types:      s.types,
		Assets:     s.files,
		Policy:     policy,
		Logger:     newLogger("[engine] "),
		Events:     events,
		MaxBatch:   s.cfg.Push.MaxBatch,
		MaxRetries: s.cfg.Push.MaxRetries,
		PageSize:   s.cfg.Push.PageSize,
	})
}

// importer builds a record file importer over the stack's store.
func (s *stack) importer() (*daemon.Importer, error) {
	return daemon.NewImporter(s.store, s.manifest, s.types, newLogger("[import] "))
}

// connectConfig maps the file configuration onto the backend's
// connection settings.
func connectConfig(cfg *config.Config) turso.ConnectConfig {
	return turso.ConnectConfig{
		Mode:         turso.Mode(cfg.Remote.Mode),
		URL:          cfg.Remote.URL,
		AuthToken:    cfg.Remote.AuthToken,
		Path:         cfg.Remote.Path,
		SyncInterval: cfg.Remote.SyncInterval.Std(),
	}
}

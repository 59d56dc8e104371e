//go:build libsql_embedded

package turso

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	libsqlembed "github.com/tursodatabase/go-libsql"
)

// Connect opens the configured libsql connection and returns the handle
// together with a cleanup func. This build carries the cgo connector, which
// serves embedded replicas and remote URLs alike.
func Connect(cfg ConnectConfig) (*sql.DB, func(), error) {
	switch cfg.Mode {
	case ModeReplica:
		if cfg.URL == "" {
			return nil, nil, fmt.Errorf("replica mode requires a database URL")
		}
		if cfg.Path == "" {
			return nil, nil, fmt.Errorf("replica mode requires a database path")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create replica directory: %w", err)
		}
		interval := cfg.SyncInterval
		if interval <= 0 {
			interval = 10 * time.Second
		}
		connector, err := libsqlembed.NewEmbeddedReplicaConnector(cfg.Path, cfg.URL,
			libsqlembed.WithAuthToken(cfg.AuthToken),
			libsqlembed.WithReadYourWrites(true),
			libsqlembed.WithSyncInterval(interval),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create replica connector: %w", err)
		}
		db := sql.OpenDB(connector)
		if err := db.Ping(); err != nil {
			_ = db.Close()
			_ = connector.Close()
			return nil, nil, fmt.Errorf("failed to ping replica database: %w", err)
		}
		cleanup := func() {
			_ = db.Close()
			_ = connector.Close()
		}
		return db, cleanup, nil

	case ModeRemote, "":
		if cfg.URL == "" {
			return nil, nil, fmt.Errorf("remote mode requires a database URL")
		}
		dsn := cfg.URL
		if cfg.AuthToken != "" {
			u, err := url.Parse(cfg.URL)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid database URL: %w", err)
			}
			q := u.Query()
			q.Set("authToken", cfg.AuthToken)
			u.RawQuery = q.Encode()
			dsn = u.String()
		}
		db, err := sql.Open("libsql", dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open remote database: %w", err)
		}
		if err := db.Ping(); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("failed to ping remote database: %w", err)
		}
		return db, func() { _ = db.Close() }, nil

	case ModeLocal:
		return connectLocal(cfg.Path)

	default:
		return nil, nil, fmt.Errorf("unknown connection mode %q", cfg.Mode)
	}
}

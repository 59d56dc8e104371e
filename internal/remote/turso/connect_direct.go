//go:build !libsql_embedded

package turso

import (
	"database/sql"
	"fmt"

	"github.com/tursodatabase/libsql-client-go/libsql"
)

// Connect opens the configured libsql connection and returns the handle
// together with a cleanup func. This build carries the pure-Go wire-protocol
// client; embedded replicas need the libsql_embedded build tag, which swaps
// in the cgo connector instead.
func Connect(cfg ConnectConfig) (*sql.DB, func(), error) {
	switch cfg.Mode {
	case ModeRemote, "":
		if cfg.URL == "" {
			return nil, nil, fmt.Errorf("remote mode requires a database URL")
		}
		connector, err := libsql.NewConnector(cfg.URL, libsql.WithAuthToken(cfg.AuthToken))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create connector: %w", err)
		}
		db := sql.OpenDB(connector)
		if err := db.Ping(); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("failed to ping remote database: %w", err)
		}
		return db, func() { _ = db.Close() }, nil

	case ModeLocal:
		return connectLocal(cfg.Path)

	case ModeReplica:
		return nil, nil, fmt.Errorf("embedded replica mode requires a binary built with -tags libsql_embedded")

	default:
		return nil, nil, fmt.Errorf("unknown connection mode %q", cfg.Mode)
	}
}

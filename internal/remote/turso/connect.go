package turso

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Mode selects how Connect reaches the libsql database.
type Mode string

const (
	// ModeRemote speaks to the remote database directly over the sqld wire
	// protocol. Nothing is stored locally.
	ModeRemote Mode = "remote"

	// ModeReplica keeps an embedded replica file that syncs against the
	// remote primary, so reads stay local and survive offline stretches.
	// Available in binaries built with the libsql_embedded tag; the cgo
	// connector and the wire-protocol client both register the "libsql"
	// driver, so one build links exactly one of them.
	ModeReplica Mode = "replica"

	// ModeLocal opens a plain local database file with no remote behind
	// it. Single-process setups and sandboxes.
	ModeLocal Mode = "local"
)

// ConnectConfig carries the connection settings for Connect.
type ConnectConfig struct {
	// Mode defaults to ModeRemote.
	Mode Mode

	// URL is the remote database URL (libsql://...). Required for
	// ModeRemote and ModeReplica.
	URL string

	// AuthToken authenticates against the remote database.
	AuthToken string

	// Path is the local database file for ModeReplica and ModeLocal.
	Path string

	// SyncInterval is how often an embedded replica pulls the primary.
	// Zero means 10 seconds.
	SyncInterval time.Duration
}

// connectLocal opens a plain local database file on the embedded SQLite
// driver. Used by ModeLocal in every build.
func connectLocal(path string) (*sql.DB, func(), error) {
	if path == "" {
		return nil, nil, fmt.Errorf("local mode requires a database path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open local database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to ping local database: %w", err)
	}
	return db, func() { _ = db.Close() }, nil
}

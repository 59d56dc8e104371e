// Package turso implements the remote record store over a libsql database.
//
// The backend emulates a change-feed server on plain SQL. Every record and
// zone mutation appends a row to an append-only change_log table, and change
// tokens are log sequence numbers rendered in decimal. A feed request seeded
// with a token scans the log past that position; a request seeded with the
// zero token reads a snapshot of current state instead, so a client that
// lost its token always converges. Pruned log history surfaces to stale
// cursors as CodeTokenExpired, exactly like a hosted feed that aged out its
// backlog.
//
// The backend is written against database/sql and never opens its own
// connection. Connect (connect_direct.go, connect_embedded.go) builds one
// for the configured mode; tests inject an embedded SQLite handle.
package turso

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/lockstep-sync/lockstep/internal/record"
	"github.com/lockstep-sync/lockstep/internal/remote"
)

// CurrentProtocol is the protocol version a freshly initialized database
// reports. The engine refuses databases with a higher major version.
const CurrentProtocol = "v1.2.0"

const (
	defaultMaxBatch   = 400
	defaultPageSize   = 100
	defaultCheckpoint = 200
)

// Config tunes a Backend. The zero value is usable; unset fields fall back
// to server defaults.
type Config struct {
	// MaxBatch caps how many saves plus deletes one ModifyRecords call may
	// carry before the backend rejects it with CodeLimitExceeded.
	MaxBatch int

	// PageSize is the Query page size used when the caller passes 0.
	PageSize int

	// Checkpoint is how many feed rows go by between mid-flight token
	// checkpoints on change-feed requests.
	Checkpoint int

	// Logger receives warnings. Defaults to stderr.
	Logger *log.Logger
}

// Backend is the libsql-backed remote record store.
type Backend struct {
	conn       *sql.DB
	logger     *log.Logger
	maxBatch   int
	pageSize   int
	checkpoint int

	mu       sync.Mutex
	attached map[remote.OperationID]bool

	// wg tracks in-flight modify goroutines so Close can drain them.
	wg sync.WaitGroup
}

// New wraps an open database handle. The Backend takes ownership of conn;
// Close closes it.
func New(conn *sql.DB, cfg Config) *Backend {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[turso] ", log.LstdFlags)
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = defaultMaxBatch
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	if cfg.Checkpoint <= 0 {
		cfg.Checkpoint = defaultCheckpoint
	}
	return &Backend{
		conn:       conn,
		logger:     cfg.Logger,
		maxBatch:   cfg.MaxBatch,
		pageSize:   cfg.PageSize,
		checkpoint: cfg.Checkpoint,
		attached:   make(map[remote.OperationID]bool),
	}
}

// Close drains in-flight operations and closes the database handle.
func (b *Backend) Close() error {
	b.wg.Wait()
	if b.conn == nil {
		return nil
	}
	if err := b.conn.Close(); err != nil {
		return fmt.Errorf("failed to close remote database: %w", err)
	}
	b.conn = nil
	return nil
}

// InitSchema creates the backend schema if it doesn't exist. Idempotent.
func (b *Backend) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS zones (
		scope TEXT NOT NULL,
		zone_name TEXT NOT NULL,
		zone_owner TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (scope, zone_name, zone_owner)
	);

	CREATE TABLE IF NOT EXISTS records (
		scope TEXT NOT NULL,
		zone_name TEXT NOT NULL,
		zone_owner TEXT NOT NULL,
		name TEXT NOT NULL,
		record_type TEXT NOT NULL,
		fields BLOB NOT NULL,
		assets BLOB,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (scope, zone_name, zone_owner, name)
	);

	CREATE INDEX IF NOT EXISTS idx_records_query
	    ON records(scope, record_type, name);

	CREATE TABLE IF NOT EXISTS change_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		scope TEXT NOT NULL,
		zone_name TEXT NOT NULL,
		zone_owner TEXT NOT NULL,
		record_name TEXT NOT NULL DEFAULT '',
		record_type TEXT NOT NULL DEFAULT '',
		op TEXT NOT NULL,
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_change_log_scope
	    ON change_log(scope, seq);
	CREATE INDEX IF NOT EXISTS idx_change_log_zone
	    ON change_log(scope, zone_name, zone_owner, seq);

	CREATE TABLE IF NOT EXISTS operations (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		scope TEXT NOT NULL,
		status TEXT NOT NULL,
		saved INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		created_at TEXT NOT NULL,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_operations_status
	    ON operations(status, created_at);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT NOT NULL,
		scope TEXT NOT NULL,
		record_types TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (scope, id)
	);

	CREATE TABLE IF NOT EXISTS server_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	if _, err := b.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize remote schema: %w", err)
	}

	_, err := b.conn.ExecContext(ctx,
		`INSERT INTO server_meta (key, value) VALUES ('protocol', ?)
		 ON CONFLICT(key) DO NOTHING`, CurrentProtocol)
	if err != nil {
		return fmt.Errorf("failed to seed protocol version: %w", err)
	}
	return nil
}

// Protocol implements remote.Database.
func (b *Backend) Protocol(ctx context.Context) (string, error) {
	var v string
	err := b.conn.QueryRowContext(ctx,
		`SELECT value FROM server_meta WHERE key = 'protocol'`).Scan(&v)
	if err == sql.ErrNoRows {
		return CurrentProtocol, nil
	}
	if err != nil {
		return "", mapError("read protocol version", err)
	}
	return v, nil
}

// SaveZones implements remote.Database. Creating a zone that already exists
// leaves it untouched and appends nothing to the feed.
func (b *Backend) SaveZones(ctx context.Context, scope record.Scope, zones []record.ZoneID) error {
	if !scope.Valid() {
		return remote.NewError(remote.CodeMalformed, "unknown scope %q", scope)
	}
	for _, z := range zones {
		if z.IsZero() {
			return remote.NewError(remote.CodeMalformed, "zone id is required")
		}
	}

	tx, err := b.conn.BeginTx(ctx, nil)
	if err != nil {
		return mapError("save zones", err)
	}
	defer tx.Rollback()

	now := nowUTC()
	for _, z := range zones {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO zones (scope, zone_name, zone_owner, created_at)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(scope, zone_name, zone_owner) DO NOTHING`,
			scope.String(), z.Name, z.Owner, now)
		if err != nil {
			return mapError("save zones", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return mapError("save zones", err)
		}
		if n == 0 {
			continue
		}
		if err := appendLog(ctx, tx, scope, z, "", "", opZoneCreate); err != nil {
			return mapError("save zones", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return mapError("save zones", err)
	}
	return nil
}

// DeleteZones implements remote.Database. Deleting a zone drops its records
// and appends a zone_delete feed row; deleting an absent zone is a no-op.
func (b *Backend) DeleteZones(ctx context.Context, scope record.Scope, zones []record.ZoneID) error {
	if !scope.Valid() {
		return remote.NewError(remote.CodeMalformed, "unknown scope %q", scope)
	}

	tx, err := b.conn.BeginTx(ctx, nil)
	if err != nil {
		return mapError("delete zones", err)
	}
	defer tx.Rollback()

	for _, z := range zones {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM zones WHERE scope = ? AND zone_name = ? AND zone_owner = ?`,
			scope.String(), z.Name, z.Owner)
		if err != nil {
			return mapError("delete zones", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return mapError("delete zones", err)
		}
		if n == 0 {
			continue
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM records WHERE scope = ? AND zone_name = ? AND zone_owner = ?`,
			scope.String(), z.Name, z.Owner)
		if err != nil {
			return mapError("delete zones", err)
		}
		if err := appendLog(ctx, tx, scope, z, "", "", opZoneDelete); err != nil {
			return mapError("delete zones", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return mapError("delete zones", err)
	}
	return nil
}

// SaveSubscription implements remote.Database. Saving an existing id
// replaces its record type list.
func (b *Backend) SaveSubscription(ctx context.Context, scope record.Scope, sub remote.Subscription) error {
	if sub.ID == "" {
		return remote.NewError(remote.CodeMalformed, "subscription id is required")
	}
	types, err := json.Marshal(sub.RecordTypes)
	if err != nil {
		return remote.WrapError(remote.CodeMalformed, err)
	}
	_, err = b.conn.ExecContext(ctx,
		`INSERT INTO subscriptions (id, scope, record_types, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(scope, id) DO UPDATE SET record_types = excluded.record_types`,
		sub.ID, scope.String(), string(types), nowUTC())
	if err != nil {
		return mapError("save subscription", err)
	}
	return nil
}

// zoneExists reports whether the zone row is present.
func (b *Backend) zoneExists(ctx context.Context, scope record.Scope, zone record.ZoneID) (bool, error) {
	var one int
	err := b.conn.QueryRowContext(ctx,
		`SELECT 1 FROM zones WHERE scope = ? AND zone_name = ? AND zone_owner = ?`,
		scope.String(), zone.Name, zone.Owner).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// execer covers *sql.Tx and *sql.DB for the log append helper.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func appendLog(ctx context.Context, e execer, scope record.Scope, zone record.ZoneID, name, recordType, op string) error {
	_, err := e.ExecContext(ctx,
		`INSERT INTO change_log (scope, zone_name, zone_owner, record_name, record_type, op, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		scope.String(), zone.Name, zone.Owner, name, recordType, op, nowUTC())
	return err
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// encodeFields serializes a record's field map. JSON typing applies on the
// way back: numbers decode as float64, binary fields as base64 strings. The
// record field accessors handle both representations.
func encodeFields(fields map[string]any) ([]byte, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	b, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to encode record fields: %w", err)
	}
	return b, nil
}

func decodeFields(payload []byte) (map[string]any, error) {
	fields := make(map[string]any)
	if len(payload) == 0 {
		return fields, nil
	}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode record fields: %w", err)
	}
	return fields, nil
}

func encodeAssets(assets []record.AssetRef) ([]byte, error) {
	if len(assets) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(assets)
	if err != nil {
		return nil, fmt.Errorf("failed to encode asset refs: %w", err)
	}
	return b, nil
}

func decodeAssets(payload []byte) ([]record.AssetRef, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	var assets []record.AssetRef
	if err := json.Unmarshal(payload, &assets); err != nil {
		return nil, fmt.Errorf("failed to decode asset refs: %w", err)
	}
	return assets, nil
}

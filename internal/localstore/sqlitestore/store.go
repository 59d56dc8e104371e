// Package sqlitestore implements the localstore contracts over an embedded
// SQLite database.
//
// The database runs in embedded mode with WAL for concurrent reads. One
// generic entities table holds every registered type; payloads are encoded
// by a per-type codec so the store never needs schema migrations when an
// entity type gains fields.
//
// Change observation is implemented in-process: each committed write
// transaction records which primary keys it touched, and after the SQLite
// commit succeeds the store builds a post-commit collection snapshot per
// touched type and hands it to every registered observer that the
// transaction did not exclude. Each observer drains its own dispatch
// goroutine, so deliveries stay in commit order per observer without
// letting a slow observer block the committer for long.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/lockstep-sync/lockstep/internal/localstore"
)

// Codec encodes and decodes one entity type's payload column. The
// tombstone flag and primary key live in their own columns; the payload
// carries everything else.
type Codec struct {
	Encode func(e localstore.Entity) ([]byte, error)
	Decode func(pk string, tombstoned bool, payload []byte) (localstore.Entity, error)
}

type registeredType struct {
	typ   localstore.EntityType
	codec Codec
}

// Store is the SQLite-backed local object store.
type Store struct {
	conn   *sql.DB
	path   string
	logger *log.Logger

	mu        sync.RWMutex
	types     map[string]registeredType
	observers map[string][]*observer

	// txMu serializes write transactions so commit order and notification
	// order agree.
	txMu sync.Mutex
}

// Open creates or opens the store database at path. The caller must call
// Close when done. If logger is nil, a default stderr logger is used.
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[localstore] ", log.LstdFlags)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping store database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn:      conn,
		path:      path,
		logger:    logger,
		types:     make(map[string]registeredType),
		observers: make(map[string][]*observer),
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return s, nil
}

// OpenDB wraps an existing database handle instead of opening a file.
// Used by tests that need to inject failing connections.
func OpenDB(conn *sql.DB, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(os.Stderr, "[localstore] ", log.LstdFlags)
	}
	return &Store{
		conn:      conn,
		logger:    logger,
		types:     make(map[string]registeredType),
		observers: make(map[string][]*observer),
	}
}

// RawDB returns the underlying connection for integrations that need it.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close checkpoints the WAL, stops all observers and closes the database.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	s.mu.Lock()
	for _, obs := range s.observers {
		for _, o := range obs {
			o.stop()
		}
	}
	s.observers = make(map[string][]*observer)
	s.mu.Unlock()

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close store database: %w", err)
	}
	s.conn = nil
	return nil
}

// InitSchema creates the store schema if it doesn't exist. Idempotent.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the store schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS entities (
		type TEXT NOT NULL,
		pk TEXT NOT NULL,
		payload BLOB NOT NULL,
		tombstoned INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (type, pk)
	);

	CREATE INDEX IF NOT EXISTS idx_entities_tombstoned
	    ON entities(type, tombstoned);

	CREATE TABLE IF NOT EXISTS synclog (
		id TEXT PRIMARY KEY,
		at TEXT NOT NULL,
		direction TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		pk TEXT NOT NULL,
		zone TEXT,
		detail TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_synclog_at ON synclog(at);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize store schema: %w", err)
	}
	return nil
}

// Register makes an entity type usable with this store. Registering the
// same name twice is a wiring bug and panics.
func (s *Store) Register(t localstore.EntityType, codec Codec) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := t.Name()
	if _, exists := s.types[name]; exists {
		panic(fmt.Sprintf("sqlitestore: Register called twice for type %s", name))
	}
	if codec.Encode == nil || codec.Decode == nil {
		panic(fmt.Sprintf("sqlitestore: incomplete codec for type %s", name))
	}
	s.types[name] = registeredType{typ: t, codec: codec}
}

func (s *Store) typeFor(name string) (registeredType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.types[name]
	if !ok {
		return registeredType{}, fmt.Errorf("%w: %s", localstore.ErrUnknownType, name)
	}
	return rt, nil
}

// Get implements localstore.Store.
func (s *Store) Get(ctx context.Context, typeName, pk string) (localstore.Entity, error) {
	rt, err := s.typeFor(typeName)
	if err != nil {
		return nil, err
	}

	var payload []byte
	var tombstoned bool
	err = s.conn.QueryRowContext(ctx,
		`SELECT payload, tombstoned FROM entities WHERE type = ? AND pk = ?`,
		typeName, pk).Scan(&payload, &tombstoned)
	if err == sql.ErrNoRows {
		return nil, localstore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s: %w", typeName, pk, err)
	}

	e, err := rt.codec.Decode(pk, tombstoned, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s/%s: %w", typeName, pk, err)
	}
	return e, nil
}

// List implements localstore.Store. The collection comes back ordered by
// primary key, the order observers see.
func (s *Store) List(ctx context.Context, typeName string, includeTombstoned bool) ([]localstore.Entity, error) {
	rt, err := s.typeFor(typeName)
	if err != nil {
		return nil, err
	}

	query := `SELECT pk, payload, tombstoned FROM entities WHERE type = ?`
	if !includeTombstoned {
		query += ` AND tombstoned = 0`
	}
	query += ` ORDER BY pk`

	rows, err := s.conn.QueryContext(ctx, query, typeName)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", typeName, err)
	}
	defer rows.Close()

	var out []localstore.Entity
	for rows.Next() {
		var pk string
		var payload []byte
		var tombstoned bool
		if err := rows.Scan(&pk, &payload, &tombstoned); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", typeName, err)
		}
		e, err := rt.codec.Decode(pk, tombstoned, payload)
		if err != nil {
			// One undecodable row must not hide the rest of the collection.
			s.logger.Printf("WARNING: skipping undecodable %s/%s: %v", typeName, pk, err)
			continue
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate %s rows: %w", typeName, err)
	}
	return out, nil
}

// Count implements localstore.Store.
func (s *Store) Count(ctx context.Context, typeName string) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM entities WHERE type = ?`, typeName).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", typeName, err)
	}
	return n, nil
}

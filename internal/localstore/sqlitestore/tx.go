package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/lockstep-sync/lockstep/internal/localstore"
)

// txChanges tracks which primary keys of one type a transaction touched.
type txChanges struct {
	inserted map[string]bool
	modified map[string]bool
	deleted  map[string]bool
}

func newTxChanges() *txChanges {
	return &txChanges{
		inserted: make(map[string]bool),
		modified: make(map[string]bool),
		deleted:  make(map[string]bool),
	}
}

type storeTx struct {
	store   *Store
	sqlTx   *sql.Tx
	ctx     context.Context
	exclude map[localstore.Observer]bool
	touched map[string]*txChanges
	done    bool
}

// Begin implements localstore.Store. Write transactions are serialized;
// Begin blocks while another transaction is open. Observers passed in
// exclude will not be notified of this transaction's changes.
func (s *Store) Begin(ctx context.Context, exclude ...localstore.Observer) (localstore.Tx, error) {
	s.txMu.Lock()

	sqlTx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		s.txMu.Unlock()
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	ex := make(map[localstore.Observer]bool, len(exclude))
	for _, o := range exclude {
		if o != nil {
			ex[o] = true
		}
	}

	return &storeTx{
		store:   s,
		sqlTx:   sqlTx,
		ctx:     ctx,
		exclude: ex,
		touched: make(map[string]*txChanges),
	}, nil
}

func (t *storeTx) changesFor(typeName string) *txChanges {
	tc, ok := t.touched[typeName]
	if !ok {
		tc = newTxChanges()
		t.touched[typeName] = tc
	}
	return tc
}

// Upsert implements localstore.Tx.
func (t *storeTx) Upsert(typeName string, e localstore.Entity) error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	rt, err := t.store.typeFor(typeName)
	if err != nil {
		return err
	}

	payload, err := rt.codec.Encode(e)
	if err != nil {
		return fmt.Errorf("failed to encode %s/%s: %w", typeName, e.PrimaryKey(), err)
	}

	pk := e.PrimaryKey()
	if pk == "" {
		return fmt.Errorf("entity of type %s has empty primary key", typeName)
	}

	var exists bool
	err = t.sqlTx.QueryRowContext(t.ctx,
		`SELECT 1 FROM entities WHERE type = ? AND pk = ?`, typeName, pk).Scan(&exists)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to check %s/%s: %w", typeName, pk, err)
	}

	tombstoned := 0
	if e.Tombstoned() {
		tombstoned = 1
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	_, err = t.sqlTx.ExecContext(t.ctx, `
		INSERT INTO entities (type, pk, payload, tombstoned, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(type, pk) DO UPDATE SET
			payload = excluded.payload,
			tombstoned = excluded.tombstoned,
			updated_at = excluded.updated_at
	`, typeName, pk, payload, tombstoned, now)
	if err != nil {
		return fmt.Errorf("failed to upsert %s/%s: %w", typeName, pk, err)
	}

	tc := t.changesFor(typeName)
	switch {
	case tc.deleted[pk]:
		// Deleted then re-upserted inside this transaction: net effect is
		// a rewrite of an existing row.
		delete(tc.deleted, pk)
		tc.modified[pk] = true
	case exists, tc.inserted[pk]:
		if !tc.inserted[pk] {
			tc.modified[pk] = true
		}
	default:
		tc.inserted[pk] = true
	}
	return nil
}

// Delete implements localstore.Tx. Removes the row outright; callers that
// need a push-visible deletion upsert a tombstoned entity instead.
func (t *storeTx) Delete(typeName, pk string) error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	if _, err := t.store.typeFor(typeName); err != nil {
		return err
	}

	res, err := t.sqlTx.ExecContext(t.ctx,
		`DELETE FROM entities WHERE type = ? AND pk = ?`, typeName, pk)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", typeName, pk, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read delete result for %s/%s: %w", typeName, pk, err)
	}
	if n == 0 {
		return nil
	}

	tc := t.changesFor(typeName)
	if tc.inserted[pk] {
		// Created and deleted inside the same transaction; observers never
		// need to hear about it.
		delete(tc.inserted, pk)
		return nil
	}
	delete(tc.modified, pk)
	tc.deleted[pk] = true
	return nil
}

// PurgeTombstones implements localstore.Tx.
func (t *storeTx) PurgeTombstones(typeName string) (int, error) {
	if t.done {
		return 0, fmt.Errorf("transaction already finished")
	}
	if _, err := t.store.typeFor(typeName); err != nil {
		return 0, err
	}

	rows, err := t.sqlTx.QueryContext(t.ctx,
		`SELECT pk FROM entities WHERE type = ? AND tombstoned = 1`, typeName)
	if err != nil {
		return 0, fmt.Errorf("failed to find tombstones for %s: %w", typeName, err)
	}
	var pks []string
	for rows.Next() {
		var pk string
		if err := rows.Scan(&pk); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan tombstone pk: %w", err)
		}
		pks = append(pks, pk)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("failed to iterate tombstones for %s: %w", typeName, err)
	}
	rows.Close()

	if len(pks) == 0 {
		return 0, nil
	}

	if _, err := t.sqlTx.ExecContext(t.ctx,
		`DELETE FROM entities WHERE type = ? AND tombstoned = 1`, typeName); err != nil {
		return 0, fmt.Errorf("failed to purge tombstones for %s: %w", typeName, err)
	}

	tc := t.changesFor(typeName)
	for _, pk := range pks {
		if tc.inserted[pk] {
			delete(tc.inserted, pk)
			continue
		}
		delete(tc.modified, pk)
		tc.deleted[pk] = true
	}
	return len(pks), nil
}

// Commit implements localstore.Tx. After the SQLite commit succeeds, one
// change set per touched type goes out to non-excluded observers.
func (t *storeTx) Commit() error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true
	defer t.store.txMu.Unlock()

	if err := t.sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	for typeName, tc := range t.touched {
		if len(tc.inserted) == 0 && len(tc.modified) == 0 && len(tc.deleted) == 0 {
			continue
		}
		cs, err := t.store.buildChangeSet(t.ctx, typeName, tc)
		if err != nil {
			// The commit stands; observers just miss this round. Surface it
			// loudly because a stale observer can stall pushes.
			t.store.logger.Printf("ERROR: failed to build change set for %s: %v", typeName, err)
			continue
		}
		t.store.notify(cs, t.exclude)
	}
	return nil
}

// Rollback implements localstore.Tx. Safe to call after Commit.
func (t *storeTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.store.txMu.Unlock()

	if err := t.sqlTx.Rollback(); err != nil {
		return fmt.Errorf("failed to roll back transaction: %w", err)
	}
	return nil
}

// buildChangeSet loads the post-commit collection for typeName and maps
// the touched primary keys onto it.
func (s *Store) buildChangeSet(ctx context.Context, typeName string, tc *txChanges) (localstore.ChangeSet, error) {
	collection, err := s.List(ctx, typeName, true)
	if err != nil {
		return localstore.ChangeSet{}, err
	}

	index := make(map[string]int, len(collection))
	for i, e := range collection {
		index[e.PrimaryKey()] = i
	}

	cs := localstore.ChangeSet{
		Type:       typeName,
		Collection: collection,
	}
	for pk := range tc.inserted {
		if i, ok := index[pk]; ok {
			cs.Inserted = append(cs.Inserted, i)
		}
	}
	for pk := range tc.modified {
		if i, ok := index[pk]; ok {
			cs.Modified = append(cs.Modified, i)
		}
	}
	for pk := range tc.deleted {
		cs.Deleted = append(cs.Deleted, pk)
	}
	sort.Ints(cs.Inserted)
	sort.Ints(cs.Modified)
	sort.Strings(cs.Deleted)
	return cs, nil
}

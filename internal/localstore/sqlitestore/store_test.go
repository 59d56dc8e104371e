package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/lockstep-sync/lockstep/internal/localstore"
)

func openTestStore(t *testing.T) (*Store, *DocType) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.InitSchema(); err != nil {
		t.Fatalf("InitSchema() error = %v", err)
	}

	dt := NewDocType("notes", "Note")
	s.Register(dt, dt.Codec())
	return s, dt
}

func mustCommit(t *testing.T, tx localstore.Tx) {
	t.Helper()
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
}

func upsertDoc(t *testing.T, s *Store, dt *DocType, doc *Document) {
	t.Helper()
	tx, err := s.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := tx.Upsert(dt.Name(), doc); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	mustCommit(t, tx)
}

func TestStoreRoundTrip(t *testing.T) {
	s, dt := openTestStore(t)
	ctx := context.Background()

	doc := NewDocument(dt, map[string]any{"title": "hello", "count": 3})
	upsertDoc(t, s, dt, doc)

	got, err := s.Get(ctx, dt.Name(), doc.PK)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	gotDoc, ok := got.(*Document)
	if !ok {
		t.Fatalf("Get() returned %T, want *Document", got)
	}
	if gotDoc.Fields["title"] != "hello" {
		t.Errorf("title = %v, want hello", gotDoc.Fields["title"])
	}
	// JSON round trip decodes numbers as float64.
	if gotDoc.Fields["count"] != float64(3) {
		t.Errorf("count = %v (%T), want 3", gotDoc.Fields["count"], gotDoc.Fields["count"])
	}

	n, err := s.Count(ctx, dt.Name())
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func TestGetNotFound(t *testing.T) {
	s, dt := openTestStore(t)

	_, err := s.Get(context.Background(), dt.Name(), "missing")
	if !errors.Is(err, localstore.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestUnknownType(t *testing.T) {
	s, _ := openTestStore(t)

	_, err := s.Get(context.Background(), "ghosts", "x")
	if !errors.Is(err, localstore.ErrUnknownType) {
		t.Errorf("Get() error = %v, want ErrUnknownType", err)
	}
	if _, err := s.List(context.Background(), "ghosts", false); !errors.Is(err, localstore.ErrUnknownType) {
		t.Errorf("List() error = %v, want ErrUnknownType", err)
	}
}

func TestRegisterTwicePanics(t *testing.T) {
	s, dt := openTestStore(t)

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate Register")
		}
	}()
	s.Register(dt, dt.Codec())
}

func TestTombstoneVisibility(t *testing.T) {
	s, dt := openTestStore(t)
	ctx := context.Background()

	live := NewDocument(dt, map[string]any{"title": "live"})
	dead := NewDocument(dt, map[string]any{"title": "dead"})
	dead.Tomb = true
	upsertDoc(t, s, dt, live)
	upsertDoc(t, s, dt, dead)

	visible, err := s.List(ctx, dt.Name(), false)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(visible) != 1 || visible[0].PrimaryKey() != live.PK {
		t.Errorf("List(false) = %d entities, want only %s", len(visible), live.PK)
	}

	all, err := s.List(ctx, dt.Name(), true)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(all) != 2 {
		t.Errorf("List(true) = %d entities, want 2", len(all))
	}
}

func TestPurgeTombstones(t *testing.T) {
	s, dt := openTestStore(t)
	ctx := context.Background()

	live := NewDocument(dt, map[string]any{"title": "live"})
	dead := NewDocument(dt, map[string]any{"title": "dead"})
	dead.Tomb = true
	upsertDoc(t, s, dt, live)
	upsertDoc(t, s, dt, dead)

	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	n, err := tx.PurgeTombstones(dt.Name())
	if err != nil {
		t.Fatalf("PurgeTombstones() error = %v", err)
	}
	if n != 1 {
		t.Errorf("PurgeTombstones() = %d, want 1", n)
	}
	mustCommit(t, tx)

	if _, err := s.Get(ctx, dt.Name(), dead.PK); !errors.Is(err, localstore.ErrNotFound) {
		t.Errorf("purged entity still present, err = %v", err)
	}
	if _, err := s.Get(ctx, dt.Name(), live.PK); err != nil {
		t.Errorf("live entity gone after purge, err = %v", err)
	}
}

func collectChanges(t *testing.T, s *Store, typeName string) (<-chan localstore.ChangeSet, localstore.Observer) {
	t.Helper()
	ch := make(chan localstore.ChangeSet, 16)
	obs, err := s.Observe(typeName, func(cs localstore.ChangeSet) {
		ch <- cs
	})
	if err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	t.Cleanup(obs.Close)
	return ch, obs
}

func waitChange(t *testing.T, ch <-chan localstore.ChangeSet) localstore.ChangeSet {
	t.Helper()
	select {
	case cs := <-ch:
		return cs
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change set")
		return localstore.ChangeSet{}
	}
}

func TestObserverDelivery(t *testing.T) {
	s, dt := openTestStore(t)
	ch, _ := collectChanges(t, s, dt.Name())

	doc := NewDocument(dt, map[string]any{"title": "v1"})
	upsertDoc(t, s, dt, doc)

	cs := waitChange(t, ch)
	if cs.Type != dt.Name() {
		t.Errorf("ChangeSet.Type = %s, want %s", cs.Type, dt.Name())
	}
	if len(cs.Inserted) != 1 || len(cs.Modified) != 0 || len(cs.Deleted) != 0 {
		t.Fatalf("first change = %+v, want one insertion", cs)
	}
	if got := cs.Collection[cs.Inserted[0]].PrimaryKey(); got != doc.PK {
		t.Errorf("inserted pk = %s, want %s", got, doc.PK)
	}

	doc.Set("title", "v2")
	upsertDoc(t, s, dt, doc)

	cs = waitChange(t, ch)
	if len(cs.Inserted) != 0 || len(cs.Modified) != 1 {
		t.Fatalf("second change = %+v, want one modification", cs)
	}

	tx, err := s.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := tx.Delete(dt.Name(), doc.PK); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	mustCommit(t, tx)

	cs = waitChange(t, ch)
	if len(cs.Deleted) != 1 || cs.Deleted[0] != doc.PK {
		t.Fatalf("third change = %+v, want deletion of %s", cs, doc.PK)
	}
	if len(cs.Collection) != 0 {
		t.Errorf("collection after delete has %d entities, want 0", len(cs.Collection))
	}
}

func TestObserverExclusion(t *testing.T) {
	s, dt := openTestStore(t)
	excludedCh, excluded := collectChanges(t, s, dt.Name())
	otherCh, _ := collectChanges(t, s, dt.Name())

	tx, err := s.Begin(context.Background(), excluded)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := tx.Upsert(dt.Name(), NewDocument(dt, map[string]any{"title": "x"})); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	mustCommit(t, tx)

	waitChange(t, otherCh)

	select {
	case cs := <-excludedCh:
		t.Fatalf("excluded observer received %+v", cs)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestInsertDeleteSameTxInvisible(t *testing.T) {
	s, dt := openTestStore(t)
	ch, _ := collectChanges(t, s, dt.Name())

	doc := NewDocument(dt, map[string]any{"title": "ephemeral"})
	tx, err := s.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := tx.Upsert(dt.Name(), doc); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := tx.Delete(dt.Name(), doc.PK); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	mustCommit(t, tx)

	select {
	case cs := <-ch:
		t.Fatalf("observer received %+v for a net no-op transaction", cs)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestObserverCommitOrder(t *testing.T) {
	s, dt := openTestStore(t)
	ch, _ := collectChanges(t, s, dt.Name())

	first := NewDocument(dt, map[string]any{"seq": 1})
	second := NewDocument(dt, map[string]any{"seq": 2})
	upsertDoc(t, s, dt, first)
	upsertDoc(t, s, dt, second)

	cs1 := waitChange(t, ch)
	cs2 := waitChange(t, ch)
	if len(cs1.Collection) != 1 {
		t.Errorf("first delivery has %d entities, want 1", len(cs1.Collection))
	}
	if len(cs2.Collection) != 2 {
		t.Errorf("second delivery has %d entities, want 2", len(cs2.Collection))
	}
}

func TestRollback(t *testing.T) {
	s, dt := openTestStore(t)
	ctx := context.Background()

	doc := NewDocument(dt, map[string]any{"title": "undo"})
	tx, err := s.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := tx.Upsert(dt.Name(), doc); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback() error = %v", err)
	}

	if _, err := s.Get(ctx, dt.Name(), doc.PK); !errors.Is(err, localstore.ErrNotFound) {
		t.Errorf("rolled-back entity present, err = %v", err)
	}
}

func TestCommitFailureReturnsError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	s := OpenDB(db, nil)
	dt := NewDocType("notes", "Note")
	s.Register(dt, dt.Codec())

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT 1 FROM entities").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO entities").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit().WillReturnError(errors.New("disk I/O error"))

	tx, err := s.Begin(context.Background())
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	if err := tx.Upsert(dt.Name(), NewDocument(dt, nil)); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := tx.Commit(); err == nil {
		t.Fatal("Commit() succeeded, want error")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}

	// txMu must be released even after a failed commit.
	tx2, err := s.Begin(context.Background())
	if err == nil {
		_ = tx2.Rollback()
	}
}

func TestSyncLog(t *testing.T) {
	s, dt := openTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	entries := []LogEntry{
		{At: base, Direction: DirectionPull, Action: ActionUpsert, Type: dt.Name(), PK: "a"},
		{At: base.Add(time.Minute), Direction: DirectionPush, Action: ActionDelete, Type: dt.Name(), PK: "b", Zone: "work:_self"},
		{At: base.Add(2 * time.Minute), Direction: DirectionLocal, Action: ActionUpsert, Type: dt.Name(), PK: "c", Detail: "edited"},
	}
	for _, e := range entries {
		if err := s.AppendLog(ctx, e); err != nil {
			t.Fatalf("AppendLog() error = %v", err)
		}
	}

	got, err := s.LogSince(ctx, base.Add(30*time.Second), 0)
	if err != nil {
		t.Fatalf("LogSince() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("LogSince() returned %d entries, want 2", len(got))
	}
	if got[0].PK != "b" || got[1].PK != "c" {
		t.Errorf("LogSince() order = %s, %s; want b, c", got[0].PK, got[1].PK)
	}
	if got[0].Zone != "work:_self" {
		t.Errorf("Zone = %s, want work:_self", got[0].Zone)
	}

	pruned, err := s.PruneLog(ctx, base.Add(90*time.Second))
	if err != nil {
		t.Fatalf("PruneLog() error = %v", err)
	}
	if pruned != 2 {
		t.Errorf("PruneLog() = %d, want 2", pruned)
	}
}

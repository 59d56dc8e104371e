package engine

import (
	"context"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lockstep-sync/lockstep/internal/assets"
	"github.com/lockstep-sync/lockstep/internal/localstore"
	"github.com/lockstep-sync/lockstep/internal/localstore/sqlitestore"
	"github.com/lockstep-sync/lockstep/internal/record"
)

// testLogger returns a quiet logger for components that demand one.
func testLogger(t *testing.T) *log.Logger {
	t.Helper()
	return log.New(io.Discard, "", 0)
}

// fetchOnce runs one synchronous fetch pass and returns its terminal
// outcome. FetchChanges runs on the calling goroutine, so the done
// callback has fired by the time it returns.
func fetchOnce(t *testing.T, s ScopeSyncer) error {
	t.Helper()
	var calls int
	var got error
	s.FetchChanges(context.Background(), func(err error) {
		calls++
		got = err
	})
	if calls != 1 {
		t.Fatalf("fetch completion fired %d times, want 1", calls)
	}
	return got
}

// newDocStore opens a temp sqlite store with the given document types
// registered.
func newDocStore(t *testing.T, types ...*sqlitestore.DocType) *sqlitestore.Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "local.db")
	s, err := sqlitestore.Open(path, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.InitSchema(); err != nil {
		t.Fatalf("InitSchema() error = %v", err)
	}
	for _, dt := range types {
		s.Register(dt, dt.Codec())
	}
	return s
}

// newBoundReconciler builds a reconciler over store with its own
// executor, closed at test cleanup.
func newBoundReconciler(t *testing.T, cfg ReconcilerConfig) *Reconciler {
	t.Helper()

	rec, err := NewReconciler(cfg)
	if err != nil {
		t.Fatalf("NewReconciler() error = %v", err)
	}
	serial := NewSerial()
	t.Cleanup(serial.Close)
	rec.Bind(serial)
	t.Cleanup(rec.Close)
	return rec
}

// fakePusher journals Push calls.
type fakePusher struct {
	mu    sync.Mutex
	calls []pushCall
}

type pushCall struct {
	scope        record.Scope
	save         []record.Record
	del          []record.ID
	allowMetered bool
}

func (p *fakePusher) Push(_ context.Context, scope record.Scope, save []record.Record, del []record.ID, allowMetered bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, pushCall{
		scope:        scope,
		save:         append([]record.Record(nil), save...),
		del:          append([]record.ID(nil), del...),
		allowMetered: allowMetered,
	})
}

func (p *fakePusher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *fakePusher) call(t *testing.T, i int) pushCall {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if i >= len(p.calls) {
		t.Fatalf("push call %d not recorded, have %d", i, len(p.calls))
	}
	return p.calls[i]
}

// fakeAssets journals asset deletions.
type fakeAssets struct {
	mu      sync.Mutex
	deleted []string
}

func (a *fakeAssets) Put(context.Context, string, io.Reader) error { return nil }

func (a *fakeAssets) Open(context.Context, string) (io.ReadCloser, error) {
	return nil, assets.ErrNotFound
}

func (a *fakeAssets) Delete(_ context.Context, key string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deleted = append(a.deleted, key)
	return nil
}

func (a *fakeAssets) deletions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.deleted...)
}

// waitFor polls cond until it holds, failing the test after two seconds.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// eventLog collects emitted events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) sink() EventSink {
	return func(ev Event) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.events = append(l.events, ev)
	}
}

func (l *eventLog) count(kind EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (l *eventLog) has(kind EventKind) bool {
	return l.count(kind) > 0
}

// recordingStore wraps a Store and journals write order across
// transactions, so tests can assert cross-type apply ordering.
type recordingStore struct {
	localstore.Store
	mu  sync.Mutex
	ops []string
}

func (r *recordingStore) log(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, op)
}

func (r *recordingStore) writes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}

func (r *recordingStore) Begin(ctx context.Context, exclude ...localstore.Observer) (localstore.Tx, error) {
	tx, err := r.Store.Begin(ctx, exclude...)
	if err != nil {
		return nil, err
	}
	return &recordingTx{Tx: tx, rec: r}, nil
}

type recordingTx struct {
	localstore.Tx
	rec *recordingStore
}

func (t *recordingTx) Upsert(typeName string, e localstore.Entity) error {
	t.rec.log("upsert/" + typeName + "/" + e.PrimaryKey())
	return t.Tx.Upsert(typeName, e)
}

func (t *recordingTx) Delete(typeName, pk string) error {
	t.rec.log("delete/" + typeName + "/" + pk)
	return t.Tx.Delete(typeName, pk)
}

// mkRecord builds a record for tests.
func mkRecord(recordType string, zone record.ZoneID, name string, fields map[string]any) record.Record {
	return record.Record{
		Type:   recordType,
		ID:     record.ID{Name: name, Zone: zone},
		Fields: fields,
	}
}

package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lockstep-sync/lockstep/internal/engine"
	"github.com/lockstep-sync/lockstep/internal/localstore"
	"github.com/lockstep-sync/lockstep/internal/localstore/sqlitestore"
	"github.com/lockstep-sync/lockstep/internal/manifest"
	"github.com/lockstep-sync/lockstep/internal/record"
)

func newTestImporter(t *testing.T) (*Importer, *sqlitestore.Store) {
	t.Helper()

	store, err := sqlitestore.Open(filepath.Join(t.TempDir(), "local.db"), testLogger())
	if err != nil {
		t.Fatalf("Failed to open local store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema() error = %v", err)
	}
	dt := sqlitestore.NewDocType("notes", "Note")
	store.Register(dt, dt.Codec())

	m := &manifest.Manifest{
		Version: manifest.CurrentVersion,
		Entities: []manifest.Entity{
			{Name: "notes", RecordType: "Note", Scope: string(record.ScopePrivate)},
		},
	}
	imp, err := NewImporter(store, m, []localstore.EntityType{dt}, testLogger())
	if err != nil {
		t.Fatalf("NewImporter() error = %v", err)
	}
	return imp, store
}

func TestImportSingleRecord(t *testing.T) {
	imp, store := newTestImporter(t)
	ctx := context.Background()

	path := writeDropFile(t, t.TempDir(), "one.json",
		`{"type": "notes", "name": "pinned", "fields": {"title": "kept name"}}`)

	n, err := imp.ImportFile(ctx, path)
	if err != nil {
		t.Fatalf("ImportFile() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("ImportFile() = %d, want 1", n)
	}

	got, err := store.Get(ctx, "notes", "pinned")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	doc := got.(*sqlitestore.Document)
	if doc.Fields["title"] != "kept name" {
		t.Errorf("title = %v, want kept name", doc.Fields["title"])
	}

	// The import lands in the audit log as a local change.
	entries, err := store.LogSince(ctx, time.Time{}, 0)
	if err != nil {
		t.Fatalf("LogSince() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("LogSince() returned %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Direction != sqlitestore.DirectionLocal || e.Action != sqlitestore.ActionUpsert || e.PK != "pinned" {
		t.Errorf("log entry = %+v, want local upsert of pinned", e)
	}
}

func TestImportArrayMintsNames(t *testing.T) {
	imp, store := newTestImporter(t)
	ctx := context.Background()

	path := writeDropFile(t, t.TempDir(), "batch.json", `[
		{"type": "notes", "fields": {"title": "first"}},
		{"type": "notes", "fields": {"title": "second"}}
	]`)

	n, err := imp.ImportFile(ctx, path)
	if err != nil {
		t.Fatalf("ImportFile() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("ImportFile() = %d, want 2", n)
	}

	ents, err := store.List(ctx, "notes", false)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(ents) != 2 {
		t.Fatalf("List() returned %d entities, want 2", len(ents))
	}
	for _, ent := range ents {
		if record.TimeFromName(ent.PrimaryKey()).IsZero() {
			t.Errorf("minted name %q is not a valid record name", ent.PrimaryKey())
		}
	}
}

func TestImportReplayTimestamp(t *testing.T) {
	imp, store := newTestImporter(t)
	ctx := context.Background()

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	path := writeDropFile(t, t.TempDir(), "replay.json",
		fmt.Sprintf(`{"type": "notes", "at": %q, "fields": {"title": "replayed"}}`, at.Format(time.RFC3339)))

	if _, err := imp.ImportFile(ctx, path); err != nil {
		t.Fatalf("ImportFile() error = %v", err)
	}

	ents, err := store.List(ctx, "notes", false)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(ents) != 1 {
		t.Fatalf("List() returned %d entities, want 1", len(ents))
	}
	if got := record.TimeFromName(ents[0].PrimaryKey()); !got.Equal(at) {
		t.Errorf("minted name carries %v, want %v", got, at)
	}
}

func TestImportSkipsUnknownTypes(t *testing.T) {
	imp, store := newTestImporter(t)
	ctx := context.Background()

	path := writeDropFile(t, t.TempDir(), "mixed.json", `[
		{"type": "ghosts", "fields": {"boo": true}},
		{"type": "notes", "fields": {"title": "real"}}
	]`)

	n, err := imp.ImportFile(ctx, path)
	if err != nil {
		t.Fatalf("ImportFile() error = %v", err)
	}
	if n != 1 {
		t.Errorf("ImportFile() = %d, want 1 (unknown type skipped)", n)
	}
	if count, _ := store.Count(ctx, "notes"); count != 1 {
		t.Errorf("Count() = %d, want 1", count)
	}
}

func TestImportRejectsBadFiles(t *testing.T) {
	imp, _ := newTestImporter(t)
	ctx := context.Background()
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{"not json", "{nope"},
		{"empty file", ""},
		{"wrong shape", `"just a string"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeDropFile(t, dir, "bad.json", tt.content)
			if _, err := imp.ImportFile(ctx, path); err == nil {
				t.Error("ImportFile() expected error")
			}
		})
	}
}

func TestImportDirLeavesFiles(t *testing.T) {
	imp, store := newTestImporter(t)
	ctx := context.Background()
	dir := t.TempDir()

	a := writeDropFile(t, dir, "a.json", `{"type": "notes", "fields": {"title": "a"}}`)
	b := writeDropFile(t, dir, "b.json", `{"type": "notes", "fields": {"title": "b"}}`)

	n, err := imp.ImportDir(ctx, dir)
	if err != nil {
		t.Fatalf("ImportDir() error = %v", err)
	}
	if n != 2 {
		t.Errorf("ImportDir() = %d, want 2", n)
	}
	if count, _ := store.Count(ctx, "notes"); count != 2 {
		t.Errorf("Count() = %d, want 2", count)
	}
	for _, path := range []string{a, b} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("imported file %s missing: %v", path, err)
		}
	}
}

func TestLogSinkRecordsActivity(t *testing.T) {
	_, store := newTestImporter(t)
	ctx := context.Background()

	sink := LogSink(store, testLogger())

	sink(engine.Event{
		Kind:  engine.EventApplied,
		Scope: record.ScopePrivate,
		Zone:  record.NewZoneID("notes"),
		Type:  "notes",
		Count: 2,
		Time:  time.Now(),
	})
	sink(engine.Event{
		Kind:  engine.EventPushed,
		Scope: record.ScopePrivate,
		Count: 1,
		Time:  time.Now(),
	})
	// Phase transitions stay out of the audit log.
	sink(engine.Event{Kind: engine.EventFetchPhase, Phase: engine.PhaseIdle, Time: time.Now()})

	entries, err := store.LogSince(ctx, time.Time{}, 0)
	if err != nil {
		t.Fatalf("LogSince() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("LogSince() returned %d entries, want 2", len(entries))
	}
	if entries[0].Direction != sqlitestore.DirectionPull || entries[0].Zone != "notes:_self" {
		t.Errorf("first entry = %+v, want pull in notes:_self", entries[0])
	}
	if entries[1].Direction != sqlitestore.DirectionPush || entries[1].Zone != "" {
		t.Errorf("second entry = %+v, want push with no zone", entries[1])
	}
}

func TestFanOut(t *testing.T) {
	var first, second []engine.EventKind
	sink := FanOut(
		func(ev engine.Event) { first = append(first, ev.Kind) },
		nil,
		func(ev engine.Event) { second = append(second, ev.Kind) },
	)

	sink(engine.Event{Kind: engine.EventApplied})
	sink(engine.Event{Kind: engine.EventPushed})

	want := []engine.EventKind{engine.EventApplied, engine.EventPushed}
	for i, kind := range want {
		if first[i] != kind || second[i] != kind {
			t.Fatalf("sink %d missed %s", i, kind)
		}
	}
}

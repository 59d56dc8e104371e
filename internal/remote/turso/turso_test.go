package turso

import (
	"context"
	"database/sql"
	"io"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/lockstep-sync/lockstep/internal/record"
	"github.com/lockstep-sync/lockstep/internal/remote"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func openTestConn(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "remote.db")
	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	return conn
}

func openTestBackend(t *testing.T, cfg Config) *Backend {
	t.Helper()
	if cfg.Logger == nil {
		cfg.Logger = testLogger()
	}
	b := New(openTestConn(t), cfg)
	t.Cleanup(func() { _ = b.Close() })
	if err := b.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema() error = %v", err)
	}
	return b
}

func mustSaveZones(t *testing.T, b *Backend, scope record.Scope, zones ...record.ZoneID) {
	t.Helper()
	if err := b.SaveZones(context.Background(), scope, zones); err != nil {
		t.Fatalf("SaveZones() error = %v", err)
	}
}

func mkRec(zone record.ZoneID, name, recordType string, fields map[string]any) record.Record {
	return record.Record{
		Type:   recordType,
		ID:     record.ID{Name: name, Zone: zone},
		Fields: fields,
	}
}

// modifySync submits a batch and waits for the terminal result.
func modifySync(t *testing.T, b *Backend, scope record.Scope, save []record.Record, del []record.ID) remote.ModifyResult {
	t.Helper()
	ch := make(chan remote.ModifyResult, 1)
	_, err := b.ModifyRecords(context.Background(), scope, save, del, func(res remote.ModifyResult) {
		ch <- res
	})
	if err != nil {
		t.Fatalf("ModifyRecords() error = %v", err)
	}
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for modify result")
		return remote.ModifyResult{}
	}
}

func mustModify(t *testing.T, b *Backend, scope record.Scope, save []record.Record, del []record.ID) {
	t.Helper()
	if res := modifySync(t, b, scope, save, del); res.Err != nil {
		t.Fatalf("modify result error = %v", res.Err)
	}
}

func TestInitSchemaIdempotent(t *testing.T) {
	b := openTestBackend(t, Config{})
	if err := b.InitSchema(context.Background()); err != nil {
		t.Fatalf("second InitSchema() error = %v", err)
	}
}

func TestProtocolSeeded(t *testing.T) {
	b := openTestBackend(t, Config{})

	got, err := b.Protocol(context.Background())
	if err != nil {
		t.Fatalf("Protocol() error = %v", err)
	}
	if got != CurrentProtocol {
		t.Errorf("Protocol() = %s, want %s", got, CurrentProtocol)
	}
}

func TestSaveZonesIdempotent(t *testing.T) {
	b := openTestBackend(t, Config{})
	ctx := context.Background()
	zone := record.NewZoneID("notes")

	mustSaveZones(t, b, record.ScopePrivate, zone)

	// The cursor after the create sees nothing new from a repeat save.
	tok, err := b.DatabaseChanges(ctx, record.ScopePrivate, nil, remote.DatabaseChangesHandlers{})
	if err != nil {
		t.Fatalf("DatabaseChanges() error = %v", err)
	}

	mustSaveZones(t, b, record.ScopePrivate, zone)

	var changed int
	after, err := b.DatabaseChanges(ctx, record.ScopePrivate, tok, remote.DatabaseChangesHandlers{
		ZoneChanged: func(record.ZoneID) { changed++ },
	})
	if err != nil {
		t.Fatalf("DatabaseChanges() error = %v", err)
	}
	if changed != 0 {
		t.Errorf("repeat SaveZones produced %d zone changes, want 0", changed)
	}
	if !after.Equal(tok) {
		t.Errorf("token moved from %s to %s on a no-op save", tok, after)
	}
}

func TestSaveZonesValidation(t *testing.T) {
	b := openTestBackend(t, Config{})
	ctx := context.Background()

	err := b.SaveZones(ctx, record.Scope("bogus"), []record.ZoneID{record.NewZoneID("x")})
	if remote.CodeOf(err) != remote.CodeMalformed {
		t.Errorf("bad scope error = %v, want CodeMalformed", err)
	}
	err = b.SaveZones(ctx, record.ScopePrivate, []record.ZoneID{{}})
	if remote.CodeOf(err) != remote.CodeMalformed {
		t.Errorf("zero zone error = %v, want CodeMalformed", err)
	}
}

func TestDeleteZoneDropsRecords(t *testing.T) {
	b := openTestBackend(t, Config{})
	ctx := context.Background()
	zone := record.NewZoneID("notes")

	mustSaveZones(t, b, record.ScopePrivate, zone)
	mustModify(t, b, record.ScopePrivate, []record.Record{
		mkRec(zone, "n1", "Note", map[string]any{"title": "a"}),
	}, nil)

	tok, err := b.DatabaseChanges(ctx, record.ScopePrivate, nil, remote.DatabaseChangesHandlers{})
	if err != nil {
		t.Fatalf("DatabaseChanges() error = %v", err)
	}

	if err := b.DeleteZones(ctx, record.ScopePrivate, []record.ZoneID{zone}); err != nil {
		t.Fatalf("DeleteZones() error = %v", err)
	}

	var deleted []record.ZoneID
	if _, err := b.DatabaseChanges(ctx, record.ScopePrivate, tok, remote.DatabaseChangesHandlers{
		ZoneDeleted: func(z record.ZoneID) { deleted = append(deleted, z) },
	}); err != nil {
		t.Fatalf("DatabaseChanges() error = %v", err)
	}
	if len(deleted) != 1 || deleted[0] != zone {
		t.Errorf("ZoneDeleted fired for %v, want [%s]", deleted, zone)
	}

	// The zone feed now reports the zone as missing.
	var zoneErr error
	err = b.ZoneChanges(ctx, record.ScopePrivate, map[record.ZoneID]record.Token{zone: nil}, remote.ZoneChangesHandlers{
		ZoneResult: func(_ record.ZoneID, _ record.Token, err error) { zoneErr = err },
	})
	if err != nil {
		t.Fatalf("ZoneChanges() error = %v", err)
	}
	if !remote.IsZoneMissing(zoneErr) {
		t.Errorf("zone result after delete = %v, want CodeZoneMissing", zoneErr)
	}

	// Deleting again is a no-op.
	if err := b.DeleteZones(ctx, record.ScopePrivate, []record.ZoneID{zone}); err != nil {
		t.Fatalf("repeat DeleteZones() error = %v", err)
	}
}

func TestSaveSubscriptionReplaces(t *testing.T) {
	b := openTestBackend(t, Config{})
	ctx := context.Background()

	sub := remote.Subscription{ID: "private-changes", Scope: record.ScopePrivate, RecordTypes: []string{"Note"}}
	if err := b.SaveSubscription(ctx, record.ScopePrivate, sub); err != nil {
		t.Fatalf("SaveSubscription() error = %v", err)
	}
	sub.RecordTypes = []string{"Note", "Tag"}
	if err := b.SaveSubscription(ctx, record.ScopePrivate, sub); err != nil {
		t.Fatalf("repeat SaveSubscription() error = %v", err)
	}

	var n int
	if err := b.conn.QueryRow(`SELECT COUNT(*) FROM subscriptions`).Scan(&n); err != nil {
		t.Fatalf("count subscriptions: %v", err)
	}
	if n != 1 {
		t.Errorf("subscription rows = %d, want 1", n)
	}

	err := b.SaveSubscription(ctx, record.ScopePrivate, remote.Subscription{})
	if remote.CodeOf(err) != remote.CodeMalformed {
		t.Errorf("empty subscription error = %v, want CodeMalformed", err)
	}
}

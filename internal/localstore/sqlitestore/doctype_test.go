package sqlitestore

import (
	"testing"

	"github.com/lockstep-sync/lockstep/internal/record"
)

func TestDocTypeFromRecord(t *testing.T) {
	dt := NewDocType("notes", "Note")
	zone := record.NewZoneID("work")
	rec := record.Record{
		Type:   "Note",
		ID:     record.ID{Name: "n1", Zone: zone},
		Fields: map[string]any{"title": "hello"},
	}

	e, err := dt.FromRecord(rec)
	if err != nil {
		t.Fatalf("FromRecord() error = %v", err)
	}
	if e.PrimaryKey() != "n1" {
		t.Errorf("PrimaryKey() = %s, want n1", e.PrimaryKey())
	}
	if e.Tombstoned() {
		t.Error("fresh document is tombstoned")
	}

	back, err := e.ToRecord(zone)
	if err != nil {
		t.Fatalf("ToRecord() error = %v", err)
	}
	if back.Type != "Note" || back.ID != rec.ID {
		t.Errorf("round trip = %s %s, want %s %s", back.Type, back.ID, rec.Type, rec.ID)
	}
	if back.Fields["title"] != "hello" {
		t.Errorf("title = %v, want hello", back.Fields["title"])
	}
}

func TestDocTypeRejectsMismatchedRecordType(t *testing.T) {
	dt := NewDocType("notes", "Note")
	rec := record.Record{
		Type: "Task",
		ID:   record.ID{Name: "t1", Zone: record.NewZoneID("work")},
	}

	if _, err := dt.FromRecord(rec); err == nil {
		t.Fatal("FromRecord() accepted a mismatched record type")
	}
}

func TestDocTypeIdentityMapping(t *testing.T) {
	dt := NewDocType("notes", "Note")
	zone := record.NewZoneID("work")

	id := record.ID{Name: "n42", Zone: zone}
	pk := dt.PrimaryKeyForRecordID(id)
	if pk != "n42" {
		t.Errorf("PrimaryKeyForRecordID() = %s, want n42", pk)
	}
	if got := dt.RecordIDForPrimaryKey(pk, zone); got != id {
		t.Errorf("RecordIDForPrimaryKey() = %s, want %s", got, id)
	}
}

func TestDocumentCodecRoundTrip(t *testing.T) {
	dt := NewDocType("notes", "Note")
	codec := dt.Codec()

	doc := NewDocument(dt, map[string]any{"title": "x", "pinned": true})
	doc.Tomb = true

	payload, err := codec.Encode(doc)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	decoded, err := codec.Decode(doc.PK, true, payload)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	got, ok := decoded.(*Document)
	if !ok {
		t.Fatalf("Decode() returned %T, want *Document", decoded)
	}
	if !got.Tombstoned() {
		t.Error("tombstone flag lost in round trip")
	}
	if got.Fields["title"] != "x" || got.Fields["pinned"] != true {
		t.Errorf("fields = %v", got.Fields)
	}

	// A decoded document must still convert to its record type.
	rec, err := got.ToRecord(record.NewZoneID("work"))
	if err != nil {
		t.Fatalf("ToRecord() error = %v", err)
	}
	if rec.Type != "Note" {
		t.Errorf("record type = %s, want Note", rec.Type)
	}
}

func TestNewDocumentMintsOrderedNames(t *testing.T) {
	dt := NewDocType("notes", "Note")
	a := NewDocument(dt, nil)
	b := NewDocument(dt, nil)
	if a.PK == "" || b.PK == "" {
		t.Fatal("NewDocument() minted empty primary key")
	}
	if a.PK == b.PK {
		t.Fatal("NewDocument() minted duplicate primary keys")
	}
}

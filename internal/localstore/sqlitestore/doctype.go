package sqlitestore

import (
	"encoding/json"
	"fmt"
	"maps"

	"github.com/lockstep-sync/lockstep/internal/localstore"
	"github.com/lockstep-sync/lockstep/internal/record"
)

// DocType is a schemaless entity type driven by the entity manifest. A
// document's fields are stored as a JSON payload, so adding fields to a
// record type needs no local migration. The record name doubles as the
// primary key.
//
// JSON typing applies to round-tripped fields: numbers come back as
// float64, binary fields as base64 strings. The record field accessors
// handle both representations.
type DocType struct {
	name       string
	recordType string
}

// NewDocType builds a document type. name is the local entity type name,
// recordType the remote record type it maps to.
func NewDocType(name, recordType string) *DocType {
	return &DocType{name: name, recordType: recordType}
}

// Name implements localstore.EntityType.
func (t *DocType) Name() string { return t.name }

// RecordType implements localstore.EntityType.
func (t *DocType) RecordType() string { return t.recordType }

// FromRecord implements localstore.EntityType.
func (t *DocType) FromRecord(rec record.Record) (localstore.Entity, error) {
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid record: %w", err)
	}
	if rec.Type != t.recordType {
		return nil, fmt.Errorf("record type %q does not match document type %q", rec.Type, t.recordType)
	}
	doc := &Document{
		PK:         t.PrimaryKeyForRecordID(rec.ID),
		Fields:     make(map[string]any, len(rec.Fields)),
		recordType: t.recordType,
	}
	maps.Copy(doc.Fields, rec.Fields)
	return doc, nil
}

// PrimaryKeyForRecordID implements localstore.EntityType.
func (t *DocType) PrimaryKeyForRecordID(id record.ID) string {
	return id.Name
}

// RecordIDForPrimaryKey implements localstore.EntityType.
func (t *DocType) RecordIDForPrimaryKey(pk string, zone record.ZoneID) record.ID {
	return record.ID{Name: pk, Zone: zone}
}

// Codec returns the payload codec for documents of this type.
func (t *DocType) Codec() Codec {
	return Codec{
		Encode: func(e localstore.Entity) ([]byte, error) {
			doc, ok := e.(*Document)
			if !ok {
				return nil, fmt.Errorf("entity is %T, want *Document", e)
			}
			return json.Marshal(doc.Fields)
		},
		Decode: func(pk string, tombstoned bool, payload []byte) (localstore.Entity, error) {
			doc := &Document{
				PK:         pk,
				Tomb:       tombstoned,
				recordType: t.recordType,
			}
			if err := json.Unmarshal(payload, &doc.Fields); err != nil {
				return nil, fmt.Errorf("failed to decode document payload: %w", err)
			}
			if doc.Fields == nil {
				doc.Fields = make(map[string]any)
			}
			return doc, nil
		},
	}
}

// Document is the entity produced by a DocType.
type Document struct {
	PK     string
	Tomb   bool
	Fields map[string]any

	recordType string
}

// NewDocument builds a fresh document of the given type with a minted
// record name as its primary key.
func NewDocument(t *DocType, fields map[string]any) *Document {
	doc := &Document{
		PK:         record.NewName(),
		Fields:     make(map[string]any, len(fields)),
		recordType: t.recordType,
	}
	maps.Copy(doc.Fields, fields)
	return doc
}

// PrimaryKey implements localstore.Entity.
func (d *Document) PrimaryKey() string { return d.PK }

// Tombstoned implements localstore.Entity.
func (d *Document) Tombstoned() bool { return d.Tomb }

// ToRecord implements localstore.Entity.
func (d *Document) ToRecord(zone record.ZoneID) (record.Record, error) {
	if d.recordType == "" {
		return record.Record{}, fmt.Errorf("document %s has no record type", d.PK)
	}
	rec := record.Record{
		Type:   d.recordType,
		ID:     record.ID{Name: d.PK, Zone: zone},
		Fields: make(map[string]any, len(d.Fields)),
	}
	maps.Copy(rec.Fields, d.Fields)
	return rec, nil
}

// Set assigns a field value and returns the document for chaining.
func (d *Document) Set(key string, value any) *Document {
	if d.Fields == nil {
		d.Fields = make(map[string]any)
	}
	d.Fields[key] = value
	return d
}

// Get reads a raw field value.
func (d *Document) Get(key string) (any, bool) {
	v, ok := d.Fields[key]
	return v, ok
}

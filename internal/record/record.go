// Package record defines the wire model exchanged with the remote record
// store: records, record identifiers, zones, scopes, and change tokens.
//
// A Record is an immutable snapshot of one local entity instance as the
// remote side sees it. Records never mutate in place; the engine builds a
// fresh Record for every push and treats every fetched Record as read-only.
package record

import (
	"fmt"
	"strings"
	"time"
)

// Scope identifies which remote database a zone lives in.
type Scope string

const (
	// ScopePrivate is the caller-exclusive database: one zone per entity
	// type, readable and writable only by the owning tenant.
	ScopePrivate Scope = "private"

	// ScopeShared is the database holding zones other tenants have shared
	// with this one. Zones arrive with foreign owners.
	ScopeShared Scope = "shared"

	// ScopePublic is the world-readable database. It has no change-token
	// feed; consumers page through queries instead.
	ScopePublic Scope = "public"
)

// String returns the scope name.
func (s Scope) String() string { return string(s) }

// Valid reports whether s is one of the three known scopes.
func (s Scope) Valid() bool {
	switch s {
	case ScopePrivate, ScopeShared, ScopePublic:
		return true
	}
	return false
}

// DefaultOwner is the owner tag for zones the local tenant owns itself.
const DefaultOwner = "_self"

// ZoneID names one partition of the remote store. A zone owns exactly one
// change-token cursor. Two ZoneIDs are the same zone iff both fields match.
type ZoneID struct {
	// Name is the zone name, unique per owner.
	Name string

	// Owner is the tenant that owns the zone. DefaultOwner for zones the
	// local tenant created; a foreign tenant id for shared zones.
	Owner string
}

// NewZoneID returns a self-owned zone id.
func NewZoneID(name string) ZoneID {
	return ZoneID{Name: name, Owner: DefaultOwner}
}

// String renders the zone as "name:owner", the form used for persistence
// keys and logging.
func (z ZoneID) String() string {
	return z.Name + ":" + z.Owner
}

// IsZero reports whether the zone id is unset.
func (z ZoneID) IsZero() bool { return z.Name == "" && z.Owner == "" }

// ParseZoneID parses the "name:owner" form produced by String.
func ParseZoneID(s string) (ZoneID, error) {
	name, owner, ok := strings.Cut(s, ":")
	if !ok || name == "" || owner == "" {
		return ZoneID{}, fmt.Errorf("malformed zone id %q", s)
	}
	return ZoneID{Name: name, Owner: owner}, nil
}

// ID identifies one record. Names are unique within their zone; the pair
// (Name, Zone) is globally unique.
type ID struct {
	// Name is the record name within the zone.
	Name string

	// Zone is the partition the record lives in.
	Zone ZoneID
}

// String renders the id as "zone/name".
func (id ID) String() string {
	return id.Zone.String() + "/" + id.Name
}

// IsZero reports whether the id is unset.
func (id ID) IsZero() bool { return id.Name == "" && id.Zone.IsZero() }

// AssetRef points at a large binary held by the asset collaborator rather
// than inline in the record. The engine only ever deletes assets by key;
// upload and download belong to the collaborator.
type AssetRef struct {
	// Key is the collaborator's storage key, conventionally the record name.
	Key string `json:"key"`
}

// Record is the remote representation of one local entity instance: a typed
// bag of field values plus asset references, addressed by ID.
type Record struct {
	// Type tags which entity type the record carries.
	Type string

	// ID is the record's globally unique identifier.
	ID ID

	// Fields holds the record's field values. Supported value kinds are
	// string, int64, float64, bool, time.Time and []byte; anything else is
	// the producer's bug and will fail conversion on the consuming side.
	Fields map[string]any

	// Assets lists large binaries referenced by the record.
	Assets []AssetRef
}

// Clone returns a deep copy of the record. Fetched records are shared
// between pipeline stages, so anything that wants to hold one past the
// callback must clone it.
func (r Record) Clone() Record {
	out := r
	if r.Fields != nil {
		out.Fields = make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			if b, ok := v.([]byte); ok {
				cp := make([]byte, len(b))
				copy(cp, b)
				out.Fields[k] = cp
				continue
			}
			out.Fields[k] = v
		}
	}
	if r.Assets != nil {
		out.Assets = make([]AssetRef, len(r.Assets))
		copy(out.Assets, r.Assets)
	}
	return out
}

// Validate checks that the record is complete enough to exchange.
func (r Record) Validate() error {
	if r.Type == "" {
		return fmt.Errorf("record type is required")
	}
	if r.ID.Name == "" {
		return fmt.Errorf("record name is required")
	}
	if r.ID.Zone.IsZero() {
		return fmt.Errorf("record zone is required")
	}
	return nil
}

// StringField returns a string field value, or "" when absent or mistyped.
func (r Record) StringField(key string) string {
	s, _ := r.Fields[key].(string)
	return s
}

// IntField returns an integer field value. Accepts int and int64 producers.
func (r Record) IntField(key string) int64 {
	switch v := r.Fields[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// FloatField returns a float field value, or 0 when absent or mistyped.
func (r Record) FloatField(key string) float64 {
	switch v := r.Fields[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

// BoolField returns a boolean field value, or false when absent or mistyped.
func (r Record) BoolField(key string) bool {
	b, _ := r.Fields[key].(bool)
	return b
}

// TimeField returns a time field value. Accepts time.Time and RFC 3339
// strings, the two forms backends produce.
func (r Record) TimeField(key string) time.Time {
	switch v := r.Fields[key].(type) {
	case time.Time:
		return v
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		if err == nil {
			return t
		}
	}
	return time.Time{}
}

// BytesField returns a []byte field value, or nil when absent or mistyped.
func (r Record) BytesField(key string) []byte {
	b, _ := r.Fields[key].([]byte)
	return b
}

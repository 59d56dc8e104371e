// Package manifest loads the entity manifest, the TOML file that binds
// local entity types to remote record types and zones.
//
// Block order in the file is meaningful: when buffered private-scope
// changes are applied, entity types are processed in manifest order, so
// parent types should be listed before the types that reference them.
package manifest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/lockstep-sync/lockstep/internal/record"
)

// CurrentVersion is the manifest format version this build reads.
const CurrentVersion = 1

// Entity is one [[entity]] block.
type Entity struct {
	// Name is the local entity type name, unique within the manifest.
	Name string `toml:"name"`

	// RecordType is the remote record type this entity maps to, unique
	// within the manifest.
	RecordType string `toml:"record_type"`

	// Zone is the zone name records of this type live in. Defaults to
	// Name. Shared-scope entities ignore it; their zones arrive from the
	// remote with foreign owners.
	Zone string `toml:"zone,omitempty"`

	// Scope is one of private, shared, public.
	Scope string `toml:"scope"`
}

// ZoneID returns the self-owned zone this entity's records are written
// to.
func (e Entity) ZoneID() record.ZoneID {
	name := e.Zone
	if name == "" {
		name = e.Name
	}
	return record.NewZoneID(name)
}

// ScopeValue returns the parsed scope.
func (e Entity) ScopeValue() record.Scope {
	return record.Scope(e.Scope)
}

// Manifest is the parsed manifest file. Entities preserves file order.
type Manifest struct {
	Version  int      `toml:"version"`
	Entities []Entity `toml:"entity"`
}

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	return m, nil
}

// Parse decodes and validates manifest TOML.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks version, uniqueness and scopes.
func (m *Manifest) Validate() error {
	if m.Version != CurrentVersion {
		return fmt.Errorf("unsupported manifest version %d (want %d)", m.Version, CurrentVersion)
	}
	if len(m.Entities) == 0 {
		return fmt.Errorf("manifest declares no entities")
	}

	names := make(map[string]bool, len(m.Entities))
	recordTypes := make(map[string]bool, len(m.Entities))
	for i, e := range m.Entities {
		if e.Name == "" {
			return fmt.Errorf("entity %d has no name", i)
		}
		if e.RecordType == "" {
			return fmt.Errorf("entity %s has no record_type", e.Name)
		}
		if names[e.Name] {
			return fmt.Errorf("duplicate entity name %s", e.Name)
		}
		if recordTypes[e.RecordType] {
			return fmt.Errorf("record type %s is bound to more than one entity", e.RecordType)
		}
		if !e.ScopeValue().Valid() {
			return fmt.Errorf("entity %s has invalid scope %q", e.Name, e.Scope)
		}
		names[e.Name] = true
		recordTypes[e.RecordType] = true
	}
	return nil
}

// Write renders the manifest to path, creating parent directories.
func (m *Manifest) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create manifest directory: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("# Entity manifest. Block order is apply order.\n\n")
	if err := toml.NewEncoder(&buf).Encode(m); err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// ForScope returns the entities bound to scope, in manifest order.
func (m *Manifest) ForScope(scope record.Scope) []Entity {
	var out []Entity
	for _, e := range m.Entities {
		if e.ScopeValue() == scope {
			out = append(out, e)
		}
	}
	return out
}

// TypeOrder returns entity names in manifest order, the order buffered
// changes are applied in.
func (m *Manifest) TypeOrder() []string {
	out := make([]string, len(m.Entities))
	for i, e := range m.Entities {
		out[i] = e.Name
	}
	return out
}

// ByName looks an entity up by local type name.
func (m *Manifest) ByName(name string) (Entity, bool) {
	for _, e := range m.Entities {
		if e.Name == name {
			return e, true
		}
	}
	return Entity{}, false
}

// ByRecordType looks an entity up by remote record type.
func (m *Manifest) ByRecordType(recordType string) (Entity, bool) {
	for _, e := range m.Entities {
		if e.RecordType == recordType {
			return e, true
		}
	}
	return Entity{}, false
}

// Default returns the manifest scaffolded by init: one private document
// type.
func Default() *Manifest {
	return &Manifest{
		Version: CurrentVersion,
		Entities: []Entity{
			{Name: "documents", RecordType: "Document", Scope: string(record.ScopePrivate)},
		},
	}
}

package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/lockstep-sync/lockstep/internal/localstore"
	"github.com/lockstep-sync/lockstep/internal/localstore/sqlitestore"
	"github.com/lockstep-sync/lockstep/internal/manifest"
	"github.com/lockstep-sync/lockstep/internal/record"
)

// importRecord is one entry in an import file: the entity type to write,
// an optional primary key (minted when absent), an optional mint timestamp
// for replayed data, and the field payload.
type importRecord struct {
	Type   string         `json:"type"`
	Name   string         `json:"name,omitempty"`
	At     time.Time      `json:"at,omitempty"`
	Fields map[string]any `json:"fields"`
}

// Importer turns JSON record files into local entities. Writes go through
// a normal store transaction with no excluded observers, so the engine
// sees each import as a local change and pushes it out.
type Importer struct {
	store    *sqlitestore.Store
	manifest *manifest.Manifest
	types    map[string]localstore.EntityType
	logger   *log.Logger
}

// NewImporter creates an importer over the store, resolving entity names
// through the manifest and constructing entities through types.
func NewImporter(store *sqlitestore.Store, m *manifest.Manifest, types []localstore.EntityType, logger *log.Logger) (*Importer, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if m == nil {
		return nil, fmt.Errorf("manifest cannot be nil")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[import] ", log.LstdFlags)
	}

	byName := make(map[string]localstore.EntityType, len(types))
	for _, t := range types {
		byName[t.Name()] = t
	}

	return &Importer{
		store:    store,
		manifest: m,
		types:    byName,
		logger:   logger,
	}, nil
}

// ImportFile imports every record in one JSON file, atomically. The file
// holds either a single record object or an array of them. Records naming
// unknown entity types or failing conversion are logged and skipped; any
// write failure aborts the whole file.
//
// Returns how many records were imported.
func (imp *Importer) ImportFile(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read import file: %w", err)
	}

	recs, err := decodeImportFile(data)
	if err != nil {
		return 0, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}

	return imp.importAll(ctx, filepath.Base(path), recs)
}

// ImportDir imports every *.json file in dir, in lexical order. The files
// are left in place.
func (imp *Importer) ImportDir(ctx context.Context, dir string) (int, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return 0, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	total := 0
	for _, path := range paths {
		n, err := imp.ImportFile(ctx, path)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// importAll writes the records in one transaction and logs each one to the
// sync audit log after the commit.
func (imp *Importer) importAll(ctx context.Context, source string, recs []importRecord) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	tx, err := imp.store.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin import transaction: %w", err)
	}
	defer tx.Rollback()

	imported := make([]sqlitestore.LogEntry, 0, len(recs))
	for i, r := range recs {
		ent, ok := imp.manifest.ByName(r.Type)
		if !ok {
			imp.logger.Printf("Warning: %s record %d names unknown entity type %q, skipping", source, i, r.Type)
			continue
		}
		typ, ok := imp.types[r.Type]
		if !ok {
			imp.logger.Printf("Warning: entity type %q has no registered implementation, skipping", r.Type)
			continue
		}

		name := r.Name
		if name == "" {
			if r.At.IsZero() {
				name = record.NewName()
			} else {
				name = record.NewNameAt(r.At)
			}
		}

		entity, err := typ.FromRecord(record.Record{
			Type:   ent.RecordType,
			ID:     record.ID{Name: name, Zone: ent.ZoneID()},
			Fields: r.Fields,
		})
		if err != nil {
			imp.logger.Printf("Warning: %s record %d is invalid, skipping: %v", source, i, err)
			continue
		}

		if err := tx.Upsert(r.Type, entity); err != nil {
			return 0, fmt.Errorf("failed to upsert %s %s: %w", r.Type, entity.PrimaryKey(), err)
		}
		imported = append(imported, sqlitestore.LogEntry{
			Direction: sqlitestore.DirectionLocal,
			Action:    sqlitestore.ActionUpsert,
			Type:      r.Type,
			PK:        entity.PrimaryKey(),
			Zone:      ent.ZoneID().String(),
			Detail:    "imported from " + source,
		})
	}

	if len(imported) == 0 {
		return 0, nil
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit import: %w", err)
	}

	// The audit log is advisory; a failed entry never unwinds the import.
	for _, e := range imported {
		if err := imp.store.AppendLog(ctx, e); err != nil {
			imp.logger.Printf("Warning: failed to record import of %s %s: %v", e.Type, e.PK, err)
		}
	}
	return len(imported), nil
}

// decodeImportFile accepts a single record object or an array of them.
func decodeImportFile(data []byte) ([]importRecord, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("file is empty")
	}

	if trimmed[0] == '[' {
		var recs []importRecord
		if err := json.Unmarshal(trimmed, &recs); err != nil {
			return nil, err
		}
		return recs, nil
	}

	var rec importRecord
	if err := json.Unmarshal(trimmed, &rec); err != nil {
		return nil, err
	}
	return []importRecord{rec}, nil
}

// Package localstore defines the contract the sync engine consumes from the
// local persistent object store: typed entities, transactional writes that
// can suppress chosen observers, and change observation over order-stable
// collection snapshots.
//
// The engine only ever sees these interfaces. The shipping implementation
// is internal/localstore/sqlitestore; tests may substitute anything that
// honors the contracts below.
//
// # Observation contract
//
// Observers registered for an entity type receive one ChangeSet per
// committed transaction that touched that type, in commit order, on a
// dispatch goroutine owned by the store. Each ChangeSet carries its own
// point-in-time collection snapshot; index sets refer to that snapshot.
// A transaction's excluded observers never hear about that transaction;
// this is how the engine applies remote changes without echoing them back
// out as local mutations.
package localstore

import (
	"context"
	"errors"

	"github.com/lockstep-sync/lockstep/internal/record"
)

// ErrNotFound is returned by Get when no entity has the given primary key.
var ErrNotFound = errors.New("entity not found")

// ErrUnknownType is returned when an operation names an entity type that
// was never registered with the store.
var ErrUnknownType = errors.New("unknown entity type")

// Entity is one local object instance. Implementations are plain value
// holders; all persistence goes through the Store.
type Entity interface {
	// PrimaryKey returns the entity's stable identity within its type.
	PrimaryKey() string

	// Tombstoned reports whether the entity is soft-deleted. Tombstoned
	// entities propagate deletions outward and are excluded from every
	// outbound push; CleanUp purges them.
	Tombstoned() bool

	// ToRecord converts the entity to its remote record form in the given
	// zone. The returned record is a fresh snapshot owned by the caller.
	ToRecord(zone record.ZoneID) (record.Record, error)
}

// EntityType describes one local entity type: its names and the conversion
// capability set pairing it with a remote record type. Exactly one
// reconciler binds each EntityType to one zone.
type EntityType interface {
	// Name is the local collection name, unique within the store.
	Name() string

	// RecordType is the remote record type tag this entity type maps to.
	RecordType() string

	// FromRecord constructs an entity from a fetched record. A failure
	// here marks the record malformed; the caller logs and skips it.
	FromRecord(rec record.Record) (Entity, error)

	// PrimaryKeyForRecordID derives the local primary key a record id maps
	// to. Deterministic: the same id always yields the same key.
	PrimaryKeyForRecordID(id record.ID) string

	// RecordIDForPrimaryKey is the inverse mapping, producing the record
	// id an entity with the given key corresponds to in the given zone.
	RecordIDForPrimaryKey(pk string, zone record.ZoneID) record.ID
}

// ChangeSet describes one committed transaction's effect on one entity
// type. Collection is the post-commit snapshot ordered by primary key;
// Inserted and Modified index into it. Deleted holds the primary keys of
// hard-deleted entities (purges), which no longer appear in the snapshot.
type ChangeSet struct {
	Type       string
	Collection []Entity
	Inserted   []int
	Modified   []int
	Deleted    []string
}

// ObserverFunc consumes change sets. It runs on the observer's dispatch
// goroutine; blocking here delays later notifications for this observer
// only.
type ObserverFunc func(ChangeSet)

// Observer is a registered change-observation handle. Pass it to Begin's
// exclude list to keep a transaction's effects out of its deliveries.
type Observer interface {
	// Close unregisters the observer and stops its dispatch goroutine.
	Close()
}

// Tx is one atomic write transaction. Entities written through a Tx become
// visible, and observers fire, only after Commit returns nil.
type Tx interface {
	// Upsert writes the entity by primary key, overwriting any existing
	// match in full (last write wins).
	Upsert(typeName string, e Entity) error

	// Delete hard-deletes the entity. Absent keys are a no-op.
	Delete(typeName, pk string) error

	// PurgeTombstones hard-deletes every tombstoned entity of the type,
	// returning how many went away.
	PurgeTombstones(typeName string) (int, error)

	// Commit makes the transaction durable and notifies observers.
	Commit() error

	// Rollback abandons the transaction. Safe to call after Commit.
	Rollback() error
}

// Store is the local persistent object store as the engine consumes it.
type Store interface {
	// Begin opens a write transaction. Observers in exclude are not
	// notified of this transaction's effects.
	Begin(ctx context.Context, exclude ...Observer) (Tx, error)

	// Observe registers fn for change sets on the named type.
	Observe(typeName string, fn ObserverFunc) (Observer, error)

	// Get fetches one entity by primary key. Returns ErrNotFound when the
	// key is absent (tombstoned entities are still present).
	Get(ctx context.Context, typeName, pk string) (Entity, error)

	// List returns the type's collection ordered by primary key.
	// Tombstoned entities are included only when includeTombstoned is set.
	List(ctx context.Context, typeName string, includeTombstoned bool) ([]Entity, error)

	// Count reports how many entities of the type exist, tombstoned
	// included.
	Count(ctx context.Context, typeName string) (int, error)
}

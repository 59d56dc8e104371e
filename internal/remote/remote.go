// Package remote defines the contract the sync engine consumes from the
// remote record store, together with the server-driven error model and the
// outcome classification the fetch and push pipelines dispatch on.
//
// The engine never owns a wire format. Implementations adapt a concrete
// backend (internal/remote/turso speaks to a libsql database; tests use
// internal/remote/remotetest) to this interface and translate backend
// failures into *Error values so classification stays uniform.
//
// # Completion delivery
//
// Change-feed calls deliver incremental events through handler structs and
// finish with a terminal outcome. Handlers are invoked on an arbitrary
// goroutine owned by the implementation; callers must re-marshal onto
// whatever context owns their state. A handler must not call back into the
// Database that invoked it.
package remote

import (
	"context"

	"github.com/lockstep-sync/lockstep/internal/record"
)

// OperationID identifies a durable remote write operation. Durable
// operations outlive the submitting process; a later process enumerates
// them with PendingOperations and re-attaches completion handlers.
type OperationID string

// OperationKind tags what a pending operation does.
type OperationKind string

const (
	// OpModify is a record save/delete batch: the only kind the engine
	// re-attaches to after a restart.
	OpModify OperationKind = "modify"

	// OpFetch is a change-feed fetch. Lost on process death; never resumed.
	OpFetch OperationKind = "fetch"

	// OpQuery is a paged query. Lost on process death; never resumed.
	OpQuery OperationKind = "query"
)

// OperationRef describes one pending durable operation.
type OperationRef struct {
	ID   OperationID
	Kind OperationKind
}

// ModifyResult reports the terminal outcome of a ModifyRecords operation.
type ModifyResult struct {
	// Saved and Deleted count the records the server accepted.
	Saved   int
	Deleted int

	// Err is the terminal error, nil on full success. Feed it through
	// Classify like any other remote error.
	Err error
}

// DatabaseChangesHandlers receives incremental events from a database-level
// change-feed request.
type DatabaseChangesHandlers struct {
	// ZoneChanged fires for each zone the feed reports as having new
	// record changes.
	ZoneChanged func(zone record.ZoneID)

	// ZoneDeleted fires for each zone deleted server-side.
	ZoneDeleted func(zone record.ZoneID)

	// TokenUpdated fires zero or more times mid-flight with a checkpoint
	// token. Persisting these immediately means a crash mid-fetch resumes
	// from the checkpoint instead of replaying the whole zone list.
	TokenUpdated func(tok record.Token)
}

// ZoneChangesHandlers receives incremental events from a zone-level
// change-feed request covering one or more zones.
type ZoneChangesHandlers struct {
	// RecordChanged fires once per created or updated record.
	RecordChanged func(rec record.Record)

	// RecordDeleted fires once per deleted record. recordType is the type
	// tag the record carried when it was saved; dispatch matches on the
	// id's zone, the type is informational.
	RecordDeleted func(id record.ID, recordType string)

	// TokenUpdated fires mid-flight with a per-zone checkpoint token.
	TokenUpdated func(zone record.ZoneID, tok record.Token)

	// ZoneResult fires exactly once per requested zone with that zone's
	// terminal outcome and final token. A zone may fail (its token expired,
	// say) while the other zones in the batch succeed.
	ZoneResult func(zone record.ZoneID, final record.Token, err error)
}

// QueryCursor is an opaque continuation cursor for paged public queries.
// The zero value requests the first page.
type QueryCursor string

// QueryPage is one page of a public-scope query.
type QueryPage struct {
	Records []record.Record

	// Next is the continuation cursor; empty means the query is exhausted.
	Next QueryCursor
}

// Subscription asks the remote side to send change notifications for the
// given record types. The notification payload and transport belong to the
// collaborator; the engine only registers interest and flags completion.
type Subscription struct {
	ID          string
	Scope       record.Scope
	RecordTypes []string
}

// Database is the remote record store as the engine consumes it. One value
// serves all three scopes; scope is a parameter, not a separate client,
// because backends multiplex scopes over one connection.
type Database interface {
	// Protocol returns the backend's protocol version as a semver string
	// ("v1.4.0"). The engine refuses to start against a higher major
	// version than it was built for.
	Protocol(ctx context.Context) (string, error)

	// DatabaseChanges runs a database-level change-feed request seeded with
	// since (zero token = from the beginning). Incremental events arrive on
	// h; on success the returned token is the feed's new position.
	DatabaseChanges(ctx context.Context, scope record.Scope, since record.Token, h DatabaseChangesHandlers) (record.Token, error)

	// ZoneChanges runs one batched zone-level change-feed request across
	// all zones in since. Per-zone outcomes arrive on h.ZoneResult; the
	// returned error is the request-level terminal outcome (transport
	// failure, rate limit) and nil whenever per-zone results were
	// delivered, even if some zones failed.
	ZoneChanges(ctx context.Context, scope record.Scope, since map[record.ZoneID]record.Token, h ZoneChangesHandlers) error

	// SaveZones creates the given zones in one batch. Creating a zone that
	// already exists is not an error.
	SaveZones(ctx context.Context, scope record.Scope, zones []record.ZoneID) error

	// DeleteZones deletes the given zones and every record in them.
	DeleteZones(ctx context.Context, scope record.Scope, zones []record.ZoneID) error

	// Query fetches one page of records of recordType from the public
	// database. Pass the previous page's Next cursor to continue; the zero
	// cursor starts over. limit caps the page size (0 = server default).
	Query(ctx context.Context, scope record.Scope, recordType string, cursor QueryCursor, limit int) (QueryPage, error)

	// ModifyRecords submits a durable write operation saving and deleting
	// the given records. done fires exactly once with the terminal result,
	// possibly after this call returns. The returned id can be re-attached
	// by a later process via AttachOperation.
	ModifyRecords(ctx context.Context, scope record.Scope, save []record.Record, del []record.ID, done func(ModifyResult)) (OperationID, error)

	// PendingOperations enumerates durable operations the server still
	// considers unfinished for this tenant.
	PendingOperations(ctx context.Context) ([]OperationRef, error)

	// AttachOperation re-binds a completion handler to a pending durable
	// operation. Attaching to an id that already has a live handler in
	// this process is a host-fatal programming error; callers must
	// deduplicate (see engine.OperationResumer). Returns an error when the
	// operation is unknown or already finished, in which case done never
	// fires.
	AttachOperation(ctx context.Context, id OperationID, done func(ModifyResult)) error

	// SaveSubscription registers a change-notification subscription.
	// Saving a subscription id that already exists is not an error.
	SaveSubscription(ctx context.Context, scope record.Scope, sub Subscription) error
}

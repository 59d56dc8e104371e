// Package remotetest provides a scriptable in-memory remote.Database for
// tests. Scripts are consumed one per call in FIFO order; once a method's
// script queue is empty the fake answers with a benign default (no
// changes, success), so tests only script the calls they care about.
//
// Every call is journaled with the arguments the engine passed, which is
// how tests assert on token seeding, batch contents and call counts.
package remotetest

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/lockstep-sync/lockstep/internal/record"
	"github.com/lockstep-sync/lockstep/internal/remote"
)

// DatabaseScript drives one DatabaseChanges call.
type DatabaseScript struct {
	// TokenUpdates are mid-flight checkpoint tokens, delivered in order
	// before the terminal outcome.
	TokenUpdates []record.Token

	// ChangedZones and DeletedZones are delivered as zone events.
	ChangedZones []record.ZoneID
	DeletedZones []record.ZoneID

	// Final is the token returned on success.
	Final record.Token

	// Err is the terminal outcome; nil means success.
	Err error

	// Gate, when non-nil, blocks the call after event delivery until the
	// channel closes. Lets tests overlap concurrent calls.
	Gate <-chan struct{}
}

// Deletion is one deleted-record event.
type Deletion struct {
	ID   record.ID
	Type string
}

// ZoneDelta drives the events for one zone inside a ZoneChanges call.
type ZoneDelta struct {
	TokenUpdates []record.Token
	Changed      []record.Record
	Deleted      []Deletion

	// Final is the zone's terminal token, delivered with ZoneResult.
	Final record.Token

	// Err is the zone's terminal outcome; nil means success.
	Err error
}

// ZoneScript drives one ZoneChanges call.
type ZoneScript struct {
	// Zones maps requested zones to their deltas. Requested zones with no
	// entry get an empty success result echoing the request token.
	Zones map[record.ZoneID]ZoneDelta

	// Err is the request-level terminal outcome.
	Err error
}

// QueryScript drives one Query call for one record type.
type QueryScript struct {
	Page remote.QueryPage
	Err  error
}

// ModifyScript drives one ModifyRecords call.
type ModifyScript struct {
	// SubmitErr is returned by the call itself; the operation never starts.
	SubmitErr error

	// Result is delivered through the done callback. Delivery is
	// synchronous unless Hold is set.
	Result remote.ModifyResult

	// Hold suppresses the done callback; the test fires it later through
	// the journaled ModifyCall.
	Hold bool
}

// DatabaseCall journals one DatabaseChanges invocation.
type DatabaseCall struct {
	Scope record.Scope
	Since record.Token
}

// ZoneCall journals one ZoneChanges invocation.
type ZoneCall struct {
	Scope record.Scope
	Since map[record.ZoneID]record.Token
}

// QueryCall journals one Query invocation.
type QueryCall struct {
	Scope      record.Scope
	RecordType string
	Cursor     remote.QueryCursor
	Limit      int
}

// ModifyCall journals one ModifyRecords invocation.
type ModifyCall struct {
	ID     remote.OperationID
	Scope  record.Scope
	Save   []record.Record
	Delete []record.ID

	// Done is the caller's completion callback, retained so held results
	// can be delivered by the test.
	Done func(remote.ModifyResult)
}

// Fake is a scriptable remote.Database. The zero value is not usable;
// call New.
type Fake struct {
	mu sync.Mutex

	// ProtocolVersion is what Protocol returns. Defaults to "v1.0.0".
	ProtocolVersion string
	protocolErr     error

	databaseScripts []DatabaseScript
	zoneScripts     []ZoneScript
	queryScripts    map[string][]QueryScript
	modifyScripts   []ModifyScript
	saveZoneErrs    []error
	pendingOps      []remote.OperationRef
	pendingErr      error
	attachErrs      map[remote.OperationID]error
	attachResults   map[remote.OperationID]remote.ModifyResult

	DatabaseCalls   []DatabaseCall
	ZoneCalls       []ZoneCall
	QueryCalls      []QueryCall
	ModifyCalls     []ModifyCall
	SaveZoneCalls   [][]record.ZoneID
	DeleteZoneCalls [][]record.ZoneID
	Attaches        []remote.OperationID
	Subscriptions   []remote.Subscription
}

// New returns an empty fake answering every call with success defaults.
func New() *Fake {
	return &Fake{
		ProtocolVersion: "v1.0.0",
		queryScripts:    make(map[string][]QueryScript),
		attachErrs:      make(map[remote.OperationID]error),
		attachResults:   make(map[remote.OperationID]remote.ModifyResult),
	}
}

// ScriptProtocolError makes Protocol fail.
func (f *Fake) ScriptProtocolError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.protocolErr = err
}

// ScriptDatabase queues a DatabaseChanges script.
func (f *Fake) ScriptDatabase(s DatabaseScript) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.databaseScripts = append(f.databaseScripts, s)
}

// ScriptZones queues a ZoneChanges script.
func (f *Fake) ScriptZones(s ZoneScript) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.zoneScripts = append(f.zoneScripts, s)
}

// ScriptQuery queues a Query script for recordType.
func (f *Fake) ScriptQuery(recordType string, s QueryScript) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryScripts[recordType] = append(f.queryScripts[recordType], s)
}

// ScriptModify queues a ModifyRecords script.
func (f *Fake) ScriptModify(s ModifyScript) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modifyScripts = append(f.modifyScripts, s)
}

// ScriptSaveZonesError queues an error for the next SaveZones call.
func (f *Fake) ScriptSaveZonesError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saveZoneErrs = append(f.saveZoneErrs, err)
}

// ScriptPending sets the operations PendingOperations returns.
func (f *Fake) ScriptPending(refs ...remote.OperationRef) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pendingOps = refs
}

// ScriptPendingError makes PendingOperations fail.
func (f *Fake) ScriptPendingError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pendingErr = err
}

// ScriptAttachError makes AttachOperation fail for the given id.
func (f *Fake) ScriptAttachError(id remote.OperationID, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachErrs[id] = err
}

// ScriptAttachResult sets the result delivered when id is attached.
func (f *Fake) ScriptAttachResult(id remote.OperationID, res remote.ModifyResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attachResults[id] = res
}

// Protocol implements remote.Database.
func (f *Fake) Protocol(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.protocolErr != nil {
		return "", f.protocolErr
	}
	return f.ProtocolVersion, nil
}

// DatabaseChanges implements remote.Database.
func (f *Fake) DatabaseChanges(ctx context.Context, scope record.Scope, since record.Token, h remote.DatabaseChangesHandlers) (record.Token, error) {
	f.mu.Lock()
	var script DatabaseScript
	if len(f.databaseScripts) > 0 {
		script = f.databaseScripts[0]
		f.databaseScripts = f.databaseScripts[1:]
	} else {
		script = DatabaseScript{Final: since}
	}
	f.DatabaseCalls = append(f.DatabaseCalls, DatabaseCall{Scope: scope, Since: cloneToken(since)})
	f.mu.Unlock()

	for _, tok := range script.TokenUpdates {
		if h.TokenUpdated != nil {
			h.TokenUpdated(tok)
		}
	}
	for _, z := range script.ChangedZones {
		if h.ZoneChanged != nil {
			h.ZoneChanged(z)
		}
	}
	for _, z := range script.DeletedZones {
		if h.ZoneDeleted != nil {
			h.ZoneDeleted(z)
		}
	}
	if script.Gate != nil {
		<-script.Gate
	}
	if script.Err != nil {
		return nil, script.Err
	}
	return script.Final, nil
}

// ZoneChanges implements remote.Database.
func (f *Fake) ZoneChanges(ctx context.Context, scope record.Scope, since map[record.ZoneID]record.Token, h remote.ZoneChangesHandlers) error {
	f.mu.Lock()
	var script ZoneScript
	if len(f.zoneScripts) > 0 {
		script = f.zoneScripts[0]
		f.zoneScripts = f.zoneScripts[1:]
	}
	call := ZoneCall{Scope: scope, Since: make(map[record.ZoneID]record.Token, len(since))}
	for z, tok := range since {
		call.Since[z] = cloneToken(tok)
	}
	f.ZoneCalls = append(f.ZoneCalls, call)
	f.mu.Unlock()

	if script.Err != nil {
		return script.Err
	}

	// Deterministic delivery order keeps ordering assertions stable.
	zones := make([]record.ZoneID, 0, len(since))
	for z := range since {
		zones = append(zones, z)
	}
	sort.Slice(zones, func(i, j int) bool { return zones[i].String() < zones[j].String() })

	for _, zone := range zones {
		tok := since[zone]
		delta, ok := script.Zones[zone]
		if !ok {
			if h.ZoneResult != nil {
				h.ZoneResult(zone, tok, nil)
			}
			continue
		}
		for _, t := range delta.TokenUpdates {
			if h.TokenUpdated != nil {
				h.TokenUpdated(zone, t)
			}
		}
		for _, rec := range delta.Changed {
			if h.RecordChanged != nil {
				h.RecordChanged(rec)
			}
		}
		for _, del := range delta.Deleted {
			if h.RecordDeleted != nil {
				h.RecordDeleted(del.ID, del.Type)
			}
		}
		if h.ZoneResult != nil {
			h.ZoneResult(zone, delta.Final, delta.Err)
		}
	}
	return nil
}

// SaveZones implements remote.Database.
func (f *Fake) SaveZones(ctx context.Context, scope record.Scope, zones []record.ZoneID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SaveZoneCalls = append(f.SaveZoneCalls, append([]record.ZoneID(nil), zones...))
	if len(f.saveZoneErrs) > 0 {
		err := f.saveZoneErrs[0]
		f.saveZoneErrs = f.saveZoneErrs[1:]
		return err
	}
	return nil
}

// DeleteZones implements remote.Database.
func (f *Fake) DeleteZones(ctx context.Context, scope record.Scope, zones []record.ZoneID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.DeleteZoneCalls = append(f.DeleteZoneCalls, append([]record.ZoneID(nil), zones...))
	return nil
}

// Query implements remote.Database.
func (f *Fake) Query(ctx context.Context, scope record.Scope, recordType string, cursor remote.QueryCursor, limit int) (remote.QueryPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.QueryCalls = append(f.QueryCalls, QueryCall{Scope: scope, RecordType: recordType, Cursor: cursor, Limit: limit})

	scripts := f.queryScripts[recordType]
	if len(scripts) == 0 {
		return remote.QueryPage{}, nil
	}
	s := scripts[0]
	f.queryScripts[recordType] = scripts[1:]
	if s.Err != nil {
		return remote.QueryPage{}, s.Err
	}
	return s.Page, nil
}

// ModifyRecords implements remote.Database.
func (f *Fake) ModifyRecords(ctx context.Context, scope record.Scope, save []record.Record, del []record.ID, done func(remote.ModifyResult)) (remote.OperationID, error) {
	f.mu.Lock()
	var script ModifyScript
	if len(f.modifyScripts) > 0 {
		script = f.modifyScripts[0]
		f.modifyScripts = f.modifyScripts[1:]
	} else {
		script = ModifyScript{Result: remote.ModifyResult{Saved: len(save), Deleted: len(del)}}
	}
	if script.SubmitErr != nil {
		f.mu.Unlock()
		return "", script.SubmitErr
	}

	id := remote.OperationID(uuid.NewString())
	f.ModifyCalls = append(f.ModifyCalls, ModifyCall{
		ID:     id,
		Scope:  scope,
		Save:   append([]record.Record(nil), save...),
		Delete: append([]record.ID(nil), del...),
		Done:   done,
	})
	f.mu.Unlock()

	if !script.Hold && done != nil {
		done(script.Result)
	}
	return id, nil
}

// PendingOperations implements remote.Database.
func (f *Fake) PendingOperations(ctx context.Context) ([]remote.OperationRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pendingErr != nil {
		return nil, f.pendingErr
	}
	return append([]remote.OperationRef(nil), f.pendingOps...), nil
}

// AttachOperation implements remote.Database.
func (f *Fake) AttachOperation(ctx context.Context, id remote.OperationID, done func(remote.ModifyResult)) error {
	f.mu.Lock()
	f.Attaches = append(f.Attaches, id)
	err := f.attachErrs[id]
	res, hasRes := f.attachResults[id]
	f.mu.Unlock()

	if err != nil {
		return err
	}
	if hasRes && done != nil {
		done(res)
	}
	return nil
}

// SaveSubscription implements remote.Database.
func (f *Fake) SaveSubscription(ctx context.Context, scope record.Scope, sub remote.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Subscriptions = append(f.Subscriptions, sub)
	return nil
}

// CountDatabaseCalls returns how many DatabaseChanges calls arrived, for
// polling in tests that exercise deferred retries.
func (f *Fake) CountDatabaseCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.DatabaseCalls)
}

// CountZoneCalls returns how many ZoneChanges calls arrived.
func (f *Fake) CountZoneCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ZoneCalls)
}

// CountModifyCalls returns how many ModifyRecords calls arrived.
func (f *Fake) CountModifyCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ModifyCalls)
}

// CountQueryCalls returns how many Query calls arrived.
func (f *Fake) CountQueryCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.QueryCalls)
}

// CountSaveZones returns how many SaveZones calls arrived.
func (f *Fake) CountSaveZones() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.SaveZoneCalls)
}

// Snapshot returns copies of the call journals taken under the lock.
func (f *Fake) Snapshot() (db []DatabaseCall, zones []ZoneCall, mods []ModifyCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]DatabaseCall(nil), f.DatabaseCalls...),
		append([]ZoneCall(nil), f.ZoneCalls...),
		append([]ModifyCall(nil), f.ModifyCalls...)
}

func cloneToken(t record.Token) record.Token {
	if t == nil {
		return nil
	}
	cp := make(record.Token, len(t))
	copy(cp, t)
	return cp
}

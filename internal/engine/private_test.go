package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lockstep-sync/lockstep/internal/kvstore"
	"github.com/lockstep-sync/lockstep/internal/localstore/sqlitestore"
	"github.com/lockstep-sync/lockstep/internal/record"
	"github.com/lockstep-sync/lockstep/internal/remote"
	"github.com/lockstep-sync/lockstep/internal/remote/remotetest"
)

// privateHarness wires a PrivateSyncer over a real sqlite store, a fake
// remote, and an in-memory token store. Two document types are bound:
// projects apply before tasks, and their zones sort so the fake delivers
// task events first, which is what the buffering tests lean on.
type privateHarness struct {
	fake    *remotetest.Fake
	tokens  *TokenStore
	sched   *Scheduler
	store   *recordingStore
	events  *eventLog
	syncer  *PrivateSyncer
	project *Reconciler
	task    *Reconciler

	projectZone record.ZoneID
	taskZone    record.ZoneID
}

func newPrivateHarness(t *testing.T) *privateHarness {
	t.Helper()

	projectType := sqlitestore.NewDocType("project", "Project")
	taskType := sqlitestore.NewDocType("task", "Task")
	docs := newDocStore(t, projectType, taskType)

	h := &privateHarness{
		fake:        remotetest.New(),
		tokens:      NewTokenStore(kvstore.NewMemory()),
		sched:       NewScheduler(testLogger(t)),
		store:       &recordingStore{Store: docs},
		events:      &eventLog{},
		projectZone: record.NewZoneID("projects"),
		taskZone:    record.NewZoneID("inbox"),
	}
	t.Cleanup(h.sched.Close)

	h.project = newBoundReconciler(t, ReconcilerConfig{
		Type:   projectType,
		Zone:   h.projectZone,
		Scope:  record.ScopePrivate,
		Store:  h.store,
		Logger: testLogger(t),
	})
	h.task = newBoundReconciler(t, ReconcilerConfig{
		Type:   taskType,
		Zone:   h.taskZone,
		Scope:  record.ScopePrivate,
		Store:  h.store,
		Logger: testLogger(t),
	})

	prov := NewProvisioner(h.fake, h.tokens, h.sched, testLogger(t), h.events.sink())
	syncer, err := NewPrivateSyncer(PrivateConfig{
		Remote:      h.fake,
		Tokens:      h.tokens,
		Scheduler:   h.sched,
		Provisioner: prov,
		Reconcilers: []*Reconciler{h.project, h.task},
		Logger:      testLogger(t),
		Events:      h.events.sink(),
	})
	if err != nil {
		t.Fatalf("NewPrivateSyncer() error = %v", err)
	}
	h.syncer = syncer
	return h
}

func (h *privateHarness) setZoneTokens(t *testing.T, projects, inbox string) {
	t.Helper()
	ctx := context.Background()
	if projects != "" {
		if err := h.tokens.SetZoneToken(ctx, record.ScopePrivate, h.projectZone, record.Token(projects)); err != nil {
			t.Fatalf("SetZoneToken(projects) error = %v", err)
		}
	}
	if inbox != "" {
		if err := h.tokens.SetZoneToken(ctx, record.ScopePrivate, h.taskZone, record.Token(inbox)); err != nil {
			t.Fatalf("SetZoneToken(inbox) error = %v", err)
		}
	}
}

func TestPrivateFetchBuffersAndOrdersApplies(t *testing.T) {
	h := newPrivateHarness(t)
	ctx := context.Background()

	// A task the remote will delete, present locally from an earlier run.
	seedDocument(t, h.store.Store, "task", &sqlitestore.Document{PK: "t-old", Fields: map[string]any{}})
	// Belt check: seeding went through the raw store, not the journal.
	if got := h.store.writes(); len(got) != 0 {
		t.Fatalf("journal dirty before fetch: %v", got)
	}

	h.fake.ScriptDatabase(remotetest.DatabaseScript{
		ChangedZones: []record.ZoneID{h.taskZone, h.projectZone},
		Final:        record.Token("db1"),
	})
	// The fake delivers zones sorted by name, so the task zone ("inbox")
	// streams before the project zone. Correct apply order is the other
	// way around and must come from buffering.
	h.fake.ScriptZones(remotetest.ZoneScript{
		Zones: map[record.ZoneID]remotetest.ZoneDelta{
			h.taskZone: {
				Changed: []record.Record{
					mkRecord("Task", h.taskZone, "t1", map[string]any{"title": "child", "project": "p1"}),
				},
				Deleted: []remotetest.Deletion{
					{ID: record.ID{Name: "t-old", Zone: h.taskZone}, Type: "Task"},
				},
				Final: record.Token("zi1"),
			},
			h.projectZone: {
				Changed: []record.Record{
					mkRecord("Project", h.projectZone, "p1", map[string]any{"name": "parent"}),
				},
				Final: record.Token("zp1"),
			},
		},
	})

	if err := fetchOnce(t, h.syncer); err != nil {
		t.Fatalf("FetchChanges() error = %v", err)
	}

	want := []string{"upsert/project/p1", "upsert/task/t1", "delete/task/t-old"}
	got := h.store.writes()
	if len(got) != len(want) {
		t.Fatalf("writes = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("write %d = %s, want %s", i, got[i], want[i])
		}
	}

	// Applied records are queryable and the deletion landed.
	if _, err := h.store.Get(ctx, "task", "t1"); err != nil {
		t.Errorf("Get(task/t1) error = %v", err)
	}
	if _, err := h.store.Get(ctx, "task", "t-old"); err == nil {
		t.Error("t-old survived its remote deletion")
	}

	// Tokens advanced: database and both zones.
	dbTok, _ := h.tokens.DatabaseToken(ctx, record.ScopePrivate)
	if !dbTok.Equal(record.Token("db1")) {
		t.Errorf("database token = %q, want db1", dbTok)
	}
	zt, _ := h.tokens.ZoneToken(ctx, record.ScopePrivate, h.taskZone)
	if !zt.Equal(record.Token("zi1")) {
		t.Errorf("inbox token = %q, want zi1", zt)
	}

	// The next fetch resumes from the persisted cursors.
	if err := fetchOnce(t, h.syncer); err != nil {
		t.Fatalf("second FetchChanges() error = %v", err)
	}
	db, zones, _ := h.fake.Snapshot()
	if len(db) != 2 || !db[1].Since.Equal(record.Token("db1")) {
		t.Errorf("second database call since = %v, want db1", db[len(db)-1].Since)
	}
	if len(zones) != 2 {
		t.Fatalf("zone calls = %d, want 2", len(zones))
	}
	if !zones[1].Since[h.projectZone].Equal(record.Token("zp1")) {
		t.Errorf("second zone call projects since = %q, want zp1", zones[1].Since[h.projectZone])
	}
}

func TestPrivateMidFlightCheckpointSurvivesFailure(t *testing.T) {
	h := newPrivateHarness(t)
	ctx := context.Background()

	h.fake.ScriptDatabase(remotetest.DatabaseScript{
		TokenUpdates: []record.Token{record.Token("ck1")},
		Err:          &remote.Error{Code: remote.CodeRateLimited, RetryAfter: time.Millisecond},
	})

	err := fetchOnce(t, h.syncer)
	if err == nil {
		t.Fatal("FetchChanges() error = nil, want the transient failure surfaced")
	}

	// The checkpoint beat the failure to disk; the retry resumes there.
	tok, _ := h.tokens.DatabaseToken(ctx, record.ScopePrivate)
	if !tok.Equal(record.Token("ck1")) {
		t.Fatalf("database token = %q, want the mid-flight checkpoint ck1", tok)
	}
	if err := fetchOnce(t, h.syncer); err != nil {
		t.Fatalf("second FetchChanges() error = %v", err)
	}
	db, _, _ := h.fake.Snapshot()
	if !db[1].Since.Equal(record.Token("ck1")) {
		t.Errorf("second fetch since = %q, want ck1", db[1].Since)
	}
}

func TestPrivateDatabaseTokenExpiryRestartsOnce(t *testing.T) {
	h := newPrivateHarness(t)
	ctx := context.Background()
	if err := h.tokens.SetDatabaseToken(ctx, record.ScopePrivate, record.Token("stale")); err != nil {
		t.Fatalf("SetDatabaseToken() error = %v", err)
	}

	h.fake.ScriptDatabase(remotetest.DatabaseScript{Err: remote.NewError(remote.CodeTokenExpired, "cursor purged")})
	h.fake.ScriptDatabase(remotetest.DatabaseScript{Final: record.Token("fresh")})

	if err := fetchOnce(t, h.syncer); err != nil {
		t.Fatalf("FetchChanges() error = %v", err)
	}

	db, _, _ := h.fake.Snapshot()
	if len(db) != 2 {
		t.Fatalf("database calls = %d, want 2", len(db))
	}
	if !db[0].Since.Equal(record.Token("stale")) {
		t.Errorf("first call since = %q, want stale", db[0].Since)
	}
	if !db[1].Since.IsZero() {
		t.Errorf("restart call since = %q, want none", db[1].Since)
	}
	tok, _ := h.tokens.DatabaseToken(ctx, record.ScopePrivate)
	if !tok.Equal(record.Token("fresh")) {
		t.Errorf("database token = %q, want fresh", tok)
	}
}

func TestPrivateDatabaseTokenExpiryTwiceIsTerminal(t *testing.T) {
	h := newPrivateHarness(t)
	expired := remote.NewError(remote.CodeTokenExpired, "cursor purged")
	h.fake.ScriptDatabase(remotetest.DatabaseScript{Err: expired})
	h.fake.ScriptDatabase(remotetest.DatabaseScript{Err: expired})

	err := fetchOnce(t, h.syncer)
	if !remote.IsTokenExpired(err) {
		t.Fatalf("FetchChanges() error = %v, want the second expiry surfaced", err)
	}
	if got := h.fake.CountDatabaseCalls(); got != 2 {
		t.Errorf("database calls = %d, want 2 (one restart only)", got)
	}
}

func TestPrivateZoneTokenExpiryRefetchesJustThatZone(t *testing.T) {
	h := newPrivateHarness(t)
	ctx := context.Background()
	h.setZoneTokens(t, "zp1", "zi1")

	h.fake.ScriptZones(remotetest.ZoneScript{
		Zones: map[record.ZoneID]remotetest.ZoneDelta{
			h.taskZone:    {Err: remote.NewError(remote.CodeTokenExpired, "zone cursor purged")},
			h.projectZone: {Final: record.Token("zp2")},
		},
	})
	h.fake.ScriptZones(remotetest.ZoneScript{
		Zones: map[record.ZoneID]remotetest.ZoneDelta{
			h.taskZone: {Final: record.Token("zi2")},
		},
	})

	if err := fetchOnce(t, h.syncer); err != nil {
		t.Fatalf("FetchChanges() error = %v", err)
	}

	_, zones, _ := h.fake.Snapshot()
	if len(zones) != 2 {
		t.Fatalf("zone calls = %d, want 2", len(zones))
	}
	if len(zones[0].Since) != 2 {
		t.Errorf("first round requested %d zones, want 2", len(zones[0].Since))
	}
	if len(zones[1].Since) != 1 {
		t.Fatalf("refetch round requested %d zones, want only the expired one", len(zones[1].Since))
	}
	since, ok := zones[1].Since[h.taskZone]
	if !ok {
		t.Fatal("refetch round missed the expired zone")
	}
	if !since.IsZero() {
		t.Errorf("refetch since = %q, want none after the token was cleared", since)
	}

	pt, _ := h.tokens.ZoneToken(ctx, record.ScopePrivate, h.projectZone)
	if !pt.Equal(record.Token("zp2")) {
		t.Errorf("projects token = %q, want zp2 (untouched by the refetch)", pt)
	}
	tt, _ := h.tokens.ZoneToken(ctx, record.ScopePrivate, h.taskZone)
	if !tt.Equal(record.Token("zi2")) {
		t.Errorf("inbox token = %q, want zi2", tt)
	}
}

func TestPrivateZoneExpiryTwiceErrors(t *testing.T) {
	h := newPrivateHarness(t)
	expired := remotetest.ZoneDelta{Err: remote.NewError(remote.CodeTokenExpired, "zone cursor purged")}
	h.fake.ScriptZones(remotetest.ZoneScript{Zones: map[record.ZoneID]remotetest.ZoneDelta{h.taskZone: expired}})
	h.fake.ScriptZones(remotetest.ZoneScript{Zones: map[record.ZoneID]remotetest.ZoneDelta{h.taskZone: expired}})

	err := fetchOnce(t, h.syncer)
	if err == nil || !strings.Contains(err.Error(), "expired twice") {
		t.Fatalf("FetchChanges() error = %v, want repeated-expiry failure", err)
	}
	if got := h.fake.CountZoneCalls(); got != 2 {
		t.Errorf("zone calls = %d, want 2", got)
	}
}

func TestPrivateTransientZoneFailureRetriesInBackground(t *testing.T) {
	h := newPrivateHarness(t)
	h.fake.ScriptZones(remotetest.ZoneScript{
		Zones: map[record.ZoneID]remotetest.ZoneDelta{
			h.taskZone: {Err: &remote.Error{Code: remote.CodeUnavailable, RetryAfter: time.Millisecond}},
		},
	})

	// No waiter: the failure must not surface, it must reschedule.
	h.syncer.FetchChanges(context.Background(), nil)

	waitFor(t, "background refetch", func() bool { return h.fake.CountZoneCalls() == 2 })
	waitFor(t, "syncer to go idle", func() bool { return h.syncer.Phase() == PhaseIdle })
	if got := h.fake.CountDatabaseCalls(); got != 2 {
		t.Errorf("database calls = %d, want 2 (refetch reruns the whole pass)", got)
	}
}

func TestPrivateTransientFailureSurfacesToWaiter(t *testing.T) {
	h := newPrivateHarness(t)
	h.fake.ScriptZones(remotetest.ZoneScript{
		Zones: map[record.ZoneID]remotetest.ZoneDelta{
			h.taskZone: {Err: &remote.Error{Code: remote.CodeUnavailable, RetryAfter: time.Millisecond}},
		},
	})

	err := fetchOnce(t, h.syncer)
	if err == nil || !strings.Contains(err.Error(), "failed transiently") {
		t.Fatalf("FetchChanges() error = %v, want transient failure surfaced", err)
	}
	if h.sched.Pending("fetch/private") {
		t.Error("waiter fetch still scheduled a background retry")
	}
	time.Sleep(20 * time.Millisecond)
	if got := h.fake.CountZoneCalls(); got != 1 {
		t.Errorf("zone calls = %d, want 1 (no silent refetch)", got)
	}
}

func TestPrivateRequestLevelRetrySurfacesToWaiter(t *testing.T) {
	h := newPrivateHarness(t)
	rateLimited := &remote.Error{Code: remote.CodeRateLimited, RetryAfter: time.Millisecond}
	h.fake.ScriptZones(remotetest.ZoneScript{Err: rateLimited})

	err := fetchOnce(t, h.syncer)
	if !errors.Is(err, rateLimited) {
		t.Fatalf("FetchChanges() error = %v, want the rate limit surfaced", err)
	}
	if h.sched.Pending("fetch/private") {
		t.Error("waiter fetch still scheduled a background retry")
	}
}

func TestPrivateOverlappingFetchRefused(t *testing.T) {
	h := newPrivateHarness(t)
	gate := make(chan struct{})
	h.fake.ScriptDatabase(remotetest.DatabaseScript{Gate: gate})

	go h.syncer.FetchChanges(context.Background(), nil)
	waitFor(t, "first fetch to start", func() bool { return h.fake.CountDatabaseCalls() == 1 })

	err := fetchOnce(t, h.syncer)
	if !errors.Is(err, ErrFetchInProgress) {
		t.Fatalf("overlapping FetchChanges() error = %v, want ErrFetchInProgress", err)
	}

	close(gate)
	waitFor(t, "first fetch to finish", func() bool {
		return h.syncer.Phase() == PhaseIdle && h.fake.CountZoneCalls() == 1
	})
}

func TestPrivateDeletedZoneIsForgotten(t *testing.T) {
	h := newPrivateHarness(t)
	ctx := context.Background()
	h.setZoneTokens(t, "zp1", "zi1")
	if err := h.tokens.SetZoneCreated(ctx, record.ScopePrivate, h.taskZone); err != nil {
		t.Fatalf("SetZoneCreated() error = %v", err)
	}

	h.fake.ScriptDatabase(remotetest.DatabaseScript{
		DeletedZones: []record.ZoneID{h.taskZone},
		Final:        record.Token("db2"),
	})

	if err := fetchOnce(t, h.syncer); err != nil {
		t.Fatalf("FetchChanges() error = %v", err)
	}

	_, zones, _ := h.fake.Snapshot()
	if len(zones) != 1 {
		t.Fatalf("zone calls = %d, want 1", len(zones))
	}
	if _, ok := zones[0].Since[h.taskZone]; ok {
		t.Error("deleted zone still requested in the zone stage")
	}
	if _, ok := zones[0].Since[h.projectZone]; !ok {
		t.Error("surviving zone missing from the zone stage")
	}

	tok, _ := h.tokens.ZoneToken(ctx, record.ScopePrivate, h.taskZone)
	if !tok.IsZero() {
		t.Errorf("deleted zone kept token %q", tok)
	}
	created, _ := h.tokens.ZoneCreated(ctx, record.ScopePrivate, h.taskZone)
	if created {
		t.Error("deleted zone kept its created flag; reprovisioning would be skipped")
	}
}

func TestPrivateFetchEmitsPhases(t *testing.T) {
	h := newPrivateHarness(t)
	if err := fetchOnce(t, h.syncer); err != nil {
		t.Fatalf("FetchChanges() error = %v", err)
	}
	if !h.events.has(EventFetchPhase) {
		t.Error("no fetch phase events emitted")
	}
	if got := h.syncer.Phase(); got != PhaseIdle {
		t.Errorf("Phase() = %s after fetch, want idle", got)
	}
}

func TestRegisterPushSubscribesOnce(t *testing.T) {
	h := newPrivateHarness(t)
	ctx := context.Background()

	if err := h.syncer.RegisterPush(ctx); err != nil {
		t.Fatalf("RegisterPush() error = %v", err)
	}
	if err := h.syncer.RegisterPush(ctx); err != nil {
		t.Fatalf("second RegisterPush() error = %v", err)
	}
	if got := len(h.fake.Subscriptions); got != 1 {
		t.Errorf("SaveSubscription called %d times, want 1", got)
	}

	sub := h.fake.Subscriptions[0]
	if len(sub.RecordTypes) != 2 {
		t.Errorf("subscription covers %v, want both record types", sub.RecordTypes)
	}
}

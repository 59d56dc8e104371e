package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lockstep-sync/lockstep/internal/kvstore"
	"github.com/lockstep-sync/lockstep/internal/localstore/sqlitestore"
	"github.com/lockstep-sync/lockstep/internal/record"
	"github.com/lockstep-sync/lockstep/internal/remote"
	"github.com/lockstep-sync/lockstep/internal/remote/remotetest"
)

type publicHarness struct {
	fake   *remotetest.Fake
	docs   *sqlitestore.Store
	syncer *PublicSyncer
	zone   record.ZoneID
}

func newPublicHarness(t *testing.T, pageSize int) *publicHarness {
	t.Helper()

	postType := sqlitestore.NewDocType("post", "Post")
	h := &publicHarness{
		fake: remotetest.New(),
		docs: newDocStore(t, postType),
		zone: record.NewZoneID("posts"),
	}
	sched := NewScheduler(testLogger(t))
	t.Cleanup(sched.Close)

	rec := newBoundReconciler(t, ReconcilerConfig{
		Type:   postType,
		Zone:   h.zone,
		Scope:  record.ScopePublic,
		Store:  h.docs,
		Logger: testLogger(t),
	})

	syncer, err := NewPublicSyncer(PublicConfig{
		Remote:      h.fake,
		Tokens:      NewTokenStore(kvstore.NewMemory()),
		Scheduler:   sched,
		Reconcilers: []*Reconciler{rec},
		PageSize:    pageSize,
		Logger:      testLogger(t),
	})
	if err != nil {
		t.Fatalf("NewPublicSyncer() error = %v", err)
	}
	h.syncer = syncer
	return h
}

func TestPublicPagesThroughQueries(t *testing.T) {
	h := newPublicHarness(t, 2)
	ctx := context.Background()

	h.fake.ScriptQuery("Post", remotetest.QueryScript{
		Page: remote.QueryPage{
			Records: []record.Record{
				mkRecord("Post", h.zone, "p1", map[string]any{"title": "one"}),
				mkRecord("Post", h.zone, "p2", map[string]any{"title": "two"}),
			},
			Next: "page-2",
		},
	})
	h.fake.ScriptQuery("Post", remotetest.QueryScript{
		Page: remote.QueryPage{
			Records: []record.Record{
				mkRecord("Post", h.zone, "p3", map[string]any{"title": "three"}),
			},
		},
	})

	if err := fetchOnce(t, h.syncer); err != nil {
		t.Fatalf("FetchChanges() error = %v", err)
	}

	n, err := h.docs.Count(ctx, "post")
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 3 {
		t.Errorf("Count() = %d, want all 3 paged records applied", n)
	}

	if got := h.fake.CountQueryCalls(); got != 2 {
		t.Fatalf("query calls = %d, want 2", got)
	}
	q := h.fake.QueryCalls
	if q[0].Cursor != "" || q[1].Cursor != "page-2" {
		t.Errorf("cursors = [%q %q], want [\"\" \"page-2\"]", q[0].Cursor, q[1].Cursor)
	}
	if q[0].Limit != 2 || q[0].RecordType != "Post" || q[0].Scope != record.ScopePublic {
		t.Errorf("query call = %+v, want limit 2 for Post in public", q[0])
	}
}

func TestPublicRetryReissuesSameCursor(t *testing.T) {
	h := newPublicHarness(t, 2)

	h.fake.ScriptQuery("Post", remotetest.QueryScript{
		Page: remote.QueryPage{
			Records: []record.Record{mkRecord("Post", h.zone, "p1", nil)},
			Next:    "page-2",
		},
	})
	h.fake.ScriptQuery("Post", remotetest.QueryScript{
		Err: &remote.Error{Code: remote.CodeUnavailable, RetryAfter: time.Millisecond},
	})
	h.fake.ScriptQuery("Post", remotetest.QueryScript{
		Page: remote.QueryPage{
			Records: []record.Record{mkRecord("Post", h.zone, "p2", nil)},
		},
	})

	// No waiter, so the transient page is retried in place.
	h.syncer.FetchChanges(context.Background(), nil)

	waitFor(t, "paging to finish", func() bool { return h.syncer.Phase() == PhaseIdle })
	if got := h.fake.CountQueryCalls(); got != 3 {
		t.Fatalf("query calls = %d, want 3", got)
	}
	q := h.fake.QueryCalls
	wantCursors := []remote.QueryCursor{"", "page-2", "page-2"}
	for i, want := range wantCursors {
		if q[i].Cursor != want {
			t.Errorf("call %d cursor = %q, want %q", i, q[i].Cursor, want)
		}
	}
}

func TestPublicRetryExhaustionFails(t *testing.T) {
	h := newPublicHarness(t, 2)
	for i := 0; i < pageRetryLimit+1; i++ {
		h.fake.ScriptQuery("Post", remotetest.QueryScript{
			Err: &remote.Error{Code: remote.CodeUnavailable, RetryAfter: time.Millisecond},
		})
	}

	errc := make(chan error, 1)
	// done must stay nil so retries happen; collect the outcome by running
	// on a goroutine and reading the phase afterwards.
	go func() {
		h.syncer.FetchChanges(context.Background(), nil)
		errc <- nil
	}()
	select {
	case <-errc:
	case <-time.After(2 * time.Second):
		t.Fatal("fetch did not finish")
	}
	if got := h.fake.CountQueryCalls(); got != pageRetryLimit+1 {
		t.Errorf("query calls = %d, want %d", got, pageRetryLimit+1)
	}
}

func TestPublicTransientFailureSurfacesToWaiter(t *testing.T) {
	h := newPublicHarness(t, 2)
	rateLimited := &remote.Error{Code: remote.CodeRateLimited, RetryAfter: time.Millisecond}
	h.fake.ScriptQuery("Post", remotetest.QueryScript{Err: rateLimited})

	err := fetchOnce(t, h.syncer)
	if !errors.Is(err, rateLimited) {
		t.Fatalf("FetchChanges() error = %v, want the rate limit surfaced", err)
	}
	// The waiter was not made to sit through a backoff sleep.
	if got := h.fake.CountQueryCalls(); got != 1 {
		t.Errorf("query calls = %d, want 1", got)
	}
}

func TestPublicTerminalQueryFailureIsReported(t *testing.T) {
	h := newPublicHarness(t, 2)
	h.fake.ScriptQuery("Post", remotetest.QueryScript{Err: remote.NewError(remote.CodeUnauthorized, "no access")})

	err := fetchOnce(t, h.syncer)
	if err == nil {
		t.Fatal("FetchChanges() error = nil, want the terminal failure")
	}
	if remote.CodeOf(err) != remote.CodeUnauthorized {
		t.Errorf("error code = %s, want UNAUTHORIZED", remote.CodeOf(err))
	}
}

func TestPublicHasNoZonesOrSubscriptions(t *testing.T) {
	h := newPublicHarness(t, 2)
	ctx := context.Background()
	if err := h.syncer.EnsureZones(ctx); err != nil {
		t.Errorf("EnsureZones() error = %v", err)
	}
	if err := h.syncer.RegisterPush(ctx); err != nil {
		t.Errorf("RegisterPush() error = %v", err)
	}
	if got := h.fake.CountSaveZones(); got != 0 {
		t.Errorf("SaveZones called %d times, want 0", got)
	}
	if got := len(h.fake.Subscriptions); got != 0 {
		t.Errorf("subscriptions registered = %d, want 0", got)
	}
}

package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/lockstep-sync/lockstep/internal/remote"
	"github.com/lockstep-sync/lockstep/internal/remote/remotetest"
)

func TestResumeSetClaimsOnce(t *testing.T) {
	set := NewResumeSet()
	if !set.Add("op-1") {
		t.Fatal("Add() = false for a fresh id")
	}
	if set.Add("op-1") {
		t.Error("Add() = true for a claimed id")
	}
	if !set.Has("op-1") {
		t.Error("Has() = false for a claimed id")
	}
	if got := set.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
	set.Remove("op-1")
	if set.Has("op-1") {
		t.Error("Has() = true after Remove")
	}
	set.Remove("op-1") // releasing twice is a no-op
	if got := set.Len(); got != 0 {
		t.Errorf("Len() = %d, want 0", got)
	}
}

func TestResumeAttachesWritesOnce(t *testing.T) {
	fake := remotetest.New()
	fake.ScriptPending(
		remote.OperationRef{ID: "op-1", Kind: remote.OpModify},
		remote.OperationRef{ID: "op-2", Kind: remote.OpFetch},
		remote.OperationRef{ID: "op-1", Kind: remote.OpModify},
		remote.OperationRef{ID: "op-3", Kind: remote.OpModify},
	)

	set := NewResumeSet()
	r := NewResumer(fake, set, testLogger(t), nil)

	attached, err := r.Resume(context.Background())
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if attached != 2 {
		t.Errorf("Resume() = %d, want 2", attached)
	}
	if got := len(fake.Attaches); got != 2 {
		t.Fatalf("AttachOperation called %d times, want 2", got)
	}
	if fake.Attaches[0] != "op-1" || fake.Attaches[1] != "op-3" {
		t.Errorf("attached %v, want [op-1 op-3]", fake.Attaches)
	}
	if !set.Has("op-1") || !set.Has("op-3") {
		t.Error("attached ids not claimed in the resume set")
	}
}

func TestResumeSkipsAlreadyClaimed(t *testing.T) {
	fake := remotetest.New()
	fake.ScriptPending(remote.OperationRef{ID: "op-1", Kind: remote.OpModify})

	set := NewResumeSet()
	set.Add("op-1") // the pusher already owns a handler for this id

	r := NewResumer(fake, set, testLogger(t), nil)
	attached, err := r.Resume(context.Background())
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if attached != 0 {
		t.Errorf("Resume() = %d, want 0", attached)
	}
	if got := len(fake.Attaches); got != 0 {
		t.Errorf("AttachOperation called %d times, want 0", got)
	}
}

func TestResumeReleasesIDOnAttachFailure(t *testing.T) {
	fake := remotetest.New()
	fake.ScriptPending(remote.OperationRef{ID: "op-1", Kind: remote.OpModify})
	fake.ScriptAttachError("op-1", errors.New("already finished"))

	set := NewResumeSet()
	r := NewResumer(fake, set, testLogger(t), nil)
	attached, err := r.Resume(context.Background())
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if attached != 0 {
		t.Errorf("Resume() = %d, want 0", attached)
	}
	if set.Has("op-1") {
		t.Error("failed attach left op-1 claimed")
	}
}

func TestResumedCompletionReleasesID(t *testing.T) {
	fake := remotetest.New()
	fake.ScriptPending(remote.OperationRef{ID: "op-1", Kind: remote.OpModify})
	fake.ScriptAttachResult("op-1", remote.ModifyResult{Saved: 3})

	set := NewResumeSet()
	r := NewResumer(fake, set, testLogger(t), nil)
	attached, err := r.Resume(context.Background())
	if err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if attached != 1 {
		t.Errorf("Resume() = %d, want 1", attached)
	}
	// The fake delivers the scripted result synchronously, so the handler
	// has already released the id.
	if got := set.Len(); got != 0 {
		t.Errorf("Len() = %d after completion, want 0", got)
	}
}

func TestResumeSurfacesEnumerationError(t *testing.T) {
	fake := remotetest.New()
	fake.ScriptPendingError(errors.New("remote down"))

	r := NewResumer(fake, NewResumeSet(), testLogger(t), nil)
	if _, err := r.Resume(context.Background()); err == nil {
		t.Fatal("Resume() error = nil, want enumeration failure")
	}
}

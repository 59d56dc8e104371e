package dirstore

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/lockstep-sync/lockstep/internal/assets"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func TestPutOpenDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "blob1", strings.NewReader("payload")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	rc, err := s.Open(ctx, "blob1")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	data, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("asset content = %q, want payload", data)
	}

	if err := s.Delete(ctx, "blob1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := s.Open(ctx, "blob1"); !errors.Is(err, assets.ErrNotFound) {
		t.Errorf("Open() after delete error = %v, want ErrNotFound", err)
	}
}

func TestDeleteMissingIsNoOp(t *testing.T) {
	s := openTestStore(t)

	if err := s.Delete(context.Background(), "never-existed"); err != nil {
		t.Errorf("Delete() of missing key error = %v, want nil", err)
	}
}

func TestPutOverwrites(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "blob", strings.NewReader("v1")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Put(ctx, "blob", strings.NewReader("v2")); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	rc, err := s.Open(ctx, "blob")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != "v2" {
		t.Errorf("asset content = %q, want v2", data)
	}
}

func TestRejectsTraversalKeys(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"", "..", "a/b", `a\b`} {
		if err := s.Put(ctx, key, strings.NewReader("x")); err == nil {
			t.Errorf("Put(%q) succeeded, want error", key)
		}
		if err := s.Delete(ctx, key); err == nil {
			t.Errorf("Delete(%q) succeeded, want error", key)
		}
	}
}

package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"jobrepo/internal/repository"
)

func openSession(t *testing.T, root string, opts ...Option) *Session {
	t.Helper()
	s, err := Open(context.Background(), root, opts...)
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func assertIDs(t *testing.T, want, got []int) {
	t.Helper()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("ids mismatch (-want +got):\n%s", diff)
	}
}

func TestAllocate(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	a := openSession(t, root)
	b := openSession(t, root)

	ids, err := a.Allocate(ctx, "jobs", 2)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	assertIDs(t, []int{0, 1}, ids)

	ids, _ = b.Allocate(ctx, "jobs", 1)
	assertIDs(t, []int{2}, ids)

	ids, _ = a.Allocate(ctx, "jobs", 1)
	assertIDs(t, []int{3}, ids)

	ids, _ = a.Allocate(ctx, "templates", 1)
	assertIDs(t, []int{0}, ids)

	if !a.Holds("jobs", 0) || !a.Holds("jobs", 3) || a.Holds("jobs", 2) {
		t.Error("allocated ids should be locked by the allocating session")
	}

	t.Run("reserve moves the counter", func(t *testing.T) {
		if err := a.Reserve(ctx, "jobs", []int{10, 7}); err != nil {
			t.Fatalf("Reserve failed: %v", err)
		}
		ids, _ := b.Allocate(ctx, "jobs", 1)
		assertIDs(t, []int{11}, ids)

		if err := a.Reserve(ctx, "jobs", []int{5}); err != nil {
			t.Fatalf("Reserve failed: %v", err)
		}
		ids, _ = b.Allocate(ctx, "jobs", 1)
		assertIDs(t, []int{12}, ids)
	})

	t.Run("corrupt counter", func(t *testing.T) {
		path := filepath.Join(root, "sessions", "broken"+counterExt)
		_ = os.WriteFile(path, []byte("not a number"), 0o644)
		if _, err := a.Allocate(ctx, "broken", 1); err == nil {
			t.Error("expected error for corrupt counter")
		}
	})
}

func TestLockContention(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	a := openSession(t, root)
	b := openSession(t, root)

	_, _ = a.Allocate(ctx, "jobs", 1)

	got, err := b.Lock(ctx, "jobs", []int{0, 5})
	if err != nil {
		t.Fatalf("Lock failed: %v", err)
	}
	assertIDs(t, []int{5}, got)

	owner := b.LockSession(ctx, "jobs", 0)
	if !strings.Contains(owner, a.Info().Host) {
		t.Errorf("expected owner description, got %q", owner)
	}
	if self := a.LockSession(ctx, "jobs", 0); !strings.Contains(self, "this session") {
		t.Errorf("expected own lock to be reported, got %q", self)
	}
	if none := b.LockSession(ctx, "jobs", 99); none != "" {
		t.Errorf("expected empty description for unlocked id, got %q", none)
	}

	// redundant calls are harmless
	if got, _ := b.Lock(ctx, "jobs", []int{5}); len(got) != 1 {
		t.Errorf("relocking a held id should succeed, got %v", got)
	}
	if err := a.Unlock(ctx, "jobs", []int{0, 42}); err != nil {
		t.Fatalf("Unlock failed: %v", err)
	}
	got, _ = b.Lock(ctx, "jobs", []int{0})
	assertIDs(t, []int{0}, got)
}

func TestReserveRefusesForeignLocks(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	a := openSession(t, root)
	b := openSession(t, root)

	if got, _ := a.Lock(ctx, "jobs", []int{5}); len(got) != 1 {
		t.Fatalf("Lock failed, got %v", got)
	}

	err := b.Reserve(ctx, "jobs", []int{4, 5})
	var locked *repository.LockedError
	if !errors.As(err, &locked) {
		t.Fatalf("expected LockedError, got %v", err)
	}
	if !errors.Is(err, repository.ErrLocked) {
		t.Error("LockedError should unwrap to ErrLocked")
	}
	assertIDs(t, []int{5}, locked.IDs)
	if !strings.Contains(locked.Owners[0], a.Info().Host) {
		t.Errorf("expected owner description, got %q", locked.Owners[0])
	}

	if b.Holds("jobs", 4) || b.Holds("jobs", 5) {
		t.Error("a refused reserve should take no locks")
	}
	if !a.Holds("jobs", 5) {
		t.Error("owner lost its lock")
	}
	ids, _ := b.Allocate(ctx, "jobs", 1)
	assertIDs(t, []int{0}, ids)
}

func TestReapLocks(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	a := openSession(t, root)
	b := openSession(t, root)

	_, _ = a.Allocate(ctx, "jobs", 3)
	if !b.ReapLocks(ctx) {
		t.Fatal("ReapLocks reported failure")
	}
	got, _ := b.Lock(ctx, "jobs", []int{0, 1, 2})
	assertIDs(t, []int{0, 1, 2}, got)

	others, err := b.OtherSessions(ctx)
	if err != nil {
		t.Fatalf("OtherSessions failed: %v", err)
	}
	if len(others) != 1 || others[0].ID != a.ID() {
		t.Errorf("reaped session should still be listed, got %v", others)
	}
}

func TestReapedLocksAreDropped(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	a := openSession(t, root)
	b := openSession(t, root)

	_, _ = a.Allocate(ctx, "jobs", 2)
	if !b.ReapLocks(ctx) {
		t.Fatal("ReapLocks reported failure")
	}
	got, _ := b.Lock(ctx, "jobs", []int{1})
	assertIDs(t, []int{1}, got)

	// the next heartbeat must not write the reaped locks back
	if err := a.Heartbeat(ctx); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if a.Holds("jobs", 0) || a.Holds("jobs", 1) {
		t.Error("reaped locks still reported as held")
	}
	if got, _ := a.Lock(ctx, "jobs", []int{0, 1}); len(got) != 1 || got[0] != 0 {
		t.Errorf("expected to relock only the free id, got %v", got)
	}
	if !b.Holds("jobs", 1) {
		t.Error("lock taken after the reap was lost")
	}
}

func TestStaleSessionExpiry(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	start := time.Now()
	a := openSession(t, root, WithClock(func() time.Time { return start }))
	b := openSession(t, root,
		WithStaleAfter(time.Minute),
		WithClock(func() time.Time { return start.Add(2 * time.Minute) }),
	)

	_, _ = a.Allocate(ctx, "jobs", 1)
	if owner := b.LockSession(ctx, "jobs", 0); !strings.Contains(owner, "stale") {
		t.Errorf("expected stale marker, got %q", owner)
	}

	got, _ := b.Lock(ctx, "jobs", []int{0})
	assertIDs(t, []int{0}, got)

	others, _ := b.OtherSessions(ctx)
	if len(others) != 0 {
		t.Errorf("stale session should have been expired, got %v", others)
	}
}

func TestHeartbeatAndClose(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()

	now := time.Now()
	a := openSession(t, root, WithClock(func() time.Time { return now }))
	b := openSession(t, root)

	now = now.Add(time.Hour)
	if err := a.Heartbeat(ctx); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	others, _ := b.OtherSessions(ctx)
	if len(others) != 1 || !others[0].Heartbeat.Equal(now) {
		t.Errorf("heartbeat not persisted: %v", others)
	}

	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	others, _ = b.OtherSessions(ctx)
	if len(others) != 0 {
		t.Errorf("closed session still listed: %v", others)
	}
	if _, err := a.Allocate(ctx, "jobs", 1); err == nil {
		t.Error("expected closed session to refuse allocation")
	}
}

package localdir

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"jobrepo/internal/catalog"
	"jobrepo/internal/codec"
	"jobrepo/internal/domain"
	"jobrepo/internal/repository"
	"jobrepo/internal/session"
)

func newTestBackend(t *testing.T, root string, ctx *domain.Context) *Backend {
	t.Helper()
	s, err := session.Open(context.Background(), root)
	if err != nil {
		t.Fatalf("failed to open session: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	b := New(root, "jobs", ctx, s)
	if err := b.Startup(context.Background()); err != nil {
		t.Fatalf("startup failed: %v", err)
	}
	return b
}

func addJob(t *testing.T, b *Backend, ctx *domain.Context, name string) (*domain.Object, int) {
	t.Helper()
	job, err := catalog.NewJob(ctx, name)
	if err != nil {
		t.Fatal(err)
	}
	ids, err := b.Add(context.Background(), []*domain.Object{job}, nil)
	if err != nil {
		t.Fatalf("add failed: %v", err)
	}
	return job, ids[0]
}

func name(t *testing.T, obj *domain.Object) any {
	t.Helper()
	v, err := obj.Get("name")
	if err != nil {
		t.Fatalf("get name: %v", err)
	}
	return v
}

func TestLayout(t *testing.T) {
	root := t.TempDir()
	ctx := catalog.NewContext()
	b := newTestBackend(t, root, ctx)

	_, id := addJob(t, b, ctx, "first")
	if id != 0 {
		t.Fatalf("expected id 0, got %d", id)
	}
	for _, p := range []string{"jobs/0xxx/0/data", "jobs/0xxx/0.index"} {
		if _, err := os.Stat(filepath.Join(root, p)); err != nil {
			t.Errorf("expected %s: %v", p, err)
		}
	}

	job, err := catalog.NewJob(ctx, "far")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Add(context.Background(), []*domain.Object{job}, []int{1234}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(root, "jobs/1xxx/1234/data")); err != nil {
		t.Errorf("forced id not bucketed: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(root, "jobs/0xxx/0.index"))
	if err != nil {
		t.Fatal(err)
	}
	var sc sidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(filepath.Join(root, "jobs/0xxx/0/data"))
	if sc.Digest != digest(data) {
		t.Error("sidecar digest does not match data")
	}
	if !strings.Contains(string(sc.Index), `"first"`) {
		t.Errorf("sidecar index missing name: %s", sc.Index)
	}
}

func TestReopen(t *testing.T) {
	root := t.TempDir()
	ctx := catalog.NewContext()
	b := newTestBackend(t, root, ctx)

	job, id := addJob(t, b, ctx, "X")
	if err := job.Set("name", "Y"); err != nil {
		t.Fatal(err)
	}
	if err := b.Flush(context.Background(), []int{id}); err != nil {
		t.Fatalf("flush failed: %v", err)
	}

	fresh := newTestBackend(t, root, catalog.NewContext())
	stub, ok := fresh.Objects().Get(id)
	if !ok {
		t.Fatal("object missing after startup")
	}
	if stub.Loaded() {
		t.Error("startup should only read sidecars")
	}
	if err := fresh.Load(context.Background(), []int{id}); err != nil {
		t.Fatal(err)
	}
	if got := name(t, stub); got != "Y" {
		t.Errorf("expected name Y, got %v", got)
	}
}

func TestWriteAheadBackup(t *testing.T) {
	root := t.TempDir()
	ctx := catalog.NewContext()
	b := newTestBackend(t, root, ctx)

	job, id := addJob(t, b, ctx, "v1")
	if _, err := os.Stat(b.backupPath(id)); !os.IsNotExist(err) {
		t.Error("first write should not create a backup")
	}

	before, _ := os.ReadFile(b.dataPath(id))
	if err := job.Set("name", "v2"); err != nil {
		t.Fatal(err)
	}
	if err := b.Flush(context.Background(), []int{id}); err != nil {
		t.Fatal(err)
	}
	backup, err := os.ReadFile(b.backupPath(id))
	if err != nil {
		t.Fatalf("backup missing: %v", err)
	}
	if string(backup) != string(before) {
		t.Error("backup is not the previous record")
	}
}

func TestBackupKeptWhenPrimaryDamaged(t *testing.T) {
	root := t.TempDir()
	ctx := catalog.NewContext()
	b := newTestBackend(t, root, ctx)
	bg := context.Background()

	job, id := addJob(t, b, ctx, "v1")
	if err := job.Set("name", "v2"); err != nil {
		t.Fatal(err)
	}
	if err := b.Flush(bg, []int{id}); err != nil {
		t.Fatal(err)
	}
	good, _ := os.ReadFile(b.backupPath(id))

	fresh := New(root, "jobs", catalog.NewContext(), nil)
	if err := os.WriteFile(fresh.dataPath(id), []byte("<root><class name="), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := fresh.Load(bg, []int{id}); err != nil {
		t.Fatalf("load should fall back to backup: %v", err)
	}
	obj, _ := fresh.Objects().Get(id)
	if err := obj.Set("name", "v3"); err != nil {
		t.Fatal(err)
	}
	if err := fresh.Flush(bg, []int{id}); err != nil {
		t.Fatal(err)
	}

	backup, err := os.ReadFile(fresh.backupPath(id))
	if err != nil {
		t.Fatalf("backup missing: %v", err)
	}
	if string(backup) != string(good) {
		t.Errorf("damaged primary replaced the backup: %q", backup)
	}

	reread := New(root, "jobs", catalog.NewContext(), nil)
	if err := reread.Load(bg, []int{id}); err != nil {
		t.Fatal(err)
	}
	obj, _ = reread.Objects().Get(id)
	if got := name(t, obj); got != "v3" {
		t.Errorf("expected flushed content, got %v", got)
	}
}

func TestCorruptionFallback(t *testing.T) {
	setup := func(t *testing.T) (string, int) {
		root := t.TempDir()
		ctx := catalog.NewContext()
		b := newTestBackend(t, root, ctx)
		job, id := addJob(t, b, ctx, "old")
		if err := job.Set("name", "new"); err != nil {
			t.Fatal(err)
		}
		if err := b.Flush(context.Background(), []int{id}); err != nil {
			t.Fatal(err)
		}
		return root, id
	}

	t.Run("corrupt primary uses backup", func(t *testing.T) {
		root, id := setup(t)
		fresh := New(root, "jobs", catalog.NewContext(), nil)
		if err := os.WriteFile(fresh.dataPath(id), []byte("<root><class name="), 0o644); err != nil {
			t.Fatal(err)
		}
		if err := fresh.Load(context.Background(), []int{id}); err != nil {
			t.Fatalf("load should fall back to backup: %v", err)
		}
		obj, _ := fresh.Objects().Get(id)
		if got := name(t, obj); got != "old" {
			t.Errorf("expected backup content, got %v", got)
		}
	})

	t.Run("missing primary uses backup", func(t *testing.T) {
		root, id := setup(t)
		fresh := New(root, "jobs", catalog.NewContext(), nil)
		if err := os.Remove(fresh.dataPath(id)); err != nil {
			t.Fatal(err)
		}
		if err := fresh.Load(context.Background(), []int{id}); err != nil {
			t.Fatalf("load should fall back to backup: %v", err)
		}
	})

	t.Run("both corrupt", func(t *testing.T) {
		root, id := setup(t)
		fresh := New(root, "jobs", catalog.NewContext(), nil)
		for _, p := range []string{fresh.dataPath(id), fresh.backupPath(id)} {
			if err := os.WriteFile(p, []byte("not a record"), 0o644); err != nil {
				t.Fatal(err)
			}
		}
		err := fresh.Load(context.Background(), []int{id})
		if err == nil {
			t.Fatal("expected load to fail")
		}
		if !codec.IsCorrupt(err) {
			t.Errorf("expected corrupt record error, got %v", err)
		}
		if errors.Is(err, repository.ErrNotFound) {
			t.Error("corrupt record reported as missing")
		}
	})
}

func TestSidecarRecovery(t *testing.T) {
	root := t.TempDir()
	ctx := catalog.NewContext()
	b := newTestBackend(t, root, ctx)
	_, broken := addJob(t, b, ctx, "no sidecar")
	_, stale := addJob(t, b, ctx, "stale sidecar")

	if err := os.WriteFile(b.indexPath(broken), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	other, err := catalog.NewJob(ctx, "someone else")
	if err != nil {
		t.Fatal(err)
	}
	idx, _ := codec.EncodeIndex(other)
	if err := b.writeSidecar(stale, sidecar{Digest: "0000", Index: idx}); err != nil {
		t.Fatal(err)
	}

	fresh := newTestBackend(t, root, catalog.NewContext())
	obj, ok := fresh.Objects().Get(broken)
	if !ok || !obj.Loaded() {
		t.Fatal("object with broken sidecar should be rebuilt from data")
	}
	if got := name(t, obj); got != "no sidecar" {
		t.Errorf("unexpected name %v", got)
	}

	if err := fresh.Load(context.Background(), []int{stale}); err != nil {
		t.Fatal(err)
	}
	sc, err := fresh.readSidecar(stale)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(fresh.dataPath(stale))
	if sc.Digest != digest(data) {
		t.Error("stale sidecar was not refreshed")
	}
	if !strings.Contains(string(sc.Index), "stale sidecar") {
		t.Errorf("refreshed sidecar has wrong index: %s", sc.Index)
	}
}

func TestDelete(t *testing.T) {
	root := t.TempDir()
	ctx := catalog.NewContext()
	b := newTestBackend(t, root, ctx)
	bg := context.Background()

	_, id := addJob(t, b, ctx, "doomed")
	if err := b.Delete(bg, []int{id}); err != nil {
		t.Fatal(err)
	}
	if err := b.Delete(bg, []int{id}); err != nil {
		t.Errorf("second delete should be a no-op: %v", err)
	}
	if b.Objects().Len() != 0 {
		t.Error("deleted object still in table")
	}
	if err := b.Load(bg, []int{id}); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	_, next := addJob(t, b, ctx, "after")
	if next <= id {
		t.Errorf("id %d reused or decreasing after delete of %d", next, id)
	}

	fresh := newTestBackend(t, root, catalog.NewContext())
	if _, ok := fresh.Objects().Get(id); ok {
		t.Error("tombstone restored")
	}
	if !fresh.Objects().Tombstoned(id) {
		t.Error("tombstone not seen after reopen")
	}
	if fresh.Objects().Len() != 1 {
		t.Errorf("expected 1 object, got %d", fresh.Objects().Len())
	}
}

func TestForcedIDsRefuseUsedIDs(t *testing.T) {
	root := t.TempDir()
	ctx := catalog.NewContext()
	b := newTestBackend(t, root, ctx)
	bg := context.Background()

	_, live := addJob(t, b, ctx, "original")
	_, dead := addJob(t, b, ctx, "deleted")
	if err := b.Delete(bg, []int{dead}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		ids  []int
	}{
		{"live id", []int{live}},
		{"tombstoned id", []int{dead}},
		{"same id twice", []int{50, 50}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			objs := make([]*domain.Object, len(tt.ids))
			for i := range objs {
				job, err := catalog.NewJob(ctx, "clobber")
				if err != nil {
					t.Fatal(err)
				}
				objs[i] = job
			}
			_, err := b.Add(bg, objs, tt.ids)
			if !errors.Is(err, repository.ErrIDInUse) {
				t.Fatalf("expected ErrIDInUse, got %v", err)
			}
			var repoErr *repository.RepositoryError
			if !errors.As(err, &repoErr) {
				t.Errorf("expected RepositoryError, got %T", err)
			}
		})
	}

	fresh := newTestBackend(t, root, catalog.NewContext())
	if err := fresh.Load(bg, []int{live}); err != nil {
		t.Fatal(err)
	}
	obj, _ := fresh.Objects().Get(live)
	if got := name(t, obj); got != "original" {
		t.Errorf("stored record was overwritten: %v", got)
	}
	if _, ok := fresh.Objects().Get(dead); ok {
		t.Error("deleted id came back")
	}
}

func TestFailedAddKeepsOtherRecords(t *testing.T) {
	root := t.TempDir()
	ctx := catalog.NewContext()
	b := newTestBackend(t, root, ctx)
	bg := context.Background()

	_, live := addJob(t, b, ctx, "original")

	// a plain file where the bucket of 1007 belongs makes its write fail
	if err := os.WriteFile(filepath.Join(root, "jobs", "1xxx"), nil, 0o644); err != nil {
		t.Fatal(err)
	}
	first, _ := catalog.NewJob(ctx, "first")
	second, _ := catalog.NewJob(ctx, "second")
	if _, err := b.Add(bg, []*domain.Object{first, second}, []int{7, 1007}); err == nil {
		t.Fatal("expected add to fail")
	}
	if _, ok := first.ID(); ok {
		t.Error("object of a failed add was registered")
	}
	if b.used(7) {
		t.Error("record created by the failed add was left behind")
	}
	if !b.used(live) {
		t.Error("rollback removed a record that existed before the add")
	}
}

func TestUpdateIndexSeesOtherSession(t *testing.T) {
	root := t.TempDir()
	ctx := catalog.NewContext()
	a := newTestBackend(t, root, ctx)
	b := newTestBackend(t, root, catalog.NewContext())

	_, id := addJob(t, a, ctx, "shared")
	if err := b.UpdateIndex(context.Background()); err != nil {
		t.Fatal(err)
	}
	stub, ok := b.Objects().Get(id)
	if !ok {
		t.Fatal("other session does not see new object")
	}
	if stub.IndexCache()["name"] != "shared" {
		t.Errorf("unexpected index %v", stub.IndexCache())
	}

	if err := a.Delete(context.Background(), []int{id}); err != nil {
		t.Fatal(err)
	}
	if err := b.UpdateIndex(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	if _, ok := b.Objects().Get(id); ok {
		t.Error("deleted object still indexed")
	}
}

func TestLoadMissing(t *testing.T) {
	b := newTestBackend(t, t.TempDir(), catalog.NewContext())
	err := b.Load(context.Background(), []int{5})
	if !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClean(t *testing.T) {
	root := t.TempDir()
	ctx := catalog.NewContext()
	b := newTestBackend(t, root, ctx)
	addJob(t, b, ctx, "a")

	if err := b.Clean(context.Background()); err != nil {
		t.Fatal(err)
	}
	if b.Objects().Len() != 0 {
		t.Error("table not cleared")
	}
	ids, err := b.scan()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Errorf("files left after clean: %v", ids)
	}
}

// Package transient is a read-mostly backend for small collections such as
// job templates. Every object lives in its own record file in one directory;
// all of them are decoded at Startup and there is no lazy loading.
package transient

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"jobrepo/internal/codec"
	"jobrepo/internal/domain"
	"jobrepo/internal/repository"
)

// Ext is the extension of record files.
const Ext = ".xml"

// Backend holds one registry loaded from a directory.
type Backend struct {
	fs      afero.Afero
	dir     string
	name    string
	ctx     *domain.Context
	objects *repository.Table
	logger  hclog.Logger

	mu    sync.Mutex
	files map[int]string
	next  int
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger.
func WithLogger(l hclog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// WithFs replaces the OS filesystem, mostly for tests.
func WithFs(fs afero.Fs) Option {
	return func(b *Backend) { b.fs = afero.Afero{Fs: fs} }
}

// New creates the backend of registry name reading dir.
func New(dir, name string, ctx *domain.Context, opts ...Option) *Backend {
	b := &Backend{
		fs:      afero.Afero{Fs: afero.NewOsFs()},
		dir:     dir,
		name:    name,
		ctx:     ctx,
		objects: repository.NewTable(),
		logger:  hclog.NewNullLogger(),
		files:   make(map[int]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.Named(name)
	return b
}

func (b *Backend) Name() string               { return b.name }
func (b *Backend) Objects() *repository.Table { return b.objects }
func (b *Backend) Dir() string                { return b.dir }

// File returns the record file name of id.
func (b *Backend) File(id int) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, ok := b.files[id]
	return f, ok
}

type loaded struct {
	obj *domain.Object
	err error
}

// Startup decodes every record file of the directory, in parallel, and
// numbers the objects in directory-listing order. A file that fails to
// decode keeps its id unused so the ids of the others stay stable. Calling
// Startup again reloads the directory.
func (b *Backend) Startup(ctx context.Context) error {
	if err := b.fs.MkdirAll(b.dir, 0o755); err != nil {
		return &repository.RepositoryError{Op: "startup", Registry: b.name, Err: err}
	}
	entries, err := b.fs.ReadDir(b.dir)
	if err != nil {
		return &repository.RepositoryError{Op: "startup", Registry: b.name, Err: err}
	}
	var names []string
	for _, e := range entries {
		if e.Mode().IsRegular() && strings.HasSuffix(e.Name(), Ext) {
			names = append(names, e.Name())
		}
	}

	results := make([]loaded, len(names))
	dec := codec.NewDecoder(b.ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, fn := range names {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := b.fs.ReadFile(filepath.Join(b.dir, fn))
			if err != nil {
				results[i].err = err
				return nil
			}
			obj, warnings, err := dec.DecodeBytes(data)
			for _, w := range warnings {
				b.logger.Warn("transient: recovered from decode problem", "file", fn, "error", w)
			}
			results[i] = loaded{obj: obj, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects.Clear()
	b.files = make(map[int]string, len(names))

	var result *multierror.Error
	for id, r := range results {
		if r.err != nil {
			b.logger.Error("transient: failed to load record", "file", names[id], "error", r.err)
			result = multierror.Append(result, fmt.Errorf("%s: %w", names[id], r.err))
			continue
		}
		b.nameAfter(r.obj, strings.TrimSuffix(names[id], Ext))
		b.install(id, r.obj, names[id])
	}
	b.next = len(names)
	b.logger.Debug("transient: loaded", "objects", b.objects.Len(), "failed", len(names)-b.objects.Len())
	return result.ErrorOrNil()
}

// nameAfter sets an empty name attribute to the file's base name.
func (b *Backend) nameAfter(obj *domain.Object, base string) {
	if _, ok := obj.Schema().Item("name"); !ok {
		return
	}
	if v, err := obj.Get("name"); err == nil && v != "" {
		return
	}
	if err := obj.Apply("name", base); err != nil {
		b.logger.Debug("transient: cannot name object after file", "file", base, "error", err)
	}
	obj.ClearDirty()
}

func (b *Backend) install(id int, obj *domain.Object, file string) {
	obj.Register(b.name, id)
	obj.SetReadOnly(true)
	b.objects.Put(id, obj)
	b.files[id] = file
}

// UpdateIndex does nothing; objects are fully loaded at Startup.
func (b *Backend) UpdateIndex(ctx context.Context, ids ...int) error {
	return nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// fileName derives a record file name from the object's name attribute.
func (b *Backend) fileName(obj *domain.Object, id int) string {
	base := obj.ClassName() + "-" + strconv.Itoa(id)
	if _, ok := obj.Schema().Item("name"); ok {
		if v, err := obj.Get("name"); err == nil {
			if s, ok := v.(string); ok {
				if s = strings.Trim(unsafeChars.ReplaceAllString(s, "_"), "._"); s != "" {
					base = s
				}
			}
		}
	}
	fn := base + Ext
	if exists, _ := b.fs.Exists(filepath.Join(b.dir, fn)); exists {
		fn = base + "-" + strconv.Itoa(id) + Ext
	}
	return fn
}

// writeFile replaces path through a temporary file and a rename.
func (b *Backend) writeFile(path string, data []byte) error {
	tmp, err := b.fs.TempFile(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		b.fs.Remove(tmp.Name())
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		b.fs.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := b.fs.Rename(tmp.Name(), path); err != nil {
		b.fs.Remove(tmp.Name())
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Add writes a new record file per object. Stored objects become read-only.
func (b *Backend) Add(ctx context.Context, objs []*domain.Object, forceIDs []int) ([]int, error) {
	if forceIDs != nil && len(forceIDs) != len(objs) {
		return nil, &repository.RepositoryError{Op: "add", Registry: b.name, IDs: forceIDs,
			Err: fmt.Errorf("%d forced ids for %d objects", len(forceIDs), len(objs))}
	}
	if err := b.fs.MkdirAll(b.dir, 0o755); err != nil {
		return nil, &repository.RepositoryError{Op: "add", Registry: b.name, Err: err}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ids := make([]int, len(objs))
	for i, obj := range objs {
		if obj.IsPlaceholder() {
			return nil, &repository.RepositoryError{Op: "add", Registry: b.name, Err: fmt.Errorf("cannot store placeholder object")}
		}
		id := b.next
		if forceIDs != nil {
			id = forceIDs[i]
			if _, taken := b.files[id]; taken {
				return nil, &repository.RepositoryError{Op: "add", Registry: b.name, IDs: []int{id}, Err: fmt.Errorf("id %d is taken", id)}
			}
		}
		if id >= b.next {
			b.next = id + 1
		}
		ids[i] = id
	}

	written := make([]string, 0, len(objs))
	for i, obj := range objs {
		data, err := codec.EncodeBytes(obj)
		fn := b.fileName(obj, ids[i])
		if err == nil {
			err = b.writeFile(filepath.Join(b.dir, fn), data)
		}
		if err != nil {
			b.logger.Error("transient: add failed", "id", ids[i], "error", err)
			for _, w := range written {
				b.fs.Remove(filepath.Join(b.dir, w))
			}
			return nil, &repository.RepositoryError{Op: "add", Registry: b.name, IDs: []int{ids[i]}, Err: err}
		}
		written = append(written, fn)
	}

	for i, obj := range objs {
		obj.ClearDirty()
		b.install(ids[i], obj, written[i])
	}
	return ids, nil
}

// Flush does nothing; stored objects are immutable.
func (b *Backend) Flush(ctx context.Context, ids []int) error {
	return nil
}

// Load only reports ids that are not present.
func (b *Backend) Load(ctx context.Context, ids []int) error {
	var missing []int
	for _, id := range ids {
		if _, ok := b.objects.Get(id); !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return &repository.NotFoundError{Registry: b.name, IDs: missing}
	}
	return nil
}

// Delete does nothing. Remove the file and call Startup instead.
func (b *Backend) Delete(ctx context.Context, ids []int) error {
	b.logger.Debug("transient: ignoring delete", "ids", ids)
	return nil
}

// Lock grants every lock; the collection is never written concurrently.
func (b *Backend) Lock(ctx context.Context, ids []int) ([]int, error) {
	return append([]int(nil), ids...), nil
}

func (b *Backend) Unlock(ctx context.Context, ids []int) error { return nil }
func (b *Backend) Holds(id int) bool                           { return true }

// Clean removes all record files.
func (b *Backend) Clean(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries, err := b.fs.ReadDir(b.dir)
	if err != nil && !os.IsNotExist(err) {
		return &repository.RepositoryError{Op: "clean", Registry: b.name, Err: err}
	}
	for _, e := range entries {
		if e.Mode().IsRegular() && strings.HasSuffix(e.Name(), Ext) {
			if err := b.fs.Remove(filepath.Join(b.dir, e.Name())); err != nil {
				return &repository.RepositoryError{Op: "clean", Registry: b.name, Err: err}
			}
		}
	}
	b.objects.Clear()
	b.files = make(map[int]string)
	b.next = 0
	return nil
}

func (b *Backend) Shutdown(ctx context.Context) error {
	return nil
}

var _ repository.Backend = (*Backend)(nil)

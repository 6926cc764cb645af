// Package localdir stores the records of a registry as plain files.
//
// Objects are bucketed by id/1000 so no directory grows past a thousand
// entries:
//
//	<root>/<registry>/0xxx/17/data     primary record
//	<root>/<registry>/0xxx/17/data~    previous record, written before each overwrite
//	<root>/<registry>/0xxx/17.index    sidecar with the index blob and a data digest
//
// Listing reads only sidecars. A record whose primary copy is missing or
// does not decode is read from its backup instead.
package localdir

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/crypto/blake2b"

	"jobrepo/internal/codec"
	"jobrepo/internal/domain"
	"jobrepo/internal/fsutil"
	"jobrepo/internal/repository"
)

const (
	dataFile   = "data"
	backupExt  = "~"
	indexExt   = ".index"
	bucketSize = 1000
	bucketExt  = "xxx"
)

// sidecar is the content of an <id>.index file. A tombstone carries only
// Deleted.
type sidecar struct {
	Digest  string          `json:"digest,omitempty"`
	Deleted bool            `json:"deleted,omitempty"`
	Index   json.RawMessage `json:"index,omitempty"`
}

// Backend keeps one registry in a directory tree.
type Backend struct {
	dir      string
	name     string
	ctx      *domain.Context
	locker   repository.Locker
	objects  *repository.Table
	restorer *repository.Restorer
	logger   hclog.Logger
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger.
func WithLogger(l hclog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// New creates the backend of registry name under root.
func New(root, name string, ctx *domain.Context, locker repository.Locker, opts ...Option) *Backend {
	b := &Backend{
		dir:     filepath.Join(root, name),
		name:    name,
		ctx:     ctx,
		locker:  locker,
		objects: repository.NewTable(),
		logger:  hclog.NewNullLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.Named(name)
	b.restorer = repository.NewRestorer(name, ctx, b.objects, b.logger)
	return b
}

func (b *Backend) Name() string               { return b.name }
func (b *Backend) Objects() *repository.Table { return b.objects }

func (b *Backend) bucket(id int) string {
	return filepath.Join(b.dir, strconv.Itoa(id/bucketSize)+bucketExt)
}

func (b *Backend) objectDir(id int) string { return filepath.Join(b.bucket(id), strconv.Itoa(id)) }
func (b *Backend) dataPath(id int) string  { return filepath.Join(b.objectDir(id), dataFile) }
func (b *Backend) backupPath(id int) string {
	return filepath.Join(b.objectDir(id), dataFile+backupExt)
}
func (b *Backend) indexPath(id int) string {
	return filepath.Join(b.bucket(id), strconv.Itoa(id)+indexExt)
}

func digest(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Startup creates the registry directory and rebuilds the index.
func (b *Backend) Startup(ctx context.Context) error {
	if err := fsutil.EnsureDir(b.dir, 0o755); err != nil {
		return &repository.RepositoryError{Op: "startup", Registry: b.name, Err: err}
	}
	return b.UpdateIndex(ctx)
}

// scan lists every id that has a sidecar or an object directory.
func (b *Backend) scan() ([]int, error) {
	buckets, err := os.ReadDir(b.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", b.dir, err)
	}

	seen := make(map[int]struct{})
	for _, bk := range buckets {
		if !bk.IsDir() || !strings.HasSuffix(bk.Name(), bucketExt) {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(b.dir, bk.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to list bucket %s: %w", bk.Name(), err)
		}
		for _, e := range entries {
			name := e.Name()
			if !e.IsDir() {
				if !strings.HasSuffix(name, indexExt) {
					continue
				}
				name = strings.TrimSuffix(name, indexExt)
			}
			id, err := strconv.Atoi(name)
			if err != nil || id < 0 {
				continue
			}
			seen[id] = struct{}{}
		}
	}

	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

func (b *Backend) readSidecar(id int) (sidecar, error) {
	var sc sidecar
	data, err := os.ReadFile(b.indexPath(id))
	if err != nil {
		return sc, err
	}
	if err := json.Unmarshal(data, &sc); err != nil {
		return sc, fmt.Errorf("failed to decode sidecar %d: %w", id, err)
	}
	return sc, nil
}

func (b *Backend) writeSidecar(id int, sc sidecar) error {
	data, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("failed to encode sidecar %d: %w", id, err)
	}
	return fsutil.AtomicWriteFile(b.indexPath(id), data, 0o644)
}

// UpdateIndex installs index stubs from the sidecars. Objects whose sidecar
// is missing or unreadable are decoded from their data instead.
func (b *Backend) UpdateIndex(ctx context.Context, ids ...int) error {
	targets := ids
	if len(ids) == 0 {
		scanned, err := b.scan()
		if err != nil {
			return &repository.RepositoryError{Op: "update index", Registry: b.name, Err: err}
		}
		targets = scanned
	}

	var result *multierror.Error
	seen := make(map[int]bool, len(targets))
	for _, id := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		sc, err := b.readSidecar(id)
		if err == nil && sc.Deleted {
			b.restorer.Bury(id)
			continue
		}
		if err == nil {
			if err = b.restorer.Index(id, sc.Index); err == nil {
				seen[id] = true
				continue
			}
		}
		b.logger.Debug("localdir: index unusable, decoding data", "id", id, "error", err)
		found, err := b.loadOne(id)
		if found {
			seen[id] = true
		}
		if err != nil {
			b.logger.Warn("localdir: cannot rebuild index entry", "id", id, "error", err)
			result = multierror.Append(result, fmt.Errorf("object %d: %w", id, err))
		}
	}

	stale := ids
	if len(ids) == 0 {
		stale = b.objects.IDs()
	}
	for _, id := range stale {
		if !seen[id] {
			b.restorer.Forget(id)
		}
	}
	return result.ErrorOrNil()
}

// loadOne decodes the primary record of id, falling back to the backup.
// found is false when neither copy exists.
func (b *Backend) loadOne(id int) (found bool, err error) {
	primary, perr := os.ReadFile(b.dataPath(id))
	if perr == nil {
		if perr = b.restorer.Data(id, primary); perr == nil {
			b.checkSidecar(id, primary)
			return true, nil
		}
	}

	backup, berr := os.ReadFile(b.backupPath(id))
	if berr == nil {
		if berr = b.restorer.Data(id, backup); berr == nil {
			b.logger.Warn("localdir: primary record unusable, loaded backup", "id", id, "error", perr)
			return true, nil
		}
	}

	if os.IsNotExist(perr) && os.IsNotExist(berr) {
		return false, nil
	}
	var result *multierror.Error
	result = multierror.Append(result, fmt.Errorf("primary: %w", perr), fmt.Errorf("backup: %w", berr))
	return true, result.ErrorOrNil()
}

// checkSidecar rewrites a sidecar that does not describe data.
func (b *Backend) checkSidecar(id int, data []byte) {
	sc, err := b.readSidecar(id)
	if err == nil && sc.Digest == digest(data) {
		return
	}
	obj, ok := b.objects.Get(id)
	if !ok {
		return
	}
	idx, err := codec.EncodeIndex(obj)
	if err != nil {
		return
	}
	b.logger.Debug("localdir: refreshing stale sidecar", "id", id)
	if err := b.writeSidecar(id, sidecar{Digest: digest(data), Index: idx}); err != nil {
		b.logger.Warn("localdir: failed to refresh sidecar", "id", id, "error", err)
	}
}

// writeRecord copies the current primary to the backup before replacing it,
// then writes the sidecar. A primary that is not intact never replaces the
// backup.
func (b *Backend) writeRecord(rec repository.Record) error {
	if err := fsutil.EnsureDir(b.objectDir(rec.ID), 0o755); err != nil {
		return err
	}
	if current, err := os.ReadFile(b.dataPath(rec.ID)); err == nil {
		if b.intact(rec.ID, current) {
			if err := fsutil.CopyFile(b.dataPath(rec.ID), b.backupPath(rec.ID)); err != nil {
				return fmt.Errorf("failed to back up object %d: %w", rec.ID, err)
			}
		} else {
			b.logger.Warn("localdir: primary record damaged, keeping previous backup", "id", rec.ID)
		}
	}
	if err := fsutil.AtomicWriteFile(b.dataPath(rec.ID), rec.Data, 0o644); err != nil {
		return fmt.Errorf("failed to write object %d: %w", rec.ID, err)
	}
	return b.writeSidecar(rec.ID, sidecar{Digest: digest(rec.Data), Index: rec.Index})
}

// intact reports whether data matches the digest of the sidecar of id or,
// failing that, decodes.
func (b *Backend) intact(id int, data []byte) bool {
	if sc, err := b.readSidecar(id); err == nil && sc.Digest == digest(data) {
		return true
	}
	_, _, err := codec.NewDecoder(b.ctx).DecodeBytes(data)
	return err == nil
}

// used reports whether id has a sidecar or an object directory, live or
// tombstoned.
func (b *Backend) used(id int) bool {
	if _, err := os.Stat(b.indexPath(id)); err == nil {
		return true
	}
	_, err := os.Stat(b.objectDir(id))
	return err == nil
}

// checkUnused fails with ErrIDInUse when any of ids is already used or is
// named twice.
func (b *Backend) checkUnused(ids []int) error {
	seen := make(map[int]bool, len(ids))
	var taken []int
	for _, id := range ids {
		if seen[id] {
			return fmt.Errorf("%w: %d given twice", repository.ErrIDInUse, id)
		}
		seen[id] = true
		if b.used(id) {
			taken = append(taken, id)
		}
	}
	if len(taken) > 0 {
		return fmt.Errorf("%w: %v", repository.ErrIDInUse, taken)
	}
	return nil
}

// Add writes one record per object. Ids that already hold a record or a
// tombstone are refused. When a write fails the records created by this
// call are removed again and nothing is registered.
func (b *Backend) Add(ctx context.Context, objs []*domain.Object, forceIDs []int) ([]int, error) {
	if forceIDs != nil && len(forceIDs) != len(objs) {
		return nil, &repository.RepositoryError{Op: "add", Registry: b.name, IDs: forceIDs,
			Err: fmt.Errorf("%d forced ids for %d objects", len(forceIDs), len(objs))}
	}
	if len(objs) == 0 {
		return nil, nil
	}
	for _, obj := range objs {
		if obj.IsPlaceholder() {
			return nil, &repository.RepositoryError{Op: "add", Registry: b.name, Err: errors.New("cannot store placeholder object")}
		}
		if _, registered := obj.ID(); registered {
			return nil, &repository.RepositoryError{Op: "add", Registry: b.name, Err: fmt.Errorf("%s is already registered", obj)}
		}
	}

	ids := forceIDs
	if ids == nil {
		allocated, err := b.locker.Allocate(ctx, b.name, len(objs))
		if err != nil {
			return nil, &repository.RepositoryError{Op: "add", Registry: b.name, Err: err}
		}
		ids = allocated
	} else if err := b.checkUnused(ids); err != nil {
		return nil, &repository.RepositoryError{Op: "add", Registry: b.name, IDs: ids, Err: err}
	} else if err := b.locker.Reserve(ctx, b.name, ids); err != nil {
		return nil, &repository.RepositoryError{Op: "add", Registry: b.name, IDs: ids, Err: err}
	}

	var created []int
	for i, obj := range objs {
		var err error
		if b.used(ids[i]) {
			err = fmt.Errorf("%w: %d", repository.ErrIDInUse, ids[i])
		} else {
			created = append(created, ids[i])
			var rec repository.Record
			if rec, err = repository.NewRecord(ids[i], obj); err == nil {
				err = b.writeRecord(rec)
			}
		}
		if err != nil {
			b.logger.Error("localdir: add failed", "id", ids[i], "error", err)
			for _, id := range created {
				fsutil.RemoveAll(b.objectDir(id))
				os.Remove(b.indexPath(id))
			}
			return nil, &repository.RepositoryError{Op: "add", Registry: b.name, IDs: []int{ids[i]}, Err: err}
		}
	}

	for i, obj := range objs {
		obj.Register(b.name, ids[i])
		obj.ClearDirty()
		b.objects.Put(ids[i], obj)
	}
	b.logger.Debug("localdir: added objects", "ids", ids)
	return append([]int(nil), ids...), nil
}

// Flush rewrites dirty loaded objects.
func (b *Backend) Flush(ctx context.Context, ids []int) error {
	for _, id := range ids {
		obj, ok := b.objects.Get(id)
		if !ok {
			return &repository.RepositoryError{Op: "flush", Registry: b.name, IDs: []int{id},
				Err: &repository.NotFoundError{Registry: b.name, IDs: []int{id}}}
		}
		if obj.IsPlaceholder() || !obj.Loaded() || !obj.Dirty() {
			continue
		}
		rec, err := repository.NewRecord(id, obj)
		if err == nil {
			err = b.writeRecord(rec)
		}
		if err != nil {
			b.logger.Error("localdir: flush failed", "id", id, "error", err)
			return &repository.RepositoryError{Op: "flush", Registry: b.name, IDs: []int{id}, Err: err}
		}
		obj.ClearDirty()
	}
	return nil
}

// Load decodes ids that are not loaded yet.
func (b *Backend) Load(ctx context.Context, ids []int) error {
	var (
		result   *multierror.Error
		notFound []int
	)
	for _, id := range ids {
		if obj, ok := b.objects.Get(id); ok && obj.Loaded() {
			continue
		}
		if sc, err := b.readSidecar(id); err == nil && sc.Deleted {
			b.restorer.Bury(id)
			notFound = append(notFound, id)
			continue
		}
		found, err := b.loadOne(id)
		if !found {
			notFound = append(notFound, id)
			continue
		}
		if err != nil {
			b.logger.Warn("localdir: failed to decode object", "id", id, "error", err)
			result = multierror.Append(result, fmt.Errorf("object %d: %w", id, err))
		}
	}
	if len(notFound) > 0 {
		result = multierror.Append(result, &repository.NotFoundError{Registry: b.name, IDs: notFound})
	}
	return result.ErrorOrNil()
}

// Delete replaces each record by a tombstone sidecar.
func (b *Backend) Delete(ctx context.Context, ids []int) error {
	for _, id := range ids {
		if err := b.writeSidecar(id, sidecar{Deleted: true}); err != nil {
			return &repository.RepositoryError{Op: "delete", Registry: b.name, IDs: []int{id}, Err: err}
		}
		if err := fsutil.RemoveAll(b.objectDir(id)); err != nil {
			return &repository.RepositoryError{Op: "delete", Registry: b.name, IDs: []int{id}, Err: err}
		}
		b.restorer.Bury(id)
	}
	if err := b.locker.Unlock(ctx, b.name, ids); err != nil {
		b.logger.Warn("localdir: failed to release locks of deleted objects", "ids", ids, "error", err)
	}
	return nil
}

func (b *Backend) Lock(ctx context.Context, ids []int) ([]int, error) {
	return b.locker.Lock(ctx, b.name, ids)
}

func (b *Backend) Unlock(ctx context.Context, ids []int) error {
	return b.locker.Unlock(ctx, b.name, ids)
}

func (b *Backend) Holds(id int) bool {
	return b.locker.Holds(b.name, id)
}

// Clean removes the registry directory. Id counters are kept by the locker.
func (b *Backend) Clean(ctx context.Context) error {
	if err := fsutil.RemoveAll(b.dir); err != nil {
		return &repository.RepositoryError{Op: "clean", Registry: b.name, Err: err}
	}
	b.objects.Clear()
	if err := fsutil.EnsureDir(b.dir, 0o755); err != nil {
		return &repository.RepositoryError{Op: "clean", Registry: b.name, Err: err}
	}
	return nil
}

func (b *Backend) Shutdown(ctx context.Context) error {
	b.logger.Debug("localdir: shutdown", "objects", b.objects.Len())
	return nil
}

var _ repository.Backend = (*Backend)(nil)

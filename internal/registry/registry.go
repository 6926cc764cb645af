// Package registry exposes named collections of objects on top of a
// repository backend. A Registry adds what callers need beyond raw storage:
// lock-before-write, lazy decoding on access, index-only queries, slot
// lifecycle reporting and change events.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"jobrepo/internal/domain"
	"jobrepo/internal/repository"
)

// SlotState is the lifecycle position of one id.
type SlotState int

const (
	// Unallocated ids were never handed out.
	Unallocated SlotState = iota
	// Allocated ids are locked by this session but hold no object yet.
	Allocated
	// Registered ids hold an object known from its index only.
	Registered
	// Loaded ids hold a fully decoded object.
	Loaded
	// Evicted ids had their decoded data dropped from memory.
	Evicted
	// Tombstoned ids were deleted and are never reused.
	Tombstoned
)

func (s SlotState) String() string {
	switch s {
	case Unallocated:
		return "unallocated"
	case Allocated:
		return "allocated"
	case Registered:
		return "registered"
	case Loaded:
		return "loaded"
	case Evicted:
		return "evicted"
	case Tombstoned:
		return "tombstoned"
	default:
		return fmt.Sprintf("SlotState(%d)", int(s))
	}
}

// Entry is the index view of one object.
type Entry struct {
	ID        int
	ClassName string
	Category  string
	Index     map[string]any
	Loaded    bool
}

// Filter selects index entries.
type Filter func(Entry) bool

// Match selects entries whose index holds every given attribute value.
func Match(attrs map[string]any) Filter {
	return func(e Entry) bool {
		for k, want := range attrs {
			got, ok := e.Index[k]
			if !ok || !domain.ValuesEqual(got, want) {
				return false
			}
		}
		return true
	}
}

// ByClass selects entries of one class.
func ByClass(name string) Filter {
	return func(e Entry) bool { return e.ClassName == name }
}

// Registry is one named collection.
type Registry struct {
	name        string
	backend     repository.Backend
	locker      repository.Locker
	bus         *EventBus
	logger      hclog.Logger
	lockTimeout time.Duration
	lockRetry   time.Duration

	mu      sync.Mutex
	started bool
	evicted map[int]struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l hclog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithEventBus publishes changes on bus.
func WithEventBus(bus *EventBus) Option {
	return func(r *Registry) { r.bus = bus }
}

// WithLocker names the locker behind the backend, used to describe the
// owners of contended locks.
func WithLocker(l repository.Locker) Option {
	return func(r *Registry) { r.locker = l }
}

// WithLockTimeout makes writes wait up to d for contended locks.
func WithLockTimeout(d time.Duration) Option {
	return func(r *Registry) { r.lockTimeout = d }
}

// New creates a registry over backend. The backend's name is the
// registry's name.
func New(backend repository.Backend, opts ...Option) *Registry {
	r := &Registry{
		name:      backend.Name(),
		backend:   backend,
		logger:    hclog.NewNullLogger(),
		lockRetry: 100 * time.Millisecond,
		evicted:   make(map[int]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Name() string                { return r.name }
func (r *Registry) Backend() repository.Backend { return r.backend }

func (r *Registry) checkStarted() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return fmt.Errorf("%s: %w", r.name, ErrNotStarted)
	}
	return nil
}

// Startup opens the backend and reads the index. Records that fail to
// decode are reported in the returned error but do not keep the registry
// from starting; storage failures do.
func (r *Registry) Startup(ctx context.Context) error {
	err := r.backend.Startup(ctx)
	var partial *multierror.Error
	if err != nil && !errors.As(err, &partial) {
		r.logger.Error("registry: startup failed", "error", err)
		return err
	}
	if err != nil {
		r.logger.Warn("registry: some records could not be read", "errors", len(partial.Errors))
	}

	r.mu.Lock()
	r.started = true
	r.mu.Unlock()

	r.logger.Info("registry: started", "objects", r.backend.Objects().Len())
	r.bus.Publish(Event{Type: EventReloaded, Registry: r.name})
	return err
}

// Shutdown flushes dirty objects, releases this session's locks and closes
// the backend.
func (r *Registry) Shutdown(ctx context.Context) error {
	if err := r.checkStarted(); err != nil {
		return nil
	}
	var result *multierror.Error
	if err := r.FlushAll(ctx); err != nil {
		result = multierror.Append(result, err)
	}

	var held []int
	for _, id := range r.backend.Objects().IDs() {
		if r.backend.Holds(id) {
			held = append(held, id)
		}
	}
	if len(held) > 0 {
		if err := r.backend.Unlock(ctx, held); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := r.backend.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}

	r.mu.Lock()
	r.started = false
	r.mu.Unlock()
	return result.ErrorOrNil()
}

// Add stores new objects and returns their ids. The objects stay locked by
// this session.
func (r *Registry) Add(ctx context.Context, objs ...*domain.Object) ([]int, error) {
	return r.AddWithIDs(ctx, objs, nil)
}

// AddWithIDs stores objects under caller-chosen ids, as when replaying a
// repository into another.
func (r *Registry) AddWithIDs(ctx context.Context, objs []*domain.Object, ids []int) ([]int, error) {
	if err := r.checkStarted(); err != nil {
		return nil, err
	}
	added, err := r.backend.Add(ctx, objs, ids)
	if err != nil {
		return nil, err
	}
	r.bus.Publish(Event{Type: EventAdded, Registry: r.name, IDs: added})
	return added, nil
}

// acquire locks ids for this session, waiting up to the lock timeout.
// Storage is asked even for ids the backend believes it holds, since
// another session may have reaped them.
func (r *Registry) acquire(ctx context.Context, ids []int) error {
	need := append([]int(nil), ids...)
	deadline := time.Now().Add(r.lockTimeout)
	for len(need) > 0 {
		got, err := r.backend.Lock(ctx, need)
		if err != nil {
			return err
		}
		need = subtract(need, got)
		if len(need) == 0 {
			return nil
		}
		if !time.Now().Before(deadline) {
			return r.lockedError(ctx, need)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.lockRetry):
		}
	}
	return nil
}

func (r *Registry) lockedError(ctx context.Context, ids []int) error {
	e := &LockedError{Registry: r.name, IDs: ids, Owners: make([]string, len(ids))}
	if r.locker != nil {
		for i, id := range ids {
			e.Owners[i] = r.locker.LockSession(ctx, r.name, id)
		}
	}
	r.logger.Warn("registry: objects locked elsewhere", "ids", ids)
	return e
}

func subtract(ids, remove []int) []int {
	drop := make(map[int]bool, len(remove))
	for _, id := range remove {
		drop[id] = true
	}
	var out []int
	for _, id := range ids {
		if !drop[id] {
			out = append(out, id)
		}
	}
	return out
}

// Lock acquires the locks of ids for this session.
func (r *Registry) Lock(ctx context.Context, ids ...int) error {
	if err := r.checkStarted(); err != nil {
		return err
	}
	return r.acquire(ctx, ids)
}

// Unlock releases locks held by this session.
func (r *Registry) Unlock(ctx context.Context, ids ...int) error {
	if err := r.checkStarted(); err != nil {
		return err
	}
	return r.backend.Unlock(ctx, ids)
}

// LockOwner describes the session holding the lock of id, or returns "".
func (r *Registry) LockOwner(ctx context.Context, id int) string {
	if r.locker == nil {
		return ""
	}
	return r.locker.LockSession(ctx, r.name, id)
}

// Flush writes the dirty objects among ids. Their locks are taken first; a
// lock held elsewhere fails the flush with a *LockedError and nothing is
// written.
func (r *Registry) Flush(ctx context.Context, ids ...int) error {
	if err := r.checkStarted(); err != nil {
		return err
	}
	var dirty []int
	for _, id := range ids {
		if obj, ok := r.backend.Objects().Get(id); ok && obj.Loaded() && obj.Dirty() && !obj.IsPlaceholder() {
			dirty = append(dirty, id)
		}
	}
	if err := r.acquire(ctx, dirty); err != nil {
		return err
	}
	if err := r.backend.Flush(ctx, ids); err != nil {
		return err
	}
	if len(dirty) > 0 {
		r.bus.Publish(Event{Type: EventFlushed, Registry: r.name, IDs: dirty})
	}
	return nil
}

// FlushAll writes every dirty object.
func (r *Registry) FlushAll(ctx context.Context) error {
	var dirty []int
	for _, id := range r.backend.Objects().IDs() {
		if obj, ok := r.backend.Objects().Get(id); ok && obj.Loaded() && obj.Dirty() {
			dirty = append(dirty, id)
		}
	}
	if len(dirty) == 0 {
		return nil
	}
	return r.Flush(ctx, dirty...)
}

// Delete tombstones ids after taking their locks. Deleting a tombstoned id
// is a no-op.
func (r *Registry) Delete(ctx context.Context, ids ...int) error {
	if err := r.checkStarted(); err != nil {
		return err
	}
	var live []int
	for _, id := range ids {
		if _, ok := r.backend.Objects().Get(id); ok {
			live = append(live, id)
		}
	}
	if err := r.acquire(ctx, live); err != nil {
		return err
	}
	if err := r.backend.Delete(ctx, ids); err != nil {
		return err
	}

	r.mu.Lock()
	for _, id := range ids {
		delete(r.evicted, id)
	}
	r.mu.Unlock()

	r.bus.Publish(Event{Type: EventDeleted, Registry: r.name, IDs: ids})
	return nil
}

// Get returns the object of id, decoding it on first access. An id unknown
// to the in-memory index is looked up in storage once before giving up.
func (r *Registry) Get(ctx context.Context, id int) (*domain.Object, error) {
	if err := r.checkStarted(); err != nil {
		return nil, err
	}
	obj, ok := r.backend.Objects().Get(id)
	if !ok {
		if err := r.backend.UpdateIndex(ctx, id); err != nil {
			r.logger.Debug("registry: index refresh failed", "id", id, "error", err)
		}
		if obj, ok = r.backend.Objects().Get(id); !ok {
			return nil, &repository.NotFoundError{Registry: r.name, IDs: []int{id}}
		}
	}
	if !obj.Loaded() {
		if err := r.Load(ctx, id); err != nil {
			return nil, err
		}
	}
	return obj, nil
}

// Load decodes ids that are only known from their index.
func (r *Registry) Load(ctx context.Context, ids ...int) error {
	if err := r.checkStarted(); err != nil {
		return err
	}
	err := r.backend.Load(ctx, ids)
	r.mu.Lock()
	for _, id := range ids {
		if obj, ok := r.backend.Objects().Get(id); ok && obj.Loaded() {
			delete(r.evicted, id)
		}
	}
	r.mu.Unlock()
	return err
}

// Evict drops the decoded data of id, keeping its index entry. Objects
// with unflushed changes cannot be evicted.
func (r *Registry) Evict(id int) error {
	obj, ok := r.backend.Objects().Get(id)
	if !ok {
		return &repository.NotFoundError{Registry: r.name, IDs: []int{id}}
	}
	if !obj.Loaded() {
		return nil
	}
	if obj.Dirty() {
		return fmt.Errorf("%s: %w", obj, ErrDirty)
	}
	obj.Evict()
	r.mu.Lock()
	r.evicted[id] = struct{}{}
	r.mu.Unlock()
	return nil
}

// UpdateIndex picks up changes made by other sessions.
func (r *Registry) UpdateIndex(ctx context.Context, ids ...int) error {
	if err := r.checkStarted(); err != nil {
		return err
	}
	return r.backend.UpdateIndex(ctx, ids...)
}

// IDs lists the ids of the collection in ascending order.
func (r *Registry) IDs() []int {
	return r.backend.Objects().IDs()
}

// Len counts the objects of the collection.
func (r *Registry) Len() int {
	return r.backend.Objects().Len()
}

// Index returns the index entry of id without decoding the object.
func (r *Registry) Index(id int) (Entry, bool) {
	obj, ok := r.backend.Objects().Get(id)
	if !ok {
		return Entry{}, false
	}
	return Entry{
		ID:        id,
		ClassName: obj.ClassName(),
		Category:  obj.Category(),
		Index:     obj.IndexCache(),
		Loaded:    obj.Loaded(),
	}, true
}

// Entries returns the index entries of all objects, ordered by id.
func (r *Registry) Entries() []Entry {
	ids := r.IDs()
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		if e, ok := r.Index(id); ok {
			out = append(out, e)
		}
	}
	return out
}

// Select returns the ids whose index entry passes every filter. Objects
// are never decoded.
func (r *Registry) Select(filters ...Filter) []int {
	var ids []int
	for _, e := range r.Entries() {
		keep := true
		for _, f := range filters {
			if !f(e) {
				keep = false
				break
			}
		}
		if keep {
			ids = append(ids, e.ID)
		}
	}
	sort.Ints(ids)
	return ids
}

// State reports the lifecycle position of id as seen by this session.
// Tombstones come from the backend, so ids deleted before a restart or by
// another session still report Tombstoned once the index was read.
func (r *Registry) State(id int) SlotState {
	r.mu.Lock()
	_, evicted := r.evicted[id]
	r.mu.Unlock()

	if r.backend.Objects().Tombstoned(id) {
		return Tombstoned
	}
	obj, ok := r.backend.Objects().Get(id)
	switch {
	case !ok && r.backend.Holds(id):
		return Allocated
	case !ok:
		return Unallocated
	case obj.Loaded():
		return Loaded
	case evicted:
		return Evicted
	default:
		return Registered
	}
}

package repository

import (
	"sort"
	"sync"

	"jobrepo/internal/domain"
)

// Table is the in-memory object table of one registry. It is owned by a
// single process and never shared across processes. Besides live objects
// it remembers the tombstones seen in storage.
type Table struct {
	mu    sync.RWMutex
	objs  map[int]*domain.Object
	tombs map[int]struct{}
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{objs: make(map[int]*domain.Object), tombs: make(map[int]struct{})}
}

func (t *Table) Get(id int) (*domain.Object, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	obj, ok := t.objs[id]
	return obj, ok
}

func (t *Table) Put(id int, obj *domain.Object) {
	t.mu.Lock()
	t.objs[id] = obj
	delete(t.tombs, id)
	t.mu.Unlock()
}

// Bury removes id and records it as tombstoned.
func (t *Table) Bury(id int) (*domain.Object, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	obj, ok := t.objs[id]
	delete(t.objs, id)
	t.tombs[id] = struct{}{}
	return obj, ok
}

// Tombstoned reports whether storage holds a tombstone for id.
func (t *Table) Tombstoned(id int) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.tombs[id]
	return ok
}

func (t *Table) Remove(id int) (*domain.Object, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	obj, ok := t.objs[id]
	delete(t.objs, id)
	return obj, ok
}

// IDs returns the registered ids in increasing order.
func (t *Table) IDs() []int {
	t.mu.RLock()
	ids := make([]int, 0, len(t.objs))
	for id := range t.objs {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	sort.Ints(ids)
	return ids
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.objs)
}

// Clear drops every entry.
func (t *Table) Clear() {
	t.mu.Lock()
	t.objs = make(map[int]*domain.Object)
	t.tombs = make(map[int]struct{})
	t.mu.Unlock()
}

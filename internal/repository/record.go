package repository

import (
	"fmt"

	"github.com/hashicorp/go-hclog"

	"jobrepo/internal/codec"
	"jobrepo/internal/domain"
)

// Record is the persisted form of one object. A tombstone has an empty
// ClassName and no blobs.
type Record struct {
	ID        int
	ClassName string
	Category  string
	Index     []byte
	Data      []byte
}

// Tombstoned reports whether the record marks a deleted id.
func (r Record) Tombstoned() bool { return r.ClassName == "" }

// NewRecord serializes obj under id.
func NewRecord(id int, obj *domain.Object) (Record, error) {
	data, err := codec.EncodeBytes(obj)
	if err != nil {
		return Record{}, fmt.Errorf("failed to encode object %d: %w", id, err)
	}
	idx, err := codec.EncodeIndex(obj)
	if err != nil {
		return Record{}, err
	}
	return Record{
		ID:        id,
		ClassName: obj.ClassName(),
		Category:  obj.Category(),
		Index:     idx,
		Data:      data,
	}, nil
}

// Restorer merges stored blobs into a Table.
type Restorer struct {
	registry string
	ctx      *domain.Context
	table    *Table
	dec      *codec.Decoder
	logger   hclog.Logger
}

// NewRestorer creates a Restorer for the named registry.
func NewRestorer(registry string, ctx *domain.Context, table *Table, logger hclog.Logger) *Restorer {
	return &Restorer{
		registry: registry,
		ctx:      ctx,
		table:    table,
		dec:      codec.NewDecoder(ctx),
		logger:   logger,
	}
}

// Data decodes a data blob and installs the result for id. An existing stub
// is materialized in place so references to it stay valid. Recoverable
// decode problems are logged; the returned error means the blob is unusable.
func (r *Restorer) Data(id int, data []byte) error {
	obj, warnings, err := r.dec.DecodeBytes(data)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		r.logger.Warn("recovered from decode problem", "id", id, "error", w)
	}

	if cur, ok := r.table.Get(id); ok {
		cur.Adopt(obj)
		return nil
	}
	obj.Register(r.registry, id)
	r.table.Put(id, obj)
	return nil
}

// Index installs or refreshes the index stub for id. Loaded objects are not
// touched. The returned error means the caller should fall back to the data
// blob.
func (r *Restorer) Index(id int, blob []byte) error {
	cur, ok := r.table.Get(id)
	if ok && cur.Loaded() {
		return nil
	}
	entry, err := codec.DecodeIndex(blob)
	if err != nil {
		return err
	}
	if ok && cur.ClassName() == entry.ClassName && cur.Category() == entry.Category {
		cur.SetIndexCache(entry.Attrs)
		return nil
	}
	stub, err := entry.Stub(r.ctx)
	if err != nil {
		return err
	}
	stub.Register(r.registry, id)
	r.table.Put(id, stub)
	return nil
}

// Forget drops id from the table, as when another session deleted it.
func (r *Restorer) Forget(id int) {
	if obj, ok := r.table.Remove(id); ok {
		obj.Unregister()
	}
}

// Bury drops id from the table and records its tombstone.
func (r *Restorer) Bury(id int) {
	if obj, ok := r.table.Bury(id); ok {
		obj.Unregister()
	}
}

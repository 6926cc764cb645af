package domain

import "fmt"

// Class binds a schema to the (category, name) identity that records store.
type Class struct {
	Name     string
	Category string
	Schema   *Schema
}

// NewClass creates the class described by schema.
func NewClass(schema *Schema) *Class {
	return &Class{Name: schema.Name, Category: schema.Category, Schema: schema}
}

// New instantiates the class with every attribute set to its default.
func (c *Class) New(ctx *Context) (*Object, error) {
	o := c.Bare()
	for _, name := range c.Schema.Names() {
		v, err := ctx.DefaultValue(c.Schema, name)
		if err != nil {
			return nil, fmt.Errorf("default for %s.%s: %w", c.Name, name, err)
		}
		if err := o.Apply(name, v); err != nil {
			return nil, err
		}
	}
	o.dirty = false
	return o, nil
}

// Bare instantiates the class with no attributes set.
func (c *Class) Bare() *Object {
	return &Object{
		class:  c,
		values: make(map[string]any, c.Schema.Len()),
		id:     -1,
		loaded: true,
	}
}

// EmptyClass is the placeholder class substituted for records that could not
// be decoded. Repositories never persist it.
var EmptyClass = &Class{
	Name:     "EmptyObject",
	Category: "internal",
	Schema:   MustSchema("internal", "EmptyObject", Version{}),
}

// NewEmptyObject returns a placeholder object.
func NewEmptyObject() *Object {
	return EmptyClass.Bare()
}

// Object is an instance of a Class.
type Object struct {
	class  *Class
	values map[string]any
	parent *Object

	dirty    bool
	readOnly bool

	id       int
	registry string
	loaded   bool
	index    map[string]any
}

func (o *Object) Class() *Class       { return o.class }
func (o *Object) Schema() *Schema     { return o.class.Schema }
func (o *Object) ClassName() string   { return o.class.Name }
func (o *Object) Category() string    { return o.class.Category }
func (o *Object) IsPlaceholder() bool { return o.class == EmptyClass }

// Parent returns the object this one is nested in, or nil for a root object.
func (o *Object) Parent() *Object { return o.parent }

// Root walks up to the outermost enclosing object.
func (o *Object) Root() *Object {
	r := o
	for r.parent != nil {
		r = r.parent
	}
	return r
}

// Get returns the current value of attribute name. Unset attributes read as nil.
func (o *Object) Get(name string) (any, error) {
	if _, err := o.class.Schema.GetItem(name); err != nil {
		return nil, err
	}
	if !o.loaded {
		return nil, ErrNotLoaded
	}
	return o.values[name], nil
}

// Has reports whether attribute name has been set.
func (o *Object) Has(name string) bool {
	_, ok := o.values[name]
	return ok
}

// Attributes returns the names of set attributes in schema order.
func (o *Object) Attributes() []string {
	var names []string
	for _, name := range o.class.Schema.names {
		if _, ok := o.values[name]; ok {
			names = append(names, name)
		}
	}
	return names
}

// Set writes an attribute on behalf of an outside caller. Protected
// attributes and read-only objects are refused.
func (o *Object) Set(name string, v any) error {
	it, err := o.class.Schema.GetItem(name)
	if err != nil {
		return err
	}
	if it.Protected {
		return fmt.Errorf("%s.%s: %w", o.class.Name, name, ErrProtected)
	}
	if o.Root().readOnly {
		return fmt.Errorf("%s.%s: %w", o.class.Name, name, ErrReadOnly)
	}
	return o.assign(it, name, v)
}

// Apply writes an attribute on behalf of the owning code, bypassing the
// protected and read-only checks. Type constraints still apply.
func (o *Object) Apply(name string, v any) error {
	it, err := o.class.Schema.GetItem(name)
	if err != nil {
		return err
	}
	return o.assign(it, name, v)
}

func (o *Object) assign(it *Item, name string, v any) error {
	nv, err := it.normalize(o.class, name, v)
	if err != nil {
		return err
	}
	switch t := nv.(type) {
	case *Object:
		t.parent = o
	case []any:
		for _, e := range t {
			if child, ok := e.(*Object); ok {
				child.parent = o
			}
		}
	}
	o.values[name] = nv
	o.MarkDirty()
	return nil
}

// MarkDirty flags the enclosing root object as needing a flush.
func (o *Object) MarkDirty() {
	o.Root().dirty = true
}

// Dirty reports whether the object changed since it was last persisted.
func (o *Object) Dirty() bool { return o.Root().dirty }

// ClearDirty is called by repositories after a successful write.
func (o *Object) ClearDirty() { o.Root().dirty = false }

// SetReadOnly freezes or unfreezes the object against outside writes.
func (o *Object) SetReadOnly(v bool) { o.readOnly = v }

// ReadOnly reports whether outside writes are refused.
func (o *Object) ReadOnly() bool { return o.Root().readOnly }

// ID returns the repository id, if the object has been registered.
func (o *Object) ID() (int, bool) {
	return o.id, o.id >= 0
}

// Registry names the collection the object is registered in.
func (o *Object) Registry() string { return o.registry }

// Register records the identity assigned by a repository.
func (o *Object) Register(registry string, id int) {
	o.registry = registry
	o.id = id
}

// Unregister drops the repository identity, as on deletion.
func (o *Object) Unregister() {
	o.registry = ""
	o.id = -1
}

// Loaded reports whether the attribute data is present in memory. Objects
// rebuilt from an index blob alone are not loaded until their data is decoded.
func (o *Object) Loaded() bool { return o.loaded }

// SetIndexCache turns o into an index-only stub carrying idx.
func (o *Object) SetIndexCache(idx map[string]any) {
	o.index = idx
	o.loaded = false
	o.values = make(map[string]any, o.class.Schema.Len())
}

// Evict drops decoded attribute data, keeping only the index summary.
func (o *Object) Evict() {
	o.SetIndexCache(o.IndexCache())
}

// IndexCache summarizes the indexed attributes. Component values are
// summarized by their class name. Stubs return the stored summary.
func (o *Object) IndexCache() map[string]any {
	if !o.loaded {
		return copyIndex(o.index)
	}
	idx := make(map[string]any)
	for _, name := range o.class.Schema.names {
		it := o.class.Schema.items[name]
		if !it.Indexed {
			continue
		}
		v, ok := o.values[name]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case *Object:
			idx[name] = t.ClassName()
		case []any:
			names := make([]any, 0, len(t))
			for _, e := range t {
				if child, ok := e.(*Object); ok {
					names = append(names, child.ClassName())
				} else {
					names = append(names, e)
				}
			}
			idx[name] = names
		default:
			idx[name] = v
		}
	}
	return idx
}

// Adopt replaces o's class and attribute data with src's, keeping o's
// repository identity. Used to materialize a stub in place.
func (o *Object) Adopt(src *Object) {
	o.class = src.class
	o.values = src.values
	for _, v := range o.values {
		switch t := v.(type) {
		case *Object:
			t.parent = o
		case []any:
			for _, e := range t {
				if child, ok := e.(*Object); ok {
					child.parent = o
				}
			}
		}
	}
	o.loaded = true
	o.index = nil
	o.dirty = false
}

// Clone deep-copies the object without its repository identity.
func (o *Object) Clone() *Object {
	cp := o.class.Bare()
	cp.loaded = o.loaded
	cp.index = copyIndex(o.index)
	for name, v := range o.values {
		nv := CopyValue(v)
		switch t := nv.(type) {
		case *Object:
			t.parent = cp
		case []any:
			for _, e := range t {
				if child, ok := e.(*Object); ok {
					child.parent = cp
				}
			}
		}
		cp.values[name] = nv
	}
	return cp
}

// Copy clones the object keeping only copyable attributes; the rest revert to
// their defaults.
func (o *Object) Copy(ctx *Context) (*Object, error) {
	cp, err := o.class.New(ctx)
	if err != nil {
		return nil, err
	}
	for _, name := range o.class.Schema.names {
		it := o.class.Schema.items[name]
		v, ok := o.values[name]
		if !ok || !it.Copyable {
			continue
		}
		if err := cp.Apply(name, CopyValue(v)); err != nil {
			return nil, err
		}
	}
	return cp, nil
}

func (o *Object) String() string {
	if id, ok := o.ID(); ok {
		return fmt.Sprintf("%s(%s #%d)", o.class.Name, o.registry, id)
	}
	return o.class.Name
}

func copyIndex(idx map[string]any) map[string]any {
	if idx == nil {
		return nil
	}
	cp := make(map[string]any, len(idx))
	for k, v := range idx {
		cp[k] = CopyValue(v)
	}
	return cp
}

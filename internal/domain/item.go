package domain

import (
	"fmt"
	"slices"
)

// ItemKind distinguishes plain values from nested plugin objects.
type ItemKind int

const (
	// SimpleItem holds scalars or lists of scalars.
	SimpleItem ItemKind = iota
	// ComponentItem holds objects of a plugin category.
	ComponentItem
)

func (k ItemKind) String() string {
	if k == ComponentItem {
		return "component"
	}
	return "simple"
}

// Type names accepted in an Item's type list.
const (
	TypeString = "string"
	TypeInt    = "int"
	TypeFloat  = "float"
	TypeBool   = "bool"
	TypeList   = "list"
	TypeDict   = "dict"
	TypeNone   = "None"
)

// Item describes one schema attribute.
type Item struct {
	Kind    ItemKind
	Default any

	// Types lists the allowed type names; empty means unchecked.
	Types []string

	// Category is the plugin category a component item's objects belong to.
	Category string
	Doc      string

	Sequence       bool
	StrictSequence bool
	Protected      bool
	Copyable       bool
	Hidden         bool
	Transient      bool
	Optional       bool
	Comparable     bool
	LoadDefault    bool
	Indexed        bool
}

// ItemOption adjusts an Item under construction.
type ItemOption func(*itemBuilder)

type itemBuilder struct {
	item        Item
	copyableSet bool
}

// WithTypes restricts the item to the given type names.
func WithTypes(types ...string) ItemOption {
	return func(b *itemBuilder) { b.item.Types = append([]string(nil), types...) }
}

// AsSequence makes the item list-valued.
func AsSequence() ItemOption {
	return func(b *itemBuilder) { b.item.Sequence = true }
}

// Lenient lets a sequence item accept a single value, which is wrapped in a list.
func Lenient() ItemOption {
	return func(b *itemBuilder) { b.item.StrictSequence = false }
}

// Protected marks the item as writable only by the owning code.
func Protected() ItemOption {
	return func(b *itemBuilder) { b.item.Protected = true }
}

// Copyable sets whether the item is carried over when an object is copied.
func Copyable(v bool) ItemOption {
	return func(b *itemBuilder) {
		b.item.Copyable = v
		b.copyableSet = true
	}
}

// Hidden hides the item from listings.
func Hidden() ItemOption {
	return func(b *itemBuilder) { b.item.Hidden = true }
}

// Transient keeps the item out of persisted records.
func Transient() ItemOption {
	return func(b *itemBuilder) { b.item.Transient = true }
}

// Optional allows a component item to stay unset.
func Optional() ItemOption {
	return func(b *itemBuilder) { b.item.Optional = true }
}

// Comparable sets whether the item takes part in object comparison.
func Comparable(v bool) ItemOption {
	return func(b *itemBuilder) { b.item.Comparable = v }
}

// LoadDefault sets whether a component item with no default resolves the
// category's default plugin.
func LoadDefault(v bool) ItemOption {
	return func(b *itemBuilder) { b.item.LoadDefault = v }
}

// Indexed includes the item in index blobs.
func Indexed() ItemOption {
	return func(b *itemBuilder) { b.item.Indexed = true }
}

// WithDoc attaches a description.
func WithDoc(doc string) ItemOption {
	return func(b *itemBuilder) { b.item.Doc = doc }
}

// NewSimpleItem defines a plain-value attribute.
func NewSimpleItem(def any, opts ...ItemOption) (*Item, error) {
	return buildItem(SimpleItem, "", def, opts)
}

// NewComponentItem defines an attribute holding objects of category. def is
// nil, a plugin name resolved at default time, or an *Object.
func NewComponentItem(category string, def any, opts ...ItemOption) (*Item, error) {
	return buildItem(ComponentItem, category, def, opts)
}

func buildItem(kind ItemKind, category string, def any, opts []ItemOption) (*Item, error) {
	b := &itemBuilder{item: Item{
		Kind:           kind,
		Default:        def,
		Category:       category,
		StrictSequence: true,
		Copyable:       true,
		Comparable:     true,
		LoadDefault:    true,
	}}
	for _, opt := range opts {
		opt(b)
	}
	it := &b.item

	if it.Protected && !b.copyableSet {
		it.Copyable = false
	}
	if err := it.validate(); err != nil {
		return nil, err
	}
	if it.Sequence {
		it.Default = normalizeList(it.Default)
	} else if it.Kind == SimpleItem {
		it.Default = normalizeScalar(it.Default)
	}
	return it, nil
}

func (it *Item) validate() error {
	fail := func(format string, args ...any) error {
		return &SchemaError{Reason: fmt.Sprintf(format, args...)}
	}

	for _, t := range it.Types {
		if !knownType(t) {
			return fail("unknown type name %q", t)
		}
	}
	if it.Sequence {
		switch it.Default.(type) {
		case []any, []string:
		default:
			return fail("sequence item default must be a list, got %s", typeName(it.Default))
		}
	}
	switch it.Kind {
	case ComponentItem:
		if it.Category == "" {
			return fail("component item needs a category")
		}
		if it.Default == nil && !it.LoadDefault && !it.Optional {
			return fail("component item with no default and no default loading must be optional")
		}
		if !it.Sequence {
			switch it.Default.(type) {
			case nil, string, *Object:
			default:
				return fail("component item default must be a plugin name or object, got %s", typeName(it.Default))
			}
		}
	case SimpleItem:
		if it.Default != nil && len(it.Types) > 0 {
			if it.Sequence {
				for _, e := range normalizeList(it.Default).([]any) {
					if !it.acceptsType(e) {
						return fail("default element of type %s not in %v", typeName(e), it.Types)
					}
				}
			} else if !it.acceptsType(it.Default) {
				return fail("default of type %s not in %v", typeName(it.Default), it.Types)
			}
		}
	}
	return nil
}

// acceptsString reports whether configuration text for this item should be
// kept as a string rather than evaluated as a literal.
func (it *Item) acceptsString() bool {
	if it.Kind == ComponentItem {
		return true
	}
	if len(it.Types) == 0 {
		_, isString := it.Default.(string)
		return isString
	}
	return slices.Contains(it.Types, TypeString)
}

func (it *Item) acceptsType(v any) bool {
	if len(it.Types) == 0 {
		return true
	}
	name := typeName(v)
	if slices.Contains(it.Types, name) {
		return true
	}
	if name == TypeInt && slices.Contains(it.Types, TypeFloat) {
		return true
	}
	return false
}

func (it *Item) acceptsNil() bool {
	if it.Kind == ComponentItem {
		return it.Optional || it.Default == nil
	}
	return it.Default == nil || len(it.Types) == 0 || slices.Contains(it.Types, TypeNone)
}

// copy returns an Item sharing no mutable state with it.
func (it *Item) copy() *Item {
	cp := *it
	cp.Types = append([]string(nil), it.Types...)
	cp.Default = CopyValue(it.Default)
	return &cp
}

// normalize validates v for this item and converts it to its canonical form.
func (it *Item) normalize(owner *Class, name string, v any) (any, error) {
	typeErr := func(got any) error {
		want := it.Types
		if it.Kind == ComponentItem {
			want = []string{it.Category}
		}
		return &TypeError{Class: owner.Name, Attribute: name, Want: want, Got: typeName(got)}
	}

	if it.Sequence {
		var elems []any
		switch t := v.(type) {
		case []any:
			elems = t
		case []string:
			elems = normalizeList(t).([]any)
		case nil:
			elems = []any{}
		default:
			if it.StrictSequence {
				return nil, typeErr(v)
			}
			elems = []any{v}
		}
		out := make([]any, len(elems))
		for i, e := range elems {
			ne, err := it.normalizeElem(e, typeErr)
			if err != nil {
				return nil, err
			}
			out[i] = ne
		}
		return out, nil
	}

	if v == nil {
		if !it.acceptsNil() {
			return nil, typeErr(v)
		}
		return nil, nil
	}
	return it.normalizeElem(v, typeErr)
}

func (it *Item) normalizeElem(v any, typeErr func(any) error) (any, error) {
	if it.Kind == ComponentItem {
		obj, ok := v.(*Object)
		if !ok {
			return nil, typeErr(v)
		}
		if !obj.IsPlaceholder() && obj.Category() != it.Category {
			return nil, typeErr(v)
		}
		return obj, nil
	}
	v = normalizeScalar(v)
	if !it.acceptsType(v) {
		return nil, typeErr(v)
	}
	return v, nil
}

func knownType(name string) bool {
	switch name {
	case TypeString, TypeInt, TypeFloat, TypeBool, TypeList, TypeDict, TypeNone:
		return true
	}
	return false
}

func typeName(v any) string {
	switch t := v.(type) {
	case nil:
		return TypeNone
	case string:
		return TypeString
	case bool:
		return TypeBool
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return TypeInt
	case float32, float64:
		return TypeFloat
	case []any, []string:
		return TypeList
	case map[string]any:
		return TypeDict
	case *Object:
		return t.ClassName()
	default:
		return fmt.Sprintf("%T", v)
	}
}

// normalizeScalar maps Go numeric types onto int64 and float64, the forms
// produced by decoding.
func normalizeScalar(v any) any {
	switch t := v.(type) {
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case uint:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case float32:
		return float64(t)
	case []string:
		return normalizeList(t)
	default:
		return v
	}
}

func normalizeList(v any) any {
	switch t := v.(type) {
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeScalar(e)
		}
		return out
	default:
		return v
	}
}

package domain

import "fmt"

// Schema is the ordered, versioned attribute description of one class.
type Schema struct {
	Category string
	Name     string
	Version  Version

	names []string
	items map[string]*Item
}

// AttrSpec is a named, not yet validated attribute definition.
type AttrSpec struct {
	name  string
	build func() (*Item, error)
}

// Simple declares a plain-value attribute for NewSchema.
func Simple(name string, def any, opts ...ItemOption) AttrSpec {
	return AttrSpec{name: name, build: func() (*Item, error) { return NewSimpleItem(def, opts...) }}
}

// Component declares a nested-object attribute for NewSchema.
func Component(name, category string, def any, opts ...ItemOption) AttrSpec {
	return AttrSpec{name: name, build: func() (*Item, error) { return NewComponentItem(category, def, opts...) }}
}

// Attr wraps an already built Item.
func Attr(name string, item *Item) AttrSpec {
	return AttrSpec{name: name, build: func() (*Item, error) { return item, nil }}
}

// NewSchema assembles a schema, validating every attribute definition.
func NewSchema(category, name string, version Version, attrs ...AttrSpec) (*Schema, error) {
	s := &Schema{
		Category: category,
		Name:     name,
		Version:  version,
		items:    make(map[string]*Item, len(attrs)),
	}
	if err := s.add(attrs); err != nil {
		return nil, err
	}
	return s, nil
}

// MustSchema is like NewSchema but panics on error. Intended for class
// definitions assembled at package initialization.
func MustSchema(category, name string, version Version, attrs ...AttrSpec) *Schema {
	s, err := NewSchema(category, name, version, attrs...)
	if err != nil {
		panic(err)
	}
	return s
}

func (s *Schema) add(attrs []AttrSpec) error {
	for _, a := range attrs {
		if a.name == "" {
			return &SchemaError{Class: s.Name, Reason: "attribute name must not be empty"}
		}
		item, err := a.build()
		if err != nil {
			if se, ok := err.(*SchemaError); ok {
				se.Class = s.Name
				se.Attribute = a.name
				return se
			}
			return fmt.Errorf("attribute %q of %s: %w", a.name, s.Name, err)
		}
		if _, exists := s.items[a.name]; !exists {
			s.names = append(s.names, a.name)
		}
		s.items[a.name] = item
	}
	return nil
}

// Item looks up an attribute definition.
func (s *Schema) Item(name string) (*Item, bool) {
	it, ok := s.items[name]
	return it, ok
}

// GetItem is like Item but reports an absent attribute as an *AttributeError.
func (s *Schema) GetItem(name string) (*Item, error) {
	it, ok := s.items[name]
	if !ok {
		return nil, &AttributeError{Class: s.Name, Attribute: name}
	}
	return it, nil
}

// Names returns attribute names in declaration order.
func (s *Schema) Names() []string {
	return append([]string(nil), s.names...)
}

// Len returns the number of attributes.
func (s *Schema) Len() int {
	return len(s.names)
}

// InheritCopy returns a deep copy suitable as the starting point of a
// derived class; changes to the copy's items never reach s.
func (s *Schema) InheritCopy() *Schema {
	cp := &Schema{
		Category: s.Category,
		Name:     s.Name,
		Version:  s.Version,
		names:    append([]string(nil), s.names...),
		items:    make(map[string]*Item, len(s.items)),
	}
	for name, it := range s.items {
		cp.items[name] = it.copy()
	}
	return cp
}

// Derive builds the schema of a subclass: an inherited copy of s renamed to
// (category, name) at version, with attrs added or overriding inherited ones.
func (s *Schema) Derive(category, name string, version Version, attrs ...AttrSpec) (*Schema, error) {
	cp := s.InheritCopy()
	cp.Category = category
	cp.Name = name
	cp.Version = version
	if err := cp.add(attrs); err != nil {
		return nil, err
	}
	return cp, nil
}

// DefaultValue resolves the default for attribute name through ctx. See
// Context.DefaultValue.
func (s *Schema) DefaultValue(ctx *Context, name string) (any, error) {
	return ctx.DefaultValue(s, name)
}

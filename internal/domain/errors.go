package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoAttribute is wrapped by AttributeError.
	ErrNoAttribute = errors.New("no such attribute")

	// ErrProtected is returned when writing a protected attribute from outside
	// the owning code.
	ErrProtected = errors.New("attribute is protected")

	// ErrReadOnly is returned when writing to an object frozen by its repository.
	ErrReadOnly = errors.New("object is read-only")

	// ErrNotLoaded is returned when reading attributes of an object whose data
	// has not been decoded yet.
	ErrNotLoaded = errors.New("object data not loaded")
)

// SchemaError reports an Item or Schema definition that violates one of the
// model invariants.
type SchemaError struct {
	Class     string
	Attribute string
	Reason    string
}

func (e *SchemaError) Error() string {
	var b strings.Builder
	b.WriteString("schema error")
	if e.Class != "" {
		fmt.Fprintf(&b, " in %s", e.Class)
	}
	if e.Attribute != "" {
		fmt.Fprintf(&b, " for attribute %q", e.Attribute)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

// AttributeError reports a lookup of an attribute absent from a schema.
type AttributeError struct {
	Class     string
	Attribute string
}

func (e *AttributeError) Error() string {
	return fmt.Sprintf("%s has no attribute %q", e.Class, e.Attribute)
}

func (e *AttributeError) Unwrap() error { return ErrNoAttribute }

// TypeError reports a value that does not satisfy an Item's type constraints.
type TypeError struct {
	Class     string
	Attribute string
	Want      []string
	Got       string
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("%s.%s: expected one of [%s], got %s",
		e.Class, e.Attribute, strings.Join(e.Want, ", "), e.Got)
}

// PluginResolutionError reports a (category, name) pair that no registered
// class answers to.
type PluginResolutionError struct {
	Category string
	Name     string
}

func (e *PluginResolutionError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("no default plugin registered for category %q", e.Category)
	}
	return fmt.Sprintf("plugin %q not found in category %q", e.Name, e.Category)
}

package domain

import (
	"errors"
	"testing"
)

func TestNewSimpleItem(t *testing.T) {
	t.Run("flag defaults", func(t *testing.T) {
		it, err := NewSimpleItem("x")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !it.StrictSequence || !it.Copyable || !it.Comparable || !it.LoadDefault {
			t.Errorf("unexpected flag defaults: %+v", it)
		}
		if it.Protected || it.Hidden || it.Transient || it.Indexed {
			t.Errorf("unexpected flag defaults: %+v", it)
		}
	})

	t.Run("protected is not copyable unless asked", func(t *testing.T) {
		it, _ := NewSimpleItem(0, Protected())
		if it.Copyable {
			t.Error("expected protected item to default to non-copyable")
		}
		it, _ = NewSimpleItem(0, Protected(), Copyable(true))
		if !it.Copyable {
			t.Error("expected explicit Copyable(true) to win")
		}
	})

	t.Run("sequence default must be a list", func(t *testing.T) {
		_, err := NewSimpleItem("nope", AsSequence())
		var se *SchemaError
		if !errors.As(err, &se) {
			t.Fatalf("expected SchemaError, got %v", err)
		}
	})

	t.Run("string list default is normalized", func(t *testing.T) {
		it, err := NewSimpleItem([]string{"a", "b"}, AsSequence())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if l, ok := it.Default.([]any); !ok || len(l) != 2 {
			t.Errorf("expected []any default, got %#v", it.Default)
		}
	})

	t.Run("default must satisfy types", func(t *testing.T) {
		if _, err := NewSimpleItem("x", WithTypes(TypeInt)); err == nil {
			t.Error("expected error for string default on int item")
		}
		if _, err := NewSimpleItem(3, WithTypes(TypeFloat)); err != nil {
			t.Errorf("int default should satisfy float: %v", err)
		}
	})

	t.Run("unknown type name", func(t *testing.T) {
		if _, err := NewSimpleItem(nil, WithTypes("complex")); err == nil {
			t.Error("expected error for unknown type name")
		}
	})
}

func TestNewComponentItem(t *testing.T) {
	t.Run("nil default without loading must be optional", func(t *testing.T) {
		_, err := NewComponentItem("executable", nil, LoadDefault(false))
		var se *SchemaError
		if !errors.As(err, &se) {
			t.Fatalf("expected SchemaError, got %v", err)
		}
		if _, err := NewComponentItem("executable", nil, LoadDefault(false), Optional()); err != nil {
			t.Errorf("optional item should be valid: %v", err)
		}
	})

	t.Run("requires category", func(t *testing.T) {
		if _, err := NewComponentItem("", "Local"); err == nil {
			t.Error("expected error for empty category")
		}
	})

	t.Run("rejects scalar default", func(t *testing.T) {
		if _, err := NewComponentItem("executable", 42); err == nil {
			t.Error("expected error for numeric component default")
		}
	})
}

func TestSchema(t *testing.T) {
	s, err := NewSchema("job", "Job", Version{2, 1},
		Simple("name", "job", WithTypes(TypeString)),
		Simple("tags", []any{}, AsSequence(), Lenient()),
		Simple("count", 0),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	t.Run("names keep declaration order", func(t *testing.T) {
		names := s.Names()
		want := []string{"name", "tags", "count"}
		if len(names) != len(want) {
			t.Fatalf("expected %v, got %v", want, names)
		}
		for i := range want {
			if names[i] != want[i] {
				t.Errorf("expected %v, got %v", want, names)
			}
		}
	})

	t.Run("GetItem reports missing attribute", func(t *testing.T) {
		_, err := s.GetItem("missing")
		var ae *AttributeError
		if !errors.As(err, &ae) {
			t.Fatalf("expected AttributeError, got %v", err)
		}
		if !errors.Is(err, ErrNoAttribute) {
			t.Error("expected error to wrap ErrNoAttribute")
		}
	})

	t.Run("schema error names the attribute", func(t *testing.T) {
		_, err := NewSchema("job", "Bad", Version{}, Simple("list", 1, AsSequence()))
		var se *SchemaError
		if !errors.As(err, &se) {
			t.Fatalf("expected SchemaError, got %v", err)
		}
		if se.Class != "Bad" || se.Attribute != "list" {
			t.Errorf("unexpected error location %q/%q", se.Class, se.Attribute)
		}
	})

	t.Run("inherited copy is independent", func(t *testing.T) {
		cp := s.InheritCopy()
		it, _ := cp.Item("tags")
		it.Default = append(it.Default.([]any), "mutated")
		it.Protected = true

		orig, _ := s.Item("tags")
		if len(orig.Default.([]any)) != 0 || orig.Protected {
			t.Error("modifying the copy changed the original schema")
		}
	})

	t.Run("derive overrides and extends", func(t *testing.T) {
		d, err := s.Derive("job", "BatchJob", Version{1, 0},
			Simple("count", 5),
			Simple("queue", "default"),
		)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if d.Len() != 4 {
			t.Errorf("expected 4 attributes, got %d", d.Len())
		}
		it, _ := d.Item("count")
		if it.Default != int64(5) {
			t.Errorf("expected overridden default 5, got %v", it.Default)
		}
		base, _ := s.Item("count")
		if base.Default != int64(0) {
			t.Errorf("base default changed to %v", base.Default)
		}
	})
}

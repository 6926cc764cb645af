package literal

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFormatEvalRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  any
	}{
		{"string", "hello", "hello"},
		{"string with quotes", `say "hi"`, `say "hi"`},
		{"string with template marker", "${HOME}/x", "${HOME}/x"},
		{"empty string", "", ""},
		{"int", 42, int64(42)},
		{"negative int", int64(-7), int64(-7)},
		{"float", 2.5, 2.5},
		{"bool", true, true},
		{"nil", nil, nil},
		{"empty list", []any{}, []any{}},
		{"list", []any{"a", int64(1), false}, []any{"a", int64(1), false}},
		{"string slice", []string{"x", "y"}, []any{"x", "y"}},
		{"nested", map[string]any{"k": []any{"v", nil}}, map[string]any{"k": []any{"v", nil}}},
		{"empty map", map[string]any{}, map[string]any{}},
		{"decomposed string", "cafe\u0301", "cafe\u0301"},
		{"decomposed in list", []any{"e\u0301", "\u00e9"}, []any{"e\u0301", "\u00e9"}},
		{"decomposed key", map[string]any{"cafe\u0301": "n\u0303"}, map[string]any{"cafe\u0301": "n\u0303"}},
		{"control characters", "a\tb\nc\x00\u200b", "a\tb\nc\x00\u200b"},
		{"backslashes", `C:\temp\"x"`, `C:\temp\"x"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, err := Format(tt.input)
			if err != nil {
				t.Fatalf("Format(%#v) failed: %v", tt.input, err)
			}
			got, err := Eval(text)
			if err != nil {
				t.Fatalf("Eval(%q) failed: %v", text, err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("round trip of %q mismatch (-want +got):\n%s", text, diff)
			}
		})
	}
}

func TestEvalSymbols(t *testing.T) {
	tests := []struct {
		text string
		want any
	}{
		{"True", true},
		{"False", false},
		{"None", nil},
		{"[True, None]", []any{true, nil}},
	}

	for _, tt := range tests {
		got, err := Eval(tt.text)
		if err != nil {
			t.Fatalf("Eval(%q) failed: %v", tt.text, err)
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("Eval(%q) mismatch (-want +got):\n%s", tt.text, diff)
		}
	}
}

func TestEvalRejectsUnsafeExpressions(t *testing.T) {
	for _, text := range []string{
		`file("/etc/passwd")`,
		`os.environ`,
		`upper("x")`,
		`[`,
		``,
	} {
		if _, err := Eval(text); err == nil {
			t.Errorf("Eval(%q) succeeded, want error", text)
		}
	}
}

func TestFormatUnsupported(t *testing.T) {
	_, err := Format(struct{}{})
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("Format(struct{}) error = %v, want ErrUnsupported", err)
	}
}

func TestCacheReturnsIndependentCopies(t *testing.T) {
	c := NewCache()

	first, err := c.Eval(`["a", "b"]`)
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	first.([]any)[0] = "mutated"

	second, err := c.Eval(`["a", "b"]`)
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	if diff := cmp.Diff([]any{"a", "b"}, second); diff != "" {
		t.Errorf("cached value was mutated (-want +got):\n%s", diff)
	}

	hits, misses := c.Stats()
	if hits != 1 || misses != 1 {
		t.Errorf("Stats() = (%d, %d), want (1, 1)", hits, misses)
	}

	c.Reset()
	if hits, misses := c.Stats(); hits != 0 || misses != 0 {
		t.Errorf("Stats() after Reset = (%d, %d), want (0, 0)", hits, misses)
	}
}

func TestCacheDoesNotStoreFailures(t *testing.T) {
	c := NewCache()
	if _, err := c.Eval(`nope(`); err == nil {
		t.Fatal("expected error for malformed literal")
	}
	if _, misses := c.Stats(); misses != 1 {
		t.Errorf("misses = %d, want 1", misses)
	}
}

func TestEvalKeepsStringBytes(t *testing.T) {
	// a hand-written record with a decomposed accent and an escape
	got, err := Eval("[\"cafe\u0301\", \"\\u00e9\", {name = \"n\u0303\"}]")
	if err != nil {
		t.Fatalf("Eval failed: %v", err)
	}
	want := []any{"cafe\u0301", "\u00e9", map[string]any{"name": "n\u0303"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("string bytes changed (-want +got):\n%s", diff)
	}
}

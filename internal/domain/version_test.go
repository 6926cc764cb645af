package domain

import "testing"

func TestVersionIsCompatible(t *testing.T) {
	tests := []struct {
		reader, stored Version
		want           bool
	}{
		{Version{2, 1}, Version{2, 0}, true},
		{Version{2, 1}, Version{2, 1}, true},
		{Version{2, 0}, Version{2, 1}, false},
		{Version{3, 0}, Version{2, 0}, false},
		{Version{1, 9}, Version{2, 0}, false},
		{Version{0, 0}, Version{0, 0}, true},
	}

	for _, tt := range tests {
		t.Run(tt.reader.String()+"_reads_"+tt.stored.String(), func(t *testing.T) {
			if got := tt.reader.IsCompatible(tt.stored); got != tt.want {
				t.Errorf("IsCompatible() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseVersion(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		v, err := ParseVersion(" 2.10 ")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v != (Version{2, 10}) {
			t.Errorf("expected 2.10, got %s", v)
		}
	})

	for _, in := range []string{"", "2", "a.1", "1.b", "-1.0", "1.2.3"} {
		t.Run("invalid "+in, func(t *testing.T) {
			if _, err := ParseVersion(in); err == nil {
				t.Errorf("expected error for %q", in)
			}
		})
	}
}

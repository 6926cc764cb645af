package fsutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestAtomicWriteFile(t *testing.T) {
	tmpDir := t.TempDir()
	testFile := filepath.Join(tmpDir, "nested", "data")

	if err := AtomicWriteFile(testFile, []byte("first"), 0o644); err != nil {
		t.Fatalf("AtomicWriteFile failed: %v", err)
	}
	if err := AtomicWriteFile(testFile, []byte("second"), 0o600); err != nil {
		t.Fatalf("AtomicWriteFile (overwrite) failed: %v", err)
	}

	content, err := os.ReadFile(testFile)
	if err != nil {
		t.Fatalf("Failed to read file: %v", err)
	}
	if string(content) != "second" {
		t.Fatalf("Content mismatch: got %q", content)
	}

	info, _ := os.Stat(testFile)
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected mode 0600, got %v", info.Mode().Perm())
	}

	entries, _ := os.ReadDir(filepath.Dir(testFile))
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestCopyFile(t *testing.T) {
	tmpDir := t.TempDir()
	src := filepath.Join(tmpDir, "data")
	dst := filepath.Join(tmpDir, "data~")

	if err := os.WriteFile(src, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := CopyFile(src, dst); err != nil {
		t.Fatalf("CopyFile failed: %v", err)
	}
	content, _ := os.ReadFile(dst)
	if string(content) != "payload" {
		t.Errorf("copy mismatch: %q", content)
	}

	if err := CopyFile(filepath.Join(tmpDir, "missing"), dst); !os.IsNotExist(err) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestEnsureDir(t *testing.T) {
	tmpDir := t.TempDir()
	dir := filepath.Join(tmpDir, "a", "b")

	if err := EnsureDir(dir, 0o755); err != nil {
		t.Fatalf("EnsureDir failed: %v", err)
	}
	if err := EnsureDir(dir, 0o755); err != nil {
		t.Fatalf("EnsureDir should be idempotent: %v", err)
	}

	file := filepath.Join(tmpDir, "file")
	_ = os.WriteFile(file, nil, 0o644)
	if err := EnsureDir(file, 0o755); err == nil {
		t.Error("expected error for existing file")
	}
	if !FileExists(file) || FileExists(dir) {
		t.Error("FileExists misreports files and directories")
	}
	if err := RemoveAll(filepath.Join(tmpDir, "nope")); err != nil {
		t.Errorf("RemoveAll of missing path: %v", err)
	}
}

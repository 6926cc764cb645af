package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseBackend(t *testing.T) {
	tests := []struct {
		input string
		want  Backend
	}{
		{"sqlite", BackendSQLite},
		{"localdir", BackendLocalDir},
		{"transient", BackendTransient},
		{"invalid", BackendSQLite}, // Default
		{"", BackendSQLite},        // Default
	}

	for _, tt := range tests {
		if got := ParseBackend(tt.input); got != tt.want {
			t.Errorf("ParseBackend(%q) = %s, want %s", tt.input, got, tt.want)
		}
	}
}

func TestBackendShared(t *testing.T) {
	if !BackendSQLite.Shared() || !BackendLocalDir.Shared() {
		t.Error("sqlite and localdir registries are shared between sessions")
	}
	if BackendTransient.Shared() {
		t.Error("transient registries are private")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Version != 1 {
		t.Errorf("Version = %d, want 1", cfg.Version)
	}
	if cfg.Root == "" {
		t.Error("Root should not be empty")
	}
	if cfg.Session.StaleAfter.Duration() != 5*time.Minute {
		t.Errorf("StaleAfter = %s, want 5m", cfg.Session.StaleAfter.Duration())
	}
	if got := cfg.Registries["jobs"].Backend; got != BackendSQLite {
		t.Errorf("jobs backend = %s, want sqlite", got)
	}
	if got := cfg.Registries["templates"].Backend; got != BackendTransient {
		t.Errorf("templates backend = %s, want transient", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Registries["bad-name"] = RegistryConfig{Backend: BackendSQLite}
	cfg.Registries["watched"] = RegistryConfig{Backend: BackendLocalDir, Watch: true}
	cfg.Registries["unknown"] = RegistryConfig{Backend: Backend("tape")}
	cfg.Session.Heartbeat = Duration(time.Hour)
	cfg.LogLevel = "loud"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() should fail")
	}
	for _, want := range []string{"bad-name", "watched", "tape", "heartbeat", "loud"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate() error does not mention %q: %v", want, err)
		}
	}
}

func TestPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Root = "/srv/jobs"
	cfg.Registries["templates"] = RegistryConfig{Backend: BackendTransient}
	cfg.Registries["shared"] = RegistryConfig{Backend: BackendTransient, Dir: "/opt/templates"}
	cfg.Registries["local"] = RegistryConfig{Backend: BackendTransient, Dir: "tpl"}

	if got := cfg.DatabasePath(); got != "/srv/jobs/repository.db" {
		t.Errorf("DatabasePath() = %s", got)
	}
	cfg.Database.Path = ":memory:"
	if got := cfg.DatabasePath(); got != ":memory:" {
		t.Errorf("DatabasePath() = %s, want :memory:", got)
	}

	tests := map[string]string{
		"templates": "/srv/jobs/templates",
		"shared":    "/opt/templates",
		"local":     "/srv/jobs/tpl",
	}
	for name, want := range tests {
		if got := cfg.RegistryDir(name); got != want {
			t.Errorf("RegistryDir(%s) = %s, want %s", name, got, want)
		}
	}
}

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	cfg := DefaultConfig()
	cfg.Root = tmpDir
	cfg.Session.LockTimeout = Duration(2 * time.Second)
	cfg.Registries["archive"] = RegistryConfig{Backend: BackendLocalDir}
	cfg.Defaults = map[string]map[string]interface{}{
		"Local": {"nice": 5},
	}

	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	loaded, path, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath() error: %v", err)
	}
	if path != configPath {
		t.Errorf("path = %s, want %s", path, configPath)
	}
	if loaded.Root != tmpDir {
		t.Errorf("Root = %s, want %s", loaded.Root, tmpDir)
	}
	if loaded.Session.LockTimeout.Duration() != 2*time.Second {
		t.Errorf("LockTimeout = %s, want 2s", loaded.Session.LockTimeout.Duration())
	}
	if loaded.Registries["archive"].Backend != BackendLocalDir {
		t.Errorf("archive backend = %s", loaded.Registries["archive"].Backend)
	}
	if v, ok := loaded.Overlay().Lookup("Local", "nice"); !ok || v != 5 {
		t.Errorf("defaults.Local.nice = %v, want 5", v)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	data := "registries:\n  jobs:\n    backend: tape\n"
	if err := os.WriteFile(configPath, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadFromPath(configPath); err == nil {
		t.Error("LoadFromPath() should reject unknown backend")
	}
}

func TestFindConfigPath(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, ConfigFileName)

	cfg := DefaultConfig()
	if err := cfg.Save(configPath); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	t.Chdir(tmpDir)

	found := FindConfigPath()
	if found == "" {
		t.Error("FindConfigPath() should find config in working directory")
	}

	t.Setenv(EnvConfigPath, "/nonexistent/path.yaml")
	found = FindConfigPath()
	if found == "" {
		t.Error("FindConfigPath() should fall back when env path doesn't exist")
	}

	explicit := filepath.Join(t.TempDir(), "explicit.yaml")
	if err := cfg.Save(explicit); err != nil {
		t.Fatal(err)
	}
	t.Setenv(EnvConfigPath, explicit)
	if found := FindConfigPath(); found != explicit {
		t.Errorf("FindConfigPath() = %s, want %s", found, explicit)
	}
}

func TestOverlay(t *testing.T) {
	o := NewOverlay(map[string]map[string]interface{}{
		"Job": {"comment": "from config"},
	})
	gen := o.Generation()

	if v, ok := o.Lookup("Job", "comment"); !ok || v != "from config" {
		t.Errorf("Lookup() = %v, %v", v, ok)
	}
	if _, ok := o.Lookup("Job", "name"); ok {
		t.Error("Lookup() of unset default should miss")
	}

	o.Set("Local", "nice", 3)
	if o.Generation() == gen {
		t.Error("Set() should bump the generation")
	}
	gen = o.Generation()

	o.MarkModified()
	if o.Generation() == gen {
		t.Error("MarkModified() should bump the generation")
	}

	o.Replace(nil)
	if _, ok := o.Lookup("Job", "comment"); ok {
		t.Error("Replace() should drop old values")
	}
}

func TestLogger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "warn"
	if l := cfg.Logger("test"); !l.IsWarn() || l.IsInfo() {
		t.Error("logger should log at warn")
	}

	t.Setenv(EnvLogLevel, "debug")
	if l := cfg.Logger("test"); !l.IsDebug() {
		t.Error("JOBREPO_LOG should override log_level")
	}
}

func TestDuration(t *testing.T) {
	d := Duration(5 * time.Minute)

	if d.Duration() != 5*time.Minute {
		t.Errorf("Duration() = %s, want 5m", d.Duration())
	}

	marshaled, err := d.MarshalYAML()
	if err != nil {
		t.Fatalf("MarshalYAML() error: %v", err)
	}
	if marshaled != "5m0s" {
		t.Errorf("MarshalYAML() = %v, want 5m0s", marshaled)
	}
}

package config

import "fmt"

// Backend names the storage used for one registry
type Backend string

const (
	BackendSQLite    Backend = "sqlite"    // indexed relational database, lazy loading
	BackendLocalDir  Backend = "localdir"  // bucketed record files with backups
	BackendTransient Backend = "transient" // read-mostly directory, loaded eagerly
)

// ParseBackend converts a string to Backend, defaulting to BackendSQLite
func ParseBackend(s string) Backend {
	switch s {
	case "localdir":
		return BackendLocalDir
	case "transient":
		return BackendTransient
	default:
		return BackendSQLite
	}
}

// Valid reports whether b names a known backend
func (b Backend) Valid() bool {
	switch b {
	case BackendSQLite, BackendLocalDir, BackendTransient:
		return true
	default:
		return false
	}
}

// Shared returns true if the backend coordinates several sessions through a
// locker. Transient registries are private to one process.
func (b Backend) Shared() bool {
	return b != BackendTransient
}

// UnmarshalYAML rejects unknown backend names
func (b *Backend) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		*b = BackendSQLite
		return nil
	}
	parsed := Backend(s)
	if !parsed.Valid() {
		return fmt.Errorf("unknown backend %q", s)
	}
	*b = parsed
	return nil
}

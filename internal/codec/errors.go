package codec

import (
	"fmt"

	"jobrepo/internal/domain"
)

// SchemaVersionError records a nested or root object whose stored version
// cannot be read by the registered class. The object is replaced by a
// placeholder and decoding continues.
type SchemaVersionError struct {
	Category string
	Class    string
	Stored   domain.Version
	Current  domain.Version
}

func (e *SchemaVersionError) Error() string {
	return fmt.Sprintf("incompatible schema version for %s/%s: record is %s, class is %s",
		e.Category, e.Class, e.Stored, e.Current)
}

// StaleAttributeError records an attribute present in a record but absent
// from the current schema. The value is dropped.
type StaleAttributeError struct {
	Class     string
	Attribute string
}

func (e *StaleAttributeError) Error() string {
	return fmt.Sprintf("dropped stale attribute %q of %s", e.Attribute, e.Class)
}

// AttributeValueError records a stored value the current schema refuses.
// The attribute falls back to its default.
type AttributeValueError struct {
	Class     string
	Attribute string
	Err       error
}

func (e *AttributeValueError) Error() string {
	return fmt.Sprintf("could not restore %s.%s: %v", e.Class, e.Attribute, e.Err)
}

func (e *AttributeValueError) Unwrap() error { return e.Err }

// CorruptRecordError reports a record that cannot be parsed at all. Callers
// holding a backup copy should retry with it.
type CorruptRecordError struct {
	Offset int64
	Reason string
	Err    error
}

func (e *CorruptRecordError) Error() string {
	msg := fmt.Sprintf("corrupt record at offset %d: %s", e.Offset, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptRecordError) Unwrap() error { return e.Err }

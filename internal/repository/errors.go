package repository

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is wrapped by NotFoundError.
var ErrNotFound = errors.New("object not found")

// ErrReadOnlyBackend is returned by backends that cannot store changes.
var ErrReadOnlyBackend = errors.New("backend is read-only")

// ErrLocked is wrapped by LockedError.
var ErrLocked = errors.New("object is locked by another session")

// ErrIDInUse is returned when an add names an id that already holds a
// record or a tombstone.
var ErrIDInUse = errors.New("id already used")

// RepositoryError reports a failed storage operation.
type RepositoryError struct {
	Op       string
	Registry string
	IDs      []int
	Err      error
}

func (e *RepositoryError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Registry, e.Op)
	if len(e.IDs) > 0 {
		msg += fmt.Sprintf(" %v", e.IDs)
	}
	return msg + ": " + e.Err.Error()
}

func (e *RepositoryError) Unwrap() error { return e.Err }

// NotFoundError lists ids that storage does not hold.
type NotFoundError struct {
	Registry string
	IDs      []int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: ids %v not found", e.Registry, e.IDs)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// LockedError reports ids whose lock is held by another session.
type LockedError struct {
	Registry string
	IDs      []int
	Owners   []string // best-effort owner description per id, may be empty
}

func (e *LockedError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d object(s) locked by another session", e.Registry, len(e.IDs))
	for i, id := range e.IDs {
		owner := "unknown session"
		if i < len(e.Owners) && e.Owners[i] != "" {
			owner = e.Owners[i]
		}
		fmt.Fprintf(&b, "; #%d held by %s", id, owner)
	}
	return b.String()
}

func (e *LockedError) Unwrap() error { return ErrLocked }

package registry

import (
	"errors"

	"jobrepo/internal/repository"
)

var (
	// ErrLocked is wrapped by LockedError.
	ErrLocked = repository.ErrLocked

	// ErrNotStarted is returned by operations on a registry before Startup.
	ErrNotStarted = errors.New("registry not started")

	// ErrDirty is returned when evicting an object with unflushed changes.
	ErrDirty = errors.New("object has unflushed changes")
)

// LockedError reports ids whose lock is held by another session.
type LockedError = repository.LockedError

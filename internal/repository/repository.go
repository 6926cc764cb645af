package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"jobrepo/internal/domain"
)

// Backend stores the records of one registry.
type Backend interface {
	// Name is the registry the backend serves.
	Name() string

	// Startup opens or creates storage and rebuilds the in-memory table from
	// all live records. It is idempotent.
	Startup(ctx context.Context) error

	// UpdateIndex refreshes index stubs from storage: all of them, or only
	// ids when given. Fully loaded objects are left alone.
	UpdateIndex(ctx context.Context, ids ...int) error

	// Add assigns ids to objs (or uses forceIDs) and persists them.
	Add(ctx context.Context, objs []*domain.Object, forceIDs []int) ([]int, error)

	// Flush rewrites the records of dirty registered objects.
	Flush(ctx context.Context, ids []int) error

	// Load fully decodes ids that are not yet loaded.
	Load(ctx context.Context, ids []int) error

	// Delete tombstones ids. Deleting a tombstoned id is a no-op.
	Delete(ctx context.Context, ids []int) error

	// Lock acquires advisory locks and returns the ids now held.
	Lock(ctx context.Context, ids []int) ([]int, error)

	// Unlock releases advisory locks held by this session.
	Unlock(ctx context.Context, ids []int) error

	// Holds reports whether this session holds the lock on id.
	Holds(id int) bool

	// Clean destroys and recreates all storage of the registry.
	Clean(ctx context.Context) error

	// Shutdown releases storage handles. Objects stay in the table.
	Shutdown(ctx context.Context) error

	// Objects is the in-memory object table.
	Objects() *Table
}

// Locker coordinates id allocation and advisory locks between sessions
// sharing one repository.
type Locker interface {
	// Allocate hands out n fresh ids of registry and locks them for this
	// session. Ids are never handed out twice.
	Allocate(ctx context.Context, registry string, n int) ([]int, error)

	// Reserve makes sure future allocations in registry stay above ids.
	Reserve(ctx context.Context, registry string, ids []int) error

	Lock(ctx context.Context, registry string, ids []int) ([]int, error)
	Unlock(ctx context.Context, registry string, ids []int) error
	Holds(registry string, id int) bool

	// LockSession describes the session holding the lock on id, or returns
	// "" when it cannot be determined.
	LockSession(ctx context.Context, registry string, id int) string

	// OtherSessions lists the other live sessions.
	OtherSessions(ctx context.Context) ([]SessionInfo, error)

	// ReapLocks forcibly clears every lock held by other sessions.
	ReapLocks(ctx context.Context) bool

	// Close releases this session's locks.
	Close() error
}

// SessionInfo describes one session process.
type SessionInfo struct {
	ID        string    `json:"id"`
	Host      string    `json:"host"`
	PID       int       `json:"pid"`
	User      string    `json:"user"`
	Started   time.Time `json:"started"`
	Heartbeat time.Time `json:"heartbeat"`
}

// String describes the session for lock diagnostics.
func (s SessionInfo) String() string {
	return fmt.Sprintf("%s@%s pid %d, alive %s", s.User, s.Host, s.PID, humanize.Time(s.Heartbeat))
}

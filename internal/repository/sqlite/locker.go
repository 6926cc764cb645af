package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/user"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"jobrepo/internal/repository"
)

// Locker keeps sessions, id counters and row locks in the database itself,
// so every process sharing the database file coordinates through it.
type Locker struct {
	db         *DB
	logger     hclog.Logger
	staleAfter time.Duration
	now        func() time.Time

	mu   sync.Mutex
	info repository.SessionInfo
	held map[string]map[int]struct{}
}

// LockerOption configures a Locker.
type LockerOption func(*Locker)

// WithStaleAfter sets how long a session may miss heartbeats before its
// locks are ignored and removed.
func WithStaleAfter(d time.Duration) LockerOption {
	return func(l *Locker) { l.staleAfter = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) LockerOption {
	return func(l *Locker) { l.now = now }
}

// NewLocker registers a new session in the database.
func (d *DB) NewLocker(ctx context.Context, opts ...LockerOption) (*Locker, error) {
	l := &Locker{
		db:         d,
		logger:     d.logger.Named("locker"),
		staleAfter: 5 * time.Minute,
		now:        time.Now,
		held:       make(map[string]map[int]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	host, _ := os.Hostname()
	username := os.Getenv("USER")
	if u, err := user.Current(); err == nil {
		username = u.Username
	}
	now := l.now()
	l.info = repository.SessionInfo{
		ID:        uuid.NewString(),
		Host:      host,
		PID:       os.Getpid(),
		User:      username,
		Started:   now,
		Heartbeat: now,
	}

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO sessions (id, host, pid, user, started, heartbeat)
		VALUES (?, ?, ?, ?, ?, ?)
	`, l.info.ID, l.info.Host, l.info.PID, l.info.User, timeToUnix(now), timeToUnix(now))
	if err != nil {
		return nil, fmt.Errorf("failed to register session: %w", err)
	}
	return l, nil
}

// Info returns this session's description.
func (l *Locker) Info() repository.SessionInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.info
}

func (l *Locker) hold(registry string, ids []int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	set, ok := l.held[registry]
	if !ok {
		set = make(map[int]struct{})
		l.held[registry] = set
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
}

// inTx runs fn in one immediate transaction.
func (l *Locker) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Allocate hands out n fresh ids and locks them.
func (l *Locker) Allocate(ctx context.Context, registry string, n int) ([]int, error) {
	if n <= 0 {
		return nil, nil
	}
	var ids []int
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO counters (registry, next) VALUES (?, 0) ON CONFLICT(registry) DO NOTHING`, registry); err != nil {
			return fmt.Errorf("failed to init counter: %w", err)
		}
		var next int
		if err := tx.QueryRowContext(ctx, `SELECT next FROM counters WHERE registry = ?`, registry).Scan(&next); err != nil {
			return fmt.Errorf("failed to read counter: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE counters SET next = ? WHERE registry = ?`, next+n, registry); err != nil {
			return fmt.Errorf("failed to advance counter: %w", err)
		}
		ids = make([]int, n)
		for i := range ids {
			ids[i] = next + i
		}
		return l.insertLocks(ctx, tx, registry, ids, true)
	})
	if err != nil {
		return nil, err
	}
	l.hold(registry, ids)
	return ids, nil
}

// errReserveConflict aborts a reserve transaction when another session
// holds one of the ids.
var errReserveConflict = errors.New("reserve conflict")

// Reserve advances the counter past ids and locks them. When another
// session holds any of the ids nothing changes and a
// *repository.LockedError names them.
func (l *Locker) Reserve(ctx context.Context, registry string, ids []int) error {
	if len(ids) == 0 {
		return nil
	}
	top := 0
	for _, id := range ids {
		if id+1 > top {
			top = id + 1
		}
	}
	var taken []int
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		if err := l.expire(ctx, tx); err != nil {
			return err
		}
		acquired, err := l.tryLocks(ctx, tx, registry, ids)
		if err != nil {
			return err
		}
		if taken = missingFrom(ids, acquired); len(taken) > 0 {
			return errReserveConflict
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO counters (registry, next) VALUES (?, ?)
			ON CONFLICT(registry) DO UPDATE SET next = MAX(next, excluded.next)
		`, registry, top); err != nil {
			return fmt.Errorf("failed to reserve ids: %w", err)
		}
		return nil
	})
	if errors.Is(err, errReserveConflict) {
		e := &repository.LockedError{Registry: registry, IDs: taken, Owners: make([]string, len(taken))}
		for i, id := range taken {
			e.Owners[i] = l.LockSession(ctx, registry, id)
		}
		return e
	}
	if err != nil {
		return err
	}
	l.hold(registry, ids)
	return nil
}

// missingFrom returns the ids not in got, in request order.
func missingFrom(ids, got []int) []int {
	have := make(map[int]bool, len(got))
	for _, id := range got {
		have[id] = true
	}
	var out []int
	for _, id := range ids {
		if !have[id] {
			out = append(out, id)
		}
	}
	return out
}

func (l *Locker) insertLocks(ctx context.Context, tx *sql.Tx, registry string, ids []int, replace bool) error {
	verb := "INSERT OR IGNORE"
	if replace {
		verb = "INSERT OR REPLACE"
	}
	stmt, err := tx.PrepareContext(ctx, verb+` INTO locks (registry, id, session, acquired) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare lock statement: %w", err)
	}
	defer stmt.Close()

	now := timeToUnix(l.now())
	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, registry, id, l.info.ID, now); err != nil {
			return fmt.Errorf("failed to lock %d: %w", id, err)
		}
	}
	return nil
}

// tryLocks inserts free locks and reports which ids this session holds.
func (l *Locker) tryLocks(ctx context.Context, tx *sql.Tx, registry string, ids []int) ([]int, error) {
	if err := l.insertLocks(ctx, tx, registry, ids, false); err != nil {
		return nil, err
	}
	var acquired []int
	for _, id := range ids {
		var owner string
		err := tx.QueryRowContext(ctx, `SELECT session FROM locks WHERE registry = ? AND id = ?`, registry, id).Scan(&owner)
		if err != nil {
			return nil, fmt.Errorf("failed to read lock %d: %w", id, err)
		}
		if owner == l.info.ID {
			acquired = append(acquired, id)
		}
	}
	return acquired, nil
}

// expire removes sessions that missed their heartbeat, with their locks.
func (l *Locker) expire(ctx context.Context, tx *sql.Tx) error {
	if l.staleAfter <= 0 {
		return nil
	}
	cutoff := timeToUnix(l.now().Add(-l.staleAfter))
	res, err := tx.ExecContext(ctx, `
		DELETE FROM locks WHERE session IN (SELECT id FROM sessions WHERE heartbeat < ? AND id != ?)
	`, cutoff, l.info.ID)
	if err != nil {
		return fmt.Errorf("failed to expire locks: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		l.logger.Info("sqlite: expired locks of stale sessions", "locks", n)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE heartbeat < ? AND id != ?`, cutoff, l.info.ID); err != nil {
		return fmt.Errorf("failed to expire sessions: %w", err)
	}
	return nil
}

// Lock takes the free locks among ids and returns those now held.
func (l *Locker) Lock(ctx context.Context, registry string, ids []int) ([]int, error) {
	var acquired []int
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		if err := l.expire(ctx, tx); err != nil {
			return err
		}
		var err error
		acquired, err = l.tryLocks(ctx, tx, registry, ids)
		return err
	})
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	for _, id := range missingFrom(ids, acquired) {
		delete(l.held[registry], id)
	}
	l.mu.Unlock()
	l.hold(registry, acquired)
	return acquired, nil
}

// Unlock releases ids held by this session.
func (l *Locker) Unlock(ctx context.Context, registry string, ids []int) error {
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `DELETE FROM locks WHERE registry = ? AND id = ? AND session = ?`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, id := range ids {
			if _, err := stmt.ExecContext(ctx, registry, id, l.info.ID); err != nil {
				return fmt.Errorf("failed to unlock %d: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	l.mu.Lock()
	for _, id := range ids {
		delete(l.held[registry], id)
	}
	l.mu.Unlock()
	return nil
}

func (l *Locker) Holds(registry string, id int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[registry][id]
	return ok
}

// LockSession describes the session holding id. It never fails.
func (l *Locker) LockSession(ctx context.Context, registry string, id int) string {
	var row sessionRow
	err := l.db.db.QueryRowContext(ctx, `
		SELECT s.id, s.host, s.pid, s.user, s.started, s.heartbeat
		FROM locks l LEFT JOIN sessions s ON s.id = l.session
		WHERE l.registry = ? AND l.id = ?
	`, registry, id).Scan(row.scanArgs()...)
	if err != nil {
		if err != sql.ErrNoRows {
			l.logger.Debug("sqlite: cannot determine lock owner", "registry", registry, "id", id, "error", err)
		}
		return ""
	}
	info, ok := row.toInfo()
	if !ok {
		return ""
	}
	if info.ID == l.info.ID {
		return info.String() + " (this session)"
	}
	return info.String()
}

// OtherSessions lists the other registered sessions, oldest first.
func (l *Locker) OtherSessions(ctx context.Context) ([]repository.SessionInfo, error) {
	rows, err := l.db.db.QueryContext(ctx, `
		SELECT id, host, pid, user, started, heartbeat FROM sessions WHERE id != ? ORDER BY started
	`, l.info.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var out []repository.SessionInfo
	for rows.Next() {
		var row sessionRow
		if err := rows.Scan(row.scanArgs()...); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if info, ok := row.toInfo(); ok {
			out = append(out, info)
		}
	}
	return out, rows.Err()
}

// ReapLocks deletes every lock held by another session. A running session
// keeps reporting the reaped locks from Holds until its next heartbeat or
// lock request.
func (l *Locker) ReapLocks(ctx context.Context) bool {
	res, err := l.db.db.ExecContext(ctx, `DELETE FROM locks WHERE session != ?`, l.info.ID)
	if err != nil {
		l.logger.Error("sqlite: failed to reap locks", "error", err)
		return false
	}
	n, _ := res.RowsAffected()
	l.logger.Warn("sqlite: reaped foreign locks", "locks", n)
	return true
}

// Heartbeat records that this session is alive and forgets cached locks
// that were reaped or expired by other sessions. A session row removed as
// stale is registered again.
func (l *Locker) Heartbeat(ctx context.Context) error {
	now := l.now()
	res, err := l.db.db.ExecContext(ctx, `UPDATE sessions SET heartbeat = ? WHERE id = ?`, timeToUnix(now), l.info.ID)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	l.mu.Lock()
	l.info.Heartbeat = now
	info := l.info
	l.mu.Unlock()

	if n, _ := res.RowsAffected(); n == 0 {
		l.logger.Warn("sqlite: session was expired by another session, registering again", "session", info.ID)
		if _, err := l.db.db.ExecContext(ctx, `
			INSERT INTO sessions (id, host, pid, user, started, heartbeat)
			VALUES (?, ?, ?, ?, ?, ?)
		`, info.ID, info.Host, info.PID, info.User, timeToUnix(info.Started), timeToUnix(now)); err != nil {
			return fmt.Errorf("failed to register session: %w", err)
		}
	}
	return l.syncHeld(ctx)
}

// syncHeld replaces the cached lock set with the locks stored for this
// session.
func (l *Locker) syncHeld(ctx context.Context) error {
	rows, err := l.db.db.QueryContext(ctx, `SELECT registry, id FROM locks WHERE session = ?`, l.info.ID)
	if err != nil {
		return fmt.Errorf("failed to query locks: %w", err)
	}
	defer rows.Close()

	held := make(map[string]map[int]struct{})
	for rows.Next() {
		var (
			registry string
			id       int
		)
		if err := rows.Scan(&registry, &id); err != nil {
			return fmt.Errorf("failed to scan lock: %w", err)
		}
		if held[registry] == nil {
			held[registry] = make(map[int]struct{})
		}
		held[registry][id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating locks: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for registry, set := range l.held {
		for id := range set {
			if _, ok := held[registry][id]; !ok {
				l.logger.Warn("sqlite: lock was cleared by another session", "registry", registry, "id", id)
			}
		}
	}
	l.held = held
	return nil
}

// Run sends heartbeats every interval until ctx is done.
func (l *Locker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				l.logger.Warn("sqlite: heartbeat failed", "error", err)
			}
		}
	}
}

// Close releases this session's locks and removes its session row.
func (l *Locker) Close() error {
	return l.inTx(context.Background(), func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM locks WHERE session = ?`, l.info.ID); err != nil {
			return err
		}
		_, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, l.info.ID)
		return err
	})
}

var _ repository.Locker = (*Locker)(nil)

// Package session coordinates processes that share one repository directory.
//
// Every process registers a session file under <root>/sessions. The file
// records who the session is, when it last proved to be alive, and which
// ids it has locked per registry. Id counters live next to the session files
// in <registry>.cnt. All read-modify-write cycles on these files happen
// while holding the global lock file, so two sessions never hand out the
// same id.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"jobrepo/internal/flock"
	"jobrepo/internal/fsutil"
	"jobrepo/internal/repository"
)

const (
	sessionExt = ".session"
	counterExt = ".cnt"
	globalLock = "global.lock"

	DefaultStaleAfter        = 5 * time.Minute
	DefaultHeartbeatInterval = 30 * time.Second
)

var errSessionClosed = errors.New("session is closed")

// Session is one process's membership in a shared repository. It
// implements repository.Locker.
type Session struct {
	dir        string
	logger     hclog.Logger
	staleAfter time.Duration
	interval   time.Duration
	now        func() time.Time

	mu     sync.Mutex
	info   repository.SessionInfo
	locks  map[string]map[int]struct{}
	closed bool
}

// sessionFile is the on-disk form of a session.
type sessionFile struct {
	repository.SessionInfo
	Locks map[string][]int `json:"locks"`
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(l hclog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithStaleAfter sets how long a session may go without a heartbeat before
// others consider it dead and ignore its locks.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Session) { s.staleAfter = d }
}

// WithHeartbeatInterval sets the period used by Run.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(s *Session) { s.interval = d }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// Open registers a new session in <root>/sessions.
func Open(ctx context.Context, root string, opts ...Option) (*Session, error) {
	s := &Session{
		dir:        filepath.Join(root, "sessions"),
		logger:     hclog.NewNullLogger(),
		staleAfter: DefaultStaleAfter,
		interval:   DefaultHeartbeatInterval,
		now:        time.Now,
		locks:      make(map[string]map[int]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := fsutil.EnsureDir(s.dir, 0o755); err != nil {
		return nil, err
	}

	host, _ := os.Hostname()
	now := s.now()
	s.info = repository.SessionInfo{
		ID:        uuid.NewString(),
		Host:      host,
		PID:       os.Getpid(),
		User:      currentUser(),
		Started:   now,
		Heartbeat: now,
	}

	err := s.withGlobal(ctx, func() error {
		return s.writeSelf()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register session: %w", err)
	}
	s.logger.Debug("session: opened", "id", s.info.ID, "dir", s.dir)
	return s, nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}

// ID returns the session id.
func (s *Session) ID() string { return s.info.ID }

// Info returns a snapshot of this session's description.
func (s *Session) Info() repository.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

func (s *Session) path(id string) string { return filepath.Join(s.dir, id+sessionExt) }

func (s *Session) withGlobal(ctx context.Context, fn func() error) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errSessionClosed
	}
	l, err := flock.Acquire(ctx, filepath.Join(s.dir, globalLock))
	if err != nil {
		return err
	}
	defer l.Release()
	s.syncLocks()
	return fn()
}

// syncLocks drops the in-memory locks that are missing from this session's
// file, as after another session reaped them or expired this session.
// Callers hold the global lock.
func (s *Session) syncLocks() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.locks) == 0 {
		return
	}
	var sf sessionFile
	data, err := os.ReadFile(s.path(s.info.ID))
	if err == nil {
		err = json.Unmarshal(data, &sf)
	}
	if err != nil && !os.IsNotExist(err) {
		s.logger.Warn("session: cannot read own session file", "error", err)
		return
	}
	for registry, held := range s.locks {
		stored := make(map[int]struct{}, len(sf.Locks[registry]))
		for _, id := range sf.Locks[registry] {
			stored[id] = struct{}{}
		}
		for id := range held {
			if _, ok := stored[id]; !ok {
				s.logger.Warn("session: lock was cleared by another session", "registry", registry, "id", id)
				delete(held, id)
			}
		}
	}
}

// writeSelf persists this session's file. Callers hold the global lock.
func (s *Session) writeSelf() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errSessionClosed
	}
	sf := sessionFile{SessionInfo: s.info, Locks: make(map[string][]int, len(s.locks))}
	for registry, held := range s.locks {
		sf.Locks[registry] = sortedIDs(held)
	}
	s.mu.Unlock()

	data, err := json.Marshal(sf)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	return fsutil.AtomicWriteFile(s.path(sf.ID), data, 0o644)
}

// readOthers loads every other session file. With expire set, sessions whose
// heartbeat is older than the stale limit are removed instead of returned.
func (s *Session) readOthers(expire bool) ([]sessionFile, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	var out []sessionFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, sessionExt) || name == s.info.ID+sessionExt {
			continue
		}
		path := filepath.Join(s.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				s.logger.Warn("session: unreadable session file", "path", path, "error", err)
			}
			continue
		}
		var sf sessionFile
		if err := json.Unmarshal(data, &sf); err != nil {
			s.logger.Warn("session: corrupt session file", "path", path, "error", err)
			continue
		}
		if expire && s.stale(sf.SessionInfo) {
			s.logger.Info("session: expiring stale session", "id", sf.ID, "host", sf.Host, "pid", sf.PID,
				"heartbeat", humanize.Time(sf.Heartbeat))
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				s.logger.Warn("session: failed to remove stale session", "id", sf.ID, "error", err)
			}
			continue
		}
		out = append(out, sf)
	}
	return out, nil
}

func (s *Session) stale(info repository.SessionInfo) bool {
	return s.staleAfter > 0 && s.now().Sub(info.Heartbeat) > s.staleAfter
}

// Allocate hands out n fresh ids of registry and locks them.
func (s *Session) Allocate(ctx context.Context, registry string, n int) ([]int, error) {
	if n <= 0 {
		return nil, nil
	}
	var ids []int
	err := s.withGlobal(ctx, func() error {
		next, err := s.readCounter(registry)
		if err != nil {
			return err
		}
		if err := s.writeCounter(registry, next+n); err != nil {
			return err
		}
		ids = make([]int, n)
		for i := range ids {
			ids[i] = next + i
		}
		s.hold(registry, ids)
		return s.writeSelf()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to allocate %d ids in %s: %w", n, registry, err)
	}
	return ids, nil
}

// Reserve advances the counter of registry past ids and locks them. When
// another live session holds any of the ids nothing changes and a
// *repository.LockedError names them.
func (s *Session) Reserve(ctx context.Context, registry string, ids []int) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withGlobal(ctx, func() error {
		others, err := s.readOthers(true)
		if err != nil {
			return err
		}
		if locked := lockedBy(others, registry, ids); locked != nil {
			return locked
		}
		next, err := s.readCounter(registry)
		if err != nil {
			return err
		}
		top := next
		for _, id := range ids {
			if id+1 > top {
				top = id + 1
			}
		}
		if top > next {
			if err := s.writeCounter(registry, top); err != nil {
				return err
			}
		}
		s.hold(registry, ids)
		return s.writeSelf()
	})
}

// lockedBy reports the ids held by one of others, or nil.
func lockedBy(others []sessionFile, registry string, ids []int) *repository.LockedError {
	owners := make(map[int]string)
	for _, o := range others {
		for _, id := range o.Locks[registry] {
			owners[id] = o.SessionInfo.String()
		}
	}
	var e *repository.LockedError
	for _, id := range ids {
		owner, taken := owners[id]
		if !taken {
			continue
		}
		if e == nil {
			e = &repository.LockedError{Registry: registry}
		}
		e.IDs = append(e.IDs, id)
		e.Owners = append(e.Owners, owner)
	}
	return e
}

func (s *Session) counterPath(registry string) string {
	return filepath.Join(s.dir, registry+counterExt)
}

func (s *Session) readCounter(registry string) (int, error) {
	data, err := os.ReadFile(s.counterPath(registry))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read counter: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("corrupt counter file %s", s.counterPath(registry))
	}
	return n, nil
}

func (s *Session) writeCounter(registry string, next int) error {
	return fsutil.AtomicWriteFile(s.counterPath(registry), []byte(strconv.Itoa(next)+"\n"), 0o644)
}

func (s *Session) hold(registry string, ids []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	held, ok := s.locks[registry]
	if !ok {
		held = make(map[int]struct{})
		s.locks[registry] = held
	}
	for _, id := range ids {
		held[id] = struct{}{}
	}
}

// Lock takes the locks on ids not held by another live session and returns
// the ids this session now holds, in request order.
func (s *Session) Lock(ctx context.Context, registry string, ids []int) ([]int, error) {
	var acquired []int
	err := s.withGlobal(ctx, func() error {
		others, err := s.readOthers(true)
		if err != nil {
			return err
		}
		foreign := make(map[int]struct{})
		for _, o := range others {
			for _, id := range o.Locks[registry] {
				foreign[id] = struct{}{}
			}
		}
		acquired = acquired[:0]
		s.mu.Lock()
		for _, id := range ids {
			if _, taken := foreign[id]; taken {
				delete(s.locks[registry], id)
				continue
			}
			acquired = append(acquired, id)
		}
		s.mu.Unlock()
		s.hold(registry, acquired)
		return s.writeSelf()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to lock ids in %s: %w", registry, err)
	}
	return acquired, nil
}

// Unlock releases ids. Releasing an id that is not held is a no-op.
func (s *Session) Unlock(ctx context.Context, registry string, ids []int) error {
	s.mu.Lock()
	for _, id := range ids {
		delete(s.locks[registry], id)
	}
	s.mu.Unlock()
	return s.withGlobal(ctx, s.writeSelf)
}

// Holds reports whether this session holds the lock on id.
func (s *Session) Holds(registry string, id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.locks[registry][id]
	return ok
}

// LockSession describes the holder of the lock on id for diagnostics. It
// never fails; "" means the holder is unknown or there is none.
func (s *Session) LockSession(ctx context.Context, registry string, id int) string {
	if s.Holds(registry, id) {
		return s.Info().String() + " (this session)"
	}
	others, err := s.readOthers(false)
	if err != nil {
		s.logger.Debug("session: cannot determine lock owner", "registry", registry, "id", id, "error", err)
		return ""
	}
	for _, o := range others {
		for _, held := range o.Locks[registry] {
			if held == id {
				desc := o.SessionInfo.String()
				if s.stale(o.SessionInfo) {
					desc += " (stale)"
				}
				return desc
			}
		}
	}
	return ""
}

// OtherSessions lists the other sessions, oldest first.
func (s *Session) OtherSessions(ctx context.Context) ([]repository.SessionInfo, error) {
	others, err := s.readOthers(false)
	if err != nil {
		return nil, err
	}
	out := make([]repository.SessionInfo, len(others))
	for i, o := range others {
		out[i] = o.SessionInfo
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out, nil
}

// ReapLocks clears the locks recorded by every other session. A session
// that is still running notices on its next heartbeat or lock request and
// drops the reaped locks; until then Holds may still report them. Use only
// to recover from stuck sessions.
func (s *Session) ReapLocks(ctx context.Context) bool {
	err := s.withGlobal(ctx, func() error {
		others, err := s.readOthers(false)
		if err != nil {
			return err
		}
		for _, o := range others {
			if len(o.Locks) == 0 {
				continue
			}
			o.Locks = map[string][]int{}
			data, err := json.Marshal(o)
			if err != nil {
				return err
			}
			if err := fsutil.AtomicWriteFile(s.path(o.ID), data, 0o644); err != nil {
				return err
			}
			s.logger.Warn("session: reaped locks", "session", o.ID, "host", o.Host, "pid", o.PID)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("session: failed to reap locks", "error", err)
		return false
	}
	return true
}

// Heartbeat records that this session is alive.
func (s *Session) Heartbeat(ctx context.Context) error {
	s.mu.Lock()
	s.info.Heartbeat = s.now()
	s.mu.Unlock()
	return s.withGlobal(ctx, s.writeSelf)
}

// Run sends heartbeats until ctx is done.
func (s *Session) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Heartbeat(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("session: heartbeat failed", "error", err)
			}
		}
	}
}

// Close releases every lock and unregisters the session.
func (s *Session) Close() error {
	err := s.withGlobal(context.Background(), func() error {
		s.mu.Lock()
		s.closed = true
		s.locks = make(map[string]map[int]struct{})
		s.mu.Unlock()

		if err := os.Remove(s.path(s.info.ID)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove session file: %w", err)
		}
		s.logger.Debug("session: closed", "id", s.info.ID)
		return nil
	})
	if errors.Is(err, errSessionClosed) {
		return nil
	}
	return err
}

func sortedIDs(set map[int]struct{}) []int {
	ids := make([]int, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

var _ repository.Locker = (*Session)(nil)

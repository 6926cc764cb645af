package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"

	"jobrepo/internal/catalog"
	"jobrepo/internal/config"
	"jobrepo/internal/domain"
	"jobrepo/internal/repository"
	"jobrepo/internal/repository/localdir"
	"jobrepo/internal/repository/sqlite"
	"jobrepo/internal/repository/transient"
	"jobrepo/internal/session"
	"jobrepo/internal/watcher"
)

// Manager owns the registries of one repository and the sessions behind
// them.
type Manager struct {
	cfg     *config.Config
	ctx     *domain.Context
	overlay *config.Overlay
	bus     *EventBus
	logger  hclog.Logger

	db      *sqlite.DB
	sqlLock *sqlite.Locker
	session *session.Session

	mu         sync.RWMutex
	registries map[string]*Registry
	names      []string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger of the manager and its registries.
func WithManagerLogger(l hclog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithContext supplies the object context. By default a context with the
// job catalog registered is created.
func WithContext(ctx *domain.Context) ManagerOption {
	return func(m *Manager) { m.ctx = ctx }
}

// Open builds the registries named in cfg. Nothing is read until Startup.
func Open(ctx context.Context, cfg *config.Config, opts ...ManagerOption) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	m := &Manager{
		cfg:        cfg,
		overlay:    cfg.Overlay(),
		bus:        NewEventBus(),
		logger:     hclog.NewNullLogger(),
		registries: make(map[string]*Registry),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.ctx == nil {
		m.ctx = catalog.NewContext(domain.WithLogger(m.logger.Named("domain")))
	}
	m.ctx.SetOverlay(m.overlay)

	if err := m.build(ctx); err != nil {
		m.closeStores()
		return nil, err
	}
	return m, nil
}

func (m *Manager) build(ctx context.Context) error {
	staleAfter := m.cfg.Session.StaleAfter.Duration()
	for _, name := range m.cfg.RegistryNames() {
		rc := m.cfg.Registries[name]
		logger := m.logger.Named(name)

		var (
			backend repository.Backend
			locker  repository.Locker
		)
		switch rc.Backend {
		case config.BackendSQLite:
			if err := m.openDB(ctx); err != nil {
				return err
			}
			b, err := m.db.Backend(name, m.ctx, m.sqlLock)
			if err != nil {
				return fmt.Errorf("failed to create registry %s: %w", name, err)
			}
			backend, locker = b, m.sqlLock

		case config.BackendLocalDir:
			if name == "sessions" {
				return fmt.Errorf("registry name %q is reserved for localdir repositories", name)
			}
			if m.session == nil {
				s, err := session.Open(ctx, m.cfg.Root,
					session.WithLogger(m.logger.Named("session")),
					session.WithStaleAfter(staleAfter),
					session.WithHeartbeatInterval(m.cfg.Session.Heartbeat.Duration()))
				if err != nil {
					return fmt.Errorf("failed to open session: %w", err)
				}
				m.session = s
			}
			backend = localdir.New(m.cfg.Root, name, m.ctx, m.session, localdir.WithLogger(logger))
			locker = m.session

		case config.BackendTransient:
			backend = transient.New(m.cfg.RegistryDir(name), name, m.ctx, transient.WithLogger(logger))

		default:
			return fmt.Errorf("registry %s: unknown backend %q", name, rc.Backend)
		}

		m.registries[name] = New(backend,
			WithLogger(logger),
			WithEventBus(m.bus),
			WithLocker(locker),
			WithLockTimeout(m.cfg.Session.LockTimeout.Duration()))
		m.names = append(m.names, name)
	}
	return nil
}

func (m *Manager) openDB(ctx context.Context) error {
	if m.db != nil {
		return nil
	}
	db, err := sqlite.New(m.cfg.DatabasePath(), sqlite.WithLogger(m.logger.Named("sqlite")))
	if err != nil {
		return err
	}
	m.db = db
	l, err := db.NewLocker(ctx, sqlite.WithStaleAfter(m.cfg.Session.StaleAfter.Duration()))
	if err != nil {
		return fmt.Errorf("failed to register session: %w", err)
	}
	m.sqlLock = l
	return nil
}

// Startup starts every registry, then the heartbeats and directory
// watchers. Registries that fail to start are reported together.
func (m *Manager) Startup(ctx context.Context) error {
	var result *multierror.Error
	for _, name := range m.names {
		if err := m.registries[name].Startup(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", name, err))
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	if m.sqlLock != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.sqlLock.Run(runCtx, m.cfg.Session.Heartbeat.Duration())
		}()
	}
	if m.session != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.session.Run(runCtx)
		}()
	}
	for _, name := range m.names {
		rc := m.cfg.Registries[name]
		if rc.Backend != config.BackendTransient || !rc.Watch {
			continue
		}
		m.watchDir(runCtx, m.registries[name])
	}

	m.logger.Info("manager: started", "registries", len(m.names))
	return result.ErrorOrNil()
}

func (m *Manager) watchDir(ctx context.Context, r *Registry) {
	dir := m.cfg.RegistryDir(r.Name())
	w := watcher.NewDir(dir, transient.Ext, func() {
		if err := r.Startup(ctx); err != nil {
			m.logger.Warn("manager: reload failed", "registry", r.Name(), "error", err)
		}
	}).WithLogger(m.logger.Named("watcher"))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := w.Watch(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("manager: watch stopped", "dir", dir, "error", err)
		}
	}()
}

// WatchConfig reloads the defaults section whenever the config file at
// path changes. It blocks until ctx is done.
func (m *Manager) WatchConfig(ctx context.Context, path string) error {
	w := watcher.New(path, func() {
		if err := m.ReloadDefaults(path); err != nil {
			m.logger.Warn("manager: config reload failed", "path", path, "error", err)
		}
	}).WithLogger(m.logger.Named("watcher"))
	return w.Watch(ctx)
}

// ReloadDefaults rereads the defaults section of the config file at path.
// Other settings only take effect on the next Open.
func (m *Manager) ReloadDefaults(path string) error {
	cfg, _, err := config.LoadFromPath(path)
	if err != nil {
		return err
	}
	m.overlay.Replace(cfg.Defaults)
	m.ctx.InvalidateDefaults()
	m.bus.Publish(Event{Type: EventDefaults})
	m.logger.Info("manager: defaults reloaded", "path", path)
	return nil
}

// Registry returns the registry called name.
func (m *Manager) Registry(name string) (*Registry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.registries[name]
	return r, ok
}

// Names lists the registries sorted by name.
func (m *Manager) Names() []string {
	return append([]string(nil), m.names...)
}

func (m *Manager) Bus() *EventBus           { return m.bus }
func (m *Manager) Context() *domain.Context { return m.ctx }
func (m *Manager) Config() *config.Config   { return m.cfg }
func (m *Manager) Overlay() *config.Overlay { return m.overlay }

// Lockers lists the lockers of the repository's sessions.
func (m *Manager) Lockers() []repository.Locker {
	var out []repository.Locker
	if m.sqlLock != nil {
		out = append(out, m.sqlLock)
	}
	if m.session != nil {
		out = append(out, m.session)
	}
	return out
}

// OtherSessions lists the live sessions besides this one, across lockers.
func (m *Manager) OtherSessions(ctx context.Context) ([]repository.SessionInfo, error) {
	var (
		out    []repository.SessionInfo
		result *multierror.Error
	)
	for _, l := range m.Lockers() {
		infos, err := l.OtherSessions(ctx)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		out = append(out, infos...)
	}
	return out, result.ErrorOrNil()
}

// ReapLocks clears the locks of every other session. It reports whether
// all lockers succeeded.
func (m *Manager) ReapLocks(ctx context.Context) bool {
	ok := true
	for _, l := range m.Lockers() {
		if !l.ReapLocks(ctx) {
			ok = false
		}
	}
	return ok
}

// Close shuts every registry down, stops background work and ends the
// session.
func (m *Manager) Close(ctx context.Context) error {
	var result *multierror.Error
	for i := len(m.names) - 1; i >= 0; i-- {
		if err := m.registries[m.names[i]].Shutdown(ctx); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", m.names[i], err))
		}
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	if err := m.closeStores(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

func (m *Manager) closeStores() error {
	var result *multierror.Error
	if m.sqlLock != nil {
		if err := m.sqlLock.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		m.sqlLock = nil
	}
	if m.session != nil {
		if err := m.session.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		m.session = nil
	}
	if m.db != nil {
		if err := m.db.Close(); err != nil {
			result = multierror.Append(result, err)
		}
		m.db = nil
	}
	return result.ErrorOrNil()
}

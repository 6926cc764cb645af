package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	_ "modernc.org/sqlite"

	"jobrepo/internal/domain"
	"jobrepo/internal/repository"
)

// DB is a repository database shared by the backends of several registries
// and by the Locker.
type DB struct {
	db     *sql.DB
	path   string
	logger hclog.Logger
}

// Option configures a DB.
type Option func(*DB)

// WithLogger sets the logger.
func WithLogger(l hclog.Logger) Option {
	return func(d *DB) { d.logger = l }
}

// New opens (creating if needed) the database at dbPath. ":memory:" gives a
// private in-memory database.
func New(dbPath string, opts ...Option) (*DB, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		dsn = "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	d := &DB{db: db, path: dbPath, logger: hclog.NewNullLogger()}
	for _, opt := range opts {
		opt(d)
	}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return d, nil
}

func (d *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		host TEXT NOT NULL,
		pid INTEGER NOT NULL,
		user TEXT NOT NULL,
		started INTEGER NOT NULL,
		heartbeat INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS counters (
		registry TEXT PRIMARY KEY,
		next INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS locks (
		registry TEXT NOT NULL,
		id INTEGER NOT NULL,
		session TEXT NOT NULL,
		acquired INTEGER NOT NULL,
		PRIMARY KEY (registry, id)
	);

	CREATE INDEX IF NOT EXISTS idx_locks_session ON locks(session);
	`
	_, err := d.db.Exec(schema)
	return err
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

var tableName = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Backend is the relational backend of one registry. Records live in the
// table objects_<registry>; a NULL classname marks a tombstone.
type Backend struct {
	db       *DB
	name     string
	table    string
	ctx      *domain.Context
	locker   repository.Locker
	objects  *repository.Table
	restorer *repository.Restorer
	logger   hclog.Logger
}

// Backend creates the backend of registry name, using locker for ids and
// locks.
func (d *DB) Backend(name string, ctx *domain.Context, locker repository.Locker) (*Backend, error) {
	if !tableName.MatchString(name) {
		return nil, fmt.Errorf("invalid registry name %q", name)
	}
	logger := d.logger.Named(name)
	objects := repository.NewTable()
	return &Backend{
		db:       d,
		name:     name,
		table:    "objects_" + name,
		ctx:      ctx,
		locker:   locker,
		objects:  objects,
		restorer: repository.NewRestorer(name, ctx, objects, logger),
		logger:   logger,
	}, nil
}

func (b *Backend) Name() string               { return b.name }
func (b *Backend) Objects() *repository.Table { return b.objects }

func (b *Backend) createTable(ctx context.Context) error {
	_, err := b.db.db.ExecContext(ctx, fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		id INTEGER PRIMARY KEY,
		classname TEXT,
		category TEXT,
		idx BLOB,
		data BLOB
	)`, b.table))
	return err
}

// Startup creates the table if needed and rebuilds the index.
func (b *Backend) Startup(ctx context.Context) error {
	if err := b.createTable(ctx); err != nil {
		return &repository.RepositoryError{Op: "startup", Registry: b.name, Err: err}
	}
	return b.UpdateIndex(ctx)
}

// UpdateIndex reads (id, classname, category, idx) in bulk and installs
// index stubs. Data blobs are read only for rows whose index is unusable.
func (b *Backend) UpdateIndex(ctx context.Context, ids ...int) error {
	var rows []objectRow
	if len(ids) == 0 {
		r, err := b.queryIndex(ctx, "", nil)
		if err != nil {
			return &repository.RepositoryError{Op: "update index", Registry: b.name, Err: err}
		}
		rows = r
	} else {
		for _, chunk := range chunks(ids) {
			clause, args := inClause(chunk)
			r, err := b.queryIndex(ctx, " WHERE id IN "+clause, args)
			if err != nil {
				return &repository.RepositoryError{Op: "update index", Registry: b.name, IDs: ids, Err: err}
			}
			rows = append(rows, r...)
		}
	}

	var result *multierror.Error
	seen := make(map[int]bool, len(rows))
	for _, row := range rows {
		rec := row.toRecord()
		seen[rec.ID] = true
		if rec.Tombstoned() {
			b.restorer.Bury(rec.ID)
			continue
		}
		err := b.restorer.Index(rec.ID, rec.Index)
		if err == nil {
			continue
		}
		b.logger.Debug("sqlite: index unusable, decoding data", "id", rec.ID, "error", err)
		if err := b.loadData(ctx, []int{rec.ID}, nil); err != nil {
			b.logger.Warn("sqlite: cannot rebuild index entry", "id", rec.ID, "error", err)
			result = multierror.Append(result, err)
		}
	}

	stale := ids
	if len(ids) == 0 {
		stale = b.objects.IDs()
	}
	for _, id := range stale {
		if !seen[id] {
			b.restorer.Forget(id)
		}
	}
	return result.ErrorOrNil()
}

// queryIndex collects rows before returning so no connection stays busy
// while they are processed.
func (b *Backend) queryIndex(ctx context.Context, where string, args []interface{}) ([]objectRow, error) {
	rows, err := b.db.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, classname, category, idx FROM %s%s ORDER BY id`, b.table, where), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query index: %w", err)
	}
	defer rows.Close()

	var out []objectRow
	for rows.Next() {
		var row objectRow
		if err := rows.Scan(row.indexScanArgs()...); err != nil {
			return nil, fmt.Errorf("failed to scan index row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating index rows: %w", err)
	}
	return out, nil
}

// Add assigns ids, writes all records in one transaction and registers the
// objects only once the transaction committed.
func (b *Backend) Add(ctx context.Context, objs []*domain.Object, forceIDs []int) ([]int, error) {
	if forceIDs != nil && len(forceIDs) != len(objs) {
		return nil, &repository.RepositoryError{Op: "add", Registry: b.name, IDs: forceIDs,
			Err: fmt.Errorf("%d forced ids for %d objects", len(forceIDs), len(objs))}
	}
	if len(objs) == 0 {
		return nil, nil
	}
	for _, obj := range objs {
		if obj.IsPlaceholder() {
			return nil, &repository.RepositoryError{Op: "add", Registry: b.name, Err: fmt.Errorf("cannot store placeholder object")}
		}
		if _, registered := obj.ID(); registered {
			return nil, &repository.RepositoryError{Op: "add", Registry: b.name, Err: fmt.Errorf("%s is already registered", obj)}
		}
	}

	ids := forceIDs
	if ids == nil {
		allocated, err := b.locker.Allocate(ctx, b.name, len(objs))
		if err != nil {
			return nil, &repository.RepositoryError{Op: "add", Registry: b.name, Err: err}
		}
		ids = allocated
	} else {
		if err := b.checkUnused(ctx, ids); err != nil {
			return nil, &repository.RepositoryError{Op: "add", Registry: b.name, IDs: ids, Err: err}
		}
		if err := b.locker.Reserve(ctx, b.name, ids); err != nil {
			return nil, &repository.RepositoryError{Op: "add", Registry: b.name, IDs: ids, Err: err}
		}
	}

	records := make([]repository.Record, len(objs))
	for i, obj := range objs {
		rec, err := repository.NewRecord(ids[i], obj)
		if err != nil {
			return nil, &repository.RepositoryError{Op: "add", Registry: b.name, IDs: ids, Err: err}
		}
		records[i] = rec
	}

	if err := b.write(ctx, insertObjectSQL, records); err != nil {
		b.logger.Error("sqlite: add failed", "ids", ids, "error", err)
		return nil, &repository.RepositoryError{Op: "add", Registry: b.name, IDs: ids, Err: err}
	}

	for i, obj := range objs {
		obj.Register(b.name, ids[i])
		obj.ClearDirty()
		b.objects.Put(ids[i], obj)
	}
	b.logger.Debug("sqlite: added objects", "ids", ids)
	return append([]int(nil), ids...), nil
}

// checkUnused fails with ErrIDInUse when any of ids has a row, live or
// tombstoned, or is named twice.
func (b *Backend) checkUnused(ctx context.Context, ids []int) error {
	seen := make(map[int]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			return fmt.Errorf("%w: %d given twice", repository.ErrIDInUse, id)
		}
		seen[id] = true
	}
	var used []int
	for _, chunk := range chunks(ids) {
		clause, args := inClause(chunk)
		rows, err := b.queryIndex(ctx, " WHERE id IN "+clause, args)
		if err != nil {
			return err
		}
		for _, row := range rows {
			used = append(used, int(row.ID))
		}
	}
	if len(used) > 0 {
		return fmt.Errorf("%w: %v", repository.ErrIDInUse, used)
	}
	return nil
}

const insertObjectSQL = `
	INSERT INTO %s (id, classname, category, idx, data)
	VALUES (?, ?, ?, ?, ?)`

const upsertObjectSQL = `
	INSERT INTO %s (id, classname, category, idx, data)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		classname = excluded.classname,
		category = excluded.category,
		idx = excluded.idx,
		data = excluded.data`

// write stores records in one transaction using query, one of
// insertObjectSQL and upsertObjectSQL.
func (b *Backend) write(ctx context.Context, query string, records []repository.Record) error {
	tx, err := b.db.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(query, b.table))
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if _, err := stmt.ExecContext(ctx, recordArgs(rec)...); err != nil {
			return fmt.Errorf("failed to write object %d: %w", rec.ID, err)
		}
	}
	return tx.Commit()
}

// Flush rewrites dirty objects. Placeholders and index stubs are skipped.
func (b *Backend) Flush(ctx context.Context, ids []int) error {
	var (
		records []repository.Record
		flushed []*domain.Object
	)
	for _, id := range ids {
		obj, ok := b.objects.Get(id)
		if !ok {
			return &repository.RepositoryError{Op: "flush", Registry: b.name, IDs: []int{id},
				Err: &repository.NotFoundError{Registry: b.name, IDs: []int{id}}}
		}
		if obj.IsPlaceholder() || !obj.Loaded() || !obj.Dirty() {
			continue
		}
		rec, err := repository.NewRecord(id, obj)
		if err != nil {
			return &repository.RepositoryError{Op: "flush", Registry: b.name, IDs: []int{id}, Err: err}
		}
		records = append(records, rec)
		flushed = append(flushed, obj)
	}
	if len(records) == 0 {
		return nil
	}

	if err := b.write(ctx, upsertObjectSQL, records); err != nil {
		b.logger.Error("sqlite: flush failed", "ids", ids, "error", err)
		return &repository.RepositoryError{Op: "flush", Registry: b.name, IDs: ids, Err: err}
	}
	for _, obj := range flushed {
		obj.ClearDirty()
	}
	return nil
}

// Load decodes the data blobs of ids that are not loaded yet.
func (b *Backend) Load(ctx context.Context, ids []int) error {
	var pending []int
	for _, id := range ids {
		if obj, ok := b.objects.Get(id); ok && obj.Loaded() {
			continue
		}
		pending = append(pending, id)
	}
	if len(pending) == 0 {
		return nil
	}

	var result *multierror.Error
	missing := make(map[int]bool, len(pending))
	for _, id := range pending {
		missing[id] = true
	}
	if err := b.loadData(ctx, pending, missing); err != nil {
		result = multierror.Append(result, err)
	}

	if len(missing) > 0 {
		var notFound []int
		for _, id := range pending {
			if missing[id] {
				notFound = append(notFound, id)
			}
		}
		result = multierror.Append(result, &repository.NotFoundError{Registry: b.name, IDs: notFound})
	}
	return result.ErrorOrNil()
}

// loadData decodes the data of ids, removing each id found in storage from
// missing. Decode failures are collected, not fatal for the batch.
func (b *Backend) loadData(ctx context.Context, ids []int, missing map[int]bool) error {
	var rows []objectRow
	for _, chunk := range chunks(ids) {
		clause, args := inClause(chunk)
		r, err := b.queryData(ctx, clause, args)
		if err != nil {
			return &repository.RepositoryError{Op: "load", Registry: b.name, IDs: chunk, Err: err}
		}
		rows = append(rows, r...)
	}

	var result *multierror.Error
	for _, row := range rows {
		rec := row.toRecord()
		if rec.Tombstoned() {
			b.restorer.Bury(rec.ID)
			continue
		}
		delete(missing, rec.ID)
		if err := b.restorer.Data(rec.ID, rec.Data); err != nil {
			b.logger.Warn("sqlite: failed to decode object", "id", rec.ID, "error", err)
			result = multierror.Append(result, fmt.Errorf("object %d: %w", rec.ID, err))
		}
	}
	return result.ErrorOrNil()
}

func (b *Backend) queryData(ctx context.Context, clause string, args []interface{}) ([]objectRow, error) {
	rows, err := b.db.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, classname, category, data FROM %s WHERE id IN %s`, b.table, clause), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query data: %w", err)
	}
	defer rows.Close()

	var out []objectRow
	for rows.Next() {
		var row objectRow
		if err := rows.Scan(row.dataScanArgs()...); err != nil {
			return nil, fmt.Errorf("failed to scan data row: %w", err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Delete tombstones ids in one transaction. Ids without a row are only
// dropped from memory.
func (b *Backend) Delete(ctx context.Context, ids []int) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := b.db.db.BeginTx(ctx, nil)
	if err != nil {
		return &repository.RepositoryError{Op: "delete", Registry: b.name, IDs: ids, Err: err}
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`UPDATE %s SET classname = NULL, category = NULL, idx = NULL, data = NULL WHERE id = ?`, b.table))
	if err != nil {
		return &repository.RepositoryError{Op: "delete", Registry: b.name, IDs: ids, Err: err}
	}
	defer stmt.Close()

	stored := make(map[int]bool, len(ids))
	for _, id := range ids {
		res, err := stmt.ExecContext(ctx, id)
		if err != nil {
			return &repository.RepositoryError{Op: "delete", Registry: b.name, IDs: []int{id}, Err: err}
		}
		n, _ := res.RowsAffected()
		stored[id] = n > 0
	}
	if err := tx.Commit(); err != nil {
		return &repository.RepositoryError{Op: "delete", Registry: b.name, IDs: ids, Err: err}
	}

	for _, id := range ids {
		if stored[id] {
			b.restorer.Bury(id)
		} else {
			b.restorer.Forget(id)
		}
	}
	if err := b.locker.Unlock(ctx, b.name, ids); err != nil {
		b.logger.Warn("sqlite: failed to release locks of deleted objects", "ids", ids, "error", err)
	}
	return nil
}

func (b *Backend) Lock(ctx context.Context, ids []int) ([]int, error) {
	return b.locker.Lock(ctx, b.name, ids)
}

func (b *Backend) Unlock(ctx context.Context, ids []int) error {
	return b.locker.Unlock(ctx, b.name, ids)
}

func (b *Backend) Holds(id int) bool {
	return b.locker.Holds(b.name, id)
}

// Clean drops and recreates the table and resets the registry's counter and
// locks stored in this database.
func (b *Backend) Clean(ctx context.Context) error {
	stmts := []struct {
		query string
		args  []interface{}
	}{
		{fmt.Sprintf(`DROP TABLE IF EXISTS %s`, b.table), nil},
		{`DELETE FROM counters WHERE registry = ?`, []interface{}{b.name}},
		{`DELETE FROM locks WHERE registry = ?`, []interface{}{b.name}},
	}
	for _, s := range stmts {
		if _, err := b.db.db.ExecContext(ctx, s.query, s.args...); err != nil {
			return &repository.RepositoryError{Op: "clean", Registry: b.name, Err: err}
		}
	}
	b.objects.Clear()
	if err := b.createTable(ctx); err != nil {
		return &repository.RepositoryError{Op: "clean", Registry: b.name, Err: err}
	}
	return nil
}

// Shutdown is a no-op; the DB owner closes the database.
func (b *Backend) Shutdown(ctx context.Context) error {
	b.logger.Debug("sqlite: shutdown", "objects", b.objects.Len())
	return nil
}

var _ repository.Backend = (*Backend)(nil)

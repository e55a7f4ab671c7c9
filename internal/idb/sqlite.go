// ABOUTME: SQLite implementation of the record store Factory and Database
// ABOUTME: Handles pragmas, catalog bootstrap, versioned upgrades and version watching

package idb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DefaultDriver is the database/sql driver used when SQLite.Driver is empty
const DefaultDriver = "sqlite"

// MemoryDir makes SQLite open private in-memory stores
const MemoryDir = ":memory:"

// SQLite opens stores as SQLite files named <Dir>/<name>.db
type SQLite struct {
	// Dir holds the store files. MemoryDir keeps stores in memory.
	Dir string
	// Driver is the database/sql driver name ("sqlite" or "sqlite3").
	Driver string
	// BusyTimeout bounds how long an upgrade waits for the store lock.
	BusyTimeout time.Duration
	// WatchInterval is how often open stores poll for version changes made
	// by other sessions. Zero disables watching, so a store opened with it
	// never reports a VersionChange.
	WatchInterval time.Duration
	Logger        *slog.Logger
}

func (f *SQLite) driver() string {
	if f.Driver == "" {
		return DefaultDriver
	}
	return f.Driver
}

func (f *SQLite) logger() *slog.Logger {
	if f.Logger == nil {
		return slog.Default().With("component", "idb")
	}
	return f.Logger
}

// Supported reports whether the configured driver is linked into the binary.
func (f *SQLite) Supported() error {
	if !slices.Contains(sql.Drivers(), f.driver()) {
		return fmt.Errorf("%w: database/sql driver %q is not registered", ErrUnsupported, f.driver())
	}
	return nil
}

func (f *SQLite) dsn(name string) (string, error) {
	if f.Dir == MemoryDir {
		return "file:" + name + "?mode=memory&_txlock=immediate", nil
	}
	if err := os.MkdirAll(f.Dir, 0755); err != nil {
		return "", fmt.Errorf("creating store directory: %w", err)
	}
	return "file:" + filepath.Join(f.Dir, name+".db") + "?_txlock=immediate", nil
}

// Open opens the named store. When the stored version differs from version,
// upgrade runs inside one transaction together with the version bump.
func (f *SQLite) Open(ctx context.Context, name string, version int, upgrade UpgradeFunc) (Database, error) {
	if err := f.Supported(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("%w: store name is required", ErrData)
	}
	if version < 1 {
		return nil, fmt.Errorf("%w: store version must be positive, got %d", ErrData, version)
	}

	dsn, err := f.dsn(name)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(f.driver(), dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection: pragmas stick and in-memory stores stay alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := f.applyPragmas(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying pragmas: %w", err)
	}

	if err := createCatalog(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating catalog: %w", err)
	}

	if err := f.upgradeIfNeeded(ctx, db, name, version, upgrade); err != nil {
		db.Close()
		return nil, err
	}

	s := &sqliteDB{
		db:        db,
		name:      name,
		version:   version,
		sessionID: uuid.New().String(),
		changes:   make(chan VersionChange, 1),
		done:      make(chan struct{}),
		logger:    f.logger().With("store", name),
	}

	if f.WatchInterval > 0 {
		go s.watch(f.WatchInterval)
	}

	s.logger.Debug("store opened", "version", version, "session", s.sessionID)
	return s, nil
}

func (f *SQLite) applyPragmas(ctx context.Context, db *sql.DB) error {
	busy := f.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("executing %q: %w", pragma, err)
		}
	}
	return nil
}

func createCatalog(ctx context.Context, db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS _idb_tables (
			id             INTEGER PRIMARY KEY AUTOINCREMENT,
			name           TEXT NOT NULL UNIQUE,
			key_path       TEXT NOT NULL DEFAULT '',
			auto_increment INTEGER NOT NULL DEFAULT 0,
			next_key       INTEGER NOT NULL DEFAULT 1
		);

		CREATE TABLE IF NOT EXISTS _idb_indexes (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			table_id    INTEGER NOT NULL REFERENCES _idb_tables(id) ON DELETE CASCADE,
			name        TEXT NOT NULL,
			key_path    TEXT NOT NULL,
			is_unique   INTEGER NOT NULL DEFAULT 0,
			multi_entry INTEGER NOT NULL DEFAULT 0,

			UNIQUE(table_id, name)
		);
	`
	_, err := db.ExecContext(ctx, schema)
	return err
}

func readVersion(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}) (int, error) {
	var v int
	if err := q.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("reading user_version: %w", err)
	}
	return v, nil
}

func (f *SQLite) upgradeIfNeeded(ctx context.Context, db *sql.DB, name string, version int, upgrade UpgradeFunc) error {
	current, err := readVersion(ctx, db)
	if err != nil {
		return err
	}
	if current == version {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		if isBusy(err) {
			return fmt.Errorf("%w: %v", ErrBlocked, err)
		}
		return fmt.Errorf("beginning upgrade: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Another session may have upgraded while we waited for the lock.
	current, err = readVersion(ctx, tx)
	if err != nil {
		return err
	}
	if current == version {
		return nil
	}

	f.logger().Info("upgrading store", "store", name, "from", current, "to", version)

	if upgrade != nil {
		if err := upgrade(ctx, &sqliteUpgradeTx{tx: tx}, current, version); err != nil {
			return fmt.Errorf("upgrading %s from %d to %d: %w", name, current, version, err)
		}
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("setting user_version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isBusy(err) {
			return fmt.Errorf("%w: %v", ErrBlocked, err)
		}
		return fmt.Errorf("committing upgrade: %w", err)
	}
	return nil
}

// isBusy checks if the error is SQLite lock contention
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "SQLITE_BUSY")
}

// isConstraintViolation checks if the error is a SQLite UNIQUE/PRIMARY KEY violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// sqliteDB is an open SQLite store
type sqliteDB struct {
	db        *sql.DB
	name      string
	version   int
	sessionID string
	logger    *slog.Logger

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	changes   chan VersionChange
	done      chan struct{}
}

func (s *sqliteDB) Name() string { return s.name }
func (s *sqliteDB) Version() int { return s.version }
func (s *sqliteDB) SessionID() string { return s.sessionID }
func (s *sqliteDB) Changes() <-chan VersionChange { return s.changes }

func (s *sqliteDB) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close closes the connection. Safe to call more than once.
func (s *sqliteDB) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		err = s.db.Close()
		s.logger.Debug("store closed", "session", s.sessionID)
	})
	return err
}

// watch polls user_version and closes the store when another session moves it.
func (s *sqliteDB) watch(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), interval)
		current, err := readVersion(ctx, s.db)
		cancel()
		if err != nil {
			if s.isClosed() {
				return
			}
			s.logger.Warn("polling store version", "error", err)
			continue
		}
		if current == s.version {
			continue
		}

		s.logger.Warn("store version changed by another session",
			"opened", s.version, "current", current, "session", s.sessionID)
		s.changes <- VersionChange{OldVersion: s.version, NewVersion: current}
		_ = s.Close()
		return
	}
}

// Begin starts a transaction scoped to tables.
func (s *sqliteDB) Begin(ctx context.Context, mode Mode, tables ...string) (Tx, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("%w: transaction needs at least one table", ErrData)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if errors.Is(err, sql.ErrConnDone) || s.isClosed() {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("beginning %s transaction: %w", mode, err)
	}

	scope := make(map[string]*tableMeta, len(tables))
	for _, name := range tables {
		meta, err := loadTableMeta(ctx, tx, name)
		if err != nil {
			_ = tx.Rollback()
			return nil, err
		}
		scope[name] = meta
	}

	return &sqliteTx{tx: tx, mode: mode, scope: scope}, nil
}

// Inspect returns the physical structure of every table.
func (s *sqliteDB) Inspect(ctx context.Context) ([]TableInfo, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning inspect: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	u := &sqliteUpgradeTx{tx: tx}
	names, err := u.TableNames(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]TableInfo, 0, len(names))
	for _, name := range names {
		info, err := u.Table(ctx, name)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

var _ Factory = (*SQLite)(nil)
var _ Database = (*sqliteDB)(nil)

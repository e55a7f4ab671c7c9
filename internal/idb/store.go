// ABOUTME: Transactional record store capability interfaces and shared types
// ABOUTME: Factory/Database/Tx/Cursor plus the sentinel errors every backend returns

package idb

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a table, index or record does not exist
var ErrNotFound = errors.New("not found")

// ErrConstraint is returned when a write violates a primary key or unique index
var ErrConstraint = errors.New("constraint violation")

// ErrClosed is returned when operating on a closed database
var ErrClosed = errors.New("database closed")

// ErrBlocked is returned when an upgrade cannot take the store lock because
// another session holds it
var ErrBlocked = errors.New("upgrade blocked by another session")

// ErrReadOnly is returned when writing through a read-only transaction
var ErrReadOnly = errors.New("transaction is read-only")

// ErrNotInScope is returned when a transaction touches a table it was not opened on
var ErrNotInScope = errors.New("table not in transaction scope")

// ErrData is returned when a record or key cannot be stored (bad key, missing key field)
var ErrData = errors.New("data error")

// ErrUnsupported is returned by Factory.Supported when the backend cannot run here
var ErrUnsupported = errors.New("store backend unsupported")

// Record is one stored attribute mapping
type Record map[string]any

// Mode selects the transaction mode
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "readwrite"
	}
	return "readonly"
}

// IndexOptions are the structural options of a secondary index
type IndexOptions struct {
	Unique     bool
	MultiEntry bool
}

// IndexInfo describes a physical secondary index
type IndexInfo struct {
	Name    string
	KeyPath KeyPath
	Options IndexOptions
}

// TableInfo describes a physical table
type TableInfo struct {
	Name          string
	KeyPath       KeyPath
	AutoIncrement bool
	Indexes       []IndexInfo
}

// Index returns the index with the given name.
func (t TableInfo) Index(name string) (IndexInfo, bool) {
	for _, idx := range t.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return IndexInfo{}, false
}

// KeyRange bounds a cursor. Nil bounds are open; both bounds are inclusive.
type KeyRange struct {
	Lower EncodedKey
	Upper EncodedKey
}

// VersionChange reports that another session moved the store to a new version
type VersionChange struct {
	OldVersion int
	NewVersion int
}

// UpgradeFunc reconciles structure when the stored version differs from the
// requested one. It runs inside the structural transaction.
type UpgradeFunc func(ctx context.Context, tx UpgradeTx, oldVersion, newVersion int) error

// Factory opens stores
type Factory interface {
	// Supported reports whether the backend can run in this environment.
	Supported() error
	// Open opens the named store at version, running upgrade on mismatch.
	Open(ctx context.Context, name string, version int, upgrade UpgradeFunc) (Database, error)
}

// Database is an open store connection
type Database interface {
	Name() string
	Version() int
	SessionID() string
	Begin(ctx context.Context, mode Mode, tables ...string) (Tx, error)
	Inspect(ctx context.Context) ([]TableInfo, error)
	// Changes delivers at most one VersionChange, after which the Database is closed.
	Changes() <-chan VersionChange
	Close() error
}

// UpgradeTx changes store structure during an upgrade
type UpgradeTx interface {
	TableNames(ctx context.Context) ([]string, error)
	Table(ctx context.Context, name string) (TableInfo, error)
	CreateTable(ctx context.Context, name string, keyPath KeyPath, autoIncrement bool) error
	DropTable(ctx context.Context, name string) error
	CreateIndex(ctx context.Context, table, name string, keyPath KeyPath, opts IndexOptions) error
	DropIndex(ctx context.Context, table, name string) error
}

// Tx is a data transaction over a fixed set of tables
type Tx interface {
	GetAll(ctx context.Context, table string) ([]Record, error)
	Get(ctx context.Context, table string, key any) (Record, error)
	Count(ctx context.Context, table string) (int, error)
	// Add inserts rec and fails with ErrConstraint if its key exists.
	Add(ctx context.Context, table string, rec Record) (any, error)
	// Put inserts or replaces rec.
	Put(ctx context.Context, table string, rec Record) (any, error)
	Delete(ctx context.Context, table string, key any) error
	Clear(ctx context.Context, table string) error
	// OpenCursor iterates the table (index == "") or an index in key order.
	OpenCursor(ctx context.Context, table, index string, r KeyRange) (Cursor, error)
	Commit() error
	Rollback() error
}

// Cursor walks entries in ascending key order. It starts before the first
// entry; Next or Seek must be called to position it.
type Cursor interface {
	// Next advances to the following entry.
	Next(ctx context.Context) bool
	// Seek positions the cursor at the first entry whose key is >= key.
	Seek(ctx context.Context, key EncodedKey) bool
	Key() EncodedKey
	PrimaryKey() EncodedKey
	Value() Record
	Err() error
	Close() error
}

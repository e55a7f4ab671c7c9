// ABOUTME: URL-addressed cache directory over versioned, optionally encrypted tables
// ABOUTME: Serves cached URL data, replaces it atomically and tracks freshness per URL

package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/2389/tablecache/internal/dedupe"
	"github.com/2389/tablecache/internal/events"
	"github.com/2389/tablecache/internal/fieldcrypt"
	"github.com/2389/tablecache/internal/idb"
	"github.com/2389/tablecache/internal/records"
	"github.com/2389/tablecache/internal/schema"
)

var (
	// ErrReservedTable means a declaration or write targets the directory table.
	ErrReservedTable = errors.New("cache: reserved table")
	// ErrDuplicateURL means two declarations cache the same URL.
	ErrDuplicateURL = errors.New("cache: duplicate url")
	// ErrDirectoryUpdateFailed means data was replaced but its directory entry
	// could not be persisted.
	ErrDirectoryUpdateFailed = errors.New("cache: directory update failed")
)

const defaultDedupeSize = 1024

// Options configures a Directory.
type Options struct {
	VersionOffset int
	Crypto        fieldcrypt.Provider
	// DedupeWindow enables skipping identical replaces within the window.
	DedupeWindow time.Duration
	// DedupeSize bounds the number of URLs remembered by the window.
	DedupeSize int
	Logger     *slog.Logger
	Events     *events.Broadcaster
	// Now is the clock used for default timestamps.
	Now func() time.Time
}

// URLData is the cached data of one URL.
type URLData struct {
	LastUpdate time.Time
	Data       []idb.Record
}

// ReplaceResult describes a ReplaceURLData call. Unchanged is set when an
// identical payload was already written inside the dedupe window and only the
// timestamp was refreshed.
type ReplaceResult struct {
	records.AddResult
	Unchanged bool
}

// Directory maps declared URLs to their tables.
type Directory struct {
	engine  *schema.Engine
	gateway *records.Gateway
	window  *dedupe.Window
	now     func() time.Time
	logger  *slog.Logger

	urlTable map[string]string   // url -> table
	tableURL map[string][]string // table -> urls

	mu      sync.RWMutex
	entries map[string]Entry // table -> entry, mirroring the directory table
}

// New registers the directory table alongside decls and prepares the store.
func New(factory idb.Factory, name string, decls []schema.TableDeclaration, opts Options) (*Directory, error) {
	urlTable := make(map[string]string)
	tableURL := make(map[string][]string)
	names := make(map[string]bool, len(decls))
	for _, d := range decls {
		if d.Name == DirectoryTable {
			return nil, fmt.Errorf("%w: %q may not be declared", ErrReservedTable, DirectoryTable)
		}
		if names[d.Name] {
			return nil, fmt.Errorf("%w: %q", schema.ErrDuplicateTable, d.Name)
		}
		names[d.Name] = true
		if d.URL == "" {
			continue
		}
		if other, dup := urlTable[d.URL]; dup {
			return nil, fmt.Errorf("%w: %q is cached by both %q and %q", ErrDuplicateURL, d.URL, other, d.Name)
		}
		urlTable[d.URL] = d.Name
		tableURL[d.Name] = append(tableURL[d.Name], d.URL)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	all := append(slices.Clone(decls), directoryDeclaration())
	engine, err := schema.New(factory, name, all, schema.Options{
		VersionOffset: opts.VersionOffset,
		Crypto:        opts.Crypto,
		Logger:        logger,
		Events:        opts.Events,
	})
	if err != nil {
		return nil, err
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	d := &Directory{
		engine:   engine,
		gateway:  records.New(engine, logger),
		now:      now,
		logger:   logger.With("component", "cache", "store", name),
		urlTable: urlTable,
		tableURL: tableURL,
		entries:  make(map[string]Entry),
	}
	if opts.DedupeWindow > 0 {
		size := opts.DedupeSize
		if size <= 0 {
			size = defaultDedupeSize
		}
		d.window = dedupe.New(opts.DedupeWindow, size)
	}
	return d, nil
}

// Open opens the store, upgrading it if needed, and loads the directory.
func (d *Directory) Open(ctx context.Context) (*schema.OpenResult, error) {
	result, err := d.engine.Open(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := d.gateway.GetAll(ctx, DirectoryTable, nil)
	if err != nil {
		_ = d.engine.Close()
		return nil, fmt.Errorf("loading directory: %w", err)
	}

	entries := make(map[string]Entry, len(rows))
	for _, row := range rows {
		e, err := entryFromRecord(row)
		if err != nil {
			d.logger.Warn("skipping unreadable directory row", "error", err)
			continue
		}
		if d.urlTable[e.URL] != e.Table {
			d.logger.Debug("directory row no longer declared", "url", e.URL, "table", e.Table)
		}
		entries[e.Table] = e
	}

	d.mu.Lock()
	d.entries = entries
	d.mu.Unlock()

	d.logger.Info("cache directory opened",
		"version", result.NewVersion,
		"upgraded", result.Upgraded,
		"entries", len(entries))
	return result, nil
}

// Close closes the store.
func (d *Directory) Close() error {
	if d.window != nil {
		d.window.Close()
	}
	return d.engine.Close()
}

// Events returns the store lifecycle broadcaster.
func (d *Directory) Events() *events.Broadcaster { return d.engine.Events() }

// Version returns the aggregate store version.
func (d *Directory) Version() int { return d.engine.Version() }

// Declarations returns the caller's declarations followed by the directory table.
func (d *Directory) Declarations() []schema.TableDeclaration { return d.engine.Declarations() }

// Inspect describes the physical tables of the open store.
func (d *Directory) Inspect(ctx context.Context) ([]idb.TableInfo, error) {
	return d.engine.Inspect(ctx)
}

// Table returns the table caching url.
func (d *Directory) Table(url string) (string, bool) {
	t, ok := d.urlTable[url]
	return t, ok
}

// liveEntry returns the entry for url when it belongs to the declared table.
func (d *Directory) liveEntry(url string) (Entry, schema.TableDeclaration, bool) {
	table, ok := d.urlTable[url]
	if !ok {
		return Entry{}, schema.TableDeclaration{}, false
	}
	decl, _ := d.engine.Declaration(table)

	d.mu.RLock()
	e, found := d.entries[table]
	d.mu.RUnlock()
	if !found || e.URL != url {
		return Entry{}, decl, false
	}
	return e.clone(), decl, true
}

// GetURLData returns the cached data for url. It returns nil without error
// when url is not declared, was never cached, or was cached under another
// table version.
func (d *Directory) GetURLData(ctx context.Context, url string) (*URLData, error) {
	e, decl, ok := d.liveEntry(url)
	if !ok {
		return nil, nil
	}
	if e.Version != decl.EffectiveVersion() {
		d.logger.Debug("stale cache entry", "url", url, "cached_version", e.Version, "table_version", decl.EffectiveVersion())
		return nil, nil
	}

	data, err := d.gateway.GetAll(ctx, e.Table, e.Enc)
	if err != nil {
		return nil, err
	}
	return &URLData{LastUpdate: e.LastUpdate, Data: data}, nil
}

// ReplaceURLData replaces the cached data for url in one transaction and then
// records the new entry in the directory. A zero timestamp means now. It
// returns nil without error when url is not declared.
func (d *Directory) ReplaceURLData(ctx context.Context, url string, data []idb.Record, timestamp time.Time) (*ReplaceResult, error) {
	table, ok := d.urlTable[url]
	if !ok {
		return nil, nil
	}
	decl, _ := d.engine.Declaration(table)
	if timestamp.IsZero() {
		timestamp = d.now()
	}

	result := &ReplaceResult{}
	digest, err := d.digest(data)
	if err != nil {
		return nil, err
	}

	prev, _, hasPrev := d.liveEntry(url)
	if digest != "" && hasPrev && prev.Version == decl.EffectiveVersion() && d.window.Check(url, digest) {
		result.Unchanged = true
		result.Skipped = len(data)
		d.logger.Debug("identical payload inside dedupe window", "url", url)
	} else {
		added, err := d.gateway.ReplaceAll(ctx, table, data)
		if err != nil {
			return nil, err
		}
		result.AddResult = *added
		if digest != "" {
			d.window.Mark(url, digest)
		}
	}

	entry := Entry{
		URL:        url,
		Table:      table,
		Version:    decl.EffectiveVersion(),
		LastUpdate: timestamp,
		Enc:        slices.Clone(decl.Encrypt),
	}
	d.mu.Lock()
	d.entries[table] = entry
	d.mu.Unlock()

	if _, err := d.gateway.PutRecords(ctx, DirectoryTable, []idb.Record{entry.record()}); err != nil {
		d.logger.Error("persisting directory entry", "url", url, "table", table, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrDirectoryUpdateFailed, err)
	}

	d.logger.Debug("url data replaced", "url", url, "table", table, "records", result.Added, "unchanged", result.Unchanged)
	return result, nil
}

// digest fingerprints data for the dedupe window. Empty when dedupe is off.
func (d *Directory) digest(data []idb.Record) (string, error) {
	if d.window == nil || data == nil {
		return "", nil
	}
	b, err := idb.EncodeValue(data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", records.ErrInvalidArgument, err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// forget drops dedupe marks for every URL cached by table.
func (d *Directory) forget(table string) {
	if d.window == nil {
		return
	}
	for _, url := range d.tableURL[table] {
		d.window.Forget(url)
	}
}

func writable(table string) error {
	if table == DirectoryTable {
		return fmt.Errorf("%w: %q is managed by the directory", ErrReservedTable, table)
	}
	return nil
}

// Entry returns the live directory entry for url.
func (d *Directory) Entry(url string) (Entry, bool) {
	e, _, ok := d.liveEntry(url)
	return e, ok
}

// Entries returns every loaded directory entry sorted by URL and table, inert
// ones included.
func (d *Directory) Entries() []Entry {
	d.mu.RLock()
	out := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e.clone())
	}
	d.mu.RUnlock()

	slices.SortFunc(out, func(a, b Entry) int {
		if c := strings.Compare(a.URL, b.URL); c != 0 {
			return c
		}
		return strings.Compare(a.Table, b.Table)
	})
	return out
}

// IsFresh reports whether url has current-version data no older than maxAge.
func (d *Directory) IsFresh(url string, maxAge time.Duration) bool {
	e, decl, ok := d.liveEntry(url)
	if !ok || e.Version != decl.EffectiveVersion() {
		return false
	}
	return d.now().Sub(e.LastUpdate) <= maxAge
}

// GetAll returns every record of table, decrypting its declared fields.
func (d *Directory) GetAll(ctx context.Context, table string) ([]idb.Record, error) {
	decl, ok := d.engine.Declaration(table)
	if !ok {
		return nil, fmt.Errorf("%w: %q", records.ErrUnknownTable, table)
	}
	return d.gateway.GetAll(ctx, table, decl.ReadFields())
}

// Count returns the number of records held by table.
func (d *Directory) Count(ctx context.Context, table string) (int, error) {
	return d.gateway.Count(ctx, table)
}

// GetByKey returns the records of table matching keys. See records.Gateway.GetByKey.
func (d *Directory) GetByKey(ctx context.Context, table, index string, keys []any, sorted bool) ([]idb.Record, error) {
	return d.gateway.GetByKey(ctx, table, index, keys, sorted)
}

// AddRecords adds recs to table. See records.Gateway.AddRecords.
func (d *Directory) AddRecords(ctx context.Context, table string, recs []idb.Record, ignoreDuplicateKey bool) (*records.AddResult, error) {
	if err := writable(table); err != nil {
		return nil, err
	}
	res, err := d.gateway.AddRecords(ctx, table, recs, ignoreDuplicateKey)
	if err != nil {
		return nil, err
	}
	d.forget(table)
	return res, nil
}

// DeleteByPrimaryKey deletes keys from table.
func (d *Directory) DeleteByPrimaryKey(ctx context.Context, table string, keys []any) error {
	if err := writable(table); err != nil {
		return err
	}
	if err := d.gateway.DeleteByPrimaryKey(ctx, table, keys); err != nil {
		return err
	}
	d.forget(table)
	return nil
}

// Clear deletes every record of table. The directory entry is kept.
func (d *Directory) Clear(ctx context.Context, table string) error {
	if err := writable(table); err != nil {
		return err
	}
	if err := d.gateway.Clear(ctx, table); err != nil {
		return err
	}
	d.forget(table)
	return nil
}

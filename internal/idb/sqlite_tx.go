// ABOUTME: SQLite data transactions and cursors for the record store
// ABOUTME: Maintains index entries alongside records and enforces unique indexes

package idb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
)

// sqliteTx is a data transaction scoped to a set of tables
type sqliteTx struct {
	tx    *sql.Tx
	mode  Mode
	scope map[string]*tableMeta
	done  bool
}

func (t *sqliteTx) table(name string) (*tableMeta, error) {
	if t.done {
		return nil, fmt.Errorf("%w: transaction finished", ErrClosed)
	}
	meta, ok := t.scope[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotInScope, name)
	}
	return meta, nil
}

func (t *sqliteTx) writable(name string) (*tableMeta, error) {
	meta, err := t.table(name)
	if err != nil {
		return nil, err
	}
	if t.mode != ReadWrite {
		return nil, fmt.Errorf("%w: writing %q", ErrReadOnly, name)
	}
	return meta, nil
}

// Commit commits the transaction. Read-only transactions are released.
func (t *sqliteTx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	if t.mode == ReadOnly {
		return t.tx.Rollback()
	}
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Rollback aborts the transaction. Safe after Commit.
func (t *sqliteTx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

// GetAll returns every record of table in key order.
func (t *sqliteTx) GetAll(ctx context.Context, table string) ([]Record, error) {
	meta, err := t.table(table)
	if err != nil {
		return nil, err
	}

	rows, err := t.tx.QueryContext(ctx, "SELECT v FROM "+meta.dataTable()+" ORDER BY k")
	if err != nil {
		return nil, fmt.Errorf("querying %q: %w", table, err)
	}
	defer func() { _ = rows.Close() }()

	records := []Record{}
	for rows.Next() {
		var v []byte
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		rec, err := decodeRecord(v)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating records of %q: %w", table, err)
	}
	return records, nil
}

// Get returns the record stored under key, or ErrNotFound.
func (t *sqliteTx) Get(ctx context.Context, table string, key any) (Record, error) {
	meta, err := t.table(table)
	if err != nil {
		return nil, err
	}
	k, err := EncodeKey(key)
	if err != nil {
		return nil, err
	}

	var v []byte
	err = t.tx.QueryRowContext(ctx, "SELECT v FROM "+meta.dataTable()+" WHERE k = ?", []byte(k)).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying %q: %w", table, err)
	}
	return decodeRecord(v)
}

// Count returns the number of records in table.
func (t *sqliteTx) Count(ctx context.Context, table string) (int, error) {
	meta, err := t.table(table)
	if err != nil {
		return 0, err
	}
	var n int
	if err := t.tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+meta.dataTable()).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %q: %w", table, err)
	}
	return n, nil
}

// Add inserts rec. A primary key or unique index collision returns ErrConstraint
// and leaves the transaction usable.
func (t *sqliteTx) Add(ctx context.Context, table string, rec Record) (any, error) {
	return t.write(ctx, table, rec, false)
}

// Put inserts or replaces rec.
func (t *sqliteTx) Put(ctx context.Context, table string, rec Record) (any, error) {
	return t.write(ctx, table, rec, true)
}

func (t *sqliteTx) write(ctx context.Context, table string, rec Record, overwrite bool) (key any, err error) {
	meta, err := t.writable(table)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: nil record", ErrData)
	}

	// Each record gets a savepoint so a rejected record leaves no partial index rows.
	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT idb_write"); err != nil {
		return nil, fmt.Errorf("opening savepoint: %w", err)
	}
	defer func() {
		if err != nil {
			_, _ = t.tx.ExecContext(ctx, "ROLLBACK TO idb_write")
		}
		_, _ = t.tx.ExecContext(ctx, "RELEASE idb_write")
	}()

	key, err = t.primaryKey(ctx, meta, rec)
	if err != nil {
		return nil, err
	}
	k := MustEncodeKey(key)

	type pending struct {
		idx *indexMeta
		ik  []EncodedKey
	}
	entries := make([]pending, 0, len(meta.indexes))
	for i := range meta.indexes {
		idx := &meta.indexes[i]
		iks, err := indexKeys(idx, rec)
		if err != nil {
			return nil, err
		}
		entries = append(entries, pending{idx: idx, ik: iks})
	}

	v, err := encodeRecord(rec)
	if err != nil {
		return nil, err
	}

	if overwrite {
		for _, p := range entries {
			if _, err := t.tx.ExecContext(ctx, "DELETE FROM "+p.idx.entryTable()+" WHERE k = ?", []byte(k)); err != nil {
				return nil, fmt.Errorf("clearing index %q: %w", p.idx.name, err)
			}
		}
	}

	for _, p := range entries {
		if !p.idx.opts.Unique {
			continue
		}
		for _, ik := range p.ik {
			if err := checkUnique(ctx, t.tx, p.idx, ik, k); err != nil {
				return nil, err
			}
		}
	}

	stmt := "INSERT INTO " + meta.dataTable() + " (k, v) VALUES (?, ?)"
	if overwrite {
		stmt = "INSERT OR REPLACE INTO " + meta.dataTable() + " (k, v) VALUES (?, ?)"
	}
	if _, err := t.tx.ExecContext(ctx, stmt, []byte(k), v); err != nil {
		if isConstraintViolation(err) {
			return nil, fmt.Errorf("%w: key already exists in %q", ErrConstraint, table)
		}
		return nil, fmt.Errorf("inserting into %q: %w", table, err)
	}

	for _, p := range entries {
		for _, ik := range p.ik {
			if _, err := t.tx.ExecContext(ctx,
				"INSERT OR IGNORE INTO "+p.idx.entryTable()+" (ik, k) VALUES (?, ?)", []byte(ik), []byte(k)); err != nil {
				return nil, fmt.Errorf("writing index %q: %w", p.idx.name, err)
			}
		}
	}

	return key, nil
}

// primaryKey extracts the in-line key or allocates the next generated key.
func (t *sqliteTx) primaryKey(ctx context.Context, meta *tableMeta, rec Record) (any, error) {
	if len(meta.keyPath) > 0 {
		key, ok, err := meta.keyPath.Extract(rec)
		if err != nil {
			return nil, fmt.Errorf("%w: primary key of %q: %v", ErrData, meta.name, err)
		}
		if ok {
			return key, nil
		}
		if !meta.autoIncrement || meta.keyPath.IsComposite() {
			return nil, fmt.Errorf("%w: record has no value at key path %q of %q", ErrData, meta.keyPath.String(), meta.name)
		}
		// Generated keys are written back into the record at the key path.
		key, err = t.nextKey(ctx, meta)
		if err != nil {
			return nil, err
		}
		parent, leaf, _ := Locate(rec, meta.keyPath[0], true)
		if parent == nil {
			return nil, fmt.Errorf("%w: cannot store generated key at %q", ErrData, meta.keyPath[0])
		}
		parent[leaf] = key
		return key, nil
	}
	if !meta.autoIncrement {
		return nil, fmt.Errorf("%w: %q has no key path and no key generator", ErrData, meta.name)
	}
	return t.nextKey(ctx, meta)
}

func (t *sqliteTx) nextKey(ctx context.Context, meta *tableMeta) (any, error) {
	var next int64
	err := t.tx.QueryRowContext(ctx, `
		UPDATE _idb_tables SET next_key = next_key + 1
		WHERE id = ?
		RETURNING next_key - 1
	`, meta.id).Scan(&next)
	if err != nil {
		return nil, fmt.Errorf("generating key for %q: %w", meta.name, err)
	}
	return float64(next), nil
}

// Delete removes the record under key. Missing keys are not an error.
func (t *sqliteTx) Delete(ctx context.Context, table string, key any) error {
	meta, err := t.writable(table)
	if err != nil {
		return err
	}
	k, err := EncodeKey(key)
	if err != nil {
		return err
	}
	for _, idx := range meta.indexes {
		if _, err := t.tx.ExecContext(ctx, "DELETE FROM "+idx.entryTable()+" WHERE k = ?", []byte(k)); err != nil {
			return fmt.Errorf("deleting from index %q: %w", idx.name, err)
		}
	}
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM "+meta.dataTable()+" WHERE k = ?", []byte(k)); err != nil {
		return fmt.Errorf("deleting from %q: %w", table, err)
	}
	return nil
}

// Clear removes every record of table.
func (t *sqliteTx) Clear(ctx context.Context, table string) error {
	meta, err := t.writable(table)
	if err != nil {
		return err
	}
	for _, idx := range meta.indexes {
		if _, err := t.tx.ExecContext(ctx, "DELETE FROM "+idx.entryTable()); err != nil {
			return fmt.Errorf("clearing index %q: %w", idx.name, err)
		}
	}
	if _, err := t.tx.ExecContext(ctx, "DELETE FROM "+meta.dataTable()); err != nil {
		return fmt.Errorf("clearing %q: %w", table, err)
	}
	return nil
}

// OpenCursor walks table records (index == "") or index entries within r.
func (t *sqliteTx) OpenCursor(ctx context.Context, table, index string, r KeyRange) (Cursor, error) {
	meta, err := t.table(table)
	if err != nil {
		return nil, err
	}
	c := &sqliteCursor{tx: t.tx, r: r}
	if index == "" {
		c.query = fmt.Sprintf("SELECT k, k, v FROM %s WHERE %%s ORDER BY k LIMIT 1", meta.dataTable())
		c.keyCol, c.pkCol = "k", "k"
		return c, nil
	}

	idx, ok := meta.index(index)
	if !ok {
		return nil, fmt.Errorf("%w: index %q on %q", ErrNotFound, index, table)
	}
	c.query = fmt.Sprintf(
		"SELECT x.ik, x.k, r.v FROM %s x JOIN %s r ON r.k = x.k WHERE %%s ORDER BY x.ik, x.k LIMIT 1",
		idx.entryTable(), meta.dataTable())
	c.keyCol, c.pkCol = "x.ik", "x.k"
	return c, nil
}

// sqliteCursor fetches one entry per step with a seek query, so it holds no
// open statement between steps.
type sqliteCursor struct {
	tx     *sql.Tx
	query  string
	keyCol string
	pkCol  string
	r      KeyRange

	started bool
	key     EncodedKey
	pk      EncodedKey
	value   Record
	err     error
	closed  bool
}

func (c *sqliteCursor) Next(ctx context.Context) bool {
	if !c.started {
		c.started = true
		if c.r.Lower != nil {
			return c.fetch(ctx, c.keyCol+" >= ?", []byte(c.r.Lower))
		}
		return c.fetch(ctx, "1 = 1")
	}
	if c.key == nil {
		return false
	}
	if c.keyCol == c.pkCol {
		return c.fetch(ctx, c.keyCol+" > ?", []byte(c.key))
	}
	return c.fetch(ctx, "("+c.keyCol+", "+c.pkCol+") > (?, ?)", []byte(c.key), []byte(c.pk))
}

func (c *sqliteCursor) Seek(ctx context.Context, key EncodedKey) bool {
	c.started = true
	if c.r.Lower != nil && key.Compare(c.r.Lower) < 0 {
		key = c.r.Lower
	}
	return c.fetch(ctx, c.keyCol+" >= ?", []byte(key))
}

func (c *sqliteCursor) fetch(ctx context.Context, cond string, args ...any) bool {
	if c.closed || c.err != nil {
		return false
	}
	if c.r.Upper != nil {
		cond += " AND " + c.keyCol + " <= ?"
		args = append(args, []byte(c.r.Upper))
	}

	var k, pk, v []byte
	err := c.tx.QueryRowContext(ctx, fmt.Sprintf(c.query, cond), args...).Scan(&k, &pk, &v)
	if errors.Is(err, sql.ErrNoRows) {
		c.key, c.pk, c.value = nil, nil, nil
		return false
	}
	if err != nil {
		c.err = fmt.Errorf("advancing cursor: %w", err)
		c.key, c.pk, c.value = nil, nil, nil
		return false
	}
	rec, err := decodeRecord(v)
	if err != nil {
		c.err = err
		return false
	}
	c.key, c.pk, c.value = EncodedKey(k), EncodedKey(pk), rec
	return true
}

func (c *sqliteCursor) Key() EncodedKey        { return c.key }
func (c *sqliteCursor) PrimaryKey() EncodedKey { return c.pk }
func (c *sqliteCursor) Value() Record          { return c.value }
func (c *sqliteCursor) Err() error             { return c.err }

func (c *sqliteCursor) Close() error {
	c.closed = true
	return nil
}

// indexKeys returns the entries rec contributes to idx. Records without a
// valid value at the key path are not indexed, and invalid elements of a
// multi-entry array are skipped.
func indexKeys(idx *indexMeta, rec Record) ([]EncodedKey, error) {
	if !idx.opts.MultiEntry {
		key, ok, err := idx.keyPath.Extract(rec)
		if err != nil || !ok {
			return nil, nil
		}
		ek, err := EncodeKey(key)
		if err != nil {
			return nil, nil
		}
		return []EncodedKey{ek}, nil
	}

	v, found := Lookup(rec, idx.keyPath[0])
	if !found || v == nil {
		return nil, nil
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice || rv.Type().Elem().Kind() == reflect.Uint8 {
		ek, err := EncodeKey(v)
		if err != nil {
			return nil, nil
		}
		return []EncodedKey{ek}, nil
	}

	seen := make(map[string]bool, rv.Len())
	var out []EncodedKey
	for i := range rv.Len() {
		ek, err := EncodeKey(rv.Index(i).Interface())
		if err != nil || seen[string(ek)] {
			continue
		}
		seen[string(ek)] = true
		out = append(out, ek)
	}
	return out, nil
}

func checkUnique(ctx context.Context, tx *sql.Tx, idx *indexMeta, ik, k EncodedKey) error {
	var other []byte
	err := tx.QueryRowContext(ctx,
		"SELECT k FROM "+idx.entryTable()+" WHERE ik = ? AND k != ? LIMIT 1", []byte(ik), []byte(k)).Scan(&other)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("checking unique index %q: %w", idx.name, err)
	}
	return fmt.Errorf("%w: unique index %q already holds this key", ErrConstraint, idx.name)
}

var _ Tx = (*sqliteTx)(nil)
var _ Cursor = (*sqliteCursor)(nil)

// ABOUTME: Catalog access and structural changes for the SQLite store
// ABOUTME: Creates and drops record tables and index tables inside upgrade transactions

package idb

import (
	"context"
	"database/sql"
	"fmt"
)

// tableMeta is a catalog row plus its indexes
type tableMeta struct {
	id            int64
	name          string
	keyPath       KeyPath
	autoIncrement bool
	indexes       []indexMeta
}

type indexMeta struct {
	id      int64
	name    string
	keyPath KeyPath
	opts    IndexOptions
}

func (t *tableMeta) dataTable() string { return fmt.Sprintf("r_%d", t.id) }

func (i *indexMeta) entryTable() string { return fmt.Sprintf("x_%d", i.id) }

func (t *tableMeta) index(name string) (*indexMeta, bool) {
	for i := range t.indexes {
		if t.indexes[i].name == name {
			return &t.indexes[i], true
		}
	}
	return nil, false
}

func (t *tableMeta) info() TableInfo {
	info := TableInfo{
		Name:          t.name,
		KeyPath:       t.keyPath,
		AutoIncrement: t.autoIncrement,
	}
	for _, idx := range t.indexes {
		info.Indexes = append(info.Indexes, IndexInfo{
			Name:    idx.name,
			KeyPath: idx.keyPath,
			Options: idx.opts,
		})
	}
	return info
}

func loadTableMeta(ctx context.Context, tx *sql.Tx, name string) (*tableMeta, error) {
	var meta tableMeta
	var keyPath string
	var autoInc int

	err := tx.QueryRowContext(ctx, `
		SELECT id, name, key_path, auto_increment
		FROM _idb_tables
		WHERE name = ?
	`, name).Scan(&meta.id, &meta.name, &keyPath, &autoInc)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: table %q", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("querying table %q: %w", name, err)
	}
	meta.keyPath = ParseKeyPath(keyPath)
	meta.autoIncrement = autoInc != 0

	rows, err := tx.QueryContext(ctx, `
		SELECT id, name, key_path, is_unique, multi_entry
		FROM _idb_indexes
		WHERE table_id = ?
		ORDER BY name
	`, meta.id)
	if err != nil {
		return nil, fmt.Errorf("querying indexes of %q: %w", name, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var idx indexMeta
		var idxKeyPath string
		var unique, multi int
		if err := rows.Scan(&idx.id, &idx.name, &idxKeyPath, &unique, &multi); err != nil {
			return nil, fmt.Errorf("scanning index row: %w", err)
		}
		idx.keyPath = ParseKeyPath(idxKeyPath)
		idx.opts = IndexOptions{Unique: unique != 0, MultiEntry: multi != 0}
		meta.indexes = append(meta.indexes, idx)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating index rows: %w", err)
	}

	return &meta, nil
}

// sqliteUpgradeTx applies structural changes inside the upgrade transaction
type sqliteUpgradeTx struct {
	tx *sql.Tx
}

// TableNames lists physical tables in name order.
func (u *sqliteUpgradeTx) TableNames(ctx context.Context) ([]string, error) {
	rows, err := u.tx.QueryContext(ctx, `SELECT name FROM _idb_tables ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing tables: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating table names: %w", err)
	}
	return names, nil
}

// Table describes one physical table.
func (u *sqliteUpgradeTx) Table(ctx context.Context, name string) (TableInfo, error) {
	meta, err := loadTableMeta(ctx, u.tx, name)
	if err != nil {
		return TableInfo{}, err
	}
	return meta.info(), nil
}

// CreateTable adds an empty table.
func (u *sqliteUpgradeTx) CreateTable(ctx context.Context, name string, keyPath KeyPath, autoIncrement bool) error {
	if err := keyPath.Validate(); err != nil {
		return err
	}
	if len(keyPath) == 0 && !autoIncrement {
		return fmt.Errorf("%w: table %q needs a key path or auto increment", ErrData, name)
	}

	res, err := u.tx.ExecContext(ctx, `
		INSERT INTO _idb_tables (name, key_path, auto_increment)
		VALUES (?, ?, ?)
	`, name, keyPath.String(), boolToInt(autoIncrement))
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: table %q already exists", ErrConstraint, name)
		}
		return fmt.Errorf("inserting table %q: %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading table id: %w", err)
	}

	meta := tableMeta{id: id}
	ddl := fmt.Sprintf(`CREATE TABLE %s (k BLOB PRIMARY KEY, v BLOB NOT NULL) WITHOUT ROWID`, meta.dataTable())
	if _, err := u.tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("creating data table for %q: %w", name, err)
	}
	return nil
}

// DropTable removes a table with all of its indexes and records.
func (u *sqliteUpgradeTx) DropTable(ctx context.Context, name string) error {
	meta, err := loadTableMeta(ctx, u.tx, name)
	if err != nil {
		return err
	}
	for i := range meta.indexes {
		if err := u.dropIndex(ctx, &meta.indexes[i]); err != nil {
			return err
		}
	}
	if _, err := u.tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+meta.dataTable()); err != nil {
		return fmt.Errorf("dropping data table for %q: %w", name, err)
	}
	if _, err := u.tx.ExecContext(ctx, `DELETE FROM _idb_tables WHERE id = ?`, meta.id); err != nil {
		return fmt.Errorf("deleting table %q: %w", name, err)
	}
	return nil
}

// CreateIndex adds an index and fills it from existing records.
func (u *sqliteUpgradeTx) CreateIndex(ctx context.Context, table, name string, keyPath KeyPath, opts IndexOptions) error {
	if len(keyPath) == 0 {
		return fmt.Errorf("%w: index %q on %q needs a key path", ErrData, name, table)
	}
	if err := keyPath.Validate(); err != nil {
		return err
	}
	if opts.MultiEntry && keyPath.IsComposite() {
		return fmt.Errorf("%w: multi-entry index %q cannot use a composite key path", ErrData, name)
	}

	meta, err := loadTableMeta(ctx, u.tx, table)
	if err != nil {
		return err
	}

	res, err := u.tx.ExecContext(ctx, `
		INSERT INTO _idb_indexes (table_id, name, key_path, is_unique, multi_entry)
		VALUES (?, ?, ?, ?, ?)
	`, meta.id, name, keyPath.String(), boolToInt(opts.Unique), boolToInt(opts.MultiEntry))
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: index %q already exists on %q", ErrConstraint, name, table)
		}
		return fmt.Errorf("inserting index %q: %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("reading index id: %w", err)
	}

	idx := indexMeta{id: id, name: name, keyPath: keyPath, opts: opts}
	ddl := fmt.Sprintf(`
		CREATE TABLE %[1]s (
			ik BLOB NOT NULL,
			k  BLOB NOT NULL,
			PRIMARY KEY (ik, k)
		) WITHOUT ROWID;
		CREATE INDEX %[1]s_k ON %[1]s(k);
	`, idx.entryTable())
	if _, err := u.tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("creating entry table for index %q: %w", name, err)
	}

	return u.backfill(ctx, meta, &idx)
}

func (u *sqliteUpgradeTx) backfill(ctx context.Context, meta *tableMeta, idx *indexMeta) error {
	rows, err := u.tx.QueryContext(ctx, "SELECT k, v FROM "+meta.dataTable()+" ORDER BY k")
	if err != nil {
		return fmt.Errorf("scanning %q for index %q: %w", meta.name, idx.name, err)
	}

	type entry struct{ ik, k []byte }
	var entries []entry
	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scanning record: %w", err)
		}
		rec, err := decodeRecord(v)
		if err != nil {
			_ = rows.Close()
			return err
		}
		keys, err := indexKeys(idx, rec)
		if err != nil {
			_ = rows.Close()
			return err
		}
		for _, ik := range keys {
			entries = append(entries, entry{ik: ik, k: k})
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("iterating records: %w", err)
	}
	_ = rows.Close()

	for _, e := range entries {
		if idx.opts.Unique {
			if err := checkUnique(ctx, u.tx, idx, e.ik, e.k); err != nil {
				return err
			}
		}
		if _, err := u.tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO "+idx.entryTable()+" (ik, k) VALUES (?, ?)", e.ik, e.k); err != nil {
			return fmt.Errorf("filling index %q: %w", idx.name, err)
		}
	}
	return nil
}

// DropIndex removes an index and its entries.
func (u *sqliteUpgradeTx) DropIndex(ctx context.Context, table, name string) error {
	meta, err := loadTableMeta(ctx, u.tx, table)
	if err != nil {
		return err
	}
	idx, ok := meta.index(name)
	if !ok {
		return fmt.Errorf("%w: index %q on %q", ErrNotFound, name, table)
	}
	return u.dropIndex(ctx, idx)
}

func (u *sqliteUpgradeTx) dropIndex(ctx context.Context, idx *indexMeta) error {
	if _, err := u.tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+idx.entryTable()); err != nil {
		return fmt.Errorf("dropping entry table for index %q: %w", idx.name, err)
	}
	if _, err := u.tx.ExecContext(ctx, `DELETE FROM _idb_indexes WHERE id = ?`, idx.id); err != nil {
		return fmt.Errorf("deleting index %q: %w", idx.name, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ UpgradeTx = (*sqliteUpgradeTx)(nil)

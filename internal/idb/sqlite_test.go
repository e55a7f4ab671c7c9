// ABOUTME: Tests for the SQLite record store
// ABOUTME: Covers upgrades, CRUD, indexes, cursors and version change detection

package idb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFactory(t *testing.T) *SQLite {
	t.Helper()
	return &SQLite{Dir: t.TempDir()}
}

// openItems opens a store with an "items" table keyed by id and a "by_tag" index.
func openItems(t *testing.T, f *SQLite) Database {
	t.Helper()
	db, err := f.Open(context.Background(), "items", 1, func(ctx context.Context, u UpgradeTx, oldV, newV int) error {
		if err := u.CreateTable(ctx, "items", KeyPath{"id"}, false); err != nil {
			return err
		}
		return u.CreateIndex(ctx, "items", "by_tag", KeyPath{"tag"}, IndexOptions{})
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func putItems(t *testing.T, db Database, recs ...Record) {
	t.Helper()
	ctx := context.Background()
	tx, err := db.Begin(ctx, ReadWrite, "items")
	require.NoError(t, err)
	for _, rec := range recs {
		_, err := tx.Put(ctx, "items", rec)
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())
}

func TestSQLite_OpenRunsUpgradeOnce(t *testing.T) {
	f := newTestFactory(t)
	ctx := context.Background()

	calls := 0
	upgrade := func(ctx context.Context, u UpgradeTx, oldV, newV int) error {
		calls++
		assert.Equal(t, 0, oldV)
		assert.Equal(t, 1, newV)
		return u.CreateTable(ctx, "t", KeyPath{"id"}, false)
	}

	db, err := f.Open(ctx, "once", 1, upgrade)
	require.NoError(t, err)
	assert.Equal(t, 1, db.Version())
	assert.NotEmpty(t, db.SessionID())
	require.NoError(t, db.Close())

	db, err = f.Open(ctx, "once", 1, upgrade)
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, 1, calls)

	infos, err := db.Inspect(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "t", infos[0].Name)
	assert.Equal(t, KeyPath{"id"}, infos[0].KeyPath)
}

func TestSQLite_FailedUpgradeLeavesVersion(t *testing.T) {
	f := newTestFactory(t)
	ctx := context.Background()

	_, err := f.Open(ctx, "broken", 1, func(ctx context.Context, u UpgradeTx, oldV, newV int) error {
		require.NoError(t, u.CreateTable(ctx, "t", KeyPath{"id"}, false))
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	var seenOld int
	db, err := f.Open(ctx, "broken", 1, func(ctx context.Context, u UpgradeTx, oldV, newV int) error {
		seenOld = oldV
		names, err := u.TableNames(ctx)
		require.NoError(t, err)
		assert.Empty(t, names)
		return nil
	})
	require.NoError(t, err)
	defer db.Close()
	assert.Equal(t, 0, seenOld)
}

func TestSQLite_OpenValidation(t *testing.T) {
	f := newTestFactory(t)
	ctx := context.Background()

	_, err := f.Open(ctx, "", 1, nil)
	assert.ErrorIs(t, err, ErrData)

	_, err = f.Open(ctx, "x", 0, nil)
	assert.ErrorIs(t, err, ErrData)

	bad := &SQLite{Dir: t.TempDir(), Driver: "no-such-driver"}
	assert.ErrorIs(t, bad.Supported(), ErrUnsupported)
	_, err = bad.Open(ctx, "x", 1, nil)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestSQLite_MemoryStore(t *testing.T) {
	f := &SQLite{Dir: MemoryDir}
	db := openItems(t, f)
	putItems(t, db, Record{"id": 1, "tag": "a"})

	ctx := context.Background()
	tx, err := db.Begin(ctx, ReadOnly, "items")
	require.NoError(t, err)
	defer tx.Rollback()

	n, err := tx.Count(ctx, "items")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTx_CRUD(t *testing.T) {
	db := openItems(t, newTestFactory(t))
	ctx := context.Background()

	putItems(t, db,
		Record{"id": 3, "tag": "c", "name": "three"},
		Record{"id": 1, "tag": "a", "name": "one"},
		Record{"id": 2, "tag": "b", "name": "two"},
	)

	tx, err := db.Begin(ctx, ReadWrite, "items")
	require.NoError(t, err)
	defer tx.Rollback()

	all, err := tx.GetAll(ctx, "items")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.EqualValues(t, 1, all[0]["id"])
	assert.EqualValues(t, 2, all[1]["id"])
	assert.EqualValues(t, 3, all[2]["id"])

	got, err := tx.Get(ctx, "items", 2)
	require.NoError(t, err)
	assert.Equal(t, "two", got["name"])

	_, err = tx.Get(ctx, "items", 99)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, tx.Delete(ctx, "items", 2))
	require.NoError(t, tx.Delete(ctx, "items", 2))
	n, err := tx.Count(ctx, "items")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, tx.Clear(ctx, "items"))
	n, err = tx.Count(ctx, "items")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestTx_AddDuplicateKeepsTransactionUsable(t *testing.T) {
	db := openItems(t, newTestFactory(t))
	ctx := context.Background()

	tx, err := db.Begin(ctx, ReadWrite, "items")
	require.NoError(t, err)

	key, err := tx.Add(ctx, "items", Record{"id": 1, "tag": "a"})
	require.NoError(t, err)
	assert.Equal(t, float64(1), key)

	_, err = tx.Add(ctx, "items", Record{"id": 1, "tag": "dup"})
	assert.ErrorIs(t, err, ErrConstraint)

	_, err = tx.Add(ctx, "items", Record{"id": 2, "tag": "b"})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx, err = db.Begin(ctx, ReadOnly, "items")
	require.NoError(t, err)
	defer tx.Rollback()

	got, err := tx.Get(ctx, "items", 1)
	require.NoError(t, err)
	assert.Equal(t, "a", got["tag"])

	// The rejected record must not have left an index entry behind.
	cur, err := tx.OpenCursor(ctx, "items", "by_tag", KeyRange{})
	require.NoError(t, err)
	defer cur.Close()
	var tags []string
	for cur.Next(ctx) {
		tags = append(tags, cur.Value()["tag"].(string))
	}
	require.NoError(t, cur.Err())
	assert.Equal(t, []string{"a", "b"}, tags)
}

func TestTx_ScopeAndMode(t *testing.T) {
	db := openItems(t, newTestFactory(t))
	ctx := context.Background()

	_, err := db.Begin(ctx, ReadOnly, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = db.Begin(ctx, ReadOnly)
	assert.ErrorIs(t, err, ErrData)

	tx, err := db.Begin(ctx, ReadOnly, "items")
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = tx.Put(ctx, "items", Record{"id": 1})
	assert.ErrorIs(t, err, ErrReadOnly)
	assert.ErrorIs(t, tx.Clear(ctx, "items"), ErrReadOnly)

	_, err = tx.GetAll(ctx, "other")
	assert.ErrorIs(t, err, ErrNotInScope)
}

func TestTx_MissingKeyIsDataError(t *testing.T) {
	db := openItems(t, newTestFactory(t))
	ctx := context.Background()

	tx, err := db.Begin(ctx, ReadWrite, "items")
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = tx.Put(ctx, "items", Record{"tag": "no-id"})
	assert.ErrorIs(t, err, ErrData)

	_, err = tx.Put(ctx, "items", Record{"id": true})
	assert.ErrorIs(t, err, ErrData)
}

func TestTx_AutoIncrement(t *testing.T) {
	f := newTestFactory(t)
	ctx := context.Background()

	db, err := f.Open(ctx, "auto", 1, func(ctx context.Context, u UpgradeTx, oldV, newV int) error {
		if err := u.CreateTable(ctx, "log", nil, true); err != nil {
			return err
		}
		return u.CreateTable(ctx, "notes", KeyPath{"id"}, true)
	})
	require.NoError(t, err)
	defer db.Close()

	tx, err := db.Begin(ctx, ReadWrite, "log", "notes")
	require.NoError(t, err)

	k1, err := tx.Add(ctx, "log", Record{"msg": "first"})
	require.NoError(t, err)
	k2, err := tx.Add(ctx, "log", Record{"msg": "second"})
	require.NoError(t, err)
	assert.Equal(t, float64(1), k1)
	assert.Equal(t, float64(2), k2)

	rec := Record{"text": "hello"}
	k, err := tx.Add(ctx, "notes", rec)
	require.NoError(t, err)
	assert.Equal(t, float64(1), k)
	assert.Equal(t, float64(1), rec["id"])
	require.NoError(t, tx.Commit())
}

func TestTx_CompositeKeys(t *testing.T) {
	f := newTestFactory(t)
	ctx := context.Background()

	db, err := f.Open(ctx, "composite", 1, func(ctx context.Context, u UpgradeTx, oldV, newV int) error {
		return u.CreateTable(ctx, "rows", KeyPath{"region", "id"}, false)
	})
	require.NoError(t, err)
	defer db.Close()

	tx, err := db.Begin(ctx, ReadWrite, "rows")
	require.NoError(t, err)
	for _, rec := range []Record{
		{"region": "us", "id": 1},
		{"region": "eu", "id": 2},
		{"region": "eu", "id": 1},
	} {
		_, err := tx.Put(ctx, "rows", rec)
		require.NoError(t, err)
	}

	got, err := tx.Get(ctx, "rows", []any{"eu", 2})
	require.NoError(t, err)
	assert.Equal(t, "eu", got["region"])

	all, err := tx.GetAll(ctx, "rows")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "eu", all[0]["region"])
	assert.EqualValues(t, 1, all[0]["id"])
	assert.Equal(t, "us", all[2]["region"])
	require.NoError(t, tx.Commit())
}

func TestUniqueIndex(t *testing.T) {
	f := newTestFactory(t)
	ctx := context.Background()

	db, err := f.Open(ctx, "unique", 1, func(ctx context.Context, u UpgradeTx, oldV, newV int) error {
		if err := u.CreateTable(ctx, "users", KeyPath{"id"}, false); err != nil {
			return err
		}
		return u.CreateIndex(ctx, "users", "by_email", KeyPath{"email"}, IndexOptions{Unique: true})
	})
	require.NoError(t, err)
	defer db.Close()

	tx, err := db.Begin(ctx, ReadWrite, "users")
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = tx.Add(ctx, "users", Record{"id": 1, "email": "a@example.com"})
	require.NoError(t, err)

	_, err = tx.Add(ctx, "users", Record{"id": 2, "email": "a@example.com"})
	assert.ErrorIs(t, err, ErrConstraint)

	// Re-putting the same record keeps its own unique entry.
	_, err = tx.Put(ctx, "users", Record{"id": 1, "email": "a@example.com", "name": "A"})
	require.NoError(t, err)

	_, err = tx.Get(ctx, "users", 2)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateIndex_BackfillAndUniqueViolation(t *testing.T) {
	f := newTestFactory(t)
	ctx := context.Background()

	db := openItems(t, f)
	putItems(t, db,
		Record{"id": 1, "tag": "x", "color": "red"},
		Record{"id": 2, "tag": "y", "color": "red"},
	)
	require.NoError(t, db.Close())

	_, err := f.Open(ctx, "items", 2, func(ctx context.Context, u UpgradeTx, oldV, newV int) error {
		return u.CreateIndex(ctx, "items", "by_color", KeyPath{"color"}, IndexOptions{Unique: true})
	})
	assert.ErrorIs(t, err, ErrConstraint)

	db, err = f.Open(ctx, "items", 2, func(ctx context.Context, u UpgradeTx, oldV, newV int) error {
		return u.CreateIndex(ctx, "items", "by_color", KeyPath{"color"}, IndexOptions{})
	})
	require.NoError(t, err)
	defer db.Close()

	tx, err := db.Begin(ctx, ReadOnly, "items")
	require.NoError(t, err)
	defer tx.Rollback()

	red := MustEncodeKey("red")
	cur, err := tx.OpenCursor(ctx, "items", "by_color", KeyRange{Lower: red, Upper: red})
	require.NoError(t, err)
	defer cur.Close()

	var ids []any
	for cur.Next(ctx) {
		ids = append(ids, cur.Value()["id"])
	}
	require.NoError(t, cur.Err())
	assert.EqualValues(t, []any{int64(1), int64(2)}, ids)
}

func TestMultiEntryIndex(t *testing.T) {
	f := newTestFactory(t)
	ctx := context.Background()

	db, err := f.Open(ctx, "multi", 1, func(ctx context.Context, u UpgradeTx, oldV, newV int) error {
		if err := u.CreateTable(ctx, "posts", KeyPath{"id"}, false); err != nil {
			return err
		}
		return u.CreateIndex(ctx, "posts", "by_label", KeyPath{"labels"}, IndexOptions{MultiEntry: true})
	})
	require.NoError(t, err)
	defer db.Close()

	tx, err := db.Begin(ctx, ReadWrite, "posts")
	require.NoError(t, err)
	defer tx.Rollback()

	_, err = tx.Put(ctx, "posts", Record{"id": 1, "labels": []any{"go", "db", "go"}})
	require.NoError(t, err)
	_, err = tx.Put(ctx, "posts", Record{"id": 2, "labels": []any{"db"}})
	require.NoError(t, err)

	cur, err := tx.OpenCursor(ctx, "posts", "by_label", KeyRange{})
	require.NoError(t, err)
	defer cur.Close()

	type entry struct {
		label string
		id    any
	}
	var got []entry
	for cur.Next(ctx) {
		label, err := DecodeKey(cur.Key())
		require.NoError(t, err)
		got = append(got, entry{label: label.(string), id: cur.Value()["id"]})
	}
	require.NoError(t, cur.Err())
	assert.Equal(t, []entry{
		{"db", int64(1)},
		{"db", int64(2)},
		{"go", int64(1)},
	}, got)

	_, err = f.Open(ctx, "multi-bad", 1, func(ctx context.Context, u UpgradeTx, oldV, newV int) error {
		if err := u.CreateTable(ctx, "p", KeyPath{"id"}, false); err != nil {
			return err
		}
		return u.CreateIndex(ctx, "p", "bad", KeyPath{"a", "b"}, IndexOptions{MultiEntry: true})
	})
	assert.ErrorIs(t, err, ErrData)
}

func TestCursor_SeekAndRange(t *testing.T) {
	db := openItems(t, newTestFactory(t))
	ctx := context.Background()
	for _, id := range []int{1, 2, 3, 5, 8, 13} {
		putItems(t, db, Record{"id": id, "tag": "t"})
	}

	tx, err := db.Begin(ctx, ReadOnly, "items")
	require.NoError(t, err)
	defer tx.Rollback()

	cur, err := tx.OpenCursor(ctx, "items", "", KeyRange{Lower: MustEncodeKey(2), Upper: MustEncodeKey(8)})
	require.NoError(t, err)
	defer cur.Close()

	require.True(t, cur.Next(ctx))
	assert.Equal(t, MustEncodeKey(2), cur.Key())

	require.True(t, cur.Seek(ctx, MustEncodeKey(4)))
	assert.Equal(t, MustEncodeKey(5), cur.PrimaryKey())

	require.True(t, cur.Next(ctx))
	assert.Equal(t, MustEncodeKey(8), cur.Key())

	assert.False(t, cur.Next(ctx))
	assert.False(t, cur.Next(ctx))
	assert.NoError(t, cur.Err())

	_, err = tx.OpenCursor(ctx, "items", "nope", KeyRange{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpgrade_DropIndexAndTable(t *testing.T) {
	f := newTestFactory(t)
	ctx := context.Background()

	db := openItems(t, f)
	putItems(t, db, Record{"id": 1, "tag": "a"})
	require.NoError(t, db.Close())

	db, err := f.Open(ctx, "items", 2, func(ctx context.Context, u UpgradeTx, oldV, newV int) error {
		assert.Equal(t, 1, oldV)
		if err := u.DropIndex(ctx, "items", "by_tag"); err != nil {
			return err
		}
		if err := u.CreateTable(ctx, "extra", KeyPath{"k"}, false); err != nil {
			return err
		}
		return u.DropTable(ctx, "items")
	})
	require.NoError(t, err)
	defer db.Close()

	infos, err := db.Inspect(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "extra", infos[0].Name)
}

func TestUpgrade_DuplicateTable(t *testing.T) {
	f := newTestFactory(t)
	_, err := f.Open(context.Background(), "dup", 1, func(ctx context.Context, u UpgradeTx, oldV, newV int) error {
		if err := u.CreateTable(ctx, "t", KeyPath{"id"}, false); err != nil {
			return err
		}
		return u.CreateTable(ctx, "t", KeyPath{"id"}, false)
	})
	assert.ErrorIs(t, err, ErrConstraint)
}

func TestWatch_VersionChangeClosesStore(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	watcher := &SQLite{Dir: dir, WatchInterval: 10 * time.Millisecond}

	db := openItems(t, watcher)

	other := &SQLite{Dir: dir}
	db2, err := other.Open(ctx, "items", 2, func(ctx context.Context, u UpgradeTx, oldV, newV int) error {
		return nil
	})
	require.NoError(t, err)
	defer db2.Close()

	select {
	case change := <-db.Changes():
		assert.Equal(t, 1, change.OldVersion)
		assert.Equal(t, 2, change.NewVersion)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for version change")
	}

	assert.Eventually(t, func() bool {
		_, err := db.Begin(ctx, ReadOnly, "items")
		return err == ErrClosed
	}, time.Second, 10*time.Millisecond)
}

func TestClosedDatabase(t *testing.T) {
	db := openItems(t, newTestFactory(t))
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	_, err := db.Begin(context.Background(), ReadOnly, "items")
	assert.ErrorIs(t, err, ErrClosed)

	_, err = db.Inspect(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

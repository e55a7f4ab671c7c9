// Package idb defines the transactional record store capability used by the
// cache and provides a SQLite implementation of it.
//
// # Model
//
// A store is a named, versioned file holding tables of records. Each table has
// a primary key shape (a key path into the record, or an out-of-line
// auto-increment key) and any number of secondary indexes. Records are
// attribute maps (Record) persisted as CBOR.
//
// Keys follow the IndexedDB key model: numbers, dates, strings, binary and
// arrays of keys, ordered number < date < string < binary < array. Keys are
// stored with an order-preserving byte encoding (EncodedKey), so SQLite BLOB
// ordering equals key ordering and cursors can seek directly to a key.
//
// # Structure changes
//
// Structure (tables and indexes) can only change inside the UpgradeFunc passed
// to Factory.Open. The upgrade runs in one SQLite transaction together with
// the version bump (PRAGMA user_version), so a failed upgrade leaves the file
// untouched.
//
// # SQLite layout
//
//	_idb_tables(id, name, key_path, auto_increment, next_key)
//	_idb_indexes(id, table_id, name, key_path, is_unique, multi_entry)
//	r_<table id>(k BLOB PRIMARY KEY, v BLOB)       -- records
//	x_<index id>(ik BLOB, k BLOB, PRIMARY KEY(ik, k)) -- index entries
//
// Table and index ids come from AUTOINCREMENT columns and are never reused,
// so a dropped and recreated index never sees stale rows.
//
// # Version changes
//
// When WatchInterval is set, an open Database polls PRAGMA user_version. If
// another session upgrades the file, a VersionChange is delivered on
// Changes() and the Database closes itself.
package idb

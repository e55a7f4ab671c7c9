// ABOUTME: Registers the cgo SQLite driver for builds tagged sqlite_cgo
// ABOUTME: Select it with SQLite{Driver: "sqlite3"}

//go:build sqlite_cgo

package idb

import _ "github.com/mattn/go-sqlite3"

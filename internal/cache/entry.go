// ABOUTME: Directory entries describing when and how a URL's data was cached
// ABOUTME: Converts entries to and from directory table records

package cache

import (
	"fmt"
	"slices"
	"time"

	"github.com/2389/tablecache/internal/idb"
	"github.com/2389/tablecache/internal/schema"
)

// DirectoryTable is the reserved table holding directory entries.
const DirectoryTable = "url_cache_state"

// directoryDeclaration declares the directory table, keyed by table name.
func directoryDeclaration() schema.TableDeclaration {
	return schema.TableDeclaration{
		Name:       DirectoryTable,
		PrimaryKey: idb.KeyPath{"table"},
		Version:    1,
	}
}

// Entry records the cached state of one URL.
type Entry struct {
	URL        string
	Table      string
	Version    int
	LastUpdate time.Time
	// Enc lists the fields that were encrypted when the data was written.
	Enc []string
}

func (e Entry) record() idb.Record {
	enc := make([]any, len(e.Enc))
	for i, f := range e.Enc {
		enc[i] = f
	}
	return idb.Record{
		"table":       e.Table,
		"url":         e.URL,
		"version":     e.Version,
		"last_update": e.LastUpdate.UnixMilli(),
		"enc":         enc,
	}
}

func entryFromRecord(rec idb.Record) (Entry, error) {
	var e Entry
	var ok bool

	if e.Table, ok = rec["table"].(string); !ok {
		return Entry{}, fmt.Errorf("directory row has no table: %v", rec)
	}
	if e.URL, ok = rec["url"].(string); !ok {
		return Entry{}, fmt.Errorf("directory row for %q has no url", e.Table)
	}

	version, err := toInt64(rec["version"])
	if err != nil {
		return Entry{}, fmt.Errorf("directory row for %q: version: %w", e.Table, err)
	}
	e.Version = int(version)

	ms, err := toInt64(rec["last_update"])
	if err != nil {
		return Entry{}, fmt.Errorf("directory row for %q: last_update: %w", e.Table, err)
	}
	e.LastUpdate = time.UnixMilli(ms)

	if raw, present := rec["enc"].([]any); present {
		for _, f := range raw {
			s, isString := f.(string)
			if !isString {
				return Entry{}, fmt.Errorf("directory row for %q: enc holds %T", e.Table, f)
			}
			e.Enc = append(e.Enc, s)
		}
	}
	return e, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case uint64:
		return int64(n), nil
	case int:
		return int64(n), nil
	case float64:
		return int64(n), nil
	}
	return 0, fmt.Errorf("expected a number, got %T", v)
}

func (e Entry) clone() Entry {
	e.Enc = slices.Clone(e.Enc)
	return e
}

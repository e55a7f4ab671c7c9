// ABOUTME: Key paths locate key values inside records
// ABOUTME: Supports dotted field paths and composite (array) key paths

package idb

import (
	"fmt"
	"slices"
	"strings"
)

// KeyPath names the record fields that form a key.
// Empty means out-of-line; one field yields a scalar key; several fields yield
// an array key in declaration order. Fields may be dotted paths into nested maps.
type KeyPath []string

// ParseKeyPath splits the catalog form produced by KeyPath.String.
func ParseKeyPath(s string) KeyPath {
	if s == "" {
		return nil
	}
	return KeyPath(strings.Split(s, ","))
}

// String returns the catalog form: fields joined by commas.
func (p KeyPath) String() string {
	return strings.Join(p, ",")
}

// IsComposite reports whether the path yields array keys.
func (p KeyPath) IsComposite() bool {
	return len(p) > 1
}

// Equal reports whether both paths name the same fields in the same order.
func (p KeyPath) Equal(other KeyPath) bool {
	return slices.Equal(p, other)
}

// Validate checks that every field is a usable dotted path.
func (p KeyPath) Validate() error {
	for _, f := range p {
		if f == "" {
			return fmt.Errorf("%w: empty key path field", ErrData)
		}
		if strings.Contains(f, ",") {
			return fmt.Errorf("%w: key path field %q contains a comma", ErrData, f)
		}
		for _, seg := range strings.Split(f, ".") {
			if seg == "" {
				return fmt.Errorf("%w: key path field %q has an empty segment", ErrData, f)
			}
		}
	}
	return nil
}

// Extract returns the key rec holds at p. ok is false when any field is
// missing; err is set when a field is present but not a valid key.
func (p KeyPath) Extract(rec Record) (key any, ok bool, err error) {
	if len(p) == 0 {
		return nil, false, nil
	}
	if len(p) == 1 {
		v, found := Lookup(rec, p[0])
		if !found || v == nil {
			return nil, false, nil
		}
		k, err := NormalizeKey(v)
		if err != nil {
			return nil, false, fmt.Errorf("field %q: %w", p[0], err)
		}
		return k, true, nil
	}

	parts := make([]any, len(p))
	for i, f := range p {
		v, found := Lookup(rec, f)
		if !found || v == nil {
			return nil, false, nil
		}
		k, err := NormalizeKey(v)
		if err != nil {
			return nil, false, fmt.Errorf("field %q: %w", f, err)
		}
		parts[i] = k
	}
	return parts, true, nil
}

// Lookup follows a dotted path through nested maps.
func Lookup(rec Record, path string) (any, bool) {
	parent, leaf, ok := Locate(rec, path, false)
	if !ok {
		return nil, false
	}
	v, found := parent[leaf]
	return v, found
}

// Locate returns the map holding the last segment of path and that segment.
// With create set, missing intermediate maps are created.
func Locate(rec Record, path string, create bool) (map[string]any, string, bool) {
	if rec == nil {
		return nil, "", false
	}
	segs := strings.Split(path, ".")
	cur := map[string]any(rec)
	for _, seg := range segs[:len(segs)-1] {
		next, found := cur[seg]
		if !found || next == nil {
			if !create {
				return nil, "", false
			}
			m := map[string]any{}
			cur[seg] = m
			cur = m
			continue
		}
		switch m := next.(type) {
		case map[string]any:
			cur = m
		case Record:
			cur = m
		default:
			return nil, "", false
		}
	}
	return cur, segs[len(segs)-1], true
}

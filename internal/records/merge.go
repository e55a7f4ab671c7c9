// ABOUTME: Sorted key merge-join over an ordered cursor
// ABOUTME: Resolves many target keys in one forward scan, seeking past gaps

package records

import (
	"context"
	"slices"

	"github.com/2389/tablecache/internal/idb"
)

// encodeTargets encodes keys and sorts them unless the caller already did.
func encodeTargets(keys []any, sorted bool) ([]idb.EncodedKey, error) {
	targets := make([]idb.EncodedKey, len(keys))
	for i, k := range keys {
		ek, err := idb.EncodeKey(k)
		if err != nil {
			return nil, err
		}
		targets[i] = ek
	}
	if !sorted {
		slices.SortFunc(targets, idb.EncodedKey.Compare)
	}
	return targets, nil
}

// mergeJoin walks cur and targets in lock-step. A target may match several
// entries when the cursor is on a non-unique index.
func mergeJoin(ctx context.Context, cur idb.Cursor, targets []idb.EncodedKey) ([]idb.Record, error) {
	found := []idb.Record{}
	i := 0
	ok := cur.Next(ctx)
	for ok {
		key := cur.Key()
		for i < len(targets) && key.Compare(targets[i]) > 0 {
			i++
		}
		if i == len(targets) {
			break
		}
		if key.Compare(targets[i]) == 0 {
			found = append(found, cur.Value())
			ok = cur.Next(ctx)
			continue
		}
		ok = cur.Seek(ctx, targets[i])
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return found, nil
}

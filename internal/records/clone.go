package records

import "github.com/2389/tablecache/internal/idb"

// cloneRecords deep-copies maps and slices so callers' records are never
// rewritten by encryption.
func cloneRecords(recs []idb.Record) []idb.Record {
	out := make([]idb.Record, len(recs))
	for i, rec := range recs {
		out[i] = idb.Record(cloneMap(rec))
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case map[string]any:
		return cloneMap(x)
	case idb.Record:
		return idb.Record(cloneMap(x))
	case []any:
		out := make([]any, len(x))
		for i, el := range x {
			out[i] = cloneValue(el)
		}
		return out
	case []byte:
		return append([]byte(nil), x...)
	}
	return v
}

// ABOUTME: Tests for key normalization and order-preserving encoding
// ABOUTME: Checks cross-type ordering, escaping and decode round trips

package idb

import (
	"math"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeKey_Ordering(t *testing.T) {
	// Listed in ascending order.
	ordered := []any{
		math.Inf(-1),
		-1000.5,
		-1,
		0,
		0.25,
		1,
		42,
		math.Inf(1),
		time.UnixMilli(0),
		time.UnixMilli(1700000000000),
		"",
		"a",
		"a\x00",
		"a\x00b",
		"ab",
		"b",
		[]byte{},
		[]byte{0x00},
		[]byte{0x01},
		[]any{},
		[]any{1},
		[]any{1, "a"},
		[]any{2},
		[]any{"a"},
	}

	encoded := make([]EncodedKey, len(ordered))
	for i, v := range ordered {
		k, err := EncodeKey(v)
		require.NoError(t, err, "key %d (%v)", i, v)
		encoded[i] = k
	}

	for i := 1; i < len(encoded); i++ {
		assert.Negative(t, encoded[i-1].Compare(encoded[i]),
			"expected %v < %v", ordered[i-1], ordered[i])
	}
}

func TestEncodeKey_IntegersMatchFloats(t *testing.T) {
	assert.Equal(t, MustEncodeKey(float64(7)), MustEncodeKey(7))
	assert.Equal(t, MustEncodeKey(float64(7)), MustEncodeKey(int64(7)))
	assert.Equal(t, MustEncodeKey(float64(7)), MustEncodeKey(uint8(7)))
	assert.Equal(t, MustEncodeKey(0.0), MustEncodeKey(math.Copysign(0, -1)))
}

func TestEncodeKey_TypedSlices(t *testing.T) {
	assert.Equal(t, MustEncodeKey([]any{"x", float64(1)}), MustEncodeKey([]any{"x", 1}))
	assert.Equal(t, MustEncodeKey([]any{"a", "b"}), MustEncodeKey([]string{"a", "b"}))
}

func TestEncodeKey_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  any
	}{
		{"nil", nil},
		{"nan", math.NaN()},
		{"bool", true},
		{"map", map[string]any{"a": 1}},
		{"nested nil", []any{1, nil}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := EncodeKey(tt.key)
			assert.ErrorIs(t, err, ErrData)
		})
	}
}

func TestDecodeKey_RoundTrip(t *testing.T) {
	keys := []any{
		float64(-3.5),
		float64(12),
		"hello\x00world",
		[]byte{0x00, 0xFF, 0x01},
		time.UnixMilli(1700000000123).UTC(),
		[]any{float64(1), "two", []any{float64(3)}},
		[]any{},
	}

	for _, k := range keys {
		decoded, err := DecodeKey(MustEncodeKey(k))
		require.NoError(t, err)
		assert.Equal(t, k, decoded)
	}
}

func TestDecodeKey_Corrupt(t *testing.T) {
	_, err := DecodeKey(EncodedKey{})
	assert.ErrorIs(t, err, ErrData)

	_, err = DecodeKey(EncodedKey{0x99})
	assert.ErrorIs(t, err, ErrData)

	_, err = DecodeKey(EncodedKey{tagString, 'a'})
	assert.ErrorIs(t, err, ErrData)

	_, err = DecodeKey(EncodedKey{tagNumber, 1, 2})
	assert.ErrorIs(t, err, ErrData)
}

func TestEncodedKey_SortsMixedValues(t *testing.T) {
	keys := []any{"b", 3, []any{1}, 1, "a"}
	sort.Slice(keys, func(i, j int) bool {
		return MustEncodeKey(keys[i]).Compare(MustEncodeKey(keys[j])) < 0
	})
	assert.Equal(t, []any{1, 3, "a", "b", []any{1}}, keys)
}

func TestKeyPath_Extract(t *testing.T) {
	rec := Record{
		"id":   7,
		"name": "widget",
		"meta": map[string]any{"region": "eu", "zone": 3},
	}

	key, ok, err := KeyPath{"id"}.Extract(rec)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, float64(7), key)

	key, ok, err = KeyPath{"meta.region", "id"}.Extract(rec)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []any{"eu", float64(7)}, key)

	_, ok, err = KeyPath{"missing"}.Extract(rec)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = KeyPath{"id", "meta.missing"}.Extract(rec)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = KeyPath{"meta"}.Extract(rec)
	assert.ErrorIs(t, err, ErrData)
}

func TestKeyPath_Validate(t *testing.T) {
	assert.NoError(t, KeyPath{"a", "b.c"}.Validate())
	assert.NoError(t, KeyPath(nil).Validate())
	assert.ErrorIs(t, KeyPath{""}.Validate(), ErrData)
	assert.ErrorIs(t, KeyPath{"a,b"}.Validate(), ErrData)
	assert.ErrorIs(t, KeyPath{"a..b"}.Validate(), ErrData)
}

func TestKeyPath_CatalogForm(t *testing.T) {
	p := KeyPath{"region", "id"}
	assert.Equal(t, "region,id", p.String())
	assert.True(t, ParseKeyPath(p.String()).Equal(p))
	assert.Nil(t, ParseKeyPath(""))
}

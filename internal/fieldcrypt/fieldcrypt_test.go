// ABOUTME: Tests for the field encryption pipeline and the XChaCha cipher
// ABOUTME: Covers in-place rewriting, skipped empty values, key readiness and tamper detection

package fieldcrypt

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tablecache/internal/idb"
)

func newReadyCipher(t *testing.T) *XChaCha {
	t.Helper()
	c, err := NewXChaCha([]byte("0123456789abcdef0123456789abcdef"), []byte("test-salt"))
	require.NoError(t, err)
	require.NoError(t, c.AfterOpen(context.Background()))
	return c
}

// upperCipher is a reversible stand-in cipher that counts calls.
type upperCipher struct {
	calls atomic.Int32
	fail  string
}

func (u *upperCipher) Encrypt(ctx context.Context, field string, v any) (any, error) {
	u.calls.Add(1)
	s, _ := v.(string)
	if s == u.fail {
		return nil, errors.New("boom")
	}
	return "ENC:" + strings.ToUpper(s), nil
}

func (u *upperCipher) Decrypt(ctx context.Context, field string, v any) (any, error) {
	u.calls.Add(1)
	s, _ := v.(string)
	return strings.ToLower(strings.TrimPrefix(s, "ENC:")), nil
}

func TestNewPipeline_RequiresCipher(t *testing.T) {
	_, err := NewPipeline(nil, nil)
	assert.ErrorIs(t, err, ErrMissingCipher)
}

func TestPipeline_RewritesPresentFieldsInPlace(t *testing.T) {
	u := &upperCipher{}
	p, err := NewPipeline(u, nil)
	require.NoError(t, err)

	records := []idb.Record{
		{"id": 1, "secret": "alpha", "attributes": map[string]any{"note": "n1"}},
		{"id": 2, "secret": ""},
		{"id": 3},
		{"id": 4, "secret": nil, "attributes": map[string]any{"note": "n4"}},
		{"id": 5, "secret": "epsilon"},
	}

	err = p.EncryptRecords(context.Background(), records, []string{"secret", "attributes.note"})
	require.NoError(t, err)

	assert.Equal(t, "ENC:ALPHA", records[0]["secret"])
	assert.Equal(t, "ENC:N1", records[0]["attributes"].(map[string]any)["note"])
	assert.Equal(t, "", records[1]["secret"], "empty values are left alone")
	assert.NotContains(t, records[2], "secret", "absent fields are not created")
	assert.Nil(t, records[3]["secret"])
	assert.Equal(t, "ENC:N4", records[3]["attributes"].(map[string]any)["note"])
	assert.Equal(t, "ENC:EPSILON", records[4]["secret"])
	assert.EqualValues(t, 4, u.calls.Load())

	require.NoError(t, p.DecryptRecords(context.Background(), records, []string{"secret", "attributes.note"}))
	assert.Equal(t, "alpha", records[0]["secret"])
	assert.Equal(t, "n4", records[3]["attributes"].(map[string]any)["note"])
}

func TestPipeline_FailureFailsBatch(t *testing.T) {
	p, err := NewPipeline(&upperCipher{fail: "bad"}, nil)
	require.NoError(t, err)

	records := []idb.Record{{"s": "ok"}, {"s": "ok"}, {"s": "bad"}, {"s": "ok"}}
	err = p.EncryptRecords(context.Background(), records, []string{"s"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `field "s"`)
}

func TestPipeline_EmptyInputs(t *testing.T) {
	u := &upperCipher{}
	p, err := NewPipeline(u, nil)
	require.NoError(t, err)

	require.NoError(t, p.EncryptRecords(context.Background(), nil, []string{"a"}))
	require.NoError(t, p.EncryptRecords(context.Background(), []idb.Record{{"a": "x"}}, nil))
	assert.EqualValues(t, 0, u.calls.Load())

	// A single record lands entirely in one half.
	rec := []idb.Record{{"a": "x"}}
	require.NoError(t, p.EncryptRecords(context.Background(), rec, []string{"a"}))
	assert.Equal(t, "ENC:X", rec[0]["a"])
}

func TestPipeline_AfterOpenForwardsToCipher(t *testing.T) {
	c, err := NewXChaCha(bytes.Repeat([]byte{7}, 32), nil)
	require.NoError(t, err)
	p, err := NewPipeline(c, nil)
	require.NoError(t, err)

	records := []idb.Record{{"a": "x"}}
	err = p.EncryptRecords(context.Background(), records, []string{"a"})
	assert.ErrorIs(t, err, ErrKeyNotReady)

	require.NoError(t, p.AfterOpen(context.Background()))
	assert.True(t, c.Ready())
	require.NoError(t, p.EncryptRecords(context.Background(), records, []string{"a"}))

	// Ciphers without an init hook are fine too.
	plain, err := NewPipeline(&upperCipher{}, nil)
	require.NoError(t, err)
	assert.NoError(t, plain.AfterOpen(context.Background()))
}

func TestXChaCha_RejectsShortKey(t *testing.T) {
	_, err := NewXChaCha([]byte("short"), nil)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestXChaCha_RoundTrip(t *testing.T) {
	c := newReadyCipher(t)
	ctx := context.Background()

	values := []any{
		"top secret",
		int64(42),
		map[string]any{"nested": "value"},
		[]any{"a", int64(1)},
	}
	for _, v := range values {
		sealed, err := c.Encrypt(ctx, "field", v)
		require.NoError(t, err)
		raw, ok := sealed.([]byte)
		require.True(t, ok)
		assert.Equal(t, sealedVersion, raw[0])

		opened, err := c.Decrypt(ctx, "field", sealed)
		require.NoError(t, err)
		assert.Equal(t, v, opened)
	}
}

func TestXChaCha_RandomNonce(t *testing.T) {
	c := newReadyCipher(t)
	ctx := context.Background()

	a, err := c.Encrypt(ctx, "f", "same")
	require.NoError(t, err)
	b, err := c.Encrypt(ctx, "f", "same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.False(t, bytes.Contains(a.([]byte), []byte("same")))
}

func TestXChaCha_FieldBinding(t *testing.T) {
	c := newReadyCipher(t)
	ctx := context.Background()

	sealed, err := c.Encrypt(ctx, "email", "a@example.com")
	require.NoError(t, err)

	_, err = c.Decrypt(ctx, "phone", sealed)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestXChaCha_DifferentKeysCannotOpen(t *testing.T) {
	ctx := context.Background()
	c1 := newReadyCipher(t)
	c2, err := NewXChaCha([]byte("ffffffffffffffffffffffffffffffff"), []byte("test-salt"))
	require.NoError(t, err)
	require.NoError(t, c2.AfterOpen(ctx))

	sealed, err := c1.Encrypt(ctx, "f", "v")
	require.NoError(t, err)
	_, err = c2.Decrypt(ctx, "f", sealed)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestXChaCha_TamperAndGarbage(t *testing.T) {
	c := newReadyCipher(t)
	ctx := context.Background()

	sealed, err := c.Encrypt(ctx, "f", "value")
	require.NoError(t, err)
	raw := append([]byte(nil), sealed.([]byte)...)
	raw[len(raw)-1] ^= 0xFF

	_, err = c.Decrypt(ctx, "f", raw)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	_, err = c.Decrypt(ctx, "f", "plain string")
	assert.ErrorIs(t, err, ErrNotCiphertext)

	_, err = c.Decrypt(ctx, "f", []byte{sealedVersion, 1, 2})
	assert.ErrorIs(t, err, ErrNotCiphertext)
}

func TestXChaCha_NotReady(t *testing.T) {
	c, err := NewXChaCha(bytes.Repeat([]byte{1}, 16), nil)
	require.NoError(t, err)
	assert.False(t, c.Ready())

	_, err = c.Encrypt(context.Background(), "f", "v")
	assert.ErrorIs(t, err, ErrKeyNotReady)
	_, err = c.Decrypt(context.Background(), "f", []byte{})
	assert.ErrorIs(t, err, ErrKeyNotReady)

	require.NoError(t, c.AfterOpen(context.Background()))
	require.NoError(t, c.AfterOpen(context.Background()))
	assert.True(t, c.Ready())
}

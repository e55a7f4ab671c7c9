// ABOUTME: XChaCha20-Poly1305 field cipher with an HKDF-SHA256 derived key
// ABOUTME: Seals CBOR-encoded values under a random nonce bound to the field path

package fieldcrypt

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/2389/tablecache/internal/idb"
)

const (
	// MinKeyMaterial is the smallest accepted key material length.
	MinKeyMaterial = 16

	fieldKeyInfo = "tablecache-field-key-v1"

	// sealedVersion prefixes every sealed value.
	sealedVersion byte = 0x01
)

// XChaCha is a FieldCipher. The key is unavailable until AfterOpen runs.
type XChaCha struct {
	material []byte
	salt     []byte

	mu  sync.RWMutex
	key []byte
}

// NewXChaCha creates a cipher from key material and an optional salt.
func NewXChaCha(material, salt []byte) (*XChaCha, error) {
	if len(material) < MinKeyMaterial {
		return nil, fmt.Errorf("%w: need at least %d bytes, got %d", ErrInvalidKey, MinKeyMaterial, len(material))
	}
	return &XChaCha{
		material: append([]byte(nil), material...),
		salt:     append([]byte(nil), salt...),
	}, nil
}

// AfterOpen derives the field key. Calling it again is a no-op.
func (c *XChaCha) AfterOpen(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.key != nil {
		return nil
	}

	r := hkdf.New(sha256.New, c.material, c.salt, []byte(fieldKeyInfo))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return fmt.Errorf("derive hkdf-sha256 output: %w", err)
	}
	c.key = key
	return nil
}

// Ready reports whether the key has been derived.
func (c *XChaCha) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.key != nil
}

func (c *XChaCha) currentKey() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.key == nil {
		return nil, ErrKeyNotReady
	}
	return c.key, nil
}

// Encrypt returns version || nonce || sealed CBOR(value) with the field path as AAD.
func (c *XChaCha) Encrypt(ctx context.Context, field string, value any) (any, error) {
	key, err := c.currentKey()
	if err != nil {
		return nil, err
	}
	plaintext, err := idb.EncodeValue(value)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("construct xchacha20-poly1305: %w", err)
	}

	out := make([]byte, 1+chacha20poly1305.NonceSizeX, 1+chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	out[0] = sealedVersion
	if _, err := io.ReadFull(rand.Reader, out[1:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(out, out[1:], plaintext, []byte(field)), nil
}

// Decrypt reverses Encrypt. value must be the []byte Encrypt produced for the same field.
func (c *XChaCha) Decrypt(ctx context.Context, field string, value any) (any, error) {
	key, err := c.currentKey()
	if err != nil {
		return nil, err
	}
	sealed, ok := value.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrNotCiphertext, value)
	}
	header := 1 + chacha20poly1305.NonceSizeX
	if len(sealed) < header+chacha20poly1305.Overhead || sealed[0] != sealedVersion {
		return nil, ErrNotCiphertext
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("construct xchacha20-poly1305: %w", err)
	}
	plaintext, err := aead.Open(nil, sealed[1:header], sealed[header:], []byte(field))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return idb.DecodeValue(plaintext)
}

var _ FieldCipher = (*XChaCha)(nil)
var _ Initializer = (*XChaCha)(nil)

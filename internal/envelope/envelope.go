// Package envelope seals structured values for storage at rest.
//
// Tokens look like "v1.<nonce>.<tag>.<ciphertext>" where every part is
// unpadded base64url. The cipher is AES-256-GCM with a random 96-bit nonce
// per call and a 128-bit tag.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"
)

const (
	Version   = "v1"
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16
)

// ErrDecrypt is returned for every token that cannot be opened.
var ErrDecrypt = errors.New("envelope: decryption failed")

var b64 = base64.RawURLEncoding.Strict()

type Key [KeySize]byte

// ParseKey accepts 64 hex characters or the base64 / base64url encoding of
// 32 bytes (padded or not).
func ParseKey(s string) (Key, error) {
	var k Key
	s = strings.TrimSpace(s)
	if s == "" {
		return k, errors.New("envelope: key is empty")
	}
	if len(s) == hex.EncodedLen(KeySize) {
		if b, err := hex.DecodeString(s); err == nil {
			copy(k[:], b)
			return k, nil
		}
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		b, err := enc.DecodeString(s)
		if err == nil && len(b) == KeySize {
			copy(k[:], b)
			return k, nil
		}
	}
	return k, fmt.Errorf("envelope: key must be %d bytes encoded as hex or base64", KeySize)
}

// GenerateKey returns a random key.
func GenerateKey() (Key, error) {
	var k Key
	_, err := io.ReadFull(rand.Reader, k[:])
	return k, err
}

func (k Key) String() string { return "envelope.Key(redacted)" }

// IsZero reports whether k is the unset key.
func (k Key) IsZero() bool { return k == Key{} }

func newGCM(key Key) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithTagSize(block, TagSize)
}

// Seal serializes v as JSON and encrypts it.
func Seal(v any, key Key) (string, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("envelope: marshal: %w", err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", fmt.Errorf("envelope: %w", err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("envelope: nonce: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, plain, nil)
	ct, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]

	return strings.Join([]string{
		Version,
		b64.EncodeToString(nonce),
		b64.EncodeToString(tag),
		b64.EncodeToString(ct),
	}, "."), nil
}

// Open decrypts token into out. Any malformed, tampered or foreign token
// yields ErrDecrypt and leaves out untouched.
func Open(token string, key Key, out any) error {
	parts := strings.Split(token, ".")
	if len(parts) != 4 {
		return fmt.Errorf("%w: expected 4 parts, got %d", ErrDecrypt, len(parts))
	}
	if parts[0] != Version {
		return fmt.Errorf("%w: unsupported version %q", ErrDecrypt, parts[0])
	}
	for i, p := range parts[1:] {
		if p == "" {
			return fmt.Errorf("%w: part %d is empty", ErrDecrypt, i+1)
		}
	}
	nonce, err := b64.DecodeString(parts[1])
	if err != nil || len(nonce) != NonceSize {
		return fmt.Errorf("%w: bad nonce", ErrDecrypt)
	}
	tag, err := b64.DecodeString(parts[2])
	if err != nil || len(tag) != TagSize {
		return fmt.Errorf("%w: bad tag", ErrDecrypt)
	}
	ct, err := b64.DecodeString(parts[3])
	if err != nil {
		return fmt.Errorf("%w: bad ciphertext", ErrDecrypt)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	plain, err := gcm.Open(nil, nonce, append(ct, tag...), nil)
	if err != nil {
		return fmt.Errorf("%w: authentication failed", ErrDecrypt)
	}
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.IsNil() {
		return fmt.Errorf("envelope: out must be a non-nil pointer, got %T", out)
	}
	// Decode into a fresh value so a payload that fails halfway leaves out as it was.
	tmp := reflect.New(rv.Elem().Type())
	if err := json.Unmarshal(plain, tmp.Interface()); err != nil {
		return fmt.Errorf("%w: payload: %v", ErrDecrypt, err)
	}
	rv.Elem().Set(tmp.Elem())
	return nil
}

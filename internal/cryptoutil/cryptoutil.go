// Package cryptoutil implements the AES-256-GCM envelope primitives used to
// wrap a user's symmetric data key under a passphrase- or recovery-code-derived
// wrapping key.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DataKeySize is the size in bytes of the symmetric key that encrypts record payloads.
	DataKeySize = 32
	// SaltSize is the size in bytes of the PBKDF2 salt.
	SaltSize = 16
	// PBKDF2Iterations is the fixed iteration count for wrapping-key derivation.
	PBKDF2Iterations = 100_000
	// nonceSize is the AES-GCM IV length.
	nonceSize = 12
	// tagSize is the AES-GCM authentication tag length.
	tagSize = 16
	// WrappedKeySize is the total length of iv || ciphertext(32) || tag.
	WrappedKeySize = nonceSize + DataKeySize + tagSize
)

var ErrDecryptFailed = errors.New("cryptoutil: decryption failed")

// GenerateDataKey returns 32 fresh random bytes suitable as a record-encryption key.
func GenerateDataKey() ([]byte, error) {
	key := make([]byte, DataKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("cryptoutil: generating data key: %w", err)
	}
	return key, nil
}

// GenerateSalt returns a fresh 16-byte PBKDF2 salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("cryptoutil: generating salt: %w", err)
	}
	return salt, nil
}

// DeriveWrappingKey derives a 32-byte key from a passphrase and salt via
// PBKDF2-HMAC-SHA256 at the fixed iteration count.
func DeriveWrappingKey(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, PBKDF2Iterations, DataKeySize, sha256.New)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt seals plaintext under key with a fresh random IV and no associated data.
// Returns iv (12B) and ciphertext with the 16-byte GCM tag appended.
func Encrypt(plaintext, key []byte) (iv, ciphertext []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	iv = make([]byte, nonceSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, fmt.Errorf("cryptoutil: generating nonce: %w", err)
	}
	return iv, gcm.Seal(nil, iv, plaintext, nil), nil
}

// Decrypt opens a ciphertext (with trailing GCM tag) sealed by Encrypt.
func Decrypt(iv, ciphertext, key []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plain, nil
}

// WrapKey encrypts dataKey under wrappingKey and returns the wire envelope
// iv(12) || ciphertext(32) || tag(16), 60 bytes total.
func WrapKey(dataKey, wrappingKey []byte) ([]byte, error) {
	if len(dataKey) != DataKeySize {
		return nil, fmt.Errorf("cryptoutil: data key must be %d bytes, got %d", DataKeySize, len(dataKey))
	}
	iv, sealed, err := Encrypt(dataKey, wrappingKey)
	if err != nil {
		return nil, err
	}
	wrapped := make([]byte, 0, WrappedKeySize)
	wrapped = append(wrapped, iv...)
	wrapped = append(wrapped, sealed...)
	return wrapped, nil
}

// UnwrapKey reverses WrapKey, returning the 32-byte data key or an error
// (wrong wrapping key, or a tampered/malformed envelope).
func UnwrapKey(wrapped, wrappingKey []byte) ([]byte, error) {
	if len(wrapped) != WrappedKeySize {
		return nil, fmt.Errorf("cryptoutil: wrapped key must be %d bytes, got %d", WrappedKeySize, len(wrapped))
	}
	iv := wrapped[:nonceSize]
	ciphertext := wrapped[nonceSize:]
	return Decrypt(iv, ciphertext, wrappingKey)
}

// HashRecoveryCode returns the lowercase hex SHA-256 digest of the UTF-8 bytes of code.
func HashRecoveryCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// EncodeBase64 encodes binary data using the standard base64 alphabet.
func EncodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBase64 decodes standard-alphabet base64 data.
func DecodeBase64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("cryptoutil: invalid base64: %w", err)
	}
	return b, nil
}

package cryptoutil_test

import (
	"testing"

	"github.com/chirino/bookmarksync/internal/cryptoutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptProducesDistinctIVsAndCiphertexts(t *testing.T) {
	key, err := cryptoutil.GenerateDataKey()
	require.NoError(t, err)

	plaintext := []byte("same plaintext every time")
	iv1, ct1, err := cryptoutil.Encrypt(plaintext, key)
	require.NoError(t, err)
	iv2, ct2, err := cryptoutil.Encrypt(plaintext, key)
	require.NoError(t, err)

	assert.NotEqual(t, iv1, iv2)
	assert.NotEqual(t, ct1, ct2)

	decrypted1, err := cryptoutil.Decrypt(iv1, ct1, key)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted1)
}

func TestDecryptWrongKeyFails(t *testing.T) {
	key1, _ := cryptoutil.GenerateDataKey()
	key2, _ := cryptoutil.GenerateDataKey()
	iv, ct, err := cryptoutil.Encrypt([]byte("secret"), key1)
	require.NoError(t, err)

	_, err = cryptoutil.Decrypt(iv, ct, key2)
	assert.ErrorIs(t, err, cryptoutil.ErrDecryptFailed)
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	key, _ := cryptoutil.GenerateDataKey()
	iv, ct, err := cryptoutil.Encrypt([]byte("secret"), key)
	require.NoError(t, err)

	tampered := append([]byte(nil), ct...)
	tampered[0] ^= 0xFF

	_, err = cryptoutil.Decrypt(iv, tampered, key)
	assert.ErrorIs(t, err, cryptoutil.ErrDecryptFailed)
}

func TestWrapUnwrapKeyRoundTrip(t *testing.T) {
	dataKey, err := cryptoutil.GenerateDataKey()
	require.NoError(t, err)
	salt, err := cryptoutil.GenerateSalt()
	require.NoError(t, err)

	wrappingKey := cryptoutil.DeriveWrappingKey("correct horse battery staple", salt)
	wrapped, err := cryptoutil.WrapKey(dataKey, wrappingKey)
	require.NoError(t, err)
	assert.Len(t, wrapped, cryptoutil.WrappedKeySize)

	unwrapped, err := cryptoutil.UnwrapKey(wrapped, wrappingKey)
	require.NoError(t, err)
	assert.Equal(t, dataKey, unwrapped)
}

func TestUnwrapKeyWrongPassphraseFails(t *testing.T) {
	dataKey, _ := cryptoutil.GenerateDataKey()
	salt, _ := cryptoutil.GenerateSalt()
	wrappingKey := cryptoutil.DeriveWrappingKey("correct passphrase", salt)
	wrapped, err := cryptoutil.WrapKey(dataKey, wrappingKey)
	require.NoError(t, err)

	wrongKey := cryptoutil.DeriveWrappingKey("wrong passphrase", salt)
	_, err = cryptoutil.UnwrapKey(wrapped, wrongKey)
	assert.Error(t, err)
}

func TestDeriveWrappingKeyIsDeterministic(t *testing.T) {
	salt, _ := cryptoutil.GenerateSalt()
	k1 := cryptoutil.DeriveWrappingKey("passphrase", salt)
	k2 := cryptoutil.DeriveWrappingKey("passphrase", salt)
	assert.Equal(t, k1, k2)

	k3 := cryptoutil.DeriveWrappingKey("different", salt)
	assert.NotEqual(t, k1, k3)
}

func TestHashRecoveryCodeIsDeterministicHexSHA256(t *testing.T) {
	h1 := cryptoutil.HashRecoveryCode("ABCD-1234-EFGH")
	h2 := cryptoutil.HashRecoveryCode("ABCD-1234-EFGH")
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)

	h3 := cryptoutil.HashRecoveryCode("different-code")
	assert.NotEqual(t, h1, h3)
}

func TestBase64RoundTrip(t *testing.T) {
	data := []byte{0x00, 0x01, 0xFF, 0x7F}
	encoded := cryptoutil.EncodeBase64(data)
	decoded, err := cryptoutil.DecodeBase64(encoded)
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
}

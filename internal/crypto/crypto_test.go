package crypto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T, seed byte) []byte {
	t.Helper()
	key := make([]byte, keySize)
	for i := range key {
		key[i] = seed + byte(i)
	}
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	src, err := NewStaticKeySource(testKey(t, 1))
	require.NoError(t, err)
	c := New(src)

	token, err := c.Encrypt("app-1:server-1")
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	plaintext, err := c.Decrypt(token)
	require.NoError(t, err)
	assert.Equal(t, "app-1:server-1", plaintext)
}

func TestDecryptFailsUnderDifferentKey(t *testing.T) {
	srcA, err := NewStaticKeySource(testKey(t, 1))
	require.NoError(t, err)
	srcB, err := NewStaticKeySource(testKey(t, 99))
	require.NoError(t, err)

	token, err := New(srcA).Encrypt("app-1:server-1")
	require.NoError(t, err)

	_, err = New(srcB).Decrypt(token)
	require.Error(t, err)
}

func TestDecryptRejectsMalformedInput(t *testing.T) {
	src, err := NewStaticKeySource(testKey(t, 1))
	require.NoError(t, err)
	c := New(src)

	_, err = c.Decrypt("not-base64!!!")
	require.Error(t, err)

	_, err = c.Decrypt("YQ==") // valid base64, too short for a nonce
	require.Error(t, err)
}

func TestNewStaticKeySourceRejectsWrongLength(t *testing.T) {
	_, err := NewStaticKeySource([]byte("too-short"))
	require.Error(t, err)
}

func TestReloadableKeySourceRotate(t *testing.T) {
	src, err := NewReloadableKeySource(testKey(t, 1))
	require.NoError(t, err)
	c := New(src)

	token, err := c.Encrypt("app-1:server-1")
	require.NoError(t, err)

	require.NoError(t, src.Rotate(testKey(t, 2)))

	_, err = c.Decrypt(token)
	require.Error(t, err, "tokens sealed under the old key must not decrypt under the new one")

	require.Error(t, src.Rotate([]byte("bad")))
}

func TestEncryptProducesDistinctTokensPerCall(t *testing.T) {
	src, err := NewStaticKeySource(testKey(t, 1))
	require.NoError(t, err)
	c := New(src)

	a, err := c.Encrypt("same-plaintext")
	require.NoError(t, err)
	b, err := c.Encrypt("same-plaintext")
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "fresh nonce per call must make ciphertexts differ")
	assert.False(t, strings.Contains(a, ":"), "token is base64, not the raw plaintext")
}

package cryptox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huxley-im/huxley/internal/common"
)

func provisionedEngine(t *testing.T) *Engine {
	t.Helper()

	dir := t.TempDir()
	masterPath := filepath.Join(dir, "keys", "master.key")
	sessionPath := filepath.Join(dir, "keys", "session.key.enc")

	require.NoError(t, ProvisionKeys(masterPath, sessionPath))

	e, err := NewEngine(masterPath, sessionPath)
	require.NoError(t, err)
	t.Cleanup(e.Destroy)
	return e
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	e := provisionedEngine(t)

	plaintext := []byte("attack at dawn")
	cipher, err := e.Encrypt(plaintext)
	require.NoError(t, err)

	assert.Len(t, cipher.Nonce, NonceSize)
	assert.Len(t, cipher.Ciphertext, len(plaintext)+TagSize)

	got, err := e.Decrypt(cipher)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestEncryptGeneratesFreshNonces(t *testing.T) {
	e := provisionedEngine(t)

	first, err := e.Encrypt([]byte("same plaintext"))
	require.NoError(t, err)
	second, err := e.Encrypt([]byte("same plaintext"))
	require.NoError(t, err)

	assert.NotEqual(t, first.Nonce, second.Nonce)
	assert.NotEqual(t, first.Ciphertext, second.Ciphertext)
}

func TestDecryptRejectsTampering(t *testing.T) {
	e := provisionedEngine(t)

	cipher, err := e.Encrypt([]byte("integrity matters"))
	require.NoError(t, err)

	t.Run("ciphertext bit flip", func(t *testing.T) {
		tampered := CipherMessage{Nonce: cipher.Nonce, Ciphertext: append([]byte(nil), cipher.Ciphertext...)}
		tampered.Ciphertext[0] ^= 0x01

		_, err := e.Decrypt(tampered)
		assert.ErrorIs(t, err, common.ErrDecrypt)
	})

	t.Run("nonce bit flip", func(t *testing.T) {
		tampered := CipherMessage{Nonce: append([]byte(nil), cipher.Nonce...), Ciphertext: cipher.Ciphertext}
		tampered.Nonce[5] ^= 0x80

		_, err := e.Decrypt(tampered)
		assert.ErrorIs(t, err, common.ErrDecrypt)
	})
}

func TestDecryptRejectsBadSizes(t *testing.T) {
	e := provisionedEngine(t)

	tests := []struct {
		name string
		msg  CipherMessage
	}{
		{"short nonce", CipherMessage{Nonce: make([]byte, NonceSize-1), Ciphertext: make([]byte, TagSize)}},
		{"long nonce", CipherMessage{Nonce: make([]byte, NonceSize+1), Ciphertext: make([]byte, TagSize)}},
		{"ciphertext below tag size", CipherMessage{Nonce: make([]byte, NonceSize), Ciphertext: make([]byte, TagSize-1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Decrypt(tt.msg)
			assert.ErrorIs(t, err, common.ErrDecrypt)
		})
	}
}

func TestEngineRequiresLoadedKey(t *testing.T) {
	e := provisionedEngine(t)
	e.Destroy()

	_, err := e.Encrypt([]byte("x"))
	assert.ErrorIs(t, err, common.ErrKeyNotLoaded)

	_, err = e.Decrypt(CipherMessage{Nonce: make([]byte, NonceSize), Ciphertext: make([]byte, TagSize)})
	assert.ErrorIs(t, err, common.ErrKeyNotLoaded)
}

func TestNewEngineRejectsBadKeyMaterial(t *testing.T) {
	dir := t.TempDir()
	masterPath := filepath.Join(dir, "master.key")
	sessionPath := filepath.Join(dir, "session.key.enc")
	require.NoError(t, ProvisionKeys(masterPath, sessionPath))

	t.Run("missing master key", func(t *testing.T) {
		_, err := NewEngine(filepath.Join(dir, "nope.key"), sessionPath)
		assert.Error(t, err)
	})

	t.Run("truncated master key", func(t *testing.T) {
		short := filepath.Join(dir, "short.key")
		require.NoError(t, os.WriteFile(short, make([]byte, KeySize-1), 0o600))

		_, err := NewEngine(short, sessionPath)
		assert.Error(t, err)
	})

	t.Run("truncated sealed blob", func(t *testing.T) {
		blob, err := os.ReadFile(sessionPath)
		require.NoError(t, err)

		truncated := filepath.Join(dir, "truncated.enc")
		require.NoError(t, os.WriteFile(truncated, blob[:len(blob)-1], 0o600))

		_, err = NewEngine(masterPath, truncated)
		assert.Error(t, err)
	})

	t.Run("tampered sealed blob", func(t *testing.T) {
		blob, err := os.ReadFile(sessionPath)
		require.NoError(t, err)

		blob[NonceSize] ^= 0xff
		tampered := filepath.Join(dir, "tampered.enc")
		require.NoError(t, os.WriteFile(tampered, blob, 0o600))

		_, err = NewEngine(masterPath, tampered)
		assert.ErrorIs(t, err, common.ErrDecrypt)
	})
}

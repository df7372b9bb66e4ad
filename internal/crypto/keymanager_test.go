package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	blob, err := EncryptKey("0x"+testPrivateKey, "hunter2")
	require.NoError(t, err)

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testPrivateKey, got, "decrypted key is hex without the 0x prefix")
}

func TestDecryptKeyWrongPassphrase(t *testing.T) {
	blob, err := EncryptKey(testPrivateKey, "hunter2")
	require.NoError(t, err)

	_, err = DecryptKey(blob, "*******")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decryption failed")
}

func TestEncryptKeyValidation(t *testing.T) {
	_, err := EncryptKey(testPrivateKey, "")
	require.Error(t, err)

	_, err = EncryptKey("zzzz", "hunter2")
	require.Error(t, err)

	_, err = EncryptKey("abcd", "hunter2")
	require.Error(t, err, "keys must be exactly 32 bytes")
}

func TestLoadKeyRawTakesPrecedence(t *testing.T) {
	got, err := LoadKey(KeyConfig{
		RawPrivateKey: "0x" + testPrivateKey,
		KeyFile:       "/nonexistent/key.json",
	})
	require.NoError(t, err)
	assert.Equal(t, testPrivateKey, got)
}

func TestLoadKeyFromFile(t *testing.T) {
	blob, err := EncryptKey(testPrivateKey, "hunter2")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "agent-key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	got, err := LoadKey(KeyConfig{KeyFile: path, Passphrase: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, testPrivateKey, got)
}

func TestLoadKeyNoSource(t *testing.T) {
	_, err := LoadKey(KeyConfig{})
	require.Error(t, err)
}

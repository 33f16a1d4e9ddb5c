package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lanwarden/lanwarden/pkg/errdefs"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), nil)
	require.NoError(t, err)
	return m
}

// TestEncryptDecryptString verifies a string round-trips through the
// authenticated cipher.
func TestEncryptDecryptString(t *testing.T) {
	m := newTestManager(t)

	token, err := m.Encrypt("sensitive payload")
	require.NoError(t, err)
	assert.NotEqual(t, "sensitive payload", token)

	out, err := m.Decrypt(token)
	require.NoError(t, err)
	assert.Equal(t, "sensitive payload", out)
}

// TestEncryptDecryptStructured verifies non-string values come back as a
// structured mapping.
func TestEncryptDecryptStructured(t *testing.T) {
	m := newTestManager(t)

	token, err := m.Encrypt(map[string]any{"host": "10.0.0.1", "port": 22.0})
	require.NoError(t, err)

	out, err := m.Decrypt(token)
	require.NoError(t, err)

	mapped, ok := out.(map[string]any)
	require.True(t, ok, "decrypted JSON object should restore as a map")
	assert.Equal(t, "10.0.0.1", mapped["host"])
	assert.Equal(t, 22.0, mapped["port"])
}

// TestDecryptTamperedToken verifies tampered ciphertext fails instead of
// returning garbage.
func TestDecryptTamperedToken(t *testing.T) {
	m := newTestManager(t)

	token, err := m.EncryptString("payload")
	require.NoError(t, err)

	tampered := []byte(token)
	tampered[len(tampered)/2] ^= 'x'
	_, err = m.DecryptString(string(tampered))
	assert.Error(t, err)
	var cryptoErr *errdefs.CryptoError
	assert.ErrorAs(t, err, &cryptoErr)
}

// TestDecryptForeignKey verifies a token sealed by a different manager does
// not decrypt.
func TestDecryptForeignKey(t *testing.T) {
	first := newTestManager(t)
	second := newTestManager(t)

	token, err := first.EncryptString("payload")
	require.NoError(t, err)

	_, err = second.DecryptString(token)
	assert.Error(t, err)
}

// TestKeyPersistsAcrossRestarts verifies a second manager over the same
// config directory decrypts data sealed by the first.
func TestKeyPersistsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()

	first, err := NewManager(dir, nil)
	require.NoError(t, err)
	token, err := first.EncryptString("payload")
	require.NoError(t, err)

	second, err := NewManager(dir, nil)
	require.NoError(t, err)
	out, err := second.DecryptString(token)
	require.NoError(t, err)
	assert.Equal(t, "payload", out)
}

// TestValidatePluginDangerousMarker verifies the marker scan rejects a file
// and names the offending marker.
func TestValidatePluginDangerousMarker(t *testing.T) {
	m := newTestManager(t)

	path := filepath.Join(t.TempDir(), "bad.plugin")
	require.NoError(t, os.WriteFile(path, []byte("result = eval(input)"), 0o644))

	err := m.ValidatePlugin(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "eval(")
}

// TestValidatePluginBlacklistWins verifies blacklist membership rejects a
// plugin even when the same hash is whitelisted.
func TestValidatePluginBlacklistWins(t *testing.T) {
	m := newTestManager(t)

	path := filepath.Join(t.TempDir(), "plugin.plugin")
	require.NoError(t, os.WriteFile(path, []byte("harmless"), 0o644))
	hash, err := FileHash(path)
	require.NoError(t, err)

	require.NoError(t, m.AddToWhitelist(hash))
	require.NoError(t, m.AddToBlacklist(hash))

	err = m.ValidatePlugin(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blacklisted")
}

// TestValidatePluginWhitelistEnforced verifies a non-empty whitelist rejects
// unlisted plugins and accepts listed ones.
func TestValidatePluginWhitelistEnforced(t *testing.T) {
	m := newTestManager(t)
	dir := t.TempDir()

	trusted := filepath.Join(dir, "trusted.plugin")
	require.NoError(t, os.WriteFile(trusted, []byte("trusted body"), 0o644))
	other := filepath.Join(dir, "other.plugin")
	require.NoError(t, os.WriteFile(other, []byte("other body"), 0o644))

	// No whitelist: everything clean passes.
	assert.NoError(t, m.ValidatePlugin(trusted))
	assert.NoError(t, m.ValidatePlugin(other))

	hash, err := FileHash(trusted)
	require.NoError(t, err)
	require.NoError(t, m.AddToWhitelist(hash))

	assert.NoError(t, m.ValidatePlugin(trusted))
	assert.Error(t, m.ValidatePlugin(other), "unlisted plugin should fail once a whitelist exists")
}

// TestHashListsPersist verifies trust decisions survive a manager restart.
func TestHashListsPersist(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir, nil)
	require.NoError(t, err)

	require.NoError(t, m.AddToBlacklist("deadbeef"))

	reloaded, err := NewManager(dir, nil)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "x.plugin")
	require.NoError(t, os.WriteFile(path, []byte("body"), 0o644))
	assert.NoError(t, reloaded.ValidatePlugin(path), "unrelated plugin still passes")

	hash, err := FileHash(path)
	require.NoError(t, err)
	require.NoError(t, m.AddToBlacklist(hash))
	reloaded, err = NewManager(dir, nil)
	require.NoError(t, err)
	assert.Error(t, reloaded.ValidatePlugin(path))
}

// TestSanitizeInput verifies shell metacharacters are stripped recursively.
func TestSanitizeInput(t *testing.T) {
	m := newTestManager(t)

	out := m.SanitizeInput(map[string]any{
		"cmd<":  "a;b<c>d|e`f`",
		"inner": []any{"a&b", 42},
	})

	mapped, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "abcdef", mapped["cmd"])
	inner, ok := mapped["inner"].([]any)
	require.True(t, ok)
	assert.Equal(t, "ab", inner[0])
	assert.Equal(t, 42, inner[1], "non-string values pass through unchanged")
}

// TestVerifySignature verifies HMAC verification accepts a valid signature,
// rejects a wrong one and errors on malformed input.
func TestVerifySignature(t *testing.T) {
	m := newTestManager(t)

	data := []byte("message")
	key := []byte("secret key")
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	signature := mac.Sum(nil)

	ok, err := m.VerifySignature(data, signature, key)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.VerifySignature(data, signature, []byte("wrong key"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.VerifySignature(data, nil, key)
	assert.Error(t, err, "missing signature is malformed input, not a false result")
	_, err = m.VerifySignature(nil, signature, key)
	assert.Error(t, err)
}

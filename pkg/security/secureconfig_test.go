package security

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSecureConfigRoundTrip verifies values persist encrypted and reload
// with the same password.
func TestSecureConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.enc")

	sc, err := NewSecureConfig(path, "master-password", nil)
	require.NoError(t, err)
	require.NoError(t, sc.Set("api.port", "8080"))
	require.NoError(t, sc.Set("api.cors", true))
	require.NoError(t, sc.Save())

	reopened, err := NewSecureConfig(path, "master-password", nil)
	require.NoError(t, err)
	require.NoError(t, reopened.Load())

	assert.Equal(t, "8080", reopened.Get("api.port", nil))
	assert.Equal(t, true, reopened.Get("api.cors", nil))
	assert.Equal(t, "fallback", reopened.Get("api.missing", "fallback"))
}

// TestSecureConfigWrongPassword verifies a wrong password fails to load
// rather than yielding garbage.
func TestSecureConfigWrongPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.enc")

	sc, err := NewSecureConfig(path, "right", nil)
	require.NoError(t, err)
	require.NoError(t, sc.Set("key", "value"))
	require.NoError(t, sc.Save())

	wrong, err := NewSecureConfig(path, "wrong", nil)
	require.NoError(t, err)
	assert.Error(t, wrong.Load())
}

// TestSecureConfigMissingFile verifies loading with no file yields an empty
// store.
func TestSecureConfigMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.enc")

	sc, err := NewSecureConfig(path, "pw", nil)
	require.NoError(t, err)
	require.NoError(t, sc.Load())
	assert.Empty(t, sc.All())
}

// TestSecureConfigDelete verifies delete reports presence and removes the
// key.
func TestSecureConfigDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.enc")

	sc, err := NewSecureConfig(path, "pw", nil)
	require.NoError(t, err)
	require.NoError(t, sc.Set("nested.key", "value"))

	assert.True(t, sc.Delete("nested.key"))
	assert.False(t, sc.Delete("nested.key"))
	assert.Equal(t, "gone", sc.Get("nested.key", "gone"))
}

// TestChangeMasterPassword verifies re-encryption: the new password
// decrypts, the old one no longer does.
func TestChangeMasterPassword(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.enc")

	sc, err := NewSecureConfig(path, "old-password", nil)
	require.NoError(t, err)
	require.NoError(t, sc.Set("key", "value"))
	require.NoError(t, sc.Save())

	require.NoError(t, sc.ChangeMasterPassword("new-password"))

	renewed, err := NewSecureConfig(path, "new-password", nil)
	require.NoError(t, err)
	require.NoError(t, renewed.Load())
	assert.Equal(t, "value", renewed.Get("key", nil))

	stale, err := NewSecureConfig(path, "old-password", nil)
	require.NoError(t, err)
	assert.Error(t, stale.Load())
}

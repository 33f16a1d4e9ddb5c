package security

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/pbkdf2"

	"github.com/lanwarden/lanwarden/pkg/errdefs"
)

// SecureConfig is an encrypted key/value configuration store. Values are
// kept in memory and persisted as a single authenticated-encrypted JSON
// document under a key derived from the master password. Nested keys use
// dot notation ("api.port").
type SecureConfig struct {
	path     string
	saltPath string
	salt     []byte

	mu     sync.Mutex
	aead   cipher.AEAD
	values map[string]any

	logger *logrus.Logger
}

// NewSecureConfig opens (or prepares) an encrypted config store at path,
// deriving its key from masterPassword via PBKDF2. The salt is persisted
// next to the config file so the same password decrypts across restarts.
func NewSecureConfig(path, masterPassword string, logger *logrus.Logger) (*SecureConfig, error) {
	if logger == nil {
		logger = logrus.New()
	}

	sc := &SecureConfig{
		path:     path,
		saltPath: path + ".salt",
		values:   make(map[string]any),
		logger:   logger,
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, &errdefs.CryptoError{Op: "initialize secure config", Cause: err}
	}

	salt, err := os.ReadFile(sc.saltPath)
	if os.IsNotExist(err) {
		salt = make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return nil, &errdefs.CryptoError{Op: "generate salt", Cause: err}
		}
		if err := os.WriteFile(sc.saltPath, salt, 0o600); err != nil {
			return nil, &errdefs.CryptoError{Op: "persist salt", Cause: err}
		}
	} else if err != nil {
		return nil, &errdefs.CryptoError{Op: "load salt", Cause: err}
	}
	sc.salt = salt

	aead, err := newAEAD(deriveKey(masterPassword, salt))
	if err != nil {
		return nil, err
	}
	sc.aead = aead
	return sc, nil
}

func deriveKey(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, kdfIterations, keySize, sha256.New)
}

// Load reads and decrypts the configuration document. A missing file
// yields an empty configuration; a tampered or foreign-key file fails.
func (c *SecureConfig) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		c.values = make(map[string]any)
		return nil
	}
	if err != nil {
		return &errdefs.CryptoError{Op: "load secure config", Cause: err}
	}

	plaintext, err := openToken(c.aead, string(data))
	if err != nil {
		return err
	}
	values := make(map[string]any)
	if err := json.Unmarshal(plaintext, &values); err != nil {
		return &errdefs.CryptoError{Op: "parse secure config", Cause: err}
	}
	c.values = values
	return nil
}

// Save encrypts and persists the configuration document.
func (c *SecureConfig) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked(c.aead)
}

func (c *SecureConfig) saveLocked(aead cipher.AEAD) error {
	plaintext, err := json.Marshal(c.values)
	if err != nil {
		return &errdefs.CryptoError{Op: "encode secure config", Cause: err}
	}
	token, err := sealToken(aead, plaintext)
	if err != nil {
		return err
	}
	if err := os.WriteFile(c.path, []byte(token), 0o600); err != nil {
		return &errdefs.CryptoError{Op: "save secure config", Cause: err}
	}
	return nil
}

// Get returns the value stored under a dot-notation key, or def when the
// key is absent.
func (c *SecureConfig) Get(key string, def any) any {
	c.mu.Lock()
	defer c.mu.Unlock()

	node := any(c.values)
	for _, part := range strings.Split(key, ".") {
		m, ok := node.(map[string]any)
		if !ok {
			return def
		}
		node, ok = m[part]
		if !ok {
			return def
		}
	}
	return node
}

// Set stores a value under a dot-notation key, creating intermediate maps
// as needed.
func (c *SecureConfig) Set(key string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	parts := strings.Split(key, ".")
	node := c.values
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[part] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = value
	return nil
}

// Delete removes a dot-notation key and reports whether it existed.
func (c *SecureConfig) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	parts := strings.Split(key, ".")
	node := c.values
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]any)
		if !ok {
			return false
		}
		node = child
	}
	last := parts[len(parts)-1]
	if _, ok := node[last]; !ok {
		return false
	}
	delete(node, last)
	return true
}

// All returns a shallow copy of the whole configuration.
func (c *SecureConfig) All() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Reset clears the configuration and persists the empty state.
func (c *SecureConfig) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.values = make(map[string]any)
	return c.saveLocked(c.aead)
}

// ChangeMasterPassword re-derives the encryption key from a new password
// (reusing the persisted salt) and re-encrypts the same config domain under
// it. On success the store decrypts only with the new password.
func (c *SecureConfig) ChangeMasterPassword(newPassword string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	aead, err := newAEAD(deriveKey(newPassword, c.salt))
	if err != nil {
		return err
	}
	if err := c.saveLocked(aead); err != nil {
		return err
	}
	c.aead = aead
	c.logger.Info("Master password changed, configuration re-encrypted")
	return nil
}

// String implements fmt.Stringer without leaking values.
func (c *SecureConfig) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fmt.Sprintf("SecureConfig(%s, %d keys)", c.path, len(c.values))
}

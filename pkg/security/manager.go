// Package security is the sole authority for encryption, plugin static
// validation and input sanitization. A Manager owns a persisted key/salt
// store under its config directory together with the plugin hash allow and
// deny lists.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
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

const (
	keyFileName       = "master.key"
	saltFileName      = "salt"
	whitelistFileName = "plugin_whitelist.json"
	blacklistFileName = "plugin_blacklist.json"

	saltSize      = 16
	keySize       = 32
	kdfIterations = 100000
)

// dangerousMarkers is the fixed denylist of substrings scanned for during
// plugin validation: process execution primitives, dynamic code evaluation
// and direct socket/HTTP use.
var dangerousMarkers = []string{
	"os/exec",
	"syscall.Exec",
	"eval(",
	"exec(",
	"net.Dial",
	"net/http",
}

// Manager manages security operations: key derivation, authenticated
// encryption, plugin validation and hash list maintenance.
type Manager struct {
	configDir     string
	keyFile       string
	saltFile      string
	whitelistFile string
	blacklistFile string

	salt []byte
	aead cipher.AEAD

	mu        sync.Mutex
	whitelist map[string]struct{}
	blacklist map[string]struct{}

	logger *logrus.Logger
}

// NewManager initializes a security manager rooted at configDir. On first
// run it generates a random salt and a PBKDF2-derived master key and
// persists both; subsequent runs reuse the persisted key, so the same
// config directory always yields the same decryption capability.
func NewManager(configDir string, logger *logrus.Logger) (*Manager, error) {
	if logger == nil {
		logger = logrus.New()
	}

	m := &Manager{
		configDir:     configDir,
		keyFile:       filepath.Join(configDir, keyFileName),
		saltFile:      filepath.Join(configDir, saltFileName),
		whitelistFile: filepath.Join(configDir, whitelistFileName),
		blacklistFile: filepath.Join(configDir, blacklistFileName),
		whitelist:     make(map[string]struct{}),
		blacklist:     make(map[string]struct{}),
		logger:        logger,
	}

	if err := m.initEncryption(); err != nil {
		return nil, err
	}
	if err := m.loadHashLists(); err != nil {
		return nil, err
	}
	return m, nil
}

// initEncryption loads or bootstraps the salt and master key and builds the
// AEAD cipher. Key derivation is a one-time bootstrap: the derived key is
// persisted and never re-derived on later starts.
func (m *Manager) initEncryption() error {
	if err := os.MkdirAll(m.configDir, 0o700); err != nil {
		return &errdefs.CryptoError{Op: "initialize encryption", Cause: err}
	}

	salt, err := os.ReadFile(m.saltFile)
	if os.IsNotExist(err) {
		salt = make([]byte, saltSize)
		if _, err := rand.Read(salt); err != nil {
			return &errdefs.CryptoError{Op: "generate salt", Cause: err}
		}
		if err := os.WriteFile(m.saltFile, salt, 0o600); err != nil {
			return &errdefs.CryptoError{Op: "persist salt", Cause: err}
		}
	} else if err != nil {
		return &errdefs.CryptoError{Op: "load salt", Cause: err}
	}
	m.salt = salt

	var key []byte
	encoded, err := os.ReadFile(m.keyFile)
	if os.IsNotExist(err) {
		material := make([]byte, keySize)
		if _, err := rand.Read(material); err != nil {
			return &errdefs.CryptoError{Op: "generate key material", Cause: err}
		}
		key = pbkdf2.Key(material, salt, kdfIterations, keySize, sha256.New)
		data := []byte(base64.StdEncoding.EncodeToString(key))
		if err := os.WriteFile(m.keyFile, data, 0o600); err != nil {
			return &errdefs.CryptoError{Op: "persist master key", Cause: err}
		}
		m.logger.Infof("Generated new master key in %s", m.configDir)
	} else if err != nil {
		return &errdefs.CryptoError{Op: "load master key", Cause: err}
	} else {
		key, err = base64.StdEncoding.DecodeString(strings.TrimSpace(string(encoded)))
		if err != nil {
			return &errdefs.CryptoError{Op: "decode master key", Cause: err}
		}
	}

	aead, err := newAEAD(key)
	if err != nil {
		return err
	}
	m.aead = aead
	return nil
}

// newAEAD builds an AES-256-GCM cipher from a raw key.
func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, &errdefs.CryptoError{Op: "initialize cipher", Cause: err}
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, &errdefs.CryptoError{Op: "initialize cipher", Cause: err}
	}
	return aead, nil
}

// Salt returns a copy of the persisted key-derivation salt.
func (m *Manager) Salt() []byte {
	out := make([]byte, len(m.salt))
	copy(out, m.salt)
	return out
}

// Encrypt encrypts data under the master key using authenticated
// encryption. Strings and byte slices are encrypted as-is; any other value
// is canonically JSON-serialized first. The result is a base64 token.
func (m *Manager) Encrypt(data any) (string, error) {
	var plaintext []byte
	switch v := data.(type) {
	case string:
		plaintext = []byte(v)
	case []byte:
		plaintext = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return "", &errdefs.CryptoError{Op: "encrypt data", Cause: err}
		}
		plaintext = encoded
	}
	return sealToken(m.aead, plaintext)
}

// Decrypt reverses Encrypt. If the plaintext parses as a JSON object the
// structured mapping is restored; otherwise the text is returned. Tampered
// or foreign-key ciphertext fails with a CryptoError, never silently
// returning garbage.
func (m *Manager) Decrypt(token string) (any, error) {
	plaintext, err := openToken(m.aead, token)
	if err != nil {
		return nil, err
	}

	var mapped map[string]any
	if json.Unmarshal(plaintext, &mapped) == nil {
		return mapped, nil
	}
	return string(plaintext), nil
}

// EncryptString encrypts a single string field, returning a base64 token.
func (m *Manager) EncryptString(value string) (string, error) {
	return sealToken(m.aead, []byte(value))
}

// DecryptString decrypts a token produced by EncryptString.
func (m *Manager) DecryptString(token string) (string, error) {
	plaintext, err := openToken(m.aead, token)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// sealToken encrypts plaintext with a fresh nonce and encodes
// nonce||ciphertext as base64.
func sealToken(aead cipher.AEAD, plaintext []byte) (string, error) {
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", &errdefs.CryptoError{Op: "encrypt data", Cause: err}
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// openToken decodes and authenticates a token produced by sealToken.
func openToken(aead cipher.AEAD, token string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return nil, &errdefs.CryptoError{Op: "decrypt data", Cause: err}
	}
	if len(raw) < aead.NonceSize() {
		return nil, &errdefs.CryptoError{Op: "decrypt data", Cause: fmt.Errorf("ciphertext too short")}
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, &errdefs.CryptoError{Op: "decrypt data", Cause: err}
	}
	return plaintext, nil
}

// ValidatePlugin validates a plugin file's integrity and safety. It scans
// the file bytes for dangerous markers, then checks the SHA-256 digest
// against the blacklist and, when a whitelist exists, against the
// whitelist. Blacklist membership always wins. The file is never modified.
func (m *Manager) ValidatePlugin(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return &errdefs.ValidationError{Subject: path, Reason: fmt.Sprintf("plugin file not readable: %v", err)}
	}

	text := string(content)
	for _, marker := range dangerousMarkers {
		if strings.Contains(text, marker) {
			return &errdefs.ValidationError{
				Subject: path,
				Reason:  fmt.Sprintf("plugin contains potentially dangerous code: %s", marker),
			}
		}
	}

	digest := hex.EncodeToString(sha256Sum(content))

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, denied := m.blacklist[digest]; denied {
		return &errdefs.ValidationError{Subject: path, Reason: fmt.Sprintf("plugin hash %s is blacklisted", digest)}
	}
	if len(m.whitelist) > 0 {
		if _, allowed := m.whitelist[digest]; !allowed {
			return &errdefs.ValidationError{Subject: path, Reason: fmt.Sprintf("plugin hash %s not in whitelist", digest)}
		}
	}
	return nil
}

// FileHash returns the hex-encoded SHA-256 digest of a file's bytes.
func FileHash(path string) (string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to hash %s: %v", path, err)
	}
	return hex.EncodeToString(sha256Sum(content)), nil
}

func sha256Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// SanitizeInput recursively strips shell/HTML metacharacters from strings,
// descending into map keys, map values and slices. Other types pass
// through unchanged. This is a best-effort filter, not a parser, and is no
// substitute for ValidatePlugin's hash-based trust decision.
func (m *Manager) SanitizeInput(data any) any {
	switch v := data.(type) {
	case string:
		return sanitizeString(v)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, value := range v {
			out[sanitizeString(key)] = m.SanitizeInput(value)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = m.SanitizeInput(item)
		}
		return out
	default:
		return data
	}
}

var inputSanitizer = strings.NewReplacer("<", "", ">", "", ";", "", "&", "", "|", "", "`", "")

func sanitizeString(s string) string {
	return inputSanitizer.Replace(s)
}

// VerifySignature verifies an HMAC-SHA256 signature in constant time.
// Malformed input (empty data, signature or key) is an error rather than a
// false result.
func (m *Manager) VerifySignature(data, signature, key []byte) (bool, error) {
	if len(key) == 0 || len(signature) == 0 || data == nil {
		return false, &errdefs.CryptoError{Op: "verify signature", Cause: fmt.Errorf("malformed input")}
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	expected := mac.Sum(nil)
	return subtle.ConstantTimeCompare(expected, signature) == 1, nil
}

// loadHashLists reads the persisted whitelist and blacklist, if present.
func (m *Manager) loadHashLists() error {
	whitelist, err := readHashList(m.whitelistFile)
	if err != nil {
		return err
	}
	blacklist, err := readHashList(m.blacklistFile)
	if err != nil {
		return err
	}
	m.whitelist = whitelist
	m.blacklist = blacklist
	return nil
}

// hashListFile is the on-disk schema for both hash lists.
type hashListFile struct {
	Hashes []string `json:"hashes"`
}

func readHashList(path string) (map[string]struct{}, error) {
	set := make(map[string]struct{})
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return set, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load hash list %s: %v", path, err)
	}
	var parsed hashListFile
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse hash list %s: %v", path, err)
	}
	for _, h := range parsed.Hashes {
		set[h] = struct{}{}
	}
	return set, nil
}

func writeHashList(path string, set map[string]struct{}) error {
	hashes := make([]string, 0, len(set))
	for h := range set {
		hashes = append(hashes, h)
	}
	data, err := json.MarshalIndent(hashListFile{Hashes: hashes}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode hash list %s: %v", path, err)
	}
	return os.WriteFile(path, data, 0o600)
}

// AddToWhitelist adds a plugin hash to the whitelist and persists the
// updated set immediately. In-memory state is only updated after the write
// succeeds, so memory and disk never diverge after a successful call.
func (m *Manager) AddToWhitelist(pluginHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return addToList(m.whitelistFile, m.whitelist, pluginHash)
}

// AddToBlacklist adds a plugin hash to the blacklist and persists the
// updated set immediately.
func (m *Manager) AddToBlacklist(pluginHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return addToList(m.blacklistFile, m.blacklist, pluginHash)
}

func addToList(path string, set map[string]struct{}, hash string) error {
	updated := make(map[string]struct{}, len(set)+1)
	for h := range set {
		updated[h] = struct{}{}
	}
	updated[hash] = struct{}{}
	if err := writeHashList(path, updated); err != nil {
		return err
	}
	set[hash] = struct{}{}
	return nil
}

// Package secrets provides at-rest encryption for panel credentials and
// the key material management backing it. Keys live in a private
// directory under the user's home and are derived once per install.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultDirName is created under the user's home directory.
	DefaultDirName = ".marzban_manager"

	saltFile   = ".salt"
	masterFile = ".master"
	keyFile    = ".security_key"

	saltLen   = 16
	keyLen    = 32
	kdfRounds = 100000
	masterLen = 32
)

// Manager encrypts and decrypts short secrets with AES-256-GCM. The key
// is derived from a generated master passphrase on first use and reused
// from disk afterwards.
type Manager struct {
	dir  string
	aead cipher.AEAD
}

// NewManager initializes the key material under dir, creating salt,
// master passphrase, and derived key on first run. An empty dir selects
// DefaultDirName under the user's home directory.
func NewManager(dir string) (*Manager, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		dir = filepath.Join(home, DefaultDirName)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create secrets dir %s: %w", dir, err)
	}
	if err := os.Chmod(dir, 0o700); err != nil {
		return nil, fmt.Errorf("chmod secrets dir %s: %w", dir, err)
	}

	salt, err := loadOrCreate(filepath.Join(dir, saltFile), saltLen)
	if err != nil {
		return nil, fmt.Errorf("initialize salt: %w", err)
	}
	key, err := loadOrDeriveKey(dir, salt)
	if err != nil {
		return nil, fmt.Errorf("initialize key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Manager{dir: dir, aead: aead}, nil
}

// Dir returns the directory holding the key material.
func (m *Manager) Dir() string { return m.dir }

// Encrypt seals plain with a fresh nonce prepended and returns the
// result base64url-encoded. The empty string encrypts to itself.
func (m *Manager) Encrypt(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	nonce := make([]byte, m.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := m.aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. The empty string decrypts to itself.
func (m *Manager) Decrypt(enc string) (string, error) {
	if enc == "" {
		return "", nil
	}
	sealed, err := base64.URLEncoding.DecodeString(enc)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	ns := m.aead.NonceSize()
	if len(sealed) < ns {
		return "", errors.New("ciphertext too short")
	}
	plain, err := m.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

func loadOrCreate(path string, n int) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	b = make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return nil, err
	}
	return b, nil
}

func loadOrDeriveKey(dir string, salt []byte) ([]byte, error) {
	path := filepath.Join(dir, keyFile)
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != keyLen {
			return nil, fmt.Errorf("stored key has %d bytes, want %d", len(key), keyLen)
		}
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	master, err := loadOrGenerateMaster(dir)
	if err != nil {
		return nil, err
	}
	if IsWeakPassphrase(master) {
		log.Printf("[secrets] master passphrase in %s scores as weak, consider replacing it", dir)
	}
	key = pbkdf2.Key([]byte(master), salt, kdfRounds, keyLen, sha256.New)
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, err
	}
	log.Printf("[secrets] new encryption key generated in %s", dir)
	return key, nil
}

// loadOrGenerateMaster prefers an operator-seeded passphrase file and
// falls back to a generated one on first run.
func loadOrGenerateMaster(dir string) (string, error) {
	path := filepath.Join(dir, masterFile)
	b, err := os.ReadFile(path)
	if err == nil {
		return strings.TrimSpace(string(b)), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	raw := make([]byte, masterLen)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	master := base64.RawURLEncoding.EncodeToString(raw)
	if err := os.WriteFile(path, []byte(master), 0o600); err != nil {
		return "", err
	}
	return master, nil
}

package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Cipher seals and opens sensitive configuration values.
type Cipher interface {
	Encrypt(plain string) (string, error)
	Decrypt(enc string) (string, error)
}

const encryptedPrefix = "encrypted:"

// sensitivePaths lists dotted document keys whose values are encrypted
// at rest.
var sensitivePaths = []string{
	"marzban.password",
	"telegram.bot_token",
	"telegram.chat_id",
	"database.password",
	"api.secret_key",
}

// Store reads and writes the configuration document, transparently
// encrypting sensitive values on disk.
type Store struct {
	path   string
	cipher Cipher
}

// NewStore returns a Store for the document at path.
func NewStore(path string, cipher Cipher) *Store {
	return &Store{path: path, cipher: cipher}
}

// Path returns the document location.
func (s *Store) Path() string { return s.path }

// Load reads the document, decrypts sensitive values, applies
// environment overrides, and validates the result. A missing file
// yields the defaults plus environment overrides.
func (s *Store) Load() (*Config, error) {
	cfg := NewDefault()

	b, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		// First run: the document comes from defaults and environment.
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", s.path, err)
	default:
		var raw map[string]any
		if err := yaml.Unmarshal(b, &raw); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", s.path, err)
		}
		if raw != nil {
			decryptSensitive(raw, s.cipher)
			plain, err := yaml.Marshal(raw)
			if err != nil {
				return nil, fmt.Errorf("re-encode config: %w", err)
			}
			if err := yaml.Unmarshal(plain, cfg); err != nil {
				return nil, fmt.Errorf("decode config %s: %w", s.path, err)
			}
		}
	}

	var errs []string
	applyEnvOverrides(cfg, &errs)
	validateDocument(cfg, &errs)
	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	cfg.Marzban.BaseURL = strings.TrimRight(cfg.Marzban.BaseURL, "/")
	return cfg, nil
}

// Save writes the document with sensitive values encrypted, keeping the
// previous file as a .bak backup.
func (s *Store) Save(cfg *Config) error {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	var raw map[string]any
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("re-decode config: %w", err)
	}
	if err := encryptSensitive(raw, s.cipher); err != nil {
		return err
	}
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if _, err := os.Stat(s.path); err == nil {
		backup := strings.TrimSuffix(s.path, filepath.Ext(s.path)) + ".bak"
		if err := os.Rename(s.path, backup); err != nil {
			return fmt.Errorf("back up config: %w", err)
		}
	}
	if err := os.WriteFile(s.path, out, 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", s.path, err)
	}
	return nil
}

// UpdatePanelConfig sets the panel connection fields and persists the
// document.
func (s *Store) UpdatePanelConfig(baseURL, username, password string) (*Config, error) {
	cfg, err := s.Load()
	if err != nil {
		return nil, err
	}
	cfg.Marzban.BaseURL = strings.TrimRight(baseURL, "/")
	cfg.Marzban.Username = username
	cfg.Marzban.Password = password
	if err := s.Save(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func encryptSensitive(m map[string]any, cipher Cipher) error {
	for _, path := range sensitivePaths {
		v, ok := getPath(m, path)
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok || s == "" {
			continue
		}
		enc, err := cipher.Encrypt(s)
		if err != nil {
			return fmt.Errorf("encrypt %s: %w", path, err)
		}
		setPath(m, path, encryptedPrefix+enc)
	}
	return nil
}

func decryptSensitive(m map[string]any, cipher Cipher) {
	for _, path := range sensitivePaths {
		v, ok := getPath(m, path)
		if !ok {
			continue
		}
		s, ok := v.(string)
		if !ok || !strings.HasPrefix(s, encryptedPrefix) {
			continue
		}
		plain, err := cipher.Decrypt(strings.TrimPrefix(s, encryptedPrefix))
		if err != nil {
			// Leave the value as-is so a bad key does not destroy it.
			log.Printf("[config] failed to decrypt %s: %v", path, err)
			continue
		}
		setPath(m, path, plain)
	}
}

func getPath(m map[string]any, path string) (any, bool) {
	keys := strings.Split(path, ".")
	cur := any(m)
	for i, k := range keys {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := mm[k]
		if !ok {
			return nil, false
		}
		if i == len(keys)-1 {
			return v, true
		}
		cur = v
	}
	return nil, false
}

func setPath(m map[string]any, path string, v any) {
	keys := strings.Split(path, ".")
	cur := m
	for _, k := range keys[:len(keys)-1] {
		next, ok := cur[k].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[k] = next
		}
		cur = next
	}
	cur[keys[len(keys)-1]] = v
}

package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const passwordSaltLen = 32

// HashPassword derives a PBKDF2 hash with a fresh salt prepended and
// returns it base64-encoded.
func HashPassword(password string) (string, error) {
	salt := make([]byte, passwordSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	h := pbkdf2.Key([]byte(password), salt, kdfRounds, keyLen, sha256.New)
	return base64.StdEncoding.EncodeToString(append(salt, h...)), nil
}

// VerifyPassword reports whether password matches a HashPassword result.
// Malformed hashes verify as false.
func VerifyPassword(password, hashed string) bool {
	decoded, err := base64.StdEncoding.DecodeString(hashed)
	if err != nil || len(decoded) <= passwordSaltLen {
		return false
	}
	salt, stored := decoded[:passwordSaltLen], decoded[passwordSaltLen:]
	h := pbkdf2.Key([]byte(password), salt, kdfRounds, keyLen, sha256.New)
	return subtle.ConstantTimeCompare(h, stored) == 1
}

// GenerateToken returns a base64url token built from n random bytes.
func GenerateToken(n int) (string, error) {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Mask hides the middle of a secret for log output, keeping at most
// visible characters on each end. Short values are fully masked.
func Mask(data string, visible int) string {
	if data == "" {
		return ""
	}
	if visible < 0 {
		visible = 0
	}
	if len(data) <= visible*2 {
		return strings.Repeat("*", len(data))
	}
	return data[:visible] + strings.Repeat("*", len(data)-visible*2) + data[len(data)-visible:]
}

// SecureDelete overwrites path with random data three times before
// removing it. A missing file is not an error.
func SecureDelete(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	buf := make([]byte, info.Size())
	for pass := 0; pass < 3; pass++ {
		if _, err := rand.Read(buf); err != nil {
			f.Close()
			return fmt.Errorf("overwrite %s: %w", path, err)
		}
		if _, err := f.WriteAt(buf, 0); err != nil {
			f.Close()
			return fmt.Errorf("overwrite %s: %w", path, err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("sync %s: %w", path, err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return os.Remove(path)
}

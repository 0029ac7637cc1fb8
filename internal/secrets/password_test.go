package secrets

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHashPassword_VerifyRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if !VerifyPassword("correct horse battery staple", hash) {
		t.Fatal("correct password should verify")
	}
	if VerifyPassword("wrong password", hash) {
		t.Fatal("wrong password should not verify")
	}
}

func TestHashPassword_SaltedPerCall(t *testing.T) {
	h1, err := HashPassword("same input")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	h2, err := HashPassword("same input")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if h1 == h2 {
		t.Fatal("hashes of the same password should differ by salt")
	}
	if !VerifyPassword("same input", h1) || !VerifyPassword("same input", h2) {
		t.Fatal("both salted hashes should verify")
	}
}

func TestVerifyPassword_MalformedHash(t *testing.T) {
	for _, hashed := range []string{"", "not base64!!", "QUJD"} {
		if VerifyPassword("anything", hashed) {
			t.Fatalf("VerifyPassword(%q) = true, want false", hashed)
		}
	}
}

func TestGenerateToken(t *testing.T) {
	a, err := GenerateToken(32)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	b, err := GenerateToken(32)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if a == b {
		t.Fatal("tokens should be unique")
	}
	if len(a) < 40 {
		t.Fatalf("token too short: %d chars", len(a))
	}
}

func TestMask(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		visible int
		want    string
	}{
		{name: "empty", data: "", visible: 4, want: ""},
		{name: "short_fully_masked", data: "secret", visible: 4, want: "******"},
		{name: "boundary_fully_masked", data: "12345678", visible: 4, want: "********"},
		{name: "long_keeps_ends", data: "abcdefghijkl", visible: 4, want: "abcd****ijkl"},
		{name: "visible_one", data: "password", visible: 1, want: "p******d"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Mask(tt.data, tt.visible); got != tt.want {
				t.Fatalf("Mask(%q, %d) = %q, want %q", tt.data, tt.visible, got, tt.want)
			}
		})
	}
}

func TestSecureDelete(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials")
	if err := os.WriteFile(path, []byte("top secret"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := SecureDelete(path); err != nil {
		t.Fatalf("SecureDelete: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("file should be gone, stat err = %v", err)
	}
}

func TestSecureDelete_MissingFile(t *testing.T) {
	if err := SecureDelete(filepath.Join(t.TempDir(), "absent")); err != nil {
		t.Fatalf("SecureDelete on missing file = %v, want nil", err)
	}
}

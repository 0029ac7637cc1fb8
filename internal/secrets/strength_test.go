package secrets

import "testing"

func TestIsWeakPassphrase(t *testing.T) {
	tests := []struct {
		name       string
		passphrase string
		weak       bool
	}{
		{name: "empty", passphrase: "", weak: false},
		{name: "common_password", passphrase: "password", weak: true},
		{name: "all_same", passphrase: "aaaaaaaaaaaa", weak: true},
		{name: "simple_sequence", passphrase: "1234567890", weak: true},
		{name: "long_random", passphrase: "a9f73d18e5249b6a35f7419d11c603e2", weak: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsWeakPassphrase(tt.passphrase)
			if got != tt.weak {
				t.Fatalf("IsWeakPassphrase(%q) = %v, want %v", tt.passphrase, got, tt.weak)
			}
		})
	}
}

func TestGeneratedMasterIsStrong(t *testing.T) {
	token, err := GenerateToken(32)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if IsWeakPassphrase(token) {
		t.Fatalf("generated passphrase %q should not be weak", token)
	}
}

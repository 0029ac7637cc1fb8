package secrets

import zxcvbn "github.com/ccojocar/zxcvbn-go"

const weakPassphraseScoreThreshold = 3

// IsWeakPassphrase returns whether passphrase strength is considered weak.
// An empty passphrase never reaches key derivation, so it is not scored.
func IsWeakPassphrase(passphrase string) bool {
	if passphrase == "" {
		return false
	}
	result := zxcvbn.PasswordStrength(passphrase, nil)
	return result.Score < weakPassphraseScoreThreshold
}

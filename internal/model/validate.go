package model

import (
	"net/netip"
	"regexp"
)

var nodeNameRe = regexp.MustCompile(`^[a-zA-Z0-9\s\-_]+$`)

// IsValidIP reports whether s parses as an IPv4 or IPv6 address.
func IsValidIP(s string) bool {
	_, err := netip.ParseAddr(s)
	return err == nil
}

// IsValidPort reports whether p is a usable TCP port.
func IsValidPort(p int) bool {
	return p >= 1 && p <= 65535
}

// ValidateNodeName reports whether name is 2 to 50 characters of
// letters, digits, spaces, hyphens, and underscores.
func ValidateNodeName(name string) bool {
	if len(name) < 2 || len(name) > 50 {
		return false
	}
	return nodeNameRe.MatchString(name)
}

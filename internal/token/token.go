// Package token keeps one bearer token per upstream service and renews
// it ahead of expiry through a caller-supplied refresh callback.
package token

import (
	"time"

	"github.com/go-jose/go-jose/v3/jwt"
)

// DefaultRefreshThreshold is how long before expiry a token becomes due
// for renewal.
const DefaultRefreshThreshold = 5 * time.Minute

// fallbackLifetime is assumed when a token carries no usable exp claim.
const fallbackLifetime = 24 * time.Hour

// Info describes a stored token and its renewal window.
type Info struct {
	Token            string
	IssuedAt         time.Time
	ExpiresAt        time.Time
	RefreshThreshold time.Duration
}

// Expired reports whether the token is past its expiry.
func (i Info) Expired(now time.Time) bool {
	return !now.Before(i.ExpiresAt)
}

// NeedsRefresh reports whether the token is inside the renewal window.
func (i Info) NeedsRefresh(now time.Time) bool {
	return !now.Before(i.ExpiresAt.Add(-i.RefreshThreshold))
}

// newInfo reads exp and iat from the JWT without verifying its
// signature; the panel is the authority, the store only schedules.
// Opaque or claimless tokens assume a 24 h lifetime.
func newInfo(raw string, threshold time.Duration, now time.Time) Info {
	info := Info{
		Token:            raw,
		IssuedAt:         now,
		ExpiresAt:        now.Add(fallbackLifetime),
		RefreshThreshold: threshold,
	}
	parsed, err := jwt.ParseSigned(raw)
	if err != nil {
		return info
	}
	var claims jwt.Claims
	if err := parsed.UnsafeClaimsWithoutVerification(&claims); err != nil {
		return info
	}
	if claims.IssuedAt != nil {
		info.IssuedAt = claims.IssuedAt.Time()
	}
	if claims.Expiry != nil {
		info.ExpiresAt = claims.Expiry.Time()
	}
	return info
}

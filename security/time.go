package security

import "time"

// IsExpired reports whether expiresAt has been reached at now.
// A record is valid strictly before its expiry; there is no grace period.
// A zero expiresAt never expires.
func IsExpired(now, expiresAt time.Time) bool {
	if expiresAt.IsZero() {
		return false
	}
	return !now.Before(expiresAt)
}

// IsValidAt reports whether an active record with the given expiry is usable at now.
func IsValidAt(active bool, now, expiresAt time.Time) bool {
	return active && !IsExpired(now, expiresAt)
}

// ExpiresInSeconds returns the whole seconds remaining until expiresAt, floored at zero.
func ExpiresInSeconds(now, expiresAt time.Time) int64 {
	d := expiresAt.Sub(now)
	if d <= 0 {
		return 0
	}
	return int64(d / time.Second)
}

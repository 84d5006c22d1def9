package util

import (
	"strings"

	"github.com/google/uuid"
)

// SafeTruncate safely truncates a string to maxLen bytes without panicking.
// Returns the original string if it's shorter than maxLen, otherwise returns
// the first maxLen bytes. Used when logging prefixes of credentials.
//
// If maxLen is negative, it's treated as 0 and returns an empty string.
//
// Example:
//
//	SafeTruncate("very-long-token-abc123", 8) // Returns: "very-lon"
//	SafeTruncate("short", 10)                  // Returns: "short"
//	SafeTruncate("test", -1)                   // Returns: ""
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// GenerateID returns an opaque identifier made of two random UUIDs in hex
// form followed by ":" and the given suffix, e.g. "<64 hex chars>:ci".
// The suffix tags the kind of identifier so that a leaked value is easy to classify.
func GenerateID(suffix string) string {
	a := uuid.New()
	b := uuid.New()
	return strings.ReplaceAll(a.String(), "-", "") + strings.ReplaceAll(b.String(), "-", "") + ":" + suffix
}

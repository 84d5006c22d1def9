package util

import (
	"slices"
	"strings"
)

// ParseScopes splits a space-delimited scope string into a sorted set.
// Empty entries and duplicates are dropped. An empty input yields nil.
func ParseScopes(scope string) []string {
	return NormalizeScopes(strings.Fields(scope))
}

// NormalizeScopes returns a sorted copy of scopes with duplicates and
// empty values removed.
func NormalizeScopes(scopes []string) []string {
	if len(scopes) == 0 {
		return nil
	}
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s != "" {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

// JoinScopes renders a scope set as a space-delimited string.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// IsSubset reports whether every element of subset is present in set.
// The empty set is a subset of everything.
func IsSubset(subset, set []string) bool {
	for _, s := range subset {
		if !slices.Contains(set, s) {
			return false
		}
	}
	return true
}

// Without returns a copy of scopes with every occurrence of value removed.
func Without(scopes []string, value string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s != value {
			out = append(out, s)
		}
	}
	return out
}

// Package util provides small helpers shared across the ptero-auth packages.
//
// Key utilities:
//   - SafeTruncate: Safely truncates strings for logging sensitive data
//   - GenerateID: Builds opaque, suffix-tagged identifiers for clients, keys and subjects
//   - ParseScopes / JoinScopes: Convert between scope strings and normalized scope sets
package util

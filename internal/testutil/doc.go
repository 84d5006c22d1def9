// Package testutil provides testing utilities and fixtures for the ptero-auth
// module. It includes builders for clients and grants, RSA key material, and
// a mock time source for deterministic expiry tests.
package testutil

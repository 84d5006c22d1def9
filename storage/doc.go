// Package storage defines the persistence contract of the authorization engine.
//
// The engine needs only CRUD operations plus two kinds of race-free mutation:
//   - unique-constraint inserts (client identifiers, scope audience claims, user names)
//   - compare-and-swap on active flags (authorization code redemption, token deactivation)
//
// Interfaces:
//   - ClientStore: Confidential client registrations and their scope audience claims
//   - ScopeStore: The scope catalog and the scope -> audience lookup table
//   - GrantStore: Grants and single-use authorization code redemption
//   - TokenStore: Access and refresh tokens
//   - UserStore: Resource owners and their API keys
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/sqlite: SQLite storage with embedded schema migrations
package storage

// Package valkey provides a Valkey storage backend for the authorization engine.
//
// Valkey is a key-value store that is wire-compatible with Redis. Several
// engine instances can share one Valkey server, which makes this backend the
// choice for horizontally scaled deployments.
//
// # Key Schema
//
// All keys use a configurable prefix (default "ptero:") to avoid conflicts with
// other applications sharing the same Valkey instance:
//
//	{prefix}client:{clientID}         -> HASH data, active, deactivated_by, deactivated_at
//	{prefix}clients                   -> SET of client IDs
//	{prefix}scopes                    -> HASH scope -> audience client ID ("" when unclaimed)
//	{prefix}grant:{grantID}           -> HASH data, active, client_id, redirect_uri, expires, deactivated_at
//	{prefix}code:{code}               -> grantID
//	{prefix}access:{token}            -> HASH data, active, deactivated_at (with TTL)
//	{prefix}refresh:{token}           -> HASH data, active, deactivated_at (with TTL)
//	{prefix}refresh:grant:{grantID}   -> refresh token (with TTL)
//	{prefix}user:{name}               -> HASH subject, created_at
//	{prefix}subject:{subject}         -> user name
//	{prefix}apikey:{digest}           -> HASH user, active, created_at, usage_count, last_used
//	{prefix}stats:{grants,tokens}     -> write counters for the storage size gauges
//
// # Atomic Operations
//
// Each compare-and-swap the engine relies on runs as one Lua script:
//
//   - client registration together with its scope audience claims
//   - authorization code redemption
//   - client and token deactivation
//   - unique inserts of grants, tokens, users and API keys
//
// Immutable record fields are stored as one JSON value that the scripts never
// decode; the fields the scripts compare live next to it as plain hash fields.
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "valkey.example.com:6379",
//	    Password:  os.Getenv("VALKEY_PASSWORD"),
//	    TLS:       &tls.Config{MinVersion: tls.VersionTLS12},
//	    KeyPrefix: "ptero:",
//	})
//
// Tokens are evicted by Valkey once they are TokenRetention past their expiry.
// Grants, clients and users are never evicted.
package valkey

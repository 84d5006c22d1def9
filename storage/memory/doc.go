// Package memory provides an in-memory implementation of the storage interfaces.
//
// All state lives in maps guarded by a single sync.RWMutex. Every
// compare-and-swap required by the engine (authorization code redemption,
// token deactivation, audience claims) is performed under the write lock, so
// concurrent callers observe exactly one winner.
//
// The store is suitable for development, tests and single-instance
// deployments. Use storage/sqlite when state must survive restarts.
//
// Example usage:
//
//	store := memory.New()
//	srv, err := server.New(store, identityProvider, signer, &server.Config{}, logger)
package memory

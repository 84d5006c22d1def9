// Package sqlite provides a durable storage.Store backed by SQLite.
//
// The schema is managed with golang-migrate using migrations embedded in the
// binary. The database handle is limited to a single open connection, which
// serializes writers; every compare-and-swap is additionally expressed as a
// conditional UPDATE on the active flag and verified through RowsAffected.
//
// Example usage:
//
//	store, err := sqlite.Open(ctx, sqlite.Config{Path: "/var/lib/ptero-auth/ptero.db"})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
package sqlite

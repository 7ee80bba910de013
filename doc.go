// Package sqlstash maps Go containers onto SQLite tables.
//
// The package provides three store flavors, each generic over the caller's
// key/value types:
//
//   - KeySet: a persistent set of unique keys
//   - KeyValue: a persistent key → value map
//   - KeyMultiValue: a persistent key → many-values relation with an explicit
//     repetition count per (key, value) pair
//
// Every store synchronizes with in-memory collections through two bulk
// operations: Append (union-only, never deletes) and Reconcile (after which
// the persisted content equals the supplied collection exactly, deletions
// included). Reconcile stages the collection into session-scoped temporary
// tables, purges rows absent from staging, and merges staging into the main
// tables, so a failure at any step rolls back to the pre-call state.
//
// # Durability and concurrency
//
// All durability is delegated to SQLite's transaction model. A Session owns
// one database connection and the stores attached to it; a session mutex
// serializes all store operations against the connection, and
// multi-statement mutations run inside a transaction in one of three modes
// (Deferred, Immediate, Exclusive) that differ only in when the write lock is
// acquired. SQLITE_BUSY is retried internally with a fixed backoff; retries
// honor context cancellation.
//
// # Column mapping
//
// Key and value types are classified once per store instantiation: integer
// kinds map to INTEGER columns, floats to REAL, strings to TEXT, byte slices
// to BLOB, and any other fixed-layout type to BLOB via its encoding/binary
// byte image. Extraction of a fixed-layout value validates that the stored
// blob length equals the type's encoded size exactly.
package sqlstash

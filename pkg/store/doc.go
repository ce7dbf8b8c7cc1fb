// Package store provides reactive record stores, in memory or backed by
// SQLite, that consumers can read directly next to the producers they resolve
// from a scope.
//
// Records carry storage-owned metadata (ETag, timestamps) used for
// optimistic concurrency. Watch turns a Query into a live feed: the current
// result is delivered immediately and again after every mutation. Slow
// readers only ever see the latest result; intermediate ones are dropped.
//
// Queries are Go predicates, so SQLiteStore loads a collection and filters it
// in process. It suits local state, not large tables.
package store

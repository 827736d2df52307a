// Package cache models the named Request→Response tiers the offline runtime
// owns. A Storage lists, opens and deletes tiers by name; each Cache matches
// requests by URL (optionally ignoring the query), method and Vary headers.
// Two backends are provided: an in-memory storage used by tests and the
// browser-parity host, and a disk storage that persists entries under
// StoragePath/<tier>/ with temp file + rename writes and optional zstd bodies.
package cache

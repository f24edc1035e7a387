package storage

// Package storage provides the durable key-value layer every cache
// persists through.
//
// Keys are namespaced strings ("offers.state", "tracking.queue", ...).
// Values are opaque byte blobs owned by the caller. Writes are durable
// across process restarts; there is no multi-key atomicity, so callers
// must keep each value self-consistent on its own.

// Package conveyor provides an embeddable background job processing engine
// for Go. Handlers are registered by name, jobs are submitted with one of
// four priority levels, and a fixed worker pool executes them with bounded
// concurrency, per-job timeouts, and automatic retry with lineage tracking.
//
// Conveyor is a library, not a service. Import it, pick a store, register
// handlers as ordinary Go functions, and start the engine:
//
//	cfg := conveyor.DefaultConfig()
//	cfg.Workers = 4
//	cfg.MaxActive = 8
//	eng, err := engine.New(memory.New(), engine.WithConfig(cfg))
//
// # Architecture
//
// The engine composes five parts: a job registry (name → handler), an
// in-memory four-level priority queue holding ready work, a store holding
// every job record (the single source of truth for status queries), a
// worker pool draining the queue, and a scheduler promoting deferred jobs
// into the queue when they come due.
//
// The store is defined abstractly in the job package; the engine never
// depends on whether it is backed by memory, Redis, PostgreSQL, or MongoDB.
//
// All entity IDs are TypeIDs — type-prefixed, K-sortable, URL-safe.
package conveyor

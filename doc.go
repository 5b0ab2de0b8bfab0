// Package streambus is a small topic-based publish/consume layer with
// durable consumer-group offsets and per-tenant rate limiting. It reads the
// target backend (in-memory or SQLite) from Config, builds it from the
// backend registry, and exposes Producer and Consumer handles with explicit
// offset commit.
//
// A minimal setup involves filling Config, calling New, creating a producer
// and a consumer, and committing offsets after processing; see the examples
// directory for copy/paste snippets.
//
// # Backends
//
// Streambus supports 2 backends out of the box:
//   - memory: In-process log with push-style consumer wake-up, for tests
//     and single-process deployments
//   - sqlite: Embedded persistent log with durable committed offsets,
//     surviving process restarts
//
// Custom backends can be plugged in via RegisterBackend. Capabilities
// describes what each backend supports (durability, wake-up vs. polling) so
// callers can introspect before building.
//
// # Consumer groups
//
// Every consumer belongs to a group. A consumer's cursor starts at the
// group's last committed offset, advances locally as messages are read, and
// becomes durable only on Commit. Independent groups read the same topic at
// their own pace.
//
// # Rate limiting
//
// The ratelimit package provides per-tenant token buckets, either purely
// in-process or shared across processes through Redis. NewLimiter wires a
// limiter from the same Config, including per-tenant overrides and the
// cardinality ceilings that keep memory and metrics bounded.
//
// # Envelope codec
//
// Backends treat payloads as opaque bytes. The codec package offers a
// versioned JSON envelope with ULID message IDs for callers that want a
// structured payload contract without inventing their own.
package streambus

// Package backend defines the core interfaces and types for streambus
// backends. Each backend implementation (memory, sqlite) lives in its own
// sub-package and registers itself with the backend registry.
package backend

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
)

// Message is a single entry of a topic log. Offsets are zero-based, dense,
// and strictly increasing within a topic; they are assigned by the backend
// at append time.
type Message struct {
	Topic     string
	Offset    int64
	Timestamp time.Time
	Payload   []byte
}

// Backend creates producers and consumers scoped to a topic. Implementations
// must be safe for concurrent use by multiple goroutines.
type Backend interface {
	// CreateProducer returns a producer for the topic. Fails with ErrClosed
	// after Close.
	CreateProducer(topic string) (Producer, error)

	// CreateConsumer returns a consumer for the (topic, group) pair, starting
	// at the group's last committed offset, or 0 if the group has never
	// committed. Fails with ErrClosed after Close.
	CreateConsumer(topic, groupID string) (Consumer, error)

	// HealthCheck reports whether the backend can serve requests.
	HealthCheck(ctx context.Context) error

	// Close shuts the backend down. It is idempotent. In-flight operations
	// may complete or fail with ErrClosed, but must not corrupt the log.
	Close() error
}

// Producer appends messages to a single topic.
type Producer interface {
	// Send appends the payload at the next free offset and returns the
	// offset it was assigned. Safe to call concurrently from multiple
	// producers on the same topic; the backend's serialization point keeps
	// the assigned offsets dense and duplicate-free.
	Send(ctx context.Context, payload []byte) (int64, error)

	// Flush blocks until buffered writes are durable. Backends that commit
	// writes synchronously return immediately.
	Flush(ctx context.Context) error
}

// Consumer reads a topic forward from a group-scoped cursor.
//
// The cursor is local to the consumer instance and only becomes the group's
// committed offset on Commit. When several consumers of the same group commit
// concurrently, the last write wins; no merging is attempted.
type Consumer interface {
	// Next blocks until a message exists at the cursor, returns it, and
	// advances the cursor by one. It returns ErrClosed only when the backend
	// has been permanently closed, never on a transient "no data yet"
	// condition. Cancelling ctx returns ctx.Err() with the cursor untouched.
	Next(ctx context.Context) (*Message, error)

	// NextTimeout behaves like Next but gives up after the given duration,
	// returning (nil, nil). An expired wait leaves the cursor untouched.
	NextTimeout(timeout time.Duration) (*Message, error)

	// Commit persists the cursor as the group's committed offset.
	Commit(ctx context.Context) error

	// CurrentOffset returns the consumer's local, uncommitted cursor.
	CurrentOffset() int64
}

// Builder is the function signature for creating a backend from config.
// Each backend package should provide a Builder function that can be
// registered.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Backend, error)

// Config provides the configuration values needed by backends. This
// interface allows backends to access only the config they need without
// depending on the full config type.
type Config interface {
	// GetBackendKind returns the backend type name.
	GetBackendKind() string

	// Memory
	GetMemoryTopicCap() int

	// SQLite
	GetSQLiteFile() string
	GetSQLitePollInterval() time.Duration
}

// CapabilitiesProvider is implemented by backends that can report their
// capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

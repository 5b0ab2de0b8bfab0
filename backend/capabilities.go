package backend

// Capabilities describes the features supported by a backend.
// Use this to introspect what behaviour is available at runtime.
type Capabilities struct {
	// Durable indicates messages and committed offsets survive a process
	// restart.
	Durable bool

	// SupportsWakeup indicates consumers are woken by a notification when a
	// message arrives. When false, consumers poll at a fixed interval and
	// tail latency is bounded by the poll interval.
	SupportsWakeup bool

	// SupportsOrdering indicates messages within a topic are delivered in
	// offset order.
	SupportsOrdering bool

	// MaxMessageSize is the maximum payload size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the human-readable name of the backend.
	Name string
}

// RequiresPolling returns true if consumers fall back to fixed-interval
// polling because the backend has no wake-up notification.
func (c Capabilities) RequiresPolling() bool {
	return !c.SupportsWakeup
}

// Predefined capability sets for the built-in backends.
var (
	// MemoryCapabilities for the in-process log backend.
	MemoryCapabilities = Capabilities{
		Name:             "memory",
		Durable:          false,
		SupportsWakeup:   true,
		SupportsOrdering: true,
	}

	// SQLiteCapabilities for the SQLite-persisted log backend.
	SQLiteCapabilities = Capabilities{
		Name:             "sqlite",
		Durable:          true,
		SupportsWakeup:   false,
		SupportsOrdering: true,
	}
)

// GetCapabilities returns the capabilities for a backend by name.
// Uses the registry to look up capabilities registered by each backend
// package. Returns a zero Capabilities struct if the backend is unknown.
func GetCapabilities(backendName string) Capabilities {
	return DefaultRegistry.GetCapabilities(backendName)
}

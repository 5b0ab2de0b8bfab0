package backend

import "errors"

var (
	// ErrClosed is returned for operations attempted after Close.
	ErrClosed = errors.New("streambus: backend is closed")

	// ErrTopicFull is returned by the memory backend when a topic hits its
	// soft message cap. It is a backpressure valve for long-running
	// in-process servers, not a transient condition.
	ErrTopicFull = errors.New("streambus: per-topic message cap reached")

	// ErrReplyDropped indicates an internal worker reply channel was torn
	// down mid-request. Seeing it outside of a shutdown race is a bug.
	ErrReplyDropped = errors.New("streambus: worker reply channel closed")
)

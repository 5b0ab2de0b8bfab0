// Package codec implements the envelope codec used at the streambus
// boundary. Backends treat payloads as opaque bytes; this package is the one
// place that turns a structured envelope into bytes and back.
//
// Encoded envelopes carry a schema version. Decode accepts envelopes written
// by the current major version and older minor versions, and rejects
// envelopes from a newer major version, so mixed-version fleets can drain
// in-flight messages during upgrades.
package codec

import (
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"github.com/drblury/streambus/internal/ids"
)

const (
	// SchemaVersion is the version written into every encoded envelope.
	SchemaVersion = 2

	// minCompatibleVersion is the oldest schema version Decode still accepts.
	minCompatibleVersion = 1

	// DefaultMaxSize bounds decoded envelopes when the caller passes no
	// explicit limit.
	DefaultMaxSize = 1 << 20 // 1 MiB
)

var (
	// ErrTooLarge is returned when the encoded input exceeds the size limit.
	ErrTooLarge = errors.New("streambus: encoded envelope exceeds size limit")

	// ErrSchemaVersion is returned when an envelope's schema version is
	// outside the compatible range.
	ErrSchemaVersion = errors.New("streambus: unsupported envelope schema version")
)

var defaultConfig = sonic.ConfigStd

// Envelope is the structured message wrapped around an opaque payload.
type Envelope struct {
	ID            string    `json:"id"`
	Kind          string    `json:"kind,omitempty"`
	SchemaVersion uint32    `json:"schema_version"`
	Timestamp     time.Time `json:"timestamp"`
	Payload       []byte    `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope around payload with a fresh ULID, the
// current schema version, and the current UTC time.
func NewEnvelope(kind string, payload []byte) *Envelope {
	return &Envelope{
		ID:            ids.CreateULID(),
		Kind:          kind,
		SchemaVersion: SchemaVersion,
		Timestamp:     time.Now().UTC(),
		Payload:       payload,
	}
}

// Encode serializes the envelope.
func Encode(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("streambus: envelope is nil")
	}
	data, err := defaultConfig.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("streambus: encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses an encoded envelope, rejecting oversized input before
// parsing. maxSize <= 0 falls back to DefaultMaxSize.
func Decode(data []byte, maxSize int) (*Envelope, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	if len(data) > maxSize {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrTooLarge, len(data), maxSize)
	}

	var env Envelope
	if err := defaultConfig.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("streambus: decode envelope: %w", err)
	}

	if env.SchemaVersion > SchemaVersion || env.SchemaVersion < minCompatibleVersion {
		return nil, fmt.Errorf("%w: got %d, accept %d..%d",
			ErrSchemaVersion, env.SchemaVersion, minCompatibleVersion, SchemaVersion)
	}

	return &env, nil
}

// Package memory provides an in-process streambus backend. Topic logs live
// on the heap, so it is useful for tests and local development; nothing
// survives a restart.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/streambus/backend"
)

// BackendName is the name used to register this backend.
const BackendName = "memory"

// DefaultTopicCap is the default soft cap on messages retained per topic.
// Appends beyond the cap fail with backend.ErrTopicFull instead of growing
// the log without bound.
const DefaultTopicCap = 65536

func init() {
	backend.RegisterWithCapabilities(BackendName, Build, backend.MemoryCapabilities)
}

// Build creates a new memory backend from config.
func Build(ctx context.Context, cfg backend.Config, logger watermill.LoggerAdapter) (backend.Backend, error) {
	return New(Config{TopicCap: cfg.GetMemoryTopicCap()}, logger), nil
}

// Capabilities returns the capabilities of this backend.
func Capabilities() backend.Capabilities {
	return backend.MemoryCapabilities
}

// Config holds memory-specific configuration.
type Config struct {
	// TopicCap is the soft cap on messages retained per topic.
	// Zero means DefaultTopicCap; negative disables the cap.
	TopicCap int
}

func (c Config) withDefaults() Config {
	if c.TopicCap == 0 {
		c.TopicCap = DefaultTopicCap
	}
	return c
}

// topicLog is one topic's append-only log. Offsets are dense, so the slice
// index of an entry is its offset.
type topicLog struct {
	mu         sync.RWMutex
	entries    []backend.Message
	nextOffset int64
	// notify is closed and replaced on every append. Waiters grab the
	// current channel and re-check the log once it closes; a wake-up is a
	// hint, never a delivery.
	notify chan struct{}
}

func newTopicLog() *topicLog {
	return &topicLog{notify: make(chan struct{})}
}

func (t *topicLog) append(topic string, payload []byte, maxEntries int) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if maxEntries > 0 && len(t.entries) >= maxEntries {
		return 0, backend.ErrTopicFull
	}

	offset := t.nextOffset
	t.nextOffset++
	t.entries = append(t.entries, backend.Message{
		Topic:     topic,
		Offset:    offset,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	})

	close(t.notify)
	t.notify = make(chan struct{})

	return offset, nil
}

// get returns a copy of the entry at offset, or the wake-up channel to wait
// on when the offset has not been written yet.
func (t *topicLog) get(offset int64) (*backend.Message, <-chan struct{}) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if offset < t.nextOffset {
		msg := t.entries[offset]
		msg.Payload = append([]byte(nil), msg.Payload...)
		return &msg, nil
	}
	return nil, t.notify
}

// Backend is an in-process implementation of backend.Backend.
type Backend struct {
	config Config
	logger watermill.LoggerAdapter
	tracer trace.Tracer

	mu     sync.RWMutex
	topics map[string]*topicLog

	groupsMu sync.Mutex
	// groups maps group id -> topic -> committed offset.
	groups map[string]map[string]int64

	closedMu sync.RWMutex
	closed   bool
	closedCh chan struct{}
}

// New creates a new memory backend.
func New(cfg Config, logger watermill.LoggerAdapter) *Backend {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Backend{
		config:   cfg.withDefaults(),
		logger:   logger,
		tracer:   otel.Tracer("streambus/memory"),
		topics:   make(map[string]*topicLog),
		groups:   make(map[string]map[string]int64),
		closedCh: make(chan struct{}),
	}
}

func (b *Backend) isClosed() bool {
	b.closedMu.RLock()
	defer b.closedMu.RUnlock()
	return b.closed
}

func (b *Backend) topic(name string) *topicLog {
	b.mu.RLock()
	t, ok := b.topics[name]
	b.mu.RUnlock()
	if ok {
		return t
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[name]; ok {
		return t
	}
	t = newTopicLog()
	b.topics[name] = t
	return t
}

// CreateProducer returns a producer for the topic.
func (b *Backend) CreateProducer(topic string) (backend.Producer, error) {
	if b.isClosed() {
		return nil, backend.ErrClosed
	}
	return &producer{b: b, topic: topic, log: b.topic(topic)}, nil
}

// CreateConsumer returns a consumer starting at the group's committed offset.
func (b *Backend) CreateConsumer(topic, groupID string) (backend.Consumer, error) {
	if b.isClosed() {
		return nil, backend.ErrClosed
	}
	return &consumer{
		b:       b,
		topic:   topic,
		groupID: groupID,
		log:     b.topic(topic),
		current: b.committedOffset(groupID, topic),
	}, nil
}

// HealthCheck reports whether the backend can serve requests.
func (b *Backend) HealthCheck(ctx context.Context) error {
	if b.isClosed() {
		return backend.ErrClosed
	}
	return nil
}

// Close shuts the backend down and wakes all blocked consumers. Idempotent.
func (b *Backend) Close() error {
	b.closedMu.Lock()
	defer b.closedMu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.closedCh)
	return nil
}

// GetCapabilities returns the capabilities of this backend instance.
func (b *Backend) GetCapabilities() backend.Capabilities {
	return backend.MemoryCapabilities
}

func (b *Backend) committedOffset(groupID, topic string) int64 {
	b.groupsMu.Lock()
	defer b.groupsMu.Unlock()
	if topics, ok := b.groups[groupID]; ok {
		return topics[topic]
	}
	return 0
}

func (b *Backend) commitOffset(groupID, topic string, offset int64) {
	b.groupsMu.Lock()
	defer b.groupsMu.Unlock()
	topics, ok := b.groups[groupID]
	if !ok {
		topics = make(map[string]int64)
		b.groups[groupID] = topics
	}
	topics[topic] = offset
}

type producer struct {
	b     *Backend
	topic string
	log   *topicLog
}

func (p *producer) Send(ctx context.Context, payload []byte) (int64, error) {
	_, span := p.b.tracer.Start(ctx, "memory.Send")
	defer span.End()
	span.SetAttributes(attribute.String("messaging.topic", p.topic))

	if p.b.isClosed() {
		return 0, backend.ErrClosed
	}

	offset, err := p.log.append(p.topic, payload, p.b.config.TopicCap)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int64("messaging.offset", offset))
	return offset, nil
}

// Flush is a no-op; appends are visible to consumers as soon as Send returns.
func (p *producer) Flush(ctx context.Context) error {
	if p.b.isClosed() {
		return backend.ErrClosed
	}
	return nil
}

type consumer struct {
	b       *Backend
	topic   string
	groupID string
	log     *topicLog
	current int64
}

func (c *consumer) Next(ctx context.Context) (*backend.Message, error) {
	ctx, span := c.b.tracer.Start(ctx, "memory.Next")
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.topic", c.topic),
		attribute.String("messaging.group_id", c.groupID),
	)

	for {
		msg, wait := c.log.get(c.current)
		if msg != nil {
			c.current++
			return msg, nil
		}

		select {
		case <-wait:
			// Woken; loop and re-check the log.
		case <-c.b.closedCh:
			// A message may have landed between the check and the close.
			if msg, _ := c.log.get(c.current); msg != nil {
				c.current++
				return msg, nil
			}
			return nil, backend.ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *consumer) NextTimeout(timeout time.Duration) (*backend.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	msg, err := c.Next(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, nil
	}
	return msg, err
}

func (c *consumer) Commit(ctx context.Context) error {
	if c.b.isClosed() {
		return backend.ErrClosed
	}
	c.b.commitOffset(c.groupID, c.topic, c.current)
	return nil
}

func (c *consumer) CurrentOffset() int64 {
	return c.current
}

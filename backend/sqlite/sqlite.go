// Package sqlite provides a SQLite-persisted streambus backend.
//
// A SQLite handle must not be shared across concurrent callers, so all
// database I/O is funneled through a single worker goroutine that owns the
// connection exclusively and processes one request at a time. Producers and
// consumers never touch the connection; they enqueue a request with a reply
// channel and await the answer. Offset assignment happens inside the same
// serialized worker step as the insert, which is what keeps offsets dense
// without any extra locking protocol.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/streambus/backend"
)

// BackendName is the name used to register this backend.
const BackendName = "sqlite"

const (
	// DefaultPollInterval is the default interval consumers sleep between
	// fetch attempts when no message is available yet.
	DefaultPollInterval = 100 * time.Millisecond

	// requestBuffer bounds the worker's command queue.
	requestBuffer = 64
)

func init() {
	backend.RegisterWithCapabilities(BackendName, Build, backend.SQLiteCapabilities)
}

// Build creates a new SQLite backend from config.
func Build(ctx context.Context, cfg backend.Config, logger watermill.LoggerAdapter) (backend.Backend, error) {
	return New(Config{
		FilePath:     cfg.GetSQLiteFile(),
		PollInterval: cfg.GetSQLitePollInterval(),
	}, logger)
}

// Capabilities returns the capabilities of this backend.
func Capabilities() backend.Capabilities {
	return backend.SQLiteCapabilities
}

// Config holds SQLite-specific configuration.
type Config struct {
	// FilePath is the path to the SQLite database file.
	// Use ":memory:" for an in-memory database (useful for testing).
	FilePath string

	// PollInterval is the interval consumers sleep between fetch attempts.
	PollInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.FilePath == "" {
		c.FilePath = "streambus.db"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

type requestKind int

const (
	reqInsert requestKind = iota
	reqFetch
	reqGetOffset
	reqSetOffset
	reqHealthCheck
)

func (k requestKind) String() string {
	switch k {
	case reqInsert:
		return "insert"
	case reqFetch:
		return "fetch"
	case reqGetOffset:
		return "get_offset"
	case reqSetOffset:
		return "set_offset"
	case reqHealthCheck:
		return "health_check"
	default:
		return "unknown"
	}
}

// request is one command for the worker. done carries the requester's
// cancellation signal so the worker never blocks on a reply nobody reads.
type request struct {
	kind    requestKind
	topic   string
	groupID string
	offset  int64
	payload []byte

	reply chan response
	done  <-chan struct{}
}

type response struct {
	offset int64
	msg    *backend.Message
	found  bool
	err    error
}

// Backend is a SQLite-persisted implementation of backend.Backend.
type Backend struct {
	config Config
	logger watermill.LoggerAdapter
	tracer trace.Tracer

	requests chan *request

	closedMu sync.RWMutex
	closed   bool
	closedCh chan struct{}
	wg       sync.WaitGroup
}

// New creates a new SQLite backend and starts its worker.
func New(cfg Config, logger watermill.LoggerAdapter) (*Backend, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	db, err := sql.Open("sqlite3", cfg.FilePath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// One connection, one owner. The pool must never hand out a second
	// handle behind the worker's back.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	b := &Backend{
		config:   cfg,
		logger:   logger,
		tracer:   otel.Tracer("streambus/sqlite"),
		requests: make(chan *request, requestBuffer),
		closedCh: make(chan struct{}),
	}

	b.wg.Add(1)
	go b.worker(db)

	return b, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		topic     TEXT NOT NULL,
		offset    INTEGER NOT NULL,
		timestamp INTEGER NOT NULL,
		payload   BLOB NOT NULL,
		PRIMARY KEY (topic, offset)
	);

	CREATE TABLE IF NOT EXISTS consumer_offsets (
		group_id         TEXT NOT NULL,
		topic            TEXT NOT NULL,
		committed_offset INTEGER NOT NULL,
		updated_at       INTEGER NOT NULL,
		PRIMARY KEY (group_id, topic)
	);
	`
	_, err := db.Exec(schema)
	return err
}

// worker owns the database handle exclusively. It processes requests one at
// a time until Close is signalled, then rejects whatever is still queued and
// closes the handle. In-flight work is finished, not aborted.
func (b *Backend) worker(db *sql.DB) {
	defer b.wg.Done()
	defer db.Close()

	for {
		select {
		case <-b.closedCh:
			for {
				select {
				case req := <-b.requests:
					b.sendReply(req, response{err: backend.ErrClosed})
				default:
					return
				}
			}
		case req := <-b.requests:
			b.sendReply(req, b.handle(db, req))
		}
	}
}

func (b *Backend) handle(db *sql.DB, req *request) response {
	switch req.kind {
	case reqInsert:
		return b.handleInsert(db, req)
	case reqFetch:
		return b.handleFetch(db, req)
	case reqGetOffset:
		return b.handleGetOffset(db, req)
	case reqSetOffset:
		return b.handleSetOffset(db, req)
	case reqHealthCheck:
		var one int
		if err := db.QueryRow(`SELECT 1`).Scan(&one); err != nil {
			return response{err: fmt.Errorf("health check: %w", err)}
		}
		return response{}
	default:
		return response{err: fmt.Errorf("streambus: unknown request kind %d", req.kind)}
	}
}

func (b *Backend) handleInsert(db *sql.DB, req *request) response {
	// Next offset and insert happen in one serialized worker step, so no
	// two appends can observe the same value.
	var next int64
	err := db.QueryRow(
		`SELECT COALESCE(MAX(offset) + 1, 0) FROM messages WHERE topic = ?`,
		req.topic,
	).Scan(&next)
	if err != nil {
		return response{err: fmt.Errorf("next offset for %q: %w", req.topic, err)}
	}

	_, err = db.Exec(
		`INSERT INTO messages (topic, offset, timestamp, payload) VALUES (?, ?, ?, ?)`,
		req.topic, next, time.Now().UnixMilli(), req.payload,
	)
	if err != nil {
		return response{err: fmt.Errorf("insert into %q: %w", req.topic, err)}
	}

	return response{offset: next}
}

func (b *Backend) handleFetch(db *sql.DB, req *request) response {
	var (
		tsMilli int64
		payload []byte
	)
	err := db.QueryRow(
		`SELECT timestamp, payload FROM messages WHERE topic = ? AND offset = ?`,
		req.topic, req.offset,
	).Scan(&tsMilli, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		// Absence is not an error; the consumer's poll loop sleeps and retries.
		return response{found: false}
	}
	if err != nil {
		return response{err: fmt.Errorf("fetch %q offset %d: %w", req.topic, req.offset, err)}
	}

	return response{
		found: true,
		msg: &backend.Message{
			Topic:     req.topic,
			Offset:    req.offset,
			Timestamp: time.UnixMilli(tsMilli).UTC(),
			Payload:   payload,
		},
	}
}

func (b *Backend) handleGetOffset(db *sql.DB, req *request) response {
	var committed int64
	err := db.QueryRow(
		`SELECT committed_offset FROM consumer_offsets WHERE group_id = ? AND topic = ?`,
		req.groupID, req.topic,
	).Scan(&committed)
	if errors.Is(err, sql.ErrNoRows) {
		return response{offset: 0}
	}
	if err != nil {
		return response{err: fmt.Errorf("committed offset for (%q, %q): %w", req.groupID, req.topic, err)}
	}
	return response{offset: committed}
}

func (b *Backend) handleSetOffset(db *sql.DB, req *request) response {
	_, err := db.Exec(
		`INSERT INTO consumer_offsets (group_id, topic, committed_offset, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (group_id, topic) DO UPDATE SET
		   committed_offset = excluded.committed_offset,
		   updated_at = excluded.updated_at`,
		req.groupID, req.topic, req.offset, time.Now().UnixMilli(),
	)
	if err != nil {
		return response{err: fmt.Errorf("commit offset for (%q, %q): %w", req.groupID, req.topic, err)}
	}
	return response{}
}

// sendReply hands the response to the requester, or logs it when the
// requester has already given up. Database errors stay observable even when
// nobody is waiting for them.
func (b *Backend) sendReply(req *request, resp response) {
	select {
	case req.reply <- resp:
	case <-req.done:
		if resp.err != nil {
			b.logger.Error("sqlite worker result dropped by caller", resp.err, watermill.LogFields{
				"request": req.kind.String(),
				"topic":   req.topic,
			})
		}
	}
}

// do enqueues a request and awaits the reply. The closed check and the
// enqueue share the read lock, so Close cannot race a request into a dead
// queue: once Close holds the write lock, no sender is mid-enqueue and the
// worker drains whatever is left.
func (b *Backend) do(ctx context.Context, req *request) (response, error) {
	req.reply = make(chan response)
	req.done = ctx.Done()

	b.closedMu.RLock()
	if b.closed {
		b.closedMu.RUnlock()
		return response{}, backend.ErrClosed
	}
	select {
	case b.requests <- req:
		b.closedMu.RUnlock()
	case <-ctx.Done():
		b.closedMu.RUnlock()
		return response{}, ctx.Err()
	}

	select {
	case resp := <-req.reply:
		return resp, resp.err
	case <-ctx.Done():
		return response{}, ctx.Err()
	}
}

func (b *Backend) isClosed() bool {
	b.closedMu.RLock()
	defer b.closedMu.RUnlock()
	return b.closed
}

// CreateProducer returns a producer for the topic.
func (b *Backend) CreateProducer(topic string) (backend.Producer, error) {
	if b.isClosed() {
		return nil, backend.ErrClosed
	}
	return &producer{b: b, topic: topic}, nil
}

// CreateConsumer returns a consumer starting at the group's committed offset.
func (b *Backend) CreateConsumer(topic, groupID string) (backend.Consumer, error) {
	if b.isClosed() {
		return nil, backend.ErrClosed
	}

	resp, err := b.do(context.Background(), &request{
		kind:    reqGetOffset,
		topic:   topic,
		groupID: groupID,
	})
	if err != nil {
		return nil, err
	}

	return &consumer{
		b:       b,
		topic:   topic,
		groupID: groupID,
		current: resp.offset,
	}, nil
}

// HealthCheck verifies the worker can reach the database.
func (b *Backend) HealthCheck(ctx context.Context) error {
	if b.isClosed() {
		return backend.ErrClosed
	}
	_, err := b.do(ctx, &request{kind: reqHealthCheck})
	return err
}

// Close marks the backend closed and stops the worker once the in-flight
// request finishes. It does not abort running queries. Idempotent.
func (b *Backend) Close() error {
	b.closedMu.Lock()
	if b.closed {
		b.closedMu.Unlock()
		return nil
	}
	b.closed = true
	close(b.closedCh)
	b.closedMu.Unlock()

	b.wg.Wait()
	return nil
}

// GetCapabilities returns the capabilities of this backend instance.
func (b *Backend) GetCapabilities() backend.Capabilities {
	return backend.SQLiteCapabilities
}

type producer struct {
	b     *Backend
	topic string
}

func (p *producer) Send(ctx context.Context, payload []byte) (int64, error) {
	ctx, span := p.b.tracer.Start(ctx, "sqlite.Send")
	defer span.End()
	span.SetAttributes(attribute.String("messaging.topic", p.topic))

	resp, err := p.b.do(ctx, &request{
		kind:    reqInsert,
		topic:   p.topic,
		payload: payload,
	})
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int64("messaging.offset", resp.offset))
	return resp.offset, nil
}

// Flush is a no-op; every insert is committed before Send returns.
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
	current int64
}

func (c *consumer) Next(ctx context.Context) (*backend.Message, error) {
	ctx, span := c.b.tracer.Start(ctx, "sqlite.Next")
	defer span.End()
	span.SetAttributes(
		attribute.String("messaging.topic", c.topic),
		attribute.String("messaging.group_id", c.groupID),
	)

	for {
		resp, err := c.b.do(ctx, &request{
			kind:   reqFetch,
			topic:  c.topic,
			offset: c.current,
		})
		if err != nil {
			return nil, err
		}
		if resp.found {
			c.current++
			return resp.msg, nil
		}

		select {
		case <-time.After(c.b.config.PollInterval):
		case <-c.b.closedCh:
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
	_, err := c.b.do(ctx, &request{
		kind:    reqSetOffset,
		topic:   c.topic,
		groupID: c.groupID,
		offset:  c.current,
	})
	return err
}

func (c *consumer) CurrentOffset() int64 {
	return c.current
}

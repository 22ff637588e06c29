// Package audit provides an optional Postgres write-through sink for
// delivery outcomes, installed as one more delivery-handler (C4) hook
// composition alongside the file-based persistence adapter (C8). Shaped on
// the teacher's Postgres executor-log writer: batched inserts on a
// buffered channel, flushed periodically or when the batch fills, so the
// hot delivery path never blocks on a database round-trip.
package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/twino-framework/twino-mq/internal/handler"
	"github.com/twino-framework/twino-mq/internal/logging"
)

// Entry is one audited delivery outcome.
type Entry struct {
	Timestamp  time.Time
	QueueName  string
	MessageID  string
	ConsumerID string
	Event      string // "saved", "acknowledged", "exception"
	Success    bool
	Reason     string
}

// Sink batches Entries and flushes them to Postgres. Call Close to flush
// and release the batching goroutine.
type Sink struct {
	pool          *pgxpool.Pool
	batchSize     int
	flushInterval time.Duration

	entries chan Entry
	done    chan struct{}
}

// Options configures the sink's batching behavior, mirroring the teacher's
// executor log batch/buffer/flush-interval knobs.
type Options struct {
	BatchSize     int
	BufferSize    int
	FlushInterval time.Duration
}

// DefaultOptions returns the teacher's default batching cadence.
func DefaultOptions() Options {
	return Options{BatchSize: 100, BufferSize: 1000, FlushInterval: 500 * time.Millisecond}
}

// NewSink opens a pgx pool against dsn, creates the audit table if absent,
// and starts the background batching loop.
func NewSink(ctx context.Context, dsn string, opts Options) (*Sink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := ensureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 1000
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 500 * time.Millisecond
	}

	s := &Sink{
		pool:          pool,
		batchSize:     opts.BatchSize,
		flushInterval: opts.FlushInterval,
		entries:       make(chan Entry, opts.BufferSize),
		done:          make(chan struct{}),
	}
	go s.run()
	return s, nil
}

func ensureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS hmq_delivery_audit (
	id BIGSERIAL PRIMARY KEY,
	ts TIMESTAMPTZ NOT NULL,
	queue_name TEXT NOT NULL,
	message_id TEXT NOT NULL,
	consumer_id TEXT,
	event TEXT NOT NULL,
	success BOOLEAN NOT NULL,
	reason TEXT
)`)
	return err
}

func (s *Sink) run() {
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, s.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.write(batch); err != nil {
			logging.Op().Warn("audit flush failed", "count", len(batch), "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-s.entries:
			if !ok {
				flush()
				close(s.done)
				return
			}
			batch = append(batch, e)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (s *Sink) write(batch []Entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, e := range batch {
		if _, err := tx.Exec(ctx,
			`INSERT INTO hmq_delivery_audit (ts, queue_name, message_id, consumer_id, event, success, reason)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			e.Timestamp, e.QueueName, e.MessageID, e.ConsumerID, e.Event, e.Success, e.Reason); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// Close flushes any pending entries and closes the pool.
func (s *Sink) Close() {
	close(s.entries)
	<-s.done
	s.pool.Close()
}

// Handler wraps a Sink as a C4 delivery handler: SaveMessage, and
// AcknowledgeReceived/ExceptionThrown each enqueue an audit Entry, then
// defer every other hook to NoopHandler defaults. Compose with
// handler.NewChain alongside the broker's other hooks.
type Handler struct {
	handler.NoopHandler
	sink *Sink
}

// NewHandler wraps sink as a delivery handler.
func NewHandler(sink *Sink) Handler {
	return Handler{sink: sink}
}

func (h Handler) enqueue(e Entry) {
	select {
	case h.sink.entries <- e:
	default:
		logging.Op().Warn("audit buffer full, dropping entry", "queue", e.QueueName, "message", e.MessageID)
	}
}

func (h Handler) SaveMessage(_ context.Context, ev handler.Event) bool {
	h.enqueue(Entry{Timestamp: time.Now(), QueueName: ev.QueueName, MessageID: ev.MessageID, Event: "saved", Success: true})
	return true
}

func (h Handler) AcknowledgeReceived(_ context.Context, ev handler.Event) handler.Decision {
	h.enqueue(Entry{
		Timestamp:  time.Now(),
		QueueName:  ev.QueueName,
		MessageID:  ev.MessageID,
		ConsumerID: ev.ConsumerID,
		Event:      "acknowledged",
		Success:    ev.Success,
		Reason:     ev.Reason,
	})
	return handler.Decision{Allow: true, Ack: handler.AckForward, Keep: handler.KeepRemove}
}

func (h Handler) ExceptionThrown(_ context.Context, ev handler.Event) {
	reason := ev.Reason
	if ev.Err != nil {
		reason = ev.Err.Error()
	}
	h.enqueue(Entry{
		Timestamp:  time.Now(),
		QueueName:  ev.QueueName,
		MessageID:  ev.MessageID,
		ConsumerID: ev.ConsumerID,
		Event:      "exception",
		Success:    false,
		Reason:     reason,
	})
}

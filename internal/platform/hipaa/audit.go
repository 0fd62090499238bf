package hipaa

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

// Audit outcomes recorded for access-control decisions.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// AuditEvent is one entry in the access audit trail.
type AuditEvent struct {
	ID           uuid.UUID `json:"id"`
	Action       string    `json:"action"`
	Outcome      string    `json:"outcome"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	UserID       string    `json:"user_id"`
	IPAddress    string    `json:"ip_address"`
	Details      string    `json:"details"`
	Recorded     time.Time `json:"recorded"`
}

// AuditSink accepts audit events. Implementations may be slow or fail; use
// AsyncSink to keep them off the request path.
type AuditSink interface {
	Record(ctx context.Context, event AuditEvent) error
}

// ErrAuditDropped is returned by AsyncSink when its buffer is full or closed.
var ErrAuditDropped = errors.New("audit event dropped")

func normalize(event *AuditEvent) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Recorded.IsZero() {
		event.Recorded = time.Now().UTC()
	}
}

// -- Postgres --

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AuditLogger writes audit events to the audit_event table.
type AuditLogger struct {
	db execer
}

// NewAuditLogger creates a new AuditLogger backed by the given connection pool.
func NewAuditLogger(db execer) *AuditLogger {
	return &AuditLogger{db: db}
}

func (a *AuditLogger) Record(ctx context.Context, event AuditEvent) error {
	normalize(&event)

	_, err := a.db.Exec(ctx, `
		INSERT INTO audit_event (
			id, action, outcome, resource_type, resource_id,
			user_id, ip_address, details, recorded_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		event.ID, event.Action, event.Outcome, event.ResourceType, event.ResourceID,
		event.UserID, event.IPAddress, event.Details, event.Recorded,
	)
	if err != nil {
		return fmt.Errorf("hipaa audit: insert event: %w", err)
	}
	return nil
}

// -- Structured log --

// LogSink emits audit events as structured log lines.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink that writes to logger.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Record(_ context.Context, event AuditEvent) error {
	normalize(&event)

	evt := s.logger.Info()
	if event.Outcome != OutcomeSuccess {
		evt = s.logger.Warn()
	}
	evt.
		Str("type", "hipaa_audit").
		Str("audit_id", event.ID.String()).
		Str("action", event.Action).
		Str("outcome", event.Outcome).
		Str("resource_type", event.ResourceType).
		Str("resource_id", event.ResourceID).
		Str("user_id", event.UserID).
		Str("remote_ip", event.IPAddress).
		Str("details", event.Details).
		Time("recorded", event.Recorded).
		Msg("audit_event")
	return nil
}

// -- Fan-out --

type teeSink []AuditSink

// Tee records every event on each sink in order and returns the first error.
func Tee(sinks ...AuditSink) AuditSink {
	return teeSink(sinks)
}

func (t teeSink) Record(ctx context.Context, event AuditEvent) error {
	normalize(&event)
	var first error
	for _, s := range t {
		if err := s.Record(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// -- Async --

// AsyncSink hands events to a background writer through a bounded buffer.
// Record never blocks: when the buffer is full the event is dropped and
// logged, so delivery problems cannot hold up the caller.
type AsyncSink struct {
	next    AuditSink
	logger  zerolog.Logger
	events  chan AuditEvent
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewAsyncSink starts a writer goroutine delivering to next.
func NewAsyncSink(next AuditSink, buffer int, logger zerolog.Logger) *AsyncSink {
	if buffer <= 0 {
		buffer = 256
	}
	a := &AsyncSink{
		next:    next,
		logger:  logger,
		events:  make(chan AuditEvent, buffer),
		timeout: 5 * time.Second,
	}
	a.wg.Add(1)
	go a.run()
	return a
}

func (a *AsyncSink) run() {
	defer a.wg.Done()
	for event := range a.events {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.Record(ctx, event); err != nil {
			a.logger.Error().Err(err).
				Str("audit_id", event.ID.String()).
				Str("action", event.Action).
				Msg("failed to record audit event")
		}
		cancel()
	}
}

func (a *AsyncSink) Record(_ context.Context, event AuditEvent) error {
	normalize(&event)

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrAuditDropped
	}

	select {
	case a.events <- event:
		return nil
	default:
		a.logger.Error().
			Str("audit_id", event.ID.String()).
			Str("action", event.Action).
			Msg("audit buffer full, event dropped")
		return ErrAuditDropped
	}
}

// Close stops accepting events and waits for buffered ones to be written.
func (a *AsyncSink) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.events)
	a.mu.Unlock()

	a.wg.Wait()
}

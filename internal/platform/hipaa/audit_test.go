package hipaa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

type fakeExecer struct {
	sql  string
	args []any
	err  error
}

func (f *fakeExecer) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sql, f.args = sql, args
	return pgconn.NewCommandTag("INSERT 0 1"), f.err
}

type recordingSink struct {
	mu     sync.Mutex
	events []AuditEvent
	block  chan struct{}
	err    error
}

func (r *recordingSink) Record(_ context.Context, e AuditEvent) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func sampleEvent() AuditEvent {
	return AuditEvent{
		Action:       "patient.verify",
		Outcome:      OutcomeFailure,
		ResourceType: "Patient",
		ResourceID:   "1",
		UserID:       "user-7",
		IPAddress:    "192.0.2.10",
		Details:      "mismatch",
	}
}

func TestAuditLogger_Record(t *testing.T) {
	db := &fakeExecer{}
	logger := NewAuditLogger(db)

	if err := logger.Record(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !strings.Contains(db.sql, "INSERT INTO audit_event") {
		t.Errorf("unexpected SQL %q", db.sql)
	}
	if len(db.args) != 9 {
		t.Fatalf("expected 9 args, got %d", len(db.args))
	}
	if id, ok := db.args[0].(uuid.UUID); !ok || id == uuid.Nil {
		t.Errorf("expected generated id, got %v", db.args[0])
	}
	if ts, ok := db.args[8].(time.Time); !ok || ts.IsZero() {
		t.Errorf("expected recorded timestamp, got %v", db.args[8])
	}
	if db.args[1] != "patient.verify" || db.args[5] != "user-7" || db.args[6] != "192.0.2.10" {
		t.Errorf("unexpected args %v", db.args)
	}
}

func TestAuditLogger_RecordError(t *testing.T) {
	db := &fakeExecer{err: errors.New("boom")}
	if err := NewAuditLogger(db).Record(context.Background(), sampleEvent()); err == nil {
		t.Fatal("expected error")
	}
}

func TestLogSink_WritesStructuredEntry(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf))

	if err := sink.Record(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("Record: %v", err)
	}

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["type"] != "hipaa_audit" {
		t.Errorf("expected type hipaa_audit, got %v", entry["type"])
	}
	if entry["level"] != "warn" {
		t.Errorf("expected failures to log at warn, got %v", entry["level"])
	}
	for _, key := range []string{"action", "outcome", "resource_id", "user_id", "remote_ip", "recorded"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("expected key %q in audit log entry", key)
		}
	}
}

func TestTee_SameIDOnEverySink(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	if err := Tee(a, b).Record(context.Background(), sampleEvent()); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if a.count() != 1 || b.count() != 1 {
		t.Fatalf("expected one event per sink, got %d and %d", a.count(), b.count())
	}
	if a.events[0].ID != b.events[0].ID {
		t.Error("expected both sinks to receive the same event id")
	}
}

func TestTee_ReturnsFirstError(t *testing.T) {
	failing := &recordingSink{err: errors.New("down")}
	ok := &recordingSink{}
	if err := Tee(failing, ok).Record(context.Background(), sampleEvent()); err == nil {
		t.Fatal("expected error")
	}
	if ok.count() != 1 {
		t.Error("later sinks should still receive the event")
	}
}

func TestAsyncSink_DeliversOnClose(t *testing.T) {
	next := &recordingSink{}
	sink := NewAsyncSink(next, 10, zerolog.Nop())

	for i := 0; i < 5; i++ {
		if err := sink.Record(context.Background(), sampleEvent()); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	sink.Close()

	if next.count() != 5 {
		t.Fatalf("expected 5 delivered events, got %d", next.count())
	}
	if err := sink.Record(context.Background(), sampleEvent()); !errors.Is(err, ErrAuditDropped) {
		t.Fatalf("expected ErrAuditDropped after Close, got %v", err)
	}
}

func TestAsyncSink_NeverBlocksWhenFull(t *testing.T) {
	next := &recordingSink{block: make(chan struct{})}
	sink := NewAsyncSink(next, 1, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		// The writer holds one event, the buffer holds one more; the rest
		// must be dropped rather than wait.
		for i := 0; i < 10; i++ {
			_ = sink.Record(context.Background(), sampleEvent())
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a stalled sink")
	}

	close(next.block)
	sink.Close()
}

package ratelimit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeRow struct {
	n   int
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*int) = r.n
	return nil
}

type fakeQuerier struct {
	lastSQL  string
	lastArgs []any
	count    int
	err      error
}

func (q *fakeQuerier) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	q.lastSQL, q.lastArgs = sql, args
	if q.err != nil {
		return pgconn.CommandTag{}, q.err
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (q *fakeQuerier) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	q.lastSQL, q.lastArgs = sql, args
	return fakeRow{n: q.count, err: q.err}
}

func TestPGStore_Count(t *testing.T) {
	q := &fakeQuerier{count: 3}
	store := NewPGStore(q)
	since := time.Date(2024, 3, 15, 9, 45, 0, 0, time.UTC)

	n, err := store.Count(context.Background(), "login|8:10.0.0.1|0:", since)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 3 {
		t.Errorf("expected 3, got %d", n)
	}
	if !strings.Contains(q.lastSQL, "attempted_at > $2") {
		t.Errorf("expected strict window comparison, got %q", q.lastSQL)
	}
	if q.lastArgs[0] != "login|8:10.0.0.1|0:" || q.lastArgs[1] != since {
		t.Errorf("unexpected args %v", q.lastArgs)
	}
}

func TestPGStore_RecordPrunesAndInserts(t *testing.T) {
	q := &fakeQuerier{}
	store := NewPGStore(q)
	now := time.Now()

	if err := store.Record(context.Background(), "k", now, now.Add(-time.Minute)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !strings.Contains(q.lastSQL, "DELETE FROM rate_limit_attempt") || !strings.Contains(q.lastSQL, "INSERT INTO rate_limit_attempt") {
		t.Errorf("expected prune and insert in one statement, got %q", q.lastSQL)
	}
}

func TestPGStore_ErrorsWrapUnavailable(t *testing.T) {
	q := &fakeQuerier{err: errors.New("connection refused")}
	store := NewPGStore(q)
	ctx := context.Background()

	if _, err := store.Count(ctx, "k", time.Now()); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("Count: expected ErrStoreUnavailable, got %v", err)
	}
	if err := store.Record(ctx, "k", time.Now(), time.Now()); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("Record: expected ErrStoreUnavailable, got %v", err)
	}
	if err := store.Clear(ctx, "k"); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("Clear: expected ErrStoreUnavailable, got %v", err)
	}
}

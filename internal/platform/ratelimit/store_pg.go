package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier is the subset of *pgxpool.Pool used by PGStore.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore keeps attempts in the rate_limit_attempt table so that every
// portal instance shares one counter per key.
type PGStore struct {
	db querier
}

// NewPGStore creates a store backed by the given pool.
func NewPGStore(db querier) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Count(ctx context.Context, key string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM rate_limit_attempt WHERE limit_key = $1 AND attempted_at > $2`,
		key, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: count: %v", ErrStoreUnavailable, err)
	}
	return n, nil
}

func (s *PGStore) Record(ctx context.Context, key string, at, pruneBefore time.Time) error {
	_, err := s.db.Exec(ctx, `
		WITH pruned AS (
			DELETE FROM rate_limit_attempt WHERE limit_key = $1 AND attempted_at <= $3
		)
		INSERT INTO rate_limit_attempt (limit_key, attempted_at) VALUES ($1, $2)`,
		key, at, pruneBefore,
	)
	if err != nil {
		return fmt.Errorf("%w: record: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *PGStore) Clear(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM rate_limit_attempt WHERE limit_key = $1`, key); err != nil {
		return fmt.Errorf("%w: clear: %v", ErrStoreUnavailable, err)
	}
	return nil
}

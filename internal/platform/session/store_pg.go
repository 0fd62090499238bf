package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Sealer encrypts session payloads at rest. The session ID is passed as
// additional data so a payload cannot be replayed under another ID.
type Sealer interface {
	Seal(data, additional []byte) ([]byte, error)
	Open(data, additional []byte) ([]byte, error)
}

// PGStore keeps sessions in the web_session table with an encrypted payload.
// Expired rows are deleted at most once per sweepInterval, piggybacked on Save.
type PGStore struct {
	db     querier
	sealer Sealer
	logger zerolog.Logger
	nowFn  func() time.Time

	mu        sync.Mutex
	lastSweep time.Time
}

// NewPGStore creates a Postgres-backed session store.
func NewPGStore(db querier, sealer Sealer, logger zerolog.Logger) *PGStore {
	return &PGStore{db: db, sealer: sealer, logger: logger, nowFn: time.Now}
}

func (p *PGStore) Get(ctx context.Context, id string) (*Session, error) {
	var payload []byte
	err := p.db.QueryRow(ctx,
		`SELECT payload FROM web_session WHERE id = $1 AND expires_at > now()`, id,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: load: %w", err)
	}

	plain, err := p.sealer.Open(payload, []byte(id))
	if err != nil {
		// A payload that no longer opens (rotated key, tampered row) is
		// treated as no session at all.
		return nil, ErrNotFound
	}

	var s Session
	if err := json.Unmarshal(plain, &s); err != nil {
		return nil, fmt.Errorf("session: decode: %w", err)
	}
	if s.ID != id {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (p *PGStore) Save(ctx context.Context, s *Session) error {
	plain, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("session: encode: %w", err)
	}
	sealed, err := p.sealer.Seal(plain, []byte(s.ID))
	if err != nil {
		return fmt.Errorf("session: seal: %w", err)
	}

	_, err = p.db.Exec(ctx, `
		INSERT INTO web_session (id, payload, expires_at, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE
		SET payload = EXCLUDED.payload, expires_at = EXCLUDED.expires_at, updated_at = now()`,
		s.ID, sealed, s.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("session: save: %w", err)
	}

	if p.sweepDue() {
		n, err := p.DeleteExpired(ctx)
		if err != nil {
			p.logger.Warn().Err(err).Msg("failed to delete expired sessions")
		} else if n > 0 {
			p.logger.Debug().Int64("deleted", n).Msg("expired sessions deleted")
		}
	}
	return nil
}

// DeleteExpired removes every session whose lifetime has passed and returns
// how many rows went.
func (p *PGStore) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := p.db.Exec(ctx, `DELETE FROM web_session WHERE expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("session: delete expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *PGStore) sweepDue() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.nowFn()
	if now.Sub(p.lastSweep) < sweepInterval {
		return false
	}
	p.lastSweep = now
	return true
}

func (p *PGStore) Delete(ctx context.Context, id string) error {
	if _, err := p.db.Exec(ctx, `DELETE FROM web_session WHERE id = $1`, id); err != nil {
		return fmt.Errorf("session: delete: %w", err)
	}
	return nil
}

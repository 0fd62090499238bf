package patient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

type queryable interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// PGProvider reads patients from the local patient table. It is the
// fallback source when the external API cannot be reached.
type PGProvider struct {
	db queryable
}

// NewPGProvider creates a provider over db.
func NewPGProvider(db queryable) *PGProvider {
	return &PGProvider{db: db}
}

func (p *PGProvider) GetPatient(ctx context.Context, _ string, id string) (*Record, error) {
	var (
		r         Record
		birthDate time.Time
	)
	err := p.db.QueryRow(ctx,
		`SELECT id, mrn, first_name, last_name, birth_date FROM patient WHERE id = $1`, id,
	).Scan(&r.ID, &r.MRN, &r.FirstName, &r.LastName, &birthDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	r.DateOfBirth = birthDate.Format("2006-01-02")
	return &r, nil
}

package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

type queryable interface {
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type userRepoPG struct {
	db queryable
}

// NewUserRepo returns a repository over the app_user table.
func NewUserRepo(db queryable) UserRepository {
	return &userRepoPG{db: db}
}

func (r *userRepoPG) FindByUsername(ctx context.Context, username string) (*LocalUser, error) {
	var u LocalUser
	err := r.db.QueryRow(ctx, `
		SELECT id, username, display_name, role, password_hash, active
		FROM app_user WHERE username = $1`, username,
	).Scan(&u.ID, &u.Username, &u.Name, &u.Role, &u.PasswordHash, &u.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	return &u, nil
}

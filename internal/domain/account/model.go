// Package account signs staff into the portal. The external EHR API is
// asked first; local accounts are used only when it cannot be reached.
package account

import "errors"

var (
	// ErrInvalidCredentials is the only failure a client learns about a bad
	// username or password.
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrRateLimited means the client IP used its login budget.
	ErrRateLimited = errors.New("too many login attempts")
	// ErrUnavailable means no account source could answer.
	ErrUnavailable = errors.New("sign-in unavailable")
	// ErrUserNotFound is returned by user repositories.
	ErrUserNotFound = errors.New("user not found")
)

// Login outcome labels used for metrics and audit details.
const (
	OutcomeSuccess     = "success"
	OutcomeInvalid     = "invalid_credentials"
	OutcomeRateLimited = "rate_limited"
	OutcomeUnavailable = "unavailable"
)

// Sources an identity can come from.
const (
	SourceRemote    = "remote"
	SourceLocal     = "local"
	SourceBootstrap = "bootstrap"
)

// Identity is a signed-in user.
type Identity struct {
	ID       string
	Username string
	Name     string
	Role     string
	// APIToken is the bearer token for the external API. Empty for local
	// sign-ins.
	APIToken string
	Source   string
}

// LocalUser is a row of the app_user table or the bootstrap admin.
type LocalUser struct {
	ID           string
	Username     string
	Name         string
	Role         string
	PasswordHash string
	Active       bool
}

func (u *LocalUser) identity(source string) *Identity {
	return &Identity{
		ID:       u.ID,
		Username: u.Username,
		Name:     u.Name,
		Role:     u.Role,
		Source:   source,
	}
}

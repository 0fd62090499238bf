package account

import (
	"context"

	"github.com/ehr/portal/internal/platform/apiclient"
)

// UserRepository looks up local accounts.
type UserRepository interface {
	FindByUsername(ctx context.Context, username string) (*LocalUser, error)
}

// RemoteLogin is the part of apiclient.Client used for sign-in.
type RemoteLogin interface {
	Login(ctx context.Context, username, password string) (*apiclient.LoginResult, error)
}

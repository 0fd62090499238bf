package account

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ehr/portal/internal/platform/apiclient"
	"github.com/ehr/portal/internal/platform/auth"
	"github.com/ehr/portal/internal/platform/hipaa"
	"github.com/ehr/portal/internal/platform/ratelimit"
)

// Recorder receives one call per login attempt.
type Recorder interface {
	LoginAttempt(outcome, source string)
}

type nopRecorder struct{}

func (nopRecorder) LoginAttempt(string, string) {}

// Options configures an Authenticator. Every source is optional.
type Options struct {
	// Remote is the external API. Nil means local accounts only.
	Remote RemoteLogin
	// Tokens validates the API's login token when set.
	Tokens *auth.TokenVerifier
	// Users is the local app_user table.
	Users UserRepository
	// Bootstrap is the admin account created by the setup wizard.
	Bootstrap *LocalUser
}

// Authenticator checks credentials under a per-IP attempt limit.
type Authenticator struct {
	opts    Options
	limiter *ratelimit.Limiter
	audit   hipaa.AuditSink
	metrics Recorder
	logger  zerolog.Logger
}

func NewAuthenticator(opts Options, limiter *ratelimit.Limiter, audit hipaa.AuditSink, metrics Recorder, logger zerolog.Logger) *Authenticator {
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &Authenticator{opts: opts, limiter: limiter, audit: audit, metrics: metrics, logger: logger}
}

// Policy returns the login attempt budget.
func (a *Authenticator) Policy() ratelimit.Policy {
	return a.limiter.Policy()
}

// Login checks username and password for a client at ip. It returns
// ErrRateLimited, ErrInvalidCredentials or ErrUnavailable on failure.
func (a *Authenticator) Login(ctx context.Context, username, password, ip string) (*Identity, error) {
	username = strings.TrimSpace(username)
	id, source, err := a.login(ctx, username, password, ip)
	a.record(ctx, username, ip, id, source, err)
	return id, err
}

func (a *Authenticator) login(ctx context.Context, username, password, ip string) (*Identity, string, error) {
	key := ratelimit.LoginKey(ip)
	if a.limiter.IsLimited(ctx, key) {
		return nil, "", ErrRateLimited
	}

	if username == "" || password == "" {
		a.countAttempt(ctx, key)
		return nil, "", ErrInvalidCredentials
	}

	id, source, err := a.authenticate(ctx, username, password)
	switch {
	case err == nil:
		if err := a.limiter.Clear(ctx, key); err != nil {
			a.logger.Error().Err(err).Str("type", "rate_limit").Msg("failed to clear login attempts")
		}
		return id, source, nil
	case errors.Is(err, ErrInvalidCredentials):
		a.countAttempt(ctx, key)
		return nil, source, ErrInvalidCredentials
	default:
		return nil, source, err
	}
}

// authenticate asks the remote API first. Local accounts are consulted only
// when the API is unreachable or not configured; a rejection from the API
// is final.
func (a *Authenticator) authenticate(ctx context.Context, username, password string) (*Identity, string, error) {
	if a.opts.Remote != nil {
		id, err := a.remote(ctx, username, password)
		switch {
		case err == nil:
			return id, SourceRemote, nil
		case errors.Is(err, ErrInvalidCredentials):
			return nil, SourceRemote, err
		}
		if !errors.Is(err, apiclient.ErrNotConfigured) {
			a.logger.Warn().Err(err).Str("type", "upstream").Msg("login api unavailable, trying local accounts")
		}
	}
	return a.local(ctx, username, password)
}

func (a *Authenticator) remote(ctx context.Context, username, password string) (*Identity, error) {
	res, err := a.opts.Remote.Login(ctx, username, password)
	if errors.Is(err, apiclient.ErrUnauthorized) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	id := &Identity{
		ID:       res.User.ID,
		Username: res.User.Username,
		Name:     res.User.Name,
		Role:     res.User.Role,
		APIToken: res.Token,
		Source:   SourceRemote,
	}
	if a.opts.Tokens != nil {
		claims, err := a.opts.Tokens.Parse(res.Token)
		if err != nil {
			return nil, err
		}
		id.ID = claims.Subject
		if claims.Username != "" {
			id.Username = claims.Username
		}
		if claims.Name != "" {
			id.Name = claims.Name
		}
		if claims.Role != "" {
			id.Role = claims.Role
		}
	}
	if id.ID == "" {
		return nil, errors.New("login response carries no user id")
	}
	if id.Username == "" {
		id.Username = username
	}
	return id, nil
}

func (a *Authenticator) local(ctx context.Context, username, password string) (*Identity, string, error) {
	if b := a.opts.Bootstrap; b != nil && b.Username != "" && b.Username == username {
		if auth.VerifyPassword(b.PasswordHash, password) {
			return b.identity(SourceBootstrap), SourceBootstrap, nil
		}
		return nil, SourceBootstrap, ErrInvalidCredentials
	}

	if a.opts.Users == nil {
		if a.opts.Remote == nil {
			auth.VerifyPassword("", password)
			return nil, SourceLocal, ErrInvalidCredentials
		}
		return nil, SourceLocal, ErrUnavailable
	}

	u, err := a.opts.Users.FindByUsername(ctx, username)
	switch {
	case errors.Is(err, ErrUserNotFound):
		auth.VerifyPassword("", password)
		return nil, SourceLocal, ErrInvalidCredentials
	case err != nil:
		a.logger.Error().Err(err).Str("type", "account").Msg("local account lookup failed")
		return nil, SourceLocal, ErrUnavailable
	}

	if !auth.VerifyPassword(u.PasswordHash, password) || !u.Active {
		return nil, SourceLocal, ErrInvalidCredentials
	}
	return u.identity(SourceLocal), SourceLocal, nil
}

func (a *Authenticator) countAttempt(ctx context.Context, key ratelimit.Key) {
	if err := a.limiter.RecordAttempt(ctx, key); err != nil {
		a.logger.Error().Err(err).Str("type", "rate_limit").Msg("failed to record login attempt")
	}
}

func (a *Authenticator) record(ctx context.Context, username, ip string, id *Identity, source string, err error) {
	outcome := outcomeFor(err)
	a.metrics.LoginAttempt(outcome, source)

	evt := a.logger.Info()
	if err != nil {
		evt = a.logger.Warn()
	}
	evt.Str("type", "login").
		Str("outcome", outcome).
		Str("source", source).
		Str("username", username).
		Str("remote_ip", ip).
		Msg("login attempt")

	ev := hipaa.AuditEvent{
		Action:       "auth.login",
		Outcome:      hipaa.OutcomeFailure,
		ResourceType: "User",
		ResourceID:   username,
		IPAddress:    ip,
		Details:      outcome,
	}
	if id != nil {
		ev.Outcome = hipaa.OutcomeSuccess
		ev.UserID = id.ID
	}
	if err := a.audit.Record(ctx, ev); err != nil {
		a.logger.Error().Err(err).Str("type", "audit").Msg("failed to queue login audit event")
	}
}

func outcomeFor(err error) string {
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrRateLimited):
		return OutcomeRateLimited
	case errors.Is(err, ErrInvalidCredentials):
		return OutcomeInvalid
	default:
		return OutcomeUnavailable
	}
}

// Package apiclient talks to the external EHR API that owns patient
// demographics and user accounts.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

var (
	// ErrNotFound means the API answered authoritatively that the resource
	// does not exist.
	ErrNotFound = errors.New("api: not found")
	// ErrUnauthorized means the API rejected the supplied credentials.
	ErrUnauthorized = errors.New("api: unauthorized")
	// ErrUnavailable covers transport failures, timeouts, 5xx responses and
	// bodies that cannot be decoded.
	ErrUnavailable = errors.New("api: unavailable")
	// ErrNotConfigured is returned when no base URL is set.
	ErrNotConfigured = errors.New("api: base url not configured")
)

// maxResponseBytes bounds decoded response bodies.
const maxResponseBytes = 1 << 20

// Config holds client settings.
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	RetryMax int
	// OnUnavailable, when set, is called with the operation name each time a
	// call ends in ErrUnavailable.
	OnUnavailable func(operation string)
}

// Patient is the subset of the API's patient resource the portal reads.
type Patient struct {
	ID          string `json:"id"`
	MRN         string `json:"mrn"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	DateOfBirth string `json:"date_of_birth"`
}

// User is the account returned with a login token.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
	Role     string `json:"role"`
}

// LoginResult is the API's answer to a successful login.
type LoginResult struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// Client is a retrying JSON client for the EHR API. Idempotent failures
// (connection errors, 5xx) are retried with backoff before being reported as
// ErrUnavailable.
type Client struct {
	base          *url.URL
	http          *retryablehttp.Client
	onUnavailable func(operation string)
}

// New creates a client. An empty BaseURL yields a client whose calls all
// return ErrNotConfigured.
func New(cfg Config, logger zerolog.Logger) (*Client, error) {
	c := &Client{onUnavailable: cfg.OnUnavailable}
	if cfg.BaseURL != "" {
		u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("api client: invalid base url %q", cfg.BaseURL)
		}
		c.base = u
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 100 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.Logger = leveledLogger{logger: logger.With().Str("component", "apiclient").Logger()}
	// Hand the final response back instead of a synthetic "giving up" error
	// so status mapping stays in one place.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if cfg.Timeout > 0 {
		rc.HTTPClient.Timeout = cfg.Timeout
	}
	c.http = rc
	return c, nil
}

// Configured reports whether a base URL is set.
func (c *Client) Configured() bool {
	return c.base != nil
}

// GetPatient fetches one patient by ID using the caller's bearer token.
func (c *Client) GetPatient(ctx context.Context, token, id string) (*Patient, error) {
	var p Patient
	if err := c.do(ctx, http.MethodGet, "/patients/"+url.PathEscape(id), token, nil, &p); err != nil {
		return nil, c.observe("get_patient", err)
	}
	return &p, nil
}

// Login exchanges a username and password for an API token.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	body := map[string]string{"username": username, "password": password}
	var res LoginResult
	if err := c.do(ctx, http.MethodPost, "/auth/login", "", body, &res); err != nil {
		return nil, c.observe("login", err)
	}
	if res.Token == "" {
		return nil, c.observe("login", fmt.Errorf("%w: login response without token", ErrUnavailable))
	}
	return &res, nil
}

func (c *Client) observe(operation string, err error) error {
	if c.onUnavailable != nil && errors.Is(err, ErrUnavailable) {
		c.onUnavailable(operation)
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path, token string, in, out interface{}) error {
	if c.base == nil {
		return ErrNotConfigured
	}

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api: encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.base.String()+path, body)
	if err != nil {
		return fmt.Errorf("api: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("%w: %s %s: status %d", ErrUnavailable, method, path, resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrUnavailable, path, err)
	}
	return nil
}

// leveledLogger adapts zerolog to retryablehttp.LeveledLogger.
type leveledLogger struct {
	logger zerolog.Logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.emit(l.logger.Error(), msg, kv) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.emit(l.logger.Warn(), msg, kv) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.emit(l.logger.Debug(), msg, kv) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.emit(l.logger.Debug(), msg, kv) }

func (l leveledLogger) emit(evt *zerolog.Event, msg string, kv []interface{}) {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		// Request objects would dump headers, including the bearer token.
		switch kv[i+1].(type) {
		case *http.Request, *http.Response:
			continue
		}
		evt = evt.Interface(key, kv[i+1])
	}
	evt.Msg(msg)
}

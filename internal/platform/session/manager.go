package session

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// CookieName is the cookie carrying the session ID.
const CookieName = "ehr_session"

// Manager ties sessions in a Store to the request cookie.
type Manager struct {
	store  Store
	ttl    time.Duration
	secure bool
	logger zerolog.Logger
	nowFn  func() time.Time
}

// NewManager creates a session manager. secure controls the cookie's Secure
// attribute and should only be false in development.
func NewManager(store Store, ttl time.Duration, secure bool, logger zerolog.Logger) *Manager {
	return &Manager{store: store, ttl: ttl, secure: secure, logger: logger, nowFn: time.Now}
}

// Load returns the session named by the request cookie. When the cookie is
// absent, unknown or expired, a fresh anonymous session is returned without
// being stored; Attach stores it only if the request gets a real response.
func (m *Manager) Load(c echo.Context) (*Session, error) {
	ctx := c.Request().Context()

	if cookie, err := c.Cookie(CookieName); err == nil && cookie.Value != "" {
		s, err := m.store.Get(ctx, cookie.Value)
		switch {
		case err == nil && !s.Expired(m.nowFn()):
			return s, nil
		case err != nil && !errors.Is(err, ErrNotFound):
			return nil, fmt.Errorf("load session: %w", err)
		}
	}

	s, err := m.newSession()
	if err != nil {
		return nil, err
	}
	s.unsaved = true
	return s, nil
}

// Save persists s and refreshes the cookie. Handlers must call it before
// writing the response body.
func (m *Manager) Save(c echo.Context, s *Session) error {
	s.unsaved = false
	if err := m.store.Save(c.Request().Context(), s); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	m.setCookie(c, s.ID, s.ExpiresAt)
	return nil
}

// Regenerate moves the session to a new ID with a new CSRF token and a fresh
// lifetime. Grants unlocked under the old ID are dropped and the old ID is
// deleted, so an ID planted before login is useless after it.
func (m *Manager) Regenerate(c echo.Context, s *Session) error {
	oldID := s.ID

	fresh, err := m.newSession()
	if err != nil {
		return err
	}
	s.ID = fresh.ID
	s.CSRFToken = fresh.CSRFToken
	s.Grants = nil
	s.CreatedAt = fresh.CreatedAt
	s.ExpiresAt = fresh.ExpiresAt

	if err := m.store.Delete(c.Request().Context(), oldID); err != nil {
		m.logger.Warn().Err(err).Msg("failed to delete previous session")
	}
	return m.Save(c, s)
}

// Destroy deletes the session and expires the cookie.
func (m *Manager) Destroy(c echo.Context, s *Session) error {
	s.unsaved = false
	if err := m.store.Delete(c.Request().Context(), s.ID); err != nil {
		return fmt.Errorf("destroy session: %w", err)
	}
	c.SetCookie(&http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// persistOnWrite stores an unsaved session just before the response header
// is written. Unmatched routes (404) and server errors never create server
// state, so cookieless traffic to arbitrary paths costs nothing.
func (m *Manager) persistOnWrite(c echo.Context, s *Session) {
	c.Response().Before(func() {
		status := c.Response().Status
		if !s.unsaved || status == http.StatusNotFound || status >= http.StatusInternalServerError {
			return
		}
		if err := m.Save(c, s); err != nil {
			m.logger.Error().Err(err).Msg("failed to store new session")
		}
	})
}

func (m *Manager) newSession() (*Session, error) {
	id, err := newID()
	if err != nil {
		return nil, err
	}
	token, err := newCSRFToken()
	if err != nil {
		return nil, err
	}
	now := m.nowFn()
	return &Session{
		ID:        id,
		CSRFToken: token,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}, nil
}

func (m *Manager) setCookie(c echo.Context, id string, expires time.Time) {
	c.SetCookie(&http.Cookie{
		Name:     CookieName,
		Value:    id,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

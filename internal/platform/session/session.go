// Package session holds server-side browser sessions: identity after login,
// the CSRF token, and the patient access grants unlocked in this session.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by a Store when the session does not exist or has
// expired.
var ErrNotFound = errors.New("session not found")

// Grant is the stored form of a patient access grant. The signature is
// computed by the patient package; the session only carries it.
type Grant struct {
	ExpiresAt time.Time `json:"expires_at"`
	Signature string    `json:"signature"`
}

// Session is the per-browser state kept server-side. Only the ID travels in
// the cookie.
type Session struct {
	ID        string           `json:"id"`
	UserID    string           `json:"user_id,omitempty"`
	Username  string           `json:"username,omitempty"`
	Role      string           `json:"role,omitempty"`
	CSRFToken string           `json:"csrf_token"`
	APIToken  string           `json:"api_token,omitempty"`
	Grants    map[string]Grant `json:"grants,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	ExpiresAt time.Time        `json:"expires_at"`

	// unsaved is set on a session Load created and nothing has stored yet.
	unsaved bool
}

// Authenticated reports whether a user has logged in on this session.
func (s *Session) Authenticated() bool {
	return s.UserID != ""
}

// Expired reports whether the session lifetime has passed at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

func (s *Session) clone() *Session {
	cp := *s
	if s.Grants != nil {
		cp.Grants = make(map[string]Grant, len(s.Grants))
		for k, v := range s.Grants {
			cp.Grants[k] = v
		}
	}
	return &cp
}

// Store persists sessions by ID.
type Store interface {
	Get(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
}

func newID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	return hex.EncodeToString(b), nil
}

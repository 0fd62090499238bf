package session

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"github.com/labstack/echo/v4"
)

// CSRFField is the form field and JSON key carrying the anti-forgery token.
const CSRFField = "csrf_token"

// CSRFHeader carries the token for JSON clients.
const CSRFHeader = "X-CSRF-Token"

// RequestCSRF returns the token submitted with c: the CSRFHeader when
// present, otherwise the CSRFField form value.
func RequestCSRF(c echo.Context) string {
	if token := c.Request().Header.Get(CSRFHeader); token != "" {
		return token
	}
	return c.FormValue(CSRFField)
}

func newCSRFToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate csrf token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// ValidCSRF compares token with the session's expected value in constant
// time. A missing token on either side never matches.
func ValidCSRF(s *Session, token string) bool {
	if s == nil || s.CSRFToken == "" || token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(s.CSRFToken), []byte(token)) == 1
}

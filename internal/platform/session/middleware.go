package session

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
)

const contextKey = "session"

// Attach loads the session for every request and stores it on the context.
func Attach(m *Manager) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			s, err := m.Load(c)
			if err != nil {
				m.logger.Error().Err(err).Msg("session unavailable")
				return echo.NewHTTPError(http.StatusServiceUnavailable, "session unavailable")
			}
			if s.unsaved {
				m.persistOnWrite(c, s)
			}
			c.Set(contextKey, s)
			return next(c)
		}
	}
}

// FromContext returns the session attached to c, or nil.
func FromContext(c echo.Context) *Session {
	s, _ := c.Get(contextKey).(*Session)
	return s
}

// RequireLogin rejects anonymous sessions. Browser requests are redirected to
// the login page with the current path as return_to; API clients get 401.
func RequireLogin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			s := FromContext(c)
			if s != nil && s.Authenticated() {
				return next(c)
			}
			if WantsJSON(c) {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			target := "/login?return_to=" + url.QueryEscape(c.Request().URL.RequestURI())
			return c.Redirect(http.StatusSeeOther, target)
		}
	}
}

// WantsJSON reports whether the client asked for a JSON response.
func WantsJSON(c echo.Context) bool {
	accept := c.Request().Header.Get(echo.HeaderAccept)
	return strings.Contains(accept, echo.MIMEApplicationJSON)
}

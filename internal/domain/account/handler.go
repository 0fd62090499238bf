package account

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/portal/internal/platform/session"
)

// LoginView is what the login page renders.
type LoginView struct {
	CSRFToken string `json:"csrf_token"`
	ReturnTo  string `json:"return_to"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
}

type loginForm struct {
	Username  string `json:"username" form:"username"`
	Password  string `json:"password" form:"password"`
	CSRFToken string `json:"csrf_token" form:"csrf_token"`
	ReturnTo  string `json:"return_to" form:"return_to"`
}

type Handler struct {
	auth     *Authenticator
	sessions *session.Manager
	logger   zerolog.Logger
}

func NewHandler(auth *Authenticator, sessions *session.Manager, logger zerolog.Logger) *Handler {
	return &Handler{auth: auth, sessions: sessions, logger: logger}
}

// RegisterRoutes mounts /login and /logout on g, which must carry
// session.Attach.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/login", h.LoginPage)
	g.POST("/login", h.Login)
	g.POST("/logout", h.Logout)
	g.GET("/", h.Home, session.RequireLogin())
}

// Home describes the signed-in user.
func (h *Handler) Home(c echo.Context) error {
	s := session.FromContext(c)
	return c.JSON(http.StatusOK, map[string]string{
		"user_id":    s.UserID,
		"username":   s.Username,
		"role":       s.Role,
		"csrf_token": s.CSRFToken,
	})
}

// LoginPage returns the CSRF token for the login form, or forwards an
// already signed-in user.
func (h *Handler) LoginPage(c echo.Context) error {
	s := session.FromContext(c)
	returnTo := session.SafeReturnTo(c.QueryParam("return_to"), "/")
	if s.Authenticated() {
		return c.Redirect(http.StatusSeeOther, returnTo)
	}
	return c.JSON(http.StatusOK, LoginView{CSRFToken: s.CSRFToken, ReturnTo: returnTo})
}

// Login handles a credential submission. On success the session moves to a
// new ID before the user is attached to it.
func (h *Handler) Login(c echo.Context) error {
	s := session.FromContext(c)

	var form loginForm
	if err := c.Bind(&form); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	returnTo := session.SafeReturnTo(form.ReturnTo, "/")

	if !session.ValidCSRF(s, form.CSRFToken) {
		h.logger.Warn().Str("type", "csrf").Str("remote_ip", c.RealIP()).Msg("login csrf check failed")
		return h.fail(c, s, returnTo, http.StatusForbidden, "csrf", "Your session expired. Reload the page and try again.")
	}

	id, err := h.auth.Login(c.Request().Context(), form.Username, form.Password, c.RealIP())
	switch {
	case errors.Is(err, ErrRateLimited):
		return h.fail(c, s, returnTo, http.StatusTooManyRequests, "rate_limited",
			"Too many login attempts. Try again in "+h.auth.Policy().LockoutDescription()+".")
	case errors.Is(err, ErrInvalidCredentials):
		return h.fail(c, s, returnTo, http.StatusUnauthorized, "invalid_credentials", "Invalid username or password.")
	case err != nil:
		return h.fail(c, s, returnTo, http.StatusServiceUnavailable, "unavailable", "Sign-in is temporarily unavailable.")
	}

	s.UserID = id.ID
	s.Username = id.Username
	s.Role = id.Role
	s.APIToken = id.APIToken
	if err := h.sessions.Regenerate(c, s); err != nil {
		h.logger.Error().Err(err).Msg("failed to start signed-in session")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "session unavailable")
	}

	if session.WantsJSON(c) {
		return c.JSON(http.StatusOK, map[string]string{"redirect": returnTo, "csrf_token": s.CSRFToken})
	}
	return c.Redirect(http.StatusSeeOther, returnTo)
}

// Logout ends the session.
func (h *Handler) Logout(c echo.Context) error {
	s := session.FromContext(c)
	token := session.RequestCSRF(c)
	if token == "" {
		var body struct {
			CSRFToken string `json:"csrf_token"`
		}
		if err := c.Bind(&body); err == nil {
			token = body.CSRFToken
		}
	}
	if !session.ValidCSRF(s, token) {
		return echo.NewHTTPError(http.StatusForbidden, "invalid csrf token")
	}
	if err := h.sessions.Destroy(c, s); err != nil {
		h.logger.Error().Err(err).Msg("failed to destroy session")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "session unavailable")
	}
	if session.WantsJSON(c) {
		return c.NoContent(http.StatusNoContent)
	}
	return c.Redirect(http.StatusSeeOther, "/login")
}

func (h *Handler) fail(c echo.Context, s *session.Session, returnTo string, status int, code, msg string) error {
	return c.JSON(status, LoginView{
		CSRFToken: s.CSRFToken,
		ReturnTo:  returnTo,
		Error:     code,
		Message:   msg,
	})
}

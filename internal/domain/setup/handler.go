package setup

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/portal/internal/platform/auth"
	"github.com/ehr/portal/internal/platform/session"
)

// View describes the wizard's state to the client.
type View struct {
	Step            Step   `json:"step"`
	Steps           []Step `json:"steps"`
	CSRFToken       string `json:"csrf_token"`
	Field           string `json:"field,omitempty"`
	Error           string `json:"error,omitempty"`
	RestartRequired bool   `json:"restart_required,omitempty"`
}

type Handler struct {
	wizard *Wizard
	logger zerolog.Logger
}

func NewHandler(wizard *Wizard, logger zerolog.Logger) *Handler {
	return &Handler{wizard: wizard, logger: logger}
}

// RegisterRoutes mounts the wizard on g, which must carry session.Attach.
// The routes answer 404 once setup is complete.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/setup", h.Show, h.hideWhenComplete)
	g.POST("/setup/:step", h.Submit, h.hideWhenComplete)
}

// Show returns the current step.
func (h *Handler) Show(c echo.Context) error {
	return c.JSON(http.StatusOK, h.view(c))
}

// Submit applies one step. Steps must be submitted in order.
func (h *Handler) Submit(c echo.Context) error {
	s := session.FromContext(c)
	if !session.ValidCSRF(s, session.RequestCSRF(c)) {
		return echo.NewHTTPError(http.StatusForbidden, "invalid csrf token")
	}

	ctx := c.Request().Context()
	var err error
	switch Step(c.Param("step")) {
	case StepDatabase:
		var in DatabaseInput
		if err := c.Bind(&in); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		err = h.wizard.Database(ctx, in)
	case StepAdmin:
		var in AdminInput
		if err := c.Bind(&in); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		err = h.wizard.Admin(in)
	case StepEncryption:
		var in EncryptionInput
		if err := c.Bind(&in); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
		err = h.wizard.Encryption(in)
	default:
		return echo.NewHTTPError(http.StatusNotFound, "unknown setup step")
	}

	view := h.view(c)
	var verr *ValidationError
	switch {
	case err == nil:
		view.RestartRequired = view.Step == StepComplete
		return c.JSON(http.StatusOK, view)
	case errors.As(err, &verr):
		view.Field = verr.Field
		view.Error = verr.Message
		return c.JSON(http.StatusUnprocessableEntity, view)
	case errors.Is(err, ErrDatabaseUnreachable):
		view.Error = "could not connect with these settings"
		return c.JSON(http.StatusUnprocessableEntity, view)
	case errors.Is(err, ErrWrongStep):
		view.Error = "complete the " + string(view.Step) + " step first"
		return c.JSON(http.StatusConflict, view)
	case errors.Is(err, ErrSetupComplete):
		return echo.NewHTTPError(http.StatusNotFound)
	default:
		h.logger.Error().Err(err).Str("type", "setup").Msg("setup step failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "setup step failed")
	}
}

func (h *Handler) view(c echo.Context) View {
	return View{
		Step:      h.wizard.Current(),
		Steps:     Steps,
		CSRFToken: session.FromContext(c).CSRFToken,
	}
}

func (h *Handler) hideWhenComplete(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if h.wizard.Complete() {
			return echo.NewHTTPError(http.StatusNotFound)
		}
		return next(c)
	}
}

// RequireSetup sends every non-infrastructure request to the wizard until
// it is complete.
func RequireSetup(w *Wizard) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if w.Complete() || auth.IsPublicPath(c.Request().URL.Path) {
				return next(c)
			}
			if session.WantsJSON(c) {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{
					"error":     "setup_required",
					"setup_url": "/setup",
				})
			}
			return c.Redirect(http.StatusSeeOther, "/setup")
		}
	}
}

package patient

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/portal/internal/platform/session"
)

// ChallengeView is the data a challenge page renders. It never carries the
// date of birth or the full name.
type ChallengeView struct {
	PatientID  string `json:"patient_id"`
	MaskedName string `json:"masked_name"`
	CSRFToken  string `json:"csrf_token"`
	ReturnTo   string `json:"return_to"`
	LockedOut  bool   `json:"locked_out"`
	Error      string `json:"error,omitempty"`
	Message    string `json:"message,omitempty"`
}

// ChartView is the protected resource served once access is granted.
type ChartView struct {
	ID          string `json:"id"`
	MRN         string `json:"mrn"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	DateOfBirth string `json:"date_of_birth"`
}

type verifyForm struct {
	DOB       string `json:"dob" form:"dob"`
	CSRFToken string `json:"csrf_token" form:"csrf_token"`
	ReturnTo  string `json:"return_to" form:"return_to"`
}

type Handler struct {
	gate     *Gate
	provider Provider
	sessions *session.Manager
	logger   zerolog.Logger
}

func NewHandler(gate *Gate, provider Provider, sessions *session.Manager, logger zerolog.Logger) *Handler {
	return &Handler{gate: gate, provider: provider, sessions: sessions, logger: logger}
}

// RegisterRoutes mounts the challenge on g, a group at /patients that
// already requires a logged-in session. chart wraps the chart route with any
// extra middleware such as access auditing.
func (h *Handler) RegisterRoutes(g *echo.Group, chart ...echo.MiddlewareFunc) {
	g.GET("/:id/verify", h.Challenge)
	g.POST("/:id/verify", h.Verify)

	chartMW := append([]echo.MiddlewareFunc{h.RequireVerifiedPatient("id")}, chart...)
	g.GET("/:id/chart", h.Chart, chartMW...)
}

// Challenge shows the DOB prompt, or forwards immediately when the session
// already holds a valid grant.
func (h *Handler) Challenge(c echo.Context) error {
	s := session.FromContext(c)
	patientID := c.Param("id")
	returnTo := session.SafeReturnTo(c.QueryParam("return_to"), chartPath(patientID))

	if h.gate.CheckAccess(s, patientID) == Granted {
		return c.Redirect(http.StatusSeeOther, returnTo)
	}

	view := h.challengeView(c, s, patientID, returnTo)
	return c.JSON(http.StatusOK, view)
}

// Verify handles a challenge submission.
func (h *Handler) Verify(c echo.Context) error {
	s := session.FromContext(c)
	patientID := c.Param("id")

	var form verifyForm
	if err := c.Bind(&form); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	returnTo := session.SafeReturnTo(form.ReturnTo, chartPath(patientID))

	if !h.gate.Enabled() {
		return h.forward(c, returnTo)
	}

	res := h.gate.Verify(c.Request().Context(), s, VerifyRequest{
		PatientID: patientID,
		DOB:       form.DOB,
		CSRFToken: form.CSRFToken,
		IP:        c.RealIP(),
	})

	if res.Outcome == OutcomeGranted {
		if err := h.sessions.Save(c, s); err != nil {
			h.logger.Error().Err(err).Msg("failed to persist access grant")
			return echo.NewHTTPError(http.StatusServiceUnavailable, "session unavailable")
		}
		return h.forward(c, returnTo)
	}

	view := h.challengeView(c, s, patientID, returnTo)
	view.Error = res.Outcome.Classification()
	view.Message = res.Outcome.Message(h.gate.Policy())
	view.LockedOut = view.LockedOut || res.Outcome == OutcomeRateLimited
	return c.JSON(statusFor(res.Outcome), view)
}

// Chart serves the protected record.
func (h *Handler) Chart(c echo.Context) error {
	s := session.FromContext(c)
	rec, err := h.provider.GetPatient(c.Request().Context(), s.APIToken, c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "patient not found")
		}
		h.logger.Error().Err(err).Str("type", "upstream").Msg("failed to load chart")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "patient record unavailable")
	}
	return c.JSON(http.StatusOK, ChartView{
		ID:          rec.ID,
		MRN:         rec.MRN,
		FirstName:   rec.FirstName,
		LastName:    rec.LastName,
		DateOfBirth: rec.DateOfBirth,
	})
}

// RequireVerifiedPatient lets the request through only when the session
// holds a valid grant for the patient named by idParam. Browsers are sent to
// the challenge with the current URL as return_to; API clients get 403.
func (h *Handler) RequireVerifiedPatient(idParam string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			patientID := c.Param(idParam)
			if h.gate.CheckAccess(session.FromContext(c), patientID) == Granted {
				return next(c)
			}

			target := verifyPath(patientID) + "?return_to=" + url.QueryEscape(c.Request().URL.RequestURI())
			if session.WantsJSON(c) {
				return c.JSON(http.StatusForbidden, map[string]string{
					"error":      "verification_required",
					"verify_url": target,
				})
			}
			return c.Redirect(http.StatusSeeOther, target)
		}
	}
}

func (h *Handler) challengeView(c echo.Context, s *session.Session, patientID, returnTo string) ChallengeView {
	masked := MaskName("")
	if rec, err := h.provider.GetPatient(c.Request().Context(), s.APIToken, patientID); err == nil {
		masked = MaskName(rec.FirstName)
	}
	return ChallengeView{
		PatientID:  patientID,
		MaskedName: masked,
		CSRFToken:  s.CSRFToken,
		ReturnTo:   returnTo,
		LockedOut:  h.gate.IsLockedOut(c.Request().Context(), s, patientID),
	}
}

func (h *Handler) forward(c echo.Context, returnTo string) error {
	if session.WantsJSON(c) {
		return c.JSON(http.StatusOK, map[string]string{
			"outcome":  string(OutcomeGranted),
			"redirect": returnTo,
		})
	}
	return c.Redirect(http.StatusSeeOther, returnTo)
}

func statusFor(o Outcome) int {
	switch o {
	case OutcomeCSRFFailure:
		return http.StatusForbidden
	case OutcomeMalformed:
		return http.StatusUnprocessableEntity
	case OutcomeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusUnauthorized
	}
}

func chartPath(patientID string) string {
	return "/patients/" + url.PathEscape(patientID) + "/chart"
}

func verifyPath(patientID string) string {
	return "/patients/" + url.PathEscape(patientID) + "/verify"
}

package middleware

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/portal/internal/platform/hipaa"
	"github.com/ehr/portal/internal/platform/session"
)

// Audit records every request on a route that serves patient data. The
// record is written after the handler runs so the outcome reflects the
// response status. Recording failures are logged and never change the
// response.
func Audit(sink hipaa.AuditSink, action, resourceType, idParam string, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			} else if err != nil {
				status = http.StatusInternalServerError
			}

			outcome := hipaa.OutcomeSuccess
			if status >= 400 {
				outcome = hipaa.OutcomeFailure
			}

			event := hipaa.AuditEvent{
				Action:       action,
				Outcome:      outcome,
				ResourceType: resourceType,
				ResourceID:   c.Param(idParam),
				IPAddress:    c.RealIP(),
				Details:      c.Request().Method + " status=" + strconv.Itoa(status),
			}
			if s := session.FromContext(c); s != nil {
				event.UserID = s.UserID
			}

			if recErr := sink.Record(c.Request().Context(), event); recErr != nil {
				rid, _ := c.Get("request_id").(string)
				logger.Error().Err(recErr).
					Str("request_id", rid).
					Str("action", action).
					Msg("failed to record audit entry")
			}

			return err
		}
	}
}

package middleware

import (
	"github.com/labstack/echo/v4"
)

// portalHeaders apply to every response. Pages can show patient context, so
// nothing is cached, framed, or allowed to post forms off-site.
var portalHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"X-XSS-Protection", "0"},
	{"Content-Security-Policy", "default-src 'self'; form-action 'self'; frame-ancestors 'none'; base-uri 'none'; object-src 'none'"},
	{"Referrer-Policy", "same-origin"},
	{"Permissions-Policy", "camera=(), microphone=(), geolocation=()"},
	{"Cache-Control", "no-store"},
	{"Pragma", "no-cache"},
}

// SecurityHeaders sets portalHeaders, plus HSTS when hsts is true. Dev
// servers on plain HTTP pass false.
func SecurityHeaders(hsts bool) echo.MiddlewareFunc {
	headers := portalHeaders
	if hsts {
		headers = append(headers[:len(headers):len(headers)],
			[2]string{"Strict-Transport-Security", "max-age=31536000; includeSubDomains"})
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			h := c.Response().Header()
			for _, kv := range headers {
				h.Set(kv[0], kv[1])
			}
			return next(c)
		}
	}
}

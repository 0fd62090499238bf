package middleware

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
)

// BodyLimit rejects request bodies larger than limit with 413. Login, setup
// and DOB forms are a few short fields, so the portal runs with "64K".
//
// limit is a byte count with an optional K, M or G suffix ("16K", "1M").
func BodyLimit(limit string) echo.MiddlewareFunc {
	max := parseLimit(limit)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			switch {
			case req.Body == nil || req.Body == http.NoBody:
			case req.ContentLength > max:
				return bodyTooLarge()
			default:
				// A missing or understated Content-Length is caught while reading.
				req.Body = &cappedBody{body: req.Body, left: max}
			}
			return next(c)
		}
	}
}

func bodyTooLarge() error {
	return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
}

// cappedBody fails every read once more than left bytes have been consumed.
type cappedBody struct {
	body io.ReadCloser
	left int64
}

func (b *cappedBody) Read(p []byte) (int, error) {
	if b.left < 0 {
		return 0, bodyTooLarge()
	}
	if int64(len(p)) > b.left+1 {
		p = p[:b.left+1]
	}
	n, err := b.body.Read(p)
	b.left -= int64(n)
	if b.left < 0 {
		return 0, bodyTooLarge()
	}
	return n, err
}

func (b *cappedBody) Close() error {
	return b.body.Close()
}

var sizeSuffixes = map[byte]int64{'K': 1 << 10, 'M': 1 << 20, 'G': 1 << 30}

// parseLimit falls back to 64 KB for empty or unparseable input.
func parseLimit(s string) int64 {
	const fallback = 64 << 10

	s = strings.TrimSuffix(strings.ToUpper(strings.TrimSpace(s)), "B")
	mult := int64(1)
	if s != "" {
		if m, ok := sizeSuffixes[s[len(s)-1]]; ok {
			mult = m
			s = s[:len(s)-1]
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return fallback
	}
	return n * mult
}

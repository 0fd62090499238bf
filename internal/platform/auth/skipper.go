package auth

import "strings"

// publicPaths are infrastructure endpoints that stay reachable before the
// first-run wizard has completed and without a session.
var publicPaths = map[string]bool{
	"/health":    true,
	"/health/db": true,
	"/metrics":   true,
}

// IsPublicPath reports whether path may be served while setup is still
// pending. Everything else is redirected to the wizard under /setup.
func IsPublicPath(path string) bool {
	return publicPaths[path] || path == "/setup" || strings.HasPrefix(path, "/setup/")
}

package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths bypass authentication. They expose no PHI.
var publicPaths = map[string]bool{
	"/health":         true,
	"/health/ready":   true,
	"/api/v1/gates":   true,
	"/api/v1/reasons": true,
}

// AuthSkipper returns true for requests whose route should skip
// authentication. Matching is on the registered route, not the raw URL.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether the given route is public.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}

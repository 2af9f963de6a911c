package middleware

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/phigate/internal/platform/auth"
	"github.com/ehr/phigate/internal/platform/phiaccess"
)

// Logger writes one line per request. Query strings are omitted; case ids
// and other identifiers may appear there.
func Logger(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}

			evt := logger.Info()
			switch {
			case status >= 500:
				evt = logger.Error().Err(err)
			case status >= 400:
				evt = logger.Warn()
			}

			// The request seen by handlers carries the identity; c.Request()
			// is replaced by the auth and guard middleware.
			ctx := c.Request().Context()
			evt = evt.
				Str("request_id", RequestIDFromContext(c)).
				Str("method", req.Method).
				Str("route", c.Path()).
				Int("status", status).
				Dur("latency", time.Since(start)).
				Str("remote_ip", c.RealIP())
			if pid := auth.PrincipalIDFromContext(ctx); pid != "" {
				evt = evt.Str("principal_id", pid)
			}
			if scope := phiaccess.ScopeFromContext(ctx); scope != nil {
				evt = evt.Str("phi_purpose", string(scope.Purpose)).Bool("phi_emergency", scope.Emergency)
			}
			evt.Msg("request")

			return err
		}
	}
}

package main

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/phigate/internal/platform/hipaa"
	"github.com/ehr/phigate/internal/platform/middleware"
	"github.com/ehr/phigate/internal/platform/phiaccess"
)

type routeDeps struct {
	engine  middleware.Evaluator
	logger  zerolog.Logger
	exports *hipaa.ExportHandler
	// audit is nil when records go to Postgres; search is then served by the
	// database's own tooling.
	audit *hipaa.MemoryAuditStore
}

func registerRoutes(e *echo.Echo, d routeDeps) {
	apiV1 := e.Group("/api/v1")

	apiV1.GET("/gates", handleGates)
	apiV1.GET("/reasons", handleReasons)

	clinical := middleware.PHIGuard(d.engine, d.logger, middleware.GuardConfig{
		Classification: phiaccess.ClassificationClinical,
	})
	apiV1.GET("/cases/:caseId/access", handleCaseAccess, clinical)

	if d.exports != nil {
		d.exports.RegisterRoutes(apiV1, clinical)
	}

	if d.audit != nil {
		auditGuard := middleware.PHIGuard(d.engine, d.logger, middleware.GuardConfig{
			Classification: phiaccess.ClassificationAudit,
		})
		hipaa.NewAuditSearchHandler(d.audit).RegisterRoutes(apiV1, auditGuard)
	}
}

func handleGates(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"gates": phiaccess.Gates()})
}

type reasonInfo struct {
	Code   phiaccess.ReasonCode  `json:"code"`
	Class  phiaccess.ReasonClass `json:"class"`
	Status int                   `json:"status"`
}

func handleReasons(c echo.Context) error {
	codes := phiaccess.AllReasonCodes()
	out := make([]reasonInfo, 0, len(codes))
	for _, code := range codes {
		out = append(out, reasonInfo{Code: code, Class: code.Class(), Status: middleware.DeniedError(code).Code})
	}
	return c.JSON(http.StatusOK, map[string]any{"reasons": out})
}

// handleCaseAccess echoes the scope granted for the case. It lets clients
// probe access without fetching PHI.
func handleCaseAccess(c echo.Context) error {
	scope := phiaccess.ScopeFromContext(c.Request().Context())
	if scope == nil {
		return echo.NewHTTPError(http.StatusForbidden, "access denied")
	}
	body := map[string]any{"scope": scope}
	if h := phiaccess.AuditHandleFromContext(c.Request().Context()); h != nil {
		if id, err := h.Wait(c.Request().Context()); err == nil {
			body["audit_id"] = id
		}
	}
	return c.JSON(http.StatusOK, body)
}

package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/phigate/internal/platform/auth"
	"github.com/ehr/phigate/internal/platform/phiaccess"
)

const (
	PurposeHeader       = "X-Access-Purpose"
	JustificationHeader = "X-Emergency-Justification"

	defaultCaseParam = "caseId"
	maxCaseBodyPeek  = 1 << 20
)

// Evaluator is the decision engine as seen by the guard.
type Evaluator interface {
	Evaluate(ctx context.Context, req *phiaccess.AccessRequest) (*phiaccess.Decision, error)
}

// GuardConfig configures one guarded route or group.
type GuardConfig struct {
	Classification phiaccess.Classification
	// CaseParam is the path parameter holding the case id. Defaults to
	// "caseId". The JSON body field and query parameter are always "caseId".
	CaseParam string
}

// DeniedResponse is the body returned for a DENY decision. It names the
// reason code and nothing else.
type DeniedResponse struct {
	Message string               `json:"message"`
	Code    phiaccess.ReasonCode `json:"code"`
}

// PHIGuard evaluates every request against the access engine before the
// handler runs. On ALLOW the scoped context and audit handle are placed on
// the request context; on DENY the handler is never invoked.
func PHIGuard(engine Evaluator, logger zerolog.Logger, cfg GuardConfig) echo.MiddlewareFunc {
	if cfg.CaseParam == "" {
		cfg.CaseParam = defaultCaseParam
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := req.Context()

			access := phiaccess.NewAccessRequest(phiaccess.AccessRequest{
				PrincipalID:     auth.PrincipalIDFromContext(ctx),
				PrincipalRoles:  auth.RolesFromContext(ctx),
				FacilityID:      auth.FacilityIDFromContext(ctx),
				Classification:  cfg.Classification,
				DeclaredPurpose: req.Header.Get(PurposeHeader),
				Metadata: phiaccess.RequestMetadata{
					Endpoint:      req.URL.Path,
					Method:        req.Method,
					CorrelationID: RequestIDFromContext(c),
					RemoteIP:      c.RealIP(),
					UserAgent:     req.UserAgent(),
				},
			})
			if j := req.Header.Get(JustificationHeader); j != "" {
				access.EmergencyJustification = &j
			}
			if caseID := resolveCaseID(c, cfg.CaseParam); caseID != "" {
				access.CaseID = &caseID
			}

			decision, err := engine.Evaluate(ctx, access)
			if err != nil {
				logger.Debug().Err(err).
					Str("request_id", access.Metadata.CorrelationID).
					Msg("phi guard: request ended before a decision")
				return echo.NewHTTPError(http.StatusServiceUnavailable, "request cancelled").SetInternal(err)
			}
			if !decision.Allowed() {
				return DeniedError(decision.Reason)
			}

			ctx = phiaccess.WithScope(ctx, decision.Scope, decision.Audit)
			c.SetRequest(req.WithContext(ctx))
			return next(c)
		}
	}
}

// DeniedError maps a reason code to its HTTP error. Only
// EMERGENCY_RATE_LIMIT is 429; every other code is 403.
func DeniedError(reason phiaccess.ReasonCode) *echo.HTTPError {
	status := http.StatusForbidden
	if reason.Class() == phiaccess.ClassRateLimited {
		status = http.StatusTooManyRequests
	}
	return echo.NewHTTPError(status, DeniedResponse{Message: "access denied", Code: reason})
}

// resolveCaseID looks at the path parameter, then a JSON body "caseId", then
// the query string.
func resolveCaseID(c echo.Context, param string) string {
	if v := strings.TrimSpace(c.Param(param)); v != "" {
		return v
	}
	if v := caseIDFromBody(c); v != "" {
		return v
	}
	return strings.TrimSpace(c.QueryParam(defaultCaseParam))
}

// caseIDFromBody peeks at a JSON body and restores it for the handler.
func caseIDFromBody(c echo.Context) string {
	req := c.Request()
	if req.Body == nil || req.Body == http.NoBody {
		return ""
	}
	if !strings.HasPrefix(req.Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		return ""
	}
	orig := req.Body
	raw, err := io.ReadAll(io.LimitReader(orig, maxCaseBodyPeek))
	req.Body = readCloser{Reader: io.MultiReader(bytes.NewReader(raw), orig), Closer: orig}
	if err != nil || len(raw) == 0 {
		return ""
	}
	var body struct {
		CaseID *string `json:"caseId"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.CaseID == nil {
		return ""
	}
	return strings.TrimSpace(*body.CaseID)
}

type readCloser struct {
	io.Reader
	io.Closer
}

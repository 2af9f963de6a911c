package middleware

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/phigate/internal/platform/auth"
	"github.com/ehr/phigate/internal/platform/phiaccess"
)

// fakeEvaluator records the last request and returns a canned decision.
type fakeEvaluator struct {
	got      *phiaccess.AccessRequest
	decision *phiaccess.Decision
	err      error
}

func (f *fakeEvaluator) Evaluate(_ context.Context, req *phiaccess.AccessRequest) (*phiaccess.Decision, error) {
	f.got = req
	return f.decision, f.err
}

func allowDecision() *phiaccess.Decision {
	return &phiaccess.Decision{
		Outcome: phiaccess.OutcomeAllowed,
		Scope:   &phiaccess.ScopedContext{PrincipalID: "doc-1", FacilityID: "fac-1", Purpose: phiaccess.PurposeClinicalCare},
		Audit:   phiaccess.ResolvedAuditHandle("audit-1", nil),
	}
}

func denyDecision(r phiaccess.ReasonCode) *phiaccess.Decision {
	return &phiaccess.Decision{Outcome: phiaccess.OutcomeDenied, Reason: r}
}

// guardRequest serves req through an echo instance with the guard mounted on
// route, authenticated as doc-1 at fac-1.
func guardRequest(ev Evaluator, route, method string, req *http.Request, handler echo.HandlerFunc) *httptest.ResponseRecorder {
	e := echo.New()
	e.Use(RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := auth.WithPrincipal(c.Request().Context(), "doc-1", []string{"surgeon"}, "fac-1")
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	guard := PHIGuard(ev, zerolog.Nop(), GuardConfig{Classification: phiaccess.ClassificationClinical})
	e.Add(method, route, handler, guard)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestPHIGuard_BuildsAccessRequest(t *testing.T) {
	ev := &fakeEvaluator{decision: allowDecision()}
	req := httptest.NewRequest(http.MethodGet, "/cases/case-9/notes", nil)
	req.Header.Set(PurposeHeader, "clinical_care")
	req.Header.Set(RequestIDHeader, "req-42")
	req.Header.Set("User-Agent", "test-agent")

	rec := guardRequest(ev, "/cases/:caseId/notes", http.MethodGet, req, func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	got := ev.got
	if got.PrincipalID != "doc-1" || got.FacilityID != "fac-1" {
		t.Errorf("identity not propagated: %+v", got)
	}
	if len(got.PrincipalRoles) != 1 || got.PrincipalRoles[0] != "surgeon" {
		t.Errorf("roles = %v", got.PrincipalRoles)
	}
	if got.Classification != phiaccess.ClassificationClinical {
		t.Errorf("classification = %s", got.Classification)
	}
	if got.DeclaredPurpose != "clinical_care" {
		t.Errorf("purpose must be passed raw, got %q", got.DeclaredPurpose)
	}
	if got.CaseID == nil || *got.CaseID != "case-9" {
		t.Errorf("case id = %v", got.CaseID)
	}
	if got.EmergencyJustification != nil {
		t.Error("no justification header was sent")
	}
	if got.Metadata.CorrelationID != "req-42" || got.Metadata.Method != http.MethodGet || got.Metadata.UserAgent != "test-agent" {
		t.Errorf("metadata = %+v", got.Metadata)
	}
	if got.Metadata.Endpoint != "/cases/case-9/notes" {
		t.Errorf("endpoint = %s", got.Metadata.Endpoint)
	}
}

func TestPHIGuard_AllowSetsScope(t *testing.T) {
	ev := &fakeEvaluator{decision: allowDecision()}
	req := httptest.NewRequest(http.MethodGet, "/records", nil)
	req.Header.Set(PurposeHeader, "CLINICAL_CARE")

	var scope *phiaccess.ScopedContext
	var handle *phiaccess.AuditHandle
	rec := guardRequest(ev, "/records", http.MethodGet, req, func(c echo.Context) error {
		scope = phiaccess.ScopeFromContext(c.Request().Context())
		handle = phiaccess.AuditHandleFromContext(c.Request().Context())
		if c.Get("phi_scope") != nil {
			t.Error("scope should only travel on the request context")
		}
		return c.NoContent(http.StatusOK)
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if scope == nil || scope.PrincipalID != "doc-1" {
		t.Fatalf("scope = %+v", scope)
	}
	if id, err := handle.Wait(context.Background()); err != nil || id != "audit-1" {
		t.Errorf("handle = %q, %v", id, err)
	}
}

func TestPHIGuard_DenyNeverCallsHandler(t *testing.T) {
	tests := []struct {
		reason phiaccess.ReasonCode
		status int
	}{
		{phiaccess.ReasonMissingPurposeHeader, http.StatusForbidden},
		{phiaccess.ReasonNoCaseAccess, http.StatusForbidden},
		{phiaccess.ReasonEmergencyRateLimitUnavailable, http.StatusForbidden},
		{phiaccess.ReasonEmergencyRateLimit, http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			ev := &fakeEvaluator{decision: denyDecision(tt.reason)}
			called := false
			rec := guardRequest(ev, "/records", http.MethodGet, httptest.NewRequest(http.MethodGet, "/records", nil), func(c echo.Context) error {
				called = true
				return c.NoContent(http.StatusOK)
			})
			if called {
				t.Error("handler must not run on deny")
			}
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
			body := rec.Body.String()
			if !strings.Contains(body, `"code":"`+string(tt.reason)+`"`) || !strings.Contains(body, `"message":"access denied"`) {
				t.Errorf("body = %s", body)
			}
		})
	}
}

func TestPHIGuard_EmergencyHeaders(t *testing.T) {
	ev := &fakeEvaluator{decision: allowDecision()}
	req := httptest.NewRequest(http.MethodGet, "/records", nil)
	req.Header.Set(PurposeHeader, "EMERGENCY")
	req.Header.Set(JustificationHeader, "patient crashing in PACU")

	guardRequest(ev, "/records", http.MethodGet, req, func(c echo.Context) error { return nil })
	if ev.got.EmergencyJustification == nil || *ev.got.EmergencyJustification != "patient crashing in PACU" {
		t.Errorf("justification = %v", ev.got.EmergencyJustification)
	}
}

func TestPHIGuard_CaseIDFromBodyPreservesBody(t *testing.T) {
	ev := &fakeEvaluator{decision: allowDecision()}
	payload := `{"caseId":"case-7","note":"post-op check"}`
	req := httptest.NewRequest(http.MethodPost, "/notes", strings.NewReader(payload))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)

	var seen string
	guardRequest(ev, "/notes", http.MethodPost, req, func(c echo.Context) error {
		b, _ := io.ReadAll(c.Request().Body)
		seen = string(b)
		return nil
	})
	if ev.got.CaseID == nil || *ev.got.CaseID != "case-7" {
		t.Errorf("case id = %v", ev.got.CaseID)
	}
	if seen != payload {
		t.Errorf("handler saw %q, want original body", seen)
	}
}

func TestPHIGuard_CaseIDFromQuery(t *testing.T) {
	ev := &fakeEvaluator{decision: allowDecision()}
	req := httptest.NewRequest(http.MethodGet, "/records?caseId=case-3", nil)
	guardRequest(ev, "/records", http.MethodGet, req, func(c echo.Context) error { return nil })
	if ev.got.CaseID == nil || *ev.got.CaseID != "case-3" {
		t.Errorf("case id = %v", ev.got.CaseID)
	}
}

func TestPHIGuard_NoCase(t *testing.T) {
	ev := &fakeEvaluator{decision: allowDecision()}
	guardRequest(ev, "/records", http.MethodGet, httptest.NewRequest(http.MethodGet, "/records", nil), func(c echo.Context) error { return nil })
	if ev.got.CaseID != nil {
		t.Errorf("case id = %v, want nil", *ev.got.CaseID)
	}
}

func TestPHIGuard_EvaluateError(t *testing.T) {
	ev := &fakeEvaluator{err: context.Canceled}
	called := false
	rec := guardRequest(ev, "/records", http.MethodGet, httptest.NewRequest(http.MethodGet, "/records", nil), func(c echo.Context) error {
		called = true
		return nil
	})
	if called {
		t.Error("handler must not run without a decision")
	}
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

package phiaccess

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const DefaultMinJustificationLength = 10

func tracer() trace.Tracer {
	return otel.Tracer("github.com/ehr/phigate/internal/platform/phiaccess")
}

// GateInfo describes one step of the pipeline.
type GateInfo struct {
	Step                int    `json:"step"`
	Name                string `json:"name"`
	BypassedByEmergency bool   `json:"bypassed_by_emergency"`
	EmergencyOnly       bool   `json:"emergency_only"`
}

type gate struct {
	GateInfo
	check func(ctx context.Context, e *Engine, ev *evaluation) ReasonCode
}

// gates is evaluated strictly in order. The emergency bypass policy lives in
// this table and nowhere else.
var gates = []gate{
	{GateInfo{Step: 1, Name: "facility_context"}, checkFacilityContext},
	{GateInfo{Step: 2, Name: "purpose"}, checkPurpose},
	{GateInfo{Step: 3, Name: "emergency_justification", EmergencyOnly: true}, checkJustification},
	{GateInfo{Step: 4, Name: "emergency_rate_limit", EmergencyOnly: true}, checkEmergencyRate},
	{GateInfo{Step: 5, Name: "affiliation", BypassedByEmergency: true}, checkAffiliation},
	{GateInfo{Step: 6, Name: "capability"}, checkCapability},
	{GateInfo{Step: 7, Name: "case_facility"}, checkCaseFacility},
	{GateInfo{Step: 8, Name: "clinical_window", BypassedByEmergency: true}, checkClinicalWindow},
	{GateInfo{Step: 9, Name: "case_authorization", BypassedByEmergency: true}, checkCaseAuthorization},
}

// Gates returns a copy of the gate table.
func Gates() []GateInfo {
	out := make([]GateInfo, len(gates))
	for i, g := range gates {
		out[i] = g.GateInfo
	}
	return out
}

// evaluation is the request-local state threaded through the gates.
type evaluation struct {
	req           *AccessRequest
	now           time.Time
	purpose       Purpose
	emergency     bool
	organizations []string
	capabilities  CapabilitySet
	attribution   *CaseAttribution
}

// EngineConfig wires an Engine. Affiliations, Cases, Window, Limiter and
// Emitter are required.
type EngineConfig struct {
	Affiliations           AffiliationSource
	Cases                  CaseSource
	Window                 *WindowEvaluator
	Limiter                *EmergencyRateLimiter
	Emitter                *Emitter
	MinJustificationLength int
	Logger                 zerolog.Logger
	Now                    func() time.Time
}

// Engine is the access decision pipeline. It is safe for concurrent use; the
// only shared mutable state is inside the rate limiter's store.
type Engine struct {
	affiliations     AffiliationSource
	caseAuth         *CaseAuthorizer
	window           *WindowEvaluator
	limiter          *EmergencyRateLimiter
	emitter          *Emitter
	minJustification int
	logger           zerolog.Logger
	tracer           trace.Tracer
	now              func() time.Time
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.MinJustificationLength <= 0 {
		cfg.MinJustificationLength = DefaultMinJustificationLength
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		affiliations:     cfg.Affiliations,
		caseAuth:         NewCaseAuthorizer(cfg.Cases),
		window:           cfg.Window,
		limiter:          cfg.Limiter,
		emitter:          cfg.Emitter,
		minJustification: cfg.MinJustificationLength,
		logger:           cfg.Logger,
		tracer:           tracer(),
		now:              cfg.Now,
	}
}

// Evaluate runs req through the gates and emits exactly one audit record for
// the decision. The error is non-nil only when ctx ends before a decision is
// reached; in that case nothing is audited.
func (e *Engine) Evaluate(ctx context.Context, req *AccessRequest) (*Decision, error) {
	ctx, span := e.tracer.Start(ctx, "phiaccess.evaluate",
		trace.WithAttributes(
			attribute.String("phi.classification", string(req.Classification)),
			attribute.String("phi.correlation_id", req.Metadata.CorrelationID),
		))
	defer span.End()

	ev := &evaluation{req: req, now: e.now()}

	for _, g := range gates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if g.EmergencyOnly && !ev.emergency {
			continue
		}
		if g.BypassedByEmergency && ev.emergency {
			continue
		}
		reason := g.check(ctx, e, ev)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if reason != "" {
			span.SetAttributes(
				attribute.String("phi.outcome", string(OutcomeDenied)),
				attribute.String("phi.reason", string(reason)),
				attribute.Int("phi.gate", g.Step),
			)
			return e.deny(ctx, ev, g.GateInfo, reason), nil
		}
	}

	span.SetAttributes(
		attribute.String("phi.outcome", string(OutcomeAllowed)),
		attribute.Bool("phi.emergency", ev.emergency),
	)
	return e.allow(ctx, ev), nil
}

func (e *Engine) deny(ctx context.Context, ev *evaluation, g GateInfo, reason ReasonCode) *Decision {
	rec := newAuditRecord(ev.req, ev, ev.now)
	rec.Outcome = OutcomeDenied
	r := reason
	rec.DenialReason = &r

	e.emitter.EmitDenied(ctx, rec)

	e.logger.Warn().
		Str("type", "phi_access").
		Str("audit_id", rec.ID).
		Str("principal_id", rec.PrincipalID).
		Str("facility_id", rec.FacilityID).
		Str("classification", string(rec.Classification)).
		Str("purpose", rec.Purpose).
		Str("case_id", rec.CaseID).
		Str("reason", string(reason)).
		Int("gate", g.Step).
		Str("gate_name", g.Name).
		Bool("emergency", ev.emergency).
		Str("correlation_id", rec.Metadata.CorrelationID).
		Msg("phi_access_denied")

	return &Decision{Outcome: OutcomeDenied, Reason: reason}
}

func (e *Engine) allow(ctx context.Context, ev *evaluation) *Decision {
	req := ev.req
	rec := newAuditRecord(req, ev, ev.now)
	rec.Outcome = OutcomeAllowed

	scope := &ScopedContext{
		PrincipalID:    req.PrincipalID,
		FacilityID:     req.FacilityID,
		Classification: req.Classification,
		Purpose:        ev.purpose,
		Organizations:  append([]string{}, ev.organizations...),
		CaseID:         req.caseID(),
		Emergency:      ev.emergency,
	}
	if ev.emergency {
		scope.EmergencyJustification = req.justification()
	}

	handle := e.emitter.EmitAllowed(ctx, rec)

	evt := e.logger.Info()
	msg := "phi_access_allowed"
	if ev.emergency {
		evt = e.logger.Warn().Str("emergency_justification", scope.EmergencyJustification)
		msg = "emergency_access"
	}
	evt.
		Str("type", "phi_access").
		Str("audit_id", rec.ID).
		Str("principal_id", rec.PrincipalID).
		Strs("roles", rec.Roles).
		Str("facility_id", rec.FacilityID).
		Strs("organizations", rec.Organizations).
		Str("classification", string(rec.Classification)).
		Str("purpose", rec.Purpose).
		Str("case_id", rec.CaseID).
		Str("endpoint", rec.Metadata.Endpoint).
		Str("method", rec.Metadata.Method).
		Str("correlation_id", rec.Metadata.CorrelationID).
		Msg(msg)

	return &Decision{Outcome: OutcomeAllowed, Scope: scope, Audit: handle}
}

// -- gates --

func checkFacilityContext(_ context.Context, _ *Engine, ev *evaluation) ReasonCode {
	if ev.req.FacilityID == "" || ev.req.PrincipalID == "" {
		return ReasonNoFacilityContext
	}
	return ""
}

func checkPurpose(_ context.Context, _ *Engine, ev *evaluation) ReasonCode {
	raw := ev.req.DeclaredPurpose
	if strings.TrimSpace(raw) == "" {
		return ReasonMissingPurposeHeader
	}
	p, ok := ParsePurpose(raw)
	if !ok {
		return ReasonInvalidPurpose
	}
	ev.purpose = p
	ev.emergency = p == PurposeEmergency
	return ""
}

func checkJustification(_ context.Context, e *Engine, ev *evaluation) ReasonCode {
	if utf8.RuneCountInString(ev.req.justification()) < e.minJustification {
		return ReasonEmergencyJustificationRequired
	}
	return ""
}

func checkEmergencyRate(ctx context.Context, e *Engine, ev *evaluation) ReasonCode {
	ok, err := e.limiter.TryConsume(ctx, ev.req.PrincipalID, ev.now)
	if err != nil {
		e.logger.Error().Err(err).
			Str("principal_id", ev.req.PrincipalID).
			Msg("emergency rate limiter unavailable")
		return ReasonEmergencyRateLimitUnavailable
	}
	if !ok {
		return ReasonEmergencyRateLimit
	}
	return ""
}

func checkAffiliation(ctx context.Context, e *Engine, ev *evaluation) ReasonCode {
	affs, err := e.affiliations.GetAffiliations(ctx, ev.req.PrincipalID, ev.req.FacilityID)
	if err != nil {
		e.logger.Error().Err(err).
			Str("principal_id", ev.req.PrincipalID).
			Str("facility_id", ev.req.FacilityID).
			Msg("affiliation lookup failed")
		return ReasonAffiliationResolutionError
	}
	seen := make(map[string]struct{}, len(affs))
	orgs := make([]string, 0, len(affs))
	for _, a := range affs {
		if a.OrganizationID == "" {
			continue
		}
		if _, dup := seen[a.OrganizationID]; dup {
			continue
		}
		seen[a.OrganizationID] = struct{}{}
		orgs = append(orgs, a.OrganizationID)
	}
	if len(orgs) == 0 {
		return ReasonNoOrgAffiliations
	}
	ev.organizations = orgs
	return ""
}

func checkCapability(_ context.Context, _ *Engine, ev *evaluation) ReasonCode {
	ev.capabilities = ResolveCapabilities(ev.req.PrincipalRoles)
	required, ok := RequiredCapability(ev.req.Classification)
	if !ok || !ev.capabilities.Has(required) {
		return ReasonMissingPHICapability
	}
	return ""
}

func checkCaseFacility(ctx context.Context, e *Engine, ev *evaluation) ReasonCode {
	caseID := ev.req.caseID()
	if caseID == "" {
		return ""
	}
	attr, err := e.caseAuth.Attribution(ctx, caseID)
	if err != nil {
		e.logger.Error().Err(err).Str("case_id", caseID).Msg("case attribution lookup failed")
		return ReasonCaseResolutionError
	}
	if attr == nil {
		return ""
	}
	ev.attribution = attr
	if attr.FacilityID != ev.req.FacilityID {
		return ReasonCrossFacilityAccess
	}
	return ""
}

func checkClinicalWindow(ctx context.Context, e *Engine, ev *evaluation) ReasonCode {
	if ev.req.Classification != ClassificationClinical {
		return ""
	}
	if ev.purpose != PurposeClinicalCare && ev.purpose != PurposeScheduling {
		return ""
	}
	if ev.attribution == nil {
		return ""
	}
	ok, err := e.window.IsWithinWindow(ctx, ev.attribution.CaseID, ev.req.FacilityID, ev.now)
	if err != nil {
		if errors.Is(err, ErrWindowUnresolvable) {
			e.logger.Error().Err(err).Str("case_id", ev.attribution.CaseID).
				Msg("clinical window unresolvable for a known case")
		}
		return ReasonClinicalWindowUnresolvable
	}
	if !ok {
		return ReasonOutsideClinicalWindow
	}
	return ""
}

func checkCaseAuthorization(ctx context.Context, e *Engine, ev *evaluation) ReasonCode {
	caseID := ev.req.caseID()
	if caseID == "" {
		return ""
	}
	if ev.attribution == nil {
		return ReasonCaseNotFound
	}
	reason, err := e.caseAuth.Evaluate(ctx, CaseQuery{
		CaseID:        caseID,
		FacilityID:    ev.req.FacilityID,
		PrincipalID:   ev.req.PrincipalID,
		Organizations: ev.organizations,
		Capabilities:  ev.capabilities,
		Purpose:       ev.purpose,
		Now:           ev.now,
		Attribution:   ev.attribution,
	})
	if err != nil {
		e.logger.Error().Err(err).Str("case_id", caseID).Msg("case authorization lookup failed")
		return ReasonCaseResolutionError
	}
	return reason
}

package phiaccess

import (
	"strings"
	"time"
)

// Classification is the PHI tier a request asks to touch.
type Classification string

const (
	ClassificationClinical      Classification = "PHI_CLINICAL"
	ClassificationClinicalWrite Classification = "PHI_CLINICAL_WRITE"
	ClassificationBilling       Classification = "PHI_BILLING"
	ClassificationAudit         Classification = "PHI_AUDIT"
)

// Purpose is the declared purpose of use.
type Purpose string

const (
	PurposeClinicalCare Purpose = "CLINICAL_CARE"
	PurposeScheduling   Purpose = "SCHEDULING"
	PurposeBilling      Purpose = "BILLING"
	PurposeAudit        Purpose = "AUDIT"
	PurposeEmergency    Purpose = "EMERGENCY"
)

// ValidPurposes returns every purpose the engine accepts.
func ValidPurposes() []Purpose {
	return []Purpose{
		PurposeClinicalCare,
		PurposeScheduling,
		PurposeBilling,
		PurposeAudit,
		PurposeEmergency,
	}
}

// ParsePurpose normalizes a declared purpose ("clinical-care", " Billing ")
// and reports whether it names a known value.
func ParsePurpose(raw string) (Purpose, bool) {
	norm := strings.ToUpper(strings.TrimSpace(raw))
	norm = strings.ReplaceAll(norm, "-", "_")
	for _, p := range ValidPurposes() {
		if string(p) == norm {
			return p, true
		}
	}
	return "", false
}

// RequestMetadata describes the inbound call that produced an AccessRequest.
type RequestMetadata struct {
	Endpoint      string `json:"endpoint"`
	Method        string `json:"method"`
	CorrelationID string `json:"correlation_id"`
	RemoteIP      string `json:"remote_ip,omitempty"`
	UserAgent     string `json:"user_agent,omitempty"`
}

// AccessRequest is the immutable input to Engine.Evaluate. Build it with
// NewAccessRequest so the role slice is not shared with the caller.
type AccessRequest struct {
	PrincipalID            string
	PrincipalRoles         []string
	FacilityID             string
	Classification         Classification
	DeclaredPurpose        string
	EmergencyJustification *string
	CaseID                 *string
	Metadata               RequestMetadata
}

// NewAccessRequest copies the mutable parts of req.
func NewAccessRequest(req AccessRequest) *AccessRequest {
	out := req
	out.PrincipalRoles = append([]string(nil), req.PrincipalRoles...)
	if req.EmergencyJustification != nil {
		j := *req.EmergencyJustification
		out.EmergencyJustification = &j
	}
	if req.CaseID != nil {
		id := *req.CaseID
		out.CaseID = &id
	}
	return &out
}

func (r *AccessRequest) caseID() string {
	if r.CaseID == nil {
		return ""
	}
	return strings.TrimSpace(*r.CaseID)
}

func (r *AccessRequest) justification() string {
	if r.EmergencyJustification == nil {
		return ""
	}
	return strings.TrimSpace(*r.EmergencyJustification)
}

// CaseAttribution is the read-only projection of a case used for
// authorization.
type CaseAttribution struct {
	CaseID                string  `json:"case_id"`
	FacilityID            string  `json:"facility_id"`
	PrimaryOrganizationID *string `json:"primary_organization_id,omitempty"`
}

// CaseAccessGrant lets one principal reach one case outside normal affiliation.
type CaseAccessGrant struct {
	CaseID               string     `json:"case_id"`
	GrantedToPrincipalID string     `json:"granted_to_principal_id"`
	ValidFrom            *time.Time `json:"valid_from,omitempty"`
	ValidUntil           *time.Time `json:"valid_until,omitempty"`
}

// ActiveAt reports whether the grant's validity window contains now.
func (g CaseAccessGrant) ActiveAt(now time.Time) bool {
	if g.ValidFrom != nil && now.Before(*g.ValidFrom) {
		return false
	}
	if g.ValidUntil != nil && !now.Before(*g.ValidUntil) {
		return false
	}
	return true
}

// CaseTimeline carries the timestamps that bound the clinical care window.
type CaseTimeline struct {
	CaseID        string
	ScheduledDate *time.Time
	CompletedAt   *time.Time
}

// ScopedContext is handed to downstream handlers after an ALLOW.
type ScopedContext struct {
	PrincipalID            string         `json:"principal_id"`
	FacilityID             string         `json:"facility_id"`
	Classification         Classification `json:"classification"`
	Purpose                Purpose        `json:"purpose"`
	Organizations          []string       `json:"organizations"`
	CaseID                 string         `json:"case_id,omitempty"`
	Emergency              bool           `json:"emergency"`
	EmergencyJustification string         `json:"emergency_justification,omitempty"`
}

// Outcome is the terminal state of an evaluation.
type Outcome string

const (
	OutcomeAllowed Outcome = "ALLOWED"
	OutcomeDenied  Outcome = "DENIED"
)

// Decision is the sole output of the pipeline. Scope and Audit are set only
// when Outcome is OutcomeAllowed; Reason only when it is OutcomeDenied.
type Decision struct {
	Outcome Outcome
	Reason  ReasonCode
	Scope   *ScopedContext
	Audit   *AuditHandle
}

func (d *Decision) Allowed() bool { return d != nil && d.Outcome == OutcomeAllowed }

func (d *Decision) Denied() bool { return d == nil || d.Outcome != OutcomeAllowed }

package phiaccess

import (
	"sort"
	"strings"
)

// Capability is a coarse permission derived from roles.
type Capability string

const (
	CapClinicalAccess Capability = "PHI_CLINICAL_ACCESS"
	CapWriteClinical  Capability = "PHI_WRITE_CLINICAL"
	CapBillingAccess  Capability = "PHI_BILLING_ACCESS"
	CapAuditAccess    Capability = "PHI_AUDIT_ACCESS"
)

// roleCapabilities is the fixed role -> capability mapping.
var roleCapabilities = map[string][]Capability{
	"surgeon":            {CapClinicalAccess, CapWriteClinical},
	"physician":          {CapClinicalAccess, CapWriteClinical},
	"anesthesiologist":   {CapClinicalAccess, CapWriteClinical},
	"nurse":              {CapClinicalAccess, CapWriteClinical},
	"scheduler":          {CapClinicalAccess},
	"billing":            {CapBillingAccess},
	"auditor":            {CapAuditAccess},
	"compliance_officer": {CapAuditAccess},
	"admin":              {CapClinicalAccess, CapBillingAccess, CapAuditAccess},
}

// classificationCapability names the capability each classification requires.
var classificationCapability = map[Classification]Capability{
	ClassificationClinical:      CapClinicalAccess,
	ClassificationClinicalWrite: CapWriteClinical,
	ClassificationBilling:       CapBillingAccess,
	ClassificationAudit:         CapAuditAccess,
}

// CapabilitySet is request-local; it is never cached across requests.
type CapabilitySet map[Capability]struct{}

func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

// Sorted returns the capabilities in a stable order, for logs and audit.
func (s CapabilitySet) Sorted() []Capability {
	out := make([]Capability, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ResolveCapabilities maps roles to capabilities. Unknown roles contribute
// nothing.
func ResolveCapabilities(roles []string) CapabilitySet {
	set := make(CapabilitySet)
	for _, r := range roles {
		for _, c := range roleCapabilities[strings.ToLower(strings.TrimSpace(r))] {
			set[c] = struct{}{}
		}
	}
	return set
}

// RequiredCapability returns the capability guarding a classification. The
// second return is false for classifications the engine does not know.
func RequiredCapability(c Classification) (Capability, bool) {
	capability, ok := classificationCapability[c]
	return capability, ok
}

package phiaccess

import (
	"context"
	"fmt"
	"time"
)

// CaseQuery is the input to CaseAuthorizer.Evaluate. Attribution may carry a
// snapshot resolved earlier in the same request; it is fetched when nil.
type CaseQuery struct {
	CaseID        string
	FacilityID    string
	PrincipalID   string
	Organizations []string
	Capabilities  CapabilitySet
	Purpose       Purpose
	Now           time.Time
	Attribution   *CaseAttribution
}

// CaseAuthorizer evaluates attribution, affiliation, grant and purpose
// override for a single case.
type CaseAuthorizer struct {
	cases CaseSource
}

func NewCaseAuthorizer(cases CaseSource) *CaseAuthorizer {
	return &CaseAuthorizer{cases: cases}
}

// Attribution fetches the case projection, or nil when the case is unknown.
func (a *CaseAuthorizer) Attribution(ctx context.Context, caseID string) (*CaseAttribution, error) {
	attr, err := a.cases.GetAttribution(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("%w: attribution for case %s: %v", ErrCaseLookup, caseID, err)
	}
	return attr, nil
}

// Evaluate returns an empty ReasonCode when the case is authorized. Source
// faults are returned as errors wrapping ErrCaseLookup.
func (a *CaseAuthorizer) Evaluate(ctx context.Context, q CaseQuery) (ReasonCode, error) {
	attr := q.Attribution
	if attr == nil {
		var err error
		attr, err = a.Attribution(ctx, q.CaseID)
		if err != nil {
			return "", err
		}
	}
	if attr == nil {
		return ReasonCaseNotFound, nil
	}
	if attr.FacilityID != q.FacilityID {
		return ReasonCrossFacilityAccess, nil
	}
	if attr.PrimaryOrganizationID == nil || *attr.PrimaryOrganizationID == "" {
		return ReasonCaseAttributionMissing, nil
	}

	if contains(q.Organizations, *attr.PrimaryOrganizationID) {
		return "", nil
	}

	grants, err := a.cases.GetActiveGrants(ctx, q.CaseID)
	if err != nil {
		return "", fmt.Errorf("%w: grants for case %s: %v", ErrCaseLookup, q.CaseID, err)
	}
	for _, g := range grants {
		if g.GrantedToPrincipalID == q.PrincipalID && g.ActiveAt(q.Now) {
			return "", nil
		}
	}

	if isPurposeOverride(q.Purpose, q.Capabilities) {
		return "", nil
	}
	return ReasonNoCaseAccess, nil
}

// isPurposeOverride covers billing and audit staff who review cases outside
// their own organization.
func isPurposeOverride(p Purpose, caps CapabilitySet) bool {
	switch p {
	case PurposeBilling:
		return caps.Has(CapBillingAccess)
	case PurposeAudit:
		return caps.Has(CapAuditAccess)
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

package phiaccess

import (
	"context"
	"errors"
	"testing"
	"time"
)

func caseQuery(caseID, principal string, orgs []string, purpose Purpose, roles ...string) CaseQuery {
	return CaseQuery{
		CaseID:        caseID,
		FacilityID:    testFacility,
		PrincipalID:   principal,
		Organizations: orgs,
		Capabilities:  ResolveCapabilities(roles),
		Purpose:       purpose,
		Now:           time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func timePtr(t time.Time) *time.Time { return &t }

func TestCaseAuthorizer_AffiliatedOrgAllowed(t *testing.T) {
	cases := newMockCases()
	cases.addCase("case-1", testFacility, testOrg)
	auth := NewCaseAuthorizer(cases)

	reason, err := auth.Evaluate(context.Background(), caseQuery("case-1", "doc-1", []string{"org-x", testOrg}, PurposeClinicalCare, "surgeon"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reason != "" {
		t.Errorf("reason = %s, want allowed", reason)
	}
}

func TestCaseAuthorizer_OtherOrgWithoutGrantDenied(t *testing.T) {
	cases := newMockCases()
	cases.addCase("case-1", testFacility, "org-cardio")
	auth := NewCaseAuthorizer(cases)

	reason, _ := auth.Evaluate(context.Background(), caseQuery("case-1", "doc-1", []string{testOrg}, PurposeClinicalCare, "surgeon"))
	if reason != ReasonNoCaseAccess {
		t.Errorf("reason = %s, want NO_CASE_ACCESS", reason)
	}
}

func TestCaseAuthorizer_ActiveGrantAllowed(t *testing.T) {
	cases := newMockCases()
	cases.addCase("case-1", testFacility, "org-cardio")
	q := caseQuery("case-1", "doc-1", []string{testOrg}, PurposeClinicalCare, "surgeon")
	until := q.Now.Add(time.Hour)
	cases.grants["case-1"] = []CaseAccessGrant{
		{CaseID: "case-1", GrantedToPrincipalID: "doc-2", ValidFrom: timePtr(q.Now.Add(-time.Hour))},
		{CaseID: "case-1", GrantedToPrincipalID: "doc-1", ValidFrom: timePtr(q.Now.Add(-time.Hour)), ValidUntil: &until},
	}
	auth := NewCaseAuthorizer(cases)

	if reason, _ := auth.Evaluate(context.Background(), q); reason != "" {
		t.Errorf("reason = %s, want allowed through grant", reason)
	}
}

func TestCaseAuthorizer_ExpiredOrFutureGrantIgnored(t *testing.T) {
	cases := newMockCases()
	cases.addCase("case-1", testFacility, "org-cardio")
	q := caseQuery("case-1", "doc-1", []string{testOrg}, PurposeClinicalCare, "surgeon")
	expired := q.Now
	cases.grants["case-1"] = []CaseAccessGrant{
		// valid_until is exclusive.
		{CaseID: "case-1", GrantedToPrincipalID: "doc-1", ValidFrom: timePtr(q.Now.Add(-48 * time.Hour)), ValidUntil: &expired},
		{CaseID: "case-1", GrantedToPrincipalID: "doc-1", ValidFrom: timePtr(q.Now.Add(time.Minute))},
	}
	auth := NewCaseAuthorizer(cases)

	if reason, _ := auth.Evaluate(context.Background(), q); reason != ReasonNoCaseAccess {
		t.Errorf("reason = %s, want NO_CASE_ACCESS", reason)
	}
}

func TestCaseAuthorizer_PurposeOverride(t *testing.T) {
	cases := newMockCases()
	cases.addCase("case-1", testFacility, "org-cardio")
	auth := NewCaseAuthorizer(cases)
	ctx := context.Background()

	tests := []struct {
		name    string
		purpose Purpose
		roles   []string
		want    ReasonCode
	}{
		{"billing with billing role", PurposeBilling, []string{"billing"}, ""},
		{"audit with auditor role", PurposeAudit, []string{"auditor"}, ""},
		{"billing without billing role", PurposeBilling, []string{"nurse"}, ReasonNoCaseAccess},
		{"audit purpose with billing role", PurposeAudit, []string{"billing"}, ReasonNoCaseAccess},
		{"clinical purpose never overrides", PurposeClinicalCare, []string{"admin"}, ReasonNoCaseAccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := auth.Evaluate(ctx, caseQuery("case-1", "p-1", []string{testOrg}, tt.purpose, tt.roles...))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("reason = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCaseAuthorizer_ReasonOrder(t *testing.T) {
	cases := newMockCases()
	cases.addCase("case-other-fac", "fac-2", "")
	cases.addCase("case-no-org", testFacility, "")
	auth := NewCaseAuthorizer(cases)
	ctx := context.Background()

	if r, _ := auth.Evaluate(ctx, caseQuery("missing", "doc-1", []string{testOrg}, PurposeClinicalCare, "surgeon")); r != ReasonCaseNotFound {
		t.Errorf("missing case: %s, want CASE_NOT_FOUND", r)
	}
	// Cross facility outranks missing attribution.
	if r, _ := auth.Evaluate(ctx, caseQuery("case-other-fac", "doc-1", []string{testOrg}, PurposeClinicalCare, "surgeon")); r != ReasonCrossFacilityAccess {
		t.Errorf("other facility: %s, want CROSS_FACILITY_ACCESS", r)
	}
	if r, _ := auth.Evaluate(ctx, caseQuery("case-no-org", "doc-1", []string{testOrg}, PurposeBilling, "billing")); r != ReasonCaseAttributionMissing {
		t.Errorf("no org: %s, want CASE_ATTRIBUTION_MISSING", r)
	}
}

func TestCaseAuthorizer_UsesAttributionSnapshot(t *testing.T) {
	cases := newMockCases()
	auth := NewCaseAuthorizer(cases)
	org := testOrg
	q := caseQuery("case-1", "doc-1", []string{testOrg}, PurposeClinicalCare, "surgeon")
	q.Attribution = &CaseAttribution{CaseID: "case-1", FacilityID: testFacility, PrimaryOrganizationID: &org}

	if r, _ := auth.Evaluate(context.Background(), q); r != "" {
		t.Errorf("reason = %s, want allowed", r)
	}
	if cases.attrCalls != 0 {
		t.Errorf("attribution fetched %d times, want 0 with snapshot", cases.attrCalls)
	}
}

func TestCaseAuthorizer_LookupErrors(t *testing.T) {
	cases := newMockCases()
	cases.attrErr = errors.New("conn reset")
	auth := NewCaseAuthorizer(cases)

	_, err := auth.Evaluate(context.Background(), caseQuery("case-1", "doc-1", nil, PurposeClinicalCare, "surgeon"))
	if !errors.Is(err, ErrCaseLookup) {
		t.Errorf("err = %v, want ErrCaseLookup", err)
	}

	cases.attrErr = nil
	cases.addCase("case-1", testFacility, "org-cardio")
	cases.grantErr = errors.New("conn reset")
	_, err = auth.Evaluate(context.Background(), caseQuery("case-1", "doc-1", []string{testOrg}, PurposeClinicalCare, "surgeon"))
	if !errors.Is(err, ErrCaseLookup) {
		t.Errorf("grant err = %v, want ErrCaseLookup", err)
	}
}

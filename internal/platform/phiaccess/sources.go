package phiaccess

import (
	"context"
)

// Affiliation links a principal to an organization inside a facility.
type Affiliation struct {
	OrganizationID string `json:"organization_id"`
}

// AffiliationSource resolves a principal's organizations. An empty slice with
// a nil error means the principal legitimately has none; any lookup failure
// must be returned as an error.
type AffiliationSource interface {
	GetAffiliations(ctx context.Context, principalID, facilityID string) ([]Affiliation, error)
}

// CaseSource reads case attribution and grants. GetAttribution returns
// (nil, nil) when the case does not exist.
type CaseSource interface {
	GetAttribution(ctx context.Context, caseID string) (*CaseAttribution, error)
	GetActiveGrants(ctx context.Context, caseID string) ([]CaseAccessGrant, error)
}

// CaseTimelineSource returns the schedule and completion timestamps of a
// case, or (nil, nil) when it does not exist.
type CaseTimelineSource interface {
	GetCaseTimeline(ctx context.Context, caseID string) (*CaseTimeline, error)
}

// ConfigSource returns a facility-level setting override. A nil value with a
// nil error means no override is set.
type ConfigSource interface {
	GetOverride(ctx context.Context, key, facilityID string) (*string, error)
}

// AuditStore persists audit records and returns the stored record's id.
type AuditStore interface {
	WriteAccessRecord(ctx context.Context, rec *AuditRecord) (string, error)
}

package phiaccess

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ehr/phigate/internal/platform/db"
)

// =========== Affiliations ===========

type affiliationRepoPG struct{ q db.Querier }

func NewAffiliationRepoPG(q db.Querier) AffiliationSource { return &affiliationRepoPG{q: q} }

func (r *affiliationRepoPG) GetAffiliations(ctx context.Context, principalID, facilityID string) ([]Affiliation, error) {
	rows, err := r.q.Query(ctx, `
		SELECT organization_id FROM organization_affiliation
		WHERE principal_id = $1 AND facility_id = $2 AND active
		ORDER BY organization_id`, principalID, facilityID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAffiliationLookup, err)
	}
	defer rows.Close()

	var out []Affiliation
	for rows.Next() {
		var a Affiliation
		if err := rows.Scan(&a.OrganizationID); err != nil {
			return nil, fmt.Errorf("%w: scan: %v", ErrAffiliationLookup, err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAffiliationLookup, err)
	}
	return out, nil
}

// =========== Cases ===========

type caseRepoPG struct{ q db.Querier }

// CaseRepoPG serves attribution, grants and timelines from the case tables.
type CaseRepoPG interface {
	CaseSource
	CaseTimelineSource
}

func NewCaseRepoPG(q db.Querier) CaseRepoPG { return &caseRepoPG{q: q} }

func (r *caseRepoPG) GetAttribution(ctx context.Context, caseID string) (*CaseAttribution, error) {
	var a CaseAttribution
	err := r.q.QueryRow(ctx, `
		SELECT id, facility_id, primary_organization_id
		FROM surgical_case WHERE id = $1`, caseID).
		Scan(&a.CaseID, &a.FacilityID, &a.PrimaryOrganizationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get case attribution: %w", err)
	}
	return &a, nil
}

func (r *caseRepoPG) GetActiveGrants(ctx context.Context, caseID string) ([]CaseAccessGrant, error) {
	rows, err := r.q.Query(ctx, `
		SELECT case_id, granted_to_principal_id, valid_from, valid_until
		FROM case_access_grant
		WHERE case_id = $1 AND revoked_at IS NULL`, caseID)
	if err != nil {
		return nil, fmt.Errorf("list case grants: %w", err)
	}
	defer rows.Close()

	var out []CaseAccessGrant
	for rows.Next() {
		var g CaseAccessGrant
		if err := rows.Scan(&g.CaseID, &g.GrantedToPrincipalID, &g.ValidFrom, &g.ValidUntil); err != nil {
			return nil, fmt.Errorf("scan case grant: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (r *caseRepoPG) GetCaseTimeline(ctx context.Context, caseID string) (*CaseTimeline, error) {
	var (
		tl        CaseTimeline
		scheduled *time.Time
		completed *time.Time
	)
	err := r.q.QueryRow(ctx, `
		SELECT c.id, c.scheduled_date,
			(SELECT MAX(h.changed_at) FROM case_status_history h
			 WHERE h.case_id = c.id AND h.status = 'COMPLETED')
		FROM surgical_case c WHERE c.id = $1`, caseID).
		Scan(&tl.CaseID, &scheduled, &completed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get case timeline: %w", err)
	}
	tl.ScheduledDate = scheduled
	tl.CompletedAt = completed
	return &tl, nil
}

// =========== Facility settings ===========

type configRepoPG struct{ q db.Querier }

func NewConfigRepoPG(q db.Querier) ConfigSource { return &configRepoPG{q: q} }

func (r *configRepoPG) GetOverride(ctx context.Context, key, facilityID string) (*string, error) {
	var v string
	err := r.q.QueryRow(ctx, `
		SELECT value FROM facility_setting WHERE facility_id = $1 AND key = $2`,
		facilityID, key).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get facility setting %s: %w", key, err)
	}
	return &v, nil
}

package hipaa

import (
	"context"
	"fmt"

	"github.com/ehr/phigate/internal/platform/db"
	"github.com/ehr/phigate/internal/platform/phiaccess"
)

// AuditLogger persists PHI access decisions to the append-only
// phi_access_audit table.
type AuditLogger struct {
	q db.Querier
}

// NewAuditLogger creates a new AuditLogger backed by q (normally the pool).
func NewAuditLogger(q db.Querier) *AuditLogger {
	return &AuditLogger{q: q}
}

const insertAccessRecord = `
	INSERT INTO phi_access_audit (
		id, principal_id, roles, facility_id, organizations, case_id,
		classification, purpose, outcome, denial_reason,
		emergency, emergency_justification,
		endpoint, http_method, correlation_id, remote_ip, user_agent,
		recorded_at
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18
	) RETURNING id::text`

// WriteAccessRecord inserts rec and returns the stored id.
func (a *AuditLogger) WriteAccessRecord(ctx context.Context, rec *phiaccess.AuditRecord) (string, error) {
	var id string
	err := a.q.QueryRow(ctx, insertAccessRecord, accessRecordArgs(rec)...).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("hipaa audit: insert phi access record: %w", err)
	}
	return id, nil
}

func accessRecordArgs(rec *phiaccess.AuditRecord) []any {
	var reason *string
	if rec.DenialReason != nil {
		r := string(*rec.DenialReason)
		reason = &r
	}
	return []any{
		rec.ID, rec.PrincipalID, nonNil(rec.Roles), rec.FacilityID, nonNil(rec.Organizations), nullable(rec.CaseID),
		string(rec.Classification), rec.Purpose, string(rec.Outcome), reason,
		rec.Emergency, rec.EmergencyJustification,
		rec.Metadata.Endpoint, rec.Metadata.Method, rec.Metadata.CorrelationID,
		nullable(rec.Metadata.RemoteIP), nullable(rec.Metadata.UserAgent),
		rec.Timestamp,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

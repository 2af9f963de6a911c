package phiaccess

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// -- Mock Sources --

type mockAffiliations struct {
	mu    sync.Mutex
	orgs  map[string][]string // principalID -> organizations
	err   error
	calls int
}

func newMockAffiliations() *mockAffiliations {
	return &mockAffiliations{orgs: make(map[string][]string)}
}

func (m *mockAffiliations) GetAffiliations(_ context.Context, principalID, _ string) ([]Affiliation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	var out []Affiliation
	for _, o := range m.orgs[principalID] {
		out = append(out, Affiliation{OrganizationID: o})
	}
	return out, nil
}

type mockCases struct {
	mu           sync.Mutex
	attributions map[string]*CaseAttribution
	grants       map[string][]CaseAccessGrant
	timelines    map[string]*CaseTimeline
	attrErr      error
	grantErr     error
	timelineErr  error
	attrCalls    int
}

func newMockCases() *mockCases {
	return &mockCases{
		attributions: make(map[string]*CaseAttribution),
		grants:       make(map[string][]CaseAccessGrant),
		timelines:    make(map[string]*CaseTimeline),
	}
}

func (m *mockCases) addCase(caseID, facilityID, orgID string) {
	a := &CaseAttribution{CaseID: caseID, FacilityID: facilityID}
	if orgID != "" {
		a.PrimaryOrganizationID = &orgID
	}
	m.attributions[caseID] = a
	m.timelines[caseID] = &CaseTimeline{CaseID: caseID}
}

func (m *mockCases) GetAttribution(_ context.Context, caseID string) (*CaseAttribution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attrCalls++
	if m.attrErr != nil {
		return nil, m.attrErr
	}
	a, ok := m.attributions[caseID]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (m *mockCases) GetActiveGrants(_ context.Context, caseID string) ([]CaseAccessGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.grantErr != nil {
		return nil, m.grantErr
	}
	return append([]CaseAccessGrant(nil), m.grants[caseID]...), nil
}

func (m *mockCases) GetCaseTimeline(_ context.Context, caseID string) (*CaseTimeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.timelineErr != nil {
		return nil, m.timelineErr
	}
	tl, ok := m.timelines[caseID]
	if !ok {
		return nil, nil
	}
	cp := *tl
	return &cp, nil
}

type mockConfig struct {
	values map[string]string // facilityID + "/" + key -> value
	err    error
	calls  int
}

func newMockConfig() *mockConfig {
	return &mockConfig{values: make(map[string]string)}
}

func (m *mockConfig) set(facilityID, key, value string) {
	m.values[facilityID+"/"+key] = value
}

func (m *mockConfig) GetOverride(_ context.Context, key, facilityID string) (*string, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	v, ok := m.values[facilityID+"/"+key]
	if !ok {
		return nil, nil
	}
	return &v, nil
}

type mockAuditStore struct {
	mu      sync.Mutex
	records []*AuditRecord
	err     error
	delay   time.Duration
}

func (m *mockAuditStore) WriteAccessRecord(ctx context.Context, rec *AuditRecord) (string, error) {
	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Failed writes are still counted: the emitter attempted exactly one.
	m.records = append(m.records, rec)
	if m.err != nil {
		return "", m.err
	}
	return rec.ID, nil
}

func (m *mockAuditStore) all() []*AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*AuditRecord(nil), m.records...)
}

type failingLimiterStore struct{}

func (failingLimiterStore) TryConsume(context.Context, string, time.Time, int, time.Duration) (bool, error) {
	return false, fmt.Errorf("connection refused")
}

// -- Test harness --

const (
	testFacility = "fac-1"
	testOrg      = "org-ortho"
)

type harness struct {
	affs    *mockAffiliations
	cases   *mockCases
	config  *mockConfig
	audit   *mockAuditStore
	limiter *EmergencyRateLimiter
	emitter *Emitter
	engine  *Engine
	now     time.Time
}

func nopLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func newHarness() *harness {
	h := &harness{
		affs:   newMockAffiliations(),
		cases:  newMockCases(),
		config: newMockConfig(),
		audit:  &mockAuditStore{},
		now:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	h.limiter = NewEmergencyRateLimiter(NewMemoryLimiterStore(), 10, time.Hour)
	h.build()
	return h
}

// build (re)creates the engine from the harness' current collaborators.
func (h *harness) build() {
	h.emitter = NewEmitter(h.audit, nopLogger(), time.Second)
	win := NewWindowEvaluator(h.cases, h.config, ClinicalCareWindow{PreOpDays: 7, PostCompletionDays: 30}, nopLogger())
	h.engine = NewEngine(EngineConfig{
		Affiliations: h.affs,
		Cases:        h.cases,
		Window:       win,
		Limiter:      h.limiter,
		Emitter:      h.emitter,
		Logger:       nopLogger(),
		Now:          func() time.Time { return h.now },
	})
}

func strPtr(s string) *string { return &s }

func clinicalRequest(principal string, roles ...string) *AccessRequest {
	return NewAccessRequest(AccessRequest{
		PrincipalID:     principal,
		PrincipalRoles:  roles,
		FacilityID:      testFacility,
		Classification:  ClassificationClinical,
		DeclaredPurpose: string(PurposeClinicalCare),
		Metadata: RequestMetadata{
			Endpoint:      "/api/v1/cases/case-1/access",
			Method:        "GET",
			CorrelationID: "corr-1",
		},
	})
}

func withCase(req *AccessRequest, caseID string) *AccessRequest {
	req.CaseID = &caseID
	return req
}

func withPurpose(req *AccessRequest, p string) *AccessRequest {
	req.DeclaredPurpose = p
	return req
}

func withEmergency(req *AccessRequest, justification string) *AccessRequest {
	req.DeclaredPurpose = string(PurposeEmergency)
	req.EmergencyJustification = &justification
	return req
}

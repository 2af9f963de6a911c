package hipaa

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/phigate/internal/platform/phiaccess"
)

// AuditSearchParams holds filter, pagination, and sort parameters for PHI
// access audit search.
type AuditSearchParams struct {
	PrincipalID string     `json:"principal_id"`
	FacilityID  string     `json:"facility_id"`
	CaseID      string     `json:"case_id"`
	Outcome     string     `json:"outcome"`
	Reason      string     `json:"reason"`
	Purpose     string     `json:"purpose"`
	Emergency   *bool      `json:"emergency,omitempty"`
	StartTime   *time.Time `json:"start_time"`
	EndTime     *time.Time `json:"end_time"`
	Limit       int        `json:"limit"`
	Offset      int        `json:"offset"`
	SortOrder   string     `json:"sort_order"`
}

// AuditSearchResult contains paginated search results.
type AuditSearchResult struct {
	Entries []*phiaccess.AuditRecord `json:"entries"`
	Total   int                      `json:"total"`
	Limit   int                      `json:"limit"`
	Offset  int                      `json:"offset"`
}

// AuditSummary contains aggregated statistics for matching records.
type AuditSummary struct {
	TotalEntries int            `json:"total_entries"`
	ByOutcome    map[string]int `json:"by_outcome"`
	ByReason     map[string]int `json:"by_reason"`
	ByPurpose    map[string]int `json:"by_purpose"`
	ByPrincipal  map[string]int `json:"by_principal"`
	Emergency    int            `json:"emergency"`
	TimeRange    struct {
		First time.Time `json:"first"`
		Last  time.Time `json:"last"`
	} `json:"time_range"`
}

// MemoryAuditStore keeps PHI access records in process. It satisfies
// phiaccess.AuditStore and backs the search endpoints when AUDIT_STORE=memory.
type MemoryAuditStore struct {
	mu      sync.RWMutex
	entries []*phiaccess.AuditRecord
	byID    map[string]*phiaccess.AuditRecord
}

func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{
		entries: make([]*phiaccess.AuditRecord, 0),
		byID:    make(map[string]*phiaccess.AuditRecord),
	}
}

// WriteAccessRecord appends rec. Records are never updated; a repeated id is
// rejected.
func (s *MemoryAuditStore) WriteAccessRecord(_ context.Context, rec *phiaccess.AuditRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byID[rec.ID]; dup {
		return "", fmt.Errorf("hipaa audit: duplicate record id %s", rec.ID)
	}
	s.entries = append(s.entries, rec)
	s.byID[rec.ID] = rec
	return rec.ID, nil
}

func applyDefaults(params *AuditSearchParams) {
	if params.Limit <= 0 {
		params.Limit = 100
	}
	if params.Limit > 1000 {
		params.Limit = 1000
	}
	if params.Offset < 0 {
		params.Offset = 0
	}
	if params.SortOrder != "asc" {
		params.SortOrder = "desc"
	}
}

func matchEntry(e *phiaccess.AuditRecord, p AuditSearchParams) bool {
	if p.PrincipalID != "" && e.PrincipalID != p.PrincipalID {
		return false
	}
	if p.FacilityID != "" && e.FacilityID != p.FacilityID {
		return false
	}
	if p.CaseID != "" && e.CaseID != p.CaseID {
		return false
	}
	if p.Outcome != "" && !strings.EqualFold(string(e.Outcome), p.Outcome) {
		return false
	}
	if p.Reason != "" && (e.DenialReason == nil || string(*e.DenialReason) != p.Reason) {
		return false
	}
	if p.Purpose != "" && !strings.EqualFold(e.Purpose, p.Purpose) {
		return false
	}
	if p.Emergency != nil && e.Emergency != *p.Emergency {
		return false
	}
	if p.StartTime != nil && e.Timestamp.Before(*p.StartTime) {
		return false
	}
	if p.EndTime != nil && e.Timestamp.After(*p.EndTime) {
		return false
	}
	return true
}

func (s *MemoryAuditStore) filter(p AuditSearchParams) []*phiaccess.AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*phiaccess.AuditRecord
	for _, e := range s.entries {
		if matchEntry(e, p) {
			out = append(out, e)
		}
	}
	return out
}

func sortEntries(entries []*phiaccess.AuditRecord, order string) {
	sort.SliceStable(entries, func(i, j int) bool {
		if order == "asc" {
			return entries[i].Timestamp.Before(entries[j].Timestamp)
		}
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
}

// Search filters, sorts, and paginates records.
func (s *MemoryAuditStore) Search(_ context.Context, params AuditSearchParams) (*AuditSearchResult, error) {
	applyDefaults(&params)

	filtered := s.filter(params)
	sortEntries(filtered, params.SortOrder)

	total := len(filtered)
	start := params.Offset
	if start > total {
		start = total
	}
	end := start + params.Limit
	if end > total {
		end = total
	}

	page := filtered[start:end]
	if page == nil {
		page = []*phiaccess.AuditRecord{}
	}
	return &AuditSearchResult{
		Entries: page,
		Total:   total,
		Limit:   params.Limit,
		Offset:  params.Offset,
	}, nil
}

// ExportCSV writes every matching record, unpaginated.
func (s *MemoryAuditStore) ExportCSV(_ context.Context, params AuditSearchParams, w io.Writer) error {
	applyDefaults(&params)
	filtered := s.filter(params)
	sortEntries(filtered, params.SortOrder)

	cw := csv.NewWriter(w)
	defer cw.Flush()

	header := []string{"ID", "Timestamp", "PrincipalID", "FacilityID", "CaseID", "Classification",
		"Purpose", "Outcome", "DenialReason", "Emergency", "Endpoint", "CorrelationID"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("audit export csv: write header: %w", err)
	}

	for _, e := range filtered {
		reason := ""
		if e.DenialReason != nil {
			reason = string(*e.DenialReason)
		}
		record := []string{
			e.ID,
			e.Timestamp.Format(time.RFC3339),
			e.PrincipalID,
			e.FacilityID,
			e.CaseID,
			string(e.Classification),
			e.Purpose,
			string(e.Outcome),
			reason,
			strconv.FormatBool(e.Emergency),
			e.Metadata.Endpoint,
			e.Metadata.CorrelationID,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("audit export csv: write record: %w", err)
		}
	}
	return nil
}

// Summary computes aggregate statistics for matching records.
func (s *MemoryAuditStore) Summary(_ context.Context, params AuditSearchParams) (*AuditSummary, error) {
	filtered := s.filter(params)

	summary := &AuditSummary{
		TotalEntries: len(filtered),
		ByOutcome:    make(map[string]int),
		ByReason:     make(map[string]int),
		ByPurpose:    make(map[string]int),
		ByPrincipal:  make(map[string]int),
	}

	for i, e := range filtered {
		summary.ByOutcome[string(e.Outcome)]++
		if e.DenialReason != nil {
			summary.ByReason[string(*e.DenialReason)]++
		}
		summary.ByPurpose[e.Purpose]++
		summary.ByPrincipal[e.PrincipalID]++
		if e.Emergency {
			summary.Emergency++
		}

		if i == 0 || e.Timestamp.Before(summary.TimeRange.First) {
			summary.TimeRange.First = e.Timestamp
		}
		if i == 0 || e.Timestamp.After(summary.TimeRange.Last) {
			summary.TimeRange.Last = e.Timestamp
		}
	}
	return summary, nil
}

// GetEntry returns a single record by id, or nil.
func (s *MemoryAuditStore) GetEntry(id string) *phiaccess.AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byID[id]
}

// ---------- HTTP Handler ----------

// AuditSearchHandler serves the PHI access audit trail. Routes must sit
// behind the PHI guard; results are confined to the caller's facility.
type AuditSearchHandler struct {
	store *MemoryAuditStore
}

func NewAuditSearchHandler(store *MemoryAuditStore) *AuditSearchHandler {
	return &AuditSearchHandler{store: store}
}

// RegisterRoutes registers the audit routes on g with the given middleware.
func (h *AuditSearchHandler) RegisterRoutes(g *echo.Group, mw ...echo.MiddlewareFunc) {
	g.GET("/audit/phi-access", h.HandleSearch, mw...)
	g.GET("/audit/phi-access/summary", h.HandleSummary, mw...)
	g.GET("/audit/phi-access/export.csv", h.HandleExportCSV, mw...)
	g.GET("/audit/phi-access/:id", h.HandleGetEntry, mw...)
}

func parseSearchParams(c echo.Context) AuditSearchParams {
	params := AuditSearchParams{
		PrincipalID: c.QueryParam("principal_id"),
		CaseID:      c.QueryParam("case_id"),
		Outcome:     c.QueryParam("outcome"),
		Reason:      c.QueryParam("reason"),
		Purpose:     c.QueryParam("purpose"),
		SortOrder:   c.QueryParam("sort_order"),
	}
	if v := c.QueryParam("emergency"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			params.Emergency = &b
		}
	}
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			params.Limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			params.Offset = n
		}
	}
	if v := c.QueryParam("start_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.StartTime = &t
		}
	}
	if v := c.QueryParam("end_time"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			params.EndTime = &t
		}
	}

	// Auditors only ever see their own facility.
	if scope := phiaccess.ScopeFromContext(c.Request().Context()); scope != nil {
		params.FacilityID = scope.FacilityID
	}
	return params
}

// HandleSearch handles GET /audit/phi-access.
func (h *AuditSearchHandler) HandleSearch(c echo.Context) error {
	result, err := h.store.Search(c.Request().Context(), parseSearchParams(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "audit search failed").SetInternal(err)
	}
	return c.JSON(http.StatusOK, result)
}

// HandleSummary handles GET /audit/phi-access/summary.
func (h *AuditSearchHandler) HandleSummary(c echo.Context) error {
	summary, err := h.store.Summary(c.Request().Context(), parseSearchParams(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "audit summary failed").SetInternal(err)
	}
	return c.JSON(http.StatusOK, summary)
}

// HandleExportCSV handles GET /audit/phi-access/export.csv.
func (h *AuditSearchHandler) HandleExportCSV(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderContentType, "text/csv")
	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf("attachment; filename=\"phi_access_%s.csv\"", time.Now().UTC().Format("20060102_150405")))
	c.Response().WriteHeader(http.StatusOK)
	return h.store.ExportCSV(c.Request().Context(), parseSearchParams(c), c.Response())
}

// HandleGetEntry handles GET /audit/phi-access/:id. Records from another
// facility are reported as not found.
func (h *AuditSearchHandler) HandleGetEntry(c echo.Context) error {
	entry := h.store.GetEntry(c.Param("id"))
	scope := phiaccess.ScopeFromContext(c.Request().Context())
	if entry == nil || (scope != nil && entry.FacilityID != scope.FacilityID) {
		return echo.NewHTTPError(http.StatusNotFound, "entry not found")
	}
	return c.JSON(http.StatusOK, entry)
}

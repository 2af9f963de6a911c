package hipaa

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/phigate/internal/platform/db"
	"github.com/ehr/phigate/internal/platform/phiaccess"
	"github.com/ehr/phigate/pkg/pagination"
)

// ExportRecord is one entry in the PHI export log. Every export references
// the ALLOW audit record that authorized it.
type ExportRecord struct {
	ID            string    `json:"id"`
	AccessAuditID string    `json:"access_audit_id"`
	CaseID        string    `json:"case_id"`
	PrincipalID   string    `json:"principal_id"`
	FacilityID    string    `json:"facility_id"`
	Purpose       string    `json:"purpose"`
	Format        string    `json:"format"`
	Recipient     string    `json:"recipient,omitempty"`
	ExportedAt    time.Time `json:"exported_at"`
}

// Export formats.
const (
	FormatPDF  = "pdf"
	FormatCSV  = "csv"
	FormatJSON = "json"
)

// IsValidExportFormat reports whether format is one of pdf, csv, json.
func IsValidExportFormat(format string) bool {
	switch format {
	case FormatPDF, FormatCSV, FormatJSON:
		return true
	}
	return false
}

var (
	// ErrNoAccessScope means the request never passed the PHI guard.
	ErrNoAccessScope = errors.New("export: no authorized access scope")
	// ErrExportCaseRequired means the scope is not bound to a case.
	ErrExportCaseRequired = errors.New("export: case id is required")
)

// ExportWriter persists export records.
type ExportWriter interface {
	WriteExport(ctx context.Context, rec *ExportRecord) error
	ListByCase(ctx context.Context, facilityID, caseID string) ([]*ExportRecord, error)
}

// ---------- in-memory writer ----------

// MemoryExportWriter keeps export records in process.
type MemoryExportWriter struct {
	mu      sync.RWMutex
	records []*ExportRecord
}

func NewMemoryExportWriter() *MemoryExportWriter {
	return &MemoryExportWriter{records: make([]*ExportRecord, 0)}
}

func (w *MemoryExportWriter) WriteExport(_ context.Context, rec *ExportRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records = append(w.records, rec)
	return nil
}

// ListByCase returns exports for the case, newest first.
func (w *MemoryExportWriter) ListByCase(_ context.Context, facilityID, caseID string) ([]*ExportRecord, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := make([]*ExportRecord, 0)
	for _, r := range w.records {
		if r.FacilityID == facilityID && r.CaseID == caseID {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExportedAt.After(out[j].ExportedAt) })
	return out, nil
}

// ---------- postgres writer ----------

// PGExportWriter writes to the phi_export_log table.
type PGExportWriter struct {
	q db.Querier
}

func NewPGExportWriter(q db.Querier) *PGExportWriter {
	return &PGExportWriter{q: q}
}

func (w *PGExportWriter) WriteExport(ctx context.Context, rec *ExportRecord) error {
	_, err := w.q.Exec(ctx, `
		INSERT INTO phi_export_log (
			id, access_audit_id, case_id, principal_id, facility_id,
			purpose, format, recipient, exported_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		rec.ID, rec.AccessAuditID, rec.CaseID, rec.PrincipalID, rec.FacilityID,
		rec.Purpose, rec.Format, nullable(rec.Recipient), rec.ExportedAt,
	)
	if err != nil {
		return fmt.Errorf("hipaa export: insert: %w", err)
	}
	return nil
}

func (w *PGExportWriter) ListByCase(ctx context.Context, facilityID, caseID string) ([]*ExportRecord, error) {
	rows, err := w.q.Query(ctx, `
		SELECT id::text, access_audit_id::text, case_id, principal_id, facility_id,
		       purpose, format, COALESCE(recipient, ''), exported_at
		FROM phi_export_log
		WHERE facility_id = $1 AND case_id = $2
		ORDER BY exported_at DESC`, facilityID, caseID)
	if err != nil {
		return nil, fmt.Errorf("hipaa export: list: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*ExportRecord, error) {
		var r ExportRecord
		err := row.Scan(&r.ID, &r.AccessAuditID, &r.CaseID, &r.PrincipalID, &r.FacilityID,
			&r.Purpose, &r.Format, &r.Recipient, &r.ExportedAt)
		return &r, err
	})
	if err != nil {
		return nil, fmt.Errorf("hipaa export: scan: %w", err)
	}
	return out, nil
}

// ---------- ledger ----------

// ExportLedger records exports only once the authorizing audit record is
// durable.
type ExportLedger struct {
	writer      ExportWriter
	logger      zerolog.Logger
	waitTimeout time.Duration
	now         func() time.Time
}

// NewExportLedger returns a ledger over w. A non-positive waitTimeout
// defaults to 10 seconds.
func NewExportLedger(w ExportWriter, logger zerolog.Logger, waitTimeout time.Duration) *ExportLedger {
	if waitTimeout <= 0 {
		waitTimeout = 10 * time.Second
	}
	return &ExportLedger{
		writer:      w,
		logger:      logger,
		waitTimeout: waitTimeout,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Record waits on the audit handle and then writes the export. If the audit
// record was not persisted the export is refused with an error wrapping
// phiaccess.ErrAuditNotRecorded.
func (l *ExportLedger) Record(ctx context.Context, scope *phiaccess.ScopedContext, handle *phiaccess.AuditHandle, format, recipient string) (*ExportRecord, error) {
	if scope == nil || handle == nil {
		return nil, ErrNoAccessScope
	}
	if scope.CaseID == "" {
		return nil, ErrExportCaseRequired
	}
	if !IsValidExportFormat(format) {
		return nil, fmt.Errorf("export: invalid format %q", format)
	}

	wctx, cancel := context.WithTimeout(ctx, l.waitTimeout)
	defer cancel()
	auditID, err := handle.Wait(wctx)
	if err != nil {
		l.logger.Error().Err(err).
			Str("principal_id", scope.PrincipalID).
			Str("case_id", scope.CaseID).
			Msg("export refused: access audit not recorded")
		if errors.Is(err, phiaccess.ErrAuditNotRecorded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", phiaccess.ErrAuditNotRecorded, err)
	}

	rec := &ExportRecord{
		ID:            uuid.New().String(),
		AccessAuditID: auditID,
		CaseID:        scope.CaseID,
		PrincipalID:   scope.PrincipalID,
		FacilityID:    scope.FacilityID,
		Purpose:       string(scope.Purpose),
		Format:        format,
		Recipient:     recipient,
		ExportedAt:    l.now(),
	}
	if err := l.writer.WriteExport(ctx, rec); err != nil {
		return nil, err
	}
	l.logger.Info().
		Str("export_id", rec.ID).
		Str("access_audit_id", auditID).
		Str("case_id", rec.CaseID).
		Str("format", format).
		Msg("phi export recorded")
	return rec, nil
}

// List returns the exports for a case within the caller's facility.
func (l *ExportLedger) List(ctx context.Context, scope *phiaccess.ScopedContext) ([]*ExportRecord, error) {
	if scope == nil {
		return nil, ErrNoAccessScope
	}
	if scope.CaseID == "" {
		return nil, ErrExportCaseRequired
	}
	return l.writer.ListByCase(ctx, scope.FacilityID, scope.CaseID)
}

// ---------- HTTP handler ----------

// ExportHandler serves the case export endpoints. Routes must sit behind the
// PHI guard.
type ExportHandler struct {
	ledger *ExportLedger
}

func NewExportHandler(ledger *ExportLedger) *ExportHandler {
	return &ExportHandler{ledger: ledger}
}

// RegisterRoutes registers POST and GET /cases/:caseId/exports on g.
func (h *ExportHandler) RegisterRoutes(g *echo.Group, mw ...echo.MiddlewareFunc) {
	g.POST("/cases/:caseId/exports", h.HandleCreate, mw...)
	g.GET("/cases/:caseId/exports", h.HandleList, mw...)
}

// CreateExportRequest is the request body for recording an export.
type CreateExportRequest struct {
	Format    string `json:"format"`
	Recipient string `json:"recipient"`
}

// HandleCreate handles POST /cases/:caseId/exports.
func (h *ExportHandler) HandleCreate(c echo.Context) error {
	var req CreateExportRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.Format = strings.ToLower(strings.TrimSpace(req.Format))
	if !IsValidExportFormat(req.Format) {
		return echo.NewHTTPError(http.StatusBadRequest, "format must be one of: pdf, csv, json")
	}

	ctx := c.Request().Context()
	rec, err := h.ledger.Record(ctx, phiaccess.ScopeFromContext(ctx), phiaccess.AuditHandleFromContext(ctx),
		req.Format, strings.TrimSpace(req.Recipient))
	switch {
	case err == nil:
		return c.JSON(http.StatusCreated, rec)
	case errors.Is(err, ErrNoAccessScope):
		return echo.NewHTTPError(http.StatusForbidden, "access denied")
	case errors.Is(err, ErrExportCaseRequired):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, phiaccess.ErrAuditNotRecorded):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "access audit not recorded; export refused").SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to record export").SetInternal(err)
	}
}

// HandleList handles GET /cases/:caseId/exports, newest first, paged with
// ?limit= and ?offset=.
func (h *ExportHandler) HandleList(c echo.Context) error {
	ctx := c.Request().Context()
	records, err := h.ledger.List(ctx, phiaccess.ScopeFromContext(ctx))
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, pagination.Apply(records, pagination.FromContext(c)))
	case errors.Is(err, ErrNoAccessScope):
		return echo.NewHTTPError(http.StatusForbidden, "access denied")
	case errors.Is(err, ErrExportCaseRequired):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list exports").SetInternal(err)
	}
}

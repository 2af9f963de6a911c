package phiaccess

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// AuditRecord is built once per AccessRequest at decision time. Nothing
// mutates it after it is handed to the emitter.
type AuditRecord struct {
	ID                     string          `json:"id"`
	PrincipalID            string          `json:"principal_id"`
	Roles                  []string        `json:"roles"`
	FacilityID             string          `json:"facility_id"`
	Organizations          []string        `json:"organizations"`
	CaseID                 string          `json:"case_id,omitempty"`
	Classification         Classification  `json:"classification"`
	Purpose                string          `json:"purpose"`
	Outcome                Outcome         `json:"outcome"`
	DenialReason           *ReasonCode     `json:"denial_reason,omitempty"`
	Emergency              bool            `json:"emergency"`
	EmergencyJustification *string         `json:"emergency_justification,omitempty"`
	Metadata               RequestMetadata `json:"metadata"`
	Timestamp              time.Time       `json:"timestamp"`
}

// AuditHandle resolves to the id of a persisted ALLOW audit record. Anything
// that must reference that record waits on the handle.
type AuditHandle struct {
	done chan struct{}
	id   string
	err  error
}

func newAuditHandle() *AuditHandle {
	return &AuditHandle{done: make(chan struct{})}
}

func (h *AuditHandle) resolve(id string, err error) {
	h.id, h.err = id, err
	close(h.done)
}

// Wait blocks until the audit write finishes or ctx is done. It returns
// ErrAuditNotRecorded when the write failed.
func (h *AuditHandle) Wait(ctx context.Context) (string, error) {
	select {
	case <-h.done:
		if h.err != nil {
			return "", h.err
		}
		return h.id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Done is closed once the write has finished, successfully or not.
func (h *AuditHandle) Done() <-chan struct{} { return h.done }

// ResolvedAuditHandle returns a handle that is already complete. Useful for
// callers that persist the record themselves.
func ResolvedAuditHandle(id string, err error) *AuditHandle {
	h := newAuditHandle()
	h.resolve(id, err)
	return h
}

// Emitter writes audit records. DENY writes are synchronous; ALLOW writes run
// in the background and are exposed through an AuditHandle.
type Emitter struct {
	store        AuditStore
	logger       zerolog.Logger
	tracer       trace.Tracer
	writeTimeout time.Duration
	wg           sync.WaitGroup
}

// NewEmitter returns an emitter over store. A non-positive writeTimeout
// defaults to 5 seconds.
func NewEmitter(store AuditStore, logger zerolog.Logger, writeTimeout time.Duration) *Emitter {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Emitter{
		store:        store,
		logger:       logger,
		tracer:       tracer(),
		writeTimeout: writeTimeout,
	}
}

// EmitDenied writes rec before returning. A failed write is logged and
// swallowed; the denial stands either way.
func (e *Emitter) EmitDenied(ctx context.Context, rec *AuditRecord) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.writeTimeout)
	defer cancel()
	_, _ = e.write(ctx, rec)
}

// EmitAllowed starts the write and returns immediately.
func (e *Emitter) EmitAllowed(ctx context.Context, rec *AuditRecord) *AuditHandle {
	h := newAuditHandle()
	bg := context.WithoutCancel(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		wctx, cancel := context.WithTimeout(bg, e.writeTimeout)
		defer cancel()
		id, err := e.write(wctx, rec)
		if err != nil {
			h.resolve("", ErrAuditNotRecorded)
			return
		}
		h.resolve(id, nil)
	}()
	return h
}

// Drain waits for in-flight ALLOW writes, or until ctx is done.
func (e *Emitter) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Emitter) write(ctx context.Context, rec *AuditRecord) (string, error) {
	ctx, span := e.tracer.Start(ctx, "phiaccess.audit.write",
		trace.WithAttributes(
			attribute.String("phi.audit.id", rec.ID),
			attribute.String("phi.outcome", string(rec.Outcome)),
		))
	defer span.End()

	id, err := e.store.WriteAccessRecord(ctx, rec)
	if err == nil && id == "" {
		id = rec.ID
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "audit write failed")
		e.logger.Error().Err(err).
			Str("type", "phi_audit").
			Str("audit_id", rec.ID).
			Str("principal_id", rec.PrincipalID).
			Str("outcome", string(rec.Outcome)).
			Str("correlation_id", rec.Metadata.CorrelationID).
			Msg("audit_write_failed")
		return "", err
	}
	return id, nil
}

// newAuditRecord snapshots the evaluation into a record with a fresh id.
func newAuditRecord(req *AccessRequest, ev *evaluation, now time.Time) *AuditRecord {
	rec := &AuditRecord{
		ID:             uuid.New().String(),
		PrincipalID:    req.PrincipalID,
		Roles:          append([]string(nil), req.PrincipalRoles...),
		FacilityID:     req.FacilityID,
		Organizations:  append([]string(nil), ev.organizations...),
		CaseID:         req.caseID(),
		Classification: req.Classification,
		Purpose:        req.DeclaredPurpose,
		Emergency:      ev.emergency,
		Metadata:       req.Metadata,
		Timestamp:      now.UTC(),
	}
	if ev.purpose != "" {
		rec.Purpose = string(ev.purpose)
	}
	if req.EmergencyJustification != nil {
		j := *req.EmergencyJustification
		rec.EmergencyJustification = &j
	}
	if rec.Organizations == nil {
		rec.Organizations = []string{}
	}
	return rec
}

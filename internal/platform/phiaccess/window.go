package phiaccess

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	ConfigKeyPreOpDays          = "clinical_window.pre_op_days"
	ConfigKeyPostCompletionDays = "clinical_window.post_completion_days"

	DefaultPreOpDays          = 7
	DefaultPostCompletionDays = 30

	day = 24 * time.Hour
)

// ClinicalCareWindow is resolved per facility and never stored.
type ClinicalCareWindow struct {
	PreOpDays          int `json:"pre_op_days"`
	PostCompletionDays int `json:"post_completion_days"`
}

// WindowEvaluator decides whether now falls inside a case's clinical care
// window. The window only ever narrows access.
type WindowEvaluator struct {
	timelines CaseTimelineSource
	config    ConfigSource
	defaults  ClinicalCareWindow
	logger    zerolog.Logger
}

// NewWindowEvaluator builds an evaluator. config may be nil, in which case
// defaults always apply.
func NewWindowEvaluator(timelines CaseTimelineSource, config ConfigSource, defaults ClinicalCareWindow, logger zerolog.Logger) *WindowEvaluator {
	if defaults.PreOpDays < 0 {
		defaults.PreOpDays = 0
	}
	if defaults.PostCompletionDays < 0 {
		defaults.PostCompletionDays = 0
	}
	return &WindowEvaluator{timelines: timelines, config: config, defaults: defaults, logger: logger}
}

// ResolveWindow returns the effective window for a facility. Lookup faults
// fall back to the defaults; they are never a reason to deny.
func (w *WindowEvaluator) ResolveWindow(ctx context.Context, facilityID string) ClinicalCareWindow {
	return ClinicalCareWindow{
		PreOpDays:          w.resolveDays(ctx, ConfigKeyPreOpDays, facilityID, w.defaults.PreOpDays),
		PostCompletionDays: w.resolveDays(ctx, ConfigKeyPostCompletionDays, facilityID, w.defaults.PostCompletionDays),
	}
}

// resolveDays clamps an override into [0, def].
func (w *WindowEvaluator) resolveDays(ctx context.Context, key, facilityID string, def int) int {
	if w.config == nil {
		return def
	}
	raw, err := w.config.GetOverride(ctx, key, facilityID)
	if err != nil {
		w.logger.Debug().Err(err).
			Str("key", key).
			Str("facility_id", facilityID).
			Msg("clinical window override lookup failed, using default")
		return def
	}
	if raw == nil {
		return def
	}
	v, err := strconv.Atoi(strings.TrimSpace(*raw))
	if err != nil {
		w.logger.Debug().
			Str("key", key).
			Str("facility_id", facilityID).
			Str("value", *raw).
			Msg("clinical window override not an integer, using default")
		return def
	}
	if v < 0 {
		v = 0
	}
	if v > def {
		v = def
	}
	return v
}

// IsWithinWindow fails closed: a missing case or a timeline fault returns
// false with ErrWindowUnresolvable.
func (w *WindowEvaluator) IsWithinWindow(ctx context.Context, caseID, facilityID string, now time.Time) (bool, error) {
	tl, err := w.timelines.GetCaseTimeline(ctx, caseID)
	if err != nil {
		return false, fmt.Errorf("%w: case %s: %v", ErrWindowUnresolvable, caseID, err)
	}
	if tl == nil {
		return false, fmt.Errorf("%w: case %s not found", ErrWindowUnresolvable, caseID)
	}

	win := w.ResolveWindow(ctx, facilityID)

	if tl.ScheduledDate != nil {
		start := tl.ScheduledDate.Add(-time.Duration(win.PreOpDays) * day)
		if now.Before(start) {
			return false, nil
		}
	}
	if tl.CompletedAt != nil {
		end := tl.CompletedAt.Add(time.Duration(win.PostCompletionDays) * day)
		if now.After(end) {
			return false, nil
		}
	}
	return true, nil
}

package phiaccess

import "errors"

// ReasonCode is a stable denial code consumed by compliance tooling. Never
// rename a value; add new ones instead.
type ReasonCode string

const (
	ReasonNoFacilityContext              ReasonCode = "NO_FACILITY_CONTEXT"
	ReasonMissingPurposeHeader           ReasonCode = "MISSING_PURPOSE_HEADER"
	ReasonInvalidPurpose                 ReasonCode = "INVALID_PURPOSE"
	ReasonEmergencyJustificationRequired ReasonCode = "EMERGENCY_JUSTIFICATION_REQUIRED"
	ReasonEmergencyRateLimit             ReasonCode = "EMERGENCY_RATE_LIMIT"
	ReasonEmergencyRateLimitUnavailable  ReasonCode = "EMERGENCY_RATE_LIMIT_UNAVAILABLE"
	ReasonAffiliationResolutionError     ReasonCode = "AFFILIATION_RESOLUTION_ERROR"
	ReasonNoOrgAffiliations              ReasonCode = "NO_ORG_AFFILIATIONS"
	ReasonMissingPHICapability           ReasonCode = "MISSING_PHI_CAPABILITY"
	ReasonCrossFacilityAccess            ReasonCode = "CROSS_FACILITY_ACCESS"
	ReasonCaseResolutionError            ReasonCode = "CASE_RESOLUTION_ERROR"
	ReasonOutsideClinicalWindow          ReasonCode = "OUTSIDE_CLINICAL_WINDOW"
	ReasonClinicalWindowUnresolvable     ReasonCode = "CLINICAL_WINDOW_UNRESOLVABLE"
	ReasonCaseNotFound                   ReasonCode = "CASE_NOT_FOUND"
	ReasonCaseAttributionMissing         ReasonCode = "CASE_ATTRIBUTION_MISSING"
	ReasonNoCaseAccess                   ReasonCode = "NO_CASE_ACCESS"
)

// AllReasonCodes lists every code the engine can produce.
func AllReasonCodes() []ReasonCode {
	return []ReasonCode{
		ReasonNoFacilityContext,
		ReasonMissingPurposeHeader,
		ReasonInvalidPurpose,
		ReasonEmergencyJustificationRequired,
		ReasonEmergencyRateLimit,
		ReasonEmergencyRateLimitUnavailable,
		ReasonAffiliationResolutionError,
		ReasonNoOrgAffiliations,
		ReasonMissingPHICapability,
		ReasonCrossFacilityAccess,
		ReasonCaseResolutionError,
		ReasonOutsideClinicalWindow,
		ReasonClinicalWindowUnresolvable,
		ReasonCaseNotFound,
		ReasonCaseAttributionMissing,
		ReasonNoCaseAccess,
	}
}

// ReasonClass groups reason codes by the response class a transport should use.
type ReasonClass string

const (
	ClassForbidden   ReasonClass = "forbidden"
	ClassRateLimited ReasonClass = "rate_limited"
)

// Class returns the response class for r. Only rate exhaustion is
// distinguished from authorization failures.
func (r ReasonCode) Class() ReasonClass {
	if r == ReasonEmergencyRateLimit {
		return ClassRateLimited
	}
	return ClassForbidden
}

var (
	ErrAffiliationLookup  = errors.New("phiaccess: affiliation lookup failed")
	ErrCaseLookup         = errors.New("phiaccess: case lookup failed")
	ErrWindowUnresolvable = errors.New("phiaccess: clinical window unresolvable")
	ErrAuditNotRecorded   = errors.New("phiaccess: audit record not persisted")
)

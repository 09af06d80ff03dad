// Package types provides common type definitions for the site scanner system.
package types

import (
	"fmt"
	"strings"
)

// ScanType is the closed set of scan variants a job can request.
type ScanType string

const (
	// ScanTypePublic runs header, TLS and crawl probes against a site
	ScanTypePublic ScanType = "public"
	// ScanTypeAdvanced runs the public pipeline and derives scored findings
	ScanTypeAdvanced ScanType = "advanced"
)

// ParseScanType converts a stored tag into a ScanType. The scanner
// dispatches on its result, so unknown tags fail the job here.
func ParseScanType(s string) (ScanType, error) {
	switch ScanType(s) {
	case ScanTypePublic:
		return ScanTypePublic, nil
	case ScanTypeAdvanced:
		return ScanTypeAdvanced, nil
	default:
		return "", fmt.Errorf("unknown scan_type: %q", s)
	}
}

// ScanStatus represents the lifecycle state of a scan job
type ScanStatus string

const (
	// ScanStatusQueued represents a job waiting to be claimed
	ScanStatusQueued ScanStatus = "queued"
	// ScanStatusRunning represents a job claimed by a worker
	ScanStatusRunning ScanStatus = "running"
	// ScanStatusDone represents a job that finished with a summary
	ScanStatusDone ScanStatus = "done"
	// ScanStatusFailed represents a job that finished with an error
	ScanStatusFailed ScanStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s ScanStatus) IsTerminal() bool {
	return s == ScanStatusDone || s == ScanStatusFailed
}

// CanTransitionTo reports whether s -> next follows queued -> running -> {done, failed}.
// A queued job may also fail directly (stale sweep).
func (s ScanStatus) CanTransitionTo(next ScanStatus) bool {
	switch s {
	case ScanStatusQueued:
		return next == ScanStatusRunning || next == ScanStatusFailed
	case ScanStatusRunning:
		return next == ScanStatusDone || next == ScanStatusFailed
	default:
		return false
	}
}

// Severity is the severity of a finding
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Severities lists every severity from most to least severe.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo}

// NormalizeSeverity maps free-form input onto a known severity; anything unrecognized is info.
func NormalizeSeverity(s string) Severity {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	switch sev {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return sev
	default:
		return SeverityInfo
	}
}

// Rank orders severities, 0 being the most severe.
func (s Severity) Rank() int {
	switch NormalizeSeverity(string(s)) {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 3
	default:
		return 4
	}
}

// RiskLevel is the label derived from a risk score
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "low"
	RiskLevelMedium   RiskLevel = "medium"
	RiskLevelHigh     RiskLevel = "high"
	RiskLevelCritical RiskLevel = "critical"
	// RiskLevelInfo marks an unscored (public) summary
	RiskLevelInfo RiskLevel = "info"
)

// PlanName identifies a billing plan
type PlanName string

const (
	// PlanFree represents the free plan with limited crawl budget
	PlanFree PlanName = "free"
	// PlanPaid represents the paid plan with priority queueing
	PlanPaid PlanName = "paid"
)

// QueueTier is the claim ordering class derived from the owner's plan
type QueueTier string

const (
	// TierPriority is drained first when non-empty
	TierPriority QueueTier = "priority"
	// TierStandard is FIFO behind the priority tier
	TierStandard QueueTier = "standard"
)

// TierFor returns the queue tier for a plan's priority flag.
func TierFor(priorityQueue bool) QueueTier {
	if priorityQueue {
		return TierPriority
	}
	return TierStandard
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}

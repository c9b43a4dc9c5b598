package models

import (
	"strings"
	"time"
	"unicode/utf8"
)

// MaxReasonRunes bounds the free-text reason stored with an assessment.
const MaxReasonRunes = 200

// RiskLevel is the canonical risk tier of a classified product.
type RiskLevel string

const (
	RiskNone     RiskLevel = "NONE"
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
	RiskError    RiskLevel = "ERROR"
)

// IsRiskBearing reports whether the level is above the lowest tiers.
// ERROR counts as risk-bearing so failures stay visible in filtered views.
func (l RiskLevel) IsRiskBearing() bool {
	return l != RiskNone && l != RiskLow
}

// IsHighRisk reports HIGH or CRITICAL.
func (l RiskLevel) IsHighRisk() bool {
	return l == RiskHigh || l == RiskCritical
}

// ProductRecord is one catalog item under review. Immutable once created.
type ProductRecord struct {
	Name         string `json:"name"`
	ImageURL     string `json:"image_url,omitempty"`
	CanonicalURL string `json:"canonical_url,omitempty"`
	Price        *int64 `json:"price,omitempty"`
	SourceItemID string `json:"source_item_id,omitempty"`
}

// Key identifies the product within its catalog.
func (p ProductRecord) Key() string {
	switch {
	case p.SourceItemID != "":
		return p.SourceItemID
	case p.CanonicalURL != "":
		return p.CanonicalURL
	default:
		return p.Name
	}
}

// RiskAssessment is the output of classification.
type RiskAssessment struct {
	Level      RiskLevel `json:"risk_level"`
	IsCritical bool      `json:"is_critical"`
	Reason     string    `json:"reason"`
	RawLabel   string    `json:"raw_label,omitempty"`
}

// Normalize enforces Level == CRITICAL <=> IsCritical and bounds Reason.
func (a RiskAssessment) Normalize() RiskAssessment {
	if a.IsCritical && a.Level != RiskError {
		a.Level = RiskCritical
	}
	a.IsCritical = a.Level == RiskCritical
	a.Reason = TruncateReason(a.Reason)
	return a
}

// Failed builds the retriable ERROR placeholder.
func Failed(reason string) RiskAssessment {
	return RiskAssessment{Level: RiskError, Reason: TruncateReason(reason)}
}

// TruncateReason trims whitespace and caps the reason at MaxReasonRunes.
func TruncateReason(s string) string {
	return TruncateRunes(strings.TrimSpace(s), MaxReasonRunes)
}

// TruncateRunes cuts s to at most n runes without splitting one.
func TruncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// ScannedItem is a product enriched with its assessment and origin target.
type ScannedItem struct {
	ProductRecord
	RiskAssessment
	TargetURL string `json:"target_url"`
	Seq       int    `json:"seq"`
}

// Key identifies the item inside a run for union-append semantics.
func (s ScannedItem) Key() string {
	return s.TargetURL + "|" + s.ProductRecord.Key()
}

// TargetStatus tracks a PatrolTarget through a fleet run.
type TargetStatus string

const (
	TargetWaiting    TargetStatus = "WAITING"
	TargetProcessing TargetStatus = "PROCESSING"
	TargetCompleted  TargetStatus = "COMPLETED"
	TargetError      TargetStatus = "ERROR"
)

// PatrolTarget is one catalog root (shop URL or shop code).
type PatrolTarget struct {
	URL        string       `json:"url"`
	Status     TargetStatus `json:"status"`
	ItemCount  int          `json:"item_count"`
	Processed  int          `json:"processed"`
	TotalCount int          `json:"total_count"`
	Error      string       `json:"error,omitempty"`
}

// RunMode distinguishes single-target runs from fleet runs.
type RunMode string

const (
	ModeSingle RunMode = "SINGLE"
	ModeFleet  RunMode = "FLEET"
)

// RunStatus is the persisted status of a PatrolRun.
type RunStatus string

const (
	RunProcessing RunStatus = "PROCESSING"
	RunPaused     RunStatus = "PAUSED"
	RunCompleted  RunStatus = "COMPLETED"
	RunError      RunStatus = "ERROR"
)

// CanTransition reports whether a run may move from one status to another.
// COMPLETED and ERROR are sinks within one attempt; a resume starts a new
// attempt, which is the only way back to PROCESSING from them.
func CanTransition(from, to RunStatus, newAttempt bool) bool {
	if from == to {
		return true
	}
	switch from {
	case RunProcessing:
		return to == RunPaused || to == RunCompleted || to == RunError
	case RunPaused:
		return to == RunProcessing || to == RunCompleted || to == RunError
	case RunCompleted, RunError:
		return newAttempt && to == RunProcessing
	}
	return false
}

// Summary holds the aggregate counts of a run.
type Summary struct {
	Total         int `json:"total"`
	HighRiskCount int `json:"high_risk_count"`
	CriticalCount int `json:"critical_count"`
}

// Add folds one assessment into the counts.
func (s *Summary) Add(level RiskLevel) {
	s.Total++
	if level.IsHighRisk() {
		s.HighRiskCount++
	}
	if level == RiskCritical {
		s.CriticalCount++
	}
}

// Checkpoint is the persisted resume marker. ItemOffset counts the products
// of NextPage already processed when a stop landed between batches.
type Checkpoint struct {
	TargetIndex    int `json:"target_index"`
	NextPage       int `json:"next_page"`
	ItemOffset     int `json:"item_offset"`
	ProcessedCount int `json:"processed_count"`
	TotalCount     int `json:"total_count"`
}

// PatrolRun is the unit of persistence and resumability.
type PatrolRun struct {
	ID         string         `json:"id"`
	Mode       RunMode        `json:"mode"`
	Label      string         `json:"label"`
	Targets    []PatrolTarget `json:"targets"`
	Status     RunStatus      `json:"status"`
	Summary    Summary        `json:"summary"`
	Checkpoint Checkpoint     `json:"checkpoint"`
	Items      []ScannedItem  `json:"items"`
	Attempt    int            `json:"attempt"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// CompletedItemCount sums ItemCount over completed targets.
func (r *PatrolRun) CompletedItemCount() int {
	n := 0
	for _, t := range r.Targets {
		if t.Status == TargetCompleted {
			n += t.ItemCount
		}
	}
	return n
}

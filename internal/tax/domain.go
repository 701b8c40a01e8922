// Package tax implements batch tax collection over approved expense reports.
// Collection marks a report as consumed by the tax pipeline; the report's
// approval status never changes.
package tax

import (
	"time"

	"github.com/google/uuid"
)

// CollectResult summarizes one collection run.
type CollectResult struct {
	CollectedCount int
	ReportIDs      []uuid.UUID
}

// BatchOutcome enumerates per-report batch completion outcomes.
type BatchOutcome string

const (
	OutcomeCollected BatchOutcome = "COLLECTED"
	OutcomeSkipped   BatchOutcome = "SKIPPED"
	OutcomeFailed    BatchOutcome = "FAILED"
)

// BatchResult is the outcome for one report in a batch completion request.
type BatchResult struct {
	ReportID uuid.UUID
	Outcome  BatchOutcome
	Reason   string
}

// StatusPartition splits approved reports in a range by collection state.
type StatusPartition struct {
	Collected   []ReportSummary
	Uncollected []ReportSummary
}

// ReportSummary is the header slice the tax screens work with.
type ReportSummary struct {
	ID             uuid.UUID
	CompanyID      uuid.UUID
	DrafterName    string
	ReportDate     time.Time
	Summary        string
	TotalAmount    int64
	TaxCollectedAt *time.Time
}

// MonthlyBucket is one month of the yearly summary.
type MonthlyBucket struct {
	Month          int
	ApprovedCount  int64
	ApprovedTotal  int64
	CollectedCount int64
}

// Package expense implements the expense-report workflow core: the document
// store, the ordered approval-line engine and the report lifecycle controller.
package expense

import (
	"time"

	"github.com/google/uuid"
)

// Status enumerates report lifecycle statuses. Payment completion is a
// settlement annotation on APPROVED, not a separate status.
type Status string

const (
	StatusDraft    Status = "DRAFT"
	StatusWait     Status = "WAIT"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
)

// LineStatus enumerates per-approval-line statuses.
type LineStatus string

const (
	LineWait     LineStatus = "WAIT"
	LineApproved LineStatus = "APPROVED"
	LineRejected LineStatus = "REJECTED"
)

// PaymentMethod enumerates how a detail was paid.
type PaymentMethod string

const (
	PayCash          PaymentMethod = "CASH"
	PayPersonalCard  PaymentMethod = "PERSONAL_CARD"
	PayCorporateCard PaymentMethod = "CORPORATE_CARD"
)

// Report is the expense-report aggregate root. TotalAmount always equals the
// sum of detail amounts, and Status is always consistent with the aggregate
// state of the approval lines.
type Report struct {
	ID                     uuid.UUID
	CompanyID              uuid.UUID
	DrafterID              uuid.UUID
	DrafterName            string
	ReportDate             time.Time
	Summary                string
	TotalAmount            int64
	IsSecret               bool
	Status                 Status
	ActualPaidAmount       *int64
	AmountDifferenceReason *string
	PaidAt                 *time.Time
	TaxCollectedAt         *time.Time
	Version                int64
	CreatedAt              time.Time
	UpdatedAt              time.Time

	Details []Detail
	Lines   []ApprovalLine
}

// Detail is a single expense line item.
type Detail struct {
	ID                  uuid.UUID
	ReportID            uuid.UUID
	Category            string
	Amount              int64
	Description         string
	PaymentMethod       PaymentMethod
	CardNumber          string
	PaymentRequestDate  time.Time
	IsTaxDeductible     bool
	NonDeductibleReason string
	ActualPaidAmount    *int64
}

// ApprovalLine is one ordered step in a report's sign-off chain. Seq is
// contiguous starting at 1. SignedAt survives a cancel-approval so the
// "has ever carried a signature" delete guard stays evaluable.
type ApprovalLine struct {
	ReportID         uuid.UUID
	Seq              int
	ApproverID       uuid.UUID
	ApproverName     string
	ApproverPosition string
	Status           LineStatus
	SignatureData    *string
	RejectionReason  *string
	SignedAt         *time.Time
	ResolvedAt       *time.Time
}

// Editable reports accept content mutation by the drafter: drafts always,
// submitted or rejected reports only while no approver has signed.
func (r *Report) Editable() bool {
	switch r.Status {
	case StatusDraft:
		return true
	case StatusWait, StatusRejected:
		return !r.EverSigned()
	default:
		return false
	}
}

// EverSigned reports whether any approval line has ever carried a signature.
func (r *Report) EverSigned() bool {
	for _, line := range r.Lines {
		if line.SignedAt != nil {
			return true
		}
	}
	return false
}

// Settled reports whether payment reconciliation has been recorded.
func (r *Report) Settled() bool {
	return r.ActualPaidAmount != nil
}

// TaxCollected reports whether the report was consumed by tax collection.
// Once set, ordinary drafters lose edit and delete rights.
func (r *Report) TaxCollected() bool {
	return r.TaxCollectedAt != nil
}

// RecomputeTotal re-derives TotalAmount and Summary from the details.
func (r *Report) RecomputeTotal() {
	var total int64
	for _, d := range r.Details {
		total += d.Amount
	}
	r.TotalAmount = total
	if len(r.Details) > 0 {
		r.Summary = r.Details[0].Description
	} else {
		r.Summary = ""
	}
}

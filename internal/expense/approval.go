package expense

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/expensedesk/expensedesk/internal/platform/httpx"
)

// The approval-line engine answers "whose turn is it" and applies a single
// approver action. It mutates only the line slice; deciding what a resolved
// chain means for the report header is the lifecycle controller's job.

// CurrentPendingLine returns the lowest-sequence line still in WAIT. The
// second return is false when the chain is exhausted (all approved) or was
// short-circuited by a rejection.
func CurrentPendingLine(lines []ApprovalLine) (*ApprovalLine, bool) {
	sortLines(lines)
	for i := range lines {
		switch lines[i].Status {
		case LineRejected:
			// Later WAIT lines are moot until the rejection is reversed.
			return nil, false
		case LineWait:
			return &lines[i], true
		}
	}
	return nil, false
}

// ApplyApprove marks the current pending line APPROVED with the given
// signature. It fails when approverID is not the current approver or when no
// pending line remains.
func ApplyApprove(lines []ApprovalLine, approverID uuid.UUID, signature string) error {
	current, ok := CurrentPendingLine(lines)
	if !ok {
		return fmt.Errorf("approve: %w", httpx.ErrAlreadyResolved)
	}
	if current.ApproverID != approverID {
		return fmt.Errorf("approve: approver %s is not current (step %d belongs to %s): %w",
			approverID, current.Seq, current.ApproverID, httpx.ErrNotYourTurn)
	}
	now := time.Now()
	current.Status = LineApproved
	current.SignatureData = &signature
	current.SignedAt = &now
	current.ResolvedAt = &now
	return nil
}

// ApplyReject marks the current pending line REJECTED with the given reason.
// Subsequent lines stay WAIT so a later reversal resumes from exactly this
// point.
func ApplyReject(lines []ApprovalLine, approverID uuid.UUID, reason string) error {
	current, ok := CurrentPendingLine(lines)
	if !ok {
		return fmt.Errorf("reject: %w", httpx.ErrAlreadyResolved)
	}
	if current.ApproverID != approverID {
		return fmt.Errorf("reject: approver %s is not current (step %d belongs to %s): %w",
			approverID, current.Seq, current.ApproverID, httpx.ErrNotYourTurn)
	}
	now := time.Now()
	current.Status = LineRejected
	current.RejectionReason = &reason
	current.ResolvedAt = &now
	return nil
}

// ReverseApproval resets the most recently approved line back to WAIT,
// re-opening the chain at that position. Only the single most recent
// resolution is reversible. The signature payload is cleared but SignedAt is
// kept for the delete guard and the audit trail.
func ReverseApproval(lines []ApprovalLine) error {
	sortLines(lines)
	for i := len(lines) - 1; i >= 0; i-- {
		if lines[i].Status == LineApproved {
			lines[i].Status = LineWait
			lines[i].SignatureData = nil
			lines[i].ResolvedAt = nil
			return nil
		}
	}
	return fmt.Errorf("cancel approval: no approved line to reverse: %w", httpx.ErrInvalidTransition)
}

// ReverseRejection resets the rejected line back to WAIT. At most one line can
// be REJECTED at a time, so this re-opens the chain where it was cut.
func ReverseRejection(lines []ApprovalLine) error {
	sortLines(lines)
	for i := range lines {
		if lines[i].Status == LineRejected {
			lines[i].Status = LineWait
			lines[i].RejectionReason = nil
			lines[i].ResolvedAt = nil
			return nil
		}
	}
	return fmt.Errorf("cancel rejection: no rejected line to reverse: %w", httpx.ErrInvalidTransition)
}

// ChainComplete reports whether every line is APPROVED.
func ChainComplete(lines []ApprovalLine) bool {
	if len(lines) == 0 {
		return false
	}
	for _, line := range lines {
		if line.Status != LineApproved {
			return false
		}
	}
	return true
}

// ValidateLines checks a submitted approval-line list: non-empty, contiguous
// sequence from 1, no approver assigned twice, every line starting at WAIT.
func ValidateLines(lines []ApprovalLine) error {
	if len(lines) == 0 {
		return fmt.Errorf("approval lines must not be empty: %w", httpx.ErrValidation)
	}
	sortLines(lines)
	seen := make(map[uuid.UUID]bool, len(lines))
	for i, line := range lines {
		if line.Seq != i+1 {
			return fmt.Errorf("approval line sequence must be contiguous from 1, got %d at position %d: %w",
				line.Seq, i+1, httpx.ErrValidation)
		}
		if line.ApproverID == uuid.Nil {
			return fmt.Errorf("approval line %d missing approver: %w", line.Seq, httpx.ErrValidation)
		}
		if seen[line.ApproverID] {
			return fmt.Errorf("approver %s appears twice: %w", line.ApproverID, httpx.ErrValidation)
		}
		seen[line.ApproverID] = true
		if line.Status != "" && line.Status != LineWait {
			return fmt.Errorf("approval line %d must start in WAIT: %w", line.Seq, httpx.ErrValidation)
		}
	}
	return nil
}

func sortLines(lines []ApprovalLine) {
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].Seq < lines[j].Seq })
}

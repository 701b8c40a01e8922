package expense

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/expensedesk/expensedesk/internal/platform/httpx"
)

func chain(n int) ([]ApprovalLine, []uuid.UUID) {
	approvers := make([]uuid.UUID, n)
	lines := make([]ApprovalLine, n)
	for i := 0; i < n; i++ {
		approvers[i] = uuid.New()
		lines[i] = ApprovalLine{Seq: i + 1, ApproverID: approvers[i], Status: LineWait}
	}
	return lines, approvers
}

func TestCurrentPendingLineOrdersBySeq(t *testing.T) {
	lines, approvers := chain(3)
	// Shuffle storage order; the engine must still pick seq order.
	lines[0], lines[2] = lines[2], lines[0]

	current, ok := CurrentPendingLine(lines)
	require.True(t, ok)
	require.Equal(t, 1, current.Seq)
	require.Equal(t, approvers[0], current.ApproverID)
}

func TestApplyApproveOutOfTurn(t *testing.T) {
	lines, approvers := chain(3)

	err := ApplyApprove(lines, approvers[1], "sig")
	require.ErrorIs(t, err, httpx.ErrNotYourTurn)

	require.NoError(t, ApplyApprove(lines, approvers[0], "sig-1"))
	require.Equal(t, LineApproved, lines[0].Status)
	require.NotNil(t, lines[0].SignedAt)
	require.False(t, ChainComplete(lines))

	require.NoError(t, ApplyApprove(lines, approvers[1], "sig-2"))
	require.NoError(t, ApplyApprove(lines, approvers[2], "sig-3"))
	require.True(t, ChainComplete(lines))

	err = ApplyApprove(lines, approvers[2], "again")
	require.ErrorIs(t, err, httpx.ErrAlreadyResolved)
}

func TestRejectionShortCircuitsChain(t *testing.T) {
	lines, approvers := chain(3)
	require.NoError(t, ApplyApprove(lines, approvers[0], "sig-1"))
	require.NoError(t, ApplyReject(lines, approvers[1], "over budget"))

	// Later lines stay WAIT but the chain has no current turn.
	require.Equal(t, LineWait, lines[2].Status)
	_, ok := CurrentPendingLine(lines)
	require.False(t, ok)

	err := ApplyApprove(lines, approvers[2], "sig-3")
	require.ErrorIs(t, err, httpx.ErrAlreadyResolved)
}

func TestReverseApprovalKeepsSignedAt(t *testing.T) {
	lines, approvers := chain(2)
	require.NoError(t, ApplyApprove(lines, approvers[0], "sig-1"))
	require.NoError(t, ApplyApprove(lines, approvers[1], "sig-2"))

	require.NoError(t, ReverseApproval(lines))

	require.Equal(t, LineApproved, lines[0].Status)
	require.Equal(t, LineWait, lines[1].Status)
	require.Nil(t, lines[1].SignatureData)
	require.NotNil(t, lines[1].SignedAt)

	current, ok := CurrentPendingLine(lines)
	require.True(t, ok)
	require.Equal(t, approvers[1], current.ApproverID)
}

func TestReverseApprovalWithoutApproval(t *testing.T) {
	lines, _ := chain(2)
	err := ReverseApproval(lines)
	require.ErrorIs(t, err, httpx.ErrInvalidTransition)
}

func TestReverseRejectionReopensAtCut(t *testing.T) {
	lines, approvers := chain(3)
	require.NoError(t, ApplyApprove(lines, approvers[0], "sig-1"))
	require.NoError(t, ApplyReject(lines, approvers[1], "missing receipt"))

	require.NoError(t, ReverseRejection(lines))

	current, ok := CurrentPendingLine(lines)
	require.True(t, ok)
	require.Equal(t, 2, current.Seq)
	require.Nil(t, current.RejectionReason)

	// First approval is untouched by the reversal.
	require.Equal(t, LineApproved, lines[0].Status)
}

func TestValidateLines(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		require.ErrorIs(t, ValidateLines(nil), httpx.ErrValidation)
	})

	t.Run("gap in sequence", func(t *testing.T) {
		lines, _ := chain(3)
		lines[2].Seq = 5
		require.ErrorIs(t, ValidateLines(lines), httpx.ErrValidation)
	})

	t.Run("duplicate approver", func(t *testing.T) {
		lines, approvers := chain(3)
		lines[2].ApproverID = approvers[0]
		require.ErrorIs(t, ValidateLines(lines), httpx.ErrValidation)
	})

	t.Run("already resolved line", func(t *testing.T) {
		lines, _ := chain(2)
		lines[1].Status = LineApproved
		require.ErrorIs(t, ValidateLines(lines), httpx.ErrValidation)
	})

	t.Run("valid", func(t *testing.T) {
		lines, _ := chain(4)
		require.NoError(t, ValidateLines(lines))
	})
}

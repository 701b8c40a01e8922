package settlement

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/expensedesk/expensedesk/internal/platform/httpx"
	"github.com/expensedesk/expensedesk/internal/shared"
)

// Handler exposes the settlement endpoint on the expenses subtree.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers the status-update route.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Put("/{id}/status", h.updateStatus)
}

type updateStatusRequest struct {
	Status                  string           `json:"status" validate:"required"`
	ActualPaidAmount        *int64           `json:"actualPaidAmount"`
	AmountDifferenceReason  string           `json:"amountDifferenceReason"`
	DetailActualPaidAmounts map[string]int64 `json:"detailActualPaidAmounts"`
}

func (h *Handler) updateStatus(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Fail(w, http.StatusUnauthorized, "missing identity")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Fail(w, http.StatusBadRequest, "invalid report id")
		return
	}

	var req updateStatusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Fail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Fail(w, http.StatusBadRequest, err.Error())
		return
	}
	// The only status transition settled here is the payment annotation.
	if req.Status != "PAID" {
		httpx.Fail(w, http.StatusBadRequest, "unsupported status "+req.Status)
		return
	}
	if req.ActualPaidAmount == nil {
		httpx.Fail(w, http.StatusBadRequest, "actualPaidAmount is required")
		return
	}

	detailAmounts := make(map[uuid.UUID]int64, len(req.DetailActualPaidAmounts))
	for raw, amount := range req.DetailActualPaidAmounts {
		detailID, err := uuid.Parse(raw)
		if err != nil {
			httpx.Fail(w, http.StatusBadRequest, "invalid detail id "+raw)
			return
		}
		detailAmounts[detailID] = amount
	}

	report, err := h.service.Reconcile(r.Context(), ReconcileInput{
		ReportID:                id,
		Actor:                   principal,
		ActualPaidAmount:        *req.ActualPaidAmount,
		AmountDifferenceReason:  req.AmountDifferenceReason,
		DetailActualPaidAmounts: detailAmounts,
	})
	if err != nil {
		h.logger.Warn("reconcile payment", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}

	httpx.OK(w, map[string]any{
		"id":               report.ID.String(),
		"status":           string(report.Status),
		"actualPaidAmount": report.ActualPaidAmount,
		"paidAt":           report.PaidAt,
	})
}

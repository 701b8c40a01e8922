package tax

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/expensedesk/expensedesk/internal/platform/httpx"
	"github.com/expensedesk/expensedesk/internal/shared"
)

// Handler exposes the tax-collection endpoints under /expenses/tax.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers tax routes on the expenses subtree.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/tax", func(r chi.Router) {
		r.Get("/pending", h.pending)
		r.Get("/status", h.status)
		r.Get("/monthly-summary", h.monthlySummary)
		r.Post("/batch-complete", h.batchComplete)
		r.Post("/collect", h.collect)
	})
}

type batchCompleteRequest struct {
	ExpenseReportIDs []string `json:"expenseReportIds" validate:"required,min=1"`
}

type collectRequest struct {
	StartDate string `json:"startDate" validate:"required"`
	EndDate   string `json:"endDate" validate:"required"`
}

type summaryResponse struct {
	ID             string     `json:"id"`
	DrafterName    string     `json:"drafterName"`
	ReportDate     time.Time  `json:"reportDate"`
	Summary        string     `json:"summary"`
	TotalAmount    int64      `json:"totalAmount"`
	TaxCollectedAt *time.Time `json:"taxCollectedAt,omitempty"`
}

type batchResultResponse struct {
	ExpenseReportID string `json:"expenseReportId"`
	Outcome         string `json:"outcome"`
	Reason          string `json:"reason,omitempty"`
}

type monthlyBucketResponse struct {
	Month          int   `json:"month"`
	ApprovedCount  int64 `json:"approvedCount"`
	ApprovedTotal  int64 `json:"approvedTotal"`
	CollectedCount int64 `json:"collectedCount"`
}

func toSummaries(in []ReportSummary) []summaryResponse {
	out := make([]summaryResponse, 0, len(in))
	for _, s := range in {
		out = append(out, summaryResponse{
			ID:             s.ID.String(),
			DrafterName:    s.DrafterName,
			ReportDate:     s.ReportDate,
			Summary:        s.Summary,
			TotalAmount:    s.TotalAmount,
			TaxCollectedAt: s.TaxCollectedAt,
		})
	}
	return out
}

func (h *Handler) pending(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Fail(w, http.StatusUnauthorized, "missing identity")
		return
	}
	from, to, err := dateRange(r)
	if err != nil {
		httpx.Fail(w, http.StatusBadRequest, err.Error())
		return
	}
	reports, err := h.service.Pending(r.Context(), principal.CompanyID, from, to)
	if err != nil {
		h.respondError(w, "tax pending", err)
		return
	}
	httpx.OK(w, toSummaries(reports))
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Fail(w, http.StatusUnauthorized, "missing identity")
		return
	}
	from, to, err := dateRange(r)
	if err != nil {
		httpx.Fail(w, http.StatusBadRequest, err.Error())
		return
	}
	part, err := h.service.Partition(r.Context(), principal.CompanyID, from, to)
	if err != nil {
		h.respondError(w, "tax status", err)
		return
	}
	httpx.OK(w, map[string]any{
		"collected":   toSummaries(part.Collected),
		"uncollected": toSummaries(part.Uncollected),
	})
}

func (h *Handler) monthlySummary(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Fail(w, http.StatusUnauthorized, "missing identity")
		return
	}
	year, err := strconv.Atoi(r.URL.Query().Get("year"))
	if err != nil || year < 2000 || year > 2200 {
		httpx.Fail(w, http.StatusBadRequest, "invalid year")
		return
	}
	buckets, err := h.service.MonthlySummary(r.Context(), principal.CompanyID, year)
	if err != nil {
		h.respondError(w, "tax monthly summary", err)
		return
	}
	out := make([]monthlyBucketResponse, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, monthlyBucketResponse{
			Month:          b.Month,
			ApprovedCount:  b.ApprovedCount,
			ApprovedTotal:  b.ApprovedTotal,
			CollectedCount: b.CollectedCount,
		})
	}
	httpx.OK(w, out)
}

func (h *Handler) batchComplete(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Fail(w, http.StatusUnauthorized, "missing identity")
		return
	}

	var req batchCompleteRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Fail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Fail(w, http.StatusBadRequest, err.Error())
		return
	}

	ids := make([]uuid.UUID, 0, len(req.ExpenseReportIDs))
	for _, raw := range req.ExpenseReportIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			httpx.Fail(w, http.StatusBadRequest, "invalid report id "+raw)
			return
		}
		ids = append(ids, id)
	}

	results, err := h.service.BatchComplete(r.Context(), principal, ids)
	if err != nil {
		h.respondError(w, "tax batch complete", err)
		return
	}
	out := make([]batchResultResponse, 0, len(results))
	for _, res := range results {
		out = append(out, batchResultResponse{
			ExpenseReportID: res.ReportID.String(),
			Outcome:         string(res.Outcome),
			Reason:          res.Reason,
		})
	}
	httpx.OK(w, out)
}

func (h *Handler) collect(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Fail(w, http.StatusUnauthorized, "missing identity")
		return
	}

	var req collectRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Fail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Fail(w, http.StatusBadRequest, err.Error())
		return
	}
	from, err := shared.ParseDate(req.StartDate)
	if err != nil {
		httpx.Fail(w, http.StatusBadRequest, "invalid startDate")
		return
	}
	end, err := shared.ParseDate(req.EndDate)
	if err != nil {
		httpx.Fail(w, http.StatusBadRequest, "invalid endDate")
		return
	}

	result, err := h.service.Collect(r.Context(), principal, principal.CompanyID, from, end.AddDate(0, 0, 1))
	if err != nil {
		h.respondError(w, "tax collect", err)
		return
	}
	ids := make([]string, 0, len(result.ReportIDs))
	for _, id := range result.ReportIDs {
		ids = append(ids, id.String())
	}
	httpx.OK(w, map[string]any{
		"collectedCount":   result.CollectedCount,
		"expenseReportIds": ids,
	})
}

func (h *Handler) respondError(w http.ResponseWriter, action string, err error) {
	h.logger.Warn(action, slog.Any("error", err))
	httpx.RespondError(w, err)
}

func dateRange(r *http.Request) (time.Time, time.Time, error) {
	from, err := shared.ParseDate(r.URL.Query().Get("startDate"))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := shared.ParseDate(r.URL.Query().Get("endDate"))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return from, to.AddDate(0, 0, 1), nil
}

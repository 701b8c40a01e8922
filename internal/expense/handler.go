package expense

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/expensedesk/expensedesk/internal/platform/httpx"
	"github.com/expensedesk/expensedesk/internal/shared"
)

// Handler wires the expense-report lifecycle endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers expense routes. Settlement and tax routes are mounted
// by their own handlers on the same subtree.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/", h.create)
	r.Get("/", h.list)
	r.Get("/pending-approvals", h.pendingApprovals)
	r.Get("/{id}", h.get)
	r.Put("/{id}", h.update)
	r.Delete("/{id}", h.remove)
	r.Post("/{id}/approval-lines", h.submit)
	r.Post("/{id}/approve", h.approve)
	r.Post("/{id}/reject", h.reject)
	r.Post("/{id}/cancel-approval", h.cancelApproval)
	r.Post("/{id}/cancel-rejection", h.cancelRejection)
}

type detailRequest struct {
	Category            string `json:"category" validate:"required"`
	Amount              int64  `json:"amount" validate:"gte=0"`
	Description         string `json:"description"`
	PaymentMethod       string `json:"paymentMethod" validate:"required"`
	CardNumber          string `json:"cardNumber"`
	PaymentRequestDate  string `json:"paymentRequestDate"`
	IsTaxDeductible     *bool  `json:"isTaxDeductible"`
	NonDeductibleReason string `json:"nonDeductibleReason"`
}

type createReportRequest struct {
	ReportDate string          `json:"reportDate"`
	IsSecret   bool            `json:"isSecret"`
	Details    []detailRequest `json:"details"`
}

type approvalLineRequest struct {
	ApproverID       string `json:"approverId" validate:"required"`
	ApproverPosition string `json:"approverPosition"`
	ApproverName     string `json:"approverName"`
	Status           string `json:"status"`
}

type submitRequest struct {
	ApprovalLines []approvalLineRequest `json:"approvalLines" validate:"required,min=1"`
}

type approveRequest struct {
	ApproverID    string `json:"approverId" validate:"required"`
	SignatureData string `json:"signatureData" validate:"required"`
}

type rejectRequest struct {
	ApproverID      string `json:"approverId" validate:"required"`
	RejectionReason string `json:"rejectionReason" validate:"required"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Fail(w, http.StatusUnauthorized, "missing identity")
		return
	}

	var req createReportRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Fail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Fail(w, http.StatusBadRequest, err.Error())
		return
	}

	details, err := parseDetails(req.Details)
	if err != nil {
		httpx.Fail(w, http.StatusBadRequest, err.Error())
		return
	}
	reportDate, err := parseOptionalDate(req.ReportDate)
	if err != nil {
		httpx.Fail(w, http.StatusBadRequest, "invalid reportDate")
		return
	}

	report, err := h.service.Create(r.Context(), CreateReportInput{
		CompanyID:   principal.CompanyID,
		DrafterID:   principal.UserID,
		DrafterName: r.Header.Get("X-User-Name"),
		ReportDate:  reportDate,
		IsSecret:    req.IsSecret,
		Details:     details,
	})
	if err != nil {
		h.respondError(w, "create report", err)
		return
	}
	httpx.Created(w, toReportResponse(report))
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
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

	var req createReportRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Fail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	details, err := parseDetails(req.Details)
	if err != nil {
		httpx.Fail(w, http.StatusBadRequest, err.Error())
		return
	}
	reportDate, err := parseOptionalDate(req.ReportDate)
	if err != nil {
		httpx.Fail(w, http.StatusBadRequest, "invalid reportDate")
		return
	}

	report, err := h.service.Update(r.Context(), id, principal.UserID, UpdateReportInput{
		ReportDate: reportDate,
		IsSecret:   req.IsSecret,
		Details:    details,
	})
	if err != nil {
		h.respondError(w, "update report", err)
		return
	}
	httpx.OK(w, toReportResponse(report))
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
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

	var req submitRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Fail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Fail(w, http.StatusBadRequest, err.Error())
		return
	}

	lines := make([]SubmitLineInput, 0, len(req.ApprovalLines))
	for _, in := range req.ApprovalLines {
		approverID, err := uuid.Parse(in.ApproverID)
		if err != nil {
			httpx.Fail(w, http.StatusBadRequest, "invalid approverId")
			return
		}
		lines = append(lines, SubmitLineInput{
			ApproverID:       approverID,
			ApproverName:     in.ApproverName,
			ApproverPosition: in.ApproverPosition,
		})
	}

	report, err := h.service.Submit(r.Context(), id, principal.UserID, lines)
	if err != nil {
		h.respondError(w, "submit report", err)
		return
	}
	httpx.OK(w, toReportResponse(report))
}

func (h *Handler) approve(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Fail(w, http.StatusBadRequest, "invalid report id")
		return
	}
	var req approveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Fail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Fail(w, http.StatusBadRequest, err.Error())
		return
	}
	approverID, err := uuid.Parse(req.ApproverID)
	if err != nil {
		httpx.Fail(w, http.StatusBadRequest, "invalid approverId")
		return
	}

	report, err := h.service.ApproveStep(r.Context(), id, approverID, req.SignatureData)
	if err != nil {
		h.respondError(w, "approve step", err)
		return
	}
	httpx.OK(w, toReportResponse(report))
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Fail(w, http.StatusBadRequest, "invalid report id")
		return
	}
	var req rejectRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Fail(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Fail(w, http.StatusBadRequest, err.Error())
		return
	}
	approverID, err := uuid.Parse(req.ApproverID)
	if err != nil {
		httpx.Fail(w, http.StatusBadRequest, "invalid approverId")
		return
	}

	report, err := h.service.RejectStep(r.Context(), id, approverID, req.RejectionReason)
	if err != nil {
		h.respondError(w, "reject step", err)
		return
	}
	httpx.OK(w, toReportResponse(report))
}

func (h *Handler) cancelApproval(w http.ResponseWriter, r *http.Request) {
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
	report, err := h.service.CancelApproval(r.Context(), id, principal.UserID)
	if err != nil {
		h.respondError(w, "cancel approval", err)
		return
	}
	httpx.OK(w, toReportResponse(report))
}

func (h *Handler) cancelRejection(w http.ResponseWriter, r *http.Request) {
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
	report, err := h.service.CancelRejection(r.Context(), id, principal.UserID)
	if err != nil {
		h.respondError(w, "cancel rejection", err)
		return
	}
	httpx.OK(w, toReportResponse(report))
}

func (h *Handler) remove(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Fail(w, http.StatusBadRequest, "invalid report id")
		return
	}
	userID, err := uuid.Parse(r.URL.Query().Get("userId"))
	if err != nil {
		httpx.Fail(w, http.StatusBadRequest, "invalid userId")
		return
	}
	if err := h.service.Delete(r.Context(), id, userID); err != nil {
		h.respondError(w, "delete report", err)
		return
	}
	httpx.OKMessage(w, "expense report deleted")
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Fail(w, http.StatusBadRequest, "invalid report id")
		return
	}
	report, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, "get report", err)
		return
	}
	httpx.OK(w, toReportResponse(report))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		httpx.Fail(w, http.StatusUnauthorized, "missing identity")
		return
	}

	filter, err := parseListFilter(r)
	if err != nil {
		httpx.Fail(w, http.StatusBadRequest, err.Error())
		return
	}

	reports, total, err := h.service.List(r.Context(), principal.CompanyID, filter)
	if err != nil {
		h.respondError(w, "list reports", err)
		return
	}

	meta := shared.NewPagination(filter.Pagination.Page, filter.Pagination.Size, total)
	content := make([]reportResponse, 0, len(reports))
	for _, rep := range reports {
		content = append(content, toReportResponse(rep))
	}
	httpx.OK(w, httpx.Page{
		Content:       content,
		PageNumber:    meta.Page,
		TotalPages:    meta.TotalPages,
		TotalElements: meta.TotalElements,
	})
}

func (h *Handler) pendingApprovals(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.URL.Query().Get("userId"))
	if err != nil {
		httpx.Fail(w, http.StatusBadRequest, "invalid userId")
		return
	}
	reports, err := h.service.PendingApprovals(r.Context(), userID)
	if err != nil {
		h.respondError(w, "pending approvals", err)
		return
	}
	content := make([]reportResponse, 0, len(reports))
	for _, rep := range reports {
		content = append(content, toReportResponse(rep))
	}
	httpx.OK(w, content)
}

func (h *Handler) respondError(w http.ResponseWriter, action string, err error) {
	h.logger.Warn(action, slog.Any("error", err))
	httpx.RespondError(w, err)
}

// --- request/response mapping ---

func parseDetails(reqs []detailRequest) ([]DetailInput, error) {
	details := make([]DetailInput, 0, len(reqs))
	for _, in := range reqs {
		requestDate, err := parseOptionalDate(in.PaymentRequestDate)
		if err != nil {
			return nil, err
		}
		deductible := true
		if in.IsTaxDeductible != nil {
			deductible = *in.IsTaxDeductible
		}
		details = append(details, DetailInput{
			Category:            in.Category,
			Amount:              in.Amount,
			Description:         in.Description,
			PaymentMethod:       PaymentMethod(in.PaymentMethod),
			CardNumber:          in.CardNumber,
			PaymentRequestDate:  requestDate,
			IsTaxDeductible:     deductible,
			NonDeductibleReason: in.NonDeductibleReason,
		})
	}
	return details, nil
}

func parseOptionalDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	return shared.ParseDate(raw)
}

func parseListFilter(r *http.Request) (ListFilter, error) {
	q := r.URL.Query()
	var filter ListFilter

	if raw := q.Get("startDate"); raw != "" {
		t, err := shared.ParseDate(raw)
		if err != nil {
			return ListFilter{}, err
		}
		filter.From = &t
	}
	if raw := q.Get("endDate"); raw != "" {
		t, err := shared.ParseDate(raw)
		if err != nil {
			return ListFilter{}, err
		}
		end := t.AddDate(0, 0, 1)
		filter.To = &end
	}
	if raw := q.Get("minAmount"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return ListFilter{}, err
		}
		filter.MinAmount = &v
	}
	if raw := q.Get("maxAmount"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return ListFilter{}, err
		}
		filter.MaxAmount = &v
	}
	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, Status(strings.TrimSpace(s)))
		}
	}
	filter.Category = q.Get("category")
	filter.DrafterName = q.Get("drafterName")
	filter.PaymentMethod = PaymentMethod(q.Get("paymentMethod"))
	filter.CardNumber = q.Get("cardNumber")

	page, _ := strconv.Atoi(q.Get("page"))
	size, _ := strconv.Atoi(q.Get("size"))
	filter.Pagination = shared.NewPagination(page, size, 0)
	return filter, nil
}

type approvalLineResponse struct {
	Seq              int        `json:"seq"`
	ApproverID       string     `json:"approverId"`
	ApproverName     string     `json:"approverName"`
	ApproverPosition string     `json:"approverPosition"`
	Status           string     `json:"status"`
	SignatureData    *string    `json:"signatureData,omitempty"`
	RejectionReason  *string    `json:"rejectionReason,omitempty"`
	SignedAt         *time.Time `json:"signedAt,omitempty"`
}

type detailResponse struct {
	ID                  string    `json:"id"`
	Category            string    `json:"category"`
	Amount              int64     `json:"amount"`
	Description         string    `json:"description"`
	PaymentMethod       string    `json:"paymentMethod"`
	CardNumber          string    `json:"cardNumber,omitempty"`
	PaymentRequestDate  time.Time `json:"paymentRequestDate"`
	IsTaxDeductible     bool      `json:"isTaxDeductible"`
	NonDeductibleReason string    `json:"nonDeductibleReason,omitempty"`
	ActualPaidAmount    *int64    `json:"actualPaidAmount,omitempty"`
}

type reportResponse struct {
	ID                     string                 `json:"id"`
	CompanyID              string                 `json:"companyId"`
	DrafterID              string                 `json:"drafterId"`
	DrafterName            string                 `json:"drafterName"`
	ReportDate             time.Time              `json:"reportDate"`
	Summary                string                 `json:"summary"`
	TotalAmount            int64                  `json:"totalAmount"`
	IsSecret               bool                   `json:"isSecret"`
	Status                 string                 `json:"status"`
	ActualPaidAmount       *int64                 `json:"actualPaidAmount,omitempty"`
	AmountDifferenceReason *string                `json:"amountDifferenceReason,omitempty"`
	PaidAt                 *time.Time             `json:"paidAt,omitempty"`
	TaxCollectedAt         *time.Time             `json:"taxCollectedAt,omitempty"`
	Details                []detailResponse       `json:"details,omitempty"`
	ApprovalLines          []approvalLineResponse `json:"approvalLines,omitempty"`
	CreatedAt              time.Time              `json:"createdAt"`
	UpdatedAt              time.Time              `json:"updatedAt"`
}

func toReportResponse(rep Report) reportResponse {
	resp := reportResponse{
		ID:                     rep.ID.String(),
		CompanyID:              rep.CompanyID.String(),
		DrafterID:              rep.DrafterID.String(),
		DrafterName:            rep.DrafterName,
		ReportDate:             rep.ReportDate,
		Summary:                rep.Summary,
		TotalAmount:            rep.TotalAmount,
		IsSecret:               rep.IsSecret,
		Status:                 string(rep.Status),
		ActualPaidAmount:       rep.ActualPaidAmount,
		AmountDifferenceReason: rep.AmountDifferenceReason,
		PaidAt:                 rep.PaidAt,
		TaxCollectedAt:         rep.TaxCollectedAt,
		CreatedAt:              rep.CreatedAt,
		UpdatedAt:              rep.UpdatedAt,
	}
	for _, d := range rep.Details {
		resp.Details = append(resp.Details, detailResponse{
			ID:                  d.ID.String(),
			Category:            d.Category,
			Amount:              d.Amount,
			Description:         d.Description,
			PaymentMethod:       string(d.PaymentMethod),
			CardNumber:          d.CardNumber,
			PaymentRequestDate:  d.PaymentRequestDate,
			IsTaxDeductible:     d.IsTaxDeductible,
			NonDeductibleReason: d.NonDeductibleReason,
			ActualPaidAmount:    d.ActualPaidAmount,
		})
	}
	for _, l := range rep.Lines {
		resp.ApprovalLines = append(resp.ApprovalLines, approvalLineResponse{
			Seq:              l.Seq,
			ApproverID:       l.ApproverID.String(),
			ApproverName:     l.ApproverName,
			ApproverPosition: l.ApproverPosition,
			Status:           string(l.Status),
			SignatureData:    l.SignatureData,
			RejectionReason:  l.RejectionReason,
			SignedAt:         l.SignedAt,
		})
	}
	return resp
}

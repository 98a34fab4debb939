/*
handlers.go - HTTP API handlers for the loyalty points engine

PURPOSE:
  Exposes the engine via REST API. Handles HTTP request/response, JSON
  serialization, and delegates every decision to the domain services.

ENDPOINTS:
  Pool (admin):
    POST   /api/admin/serials                      Pre-approve a serial
    GET    /api/admin/serials                      List unclaimed pool

  Ledger:
    POST   /api/installers/{id}/serials            Claim a serial
    DELETE /api/serials/{serialNumber}             Retract a claim
    GET    /api/installers/{id}/balance            Points balance
    GET    /api/installers/{id}/ledger             Equipment history

  Payment requests:
    POST   /api/installers/{id}/payment-requests   Open a request
    GET    /api/installers/{id}/payment-requests   List own requests
    GET    /api/payment-requests/pending           Admin queue
    GET    /api/payment-requests/{id}              Request detail
    POST   /api/payment-requests/{id}/approve
    POST   /api/payment-requests/{id}/reject
    POST   /api/payment-requests/{id}/paid
    POST   /api/payment-requests/{id}/revert
    POST   /api/payment-requests/{id}/comments
    GET    /api/payment-requests/{id}/comments
    POST   /api/payment-requests/{id}/receipts
    GET    /api/payment-requests/{id}/receipts

  Promotions:
    POST   /api/promotions                         Create (admin)
    GET    /api/promotions                         List
    POST   /api/promotions/{id}/join               Join
    GET    /api/installers/{id}/promotions         Own participations

IDENTITY:
  The X-Actor-Id and X-Actor-Role headers carry the caller identity set by
  the upstream auth proxy. The engine authorizes on them; it never
  authenticates.

ERROR HANDLING:
  Errors are returned as JSON with the status derived from the domain
  error taxonomy (statusFor): 400 validation, 403 forbidden, 404 missing,
  409 conflict, 422 failed precondition, 500 internal.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - engine/errors.go: Error taxonomy
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/solara/loyalty-engine/engine"
	"github.com/solara/loyalty-engine/ledger"
	"github.com/solara/loyalty-engine/payment"
	"github.com/solara/loyalty-engine/promotion"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger     *ledger.Service
	Payments   *payment.Service
	Promotions *promotion.Tracker
}

// NewHandler creates a new handler over the domain services.
func NewHandler(l *ledger.Service, p *payment.Service, t *promotion.Tracker) *Handler {
	return &Handler{Ledger: l, Payments: p, Promotions: t}
}

// =============================================================================
// POOL HANDLERS (admin)
// =============================================================================

// AdmitSerial pre-approves a serial into the admission pool.
// POST /api/admin/serials
func (h *Handler) AdmitSerial(w http.ResponseWriter, r *http.Request) {
	var req AdmitSerialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	rec, err := h.Ledger.Admit(r.Context(), actorFrom(r), req.SerialNumber)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSerialDTO(*rec))
}

// ListPool returns the unclaimed admission pool.
// GET /api/admin/serials
func (h *Handler) ListPool(w http.ResponseWriter, r *http.Request) {
	recs, err := h.Ledger.Pool(r.Context(), actorFrom(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]SerialDTO, len(recs))
	for i, rec := range recs {
		dtos[i] = toSerialDTO(rec)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// RegisterSerial claims a serial for an installer.
// POST /api/installers/{id}/serials
func (h *Handler) RegisterSerial(w http.ResponseWriter, r *http.Request) {
	installerID := engine.InstallerID(chi.URLParam(r, "id"))

	var req RegisterSerialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	installedAt, err := time.Parse("2006-01-02", req.InstalledAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid installed_at format (use YYYY-MM-DD)", err)
		return
	}

	entry, err := h.Ledger.RegisterSerial(r.Context(), actorFrom(r), installerID,
		req.SerialNumber, installedAt, req.Location)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLedgerEntryDTO(*entry))
}

// ReleaseSerial retracts a claim within the retraction window.
// DELETE /api/serials/{serialNumber}
func (h *Handler) ReleaseSerial(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serialNumber")

	if err := h.Ledger.Release(r.Context(), actorFrom(r), serial); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetBalance returns the derived points balance.
// GET /api/installers/{id}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	installerID := engine.InstallerID(chi.URLParam(r, "id"))

	actor := actorFrom(r)
	if !actor.IsAdmin() && !actor.Is(installerID) {
		writeDomainError(w, engine.ErrForbidden)
		return
	}

	balance, err := h.Ledger.Balance(r.Context(), installerID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(balance))
}

// GetLedger returns the equipment history.
// GET /api/installers/{id}/ledger
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	installerID := engine.InstallerID(chi.URLParam(r, "id"))

	actor := actorFrom(r)
	if !actor.IsAdmin() && !actor.Is(installerID) {
		writeDomainError(w, engine.ErrForbidden)
		return
	}

	entries, err := h.Ledger.Entries(r.Context(), installerID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]LedgerEntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toLedgerEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// PAYMENT REQUEST HANDLERS
// =============================================================================

// CreatePaymentRequest opens an installer-initiated payment request.
// POST /api/installers/{id}/payment-requests
func (h *Handler) CreatePaymentRequest(w http.ResponseWriter, r *http.Request) {
	installerID := engine.InstallerID(chi.URLParam(r, "id"))

	var req CreatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	params := payment.CreateParams{
		Points:      req.Points,
		Method:      req.Method,
		BankDetails: req.BankDetails,
	}
	if req.Amount != "" {
		amount, err := decimal.NewFromString(req.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid amount", err)
			return
		}
		params.Amount = amount
	}

	created, err := h.Payments.Create(r.Context(), actorFrom(r), installerID, params)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentRequestDTO(*created))
}

// ListPaymentRequests returns an installer's request history.
// GET /api/installers/{id}/payment-requests
func (h *Handler) ListPaymentRequests(w http.ResponseWriter, r *http.Request) {
	installerID := engine.InstallerID(chi.URLParam(r, "id"))

	reqs, err := h.Payments.ListByInstaller(r.Context(), actorFrom(r), installerID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentRequestDTOs(reqs))
}

// ListPendingRequests returns the admin approval queue.
// GET /api/payment-requests/pending
func (h *Handler) ListPendingRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.Payments.ListPending(r.Context(), actorFrom(r))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentRequestDTOs(reqs))
}

// GetPaymentRequest returns one request.
// GET /api/payment-requests/{id}
func (h *Handler) GetPaymentRequest(w http.ResponseWriter, r *http.Request) {
	id := engine.RequestID(chi.URLParam(r, "id"))

	req, err := h.Payments.Get(r.Context(), actorFrom(r), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentRequestDTO(*req))
}

// ApproveRequest transitions pending -> approved.
// POST /api/payment-requests/{id}/approve
func (h *Handler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	id := engine.RequestID(chi.URLParam(r, "id"))

	req, err := h.Payments.Approve(r.Context(), actorFrom(r), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentRequestDTO(*req))
}

// RejectRequest transitions pending/approved -> rejected.
// POST /api/payment-requests/{id}/reject
func (h *Handler) RejectRequest(w http.ResponseWriter, r *http.Request) {
	id := engine.RequestID(chi.URLParam(r, "id"))

	var body RejectRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	req, err := h.Payments.Reject(r.Context(), actorFrom(r), id, body.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentRequestDTO(*req))
}

// MarkPaid transitions -> paid with the external transaction reference.
// POST /api/payment-requests/{id}/paid
func (h *Handler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	id := engine.RequestID(chi.URLParam(r, "id"))

	var body MarkPaidRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	req, err := h.Payments.MarkPaid(r.Context(), actorFrom(r), id, body.TransactionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentRequestDTO(*req))
}

// RevertPaid reverses an operator mistake: paid -> pending.
// POST /api/payment-requests/{id}/revert
func (h *Handler) RevertPaid(w http.ResponseWriter, r *http.Request) {
	id := engine.RequestID(chi.URLParam(r, "id"))

	req, err := h.Payments.RevertPaid(r.Context(), actorFrom(r), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toPaymentRequestDTO(*req))
}

// AddComment appends a comment (any request state).
// POST /api/payment-requests/{id}/comments
func (h *Handler) AddComment(w http.ResponseWriter, r *http.Request) {
	id := engine.RequestID(chi.URLParam(r, "id"))

	var body CommentRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	comment, err := h.Payments.Comment(r.Context(), actorFrom(r), id, body.Body)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCommentDTO(*comment))
}

// ListComments returns a request's comment thread.
// GET /api/payment-requests/{id}/comments
func (h *Handler) ListComments(w http.ResponseWriter, r *http.Request) {
	id := engine.RequestID(chi.URLParam(r, "id"))

	comments, err := h.Payments.Comments(r.Context(), actorFrom(r), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]CommentDTO, len(comments))
	for i, c := range comments {
		dtos[i] = toCommentDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// AttachReceipt attaches a receipt to a non-terminal request.
// POST /api/payment-requests/{id}/receipts
func (h *Handler) AttachReceipt(w http.ResponseWriter, r *http.Request) {
	id := engine.RequestID(chi.URLParam(r, "id"))

	var body AttachReceiptRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	receipt, err := h.Payments.AttachReceipt(r.Context(), actorFrom(r), id, body.FileName, body.URL)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReceiptDTO(*receipt))
}

// ListReceipts returns a request's receipts.
// GET /api/payment-requests/{id}/receipts
func (h *Handler) ListReceipts(w http.ResponseWriter, r *http.Request) {
	id := engine.RequestID(chi.URLParam(r, "id"))

	receipts, err := h.Payments.Receipts(r.Context(), actorFrom(r), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]ReceiptDTO, len(receipts))
	for i, rc := range receipts {
		dtos[i] = toReceiptDTO(rc)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// PROMOTION HANDLERS
// =============================================================================

// CreatePromotion creates a bonus campaign.
// POST /api/promotions
func (h *Handler) CreatePromotion(w http.ResponseWriter, r *http.Request) {
	var req CreatePromotionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	startDate, err := time.Parse("2006-01-02", req.StartDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid start_date format (use YYYY-MM-DD)", err)
		return
	}
	endDate, err := time.Parse("2006-01-02", req.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid end_date format (use YYYY-MM-DD)", err)
		return
	}
	bonus, err := decimal.NewFromString(req.BonusAmount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid bonus_amount", err)
		return
	}

	excluded := make([]engine.InstallerID, 0, len(req.Excluded))
	for _, id := range req.Excluded {
		excluded = append(excluded, engine.InstallerID(id))
	}

	promo, err := h.Promotions.Create(r.Context(), actorFrom(r), engine.Promotion{
		Name:                 req.Name,
		StartDate:            startDate,
		EndDate:              endDate.Add(24*time.Hour - time.Second), // inclusive end day
		Target:               req.Target,
		BonusAmount:          bonus,
		MinExistingInverters: req.MinExistingInverters,
		MaxParticipants:      req.MaxParticipants,
		Excluded:             excluded,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPromotionDTO(*promo))
}

// ListPromotions returns all campaigns.
// GET /api/promotions
func (h *Handler) ListPromotions(w http.ResponseWriter, r *http.Request) {
	promos, err := h.Promotions.List(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]PromotionDTO, len(promos))
	for i, p := range promos {
		dtos[i] = toPromotionDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// JoinPromotion enrolls the calling installer in a campaign.
// POST /api/promotions/{id}/join
func (h *Handler) JoinPromotion(w http.ResponseWriter, r *http.Request) {
	promoID := engine.PromotionID(chi.URLParam(r, "id"))

	actor := actorFrom(r)
	pp, err := h.Promotions.Join(r.Context(), actor, promoID, engine.InstallerID(actor.ID))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toParticipationDTO(*pp))
}

// ListParticipations returns an installer's promotion progress.
// GET /api/installers/{id}/promotions
func (h *Handler) ListParticipations(w http.ResponseWriter, r *http.Request) {
	installerID := engine.InstallerID(chi.URLParam(r, "id"))

	pps, err := h.Promotions.Participations(r.Context(), actorFrom(r), installerID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	dtos := make([]ParticipationDTO, len(pps))
	for i, pp := range pps {
		dtos[i] = toParticipationDTO(pp)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

func toPaymentRequestDTOs(reqs []engine.PaymentRequest) []PaymentRequestDTO {
	dtos := make([]PaymentRequestDTO, len(reqs))
	for i, r := range reqs {
		dtos[i] = toPaymentRequestDTO(r)
	}
	return dtos
}

// statusFor maps the domain error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch {
	case engine.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrNotFound):
		return http.StatusNotFound
	case engine.IsConflict(err), errors.Is(err, engine.ErrInvalidTransition):
		return http.StatusConflict
	case engine.IsPrecondition(err), errors.Is(err, engine.ErrNoMatchingProduct):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		// Internal detail stays in the log, not the response.
		writeError(w, status, "Internal error", nil)
		return
	}
	writeError(w, status, err.Error(), nil)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

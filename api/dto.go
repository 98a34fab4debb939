/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation is done in handlers and services, not in DTOs. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/solara/loyalty-engine/engine"
)

// =============================================================================
// SERIAL POOL
// =============================================================================

// AdmitSerialRequest is the admin request to pre-approve a serial.
type AdmitSerialRequest struct {
	SerialNumber string `json:"serial_number"`
}

// SerialDTO represents an admission pool entry in API responses.
type SerialDTO struct {
	SerialNumber string `json:"serial_number"`
	ProductID    string `json:"product_id"`
	Claimed      bool   `json:"claimed"`
	ClaimedBy    string `json:"claimed_by,omitempty"`
	ClaimedAt    string `json:"claimed_at,omitempty"`
	CreatedAt    string `json:"created_at"`
}

func toSerialDTO(rec engine.SerialRecord) SerialDTO {
	dto := SerialDTO{
		SerialNumber: string(rec.SerialNumber),
		ProductID:    string(rec.ProductID),
		Claimed:      rec.Claimed,
		ClaimedBy:    string(rec.ClaimedBy),
		CreatedAt:    rec.CreatedAt.Format(time.RFC3339),
	}
	if rec.ClaimedAt != nil {
		dto.ClaimedAt = rec.ClaimedAt.Format(time.RFC3339)
	}
	return dto
}

// =============================================================================
// LEDGER
// =============================================================================

// RegisterSerialRequest is the installer request to claim a serial.
type RegisterSerialRequest struct {
	SerialNumber string `json:"serial_number"`
	InstalledAt  string `json:"installed_at"` // YYYY-MM-DD
	Location     string `json:"location,omitempty"`
}

// LedgerEntryDTO represents an equipment ledger row in API responses.
type LedgerEntryDTO struct {
	ID            string `json:"id"`
	InstallerID   string `json:"installer_id"`
	SerialNumber  string `json:"serial_number"`
	ProductID     string `json:"product_id"`
	PointsAwarded int64  `json:"points_awarded"`
	InstalledAt   string `json:"installed_at"`
	Location      string `json:"location,omitempty"`
	CreatedAt     string `json:"created_at"`
}

func toLedgerEntryDTO(e engine.LedgerEntry) LedgerEntryDTO {
	return LedgerEntryDTO{
		ID:            e.ID,
		InstallerID:   string(e.InstallerID),
		SerialNumber:  string(e.SerialNumber),
		ProductID:     string(e.ProductID),
		PointsAwarded: e.PointsAwarded,
		InstalledAt:   e.InstalledAt.Format("2006-01-02"),
		Location:      e.Location,
		CreatedAt:     e.CreatedAt.Format(time.RFC3339),
	}
}

// BalanceDTO is the derived points view for one installer.
type BalanceDTO struct {
	InstallerID string `json:"installer_id"`
	Earned      int64  `json:"earned"`
	Reserved    int64  `json:"reserved"`
	Available   int64  `json:"available"`
	Spent       int64  `json:"spent"`
	Eligible    bool   `json:"eligible"`
}

func toBalanceDTO(b *engine.Balance) BalanceDTO {
	return BalanceDTO{
		InstallerID: string(b.InstallerID),
		Earned:      b.Earned,
		Reserved:    b.Reserved,
		Available:   b.Available,
		Spent:       b.Spent,
		Eligible:    b.Eligible,
	}
}

// =============================================================================
// PAYMENT REQUESTS
// =============================================================================

// CreatePaymentRequest opens an installer-initiated payment request.
// Points > 0 selects a point redemption; otherwise Amount is a manual
// flat-amount request.
type CreatePaymentRequest struct {
	Points      int64  `json:"points,omitempty"`
	Amount      string `json:"amount,omitempty"`
	Method      string `json:"method,omitempty"`
	BankDetails string `json:"bank_details,omitempty"`
}

// RejectRequest carries the mandatory rejection reason.
type RejectRequest struct {
	Reason string `json:"reason"`
}

// MarkPaidRequest carries the external transaction reference.
type MarkPaidRequest struct {
	TransactionID string `json:"transaction_id"`
}

// CommentRequest adds a comment to a payment request.
type CommentRequest struct {
	Body string `json:"body"`
}

// AttachReceiptRequest attaches a receipt to a non-terminal request.
type AttachReceiptRequest struct {
	FileName string `json:"file_name"`
	URL      string `json:"url,omitempty"`
}

// PaymentRequestDTO represents a payment request in API responses.
type PaymentRequestDTO struct {
	ID              string `json:"id"`
	InstallerID     string `json:"installer_id"`
	Origin          string `json:"origin"`
	PointsReserved  int64  `json:"points_reserved"`
	Amount          string `json:"amount"`
	Currency        string `json:"currency"`
	Method          string `json:"method,omitempty"`
	Status          string `json:"status"`
	Reference       string `json:"reference,omitempty"`
	DecidedBy       string `json:"decided_by,omitempty"`
	DecidedAt       string `json:"decided_at,omitempty"`
	RejectionReason string `json:"rejection_reason,omitempty"`
	PaidAt          string `json:"paid_at,omitempty"`
	TransactionID   string `json:"transaction_id,omitempty"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

func toPaymentRequestDTO(r engine.PaymentRequest) PaymentRequestDTO {
	dto := PaymentRequestDTO{
		ID:              string(r.ID),
		InstallerID:     string(r.InstallerID),
		Origin:          string(r.Origin),
		PointsReserved:  r.PointsReserved,
		Amount:          r.Amount.StringFixed(2),
		Currency:        r.Currency,
		Method:          r.Method,
		Status:          string(r.Status),
		Reference:       r.Reference,
		DecidedBy:       r.DecidedBy,
		RejectionReason: r.RejectionReason,
		TransactionID:   r.TransactionID,
		CreatedAt:       r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       r.UpdatedAt.Format(time.RFC3339),
	}
	if r.DecidedAt != nil {
		dto.DecidedAt = r.DecidedAt.Format(time.RFC3339)
	}
	if r.PaidAt != nil {
		dto.PaidAt = r.PaidAt.Format(time.RFC3339)
	}
	return dto
}

// CommentDTO represents a request comment in API responses.
type CommentDTO struct {
	ID        string `json:"id"`
	RequestID string `json:"request_id"`
	AuthorID  string `json:"author_id"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at"`
}

func toCommentDTO(c engine.RequestComment) CommentDTO {
	return CommentDTO{
		ID:        c.ID,
		RequestID: string(c.RequestID),
		AuthorID:  c.AuthorID,
		Body:      c.Body,
		CreatedAt: c.CreatedAt.Format(time.RFC3339),
	}
}

// ReceiptDTO represents an attached receipt in API responses.
type ReceiptDTO struct {
	ID         string `json:"id"`
	RequestID  string `json:"request_id"`
	FileName   string `json:"file_name"`
	URL        string `json:"url,omitempty"`
	UploadedBy string `json:"uploaded_by"`
	CreatedAt  string `json:"created_at"`
}

func toReceiptDTO(r engine.Receipt) ReceiptDTO {
	return ReceiptDTO{
		ID:         r.ID,
		RequestID:  string(r.RequestID),
		FileName:   r.FileName,
		URL:        r.URL,
		UploadedBy: r.UploadedBy,
		CreatedAt:  r.CreatedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// PROMOTIONS
// =============================================================================

// CreatePromotionRequest is the admin request to create a campaign.
type CreatePromotionRequest struct {
	Name                 string   `json:"name"`
	StartDate            string   `json:"start_date"` // YYYY-MM-DD
	EndDate              string   `json:"end_date"`   // YYYY-MM-DD
	Target               int      `json:"target"`
	BonusAmount          string   `json:"bonus_amount"`
	MinExistingInverters int      `json:"min_existing_inverters,omitempty"`
	MaxParticipants      int      `json:"max_participants,omitempty"`
	Excluded             []string `json:"excluded,omitempty"`
}

// PromotionDTO represents a promotion in API responses.
type PromotionDTO struct {
	ID                   string   `json:"id"`
	Name                 string   `json:"name"`
	StartDate            string   `json:"start_date"`
	EndDate              string   `json:"end_date"`
	Target               int      `json:"target"`
	BonusAmount          string   `json:"bonus_amount"`
	MinExistingInverters int      `json:"min_existing_inverters"`
	MaxParticipants      int      `json:"max_participants"`
	Excluded             []string `json:"excluded,omitempty"`
	CreatedAt            string   `json:"created_at"`
}

func toPromotionDTO(p engine.Promotion) PromotionDTO {
	excluded := make([]string, 0, len(p.Excluded))
	for _, id := range p.Excluded {
		excluded = append(excluded, string(id))
	}
	return PromotionDTO{
		ID:                   string(p.ID),
		Name:                 p.Name,
		StartDate:            p.StartDate.Format("2006-01-02"),
		EndDate:              p.EndDate.Format("2006-01-02"),
		Target:               p.Target,
		BonusAmount:          p.BonusAmount.StringFixed(2),
		MinExistingInverters: p.MinExistingInverters,
		MaxParticipants:      p.MaxParticipants,
		Excluded:             excluded,
		CreatedAt:            p.CreatedAt.Format(time.RFC3339),
	}
}

// ParticipationDTO represents promotion progress in API responses.
type ParticipationDTO struct {
	PromotionID     string `json:"promotion_id"`
	InstallerID     string `json:"installer_id"`
	JoinedAt        string `json:"joined_at"`
	CurrentProgress int    `json:"current_progress"`
	Completed       bool   `json:"completed"`
	CompletedAt     string `json:"completed_at,omitempty"`
}

func toParticipationDTO(pp engine.PromotionParticipation) ParticipationDTO {
	dto := ParticipationDTO{
		PromotionID:     string(pp.PromotionID),
		InstallerID:     string(pp.InstallerID),
		JoinedAt:        pp.JoinedAt.Format(time.RFC3339),
		CurrentProgress: pp.CurrentProgress,
		Completed:       pp.Completed,
	}
	if pp.CompletedAt != nil {
		dto.CompletedAt = pp.CompletedAt.Format(time.RFC3339)
	}
	return dto
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrorResponse is the uniform error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

/*
store.go - Persistence interfaces for the loyalty engine

PURPOSE:
  Defines the interface between domain logic and the database. The engine
  runs in a multi-worker deployment with no in-process serialization point,
  so every invariant is enforced at the store level:

  - ClaimSerial is ONE atomic conditional update ("claim iff unclaimed").
    Two concurrent claims of the same serial yield exactly one success.
  - InsertRequest is backstopped by a partial unique constraint: at most
    one open installer-initiated request per installer.
  - CompleteParticipation and MarkMilestoneFired are conditional writes
    that report whether THIS call flipped the latch, making bonus issuance
    idempotent.
  - WithTx composes multiple store calls into one atomic unit; a crash
    between a ledger append and the derived-field recompute is never
    visible to callers.

LEDGER CONTRACT:
  ledger_entries is append-only apart from the bounded retraction
  (DeleteEntryBySerial), which exists solely to reopen a serial within the
  retraction window.

IMPLEMENTATIONS:
  - store/sqlite: production store
  - store/memory: in-memory store for service unit tests

SEE ALSO:
  - store/sqlite/sqlite.go
  - ledger/service.go, payment/service.go, promotion/tracker.go
*/
package engine

import (
	"context"
	"time"
)

// =============================================================================
// SERIAL ADMISSION POOL
// =============================================================================

type SerialStore interface {
	// AdmitSerial creates a pool entry. Fails with ErrAlreadyClaimed
	// semantics if the serial already exists in the pool.
	AdmitSerial(ctx context.Context, rec SerialRecord) error

	// GetSerial returns the record, or (nil, nil) if absent.
	GetSerial(ctx context.Context, s SerialNumber) (*SerialRecord, error)

	// ClaimSerial atomically transitions claimed false -> true.
	// Returns ErrAlreadyClaimed if the flag is already set and a
	// NotFoundError if the serial is not in the pool.
	ClaimSerial(ctx context.Context, s SerialNumber, by InstallerID, at time.Time) error

	// ReleaseSerial transitions claimed true -> false (retraction only).
	ReleaseSerial(ctx context.Context, s SerialNumber) error

	// UnclaimedSerials lists the open pool.
	UnclaimedSerials(ctx context.Context) ([]SerialRecord, error)
}

// =============================================================================
// EQUIPMENT LEDGER
// =============================================================================

type LedgerStore interface {
	// AppendEntry adds a ledger row. The serial uniqueness constraint is a
	// backstop behind ClaimSerial.
	AppendEntry(ctx context.Context, e LedgerEntry) error

	// DeleteEntryBySerial removes the row for a retracted claim. This is
	// the ledger's only deletion path.
	DeleteEntryBySerial(ctx context.Context, s SerialNumber) error

	// EntryBySerial returns the row, or (nil, nil) if absent.
	EntryBySerial(ctx context.Context, s SerialNumber) (*LedgerEntry, error)

	EntriesByInstaller(ctx context.Context, id InstallerID) ([]LedgerEntry, error)

	// SumPoints derives total earned points from the ledger.
	SumPoints(ctx context.Context, id InstallerID) (int64, error)

	// CountEntries derives the equipment count from the ledger.
	CountEntries(ctx context.Context, id InstallerID) (int, error)
}

// =============================================================================
// INSTALLER DERIVED FIELDS (materialized view)
// =============================================================================

type InstallerStore interface {
	// SaveDerived upserts the cached fields.
	SaveDerived(ctx context.Context, d InstallerDerived) error

	// GetDerived returns the cache, or (nil, nil) if never computed.
	GetDerived(ctx context.Context, id InstallerID) (*InstallerDerived, error)
}

// =============================================================================
// PAYMENT REQUESTS
// =============================================================================

type PaymentStore interface {
	// InsertRequest persists a new request. A partial unique constraint
	// rejects a second open installer-initiated request for the same
	// installer with ErrDuplicatePendingRequest.
	InsertRequest(ctx context.Context, r PaymentRequest) error

	// UpdateRequest persists a status transition.
	UpdateRequest(ctx context.Context, r PaymentRequest) error

	// GetRequest returns the request, or (nil, nil) if absent.
	GetRequest(ctx context.Context, id RequestID) (*PaymentRequest, error)

	RequestsByInstaller(ctx context.Context, id InstallerID) ([]PaymentRequest, error)
	PendingRequests(ctx context.Context) ([]PaymentRequest, error)

	// ReservedPoints sums PointsReserved over {pending, approved}.
	ReservedPoints(ctx context.Context, id InstallerID) (int64, error)

	// SpentPoints sums PointsReserved over paid requests.
	SpentPoints(ctx context.Context, id InstallerID) (int64, error)

	// HasOpenRedemption reports a pending installer-initiated request.
	HasOpenRedemption(ctx context.Context, id InstallerID) (bool, error)

	AddComment(ctx context.Context, c RequestComment) error
	CommentsByRequest(ctx context.Context, id RequestID) ([]RequestComment, error)
	AddReceipt(ctx context.Context, r Receipt) error
	ReceiptsByRequest(ctx context.Context, id RequestID) ([]Receipt, error)
}

// =============================================================================
// PROMOTIONS
// =============================================================================

type PromotionStore interface {
	SavePromotion(ctx context.Context, p Promotion) error

	// GetPromotion returns the promotion, or (nil, nil) if absent.
	GetPromotion(ctx context.Context, id PromotionID) (*Promotion, error)

	ListPromotions(ctx context.Context) ([]Promotion, error)

	// InsertParticipation creates the (promotion, installer) row.
	// Uniqueness is enforced by the store: ErrAlreadyJoined on duplicate.
	InsertParticipation(ctx context.Context, pp PromotionParticipation) error

	// GetParticipation returns the row, or (nil, nil) if absent.
	GetParticipation(ctx context.Context, promo PromotionID, id InstallerID) (*PromotionParticipation, error)

	ParticipationsByInstaller(ctx context.Context, id InstallerID) ([]PromotionParticipation, error)
	ParticipationCount(ctx context.Context, promo PromotionID) (int, error)

	// UpdateProgress sets currentProgress for one participation row.
	UpdateProgress(ctx context.Context, promo PromotionID, id InstallerID, progress int) error

	// CompleteParticipation flips the one-way completion latch. Returns
	// true only for the call that actually flipped it, so the caller
	// issues the bonus exactly once.
	CompleteParticipation(ctx context.Context, promo PromotionID, id InstallerID, at time.Time) (bool, error)
}

// =============================================================================
// MILESTONES
// =============================================================================

type MilestoneStore interface {
	// MarkMilestoneFired records (installer, boundary) as fired. Returns
	// true only if this call inserted the marker; a boundary crossed
	// twice (retraction then re-claim) reports false on the second call.
	MarkMilestoneFired(ctx context.Context, id InstallerID, boundary int) (bool, error)

	FiredMilestones(ctx context.Context, id InstallerID) ([]int, error)
}

// =============================================================================
// BUNDLE + TRANSACTIONS
// =============================================================================

// Store is the full persistence surface the engine's services consume.
type Store interface {
	SerialStore
	LedgerStore
	InstallerStore
	PaymentStore
	PromotionStore
	MilestoneStore
}

// TxStore adds atomic composition. The Store handed to fn must not be
// retained beyond the call.
type TxStore interface {
	Store

	// WithTx executes fn atomically: if fn returns an error, every write
	// it performed is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

/*
Package engine provides the core types of the loyalty points engine.

PURPOSE:
  This package contains the domain types shared by every component of the
  engine: the serial admission pool, the equipment ledger, the points
  balance, the payment request lifecycle, and promotions/milestones.
  It has no persistence and no HTTP - those live in store/ and api/.

KEY CONCEPTS IN THIS FILE (types.go):
  - SerialNumber: normalized equipment serial (the admission-pool key)
  - SerialRecord: a pre-approved serial, claimable exactly once
  - LedgerEntry: an immutable equipment-claim row with frozen points
  - Balance: earned/reserved/available/spent view derived from the ledger
  - PaymentRequest: monetary request with a closed origin variant
  - Promotion / PromotionParticipation: time-boxed bonus campaigns
  - Actor: caller identity + role (authorization only, never authentication)

DESIGN PRINCIPLES:
  1. Points are integral (int64); only currency amounts use decimal.Decimal.
  2. PointsAwarded is frozen at claim time - catalog revaluation never
     rewrites history.
  3. Cached installer fields (total points, inverter count, eligibility)
     are a materialized view of the ledger, never a source of truth.
  4. Strong typing for IDs prevents mixing installer/product/request IDs.

SEE ALSO:
  - errors.go: Typed error taxonomy
  - store.go: Persistence interfaces
  - config.go: Externally-overridable constants
*/
package engine

import (
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type InstallerID string
type ProductID string
type RequestID string
type PromotionID string

// =============================================================================
// ACTOR - caller identity + role, supplied by the (external) auth layer
// =============================================================================

type Role string

const (
	RoleInstaller Role = "installer"
	RoleAdmin     Role = "admin"
)

// Actor identifies who is invoking an engine operation. The engine only
// authorizes based on Role; authentication happens upstream.
type Actor struct {
	ID   string
	Role Role
}

func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// Is reports whether the actor is the given installer.
func (a Actor) Is(id InstallerID) bool { return a.ID == string(id) }

// =============================================================================
// SERIAL NUMBER - normalized, grammar-checked pool key
// =============================================================================

type SerialNumber string

// serialGrammar is the catalog's generic serial grammar: alphanumeric,
// 6-20 characters, after normalization.
var serialGrammar = regexp.MustCompile(`^[A-Z0-9]{6,20}$`)

// NormalizeSerial uppercases and trims raw user input.
func NormalizeSerial(raw string) SerialNumber {
	return SerialNumber(strings.ToUpper(strings.TrimSpace(raw)))
}

// Valid reports whether the serial matches the generic serial grammar.
func (s SerialNumber) Valid() bool {
	return serialGrammar.MatchString(string(s))
}

// =============================================================================
// PRODUCT - external catalog item (read-only to this engine)
// =============================================================================

// Product identifies a catalog item by a serial prefix/length pattern and a
// fixed point value. Point revaluation never changes claimed ledger entries.
type Product struct {
	ID           ProductID
	Name         string
	SerialPrefix string
	SerialLength int // 0 means any length the grammar allows
	Points       int64
}

// MatchesSerial reports whether a serial matches this product's pattern.
func (p Product) MatchesSerial(s SerialNumber) bool {
	if p.SerialPrefix != "" && !strings.HasPrefix(string(s), p.SerialPrefix) {
		return false
	}
	if p.SerialLength > 0 && len(s) != p.SerialLength {
		return false
	}
	return true
}

// =============================================================================
// SERIAL RECORD - admission pool entry
// =============================================================================

// SerialRecord is a pre-approved, claimable serial. The claimed flag
// transitions false -> true exactly once; once true the record is immutable
// (except via the time-boxed retraction, which transitions it back).
type SerialRecord struct {
	SerialNumber SerialNumber
	ProductID    ProductID
	Claimed      bool
	ClaimedBy    InstallerID
	ClaimedAt    *time.Time
	CreatedAt    time.Time
}

// =============================================================================
// LEDGER ENTRY - equipment ledger row
// =============================================================================

// LedgerEntry records one successful serial claim. PointsAwarded is copied
// from the catalog at claim time and never re-read afterward.
type LedgerEntry struct {
	ID            string
	InstallerID   InstallerID
	SerialNumber  SerialNumber
	ProductID     ProductID
	PointsAwarded int64
	InstalledAt   time.Time
	Location      string
	CreatedAt     time.Time
}

// =============================================================================
// INSTALLER DERIVED FIELDS - materialized view, never source of truth
// =============================================================================

// InstallerDerived holds the cached fields physically stored on the external
// installer aggregate. They are recomputed from the ledger after every
// mutation and verified (self-healed) on read.
type InstallerDerived struct {
	InstallerID    InstallerID
	TotalPoints    int64
	TotalInverters int
	Eligible       bool
	RecomputedAt   time.Time
}

// =============================================================================
// BALANCE - derived points view
// =============================================================================

// Balance is the on-demand points view for one installer.
// Invariant: Reserved + Spent <= Earned at every observable instant,
// except when a retraction after a payout shrinks Earned.
type Balance struct {
	InstallerID InstallerID
	Earned      int64 // sum of ledger PointsAwarded
	Reserved    int64 // sum of PointsReserved over {pending, approved} requests
	Spent       int64 // sum of PointsReserved over paid requests
	Available   int64 // Earned - Reserved - Spent
	Eligible    bool  // Earned >= eligibility threshold
}

// =============================================================================
// PAYMENT REQUEST - monetary request lifecycle
// =============================================================================

type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusRejected RequestStatus = "rejected"
	StatusPaid     RequestStatus = "paid"
)

// Terminal reports whether no normal transition leaves this status.
func (s RequestStatus) Terminal() bool {
	return s == StatusRejected || s == StatusPaid
}

// Reserves reports whether a request in this status holds its points.
func (s RequestStatus) Reserves() bool {
	return s == StatusPending || s == StatusApproved
}

// RequestOrigin is a closed variant describing where a request came from.
// Point-denominated redemptions reserve points; bonus and manual flat-amount
// requests carry an amount directly and reserve nothing.
type RequestOrigin string

const (
	OriginPointRedemption RequestOrigin = "point_redemption"
	OriginMilestone       RequestOrigin = "milestone"
	OriginPromotion       RequestOrigin = "promotion"
	OriginManual          RequestOrigin = "manual"
)

// SystemIssued reports whether the engine itself creates requests of this
// origin. System-issued bonuses bypass the one-open-request guard so an
// automatic bonus never locks an installer out of redemption.
func (o RequestOrigin) SystemIssued() bool {
	return o == OriginMilestone || o == OriginPromotion
}

// InstallerInitiated is the complement of SystemIssued; these origins are
// subject to the one-open-request-per-installer rule.
func (o RequestOrigin) InstallerInitiated() bool { return !o.SystemIssued() }

type PaymentRequest struct {
	ID          RequestID
	InstallerID InstallerID
	Origin      RequestOrigin

	// PointsReserved > 0 only for point redemptions; the reservation is
	// released when the request leaves {pending, approved} and permanently
	// consumed when it is paid.
	PointsReserved int64
	Amount         decimal.Decimal
	Currency       string

	Method      string
	BankDetails string

	Status RequestStatus

	// Reference carries the audit tag for bonus requests
	// (milestone boundary or promotion ID).
	Reference string

	DecidedBy       string
	DecidedAt       *time.Time
	RejectionReason string
	PaidAt          *time.Time
	TransactionID   string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RequestComment can be appended in any state.
type RequestComment struct {
	ID        string
	RequestID RequestID
	AuthorID  string
	Body      string
	CreatedAt time.Time
}

// Receipt can only be attached while the request is non-terminal.
type Receipt struct {
	ID         string
	RequestID  RequestID
	FileName   string
	URL        string
	UploadedBy string
	CreatedAt  time.Time
}

// =============================================================================
// PROMOTION - time-boxed bonus campaign
// =============================================================================

type Promotion struct {
	ID          PromotionID
	Name        string
	StartDate   time.Time
	EndDate     time.Time
	Target      int // equipment count that completes the promotion
	BonusAmount decimal.Decimal

	MinExistingInverters int
	MaxParticipants      int // 0 means uncapped
	Excluded             []InstallerID

	CreatedAt time.Time
}

// ActiveAt reports whether the promotion window covers t.
func (p Promotion) ActiveAt(t time.Time) bool {
	return !t.Before(p.StartDate) && !t.After(p.EndDate)
}

// ExcludesInstaller reports whether the installer is in the exclusion set.
func (p Promotion) ExcludesInstaller(id InstallerID) bool {
	for _, ex := range p.Excluded {
		if ex == id {
			return true
		}
	}
	return false
}

// PromotionParticipation is one (promotion, installer) row. CurrentProgress
// always reflects the installer's absolute equipment count, not a delta
// since joining. Completed is a one-way latch.
type PromotionParticipation struct {
	PromotionID     PromotionID
	InstallerID     InstallerID
	JoinedAt        time.Time
	CurrentProgress int
	Completed       bool
	CompletedAt     *time.Time
}

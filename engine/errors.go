/*
errors.go - Centralized error types for the loyalty engine

PURPOSE:
  All sentinel and structured errors in one place. Components return these
  synchronously; no operation partially applies its effect on error.

ERROR CATEGORIES:
  1. Validation   - bad input shape/format/date
  2. Conflict     - AlreadyClaimed, DuplicatePendingRequest
  3. Precondition - InsufficientPoints, NotEligible, promotion guards
  4. NotFound     - missing serial/request/promotion/product
  5. Transition   - payment state machine violations
  6. Integrity    - derived-field mismatch or raw store failure; never
                    surfaced with internal detail, always logged in full

USAGE:
  if errors.Is(err, engine.ErrAlreadyClaimed) { ... }

SEE ALSO:
  - api/handlers.go: maps these to HTTP status codes
*/
package engine

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidFormat is returned when a serial fails the generic grammar
	// check. This fires before the admission pool is touched.
	ErrInvalidFormat = errors.New("invalid serial format")

	// ErrInvalidDate is returned when installedAt is in the future.
	ErrInvalidDate = errors.New("installation date is in the future")

	// ErrAlreadyClaimed is returned when a serial's claimed flag is already
	// set. Exactly one of two concurrent claims receives this.
	ErrAlreadyClaimed = errors.New("serial already claimed")

	// ErrDuplicatePendingRequest is returned when an installer already has
	// an open installer-initiated payment request.
	ErrDuplicatePendingRequest = errors.New("installer already has a pending payment request")

	// ErrInsufficientPoints is returned when requested points exceed the
	// available (unreserved) balance.
	ErrInsufficientPoints = errors.New("insufficient points")

	// ErrNotEligible is returned when earned points are below the
	// eligibility threshold.
	ErrNotEligible = errors.New("installer not eligible for payment")

	// ErrInvalidTransition is returned for illegal state machine moves.
	ErrInvalidTransition = errors.New("invalid payment request transition")

	// ErrNotFound is returned for missing serials/requests/promotions.
	ErrNotFound = errors.New("not found")

	// ErrForbidden is returned when the actor's role does not permit the
	// operation.
	ErrForbidden = errors.New("operation not permitted for caller")

	// ErrRetractionWindowClosed is returned when a release is attempted
	// after the retraction window has elapsed.
	ErrRetractionWindowClosed = errors.New("retraction window closed")

	// ErrNoMatchingProduct is returned when no catalog product matches a
	// serial being admitted to the pool.
	ErrNoMatchingProduct = errors.New("no catalog product matches serial")

	// Promotion join guards. Each precondition fails with its own reason.
	ErrPromotionNotActive = errors.New("promotion window not active")
	ErrAlreadyJoined      = errors.New("installer already joined promotion")
	ErrBelowMinimum       = errors.New("installer below promotion minimum equipment count")
	ErrExcluded           = errors.New("installer excluded from promotion")
	ErrCapacityReached    = errors.New("promotion participant cap reached")

	// ErrIntegrity wraps internal store failures and derived-field
	// mismatches. Callers see a generic message; detail goes to the log.
	ErrIntegrity = errors.New("internal integrity error")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// AlreadyClaimedError reports which installer holds the serial and when.
type AlreadyClaimedError struct {
	SerialNumber SerialNumber
	ClaimedBy    InstallerID
	ClaimedAt    *time.Time
}

func (e *AlreadyClaimedError) Error() string {
	return fmt.Sprintf("serial %s already claimed by %s", e.SerialNumber, e.ClaimedBy)
}

func (e *AlreadyClaimedError) Unwrap() error { return ErrAlreadyClaimed }

// InsufficientPointsError details a balance shortage.
type InsufficientPointsError struct {
	InstallerID InstallerID
	Available   int64
	Requested   int64
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points: available %d, requested %d", e.Available, e.Requested)
}

func (e *InsufficientPointsError) Unwrap() error { return ErrInsufficientPoints }

// NotEligibleError details an eligibility shortfall.
type NotEligibleError struct {
	InstallerID InstallerID
	Earned      int64
	Threshold   int64
}

func (e *NotEligibleError) Error() string {
	return fmt.Sprintf("installer %s not eligible: earned %d of %d required",
		e.InstallerID, e.Earned, e.Threshold)
}

func (e *NotEligibleError) Unwrap() error { return ErrNotEligible }

// InvalidTransitionError names the illegal move.
type InvalidTransitionError struct {
	RequestID RequestID
	From      RequestStatus
	To        RequestStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("request %s: cannot transition %s -> %s", e.RequestID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// NotFoundError names what was missing.
type NotFoundError struct {
	Kind string // "serial", "request", "promotion", "product", "ledger entry"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// IntegrityError wraps an internal failure with a generic user message.
// The wrapped cause is for logging only and never serialized to callers.
type IntegrityError struct {
	Op    string
	Cause error
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("%s: internal integrity error", e.Op)
}

func (e *IntegrityError) Unwrap() error { return ErrIntegrity }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsValidation reports input-shape errors (HTTP 400).
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidFormat) || errors.Is(err, ErrInvalidDate)
}

// IsConflict reports uniqueness conflicts (HTTP 409).
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyClaimed) ||
		errors.Is(err, ErrDuplicatePendingRequest) ||
		errors.Is(err, ErrAlreadyJoined)
}

// IsPrecondition reports business-rule failures (HTTP 422).
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrInsufficientPoints) ||
		errors.Is(err, ErrNotEligible) ||
		errors.Is(err, ErrBelowMinimum) ||
		errors.Is(err, ErrPromotionNotActive) ||
		errors.Is(err, ErrCapacityReached) ||
		errors.Is(err, ErrExcluded) ||
		errors.Is(err, ErrRetractionWindowClosed)
}

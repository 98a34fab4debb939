/*
Package payment implements the payment request lifecycle.

PURPOSE:
  Governs a monetary request against an installer's available points from
  creation through approval/rejection/payout.

STATE MACHINE:

            ┌──────────┐  approve  ┌──────────┐  markPaid  ┌──────┐
   create ─▶│ pending  │──────────▶│ approved │───────────▶│ paid │
            └──────────┘           └──────────┘            └──────┘
              │      │ markPaid (manual)  │                    │
              │      └────────────────────┼───────────────▶────┘
              │ reject                    │ reject
              ▼                           ▼
            ┌──────────┐                ┌──────────┐
            │ rejected │                │ rejected │
            └──────────┘                └──────────┘

  paid and rejected are terminal. The only way out of paid is the explicit
  admin revert override, which re-runs the reservation check so already
  spent points can never be re-approved against a drained balance.

RESERVATION:
  A point-denominated request in {pending, approved} reserves its points:
  the balance calculator subtracts them from available, so a second create
  observes the reduced balance. The check-and-reserve is atomic: create
  runs inside a store transaction, with a partial unique constraint on
  "one open installer-initiated request per installer" as the backstop.
  marking paid is the only point "spend" and is never reversed
  automatically.

NOTIFICATIONS:
  Every transition emits a fire-and-forget notification. Delivery failure
  is logged and counted, never rolled back into the transition.

SEE ALSO:
  - ledger/calculator.go: the balance consumed inside create
  - promotion/: issues bonus requests through CreateBonus
*/
package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/solara/loyalty-engine/engine"
	"github.com/solara/loyalty-engine/ledger"
	"github.com/solara/loyalty-engine/metrics"
)

// Service orchestrates the payment request lifecycle.
type Service struct {
	Store    engine.TxStore
	Config   engine.Config
	Calc     *ledger.Calculator
	Notifier engine.Notifier
	Log      zerolog.Logger

	now func() time.Time
}

func NewService(store engine.TxStore, cfg engine.Config, calc *ledger.Calculator, notifier engine.Notifier, log zerolog.Logger) *Service {
	return &Service{
		Store:    store,
		Config:   cfg,
		Calc:     calc,
		Notifier: notifier,
		Log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateParams describes an installer-initiated request. Exactly one of
// Points (point redemption) or Amount (manual flat amount) is set.
type CreateParams struct {
	Points      int64
	Amount      decimal.Decimal
	Method      string
	BankDetails string
}

// =============================================================================
// CREATE - atomic check-and-reserve
// =============================================================================

// Create opens an installer-initiated payment request. Preconditions, all
// checked inside one store transaction against a consistent balance:
//   - installer is eligible (earned >= threshold)
//   - no other open installer-initiated request
//   - requested points <= available
func (s *Service) Create(ctx context.Context, actor engine.Actor, installerID engine.InstallerID, p CreateParams) (*engine.PaymentRequest, error) {
	if !actor.IsAdmin() && !actor.Is(installerID) {
		return nil, engine.ErrForbidden
	}

	origin := engine.OriginPointRedemption
	if p.Points <= 0 {
		origin = engine.OriginManual
		if p.Amount.IsZero() || p.Amount.IsNegative() {
			return nil, fmt.Errorf("manual request needs a positive amount: %w", engine.ErrInsufficientPoints)
		}
	}

	now := s.now()
	req := engine.PaymentRequest{
		ID:          engine.RequestID(uuid.NewString()),
		InstallerID: installerID,
		Origin:      origin,
		Method:      p.Method,
		BankDetails: p.BankDetails,
		Status:      engine.StatusPending,
		Currency:    s.Config.Currency,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.Store.WithTx(ctx, func(tx engine.Store) error {
		balance, err := s.Calc.Balance(ctx, tx, installerID)
		if err != nil {
			return err
		}

		if !balance.Eligible {
			return &engine.NotEligibleError{
				InstallerID: installerID,
				Earned:      balance.Earned,
				Threshold:   s.Config.EligibilityThreshold,
			}
		}

		// At most one open installer-initiated request. The read is a
		// fast-fail courtesy; the partial unique index on insert is the
		// authoritative guard.
		open, err := tx.HasOpenRedemption(ctx, installerID)
		if err != nil {
			return &engine.IntegrityError{Op: "check open requests", Cause: err}
		}
		if open {
			return engine.ErrDuplicatePendingRequest
		}

		if origin == engine.OriginPointRedemption {
			if p.Points > balance.Available {
				return &engine.InsufficientPointsError{
					InstallerID: installerID,
					Available:   balance.Available,
					Requested:   p.Points,
				}
			}
			req.PointsReserved = p.Points
			req.Amount = s.Config.Amount(p.Points)
		} else {
			req.Amount = p.Amount
		}

		// The insert is the reservation: from here any concurrent create
		// for this installer observes the reduced available balance.
		return tx.InsertRequest(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	metrics.RequestsCreated.WithLabelValues(string(origin)).Inc()
	s.notify(ctx, engine.Notification{
		RecipientID:   "admins",
		RecipientType: engine.RecipientAdmin,
		Type:          engine.NotifyRequestCreated,
		Title:         "New payment request",
		Message:       fmt.Sprintf("Installer %s requested %s %s", installerID, req.Amount, req.Currency),
		Payload:       map[string]string{"request_id": string(req.ID)},
	})

	return &req, nil
}

// CreateBonus opens a system-issued bonus request (milestone/promotion).
// Bonuses carry a flat amount, reserve no points, and bypass both the
// eligibility threshold and the one-open-request guard.
func (s *Service) CreateBonus(ctx context.Context, installerID engine.InstallerID, origin engine.RequestOrigin, amount decimal.Decimal, reference string) (*engine.PaymentRequest, error) {
	return s.CreateBonusIn(ctx, s.Store, installerID, origin, amount, reference)
}

// CreateBonusIn writes the bonus through the given store view. Callers that
// flip an idempotency latch in the same breath (promotion completion,
// milestone firing) pass their in-transaction store, so a failed insert
// rolls the latch back with it.
func (s *Service) CreateBonusIn(ctx context.Context, store engine.Store, installerID engine.InstallerID, origin engine.RequestOrigin, amount decimal.Decimal, reference string) (*engine.PaymentRequest, error) {
	if !origin.SystemIssued() {
		return nil, fmt.Errorf("origin %s is not system-issued: %w", origin, engine.ErrInvalidTransition)
	}

	now := s.now()
	req := engine.PaymentRequest{
		ID:          engine.RequestID(uuid.NewString()),
		InstallerID: installerID,
		Origin:      origin,
		Amount:      amount,
		Currency:    s.Config.Currency,
		Status:      engine.StatusPending,
		Reference:   reference,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := store.InsertRequest(ctx, req); err != nil {
		return nil, err
	}

	metrics.RequestsCreated.WithLabelValues(string(origin)).Inc()
	metrics.BonusesIssued.WithLabelValues(string(origin)).Inc()
	s.notify(ctx, engine.Notification{
		RecipientID:   string(installerID),
		RecipientType: engine.RecipientInstaller,
		Type:          engine.NotifyBonusIssued,
		Title:         "Bonus payment issued",
		Message:       fmt.Sprintf("A %s bonus of %s %s is awaiting approval", origin, amount, req.Currency),
		Payload:       map[string]string{"request_id": string(req.ID), "reference": reference},
	})

	return &req, nil
}

// =============================================================================
// DECISIONS (admin)
// =============================================================================

// Approve moves pending -> approved. Points stay reserved.
func (s *Service) Approve(ctx context.Context, actor engine.Actor, id engine.RequestID) (*engine.PaymentRequest, error) {
	return s.transition(ctx, actor, id, engine.StatusApproved, func(req *engine.PaymentRequest) error {
		if req.Status != engine.StatusPending {
			return &engine.InvalidTransitionError{RequestID: id, From: req.Status, To: engine.StatusApproved}
		}
		now := s.now()
		req.Status = engine.StatusApproved
		req.DecidedBy = actor.ID
		req.DecidedAt = &now
		return nil
	})
}

// Reject moves pending|approved -> rejected. Exiting {pending, approved}
// releases the reservation by construction of the reserved sum. The reason
// is mandatory and stored.
func (s *Service) Reject(ctx context.Context, actor engine.Actor, id engine.RequestID, reason string) (*engine.PaymentRequest, error) {
	if reason == "" {
		return nil, fmt.Errorf("rejection reason is mandatory: %w", engine.ErrInvalidTransition)
	}
	return s.transition(ctx, actor, id, engine.StatusRejected, func(req *engine.PaymentRequest) error {
		if req.Status != engine.StatusPending && req.Status != engine.StatusApproved {
			return &engine.InvalidTransitionError{RequestID: id, From: req.Status, To: engine.StatusRejected}
		}
		now := s.now()
		req.Status = engine.StatusRejected
		req.DecidedBy = actor.ID
		req.DecidedAt = &now
		req.RejectionReason = reason
		return nil
	})
}

// MarkPaid moves approved -> paid, or pending -> paid for admin-entered
// manual payments. This permanently consumes the reserved points - the only
// point "spend" in the system, never reversed automatically.
func (s *Service) MarkPaid(ctx context.Context, actor engine.Actor, id engine.RequestID, transactionID string) (*engine.PaymentRequest, error) {
	return s.transition(ctx, actor, id, engine.StatusPaid, func(req *engine.PaymentRequest) error {
		if req.Status != engine.StatusApproved && req.Status != engine.StatusPending {
			return &engine.InvalidTransitionError{RequestID: id, From: req.Status, To: engine.StatusPaid}
		}
		now := s.now()
		req.Status = engine.StatusPaid
		req.PaidAt = &now
		req.TransactionID = transactionID
		return nil
	})
}

// RevertPaid is the explicit administrative override that moves a paid
// request back to pending. Because paying consumed the points, the revert
// re-runs the full reservation check: the restored reservation must still
// fit under earned points and the installer must not have another open
// request. Without this check a revert could enable re-paying already
// spent points.
func (s *Service) RevertPaid(ctx context.Context, actor engine.Actor, id engine.RequestID) (*engine.PaymentRequest, error) {
	if !actor.IsAdmin() {
		return nil, engine.ErrForbidden
	}

	var reverted engine.PaymentRequest
	err := s.Store.WithTx(ctx, func(tx engine.Store) error {
		req, err := tx.GetRequest(ctx, id)
		if err != nil {
			return &engine.IntegrityError{Op: "load request", Cause: err}
		}
		if req == nil {
			return &engine.NotFoundError{Kind: "payment request", ID: string(id)}
		}
		if req.Status != engine.StatusPaid {
			return &engine.InvalidTransitionError{RequestID: id, From: req.Status, To: engine.StatusPending}
		}

		if req.PointsReserved > 0 {
			balance, err := s.Calc.Balance(ctx, tx, req.InstallerID)
			if err != nil {
				return err
			}
			// The revert moves this request's points from spent back to
			// reserved, a sum-preserving shuffle. It is only sound while
			// every committed point still fits under earned; retractions
			// since the payout may have shrunk that total.
			if balance.Reserved+balance.Spent > balance.Earned {
				return &engine.InsufficientPointsError{
					InstallerID: req.InstallerID,
					Available:   balance.Available,
					Requested:   req.PointsReserved,
				}
			}
		}
		if req.Origin.InstallerInitiated() {
			open, err := tx.HasOpenRedemption(ctx, req.InstallerID)
			if err != nil {
				return &engine.IntegrityError{Op: "check open requests", Cause: err}
			}
			if open {
				return engine.ErrDuplicatePendingRequest
			}
		}

		req.Status = engine.StatusPending
		req.PaidAt = nil
		req.TransactionID = ""
		req.DecidedBy = ""
		req.DecidedAt = nil
		req.UpdatedAt = s.now()
		if err := tx.UpdateRequest(ctx, *req); err != nil {
			return err
		}

		// Audit trail for the override.
		comment := engine.RequestComment{
			ID:        uuid.NewString(),
			RequestID: id,
			AuthorID:  actor.ID,
			Body:      "payment reverted to pending by administrator",
			CreatedAt: s.now(),
		}
		if err := tx.AddComment(ctx, comment); err != nil {
			return err
		}

		reverted = *req
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.notify(ctx, engine.Notification{
		RecipientID:   string(reverted.InstallerID),
		RecipientType: engine.RecipientInstaller,
		Type:          engine.NotifyRequestReverted,
		Title:         "Payment reverted",
		Message:       "A paid request was reverted to pending by an administrator",
		Payload:       map[string]string{"request_id": string(id)},
	})
	return &reverted, nil
}

// transition loads, mutates, and persists a request under one transaction,
// then emits the matching notification.
func (s *Service) transition(ctx context.Context, actor engine.Actor, id engine.RequestID, to engine.RequestStatus, mutate func(*engine.PaymentRequest) error) (*engine.PaymentRequest, error) {
	if !actor.IsAdmin() {
		return nil, engine.ErrForbidden
	}

	var updated engine.PaymentRequest
	err := s.Store.WithTx(ctx, func(tx engine.Store) error {
		req, err := tx.GetRequest(ctx, id)
		if err != nil {
			return &engine.IntegrityError{Op: "load request", Cause: err}
		}
		if req == nil {
			return &engine.NotFoundError{Kind: "payment request", ID: string(id)}
		}

		if err := mutate(req); err != nil {
			return err
		}
		req.UpdatedAt = s.now()

		if err := tx.UpdateRequest(ctx, *req); err != nil {
			return err
		}
		updated = *req
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch to {
	case engine.StatusApproved:
		metrics.RequestsDecided.WithLabelValues("approved").Inc()
		s.notifyInstaller(ctx, &updated, engine.NotifyRequestApproved, "Payment request approved")
	case engine.StatusRejected:
		metrics.RequestsDecided.WithLabelValues("rejected").Inc()
		s.notifyInstaller(ctx, &updated, engine.NotifyRequestRejected, "Payment request rejected: "+updated.RejectionReason)
	case engine.StatusPaid:
		metrics.RequestsPaid.Inc()
		s.notifyInstaller(ctx, &updated, engine.NotifyRequestPaid, "Payment sent")
	}

	return &updated, nil
}

// =============================================================================
// COMMENTS & RECEIPTS
// =============================================================================

// Comment appends a comment. Allowed in any state, terminal included.
func (s *Service) Comment(ctx context.Context, actor engine.Actor, id engine.RequestID, body string) (*engine.RequestComment, error) {
	req, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && !actor.Is(req.InstallerID) {
		return nil, engine.ErrForbidden
	}

	c := engine.RequestComment{
		ID:        uuid.NewString(),
		RequestID: id,
		AuthorID:  actor.ID,
		Body:      body,
		CreatedAt: s.now(),
	}
	if err := s.Store.AddComment(ctx, c); err != nil {
		return nil, err
	}
	return &c, nil
}

// AttachReceipt attaches a receipt. Terminal states accept comments but not
// receipts.
func (s *Service) AttachReceipt(ctx context.Context, actor engine.Actor, id engine.RequestID, fileName, url string) (*engine.Receipt, error) {
	req, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && !actor.Is(req.InstallerID) {
		return nil, engine.ErrForbidden
	}
	if req.Status.Terminal() {
		return nil, &engine.InvalidTransitionError{RequestID: id, From: req.Status, To: req.Status}
	}

	r := engine.Receipt{
		ID:         uuid.NewString(),
		RequestID:  id,
		FileName:   fileName,
		URL:        url,
		UploadedBy: actor.ID,
		CreatedAt:  s.now(),
	}
	if err := s.Store.AddReceipt(ctx, r); err != nil {
		return nil, err
	}
	return &r, nil
}

// =============================================================================
// READS
// =============================================================================

func (s *Service) get(ctx context.Context, id engine.RequestID) (*engine.PaymentRequest, error) {
	req, err := s.Store.GetRequest(ctx, id)
	if err != nil {
		return nil, &engine.IntegrityError{Op: "load request", Cause: err}
	}
	if req == nil {
		return nil, &engine.NotFoundError{Kind: "payment request", ID: string(id)}
	}
	return req, nil
}

// Get returns one request. Installers see only their own.
func (s *Service) Get(ctx context.Context, actor engine.Actor, id engine.RequestID) (*engine.PaymentRequest, error) {
	req, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.IsAdmin() && !actor.Is(req.InstallerID) {
		return nil, engine.ErrForbidden
	}
	return req, nil
}

// ListByInstaller returns an installer's request history.
func (s *Service) ListByInstaller(ctx context.Context, actor engine.Actor, id engine.InstallerID) ([]engine.PaymentRequest, error) {
	if !actor.IsAdmin() && !actor.Is(id) {
		return nil, engine.ErrForbidden
	}
	return s.Store.RequestsByInstaller(ctx, id)
}

// ListPending returns the admin decision queue.
func (s *Service) ListPending(ctx context.Context, actor engine.Actor) ([]engine.PaymentRequest, error) {
	if !actor.IsAdmin() {
		return nil, engine.ErrForbidden
	}
	return s.Store.PendingRequests(ctx)
}

// Comments lists a request's comment stream.
func (s *Service) Comments(ctx context.Context, actor engine.Actor, id engine.RequestID) ([]engine.RequestComment, error) {
	if _, err := s.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	return s.Store.CommentsByRequest(ctx, id)
}

// Receipts lists a request's receipts.
func (s *Service) Receipts(ctx context.Context, actor engine.Actor, id engine.RequestID) ([]engine.Receipt, error) {
	if _, err := s.Get(ctx, actor, id); err != nil {
		return nil, err
	}
	return s.Store.ReceiptsByRequest(ctx, id)
}

// =============================================================================
// NOTIFICATION HELPERS
// =============================================================================

func (s *Service) notifyInstaller(ctx context.Context, req *engine.PaymentRequest, t engine.NotificationType, msg string) {
	s.notify(ctx, engine.Notification{
		RecipientID:   string(req.InstallerID),
		RecipientType: engine.RecipientInstaller,
		Type:          t,
		Title:         "Payment request update",
		Message:       msg,
		Payload:       map[string]string{"request_id": string(req.ID), "status": string(req.Status)},
	})
}

func (s *Service) notify(ctx context.Context, n engine.Notification) {
	if err := s.Notifier.Notify(ctx, n); err != nil && !errors.Is(err, context.Canceled) {
		metrics.NotifyFailures.Inc()
		s.Log.Warn().Err(err).Str("type", string(n.Type)).Msg("notification delivery failed")
	}
}

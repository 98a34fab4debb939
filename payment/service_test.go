package payment_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solara/loyalty-engine/engine"
	"github.com/solara/loyalty-engine/ledger"
	"github.com/solara/loyalty-engine/payment"
	"github.com/solara/loyalty-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	admin     = engine.Actor{ID: "ops-1", Role: engine.RoleAdmin}
	installer = engine.Actor{ID: "inst-1", Role: engine.RoleInstaller}
)

func newTestService(t *testing.T) (*payment.Service, *sqlite.Store) {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := engine.DefaultConfig()
	log := zerolog.Nop()
	calc := ledger.NewCalculator(cfg, log)
	svc := payment.NewService(store, cfg, calc, engine.LogNotifier{Log: log}, log)
	return svc, store
}

// seedPoints appends ledger entries summing to the given point values.
func seedPoints(t *testing.T, store *sqlite.Store, id engine.InstallerID, points ...int64) {
	t.Helper()
	now := time.Now().UTC()
	for i, p := range points {
		entry := engine.LedgerEntry{
			ID:            uuid.NewString(),
			InstallerID:   id,
			SerialNumber:  engine.SerialNumber(fmt.Sprintf("SL%s%08d", id[len(id)-1:], i)),
			ProductID:     "inv-test",
			PointsAwarded: p,
			InstalledAt:   now.AddDate(0, 0, -1),
			CreatedAt:     now,
		}
		require.NoError(t, store.AppendEntry(context.Background(), entry))
	}
}

// =============================================================================
// CREATE - redemption
// =============================================================================

func TestCreate_Redemption_ReservesPoints(t *testing.T) {
	// GIVEN: An installer with 400 + 400 + 300 = 1100 earned points
	// WHEN: They request a 1000 point redemption
	// THEN: The amount is computed from the point value, 1000 points reserved

	svc, store := newTestService(t)
	ctx := context.Background()
	seedPoints(t, store, "inst-1", 400, 400, 300)

	req, err := svc.Create(ctx, installer, "inst-1", payment.CreateParams{Points: 1000, Method: "bank_transfer"})
	require.NoError(t, err)
	assert.Equal(t, engine.OriginPointRedemption, req.Origin)
	assert.Equal(t, engine.StatusPending, req.Status)
	assert.Equal(t, int64(1000), req.PointsReserved)
	assert.True(t, req.Amount.Equal(decimal.NewFromInt(50000)), "1000 points at 50 each")
	assert.Equal(t, "EUR", req.Currency)

	reserved, err := store.ReservedPoints(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), reserved)
}

func TestCreate_BelowThreshold_NotEligible(t *testing.T) {
	svc, store := newTestService(t)
	seedPoints(t, store, "inst-1", 400, 400)

	_, err := svc.Create(context.Background(), installer, "inst-1", payment.CreateParams{Points: 500})

	var notEligible *engine.NotEligibleError
	require.ErrorAs(t, err, &notEligible)
	assert.Equal(t, int64(800), notEligible.Earned)
	assert.Equal(t, int64(1000), notEligible.Threshold)
}

func TestCreate_InsufficientAvailable(t *testing.T) {
	svc, store := newTestService(t)
	seedPoints(t, store, "inst-1", 400, 400, 300)

	_, err := svc.Create(context.Background(), installer, "inst-1", payment.CreateParams{Points: 1200})

	var insufficient *engine.InsufficientPointsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(1100), insufficient.Available)
	assert.Equal(t, int64(1200), insufficient.Requested)
}

func TestCreate_SecondOpenRequest_Rejected(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	seedPoints(t, store, "inst-1", 1000, 1000)

	_, err := svc.Create(ctx, installer, "inst-1", payment.CreateParams{Points: 500})
	require.NoError(t, err)

	_, err = svc.Create(ctx, installer, "inst-1", payment.CreateParams{Points: 500})
	assert.ErrorIs(t, err, engine.ErrDuplicatePendingRequest)
}

func TestCreate_ManualAmount(t *testing.T) {
	svc, store := newTestService(t)
	seedPoints(t, store, "inst-1", 1000)

	amount := decimal.RequireFromString("12.50")
	req, err := svc.Create(context.Background(), installer, "inst-1", payment.CreateParams{Amount: amount})
	require.NoError(t, err)
	assert.Equal(t, engine.OriginManual, req.Origin)
	assert.True(t, req.Amount.Equal(amount))
	assert.Zero(t, req.PointsReserved, "manual requests reserve nothing")
}

func TestCreate_ManualAmount_MustBePositive(t *testing.T) {
	svc, store := newTestService(t)
	seedPoints(t, store, "inst-1", 1000)

	_, err := svc.Create(context.Background(), installer, "inst-1", payment.CreateParams{})
	assert.ErrorIs(t, err, engine.ErrInsufficientPoints)
}

func TestCreate_ForbiddenForOtherInstaller(t *testing.T) {
	svc, store := newTestService(t)
	seedPoints(t, store, "inst-1", 1000)

	other := engine.Actor{ID: "inst-2", Role: engine.RoleInstaller}
	_, err := svc.Create(context.Background(), other, "inst-1", payment.CreateParams{Points: 500})
	assert.ErrorIs(t, err, engine.ErrForbidden)
}

// =============================================================================
// CREATE - system bonuses
// =============================================================================

func TestCreateBonus_BypassesGuards(t *testing.T) {
	// GIVEN: An installer with zero points and an open redemption elsewhere
	// WHEN: The system issues a milestone bonus
	// THEN: It opens regardless of eligibility or the one-open-request rule

	svc, store := newTestService(t)
	ctx := context.Background()
	seedPoints(t, store, "inst-1", 1000)

	_, err := svc.Create(ctx, installer, "inst-1", payment.CreateParams{Points: 500})
	require.NoError(t, err)

	bonus, err := svc.CreateBonus(ctx, "inst-1", engine.OriginMilestone, decimal.NewFromInt(500), "milestone:10")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusPending, bonus.Status)
	assert.Zero(t, bonus.PointsReserved)
	assert.Equal(t, "milestone:10", bonus.Reference)
}

func TestCreateBonus_RejectsInstallerOrigins(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CreateBonus(context.Background(), "inst-1", engine.OriginPointRedemption, decimal.NewFromInt(10), "")
	assert.Error(t, err)
}

// =============================================================================
// LIFECYCLE TRANSITIONS
// =============================================================================

func TestLifecycle_ApproveThenPaid_ConsumesPoints(t *testing.T) {
	// GIVEN: A pending 1000 point redemption
	// WHEN: Admin approves then marks paid with a transaction id
	// THEN: Reservation becomes spend; available stays at 100

	svc, store := newTestService(t)
	ctx := context.Background()
	seedPoints(t, store, "inst-1", 400, 400, 300)

	req, err := svc.Create(ctx, installer, "inst-1", payment.CreateParams{Points: 1000})
	require.NoError(t, err)

	approved, err := svc.Approve(ctx, admin, req.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusApproved, approved.Status)
	assert.Equal(t, "ops-1", approved.DecidedBy)
	require.NotNil(t, approved.DecidedAt)

	paid, err := svc.MarkPaid(ctx, admin, req.ID, "TXN-1")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusPaid, paid.Status)
	assert.Equal(t, "TXN-1", paid.TransactionID)
	require.NotNil(t, paid.PaidAt)

	spent, err := store.SpentPoints(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), spent)

	reserved, err := store.ReservedPoints(ctx, "inst-1")
	require.NoError(t, err)
	assert.Zero(t, reserved)

	calc := ledger.NewCalculator(engine.DefaultConfig(), zerolog.Nop())
	balance, err := calc.Balance(ctx, store, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance.Spent)
	assert.Zero(t, balance.Reserved)
	assert.Equal(t, int64(100), balance.Available, "paid points stay spent")
}

func TestMarkPaid_PointsNeverReturnToAvailable(t *testing.T) {
	// GIVEN: 1100 earned points with 1000 already paid out
	// WHEN: The installer opens a second 1000 point redemption
	// THEN: Only the 100 unspent points are available; the create fails

	svc, store := newTestService(t)
	ctx := context.Background()
	seedPoints(t, store, "inst-1", 400, 400, 300)

	req, err := svc.Create(ctx, installer, "inst-1", payment.CreateParams{Points: 1000})
	require.NoError(t, err)
	_, err = svc.Approve(ctx, admin, req.ID)
	require.NoError(t, err)
	_, err = svc.MarkPaid(ctx, admin, req.ID, "TXN-P1")
	require.NoError(t, err)

	_, err = svc.Create(ctx, installer, "inst-1", payment.CreateParams{Points: 1000})
	var insufficient *engine.InsufficientPointsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(100), insufficient.Available)
	assert.Equal(t, int64(1000), insufficient.Requested)

	// The remainder is still spendable.
	small, err := svc.Create(ctx, installer, "inst-1", payment.CreateParams{Points: 100})
	require.NoError(t, err)
	assert.Equal(t, int64(100), small.PointsReserved)
}

func TestReject_RequiresReason_ReleasesReservation(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	seedPoints(t, store, "inst-1", 1000)

	req, err := svc.Create(ctx, installer, "inst-1", payment.CreateParams{Points: 800})
	require.NoError(t, err)

	_, err = svc.Reject(ctx, admin, req.ID, "")
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)

	rejected, err := svc.Reject(ctx, admin, req.ID, "missing bank details")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusRejected, rejected.Status)
	assert.Equal(t, "missing bank details", rejected.RejectionReason)

	reserved, err := store.ReservedPoints(ctx, "inst-1")
	require.NoError(t, err)
	assert.Zero(t, reserved, "rejection frees the reservation")

	// A fresh request can open again.
	_, err = svc.Create(ctx, installer, "inst-1", payment.CreateParams{Points: 800})
	assert.NoError(t, err)
}

func TestTransitions_TerminalStatesAreClosed(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	seedPoints(t, store, "inst-1", 1000)

	req, err := svc.Create(ctx, installer, "inst-1", payment.CreateParams{Points: 500})
	require.NoError(t, err)
	_, err = svc.Reject(ctx, admin, req.ID, "duplicate")
	require.NoError(t, err)

	_, err = svc.Approve(ctx, admin, req.ID)
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)
	_, err = svc.MarkPaid(ctx, admin, req.ID, "TXN-X")
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)
	_, err = svc.Reject(ctx, admin, req.ID, "again")
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)
}

func TestTransitions_AdminOnly(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	seedPoints(t, store, "inst-1", 1000)

	req, err := svc.Create(ctx, installer, "inst-1", payment.CreateParams{Points: 500})
	require.NoError(t, err)

	_, err = svc.Approve(ctx, installer, req.ID)
	assert.ErrorIs(t, err, engine.ErrForbidden)
	_, err = svc.RevertPaid(ctx, installer, req.ID)
	assert.ErrorIs(t, err, engine.ErrForbidden)
}

func TestMarkPaid_PendingManual_SkipsApproval(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	seedPoints(t, store, "inst-1", 1000)

	req, err := svc.Create(ctx, installer, "inst-1", payment.CreateParams{Amount: decimal.NewFromInt(25)})
	require.NoError(t, err)

	paid, err := svc.MarkPaid(ctx, admin, req.ID, "TXN-2")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusPaid, paid.Status)
}

// =============================================================================
// REVERT PAID - administrative override
// =============================================================================

func TestRevertPaid_RestoresReservationAndAudits(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	seedPoints(t, store, "inst-1", 1000)

	req, err := svc.Create(ctx, installer, "inst-1", payment.CreateParams{Points: 800})
	require.NoError(t, err)
	_, err = svc.Approve(ctx, admin, req.ID)
	require.NoError(t, err)
	_, err = svc.MarkPaid(ctx, admin, req.ID, "TXN-3")
	require.NoError(t, err)

	reverted, err := svc.RevertPaid(ctx, admin, req.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusPending, reverted.Status)
	assert.Nil(t, reverted.PaidAt)
	assert.Empty(t, reverted.TransactionID)

	reserved, err := store.ReservedPoints(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, int64(800), reserved, "points reserved again")

	comments, err := svc.Comments(ctx, admin, req.ID)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0].Body, "reverted to pending")
}

func TestRevertPaid_OnlyFromPaid(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	seedPoints(t, store, "inst-1", 1000)

	req, err := svc.Create(ctx, installer, "inst-1", payment.CreateParams{Points: 500})
	require.NoError(t, err)

	_, err = svc.RevertPaid(ctx, admin, req.ID)
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)
}

func TestRevertPaid_BlockedByNewerOpenRequest(t *testing.T) {
	// GIVEN: A paid redemption and a new open redemption for the same installer
	// WHEN: Admin reverts the paid one
	// THEN: The one-open-request rule blocks the revert

	svc, store := newTestService(t)
	ctx := context.Background()
	seedPoints(t, store, "inst-1", 1000, 1000)

	first, err := svc.Create(ctx, installer, "inst-1", payment.CreateParams{Points: 500})
	require.NoError(t, err)
	_, err = svc.Approve(ctx, admin, first.ID)
	require.NoError(t, err)
	_, err = svc.MarkPaid(ctx, admin, first.ID, "TXN-4")
	require.NoError(t, err)

	_, err = svc.Create(ctx, installer, "inst-1", payment.CreateParams{Points: 500})
	require.NoError(t, err)

	_, err = svc.RevertPaid(ctx, admin, first.ID)
	assert.ErrorIs(t, err, engine.ErrDuplicatePendingRequest)
}

func TestRevertPaid_BlockedWhenPointsNoLongerCovered(t *testing.T) {
	// GIVEN: A paid 1000 point redemption, then the backing claim is released
	// WHEN: Admin reverts the payment
	// THEN: The restored reservation would exceed earned and is refused

	svc, store := newTestService(t)
	ctx := context.Background()
	seedPoints(t, store, "inst-1", 1000)

	req, err := svc.Create(ctx, installer, "inst-1", payment.CreateParams{Points: 1000})
	require.NoError(t, err)
	_, err = svc.Approve(ctx, admin, req.ID)
	require.NoError(t, err)
	_, err = svc.MarkPaid(ctx, admin, req.ID, "TXN-5")
	require.NoError(t, err)

	// The ledger entry behind the points is retracted after payment.
	require.NoError(t, store.DeleteEntryBySerial(ctx, "SL100000000"))

	_, err = svc.RevertPaid(ctx, admin, req.ID)
	assert.ErrorIs(t, err, engine.ErrInsufficientPoints)
}

func TestRevertPaid_CountsOtherPaidRequests(t *testing.T) {
	// GIVEN: Two paid redemptions (600 + 400) against 1000 earned, then a
	//        retraction shrinks earned to 600
	// WHEN: Admin reverts the 600 point payment
	// THEN: Re-reserving it would over-commit (600 reserved + 400 still
	//       spent > 600 earned), so the revert is refused

	svc, store := newTestService(t)
	ctx := context.Background()
	seedPoints(t, store, "inst-1", 600, 400)

	first, err := svc.Create(ctx, installer, "inst-1", payment.CreateParams{Points: 600})
	require.NoError(t, err)
	_, err = svc.MarkPaid(ctx, admin, first.ID, "TXN-A")
	require.NoError(t, err)

	second, err := svc.Create(ctx, installer, "inst-1", payment.CreateParams{Points: 400})
	require.NoError(t, err)
	_, err = svc.MarkPaid(ctx, admin, second.ID, "TXN-B")
	require.NoError(t, err)

	// The 400 point claim is retracted after both payouts.
	require.NoError(t, store.DeleteEntryBySerial(ctx, "SL100000001"))

	_, err = svc.RevertPaid(ctx, admin, first.ID)
	assert.ErrorIs(t, err, engine.ErrInsufficientPoints)

	// With the full 1000 earned back, the revert goes through.
	require.NoError(t, store.AppendEntry(ctx, engine.LedgerEntry{
		ID:            uuid.NewString(),
		InstallerID:   "inst-1",
		SerialNumber:  "SL100000099",
		ProductID:     "inv-test",
		PointsAwarded: 400,
		InstalledAt:   time.Now().UTC().AddDate(0, 0, -1),
		CreatedAt:     time.Now().UTC(),
	}))
	reverted, err := svc.RevertPaid(ctx, admin, first.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusPending, reverted.Status)
}

// =============================================================================
// COMMENTS & RECEIPTS
// =============================================================================

func TestComments_AllowedInTerminalStates(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	seedPoints(t, store, "inst-1", 1000)

	req, err := svc.Create(ctx, installer, "inst-1", payment.CreateParams{Points: 500})
	require.NoError(t, err)
	_, err = svc.Reject(ctx, admin, req.ID, "test data")
	require.NoError(t, err)

	c, err := svc.Comment(ctx, installer, req.ID, "why was this rejected?")
	require.NoError(t, err)
	assert.Equal(t, "inst-1", c.AuthorID)

	comments, err := svc.Comments(ctx, installer, req.ID)
	require.NoError(t, err)
	assert.Len(t, comments, 1)
}

func TestReceipts_BlockedInTerminalStates(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	seedPoints(t, store, "inst-1", 1000)

	req, err := svc.Create(ctx, installer, "inst-1", payment.CreateParams{Points: 500})
	require.NoError(t, err)

	_, err = svc.AttachReceipt(ctx, admin, req.ID, "invoice.pdf", "https://files.example/invoice.pdf")
	require.NoError(t, err)

	_, err = svc.Reject(ctx, admin, req.ID, "test data")
	require.NoError(t, err)

	_, err = svc.AttachReceipt(ctx, admin, req.ID, "late.pdf", "https://files.example/late.pdf")
	assert.ErrorIs(t, err, engine.ErrInvalidTransition)

	receipts, err := svc.Receipts(ctx, admin, req.ID)
	require.NoError(t, err)
	assert.Len(t, receipts, 1)
}

func TestComments_StrangerForbidden(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	seedPoints(t, store, "inst-1", 1000)

	req, err := svc.Create(ctx, installer, "inst-1", payment.CreateParams{Points: 500})
	require.NoError(t, err)

	other := engine.Actor{ID: "inst-2", Role: engine.RoleInstaller}
	_, err = svc.Comment(ctx, other, req.ID, "snooping")
	assert.ErrorIs(t, err, engine.ErrForbidden)
}

// =============================================================================
// READS
// =============================================================================

func TestReads_RoleScoping(t *testing.T) {
	svc, store := newTestService(t)
	ctx := context.Background()
	seedPoints(t, store, "inst-1", 1000)

	req, err := svc.Create(ctx, installer, "inst-1", payment.CreateParams{Points: 500})
	require.NoError(t, err)

	other := engine.Actor{ID: "inst-2", Role: engine.RoleInstaller}

	_, err = svc.Get(ctx, other, req.ID)
	assert.ErrorIs(t, err, engine.ErrForbidden)
	_, err = svc.ListByInstaller(ctx, other, "inst-1")
	assert.ErrorIs(t, err, engine.ErrForbidden)
	_, err = svc.ListPending(ctx, installer)
	assert.ErrorIs(t, err, engine.ErrForbidden)

	pending, err := svc.ListPending(ctx, admin)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	mine, err := svc.ListByInstaller(ctx, installer, "inst-1")
	require.NoError(t, err)
	assert.Len(t, mine, 1)
}

package sqlite_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solara/loyalty-engine/engine"
	"github.com/solara/loyalty-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func admitSerial(t *testing.T, store *sqlite.Store, sn engine.SerialNumber) {
	t.Helper()
	require.NoError(t, store.AdmitSerial(context.Background(), engine.SerialRecord{
		SerialNumber: sn,
		ProductID:    "inv-test",
		CreatedAt:    time.Now().UTC(),
	}))
}

func pendingRequest(installerID engine.InstallerID, origin engine.RequestOrigin, points int64) engine.PaymentRequest {
	now := time.Now().UTC()
	return engine.PaymentRequest{
		ID:             engine.RequestID(uuid.NewString()),
		InstallerID:    installerID,
		Origin:         origin,
		Status:         engine.StatusPending,
		PointsReserved: points,
		Amount:         decimal.NewFromInt(points),
		Currency:       "EUR",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// =============================================================================
// SERIAL CLAIM LATCH
// =============================================================================

func TestClaimSerial_ConcurrentClaims_ExactlyOneWinner(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	admitSerial(t, store, "SL51234567")

	const attempts = 24
	var wg sync.WaitGroup
	errs := make([]error, attempts)

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			by := engine.InstallerID(uuid.NewString())
			errs[i] = store.ClaimSerial(ctx, "SL51234567", by, time.Now().UTC())
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		assert.ErrorIs(t, err, engine.ErrAlreadyClaimed)
	}
	assert.Equal(t, 1, wins)
}

func TestClaimSerial_ReportsHolder(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	admitSerial(t, store, "SL51234567")

	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.ClaimSerial(ctx, "SL51234567", "inst-1", at))

	err := store.ClaimSerial(ctx, "SL51234567", "inst-2", time.Now().UTC())
	var claimed *engine.AlreadyClaimedError
	require.ErrorAs(t, err, &claimed)
	assert.Equal(t, engine.InstallerID("inst-1"), claimed.ClaimedBy)
	require.NotNil(t, claimed.ClaimedAt)
	assert.True(t, claimed.ClaimedAt.Equal(at))
}

func TestClaimSerial_UnknownSerial_NotFound(t *testing.T) {
	store := newStore(t)

	err := store.ClaimSerial(context.Background(), "SL59999999", "inst-1", time.Now().UTC())
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestReleaseSerial_ReopensForClaim(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	admitSerial(t, store, "SL51234567")

	require.NoError(t, store.ClaimSerial(ctx, "SL51234567", "inst-1", time.Now().UTC()))
	require.NoError(t, store.ReleaseSerial(ctx, "SL51234567"))

	rec, err := store.GetSerial(ctx, "SL51234567")
	require.NoError(t, err)
	assert.False(t, rec.Claimed)
	assert.Empty(t, rec.ClaimedBy)
	assert.Nil(t, rec.ClaimedAt)

	assert.NoError(t, store.ClaimSerial(ctx, "SL51234567", "inst-2", time.Now().UTC()))
}

// =============================================================================
// ONE OPEN REQUEST INDEX
// =============================================================================

func TestInsertRequest_SecondOpenInstallerRequest_Rejected(t *testing.T) {
	// The partial unique index is the authoritative duplicate guard; it
	// must hold even when the service-level read is raced past.
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertRequest(ctx, pendingRequest("inst-1", engine.OriginPointRedemption, 500)))

	err := store.InsertRequest(ctx, pendingRequest("inst-1", engine.OriginManual, 0))
	assert.ErrorIs(t, err, engine.ErrDuplicatePendingRequest)
}

func TestInsertRequest_SystemOriginsBypassIndex(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertRequest(ctx, pendingRequest("inst-1", engine.OriginPointRedemption, 500)))
	assert.NoError(t, store.InsertRequest(ctx, pendingRequest("inst-1", engine.OriginMilestone, 0)))
	assert.NoError(t, store.InsertRequest(ctx, pendingRequest("inst-1", engine.OriginPromotion, 0)))
}

func TestInsertRequest_NonPendingDoesNotBlock(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	first := pendingRequest("inst-1", engine.OriginPointRedemption, 500)
	require.NoError(t, store.InsertRequest(ctx, first))

	first.Status = engine.StatusRejected
	first.RejectionReason = "test"
	require.NoError(t, store.UpdateRequest(ctx, first))

	assert.NoError(t, store.InsertRequest(ctx, pendingRequest("inst-1", engine.OriginPointRedemption, 300)))
}

func TestUpdateRequest_ReopeningHitsIndex(t *testing.T) {
	// Reverting a paid request to pending while another open request
	// exists must violate the index, not silently create two.
	store := newStore(t)
	ctx := context.Background()

	paid := pendingRequest("inst-1", engine.OriginPointRedemption, 500)
	require.NoError(t, store.InsertRequest(ctx, paid))
	now := time.Now().UTC()
	paid.Status = engine.StatusPaid
	paid.PaidAt = &now
	require.NoError(t, store.UpdateRequest(ctx, paid))

	require.NoError(t, store.InsertRequest(ctx, pendingRequest("inst-1", engine.OriginManual, 0)))

	paid.Status = engine.StatusPending
	paid.PaidAt = nil
	err := store.UpdateRequest(ctx, paid)
	assert.ErrorIs(t, err, engine.ErrDuplicatePendingRequest)
}

// =============================================================================
// POINT SUMS
// =============================================================================

func TestReservedAndSpentPoints(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	open := pendingRequest("inst-1", engine.OriginPointRedemption, 300)
	require.NoError(t, store.InsertRequest(ctx, open))

	paid := pendingRequest("inst-1", engine.OriginMilestone, 200)
	require.NoError(t, store.InsertRequest(ctx, paid))
	now := time.Now().UTC()
	paid.Status = engine.StatusPaid
	paid.PaidAt = &now
	require.NoError(t, store.UpdateRequest(ctx, paid))

	reserved, err := store.ReservedPoints(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, int64(300), reserved)

	spent, err := store.SpentPoints(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, int64(200), spent)
}

// =============================================================================
// ONE-WAY LATCHES
// =============================================================================

func TestCompleteParticipation_LatchesOnce(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	promo := engine.Promotion{
		ID:          "promo-1",
		Name:        "Test",
		StartDate:   time.Now().UTC().AddDate(0, 0, -1),
		EndDate:     time.Now().UTC().AddDate(0, 0, 1),
		Target:      3,
		BonusAmount: decimal.NewFromInt(100),
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.SavePromotion(ctx, promo))
	require.NoError(t, store.InsertParticipation(ctx, engine.PromotionParticipation{
		PromotionID: "promo-1",
		InstallerID: "inst-1",
		JoinedAt:    time.Now().UTC(),
	}))

	flipped, err := store.CompleteParticipation(ctx, "promo-1", "inst-1", time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, flipped)

	flipped, err = store.CompleteParticipation(ctx, "promo-1", "inst-1", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, flipped, "second flip must report already latched")
}

func TestMarkMilestoneFired_OncePerBoundary(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	fired, err := store.MarkMilestoneFired(ctx, "inst-1", 10)
	require.NoError(t, err)
	assert.True(t, fired)

	fired, err = store.MarkMilestoneFired(ctx, "inst-1", 10)
	require.NoError(t, err)
	assert.False(t, fired)

	fired, err = store.MarkMilestoneFired(ctx, "inst-1", 25)
	require.NoError(t, err)
	assert.True(t, fired, "a different boundary is independent")

	boundaries, err := store.FiredMilestones(ctx, "inst-1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{10, 25}, boundaries)
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestWithTx_RollsBackOnError(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	admitSerial(t, store, "SL51234567")

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(tx engine.Store) error {
		if err := tx.ClaimSerial(ctx, "SL51234567", "inst-1", time.Now().UTC()); err != nil {
			return err
		}
		if err := tx.AppendEntry(ctx, engine.LedgerEntry{
			ID:            uuid.NewString(),
			InstallerID:   "inst-1",
			SerialNumber:  "SL51234567",
			ProductID:     "inv-test",
			PointsAwarded: 400,
			InstalledAt:   time.Now().UTC(),
			CreatedAt:     time.Now().UTC(),
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	rec, err := store.GetSerial(ctx, "SL51234567")
	require.NoError(t, err)
	assert.False(t, rec.Claimed, "claim rolled back")

	sum, err := store.SumPoints(ctx, "inst-1")
	require.NoError(t, err)
	assert.Zero(t, sum, "entry rolled back")
}

func TestWithTx_CommitsOnSuccess(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	admitSerial(t, store, "SL51234567")

	err := store.WithTx(ctx, func(tx engine.Store) error {
		return tx.ClaimSerial(ctx, "SL51234567", "inst-1", time.Now().UTC())
	})
	require.NoError(t, err)

	rec, err := store.GetSerial(ctx, "SL51234567")
	require.NoError(t, err)
	assert.True(t, rec.Claimed)
	assert.Equal(t, engine.InstallerID("inst-1"), rec.ClaimedBy)
}

// =============================================================================
// LEDGER ENTRIES
// =============================================================================

func TestAppendEntry_DuplicateSerialRejected(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	entry := engine.LedgerEntry{
		ID:            uuid.NewString(),
		InstallerID:   "inst-1",
		SerialNumber:  "SL51234567",
		ProductID:     "inv-test",
		PointsAwarded: 400,
		InstalledAt:   time.Now().UTC(),
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, store.AppendEntry(ctx, entry))

	entry.ID = uuid.NewString()
	entry.InstallerID = "inst-2"
	err := store.AppendEntry(ctx, entry)
	assert.ErrorIs(t, err, engine.ErrAlreadyClaimed)
}

func TestDeleteEntryBySerial(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	entry := engine.LedgerEntry{
		ID:            uuid.NewString(),
		InstallerID:   "inst-1",
		SerialNumber:  "SL51234567",
		ProductID:     "inv-test",
		PointsAwarded: 400,
		InstalledAt:   time.Now().UTC(),
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, store.AppendEntry(ctx, entry))
	require.NoError(t, store.DeleteEntryBySerial(ctx, "SL51234567"))

	count, err := store.CountEntries(ctx, "inst-1")
	require.NoError(t, err)
	assert.Zero(t, count)
}

// =============================================================================
// PROMOTION ROUND-TRIP
// =============================================================================

func TestPromotion_ExclusionListSurvivesStorage(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	promo := engine.Promotion{
		ID:          "promo-x",
		Name:        "Excluded test",
		StartDate:   time.Now().UTC().AddDate(0, 0, -1),
		EndDate:     time.Now().UTC().AddDate(0, 0, 1),
		Target:      5,
		BonusAmount: decimal.NewFromInt(100),
		Excluded:    []engine.InstallerID{"inst-9", "inst-8"},
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, store.SavePromotion(ctx, promo))

	loaded, err := store.GetPromotion(ctx, "promo-x")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, promo.Excluded, loaded.Excluded)
	assert.True(t, loaded.ExcludesInstaller("inst-9"))
	assert.False(t, loaded.ExcludesInstaller("inst-1"))
}

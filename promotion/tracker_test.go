package promotion_test

import (
	"context"
	"errors"
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
	"github.com/solara/loyalty-engine/promotion"
	"github.com/solara/loyalty-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	admin     = engine.Actor{ID: "ops-1", Role: engine.RoleAdmin}
	installer = engine.Actor{ID: "inst-1", Role: engine.RoleInstaller}
)

type fixture struct {
	tracker  *promotion.Tracker
	detector *promotion.MilestoneDetector
	payments *payment.Service
	store    *sqlite.Store
}

func newFixture(t *testing.T) *fixture {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := engine.DefaultConfig()
	log := zerolog.Nop()
	calc := ledger.NewCalculator(cfg, log)
	payments := payment.NewService(store, cfg, calc, engine.LogNotifier{Log: log}, log)
	return &fixture{
		tracker:  promotion.NewTracker(store, payments, log),
		detector: promotion.NewMilestoneDetector(store, payments, cfg, log),
		payments: payments,
		store:    store,
	}
}

// seedEntries gives the installer n ledger entries and returns n.
func (f *fixture) seedEntries(t *testing.T, id engine.InstallerID, n int) int {
	t.Helper()
	now := time.Now().UTC()
	for i := 0; i < n; i++ {
		entry := engine.LedgerEntry{
			ID:            uuid.NewString(),
			InstallerID:   id,
			SerialNumber:  engine.SerialNumber(fmt.Sprintf("SL7%09d", i)),
			ProductID:     "inv-test",
			PointsAwarded: 100,
			InstalledAt:   now.AddDate(0, 0, -1),
			CreatedAt:     now,
		}
		require.NoError(t, f.store.AppendEntry(context.Background(), entry))
	}
	return n
}

func activePromo(target int) engine.Promotion {
	now := time.Now().UTC()
	return engine.Promotion{
		ID:          engine.PromotionID(uuid.NewString()),
		Name:        "Summer push",
		StartDate:   now.AddDate(0, 0, -7),
		EndDate:     now.AddDate(0, 0, 7),
		Target:      target,
		BonusAmount: decimal.NewFromInt(250),
	}
}

func (f *fixture) bonusCount(t *testing.T, id engine.InstallerID, origin engine.RequestOrigin) int {
	t.Helper()
	reqs, err := f.store.RequestsByInstaller(context.Background(), id)
	require.NoError(t, err)
	n := 0
	for _, r := range reqs {
		if r.Origin == origin {
			n++
		}
	}
	return n
}

// =============================================================================
// ADMINISTRATION
// =============================================================================

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := activePromo(5)
	_, err := f.tracker.Create(ctx, installer, p)
	assert.ErrorIs(t, err, engine.ErrForbidden)

	p.Target = 0
	_, err = f.tracker.Create(ctx, admin, p)
	assert.ErrorIs(t, err, engine.ErrInvalidFormat)

	p = activePromo(5)
	p.EndDate = p.StartDate.AddDate(0, 0, -1)
	_, err = f.tracker.Create(ctx, admin, p)
	assert.ErrorIs(t, err, engine.ErrInvalidFormat)

	created, err := f.tracker.Create(ctx, admin, activePromo(5))
	require.NoError(t, err)

	all, err := f.tracker.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, created.ID, all[0].ID)
}

// =============================================================================
// JOIN PRECONDITIONS
// =============================================================================

func TestJoin_WindowNotActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := activePromo(5)
	p.StartDate = time.Now().UTC().AddDate(0, 0, 1)
	p.EndDate = time.Now().UTC().AddDate(0, 0, 14)
	created, err := f.tracker.Create(ctx, admin, p)
	require.NoError(t, err)

	_, err = f.tracker.Join(ctx, installer, created.ID, "inst-1")
	assert.ErrorIs(t, err, engine.ErrPromotionNotActive)
}

func TestJoin_Excluded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := activePromo(5)
	p.Excluded = []engine.InstallerID{"inst-1"}
	created, err := f.tracker.Create(ctx, admin, p)
	require.NoError(t, err)

	_, err = f.tracker.Join(ctx, installer, created.ID, "inst-1")
	assert.ErrorIs(t, err, engine.ErrExcluded)
}

func TestJoin_BelowMinimum(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := activePromo(5)
	p.MinExistingInverters = 3
	created, err := f.tracker.Create(ctx, admin, p)
	require.NoError(t, err)

	f.seedEntries(t, "inst-1", 2)
	_, err = f.tracker.Join(ctx, installer, created.ID, "inst-1")
	assert.ErrorIs(t, err, engine.ErrBelowMinimum)
}

func TestJoin_CapacityReached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p := activePromo(5)
	p.MaxParticipants = 1
	created, err := f.tracker.Create(ctx, admin, p)
	require.NoError(t, err)

	_, err = f.tracker.Join(ctx, installer, created.ID, "inst-1")
	require.NoError(t, err)

	other := engine.Actor{ID: "inst-2", Role: engine.RoleInstaller}
	_, err = f.tracker.Join(ctx, other, created.ID, "inst-2")
	assert.ErrorIs(t, err, engine.ErrCapacityReached)
}

func TestJoin_AlreadyJoined(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.tracker.Create(ctx, admin, activePromo(5))
	require.NoError(t, err)

	_, err = f.tracker.Join(ctx, installer, created.ID, "inst-1")
	require.NoError(t, err)

	_, err = f.tracker.Join(ctx, installer, created.ID, "inst-1")
	assert.ErrorIs(t, err, engine.ErrAlreadyJoined)
}

func TestJoin_InitialProgressIsCurrentCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.tracker.Create(ctx, admin, activePromo(10))
	require.NoError(t, err)

	f.seedEntries(t, "inst-1", 4)
	pp, err := f.tracker.Join(ctx, installer, created.ID, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, 4, pp.CurrentProgress)
	assert.False(t, pp.Completed)
}

func TestJoin_ForbiddenForOtherInstaller(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.tracker.Create(ctx, admin, activePromo(5))
	require.NoError(t, err)

	other := engine.Actor{ID: "inst-2", Role: engine.RoleInstaller}
	_, err = f.tracker.Join(ctx, other, created.ID, "inst-1")
	assert.ErrorIs(t, err, engine.ErrForbidden)
}

// =============================================================================
// PROGRESS SYNC
// =============================================================================

func TestSyncProgress_UpdatesAndLatchesOnce(t *testing.T) {
	// GIVEN: A participant in a target-3 promotion
	// WHEN: Progress crosses the target, then syncs redundantly
	// THEN: Progress mirrors the count; exactly one promotion bonus exists

	f := newFixture(t)
	ctx := context.Background()

	created, err := f.tracker.Create(ctx, admin, activePromo(3))
	require.NoError(t, err)
	_, err = f.tracker.Join(ctx, installer, created.ID, "inst-1")
	require.NoError(t, err)

	f.tracker.SyncProgress(ctx, "inst-1", 2)

	pp, err := f.store.GetParticipation(ctx, created.ID, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, 2, pp.CurrentProgress)
	assert.False(t, pp.Completed)

	f.tracker.SyncProgress(ctx, "inst-1", 3)
	f.tracker.SyncProgress(ctx, "inst-1", 3)
	f.tracker.SyncProgress(ctx, "inst-1", 4)

	done, err := f.tracker.IsCompleted(ctx, created.ID, "inst-1")
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 1, f.bonusCount(t, "inst-1", engine.OriginPromotion), "latch fires exactly once")

	reqs, err := f.store.RequestsByInstaller(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.True(t, reqs[0].Amount.Equal(decimal.NewFromInt(250)))
	assert.Equal(t, string(created.ID), reqs[0].Reference)
}

func TestSyncProgress_RetractionDoesNotUncomplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.tracker.Create(ctx, admin, activePromo(3))
	require.NoError(t, err)
	_, err = f.tracker.Join(ctx, installer, created.ID, "inst-1")
	require.NoError(t, err)

	f.tracker.SyncProgress(ctx, "inst-1", 3)
	f.tracker.SyncProgress(ctx, "inst-1", 2) // a retraction dropped the count
	f.tracker.SyncProgress(ctx, "inst-1", 3) // re-crossed

	done, err := f.tracker.IsCompleted(ctx, created.ID, "inst-1")
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 1, f.bonusCount(t, "inst-1", engine.OriginPromotion))
}

func TestSyncProgress_IgnoresNonParticipants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.tracker.Create(ctx, admin, activePromo(1))
	require.NoError(t, err)

	// No join; sync must be a no-op, not a panic.
	f.tracker.SyncProgress(ctx, "inst-1", 5)
	assert.Zero(t, f.bonusCount(t, "inst-1", engine.OriginPromotion))
}

func TestParticipations_RoleScoping(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.tracker.Create(ctx, admin, activePromo(5))
	require.NoError(t, err)
	_, err = f.tracker.Join(ctx, installer, created.ID, "inst-1")
	require.NoError(t, err)

	other := engine.Actor{ID: "inst-2", Role: engine.RoleInstaller}
	_, err = f.tracker.Participations(ctx, other, "inst-1")
	assert.ErrorIs(t, err, engine.ErrForbidden)

	mine, err := f.tracker.Participations(ctx, installer, "inst-1")
	require.NoError(t, err)
	assert.Len(t, mine, 1)
}

// =============================================================================
// MILESTONE DETECTOR
// =============================================================================

func TestMilestone_FiresOnceAtBoundary(t *testing.T) {
	// GIVEN: The default boundary of 10 units
	// WHEN: The count reaches 10, then keeps growing
	// THEN: Exactly one milestone bonus request exists

	f := newFixture(t)
	ctx := context.Background()

	f.detector.OnAppend(ctx, "inst-1", 9)
	assert.Zero(t, f.bonusCount(t, "inst-1", engine.OriginMilestone))

	f.detector.OnAppend(ctx, "inst-1", 10)
	assert.Equal(t, 1, f.bonusCount(t, "inst-1", engine.OriginMilestone))

	f.detector.OnAppend(ctx, "inst-1", 11)
	f.detector.OnAppend(ctx, "inst-1", 12)
	assert.Equal(t, 1, f.bonusCount(t, "inst-1", engine.OriginMilestone))

	reqs, err := f.store.RequestsByInstaller(ctx, "inst-1")
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	assert.Equal(t, "10", reqs[0].Reference)
	assert.True(t, reqs[0].Amount.Equal(decimal.NewFromInt(500)))
}

func TestMilestone_NoRefireAfterRecross(t *testing.T) {
	// A release below the boundary followed by a re-claim across it must
	// not produce a second bonus.
	f := newFixture(t)
	ctx := context.Background()

	f.detector.OnAppend(ctx, "inst-1", 10)
	f.detector.OnAppend(ctx, "inst-1", 9)
	f.detector.OnAppend(ctx, "inst-1", 10)
	assert.Equal(t, 1, f.bonusCount(t, "inst-1", engine.OriginMilestone))
}

// =============================================================================
// BONUS ATOMICITY
// =============================================================================

// flakyStore fails a set number of request inserts inside transactions,
// standing in for a store error at the worst possible moment.
type flakyStore struct {
	*sqlite.Store
	failInserts int
}

func (f *flakyStore) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	return f.Store.WithTx(ctx, func(tx engine.Store) error {
		return fn(&flakyTx{Store: tx, outer: f})
	})
}

type flakyTx struct {
	engine.Store
	outer *flakyStore
}

func (f *flakyTx) InsertRequest(ctx context.Context, r engine.PaymentRequest) error {
	if f.outer.failInserts > 0 {
		f.outer.failInserts--
		return errors.New("insert failed")
	}
	return f.Store.InsertRequest(ctx, r)
}

func TestMilestone_FailedBonusRollsBackLatch(t *testing.T) {
	// GIVEN: The bonus insert fails on the first boundary crossing
	// WHEN: The next append re-crosses the boundary
	// THEN: The latch rolled back with the insert, so the bonus is issued
	//       then, exactly once

	f := newFixture(t)
	ctx := context.Background()
	flaky := &flakyStore{Store: f.store, failInserts: 1}
	detector := promotion.NewMilestoneDetector(flaky, f.payments, engine.DefaultConfig(), zerolog.Nop())

	detector.OnAppend(ctx, "inst-1", 10)
	assert.Zero(t, f.bonusCount(t, "inst-1", engine.OriginMilestone))

	fired, err := f.store.FiredMilestones(ctx, "inst-1")
	require.NoError(t, err)
	assert.Empty(t, fired, "latch must not survive the failed insert")

	detector.OnAppend(ctx, "inst-1", 11)
	assert.Equal(t, 1, f.bonusCount(t, "inst-1", engine.OriginMilestone))

	detector.OnAppend(ctx, "inst-1", 12)
	assert.Equal(t, 1, f.bonusCount(t, "inst-1", engine.OriginMilestone))
}

func TestSyncProgress_FailedBonusRollsBackLatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	flaky := &flakyStore{Store: f.store}
	tracker := promotion.NewTracker(flaky, f.payments, zerolog.Nop())

	created, err := tracker.Create(ctx, admin, activePromo(3))
	require.NoError(t, err)
	_, err = tracker.Join(ctx, installer, created.ID, "inst-1")
	require.NoError(t, err)

	flaky.failInserts = 1
	tracker.SyncProgress(ctx, "inst-1", 3)

	done, err := tracker.IsCompleted(ctx, created.ID, "inst-1")
	require.NoError(t, err)
	assert.False(t, done, "completion must not survive the failed insert")
	assert.Zero(t, f.bonusCount(t, "inst-1", engine.OriginPromotion))

	tracker.SyncProgress(ctx, "inst-1", 3)
	done, err = tracker.IsCompleted(ctx, created.ID, "inst-1")
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 1, f.bonusCount(t, "inst-1", engine.OriginPromotion))
}

func TestMilestone_PerInstaller(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.detector.OnAppend(ctx, "inst-1", 10)
	f.detector.OnAppend(ctx, "inst-2", 10)
	assert.Equal(t, 1, f.bonusCount(t, "inst-1", engine.OriginMilestone))
	assert.Equal(t, 1, f.bonusCount(t, "inst-2", engine.OriginMilestone))
}

/*
Package promotion implements promotion progress tracking and the milestone
detector.

PURPOSE:
  Both components are pure functions of "new equipment count for installer
  X", invoked from the single ledger append hook. Centralizing them there
  - rather than sprinkling bonus creation across call sites - is what
  guarantees each bonus fires exactly once.

PROGRESS MODEL:
  currentProgress always mirrors the installer's absolute current equipment
  count (count-based, not incremental). Completion is a one-way latch: a
  retraction that drops the count below target does not un-complete, and a
  redundant sync for the same count issues no second bonus because the
  latch flip is a conditional store write.

SEE ALSO:
  - milestone.go: the fixed-count milestone detector
  - ledger/service.go: the append hook both hang off
*/
package promotion

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/solara/loyalty-engine/engine"
	"github.com/solara/loyalty-engine/ledger"
	"github.com/solara/loyalty-engine/payment"
)

// Tracker maintains per-installer progress for active promotions.
type Tracker struct {
	Store    engine.TxStore
	Payments *payment.Service
	Log      zerolog.Logger

	now func() time.Time
}

func NewTracker(store engine.TxStore, payments *payment.Service, log zerolog.Logger) *Tracker {
	return &Tracker{
		Store:    store,
		Payments: payments,
		Log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// =============================================================================
// ADMINISTRATION
// =============================================================================

// Create registers a new promotion. Admin only.
func (t *Tracker) Create(ctx context.Context, actor engine.Actor, p engine.Promotion) (*engine.Promotion, error) {
	if !actor.IsAdmin() {
		return nil, engine.ErrForbidden
	}
	if p.ID == "" {
		p.ID = engine.PromotionID(uuid.NewString())
	}
	if p.Target <= 0 {
		return nil, fmt.Errorf("promotion target must be positive: %w", engine.ErrInvalidFormat)
	}
	if p.EndDate.Before(p.StartDate) {
		return nil, fmt.Errorf("promotion window ends before it starts: %w", engine.ErrInvalidFormat)
	}
	p.CreatedAt = t.now()
	if err := t.Store.SavePromotion(ctx, p); err != nil {
		return nil, err
	}
	return &p, nil
}

// List returns all promotions.
func (t *Tracker) List(ctx context.Context) ([]engine.Promotion, error) {
	return t.Store.ListPromotions(ctx)
}

// =============================================================================
// JOIN
// =============================================================================

// Join enrolls an installer in a promotion. Preconditions, each with its
// own typed failure:
//   - promotion window active         (ErrPromotionNotActive)
//   - not already a participant       (ErrAlreadyJoined)
//   - count >= minimum                (ErrBelowMinimum)
//   - not in the exclusion set        (ErrExcluded)
//   - participant count below any cap (ErrCapacityReached)
func (t *Tracker) Join(ctx context.Context, actor engine.Actor, promoID engine.PromotionID, installerID engine.InstallerID) (*engine.PromotionParticipation, error) {
	if !actor.IsAdmin() && !actor.Is(installerID) {
		return nil, engine.ErrForbidden
	}

	now := t.now()
	var pp engine.PromotionParticipation

	err := t.Store.WithTx(ctx, func(tx engine.Store) error {
		promo, err := tx.GetPromotion(ctx, promoID)
		if err != nil {
			return &engine.IntegrityError{Op: "load promotion", Cause: err}
		}
		if promo == nil {
			return &engine.NotFoundError{Kind: "promotion", ID: string(promoID)}
		}

		if !promo.ActiveAt(now) {
			return engine.ErrPromotionNotActive
		}
		if promo.ExcludesInstaller(installerID) {
			return engine.ErrExcluded
		}

		count, err := tx.CountEntries(ctx, installerID)
		if err != nil {
			return &engine.IntegrityError{Op: "count equipment", Cause: err}
		}
		if count < promo.MinExistingInverters {
			return fmt.Errorf("have %d of %d required units: %w",
				count, promo.MinExistingInverters, engine.ErrBelowMinimum)
		}

		if promo.MaxParticipants > 0 {
			participants, err := tx.ParticipationCount(ctx, promoID)
			if err != nil {
				return &engine.IntegrityError{Op: "count participants", Cause: err}
			}
			if participants >= promo.MaxParticipants {
				return engine.ErrCapacityReached
			}
		}

		pp = engine.PromotionParticipation{
			PromotionID:     promoID,
			InstallerID:     installerID,
			JoinedAt:        now,
			CurrentProgress: count,
		}
		// Duplicate joins bounce off the store's uniqueness constraint.
		return tx.InsertParticipation(ctx, pp)
	})
	if err != nil {
		return nil, err
	}

	t.Log.Info().
		Str("promotion", string(promoID)).
		Str("installer", string(installerID)).
		Int("progress", pp.CurrentProgress).
		Msg("installer joined promotion")
	return &pp, nil
}

// =============================================================================
// PROGRESS SYNC (append hook)
// =============================================================================

// SyncProgress updates every active participation of the installer to the
// absolute equipment count and fires completion bonuses. Safe to call
// redundantly: the completion latch flips at most once per participation.
func (t *Tracker) SyncProgress(ctx context.Context, installerID engine.InstallerID, newCount int) {
	participations, err := t.Store.ParticipationsByInstaller(ctx, installerID)
	if err != nil {
		t.Log.Error().Err(err).Str("installer", string(installerID)).Msg("failed to load participations")
		return
	}

	now := t.now()
	for _, pp := range participations {
		if pp.Completed {
			continue
		}

		promo, err := t.Store.GetPromotion(ctx, pp.PromotionID)
		if err != nil || promo == nil {
			t.Log.Error().Err(err).Str("promotion", string(pp.PromotionID)).Msg("failed to load promotion")
			continue
		}
		if !promo.ActiveAt(now) {
			continue
		}

		// Progress write, completion latch, and bonus insert share one
		// transaction: a failed insert rolls the latch back so the next
		// append retries instead of losing the bonus.
		completed := false
		err = t.Store.WithTx(ctx, func(tx engine.Store) error {
			if err := tx.UpdateProgress(ctx, pp.PromotionID, installerID, newCount); err != nil {
				return err
			}
			if newCount < promo.Target {
				return nil
			}
			latched, err := tx.CompleteParticipation(ctx, pp.PromotionID, installerID, now)
			if err != nil {
				return err
			}
			if !latched {
				// Another sync already completed it; no second bonus.
				return nil
			}
			if _, err := t.Payments.CreateBonusIn(ctx, tx, installerID, engine.OriginPromotion, promo.BonusAmount, string(promo.ID)); err != nil {
				return err
			}
			completed = true
			return nil
		})
		if err != nil {
			t.Log.Error().Err(err).
				Str("promotion", string(pp.PromotionID)).
				Str("installer", string(installerID)).
				Msg("promotion progress sync failed; will retry on next append")
			continue
		}
		if !completed {
			continue
		}

		t.Log.Info().
			Str("promotion", string(pp.PromotionID)).
			Str("installer", string(installerID)).
			Int("count", newCount).
			Msg("promotion completed, bonus issued")
	}
}

// Hook adapts the tracker to the ledger's append hook signature.
func (t *Tracker) Hook() ledger.AppendHook {
	return func(ctx context.Context, id engine.InstallerID, newCount int) {
		t.SyncProgress(ctx, id, newCount)
	}
}

// Participations returns an installer's promotion rows.
func (t *Tracker) Participations(ctx context.Context, actor engine.Actor, id engine.InstallerID) ([]engine.PromotionParticipation, error) {
	if !actor.IsAdmin() && !actor.Is(id) {
		return nil, engine.ErrForbidden
	}
	return t.Store.ParticipationsByInstaller(ctx, id)
}

// IsCompleted reports whether the (promotion, installer) latch is set.
func (t *Tracker) IsCompleted(ctx context.Context, promoID engine.PromotionID, installerID engine.InstallerID) (bool, error) {
	pp, err := t.Store.GetParticipation(ctx, promoID, installerID)
	if err != nil {
		return false, &engine.IntegrityError{Op: "load participation", Cause: err}
	}
	if pp == nil {
		return false, &engine.NotFoundError{Kind: "participation", ID: fmt.Sprintf("%s/%s", promoID, installerID)}
	}
	return pp.Completed, nil
}

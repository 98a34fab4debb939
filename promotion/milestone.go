/*
milestone.go - Fixed-count milestone detector

PURPOSE:
  Watches the equipment-count trajectory and issues a one-time bonus
  payment request when a configured boundary is crossed. The deployed
  configuration uses a single boundary of 10 units - the legacy trigger,
  independent of the points-based eligibility threshold.

IDEMPOTENCY:
  Fired boundaries are tracked per installer with a conditional insert.
  Crossing the same boundary twice (retraction then re-claim) marks fired
  only on the first crossing, so no duplicate bonus requests exist.
*/
package promotion

import (
	"context"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/solara/loyalty-engine/engine"
	"github.com/solara/loyalty-engine/ledger"
	"github.com/solara/loyalty-engine/payment"
)

// MilestoneDetector issues one-time bonuses at configured equipment counts.
type MilestoneDetector struct {
	Store    engine.TxStore
	Payments *payment.Service
	Config   engine.Config
	Log      zerolog.Logger
}

func NewMilestoneDetector(store engine.TxStore, payments *payment.Service, cfg engine.Config, log zerolog.Logger) *MilestoneDetector {
	return &MilestoneDetector{Store: store, Payments: payments, Config: cfg, Log: log}
}

// OnAppend checks every configured boundary against the new count and
// issues the bonus for each boundary this installer has newly reached.
// The fired-latch flip and the bonus insert share one transaction: if the
// insert fails the latch rolls back and the next append retries.
func (d *MilestoneDetector) OnAppend(ctx context.Context, id engine.InstallerID, newCount int) {
	for _, boundary := range d.Config.MilestoneBoundaries {
		if newCount < boundary {
			continue
		}

		issued := false
		err := d.Store.WithTx(ctx, func(tx engine.Store) error {
			fired, err := tx.MarkMilestoneFired(ctx, id, boundary)
			if err != nil {
				return err
			}
			if !fired {
				return nil
			}
			// Reference carries the boundary for audit.
			if _, err := d.Payments.CreateBonusIn(ctx, tx, id, engine.OriginMilestone, d.Config.MilestoneBonus, strconv.Itoa(boundary)); err != nil {
				return err
			}
			issued = true
			return nil
		})
		if err != nil {
			d.Log.Error().Err(err).
				Str("installer", string(id)).
				Int("boundary", boundary).
				Msg("milestone bonus not issued; will retry on next append")
			continue
		}
		if !issued {
			continue
		}

		d.Log.Info().
			Str("installer", string(id)).
			Int("boundary", boundary).
			Msg("milestone bonus issued")
	}
}

// Hook adapts the detector to the ledger's append hook signature.
func (d *MilestoneDetector) Hook() ledger.AppendHook {
	return func(ctx context.Context, id engine.InstallerID, newCount int) {
		d.OnAppend(ctx, id, newCount)
	}
}

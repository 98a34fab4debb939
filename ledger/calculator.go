/*
calculator.go - Points balance derivation

PURPOSE:
  Derives an installer's balance entirely from the ledger and the open
  payment requests:

    earned    = sum(pointsAwarded) over ledger entries
    reserved  = sum(pointsReserved) over {pending, approved} requests
    spent     = sum(pointsReserved) over paid requests
    available = earned - reserved - spent
    eligible  = earned >= eligibility threshold

  Paying a request moves its points from reserved to spent; they never
  return to available. A retraction after a payout can drive available
  negative, which is reported as-is.

  The cached installer fields are a memoized view of this computation.
  Recompute is idempotent: running it after any sequence of appends and
  retractions always yields the same result as the incremental cache.

CACHE DISCIPLINE:
  - Every ledger mutation calls Recompute inside the SAME store
    transaction, so a crash between append and recompute is invisible.
  - Reads that care (Verify) compare the cache against a fresh derivation;
    a mismatch is an integrity event: logged in full, self-healed by
    persisting the recomputed values, never surfaced to the caller.

SEE ALSO:
  - service.go: calls Recompute after claim/retraction
  - payment/service.go: consumes Balance inside its create transaction
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/solara/loyalty-engine/engine"
)

// Calculator derives balances and maintains the installer cache.
type Calculator struct {
	Config engine.Config
	Log    zerolog.Logger
}

func NewCalculator(cfg engine.Config, log zerolog.Logger) *Calculator {
	return &Calculator{Config: cfg, Log: log}
}

// Balance derives the full points view for one installer. The store passed
// in may be a transactional view; callers that need the read to be
// consistent with a write (request creation) pass the in-transaction store.
func (c *Calculator) Balance(ctx context.Context, s engine.Store, id engine.InstallerID) (*engine.Balance, error) {
	earned, err := s.SumPoints(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to sum ledger points: %w", err)
	}
	reserved, err := s.ReservedPoints(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to sum reserved points: %w", err)
	}
	spent, err := s.SpentPoints(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to sum spent points: %w", err)
	}

	return &engine.Balance{
		InstallerID: id,
		Earned:      earned,
		Reserved:    reserved,
		Available:   earned - reserved - spent,
		Spent:       spent,
		Eligible:    earned >= c.Config.EligibilityThreshold,
	}, nil
}

// Recompute re-derives the cached installer fields from the ledger and
// persists them. Called after every ledger mutation, inside the mutation's
// transaction.
func (c *Calculator) Recompute(ctx context.Context, s engine.Store, id engine.InstallerID) (*engine.InstallerDerived, error) {
	earned, err := s.SumPoints(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to sum ledger points: %w", err)
	}
	count, err := s.CountEntries(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to count ledger entries: %w", err)
	}

	derived := engine.InstallerDerived{
		InstallerID:    id,
		TotalPoints:    earned,
		TotalInverters: count,
		Eligible:       earned >= c.Config.EligibilityThreshold,
		RecomputedAt:   time.Now().UTC(),
	}
	if err := s.SaveDerived(ctx, derived); err != nil {
		return nil, fmt.Errorf("failed to save derived fields: %w", err)
	}
	return &derived, nil
}

// Verify compares the cached fields against a fresh derivation. On drift it
// logs the mismatch and self-heals by persisting the recomputed values; the
// recomputed (trustworthy) view is always returned.
func (c *Calculator) Verify(ctx context.Context, s engine.Store, id engine.InstallerID) (*engine.InstallerDerived, error) {
	cached, err := s.GetDerived(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load derived fields: %w", err)
	}

	fresh, err := c.Recompute(ctx, s, id)
	if err != nil {
		return nil, err
	}

	if cached != nil && (cached.TotalPoints != fresh.TotalPoints ||
		cached.TotalInverters != fresh.TotalInverters ||
		cached.Eligible != fresh.Eligible) {
		c.Log.Error().
			Str("installer", string(id)).
			Int64("cached_points", cached.TotalPoints).
			Int64("actual_points", fresh.TotalPoints).
			Int("cached_inverters", cached.TotalInverters).
			Int("actual_inverters", fresh.TotalInverters).
			Msg("derived installer fields drifted from ledger; self-healed")
	}

	return fresh, nil
}

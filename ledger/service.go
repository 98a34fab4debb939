/*
Package ledger implements the serial admission pool and the equipment ledger.

PURPOSE:
  Admits pre-approved serial numbers into installers' point balances exactly
  once. The flow is:

    admin admits serial  ->  pool entry (unclaimed)
    installer registers  ->  atomic claim + ledger append + cache recompute
    (<= retraction window) release -> delete entry + reopen serial + recompute

CLAIM ATOMICITY:
  The claim is a single conditional store update ("claim iff unclaimed").
  Two concurrent registrations of the same serial yield exactly one ledger
  entry and one ErrAlreadyClaimed. Claim, append, and the derived-field
  recompute run inside one store transaction so no partial state survives a
  failure between them.

POINT FREEZING:
  The matched product's point value is read from the catalog once, at claim
  time, and copied into the ledger entry. Later catalog revaluation does not
  touch existing entries.

APPEND HOOKS:
  After a successful (committed) claim, registered hooks receive the
  installer's new equipment count. The promotion tracker and milestone
  detector hang off this single call site, which is what makes bonus
  issuance idempotent and centralized.

SEE ALSO:
  - calculator.go: balance derivation and cache recompute
  - promotion/tracker.go, promotion/milestone.go: the hooks
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/solara/loyalty-engine/engine"
	"github.com/solara/loyalty-engine/metrics"
)

// AppendHook runs after a committed ledger append with the installer's new
// equipment count. Hooks must tolerate redundant invocations for the same
// count.
type AppendHook func(ctx context.Context, id engine.InstallerID, newCount int)

// Service owns the serial admission pool and the equipment ledger.
type Service struct {
	Store   engine.TxStore
	Catalog engine.Catalog
	Config  engine.Config
	Calc    *Calculator
	Log     zerolog.Logger

	hooks []AppendHook

	// now is swappable for tests.
	now func() time.Time
}

func NewService(store engine.TxStore, catalog engine.Catalog, cfg engine.Config, calc *Calculator, log zerolog.Logger) *Service {
	return &Service{
		Store:   store,
		Catalog: catalog,
		Config:  cfg,
		Calc:    calc,
		Log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// OnAppend registers a hook invoked after every successful claim.
func (s *Service) OnAppend(h AppendHook) {
	s.hooks = append(s.hooks, h)
}

// =============================================================================
// ADMISSION (admin)
// =============================================================================

// Admit pre-approves a serial so an installer can later register it. The
// serial must match a catalog product; the match is recorded on the pool
// entry. Admin only.
func (s *Service) Admit(ctx context.Context, actor engine.Actor, rawSerial string) (*engine.SerialRecord, error) {
	if !actor.IsAdmin() {
		return nil, engine.ErrForbidden
	}

	serial := engine.NormalizeSerial(rawSerial)
	if !serial.Valid() {
		return nil, fmt.Errorf("serial %q: %w", rawSerial, engine.ErrInvalidFormat)
	}

	product, err := s.Catalog.MatchProduct(ctx, serial)
	if err != nil {
		return nil, &engine.IntegrityError{Op: "admit serial", Cause: err}
	}
	if product == nil {
		return nil, fmt.Errorf("serial %s: %w", serial, engine.ErrNoMatchingProduct)
	}

	rec := engine.SerialRecord{
		SerialNumber: serial,
		ProductID:    product.ID,
		CreatedAt:    s.now(),
	}
	if err := s.Store.AdmitSerial(ctx, rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Pool lists the unclaimed admission pool.
func (s *Service) Pool(ctx context.Context, actor engine.Actor) ([]engine.SerialRecord, error) {
	if !actor.IsAdmin() {
		return nil, engine.ErrForbidden
	}
	return s.Store.UnclaimedSerials(ctx)
}

// =============================================================================
// REGISTRATION (claim)
// =============================================================================

// RegisterSerial claims a serial for an installer and credits the matched
// product's points to their ledger. Installers may only register for
// themselves; admins may register on anyone's behalf.
func (s *Service) RegisterSerial(
	ctx context.Context,
	actor engine.Actor,
	installerID engine.InstallerID,
	rawSerial string,
	installedAt time.Time,
	location string,
) (*engine.LedgerEntry, error) {
	if !actor.IsAdmin() && !actor.Is(installerID) {
		return nil, engine.ErrForbidden
	}

	// Format violations fail before the pool is touched.
	serial := engine.NormalizeSerial(rawSerial)
	if !serial.Valid() {
		return nil, fmt.Errorf("serial %q: %w", rawSerial, engine.ErrInvalidFormat)
	}

	now := s.now()
	if installedAt.After(now) {
		return nil, fmt.Errorf("installed at %s: %w", installedAt.Format(time.RFC3339), engine.ErrInvalidDate)
	}

	var entry engine.LedgerEntry
	var newCount int

	err := s.Store.WithTx(ctx, func(tx engine.Store) error {
		// Atomic conditional claim - the primary concurrency guard.
		if err := tx.ClaimSerial(ctx, serial, installerID, now); err != nil {
			return err
		}

		rec, err := tx.GetSerial(ctx, serial)
		if err != nil {
			return &engine.IntegrityError{Op: "load claimed serial", Cause: err}
		}

		product, err := s.Catalog.Product(ctx, rec.ProductID)
		if err != nil {
			return &engine.IntegrityError{Op: "resolve product", Cause: err}
		}
		if product == nil {
			// Pool entry references a product the catalog no longer knows.
			return &engine.NotFoundError{Kind: "product", ID: string(rec.ProductID)}
		}

		entry = engine.LedgerEntry{
			ID:            uuid.NewString(),
			InstallerID:   installerID,
			SerialNumber:  serial,
			ProductID:     product.ID,
			PointsAwarded: product.Points, // frozen here, never re-read
			InstalledAt:   installedAt,
			Location:      location,
			CreatedAt:     now,
		}
		if err := tx.AppendEntry(ctx, entry); err != nil {
			return err
		}

		derived, err := s.Calc.Recompute(ctx, tx, installerID)
		if err != nil {
			return err
		}
		newCount = derived.TotalInverters
		return nil
	})
	if err != nil {
		if engine.IsConflict(err) {
			metrics.ClaimConflicts.Inc()
		}
		return nil, err
	}

	metrics.SerialsClaimed.Inc()
	s.Log.Info().
		Str("installer", string(installerID)).
		Str("serial", string(serial)).
		Int64("points", entry.PointsAwarded).
		Msg("serial registered")

	// Committed: let the promotion tracker and milestone detector see the
	// new count. Hooks run outside the claim transaction; their own writes
	// are individually idempotent.
	for _, h := range s.hooks {
		h(ctx, installerID, newCount)
	}

	return &entry, nil
}

// =============================================================================
// RETRACTION (release)
// =============================================================================

// Release retracts a claim within the retraction window. Only the claiming
// installer or an admin may release. The ledger entry is deleted, the pool
// entry reopened, and the balance recomputed - all in one transaction.
func (s *Service) Release(ctx context.Context, actor engine.Actor, rawSerial string) error {
	serial := engine.NormalizeSerial(rawSerial)
	if !serial.Valid() {
		return fmt.Errorf("serial %q: %w", rawSerial, engine.ErrInvalidFormat)
	}

	now := s.now()

	err := s.Store.WithTx(ctx, func(tx engine.Store) error {
		rec, err := tx.GetSerial(ctx, serial)
		if err != nil {
			return &engine.IntegrityError{Op: "load serial", Cause: err}
		}
		if rec == nil || !rec.Claimed {
			return &engine.NotFoundError{Kind: "claimed serial", ID: string(serial)}
		}

		if !actor.IsAdmin() && !actor.Is(rec.ClaimedBy) {
			return engine.ErrForbidden
		}
		if rec.ClaimedAt == nil || now.Sub(*rec.ClaimedAt) > s.Config.RetractionWindow {
			return engine.ErrRetractionWindowClosed
		}

		if err := tx.DeleteEntryBySerial(ctx, serial); err != nil {
			return err
		}
		if err := tx.ReleaseSerial(ctx, serial); err != nil {
			return err
		}
		_, err = s.Calc.Recompute(ctx, tx, rec.ClaimedBy)
		return err
	})
	if err != nil {
		return err
	}

	metrics.SerialsReleased.Inc()
	s.Log.Info().Str("serial", string(serial)).Msg("serial claim retracted")
	return nil
}

// =============================================================================
// READS
// =============================================================================

// Balance returns the derived points view, verifying (and self-healing) the
// installer cache on the way.
func (s *Service) Balance(ctx context.Context, id engine.InstallerID) (*engine.Balance, error) {
	if _, err := s.Calc.Verify(ctx, s.Store, id); err != nil {
		return nil, err
	}
	return s.Calc.Balance(ctx, s.Store, id)
}

// Entries returns the installer's equipment ledger.
func (s *Service) Entries(ctx context.Context, id engine.InstallerID) ([]engine.LedgerEntry, error) {
	return s.Store.EntriesByInstaller(ctx, id)
}

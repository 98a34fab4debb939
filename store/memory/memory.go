/*
Package memory provides an in-memory engine.TxStore for unit tests.

PURPOSE:
  Fast, dependency-free store with the same semantics as store/sqlite:
  the conditional claim, the one-open-request guard, the completion and
  milestone latches. Service tests that do not exercise SQL use this.

TRANSACTIONS:
  WithTx snapshots every map before running fn and restores the snapshot
  if fn fails. One mutex serializes everything; there is no concurrent
  transaction support, which is fine for tests.

SEE ALSO:
  - engine/store.go: interface contracts
  - store/sqlite: production implementation
*/
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/solara/loyalty-engine/engine"
)

// Store implements engine.TxStore in memory.
type Store struct {
	mu sync.Mutex
	st state
}

type milestoneKey struct {
	installer engine.InstallerID
	boundary  int
}

type participationKey struct {
	promo     engine.PromotionID
	installer engine.InstallerID
}

type state struct {
	serials        map[engine.SerialNumber]engine.SerialRecord
	entries        map[engine.SerialNumber]engine.LedgerEntry
	derived        map[engine.InstallerID]engine.InstallerDerived
	requests       map[engine.RequestID]engine.PaymentRequest
	comments       map[engine.RequestID][]engine.RequestComment
	receipts       map[engine.RequestID][]engine.Receipt
	promotions     map[engine.PromotionID]engine.Promotion
	participations map[participationKey]engine.PromotionParticipation
	milestones     map[milestoneKey]time.Time
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{st: newState()}
}

func newState() state {
	return state{
		serials:        make(map[engine.SerialNumber]engine.SerialRecord),
		entries:        make(map[engine.SerialNumber]engine.LedgerEntry),
		derived:        make(map[engine.InstallerID]engine.InstallerDerived),
		requests:       make(map[engine.RequestID]engine.PaymentRequest),
		comments:       make(map[engine.RequestID][]engine.RequestComment),
		receipts:       make(map[engine.RequestID][]engine.Receipt),
		promotions:     make(map[engine.PromotionID]engine.Promotion),
		participations: make(map[participationKey]engine.PromotionParticipation),
		milestones:     make(map[milestoneKey]time.Time),
	}
}

func (s state) clone() state {
	c := newState()
	for k, v := range s.serials {
		c.serials[k] = v
	}
	for k, v := range s.entries {
		c.entries[k] = v
	}
	for k, v := range s.derived {
		c.derived[k] = v
	}
	for k, v := range s.requests {
		c.requests[k] = v
	}
	for k, v := range s.comments {
		c.comments[k] = append([]engine.RequestComment(nil), v...)
	}
	for k, v := range s.receipts {
		c.receipts[k] = append([]engine.Receipt(nil), v...)
	}
	for k, v := range s.promotions {
		c.promotions[k] = v
	}
	for k, v := range s.participations {
		c.participations[k] = v
	}
	for k, v := range s.milestones {
		c.milestones[k] = v
	}
	return c
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx runs fn against the live state, restoring a pre-call snapshot if
// fn fails.
func (s *Store) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(&txView{st: &s.st}); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

// txView exposes the live state without re-locking.
type txView struct {
	st *state
}

// Every public method locks, then delegates to the same state helpers the
// transactional view uses unlocked.

// =============================================================================
// SERIAL ADMISSION POOL
// =============================================================================

func (s *Store) AdmitSerial(ctx context.Context, rec engine.SerialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.admitSerial(rec)
}

func (t *txView) AdmitSerial(ctx context.Context, rec engine.SerialRecord) error {
	return t.st.admitSerial(rec)
}

func (st *state) admitSerial(rec engine.SerialRecord) error {
	if _, ok := st.serials[rec.SerialNumber]; ok {
		return &engine.AlreadyClaimedError{SerialNumber: rec.SerialNumber}
	}
	st.serials[rec.SerialNumber] = rec
	return nil
}

func (s *Store) GetSerial(ctx context.Context, sn engine.SerialNumber) (*engine.SerialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getSerial(sn)
}

func (t *txView) GetSerial(ctx context.Context, sn engine.SerialNumber) (*engine.SerialRecord, error) {
	return t.st.getSerial(sn)
}

func (st *state) getSerial(sn engine.SerialNumber) (*engine.SerialRecord, error) {
	rec, ok := st.serials[sn]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *Store) ClaimSerial(ctx context.Context, sn engine.SerialNumber, by engine.InstallerID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.claimSerial(sn, by, at)
}

func (t *txView) ClaimSerial(ctx context.Context, sn engine.SerialNumber, by engine.InstallerID, at time.Time) error {
	return t.st.claimSerial(sn, by, at)
}

func (st *state) claimSerial(sn engine.SerialNumber, by engine.InstallerID, at time.Time) error {
	rec, ok := st.serials[sn]
	if !ok {
		return &engine.NotFoundError{Kind: "serial", ID: string(sn)}
	}
	if rec.Claimed {
		return &engine.AlreadyClaimedError{
			SerialNumber: sn,
			ClaimedBy:    rec.ClaimedBy,
			ClaimedAt:    rec.ClaimedAt,
		}
	}
	rec.Claimed = true
	rec.ClaimedBy = by
	claimedAt := at
	rec.ClaimedAt = &claimedAt
	st.serials[sn] = rec
	return nil
}

func (s *Store) ReleaseSerial(ctx context.Context, sn engine.SerialNumber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.releaseSerial(sn)
}

func (t *txView) ReleaseSerial(ctx context.Context, sn engine.SerialNumber) error {
	return t.st.releaseSerial(sn)
}

func (st *state) releaseSerial(sn engine.SerialNumber) error {
	rec, ok := st.serials[sn]
	if !ok || !rec.Claimed {
		return &engine.NotFoundError{Kind: "claimed serial", ID: string(sn)}
	}
	rec.Claimed = false
	rec.ClaimedBy = ""
	rec.ClaimedAt = nil
	st.serials[sn] = rec
	return nil
}

func (s *Store) UnclaimedSerials(ctx context.Context) ([]engine.SerialRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.unclaimedSerials()
}

func (t *txView) UnclaimedSerials(ctx context.Context) ([]engine.SerialRecord, error) {
	return t.st.unclaimedSerials()
}

func (st *state) unclaimedSerials() ([]engine.SerialRecord, error) {
	var recs []engine.SerialRecord
	for _, rec := range st.serials {
		if !rec.Claimed {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
	return recs, nil
}

// =============================================================================
// EQUIPMENT LEDGER
// =============================================================================

func (s *Store) AppendEntry(ctx context.Context, e engine.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.appendEntry(e)
}

func (t *txView) AppendEntry(ctx context.Context, e engine.LedgerEntry) error {
	return t.st.appendEntry(e)
}

func (st *state) appendEntry(e engine.LedgerEntry) error {
	if _, ok := st.entries[e.SerialNumber]; ok {
		return &engine.AlreadyClaimedError{SerialNumber: e.SerialNumber}
	}
	st.entries[e.SerialNumber] = e
	return nil
}

func (s *Store) DeleteEntryBySerial(ctx context.Context, sn engine.SerialNumber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.deleteEntry(sn)
}

func (t *txView) DeleteEntryBySerial(ctx context.Context, sn engine.SerialNumber) error {
	return t.st.deleteEntry(sn)
}

func (st *state) deleteEntry(sn engine.SerialNumber) error {
	if _, ok := st.entries[sn]; !ok {
		return &engine.NotFoundError{Kind: "ledger entry", ID: string(sn)}
	}
	delete(st.entries, sn)
	return nil
}

func (s *Store) EntryBySerial(ctx context.Context, sn engine.SerialNumber) (*engine.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.entryBySerial(sn)
}

func (t *txView) EntryBySerial(ctx context.Context, sn engine.SerialNumber) (*engine.LedgerEntry, error) {
	return t.st.entryBySerial(sn)
}

func (st *state) entryBySerial(sn engine.SerialNumber) (*engine.LedgerEntry, error) {
	e, ok := st.entries[sn]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *Store) EntriesByInstaller(ctx context.Context, id engine.InstallerID) ([]engine.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.entriesByInstaller(id)
}

func (t *txView) EntriesByInstaller(ctx context.Context, id engine.InstallerID) ([]engine.LedgerEntry, error) {
	return t.st.entriesByInstaller(id)
}

func (st *state) entriesByInstaller(id engine.InstallerID) ([]engine.LedgerEntry, error) {
	var entries []engine.LedgerEntry
	for _, e := range st.entries {
		if e.InstallerID == id {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, nil
}

func (s *Store) SumPoints(ctx context.Context, id engine.InstallerID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.sumPoints(id)
}

func (t *txView) SumPoints(ctx context.Context, id engine.InstallerID) (int64, error) {
	return t.st.sumPoints(id)
}

func (st *state) sumPoints(id engine.InstallerID) (int64, error) {
	var sum int64
	for _, e := range st.entries {
		if e.InstallerID == id {
			sum += e.PointsAwarded
		}
	}
	return sum, nil
}

func (s *Store) CountEntries(ctx context.Context, id engine.InstallerID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.countEntries(id)
}

func (t *txView) CountEntries(ctx context.Context, id engine.InstallerID) (int, error) {
	return t.st.countEntries(id)
}

func (st *state) countEntries(id engine.InstallerID) (int, error) {
	count := 0
	for _, e := range st.entries {
		if e.InstallerID == id {
			count++
		}
	}
	return count, nil
}

// =============================================================================
// INSTALLER DERIVED FIELDS
// =============================================================================

func (s *Store) SaveDerived(ctx context.Context, d engine.InstallerDerived) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.derived[d.InstallerID] = d
	return nil
}

func (t *txView) SaveDerived(ctx context.Context, d engine.InstallerDerived) error {
	t.st.derived[d.InstallerID] = d
	return nil
}

func (s *Store) GetDerived(ctx context.Context, id engine.InstallerID) (*engine.InstallerDerived, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getDerived(id)
}

func (t *txView) GetDerived(ctx context.Context, id engine.InstallerID) (*engine.InstallerDerived, error) {
	return t.st.getDerived(id)
}

func (st *state) getDerived(id engine.InstallerID) (*engine.InstallerDerived, error) {
	d, ok := st.derived[id]
	if !ok {
		return nil, nil
	}
	return &d, nil
}

// =============================================================================
// PAYMENT REQUESTS
// =============================================================================

func (s *Store) InsertRequest(ctx context.Context, r engine.PaymentRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.insertRequest(r)
}

func (t *txView) InsertRequest(ctx context.Context, r engine.PaymentRequest) error {
	return t.st.insertRequest(r)
}

func (st *state) insertRequest(r engine.PaymentRequest) error {
	if r.Status == engine.StatusPending && r.Origin.InstallerInitiated() {
		open, _ := st.hasOpenRedemption(r.InstallerID)
		if open {
			return engine.ErrDuplicatePendingRequest
		}
	}
	st.requests[r.ID] = r
	return nil
}

func (s *Store) UpdateRequest(ctx context.Context, r engine.PaymentRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.updateRequest(r)
}

func (t *txView) UpdateRequest(ctx context.Context, r engine.PaymentRequest) error {
	return t.st.updateRequest(r)
}

func (st *state) updateRequest(r engine.PaymentRequest) error {
	prev, ok := st.requests[r.ID]
	if !ok {
		return &engine.NotFoundError{Kind: "payment request", ID: string(r.ID)}
	}
	// Emulates the partial unique index when a request re-enters pending.
	if r.Status == engine.StatusPending && prev.Status != engine.StatusPending &&
		r.Origin.InstallerInitiated() {
		open, _ := st.hasOpenRedemption(r.InstallerID)
		if open {
			return engine.ErrDuplicatePendingRequest
		}
	}
	st.requests[r.ID] = r
	return nil
}

func (s *Store) GetRequest(ctx context.Context, id engine.RequestID) (*engine.PaymentRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getRequest(id)
}

func (t *txView) GetRequest(ctx context.Context, id engine.RequestID) (*engine.PaymentRequest, error) {
	return t.st.getRequest(id)
}

func (st *state) getRequest(id engine.RequestID) (*engine.PaymentRequest, error) {
	r, ok := st.requests[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *Store) RequestsByInstaller(ctx context.Context, id engine.InstallerID) ([]engine.PaymentRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.requestsByInstaller(id)
}

func (t *txView) RequestsByInstaller(ctx context.Context, id engine.InstallerID) ([]engine.PaymentRequest, error) {
	return t.st.requestsByInstaller(id)
}

func (st *state) requestsByInstaller(id engine.InstallerID) ([]engine.PaymentRequest, error) {
	var reqs []engine.PaymentRequest
	for _, r := range st.requests {
		if r.InstallerID == id {
			reqs = append(reqs, r)
		}
	}
	sort.Slice(reqs, func(i, j int) bool {
		return reqs[i].CreatedAt.After(reqs[j].CreatedAt)
	})
	return reqs, nil
}

func (s *Store) PendingRequests(ctx context.Context) ([]engine.PaymentRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.pendingRequests()
}

func (t *txView) PendingRequests(ctx context.Context) ([]engine.PaymentRequest, error) {
	return t.st.pendingRequests()
}

func (st *state) pendingRequests() ([]engine.PaymentRequest, error) {
	var reqs []engine.PaymentRequest
	for _, r := range st.requests {
		if r.Status == engine.StatusPending {
			reqs = append(reqs, r)
		}
	}
	sort.Slice(reqs, func(i, j int) bool {
		return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
	})
	return reqs, nil
}

func (s *Store) ReservedPoints(ctx context.Context, id engine.InstallerID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.reservedPoints(id)
}

func (t *txView) ReservedPoints(ctx context.Context, id engine.InstallerID) (int64, error) {
	return t.st.reservedPoints(id)
}

func (st *state) reservedPoints(id engine.InstallerID) (int64, error) {
	var sum int64
	for _, r := range st.requests {
		if r.InstallerID == id && r.Status.Reserves() {
			sum += r.PointsReserved
		}
	}
	return sum, nil
}

func (s *Store) SpentPoints(ctx context.Context, id engine.InstallerID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.spentPoints(id)
}

func (t *txView) SpentPoints(ctx context.Context, id engine.InstallerID) (int64, error) {
	return t.st.spentPoints(id)
}

func (st *state) spentPoints(id engine.InstallerID) (int64, error) {
	var sum int64
	for _, r := range st.requests {
		if r.InstallerID == id && r.Status == engine.StatusPaid {
			sum += r.PointsReserved
		}
	}
	return sum, nil
}

func (s *Store) HasOpenRedemption(ctx context.Context, id engine.InstallerID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.hasOpenRedemption(id)
}

func (t *txView) HasOpenRedemption(ctx context.Context, id engine.InstallerID) (bool, error) {
	return t.st.hasOpenRedemption(id)
}

func (st *state) hasOpenRedemption(id engine.InstallerID) (bool, error) {
	for _, r := range st.requests {
		if r.InstallerID == id && r.Status == engine.StatusPending && r.Origin.InstallerInitiated() {
			return true, nil
		}
	}
	return false, nil
}

// =============================================================================
// COMMENTS & RECEIPTS
// =============================================================================

func (s *Store) AddComment(ctx context.Context, c engine.RequestComment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.comments[c.RequestID] = append(s.st.comments[c.RequestID], c)
	return nil
}

func (t *txView) AddComment(ctx context.Context, c engine.RequestComment) error {
	t.st.comments[c.RequestID] = append(t.st.comments[c.RequestID], c)
	return nil
}

func (s *Store) CommentsByRequest(ctx context.Context, id engine.RequestID) ([]engine.RequestComment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]engine.RequestComment(nil), s.st.comments[id]...), nil
}

func (t *txView) CommentsByRequest(ctx context.Context, id engine.RequestID) ([]engine.RequestComment, error) {
	return append([]engine.RequestComment(nil), t.st.comments[id]...), nil
}

func (s *Store) AddReceipt(ctx context.Context, r engine.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.receipts[r.RequestID] = append(s.st.receipts[r.RequestID], r)
	return nil
}

func (t *txView) AddReceipt(ctx context.Context, r engine.Receipt) error {
	t.st.receipts[r.RequestID] = append(t.st.receipts[r.RequestID], r)
	return nil
}

func (s *Store) ReceiptsByRequest(ctx context.Context, id engine.RequestID) ([]engine.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]engine.Receipt(nil), s.st.receipts[id]...), nil
}

func (t *txView) ReceiptsByRequest(ctx context.Context, id engine.RequestID) ([]engine.Receipt, error) {
	return append([]engine.Receipt(nil), t.st.receipts[id]...), nil
}

// =============================================================================
// PROMOTIONS
// =============================================================================

func (s *Store) SavePromotion(ctx context.Context, p engine.Promotion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.promotions[p.ID] = p
	return nil
}

func (t *txView) SavePromotion(ctx context.Context, p engine.Promotion) error {
	t.st.promotions[p.ID] = p
	return nil
}

func (s *Store) GetPromotion(ctx context.Context, id engine.PromotionID) (*engine.Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getPromotion(id)
}

func (t *txView) GetPromotion(ctx context.Context, id engine.PromotionID) (*engine.Promotion, error) {
	return t.st.getPromotion(id)
}

func (st *state) getPromotion(id engine.PromotionID) (*engine.Promotion, error) {
	p, ok := st.promotions[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *Store) ListPromotions(ctx context.Context) ([]engine.Promotion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.listPromotions()
}

func (t *txView) ListPromotions(ctx context.Context) ([]engine.Promotion, error) {
	return t.st.listPromotions()
}

func (st *state) listPromotions() ([]engine.Promotion, error) {
	var promos []engine.Promotion
	for _, p := range st.promotions {
		promos = append(promos, p)
	}
	sort.Slice(promos, func(i, j int) bool {
		return promos[i].StartDate.Before(promos[j].StartDate)
	})
	return promos, nil
}

func (s *Store) InsertParticipation(ctx context.Context, pp engine.PromotionParticipation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.insertParticipation(pp)
}

func (t *txView) InsertParticipation(ctx context.Context, pp engine.PromotionParticipation) error {
	return t.st.insertParticipation(pp)
}

func (st *state) insertParticipation(pp engine.PromotionParticipation) error {
	key := participationKey{pp.PromotionID, pp.InstallerID}
	if _, ok := st.participations[key]; ok {
		return engine.ErrAlreadyJoined
	}
	st.participations[key] = pp
	return nil
}

func (s *Store) GetParticipation(ctx context.Context, promo engine.PromotionID, id engine.InstallerID) (*engine.PromotionParticipation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.getParticipation(promo, id)
}

func (t *txView) GetParticipation(ctx context.Context, promo engine.PromotionID, id engine.InstallerID) (*engine.PromotionParticipation, error) {
	return t.st.getParticipation(promo, id)
}

func (st *state) getParticipation(promo engine.PromotionID, id engine.InstallerID) (*engine.PromotionParticipation, error) {
	pp, ok := st.participations[participationKey{promo, id}]
	if !ok {
		return nil, nil
	}
	return &pp, nil
}

func (s *Store) ParticipationsByInstaller(ctx context.Context, id engine.InstallerID) ([]engine.PromotionParticipation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.participationsByInstaller(id)
}

func (t *txView) ParticipationsByInstaller(ctx context.Context, id engine.InstallerID) ([]engine.PromotionParticipation, error) {
	return t.st.participationsByInstaller(id)
}

func (st *state) participationsByInstaller(id engine.InstallerID) ([]engine.PromotionParticipation, error) {
	var pps []engine.PromotionParticipation
	for _, pp := range st.participations {
		if pp.InstallerID == id {
			pps = append(pps, pp)
		}
	}
	sort.Slice(pps, func(i, j int) bool {
		return pps[i].JoinedAt.Before(pps[j].JoinedAt)
	})
	return pps, nil
}

func (s *Store) ParticipationCount(ctx context.Context, promo engine.PromotionID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.participationCount(promo)
}

func (t *txView) ParticipationCount(ctx context.Context, promo engine.PromotionID) (int, error) {
	return t.st.participationCount(promo)
}

func (st *state) participationCount(promo engine.PromotionID) (int, error) {
	count := 0
	for key := range st.participations {
		if key.promo == promo {
			count++
		}
	}
	return count, nil
}

func (s *Store) UpdateProgress(ctx context.Context, promo engine.PromotionID, id engine.InstallerID, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.updateProgress(promo, id, progress)
}

func (t *txView) UpdateProgress(ctx context.Context, promo engine.PromotionID, id engine.InstallerID, progress int) error {
	return t.st.updateProgress(promo, id, progress)
}

func (st *state) updateProgress(promo engine.PromotionID, id engine.InstallerID, progress int) error {
	key := participationKey{promo, id}
	pp, ok := st.participations[key]
	if !ok {
		return nil
	}
	pp.CurrentProgress = progress
	st.participations[key] = pp
	return nil
}

func (s *Store) CompleteParticipation(ctx context.Context, promo engine.PromotionID, id engine.InstallerID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.completeParticipation(promo, id, at)
}

func (t *txView) CompleteParticipation(ctx context.Context, promo engine.PromotionID, id engine.InstallerID, at time.Time) (bool, error) {
	return t.st.completeParticipation(promo, id, at)
}

func (st *state) completeParticipation(promo engine.PromotionID, id engine.InstallerID, at time.Time) (bool, error) {
	key := participationKey{promo, id}
	pp, ok := st.participations[key]
	if !ok || pp.Completed {
		return false, nil
	}
	pp.Completed = true
	completedAt := at
	pp.CompletedAt = &completedAt
	st.participations[key] = pp
	return true, nil
}

// =============================================================================
// MILESTONES
// =============================================================================

func (s *Store) MarkMilestoneFired(ctx context.Context, id engine.InstallerID, boundary int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.markMilestoneFired(id, boundary)
}

func (t *txView) MarkMilestoneFired(ctx context.Context, id engine.InstallerID, boundary int) (bool, error) {
	return t.st.markMilestoneFired(id, boundary)
}

func (st *state) markMilestoneFired(id engine.InstallerID, boundary int) (bool, error) {
	key := milestoneKey{id, boundary}
	if _, ok := st.milestones[key]; ok {
		return false, nil
	}
	st.milestones[key] = time.Now().UTC()
	return true, nil
}

func (s *Store) FiredMilestones(ctx context.Context, id engine.InstallerID) ([]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.firedMilestones(id)
}

func (t *txView) FiredMilestones(ctx context.Context, id engine.InstallerID) ([]int, error) {
	return t.st.firedMilestones(id)
}

func (st *state) firedMilestones(id engine.InstallerID) ([]int, error) {
	var boundaries []int
	for key := range st.milestones {
		if key.installer == id {
			boundaries = append(boundaries, key.boundary)
		}
	}
	sort.Ints(boundaries)
	return boundaries, nil
}

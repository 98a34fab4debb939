/*
Package sqlite provides the SQLite-backed implementation of engine.TxStore.

PURPOSE:
  Implements every persistence interface of the engine using SQLite. The
  same patterns carry to PostgreSQL with minor dialect differences.

INVARIANTS ENFORCED HERE:
  - Single-claim: ClaimSerial is ONE conditional UPDATE
    ("SET claimed=1 ... WHERE claimed=0"). Concurrent claims of the same
    serial produce exactly one affected row.
  - One open installer-initiated request per installer: a partial UNIQUE
    index over payment_requests(installer_id) WHERE status='pending' and
    the origin is installer-initiated.
  - One ledger entry per serial: UNIQUE(serial_number) on ledger_entries,
    a backstop behind the claim flag.
  - One-way latches: CompleteParticipation is a conditional UPDATE
    (completed=0 -> 1), MarkMilestoneFired an INSERT OR IGNORE; both
    report whether THIS call flipped the latch.

KEY TABLES:
  serials:                the admission pool
  ledger_entries:         append-only equipment ledger
  installers:             cached derived fields (materialized view)
  payment_requests:       lifecycle state machine rows
  request_comments,
  request_receipts:       request attachments
  promotions,
  promotion_participants: campaign progress
  milestone_awards:       fired milestone boundaries

WAL MODE:
  Opened with WAL for better concurrency; a sync.RWMutex serializes
  writers in-process. With PostgreSQL, database-level concurrency control
  replaces the mutex.

USAGE:
  store, err := sqlite.New("./data/loyalty.db")   // ":memory:" for tests
  defer store.Close()

SEE ALSO:
  - engine/store.go: interface contracts
  - store/memory: in-memory implementation for service unit tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/solara/loyalty-engine/engine"
)

// Store implements engine.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (and migrates) a SQLite store. Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Serial admission pool
	CREATE TABLE IF NOT EXISTS serials (
		serial_number TEXT PRIMARY KEY,
		product_id TEXT NOT NULL,
		claimed INTEGER NOT NULL DEFAULT 0,
		claimed_by TEXT,
		claimed_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_serials_claimed
		ON serials(claimed);

	-- Equipment ledger (append-only apart from the bounded retraction)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		installer_id TEXT NOT NULL,
		serial_number TEXT NOT NULL UNIQUE,
		product_id TEXT NOT NULL,
		points_awarded INTEGER NOT NULL,
		installed_at TEXT NOT NULL,
		location TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_installer
		ON ledger_entries(installer_id);

	-- Cached derived fields (materialized view of the ledger)
	CREATE TABLE IF NOT EXISTS installers (
		installer_id TEXT PRIMARY KEY,
		total_points INTEGER NOT NULL,
		total_inverters INTEGER NOT NULL,
		eligible INTEGER NOT NULL,
		recomputed_at TEXT NOT NULL
	);

	-- Payment requests
	CREATE TABLE IF NOT EXISTS payment_requests (
		id TEXT PRIMARY KEY,
		installer_id TEXT NOT NULL,
		origin TEXT NOT NULL,
		points_reserved INTEGER NOT NULL DEFAULT 0,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		method TEXT,
		bank_details TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		reference TEXT,
		decided_by TEXT,
		decided_at TEXT,
		rejection_reason TEXT,
		paid_at TEXT,
		transaction_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_requests_installer
		ON payment_requests(installer_id);
	CREATE INDEX IF NOT EXISTS idx_requests_status
		ON payment_requests(status);

	-- CRITICAL: at most one open installer-initiated request per
	-- installer. The atomic backstop behind the create-time check.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_one_open_redemption
		ON payment_requests(installer_id)
		WHERE status = 'pending' AND origin IN ('point_redemption', 'manual');

	CREATE TABLE IF NOT EXISTS request_comments (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		author_id TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_comments_request
		ON request_comments(request_id);

	CREATE TABLE IF NOT EXISTS request_receipts (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL,
		file_name TEXT NOT NULL,
		url TEXT,
		uploaded_by TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_receipts_request
		ON request_receipts(request_id);

	-- Promotions
	CREATE TABLE IF NOT EXISTS promotions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		start_date TEXT NOT NULL,
		end_date TEXT NOT NULL,
		target INTEGER NOT NULL,
		bonus_amount TEXT NOT NULL,
		min_inverters INTEGER NOT NULL DEFAULT 0,
		max_participants INTEGER NOT NULL DEFAULT 0,
		excluded_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS promotion_participants (
		promotion_id TEXT NOT NULL,
		installer_id TEXT NOT NULL,
		joined_at TEXT NOT NULL,
		progress INTEGER NOT NULL DEFAULT 0,
		completed INTEGER NOT NULL DEFAULT 0,
		completed_at TEXT,
		PRIMARY KEY (promotion_id, installer_id)
	);

	CREATE INDEX IF NOT EXISTS idx_participants_installer
		ON promotion_participants(installer_id);

	-- Fired milestone boundaries (idempotency markers)
	CREATE TABLE IF NOT EXISTS milestone_awards (
		installer_id TEXT NOT NULL,
		boundary INTEGER NOT NULL,
		fired_at TEXT NOT NULL,
		PRIMARY KEY (installer_id, boundary)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier abstracts *sql.DB and *sql.Tx so every operation runs unchanged
// inside or outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// TRANSACTIONS (engine.TxStore)
// =============================================================================

// WithTx executes fn within one database transaction, holding the write
// lock for the duration so in-process callers serialize the same way the
// database-level guards would under PostgreSQL.
func (s *Store) WithTx(ctx context.Context, fn func(engine.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{q: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore runs every operation against the open transaction, without
// re-acquiring the store mutex (the parent holds it).
type txStore struct {
	q *sql.Tx
}

// =============================================================================
// SERIAL ADMISSION POOL
// =============================================================================

func (s *Store) AdmitSerial(ctx context.Context, rec engine.SerialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return admitSerial(ctx, s.db, rec)
}

func (t *txStore) AdmitSerial(ctx context.Context, rec engine.SerialRecord) error {
	return admitSerial(ctx, t.q, rec)
}

func admitSerial(ctx context.Context, q querier, rec engine.SerialRecord) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO serials (serial_number, product_id, claimed, created_at)
		VALUES (?, ?, 0, ?)`,
		rec.SerialNumber, rec.ProductID, rec.CreatedAt.Format(time.RFC3339),
	)
	if isUniqueConstraintError(err) {
		return &engine.AlreadyClaimedError{SerialNumber: rec.SerialNumber}
	}
	return err
}

func (s *Store) GetSerial(ctx context.Context, sn engine.SerialNumber) (*engine.SerialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getSerial(ctx, s.db, sn)
}

func (t *txStore) GetSerial(ctx context.Context, sn engine.SerialNumber) (*engine.SerialRecord, error) {
	return getSerial(ctx, t.q, sn)
}

func getSerial(ctx context.Context, q querier, sn engine.SerialNumber) (*engine.SerialRecord, error) {
	row := q.QueryRowContext(ctx, `
		SELECT serial_number, product_id, claimed, claimed_by, claimed_at, created_at
		FROM serials WHERE serial_number = ?`, sn)

	var rec engine.SerialRecord
	var claimedBy, claimedAt sql.NullString
	var createdAt string
	err := row.Scan(&rec.SerialNumber, &rec.ProductID, &rec.Claimed, &claimedBy, &claimedAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rec.ClaimedBy = engine.InstallerID(claimedBy.String)
	rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	if claimedAt.Valid {
		t, _ := time.Parse(time.RFC3339, claimedAt.String)
		rec.ClaimedAt = &t
	}
	return &rec, nil
}

func (s *Store) ClaimSerial(ctx context.Context, sn engine.SerialNumber, by engine.InstallerID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return claimSerial(ctx, s.db, sn, by, at)
}

func (t *txStore) ClaimSerial(ctx context.Context, sn engine.SerialNumber, by engine.InstallerID, at time.Time) error {
	return claimSerial(ctx, t.q, sn, by, at)
}

// claimSerial is the single atomic conditional update the whole engine
// hangs on: claim iff currently unclaimed.
func claimSerial(ctx context.Context, q querier, sn engine.SerialNumber, by engine.InstallerID, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE serials SET claimed = 1, claimed_by = ?, claimed_at = ?
		WHERE serial_number = ? AND claimed = 0`,
		by, at.Format(time.RFC3339), sn,
	)
	if err != nil {
		return fmt.Errorf("failed to claim serial: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	// No row flipped: either the serial is unknown or already claimed.
	rec, err := getSerial(ctx, q, sn)
	if err != nil {
		return err
	}
	if rec == nil {
		return &engine.NotFoundError{Kind: "serial", ID: string(sn)}
	}
	return &engine.AlreadyClaimedError{
		SerialNumber: sn,
		ClaimedBy:    rec.ClaimedBy,
		ClaimedAt:    rec.ClaimedAt,
	}
}

func (s *Store) ReleaseSerial(ctx context.Context, sn engine.SerialNumber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return releaseSerial(ctx, s.db, sn)
}

func (t *txStore) ReleaseSerial(ctx context.Context, sn engine.SerialNumber) error {
	return releaseSerial(ctx, t.q, sn)
}

func releaseSerial(ctx context.Context, q querier, sn engine.SerialNumber) error {
	res, err := q.ExecContext(ctx, `
		UPDATE serials SET claimed = 0, claimed_by = NULL, claimed_at = NULL
		WHERE serial_number = ? AND claimed = 1`, sn)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &engine.NotFoundError{Kind: "claimed serial", ID: string(sn)}
	}
	return nil
}

func (s *Store) UnclaimedSerials(ctx context.Context) ([]engine.SerialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return unclaimedSerials(ctx, s.db)
}

func (t *txStore) UnclaimedSerials(ctx context.Context) ([]engine.SerialRecord, error) {
	return unclaimedSerials(ctx, t.q)
}

func unclaimedSerials(ctx context.Context, q querier) ([]engine.SerialRecord, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT serial_number, product_id, claimed, claimed_by, claimed_at, created_at
		FROM serials WHERE claimed = 0 ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []engine.SerialRecord
	for rows.Next() {
		var rec engine.SerialRecord
		var claimedBy, claimedAt sql.NullString
		var createdAt string
		if err := rows.Scan(&rec.SerialNumber, &rec.ProductID, &rec.Claimed, &claimedBy, &claimedAt, &createdAt); err != nil {
			return nil, err
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// =============================================================================
// EQUIPMENT LEDGER
// =============================================================================

func (s *Store) AppendEntry(ctx context.Context, e engine.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendEntry(ctx, s.db, e)
}

func (t *txStore) AppendEntry(ctx context.Context, e engine.LedgerEntry) error {
	return appendEntry(ctx, t.q, e)
}

func appendEntry(ctx context.Context, q querier, e engine.LedgerEntry) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO ledger_entries
		(id, installer_id, serial_number, product_id, points_awarded, installed_at, location, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.InstallerID, e.SerialNumber, e.ProductID, e.PointsAwarded,
		e.InstalledAt.Format(time.RFC3339), e.Location, e.CreatedAt.Format(time.RFC3339),
	)
	if isUniqueConstraintError(err) {
		return &engine.AlreadyClaimedError{SerialNumber: e.SerialNumber}
	}
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

func (s *Store) DeleteEntryBySerial(ctx context.Context, sn engine.SerialNumber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return deleteEntryBySerial(ctx, s.db, sn)
}

func (t *txStore) DeleteEntryBySerial(ctx context.Context, sn engine.SerialNumber) error {
	return deleteEntryBySerial(ctx, t.q, sn)
}

func deleteEntryBySerial(ctx context.Context, q querier, sn engine.SerialNumber) error {
	res, err := q.ExecContext(ctx, `DELETE FROM ledger_entries WHERE serial_number = ?`, sn)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &engine.NotFoundError{Kind: "ledger entry", ID: string(sn)}
	}
	return nil
}

const ledgerColumns = `id, installer_id, serial_number, product_id, points_awarded, installed_at, location, created_at`

func (s *Store) EntryBySerial(ctx context.Context, sn engine.SerialNumber) (*engine.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return entryBySerial(ctx, s.db, sn)
}

func (t *txStore) EntryBySerial(ctx context.Context, sn engine.SerialNumber) (*engine.LedgerEntry, error) {
	return entryBySerial(ctx, t.q, sn)
}

func entryBySerial(ctx context.Context, q querier, sn engine.SerialNumber) (*engine.LedgerEntry, error) {
	entries, err := queryEntries(ctx, q,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE serial_number = ?`, sn)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func (s *Store) EntriesByInstaller(ctx context.Context, id engine.InstallerID) ([]engine.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return entriesByInstaller(ctx, s.db, id)
}

func (t *txStore) EntriesByInstaller(ctx context.Context, id engine.InstallerID) ([]engine.LedgerEntry, error) {
	return entriesByInstaller(ctx, t.q, id)
}

func entriesByInstaller(ctx context.Context, q querier, id engine.InstallerID) ([]engine.LedgerEntry, error) {
	return queryEntries(ctx, q,
		`SELECT `+ledgerColumns+` FROM ledger_entries
		 WHERE installer_id = ? ORDER BY created_at ASC`, id)
}

func queryEntries(ctx context.Context, q querier, query string, args ...any) ([]engine.LedgerEntry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []engine.LedgerEntry
	for rows.Next() {
		var e engine.LedgerEntry
		var installedAt, createdAt string
		var location sql.NullString
		if err := rows.Scan(&e.ID, &e.InstallerID, &e.SerialNumber, &e.ProductID,
			&e.PointsAwarded, &installedAt, &location, &createdAt); err != nil {
			return nil, err
		}
		e.InstalledAt, _ = time.Parse(time.RFC3339, installedAt)
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		e.Location = location.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) SumPoints(ctx context.Context, id engine.InstallerID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sumPoints(ctx, s.db, id)
}

func (t *txStore) SumPoints(ctx context.Context, id engine.InstallerID) (int64, error) {
	return sumPoints(ctx, t.q, id)
}

func sumPoints(ctx context.Context, q querier, id engine.InstallerID) (int64, error) {
	var sum int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(points_awarded), 0) FROM ledger_entries WHERE installer_id = ?`,
		id).Scan(&sum)
	return sum, err
}

func (s *Store) CountEntries(ctx context.Context, id engine.InstallerID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return countEntries(ctx, s.db, id)
}

func (t *txStore) CountEntries(ctx context.Context, id engine.InstallerID) (int, error) {
	return countEntries(ctx, t.q, id)
}

func countEntries(ctx context.Context, q querier, id engine.InstallerID) (int, error) {
	var count int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ledger_entries WHERE installer_id = ?`, id).Scan(&count)
	return count, err
}

// =============================================================================
// INSTALLER DERIVED FIELDS
// =============================================================================

func (s *Store) SaveDerived(ctx context.Context, d engine.InstallerDerived) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveDerived(ctx, s.db, d)
}

func (t *txStore) SaveDerived(ctx context.Context, d engine.InstallerDerived) error {
	return saveDerived(ctx, t.q, d)
}

func saveDerived(ctx context.Context, q querier, d engine.InstallerDerived) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO installers (installer_id, total_points, total_inverters, eligible, recomputed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(installer_id) DO UPDATE SET
			total_points = excluded.total_points,
			total_inverters = excluded.total_inverters,
			eligible = excluded.eligible,
			recomputed_at = excluded.recomputed_at`,
		d.InstallerID, d.TotalPoints, d.TotalInverters, d.Eligible,
		d.RecomputedAt.Format(time.RFC3339),
	)
	return err
}

func (s *Store) GetDerived(ctx context.Context, id engine.InstallerID) (*engine.InstallerDerived, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getDerived(ctx, s.db, id)
}

func (t *txStore) GetDerived(ctx context.Context, id engine.InstallerID) (*engine.InstallerDerived, error) {
	return getDerived(ctx, t.q, id)
}

func getDerived(ctx context.Context, q querier, id engine.InstallerID) (*engine.InstallerDerived, error) {
	var d engine.InstallerDerived
	var recomputedAt string
	err := q.QueryRowContext(ctx, `
		SELECT installer_id, total_points, total_inverters, eligible, recomputed_at
		FROM installers WHERE installer_id = ?`, id,
	).Scan(&d.InstallerID, &d.TotalPoints, &d.TotalInverters, &d.Eligible, &recomputedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.RecomputedAt, _ = time.Parse(time.RFC3339, recomputedAt)
	return &d, nil
}

// =============================================================================
// PAYMENT REQUESTS
// =============================================================================

const requestColumns = `id, installer_id, origin, points_reserved, amount, currency, method,
	bank_details, status, reference, decided_by, decided_at, rejection_reason,
	paid_at, transaction_id, created_at, updated_at`

func (s *Store) InsertRequest(ctx context.Context, r engine.PaymentRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertRequest(ctx, s.db, r)
}

func (t *txStore) InsertRequest(ctx context.Context, r engine.PaymentRequest) error {
	return insertRequest(ctx, t.q, r)
}

func insertRequest(ctx context.Context, q querier, r engine.PaymentRequest) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO payment_requests
		(`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.InstallerID, r.Origin, r.PointsReserved, r.Amount.String(),
		r.Currency, r.Method, r.BankDetails, r.Status, r.Reference,
		r.DecidedBy, formatTimePtr(r.DecidedAt), r.RejectionReason,
		formatTimePtr(r.PaidAt), r.TransactionID,
		r.CreatedAt.Format(time.RFC3339), r.UpdatedAt.Format(time.RFC3339),
	)
	if isUniqueConstraintError(err) {
		// The partial unique index on open installer-initiated requests.
		return engine.ErrDuplicatePendingRequest
	}
	if err != nil {
		return fmt.Errorf("failed to insert payment request: %w", err)
	}
	return nil
}

func (s *Store) UpdateRequest(ctx context.Context, r engine.PaymentRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateRequest(ctx, s.db, r)
}

func (t *txStore) UpdateRequest(ctx context.Context, r engine.PaymentRequest) error {
	return updateRequest(ctx, t.q, r)
}

func updateRequest(ctx context.Context, q querier, r engine.PaymentRequest) error {
	res, err := q.ExecContext(ctx, `
		UPDATE payment_requests SET
			status = ?, decided_by = ?, decided_at = ?, rejection_reason = ?,
			paid_at = ?, transaction_id = ?, updated_at = ?
		WHERE id = ?`,
		r.Status, r.DecidedBy, formatTimePtr(r.DecidedAt), r.RejectionReason,
		formatTimePtr(r.PaidAt), r.TransactionID, r.UpdatedAt.Format(time.RFC3339),
		r.ID,
	)
	if isUniqueConstraintError(err) {
		// Reverting paid back to pending can collide with a newer open
		// request on the partial index.
		return engine.ErrDuplicatePendingRequest
	}
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return &engine.NotFoundError{Kind: "payment request", ID: string(r.ID)}
	}
	return nil
}

func (s *Store) GetRequest(ctx context.Context, id engine.RequestID) (*engine.PaymentRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getRequest(ctx, s.db, id)
}

func (t *txStore) GetRequest(ctx context.Context, id engine.RequestID) (*engine.PaymentRequest, error) {
	return getRequest(ctx, t.q, id)
}

func getRequest(ctx context.Context, q querier, id engine.RequestID) (*engine.PaymentRequest, error) {
	reqs, err := queryRequests(ctx, q,
		`SELECT `+requestColumns+` FROM payment_requests WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, nil
	}
	return &reqs[0], nil
}

func (s *Store) RequestsByInstaller(ctx context.Context, id engine.InstallerID) ([]engine.PaymentRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return requestsByInstaller(ctx, s.db, id)
}

func (t *txStore) RequestsByInstaller(ctx context.Context, id engine.InstallerID) ([]engine.PaymentRequest, error) {
	return requestsByInstaller(ctx, t.q, id)
}

func requestsByInstaller(ctx context.Context, q querier, id engine.InstallerID) ([]engine.PaymentRequest, error) {
	return queryRequests(ctx, q,
		`SELECT `+requestColumns+` FROM payment_requests
		 WHERE installer_id = ? ORDER BY created_at DESC`, id)
}

func (s *Store) PendingRequests(ctx context.Context) ([]engine.PaymentRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return pendingRequests(ctx, s.db)
}

func (t *txStore) PendingRequests(ctx context.Context) ([]engine.PaymentRequest, error) {
	return pendingRequests(ctx, t.q)
}

func pendingRequests(ctx context.Context, q querier) ([]engine.PaymentRequest, error) {
	return queryRequests(ctx, q,
		`SELECT `+requestColumns+` FROM payment_requests
		 WHERE status = 'pending' ORDER BY created_at ASC`)
}

func queryRequests(ctx context.Context, q querier, query string, args ...any) ([]engine.PaymentRequest, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payment requests: %w", err)
	}
	defer rows.Close()

	var reqs []engine.PaymentRequest
	for rows.Next() {
		var r engine.PaymentRequest
		var amount, createdAt, updatedAt string
		var method, bankDetails, reference, decidedBy, decidedAt, rejectionReason,
			paidAt, transactionID sql.NullString
		if err := rows.Scan(&r.ID, &r.InstallerID, &r.Origin, &r.PointsReserved,
			&amount, &r.Currency, &method, &bankDetails, &r.Status, &reference,
			&decidedBy, &decidedAt, &rejectionReason, &paidAt, &transactionID,
			&createdAt, &updatedAt); err != nil {
			return nil, err
		}

		r.Amount, _ = decimal.NewFromString(amount)
		r.Method = method.String
		r.BankDetails = bankDetails.String
		r.Reference = reference.String
		r.DecidedBy = decidedBy.String
		r.RejectionReason = rejectionReason.String
		r.TransactionID = transactionID.String
		r.DecidedAt = parseTimePtr(decidedAt)
		r.PaidAt = parseTimePtr(paidAt)
		r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		r.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		reqs = append(reqs, r)
	}
	return reqs, rows.Err()
}

func (s *Store) ReservedPoints(ctx context.Context, id engine.InstallerID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return reservedPoints(ctx, s.db, id)
}

func (t *txStore) ReservedPoints(ctx context.Context, id engine.InstallerID) (int64, error) {
	return reservedPoints(ctx, t.q, id)
}

func reservedPoints(ctx context.Context, q querier, id engine.InstallerID) (int64, error) {
	var sum int64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(points_reserved), 0) FROM payment_requests
		WHERE installer_id = ? AND status IN ('pending', 'approved')`, id).Scan(&sum)
	return sum, err
}

func (s *Store) SpentPoints(ctx context.Context, id engine.InstallerID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return spentPoints(ctx, s.db, id)
}

func (t *txStore) SpentPoints(ctx context.Context, id engine.InstallerID) (int64, error) {
	return spentPoints(ctx, t.q, id)
}

func spentPoints(ctx context.Context, q querier, id engine.InstallerID) (int64, error) {
	var sum int64
	err := q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(points_reserved), 0) FROM payment_requests
		WHERE installer_id = ? AND status = 'paid'`, id).Scan(&sum)
	return sum, err
}

func (s *Store) HasOpenRedemption(ctx context.Context, id engine.InstallerID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return hasOpenRedemption(ctx, s.db, id)
}

func (t *txStore) HasOpenRedemption(ctx context.Context, id engine.InstallerID) (bool, error) {
	return hasOpenRedemption(ctx, t.q, id)
}

func hasOpenRedemption(ctx context.Context, q querier, id engine.InstallerID) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM payment_requests
		WHERE installer_id = ? AND status = 'pending'
		  AND origin IN ('point_redemption', 'manual')`, id).Scan(&count)
	return count > 0, err
}

// =============================================================================
// COMMENTS & RECEIPTS
// =============================================================================

func (s *Store) AddComment(ctx context.Context, c engine.RequestComment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return addComment(ctx, s.db, c)
}

func (t *txStore) AddComment(ctx context.Context, c engine.RequestComment) error {
	return addComment(ctx, t.q, c)
}

func addComment(ctx context.Context, q querier, c engine.RequestComment) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO request_comments (id, request_id, author_id, body, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		c.ID, c.RequestID, c.AuthorID, c.Body, c.CreatedAt.Format(time.RFC3339))
	return err
}

func (s *Store) CommentsByRequest(ctx context.Context, id engine.RequestID) ([]engine.RequestComment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return commentsByRequest(ctx, s.db, id)
}

func (t *txStore) CommentsByRequest(ctx context.Context, id engine.RequestID) ([]engine.RequestComment, error) {
	return commentsByRequest(ctx, t.q, id)
}

func commentsByRequest(ctx context.Context, q querier, id engine.RequestID) ([]engine.RequestComment, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, request_id, author_id, body, created_at
		FROM request_comments WHERE request_id = ? ORDER BY created_at ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var comments []engine.RequestComment
	for rows.Next() {
		var c engine.RequestComment
		var createdAt string
		if err := rows.Scan(&c.ID, &c.RequestID, &c.AuthorID, &c.Body, &createdAt); err != nil {
			return nil, err
		}
		c.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

func (s *Store) AddReceipt(ctx context.Context, r engine.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return addReceipt(ctx, s.db, r)
}

func (t *txStore) AddReceipt(ctx context.Context, r engine.Receipt) error {
	return addReceipt(ctx, t.q, r)
}

func addReceipt(ctx context.Context, q querier, r engine.Receipt) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO request_receipts (id, request_id, file_name, url, uploaded_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.RequestID, r.FileName, r.URL, r.UploadedBy, r.CreatedAt.Format(time.RFC3339))
	return err
}

func (s *Store) ReceiptsByRequest(ctx context.Context, id engine.RequestID) ([]engine.Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return receiptsByRequest(ctx, s.db, id)
}

func (t *txStore) ReceiptsByRequest(ctx context.Context, id engine.RequestID) ([]engine.Receipt, error) {
	return receiptsByRequest(ctx, t.q, id)
}

func receiptsByRequest(ctx context.Context, q querier, id engine.RequestID) ([]engine.Receipt, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, request_id, file_name, url, uploaded_by, created_at
		FROM request_receipts WHERE request_id = ? ORDER BY created_at ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var receipts []engine.Receipt
	for rows.Next() {
		var r engine.Receipt
		var url sql.NullString
		var createdAt string
		if err := rows.Scan(&r.ID, &r.RequestID, &r.FileName, &url, &r.UploadedBy, &createdAt); err != nil {
			return nil, err
		}
		r.URL = url.String
		r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

// =============================================================================
// PROMOTIONS
// =============================================================================

func (s *Store) SavePromotion(ctx context.Context, p engine.Promotion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return savePromotion(ctx, s.db, p)
}

func (t *txStore) SavePromotion(ctx context.Context, p engine.Promotion) error {
	return savePromotion(ctx, t.q, p)
}

func savePromotion(ctx context.Context, q querier, p engine.Promotion) error {
	excludedJSON, err := json.Marshal(p.Excluded)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO promotions
		(id, name, start_date, end_date, target, bonus_amount, min_inverters, max_participants, excluded_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			target = excluded.target,
			bonus_amount = excluded.bonus_amount,
			min_inverters = excluded.min_inverters,
			max_participants = excluded.max_participants,
			excluded_json = excluded.excluded_json`,
		p.ID, p.Name, p.StartDate.Format(time.RFC3339), p.EndDate.Format(time.RFC3339),
		p.Target, p.BonusAmount.String(), p.MinExistingInverters, p.MaxParticipants,
		string(excludedJSON), p.CreatedAt.Format(time.RFC3339),
	)
	return err
}

const promotionColumns = `id, name, start_date, end_date, target, bonus_amount, min_inverters, max_participants, excluded_json, created_at`

func (s *Store) GetPromotion(ctx context.Context, id engine.PromotionID) (*engine.Promotion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getPromotion(ctx, s.db, id)
}

func (t *txStore) GetPromotion(ctx context.Context, id engine.PromotionID) (*engine.Promotion, error) {
	return getPromotion(ctx, t.q, id)
}

func getPromotion(ctx context.Context, q querier, id engine.PromotionID) (*engine.Promotion, error) {
	promos, err := queryPromotions(ctx, q,
		`SELECT `+promotionColumns+` FROM promotions WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(promos) == 0 {
		return nil, nil
	}
	return &promos[0], nil
}

func (s *Store) ListPromotions(ctx context.Context) ([]engine.Promotion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listPromotions(ctx, s.db)
}

func (t *txStore) ListPromotions(ctx context.Context) ([]engine.Promotion, error) {
	return listPromotions(ctx, t.q)
}

func listPromotions(ctx context.Context, q querier) ([]engine.Promotion, error) {
	return queryPromotions(ctx, q,
		`SELECT `+promotionColumns+` FROM promotions ORDER BY start_date ASC`)
}

func queryPromotions(ctx context.Context, q querier, query string, args ...any) ([]engine.Promotion, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var promos []engine.Promotion
	for rows.Next() {
		var p engine.Promotion
		var startDate, endDate, bonusAmount, createdAt string
		var excludedJSON sql.NullString
		if err := rows.Scan(&p.ID, &p.Name, &startDate, &endDate, &p.Target,
			&bonusAmount, &p.MinExistingInverters, &p.MaxParticipants,
			&excludedJSON, &createdAt); err != nil {
			return nil, err
		}
		p.StartDate, _ = time.Parse(time.RFC3339, startDate)
		p.EndDate, _ = time.Parse(time.RFC3339, endDate)
		p.BonusAmount, _ = decimal.NewFromString(bonusAmount)
		p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		if excludedJSON.Valid && excludedJSON.String != "" {
			if err := json.Unmarshal([]byte(excludedJSON.String), &p.Excluded); err != nil {
				return nil, err
			}
		}
		promos = append(promos, p)
	}
	return promos, rows.Err()
}

func (s *Store) InsertParticipation(ctx context.Context, pp engine.PromotionParticipation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertParticipation(ctx, s.db, pp)
}

func (t *txStore) InsertParticipation(ctx context.Context, pp engine.PromotionParticipation) error {
	return insertParticipation(ctx, t.q, pp)
}

func insertParticipation(ctx context.Context, q querier, pp engine.PromotionParticipation) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO promotion_participants
		(promotion_id, installer_id, joined_at, progress, completed, completed_at)
		VALUES (?, ?, ?, ?, 0, NULL)`,
		pp.PromotionID, pp.InstallerID, pp.JoinedAt.Format(time.RFC3339), pp.CurrentProgress,
	)
	if isUniqueConstraintError(err) {
		return engine.ErrAlreadyJoined
	}
	return err
}

func (s *Store) GetParticipation(ctx context.Context, promo engine.PromotionID, id engine.InstallerID) (*engine.PromotionParticipation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getParticipation(ctx, s.db, promo, id)
}

func (t *txStore) GetParticipation(ctx context.Context, promo engine.PromotionID, id engine.InstallerID) (*engine.PromotionParticipation, error) {
	return getParticipation(ctx, t.q, promo, id)
}

func getParticipation(ctx context.Context, q querier, promo engine.PromotionID, id engine.InstallerID) (*engine.PromotionParticipation, error) {
	pps, err := queryParticipations(ctx, q, `
		SELECT promotion_id, installer_id, joined_at, progress, completed, completed_at
		FROM promotion_participants WHERE promotion_id = ? AND installer_id = ?`, promo, id)
	if err != nil {
		return nil, err
	}
	if len(pps) == 0 {
		return nil, nil
	}
	return &pps[0], nil
}

func (s *Store) ParticipationsByInstaller(ctx context.Context, id engine.InstallerID) ([]engine.PromotionParticipation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return participationsByInstaller(ctx, s.db, id)
}

func (t *txStore) ParticipationsByInstaller(ctx context.Context, id engine.InstallerID) ([]engine.PromotionParticipation, error) {
	return participationsByInstaller(ctx, t.q, id)
}

func participationsByInstaller(ctx context.Context, q querier, id engine.InstallerID) ([]engine.PromotionParticipation, error) {
	return queryParticipations(ctx, q, `
		SELECT promotion_id, installer_id, joined_at, progress, completed, completed_at
		FROM promotion_participants WHERE installer_id = ? ORDER BY joined_at ASC`, id)
}

func queryParticipations(ctx context.Context, q querier, query string, args ...any) ([]engine.PromotionParticipation, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pps []engine.PromotionParticipation
	for rows.Next() {
		var pp engine.PromotionParticipation
		var joinedAt string
		var completedAt sql.NullString
		if err := rows.Scan(&pp.PromotionID, &pp.InstallerID, &joinedAt,
			&pp.CurrentProgress, &pp.Completed, &completedAt); err != nil {
			return nil, err
		}
		pp.JoinedAt, _ = time.Parse(time.RFC3339, joinedAt)
		pp.CompletedAt = parseTimePtr(completedAt)
		pps = append(pps, pp)
	}
	return pps, rows.Err()
}

func (s *Store) ParticipationCount(ctx context.Context, promo engine.PromotionID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return participationCount(ctx, s.db, promo)
}

func (t *txStore) ParticipationCount(ctx context.Context, promo engine.PromotionID) (int, error) {
	return participationCount(ctx, t.q, promo)
}

func participationCount(ctx context.Context, q querier, promo engine.PromotionID) (int, error) {
	var count int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM promotion_participants WHERE promotion_id = ?`, promo).Scan(&count)
	return count, err
}

func (s *Store) UpdateProgress(ctx context.Context, promo engine.PromotionID, id engine.InstallerID, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateProgress(ctx, s.db, promo, id, progress)
}

func (t *txStore) UpdateProgress(ctx context.Context, promo engine.PromotionID, id engine.InstallerID, progress int) error {
	return updateProgress(ctx, t.q, promo, id, progress)
}

func updateProgress(ctx context.Context, q querier, promo engine.PromotionID, id engine.InstallerID, progress int) error {
	_, err := q.ExecContext(ctx, `
		UPDATE promotion_participants SET progress = ?
		WHERE promotion_id = ? AND installer_id = ?`, progress, promo, id)
	return err
}

func (s *Store) CompleteParticipation(ctx context.Context, promo engine.PromotionID, id engine.InstallerID, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return completeParticipation(ctx, s.db, promo, id, at)
}

func (t *txStore) CompleteParticipation(ctx context.Context, promo engine.PromotionID, id engine.InstallerID, at time.Time) (bool, error) {
	return completeParticipation(ctx, t.q, promo, id, at)
}

// completeParticipation flips the one-way latch; the WHERE completed = 0
// clause makes redundant completions report false.
func completeParticipation(ctx context.Context, q querier, promo engine.PromotionID, id engine.InstallerID, at time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE promotion_participants SET completed = 1, completed_at = ?
		WHERE promotion_id = ? AND installer_id = ? AND completed = 0`,
		at.Format(time.RFC3339), promo, id)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// =============================================================================
// MILESTONES
// =============================================================================

func (s *Store) MarkMilestoneFired(ctx context.Context, id engine.InstallerID, boundary int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return markMilestoneFired(ctx, s.db, id, boundary)
}

func (t *txStore) MarkMilestoneFired(ctx context.Context, id engine.InstallerID, boundary int) (bool, error) {
	return markMilestoneFired(ctx, t.q, id, boundary)
}

func markMilestoneFired(ctx context.Context, q querier, id engine.InstallerID, boundary int) (bool, error) {
	res, err := q.ExecContext(ctx, `
		INSERT OR IGNORE INTO milestone_awards (installer_id, boundary, fired_at)
		VALUES (?, ?, ?)`,
		id, boundary, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *Store) FiredMilestones(ctx context.Context, id engine.InstallerID) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return firedMilestones(ctx, s.db, id)
}

func (t *txStore) FiredMilestones(ctx context.Context, id engine.InstallerID) ([]int, error) {
	return firedMilestones(ctx, t.q, id)
}

func firedMilestones(ctx context.Context, q querier, id engine.InstallerID) ([]int, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT boundary FROM milestone_awards WHERE installer_id = ? ORDER BY boundary ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var boundaries []int
	for rows.Next() {
		var b int
		if err := rows.Scan(&b); err != nil {
			return nil, err
		}
		boundaries = append(boundaries, b)
	}
	return boundaries, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

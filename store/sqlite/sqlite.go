/*
Package sqlite provides a SQLite-backed implementation of the billing store interfaces.

INTERFACES IMPLEMENTED:
  billing.EntrySource:      unbilled entries per side
  billing.RateSource:       assignments, pay profiles, people
  billing.PayeeProvisioner: self-vendor creation
  billing.TxStore:          documents, line items and entry linkage
  billing.SyncQueue:        failed accounting pushes

KEY TABLES:
  time_entries:   worked hours; invoiced_ref / billed_ref set once, never cleared
  rate_brackets:  customer billing tiers, keyed by (project_id, id)
  assignments:    person-to-project links with an optional bracket
  pay_profiles:   pay rate and payee identity
  documents:      invoices and vendor bills
  line_items:     document lines
  pending_syncs:  accounting pushes awaiting retry

LINKAGE:
  SetEntryRefs updates with "WHERE <ref> IS NULL" and checks the affected
  row count. A zero count means another run got there first; the caller's
  transaction is rolled back and a *billing.LinkageConflictError returned.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. With PostgreSQL the conditional
  update alone is the concurrency guard.

USAGE:
  store, err := sqlite.New("./data/billing.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/labor-billing/billing"
)

const dateLayout = "2006-01-02"

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A :memory: database lives per connection.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS people (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS vendors (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT 'agency',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS rate_brackets (
		project_id TEXT NOT NULL,
		id TEXT NOT NULL,
		name TEXT NOT NULL,
		bill_rate TEXT NOT NULL,
		overtime_multiplier TEXT NOT NULL,
		billable BOOLEAN NOT NULL DEFAULT TRUE,
		PRIMARY KEY (project_id, id)
	);

	CREATE TABLE IF NOT EXISTS assignments (
		id TEXT PRIMARY KEY,
		person_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		bracket_id TEXT,
		status TEXT NOT NULL DEFAULT 'active',
		FOREIGN KEY (project_id, bracket_id) REFERENCES rate_brackets(project_id, id)
	);

	CREATE INDEX IF NOT EXISTS idx_assignments_person_project
		ON assignments(person_id, project_id, status);

	CREATE TABLE IF NOT EXISTS pay_profiles (
		person_id TEXT PRIMARY KEY,
		pay_rate TEXT NOT NULL,
		overtime_multiplier TEXT,
		agency_vendor_id TEXT,
		self_vendor_id TEXT
	);

	CREATE TABLE IF NOT EXISTS time_entries (
		id TEXT PRIMARY KEY,
		person_id TEXT NOT NULL,
		project_id TEXT NOT NULL,
		work_date TEXT NOT NULL,
		hours TEXT NOT NULL,
		invoiced_ref TEXT,
		billed_ref TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_project_date
		ON time_entries(project_id, work_date);
	CREATE INDEX IF NOT EXISTS idx_entries_unbilled_invoice
		ON time_entries(project_id) WHERE invoiced_ref IS NULL;
	CREATE INDEX IF NOT EXISTS idx_entries_unbilled_bill
		ON time_entries(person_id) WHERE billed_ref IS NULL;

	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		number TEXT,
		customer_id TEXT,
		project_id TEXT,
		issue_date TEXT,
		due_date TEXT,
		memo TEXT,
		person_id TEXT,
		person_name TEXT,
		payee_vendor_id TEXT,
		payee_source TEXT,
		period_from TEXT,
		period_to TEXT,
		tax_rate TEXT NOT NULL,
		subtotal TEXT NOT NULL,
		tax TEXT NOT NULL,
		total TEXT NOT NULL,
		entry_ids_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_documents_kind ON documents(kind);

	CREATE TABLE IF NOT EXISTS line_items (
		document_id TEXT NOT NULL REFERENCES documents(id),
		position INTEGER NOT NULL,
		description TEXT NOT NULL,
		hour_kind TEXT NOT NULL,
		quantity TEXT NOT NULL,
		rate TEXT NOT NULL,
		total TEXT NOT NULL,
		bracket_id TEXT,
		person_id TEXT,
		entry_ids_json TEXT NOT NULL,
		PRIMARY KEY (document_id, position)
	);

	CREATE TABLE IF NOT EXISTS pending_syncs (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		document_id TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 1,
		last_error TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_pending_syncs_document
		ON pending_syncs(document_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Reset deletes all data. Development only.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"line_items", "documents", "pending_syncs", "time_entries", "assignments", "rate_brackets", "pay_profiles", "vendors", "people"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// =============================================================================
// REFERENCE DATA
// =============================================================================

func (s *Store) SavePerson(ctx context.Context, p billing.Person) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO people (id, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, p.ID, p.Name, now())
	return err
}

func (s *Store) ListPeople(ctx context.Context) ([]billing.Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT id, name FROM people ORDER BY name, id")
	if err != nil {
		return nil, fmt.Errorf("failed to list people: %w", err)
	}
	defer rows.Close()

	var people []billing.Person
	for rows.Next() {
		var p billing.Person
		if err := rows.Scan(&p.ID, &p.Name); err != nil {
			return nil, err
		}
		people = append(people, p)
	}
	return people, rows.Err()
}

// SaveVendor upserts a vendor. kind is "agency" or "self".
func (s *Store) SaveVendor(ctx context.Context, id billing.VendorID, name, kind string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveVendor(ctx, s.db, id, name, kind)
}

func saveVendor(ctx context.Context, db dbtx, id billing.VendorID, name, kind string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO vendors (id, name, kind, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, kind = excluded.kind
	`, id, name, kind, now())
	return err
}

// SaveBracket upserts a bracket. Bracket ids are only unique within a
// project, so two rate cards may both define "carp".
func (s *Store) SaveBracket(ctx context.Context, b billing.RateBracket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.ProjectID == "" {
		return fmt.Errorf("bracket %s has no project", b.ID)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_brackets (project_id, id, name, bill_rate, overtime_multiplier, billable)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, id) DO UPDATE SET
			name = excluded.name,
			bill_rate = excluded.bill_rate,
			overtime_multiplier = excluded.overtime_multiplier,
			billable = excluded.billable
	`, b.ProjectID, b.ID, b.Name, b.BillRate.String(), b.OvertimeMultiplier.String(), b.Billable)
	return err
}

// SaveAssignment upserts an assignment. Only a.Bracket.ID is stored; the
// bracket must belong to the assignment's project.
func (s *Store) SaveAssignment(ctx context.Context, a billing.PersonnelAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var bracketID sql.NullString
	if a.Bracket != nil {
		if a.Bracket.ProjectID != "" && a.Bracket.ProjectID != a.ProjectID {
			return fmt.Errorf("assignment %s: bracket %s belongs to project %s, not %s",
				a.ID, a.Bracket.ID, a.Bracket.ProjectID, a.ProjectID)
		}
		bracketID = nullString(string(a.Bracket.ID))
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = billing.AssignmentActive
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assignments (id, person_id, project_id, bracket_id, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			person_id = excluded.person_id,
			project_id = excluded.project_id,
			bracket_id = excluded.bracket_id,
			status = excluded.status
	`, a.ID, a.PersonID, a.ProjectID, bracketID, a.Status)
	return err
}

func (s *Store) SavePayProfile(ctx context.Context, p billing.PayProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var multiplier sql.NullString
	if !p.OvertimeMultiplier.IsZero() {
		multiplier = nullString(p.OvertimeMultiplier.String())
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pay_profiles (person_id, pay_rate, overtime_multiplier, agency_vendor_id, self_vendor_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(person_id) DO UPDATE SET
			pay_rate = excluded.pay_rate,
			overtime_multiplier = excluded.overtime_multiplier,
			agency_vendor_id = excluded.agency_vendor_id,
			self_vendor_id = excluded.self_vendor_id
	`, p.PersonID, p.PayRate.String(), multiplier, vendorArg(p.AgencyVendorID), vendorArg(p.SelfVendorID))
	return err
}

// =============================================================================
// TIME ENTRIES
// =============================================================================

// SaveEntry inserts a new entry. Ref fields are ignored: linkage is only
// ever written by SetEntryRefs.
func (s *Store) SaveEntry(ctx context.Context, e billing.TimeEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveEntry(ctx, s.db, e)
}

// SaveEntries inserts a batch in one transaction. A duplicate id, within the
// batch or against stored entries, rejects the whole batch.
func (s *Store) SaveEntries(ctx context.Context, entries []billing.TimeEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entries {
		if err := saveEntry(ctx, tx, e); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func saveEntry(ctx context.Context, db dbtx, e billing.TimeEntry) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO time_entries (id, person_id, project_id, work_date, hours, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.PersonID, e.ProjectID, e.Date.Format(dateLayout), e.Hours.String(), now())
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: entry %s already exists", billing.ErrInvalidEntry, e.ID)
		}
		return fmt.Errorf("failed to save entry: %w", err)
	}
	return nil
}

func (s *Store) GetEntry(ctx context.Context, id billing.EntryID) (*billing.TimeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := s.queryEntries(ctx, s.db, entrySelect+" WHERE id = ?", id)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

// ListEntries returns entries matching filter. An empty side returns linked
// and unlinked entries alike.
func (s *Store) ListEntries(ctx context.Context, filter billing.EntryFilter, side billing.Side) ([]billing.TimeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := entrySelect + " WHERE 1=1"
	var args []any
	if filter.ProjectID != "" {
		query += " AND project_id = ?"
		args = append(args, filter.ProjectID)
	}
	if filter.From != nil {
		query += " AND work_date >= ?"
		args = append(args, filter.From.Format(dateLayout))
	}
	if filter.To != nil {
		query += " AND work_date <= ?"
		args = append(args, filter.To.Format(dateLayout))
	}
	switch side {
	case billing.SideInvoice:
		query += " AND invoiced_ref IS NULL"
	case billing.SideVendorBill:
		query += " AND billed_ref IS NULL"
	}
	query += " ORDER BY work_date, id"

	entries, err := s.queryEntries(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}

	// Person and entry id lists are matched in Go to keep the SQL static.
	out := entries[:0]
	for _, e := range entries {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// FetchUnbilledEntries implements billing.EntrySource.
func (s *Store) FetchUnbilledEntries(ctx context.Context, filter billing.EntryFilter, side billing.Side) ([]billing.TimeEntry, error) {
	if !side.Valid() {
		return nil, fmt.Errorf("%w: %q", billing.ErrInvalidSide, side)
	}
	return s.ListEntries(ctx, filter, side)
}

const entrySelect = `
	SELECT id, person_id, project_id, work_date, hours, invoiced_ref, billed_ref
	FROM time_entries`

func (s *Store) queryEntries(ctx context.Context, db dbtx, query string, args ...any) ([]billing.TimeEntry, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []billing.TimeEntry
	for rows.Next() {
		var (
			e                      billing.TimeEntry
			workDate, hours        string
			invoicedRef, billedRef sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.PersonID, &e.ProjectID, &workDate, &hours, &invoicedRef, &billedRef); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		if e.Date, err = parseDate("work_date", workDate); err != nil {
			return nil, fmt.Errorf("entry %s: %w", e.ID, err)
		}
		if e.Hours, err = parseDecimal("hours", hours); err != nil {
			return nil, fmt.Errorf("entry %s: %w", e.ID, err)
		}
		e.InvoicedRef = docRef(invoicedRef)
		e.BilledRef = docRef(billedRef)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// RATE SOURCE (billing.RateSource interface)
// =============================================================================

func (s *Store) ActiveAssignment(ctx context.Context, personID billing.PersonID, projectID billing.ProjectID) (*billing.PersonnelAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		a                              billing.PersonnelAssignment
		bracketID, bName, bRate, bMult sql.NullString
		bProject                       sql.NullString
		bBillable                      sql.NullBool
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT a.id, a.person_id, a.project_id, a.status,
		       b.id, b.project_id, b.name, b.bill_rate, b.overtime_multiplier, b.billable
		FROM assignments a
		LEFT JOIN rate_brackets b ON b.project_id = a.project_id AND b.id = a.bracket_id
		WHERE a.person_id = ? AND a.project_id = ? AND a.status = ?
		ORDER BY a.id
		LIMIT 1
	`, personID, projectID, billing.AssignmentActive).Scan(
		&a.ID, &a.PersonID, &a.ProjectID, &a.Status,
		&bracketID, &bProject, &bName, &bRate, &bMult, &bBillable,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load assignment: %w", err)
	}

	if bracketID.Valid {
		b := &billing.RateBracket{
			ID:        billing.BracketID(bracketID.String),
			ProjectID: billing.ProjectID(bProject.String),
			Name:      bName.String,
			Billable:  bBillable.Bool,
		}
		if b.BillRate, err = parseDecimal("bill_rate", bRate.String); err != nil {
			return nil, fmt.Errorf("bracket %s: %w", b.ID, err)
		}
		if b.OvertimeMultiplier, err = parseDecimal("overtime_multiplier", bMult.String); err != nil {
			return nil, fmt.Errorf("bracket %s: %w", b.ID, err)
		}
		a.Bracket = b
	}
	return &a, nil
}

func (s *Store) PayProfile(ctx context.Context, personID billing.PersonID) (*billing.PayProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return loadPayProfile(ctx, s.db, personID)
}

func loadPayProfile(ctx context.Context, db dbtx, personID billing.PersonID) (*billing.PayProfile, error) {
	var (
		p                  billing.PayProfile
		rate               string
		mult, agency, self sql.NullString
	)
	err := db.QueryRowContext(ctx, `
		SELECT person_id, pay_rate, overtime_multiplier, agency_vendor_id, self_vendor_id
		FROM pay_profiles WHERE person_id = ?
	`, personID).Scan(&p.PersonID, &rate, &mult, &agency, &self)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pay profile: %w", err)
	}
	if p.PayRate, err = parseDecimal("pay_rate", rate); err != nil {
		return nil, fmt.Errorf("pay profile %s: %w", personID, err)
	}
	if mult.Valid {
		if p.OvertimeMultiplier, err = parseDecimal("overtime_multiplier", mult.String); err != nil {
			return nil, fmt.Errorf("pay profile %s: %w", personID, err)
		}
	}
	p.AgencyVendorID = vendorRef(agency)
	p.SelfVendorID = vendorRef(self)
	return &p, nil
}

func (s *Store) Person(ctx context.Context, personID billing.PersonID) (*billing.Person, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p billing.Person
	err := s.db.QueryRowContext(ctx, "SELECT id, name FROM people WHERE id = ?", personID).Scan(&p.ID, &p.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load person: %w", err)
	}
	return &p, nil
}

// EnsurePayeeForPerson implements billing.PayeeProvisioner. The self-vendor
// is created and attached to the pay profile in one transaction.
func (s *Store) EnsurePayeeForPerson(ctx context.Context, personID billing.PersonID) (billing.VendorID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	profile, err := loadPayProfile(ctx, tx, personID)
	if err != nil {
		return "", err
	}
	if profile == nil {
		return "", fmt.Errorf("no pay profile for %s", personID)
	}
	if profile.SelfVendorID != nil {
		return *profile.SelfVendorID, nil
	}

	var name string
	if err := tx.QueryRowContext(ctx, "SELECT name FROM people WHERE id = ?", personID).Scan(&name); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to load person: %w", err)
	}
	if name == "" {
		name = string(personID)
	}

	id := billing.VendorID("vendor-" + uuid.NewString())
	if err := saveVendor(ctx, tx, id, name, "self"); err != nil {
		return "", fmt.Errorf("failed to create vendor: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "UPDATE pay_profiles SET self_vendor_id = ? WHERE person_id = ?", id, personID); err != nil {
		return "", fmt.Errorf("failed to attach vendor: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// =============================================================================
// DOCUMENT WRITER (billing.DocumentWriter interface)
// =============================================================================

func (s *Store) CreateInvoice(ctx context.Context, doc billing.Document) (billing.DocumentID, error) {
	return s.createStandalone(ctx, doc, billing.KindInvoice)
}

func (s *Store) CreateVendorBill(ctx context.Context, doc billing.Document) (billing.DocumentID, error) {
	return s.createStandalone(ctx, doc, billing.KindVendorBill)
}

func (s *Store) createStandalone(ctx context.Context, doc billing.Document, kind billing.DocumentKind) (billing.DocumentID, error) {
	var id billing.DocumentID
	err := s.WithTx(ctx, func(w billing.DocumentWriter) error {
		var err error
		id, err = w.(*txStore).create(ctx, doc, kind)
		return err
	})
	return id, err
}

// SetEntryRefs implements billing.DocumentWriter outside an explicit transaction.
func (s *Store) SetEntryRefs(ctx context.Context, entryIDs []billing.EntryID, documentID billing.DocumentID, side billing.Side) error {
	return s.WithTx(ctx, func(w billing.DocumentWriter) error {
		return w.SetEntryRefs(ctx, entryIDs, documentID, side)
	})
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(billing.DocumentWriter) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx, parent: s}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type txStore struct {
	tx     *sql.Tx
	parent *Store
}

func (ts *txStore) CreateInvoice(ctx context.Context, doc billing.Document) (billing.DocumentID, error) {
	return ts.create(ctx, doc, billing.KindInvoice)
}

func (ts *txStore) CreateVendorBill(ctx context.Context, doc billing.Document) (billing.DocumentID, error) {
	return ts.create(ctx, doc, billing.KindVendorBill)
}

func (ts *txStore) create(ctx context.Context, doc billing.Document, kind billing.DocumentKind) (billing.DocumentID, error) {
	id := billing.DocumentID(uuid.NewString())
	entryJSON, err := json.Marshal(doc.EntryIDs)
	if err != nil {
		return "", err
	}

	var due sql.NullString
	if doc.Header.DueDate != nil {
		due = nullString(doc.Header.DueDate.Format(dateLayout))
	}
	var issue sql.NullString
	if !doc.Header.IssueDate.IsZero() {
		issue = nullString(doc.Header.IssueDate.Format(dateLayout))
	}
	var periodFrom, periodTo sql.NullString
	if !doc.Period.IsZero() {
		periodFrom = nullString(doc.Period.From.Format(dateLayout))
		periodTo = nullString(doc.Period.To.Format(dateLayout))
	}

	_, err = ts.tx.ExecContext(ctx, `
		INSERT INTO documents
		(id, kind, number, customer_id, project_id, issue_date, due_date, memo,
		 person_id, person_name, payee_vendor_id, payee_source, period_from, period_to,
		 tax_rate, subtotal, tax, total, entry_ids_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		id, kind, nullString(doc.Header.Number), nullString(doc.Header.CustomerID),
		nullString(string(doc.Header.ProjectID)), issue, due, nullString(doc.Header.Memo),
		nullString(string(doc.PersonID)), nullString(doc.PersonName),
		vendorArg(doc.Payee.VendorID), nullString(string(doc.Payee.Source)),
		periodFrom, periodTo,
		doc.TaxRate.String(), doc.Subtotal.String(), doc.Tax.String(), doc.Total.String(),
		string(entryJSON), now(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert document: %w", err)
	}

	for i, l := range doc.Lines {
		lineEntries, err := json.Marshal(l.EntryIDs)
		if err != nil {
			return "", err
		}
		_, err = ts.tx.ExecContext(ctx, `
			INSERT INTO line_items
			(document_id, position, description, hour_kind, quantity, rate, total, bracket_id, person_id, entry_ids_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, id, i, l.Description, l.HourKind, l.Quantity.String(), l.Rate.String(), l.Total.String(),
			nullString(string(l.BracketID)), nullString(string(l.PersonID)), string(lineEntries))
		if err != nil {
			return "", fmt.Errorf("failed to insert line item: %w", err)
		}
	}
	return id, nil
}

// SetEntryRefs checks every entry first, then writes with a conditional
// update so a concurrent writer is still caught.
func (ts *txStore) SetEntryRefs(ctx context.Context, entryIDs []billing.EntryID, documentID billing.DocumentID, side billing.Side) error {
	column, err := refColumn(side)
	if err != nil {
		return err
	}
	if len(entryIDs) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(entryIDs)), ",")
	args := make([]any, len(entryIDs))
	for i, id := range entryIDs {
		args[i] = id
	}

	entries, err := ts.parent.queryEntries(ctx, ts.tx, entrySelect+" WHERE id IN ("+placeholders+")", args...)
	if err != nil {
		return err
	}
	found := make(map[billing.EntryID]billing.TimeEntry, len(entries))
	for _, e := range entries {
		found[e.ID] = e
	}

	var conflicts []billing.EntryID
	for _, id := range entryIDs {
		e, ok := found[id]
		if !ok {
			return fmt.Errorf("entry %s not found", id)
		}
		if e.IsLinked(side) {
			conflicts = append(conflicts, id)
		}
	}
	if len(conflicts) > 0 {
		return &billing.LinkageConflictError{Side: side, EntryIDs: conflicts}
	}

	update := "UPDATE time_entries SET " + column + " = ? WHERE id = ? AND " + column + " IS NULL"
	for _, id := range entryIDs {
		res, err := ts.tx.ExecContext(ctx, update, documentID, id)
		if err != nil {
			return fmt.Errorf("failed to link entry %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			conflicts = append(conflicts, id)
		}
	}
	if len(conflicts) > 0 {
		return &billing.LinkageConflictError{Side: side, EntryIDs: conflicts}
	}
	return nil
}

func refColumn(side billing.Side) (string, error) {
	switch side {
	case billing.SideInvoice:
		return "invoiced_ref", nil
	case billing.SideVendorBill:
		return "billed_ref", nil
	}
	return "", fmt.Errorf("%w: %q", billing.ErrInvalidSide, side)
}

// =============================================================================
// DOCUMENT READS
// =============================================================================

// GetDocument returns a stored document with its line items.
func (s *Store) GetDocument(ctx context.Context, id billing.DocumentID) (*billing.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		doc                                         billing.Document
		number, customer, project, issue, due, memo sql.NullString
		person, personName, payee, payeeSource      sql.NullString
		periodFrom, periodTo                        sql.NullString
		taxRate, subtotal, tax, total, entryJSON    string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, number, customer_id, project_id, issue_date, due_date, memo,
		       person_id, person_name, payee_vendor_id, payee_source, period_from, period_to,
		       tax_rate, subtotal, tax, total, entry_ids_json
		FROM documents WHERE id = ?
	`, id).Scan(
		&doc.ID, &doc.Kind, &number, &customer, &project, &issue, &due, &memo,
		&person, &personName, &payee, &payeeSource, &periodFrom, &periodTo,
		&taxRate, &subtotal, &tax, &total, &entryJSON,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, billing.ErrDocumentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}

	doc.Header = billing.DocumentHeader{
		Number:     number.String,
		CustomerID: customer.String,
		ProjectID:  billing.ProjectID(project.String),
		Memo:       memo.String,
	}
	if issue.Valid {
		if doc.Header.IssueDate, err = parseDate("issue_date", issue.String); err != nil {
			return nil, fmt.Errorf("document %s: %w", id, err)
		}
	}
	if due.Valid {
		t, err := parseDate("due_date", due.String)
		if err != nil {
			return nil, fmt.Errorf("document %s: %w", id, err)
		}
		doc.Header.DueDate = &t
	}
	if periodFrom.Valid && periodTo.Valid {
		if doc.Period.From, err = parseDate("period_from", periodFrom.String); err != nil {
			return nil, fmt.Errorf("document %s: %w", id, err)
		}
		if doc.Period.To, err = parseDate("period_to", periodTo.String); err != nil {
			return nil, fmt.Errorf("document %s: %w", id, err)
		}
	}
	doc.PersonID = billing.PersonID(person.String)
	doc.PersonName = personName.String
	doc.Payee = billing.Payee{VendorID: vendorRef(payee), Source: billing.PayeeSource(payeeSource.String)}
	if err := parseDecimals(
		decimalColumn{"tax_rate", taxRate, &doc.TaxRate},
		decimalColumn{"subtotal", subtotal, &doc.Subtotal},
		decimalColumn{"tax", tax, &doc.Tax},
		decimalColumn{"total", total, &doc.Total},
	); err != nil {
		return nil, fmt.Errorf("document %s: %w", id, err)
	}
	if err := json.Unmarshal([]byte(entryJSON), &doc.EntryIDs); err != nil {
		return nil, fmt.Errorf("failed to decode entry ids: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT description, hour_kind, quantity, rate, total, bracket_id, person_id, entry_ids_json
		FROM line_items WHERE document_id = ? ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load line items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			l                             billing.LineItem
			qty, rate, lineTotal, entries string
			bracketID, personID           sql.NullString
		)
		if err := rows.Scan(&l.Description, &l.HourKind, &qty, &rate, &lineTotal, &bracketID, &personID, &entries); err != nil {
			return nil, fmt.Errorf("failed to scan line item: %w", err)
		}
		if err := parseDecimals(
			decimalColumn{"quantity", qty, &l.Quantity},
			decimalColumn{"rate", rate, &l.Rate},
			decimalColumn{"total", lineTotal, &l.Total},
		); err != nil {
			return nil, fmt.Errorf("document %s line %d: %w", id, len(doc.Lines), err)
		}
		l.BracketID = billing.BracketID(bracketID.String)
		l.PersonID = billing.PersonID(personID.String)
		if err := json.Unmarshal([]byte(entries), &l.EntryIDs); err != nil {
			return nil, fmt.Errorf("failed to decode line entry ids: %w", err)
		}
		doc.Lines = append(doc.Lines, l)
	}
	return &doc, rows.Err()
}

// =============================================================================
// SYNC QUEUE (billing.SyncQueue interface)
// =============================================================================

// PendingSync is a queued accounting push.
type PendingSync struct {
	ID         string
	Kind       billing.DocumentKind
	DocumentID billing.DocumentID
	Attempts   int
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// EnqueueSync records a failed push. A document is queued at most once;
// re-enqueueing bumps the attempt count.
func (s *Store) EnqueueSync(ctx context.Context, kind billing.DocumentKind, documentID billing.DocumentID, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_syncs (id, kind, document_id, attempts, last_error, status, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, 'pending', ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET
			attempts = pending_syncs.attempts + 1,
			last_error = excluded.last_error,
			status = 'pending',
			updated_at = excluded.updated_at
	`, uuid.NewString(), kind, documentID, lastError, ts, ts)
	return err
}

func (s *Store) ListPendingSyncs(ctx context.Context) ([]PendingSync, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, document_id, attempts, last_error, created_at, updated_at
		FROM pending_syncs WHERE status = 'pending'
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending syncs: %w", err)
	}
	defer rows.Close()

	var out []PendingSync
	for rows.Next() {
		var (
			p                    PendingSync
			lastError            sql.NullString
			createdAt, updatedAt string
		)
		if err := rows.Scan(&p.ID, &p.Kind, &p.DocumentID, &p.Attempts, &lastError, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		p.LastError = lastError.String
		p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, p)
	}
	return out, rows.Err()
}

// RejectSync parks a push the accounting system refused. Rejected rows are
// never listed for retry; they wait for an operator to fix the document.
func (s *Store) RejectSync(ctx context.Context, kind billing.DocumentKind, documentID billing.DocumentID, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_syncs (id, kind, document_id, attempts, last_error, status, created_at, updated_at)
		VALUES (?, ?, ?, 1, ?, 'rejected', ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET
			attempts = pending_syncs.attempts + 1,
			last_error = excluded.last_error,
			status = 'rejected',
			updated_at = excluded.updated_at
	`, uuid.NewString(), kind, documentID, lastError, ts, ts)
	return err
}

// SyncStatus reports the queue status of a document's push ("pending",
// "rejected", "done"), or "" when it was never queued.
func (s *Store) SyncStatus(ctx context.Context, documentID billing.DocumentID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var status string
	err := s.db.QueryRowContext(ctx, "SELECT status FROM pending_syncs WHERE document_id = ?", documentID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return status, err
}

// MarkSynced closes a queued push after a successful retry.
func (s *Store) MarkSynced(ctx context.Context, documentID billing.DocumentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"UPDATE pending_syncs SET status = 'done', updated_at = ? WHERE document_id = ?",
		now(), documentID)
	return err
}

// Helper functions

func now() string { return time.Now().UTC().Format(time.RFC3339) }

// ErrCorruptRow is returned when a stored value can't be decoded. Reads never
// fall back to zero: a zero rate or zero hours would misprice a document.
var ErrCorruptRow = errors.New("corrupt row")

func parseDecimal(column, v string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s %q is not a decimal", ErrCorruptRow, column, v)
	}
	return d, nil
}

func parseDate(column, v string) (time.Time, error) {
	t, err := time.Parse(dateLayout, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s %q is not a date", ErrCorruptRow, column, v)
	}
	return t, nil
}

type decimalColumn struct {
	name string
	raw  string
	dst  *decimal.Decimal
}

func parseDecimals(cols ...decimalColumn) error {
	for _, c := range cols {
		d, err := parseDecimal(c.name, c.raw)
		if err != nil {
			return err
		}
		*c.dst = d
	}
	return nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func vendorArg(v *billing.VendorID) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return nullString(string(*v))
}

func vendorRef(ns sql.NullString) *billing.VendorID {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	v := billing.VendorID(ns.String)
	return &v
}

func docRef(ns sql.NullString) *billing.DocumentID {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	d := billing.DocumentID(ns.String)
	return &d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

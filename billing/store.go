/*
store.go - Boundary interfaces between the engine and its collaborators

KEY INTERFACES:
  EntrySource:      unbilled time entries for a selection
  RateSource:       assignments, pay profiles and person names
  PayeeProvisioner: creates a self-vendor for a person on demand
  DocumentWriter:   invoice / vendor bill persistence and entry linkage
  TxStore:          runs one document's writes atomically
  AccountingSync:   pushes a committed document to the accounting system

ATOMICITY:
  WithTx wraps exactly one document: its header, line items and entry
  linkage. A run that produces several vendor bills opens one transaction
  per bill, so a failure for one person leaves the others committed.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - billing/store/memory.go: in-memory for tests
*/
package billing

import (
	"context"
	"time"
)

// EntryFilter narrows the entries considered by a run. Zero values match all.
type EntryFilter struct {
	ProjectID ProjectID
	PersonIDs []PersonID
	EntryIDs  []EntryID
	From      *time.Time
	To        *time.Time
}

// Matches reports whether e passes the filter. Stores use it to share the
// selection semantics with the engine.
func (f EntryFilter) Matches(e TimeEntry) bool {
	if f.ProjectID != "" && e.ProjectID != f.ProjectID {
		return false
	}
	if len(f.PersonIDs) > 0 && !containsID(f.PersonIDs, e.PersonID) {
		return false
	}
	if len(f.EntryIDs) > 0 && !containsID(f.EntryIDs, e.ID) {
		return false
	}
	if f.From != nil && e.Date.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Date.After(*f.To) {
		return false
	}
	return true
}

func containsID[T comparable](ids []T, id T) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

type EntrySource interface {
	// FetchUnbilledEntries returns entries matching the filter that carry no
	// reference for side. Ref fields are populated so callers can re-filter.
	FetchUnbilledEntries(ctx context.Context, filter EntryFilter, side Side) ([]TimeEntry, error)
}

type RateSource interface {
	// ActiveAssignment returns the active assignment for (person, project), or nil.
	ActiveAssignment(ctx context.Context, personID PersonID, projectID ProjectID) (*PersonnelAssignment, error)

	// PayProfile returns the person's pay profile, or nil.
	PayProfile(ctx context.Context, personID PersonID) (*PayProfile, error)

	// Person returns the person record, or nil.
	Person(ctx context.Context, personID PersonID) (*Person, error)
}

type PayeeProvisioner interface {
	// EnsurePayeeForPerson returns an existing or newly created self-vendor.
	EnsurePayeeForPerson(ctx context.Context, personID PersonID) (VendorID, error)
}

type DocumentWriter interface {
	CreateInvoice(ctx context.Context, doc Document) (DocumentID, error)
	CreateVendorBill(ctx context.Context, doc Document) (DocumentID, error)

	// SetEntryRefs links entryIDs to documentID on side. If any entry already
	// carries a reference for side, nothing is written and a
	// *LinkageConflictError is returned.
	SetEntryRefs(ctx context.Context, entryIDs []EntryID, documentID DocumentID, side Side) error
}

// TxStore executes fn within a transaction. If fn returns an error, every
// write made through the DocumentWriter passed to fn is rolled back.
type TxStore interface {
	DocumentWriter
	WithTx(ctx context.Context, fn func(DocumentWriter) error) error
}

type AccountingSync interface {
	Push(ctx context.Context, kind DocumentKind, documentID DocumentID) error
}

// SyncQueue records failed accounting pushes. Enqueued pushes are retried;
// rejected ones are parked until someone fixes the document.
type SyncQueue interface {
	EnqueueSync(ctx context.Context, kind DocumentKind, documentID DocumentID, lastError string) error
	RejectSync(ctx context.Context, kind DocumentKind, documentID DocumentID, lastError string) error
}

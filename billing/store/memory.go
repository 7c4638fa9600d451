// Package store provides in-memory billing store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/warp/labor-billing/billing"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements every billing store interface.
type Memory struct {
	mu          sync.RWMutex
	entries     map[billing.EntryID]billing.TimeEntry
	people      map[billing.PersonID]billing.Person
	assignments []billing.PersonnelAssignment
	profiles    map[billing.PersonID]billing.PayProfile
	vendors     map[billing.VendorID]string
	documents   map[billing.DocumentID]billing.Document
	syncs       []PendingSync
}

// PendingSync is a queued accounting push. Rejected pushes are parked, not
// retried.
type PendingSync struct {
	Kind       billing.DocumentKind
	DocumentID billing.DocumentID
	LastError  string
	Rejected   bool
}

func NewMemory() *Memory {
	return &Memory{
		entries:   make(map[billing.EntryID]billing.TimeEntry),
		people:    make(map[billing.PersonID]billing.Person),
		profiles:  make(map[billing.PersonID]billing.PayProfile),
		vendors:   make(map[billing.VendorID]string),
		documents: make(map[billing.DocumentID]billing.Document),
	}
}

// =============================================================================
// SEEDING
// =============================================================================

func (m *Memory) AddPerson(p billing.Person) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.people[p.ID] = p
}

func (m *Memory) AddEntry(e billing.TimeEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.ID] = e
}

func (m *Memory) AddAssignment(a billing.PersonnelAssignment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.assignments {
		if a.ID != "" && existing.ID == a.ID {
			m.assignments[i] = a
			return
		}
	}
	m.assignments = append(m.assignments, a)
}

func (m *Memory) AddPayProfile(p billing.PayProfile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.PersonID] = p
}

func (m *Memory) AddVendor(id billing.VendorID, name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vendors[id] = name
}

// Save* mirror the SQLite store so rate cards can be applied to either.

func (m *Memory) SavePerson(_ context.Context, p billing.Person) error {
	m.AddPerson(p)
	return nil
}

func (m *Memory) SaveVendor(_ context.Context, id billing.VendorID, name, _ string) error {
	m.AddVendor(id, name)
	return nil
}

// SaveBracket is a no-op: brackets live on their assignments here.
func (m *Memory) SaveBracket(context.Context, billing.RateBracket) error { return nil }

func (m *Memory) SaveAssignment(_ context.Context, a billing.PersonnelAssignment) error {
	m.AddAssignment(a)
	return nil
}

func (m *Memory) SavePayProfile(_ context.Context, p billing.PayProfile) error {
	m.AddPayProfile(p)
	return nil
}

// Entry returns a copy of the entry with the given id.
func (m *Memory) Entry(id billing.EntryID) (billing.TimeEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[id]
	return e, ok
}

// Document returns a stored document.
func (m *Memory) Document(id billing.DocumentID) (billing.Document, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.documents[id]
	return d, ok
}

// Documents returns every stored document of kind.
func (m *Memory) Documents(kind billing.DocumentKind) []billing.Document {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []billing.Document
	for _, d := range m.documents {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *Memory) PendingSyncs() []PendingSync {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]PendingSync(nil), m.syncs...)
}

// =============================================================================
// ENTRY / RATE SOURCES
// =============================================================================

func (m *Memory) FetchUnbilledEntries(_ context.Context, filter billing.EntryFilter, side billing.Side) ([]billing.TimeEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []billing.TimeEntry
	for _, e := range m.entries {
		if e.IsLinked(side) || !filter.Matches(e) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) ActiveAssignment(_ context.Context, personID billing.PersonID, projectID billing.ProjectID) (*billing.PersonnelAssignment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.assignments {
		if a.PersonID == personID && a.ProjectID == projectID && a.IsActive() {
			a := a
			return &a, nil
		}
	}
	return nil, nil
}

func (m *Memory) PayProfile(_ context.Context, personID billing.PersonID) (*billing.PayProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[personID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (m *Memory) Person(_ context.Context, personID billing.PersonID) (*billing.Person, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.people[personID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// EnsurePayeeForPerson returns the person's self-vendor, creating it if needed.
func (m *Memory) EnsurePayeeForPerson(_ context.Context, personID billing.PersonID) (billing.VendorID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.profiles[personID]
	if !ok {
		return "", fmt.Errorf("no pay profile for %s", personID)
	}
	if p.SelfVendorID != nil {
		return *p.SelfVendorID, nil
	}
	id := billing.VendorID("vendor-" + uuid.NewString())
	m.vendors[id] = m.people[personID].Name
	p.SelfVendorID = &id
	m.profiles[personID] = p
	return id, nil
}

// =============================================================================
// DOCUMENT WRITER
// =============================================================================

func (m *Memory) CreateInvoice(_ context.Context, doc billing.Document) (billing.DocumentID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(doc, billing.KindInvoice), nil
}

func (m *Memory) CreateVendorBill(_ context.Context, doc billing.Document) (billing.DocumentID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(doc, billing.KindVendorBill), nil
}

func (m *Memory) SetEntryRefs(_ context.Context, entryIDs []billing.EntryID, documentID billing.DocumentID, side billing.Side) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setRefsLocked(entryIDs, documentID, side)
}

func (m *Memory) createLocked(doc billing.Document, kind billing.DocumentKind) billing.DocumentID {
	doc.ID = billing.DocumentID(uuid.NewString())
	doc.Kind = kind
	doc.Lines = append([]billing.LineItem(nil), doc.Lines...)
	doc.EntryIDs = append([]billing.EntryID(nil), doc.EntryIDs...)
	m.documents[doc.ID] = doc
	return doc.ID
}

// setRefsLocked checks every entry before writing any of them.
func (m *Memory) setRefsLocked(entryIDs []billing.EntryID, documentID billing.DocumentID, side billing.Side) error {
	var conflicts []billing.EntryID
	for _, id := range entryIDs {
		e, ok := m.entries[id]
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

	for _, id := range entryIDs {
		e := m.entries[id]
		ref := documentID
		if side == billing.SideVendorBill {
			e.BilledRef = &ref
		} else {
			e.InvoicedRef = &ref
		}
		m.entries[id] = e
	}
	return nil
}

// EnqueueSync records a failed accounting push.
func (m *Memory) EnqueueSync(_ context.Context, kind billing.DocumentKind, documentID billing.DocumentID, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncs = append(m.syncs, PendingSync{Kind: kind, DocumentID: documentID, LastError: lastError})
	return nil
}

// RejectSync records a push the accounting system refused.
func (m *Memory) RejectSync(_ context.Context, kind billing.DocumentKind, documentID billing.DocumentID, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncs = append(m.syncs, PendingSync{Kind: kind, DocumentID: documentID, LastError: lastError, Rejected: true})
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a transaction, simulated with snapshot + rollback.
func (m *Memory) WithTx(_ context.Context, fn func(billing.DocumentWriter) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	entries   map[billing.EntryID]billing.TimeEntry
	documents map[billing.DocumentID]billing.Document
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		entries:   make(map[billing.EntryID]billing.TimeEntry, len(m.entries)),
		documents: make(map[billing.DocumentID]billing.Document, len(m.documents)),
	}
	for k, v := range m.entries {
		s.entries[k] = v
	}
	for k, v := range m.documents {
		s.documents[k] = v
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.entries = s.entries
	m.documents = s.documents
}

// txView writes through to the parent, whose lock WithTx already holds.
type txView struct {
	parent *Memory
}

func (tv *txView) CreateInvoice(_ context.Context, doc billing.Document) (billing.DocumentID, error) {
	return tv.parent.createLocked(doc, billing.KindInvoice), nil
}

func (tv *txView) CreateVendorBill(_ context.Context, doc billing.Document) (billing.DocumentID, error) {
	return tv.parent.createLocked(doc, billing.KindVendorBill), nil
}

func (tv *txView) SetEntryRefs(_ context.Context, entryIDs []billing.EntryID, documentID billing.DocumentID, side billing.Side) error {
	return tv.parent.setRefsLocked(entryIDs, documentID, side)
}

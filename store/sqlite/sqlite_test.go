/*
sqlite_test.go - Tests for the SQLite billing store

Tests for:
- Rate lookups (assignment + bracket join, pay profiles)
- Unbilled entry selection per side
- Document persistence round trip
- Conditional linkage and rollback on conflict
- Payee provisioning
- Sync queue and rejected pushes
- Batch entry inserts
- Corrupt rows surface as errors
*/
package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/labor-billing/billing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func day(d int) time.Time { return time.Date(2025, time.March, d, 0, 0, 0, 0, time.UTC) }

func seed(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	agency := billing.VendorID("agency-1")

	require.NoError(t, s.SavePerson(ctx, billing.Person{ID: "alice", Name: "Alice"}))
	require.NoError(t, s.SavePerson(ctx, billing.Person{ID: "bob", Name: "Bob"}))
	require.NoError(t, s.SaveVendor(ctx, agency, "Acme Staffing", "agency"))

	bracket := billing.RateBracket{
		ID: "carp", ProjectID: "job-1", Name: "Carpenter",
		BillRate: decimal.RequireFromString("50"), OvertimeMultiplier: decimal.RequireFromString("1.5"), Billable: true,
	}
	require.NoError(t, s.SaveBracket(ctx, bracket))
	require.NoError(t, s.SaveAssignment(ctx, billing.PersonnelAssignment{ID: "as-1", PersonID: "alice", ProjectID: "job-1", Bracket: &bracket}))
	require.NoError(t, s.SaveAssignment(ctx, billing.PersonnelAssignment{ID: "as-2", PersonID: "bob", ProjectID: "job-1"}))

	require.NoError(t, s.SavePayProfile(ctx, billing.PayProfile{PersonID: "alice", PayRate: decimal.RequireFromString("30"), AgencyVendorID: &agency}))
	require.NoError(t, s.SavePayProfile(ctx, billing.PayProfile{PersonID: "bob", PayRate: decimal.RequireFromString("25")}))

	for i, e := range []billing.TimeEntry{
		{ID: "e1", PersonID: "alice", ProjectID: "job-1", Date: day(3), Hours: decimal.RequireFromString("8")},
		{ID: "e2", PersonID: "alice", ProjectID: "job-1", Date: day(4), Hours: decimal.RequireFromString("7.5")},
		{ID: "e3", PersonID: "bob", ProjectID: "job-1", Date: day(4), Hours: decimal.RequireFromString("6")},
		{ID: "e4", PersonID: "alice", ProjectID: "job-2", Date: day(5), Hours: decimal.RequireFromString("2")},
	} {
		require.NoError(t, s.SaveEntry(ctx, e), "entry %d", i)
	}
}

func TestStore_RateLookups(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	a, err := s.ActiveAssignment(ctx, "alice", "job-1")
	require.NoError(t, err)
	require.NotNil(t, a)
	require.NotNil(t, a.Bracket)
	assert.Equal(t, "Carpenter", a.Bracket.Name)
	assert.True(t, a.Bracket.BillRate.Equal(decimal.RequireFromString("50")))
	assert.True(t, a.Bracket.Billable)

	b, err := s.ActiveAssignment(ctx, "bob", "job-1")
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Nil(t, b.Bracket, "assignment without bracket")

	none, err := s.ActiveAssignment(ctx, "alice", "job-9")
	require.NoError(t, err)
	assert.Nil(t, none)

	p, err := s.PayProfile(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, p.AgencyVendorID)
	assert.Equal(t, billing.VendorID("agency-1"), *p.AgencyVendorID)
	assert.True(t, p.OvertimeMultiplier.IsZero())

	missing, err := s.PayProfile(ctx, "ghost")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_FetchUnbilledEntries(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	from := day(4)
	entries, err := s.FetchUnbilledEntries(ctx, billing.EntryFilter{ProjectID: "job-1", From: &from}, billing.SideInvoice)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, billing.EntryID("e2"), entries[0].ID)
	assert.True(t, entries[0].Hours.Equal(decimal.RequireFromString("7.5")))

	byPerson, err := s.FetchUnbilledEntries(ctx, billing.EntryFilter{PersonIDs: []billing.PersonID{"alice"}}, billing.SideVendorBill)
	require.NoError(t, err)
	assert.Len(t, byPerson, 3, "vendor side spans projects")

	_, err = s.FetchUnbilledEntries(ctx, billing.EntryFilter{}, billing.Side("x"))
	assert.ErrorIs(t, err, billing.ErrInvalidSide)

	err = s.SaveEntry(ctx, billing.TimeEntry{ID: "e1", PersonID: "alice", ProjectID: "job-1", Date: day(3), Hours: decimal.RequireFromString("1")})
	assert.ErrorIs(t, err, billing.ErrInvalidEntry)
}

func TestStore_DocumentRoundTrip(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	due := day(30)
	doc := billing.DocumentBuilder{}.BuildInvoice(
		billing.DocumentHeader{Number: "INV-7", CustomerID: "cust-1", ProjectID: "job-1", IssueDate: day(15), DueDate: &due},
		[]billing.BracketSummary{{
			BracketID: "carp", BracketName: "Carpenter",
			BillRate: decimal.RequireFromString("50"), OvertimeMultiplier: decimal.RequireFromString("1.5"),
			RegularHours: decimal.RequireFromString("15.5"), OvertimeHours: decimal.RequireFromString("0"),
			EntryIDs: []billing.EntryID{"e1", "e2"},
			Period:   billing.DateRange{From: day(3), To: day(4)},
		}},
	)

	committer := &billing.LinkageCommitter{Store: s}
	id, err := committer.Commit(ctx, doc, billing.SideInvoice)
	require.NoError(t, err)

	got, err := s.GetDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, billing.KindInvoice, got.Kind)
	assert.Equal(t, "INV-7", got.Header.Number)
	require.NotNil(t, got.Header.DueDate)
	assert.Equal(t, due, *got.Header.DueDate)
	assert.Equal(t, doc.Period, got.Period)
	assert.Equal(t, []billing.EntryID{"e1", "e2"}, got.EntryIDs)
	require.Len(t, got.Lines, 1)
	assert.Equal(t, doc.Lines[0].Description, got.Lines[0].Description)
	assert.True(t, got.Total.Equal(decimal.RequireFromString("775")))

	e1, err := s.GetEntry(ctx, "e1")
	require.NoError(t, err)
	require.NotNil(t, e1.InvoicedRef)
	assert.Equal(t, id, *e1.InvoicedRef)
	assert.Nil(t, e1.BilledRef)

	_, err = s.GetDocument(ctx, "nope")
	assert.ErrorIs(t, err, billing.ErrDocumentNotFound)
}

func TestStore_LinkageConflictRollsBack(t *testing.T) {
	// GIVEN: e1 already linked to an invoice
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()
	require.NoError(t, s.SetEntryRefs(ctx, []billing.EntryID{"e1"}, "inv-1", billing.SideInvoice))

	// WHEN: a second document claims e1 and e3
	doc := billing.Document{
		Kind:     billing.KindInvoice,
		EntryIDs: []billing.EntryID{"e1", "e3"},
		Lines:    []billing.LineItem{{Quantity: decimal.RequireFromString("1"), Rate: decimal.RequireFromString("1")}},
	}
	_, err := (&billing.LinkageCommitter{Store: s}).Commit(ctx, doc, billing.SideInvoice)

	// THEN: conflict, e3 untouched, no document persisted
	var conflict *billing.LinkageConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []billing.EntryID{"e1"}, conflict.EntryIDs)

	e3, err := s.GetEntry(ctx, "e3")
	require.NoError(t, err)
	assert.Nil(t, e3.InvoicedRef)

	var count int
	require.NoError(t, s.db.QueryRow("SELECT COUNT(*) FROM documents").Scan(&count))
	assert.Equal(t, 0, count)

	// The vendor side is independent.
	require.NoError(t, s.SetEntryRefs(ctx, []billing.EntryID{"e1"}, "bill-1", billing.SideVendorBill))
}

func TestStore_EnsurePayeeForPerson(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	id, err := s.EnsurePayeeForPerson(ctx, "bob")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	again, err := s.EnsurePayeeForPerson(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, id, again, "provisioning is idempotent")

	p, err := s.PayProfile(ctx, "bob")
	require.NoError(t, err)
	require.NotNil(t, p.SelfVendorID)
	assert.Equal(t, id, *p.SelfVendorID)

	_, err = s.EnsurePayeeForPerson(ctx, "ghost")
	assert.Error(t, err)
}

func TestStore_SyncQueue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnqueueSync(ctx, billing.KindInvoice, "inv-1", "timeout"))
	require.NoError(t, s.EnqueueSync(ctx, billing.KindInvoice, "inv-1", "503"))
	require.NoError(t, s.EnqueueSync(ctx, billing.KindVendorBill, "bill-1", "timeout"))

	pending, err := s.ListPendingSyncs(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	byDoc := map[billing.DocumentID]PendingSync{}
	for _, p := range pending {
		byDoc[p.DocumentID] = p
	}
	assert.Equal(t, 2, byDoc["inv-1"].Attempts)
	assert.Equal(t, "503", byDoc["inv-1"].LastError)

	require.NoError(t, s.MarkSynced(ctx, "inv-1"))
	pending, err = s.ListPendingSyncs(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, billing.DocumentID("bill-1"), pending[0].DocumentID)
}

func TestStore_EngineEndToEnd(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	engine := &billing.Engine{Entries: s, Rates: s, Store: s, Payees: s, Settings: billing.DefaultSettings()}

	// Bob has no bracket, so the customer invoice for job-1 is blocked.
	_, err := engine.CreateInvoice(ctx, billing.InvoiceRequest{Filter: billing.EntryFilter{ProjectID: "job-1"}})
	assert.ErrorIs(t, err, billing.ErrUnresolvedRate)

	res, err := engine.CreateVendorBills(ctx, billing.VendorBillRequest{})
	require.NoError(t, err)
	assert.Len(t, res.Bills, 2)
	assert.Empty(t, res.Failures)

	again, err := engine.CreateVendorBills(ctx, billing.VendorBillRequest{})
	require.NoError(t, err)
	assert.Empty(t, again.Bills, "every entry is already billed")
}

func TestStore_BracketIDsAreScopedToProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	carp := func(project billing.ProjectID, rate string) billing.RateBracket {
		return billing.RateBracket{
			ID: "carp", ProjectID: project, Name: "Carpenter",
			BillRate: decimal.RequireFromString(rate), OvertimeMultiplier: decimal.RequireFromString("1.5"), Billable: true,
		}
	}
	a, b := carp("job-a", "50"), carp("job-b", "90")
	require.NoError(t, s.SaveBracket(ctx, a))
	require.NoError(t, s.SaveAssignment(ctx, billing.PersonnelAssignment{ID: "job-a:alice", PersonID: "alice", ProjectID: "job-a", Bracket: &a}))
	require.NoError(t, s.SaveBracket(ctx, b))
	require.NoError(t, s.SaveAssignment(ctx, billing.PersonnelAssignment{ID: "job-b:alice", PersonID: "alice", ProjectID: "job-b", Bracket: &b}))

	got, err := s.ActiveAssignment(ctx, "alice", "job-a")
	require.NoError(t, err)
	require.NotNil(t, got.Bracket)
	assert.Equal(t, "50", got.Bracket.BillRate.String(), "job-b's card must not overwrite job-a's rate")
	assert.Equal(t, billing.ProjectID("job-a"), got.Bracket.ProjectID)

	got, err = s.ActiveAssignment(ctx, "alice", "job-b")
	require.NoError(t, err)
	assert.Equal(t, "90", got.Bracket.BillRate.String())

	// A bracket from another project can't be attached.
	err = s.SaveAssignment(ctx, billing.PersonnelAssignment{ID: "job-a:bob", PersonID: "bob", ProjectID: "job-a", Bracket: &b})
	assert.Error(t, err)
}

func TestStore_SaveEntriesRollsBackOnDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	e := func(id billing.EntryID) billing.TimeEntry {
		return billing.TimeEntry{ID: id, PersonID: "alice", ProjectID: "job-1", Date: day(3), Hours: decimal.NewFromInt(8)}
	}

	require.NoError(t, s.SaveEntries(ctx, []billing.TimeEntry{e("e1")}))

	err := s.SaveEntries(ctx, []billing.TimeEntry{e("e2"), e("e1")})
	assert.ErrorIs(t, err, billing.ErrInvalidEntry)

	got, err := s.GetEntry(ctx, "e2")
	require.NoError(t, err)
	assert.Nil(t, got, "e2 was rolled back with the batch")
}

func TestStore_CorruptRowsAreErrors(t *testing.T) {
	s := newTestStore(t)
	seed(t, s)
	ctx := context.Background()

	_, err := s.db.ExecContext(ctx, "UPDATE time_entries SET hours = 'eight' WHERE id = 'e1'")
	require.NoError(t, err)
	_, err = s.ListEntries(ctx, billing.EntryFilter{}, "")
	assert.ErrorIs(t, err, ErrCorruptRow)

	_, err = s.db.ExecContext(ctx, "UPDATE rate_brackets SET bill_rate = '' WHERE id = 'carp'")
	require.NoError(t, err)
	_, err = s.ActiveAssignment(ctx, "alice", "job-1")
	assert.ErrorIs(t, err, ErrCorruptRow)

	_, err = s.db.ExecContext(ctx, "UPDATE pay_profiles SET pay_rate = 'n/a' WHERE person_id = 'bob'")
	require.NoError(t, err)
	_, err = s.PayProfile(ctx, "bob")
	assert.ErrorIs(t, err, ErrCorruptRow)
}

func TestStore_RejectedSyncsAreParked(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.EnqueueSync(ctx, billing.KindInvoice, "inv-1", "timeout"))
	require.NoError(t, s.RejectSync(ctx, billing.KindInvoice, "inv-1", "422 Unprocessable Entity"))
	require.NoError(t, s.RejectSync(ctx, billing.KindVendorBill, "bill-1", "400 Bad Request"))

	pending, err := s.ListPendingSyncs(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	status, err := s.SyncStatus(ctx, "inv-1")
	require.NoError(t, err)
	assert.Equal(t, "rejected", status)

	status, err = s.SyncStatus(ctx, "never-queued")
	require.NoError(t, err)
	assert.Empty(t, status)
}

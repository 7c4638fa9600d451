package billing_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/labor-billing/billing"
	"github.com/warp/labor-billing/billing/store"
)

func invoiceDoc(ids ...billing.EntryID) billing.Document {
	return billing.Document{Kind: billing.KindInvoice, EntryIDs: ids, Lines: []billing.LineItem{{Rate: dec("1"), Quantity: dec("1")}}}
}

func TestLinkage_ConflictRollsBackDocument(t *testing.T) {
	// GIVEN: e1 already invoiced by an earlier run
	mem := store.NewMemory()
	mem.AddEntry(entry("e1", "a", "8", 3))
	mem.AddEntry(entry("e2", "a", "8", 4))
	ctx := context.Background()
	committer := &billing.LinkageCommitter{Store: mem}

	first, err := committer.Commit(ctx, invoiceDoc("e1"), billing.SideInvoice)
	require.NoError(t, err)

	// WHEN: a racing run commits e1 and e2
	_, err = committer.Commit(ctx, invoiceDoc("e1", "e2"), billing.SideInvoice)

	// THEN: it fails loudly, nothing is overwritten, no orphan document remains
	var conflict *billing.LinkageConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []billing.EntryID{"e1"}, conflict.EntryIDs)
	assert.True(t, billing.IsConflict(err))

	e1, _ := mem.Entry("e1")
	assert.Equal(t, first, *e1.InvoicedRef)
	e2, _ := mem.Entry("e2")
	assert.Nil(t, e2.InvoicedRef)
	assert.Len(t, mem.Documents(billing.KindInvoice), 1)
}

func TestLinkage_LinkIsReentrancySafe(t *testing.T) {
	mem := store.NewMemory()
	mem.AddEntry(entry("e1", "a", "8", 3))
	ctx := context.Background()
	committer := &billing.LinkageCommitter{Store: mem}

	require.NoError(t, committer.Link(ctx, "bill-1", []billing.EntryID{"e1", "e1"}, billing.SideVendorBill))
	err := committer.Link(ctx, "bill-2", []billing.EntryID{"e1"}, billing.SideVendorBill)
	assert.ErrorIs(t, err, billing.ErrLinkageConflict)

	e1, _ := mem.Entry("e1")
	assert.Equal(t, billing.DocumentID("bill-1"), *e1.BilledRef)

	// The invoice side is untouched and still available.
	require.NoError(t, committer.Link(ctx, "inv-1", []billing.EntryID{"e1"}, billing.SideInvoice))
}

func TestLinkage_RejectsMismatchedSide(t *testing.T) {
	committer := &billing.LinkageCommitter{Store: store.NewMemory()}
	_, err := committer.Commit(context.Background(), invoiceDoc("e1"), billing.SideVendorBill)
	assert.ErrorIs(t, err, billing.ErrInvalidSide)

	_, err = committer.Commit(context.Background(), invoiceDoc(), billing.SideInvoice)
	assert.ErrorIs(t, err, billing.ErrNothingToBill)
}

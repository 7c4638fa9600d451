package billing

import (
	"context"
	"errors"
	"fmt"
)

// LinkageCommitter persists a document and marks the entries it consumes.
// Each call is one unit of work: the document and all of its linkage are
// written together or not at all. Entry ids come from the document, as
// captured at build time, so entries created after aggregation started are
// never swept in.
type LinkageCommitter struct {
	Store TxStore
}

// Commit writes the document and links its entries on side. An entry that
// already carries a reference for side fails the whole document with a
// *LinkageConflictError; nothing is overwritten.
func (c *LinkageCommitter) Commit(ctx context.Context, doc Document, side Side) (DocumentID, error) {
	if !side.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}
	if side.DocumentKind() != doc.Kind {
		return "", fmt.Errorf("%w: cannot commit %s on %s side", ErrInvalidSide, doc.Kind, side)
	}
	if len(doc.EntryIDs) == 0 {
		return "", fmt.Errorf("%w: document consumes no entries", ErrNothingToBill)
	}

	var id DocumentID
	err := c.Store.WithTx(ctx, func(w DocumentWriter) error {
		var err error
		switch doc.Kind {
		case KindInvoice:
			id, err = w.CreateInvoice(ctx, doc)
		default:
			id, err = w.CreateVendorBill(ctx, doc)
		}
		if err != nil {
			return fmt.Errorf("create %s: %w", doc.Kind, err)
		}
		return c.link(ctx, w, id, dedupe(doc.EntryIDs), side)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Link sets refs for entryIDs on an already persisted document.
func (c *LinkageCommitter) Link(ctx context.Context, documentID DocumentID, entryIDs []EntryID, side Side) error {
	if !side.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}
	return c.Store.WithTx(ctx, func(w DocumentWriter) error {
		return c.link(ctx, w, documentID, dedupe(entryIDs), side)
	})
}

func (c *LinkageCommitter) link(ctx context.Context, w DocumentWriter, documentID DocumentID, entryIDs []EntryID, side Side) error {
	err := w.SetEntryRefs(ctx, entryIDs, documentID, side)
	if err == nil {
		return nil
	}
	var conflict *LinkageConflictError
	if errors.As(err, &conflict) {
		return conflict
	}
	return fmt.Errorf("link entries to %s: %w", documentID, err)
}

func dedupe(ids []EntryID) []EntryID {
	seen := make(map[EntryID]bool, len(ids))
	out := make([]EntryID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

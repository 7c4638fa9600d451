/*
engine.go - Run orchestration: selection to committed documents

FLOW:
  fetch entries -> aggregate -> build -> validate -> commit -> sync

  Everything before commit is pure computation over loaded data; a caller
  may abandon a preview with no side effects.

INVOICE RUNS are all-or-nothing: any unresolved person or zero-rate line
blocks the whole invoice.

VENDOR BILL RUNS fan out one bill per person. Bills are built, provisioned
and committed sequentially and independently: a failure for one person is
recorded and the run continues with the next. Nothing already committed is
rolled back.

Accounting sync happens only after a document is committed. A failed push
is a retryable warning; the document stays valid.
*/
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Engine wires the aggregation pipeline to its collaborators.
type Engine struct {
	Entries  EntrySource
	Rates    RateSource
	Store    TxStore
	Payees   PayeeProvisioner // optional; without it, needs-create people fail
	Sync     AccountingSync   // optional
	Queue    SyncQueue        // optional; receives failed pushes
	Settings Settings
	Logger   *slog.Logger
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// =============================================================================
// RESULTS
// =============================================================================

type WarningKind string

const (
	WarningAccountingSync WarningKind = "accounting_sync"
)

// Warning is a non-blocking problem that happened after a commit.
type Warning struct {
	Kind       WarningKind
	DocumentID DocumentID
	PersonID   PersonID
	Message    string
	Retryable  bool
}

type InvoiceRequest struct {
	Filter EntryFilter
	Header DocumentHeader
	Edits  []LineEdit
}

type InvoicePreview struct {
	Aggregation InvoiceAggregation
	Document    Document
}

// Err returns the first blocker for submitting the previewed invoice.
func (p InvoicePreview) Err() error {
	if err := p.Aggregation.Err(); err != nil {
		return err
	}
	return p.Document.Validate()
}

type InvoiceResult struct {
	DocumentID DocumentID
	Document   Document
	Skipped    []EntryID
	Warnings   []Warning
}

type VendorBillRequest struct {
	Filter         EntryFilter
	Header         DocumentHeader
	PayeeOverrides map[PersonID]VendorID
	Edits          map[PersonID][]LineEdit
}

// VendorBillDraft is one person's bill before commit, with its blocker if any.
type VendorBillDraft struct {
	Summary  PersonnelSummary
	Document Document
	Err      error
}

type VendorBillPreview struct {
	Aggregation VendorAggregation
	Drafts      []VendorBillDraft
}

type CommittedBill struct {
	PersonID   PersonID
	PersonName string
	DocumentID DocumentID
	Document   Document
}

// PersonFailure is one person whose bill was not created.
type PersonFailure struct {
	PersonID   PersonID
	PersonName string
	Err        error
}

type VendorBillRunResult struct {
	Bills    []CommittedBill
	Failures []PersonFailure
	Excluded []UnresolvedPerson
	Skipped  []EntryID
	Warnings []Warning
}

// =============================================================================
// INVOICE PATH
// =============================================================================

func (e *Engine) PreviewInvoice(ctx context.Context, req InvoiceRequest) (*InvoicePreview, error) {
	if err := e.Settings.Validate(); err != nil {
		return nil, err
	}
	allocator, err := NewOvertimeAllocator(e.Settings.WeeklyOvertimeThreshold)
	if err != nil {
		return nil, err
	}
	entries, err := e.Entries.FetchUnbilledEntries(ctx, req.Filter, SideInvoice)
	if err != nil {
		return nil, fmt.Errorf("fetch entries: %w", err)
	}

	agg := &BracketAggregator{
		Resolver:  NewRateResolver(e.Rates, e.Settings.DefaultOvertimeMultiplier, nil),
		Allocator: allocator,
	}
	result, err := agg.Aggregate(ctx, entries)
	if err != nil {
		return nil, err
	}

	header := req.Header
	if header.ProjectID == "" {
		header.ProjectID = req.Filter.ProjectID
	}
	doc := DocumentBuilder{TaxRate: e.Settings.LaborTaxRate}.BuildInvoice(header, result.Summaries)
	if err := doc.ApplyEdits(req.Edits); err != nil {
		return nil, err
	}
	return &InvoicePreview{Aggregation: result, Document: doc}, nil
}

// CreateInvoice aggregates, validates and commits one invoice. It refuses to
// write anything if any selected person is unresolved.
func (e *Engine) CreateInvoice(ctx context.Context, req InvoiceRequest) (*InvoiceResult, error) {
	preview, err := e.PreviewInvoice(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := preview.Err(); err != nil {
		return nil, err
	}

	committer := &LinkageCommitter{Store: e.Store}
	id, err := committer.Commit(ctx, preview.Document, SideInvoice)
	if err != nil {
		return nil, err
	}
	doc := preview.Document
	doc.ID = id

	e.logger().Info("invoice created",
		"document_id", id,
		"entries", len(doc.EntryIDs),
		"total", doc.Total.StringFixed(currencyPlaces))

	res := &InvoiceResult{DocumentID: id, Document: doc, Skipped: preview.Aggregation.Skipped}
	if w := e.pushSync(ctx, KindInvoice, id, ""); w != nil {
		res.Warnings = append(res.Warnings, *w)
	}
	return res, nil
}

// =============================================================================
// VENDOR BILL PATH
// =============================================================================

func (e *Engine) PreviewVendorBills(ctx context.Context, req VendorBillRequest) (*VendorBillPreview, error) {
	if err := e.Settings.Validate(); err != nil {
		return nil, err
	}
	allocator, err := NewOvertimeAllocator(e.Settings.WeeklyOvertimeThreshold)
	if err != nil {
		return nil, err
	}
	entries, err := e.Entries.FetchUnbilledEntries(ctx, req.Filter, SideVendorBill)
	if err != nil {
		return nil, fmt.Errorf("fetch entries: %w", err)
	}

	agg := &PersonnelAggregator{
		Resolver:  NewRateResolver(e.Rates, e.Settings.DefaultOvertimeMultiplier, req.PayeeOverrides),
		Allocator: allocator,
	}
	result, err := agg.Aggregate(ctx, entries)
	if err != nil {
		return nil, err
	}

	builder := DocumentBuilder{TaxRate: e.Settings.LaborTaxRate}
	preview := &VendorBillPreview{Aggregation: result}
	for _, s := range result.Summaries {
		header := req.Header
		if header.ProjectID == "" {
			header.ProjectID = req.Filter.ProjectID
		}
		// One run yields many bills; each needs its own number.
		if header.Number != "" {
			header.Number = header.Number + "-" + string(s.PersonID)
		}
		doc := builder.BuildVendorBill(header, s)
		draft := VendorBillDraft{Summary: s, Document: doc}
		if err := draft.Document.ApplyEdits(req.Edits[s.PersonID]); err != nil {
			draft.Err = err
		} else {
			draft.Err = draft.Document.Validate()
		}
		preview.Drafts = append(preview.Drafts, draft)
	}
	return preview, nil
}

// CreateVendorBills fans out one bill per person. It only returns an error
// when the run could not start; per-person problems land in Failures.
func (e *Engine) CreateVendorBills(ctx context.Context, req VendorBillRequest) (*VendorBillRunResult, error) {
	preview, err := e.PreviewVendorBills(ctx, req)
	if err != nil {
		return nil, err
	}

	res := &VendorBillRunResult{
		Excluded: preview.Aggregation.Unresolved,
		Skipped:  preview.Aggregation.Skipped,
	}
	committer := &LinkageCommitter{Store: e.Store}
	log := e.logger()

	for _, draft := range preview.Drafts {
		s := draft.Summary
		fail := func(err error) {
			log.Warn("vendor bill failed", "person_id", s.PersonID, "error", err)
			res.Failures = append(res.Failures, PersonFailure{PersonID: s.PersonID, PersonName: s.PersonName, Err: err})
		}

		if draft.Err != nil {
			fail(draft.Err)
			continue
		}

		doc := draft.Document
		if doc.Payee.NeedsCreate() {
			payee, err := e.ensurePayee(ctx, s.PersonID)
			if err != nil {
				fail(err)
				continue
			}
			doc.Payee = Payee{VendorID: &payee, Source: PayeeSelf}
		}

		id, err := committer.Commit(ctx, doc, SideVendorBill)
		if err != nil {
			fail(err)
			continue
		}
		doc.ID = id
		log.Info("vendor bill created",
			"document_id", id,
			"person_id", s.PersonID,
			"total", doc.Total.StringFixed(currencyPlaces))

		res.Bills = append(res.Bills, CommittedBill{PersonID: s.PersonID, PersonName: s.PersonName, DocumentID: id, Document: doc})
		if w := e.pushSync(ctx, KindVendorBill, id, s.PersonID); w != nil {
			res.Warnings = append(res.Warnings, *w)
		}
	}
	return res, nil
}

func (e *Engine) ensurePayee(ctx context.Context, personID PersonID) (VendorID, error) {
	if e.Payees == nil {
		return "", fmt.Errorf("%w: no payee provisioner configured for %s", ErrPayeeCreation, personID)
	}
	id, err := e.Payees.EnsurePayeeForPerson(ctx, personID)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrPayeeCreation, personID, err)
	}
	if id == "" {
		return "", fmt.Errorf("%w: %s: provisioner returned an empty id", ErrPayeeCreation, personID)
	}
	return id, nil
}

// =============================================================================
// ACCOUNTING SYNC
// =============================================================================

func (e *Engine) pushSync(ctx context.Context, kind DocumentKind, id DocumentID, personID PersonID) *Warning {
	if e.Sync == nil {
		return nil
	}
	err := e.Sync.Push(ctx, kind, id)
	if err == nil {
		return nil
	}

	retryable := !errors.Is(err, ErrSyncRejected)
	log := e.logger()
	log.Warn("accounting sync failed", "document_id", id, "kind", kind, "retryable", retryable, "error", err)
	if e.Queue != nil {
		queue := e.Queue.EnqueueSync
		if !retryable {
			queue = e.Queue.RejectSync
		}
		if qerr := queue(ctx, kind, id, err.Error()); qerr != nil {
			log.Error("failed to queue accounting sync", "document_id", id, "error", qerr)
		}
	}
	return &Warning{
		Kind:       WarningAccountingSync,
		DocumentID: id,
		PersonID:   personID,
		Message:    fmt.Errorf("%w: %v", ErrAccountingSync, err).Error(),
		Retryable:  retryable,
	}
}

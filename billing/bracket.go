package billing

import (
	"context"
	"sort"

	"github.com/shopspring/decimal"
)

// BracketSummary is the invoice-side total for one rate bracket across every
// person who worked under it in the run. Amounts are unrounded.
type BracketSummary struct {
	BracketID          BracketID
	BracketName        string
	BillRate           decimal.Decimal
	OvertimeMultiplier decimal.Decimal

	TotalHours    decimal.Decimal
	RegularHours  decimal.Decimal
	OvertimeHours decimal.Decimal

	RegularBillable  decimal.Decimal
	OvertimeBillable decimal.Decimal

	EntryIDs []EntryID
	Period   DateRange
}

// Billable returns RegularBillable + OvertimeBillable.
func (s BracketSummary) Billable() decimal.Decimal {
	return s.RegularBillable.Add(s.OvertimeBillable)
}

// InvoiceAggregation is the result of one invoice-side aggregation run.
type InvoiceAggregation struct {
	Summaries  []BracketSummary
	Unresolved []UnresolvedPerson
	Skipped    []EntryID // already invoiced
}

// Blocked reports whether any selected person lacks a billable bracket.
// Invoices are all-or-nothing: a blocked run must not be submitted.
func (a InvoiceAggregation) Blocked() bool { return len(a.Unresolved) > 0 }

// Err returns a *BlockedRunError when the run is blocked.
func (a InvoiceAggregation) Err() error {
	if a.Blocked() {
		return &BlockedRunError{Unresolved: a.Unresolved}
	}
	return nil
}

// EntryIDs returns every entry consumed by the summaries, in summary order.
func (a InvoiceAggregation) EntryIDs() []EntryID {
	var ids []EntryID
	for _, s := range a.Summaries {
		ids = append(ids, s.EntryIDs...)
	}
	return ids
}

// BracketAggregator groups entries by customer rate bracket.
type BracketAggregator struct {
	Resolver  *RateResolver
	Allocator *OvertimeAllocator
}

func (a *BracketAggregator) Aggregate(ctx context.Context, entries []TimeEntry) (InvoiceAggregation, error) {
	run, err := runPipeline(ctx, entries, SideInvoice, a.Resolver, a.Allocator, func(r RateInfo) string {
		return string(r.BracketID)
	})
	if err != nil {
		return InvoiceAggregation{}, err
	}

	byBracket := make(map[BracketID]*BracketSummary)
	for _, p := range run.People {
		for _, b := range p.buckets {
			s, ok := byBracket[b.Rate.BracketID]
			if !ok {
				s = &BracketSummary{
					BracketID:          b.Rate.BracketID,
					BracketName:        b.Rate.BracketName,
					BillRate:           b.Rate.Rate,
					OvertimeMultiplier: b.Rate.OvertimeMultiplier,
					TotalHours:         decimal.Zero,
					RegularHours:       decimal.Zero,
					OvertimeHours:      decimal.Zero,
				}
				byBracket[b.Rate.BracketID] = s
			}
			s.TotalHours = s.TotalHours.Add(b.Hours)
			s.RegularHours = s.RegularHours.Add(b.Split.Regular)
			s.OvertimeHours = s.OvertimeHours.Add(b.Split.Overtime)
			s.EntryIDs = append(s.EntryIDs, b.EntryIDs...)
			s.Period = mergeRange(s.Period, b.Range)
		}
	}

	out := InvoiceAggregation{Unresolved: run.Unresolved, Skipped: run.Skipped}
	for _, s := range byBracket {
		s.RegularBillable = s.RegularHours.Mul(s.BillRate)
		s.OvertimeBillable = s.OvertimeHours.Mul(s.BillRate).Mul(s.OvertimeMultiplier)
		sortEntryIDs(s.EntryIDs)
		out.Summaries = append(out.Summaries, *s)
	}
	sort.Slice(out.Summaries, func(i, j int) bool {
		a, b := out.Summaries[i], out.Summaries[j]
		if a.BracketName != b.BracketName {
			return a.BracketName < b.BracketName
		}
		return a.BracketID < b.BracketID
	})
	return out, nil
}

func mergeRange(a, b DateRange) DateRange {
	if b.IsZero() {
		return a
	}
	return a.Extend(b.From).Extend(b.To)
}

func sortEntryIDs(ids []EntryID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

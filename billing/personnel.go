package billing

import (
	"context"

	"github.com/shopspring/decimal"
)

// PersonnelSummary is the vendor-side cost for one person in a run. Every
// summary becomes exactly one vendor bill.
type PersonnelSummary struct {
	PersonID           PersonID
	PersonName         string
	PayRate            decimal.Decimal
	OvertimeMultiplier decimal.Decimal
	Payee              Payee

	TotalHours    decimal.Decimal
	RegularHours  decimal.Decimal
	OvertimeHours decimal.Decimal

	RegularCost  decimal.Decimal
	OvertimeCost decimal.Decimal

	EntryIDs []EntryID
	Period   DateRange
}

// Cost returns regular×payRate + overtime×payRate×multiplier, unrounded.
func (s PersonnelSummary) Cost() decimal.Decimal { return s.RegularCost.Add(s.OvertimeCost) }

// VendorAggregation is the result of one vendor-side aggregation run.
// Unresolved people are excluded, not blocking.
type VendorAggregation struct {
	Summaries  []PersonnelSummary
	Unresolved []UnresolvedPerson
	Skipped    []EntryID // already billed
}

// PersonnelAggregator groups entries by person for vendor bills.
type PersonnelAggregator struct {
	Resolver  *RateResolver
	Allocator *OvertimeAllocator
}

const personBucket = "pay"

func (a *PersonnelAggregator) Aggregate(ctx context.Context, entries []TimeEntry) (VendorAggregation, error) {
	run, err := runPipeline(ctx, entries, SideVendorBill, a.Resolver, a.Allocator, func(RateInfo) string {
		return personBucket
	})
	if err != nil {
		return VendorAggregation{}, err
	}

	out := VendorAggregation{Unresolved: run.Unresolved, Skipped: run.Skipped}
	for _, p := range run.People {
		b := p.buckets[personBucket]
		s := PersonnelSummary{
			PersonID:           p.PersonID,
			PersonName:         p.Name,
			PayRate:            b.Rate.Rate,
			OvertimeMultiplier: b.Rate.OvertimeMultiplier,
			Payee:              b.Rate.Payee,
			TotalHours:         p.Total,
			RegularHours:       p.Split.Regular,
			OvertimeHours:      p.Split.Overtime,
			EntryIDs:           append([]EntryID(nil), b.EntryIDs...),
			Period:             b.Range,
		}
		s.RegularCost = s.RegularHours.Mul(s.PayRate)
		s.OvertimeCost = s.OvertimeHours.Mul(s.PayRate).Mul(s.OvertimeMultiplier)
		sortEntryIDs(s.EntryIDs)
		out.Summaries = append(out.Summaries, s)
	}
	return out, nil
}

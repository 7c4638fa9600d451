/*
pipeline.go - Shared aggregation pipeline for both billing sides

ALGORITHM (two passes):
  Pass 1: drop entries already linked on this side, resolve each entry's
          rate, total every person's hours across the run and split the
          total into regular/overtime with the OvertimeAllocator.
  Pass 2: apportion each person's split into the person's buckets (rate
          brackets on the invoice side, a single bucket on the vendor side)
          in proportion to the hours each bucket contributed.

INVARIANT:
  For every person, the bucket splits sum to the person's split exactly,
  and regular + overtime equals total hours. No rounding happens here.
*/
package billing

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// personRun is the per-person state built in pass 1 and apportioned in pass 2.
type personRun struct {
	PersonID PersonID
	Name     string
	Total    decimal.Decimal
	Split    HourSplit

	buckets map[string]*bucketRun
}

// bucketRun holds one person's contribution to one bucket.
type bucketRun struct {
	Key      string
	Rate     RateInfo
	Hours    decimal.Decimal
	Split    HourSplit
	EntryIDs []EntryID
	Range    DateRange
}

type pipelineResult struct {
	Side       Side
	Skipped    []EntryID
	Unresolved []UnresolvedPerson
	People     []*personRun // sorted by name, then id
}

// bucketKeyFunc maps a resolved rate to the bucket an entry falls into.
type bucketKeyFunc func(RateInfo) string

func runPipeline(ctx context.Context, entries []TimeEntry, side Side, resolver *RateResolver, allocator *OvertimeAllocator, bucketKey bucketKeyFunc) (*pipelineResult, error) {
	if !side.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}
	if resolver == nil || allocator == nil {
		return nil, &ConfigError{Field: "pipeline", Reason: "requires a rate resolver and an overtime allocator"}
	}

	res := &pipelineResult{Side: side}
	people := make(map[PersonID]*personRun)
	unresolved := make(map[unresolvedKey]*UnresolvedPerson)
	seen := make(map[EntryID]bool, len(entries))

	// Pass 1
	for _, e := range entries {
		if err := validateEntry(e); err != nil {
			return nil, err
		}
		if seen[e.ID] {
			continue
		}
		seen[e.ID] = true

		if e.IsLinked(side) {
			res.Skipped = append(res.Skipped, e.ID)
			continue
		}

		info, ok, reason, err := resolver.Resolve(ctx, e.PersonID, e.ProjectID, side)
		if err != nil {
			return nil, err
		}
		if !ok {
			k := unresolvedKey{person: e.PersonID, project: e.ProjectID}
			u, exists := unresolved[k]
			if !exists {
				name, err := resolver.PersonName(ctx, e.PersonID)
				if err != nil {
					return nil, err
				}
				u = &UnresolvedPerson{PersonID: e.PersonID, PersonName: name, ProjectID: e.ProjectID, Reason: reason}
				unresolved[k] = u
			}
			u.EntryIDs = append(u.EntryIDs, e.ID)
			continue
		}

		p, exists := people[e.PersonID]
		if !exists {
			name, err := resolver.PersonName(ctx, e.PersonID)
			if err != nil {
				return nil, err
			}
			p = &personRun{PersonID: e.PersonID, Name: name, Total: decimal.Zero, buckets: make(map[string]*bucketRun)}
			people[e.PersonID] = p
		}
		key := bucketKey(info)
		b, exists := p.buckets[key]
		if !exists {
			b = &bucketRun{Key: key, Rate: info, Hours: decimal.Zero}
			p.buckets[key] = b
		}
		b.Hours = b.Hours.Add(e.Hours)
		b.EntryIDs = append(b.EntryIDs, e.ID)
		b.Range = b.Range.Extend(e.Date)
		p.Total = p.Total.Add(e.Hours)
	}

	for _, p := range people {
		p.Split = allocator.Allocate(p.Total)
	}

	// Pass 2
	for _, p := range people {
		hours := make(map[string]decimal.Decimal, len(p.buckets))
		for k, b := range p.buckets {
			hours[k] = b.Hours
		}
		for k, split := range Apportion(p.Split, hours) {
			p.buckets[k].Split = split
		}
	}

	res.People = make([]*personRun, 0, len(people))
	for _, p := range people {
		res.People = append(res.People, p)
	}
	sort.Slice(res.People, func(i, j int) bool {
		if res.People[i].Name != res.People[j].Name {
			return res.People[i].Name < res.People[j].Name
		}
		return res.People[i].PersonID < res.People[j].PersonID
	})

	res.Unresolved = make([]UnresolvedPerson, 0, len(unresolved))
	for _, u := range unresolved {
		res.Unresolved = append(res.Unresolved, *u)
	}
	sort.Slice(res.Unresolved, func(i, j int) bool {
		a, b := res.Unresolved[i], res.Unresolved[j]
		if a.PersonName != b.PersonName {
			return a.PersonName < b.PersonName
		}
		return a.ProjectID < b.ProjectID
	})
	return res, nil
}

type unresolvedKey struct {
	person  PersonID
	project ProjectID
}

func validateEntry(e TimeEntry) error {
	if e.ID == "" || e.PersonID == "" {
		return fmt.Errorf("%w: entry must have an id and a person", ErrInvalidEntry)
	}
	if e.Hours.IsNegative() {
		return fmt.Errorf("%w: entry %s has negative hours %s", ErrInvalidEntry, e.ID, e.Hours)
	}
	return nil
}

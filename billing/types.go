/*
Package billing provides the time-entry billing aggregation engine.

PURPOSE:
  Turns a selection of approved time entries into either a customer invoice
  (billable revenue, priced by rate bracket) or a set of vendor bills (labor
  cost, priced by pay profile, one bill per person). Both paths share the
  same pipeline: filter already-linked entries, resolve rates, split each
  person's hours into regular and overtime, then bucket and price.

KEY CONCEPTS IN THIS FILE (types.go):
  - Side: invoice (revenue) or vendor bill (cost). Linkage is tracked per side.
  - TimeEntry: one worked interval with per-side document references
  - RateBracket / PersonnelAssignment: customer billing rates
  - PayProfile: internal pay rate and payee identity

DESIGN PRINCIPLES:
  1. Precision: hours, rates and money are decimal.Decimal
  2. Immutability: summaries are built once per run and never mutated after
  3. No double billing: an entry is linked at most once per side

SEE ALSO:
  - pipeline.go: shared aggregation pipeline
  - document.go: line items and totals
  - linkage.go: marking entries as consumed
*/
package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type PersonID string
type ProjectID string
type EntryID string
type BracketID string
type VendorID string
type DocumentID string

// =============================================================================
// SIDE - revenue vs cost
// =============================================================================

// Side selects which document family an operation targets. The two sides are
// independent: an entry may be invoiced and billed at the same time.
type Side string

const (
	SideInvoice    Side = "invoice"
	SideVendorBill Side = "vendor_bill"
)

func (s Side) Valid() bool { return s == SideInvoice || s == SideVendorBill }

// DocumentKind returns the document family produced on this side.
func (s Side) DocumentKind() DocumentKind {
	if s == SideVendorBill {
		return KindVendorBill
	}
	return KindInvoice
}

// =============================================================================
// TIME ENTRY
// =============================================================================

type TimeEntry struct {
	ID        EntryID
	PersonID  PersonID
	ProjectID ProjectID
	Date      time.Time
	Hours     decimal.Decimal

	InvoicedRef *DocumentID
	BilledRef   *DocumentID
}

// RefFor returns the document reference for the given side, nil if unlinked.
func (e TimeEntry) RefFor(side Side) *DocumentID {
	if side == SideVendorBill {
		return e.BilledRef
	}
	return e.InvoicedRef
}

func (e TimeEntry) IsLinked(side Side) bool { return e.RefFor(side) != nil }

// =============================================================================
// RATES
// =============================================================================

// RateBracket is a customer-facing billing tier for a project.
// A bracket with Billable=false is treated as if no bracket were assigned.
type RateBracket struct {
	ID                 BracketID
	ProjectID          ProjectID
	Name               string
	BillRate           decimal.Decimal
	OvertimeMultiplier decimal.Decimal
	Billable           bool
}

type AssignmentStatus string

const (
	AssignmentActive   AssignmentStatus = "active"
	AssignmentInactive AssignmentStatus = "inactive"
)

// PersonnelAssignment links a person to a project and optionally a bracket.
type PersonnelAssignment struct {
	ID        string
	PersonID  PersonID
	ProjectID ProjectID
	Bracket   *RateBracket
	Status    AssignmentStatus
}

func (a PersonnelAssignment) IsActive() bool { return a.Status == AssignmentActive }

// PayProfile carries the cost side of a person: pay rate and payee identity.
// OvertimeMultiplier is optional; zero means "use the configured default".
type PayProfile struct {
	PersonID           PersonID
	PayRate            decimal.Decimal
	OvertimeMultiplier decimal.Decimal
	AgencyVendorID     *VendorID
	SelfVendorID       *VendorID
}

type Person struct {
	ID   PersonID
	Name string
}

// =============================================================================
// HOURS
// =============================================================================

// HourKind distinguishes regular from overtime hours on a line item.
type HourKind string

const (
	HoursRegular  HourKind = "regular"
	HoursOvertime HourKind = "overtime"
)

// HourSplit is the regular/overtime partition of a quantity of hours.
// Regular + Overtime always equals the hours that were split.
type HourSplit struct {
	Regular  decimal.Decimal
	Overtime decimal.Decimal
}

func (h HourSplit) Total() decimal.Decimal { return h.Regular.Add(h.Overtime) }

func (h HourSplit) Add(o HourSplit) HourSplit {
	return HourSplit{Regular: h.Regular.Add(o.Regular), Overtime: h.Overtime.Add(o.Overtime)}
}

// DateRange is the inclusive span of entry dates covered by a summary.
type DateRange struct {
	From time.Time
	To   time.Time
}

func (r DateRange) IsZero() bool { return r.From.IsZero() && r.To.IsZero() }

func (r DateRange) Extend(t time.Time) DateRange {
	if r.IsZero() {
		return DateRange{From: t, To: t}
	}
	if t.Before(r.From) {
		r.From = t
	}
	if t.After(r.To) {
		r.To = t
	}
	return r
}

func (r DateRange) String() string {
	if r.IsZero() {
		return ""
	}
	from, to := r.From.Format("2006-01-02"), r.To.Format("2006-01-02")
	if from == to {
		return from
	}
	return from + " to " + to
}

package billing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// currencyPlaces is the only precision money is ever rounded to.
const currencyPlaces = 2

type DocumentKind string

const (
	KindInvoice    DocumentKind = "invoice"
	KindVendorBill DocumentKind = "vendor_bill"
)

// DocumentHeader carries caller-supplied document fields.
type DocumentHeader struct {
	Number     string
	CustomerID string
	ProjectID  ProjectID
	IssueDate  time.Time
	DueDate    *time.Time
	Memo       string
}

// LineItem is one (bucket, hour kind) line. Quantity, Rate and Total are
// derived; only Description may be edited freely.
type LineItem struct {
	Description string
	HourKind    HourKind
	Quantity    decimal.Decimal
	Rate        decimal.Decimal
	Total       decimal.Decimal

	BracketID BracketID // invoice lines
	PersonID  PersonID  // vendor bill lines
	EntryIDs  []EntryID
}

func (l *LineItem) recalculate() {
	l.Total = l.Quantity.Mul(l.Rate).Round(currencyPlaces)
}

// Document is an invoice or a vendor bill ready to be persisted.
type Document struct {
	ID      DocumentID
	Kind    DocumentKind
	Header  DocumentHeader
	Lines   []LineItem
	Period  DateRange
	TaxRate decimal.Decimal

	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal

	// Vendor bills only.
	PersonID   PersonID
	PersonName string
	Payee      Payee

	// EntryIDs is the exact set of entries this document consumes, captured
	// at build time. Linkage uses this list, never a re-query.
	EntryIDs []EntryID
}

// Recalculate recomputes every line total and the document totals.
func (d *Document) Recalculate() {
	subtotal := decimal.Zero
	for i := range d.Lines {
		d.Lines[i].recalculate()
		subtotal = subtotal.Add(d.Lines[i].Total)
	}
	d.Subtotal = subtotal.Round(currencyPlaces)
	d.Tax = d.Subtotal.Mul(d.TaxRate).Round(currencyPlaces)
	d.Total = d.Subtotal.Add(d.Tax)
}

// SetDescription edits a line's description. Totals are unaffected.
func (d *Document) SetDescription(index int, description string) error {
	if index < 0 || index >= len(d.Lines) {
		return fmt.Errorf("%w: line %d out of range", ErrInvalidEdit, index)
	}
	d.Lines[index].Description = description
	return nil
}

// UpdateLine changes a line's quantity and rate and recomputes totals.
func (d *Document) UpdateLine(index int, quantity, rate decimal.Decimal) error {
	if index < 0 || index >= len(d.Lines) {
		return fmt.Errorf("%w: line %d out of range", ErrInvalidEdit, index)
	}
	if quantity.IsNegative() {
		return fmt.Errorf("%w: line %d: quantity must not be negative", ErrInvalidEdit, index)
	}
	d.Lines[index].Quantity = quantity
	d.Lines[index].Rate = rate
	d.Recalculate()
	return nil
}

// LineEdit is a reviewer's change to one previewed line. Nil fields are
// left as built.
type LineEdit struct {
	Index       int
	Description *string
	Quantity    *decimal.Decimal
	Rate        *decimal.Decimal
}

// ApplyEdits applies edits in order. The document is unchanged if any edit
// is invalid.
func (d *Document) ApplyEdits(edits []LineEdit) error {
	if len(edits) == 0 {
		return nil
	}
	work := *d
	work.Lines = append([]LineItem(nil), d.Lines...)
	for _, e := range edits {
		if e.Description != nil {
			if err := work.SetDescription(e.Index, *e.Description); err != nil {
				return err
			}
		}
		if e.Quantity == nil && e.Rate == nil {
			continue
		}
		if e.Index < 0 || e.Index >= len(work.Lines) {
			return fmt.Errorf("%w: line %d out of range", ErrInvalidEdit, e.Index)
		}
		qty, rate := work.Lines[e.Index].Quantity, work.Lines[e.Index].Rate
		if e.Quantity != nil {
			qty = *e.Quantity
		}
		if e.Rate != nil {
			rate = *e.Rate
		}
		if err := work.UpdateLine(e.Index, qty, rate); err != nil {
			return err
		}
	}
	*d = work
	return nil
}

// Validate refuses documents that would bill nothing or bill at a zero rate.
func (d *Document) Validate() error {
	if len(d.Lines) == 0 {
		return fmt.Errorf("%w: %s has no line items", ErrNothingToBill, d.Kind)
	}
	var bad []ZeroRateLine
	for i, l := range d.Lines {
		if !l.Rate.IsPositive() {
			bad = append(bad, ZeroRateLine{Index: i, Description: l.Description})
		}
	}
	if len(bad) > 0 {
		return &ZeroRateError{Lines: bad}
	}
	return nil
}

// DocumentBuilder turns summaries into documents. Labor is not taxed in this
// domain, so TaxRate is normally zero.
type DocumentBuilder struct {
	TaxRate decimal.Decimal
}

// BuildInvoice produces one invoice with up to two lines per bracket.
func (b DocumentBuilder) BuildInvoice(header DocumentHeader, summaries []BracketSummary) Document {
	doc := Document{Kind: KindInvoice, Header: header, TaxRate: b.TaxRate}
	for _, s := range summaries {
		period := s.Period.String()
		if s.RegularHours.IsPositive() {
			doc.Lines = append(doc.Lines, LineItem{
				Description: invoiceDescription(s.BracketName, "Regular Hours", period, s.BillRate),
				HourKind:    HoursRegular,
				Quantity:    s.RegularHours,
				Rate:        s.BillRate,
				BracketID:   s.BracketID,
				EntryIDs:    s.EntryIDs,
			})
		}
		if s.OvertimeHours.IsPositive() {
			rate := s.BillRate.Mul(s.OvertimeMultiplier)
			doc.Lines = append(doc.Lines, LineItem{
				Description: invoiceDescription(s.BracketName, "Overtime Hours", period, rate),
				HourKind:    HoursOvertime,
				Quantity:    s.OvertimeHours,
				Rate:        rate,
				BracketID:   s.BracketID,
				EntryIDs:    s.EntryIDs,
			})
		}
		doc.Period = mergeRange(doc.Period, s.Period)
		doc.EntryIDs = append(doc.EntryIDs, s.EntryIDs...)
	}
	doc.Recalculate()
	return doc
}

func invoiceDescription(bracket, kind, period string, rate decimal.Decimal) string {
	if period == "" {
		return fmt.Sprintf("%s - %s @ $%s/hr", bracket, kind, rate.StringFixed(currencyPlaces))
	}
	return fmt.Sprintf("%s - %s (%s) @ $%s/hr", bracket, kind, period, rate.StringFixed(currencyPlaces))
}

// BuildVendorBill produces one bill for one person.
func (b DocumentBuilder) BuildVendorBill(header DocumentHeader, s PersonnelSummary) Document {
	doc := Document{
		Kind:       KindVendorBill,
		Header:     header,
		TaxRate:    b.TaxRate,
		Period:     s.Period,
		PersonID:   s.PersonID,
		PersonName: s.PersonName,
		Payee:      s.Payee,
		EntryIDs:   append([]EntryID(nil), s.EntryIDs...),
	}
	if doc.Header.Memo == "" {
		doc.Header.Memo = fmt.Sprintf("Labor - %s (%s)", s.PersonName, s.Period)
	}
	if s.RegularHours.IsPositive() {
		doc.Lines = append(doc.Lines, LineItem{
			Description: "Regular Hours",
			HourKind:    HoursRegular,
			Quantity:    s.RegularHours,
			Rate:        s.PayRate,
			PersonID:    s.PersonID,
			EntryIDs:    s.EntryIDs,
		})
	}
	if s.OvertimeHours.IsPositive() {
		doc.Lines = append(doc.Lines, LineItem{
			Description: "Overtime Hours",
			HourKind:    HoursOvertime,
			Quantity:    s.OvertimeHours,
			Rate:        s.PayRate.Mul(s.OvertimeMultiplier),
			PersonID:    s.PersonID,
			EntryIDs:    s.EntryIDs,
		})
	}
	doc.Recalculate()
	return doc
}

/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the billing model from the external API contract. Money and hours are
  decimals serialized as JSON strings so no precision is lost in transit.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Reference data:  PersonDTO, TimeEntryDTO, CreateTimeEntriesRequest
  Runs:            EntryFilterDTO, HeaderDTO, LineEditDTO,
                   InvoiceRequest, VendorBillRequest
  Results:         DocumentDTO, BracketSummaryDTO, PersonnelSummaryDTO,
                   InvoicePreviewDTO, InvoiceResultDTO,
                   VendorBillPreviewDTO, VendorBillRunDTO
  Sync:            PendingSyncDTO, RetryReportDTO
  Scenarios:       ScenarioDTO, LoadScenarioRequest

VALIDATION:
  Validation is done in handlers and the billing package, not in DTOs.

SEE ALSO:
  - handlers.go: Uses these types
  - factory/ratecard.go: RateCardJSON (import body)
*/
package api

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/labor-billing/billing"
)

const dateLayout = "2006-01-02"

// =============================================================================
// REFERENCE DATA
// =============================================================================

type PersonDTO struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// TimeEntryDTO is a time entry in requests and responses.
type TimeEntryDTO struct {
	ID          string          `json:"id,omitempty"`
	PersonID    string          `json:"person_id"`
	ProjectID   string          `json:"project_id"`
	Date        string          `json:"date"`
	Hours       decimal.Decimal `json:"hours"`
	InvoicedRef *string         `json:"invoiced_ref,omitempty"`
	BilledRef   *string         `json:"billed_ref,omitempty"`
}

type CreateTimeEntriesRequest struct {
	Entries []TimeEntryDTO `json:"entries"`
}

// =============================================================================
// RUN REQUESTS
// =============================================================================

// EntryFilterDTO selects entries for a run. Dates are inclusive.
type EntryFilterDTO struct {
	ProjectID string   `json:"project_id,omitempty"`
	PersonIDs []string `json:"person_ids,omitempty"`
	EntryIDs  []string `json:"entry_ids,omitempty"`
	From      string   `json:"from,omitempty"`
	To        string   `json:"to,omitempty"`
}

type HeaderDTO struct {
	Number     string `json:"number,omitempty"`
	CustomerID string `json:"customer_id,omitempty"`
	ProjectID  string `json:"project_id,omitempty"`
	IssueDate  string `json:"issue_date,omitempty"`
	DueDate    string `json:"due_date,omitempty"`
	Memo       string `json:"memo,omitempty"`
}

type LineEditDTO struct {
	Index       int              `json:"index"`
	Description *string          `json:"description,omitempty"`
	Quantity    *decimal.Decimal `json:"quantity,omitempty"`
	Rate        *decimal.Decimal `json:"rate,omitempty"`
}

// InvoiceRequest is the body of POST /api/invoices and its preview.
type InvoiceRequest struct {
	Filter EntryFilterDTO `json:"filter"`
	Header HeaderDTO      `json:"header"`
	Edits  []LineEditDTO  `json:"edits,omitempty"`
}

// VendorBillRequest is the body of POST /api/vendor-bills and its preview.
type VendorBillRequest struct {
	Filter         EntryFilterDTO           `json:"filter"`
	Header         HeaderDTO                `json:"header"`
	PayeeOverrides map[string]string        `json:"payee_overrides,omitempty"`
	Edits          map[string][]LineEditDTO `json:"edits,omitempty"`
}

// =============================================================================
// RESULTS
// =============================================================================

type LineItemDTO struct {
	Description string          `json:"description"`
	HourKind    string          `json:"hour_kind"`
	Quantity    decimal.Decimal `json:"quantity"`
	Rate        decimal.Decimal `json:"rate"`
	Total       decimal.Decimal `json:"total"`
	BracketID   string          `json:"bracket_id,omitempty"`
	PersonID    string          `json:"person_id,omitempty"`
	EntryIDs    []string        `json:"entry_ids"`
}

type DocumentDTO struct {
	ID          string          `json:"id,omitempty"`
	Kind        string          `json:"kind"`
	Number      string          `json:"number,omitempty"`
	CustomerID  string          `json:"customer_id,omitempty"`
	ProjectID   string          `json:"project_id,omitempty"`
	IssueDate   string          `json:"issue_date,omitempty"`
	DueDate     string          `json:"due_date,omitempty"`
	Memo        string          `json:"memo,omitempty"`
	Period      string          `json:"period,omitempty"`
	PersonID    string          `json:"person_id,omitempty"`
	PersonName  string          `json:"person_name,omitempty"`
	PayeeID     string          `json:"payee_vendor_id,omitempty"`
	PayeeSource string          `json:"payee_source,omitempty"`
	Lines       []LineItemDTO   `json:"lines"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	Tax         decimal.Decimal `json:"tax"`
	Total       decimal.Decimal `json:"total"`
	EntryIDs    []string        `json:"entry_ids"`
}

type BracketSummaryDTO struct {
	BracketID        string          `json:"bracket_id"`
	BracketName      string          `json:"bracket_name"`
	BillRate         decimal.Decimal `json:"bill_rate"`
	RegularHours     decimal.Decimal `json:"regular_hours"`
	OvertimeHours    decimal.Decimal `json:"overtime_hours"`
	RegularBillable  decimal.Decimal `json:"regular_billable"`
	OvertimeBillable decimal.Decimal `json:"overtime_billable"`
	Period           string          `json:"period"`
	EntryIDs         []string        `json:"entry_ids"`
}

type PersonnelSummaryDTO struct {
	PersonID      string          `json:"person_id"`
	PersonName    string          `json:"person_name"`
	PayRate       decimal.Decimal `json:"pay_rate"`
	PayeeSource   string          `json:"payee_source"`
	RegularHours  decimal.Decimal `json:"regular_hours"`
	OvertimeHours decimal.Decimal `json:"overtime_hours"`
	RegularCost   decimal.Decimal `json:"regular_cost"`
	OvertimeCost  decimal.Decimal `json:"overtime_cost"`
	Period        string          `json:"period"`
	EntryIDs      []string        `json:"entry_ids"`
}

// UnresolvedDTO names a person who blocks (invoice) or is excluded from
// (vendor bills) a run.
type UnresolvedDTO struct {
	PersonID   string   `json:"person_id"`
	PersonName string   `json:"person_name"`
	ProjectID  string   `json:"project_id,omitempty"`
	Reason     string   `json:"reason"`
	EntryIDs   []string `json:"entry_ids"`
}

type WarningDTO struct {
	Kind       string `json:"kind"`
	DocumentID string `json:"document_id"`
	PersonID   string `json:"person_id,omitempty"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

type InvoicePreviewDTO struct {
	Summaries  []BracketSummaryDTO `json:"summaries"`
	Unresolved []UnresolvedDTO     `json:"unresolved"`
	Skipped    []string            `json:"skipped"`
	Document   DocumentDTO         `json:"document"`
	Blocked    bool                `json:"blocked"`
	Error      string              `json:"error,omitempty"`
}

type InvoiceResultDTO struct {
	DocumentID string       `json:"document_id"`
	Document   DocumentDTO  `json:"document"`
	Skipped    []string     `json:"skipped"`
	Warnings   []WarningDTO `json:"warnings"`
}

type VendorBillDraftDTO struct {
	Summary  PersonnelSummaryDTO `json:"summary"`
	Document DocumentDTO         `json:"document"`
	Error    string              `json:"error,omitempty"`
}

type VendorBillPreviewDTO struct {
	Drafts   []VendorBillDraftDTO `json:"drafts"`
	Excluded []UnresolvedDTO      `json:"excluded"`
	Skipped  []string             `json:"skipped"`
}

type PersonFailureDTO struct {
	PersonID   string `json:"person_id"`
	PersonName string `json:"person_name"`
	Code       string `json:"code"`
	Error      string `json:"error"`
}

// VendorBillRunDTO is the partial-success result of a fan-out run.
type VendorBillRunDTO struct {
	Bills    []DocumentDTO      `json:"bills"`
	Failures []PersonFailureDTO `json:"failures"`
	Excluded []UnresolvedDTO    `json:"excluded"`
	Skipped  []string           `json:"skipped"`
	Warnings []WarningDTO       `json:"warnings"`
}

type PendingSyncDTO struct {
	DocumentID string `json:"document_id"`
	Kind       string `json:"kind"`
	Attempts   int    `json:"attempts"`
	LastError  string `json:"last_error,omitempty"`
	UpdatedAt  string `json:"updated_at"`
}

type RetryReportDTO struct {
	Attempted int `json:"attempted"`
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
	Rejected  int `json:"rejected"`
}

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func parseDate(field, s string) (time.Time, error) {
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be YYYY-MM-DD, got %q", billing.ErrInvalidEntry, field, s)
	}
	return t, nil
}

func parseOptionalDate(field, s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := parseDate(field, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (f EntryFilterDTO) toFilter() (billing.EntryFilter, error) {
	filter := billing.EntryFilter{ProjectID: billing.ProjectID(f.ProjectID)}
	for _, id := range f.PersonIDs {
		filter.PersonIDs = append(filter.PersonIDs, billing.PersonID(id))
	}
	for _, id := range f.EntryIDs {
		filter.EntryIDs = append(filter.EntryIDs, billing.EntryID(id))
	}
	var err error
	if filter.From, err = parseOptionalDate("from", f.From); err != nil {
		return filter, err
	}
	if filter.To, err = parseOptionalDate("to", f.To); err != nil {
		return filter, err
	}
	return filter, nil
}

func (h HeaderDTO) toHeader() (billing.DocumentHeader, error) {
	header := billing.DocumentHeader{
		Number:     h.Number,
		CustomerID: h.CustomerID,
		ProjectID:  billing.ProjectID(h.ProjectID),
		Memo:       h.Memo,
	}
	if h.IssueDate != "" {
		t, err := parseDate("issue_date", h.IssueDate)
		if err != nil {
			return header, err
		}
		header.IssueDate = t
	}
	due, err := parseOptionalDate("due_date", h.DueDate)
	if err != nil {
		return header, err
	}
	header.DueDate = due
	return header, nil
}

func toLineEdits(dtos []LineEditDTO) []billing.LineEdit {
	edits := make([]billing.LineEdit, 0, len(dtos))
	for _, d := range dtos {
		edits = append(edits, billing.LineEdit{Index: d.Index, Description: d.Description, Quantity: d.Quantity, Rate: d.Rate})
	}
	return edits
}

func (r InvoiceRequest) toRequest() (billing.InvoiceRequest, error) {
	filter, err := r.Filter.toFilter()
	if err != nil {
		return billing.InvoiceRequest{}, err
	}
	header, err := r.Header.toHeader()
	if err != nil {
		return billing.InvoiceRequest{}, err
	}
	return billing.InvoiceRequest{Filter: filter, Header: header, Edits: toLineEdits(r.Edits)}, nil
}

func (r VendorBillRequest) toRequest() (billing.VendorBillRequest, error) {
	filter, err := r.Filter.toFilter()
	if err != nil {
		return billing.VendorBillRequest{}, err
	}
	header, err := r.Header.toHeader()
	if err != nil {
		return billing.VendorBillRequest{}, err
	}
	req := billing.VendorBillRequest{Filter: filter, Header: header}
	if len(r.PayeeOverrides) > 0 {
		req.PayeeOverrides = make(map[billing.PersonID]billing.VendorID, len(r.PayeeOverrides))
		for person, vendor := range r.PayeeOverrides {
			req.PayeeOverrides[billing.PersonID(person)] = billing.VendorID(vendor)
		}
	}
	if len(r.Edits) > 0 {
		req.Edits = make(map[billing.PersonID][]billing.LineEdit, len(r.Edits))
		for person, edits := range r.Edits {
			req.Edits[billing.PersonID(person)] = toLineEdits(edits)
		}
	}
	return req, nil
}

func (d TimeEntryDTO) toEntry() (billing.TimeEntry, error) {
	date, err := parseDate("date", d.Date)
	if err != nil {
		return billing.TimeEntry{}, err
	}
	return billing.TimeEntry{
		ID:        billing.EntryID(d.ID),
		PersonID:  billing.PersonID(d.PersonID),
		ProjectID: billing.ProjectID(d.ProjectID),
		Date:      date,
		Hours:     d.Hours,
	}, nil
}

func toTimeEntryDTO(e billing.TimeEntry) TimeEntryDTO {
	dto := TimeEntryDTO{
		ID:        string(e.ID),
		PersonID:  string(e.PersonID),
		ProjectID: string(e.ProjectID),
		Date:      e.Date.Format(dateLayout),
		Hours:     e.Hours,
	}
	if e.InvoicedRef != nil {
		s := string(*e.InvoicedRef)
		dto.InvoicedRef = &s
	}
	if e.BilledRef != nil {
		s := string(*e.BilledRef)
		dto.BilledRef = &s
	}
	return dto
}

func entryIDStrings(ids []billing.EntryID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}

func periodString(r billing.DateRange) string {
	if r.IsZero() {
		return ""
	}
	return r.String()
}

func toDocumentDTO(d billing.Document) DocumentDTO {
	dto := DocumentDTO{
		ID:          string(d.ID),
		Kind:        string(d.Kind),
		Number:      d.Header.Number,
		CustomerID:  d.Header.CustomerID,
		ProjectID:   string(d.Header.ProjectID),
		Memo:        d.Header.Memo,
		Period:      periodString(d.Period),
		PersonID:    string(d.PersonID),
		PersonName:  d.PersonName,
		PayeeSource: string(d.Payee.Source),
		Lines:       make([]LineItemDTO, 0, len(d.Lines)),
		Subtotal:    d.Subtotal,
		Tax:         d.Tax,
		Total:       d.Total,
		EntryIDs:    entryIDStrings(d.EntryIDs),
	}
	if !d.Header.IssueDate.IsZero() {
		dto.IssueDate = d.Header.IssueDate.Format(dateLayout)
	}
	if d.Header.DueDate != nil {
		dto.DueDate = d.Header.DueDate.Format(dateLayout)
	}
	if d.Payee.VendorID != nil {
		dto.PayeeID = string(*d.Payee.VendorID)
	}
	for _, l := range d.Lines {
		dto.Lines = append(dto.Lines, LineItemDTO{
			Description: l.Description,
			HourKind:    string(l.HourKind),
			Quantity:    l.Quantity,
			Rate:        l.Rate,
			Total:       l.Total,
			BracketID:   string(l.BracketID),
			PersonID:    string(l.PersonID),
			EntryIDs:    entryIDStrings(l.EntryIDs),
		})
	}
	return dto
}

func toUnresolvedDTOs(us []billing.UnresolvedPerson) []UnresolvedDTO {
	out := make([]UnresolvedDTO, 0, len(us))
	for _, u := range us {
		out = append(out, UnresolvedDTO{
			PersonID:   string(u.PersonID),
			PersonName: u.PersonName,
			ProjectID:  string(u.ProjectID),
			Reason:     u.Reason,
			EntryIDs:   entryIDStrings(u.EntryIDs),
		})
	}
	return out
}

func toWarningDTOs(ws []billing.Warning) []WarningDTO {
	out := make([]WarningDTO, 0, len(ws))
	for _, w := range ws {
		out = append(out, WarningDTO{
			Kind:       string(w.Kind),
			DocumentID: string(w.DocumentID),
			PersonID:   string(w.PersonID),
			Message:    w.Message,
			Retryable:  w.Retryable,
		})
	}
	return out
}

func toBracketSummaryDTO(s billing.BracketSummary) BracketSummaryDTO {
	return BracketSummaryDTO{
		BracketID:        string(s.BracketID),
		BracketName:      s.BracketName,
		BillRate:         s.BillRate,
		RegularHours:     s.RegularHours,
		OvertimeHours:    s.OvertimeHours,
		RegularBillable:  s.RegularBillable,
		OvertimeBillable: s.OvertimeBillable,
		Period:           periodString(s.Period),
		EntryIDs:         entryIDStrings(s.EntryIDs),
	}
}

func toPersonnelSummaryDTO(s billing.PersonnelSummary) PersonnelSummaryDTO {
	return PersonnelSummaryDTO{
		PersonID:      string(s.PersonID),
		PersonName:    s.PersonName,
		PayRate:       s.PayRate,
		PayeeSource:   string(s.Payee.Source),
		RegularHours:  s.RegularHours,
		OvertimeHours: s.OvertimeHours,
		RegularCost:   s.RegularCost,
		OvertimeCost:  s.OvertimeCost,
		Period:        periodString(s.Period),
		EntryIDs:      entryIDStrings(s.EntryIDs),
	}
}

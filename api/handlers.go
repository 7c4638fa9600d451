/*
handlers.go - HTTP API handlers for the labor billing engine

PURPOSE:
  Exposes the billing engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the billing package.

ENDPOINTS:
  Reference data:
    POST   /api/ratecards              Import a project rate card (JSON)
    GET    /api/people                 List people
    POST   /api/time-entries           Record time entries
    GET    /api/time-entries           List entries (?project_id=&person_id=&side=&from=&to=)

  Customer invoices:
    POST   /api/invoices/preview       Aggregate by bracket, no writes
    POST   /api/invoices               Create one invoice (all-or-nothing)

  Vendor bills:
    POST   /api/vendor-bills/preview   Aggregate by person, no writes
    POST   /api/vendor-bills           Fan out one bill per person

  Documents:
    GET    /api/documents/{id}         Stored invoice or vendor bill

  Accounting sync:
    GET    /api/sync/pending           Queued pushes
    POST   /api/sync/retry             Retry queued pushes now

  Scenarios:
    GET    /api/scenarios              List demo scenarios
    POST   /api/scenarios/load         Load a demo scenario
    POST   /api/scenarios/reset        Clear all data

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Document not found
  - 409: Linkage conflict (entries consumed by another run)
  - 422: Blocked run (unresolved rates, zero-rate lines)
  - 500: Internal errors
  A vendor bill run that executed returns 200 even when some people
  failed; per-person failures are in the body.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/warp/labor-billing/billing"
	"github.com/warp/labor-billing/factory"
	"github.com/warp/labor-billing/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     *sqlite.Store
	Engine    *billing.Engine
	RateCards *factory.RateCardFactory
	Logger    *slog.Logger

	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a handler. engine is expected to be backed by store.
func NewHandler(store *sqlite.Store, engine *billing.Engine, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	rateCards := factory.NewRateCardFactory()
	rateCards.DefaultOvertimeMultiplier = engine.Settings.DefaultOvertimeMultiplier
	return &Handler{
		Store:     store,
		Engine:    engine,
		RateCards: rateCards,
		Logger:    logger,
	}
}

// =============================================================================
// REFERENCE DATA ENDPOINTS
// =============================================================================

// ImportRateCard imports brackets, crew and pay profiles for one project.
// POST /api/ratecards
func (h *Handler) ImportRateCard(w http.ResponseWriter, r *http.Request) {
	var req factory.RateCardJSON
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	card, err := h.RateCards.FromJSON(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid rate card", err)
		return
	}
	if err := card.Apply(r.Context(), h.Store); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to save rate card", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"project_id": card.ProjectID,
		"brackets":   len(card.Brackets),
		"crew":       len(card.People),
	})
}

// ListPeople returns everyone on file.
// GET /api/people
func (h *Handler) ListPeople(w http.ResponseWriter, r *http.Request) {
	people, err := h.Store.ListPeople(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list people", err)
		return
	}

	dtos := make([]PersonDTO, 0, len(people))
	for _, p := range people {
		dtos = append(dtos, PersonDTO{ID: string(p.ID), Name: p.Name})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateTimeEntries records entries. The batch is rejected as a whole if
// any entry is invalid.
// POST /api/time-entries
func (h *Handler) CreateTimeEntries(w http.ResponseWriter, r *http.Request) {
	var req CreateTimeEntriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if len(req.Entries) == 0 {
		writeError(w, http.StatusBadRequest, "No entries provided", nil)
		return
	}

	entries := make([]billing.TimeEntry, 0, len(req.Entries))
	seen := make(map[billing.EntryID]bool, len(req.Entries))
	for _, dto := range req.Entries {
		e, err := dto.toEntry()
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid entry", err)
			return
		}
		if e.ID == "" {
			e.ID = billing.EntryID(uuid.NewString())
		}
		if e.PersonID == "" || e.ProjectID == "" {
			writeError(w, http.StatusBadRequest, "person_id and project_id are required", nil)
			return
		}
		if e.Hours.IsNegative() {
			writeError(w, http.StatusBadRequest, "Hours must not be negative", nil)
			return
		}
		if seen[e.ID] {
			writeError(w, http.StatusBadRequest, "Duplicate entry id in batch: "+string(e.ID), nil)
			return
		}
		seen[e.ID] = true
		entries = append(entries, e)
	}

	if err := h.Store.SaveEntries(r.Context(), entries); err != nil {
		writeBillingError(w, "Failed to save entries", err)
		return
	}
	created := make([]TimeEntryDTO, 0, len(entries))
	for _, e := range entries {
		created = append(created, toTimeEntryDTO(e))
	}
	writeJSON(w, http.StatusCreated, created)
}

// ListTimeEntries lists entries. side=invoice or side=vendor_bill limits the
// result to entries not yet linked on that side.
// GET /api/time-entries
func (h *Handler) ListTimeEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	dto := EntryFilterDTO{
		ProjectID: q.Get("project_id"),
		PersonIDs: q["person_id"],
		From:      q.Get("from"),
		To:        q.Get("to"),
	}
	filter, err := dto.toFilter()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid filter", err)
		return
	}

	side := billing.Side(q.Get("side"))
	if side != "" && !side.Valid() {
		writeError(w, http.StatusBadRequest, "side must be invoice or vendor_bill", nil)
		return
	}

	entries, err := h.Store.ListEntries(r.Context(), filter, side)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list entries", err)
		return
	}

	dtos := make([]TimeEntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, toTimeEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// INVOICE ENDPOINTS
// =============================================================================

// PreviewInvoice shows what an invoice run would produce, including who
// blocks it. Always 200 when the preview itself ran.
// POST /api/invoices/preview
func (h *Handler) PreviewInvoice(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeInvoiceRequest(w, r)
	if !ok {
		return
	}

	preview, err := h.Engine.PreviewInvoice(r.Context(), req)
	if err != nil {
		writeBillingError(w, "Failed to preview invoice", err)
		return
	}

	dto := InvoicePreviewDTO{
		Summaries:  make([]BracketSummaryDTO, 0, len(preview.Aggregation.Summaries)),
		Unresolved: toUnresolvedDTOs(preview.Aggregation.Unresolved),
		Skipped:    entryIDStrings(preview.Aggregation.Skipped),
		Document:   toDocumentDTO(preview.Document),
		Blocked:    preview.Aggregation.Blocked(),
	}
	for _, s := range preview.Aggregation.Summaries {
		dto.Summaries = append(dto.Summaries, toBracketSummaryDTO(s))
	}
	if err := preview.Err(); err != nil {
		dto.Blocked = true
		dto.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, dto)
}

// CreateInvoice creates one invoice for the selection.
// POST /api/invoices
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeInvoiceRequest(w, r)
	if !ok {
		return
	}

	res, err := h.Engine.CreateInvoice(r.Context(), req)
	if err != nil {
		writeBillingError(w, "Failed to create invoice", err)
		return
	}

	writeJSON(w, http.StatusCreated, InvoiceResultDTO{
		DocumentID: string(res.DocumentID),
		Document:   toDocumentDTO(res.Document),
		Skipped:    entryIDStrings(res.Skipped),
		Warnings:   toWarningDTOs(res.Warnings),
	})
}

func decodeInvoiceRequest(w http.ResponseWriter, r *http.Request) (billing.InvoiceRequest, bool) {
	var body InvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return billing.InvoiceRequest{}, false
	}
	req, err := body.toRequest()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return billing.InvoiceRequest{}, false
	}
	return req, true
}

// =============================================================================
// VENDOR BILL ENDPOINTS
// =============================================================================

// PreviewVendorBills shows one draft per person and who is excluded.
// POST /api/vendor-bills/preview
func (h *Handler) PreviewVendorBills(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeVendorBillRequest(w, r)
	if !ok {
		return
	}

	preview, err := h.Engine.PreviewVendorBills(r.Context(), req)
	if err != nil {
		writeBillingError(w, "Failed to preview vendor bills", err)
		return
	}

	dto := VendorBillPreviewDTO{
		Drafts:   make([]VendorBillDraftDTO, 0, len(preview.Drafts)),
		Excluded: toUnresolvedDTOs(preview.Aggregation.Unresolved),
		Skipped:  entryIDStrings(preview.Aggregation.Skipped),
	}
	for _, d := range preview.Drafts {
		draft := VendorBillDraftDTO{
			Summary:  toPersonnelSummaryDTO(d.Summary),
			Document: toDocumentDTO(d.Document),
		}
		if d.Err != nil {
			draft.Error = d.Err.Error()
		}
		dto.Drafts = append(dto.Drafts, draft)
	}
	writeJSON(w, http.StatusOK, dto)
}

// CreateVendorBills fans out one bill per person with partial success.
// POST /api/vendor-bills
func (h *Handler) CreateVendorBills(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeVendorBillRequest(w, r)
	if !ok {
		return
	}

	res, err := h.Engine.CreateVendorBills(r.Context(), req)
	if err != nil {
		writeBillingError(w, "Failed to create vendor bills", err)
		return
	}

	dto := VendorBillRunDTO{
		Bills:    make([]DocumentDTO, 0, len(res.Bills)),
		Failures: make([]PersonFailureDTO, 0, len(res.Failures)),
		Excluded: toUnresolvedDTOs(res.Excluded),
		Skipped:  entryIDStrings(res.Skipped),
		Warnings: toWarningDTOs(res.Warnings),
	}
	for _, b := range res.Bills {
		dto.Bills = append(dto.Bills, toDocumentDTO(b.Document))
	}
	for _, f := range res.Failures {
		_, code := statusFor(f.Err)
		dto.Failures = append(dto.Failures, PersonFailureDTO{
			PersonID:   string(f.PersonID),
			PersonName: f.PersonName,
			Code:       code,
			Error:      f.Err.Error(),
		})
	}
	writeJSON(w, http.StatusOK, dto)
}

func decodeVendorBillRequest(w http.ResponseWriter, r *http.Request) (billing.VendorBillRequest, bool) {
	var body VendorBillRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return billing.VendorBillRequest{}, false
	}
	req, err := body.toRequest()
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", err)
		return billing.VendorBillRequest{}, false
	}
	return req, true
}

// =============================================================================
// DOCUMENT ENDPOINTS
// =============================================================================

// GetDocument returns a stored invoice or vendor bill.
// GET /api/documents/{id}
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	id := billing.DocumentID(chi.URLParam(r, "id"))

	doc, err := h.Store.GetDocument(r.Context(), id)
	if err != nil {
		writeBillingError(w, "Failed to get document", err)
		return
	}
	writeJSON(w, http.StatusOK, toDocumentDTO(*doc))
}

// =============================================================================
// ACCOUNTING SYNC ENDPOINTS
// =============================================================================

// ListPendingSyncs returns pushes waiting for retry.
// GET /api/sync/pending
func (h *Handler) ListPendingSyncs(w http.ResponseWriter, r *http.Request) {
	pending, err := h.Store.ListPendingSyncs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list pending syncs", err)
		return
	}

	dtos := make([]PendingSyncDTO, 0, len(pending))
	for _, p := range pending {
		dtos = append(dtos, PendingSyncDTO{
			DocumentID: string(p.DocumentID),
			Kind:       string(p.Kind),
			Attempts:   p.Attempts,
			LastError:  p.LastError,
			UpdatedAt:  p.UpdatedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RetrySyncs re-pushes every queued document now.
// POST /api/sync/retry
func (h *Handler) RetrySyncs(w http.ResponseWriter, r *http.Request) {
	if h.Engine.Sync == nil {
		writeError(w, http.StatusConflict, "No accounting sync configured", nil)
		return
	}

	report, err := retryPendingSyncs(r.Context(), h.Store, h.Engine.Sync, h.Logger)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retry syncs", err)
		return
	}
	writeJSON(w, http.StatusOK, RetryReportDTO(report))
}

// ResetDatabase clears all data.
// POST /api/scenarios/reset
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// statusFor maps billing errors onto HTTP statuses and stable error codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, billing.ErrUnresolvedRate):
		return http.StatusUnprocessableEntity, "unresolved_rate"
	case errors.Is(err, billing.ErrZeroOrMissingRate):
		return http.StatusUnprocessableEntity, "zero_rate"
	case errors.Is(err, billing.ErrLinkageConflict):
		return http.StatusConflict, "linkage_conflict"
	case errors.Is(err, billing.ErrPayeeCreation):
		return http.StatusBadGateway, "payee_creation"
	case errors.Is(err, billing.ErrDocumentNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, billing.ErrNothingToBill):
		return http.StatusBadRequest, "nothing_to_bill"
	case billing.IsClientError(err):
		return http.StatusBadRequest, "invalid_request"
	}
	return http.StatusInternalServerError, "internal"
}

// writeBillingError writes err with its mapped status. Blockers and
// conflicts carry structured details so the UI can list what to fix.
func writeBillingError(w http.ResponseWriter, message string, err error) {
	status, code := statusFor(err)
	resp := ErrorResponse{Error: message, Code: code, Details: err.Error()}

	var blocked *billing.BlockedRunError
	var zero *billing.ZeroRateError
	var conflict *billing.LinkageConflictError
	switch {
	case errors.As(err, &blocked):
		resp.Details = toUnresolvedDTOs(blocked.Unresolved)
	case errors.As(err, &zero):
		resp.Details = zero.Lines
	case errors.As(err, &conflict):
		resp.Details = map[string]any{
			"side":      conflict.Side,
			"entry_ids": entryIDStrings(conflict.EntryIDs),
		}
	}
	writeJSON(w, status, resp)
}

/*
handlers_test.go - HTTP tests for the billing API

Tests for:
- Invoice creation from a loaded scenario and double-billing refusal
- Cross-bracket overtime apportionment in a preview
- Vendor bill fan-out with partial success
- Error status mapping (blocked runs, bad input, missing documents)
- Accounting sync queue and manual retry
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/labor-billing/billing"
	"github.com/warp/labor-billing/store/sqlite"
)

// flakySync fails every push while down is set.
type flakySync struct {
	mu     sync.Mutex
	down   bool
	pushed []billing.DocumentID
}

func (f *flakySync) Push(_ context.Context, _ billing.DocumentKind, id billing.DocumentID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errors.New("accounting unavailable")
	}
	f.pushed = append(f.pushed, id)
	return nil
}

func (f *flakySync) setDown(down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = down
}

type testServer struct {
	t      *testing.T
	store  *sqlite.Store
	sync   *flakySync
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	syncer := &flakySync{}
	engine := &billing.Engine{
		Entries:  store,
		Rates:    store,
		Store:    store,
		Payees:   store,
		Sync:     syncer,
		Queue:    store,
		Settings: billing.DefaultSettings(),
		Logger:   logger,
	}
	h := NewHandler(store, engine, logger)
	return &testServer{t: t, store: store, sync: syncer, router: NewRouter(h)}
}

func (s *testServer) do(method, path string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) loadScenario(id string) {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: id})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func assertMoney(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.True(t, decimal.RequireFromString(want).Equal(got), append([]any{"want %s, got %s", want, got}, msgAndArgs...)...)
}

func TestCreateInvoice_SingleBracket(t *testing.T) {
	// GIVEN: three carpenters at $50, Alice with 45 hours
	s := newTestServer(t)
	s.loadScenario("single-bracket")

	// WHEN: invoicing the job
	body := InvoiceRequest{Filter: EntryFilterDTO{ProjectID: "job-100"}, Header: HeaderDTO{Number: "INV-1001", IssueDate: "2025-03-10"}}
	rec := s.do(http.MethodPost, "/api/invoices", body)

	// THEN: one regular and one overtime line, 5 hours at 1.5x
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[InvoiceResultDTO](t, rec)
	require.Len(t, res.Document.Lines, 2)
	assertMoney(t, "92", res.Document.Lines[0].Quantity)
	assertMoney(t, "5", res.Document.Lines[1].Quantity)
	assertMoney(t, "75", res.Document.Lines[1].Rate)
	assertMoney(t, "4975", res.Document.Total)
	assert.Len(t, res.Document.EntryIDs, 12)
	assert.Empty(t, res.Warnings)

	// The stored document matches what was returned.
	rec = s.do(http.MethodGet, "/api/documents/"+res.DocumentID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stored := decode[DocumentDTO](t, rec)
	assertMoney(t, "4975", stored.Total)
	assert.Equal(t, "INV-1001", stored.Number)

	// AND: the same entries can't be invoiced twice
	rec = s.do(http.MethodPost, "/api/invoices", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "nothing_to_bill", decode[ErrorResponse](t, rec).Code)

	// AND: they remain available for vendor bills
	rec = s.do(http.MethodGet, "/api/time-entries?project_id=job-100&side=vendor_bill", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]TimeEntryDTO](t, rec), 12)
}

func TestPreviewInvoice_CrossBracketOvertime(t *testing.T) {
	s := newTestServer(t)
	s.loadScenario("cross-bracket")

	rec := s.do(http.MethodPost, "/api/invoices/preview", InvoiceRequest{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	preview := decode[InvoicePreviewDTO](t, rec)
	assert.False(t, preview.Blocked)
	require.Len(t, preview.Summaries, 2)

	laborer, operator := preview.Summaries[0], preview.Summaries[1]
	assert.Equal(t, "Laborer", laborer.BracketName)
	assertMoney(t, "24", laborer.RegularHours)
	assertMoney(t, "6", laborer.OvertimeHours)
	assertMoney(t, "16", operator.RegularHours)
	assertMoney(t, "4", operator.OvertimeHours)
	assertMoney(t, "2640", preview.Document.Total)

	// Preview writes nothing.
	rec = s.do(http.MethodGet, "/api/time-entries?side=invoice", nil)
	assert.Len(t, decode[[]TimeEntryDTO](t, rec), 10)
}

func TestCreateInvoice_BlockedByUnresolvedPerson(t *testing.T) {
	s := newTestServer(t)
	s.loadScenario("single-bracket")

	// A helper with no assignment logs time on the job.
	rec := s.do(http.MethodPost, "/api/time-entries", CreateTimeEntriesRequest{Entries: []TimeEntryDTO{
		{PersonID: "ivan", ProjectID: "job-100", Date: "2025-03-04", Hours: decimal.NewFromInt(3)},
	}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPost, "/api/invoices", InvoiceRequest{Filter: EntryFilterDTO{ProjectID: "job-100"}})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	var resp struct {
		Code    string          `json:"code"`
		Details []UnresolvedDTO `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "unresolved_rate", resp.Code)
	require.Len(t, resp.Details, 1)
	assert.Equal(t, "ivan", resp.Details[0].PersonID)
	assert.Equal(t, billing.ReasonNoAssignment, resp.Details[0].Reason)

	// Nothing was linked.
	rec = s.do(http.MethodGet, "/api/time-entries?side=invoice", nil)
	assert.Len(t, decode[[]TimeEntryDTO](t, rec), 13)
}

func TestCreateVendorBills_FanOut(t *testing.T) {
	s := newTestServer(t)
	s.loadScenario("vendor-fanout")

	rec := s.do(http.MethodPost, "/api/vendor-bills", VendorBillRequest{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[VendorBillRunDTO](t, rec)

	require.Len(t, res.Bills, 3)
	byPerson := map[string]DocumentDTO{}
	for _, b := range res.Bills {
		byPerson[b.PersonID] = b
	}
	assertMoney(t, "2070", byPerson["erin"].Total)
	assert.Equal(t, "agency", byPerson["erin"].PayeeSource)
	assert.Equal(t, "femi-llc", byPerson["femi"].PayeeID)
	assertMoney(t, "2400", byPerson["gus"].Total, "profile multiplier of 2")
	assert.Equal(t, "self", byPerson["gus"].PayeeSource)
	assert.NotEmpty(t, byPerson["gus"].PayeeID, "payee provisioned")

	require.Len(t, res.Failures, 1)
	assert.Equal(t, "hana", res.Failures[0].PersonID)
	assert.Equal(t, "zero_rate", res.Failures[0].Code)

	// A second run only retries the person who failed.
	rec = s.do(http.MethodPost, "/api/vendor-bills/preview", VendorBillRequest{})
	require.Equal(t, http.StatusOK, rec.Code)
	preview := decode[VendorBillPreviewDTO](t, rec)
	require.Len(t, preview.Drafts, 1)
	assert.Equal(t, "hana", preview.Drafts[0].Summary.PersonID)
}

func TestCreateVendorBills_EditsBeforeCommit(t *testing.T) {
	s := newTestServer(t)
	s.loadScenario("vendor-fanout")

	rate := decimal.NewFromInt(20)
	memo := "Shop cleanup"
	rec := s.do(http.MethodPost, "/api/vendor-bills", VendorBillRequest{
		Filter: EntryFilterDTO{PersonIDs: []string{"hana"}},
		Edits:  map[string][]LineEditDTO{"hana": {{Index: 0, Description: &memo, Rate: &rate}}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decode[VendorBillRunDTO](t, rec)
	require.Len(t, res.Bills, 1)
	assert.Equal(t, "Shop cleanup", res.Bills[0].Lines[0].Description)
	assertMoney(t, "80", res.Bills[0].Total)
}

func TestSyncFailureIsQueuedAndRetried(t *testing.T) {
	s := newTestServer(t)
	s.loadScenario("single-bracket")
	s.sync.setDown(true)

	rec := s.do(http.MethodPost, "/api/invoices", InvoiceRequest{Filter: EntryFilterDTO{ProjectID: "job-100"}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decode[InvoiceResultDTO](t, rec)
	require.Len(t, res.Warnings, 1)
	assert.True(t, res.Warnings[0].Retryable)

	rec = s.do(http.MethodGet, "/api/sync/pending", nil)
	pending := decode[[]PendingSyncDTO](t, rec)
	require.Len(t, pending, 1)
	assert.Equal(t, res.DocumentID, pending[0].DocumentID)

	// Still down: retry fails and stays queued.
	rec = s.do(http.MethodPost, "/api/sync/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, RetryReportDTO{Attempted: 1, Failed: 1}, decode[RetryReportDTO](t, rec))

	s.sync.setDown(false)
	rec = s.do(http.MethodPost, "/api/sync/retry", nil)
	assert.Equal(t, RetryReportDTO{Attempted: 1, Synced: 1}, decode[RetryReportDTO](t, rec))

	rec = s.do(http.MethodGet, "/api/sync/pending", nil)
	assert.Empty(t, decode[[]PendingSyncDTO](t, rec))
}

func TestErrorMapping(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(http.MethodGet, "/api/documents/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodPost, "/api/invoices", InvoiceRequest{Filter: EntryFilterDTO{From: "March 1"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/time-entries", CreateTimeEntriesRequest{Entries: []TimeEntryDTO{
		{PersonID: "a", ProjectID: "p", Date: "2025-03-03", Hours: decimal.NewFromInt(-2)},
	}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodGet, "/api/time-entries?side=payroll", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/ratecards", map[string]any{"project_id": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImportRateCard_SharedBracketIDs(t *testing.T) {
	s := newTestServer(t)
	card := func(project, rate string) map[string]any {
		return map[string]any{
			"project_id": project,
			"brackets":   []map[string]any{{"id": "carp", "name": "Carpenter", "bill_rate": rate}},
			"crew":       []map[string]any{{"id": "alice", "name": "Alice", "bracket_id": "carp"}},
		}
	}
	rec := s.do(http.MethodPost, "/api/ratecards", card("job-a", "50"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = s.do(http.MethodPost, "/api/ratecards", card("job-b", "90"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPost, "/api/time-entries", CreateTimeEntriesRequest{Entries: []TimeEntryDTO{
		{PersonID: "alice", ProjectID: "job-a", Date: "2025-03-03", Hours: decimal.NewFromInt(8)},
	}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPost, "/api/invoices/preview", InvoiceRequest{Filter: EntryFilterDTO{ProjectID: "job-a"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assertMoney(t, "400", decode[InvoicePreviewDTO](t, rec).Document.Total, "job-a keeps its own carp rate")
}

func TestCreateTimeEntries_BatchIsAllOrNothing(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	rec := s.do(http.MethodPost, "/api/time-entries", CreateTimeEntriesRequest{Entries: []TimeEntryDTO{
		{ID: "dup", PersonID: "a", ProjectID: "p", Date: "2025-03-03", Hours: decimal.NewFromInt(8)},
		{ID: "dup", PersonID: "a", ProjectID: "p", Date: "2025-03-04", Hours: decimal.NewFromInt(6)},
	}})
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	e, err := s.store.GetEntry(ctx, "dup")
	require.NoError(t, err)
	assert.Nil(t, e, "a rejected batch stores nothing")

	// An id that collides with a stored entry rolls back the rest of the batch.
	rec = s.do(http.MethodPost, "/api/time-entries", CreateTimeEntriesRequest{Entries: []TimeEntryDTO{
		{ID: "e1", PersonID: "a", ProjectID: "p", Date: "2025-03-03", Hours: decimal.NewFromInt(8)},
	}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = s.do(http.MethodPost, "/api/time-entries", CreateTimeEntriesRequest{Entries: []TimeEntryDTO{
		{ID: "e2", PersonID: "a", ProjectID: "p", Date: "2025-03-04", Hours: decimal.NewFromInt(8)},
		{ID: "e1", PersonID: "a", ProjectID: "p", Date: "2025-03-05", Hours: decimal.NewFromInt(8)},
	}})
	assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	e, err = s.store.GetEntry(ctx, "e2")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{&billing.BlockedRunError{}, http.StatusUnprocessableEntity},
		{&billing.ZeroRateError{}, http.StatusUnprocessableEntity},
		{&billing.LinkageConflictError{Side: billing.SideInvoice}, http.StatusConflict},
		{billing.ErrPayeeCreation, http.StatusBadGateway},
		{billing.ErrInvalidEdit, http.StatusBadRequest},
		{errors.New("disk full"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		status, _ := statusFor(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
	}
}

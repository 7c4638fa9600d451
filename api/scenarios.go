/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with a crew,
	its rate card and a week of time entries. Each scenario demonstrates
	one billing behavior.

AVAILABLE SCENARIOS:

	single-bracket:  Three carpenters on one bracket, one of them into overtime
	cross-bracket:   One person split across two brackets past the threshold
	vendor-fanout:   Agency, self-employed, new and unpaid people on one job

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Import the rate card via factory
 3. Record time entries for the week of 2025-03-03

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "cross-bracket"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: ResetDatabase
  - factory/ratecard.go: Rate card JSON definitions
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/labor-billing/billing"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type scenario struct {
	ScenarioDTO
	rateCards []string
	entries   []scenarioHours
}

// scenarioHours is one person's daily hours on a project, Monday first.
type scenarioHours struct {
	person  string
	project string
	daily   []string
}

var weekStart = time.Date(2025, time.March, 3, 0, 0, 0, 0, time.UTC)

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "single-bracket",
			Name:        "Single Bracket Crew",
			Description: "Three carpenters at $50/hr; Alice works 45 hours and bills 5 at 1.5x",
		},
		rateCards: []string{`{
			"project_id": "job-100",
			"brackets": [{"id": "carp", "name": "Carpenter", "bill_rate": "50", "overtime_multiplier": "1.5"}],
			"crew": [
				{"id": "alice", "name": "Alice Moreno", "bracket_id": "carp", "pay_rate": "30"},
				{"id": "bob", "name": "Bob Okafor", "bracket_id": "carp", "pay_rate": "28"},
				{"id": "carl", "name": "Carl Jensen", "bracket_id": "carp", "pay_rate": "28"}
			]
		}`},
		entries: []scenarioHours{
			{"alice", "job-100", []string{"9", "9", "9", "9", "9"}},
			{"bob", "job-100", []string{"8", "8", "8", "8", "8"}},
			{"carl", "job-100", []string{"6", "6"}},
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "cross-bracket",
			Name:        "Cross-Bracket Overtime",
			Description: "Dana works 30h as Laborer on job-200 and 20h as Operator on job-201; one invoice over both splits 10h overtime 6/4",
		},
		rateCards: []string{`{
			"project_id": "job-200",
			"brackets": [{"id": "labor", "name": "Laborer", "bill_rate": "40"}],
			"crew": [{"id": "dana", "name": "Dana Whitfield", "bracket_id": "labor", "pay_rate": "32"}]
		}`, `{
			"project_id": "job-201",
			"brackets": [{"id": "op", "name": "Operator", "bill_rate": "60"}],
			"crew": [{"id": "dana", "name": "Dana Whitfield", "bracket_id": "op", "pay_rate": "32"}]
		}`},
		entries: []scenarioHours{
			{"dana", "job-200", []string{"6", "6", "6", "6", "6"}},
			{"dana", "job-201", []string{"4", "4", "4", "4", "4"}},
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "vendor-fanout",
			Name:        "Vendor Bill Fan-Out",
			Description: "Agency worker, self-employed worker, a new payee and a zero pay rate",
		},
		rateCards: []string{`{
			"project_id": "job-300",
			"brackets": [{"id": "elec", "name": "Electrician", "bill_rate": "85"}],
			"vendors": [{"id": "acme", "name": "Acme Staffing"}],
			"crew": [
				{"id": "erin", "name": "Erin Shah", "bracket_id": "elec", "pay_rate": "45", "agency_vendor_id": "acme"},
				{"id": "femi", "name": "Femi Adeyemi", "bracket_id": "elec", "pay_rate": "50", "self_vendor_id": "femi-llc"},
				{"id": "gus", "name": "Gus Lindqvist", "bracket_id": "elec", "pay_rate": "40", "overtime_multiplier": "2"},
				{"id": "hana", "name": "Hana Ito", "bracket_id": "elec", "pay_rate": "0"}
			]
		}`},
		entries: []scenarioHours{
			{"erin", "job-300", []string{"10", "10", "10", "10", "4"}},
			{"femi", "job-300", []string{"8", "8", "8"}},
			{"gus", "job-300", []string{"10", "10", "10", "10", "10"}},
			{"hana", "job-300", []string{"4"}},
		},
	},
}

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	dtos := make([]ScenarioDTO, 0, len(scenarios))
	for _, s := range scenarios {
		dtos = append(dtos, s.ScenarioDTO)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
// GET /api/scenarios/current
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if s, ok := findScenario(current); ok {
		writeJSON(w, http.StatusOK, s.ScenarioDTO)
		return
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads a predefined scenario.
// POST /api/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	if err := h.loadScenario(r.Context(), s); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}

	h.mu.Lock()
	h.currentScenario = s.ID
	h.mu.Unlock()

	h.Logger.Info("scenario loaded", "scenario", s.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "scenario": s.ID})
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

func (h *Handler) loadScenario(ctx context.Context, s scenario) error {
	if err := h.Store.Reset(ctx); err != nil {
		return fmt.Errorf("reset: %w", err)
	}

	for _, js := range s.rateCards {
		card, err := h.RateCards.ParseRateCard(js)
		if err != nil {
			return fmt.Errorf("rate card: %w", err)
		}
		if err := card.Apply(ctx, h.Store); err != nil {
			return err
		}
	}

	for _, sh := range s.entries {
		for i, hours := range sh.daily {
			e := billing.TimeEntry{
				ID:        billing.EntryID(fmt.Sprintf("%s-%s-%d", sh.project, sh.person, i+1)),
				PersonID:  billing.PersonID(sh.person),
				ProjectID: billing.ProjectID(sh.project),
				Date:      weekStart.AddDate(0, 0, i),
				Hours:     decimal.RequireFromString(hours),
			}
			if err := h.Store.SaveEntry(ctx, e); err != nil {
				return err
			}
		}
	}
	return nil
}

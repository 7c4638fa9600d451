/*
Package factory provides JSON to Go rate card conversion.

PURPOSE:
  Converts a JSON rate card (one project's brackets and crew) into the
  billing reference records: brackets, people, assignments, pay profiles
  and vendors. Office staff maintain rate cards as JSON; the factory
  validates them and creates the proper Go structs.

JSON SCHEMA:
  {
    "project_id": "job-100",
    "brackets": [
      {"id": "carp", "name": "Carpenter", "bill_rate": "50", "overtime_multiplier": "1.5"}
    ],
    "vendors": [
      {"id": "acme", "name": "Acme Staffing"}
    ],
    "crew": [
      {
        "id": "alice", "name": "Alice",
        "bracket_id": "carp",
        "pay_rate": "30",
        "agency_vendor_id": "acme"
      }
    ]
  }

  Numbers may be JSON strings or numbers. "billable" defaults to true.
  A crew member without "bracket_id" is assigned with no bracket, which
  blocks customer invoicing for them until fixed. A crew member without
  "pay_rate" gets no pay profile.

USAGE:
  f := NewRateCardFactory()
  card, err := f.ParseRateCard(jsonString)
  err = card.Apply(ctx, store)

SEE ALSO:
  - billing/types.go: record types
  - store/sqlite/sqlite.go: RateCardWriter implementation
*/
package factory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/labor-billing/billing"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// RateCardJSON is the JSON representation of a project rate card.
type RateCardJSON struct {
	ProjectID string        `json:"project_id"`
	Brackets  []BracketJSON `json:"brackets"`
	Vendors   []VendorJSON  `json:"vendors,omitempty"`
	Crew      []CrewJSON    `json:"crew"`
}

type BracketJSON struct {
	ID                 string           `json:"id"`
	Name               string           `json:"name"`
	BillRate           decimal.Decimal  `json:"bill_rate"`
	OvertimeMultiplier *decimal.Decimal `json:"overtime_multiplier,omitempty"`
	Billable           *bool            `json:"billable,omitempty"`
}

type VendorJSON struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Kind string `json:"kind,omitempty"` // agency (default) or self
}

// CrewJSON is one person on the project.
type CrewJSON struct {
	ID                 string           `json:"id"`
	Name               string           `json:"name"`
	BracketID          string           `json:"bracket_id,omitempty"`
	Inactive           bool             `json:"inactive,omitempty"`
	PayRate            *decimal.Decimal `json:"pay_rate,omitempty"`
	OvertimeMultiplier *decimal.Decimal `json:"overtime_multiplier,omitempty"`
	AgencyVendorID     string           `json:"agency_vendor_id,omitempty"`
	SelfVendorID       string           `json:"self_vendor_id,omitempty"`
}

// =============================================================================
// RATE CARD
// =============================================================================

type Vendor struct {
	ID   billing.VendorID
	Name string
	Kind string
}

// RateCard is a parsed, validated rate card.
type RateCard struct {
	ProjectID   billing.ProjectID
	Brackets    []billing.RateBracket
	Vendors     []Vendor
	People      []billing.Person
	Assignments []billing.PersonnelAssignment
	PayProfiles []billing.PayProfile
}

// RateCardWriter persists rate card records.
type RateCardWriter interface {
	SavePerson(ctx context.Context, p billing.Person) error
	SaveVendor(ctx context.Context, id billing.VendorID, name, kind string) error
	SaveBracket(ctx context.Context, b billing.RateBracket) error
	SaveAssignment(ctx context.Context, a billing.PersonnelAssignment) error
	SavePayProfile(ctx context.Context, p billing.PayProfile) error
}

// Apply writes the card. Vendors and brackets go first so references resolve.
func (c *RateCard) Apply(ctx context.Context, w RateCardWriter) error {
	for _, v := range c.Vendors {
		if err := w.SaveVendor(ctx, v.ID, v.Name, v.Kind); err != nil {
			return fmt.Errorf("save vendor %s: %w", v.ID, err)
		}
	}
	for _, b := range c.Brackets {
		if err := w.SaveBracket(ctx, b); err != nil {
			return fmt.Errorf("save bracket %s: %w", b.ID, err)
		}
	}
	for _, p := range c.People {
		if err := w.SavePerson(ctx, p); err != nil {
			return fmt.Errorf("save person %s: %w", p.ID, err)
		}
	}
	for _, a := range c.Assignments {
		if err := w.SaveAssignment(ctx, a); err != nil {
			return fmt.Errorf("save assignment %s: %w", a.ID, err)
		}
	}
	for _, p := range c.PayProfiles {
		if err := w.SavePayProfile(ctx, p); err != nil {
			return fmt.Errorf("save pay profile %s: %w", p.PersonID, err)
		}
	}
	return nil
}

// =============================================================================
// RATE CARD FACTORY
// =============================================================================

// RateCardFactory converts JSON rate cards to billing records.
type RateCardFactory struct {
	// DefaultOvertimeMultiplier fills brackets that don't name one.
	DefaultOvertimeMultiplier decimal.Decimal
}

func NewRateCardFactory() *RateCardFactory {
	return &RateCardFactory{DefaultOvertimeMultiplier: billing.DefaultSettings().DefaultOvertimeMultiplier}
}

// ParseRateCard parses a JSON string into a RateCard.
func (f *RateCardFactory) ParseRateCard(jsonStr string) (*RateCard, error) {
	var rj RateCardJSON
	if err := json.Unmarshal([]byte(jsonStr), &rj); err != nil {
		return nil, fmt.Errorf("failed to parse rate card JSON: %w", err)
	}
	return f.FromJSON(rj)
}

// FromJSON validates and converts a RateCardJSON.
func (f *RateCardFactory) FromJSON(rj RateCardJSON) (*RateCard, error) {
	if rj.ProjectID == "" {
		return nil, invalid("project_id", "is required")
	}
	card := &RateCard{ProjectID: billing.ProjectID(rj.ProjectID)}

	brackets := make(map[string]billing.RateBracket, len(rj.Brackets))
	for _, bj := range rj.Brackets {
		b, err := f.parseBracket(card.ProjectID, bj)
		if err != nil {
			return nil, err
		}
		if _, dup := brackets[bj.ID]; dup {
			return nil, invalid("brackets", fmt.Sprintf("duplicate id %q", bj.ID))
		}
		card.Brackets = append(card.Brackets, b)
		brackets[bj.ID] = b
	}

	vendors := make(map[string]bool, len(rj.Vendors))
	for _, vj := range rj.Vendors {
		if vj.ID == "" {
			return nil, invalid("vendors", "id is required")
		}
		kind := vj.Kind
		if kind == "" {
			kind = "agency"
		}
		if kind != "agency" && kind != "self" {
			return nil, invalid("vendors", fmt.Sprintf("unknown kind %q", vj.Kind))
		}
		name := vj.Name
		if name == "" {
			name = vj.ID
		}
		vendors[vj.ID] = true
		card.Vendors = append(card.Vendors, Vendor{ID: billing.VendorID(vj.ID), Name: name, Kind: kind})
	}

	seen := make(map[string]bool, len(rj.Crew))
	for _, cj := range rj.Crew {
		if cj.ID == "" {
			return nil, invalid("crew", "id is required")
		}
		if seen[cj.ID] {
			return nil, invalid("crew", fmt.Sprintf("duplicate id %q", cj.ID))
		}
		seen[cj.ID] = true

		name := cj.Name
		if name == "" {
			name = cj.ID
		}
		personID := billing.PersonID(cj.ID)
		card.People = append(card.People, billing.Person{ID: personID, Name: name})

		assignment := billing.PersonnelAssignment{
			ID:        fmt.Sprintf("%s:%s", rj.ProjectID, cj.ID),
			PersonID:  personID,
			ProjectID: card.ProjectID,
			Status:    billing.AssignmentActive,
		}
		if cj.Inactive {
			assignment.Status = billing.AssignmentInactive
		}
		if cj.BracketID != "" {
			b, ok := brackets[cj.BracketID]
			if !ok {
				return nil, invalid("crew", fmt.Sprintf("%s: unknown bracket %q", cj.ID, cj.BracketID))
			}
			assignment.Bracket = &b
		}
		card.Assignments = append(card.Assignments, assignment)

		if cj.PayRate == nil {
			continue
		}
		if cj.PayRate.IsNegative() {
			return nil, invalid("crew", fmt.Sprintf("%s: pay_rate must not be negative", cj.ID))
		}
		profile := billing.PayProfile{PersonID: personID, PayRate: *cj.PayRate}
		if cj.OvertimeMultiplier != nil {
			if cj.OvertimeMultiplier.LessThan(decimal.NewFromInt(1)) {
				return nil, invalid("crew", fmt.Sprintf("%s: overtime_multiplier must be at least 1", cj.ID))
			}
			profile.OvertimeMultiplier = *cj.OvertimeMultiplier
		}
		if cj.AgencyVendorID != "" {
			if !vendors[cj.AgencyVendorID] {
				return nil, invalid("crew", fmt.Sprintf("%s: unknown agency vendor %q", cj.ID, cj.AgencyVendorID))
			}
			v := billing.VendorID(cj.AgencyVendorID)
			profile.AgencyVendorID = &v
		}
		if cj.SelfVendorID != "" {
			v := billing.VendorID(cj.SelfVendorID)
			profile.SelfVendorID = &v
			if !vendors[cj.SelfVendorID] {
				vendors[cj.SelfVendorID] = true
				card.Vendors = append(card.Vendors, Vendor{ID: v, Name: name, Kind: "self"})
			}
		}
		card.PayProfiles = append(card.PayProfiles, profile)
	}

	return card, nil
}

func (f *RateCardFactory) parseBracket(projectID billing.ProjectID, bj BracketJSON) (billing.RateBracket, error) {
	if bj.ID == "" {
		return billing.RateBracket{}, invalid("brackets", "id is required")
	}
	if bj.BillRate.IsNegative() {
		return billing.RateBracket{}, invalid("brackets", fmt.Sprintf("%s: bill_rate must not be negative", bj.ID))
	}
	multiplier := f.DefaultOvertimeMultiplier
	if bj.OvertimeMultiplier != nil {
		multiplier = *bj.OvertimeMultiplier
	}
	if multiplier.LessThan(decimal.NewFromInt(1)) {
		return billing.RateBracket{}, invalid("brackets", fmt.Sprintf("%s: overtime_multiplier must be at least 1", bj.ID))
	}
	name := bj.Name
	if name == "" {
		name = bj.ID
	}
	billable := true
	if bj.Billable != nil {
		billable = *bj.Billable
	}
	return billing.RateBracket{
		ID:                 billing.BracketID(bj.ID),
		ProjectID:          projectID,
		Name:               name,
		BillRate:           bj.BillRate,
		OvertimeMultiplier: multiplier,
		Billable:           billable,
	}, nil
}

// ToJSON converts a RateCard back to its JSON form.
func (f *RateCardFactory) ToJSON(card *RateCard) RateCardJSON {
	rj := RateCardJSON{ProjectID: string(card.ProjectID)}
	for _, b := range card.Brackets {
		mult := b.OvertimeMultiplier
		billable := b.Billable
		rj.Brackets = append(rj.Brackets, BracketJSON{
			ID:                 string(b.ID),
			Name:               b.Name,
			BillRate:           b.BillRate,
			OvertimeMultiplier: &mult,
			Billable:           &billable,
		})
	}
	for _, v := range card.Vendors {
		rj.Vendors = append(rj.Vendors, VendorJSON{ID: string(v.ID), Name: v.Name, Kind: v.Kind})
	}

	profiles := make(map[billing.PersonID]billing.PayProfile, len(card.PayProfiles))
	for _, p := range card.PayProfiles {
		profiles[p.PersonID] = p
	}
	assignments := make(map[billing.PersonID]billing.PersonnelAssignment, len(card.Assignments))
	for _, a := range card.Assignments {
		assignments[a.PersonID] = a
	}
	for _, p := range card.People {
		cj := CrewJSON{ID: string(p.ID), Name: p.Name}
		if a, ok := assignments[p.ID]; ok {
			cj.Inactive = !a.IsActive()
			if a.Bracket != nil {
				cj.BracketID = string(a.Bracket.ID)
			}
		}
		if prof, ok := profiles[p.ID]; ok {
			rate := prof.PayRate
			cj.PayRate = &rate
			if !prof.OvertimeMultiplier.IsZero() {
				mult := prof.OvertimeMultiplier
				cj.OvertimeMultiplier = &mult
			}
			if prof.AgencyVendorID != nil {
				cj.AgencyVendorID = string(*prof.AgencyVendorID)
			}
			if prof.SelfVendorID != nil {
				cj.SelfVendorID = string(*prof.SelfVendorID)
			}
		}
		rj.Crew = append(rj.Crew, cj)
	}
	return rj
}

func invalid(field, reason string) error {
	return &billing.ConfigError{Field: field, Reason: reason}
}

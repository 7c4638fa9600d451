package billing

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// PayeeSource records how a vendor-bill payee was determined.
type PayeeSource string

const (
	PayeeOverride    PayeeSource = "override"
	PayeeAgency      PayeeSource = "agency"
	PayeeSelf        PayeeSource = "self"
	PayeeNeedsCreate PayeeSource = "needs_create"
)

// Payee is the resolved recipient of a vendor bill. VendorID is nil when
// Source is PayeeNeedsCreate.
type Payee struct {
	VendorID *VendorID
	Source   PayeeSource
}

func (p Payee) NeedsCreate() bool { return p.Source == PayeeNeedsCreate }

// RateInfo is a resolved rate for one (person, project, side).
type RateInfo struct {
	Side               Side
	BracketID          BracketID // invoice side only
	BracketName        string    // invoice side only
	Rate               decimal.Decimal
	OvertimeMultiplier decimal.Decimal
	Payee              Payee // vendor-bill side only
}

// Unresolved reasons.
const (
	ReasonNoAssignment   = "no active assignment"
	ReasonNoBracket      = "no rate bracket assigned"
	ReasonNotBillable    = "rate bracket is not billable"
	ReasonNoPayProfile   = "no pay profile"
	ReasonPersonNotFound = "person not found"
)

// RateResolver looks up the rate that applies to a person. It is read-only
// and caches per instance, so create one per aggregation run.
type RateResolver struct {
	Source                    RateSource
	DefaultOvertimeMultiplier decimal.Decimal
	PayeeOverrides            map[PersonID]VendorID

	cache map[rateKey]rateResult
	names map[PersonID]string
}

type rateKey struct {
	person  PersonID
	project ProjectID
	side    Side
}

type rateResult struct {
	info   RateInfo
	ok     bool
	reason string
}

func NewRateResolver(source RateSource, defaultOTMultiplier decimal.Decimal, overrides map[PersonID]VendorID) *RateResolver {
	return &RateResolver{
		Source:                    source,
		DefaultOvertimeMultiplier: defaultOTMultiplier,
		PayeeOverrides:            overrides,
		cache:                     make(map[rateKey]rateResult),
		names:                     make(map[PersonID]string),
	}
}

// Resolve returns the rate for (person, project, side). ok=false means the
// person is unresolved and reason says why; that is a normal outcome, not an
// error. Errors are reserved for store failures and bad stored configuration.
func (r *RateResolver) Resolve(ctx context.Context, personID PersonID, projectID ProjectID, side Side) (info RateInfo, ok bool, reason string, err error) {
	// Pay rates don't depend on the project.
	key := rateKey{person: personID, project: projectID, side: side}
	if side == SideVendorBill {
		key.project = ""
	}
	if res, hit := r.cache[key]; hit {
		return res.info, res.ok, res.reason, nil
	}

	var res rateResult
	switch side {
	case SideInvoice:
		res, err = r.resolveBracket(ctx, personID, projectID)
	case SideVendorBill:
		res, err = r.resolvePay(ctx, personID)
	default:
		return RateInfo{}, false, "", fmt.Errorf("%w: %q", ErrInvalidSide, side)
	}
	if err != nil {
		return RateInfo{}, false, "", err
	}
	r.cache[key] = res
	return res.info, res.ok, res.reason, nil
}

func (r *RateResolver) resolveBracket(ctx context.Context, personID PersonID, projectID ProjectID) (rateResult, error) {
	assignment, err := r.Source.ActiveAssignment(ctx, personID, projectID)
	if err != nil {
		return rateResult{}, fmt.Errorf("load assignment for %s: %w", personID, err)
	}
	switch {
	case assignment == nil || !assignment.IsActive():
		return rateResult{reason: ReasonNoAssignment}, nil
	case assignment.Bracket == nil:
		return rateResult{reason: ReasonNoBracket}, nil
	case !assignment.Bracket.Billable:
		return rateResult{reason: ReasonNotBillable}, nil
	}

	b := assignment.Bracket
	multiplier, err := r.overtimeMultiplier(b.OvertimeMultiplier, "overtime_multiplier of bracket "+string(b.ID))
	if err != nil {
		return rateResult{}, err
	}
	return rateResult{ok: true, info: RateInfo{
		Side:               SideInvoice,
		BracketID:          b.ID,
		BracketName:        b.Name,
		Rate:               b.BillRate,
		OvertimeMultiplier: multiplier,
	}}, nil
}

func (r *RateResolver) resolvePay(ctx context.Context, personID PersonID) (rateResult, error) {
	profile, err := r.Source.PayProfile(ctx, personID)
	if err != nil {
		return rateResult{}, fmt.Errorf("load pay profile for %s: %w", personID, err)
	}
	if profile == nil {
		return rateResult{reason: ReasonNoPayProfile}, nil
	}

	multiplier, err := r.overtimeMultiplier(profile.OvertimeMultiplier, "overtime_multiplier of pay profile "+string(personID))
	if err != nil {
		return rateResult{}, err
	}
	return rateResult{ok: true, info: RateInfo{
		Side:               SideVendorBill,
		Rate:               profile.PayRate,
		OvertimeMultiplier: multiplier,
		Payee:              r.resolvePayee(personID, profile),
	}}, nil
}

// overtimeMultiplier falls back to the default when m is unset (zero). A set
// multiplier below 1 would pay overtime under the regular rate; it is a
// configuration error, not something to price around.
func (r *RateResolver) overtimeMultiplier(m decimal.Decimal, field string) (decimal.Decimal, error) {
	if m.IsZero() {
		m = r.DefaultOvertimeMultiplier
	}
	if m.LessThan(decimal.NewFromInt(1)) {
		return decimal.Zero, &ConfigError{Field: field, Reason: fmt.Sprintf("must be at least 1, got %s", m)}
	}
	return m, nil
}

// resolvePayee applies: per-run override, staffing agency, existing
// self-vendor, then signals that one must be created.
func (r *RateResolver) resolvePayee(personID PersonID, profile *PayProfile) Payee {
	if v, ok := r.PayeeOverrides[personID]; ok && v != "" {
		return Payee{VendorID: &v, Source: PayeeOverride}
	}
	if profile.AgencyVendorID != nil && *profile.AgencyVendorID != "" {
		v := *profile.AgencyVendorID
		return Payee{VendorID: &v, Source: PayeeAgency}
	}
	if profile.SelfVendorID != nil && *profile.SelfVendorID != "" {
		v := *profile.SelfVendorID
		return Payee{VendorID: &v, Source: PayeeSelf}
	}
	return Payee{Source: PayeeNeedsCreate}
}

// PersonName returns the display name for personID, falling back to the id.
func (r *RateResolver) PersonName(ctx context.Context, personID PersonID) (string, error) {
	if name, ok := r.names[personID]; ok {
		return name, nil
	}
	p, err := r.Source.Person(ctx, personID)
	if err != nil {
		return "", fmt.Errorf("load person %s: %w", personID, err)
	}
	name := string(personID)
	if p != nil && p.Name != "" {
		name = p.Name
	}
	r.names[personID] = name
	return name, nil
}

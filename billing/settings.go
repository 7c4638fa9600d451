package billing

import "github.com/shopspring/decimal"

// Settings are read once at the start of a run.
type Settings struct {
	// WeeklyOvertimeThreshold is the per-person hour count, across the whole
	// run, after which hours are overtime.
	WeeklyOvertimeThreshold decimal.Decimal

	// DefaultOvertimeMultiplier applies when a bracket or pay profile has none.
	DefaultOvertimeMultiplier decimal.Decimal

	// LaborTaxRate is applied to document subtotals. Zero for labor.
	LaborTaxRate decimal.Decimal
}

func DefaultSettings() Settings {
	return Settings{
		WeeklyOvertimeThreshold:   DefaultWeeklyThreshold,
		DefaultOvertimeMultiplier: decimal.RequireFromString("1.5"),
		LaborTaxRate:              decimal.Zero,
	}
}

func (s Settings) Validate() error {
	if !s.WeeklyOvertimeThreshold.IsPositive() {
		return &ConfigError{Field: "overtime threshold", Reason: "must be greater than zero"}
	}
	if s.DefaultOvertimeMultiplier.LessThan(decimal.NewFromInt(1)) {
		return &ConfigError{Field: "default overtime multiplier", Reason: "must be at least 1"}
	}
	if s.LaborTaxRate.IsNegative() {
		return &ConfigError{Field: "labor tax rate", Reason: "must not be negative"}
	}
	return nil
}

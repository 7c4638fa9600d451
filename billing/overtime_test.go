package billing_test

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/labor-billing/billing"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	if !dec(want).Equal(got) {
		assert.Fail(t, fmt.Sprintf("want %s, got %s", want, got), msgAndArgs...)
	}
}

func TestOvertimeAllocator_RejectsNonPositiveThreshold(t *testing.T) {
	for _, threshold := range []string{"0", "-8"} {
		_, err := billing.NewOvertimeAllocator(dec(threshold))
		require.Error(t, err)
		assert.ErrorIs(t, err, billing.ErrInvalidConfiguration)
	}
}

func TestOvertimeAllocator_Allocate(t *testing.T) {
	alloc, err := billing.NewOvertimeAllocator(dec("40"))
	require.NoError(t, err)

	cases := []struct {
		total, regular, overtime string
	}{
		{"0", "0", "0"},
		{"30", "30", "0"},
		{"40", "40", "0"},
		{"50", "40", "10"},
		{"40.25", "40", "0.25"},
	}
	for _, tc := range cases {
		split := alloc.Allocate(dec(tc.total))
		assertDecimal(t, tc.regular, split.Regular, "regular for %s", tc.total)
		assertDecimal(t, tc.overtime, split.Overtime, "overtime for %s", tc.total)
		assertDecimal(t, tc.total, split.Total(), "conservation for %s", tc.total)
	}
}

func TestApportion_TwoBrackets(t *testing.T) {
	// GIVEN: 30h under X and 20h under Y, split 40 regular / 10 overtime
	// THEN: X gets 24/6, Y gets 16/4
	split := billing.HourSplit{Regular: dec("40"), Overtime: dec("10")}
	out := billing.Apportion(split, map[string]decimal.Decimal{"x": dec("30"), "y": dec("20")})

	assertDecimal(t, "24", out["x"].Regular)
	assertDecimal(t, "6", out["x"].Overtime)
	assertDecimal(t, "16", out["y"].Regular)
	assertDecimal(t, "4", out["y"].Overtime)
}

func TestApportion_ConservesHoursWithRepeatingShares(t *testing.T) {
	// Thirds don't divide evenly; sums must still be exact.
	split := billing.HourSplit{Regular: dec("40"), Overtime: dec("5")}
	hours := map[string]decimal.Decimal{"a": dec("15"), "b": dec("15"), "c": dec("15")}
	out := billing.Apportion(split, hours)

	sum := billing.HourSplit{Regular: decimal.Zero, Overtime: decimal.Zero}
	for k, s := range out {
		assertDecimal(t, hours[k].String(), s.Total(), "bucket %s", k)
		sum = sum.Add(s)
	}
	assertDecimal(t, "40", sum.Regular)
	assertDecimal(t, "5", sum.Overtime)
}

func TestApportion_ZeroHours(t *testing.T) {
	out := billing.Apportion(billing.HourSplit{Regular: decimal.Zero, Overtime: decimal.Zero},
		map[string]decimal.Decimal{"a": decimal.Zero})
	require.Contains(t, out, "a")
	assert.True(t, out["a"].Total().IsZero())
}

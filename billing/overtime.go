package billing

import (
	"cmp"
	"slices"

	"github.com/shopspring/decimal"
)

// DefaultWeeklyThreshold is the number of hours after which time counts as overtime.
var DefaultWeeklyThreshold = decimal.NewFromInt(40)

// OvertimeAllocator splits a person's hours for one run into regular and
// overtime. The threshold is read once per run, never per entry.
type OvertimeAllocator struct {
	threshold decimal.Decimal
}

// NewOvertimeAllocator fails on a non-positive threshold; there is no
// "unlimited regular hours" mode.
func NewOvertimeAllocator(weeklyThreshold decimal.Decimal) (*OvertimeAllocator, error) {
	if !weeklyThreshold.IsPositive() {
		return nil, &ConfigError{Field: "overtime threshold", Reason: "must be greater than zero"}
	}
	return &OvertimeAllocator{threshold: weeklyThreshold}, nil
}

func (a *OvertimeAllocator) Threshold() decimal.Decimal { return a.threshold }

// Allocate returns regular = min(total, threshold), overtime = max(0, total - threshold).
func (a *OvertimeAllocator) Allocate(total decimal.Decimal) HourSplit {
	if !total.IsPositive() {
		return HourSplit{Regular: decimal.Zero, Overtime: decimal.Zero}
	}
	regular := decimal.Min(total, a.threshold)
	return HourSplit{Regular: regular, Overtime: total.Sub(regular)}
}

// Apportion distributes split across buckets in proportion to the hours each
// bucket contributed. Buckets are processed in key order; the last one takes
// the remainder so that the bucket splits sum back to split exactly, and each
// bucket's regular + overtime equals its own hours.
func Apportion[K cmp.Ordered](split HourSplit, hoursByBucket map[K]decimal.Decimal) map[K]HourSplit {
	keys := make([]K, 0, len(hoursByBucket))
	total := decimal.Zero
	for k, h := range hoursByBucket {
		keys = append(keys, k)
		total = total.Add(h)
	}
	slices.Sort(keys)

	out := make(map[K]HourSplit, len(keys))
	if !total.IsPositive() {
		for _, k := range keys {
			out[k] = HourSplit{Regular: decimal.Zero, Overtime: decimal.Zero}
		}
		return out
	}

	remaining := split.Regular
	for i, k := range keys {
		h := hoursByBucket[k]
		var regular decimal.Decimal
		if i == len(keys)-1 {
			regular = remaining
		} else {
			regular = split.Regular.Mul(h).Div(total)
			remaining = remaining.Sub(regular)
		}
		out[k] = HourSplit{Regular: regular, Overtime: h.Sub(regular)}
	}
	return out
}

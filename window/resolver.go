// Package window selects the touchpoints eligible for credit on a conversion.
package window

import (
	"time"

	"github.com/yairfalse/kredo/types"
)

// Start returns the earliest eligible timestamp for a conversion.
//
// A single cutoff derived from the click lookback applies to every
// touchpoint kind. The policy's view lookback is stored but not consulted
// here; payment reconciliation depends on the unified window.
func Start(policy types.WindowPolicy, conversionAt time.Time) time.Time {
	return conversionAt.Add(-policy.ClickWindow())
}

// Resolve filters a session history to touchpoints at or after the window
// start, preserving chronological order. The input is not modified.
func Resolve(policy types.WindowPolicy, conversionAt time.Time, history []types.Touchpoint) []types.Touchpoint {
	if len(history) == 0 {
		return nil
	}
	start := Start(policy, conversionAt)

	ordered := types.SortChronological(history)
	eligible := ordered[:0]
	for _, tp := range ordered {
		if !tp.Timestamp.Before(start) {
			eligible = append(eligible, tp)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	return eligible
}

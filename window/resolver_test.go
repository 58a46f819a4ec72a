package window

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/kredo/types"
)

var conversionAt = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func tp(id string, kind types.EventKind, seq int64, before time.Duration) types.Touchpoint {
	return types.Touchpoint{
		ID:        id,
		Kind:      kind,
		Sequence:  seq,
		Timestamp: conversionAt.Add(-before),
	}
}

func TestResolve_Boundaries(t *testing.T) {
	policy := types.DefaultPolicy()

	tests := []struct {
		name    string
		before  time.Duration
		include bool
	}{
		{"eight days before is excluded", 8 * 24 * time.Hour, false},
		{"six days 23 hours before is included", 6*24*time.Hour + 23*time.Hour, true},
		{"exactly at window start is included", 7 * 24 * time.Hour, true},
		{"one nanosecond before window start is excluded", 7*24*time.Hour + time.Nanosecond, false},
		{"after conversion is included", -time.Hour, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(policy, conversionAt, []types.Touchpoint{tp("x", types.EventClick, 1, tt.before)})
			if tt.include {
				assert.Len(t, got, 1)
			} else {
				assert.Empty(t, got)
			}
		})
	}
}

func TestResolve_UnifiedWindowIgnoresViewLookback(t *testing.T) {
	policy := types.DefaultPolicy() // click 7d, view 1d
	view := tp("view", types.EventView, 1, 3*24*time.Hour)

	got := Resolve(policy, conversionAt, []types.Touchpoint{view})
	require.Len(t, got, 1, "a 3-day-old view stays eligible under the unified click window")
	assert.True(t, Start(policy, conversionAt).Equal(conversionAt.Add(-policy.ClickWindow())))
}

func TestResolve_OrderAndPurity(t *testing.T) {
	policy := types.DefaultPolicy()
	history := []types.Touchpoint{
		tp("c", types.EventClick, 3, time.Hour),
		tp("old", types.EventClick, 1, 30*24*time.Hour),
		tp("a", types.EventView, 2, 5*time.Hour),
		tp("b", types.EventClick, 4, 5*time.Hour),
	}

	got := Resolve(policy, conversionAt, history)

	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
	assert.Equal(t, "c", got[2].ID)
	assert.Equal(t, "c", history[0].ID)
	assert.Equal(t, "old", history[1].ID)
}

func TestResolve_Empty(t *testing.T) {
	assert.Empty(t, Resolve(types.DefaultPolicy(), conversionAt, nil))
}

func TestResolve_ZeroLookback(t *testing.T) {
	policy := types.WindowPolicy{Model: types.ModelLastClick}
	history := []types.Touchpoint{
		tp("earlier", types.EventClick, 1, time.Minute),
		tp("same", types.EventClick, 2, 0),
	}
	got := Resolve(policy, conversionAt, history)
	require.Len(t, got, 1)
	assert.Equal(t, "same", got[0].ID)
}

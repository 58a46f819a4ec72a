package attribution

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/kredo/types"
)

var t0 = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func tp(kind types.EventKind, agency string, offset time.Duration, seq int64) types.Touchpoint {
	return types.Touchpoint{
		SessionID: "s1",
		Kind:      kind,
		AgencyID:  agency,
		Timestamp: t0.Add(offset),
		Sequence:  seq,
	}
}

func TestAttribute_Models(t *testing.T) {
	conversion := t0.Add(6 * time.Hour)

	tests := []struct {
		name        string
		model       types.Model
		tps         []types.Touchpoint
		primary     string
		confidence  int
		count       int
		breakdown   types.Breakdown
		unallocated float64
	}{
		{
			name:  "last click ignores later views",
			model: types.ModelLastClick,
			tps: []types.Touchpoint{
				tp(types.EventClick, "A", 0, 1),
				tp(types.EventClick, "B", time.Hour, 2),
				tp(types.EventView, "C", 2*time.Hour, 3),
			},
			primary:    "B",
			confidence: 85,
			count:      2,
			breakdown:  types.Breakdown{"B": 1},
		},
		{
			name:  "first click",
			model: types.ModelFirstClick,
			tps: []types.Touchpoint{
				tp(types.EventView, "C", 0, 1),
				tp(types.EventClick, "A", time.Hour, 2),
				tp(types.EventClick, "B", 2*time.Hour, 3),
			},
			primary:    "A",
			confidence: 75,
			count:      2,
			breakdown:  types.Breakdown{"A": 1},
		},
		{
			name:  "linear end to end",
			model: types.ModelLinear,
			tps: []types.Touchpoint{
				tp(types.EventClick, "A", 0, 1),
				tp(types.EventView, "B", time.Hour, 2),
				tp(types.EventClick, "A", 5*time.Hour, 3),
			},
			primary:    "A",
			confidence: 70,
			count:      3,
			breakdown:  types.Breakdown{"A": 2.0 / 3, "B": 1.0 / 3},
		},
		{
			name:  "linear tie goes to first encountered",
			model: types.ModelLinear,
			tps: []types.Touchpoint{
				tp(types.EventView, "B", 0, 1),
				tp(types.EventClick, "A", time.Hour, 2),
			},
			primary:    "B",
			confidence: 70,
			count:      2,
			breakdown:  types.Breakdown{"A": 0.5, "B": 0.5},
		},
		{
			name:  "position based single click",
			model: types.ModelPositionBased,
			tps: []types.Touchpoint{
				tp(types.EventView, "B", 0, 1),
				tp(types.EventClick, "A", time.Hour, 2),
			},
			primary:    "A",
			confidence: 90,
			count:      1,
			breakdown:  types.Breakdown{"A": 1},
		},
		{
			name:  "position based two clicks",
			model: types.ModelPositionBased,
			tps: []types.Touchpoint{
				tp(types.EventClick, "A", 0, 1),
				tp(types.EventClick, "B", time.Hour, 2),
			},
			primary:     "A",
			confidence:  85,
			count:       2,
			breakdown:   types.Breakdown{"A": 0.4, "B": 0.4},
			unallocated: 0.2,
		},
		{
			name:  "position based middle share",
			model: types.ModelPositionBased,
			tps: []types.Touchpoint{
				tp(types.EventClick, "A", 0, 1),
				tp(types.EventClick, "C", time.Hour, 2),
				tp(types.EventClick, "C", 2*time.Hour, 3),
				tp(types.EventClick, "B", 3*time.Hour, 4),
			},
			primary:    "A",
			confidence: 85,
			count:      4,
			breakdown:  types.Breakdown{"A": 0.4, "B": 0.4, "C": 0.2},
		},
		{
			name:  "position based same agency at both ends",
			model: types.ModelPositionBased,
			tps: []types.Touchpoint{
				tp(types.EventClick, "A", 0, 1),
				tp(types.EventClick, "B", time.Hour, 2),
				tp(types.EventClick, "A", 2*time.Hour, 3),
			},
			primary:    "A",
			confidence: 85,
			count:      3,
			breakdown:  types.Breakdown{"A": 0.8, "B": 0.2},
		},
		{
			name:  "unknown model runs as last click",
			model: types.Model("MYSTERY"),
			tps: []types.Touchpoint{
				tp(types.EventClick, "A", 0, 1),
			},
			primary:    "A",
			confidence: 85,
			count:      1,
			breakdown:  types.Breakdown{"A": 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Attribute(tt.model, tt.tps, conversion)
			assert.Equal(t, tt.primary, d.PrimaryAgency)
			assert.Equal(t, tt.confidence, d.Confidence)
			assert.Equal(t, tt.count, d.TouchpointCount)
			assert.InDelta(t, tt.unallocated, d.Unallocated, 1e-9)
			require.Len(t, d.Breakdown, len(tt.breakdown))
			for agency, w := range tt.breakdown {
				assert.InDelta(t, w, d.Breakdown[agency], 1e-9, agency)
			}
		})
	}
}

func TestAttribute_Fallback(t *testing.T) {
	conversion := t0.Add(time.Hour)
	inputs := map[string][]types.Touchpoint{
		"empty":           nil,
		"no agency":       {tp(types.EventClick, "", 0, 1)},
		"views only":      {tp(types.EventView, "A", 0, 1)},
		"impression only": {tp(types.EventImpression, "A", 0, 1)},
	}

	for name, tps := range inputs {
		for _, model := range types.SelectableModels {
			if name == "views only" && (model == types.ModelLinear || model == types.ModelTimeDecay) {
				continue
			}
			t.Run(name+"/"+string(model), func(t *testing.T) {
				d := Attribute(model, tps, conversion)
				assert.Equal(t, types.ModelFallback, d.Model)
				assert.Empty(t, d.PrimaryAgency)
				assert.Zero(t, d.Confidence)
				assert.Empty(t, d.Breakdown)
				assert.Zero(t, d.TouchpointCount)
			})
		}
	}
}

func TestAttribute_TimeDecay(t *testing.T) {
	conversion := t0.Add(48 * time.Hour)
	d := Attribute(types.ModelTimeDecay, []types.Touchpoint{
		tp(types.EventClick, "A", 0, 1),
		tp(types.EventView, "B", 24*time.Hour, 2),
	}, conversion)

	// B is one decay constant closer: weights e^-1 : 1
	wantB := 1 / (1 + math.Exp(-1))
	assert.Equal(t, "B", d.PrimaryAgency)
	assert.Equal(t, 80, d.Confidence)
	assert.Equal(t, 2, d.TouchpointCount)
	assert.InDelta(t, wantB, d.Breakdown["B"], 1e-9)
	assert.InDelta(t, 1-wantB, d.Breakdown["A"], 1e-9)
}

func TestAttribute_TimeDecayFarHistory(t *testing.T) {
	conversion := t0.Add(400 * 24 * time.Hour)
	d := Attribute(types.ModelTimeDecay, []types.Touchpoint{
		tp(types.EventClick, "A", 0, 1),
		tp(types.EventClick, "B", time.Hour, 2),
	}, conversion)

	require.True(t, d.Attributed())
	assert.InDelta(t, 1.0, d.Breakdown.Sum(), types.WeightTolerance)
	assert.False(t, math.IsNaN(d.Breakdown["A"]))
}

// Randomized journeys: every model keeps the decision invariants
func TestAttribute_Invariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	kinds := []types.EventKind{types.EventClick, types.EventView, types.EventImpression, types.EventEngagement}
	agencies := []string{"", "A", "B", "C"}
	conversion := t0.Add(10 * 24 * time.Hour)

	for i := 0; i < 300; i++ {
		n := rng.Intn(8)
		var tps []types.Touchpoint
		for j := 0; j < n; j++ {
			tps = append(tps, tp(
				kinds[rng.Intn(len(kinds))],
				agencies[rng.Intn(len(agencies))],
				time.Duration(rng.Intn(240))*time.Hour,
				int64(j+1),
			))
		}

		for _, model := range types.SelectableModels {
			d := Attribute(model, tps, conversion)
			d.OrderID = "o"
			require.NoError(t, d.Validate(), "model %s journey %d", model, i)
			assert.Equal(t, d.Attributed(), len(d.Breakdown) > 0)
		}
	}
}

func TestAttribute_ClickModelsIgnoreInterleavedViews(t *testing.T) {
	clicks := []types.Touchpoint{
		tp(types.EventClick, "A", 0, 1),
		tp(types.EventClick, "B", 3*time.Hour, 2),
	}
	withViews := append([]types.Touchpoint{
		tp(types.EventView, "C", time.Hour, 3),
		tp(types.EventView, "D", 2*time.Hour, 4),
	}, clicks...)

	for _, model := range []types.Model{types.ModelLastClick, types.ModelFirstClick} {
		a := Attribute(model, clicks, t0.Add(5*time.Hour))
		b := Attribute(model, withViews, t0.Add(5*time.Hour))
		assert.Equal(t, a, b, model)
	}
}

func TestAttribute_TimeDecayMonotonic(t *testing.T) {
	conversion := t0.Add(72 * time.Hour)
	for gap := 1; gap < 48; gap += 7 {
		d := Attribute(types.ModelTimeDecay, []types.Touchpoint{
			tp(types.EventClick, "far", 0, 1),
			tp(types.EventClick, "near", time.Duration(gap)*time.Hour, 2),
		}, conversion)
		assert.GreaterOrEqual(t, d.Breakdown["near"], d.Breakdown["far"])
	}
}

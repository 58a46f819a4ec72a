package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/kredo/attribution"
	"github.com/yairfalse/kredo/types"
)

var _ attribution.Advisor = (*Engine)(nil)

func attributed(confidence int, src types.InferredSource) *types.Decision {
	return &types.Decision{
		OrderID:         "o-1",
		PrimaryAgency:   "a1",
		Confidence:      confidence,
		Breakdown:       types.Breakdown{"a1": 1},
		Model:           types.ModelLastClick,
		TouchpointCount: 2,
		Source:          src,
	}
}

func TestEngine_BuiltinAdvisory(t *testing.T) {
	ctx := context.Background()
	engine, err := New(ctx, "")
	require.NoError(t, err)
	require.NotEmpty(t, engine.Loaded())

	paid := types.InferredSource{Source: "google", Medium: "cpc", Method: types.SourceMethodUTM}
	organic := types.InferredSource{Source: "organic", Method: types.SourceMethodReferrer}
	direct := types.InferredSource{Method: types.SourceMethodUnknown}

	fallback := types.FallbackDecision()
	fallback.OrderID = "o-2"

	tests := []struct {
		name     string
		decision *types.Decision
		policy   types.WindowPolicy
		want     string
		reasons  []string
	}{
		{"confident paid click releases", attributed(85, paid), types.DefaultPolicy(), types.AdvisoryRelease, nil},
		{"fallback holds", &fallback, types.DefaultPolicy(), types.AdvisoryHold, []string{"fallback"}},
		{"low confidence reviews", attributed(35, paid), types.DefaultPolicy(), types.AdvisoryReview, []string{"low_confidence"}},
		{"organic allowed by default", attributed(85, organic), types.DefaultPolicy(), types.AdvisoryRelease, nil},
		{
			"organic excluded by policy",
			attributed(85, organic),
			types.WindowPolicy{ClickLookbackDays: 7, Model: types.ModelLastClick, IncludeDirect: true},
			types.AdvisoryReview,
			[]string{"organic_excluded"},
		},
		{"direct excluded by default", attributed(85, direct), types.DefaultPolicy(), types.AdvisoryReview, []string{"direct_excluded"}},
		{
			"direct allowed by policy",
			attributed(85, direct),
			types.WindowPolicy{ClickLookbackDays: 7, Model: types.ModelLastClick, IncludeDirect: true},
			types.AdvisoryRelease,
			nil,
		},
		{
			"reasons merge",
			attributed(10, direct),
			types.DefaultPolicy(),
			types.AdvisoryReview,
			[]string{"direct_excluded", "low_confidence"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			advisory, err := engine.Advise(ctx, tt.decision, tt.policy)
			require.NoError(t, err)
			assert.Equal(t, tt.want, advisory.Decision)
			if tt.reasons == nil {
				assert.Empty(t, advisory.Reasons)
			} else {
				assert.Equal(t, tt.reasons, advisory.Reasons)
			}
		})
	}
}

func TestEngine_StrictestPolicyWins(t *testing.T) {
	ctx := context.Background()
	engine, err := New(ctx, "")
	require.NoError(t, err)

	err = engine.LoadPolicy(ctx, "big_orders.rego", `package kredo.release

import rego.v1

decision := "hold" if input.decision.conversion_value > 10000

reasons contains "large_order" if input.decision.conversion_value > 10000
`)
	require.NoError(t, err)

	d := attributed(90, types.InferredSource{Source: "google", Method: types.SourceMethodUTM})
	d.ConversionValue = 25000

	advisory, err := engine.Advise(ctx, d, types.DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, types.AdvisoryHold, advisory.Decision)
	assert.Equal(t, []string{"large_order"}, advisory.Reasons)
}

func TestEngine_LoadPath(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	code := `package kredo.release

import rego.v1

default decision := "review"
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "always_review.rego"), []byte(code), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("not a policy"), 0600))

	engine, err := New(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"always_review.rego"}, engine.Loaded())

	advisory, err := engine.Advise(ctx, attributed(99, types.InferredSource{}), types.DefaultPolicy())
	require.NoError(t, err)
	assert.Equal(t, types.AdvisoryReview, advisory.Decision)

	single, err := New(ctx, filepath.Join(dir, "always_review.rego"))
	require.NoError(t, err)
	assert.Len(t, single.Loaded(), 1)
}

func TestEngine_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := New(ctx, filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	engine := NewEngine()
	assert.Error(t, engine.LoadPolicy(ctx, "broken.rego", "package kredo.release\n\ndecision := "))

	_, err = engine.Advise(ctx, attributed(90, types.InferredSource{}), types.DefaultPolicy())
	assert.Error(t, err)
}

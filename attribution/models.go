package attribution

import (
	"math"
	"time"

	"github.com/yairfalse/kredo/types"
)

// Base confidence per model, used when no commerce signal is scored
const (
	ConfidenceLastClick      = 85
	ConfidenceFirstClick     = 75
	ConfidenceLinear         = 70
	ConfidenceTimeDecay      = 80
	ConfidencePositionSingle = 90
	ConfidencePositionMulti  = 85
)

// Position-based shares
const (
	positionEdgeShare   = 0.4
	positionMiddleShare = 0.2
)

// decayHours is the time-decay constant
const decayHours = 24.0

// Attribute assigns credit for a conversion at conversionAt across the
// eligible touchpoints. It never fails: inputs that cannot support the
// model produce the fallback decision. Unknown models run as last click.
func Attribute(model types.Model, eligible []types.Touchpoint, conversionAt time.Time) types.Decision {
	ordered := types.SortChronological(eligible)

	switch model {
	case types.ModelFirstClick:
		return firstClick(ordered)
	case types.ModelLinear:
		return linear(ordered)
	case types.ModelTimeDecay:
		return timeDecay(ordered, conversionAt)
	case types.ModelPositionBased:
		return positionBased(ordered)
	default:
		return lastClick(ordered)
	}
}

func lastClick(ordered []types.Touchpoint) types.Decision {
	clicks := creditable(ordered, types.EventClick)
	if len(clicks) == 0 {
		return types.FallbackDecision()
	}
	last := clicks[len(clicks)-1]
	return single(types.ModelLastClick, last.AgencyID, ConfidenceLastClick, len(clicks))
}

func firstClick(ordered []types.Touchpoint) types.Decision {
	clicks := creditable(ordered, types.EventClick)
	if len(clicks) == 0 {
		return types.FallbackDecision()
	}
	return single(types.ModelFirstClick, clicks[0].AgencyID, ConfidenceFirstClick, len(clicks))
}

func linear(ordered []types.Touchpoint) types.Decision {
	tps := creditable(ordered, types.EventClick, types.EventView)
	if len(tps) == 0 {
		return types.FallbackDecision()
	}

	b := newBuckets()
	share := 1.0 / float64(len(tps))
	for _, tp := range tps {
		b.add(tp.AgencyID, share)
	}

	return types.Decision{
		PrimaryAgency:   b.mostTouched(),
		Confidence:      ConfidenceLinear,
		Breakdown:       b.weights,
		Model:           types.ModelLinear,
		TouchpointCount: len(tps),
	}
}

func timeDecay(ordered []types.Touchpoint, conversionAt time.Time) types.Decision {
	tps := creditable(ordered, types.EventClick, types.EventView)
	if len(tps) == 0 {
		return types.FallbackDecision()
	}

	// Weights are taken relative to the closest touchpoint so exp never
	// overflows; normalization removes the shift.
	deltas := make([]float64, len(tps))
	closest := math.Inf(1)
	for i, tp := range tps {
		deltas[i] = conversionAt.Sub(tp.Timestamp).Hours()
		closest = math.Min(closest, deltas[i])
	}

	raw := newBuckets()
	var total float64
	for i, tp := range tps {
		w := math.Exp(-(deltas[i] - closest) / decayHours)
		raw.add(tp.AgencyID, w)
		total += w
	}

	b := newBuckets()
	for _, agency := range raw.order {
		b.add(agency, raw.weights[agency]/total)
	}

	return types.Decision{
		PrimaryAgency:   b.heaviest(),
		Confidence:      ConfidenceTimeDecay,
		Breakdown:       b.weights,
		Model:           types.ModelTimeDecay,
		TouchpointCount: len(tps),
	}
}

// positionBased gives the first and last clicks 0.4 each and splits 0.2
// across the clicks between them. With exactly two clicks the middle share
// has no recipient and is reported as unallocated.
func positionBased(ordered []types.Touchpoint) types.Decision {
	clicks := creditable(ordered, types.EventClick)
	switch len(clicks) {
	case 0:
		return types.FallbackDecision()
	case 1:
		return single(types.ModelPositionBased, clicks[0].AgencyID, ConfidencePositionSingle, 1)
	}

	b := newBuckets()
	b.add(clicks[0].AgencyID, positionEdgeShare)
	b.add(clicks[len(clicks)-1].AgencyID, positionEdgeShare)

	middle := clicks[1 : len(clicks)-1]
	var unallocated float64
	if len(middle) == 0 {
		unallocated = positionMiddleShare
	} else {
		share := positionMiddleShare / float64(len(middle))
		for _, tp := range middle {
			b.add(tp.AgencyID, share)
		}
	}

	return types.Decision{
		PrimaryAgency:   b.heaviest(),
		Confidence:      ConfidencePositionMulti,
		Breakdown:       b.weights,
		Unallocated:     unallocated,
		Model:           types.ModelPositionBased,
		TouchpointCount: len(clicks),
	}
}

func single(model types.Model, agency string, confidence, count int) types.Decision {
	return types.Decision{
		PrimaryAgency:   agency,
		Confidence:      confidence,
		Breakdown:       types.Breakdown{agency: 1},
		Model:           model,
		TouchpointCount: count,
	}
}

// creditable keeps touchpoints of the given kinds that carry an agency
func creditable(ordered []types.Touchpoint, kinds ...types.EventKind) []types.Touchpoint {
	var out []types.Touchpoint
	for _, tp := range ordered {
		if !tp.Creditable() {
			continue
		}
		for _, k := range kinds {
			if tp.Kind == k {
				out = append(out, tp)
				break
			}
		}
	}
	return out
}

// buckets accumulates weight per agency in first-encountered order
type buckets struct {
	order   []string
	weights types.Breakdown
	counts  map[string]int
}

func newBuckets() *buckets {
	return &buckets{
		weights: types.Breakdown{},
		counts:  make(map[string]int),
	}
}

func (b *buckets) add(agency string, w float64) {
	if _, ok := b.weights[agency]; !ok {
		b.order = append(b.order, agency)
	}
	b.weights[agency] += w
	b.counts[agency]++
}

// heaviest returns the agency with the largest weight; ties go to the
// first encountered
func (b *buckets) heaviest() string {
	var best string
	for _, agency := range b.order {
		if best == "" || b.weights[agency] > b.weights[best]+types.WeightTolerance {
			best = agency
		}
	}
	return best
}

// mostTouched returns the agency with the most touchpoints; ties go to the
// first encountered
func (b *buckets) mostTouched() string {
	var best string
	for _, agency := range b.order {
		if best == "" || b.counts[agency] > b.counts[best] {
			best = agency
		}
	}
	return best
}

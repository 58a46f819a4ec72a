package types

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// WeightTolerance bounds rounding drift when checking breakdown sums
const WeightTolerance = 1e-6

// Breakdown maps agency identifier to credit fraction
type Breakdown map[string]float64

// Sum returns the total credit in the breakdown
func (b Breakdown) Sum() float64 {
	var total float64
	for _, w := range b {
		total += w
	}
	return total
}

// Agencies returns agency identifiers in sorted order
func (b Breakdown) Agencies() []string {
	ids := make([]string, 0, len(b))
	for id := range b {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SourceMethod records which inference step produced a source classification
type SourceMethod string

const (
	SourceMethodUTM      SourceMethod = "UTM"
	SourceMethodReferrer SourceMethod = "REFERRER"
	SourceMethodReported SourceMethod = "REPORTED_SOURCE"
	SourceMethodUnknown  SourceMethod = "UNKNOWN"
)

// InferredSource is the best-effort advertising origin of an order or touchpoint
type InferredSource struct {
	Source          string       `json:"source,omitempty"`
	Medium          string       `json:"medium,omitempty"`
	Campaign        string       `json:"campaign,omitempty"`
	Content         string       `json:"content,omitempty"`
	Term            string       `json:"term,omitempty"`
	Method          SourceMethod `json:"method"`
	ConfidenceBoost int          `json:"confidence_boost"`
}

// Advisory values consumed by external payment-release logic
const (
	AdvisoryRelease = "release"
	AdvisoryHold    = "hold"
	AdvisoryReview  = "review"
)

// Advisory is the release recommendation attached to a committed decision.
// It never triggers payment itself.
type Advisory struct {
	Decision string   `json:"decision"`
	Reasons  []string `json:"reasons,omitempty"`
}

// Decision is the immutable outcome of attributing one conversion.
// An empty PrimaryAgency means no attribution was possible.
type Decision struct {
	ID              string         `json:"id"`
	OrderID         string         `json:"order_id"`
	BrandID         string         `json:"brand_id,omitempty"`
	SessionID       string         `json:"session_id,omitempty"`
	CampaignID      string         `json:"campaign_id,omitempty"`
	PrimaryAgency   string         `json:"primary_agency,omitempty"`
	Confidence      int            `json:"confidence"`
	Breakdown       Breakdown      `json:"breakdown"`
	Unallocated     float64        `json:"unallocated,omitempty"` // credit no agency received (two-click position based)
	Model           Model          `json:"model"`
	TouchpointCount int            `json:"touchpoint_count"`
	Source          InferredSource `json:"source"`
	ConversionValue float64        `json:"conversion_value"`
	Currency        string         `json:"currency,omitempty"`
	OccurredAt      time.Time      `json:"occurred_at"`
	Advisory        *Advisory      `json:"advisory,omitempty"`

	// Set by the record writer
	Version     int64     `json:"version"`
	Supersedes  int64     `json:"supersedes,omitempty"`
	CommittedAt time.Time `json:"committed_at"`
}

// FallbackDecision is the canonical no-attribution result
func FallbackDecision() Decision {
	return Decision{
		Breakdown: Breakdown{},
		Model:     ModelFallback,
	}
}

// Attributed reports whether an agency received credit
func (d *Decision) Attributed() bool {
	return d.PrimaryAgency != ""
}

// IsFallback reports whether the decision is the fallback sentinel
func (d *Decision) IsFallback() bool {
	return d.Model == ModelFallback
}

// Validate checks the decision invariants before it is written
func (d *Decision) Validate() error {
	if d.OrderID == "" {
		return fmt.Errorf("%w: order id cannot be empty", ErrInvalidDecision)
	}
	if HasNUL(d.OrderID) {
		return fmt.Errorf("%w: order id contains a NUL byte", ErrInvalidDecision)
	}
	if d.Model == "" {
		return fmt.Errorf("%w: model cannot be empty", ErrInvalidDecision)
	}
	if d.Confidence < 0 || d.Confidence > 100 {
		return fmt.Errorf("%w: confidence %d outside [0,100]", ErrInvalidDecision, d.Confidence)
	}

	if !d.Attributed() {
		if d.Confidence != 0 {
			return fmt.Errorf("%w: unattributed decision must have zero confidence", ErrInvalidDecision)
		}
		if len(d.Breakdown) != 0 {
			return fmt.Errorf("%w: unattributed decision must have empty breakdown", ErrInvalidDecision)
		}
		return nil
	}

	if len(d.Breakdown) == 0 {
		return fmt.Errorf("%w: attributed decision must have a breakdown", ErrInvalidDecision)
	}
	if _, ok := d.Breakdown[d.PrimaryAgency]; !ok {
		return fmt.Errorf("%w: primary agency %q missing from breakdown", ErrInvalidDecision, d.PrimaryAgency)
	}
	for agency, w := range d.Breakdown {
		if math.IsNaN(w) || w < 0 || w > 1+WeightTolerance {
			return fmt.Errorf("%w: weight %v for agency %q outside [0,1]", ErrInvalidDecision, w, agency)
		}
	}
	if d.Unallocated < 0 {
		return fmt.Errorf("%w: unallocated credit cannot be negative", ErrInvalidDecision)
	}
	if total := d.Breakdown.Sum() + d.Unallocated; math.Abs(total-1) > WeightTolerance {
		return fmt.Errorf("%w: credit sums to %v, want 1", ErrInvalidDecision, total)
	}
	return nil
}

// AttributedValue is the conversion value credited to a campaign
func (d *Decision) AttributedValue() float64 {
	if !d.Attributed() || d.CampaignID == "" {
		return 0
	}
	return d.ConversionValue
}

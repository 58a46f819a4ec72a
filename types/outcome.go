package types

import (
	"math"
	"time"
)

// Outcome classifies an order-attribution request. Only OutcomeAttributed
// carries a decision; the rest are unattributable, not failures.
type Outcome string

const (
	OutcomeAttributed Outcome = "attributed"
	OutcomeNoSession  Outcome = "no_session"
	OutcomeNoJourney  Outcome = "no_journey"
	OutcomeNoCampaign Outcome = "no_campaign"
)

// DayLayout keys performance roll-ups
const DayLayout = "2006-01-02"

// CampaignPerformance is the per-campaign per-day attribution roll-up
type CampaignPerformance struct {
	CampaignID        string  `json:"campaign_id"`
	Date              string  `json:"date"`
	AttributedOrders  int64   `json:"attributed_orders"`
	AttributedRevenue float64 `json:"attributed_revenue"`
}

// ROAS returns revenue over spend, zero when spend is unknown
func (p *CampaignPerformance) ROAS(spend float64) float64 {
	if spend <= 0 {
		return 0
	}
	return math.Round(p.AttributedRevenue/spend*100) / 100
}

// PerformanceDelta is the change a commit applies to one roll-up row
type PerformanceDelta struct {
	CampaignID string
	Date       string
	Orders     int64
	Revenue    float64
}

// RollupDeltas computes roll-up changes when next replaces prev (prev may be nil)
func RollupDeltas(prev, next *Decision) []PerformanceDelta {
	var deltas []PerformanceDelta
	add := func(d *Decision, sign int64) {
		if d == nil || !d.Attributed() || d.CampaignID == "" {
			return
		}
		day := Day(d.OccurredAt)
		for i := range deltas {
			if deltas[i].CampaignID == d.CampaignID && deltas[i].Date == day {
				deltas[i].Orders += sign
				deltas[i].Revenue += float64(sign) * d.AttributedValue()
				return
			}
		}
		deltas = append(deltas, PerformanceDelta{
			CampaignID: d.CampaignID,
			Date:       day,
			Orders:     sign,
			Revenue:    float64(sign) * d.AttributedValue(),
		})
	}
	add(prev, -1)
	add(next, 1)

	out := deltas[:0]
	for _, d := range deltas {
		if d.Orders != 0 || d.Revenue != 0 {
			out = append(out, d)
		}
	}
	return out
}

// Day truncates a timestamp to its roll-up key
func Day(t time.Time) string {
	return t.UTC().Format(DayLayout)
}

package types

import (
	"sort"
	"strings"
	"time"
)

// HasNUL reports whether an id contains the byte storage uses as a key separator
func HasNUL(id string) bool {
	return strings.IndexByte(id, 0) >= 0
}

// EventKind classifies a behavioral touchpoint
type EventKind string

const (
	EventImpression EventKind = "IMPRESSION"
	EventClick      EventKind = "CLICK"
	EventView       EventKind = "VIEW"
	EventConversion EventKind = "CONVERSION"
	EventEmailOpen  EventKind = "EMAIL_OPEN"
	EventEmailClick EventKind = "EMAIL_CLICK"
	EventEngagement EventKind = "ENGAGEMENT"
)

var eventKinds = map[EventKind]bool{
	EventImpression: true,
	EventClick:      true,
	EventView:       true,
	EventConversion: true,
	EventEmailOpen:  true,
	EventEmailClick: true,
	EventEngagement: true,
}

// ParseEventKind accepts the upper or lower case wire name.
// "PAGE_VIEW" is accepted as an alias of VIEW.
func ParseEventKind(s string) (EventKind, bool) {
	k := EventKind(strings.ToUpper(strings.TrimSpace(s)))
	if k == "PAGE_VIEW" {
		k = EventView
	}
	return k, eventKinds[k]
}

// UTM holds the five tracking query fields
type UTM struct {
	Source   string `json:"utm_source,omitempty"`
	Medium   string `json:"utm_medium,omitempty"`
	Campaign string `json:"utm_campaign,omitempty"`
	Content  string `json:"utm_content,omitempty"`
	Term     string `json:"utm_term,omitempty"`
}

// IsEmpty reports whether no UTM field is set
func (u UTM) IsEmpty() bool {
	return u == UTM{}
}

// Touchpoint is one immutable behavioral event in a session's journey.
// ID, Sequence and Timestamp are assigned by the store at ingestion.
type Touchpoint struct {
	ID                string    `json:"id"`
	SessionID         string    `json:"session_id"`
	Sequence          int64     `json:"sequence"`
	Kind              EventKind `json:"event_type"`
	CustomerEmail     string    `json:"customer_email,omitempty"`
	DeviceFingerprint string    `json:"user_agent_hash,omitempty"`
	CampaignID        string    `json:"campaign_id,omitempty"`
	AgencyID          string    `json:"agency_id,omitempty"` // snapshot of the campaign's selected agency at write time
	UTM               UTM       `json:"utm"`
	PageURL           string    `json:"page_url,omitempty"`
	ReferrerURL       string    `json:"referrer_url,omitempty"`
	IPAddress         string    `json:"ip_address,omitempty"`
	UserAgent         string    `json:"user_agent,omitempty"`
	ConversionValue   *float64  `json:"conversion_value,omitempty"`
	OrderID           string    `json:"order_id,omitempty"`
	Timestamp         time.Time `json:"timestamp"`
}

// Creditable reports whether the touchpoint can receive attribution credit
func (t *Touchpoint) Creditable() bool {
	return t.AgencyID != ""
}

// Before orders touchpoints by timestamp, ties broken by insertion sequence
func (t *Touchpoint) Before(other *Touchpoint) bool {
	if t.Timestamp.Equal(other.Timestamp) {
		return t.Sequence < other.Sequence
	}
	return t.Timestamp.Before(other.Timestamp)
}

// SortChronological returns a chronologically ordered copy
func SortChronological(touchpoints []Touchpoint) []Touchpoint {
	out := make([]Touchpoint, len(touchpoints))
	copy(out, touchpoints)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Before(&out[j])
	})
	return out
}

// LatestCampaign returns the campaign of the most recent touchpoint that
// carries one. Equal timestamps resolve to the later insertion.
func LatestCampaign(touchpoints []Touchpoint) (string, bool) {
	var latest *Touchpoint
	for i := range touchpoints {
		tp := &touchpoints[i]
		if tp.CampaignID == "" {
			continue
		}
		if latest == nil || latest.Before(tp) {
			latest = tp
		}
	}
	if latest == nil {
		return "", false
	}
	return latest.CampaignID, true
}

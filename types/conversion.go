package types

import (
	"fmt"
	"strings"
	"time"
)

// DefaultCurrency applies when the commerce platform omits one
const DefaultCurrency = "USD"

// Conversion is a normalized order signal from an external commerce system
type Conversion struct {
	OrderID       string    `json:"order_id"`
	BrandID       string    `json:"brand_id,omitempty"`
	SessionID     string    `json:"session_id,omitempty"` // best-effort correlation key
	Value         float64   `json:"value"`
	Currency      string    `json:"currency,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
	CustomerEmail string    `json:"customer_email,omitempty"`

	// Raw fields as reported by the commerce platform
	LandingSite   string `json:"landing_site,omitempty"`
	ReferringSite string `json:"referring_site,omitempty"`
	SourceName    string `json:"source_name,omitempty"`
}

// Normalize fills defaults. Occurrence time falls back to now.
func (c *Conversion) Normalize(now time.Time) {
	c.OrderID = strings.TrimSpace(c.OrderID)
	c.SessionID = strings.TrimSpace(c.SessionID)
	c.Currency = strings.ToUpper(strings.TrimSpace(c.Currency))
	if c.Currency == "" {
		c.Currency = DefaultCurrency
	}
	if c.OccurredAt.IsZero() {
		c.OccurredAt = now
	}
}

// Validate ensures the conversion can be attributed
func (c *Conversion) Validate() error {
	if c.OrderID == "" {
		return fmt.Errorf("%w: order id cannot be empty", ErrInvalidConversion)
	}
	if HasNUL(c.OrderID) {
		return fmt.Errorf("%w: order id contains a NUL byte", ErrInvalidConversion)
	}
	if c.Value < 0 {
		return fmt.Errorf("%w: value cannot be negative", ErrInvalidConversion)
	}
	return nil
}

package types

import (
	"fmt"
	"strings"
	"time"
)

// Model selects a credit-assignment algorithm
type Model string

const (
	ModelLastClick     Model = "LAST_CLICK"
	ModelFirstClick    Model = "FIRST_CLICK"
	ModelLinear        Model = "LINEAR"
	ModelTimeDecay     Model = "TIME_DECAY"
	ModelPositionBased Model = "POSITION_BASED"

	// ModelFallback marks a decision where no attribution was possible
	ModelFallback Model = "FALLBACK"
	// ModelDirectMatch marks order-level attribution from a UTM campaign match without journey data
	ModelDirectMatch Model = "DIRECT_MATCH"
)

// SelectableModels lists the models a policy may choose
var SelectableModels = []Model{
	ModelLastClick,
	ModelFirstClick,
	ModelLinear,
	ModelTimeDecay,
	ModelPositionBased,
}

// ParseModel parses a policy model selector
func ParseModel(s string) (Model, error) {
	m := Model(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range SelectableModels {
		if m == known {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w: unknown attribution model %q", ErrInvalidPolicy, s)
}

// Policy defaults
const (
	DefaultClickLookbackDays = 7
	DefaultViewLookbackDays  = 1
)

// WindowPolicy is a campaign's attribution window configuration.
// A run takes a copy, so later configuration changes never affect it.
type WindowPolicy struct {
	ClickLookbackDays  int   `json:"click_lookback_days" yaml:"click_lookback_days" toml:"click_lookback_days"`
	ViewLookbackDays   int   `json:"view_lookback_days" yaml:"view_lookback_days" toml:"view_lookback_days"`
	Model              Model `json:"model" yaml:"model" toml:"model"`
	CrossDeviceEnabled bool  `json:"cross_device_enabled" yaml:"cross_device_enabled" toml:"cross_device_enabled"`
	IncludeOrganic     bool  `json:"include_organic" yaml:"include_organic" toml:"include_organic"`
	IncludeDirect      bool  `json:"include_direct" yaml:"include_direct" toml:"include_direct"`
}

// DefaultPolicy applies when a campaign has no policy configured
func DefaultPolicy() WindowPolicy {
	return WindowPolicy{
		ClickLookbackDays: DefaultClickLookbackDays,
		ViewLookbackDays:  DefaultViewLookbackDays,
		Model:             ModelLastClick,
		IncludeOrganic:    true,
	}
}

// Validate checks lookbacks are non-negative and the model is selectable
func (p WindowPolicy) Validate() error {
	if p.ClickLookbackDays < 0 {
		return fmt.Errorf("%w: click lookback must be non-negative, got %d", ErrInvalidPolicy, p.ClickLookbackDays)
	}
	if p.ViewLookbackDays < 0 {
		return fmt.Errorf("%w: view lookback must be non-negative, got %d", ErrInvalidPolicy, p.ViewLookbackDays)
	}
	if _, err := ParseModel(string(p.Model)); err != nil {
		return err
	}
	return nil
}

// ClickWindow returns the click lookback as a duration
func (p WindowPolicy) ClickWindow() time.Duration {
	if p.ClickLookbackDays < 0 {
		return 0
	}
	return time.Duration(p.ClickLookbackDays) * 24 * time.Hour
}

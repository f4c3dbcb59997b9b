// Package matcher implements the deterministic and heuristic matching layers
// of the reconciliation pipeline.
//
// Layer 0 resolves matches on strong shared keys (fiscal document IDs, bank
// statement references). Layer 1 scores candidate pairs with a weighted
// combination of amount closeness, date proximity and counterparty identity,
// and decides between auto-accept, no-match, and escalation to the semantic
// layer.
package matcher

import (
	"fmt"
	"time"

	"multisource-reconciliation-engine/internal/index"
)

// MatchingConfig holds the tunable parameters of Layers 0 and 1.
//
// The signal weights combine into a single confidence score and must sum to
// 1.0. The defaults (amount 0.5, date 0.2, identity 0.3) reflect that amount
// equality is the strongest heuristic evidence while identity is often
// missing from bank data.
type MatchingConfig struct {
	// WindowDays is the date window (in days, each direction) used for
	// candidate generation and date-proximity decay.
	WindowDays int `json:"window_days" mapstructure:"window_days"`

	// Tolerance bounds how far candidate amounts may deviate.
	Tolerance index.AmountTolerance `json:"-" mapstructure:"-"`

	// AcceptThreshold is the minimum score for automatic acceptance.
	AcceptThreshold float64 `json:"accept_threshold" mapstructure:"accept_threshold"`

	// Margin is the minimum gap between the best and second-best score
	// required for automatic acceptance. A smaller gap escalates.
	Margin float64 `json:"margin" mapstructure:"margin"`

	// ConsiderThreshold is the score below which candidates are discarded.
	// When no candidate clears it the record simply stays unmatched.
	ConsiderThreshold float64 `json:"consider_threshold" mapstructure:"consider_threshold"`

	// MaxEscalation bounds how many candidates are handed to the semantic
	// layer; it is expensive and must only see an already-narrowed set.
	MaxEscalation int `json:"max_escalation" mapstructure:"max_escalation"`

	Weights SignalWeights `json:"weights" mapstructure:"weights"`
}

// SignalWeights are the relative weights of the Layer 1 signals.
type SignalWeights struct {
	Amount   float64 `json:"amount" mapstructure:"amount"`
	Date     float64 `json:"date" mapstructure:"date"`
	Identity float64 `json:"identity" mapstructure:"identity"`
}

// DefaultMatchingConfig returns the documented default parameters.
func DefaultMatchingConfig() *MatchingConfig {
	return &MatchingConfig{
		WindowDays:        5,
		AcceptThreshold:   0.85,
		Margin:            0.15,
		ConsiderThreshold: 0.40,
		MaxEscalation:     10,
		Weights: SignalWeights{
			Amount:   0.5,
			Date:     0.2,
			Identity: 0.3,
		},
	}
}

// Validate checks parameter ranges and that the weights sum to 1.
func (c *MatchingConfig) Validate() error {
	if c.WindowDays < 0 {
		return fmt.Errorf("window days cannot be negative: %d", c.WindowDays)
	}
	if c.AcceptThreshold < 0 || c.AcceptThreshold > 1 {
		return fmt.Errorf("accept threshold must be in [0,1]: %f", c.AcceptThreshold)
	}
	if c.ConsiderThreshold < 0 || c.ConsiderThreshold > c.AcceptThreshold {
		return fmt.Errorf("consider threshold must be in [0, accept threshold]: %f", c.ConsiderThreshold)
	}
	if c.Margin < 0 || c.Margin > 1 {
		return fmt.Errorf("margin must be in [0,1]: %f", c.Margin)
	}
	if c.MaxEscalation <= 0 {
		return fmt.Errorf("max escalation must be positive: %d", c.MaxEscalation)
	}
	total := c.Weights.Amount + c.Weights.Date + c.Weights.Identity
	if total < 0.99 || total > 1.01 {
		return fmt.Errorf("signal weights must sum to 1.0, got %f", total)
	}
	return nil
}

// Clone returns a copy of the configuration.
func (c *MatchingConfig) Clone() *MatchingConfig {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// WindowDuration returns the window as a duration.
func (c *MatchingConfig) WindowDuration() time.Duration {
	return time.Duration(c.WindowDays) * 24 * time.Hour
}

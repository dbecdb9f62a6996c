package locator

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// FallbackChain is the ordered set of locator strategies recorded for one user
// action. The order is a capture-time hint (descending static confidence); the
// decision engine re-scores at replay and is not bound by it.
type FallbackChain struct {
	Strategies      []LocatorStrategy `json:"strategies"`
	PrimaryStrategy StrategyType      `json:"primary_strategy"`
	RecordedAt      time.Time         `json:"recorded_at"`
}

// NewFallbackChain sorts the candidates by descending static confidence and
// stamps the primary strategy. Candidates with equal confidence keep their
// relative weight order so the result is deterministic.
func NewFallbackChain(candidates []LocatorStrategy, recordedAt time.Time) (FallbackChain, error) {
	if len(candidates) == 0 {
		return FallbackChain{}, fmt.Errorf("fallback chain requires at least one strategy")
	}

	sorted := append([]LocatorStrategy(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Confidence != sorted[j].Confidence {
			return sorted[i].Confidence > sorted[j].Confidence
		}
		return Weight(sorted[i].Type) > Weight(sorted[j].Type)
	})

	chain := FallbackChain{
		Strategies:      sorted,
		PrimaryStrategy: sorted[0].Type,
		RecordedAt:      recordedAt,
	}
	if err := chain.Validate(); err != nil {
		return FallbackChain{}, err
	}
	return chain, nil
}

// Validate enforces the chain invariants: non-empty, every strategy well formed,
// the coordinates last resort present, and the primary matching the head.
func (c FallbackChain) Validate() error {
	if len(c.Strategies) == 0 {
		return fmt.Errorf("fallback chain is empty")
	}
	if c.PrimaryStrategy != c.Strategies[0].Type {
		return fmt.Errorf("primary strategy %s does not match first entry %s",
			c.PrimaryStrategy, c.Strategies[0].Type)
	}

	hasCoordinates := false
	for i, s := range c.Strategies {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("strategy %d: %w", i, err)
		}
		if s.Type == StrategyCoordinates {
			hasCoordinates = true
		}
	}
	if !hasCoordinates {
		return fmt.Errorf("fallback chain is missing the coordinates last resort")
	}
	return nil
}

// Find returns the first strategy of the given type and whether one exists.
func (c FallbackChain) Find(t StrategyType) (LocatorStrategy, bool) {
	for _, s := range c.Strategies {
		if s.Type == t {
			return s, true
		}
	}
	return LocatorStrategy{}, false
}

// IndexOf returns the recorded position of the given type, or -1. Used for the
// engine's tie break: the strategy closer to primary at recording time wins.
func (c FallbackChain) IndexOf(t StrategyType) int {
	for i, s := range c.Strategies {
		if s.Type == t {
			return i
		}
	}
	return -1
}

// Marshal encodes the chain for step persistence.
func (c FallbackChain) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalChain decodes a persisted chain and re-checks its invariants; a chain
// that lost its coordinates fallback in storage is rejected rather than replayed.
func UnmarshalChain(data []byte) (FallbackChain, error) {
	var c FallbackChain
	if err := json.Unmarshal(data, &c); err != nil {
		return FallbackChain{}, fmt.Errorf("decode fallback chain: %w", err)
	}
	if err := c.Validate(); err != nil {
		return FallbackChain{}, fmt.Errorf("invalid fallback chain: %w", err)
	}
	return c, nil
}

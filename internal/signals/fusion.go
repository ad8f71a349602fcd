// Package signals implements the multi-source signal aggregator: component
// computation from store reads, weighted fusion with time-decay exclusion,
// threshold gating, and publication onto the trading exchange.
package signals

import (
	"time"
)

// Actions and strengths.
const (
	ActionBuy  = "BUY"
	ActionSell = "SELL"
	ActionHold = "HOLD"

	StrengthStrong   = "STRONG"
	StrengthModerate = "MODERATE"
	StrengthWeak     = "WEAK"
)

// Component names.
const (
	ComponentPrice     = "price"
	ComponentSentiment = "sentiment"
	ComponentOnChain   = "onchain"
	ComponentFlow      = "flow"
)

// Gating thresholds. A directional action needs a score clear of the dead
// zone and confidence at or above the floor.
const (
	scoreDeadZone      = 0.1
	confidenceFloor    = 0.65
	strongConfidence   = 0.7
	moderateConfidence = 0.5
	minFreshComponents = 2
)

// Component is one fused-signal input.
type Component struct {
	Score      float64 // [-1, 1]
	Confidence float64 // [0, 1]
	Age        time.Duration
}

// Weights holds the base component weights, summing to 1.
type Weights struct {
	Price     float64
	Sentiment float64
	OnChain   float64
	Flow      float64
}

// Map returns the weights keyed by component name.
func (w Weights) Map() map[string]float64 {
	return map[string]float64{
		ComponentPrice:     w.Price,
		ComponentSentiment: w.Sentiment,
		ComponentOnChain:   w.OnChain,
		ComponentFlow:      w.Flow,
	}
}

// Fused is the result of one fusion.
type Fused struct {
	Action      string
	Strength    string
	Score       float64
	Confidence  float64
	WeightsUsed map[string]float64
	Fresh       int
	Publish     bool // false when fewer than two components were fresh
}

// Fuse combines the available components under the base weights. A
// component older than maxAge is excluded and its weight redistributed
// proportionally among the remaining ones. Missing sources never
// fabricate a signal: with fewer than two fresh components the result is
// HOLD with zero confidence and Publish false.
func Fuse(components map[string]Component, base Weights, maxAge time.Duration) Fused {
	baseWeights := base.Map()

	fresh := make(map[string]Component)
	var freshWeightSum float64
	for name, c := range components {
		w, known := baseWeights[name]
		if !known || c.Age > maxAge {
			continue
		}
		fresh[name] = c
		freshWeightSum += w
	}

	if len(fresh) < minFreshComponents || freshWeightSum <= 0 {
		return Fused{Action: ActionHold, Strength: StrengthWeak, Fresh: len(fresh), WeightsUsed: map[string]float64{}}
	}

	weightsUsed := make(map[string]float64, len(fresh))
	var score, confidence float64
	for name, c := range fresh {
		w := baseWeights[name] / freshWeightSum
		weightsUsed[name] = w
		score += w * c.Score
		confidence += w * c.Confidence
	}

	action := ActionHold
	if confidence >= confidenceFloor {
		if score > scoreDeadZone {
			action = ActionBuy
		} else if score < -scoreDeadZone {
			action = ActionSell
		}
	}

	strength := StrengthWeak
	switch {
	case confidence >= strongConfidence:
		strength = StrengthStrong
	case confidence >= moderateConfidence:
		strength = StrengthModerate
	}

	return Fused{
		Action:      action,
		Strength:    strength,
		Score:       score,
		Confidence:  confidence,
		WeightsUsed: weightsUsed,
		Fresh:       len(fresh),
		Publish:     true,
	}
}

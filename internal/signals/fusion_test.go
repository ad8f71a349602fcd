package signals

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseWeights = Weights{Price: 0.35, Sentiment: 0.25, OnChain: 0.20, Flow: 0.20}

const maxAge = 60 * time.Minute

func TestFuseStaleComponentRedistributesWeights(t *testing.T) {
	// Flow is 4000s old, beyond the 60 minute window, so its weight is
	// redistributed: price 0.4375, sentiment 0.3125, onchain 0.25.
	components := map[string]Component{
		ComponentPrice:     {Score: 0.8, Confidence: 0.9, Age: time.Minute},
		ComponentSentiment: {Score: 0.4, Confidence: 0.7, Age: time.Minute},
		ComponentOnChain:   {Score: 0.2, Confidence: 0.8, Age: time.Minute},
		ComponentFlow:      {Score: 0.5, Confidence: 0.9, Age: 4000 * time.Second},
	}

	fused := Fuse(components, baseWeights, maxAge)

	require.True(t, fused.Publish)
	assert.InDelta(t, 0.4375, fused.WeightsUsed[ComponentPrice], 1e-9)
	assert.InDelta(t, 0.3125, fused.WeightsUsed[ComponentSentiment], 1e-9)
	assert.InDelta(t, 0.25, fused.WeightsUsed[ComponentOnChain], 1e-9)
	assert.NotContains(t, fused.WeightsUsed, ComponentFlow)

	assert.InDelta(t, 0.525, fused.Score, 1e-9)
	assert.InDelta(t, 0.8125, fused.Confidence, 1e-4)
	assert.Equal(t, ActionBuy, fused.Action)
	assert.Equal(t, StrengthStrong, fused.Strength)
}

func TestFuseConflictCollapsesToHold(t *testing.T) {
	// Bearish price against bullish sentiment nets out inside the dead
	// zone: HOLD at moderate strength, never a coin flip.
	components := map[string]Component{
		ComponentPrice:     {Score: -0.6, Confidence: 0.85, Age: time.Minute},
		ComponentSentiment: {Score: 0.5, Confidence: 0.7, Age: time.Minute},
		ComponentOnChain:   {Score: 0.0, Confidence: 0.6, Age: time.Minute},
		ComponentFlow:      {Score: 0.1, Confidence: 0.5, Age: time.Minute},
	}

	fused := Fuse(components, baseWeights, maxAge)

	require.True(t, fused.Publish)
	assert.InDelta(t, -0.065, fused.Score, 1e-9)
	assert.InDelta(t, 0.69, fused.Confidence, 1e-3)
	assert.Equal(t, ActionHold, fused.Action)
	assert.Equal(t, StrengthModerate, fused.Strength)
}

func TestFuseFewerThanTwoFreshComponentsSkipsPublish(t *testing.T) {
	components := map[string]Component{
		ComponentPrice:     {Score: 0.9, Confidence: 0.95, Age: time.Minute},
		ComponentSentiment: {Score: 0.9, Confidence: 0.95, Age: 2 * time.Hour},
		ComponentOnChain:   {Score: 0.9, Confidence: 0.95, Age: 3 * time.Hour},
	}

	fused := Fuse(components, baseWeights, maxAge)

	assert.False(t, fused.Publish)
	assert.Equal(t, ActionHold, fused.Action)
	assert.Zero(t, fused.Confidence)
	assert.Equal(t, 1, fused.Fresh)
}

func TestFuseDirectionalActionRequiresConfidenceFloor(t *testing.T) {
	// Strong score but weak confidence must gate to HOLD.
	components := map[string]Component{
		ComponentPrice:     {Score: 0.9, Confidence: 0.5, Age: time.Minute},
		ComponentSentiment: {Score: 0.9, Confidence: 0.5, Age: time.Minute},
	}

	fused := Fuse(components, baseWeights, maxAge)

	require.True(t, fused.Publish)
	assert.Greater(t, fused.Score, 0.1)
	assert.Less(t, fused.Confidence, 0.65)
	assert.Equal(t, ActionHold, fused.Action)
}

func TestFuseSellSide(t *testing.T) {
	components := map[string]Component{
		ComponentPrice:     {Score: -0.8, Confidence: 0.9, Age: time.Minute},
		ComponentSentiment: {Score: -0.5, Confidence: 0.8, Age: time.Minute},
		ComponentOnChain:   {Score: -0.3, Confidence: 0.7, Age: time.Minute},
		ComponentFlow:      {Score: -0.6, Confidence: 0.75, Age: time.Minute},
	}

	fused := Fuse(components, baseWeights, maxAge)

	assert.Equal(t, ActionSell, fused.Action)
	assert.GreaterOrEqual(t, fused.Confidence, 0.65)
	assert.Less(t, fused.Score, -0.1)
}

func TestFuseWeightsAlwaysRenormalizeToOne(t *testing.T) {
	cases := []map[string]Component{
		{
			ComponentPrice:     {Score: 0.1, Confidence: 0.5, Age: time.Minute},
			ComponentSentiment: {Score: 0.1, Confidence: 0.5, Age: time.Minute},
		},
		{
			ComponentPrice:   {Score: 0.1, Confidence: 0.5, Age: time.Minute},
			ComponentOnChain: {Score: 0.1, Confidence: 0.5, Age: time.Minute},
			ComponentFlow:    {Score: 0.1, Confidence: 0.5, Age: time.Minute},
		},
	}
	for _, components := range cases {
		fused := Fuse(components, baseWeights, maxAge)
		var sum float64
		for _, w := range fused.WeightsUsed {
			sum += w
		}
		assert.InDelta(t, 1.0, sum, 1e-9)
	}
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 1.0, clamp(5, -1, 1))
	assert.Equal(t, -1.0, clamp(-5, -1, 1))
	assert.Equal(t, 0.3, clamp(0.3, -1, 1))
	assert.False(t, math.IsNaN(clamp(0, -1, 1)))
}

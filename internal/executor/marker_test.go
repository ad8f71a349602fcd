package executor

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/mastertrade/core/internal/database"
)

func markedPosition(stopLoss, takeProfit float64) *database.Position {
	pos := &database.Position{
		ID:         42,
		Quantity:   decimal.NewFromFloat(0.5),
		EntryPrice: decimal.NewFromFloat(50_000),
	}
	if stopLoss > 0 {
		sl := decimal.NewFromFloat(stopLoss)
		pos.StopLoss = &sl
	}
	if takeProfit > 0 {
		tp := decimal.NewFromFloat(takeProfit)
		pos.TakeProfit = &tp
	}
	return pos
}

func TestStopTrigger(t *testing.T) {
	pos := markedPosition(47_500, 55_000)

	trigger, hit := stopTrigger(pos, decimal.NewFromFloat(48_000))
	assert.False(t, hit, trigger)

	trigger, hit = stopTrigger(pos, decimal.NewFromFloat(47_500))
	assert.True(t, hit)
	assert.Equal(t, "stop_loss", trigger)

	trigger, hit = stopTrigger(pos, decimal.NewFromFloat(46_000))
	assert.True(t, hit)
	assert.Equal(t, "stop_loss", trigger)

	trigger, hit = stopTrigger(pos, decimal.NewFromFloat(55_100))
	assert.True(t, hit)
	assert.Equal(t, "take_profit", trigger)
}

func TestStopTriggerWithoutLevels(t *testing.T) {
	pos := markedPosition(0, 0)
	_, hit := stopTrigger(pos, decimal.NewFromFloat(1))
	assert.False(t, hit)
	_, hit = stopTrigger(pos, decimal.NewFromFloat(1_000_000))
	assert.False(t, hit)
}

func TestStopExitKeyStablePerPosition(t *testing.T) {
	// The key dedupes the burst of ticks between trigger and fill; it must
	// not vary with time or price.
	assert.Equal(t, "stop_loss-42", stopExitKey("stop_loss", 42))
	assert.Equal(t, "take_profit-42", stopExitKey("take_profit", 42))
}

package risk

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSignalOrderKeyDeterministic(t *testing.T) {
	ts := time.Date(2026, 8, 24, 12, 30, 0, 0, time.UTC)

	a := signalOrderKey(42, "BUY", "paper", ts)
	b := signalOrderKey(42, "buy", "paper", ts)
	assert.Equal(t, a, b, "side casing must not change the key")
	assert.Equal(t, fmt.Sprintf("sig-42-buy-paper-%d", ts.Unix()), a)

	// Any field change yields a distinct key.
	assert.NotEqual(t, a, signalOrderKey(43, "buy", "paper", ts))
	assert.NotEqual(t, a, signalOrderKey(42, "sell", "paper", ts))
	assert.NotEqual(t, a, signalOrderKey(42, "buy", "live", ts))
	assert.NotEqual(t, a, signalOrderKey(42, "buy", "paper", ts.Add(time.Second)))
}

func TestDrawdownOrderKeyHourBucketed(t *testing.T) {
	base := time.Date(2026, 8, 24, 14, 5, 0, 0, time.UTC)

	a := drawdownOrderKey("live", "reduce", 7, "BTCUSDT", base)
	b := drawdownOrderKey("live", "reduce", 7, "BTCUSDT", base.Add(40*time.Minute))
	c := drawdownOrderKey("live", "reduce", 7, "BTCUSDT", base.Add(2*time.Hour))

	assert.Equal(t, a, b, "same hour collapses to one key")
	assert.NotEqual(t, a, c, "next hour issues a fresh key")
	assert.NotEqual(t, a, drawdownOrderKey("live", "close", 7, "BTCUSDT", base))
}

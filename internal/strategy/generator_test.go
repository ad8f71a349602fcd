package strategy

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mastertrade/core/internal/database"
)

var (
	testSymbols   = []string{"BTCUSDT", "ETHUSDT"}
	testIntervals = []string{"1h", "4h"}
)

func TestGenerateProducesRequestedSize(t *testing.T) {
	g := NewGenerator(nil, zerolog.Nop())
	out := g.Generate(context.Background(), 42, testSymbols, testIntervals, nil, 100, 3)

	require.Len(t, out, 100)
	for _, s := range out {
		assert.Equal(t, database.StrategyStatusDraft, s.Status)
		assert.Equal(t, 3, s.Generation)
		assert.Contains(t, testSymbols, s.Symbol)
		assert.Contains(t, testIntervals, s.Interval)
		_, known := TemplateFor(s.Type)
		assert.True(t, known, "unknown type %s", s.Type)
		assert.NotEmpty(t, s.Parameters)
		assert.Greater(t, s.StopLossPct, 0.0)
		assert.Greater(t, s.PositionSizePct, 0.0)
	}
}

func TestGenerateIsDeterministicForSeed(t *testing.T) {
	g := NewGenerator(nil, zerolog.Nop())
	a := g.Generate(context.Background(), 7, testSymbols, testIntervals, nil, 50, 1)
	b := g.Generate(context.Background(), 7, testSymbols, testIntervals, nil, 50, 1)

	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].Name, b[i].Name)
		assert.Equal(t, a[i].Parameters, b[i].Parameters)
	}
}

func TestGenerateCrossoverLinksParent(t *testing.T) {
	pool := []Seed{
		{Strategy: database.Strategy{ID: 1, Type: TypeMomentum, Symbol: "BTCUSDT", Interval: "1h",
			Parameters: map[string]interface{}{"roc_period": 12.0, "roc_entry": 2.0, "rsi_period": 14.0, "rsi_overbought": 75.0}}, Score: 0.9},
		{Strategy: database.Strategy{ID: 2, Type: TypeMomentum, Symbol: "BTCUSDT", Interval: "1h",
			Parameters: map[string]interface{}{"roc_period": 24.0, "roc_entry": 1.0, "rsi_period": 14.0, "rsi_overbought": 70.0}}, Score: 0.8},
	}

	g := NewGenerator(nil, zerolog.Nop())
	out := g.Generate(context.Background(), 11, testSymbols, testIntervals, pool, 100, 2)

	var children int
	for _, s := range out {
		if s.ParentStrategyID != nil {
			children++
			assert.Equal(t, TypeMomentum, s.Type)
		}
	}
	assert.Greater(t, children, 0, "expected genetic children with a viable pool")
}

func TestTemplateForCoversAllTypes(t *testing.T) {
	for _, typ := range []string{TypeMomentum, TypeMeanReversion, TypeBreakout, TypeBTCCorrelation, TypeMACD, TypeHybrid} {
		tmpl, ok := TemplateFor(typ)
		require.True(t, ok, typ)
		assert.NotEmpty(t, tmpl.Space)
		assert.NotEmpty(t, tmpl.Defaults)
	}
	_, ok := TemplateFor("scalping")
	assert.False(t, ok)
}

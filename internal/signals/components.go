package signals

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/markcheno/go-talib"

	"github.com/mastertrade/core/internal/collectors"
	"github.com/mastertrade/core/internal/database"
)

// priceLookback is how many 1m closes feed the technical indicators.
const priceLookback = 200

// componentSource computes the four component signals from store reads.
type componentSource struct {
	repo *database.Repository
}

// priceComponent derives a [-1,1] score from RSI, MACD histogram, and the
// SMA(20/50) cross over recent closes.
func (s *componentSource) priceComponent(ctx context.Context, symbol string, now time.Time) (Component, error) {
	bars, err := s.repo.GetOHLCV(ctx, symbol, "1m", now.Add(-time.Duration(priceLookback+60)*time.Minute), now)
	if err != nil {
		return Component{}, err
	}
	if len(bars) < 60 {
		return Component{}, errors.New("insufficient price history")
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	last := len(closes) - 1

	// RSI: 30/70 bands mapped linearly onto [-1, 1], oversold bullish.
	rsi := talib.Rsi(closes, 14)
	rsiScore := (50 - rsi[last]) / 50
	rsiScore = clamp(rsiScore*2, -1, 1)

	// MACD histogram sign and magnitude relative to price.
	_, _, hist := talib.Macd(closes, 12, 26, 9)
	macdScore := clamp(hist[last]/closes[last]*1000, -1, 1)

	// SMA cross: fast above slow is bullish, scaled by the spread.
	fast := talib.Sma(closes, 20)
	slow := talib.Sma(closes, 50)
	smaScore := clamp((fast[last]-slow[last])/slow[last]*100, -1, 1)

	score := (rsiScore + macdScore + smaScore) / 3
	age := now.Sub(bars[len(bars)-1].Timestamp)

	// Confidence grows with history depth, capped at 0.9.
	confidence := math.Min(0.9, float64(len(bars))/float64(priceLookback))
	return Component{Score: clamp(score, -1, 1), Confidence: confidence, Age: age}, nil
}

// sentimentComponent reads the latest social sentiment weighted by
// engagement (galaxy score as proxy).
func (s *componentSource) sentimentComponent(ctx context.Context, symbol string, now time.Time) (Component, error) {
	score, ts, err := s.repo.LatestMetric(ctx, symbol, collectors.MetricSocialSentiment)
	if err != nil {
		return Component{}, err
	}

	confidence := 0.6
	if galaxy, _, err := s.repo.LatestMetric(ctx, symbol, collectors.MetricGalaxyScore); err == nil {
		// Galaxy score 0..100; higher engagement means the sentiment read
		// is better supported.
		confidence = clamp(0.4+galaxy/100*0.5, 0, 0.9)
	}
	return Component{Score: clamp(score, -1, 1), Confidence: confidence, Age: now.Sub(ts)}, nil
}

// onchainComponent composites NVT reversion, MVRV deviation, and the sign
// of net exchange flow.
func (s *componentSource) onchainComponent(ctx context.Context, symbol string, now time.Time) (Component, error) {
	nvt, nvtTS, errNVT := s.repo.LatestMetric(ctx, symbol, collectors.MetricNVT)
	mvrv, mvrvTS, errMVRV := s.repo.LatestMetric(ctx, symbol, collectors.MetricMVRV)
	flow, flowTS, errFlow := s.repo.LatestMetric(ctx, symbol, collectors.MetricExchangeFlow)

	var parts []float64
	newest := time.Time{}

	if errNVT == nil {
		// High NVT = overvalued relative to transfer volume; reversion is
		// bearish above ~90, bullish below ~45.
		parts = append(parts, clamp((67.5-nvt)/22.5, -1, 1))
		newest = laterOf(newest, nvtTS)
	}
	if errMVRV == nil {
		// MVRV above 3 historically marks tops, below 1 bottoms.
		parts = append(parts, clamp((2-mvrv), -1, 1))
		newest = laterOf(newest, mvrvTS)
	}
	if errFlow == nil {
		// Net flow to exchanges (positive) is sell pressure.
		sign := 0.0
		if flow > 0 {
			sign = -0.5
		} else if flow < 0 {
			sign = 0.5
		}
		parts = append(parts, sign)
		newest = laterOf(newest, flowTS)
	}

	if len(parts) == 0 {
		if errNVT != nil {
			return Component{}, errNVT
		}
		return Component{}, pgx.ErrNoRows
	}

	var sum float64
	for _, p := range parts {
		sum += p
	}
	confidence := 0.5 + float64(len(parts))*0.1
	return Component{Score: clamp(sum/float64(len(parts)), -1, 1), Confidence: confidence, Age: now.Sub(newest)}, nil
}

// flowComponent derives buy/sell pressure from whale transfers over the
// trailing hour.
func (s *componentSource) flowComponent(ctx context.Context, symbol string, now time.Time) (Component, error) {
	netUSD, count, err := s.repo.WhaleFlowSince(ctx, symbol, now.Add(-time.Hour))
	if err != nil {
		return Component{}, err
	}
	if count == 0 {
		return Component{}, pgx.ErrNoRows
	}

	// Saturate at $50M net flow over the hour.
	score := clamp(netUSD/50_000_000, -1, 1)
	confidence := clamp(0.4+float64(count)*0.05, 0, 0.85)
	return Component{Score: score, Confidence: confidence, Age: 0}, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

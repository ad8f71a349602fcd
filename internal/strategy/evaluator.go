package strategy

import (
	"fmt"

	"github.com/markcheno/go-talib"

	"github.com/mastertrade/core/internal/database"
)

// Program is a strategy compiled against one candle series: per-bar enter
// and exit flags, computed once so the replay is O(n).
type Program struct {
	enter  []bool
	exit   []bool
	warmup int
}

// Warmup returns the first index with valid indicator values.
func (p *Program) Warmup() int { return p.warmup }

// Len returns the number of bars compiled.
func (p *Program) Len() int { return len(p.enter) }

// EnterAt reports whether the strategy signals an entry at bar i.
func (p *Program) EnterAt(i int) bool {
	return i >= p.warmup && i < len(p.enter) && p.enter[i]
}

// ExitAt reports whether the strategy signals an exit at bar i.
func (p *Program) ExitAt(i int) bool {
	return i >= p.warmup && i < len(p.exit) && p.exit[i]
}

// Compile evaluates a strategy's conditions over a candle series. ref is
// the reference (BTC) close series for correlation strategies; it must be
// index-aligned with bars and may be nil for other types.
func Compile(s *database.Strategy, bars []database.OHLCVBar, ref []float64) (*Program, error) {
	if len(bars) == 0 {
		return nil, fmt.Errorf("compile %s: empty candle series", s.Type)
	}

	closes := make([]float64, len(bars))
	highs := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
		highs[i] = b.High
	}

	p := param(s.Parameters)
	switch s.Type {
	case TypeMomentum:
		return compileMomentum(closes, p), nil
	case TypeMeanReversion:
		return compileMeanReversion(closes, p), nil
	case TypeBreakout:
		return compileBreakout(closes, highs, p), nil
	case TypeBTCCorrelation:
		if len(ref) != len(closes) {
			return nil, fmt.Errorf("compile %s: reference series length %d, want %d", s.Type, len(ref), len(closes))
		}
		return compileBTCCorrelation(closes, ref, p), nil
	case TypeMACD:
		return compileMACD(closes, p), nil
	case TypeHybrid:
		return compileHybrid(closes, p), nil
	default:
		return nil, fmt.Errorf("compile: unknown strategy type %q", s.Type)
	}
}

// param wraps the JSONB parameter map with typed, defaulted lookups.
type param map[string]interface{}

func (p param) f(key string, def float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}

func (p param) i(key string, def int) int {
	return int(p.f(key, float64(def)))
}

func compileMomentum(closes []float64, p param) *Program {
	rocPeriod := p.i("roc_period", 12)
	rocEntry := p.f("roc_entry", 2.0)
	rsiPeriod := p.i("rsi_period", 14)
	overbought := p.f("rsi_overbought", 75)

	roc := talib.Roc(closes, rocPeriod)
	rsi := talib.Rsi(closes, rsiPeriod)

	prog := newProgram(len(closes), maxInt(rocPeriod, rsiPeriod)+1)
	for i := prog.warmup; i < len(closes); i++ {
		prog.enter[i] = roc[i] > rocEntry && rsi[i] < overbought
		prog.exit[i] = roc[i] < 0
	}
	return prog
}

func compileMeanReversion(closes []float64, p param) *Program {
	period := p.i("bb_period", 20)
	dev := p.f("bb_dev", 2.0)

	_, middle, lower := talib.BBands(closes, period, dev, dev, talib.SMA)

	prog := newProgram(len(closes), period+1)
	for i := prog.warmup; i < len(closes); i++ {
		prog.enter[i] = closes[i] < lower[i]
		prog.exit[i] = closes[i] >= middle[i]
	}
	return prog
}

func compileBreakout(closes, highs []float64, p param) *Program {
	lookback := p.i("lookback", 40)
	exitPeriod := p.i("exit_period", 20)

	hh := talib.Max(highs, lookback)
	exitSMA := talib.Sma(closes, exitPeriod)

	prog := newProgram(len(closes), maxInt(lookback, exitPeriod)+1)
	for i := prog.warmup; i < len(closes); i++ {
		// Break above the prior bar's rolling high; the current bar's own
		// high would look ahead.
		prog.enter[i] = closes[i] > hh[i-1]
		prog.exit[i] = closes[i] < exitSMA[i]
	}
	return prog
}

func compileBTCCorrelation(closes, ref []float64, p param) *Program {
	corrPeriod := p.i("corr_period", 60)
	minCorr := p.f("min_corr", 0.6)
	btcROC := p.f("btc_roc", 1.0)

	corr := talib.Correl(ref, closes, corrPeriod)
	refROC := talib.Roc(ref, 12)

	prog := newProgram(len(closes), corrPeriod+1)
	for i := prog.warmup; i < len(closes); i++ {
		prog.enter[i] = corr[i] >= minCorr && refROC[i] > btcROC
		prog.exit[i] = refROC[i] < 0
	}
	return prog
}

func compileMACD(closes []float64, p param) *Program {
	fast := p.i("fast", 12)
	slow := p.i("slow", 26)
	signal := p.i("signal", 9)

	_, _, hist := talib.Macd(closes, fast, slow, signal)

	prog := newProgram(len(closes), slow+signal+1)
	for i := prog.warmup; i < len(closes); i++ {
		prog.enter[i] = hist[i] > 0 && hist[i-1] <= 0
		prog.exit[i] = hist[i] < 0 && hist[i-1] >= 0
	}
	return prog
}

func compileHybrid(closes []float64, p param) *Program {
	rocPeriod := p.i("roc_period", 12)
	rocEntry := p.f("roc_entry", 1.5)
	fast := p.i("fast", 12)
	slow := p.i("slow", 26)
	signal := p.i("signal", 9)

	roc := talib.Roc(closes, rocPeriod)
	_, _, hist := talib.Macd(closes, fast, slow, signal)

	prog := newProgram(len(closes), maxInt(rocPeriod, slow+signal)+1)
	for i := prog.warmup; i < len(closes); i++ {
		// Momentum entry confirmed by MACD; either side can force the exit.
		prog.enter[i] = roc[i] > rocEntry && hist[i] > 0
		prog.exit[i] = roc[i] < 0 || (hist[i] < 0 && hist[i-1] >= 0)
	}
	return prog
}

func newProgram(n, warmup int) *Program {
	if warmup >= n {
		warmup = n
	}
	return &Program{
		enter:  make([]bool, n),
		exit:   make([]bool, n),
		warmup: warmup,
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

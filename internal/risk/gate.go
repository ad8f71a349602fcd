package risk

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/mastertrade/core/config"
	"github.com/mastertrade/core/internal/cache"
	"github.com/mastertrade/core/internal/database"
	"github.com/mastertrade/core/internal/fabric"
)

// correlatedCluster groups symbols whose exposure is summed against the
// cluster cap. Anything unlisted falls into the alt cluster.
var correlatedCluster = map[string]string{
	"BTCUSDT": "majors",
	"ETHUSDT": "majors",
	"WBTCUSDT": "majors",
}

const altCluster = "alts"

// SizeRequest asks the gate to size a new position.
type SizeRequest struct {
	StrategyID     int64
	Symbol         string
	Side           string
	Environment    string
	PortfolioValue float64
}

// SizeDecision is the gate's answer.
type SizeDecision struct {
	Approved   bool
	Quantity   decimal.Decimal
	Notional   float64
	GoalFactor float64
	Reason     string
}

// Gate applies goal-adjusted position sizing and portfolio exposure caps.
type Gate struct {
	cfg     config.RiskConfig
	goals   *GoalTracker
	monitor *DrawdownMonitor
	repo    *database.Repository
	cache   *cache.Service
	logger  zerolog.Logger
}

// NewGate builds a gate.
func NewGate(cfg config.RiskConfig, goals *GoalTracker, monitor *DrawdownMonitor, repo *database.Repository, cacheSvc *cache.Service, logger zerolog.Logger) *Gate {
	return &Gate{
		cfg:     cfg,
		goals:   goals,
		monitor: monitor,
		repo:    repo,
		cache:   cacheSvc,
		logger:  logger.With().Str("component", "risk_gate").Logger(),
	}
}

// SizePosition computes the approved quantity for a new position, or a
// rejection with its reason.
func (g *Gate) SizePosition(ctx context.Context, req SizeRequest) (SizeDecision, error) {
	if g.monitor.Blocked(req.Environment) {
		return SizeDecision{Reason: "drawdown protection active"}, nil
	}
	if req.PortfolioValue <= 0 {
		return SizeDecision{Reason: "portfolio value unknown"}, nil
	}

	strat, err := g.repo.GetStrategy(ctx, req.StrategyID)
	if err != nil {
		return SizeDecision{}, fmt.Errorf("size position: %w", err)
	}

	factor := 1.0
	if status, err := g.goals.Status(ctx); err == nil {
		factor = status.SizingFactor
	} else {
		g.logger.Warn().Err(err).Msg("goal status unavailable, sizing with factor 1.0")
	}

	notional := req.PortfolioValue * strat.PositionSizePct / 100 * factor

	if reason, ok := g.capsExceeded(ctx, req, notional); !ok {
		return SizeDecision{GoalFactor: factor, Reason: reason}, nil
	}

	price, err := g.tickerPrice(ctx, req.Symbol)
	if err != nil {
		return SizeDecision{GoalFactor: factor, Reason: "no recent ticker price"}, nil
	}

	quantity := decimal.NewFromFloat(notional).Div(decimal.NewFromFloat(price)).Round(8)
	return SizeDecision{
		Approved:   true,
		Quantity:   quantity,
		Notional:   notional,
		GoalFactor: factor,
	}, nil
}

// capsExceeded checks the per-symbol, per-strategy, and correlated
// cluster exposure caps against open positions.
func (g *Gate) capsExceeded(ctx context.Context, req SizeRequest, notional float64) (string, bool) {
	positions, err := g.repo.ListPositions(ctx, req.Environment)
	if err != nil {
		return "position exposure unavailable", false
	}

	var symbolExposure, strategyExposure float64
	clusterExposure := make(map[string]float64)
	for _, p := range positions {
		value := p.CurrentPrice.Mul(p.Quantity).InexactFloat64()
		if p.Symbol == req.Symbol {
			symbolExposure += value
		}
		if p.StrategyID == req.StrategyID {
			strategyExposure += value
		}
		clusterExposure[clusterOf(p.Symbol)] += value
	}

	pct := func(v float64) float64 { return v / req.PortfolioValue * 100 }

	if pct(symbolExposure+notional) > g.cfg.PerSymbolCapPct {
		return fmt.Sprintf("symbol cap %.0f%% exceeded", g.cfg.PerSymbolCapPct), false
	}
	if pct(strategyExposure+notional) > g.cfg.PerStrategyCapPct {
		return fmt.Sprintf("strategy cap %.0f%% exceeded", g.cfg.PerStrategyCapPct), false
	}
	cluster := clusterOf(req.Symbol)
	if pct(clusterExposure[cluster]+notional) > g.cfg.ClusterCapPct {
		return fmt.Sprintf("cluster %s cap %.0f%% exceeded", cluster, g.cfg.ClusterCapPct), false
	}
	return "", true
}

func (g *Gate) tickerPrice(ctx context.Context, symbol string) (float64, error) {
	var ticker fabric.TickerPayload
	if err := g.cache.GetJSON(ctx, cache.TickerKey(symbol), &ticker); err != nil {
		return 0, err
	}
	if ticker.Price <= 0 {
		return 0, fmt.Errorf("ticker price for %s is zero", symbol)
	}
	return ticker.Price, nil
}

func clusterOf(symbol string) string {
	if c, ok := correlatedCluster[strings.ToUpper(symbol)]; ok {
		return c
	}
	return altCluster
}

package risk

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/mastertrade/core/internal/database"
	"github.com/mastertrade/core/internal/fabric"
)

const drawdownCheckInterval = time.Minute

// Service is the risk cluster's runtime: it routes fused signals through
// the gate into order requests and enforces drawdown actions against
// open positions.
type Service struct {
	gate    *Gate
	monitor *DrawdownMonitor
	goals   *GoalTracker
	repo    *database.Repository
	bus     *fabric.Fabric
	logger  zerolog.Logger
}

// NewService builds the risk service.
func NewService(gate *Gate, monitor *DrawdownMonitor, goals *GoalTracker, repo *database.Repository, bus *fabric.Fabric, logger zerolog.Logger) *Service {
	return &Service{
		gate:    gate,
		monitor: monitor,
		goals:   goals,
		repo:    repo,
		bus:     bus,
		logger:  logger.With().Str("component", "risk").Logger(),
	}
}

// Run consumes trading signals and runs the drawdown loop until ctx ends.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.bus.Consume(ctx, fabric.QueueSignals, s.handleSignal)
	})
	g.Go(func() error {
		s.drawdownLoop(ctx)
		return nil
	})
	return g.Wait()
}

// handleSignal fans one fused signal out to the strategies trading its
// symbol: buys go through the gate, sells flatten the open position.
func (s *Service) handleSignal(ctx context.Context, env fabric.Envelope, routingKey string) error {
	var payload fabric.TradingSignalPayload
	if err := env.Decode(&payload); err != nil {
		return fabric.ErrPoison
	}
	if payload.Action != "BUY" && payload.Action != "SELL" {
		return nil
	}

	for _, pair := range []struct{ status, environment string }{
		{database.StrategyStatusPaper, database.EnvironmentPaper},
		{database.StrategyStatusActive, database.EnvironmentLive},
	} {
		strategies, err := s.repo.ListStrategiesByStatus(ctx, pair.status, 500)
		if err != nil {
			return fmt.Errorf("list %s strategies: %w", pair.status, err)
		}
		for _, strat := range strategies {
			if strat.Symbol != payload.Symbol {
				continue
			}
			if err := s.route(ctx, strat, pair.environment, payload); err != nil {
				s.logger.Error().Err(err).
					Int64("strategy_id", strat.ID).
					Str("symbol", payload.Symbol).
					Msg("signal routing failed")
			}
		}
	}
	return nil
}

func (s *Service) route(ctx context.Context, strat *database.Strategy, environment string, payload fabric.TradingSignalPayload) error {
	switch payload.Action {
	case "BUY":
		return s.routeEntry(ctx, strat, environment, payload)
	case "SELL":
		return s.routeExit(ctx, strat, environment, payload)
	}
	return nil
}

func (s *Service) routeEntry(ctx context.Context, strat *database.Strategy, environment string, payload fabric.TradingSignalPayload) error {
	// One position per (strategy, symbol, environment); skip if already in.
	if pos, err := s.repo.GetPosition(ctx, strat.ID, strat.Symbol, environment); err == nil && pos != nil {
		return nil
	}

	portfolio, err := s.goals.PortfolioValue(ctx, environment)
	if err != nil {
		return fmt.Errorf("portfolio value: %w", err)
	}

	decision, err := s.gate.SizePosition(ctx, SizeRequest{
		StrategyID:     strat.ID,
		Symbol:         strat.Symbol,
		Side:           "BUY",
		Environment:    environment,
		PortfolioValue: portfolio,
	})
	if err != nil {
		return err
	}
	if !decision.Approved {
		s.logger.Debug().
			Int64("strategy_id", strat.ID).
			Str("reason", decision.Reason).
			Msg("entry rejected by gate")
		return nil
	}

	price, _ := s.gate.tickerPrice(ctx, strat.Symbol)
	var stopLoss, takeProfit *decimal.Decimal
	if price > 0 {
		if strat.StopLossPct > 0 {
			sl := decimal.NewFromFloat(price * (1 - strat.StopLossPct/100)).Round(8)
			stopLoss = &sl
		}
		if strat.TakeProfitPct > 0 {
			tp := decimal.NewFromFloat(price * (1 + strat.TakeProfitPct/100)).Round(8)
			takeProfit = &tp
		}
	}

	return s.publishOrder(ctx, fabric.OrderRequestPayload{
		IdempotencyKey: signalOrderKey(strat.ID, "buy", environment, payload.Timestamp),
		StrategyID:     strat.ID,
		Symbol:         strat.Symbol,
		Side:           "BUY",
		OrderType:      "market",
		Quantity:       decision.Quantity,
		StopLoss:       stopLoss,
		TakeProfit:     takeProfit,
		Environment:    environment,
		Approved:       true,
	})
}

func (s *Service) routeExit(ctx context.Context, strat *database.Strategy, environment string, payload fabric.TradingSignalPayload) error {
	pos, err := s.repo.GetPosition(ctx, strat.ID, strat.Symbol, environment)
	if err != nil || pos == nil {
		// Nothing to flatten.
		return nil
	}
	return s.publishOrder(ctx, fabric.OrderRequestPayload{
		IdempotencyKey: signalOrderKey(strat.ID, "sell", environment, payload.Timestamp),
		StrategyID:     strat.ID,
		Symbol:         strat.Symbol,
		Side:           "SELL",
		OrderType:      "market",
		Quantity:       pos.Quantity,
		Environment:    environment,
		Approved:       true,
	})
}

// drawdownLoop evaluates the monthly drawdown every minute per
// environment and executes the resulting actions.
func (s *Service) drawdownLoop(ctx context.Context) {
	ticker := time.NewTicker(drawdownCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, environment := range []string{database.EnvironmentPaper, database.EnvironmentLive} {
				s.checkEnvironment(ctx, environment)
			}
		}
	}
}

func (s *Service) checkEnvironment(ctx context.Context, environment string) {
	portfolio, err := s.goals.PortfolioValue(ctx, environment)
	if err != nil {
		s.logger.Warn().Err(err).Str("environment", environment).Msg("portfolio value unavailable")
		return
	}

	actions := s.monitor.Check(ctx, environment, portfolio)
	for _, action := range actions {
		switch action {
		case ActionReducePositions:
			s.scalePositions(ctx, environment, ReduceFraction, "reduce")
		case ActionCloseAll:
			s.scalePositions(ctx, environment, 1.0, "close")
		}
	}
}

// scalePositions sells fraction of every open position in the
// environment. The hour-bucketed idempotency key keeps the minutely loop
// from resubmitting while a breach persists.
func (s *Service) scalePositions(ctx context.Context, environment string, fraction float64, tag string) {
	positions, err := s.repo.ListPositions(ctx, environment)
	if err != nil {
		s.logger.Error().Err(err).Str("environment", environment).Msg("list positions failed")
		return
	}

	for _, pos := range positions {
		quantity := pos.Quantity.Mul(decimal.NewFromFloat(fraction)).Round(8)
		if quantity.IsZero() {
			continue
		}
		req := fabric.OrderRequestPayload{
			IdempotencyKey: drawdownOrderKey(environment, tag, pos.StrategyID, pos.Symbol, time.Now().UTC()),
			StrategyID:     pos.StrategyID,
			Symbol:         pos.Symbol,
			Side:           "SELL",
			OrderType:      "market",
			Quantity:       quantity,
			Environment:    environment,
			Approved:       true,
		}
		if err := s.publishOrder(ctx, req); err != nil {
			s.logger.Error().Err(err).
				Str("symbol", pos.Symbol).
				Int64("strategy_id", pos.StrategyID).
				Msg("drawdown order publish failed")
		}
	}
}

func (s *Service) publishOrder(ctx context.Context, payload fabric.OrderRequestPayload) error {
	env, err := fabric.NewEnvelope(fabric.TypeOrderRequest, "risk", payload)
	if err != nil {
		return err
	}
	return s.bus.Publish(ctx, fabric.ExchangeOrders, fabric.OrderRequestKey(payload.Symbol), env)
}

// signalOrderKey is deterministic per (strategy, side, environment,
// signal timestamp) so a redelivered signal dedupes at the executor.
func signalOrderKey(strategyID int64, side, environment string, ts time.Time) string {
	return fmt.Sprintf("sig-%d-%s-%s-%d", strategyID, strings.ToLower(side), environment, ts.UTC().Unix())
}

// drawdownOrderKey buckets by hour so a persistent breach acts at most
// once per hour per position.
func drawdownOrderKey(environment, tag string, strategyID int64, symbol string, now time.Time) string {
	return fmt.Sprintf("dd-%s-%s-%d-%s-%d", environment, tag, strategyID, symbol, now.Truncate(time.Hour).Unix())
}

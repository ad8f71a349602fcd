// Package orchestrator owns the strategy lifecycle: candidate
// generation, backtest draining, and goal-aware activation under an
// advisory lock.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mastertrade/core/config"
	"github.com/mastertrade/core/internal/backtest"
	"github.com/mastertrade/core/internal/cache"
	"github.com/mastertrade/core/internal/database"
	"github.com/mastertrade/core/internal/fabric"
	"github.com/mastertrade/core/internal/risk"
	"github.com/mastertrade/core/internal/strategy"
)

const (
	backtestBatch = 100

	// stabilityWindow is how long a strategy stays put after a flip
	// unless its score moves enough.
	stabilityWindow = 24 * time.Hour

	referenceSymbol = "BTCUSDT"
)

// Alerter raises system alerts.
type Alerter interface {
	Raise(ctx context.Context, severity, alertType, title, message string) error
}

// Orchestrator drives the three strategy loops.
type Orchestrator struct {
	cfg       config.StrategyConfig
	symbols   []string
	intervals []string
	repo      *database.Repository
	cache     *cache.Service
	engine    *backtest.Engine
	generator *strategy.Generator
	goals     *risk.GoalTracker
	bus       *fabric.Fabric
	alerter   Alerter
	logger    zerolog.Logger
	now       func() time.Time
}

// New builds the orchestrator.
func New(cfg config.StrategyConfig, symbols []string, repo *database.Repository, cacheSvc *cache.Service, goals *risk.GoalTracker, bus *fabric.Fabric, alerter Alerter, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		symbols:   symbols,
		intervals: []string{"1h", "4h"},
		repo:      repo,
		cache:     cacheSvc,
		engine:    backtest.New(0, 0),
		generator: strategy.NewGenerator(strategy.NewPredictorClient(cfg.PredictorURL), logger),
		goals:     goals,
		bus:       bus,
		alerter:   alerter,
		logger:    logger.With().Str("component", "orchestrator").Logger(),
		now:       time.Now,
	}
}

// RunGeneration produces one generation of draft candidates. Scheduled
// daily at 03:00 UTC.
func (o *Orchestrator) RunGeneration(ctx context.Context) error {
	maxGen, err := o.repo.MaxGeneration(ctx)
	if err != nil {
		return fmt.Errorf("generation: %w", err)
	}
	generation := maxGen + 1

	pool, err := o.seedPool(ctx)
	if err != nil {
		return fmt.Errorf("generation: %w", err)
	}

	rngSeed := o.now().UTC().UnixNano()
	candidates := o.generator.Generate(ctx, rngSeed, o.symbols, o.intervals, pool, o.cfg.GenerationSize, generation)

	var created int
	for i := range candidates {
		if err := o.repo.CreateStrategy(ctx, &candidates[i]); err != nil {
			o.logger.Error().Err(err).Str("name", candidates[i].Name).Msg("candidate persist failed")
			continue
		}
		created++
	}
	o.logger.Info().Int("created", created).Int("generation", generation).Msg("generation complete")
	return nil
}

// seedPool gathers backtested strategies with their latest scores as
// genetic parent material.
func (o *Orchestrator) seedPool(ctx context.Context) ([]strategy.Seed, error) {
	backtested, err := o.repo.ListStrategiesByStatus(ctx, database.StrategyStatusBacktested, 200)
	if err != nil {
		return nil, err
	}
	if len(backtested) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(backtested))
	for i, s := range backtested {
		ids[i] = s.ID
	}
	results, err := o.repo.LatestBacktestResults(ctx, ids)
	if err != nil {
		return nil, err
	}

	pool := make([]strategy.Seed, 0, len(backtested))
	for _, s := range backtested {
		pool = append(pool, strategy.Seed{Strategy: *s, Score: BacktestScore(results[s.ID])})
	}
	return pool, nil
}

// DrainBacktests processes draft strategies with bounded parallelism
// until none remain, then triggers an activation pass.
func (o *Orchestrator) DrainBacktests(ctx context.Context) error {
	for {
		drafts, err := o.repo.ListStrategiesByStatus(ctx, database.StrategyStatusDraft, backtestBatch)
		if err != nil {
			return fmt.Errorf("backtest drain: %w", err)
		}
		if len(drafts) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(o.cfg.BacktestParallelism)
		for _, s := range drafts {
			s := s
			g.Go(func() error {
				o.backtestOne(gctx, s)
				return gctx.Err()
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return o.RunActivation(ctx, "post_backtest")
}

// backtestOne runs one candidate with a single retry; a second failure
// archives it.
func (o *Orchestrator) backtestOne(ctx context.Context, s *database.Strategy) {
	result, err := o.runBacktest(ctx, s)
	if err != nil {
		result, err = o.runBacktest(ctx, s)
	}
	if err != nil {
		o.logger.Warn().Err(err).Int64("strategy_id", s.ID).Msg("backtest failed twice, archiving")
		o.archive(ctx, s.ID, fmt.Sprintf("backtest error: %v", err))
		return
	}

	if reason, bad := backtest.Unrealistic(result); bad {
		o.archive(ctx, s.ID, reason)
		return
	}

	if err := o.repo.CreateBacktestResult(ctx, result); err != nil {
		o.logger.Error().Err(err).Int64("strategy_id", s.ID).Msg("result persist failed")
		return
	}
	if err := o.repo.TransitionStrategy(ctx, s.ID, database.StrategyStatusBacktested, "backtest passed"); err != nil {
		o.logger.Error().Err(err).Int64("strategy_id", s.ID).Msg("transition failed")
	}
}

func (o *Orchestrator) runBacktest(ctx context.Context, s *database.Strategy) (*database.BacktestResult, error) {
	to := o.now().UTC()
	from := to.AddDate(0, 0, -o.cfg.BacktestWindowDays)

	bars, err := o.repo.GetOHLCV(ctx, s.Symbol, s.Interval, from, to)
	if err != nil {
		return nil, err
	}

	var ref []float64
	if s.Type == strategy.TypeBTCCorrelation {
		refBars, err := o.repo.GetOHLCV(ctx, referenceSymbol, s.Interval, from, to)
		if err != nil {
			return nil, err
		}
		ref, err = alignReference(bars, refBars)
		if err != nil {
			return nil, err
		}
	}

	// Strategy id seeds the run so a rerun reproduces byte-identical
	// metrics.
	return o.engine.Run(s, bars, ref, s.ID)
}

func (o *Orchestrator) archive(ctx context.Context, id int64, reason string) {
	if err := o.repo.TransitionStrategy(ctx, id, database.StrategyStatusArchived, reason); err != nil {
		o.logger.Error().Err(err).Int64("strategy_id", id).Msg("archive failed")
	}
}

// RunActivation scores every eligible strategy, selects the top
// MaxActive, and applies the diff under the activation advisory lock.
func (o *Orchestrator) RunActivation(ctx context.Context, trigger string) error {
	strategies, err := o.repo.ListNonArchivedStrategies(ctx)
	if err != nil {
		return fmt.Errorf("activation: %w", err)
	}

	eligible := make([]*database.Strategy, 0, len(strategies))
	ids := make([]int64, 0, len(strategies))
	for _, s := range strategies {
		if s.Status == database.StrategyStatusDraft {
			continue
		}
		eligible = append(eligible, s)
		ids = append(ids, s.ID)
	}
	if len(eligible) == 0 {
		return nil
	}

	results, err := o.repo.LatestBacktestResults(ctx, ids)
	if err != nil {
		return fmt.Errorf("activation: %w", err)
	}

	goalFactor := 1.0
	if status, err := o.goals.Status(ctx); err == nil {
		goalFactor = status.ActivationFactor
	} else {
		o.logger.Warn().Err(err).Msg("goal status unavailable, activation with factor 1.0")
		if o.alerter != nil {
			o.alerter.Raise(ctx, database.SeverityWarning, "activation_goal_fallback",
				"Activation ran without goal adjustment",
				"goal status read failed; scores used factor 1.0")
		}
	}

	scores := make(map[int64]float64, len(eligible))
	ranked := make([]Ranked, 0, len(eligible))
	for _, s := range eligible {
		result := results[s.ID]
		if result == nil {
			continue
		}
		score := Overall(ScoreInputs{
			Performance:     o.performanceScore(ctx, s.ID),
			Backtest:        BacktestScore(result),
			MarketAlignment: MarketAlignment(s.Type, o.avgSignalScore(ctx, s.Symbol)),
			Risk:            RiskScore(result),
		}, goalFactor)
		scores[s.ID] = score
		ranked = append(ranked, Ranked{ID: s.ID, Score: score, Status: s.Status})
	}

	target := SelectTop(ranked, o.cfg.MaxActive)

	statusByID := make(map[int64]string, len(eligible))
	for _, s := range eligible {
		statusByID[s.ID] = s.Status
	}

	return o.applyDiff(ctx, trigger, target, statusByID, scores)
}

// applyDiff holds the activation lock while transitioning the diff and
// recording the audit row.
func (o *Orchestrator) applyDiff(ctx context.Context, trigger string, target []int64, statusByID map[int64]string, scores map[int64]float64) error {
	var flipped []int64
	err := o.repo.WithActivationLock(ctx, func(tx pgx.Tx) error {
		current, err := o.repo.ActiveStrategyIDs(ctx, tx)
		if err != nil {
			return err
		}

		activate, deactivate := Diff(current, target)
		activate = o.filterStable(ctx, tx, activate, scores)
		deactivate = o.filterStable(ctx, tx, deactivate, scores)

		// Never exceed the cap: each activation needs a free slot.
		free := o.cfg.MaxActive - len(current) + len(deactivate)
		if len(activate) > free {
			if free < 0 {
				free = 0
			}
			activate = activate[:free]
		}

		for _, id := range deactivate {
			if err := o.repo.TransitionStrategyTx(ctx, tx, id, database.StrategyStatusPaused, "ranked out"); err != nil {
				return err
			}
		}
		for _, id := range activate {
			if statusByID[id] == database.StrategyStatusBacktested {
				// Promotion traverses paper, bound in the same transaction.
				if err := o.repo.TransitionStrategyTx(ctx, tx, id, database.StrategyStatusPaper, "promoting"); err != nil {
					return err
				}
			}
			if err := o.repo.TransitionStrategyTx(ctx, tx, id, database.StrategyStatusActive, "ranked in"); err != nil {
				return err
			}
		}

		if len(activate) == 0 && len(deactivate) == 0 {
			return nil
		}

		after := make([]int64, 0, len(current)+len(activate))
		deactSet := make(map[int64]bool, len(deactivate))
		for _, id := range deactivate {
			deactSet[id] = true
		}
		for _, id := range current {
			if !deactSet[id] {
				after = append(after, id)
			}
		}
		after = append(after, activate...)

		flipped = append(append([]int64{}, activate...), deactivate...)
		return o.repo.RecordActivationLog(ctx, tx, &database.ActivationLogRow{
			ActiveBefore: current,
			ActiveAfter:  after,
			Activated:    activate,
			Deactivated:  deactivate,
			Trigger:      trigger,
		})
	})
	if err != nil {
		return fmt.Errorf("activation: %w", err)
	}

	for _, id := range flipped {
		o.rememberFlipScore(ctx, id, scores[id])
	}
	if len(flipped) > 0 {
		o.publishActivation(ctx, trigger, flipped)
	}
	return nil
}

// filterStable drops flips for strategies that already flipped inside the
// stability window, unless their score moved more than 15%.
func (o *Orchestrator) filterStable(ctx context.Context, tx pgx.Tx, ids []int64, scores map[int64]float64) []int64 {
	out := ids[:0]
	for _, id := range ids {
		lastFlip, err := o.repo.LastStrategyFlip(ctx, tx, id)
		if err != nil || lastFlip.IsZero() || o.now().UTC().Sub(lastFlip) >= stabilityWindow {
			out = append(out, id)
			continue
		}

		var oldScore float64
		if err := o.cache.GetJSON(ctx, cache.StrategyScoreKey(id), &oldScore); err != nil {
			out = append(out, id)
			continue
		}
		if scoreMoved(oldScore, scores[id]) {
			out = append(out, id)
			continue
		}
		o.logger.Debug().Int64("strategy_id", id).Msg("flip suppressed by stability rule")
	}
	return out
}

func (o *Orchestrator) rememberFlipScore(ctx context.Context, id int64, score float64) {
	if err := o.cache.SetJSON(ctx, cache.StrategyScoreKey(id), score, 2*stabilityWindow); err != nil {
		o.logger.Debug().Err(err).Msg("flip score cache write failed")
	}
}

func (o *Orchestrator) publishActivation(ctx context.Context, trigger string, flipped []int64) {
	env, err := fabric.NewEnvelope(fabric.TypeSystemNotification, "orchestrator", fabric.SystemNotificationPayload{
		Event:    "strategy.activation",
		Severity: database.SeverityInfo,
		Message:  "active strategy set changed",
		Details:  map[string]interface{}{"trigger": trigger, "flipped": flipped},
	})
	if err != nil {
		return
	}
	if err := o.bus.Publish(ctx, fabric.ExchangeSystem, fabric.SystemKey("strategy", "activation"), env); err != nil {
		o.logger.Warn().Err(err).Msg("activation publish failed")
	}
}

// performanceScore folds the strategy's realized PnL over the trailing
// 30 days into [0, 1].
func (o *Orchestrator) performanceScore(ctx context.Context, strategyID int64) float64 {
	pnl, err := o.repo.RealizedPnLByStrategy(ctx, strategyID, o.now().UTC().AddDate(0, 0, -30))
	if err != nil {
		return 0.5
	}
	return PerformanceScore(pnl, 100_000)
}

// avgSignalScore is the mean fused score over the last six hours of
// buffered signals for the symbol.
func (o *Orchestrator) avgSignalScore(ctx context.Context, symbol string) float64 {
	now := o.now().UTC()
	signals, err := o.cache.RecentSignals(ctx, symbol, now.Add(-6*time.Hour), now, 100)
	if err != nil || len(signals) == 0 {
		return 0
	}
	var sum float64
	for _, s := range signals {
		sum += s.Score
	}
	return sum / float64(len(signals))
}

// alignReference maps the reference candle series onto the subject
// series by timestamp, carrying the last known close across gaps.
func alignReference(bars []database.OHLCVBar, refBars []database.OHLCVBar) ([]float64, error) {
	if len(refBars) == 0 {
		return nil, fmt.Errorf("empty reference series")
	}
	byTime := make(map[int64]float64, len(refBars))
	for _, b := range refBars {
		byTime[b.Timestamp.Unix()] = b.Close
	}

	out := make([]float64, len(bars))
	last := refBars[0].Close
	for i, b := range bars {
		if c, ok := byTime[b.Timestamp.Unix()]; ok {
			last = c
		}
		out[i] = last
	}
	return out, nil
}

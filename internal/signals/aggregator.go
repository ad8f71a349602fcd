package signals

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mastertrade/core/config"
	"github.com/mastertrade/core/internal/cache"
	"github.com/mastertrade/core/internal/database"
	"github.com/mastertrade/core/internal/fabric"
)

// backpressureDepth is the queue depth past which the aggregator halves
// its cadence and raises a warning.
const backpressureDepth = 1000

// Alerter raises system alerts; satisfied by the alert bus client.
type Alerter interface {
	Raise(ctx context.Context, severity, alertType, title, message string) error
}

// Aggregator fuses component signals per tracked symbol every update
// interval and publishes the result.
type Aggregator struct {
	cfg     config.SignalsConfig
	symbols []string
	source  *componentSource
	repo    *database.Repository
	cache   *cache.Service
	bus     *fabric.Fabric
	alerter Alerter
	logger  zerolog.Logger

	mu        sync.Mutex
	throttled bool

	now func() time.Time
}

// New builds the aggregator.
func New(cfg config.SignalsConfig, symbols []string, repo *database.Repository, cacheSvc *cache.Service, bus *fabric.Fabric, alerter Alerter, logger zerolog.Logger) *Aggregator {
	return &Aggregator{
		cfg:     cfg,
		symbols: symbols,
		source:  &componentSource{repo: repo},
		repo:    repo,
		cache:   cacheSvc,
		bus:     bus,
		alerter: alerter,
		logger:  logger.With().Str("component", "signals").Logger(),
		now:     time.Now,
	}
}

// Run drives the update loop until ctx is cancelled. Under backpressure
// the cadence doubles (publish rate halves).
func (a *Aggregator) Run(ctx context.Context) error {
	a.logger.Info().
		Dur("interval", a.cfg.UpdateInterval).
		Strs("symbols", a.symbols).
		Msg("aggregator started")

	for {
		interval := a.cfg.UpdateInterval
		if a.isThrottled() {
			interval *= 2
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		a.checkBackpressure(ctx)
		for _, symbol := range a.symbols {
			a.updateSymbol(ctx, symbol)
		}
	}
}

func (a *Aggregator) isThrottled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.throttled
}

// checkBackpressure inspects the critical queue depths and toggles the
// cadence throttle.
func (a *Aggregator) checkBackpressure(ctx context.Context) {
	depth := 0
	for _, queue := range []string{fabric.QueueSignals, fabric.QueueOrderRequests} {
		d, err := a.bus.QueueDepth(queue)
		if err != nil {
			continue
		}
		if d > depth {
			depth = d
		}
	}

	a.mu.Lock()
	was := a.throttled
	a.throttled = depth > backpressureDepth
	nowThrottled := a.throttled
	a.mu.Unlock()

	if nowThrottled && !was {
		a.logger.Warn().Int("depth", depth).Msg("queue backpressure, halving publish cadence")
		if a.alerter != nil {
			a.alerter.Raise(ctx, database.SeverityWarning, "signal_backpressure",
				"Signal publishing throttled",
				"Critical queue depth exceeded 1000; aggregator cadence halved")
		}
	}
	if !nowThrottled && was {
		a.logger.Info().Msg("queue backpressure cleared")
	}
}

// UpdateSymbol computes and publishes one symbol's signal. Exposed for the
// control API's on-demand refresh.
func (a *Aggregator) UpdateSymbol(ctx context.Context, symbol string) (Fused, error) {
	return a.update(ctx, symbol)
}

func (a *Aggregator) updateSymbol(ctx context.Context, symbol string) {
	if _, err := a.update(ctx, symbol); err != nil {
		a.logger.Warn().Err(err).Str("symbol", symbol).Msg("signal update failed")
	}
}

func (a *Aggregator) update(ctx context.Context, symbol string) (Fused, error) {
	now := a.now().UTC()
	components := a.gather(ctx, symbol, now)

	base := Weights{
		Price:     a.cfg.WeightPrice,
		Sentiment: a.cfg.WeightSentiment,
		OnChain:   a.cfg.WeightOnChain,
		Flow:      a.cfg.WeightFlow,
	}
	fused := Fuse(components, base, a.cfg.MaxComponentAge)

	a.logger.Debug().
		Str("symbol", symbol).
		Str("action", fused.Action).
		Float64("score", fused.Score).
		Float64("confidence", fused.Confidence).
		Int("fresh", fused.Fresh).
		Msg("signal fused")

	if !fused.Publish {
		return fused, nil
	}
	return fused, a.publish(ctx, symbol, now, components, fused)
}

// gather collects whichever components are available. A missing source is
// simply absent from the map; fusion handles degradation.
func (a *Aggregator) gather(ctx context.Context, symbol string, now time.Time) map[string]Component {
	components := make(map[string]Component, 4)

	if c, err := a.source.priceComponent(ctx, symbol, now); err == nil {
		components[ComponentPrice] = c
	}
	if c, err := a.source.sentimentComponent(ctx, symbol, now); err == nil {
		components[ComponentSentiment] = c
	}
	if c, err := a.source.onchainComponent(ctx, symbol, now); err == nil {
		components[ComponentOnChain] = c
	}
	if c, err := a.source.flowComponent(ctx, symbol, now); err == nil {
		components[ComponentFlow] = c
	}
	return components
}

func (a *Aggregator) publish(ctx context.Context, symbol string, now time.Time, components map[string]Component, fused Fused) error {
	wire := make(map[string]fabric.SignalComponent, len(components))
	for name, c := range components {
		wire[name] = fabric.SignalComponent{
			Score:      c.Score,
			Confidence: c.Confidence,
			AgeSeconds: c.Age.Seconds(),
		}
	}

	payload := fabric.TradingSignalPayload{
		Symbol:      symbol,
		Timestamp:   now,
		Action:      fused.Action,
		Confidence:  fused.Confidence,
		Strength:    fused.Strength,
		Score:       fused.Score,
		Components:  wire,
		WeightsUsed: fused.WeightsUsed,
	}
	env, err := fabric.NewEnvelope(fabric.TypeTradingSignal, "signals", payload)
	if err != nil {
		return err
	}

	if err := a.bus.Publish(ctx, fabric.ExchangeTrading, fabric.SignalKey(symbol), env); err != nil {
		return err
	}
	if fused.Strength == StrengthStrong {
		if err := a.bus.Publish(ctx, fabric.ExchangeTrading, fabric.StrongSignalKey(symbol), env); err != nil {
			a.logger.Warn().Err(err).Msg("strong signal publish failed")
		}
	}

	if err := a.cache.PushSignal(ctx, cache.BufferedSignal{
		Symbol:     symbol,
		Timestamp:  now,
		Action:     fused.Action,
		Confidence: fused.Confidence,
		Strength:   fused.Strength,
		Score:      fused.Score,
	}); err != nil {
		a.logger.Debug().Err(err).Msg("signal buffer write failed")
	}

	stored := &database.StoredSignal{
		Symbol:     symbol,
		Action:     fused.Action,
		Confidence: fused.Confidence,
		Strength:   fused.Strength,
		Score:      fused.Score,
		Components: map[string]interface{}{},
		Timestamp:  now,
	}
	for name, c := range wire {
		stored.Components[name] = c
	}
	if err := a.repo.InsertSignal(ctx, stored); err != nil {
		a.logger.Debug().Err(err).Msg("signal row write failed")
	}
	return nil
}

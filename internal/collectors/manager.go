package collectors

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/mastertrade/core/config"
	"github.com/mastertrade/core/internal/cache"
	"github.com/mastertrade/core/internal/database"
	"github.com/mastertrade/core/internal/fabric"
)

// costPerRequest is the estimated USD cost per upstream request, used for
// the cost-accounting endpoint. Static table; refined as plans change.
var costPerRequest = map[string]float64{
	"onchain":        0.0004, // glassnode advanced
	"social":         0.0010, // lunarcrush
	"social-reddit":  0,
	"market":         0,
	"macro":          0,
	"macro-feargreed": 0,
	"whale":          0.0002,
}

// Manager owns the collector set: construction from config, lifecycle,
// master switches, and the state surface the control API reads.
type Manager struct {
	mu      sync.RWMutex
	runners map[string]*Runner
	logger  zerolog.Logger
}

// NewManager builds runners for every enabled collector group.
func NewManager(cfg config.CollectorsConfig, repo *database.Repository, bus *fabric.Fabric, cacheSvc *cache.Service, logger zerolog.Logger) *Manager {
	m := &Manager{
		runners: make(map[string]*Runner),
		logger:  logger.With().Str("component", "collectors").Logger(),
	}

	add := func(enabled bool, c Collector) {
		if !enabled {
			m.logger.Info().Str("collector", c.Name()).Msg("collector disabled by master switch")
			return
		}
		m.runners[c.Name()] = NewRunner(c, cacheSvc, bus, repo, logger)
	}

	add(cfg.OnChainEnabled, NewOnChainCollector(cfg.MoralisAPIKey, cfg.GlassnodeAPIKey, cfg.Symbols, cfg.HTTPTimeout, repo, bus, logger))
	add(cfg.SocialEnabled, NewSocialCollector(cfg.LunarCrushKey, cfg.RedditAppID, cfg.Symbols, cfg.HTTPTimeout, repo, bus, logger))
	add(cfg.MarketEnabled, NewMarketCollector(cfg.ExchangeRESTURL, cfg.ExchangeWSURL, cfg.Symbols, cfg.HTTPTimeout, repo, bus, cacheSvc, logger))
	add(cfg.MacroEnabled, NewMacroCollector(cfg.FREDAPIKey, cfg.HTTPTimeout, repo, bus, logger))
	add(cfg.WhaleEnabled, NewWhaleCollector(cfg.WhaleAlertKey, cfg.Symbols, cfg.HTTPTimeout, repo, bus, logger))

	return m
}

// StartAll launches every runner.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.runners {
		r.Start(ctx)
	}
}

// StopAll stops every runner.
func (m *Manager) StopAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.runners {
		r.Stop()
	}
}

func (m *Manager) runner(name string) (*Runner, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runners[name]
	if !ok {
		return nil, fmt.Errorf("unknown collector %q", name)
	}
	return r, nil
}

// Enable starts one collector.
func (m *Manager) Enable(ctx context.Context, name string) error {
	r, err := m.runner(name)
	if err != nil {
		return err
	}
	r.Start(ctx)
	return nil
}

// Disable stops one collector.
func (m *Manager) Disable(name string) error {
	r, err := m.runner(name)
	if err != nil {
		return err
	}
	r.Stop()
	return nil
}

// Restart bounces one collector.
func (m *Manager) Restart(ctx context.Context, name string) error {
	r, err := m.runner(name)
	if err != nil {
		return err
	}
	r.Restart(ctx)
	return nil
}

// SetRateLimit overrides the current limiter rate for one endpoint of a
// collector.
func (m *Manager) SetRateLimit(name, endpoint string, perSecond float64) error {
	r, err := m.runner(name)
	if err != nil {
		return err
	}
	return r.Collector().Client().Limiter().SetRate(endpoint, perSecond)
}

// ResetBreaker resets one collector's breaker. Actor and reason are logged
// on the breaker itself.
func (m *Manager) ResetBreaker(name, actor, reason string) error {
	r, err := m.runner(name)
	if err != nil {
		return err
	}
	r.Collector().Client().Breaker().Reset(actor, reason)
	return nil
}

// States returns the full collector state table for the control API.
func (m *Manager) States() []map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]map[string]interface{}, 0, len(m.runners))
	for name, r := range m.runners {
		health := r.LastHealth()
		client := r.Collector().Client()
		out = append(out, map[string]interface{}{
			"name":        name,
			"source_kind": r.Collector().Kind(),
			"enabled":     r.IsRunning(),
			"health":      health,
			"breaker":     client.Breaker().Stats(),
			"rate_limit":  client.Limiter().Stats(),
		})
	}
	return out
}

// Costs returns per-collector request totals and estimated API cost.
func (m *Manager) Costs() []map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]map[string]interface{}, 0, len(m.runners))
	for name, r := range m.runners {
		stats := r.Collector().Client().Limiter().Stats()
		var total int64
		if endpoints, ok := stats["endpoints"].(map[string]interface{}); ok {
			for _, v := range endpoints {
				if ep, ok := v.(map[string]interface{}); ok {
					if acquired, ok := ep["total_acquired"].(int64); ok {
						total += acquired
					}
				}
			}
		}
		out = append(out, map[string]interface{}{
			"collector":        name,
			"total_requests":   total,
			"estimated_cost":   float64(total) * costPerRequest[name],
			"cost_per_request": costPerRequest[name],
		})
	}
	return out
}

// Package database provides the pgx connection pool, forward-only
// migrations, and typed repositories over the relational store and the
// time-series hot path.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// New connects to PostgreSQL from a connection URL.
func New(ctx context.Context, url string, logger zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(connCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log := logger.With().Str("component", "database").Logger()
	log.Info().Msg("connected to postgres")
	return &DB{Pool: pool, logger: log}, nil
}

// Close closes the connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("database connection closed")
	}
}

// RunMigrations executes the numbered, forward-only, idempotent migration
// set. Every statement must be safe to re-run.
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("running database migrations")

	for i, stmt := range migrations {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	// TimescaleDB DDL is attempted separately so plain Postgres still
	// works: a missing extension is logged and tolerated.
	for _, stmt := range timescaleMigrations {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			db.logger.Warn().Err(err).Msg("timescale migration skipped")
		}
	}

	db.logger.Info().Int("statements", len(migrations)).Msg("migrations complete")
	return nil
}

var migrations = []string{
	// 001 strategies
	`CREATE TABLE IF NOT EXISTS strategies (
		id BIGSERIAL PRIMARY KEY,
		name VARCHAR(200) NOT NULL,
		type VARCHAR(50) NOT NULL,
		symbol VARCHAR(20) NOT NULL,
		interval VARCHAR(10) NOT NULL,
		parameters JSONB NOT NULL DEFAULT '{}',
		entry_conditions JSONB NOT NULL DEFAULT '{}',
		exit_conditions JSONB NOT NULL DEFAULT '{}',
		stop_loss_pct DOUBLE PRECISION NOT NULL DEFAULT 2,
		take_profit_pct DOUBLE PRECISION NOT NULL DEFAULT 4,
		position_size_pct DOUBLE PRECISION NOT NULL DEFAULT 5,
		status VARCHAR(20) NOT NULL DEFAULT 'draft',
		version INTEGER NOT NULL DEFAULT 1,
		parent_strategy_id BIGINT REFERENCES strategies(id) ON DELETE SET NULL,
		generation INTEGER NOT NULL DEFAULT 0,
		archive_reason TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_strategies_status ON strategies(status)`,
	`CREATE INDEX IF NOT EXISTS idx_strategies_symbol ON strategies(symbol)`,
	`CREATE INDEX IF NOT EXISTS idx_strategies_generation ON strategies(generation DESC)`,

	// 002 backtest_results
	`CREATE TABLE IF NOT EXISTS backtest_results (
		id BIGSERIAL PRIMARY KEY,
		strategy_id BIGINT NOT NULL REFERENCES strategies(id) ON DELETE CASCADE,
		window_start TIMESTAMPTZ NOT NULL,
		window_end TIMESTAMPTZ NOT NULL,
		seed BIGINT NOT NULL DEFAULT 0,
		total_return DOUBLE PRECISION NOT NULL,
		cagr DOUBLE PRECISION NOT NULL,
		sharpe DOUBLE PRECISION NOT NULL,
		sortino DOUBLE PRECISION NOT NULL,
		max_drawdown DOUBLE PRECISION NOT NULL,
		win_rate DOUBLE PRECISION NOT NULL,
		profit_factor DOUBLE PRECISION NOT NULL,
		total_trades INTEGER NOT NULL,
		winning_trades INTEGER NOT NULL,
		losing_trades INTEGER NOT NULL,
		monthly_returns JSONB NOT NULL DEFAULT '[]',
		trade_log JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_backtest_results_strategy ON backtest_results(strategy_id, created_at DESC)`,

	// 003 orders
	`CREATE TABLE IF NOT EXISTS orders (
		id BIGSERIAL PRIMARY KEY,
		idempotency_key VARCHAR(64) NOT NULL,
		strategy_id BIGINT NOT NULL REFERENCES strategies(id),
		symbol VARCHAR(20) NOT NULL,
		side VARCHAR(4) NOT NULL,
		order_type VARCHAR(20) NOT NULL DEFAULT 'MARKET',
		quantity NUMERIC(30, 8) NOT NULL,
		price NUMERIC(30, 8),
		stop_loss NUMERIC(30, 8),
		take_profit NUMERIC(30, 8),
		environment VARCHAR(10) NOT NULL,
		status VARCHAR(20) NOT NULL DEFAULT 'pending',
		filled_quantity NUMERIC(30, 8) NOT NULL DEFAULT 0,
		avg_fill_price NUMERIC(30, 8),
		commission NUMERIC(30, 8) NOT NULL DEFAULT 0,
		exchange_id VARCHAR(100),
		reject_reason TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_idempotency ON orders(idempotency_key)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_strategy ON orders(strategy_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status)`,

	// 004 positions
	`CREATE TABLE IF NOT EXISTS positions (
		id BIGSERIAL PRIMARY KEY,
		strategy_id BIGINT NOT NULL REFERENCES strategies(id),
		symbol VARCHAR(20) NOT NULL,
		environment VARCHAR(10) NOT NULL,
		quantity NUMERIC(30, 8) NOT NULL,
		entry_price NUMERIC(30, 8) NOT NULL,
		current_price NUMERIC(30, 8) NOT NULL,
		stop_loss NUMERIC(30, 8),
		take_profit NUMERIC(30, 8),
		unrealized_pnl NUMERIC(30, 8) NOT NULL DEFAULT 0,
		unrealized_pnl_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
		opened_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (strategy_id, symbol, environment)
	)`,

	// 005 financial goals + progress
	`CREATE TABLE IF NOT EXISTS financial_goals (
		id BIGSERIAL PRIMARY KEY,
		goal_type VARCHAR(30) NOT NULL,
		target_value DOUBLE PRECISION NOT NULL,
		priority INTEGER NOT NULL DEFAULT 1,
		status VARCHAR(20) NOT NULL DEFAULT 'active',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_goals_one_active_per_type
		ON financial_goals(goal_type) WHERE status = 'active'`,
	`CREATE TABLE IF NOT EXISTS goal_progress (
		id BIGSERIAL PRIMARY KEY,
		goal_id BIGINT NOT NULL REFERENCES financial_goals(id) ON DELETE CASCADE,
		goal_type VARCHAR(30) NOT NULL,
		current_value DOUBLE PRECISION NOT NULL,
		target_value DOUBLE PRECISION NOT NULL,
		progress_pct DOUBLE PRECISION NOT NULL,
		gap DOUBLE PRECISION NOT NULL,
		status VARCHAR(20) NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_goal_progress_type ON goal_progress(goal_type, recorded_at DESC)`,

	// 006 alerts
	`CREATE TABLE IF NOT EXISTS alerts (
		id BIGSERIAL PRIMARY KEY,
		type VARCHAR(50) NOT NULL,
		severity VARCHAR(10) NOT NULL,
		title VARCHAR(300) NOT NULL,
		message TEXT NOT NULL,
		entity_type VARCHAR(50),
		entity_id VARCHAR(100),
		status VARCHAR(20) NOT NULL DEFAULT 'active',
		acked_by VARCHAR(100),
		acked_at TIMESTAMPTZ,
		resolved_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts(status, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_type ON alerts(type, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS alert_history (
		id BIGSERIAL PRIMARY KEY,
		alert_id BIGINT NOT NULL REFERENCES alerts(id) ON DELETE CASCADE,
		channel VARCHAR(20) NOT NULL,
		attempt INTEGER NOT NULL,
		success BOOLEAN NOT NULL,
		error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alert_history_alert ON alert_history(alert_id)`,
	`CREATE TABLE IF NOT EXISTS alert_suppressions (
		id BIGSERIAL PRIMARY KEY,
		alert_type VARCHAR(50) NOT NULL,
		entity_type VARCHAR(50),
		entity_id VARCHAR(100),
		suppressed_until TIMESTAMPTZ NOT NULL,
		reason TEXT,
		created_by VARCHAR(100) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alert_suppressions_type ON alert_suppressions(alert_type, suppressed_until)`,

	// 007 risk
	`CREATE TABLE IF NOT EXISTS drawdown_breaches (
		id BIGSERIAL PRIMARY KEY,
		environment VARCHAR(10) NOT NULL,
		peak_value DOUBLE PRECISION NOT NULL,
		current_value DOUBLE PRECISION NOT NULL,
		drawdown_pct DOUBLE PRECISION NOT NULL,
		limit_pct DOUBLE PRECISION NOT NULL,
		actions JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_drawdown_breaches_time ON drawdown_breaches(created_at DESC)`,

	// 008 time-series hot path
	`CREATE TABLE IF NOT EXISTS ohlcv (
		symbol VARCHAR(20) NOT NULL,
		interval VARCHAR(10) NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		open DOUBLE PRECISION NOT NULL,
		high DOUBLE PRECISION NOT NULL,
		low DOUBLE PRECISION NOT NULL,
		close DOUBLE PRECISION NOT NULL,
		volume DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (symbol, interval, timestamp)
	)`,
	`CREATE TABLE IF NOT EXISTS metric_points (
		symbol VARCHAR(20) NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL,
		metric VARCHAR(50) NOT NULL,
		value DOUBLE PRECISION NOT NULL,
		source VARCHAR(50) NOT NULL,
		PRIMARY KEY (symbol, metric, timestamp)
	)`,
	`CREATE TABLE IF NOT EXISTS whale_transfers (
		id BIGSERIAL PRIMARY KEY,
		symbol VARCHAR(20) NOT NULL,
		amount_usd DOUBLE PRECISION NOT NULL,
		direction VARCHAR(20) NOT NULL,
		tx_hash VARCHAR(120) NOT NULL,
		detected_at TIMESTAMPTZ NOT NULL,
		source VARCHAR(50) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_whale_transfers_tx ON whale_transfers(tx_hash)`,
	`CREATE INDEX IF NOT EXISTS idx_whale_transfers_time ON whale_transfers(symbol, detected_at DESC)`,
	`CREATE TABLE IF NOT EXISTS market_signals (
		id BIGSERIAL PRIMARY KEY,
		symbol VARCHAR(20) NOT NULL,
		action VARCHAR(4) NOT NULL,
		confidence DOUBLE PRECISION NOT NULL,
		strength VARCHAR(10) NOT NULL,
		score DOUBLE PRECISION NOT NULL,
		components JSONB NOT NULL DEFAULT '{}',
		timestamp TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_market_signals_symbol ON market_signals(symbol, timestamp DESC)`,

	// 009 audit + activation log
	`CREATE TABLE IF NOT EXISTS api_audit_log (
		id BIGSERIAL PRIMARY KEY,
		actor VARCHAR(100) NOT NULL,
		method VARCHAR(10) NOT NULL,
		path VARCHAR(300) NOT NULL,
		payload JSONB,
		status INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_api_audit_actor ON api_audit_log(actor, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS strategy_activation_log (
		id BIGSERIAL PRIMARY KEY,
		active_before JSONB NOT NULL DEFAULT '[]',
		active_after JSONB NOT NULL DEFAULT '[]',
		activated JSONB NOT NULL DEFAULT '[]',
		deactivated JSONB NOT NULL DEFAULT '[]',
		trigger VARCHAR(30) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	// 010 scheduler leader election
	`CREATE TABLE IF NOT EXISTS scheduled_jobs (
		name VARCHAR(100) PRIMARY KEY,
		last_run_at TIMESTAMPTZ,
		last_run_by VARCHAR(100)
	)`,
	`INSERT INTO scheduled_jobs (name) VALUES
		('strategy.generation'), ('goal.snapshot'), ('strategy.activation')
		ON CONFLICT (name) DO NOTHING`,

	// 011 manual profit adjustments folded into portfolio value
	`CREATE TABLE IF NOT EXISTS profit_adjustments (
		id BIGSERIAL PRIMARY KEY,
		environment VARCHAR(10) NOT NULL,
		amount_usd DOUBLE PRECISION NOT NULL,
		note TEXT,
		created_by VARCHAR(100) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	// 012 collector state archive (cache is authoritative at runtime)
	`CREATE TABLE IF NOT EXISTS collector_runs (
		id BIGSERIAL PRIMARY KEY,
		collector VARCHAR(50) NOT NULL,
		status VARCHAR(20) NOT NULL,
		latency_ms INTEGER NOT NULL,
		records_collected INTEGER NOT NULL,
		error_message TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_collector_runs ON collector_runs(collector, created_at DESC)`,
}

// timescaleMigrations require the timescaledb extension. Each statement is
// tolerated to fail on plain Postgres.
var timescaleMigrations = []string{
	`CREATE EXTENSION IF NOT EXISTS timescaledb`,
	`SELECT create_hypertable('ohlcv', 'timestamp', if_not_exists => TRUE, migrate_data => TRUE)`,
	`SELECT create_hypertable('metric_points', 'timestamp', if_not_exists => TRUE, migrate_data => TRUE)`,
	`SELECT add_retention_policy('ohlcv', INTERVAL '365 days', if_not_exists => TRUE)`,
	`SELECT add_retention_policy('metric_points', INTERVAL '90 days', if_not_exists => TRUE)`,
	`ALTER TABLE ohlcv SET (timescaledb.compress, timescaledb.compress_segmentby = 'symbol')`,
	`SELECT add_compression_policy('ohlcv', INTERVAL '14 days', if_not_exists => TRUE)`,
	`CREATE MATERIALIZED VIEW IF NOT EXISTS ohlcv_1h
		WITH (timescaledb.continuous) AS
		SELECT symbol,
		       time_bucket(INTERVAL '1 hour', timestamp) AS bucket,
		       first(open, timestamp) AS open,
		       max(high) AS high,
		       min(low) AS low,
		       last(close, timestamp) AS close,
		       sum(volume) AS volume
		FROM ohlcv
		GROUP BY symbol, bucket
		WITH NO DATA`,
}

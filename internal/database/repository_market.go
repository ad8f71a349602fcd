package database

import (
	"context"
	"encoding/json"
	"time"
)

// InsertOHLCV upserts a batch of candles into the time-series hot path.
// Re-polled candles overwrite their earlier values.
func (r *Repository) InsertOHLCV(ctx context.Context, bars []OHLCVBar) error {
	for _, b := range bars {
		_, err := r.db.Pool.Exec(ctx, `
			INSERT INTO ohlcv (symbol, interval, timestamp, open, high, low, close, volume)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (symbol, interval, timestamp) DO UPDATE SET
				open = EXCLUDED.open, high = EXCLUDED.high, low = EXCLUDED.low,
				close = EXCLUDED.close, volume = EXCLUDED.volume
		`, b.Symbol, b.Interval, b.Timestamp, b.Open, b.High, b.Low, b.Close, b.Volume)
		if err != nil {
			return err
		}
	}
	return nil
}

// GetOHLCV returns candles for a symbol and interval in ascending order.
func (r *Repository) GetOHLCV(ctx context.Context, symbol, interval string, from, to time.Time) ([]OHLCVBar, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT symbol, interval, timestamp, open, high, low, close, volume
		FROM ohlcv
		WHERE symbol = $1 AND interval = $2 AND timestamp >= $3 AND timestamp < $4
		ORDER BY timestamp
	`, symbol, interval, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OHLCVBar
	for rows.Next() {
		var b OHLCVBar
		if err := rows.Scan(&b.Symbol, &b.Interval, &b.Timestamp, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// InsertMetricPoints stores a batch of time-series metric rows.
func (r *Repository) InsertMetricPoints(ctx context.Context, points []MetricPoint) error {
	for _, p := range points {
		_, err := r.db.Pool.Exec(ctx, `
			INSERT INTO metric_points (symbol, timestamp, metric, value, source)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (symbol, metric, timestamp) DO UPDATE SET value = EXCLUDED.value
		`, p.Symbol, p.Timestamp, p.Metric, p.Value, p.Source)
		if err != nil {
			return err
		}
	}
	return nil
}

// LatestMetric returns the newest value of a metric for a symbol, with its
// timestamp. pgx.ErrNoRows when the metric has never been collected.
func (r *Repository) LatestMetric(ctx context.Context, symbol, metric string) (float64, time.Time, error) {
	var value float64
	var ts time.Time
	err := r.db.Pool.QueryRow(ctx, `
		SELECT value, timestamp FROM metric_points
		WHERE symbol = $1 AND metric = $2
		ORDER BY timestamp DESC
		LIMIT 1
	`, symbol, metric).Scan(&value, &ts)
	return value, ts, err
}

// InsertWhaleTransfer stores one normalized large transfer. Duplicate tx
// hashes are ignored.
func (r *Repository) InsertWhaleTransfer(ctx context.Context, w *WhaleTransfer) error {
	return r.db.Pool.QueryRow(ctx, `
		INSERT INTO whale_transfers (symbol, amount_usd, direction, tx_hash, detected_at, source)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tx_hash) DO UPDATE SET detected_at = whale_transfers.detected_at
		RETURNING id, created_at
	`, w.Symbol, w.AmountUSD, w.Direction, w.TxHash, w.DetectedAt, w.Source).Scan(&w.ID, &w.CreatedAt)
}

// WhaleFlowSince aggregates signed whale flow (to-exchange negative,
// from-exchange positive) for a symbol over a trailing window.
func (r *Repository) WhaleFlowSince(ctx context.Context, symbol string, since time.Time) (netUSD float64, count int, err error) {
	err = r.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(
			CASE direction
				WHEN 'from_exchange' THEN amount_usd
				WHEN 'to_exchange' THEN -amount_usd
				ELSE 0
			END), 0), COUNT(*)
		FROM whale_transfers
		WHERE symbol = $1 AND detected_at >= $2
	`, symbol, since).Scan(&netUSD, &count)
	return netUSD, count, err
}

// InsertSignal persists one fused market signal for history queries.
func (r *Repository) InsertSignal(ctx context.Context, s *StoredSignal) error {
	components, _ := json.Marshal(s.Components)
	return r.db.Pool.QueryRow(ctx, `
		INSERT INTO market_signals (symbol, action, confidence, strength, score, components, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, s.Symbol, s.Action, s.Confidence, s.Strength, s.Score, components, s.Timestamp).Scan(&s.ID)
}

// SignalStats aggregates per-symbol signal counts and mean confidence over
// a trailing window.
func (r *Repository) SignalStats(ctx context.Context, since time.Time) ([]map[string]interface{}, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT symbol, action, COUNT(*), AVG(confidence)
		FROM market_signals
		WHERE timestamp >= $1
		GROUP BY symbol, action
		ORDER BY symbol, action
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []map[string]interface{}
	for rows.Next() {
		var symbol, action string
		var count int64
		var avgConf float64
		if err := rows.Scan(&symbol, &action, &count, &avgConf); err != nil {
			return nil, err
		}
		out = append(out, map[string]interface{}{
			"symbol":         symbol,
			"action":         action,
			"count":          count,
			"avg_confidence": avgConf,
		})
	}
	return out, rows.Err()
}

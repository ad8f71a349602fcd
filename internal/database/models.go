package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// Strategy status values. Transitions follow
// draft -> backtested -> paper -> active -> paused|archived,
// with active <-> paused allowed and no transition skipping backtested.
const (
	StrategyStatusDraft      = "draft"
	StrategyStatusBacktested = "backtested"
	StrategyStatusPaper      = "paper"
	StrategyStatusActive     = "active"
	StrategyStatusPaused     = "paused"
	StrategyStatusArchived   = "archived"
)

// Order status values, monotonic along
// pending -> open -> partially_filled* -> filled|cancelled|rejected.
const (
	OrderStatusPending         = "pending"
	OrderStatusOpen            = "open"
	OrderStatusPartiallyFilled = "partially_filled"
	OrderStatusFilled          = "filled"
	OrderStatusCancelled       = "cancelled"
	OrderStatusRejected        = "rejected"
)

// Execution environments.
const (
	EnvironmentPaper = "paper"
	EnvironmentLive  = "live"
)

// Alert severities and statuses.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"

	AlertStatusActive       = "active"
	AlertStatusAcknowledged = "acknowledged"
	AlertStatusResolved     = "resolved"
)

// Goal types and progress statuses.
const (
	GoalMonthlyReturnPct  = "monthly_return_pct"
	GoalMonthlyProfitUSD  = "monthly_profit_usd"
	GoalPortfolioTargetUSD = "portfolio_target_usd"

	GoalStatusBehind   = "behind"
	GoalStatusOnTrack  = "on_track"
	GoalStatusAhead    = "ahead"
	GoalStatusAchieved = "achieved"
)

// Strategy is a parameterized decision rule produced by the generator and
// driven through the backtest/activation lifecycle.
type Strategy struct {
	ID               int64                  `json:"id"`
	Name             string                 `json:"name"`
	Type             string                 `json:"type"`
	Symbol           string                 `json:"symbol"`
	Interval         string                 `json:"interval"`
	Parameters       map[string]interface{} `json:"parameters"`
	EntryConditions  map[string]interface{} `json:"entry_conditions"`
	ExitConditions   map[string]interface{} `json:"exit_conditions"`
	StopLossPct      float64                `json:"stop_loss_pct"`
	TakeProfitPct    float64                `json:"take_profit_pct"`
	PositionSizePct  float64                `json:"position_size_pct"`
	Status           string                 `json:"status"`
	Version          int                    `json:"version"`
	ParentStrategyID *int64                 `json:"parent_strategy_id,omitempty"`
	Generation       int                    `json:"generation"`
	ArchiveReason    *string                `json:"archive_reason,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// BacktestResult holds the metric set for one (strategy, window) run.
type BacktestResult struct {
	ID             int64     `json:"id"`
	StrategyID     int64     `json:"strategy_id"`
	WindowStart    time.Time `json:"window_start"`
	WindowEnd      time.Time `json:"window_end"`
	Seed           int64     `json:"seed"`
	TotalReturn    float64   `json:"total_return"`
	CAGR           float64   `json:"cagr"`
	Sharpe         float64   `json:"sharpe"`
	Sortino        float64   `json:"sortino"`
	MaxDrawdown    float64   `json:"max_drawdown"`
	WinRate        float64   `json:"win_rate"`
	ProfitFactor   float64   `json:"profit_factor"`
	TotalTrades    int       `json:"total_trades"`
	WinningTrades  int       `json:"winning_trades"`
	LosingTrades   int       `json:"losing_trades"`
	MonthlyReturns []float64 `json:"monthly_returns"`
	TradeLog       []BacktestTrade `json:"trade_log"`
	CreatedAt      time.Time `json:"created_at"`
}

// BacktestTrade is one entry of a backtest trade log, stored as JSONB.
type BacktestTrade struct {
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`
	Side       string    `json:"side"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Quantity   float64   `json:"quantity"`
	PnL        float64   `json:"pnl"`
	ExitReason string    `json:"exit_reason"`
}

// Order is the persisted form of an execution request.
type Order struct {
	ID             int64            `json:"id"`
	IdempotencyKey string           `json:"idempotency_key"`
	StrategyID     int64            `json:"strategy_id"`
	Symbol         string           `json:"symbol"`
	Side           string           `json:"side"`
	OrderType      string           `json:"order_type"`
	Quantity       decimal.Decimal  `json:"quantity"`
	Price          *decimal.Decimal `json:"price,omitempty"`
	StopLoss       *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit     *decimal.Decimal `json:"take_profit,omitempty"`
	Environment    string           `json:"environment"`
	Status         string           `json:"status"`
	FilledQuantity decimal.Decimal  `json:"filled_quantity"`
	AvgFillPrice   *decimal.Decimal `json:"avg_fill_price,omitempty"`
	Commission     decimal.Decimal  `json:"commission"`
	ExchangeID     *string          `json:"exchange_id,omitempty"`
	RejectReason   *string          `json:"reject_reason,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Position is an open position, unique per (strategy_id, symbol, environment).
type Position struct {
	ID               int64           `json:"id"`
	StrategyID       int64           `json:"strategy_id"`
	Symbol           string          `json:"symbol"`
	Environment      string          `json:"environment"`
	Quantity         decimal.Decimal `json:"quantity"`
	EntryPrice       decimal.Decimal `json:"entry_price"`
	CurrentPrice     decimal.Decimal `json:"current_price"`
	StopLoss         *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit       *decimal.Decimal `json:"take_profit,omitempty"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedPnLPct float64         `json:"unrealized_pnl_pct"`
	OpenedAt         time.Time       `json:"opened_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// FinancialGoal is a target the risk gate steers toward. Exactly one goal
// per goal_type may be active at a time.
type FinancialGoal struct {
	ID          int64     `json:"id"`
	GoalType    string    `json:"goal_type"`
	TargetValue float64   `json:"target_value"`
	Priority    int       `json:"priority"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// GoalProgress is one point of the per-goal progress time series.
type GoalProgress struct {
	ID          int64     `json:"id"`
	GoalID      int64     `json:"goal_id"`
	GoalType    string    `json:"goal_type"`
	Current     float64   `json:"current"`
	Target      float64   `json:"target"`
	ProgressPct float64   `json:"progress_pct"`
	Gap         float64   `json:"gap"`
	Status      string    `json:"status"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Alert is a persistent observable event with delivery tracking.
type Alert struct {
	ID         int64      `json:"id"`
	Type       string     `json:"type"`
	Severity   string     `json:"severity"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	EntityType *string    `json:"entity_type,omitempty"`
	EntityID   *string    `json:"entity_id,omitempty"`
	Status     string     `json:"status"`
	AckedBy    *string    `json:"acked_by,omitempty"`
	AckedAt    *time.Time `json:"acked_at,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// AlertDelivery records one delivery attempt of an alert on a channel.
type AlertDelivery struct {
	ID        int64     `json:"id"`
	AlertID   int64     `json:"alert_id"`
	Channel   string    `json:"channel"`
	Attempt   int       `json:"attempt"`
	Success   bool      `json:"success"`
	Error     *string   `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AlertSuppression suppresses delivery of matching alerts until a deadline.
// Suppressed alerts are still persisted.
type AlertSuppression struct {
	ID              int64     `json:"id"`
	AlertType       string    `json:"alert_type"`
	EntityType      *string   `json:"entity_type,omitempty"`
	EntityID        *string   `json:"entity_id,omitempty"`
	SuppressedUntil time.Time `json:"suppressed_until"`
	Reason          *string   `json:"reason,omitempty"`
	CreatedBy       string    `json:"created_by"`
	CreatedAt       time.Time `json:"created_at"`
}

// ProfitAdjustment is a manual realized-PnL correction entered through
// the control API, folded into portfolio value.
type ProfitAdjustment struct {
	ID          int64     `json:"id"`
	Environment string    `json:"environment"`
	AmountUSD   float64   `json:"amount_usd"`
	Note        *string   `json:"note,omitempty"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// DrawdownBreach records one drawdown-limit breach and the actions taken.
type DrawdownBreach struct {
	ID             int64     `json:"id"`
	Environment    string    `json:"environment"`
	PeakValue      float64   `json:"peak_value"`
	CurrentValue   float64   `json:"current_value"`
	DrawdownPct    float64   `json:"drawdown_pct"`
	LimitPct       float64   `json:"limit_pct"`
	Actions        []string  `json:"actions"`
	CreatedAt      time.Time `json:"created_at"`
}

// OHLCVBar is one candle of the time-series hot path.
type OHLCVBar struct {
	Symbol    string    `json:"symbol"`
	Interval  string    `json:"interval"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// MetricPoint is one (symbol, timestamp, metric, value) row of a
// time-series table (sentiment, on-chain, flow, indicators).
type MetricPoint struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Source    string    `json:"source"`
}

// WhaleTransfer is a normalized large on-chain transfer.
type WhaleTransfer struct {
	ID          int64     `json:"id"`
	Symbol      string    `json:"symbol"`
	AmountUSD   float64   `json:"amount_usd"`
	Direction   string    `json:"direction"` // to_exchange, from_exchange, unknown
	TxHash      string    `json:"tx_hash"`
	DetectedAt  time.Time `json:"detected_at"`
	Source      string    `json:"source"`
	CreatedAt   time.Time `json:"created_at"`
}

// StoredSignal is a persisted MarketSignal for history queries.
type StoredSignal struct {
	ID         int64                  `json:"id"`
	Symbol     string                 `json:"symbol"`
	Action     string                 `json:"action"`
	Confidence float64                `json:"confidence"`
	Strength   string                 `json:"strength"`
	Score      float64                `json:"score"`
	Components map[string]interface{} `json:"components"`
	Timestamp  time.Time              `json:"timestamp"`
}

// APIAuditRow records one mutating control-API call.
type APIAuditRow struct {
	ID        int64                  `json:"id"`
	Actor     string                 `json:"actor"`
	Method    string                 `json:"method"`
	Path      string                 `json:"path"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Status    int                    `json:"status"`
	CreatedAt time.Time              `json:"created_at"`
}

// ActivationLogRow records one before/after diff of the active strategy set.
type ActivationLogRow struct {
	ID           int64     `json:"id"`
	ActiveBefore []int64   `json:"active_before"`
	ActiveAfter  []int64   `json:"active_after"`
	Activated    []int64   `json:"activated"`
	Deactivated  []int64   `json:"deactivated"`
	Trigger      string    `json:"trigger"` // scheduled, post_backtest, manual
	CreatedAt    time.Time `json:"created_at"`
}

// ScheduledJob is a cron slot claimed by exactly one process per firing.
type ScheduledJob struct {
	Name      string     `json:"name"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	LastRunBy *string    `json:"last_run_by,omitempty"`
}

// Package alerts is the alert bus: it folds system, risk, order, and
// goal events into persisted alerts and delivers them across channels
// with suppression, retries, and per-channel rate limits.
package alerts

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mastertrade/core/config"
	"github.com/mastertrade/core/internal/database"
	"github.com/mastertrade/core/internal/fabric"
)

const (
	deliveryRetries = 3
	retryBaseDelay  = 5 * time.Second
)

// Bus consumes alert-worthy events and owns the delivery pipeline.
type Bus struct {
	repo     *database.Repository
	fabric   *fabric.Fabric
	channels map[string]Channel
	buckets  map[string]*tokenBucket
	logger   zerolog.Logger
	now      func() time.Time
}

// New builds the bus.
func New(cfg config.AlertsConfig, repo *database.Repository, bus *fabric.Fabric, logger zerolog.Logger) *Bus {
	return &Bus{
		repo:     repo,
		fabric:   bus,
		channels: buildChannels(cfg),
		buckets:  channelBuckets(),
		logger:   logger.With().Str("component", "alerts").Logger(),
		now:      time.Now,
	}
}

// Run consumes the alert intake queue until ctx ends.
func (b *Bus) Run(ctx context.Context) error {
	return b.fabric.Consume(ctx, fabric.QueueAlerts, b.handle)
}

// Raise creates and dispatches an alert directly, bypassing the queue.
// Satisfies the Alerter interfaces of the other clusters.
func (b *Bus) Raise(ctx context.Context, severity, alertType, title, message string) error {
	alert := &database.Alert{
		Type:     alertType,
		Severity: severity,
		Title:    title,
		Message:  message,
		Status:   database.AlertStatusActive,
	}
	if err := b.repo.CreateAlert(ctx, alert); err != nil {
		return err
	}
	b.dispatch(ctx, alert)
	return nil
}

// handle converts one bus event into an alert when it warrants one.
func (b *Bus) handle(ctx context.Context, env fabric.Envelope, routingKey string) error {
	alert := b.classify(env, routingKey)
	if alert == nil {
		return nil
	}
	if err := b.repo.CreateAlert(ctx, alert); err != nil {
		return err
	}
	b.dispatch(ctx, alert)
	return nil
}

// classify decides whether an event becomes an alert and at what
// severity. Routine flow (order fills, health ticks) stays out.
func (b *Bus) classify(env fabric.Envelope, routingKey string) *database.Alert {
	switch {
	case strings.HasPrefix(routingKey, "risk.breach."):
		var p fabric.RiskBreachPayload
		if env.Decode(&p) != nil {
			return nil
		}
		entityType := "portfolio"
		return &database.Alert{
			Type:       "risk_breach",
			Severity:   database.SeverityCritical,
			Title:      "Drawdown limit breached",
			Message:    strings.Join(p.Actions, ", "),
			EntityType: &entityType,
			EntityID:   &p.Environment,
			Status:     database.AlertStatusActive,
		}

	case strings.HasPrefix(routingKey, "order.update.rejected."):
		var p fabric.OrderUpdatePayload
		if env.Decode(&p) != nil {
			return nil
		}
		entityType := "order"
		entityID := p.IdempotencyKey
		return &database.Alert{
			Type:       "order_rejected",
			Severity:   database.SeverityError,
			Title:      "Order rejected",
			Message:    p.Symbol + ": " + p.Reason,
			EntityType: &entityType,
			EntityID:   &entityID,
			Status:     database.AlertStatusActive,
		}

	case strings.HasPrefix(routingKey, "goal.status_change"):
		var p fabric.SystemNotificationPayload
		if env.Decode(&p) != nil {
			return nil
		}
		return &database.Alert{
			Type:     "goal_status_change",
			Severity: database.SeverityInfo,
			Title:    "Goal status changed",
			Message:  p.Message,
			Status:   database.AlertStatusActive,
		}

	case strings.HasPrefix(routingKey, "system."):
		var p fabric.SystemNotificationPayload
		if env.Decode(&p) != nil {
			return nil
		}
		// Only elevated system events alert; info-level system chatter is
		// log-only noise.
		if p.Severity != database.SeverityWarning && p.Severity != database.SeverityError && p.Severity != database.SeverityCritical {
			return nil
		}
		return &database.Alert{
			Type:     p.Event,
			Severity: p.Severity,
			Title:    p.Event,
			Message:  p.Message,
			Status:   database.AlertStatusActive,
		}
	}
	return nil
}

// dispatch applies suppression and delivers concurrently per channel.
func (b *Bus) dispatch(ctx context.Context, alert *database.Alert) {
	if b.suppressed(ctx, alert) {
		b.logger.Debug().Int64("alert_id", alert.ID).Str("type", alert.Type).Msg("alert suppressed")
		return
	}

	var wg sync.WaitGroup
	for _, name := range channelsFor(alert.Severity) {
		if name == ChannelLog {
			b.logEvent(alert)
			continue
		}
		channel, ok := b.channels[name]
		if !ok {
			continue
		}
		wg.Add(1)
		go func(channel Channel) {
			defer wg.Done()
			b.deliver(ctx, alert, channel)
		}(channel)
	}
	wg.Wait()
}

// suppressed checks the active suppression rules: a rule matches on type
// and, when set, on entity.
func (b *Bus) suppressed(ctx context.Context, alert *database.Alert) bool {
	rules, err := b.repo.ActiveSuppressions(ctx, b.now().UTC())
	if err != nil {
		b.logger.Warn().Err(err).Msg("suppression read failed, delivering")
		return false
	}
	return Matches(rules, alert)
}

// Matches reports whether any suppression rule covers the alert.
func Matches(rules []*database.AlertSuppression, alert *database.Alert) bool {
	for _, rule := range rules {
		if rule.AlertType != alert.Type {
			continue
		}
		if rule.EntityType != nil {
			if alert.EntityType == nil || *rule.EntityType != *alert.EntityType {
				continue
			}
		}
		if rule.EntityID != nil {
			if alert.EntityID == nil || *rule.EntityID != *alert.EntityID {
				continue
			}
		}
		return true
	}
	return false
}

// deliver attempts one channel with retries; every attempt is recorded.
func (b *Bus) deliver(ctx context.Context, alert *database.Alert, channel Channel) {
	for attempt := 1; attempt <= deliveryRetries; attempt++ {
		if bucket, ok := b.buckets[channel.Name()]; ok && !bucket.take() {
			b.recordAttempt(ctx, alert.ID, channel.Name(), attempt, false, "rate limited")
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryBaseDelay):
			}
			continue
		}

		err := channel.Send(ctx, alert)
		b.recordAttempt(ctx, alert.ID, channel.Name(), attempt, err == nil, errString(err))
		if err == nil {
			return
		}
		b.logger.Warn().Err(err).
			Str("channel", channel.Name()).
			Int("attempt", attempt).
			Int64("alert_id", alert.ID).
			Msg("delivery failed")

		if attempt < deliveryRetries {
			delay := retryBaseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}
}

func (b *Bus) recordAttempt(ctx context.Context, alertID int64, channel string, attempt int, success bool, errMsg string) {
	delivery := &database.AlertDelivery{
		AlertID: alertID,
		Channel: channel,
		Attempt: attempt,
		Success: success,
	}
	if errMsg != "" {
		delivery.Error = &errMsg
	}
	if err := b.repo.RecordAlertDelivery(ctx, delivery); err != nil {
		b.logger.Error().Err(err).Msg("delivery record failed")
	}
}

func (b *Bus) logEvent(alert *database.Alert) {
	b.logger.Info().
		Str("type", alert.Type).
		Str("severity", alert.Severity).
		Str("title", alert.Title).
		Msg(alert.Message)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

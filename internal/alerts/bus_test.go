package alerts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mastertrade/core/internal/database"
	"github.com/mastertrade/core/internal/fabric"
)

func strPtr(s string) *string { return &s }

func newTestEnvelope(t *testing.T, payload interface{}) (fabric.Envelope, error) {
	t.Helper()
	return fabric.NewEnvelope(fabric.TypeSystemNotification, "test", payload)
}

func TestSuppressionMatching(t *testing.T) {
	entityType := "portfolio"
	entityID := "live"
	rules := []*database.AlertSuppression{
		{AlertType: "risk_breach", EntityType: &entityType, EntityID: &entityID},
		{AlertType: "collector_failed"},
	}

	tests := []struct {
		name  string
		alert database.Alert
		want  bool
	}{
		{
			name:  "type and entity match",
			alert: database.Alert{Type: "risk_breach", EntityType: strPtr("portfolio"), EntityID: strPtr("live")},
			want:  true,
		},
		{
			name:  "entity differs",
			alert: database.Alert{Type: "risk_breach", EntityType: strPtr("portfolio"), EntityID: strPtr("paper")},
			want:  false,
		},
		{
			name:  "alert missing entity",
			alert: database.Alert{Type: "risk_breach"},
			want:  false,
		},
		{
			name:  "type-only rule matches any entity",
			alert: database.Alert{Type: "collector_failed", EntityID: strPtr("whale")},
			want:  true,
		},
		{
			name:  "unrelated type",
			alert: database.Alert{Type: "order_rejected"},
			want:  false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(rules, &tt.alert))
		})
	}
}

func TestChannelsForSeverity(t *testing.T) {
	assert.Equal(t, []string{ChannelEmail, ChannelSMS, ChannelTelegram}, channelsFor(database.SeverityCritical))
	assert.Equal(t, []string{ChannelEmail, ChannelTelegram}, channelsFor(database.SeverityError))
	assert.Equal(t, []string{ChannelTelegram}, channelsFor(database.SeverityWarning))
	assert.Equal(t, []string{ChannelLog}, channelsFor(database.SeverityInfo))
}

func TestTokenBucketDrainsAndRefills(t *testing.T) {
	bucket := newTokenBucket(2, time.Second)

	assert.True(t, bucket.take())
	assert.True(t, bucket.take())
	assert.False(t, bucket.take())

	// Force a refill by rewinding the last-fill clock.
	bucket.mu.Lock()
	bucket.last = bucket.last.Add(-time.Second)
	bucket.mu.Unlock()
	assert.True(t, bucket.take())
}

func TestTokenBucketNeverExceedsCapacity(t *testing.T) {
	bucket := newTokenBucket(1, time.Second)
	bucket.mu.Lock()
	bucket.last = bucket.last.Add(-time.Minute)
	bucket.mu.Unlock()

	assert.True(t, bucket.take())
	assert.False(t, bucket.take())
}

func TestClassifyRoutesBySeverity(t *testing.T) {
	b := &Bus{now: time.Now}

	env, err := newTestEnvelope(t, map[string]interface{}{
		"event": "collector_failed", "severity": "error", "message": "whale collector down",
	})
	assert.NoError(t, err)
	alert := b.classify(env, "system.health.whale")
	if assert.NotNil(t, alert) {
		assert.Equal(t, database.SeverityError, alert.Severity)
	}

	// Info-level system chatter does not alert.
	env, err = newTestEnvelope(t, map[string]interface{}{
		"event": "startup", "severity": "info", "message": "hello",
	})
	assert.NoError(t, err)
	assert.Nil(t, b.classify(env, "system.startup"))
}

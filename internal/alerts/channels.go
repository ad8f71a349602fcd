package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mastertrade/core/config"
	"github.com/mastertrade/core/internal/database"
)

// Channel names.
const (
	ChannelEmail    = "email"
	ChannelSMS      = "sms"
	ChannelTelegram = "telegram"
	ChannelSlack    = "slack"
	ChannelLog      = "log"
)

// Channel delivers one alert somewhere.
type Channel interface {
	Name() string
	Send(ctx context.Context, alert *database.Alert) error
}

// tokenBucket is a simple refill-on-read limiter for per-channel rates.
type tokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64
	perSec   float64
	last     time.Time
}

func newTokenBucket(capacity float64, per time.Duration) *tokenBucket {
	return &tokenBucket{
		tokens:   capacity,
		capacity: capacity,
		perSec:   capacity / per.Seconds(),
		last:     time.Now(),
	}
}

// take consumes one token, reporting false when the bucket is dry.
func (b *tokenBucket) take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := time.Now()
	b.tokens += now.Sub(b.last).Seconds() * b.perSec
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// channelBuckets builds the per-channel rate limits: email 100/h, sms
// 50/h, telegram 30/s, slack 1/s.
func channelBuckets() map[string]*tokenBucket {
	return map[string]*tokenBucket{
		ChannelEmail:    newTokenBucket(100, time.Hour),
		ChannelSMS:      newTokenBucket(50, time.Hour),
		ChannelTelegram: newTokenBucket(30, time.Second),
		ChannelSlack:    newTokenBucket(1, time.Second),
	}
}

// webhookChannel POSTs a JSON body to a configured URL; used for email
// and sms gateways and for slack.
type webhookChannel struct {
	name string
	url  string
	http *resty.Client
}

func newWebhookChannel(name, url string) *webhookChannel {
	return &webhookChannel{
		name: name,
		url:  url,
		http: resty.New().SetTimeout(10 * time.Second),
	}
}

func (c *webhookChannel) Name() string { return c.name }

func (c *webhookChannel) Send(ctx context.Context, alert *database.Alert) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]interface{}{
			"severity": alert.Severity,
			"type":     alert.Type,
			"title":    alert.Title,
			"message":  alert.Message,
		}).
		Post(c.url)
	if err != nil {
		return fmt.Errorf("%s webhook: %w", c.name, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%s webhook: status %d", c.name, resp.StatusCode())
	}
	return nil
}

// telegramChannel posts through the Bot API.
type telegramChannel struct {
	token  string
	chatID string
	http   *resty.Client
}

func newTelegramChannel(token, chatID string) *telegramChannel {
	return &telegramChannel{
		token:  token,
		chatID: chatID,
		http:   resty.New().SetBaseURL("https://api.telegram.org").SetTimeout(10 * time.Second),
	}
}

func (c *telegramChannel) Name() string { return ChannelTelegram }

func (c *telegramChannel) Send(ctx context.Context, alert *database.Alert) error {
	text := fmt.Sprintf("[%s] %s\n%s", alert.Severity, alert.Title, alert.Message)
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"chat_id": c.chatID, "text": text}).
		Post(fmt.Sprintf("/bot%s/sendMessage", c.token))
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("telegram: status %d", resp.StatusCode())
	}
	return nil
}

// buildChannels wires the configured channels; unset channels are
// simply absent.
func buildChannels(cfg config.AlertsConfig) map[string]Channel {
	out := make(map[string]Channel)
	if cfg.EmailWebhookURL != "" {
		out[ChannelEmail] = newWebhookChannel(ChannelEmail, cfg.EmailWebhookURL)
	}
	if cfg.SMSWebhookURL != "" {
		out[ChannelSMS] = newWebhookChannel(ChannelSMS, cfg.SMSWebhookURL)
	}
	if cfg.SlackWebhookURL != "" {
		out[ChannelSlack] = newWebhookChannel(ChannelSlack, cfg.SlackWebhookURL)
	}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		out[ChannelTelegram] = newTelegramChannel(cfg.TelegramBotToken, cfg.TelegramChatID)
	}
	return out
}

// channelsFor maps severity onto delivery channels.
func channelsFor(severity string) []string {
	switch severity {
	case database.SeverityCritical:
		return []string{ChannelEmail, ChannelSMS, ChannelTelegram}
	case database.SeverityError:
		return []string{ChannelEmail, ChannelTelegram}
	case database.SeverityWarning:
		return []string{ChannelTelegram}
	default:
		return []string{ChannelLog}
	}
}

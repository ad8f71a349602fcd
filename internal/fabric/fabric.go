// Package fabric implements the AMQP 0.9.1 message bus: topology
// declaration, confirmed publishing, and acked consumer workers with DLQ
// routing for poison messages.
package fabric

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// ErrServiceUnavailable is returned when the broker connection is down and
// cannot be re-established in time.
var ErrServiceUnavailable = errors.New("broker unavailable")

const publishTimeout = 5 * time.Second

// Fabric owns the broker connection and hands out publishers and
// consumers. Reconnects with exponential backoff when the connection
// drops.
type Fabric struct {
	url    string
	logger zerolog.Logger

	mu     sync.Mutex
	conn   *amqp.Connection
	pubCh  *amqp.Channel
	closed bool
}

// Connect dials the broker and declares the full topology.
func Connect(url string, logger zerolog.Logger) (*Fabric, error) {
	f := &Fabric{
		url:    url,
		logger: logger.With().Str("component", "fabric").Logger(),
	}
	if err := f.dial(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Fabric) dial() error {
	conn, err := amqp.Dial(f.url)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}
	if err := DeclareTopology(ch); err != nil {
		conn.Close()
		return err
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("enable confirms: %w", err)
	}

	f.mu.Lock()
	f.conn = conn
	f.pubCh = ch
	f.mu.Unlock()

	go f.watch(conn)
	f.logger.Info().Msg("connected to broker, topology declared")
	return nil
}

// watch reconnects with exponential backoff when the connection drops.
func (f *Fabric) watch(conn *amqp.Connection) {
	err := <-conn.NotifyClose(make(chan *amqp.Error, 1))
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return
	}
	f.logger.Warn().Err(err).Msg("broker connection lost, reconnecting")

	backoff := time.Second
	for {
		if err := f.dial(); err == nil {
			return
		}
		f.mu.Lock()
		closed := f.closed
		f.mu.Unlock()
		if closed {
			return
		}
		time.Sleep(backoff)
		if backoff < 60*time.Second {
			backoff *= 2
		}
	}
}

// Close shuts the connection down.
func (f *Fabric) Close() error {
	f.mu.Lock()
	f.closed = true
	conn := f.conn
	f.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// IsConnected reports broker connectivity.
func (f *Fabric) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn != nil && !f.conn.IsClosed()
}

// Publish sends an envelope to an exchange with persistent delivery and
// waits for broker confirmation up to 5 seconds.
func (f *Fabric) Publish(ctx context.Context, exchange, routingKey string, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	f.mu.Lock()
	ch := f.pubCh
	f.mu.Unlock()
	if ch == nil {
		return ErrServiceUnavailable
	}

	pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	conf, err := ch.PublishWithDeferredConfirmWithContext(pubCtx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Type:         env.Type,
		Timestamp:    env.Timestamp,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("%w: publish %s %s: %v", ErrServiceUnavailable, exchange, routingKey, err)
	}

	acked, err := conf.WaitContext(pubCtx)
	if err != nil {
		return fmt.Errorf("%w: publish confirm timeout on %s %s", ErrServiceUnavailable, exchange, routingKey)
	}
	if !acked {
		return fmt.Errorf("%w: publish %s %s not confirmed", ErrServiceUnavailable, exchange, routingKey)
	}
	return nil
}

// QueueDepth passively declares a queue and returns its current depth.
func (f *Fabric) QueueDepth(queue string) (int, error) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return 0, ErrServiceUnavailable
	}
	ch, err := conn.Channel()
	if err != nil {
		return 0, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	q, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("inspect queue %s: %w", queue, err)
	}
	return q.Messages, nil
}

// Handler processes one delivered envelope. A nil return acks; ErrPoison
// (or a wrapped one) nacks without requeue, routing to the DLQ; any other
// error nacks with requeue.
type Handler func(ctx context.Context, env Envelope, routingKey string) error

// ErrPoison marks a message as unprocessable; the consumer dead-letters it.
var ErrPoison = errors.New("poison message")

// Consume runs a consumer worker on a queue until ctx is cancelled. On
// shutdown, in-flight deliveries are nacked with requeue so another
// consumer picks them up.
func (f *Fabric) Consume(ctx context.Context, queue string, handler Handler) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil || conn.IsClosed() {
		return ErrServiceUnavailable
	}

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(PrefetchFor(queue), 0, false); err != nil {
		return fmt.Errorf("set prefetch on %s: %w", queue, err)
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	log := f.logger.With().Str("queue", queue).Logger()
	log.Info().Int("prefetch", PrefetchFor(queue)).Msg("consumer started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("consumer stopping")
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("%w: delivery channel closed on %s", ErrServiceUnavailable, queue)
			}
			f.handleDelivery(ctx, log, d, handler)
		}
	}
}

func (f *Fabric) handleDelivery(ctx context.Context, log zerolog.Logger, d amqp.Delivery, handler Handler) {
	var env Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		log.Error().Err(err).Str("routing_key", d.RoutingKey).Msg("unparsable envelope, dead-lettering")
		d.Nack(false, false)
		return
	}

	err := handler(ctx, env, d.RoutingKey)
	switch {
	case err == nil:
		d.Ack(false)
	case errors.Is(err, ErrPoison):
		log.Error().Err(err).Str("type", env.Type).Msg("poison message, dead-lettering")
		d.Nack(false, false)
	case ctx.Err() != nil:
		// Shutdown mid-handling: requeue for the next consumer.
		d.Nack(false, true)
	default:
		log.Warn().Err(err).Str("type", env.Type).Msg("handler failed, requeueing")
		d.Nack(false, true)
	}
}

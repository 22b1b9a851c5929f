package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"quest-pipeline/events"
)

// Client owns one AMQP connection and a dedicated publishing channel.
// Build it once at start-up and hand it to every consumer.
type Client struct {
	conn     *amqp.Connection
	topology Topology
	logger   zerolog.Logger

	mu    sync.Mutex
	pubCh *amqp.Channel

	// drainBackoff overrides the pause before a failed drain requeue
	drainBackoff func(failures int) time.Duration
}

// Dial connects to the broker and opens the publishing channel.
func Dial(url string, topology Topology, logger zerolog.Logger) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to broker")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "failed to open publish channel")
	}
	c := &Client{
		conn:     conn,
		topology: topology,
		logger:   logger.With().Str("component", "broker").Logger(),
		pubCh:    ch,
	}
	go c.watchClose()
	return c, nil
}

func (c *Client) watchClose() {
	closed := c.conn.NotifyClose(make(chan *amqp.Error, 1))
	if err, ok := <-closed; ok && err != nil {
		c.logger.Error().Err(err).Msg("broker connection closed")
	}
}

// Topology returns the names this client was configured with.
func (c *Client) Topology() Topology {
	return c.topology
}

// DeclareTopology asserts the events, progress and dead-letter exchanges.
func (c *Client) DeclareTopology() error {
	ch, err := c.conn.Channel()
	if err != nil {
		return errors.Wrap(err, "failed to open declare channel")
	}
	defer ch.Close()

	exchanges := []struct{ name, kind string }{
		{c.topology.EventsExchange, amqp.ExchangeTopic},
		{c.topology.ProgressExchange, amqp.ExchangeFanout},
		{c.topology.DeadLetterExchange, amqp.ExchangeDirect},
	}
	for _, ex := range exchanges {
		if err := ch.ExchangeDeclare(ex.name, ex.kind, true, false, false, false, nil); err != nil {
			return errors.Wrapf(err, "failed to declare exchange %s", ex.name)
		}
	}
	return nil
}

// DeclareQueue asserts the DLQ, binds it to the DLX, then asserts the main
// queue with dead-letter arguments and binds it to the events exchange.
func (c *Client) DeclareQueue(spec QueueSpec) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return errors.Wrap(err, "failed to open declare channel")
	}
	defer ch.Close()

	dlqKey := c.topology.DeadLetterKey(spec.Name)
	if _, err := ch.QueueDeclare(spec.DLQName, true, false, false, false, nil); err != nil {
		return errors.Wrapf(err, "failed to declare dlq %s", spec.DLQName)
	}
	if err := ch.QueueBind(spec.DLQName, dlqKey, c.topology.DeadLetterExchange, false, nil); err != nil {
		return errors.Wrapf(err, "failed to bind dlq %s", spec.DLQName)
	}
	if _, err := ch.QueueDeclare(spec.Name, true, false, false, false, c.topology.queueArgs(spec.Name)); err != nil {
		return errors.Wrapf(err, "failed to declare queue %s", spec.Name)
	}
	for _, key := range spec.Bindings {
		if err := ch.QueueBind(spec.Name, key, c.topology.EventsExchange, false, nil); err != nil {
			return errors.Wrapf(err, "failed to bind %s to %s", spec.Name, key)
		}
	}

	c.logger.Info().
		Str("queue", spec.Name).
		Str("dlq", spec.DLQName).
		Str("dlq_key", dlqKey).
		Strs("bindings", spec.Bindings).
		Msg("queue declared")
	return nil
}

// Publish marshals payload and publishes it. Failures are logged and
// swallowed; callers never block on delivery confirmation.
func (c *Client) Publish(ctx context.Context, exchange, routingKey string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error().Err(err).Str("routing_key", routingKey).Msg("failed to encode message")
		return
	}
	if err := c.publish(ctx, exchange, routingKey, body, nil, ""); err != nil {
		c.logger.Error().Err(err).
			Str("exchange", exchange).
			Str("routing_key", routingKey).
			Msg("failed to publish message")
		return
	}
	c.logger.Debug().Str("exchange", exchange).Str("routing_key", routingKey).Msg("message published")
}

// PublishProgress broadcasts a progress change on the fanout exchange.
func (c *Client) PublishProgress(ctx context.Context, p events.ProgressChanged) {
	c.Publish(ctx, c.topology.ProgressExchange, events.QuestProgressChanged, p)
}

// PublishCompletion hands a completed quest to the reward queue.
func (c *Client) PublishCompletion(ctx context.Context, q events.QuestCompleted) {
	c.Publish(ctx, c.topology.EventsExchange, c.topology.RewardQueueName, q)
}

// publish sends body; an empty messageID gets a fresh one, a retry passes
// the original so consumers can deduplicate on it.
func (c *Client) publish(ctx context.Context, exchange, routingKey string, body []byte, headers amqp.Table, messageID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pubCh == nil || c.pubCh.IsClosed() {
		ch, err := c.conn.Channel()
		if err != nil {
			return errors.Wrap(err, "failed to reopen publish channel")
		}
		c.pubCh = ch
	}
	return c.pubCh.PublishWithContext(ctx, exchange, routingKey, false, false, newPublishing(body, headers, messageID))
}

func newPublishing(body []byte, headers amqp.Table, messageID string) amqp.Publishing {
	if messageID == "" {
		messageID = uuid.NewString()
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    messageID,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         body,
	}
}

// Close shuts the publish channel and the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.pubCh != nil {
		_ = c.pubCh.Close()
	}
	c.mu.Unlock()
	return c.conn.Close()
}

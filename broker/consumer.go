package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Result is what every handler returns instead of failing past its boundary.
type Result struct {
	Success   bool
	Retryable bool
}

var (
	Ack            = Result{Success: true}
	FailRetryable  = Result{Success: false, Retryable: true}
	FailPermanent  = Result{Success: false, Retryable: false}
	errStreamEnded = errors.New("delivery channel closed")
)

// Delivery is the handler's view of one broker message.
type Delivery struct {
	Queue      string
	RoutingKey string
	// MessageID is the publisher's id, kept across retries; may be empty.
	MessageID  string
	Body       []byte
	Headers    amqp.Table
	Attempt    int
}

type HandlerFunc func(ctx context.Context, d Delivery) Result

type action int

const (
	actionAck action = iota
	actionRetry
	actionDeadLetter
)

func (a action) String() string {
	switch a {
	case actionAck:
		return "ack"
	case actionRetry:
		return "retry"
	default:
		return "dead_letter"
	}
}

// ConsumeOptions bound retries and handler run time.
type ConsumeOptions struct {
	MaxRetries     int
	HandlerTimeout time.Duration
}

// decide maps a handler result and the number of retries already spent onto
// the broker action.
func decide(res Result, retries, maxRetries int) action {
	if res.Success {
		return actionAck
	}
	if res.Retryable && retries < maxRetries {
		return actionRetry
	}
	return actionDeadLetter
}

func toDelivery(queue string, d amqp.Delivery) Delivery {
	return Delivery{
		Queue:      queue,
		RoutingKey: originalRoutingKey(d),
		MessageID:  originalMessageID(d),
		Body:       d.Body,
		Headers:    d.Headers,
		Attempt:    retryCount(d.Headers) + 1,
	}
}

// retryCount reads the consumer-owned retry header.
func retryCount(headers amqp.Table) int {
	if headers == nil {
		return 0
	}
	switch v := headers[headerRetries].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// originalRoutingKey survives the direct-to-queue republish used for retries.
func originalRoutingKey(d amqp.Delivery) string {
	if d.Headers != nil {
		if key, ok := d.Headers[headerOriginalRoutingKey].(string); ok && key != "" {
			return key
		}
	}
	return d.RoutingKey
}

// originalMessageID is the publisher's message id. A retry copy carries it
// in a header, so an id the publisher never set stays empty.
func originalMessageID(d amqp.Delivery) string {
	if d.Headers != nil {
		if id, ok := d.Headers[headerOriginalMessageID].(string); ok {
			return id
		}
	}
	return d.MessageId
}

// retryHeaders copies the delivery headers with the retry counter advanced.
func retryHeaders(d amqp.Delivery, retries int) amqp.Table {
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[headerRetries] = int32(retries)
	headers[headerOriginalRoutingKey] = originalRoutingKey(d)
	headers[headerOriginalMessageID] = originalMessageID(d)
	return headers
}

// Consume runs the single-flight delivery loop for one queue until ctx is
// cancelled. Successful results are acked; retryable failures are acked and
// republished to the same queue with x-retries incremented; everything else
// is nacked without requeue so the broker dead-letters it.
func (c *Client) Consume(ctx context.Context, spec QueueSpec, opts ConsumeOptions, handle HandlerFunc) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return errors.Wrap(err, "failed to open consume channel")
	}
	defer ch.Close()

	if err := ch.Qos(consumerPrefetch, 0, false); err != nil {
		return errors.Wrap(err, "failed to set prefetch")
	}
	deliveries, err := ch.ConsumeWithContext(ctx, spec.Name, "", false, false, false, false, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to consume %s", spec.Name)
	}

	logger := c.logger.With().Str("queue", spec.Name).Logger()
	logger.Info().Int("max_retries", opts.MaxRetries).Msg("consumer started")

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("consumer stopped")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errStreamEnded
			}
			c.handleDelivery(ctx, logger, spec, opts, d, handle)
		}
	}
}

func (c *Client) handleDelivery(ctx context.Context, logger zerolog.Logger, spec QueueSpec, opts ConsumeOptions, d amqp.Delivery, handle HandlerFunc) {
	retries := retryCount(d.Headers)
	msg := toDelivery(spec.Name, d)

	hctx := ctx
	if opts.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, opts.HandlerTimeout)
		defer cancel()
	}
	res := runHandler(hctx, logger, msg, handle)

	act := decide(res, retries, opts.MaxRetries)
	event := logger.Debug()
	if act != actionAck {
		event = logger.Warn()
	}
	event.Str("routing_key", msg.RoutingKey).
		Int("attempt", msg.Attempt).
		Str("action", act.String()).
		Msg("delivery handled")

	switch act {
	case actionAck:
		if err := d.Ack(false); err != nil {
			logger.Error().Err(err).Msg("failed to ack")
		}
	case actionRetry:
		if err := c.publish(ctx, "", spec.Name, d.Body, retryHeaders(d, retries+1), d.MessageId); err != nil {
			logger.Error().Err(err).Msg("failed to republish for retry, requeueing")
			if err := d.Nack(false, true); err != nil {
				logger.Error().Err(err).Msg("failed to nack")
			}
			return
		}
		if err := d.Ack(false); err != nil {
			logger.Error().Err(err).Msg("failed to ack retried delivery")
		}
	case actionDeadLetter:
		if err := d.Nack(false, false); err != nil {
			logger.Error().Err(err).Msg("failed to nack to dlq")
		}
	}
}

// runHandler turns a panic into a permanent failure.
func runHandler(ctx context.Context, logger zerolog.Logger, d Delivery, handle HandlerFunc) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Str("panic", fmt.Sprint(r)).Str("routing_key", d.RoutingKey).Msg("handler panicked")
			res = FailPermanent
		}
	}()
	return handle(ctx, d)
}

// drainBackoff is the pause before requeueing after consecutive drain
// failures: 1s doubling up to a minute.
func drainBackoff(failures int) time.Duration {
	if failures <= 0 {
		return 0
	}
	d := drainBackoffBase
	for i := 1; i < failures && d < drainBackoffMax; i++ {
		d *= 2
	}
	if d > drainBackoffMax {
		d = drainBackoffMax
	}
	return d
}

// Drain consumes a queue without retry bookkeeping: nil acks, an error
// requeues after a backoff that grows with consecutive failures. Used for
// DLQ archiving.
func (c *Client) Drain(ctx context.Context, queue string, fn func(ctx context.Context, d Delivery) error) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return errors.Wrap(err, "failed to open drain channel")
	}
	defer ch.Close()

	if err := ch.Qos(consumerPrefetch, 0, false); err != nil {
		return errors.Wrap(err, "failed to set prefetch")
	}
	deliveries, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to consume %s", queue)
	}

	logger := c.logger.With().Str("queue", queue).Logger()
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errStreamEnded
			}
			failures = c.drainOne(ctx, logger, queue, d, fn, failures)
		}
	}
}

// drainOne handles a single drained delivery and returns the updated count
// of consecutive failures.
func (c *Client) drainOne(ctx context.Context, logger zerolog.Logger, queue string, d amqp.Delivery, fn func(ctx context.Context, d Delivery) error, failures int) int {
	if err := fn(ctx, toDelivery(queue, d)); err != nil {
		failures++
		backoff := c.drainBackoff
		if backoff == nil {
			backoff = drainBackoff
		}
		wait := backoff(failures)
		logger.Error().Err(err).Int("failures", failures).Dur("backoff", wait).Msg("drain handler failed, requeueing")
		// prefetch is one, so holding the message pauses the queue
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
		if err := d.Nack(false, true); err != nil {
			logger.Error().Err(err).Msg("failed to nack drained delivery")
		}
		return failures
	}
	if err := d.Ack(false); err != nil {
		logger.Error().Err(err).Msg("failed to ack drained delivery")
	}
	return 0
}

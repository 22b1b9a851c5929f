package broker

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name    string
		res     Result
		retries int
		want    action
	}{
		{"success acks", Ack, 0, actionAck},
		{"success acks even past max", Ack, 5, actionAck},
		{"retryable below max retries", FailRetryable, 0, actionRetry},
		{"retryable on last allowed retry", FailRetryable, 2, actionRetry},
		{"retryable exhausted", FailRetryable, 3, actionDeadLetter},
		{"permanent failure", FailPermanent, 0, actionDeadLetter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decide(tt.res, tt.retries, 3))
		})
	}
}

func TestRetryCount(t *testing.T) {
	assert.Equal(t, 0, retryCount(nil))
	assert.Equal(t, 0, retryCount(amqp.Table{}))
	assert.Equal(t, 2, retryCount(amqp.Table{headerRetries: int32(2)}))
	assert.Equal(t, 3, retryCount(amqp.Table{headerRetries: int64(3)}))
	assert.Equal(t, 1, retryCount(amqp.Table{headerRetries: uint8(1)}))
	assert.Equal(t, 0, retryCount(amqp.Table{headerRetries: "2"}))
}

func TestRetryHeadersKeepOriginalRoutingKey(t *testing.T) {
	first := amqp.Delivery{
		RoutingKey: "user.spend.recorded",
		Headers:    amqp.Table{"trace": "abc"},
	}
	h := retryHeaders(first, 1)
	assert.Equal(t, int32(1), h[headerRetries])
	assert.Equal(t, "user.spend.recorded", h[headerOriginalRoutingKey])
	assert.Equal(t, "abc", h["trace"])
	assert.NotContains(t, first.Headers, headerRetries)

	// the retry copy arrives with the queue name as routing key
	second := amqp.Delivery{RoutingKey: "quest_contribution_processing_queue", Headers: h}
	assert.Equal(t, "user.spend.recorded", originalRoutingKey(second))
	assert.Equal(t, 2, retryCount(retryHeaders(second, 2)))
}

func TestRunHandlerRecoversPanic(t *testing.T) {
	res := runHandler(context.Background(), zerolog.Nop(), Delivery{RoutingKey: "x"}, func(context.Context, Delivery) Result {
		panic("boom")
	})
	assert.Equal(t, FailPermanent, res)

	res = runHandler(context.Background(), zerolog.Nop(), Delivery{}, func(context.Context, Delivery) Result {
		return Ack
	})
	assert.Equal(t, Ack, res)
}

func TestTopologyNames(t *testing.T) {
	topo := DefaultTopology()

	contribution := topo.ContributionQueue()
	require.Len(t, contribution.Bindings, 4)
	assert.Equal(t, "dlq.quest_contribution_processing_queue", topo.DeadLetterKey(contribution.Name))
	assert.Equal(t, "quest_contribution_processing_dlq", contribution.DLQName)

	reward := topo.RewardQueue()
	assert.Equal(t, []string{"reward_distribution_queue"}, reward.Bindings)

	args := topo.queueArgs(reward.Name)
	assert.Equal(t, "dead_letter_exchange", args[argDeadLetterExchange])
	assert.Equal(t, "dlq.reward_distribution_queue", args[argDeadLetterRoutingKey])
}

func TestDrainBackoff(t *testing.T) {
	assert.Equal(t, time.Duration(0), drainBackoff(0))
	assert.Equal(t, time.Second, drainBackoff(1))
	assert.Equal(t, 2*time.Second, drainBackoff(2))
	assert.Equal(t, 32*time.Second, drainBackoff(6))
	assert.Equal(t, time.Minute, drainBackoff(7))
	assert.Equal(t, time.Minute, drainBackoff(100))
}

func TestRetryKeepsMessageID(t *testing.T) {
	first := newPublishing([]byte(`{}`), nil, "")
	require.NotEmpty(t, first.MessageId)
	assert.NotEqual(t, first.MessageId, newPublishing([]byte(`{}`), nil, "").MessageId)

	retried := newPublishing([]byte(`{}`), amqp.Table{headerRetries: int32(1)}, first.MessageId)
	assert.Equal(t, first.MessageId, retried.MessageId)

	d := toDelivery("q", amqp.Delivery{MessageId: first.MessageId, RoutingKey: "q", Headers: retried.Headers})
	assert.Equal(t, first.MessageId, d.MessageID)
	assert.Equal(t, 2, d.Attempt)

	t.Run("publisher without id stays without id across retries", func(t *testing.T) {
		original := amqp.Delivery{RoutingKey: "user.spend.recorded"}
		assert.Empty(t, toDelivery("q", original).MessageID)

		copyPub := newPublishing(original.Body, retryHeaders(original, 1), original.MessageId)
		require.NotEmpty(t, copyPub.MessageId)
		retry := amqp.Delivery{RoutingKey: "q", MessageId: copyPub.MessageId, Headers: copyPub.Headers}
		assert.Empty(t, toDelivery("q", retry).MessageID)
	})
}

// fakeAcknowledger records settlements and fails them on demand.
type fakeAcknowledger struct {
	acks, nacks int
	requeued    bool
	err         error
}

func (f *fakeAcknowledger) Ack(uint64, bool) error {
	f.acks++
	return f.err
}

func (f *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacks++
	f.requeued = requeue
	return f.err
}

func (f *fakeAcknowledger) Reject(uint64, bool) error { return f.err }

func TestDrainOne(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	logger := zerolog.New(&logs)
	c := &Client{logger: logger, drainBackoff: func(int) time.Duration { return 0 }}

	ok := func(context.Context, Delivery) error { return nil }
	failing := func(context.Context, Delivery) error { return errors.New("bucket down") }

	t.Run("success acks and resets failures", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		failures := c.drainOne(ctx, logger, "dlq", amqp.Delivery{Acknowledger: ack}, ok, 4)
		assert.Equal(t, 0, failures)
		assert.Equal(t, 1, ack.acks)
	})

	t.Run("failure requeues and counts", func(t *testing.T) {
		ack := &fakeAcknowledger{}
		failures := c.drainOne(ctx, logger, "dlq", amqp.Delivery{Acknowledger: ack}, failing, 2)
		assert.Equal(t, 3, failures)
		assert.Equal(t, 1, ack.nacks)
		assert.True(t, ack.requeued)
	})

	t.Run("broker settlement errors are logged", func(t *testing.T) {
		logs.Reset()
		ack := &fakeAcknowledger{err: errors.New("channel closed")}
		c.drainOne(ctx, logger, "dlq", amqp.Delivery{Acknowledger: ack}, ok, 0)
		assert.Contains(t, logs.String(), "failed to ack drained delivery")

		c.drainOne(ctx, logger, "dlq", amqp.Delivery{Acknowledger: ack}, failing, 0)
		assert.Contains(t, logs.String(), "failed to nack drained delivery")
	})
}

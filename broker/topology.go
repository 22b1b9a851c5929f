package broker

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"quest-pipeline/events"
)

const (
	headerRetries            = "x-retries"
	headerOriginalRoutingKey = "x-original-routing-key"
	headerOriginalMessageID  = "x-original-message-id"
	argDeadLetterExchange    = "x-dead-letter-exchange"
	argDeadLetterRoutingKey  = "x-dead-letter-routing-key"

	// one in-flight message per consumer queue
	consumerPrefetch = 1

	drainBackoffBase = time.Second
	drainBackoffMax  = time.Minute
)

// Topology names every exchange and queue of the pipeline.
type Topology struct {
	EventsExchange        string
	ProgressExchange      string
	DeadLetterExchange    string
	DLQRoutingKeyPrefix   string
	ContributionQueueName string
	ContributionDLQName   string
	RewardQueueName       string
	RewardDLQName         string
}

// DefaultTopology matches the names the platform's publishers already use.
func DefaultTopology() Topology {
	return Topology{
		EventsExchange:        "events_exchange",
		ProgressExchange:      "quest_progress_exchange",
		DeadLetterExchange:    "dead_letter_exchange",
		DLQRoutingKeyPrefix:   "dlq.",
		ContributionQueueName: "quest_contribution_processing_queue",
		ContributionDLQName:   "quest_contribution_processing_dlq",
		RewardQueueName:       "reward_distribution_queue",
		RewardDLQName:         "reward_distribution_dlq",
	}
}

// QueueSpec is a durable consumer queue, its dead-letter queue and the
// routing keys it is bound to on the events exchange.
type QueueSpec struct {
	Name     string
	DLQName  string
	Bindings []string
}

// DeadLetterKey is the DLX routing key for a main queue.
func (t Topology) DeadLetterKey(queue string) string {
	return t.DLQRoutingKeyPrefix + queue
}

// ContributionQueue is bound to every domain event the processor handles.
func (t Topology) ContributionQueue() QueueSpec {
	return QueueSpec{
		Name:    t.ContributionQueueName,
		DLQName: t.ContributionDLQName,
		Bindings: []string{
			events.UserReferredSuccess,
			events.UserTierUpdated,
			events.UserSpendRecorded,
			events.SquadPointsUpdated,
		},
	}
}

// RewardQueue receives completion hand-offs, published on the events
// exchange with the queue's own name as routing key.
func (t Topology) RewardQueue() QueueSpec {
	return QueueSpec{
		Name:     t.RewardQueueName,
		DLQName:  t.RewardDLQName,
		Bindings: []string{t.RewardQueueName},
	}
}

// queueArgs wires a main queue to its dead-letter route.
func (t Topology) queueArgs(queue string) amqp.Table {
	return amqp.Table{
		argDeadLetterExchange:   t.DeadLetterExchange,
		argDeadLetterRoutingKey: t.DeadLetterKey(queue),
	}
}

// Package bus wraps the Kafka producer and consumer-group plumbing that
// carries notification jobs between the send API and the dispatchers.
package bus

import (
	"context"
	"strings"
	"time"

	"relay/internal/observability"

	"github.com/IBM/sarama"
)

// Topics and consumer groups for the dispatch pipeline.
const (
	TopicPush  = "push"
	TopicEmail = "email"

	GroupPush  = "push-group"
	GroupEmail = "email-group"
)

// Publisher enqueues a serialized job on a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}

// KafkaPublisher is a sync-producer backed Publisher.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	logger   *observability.Logger
}

func producerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true
	return cfg
}

// NewPublisher connects a sync producer to the given comma-separated broker list.
func NewPublisher(brokers string) (*KafkaPublisher, error) {
	producer, err := sarama.NewSyncProducer(strings.Split(brokers, ","), producerConfig())
	if err != nil {
		return nil, err
	}
	return NewPublisherFromProducer(producer), nil
}

// NewPublisherFromProducer wraps an existing producer; used by tests with
// sarama/mocks.
func NewPublisherFromProducer(producer sarama.SyncProducer) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, logger: observability.GlobalLogger}
}

// Publish sends one job to the topic, blocking until the broker acks.
func (p *KafkaPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(payload),
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		observability.QueuePublishTotal.WithLabelValues(topic, "error").Inc()
		p.logger.ErrorContext(ctx, "kafka publish failed", "topic", topic, "error", err.Error())
		return err
	}
	observability.QueuePublishTotal.WithLabelValues(topic, "ok").Inc()
	p.logger.InfoContext(ctx, "kafka publish",
		"topic", topic, "partition", partition, "offset", offset)
	return nil
}

// Close shuts the underlying producer down.
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// Handler processes one consumed message. Delivery failures are handled
// inside the dispatcher (retry republish), so the handler never fails the
// consume loop.
type Handler func(ctx context.Context, payload []byte)

// ConsumerGroup runs one handler over the topics of a consumer group,
// processing messages strictly in order.
type ConsumerGroup struct {
	group  sarama.ConsumerGroup
	topics []string
	handle Handler
	logger *observability.Logger
}

func consumerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Offsets.AutoCommit.Enable = true
	cfg.Consumer.Group.Session.Timeout = 6 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	return cfg
}

// NewConsumerGroup joins the group on the given comma-separated broker list.
func NewConsumerGroup(brokers, groupID string, topics []string, handle Handler) (*ConsumerGroup, error) {
	group, err := sarama.NewConsumerGroup(strings.Split(brokers, ","), groupID, consumerConfig())
	if err != nil {
		return nil, err
	}
	return &ConsumerGroup{
		group:  group,
		topics: topics,
		handle: handle,
		logger: observability.GlobalLogger,
	}, nil
}

// Run consumes until the context is cancelled. Consume returns on rebalance,
// so it is called in a loop.
func (c *ConsumerGroup) Run(ctx context.Context) error {
	defer c.group.Close()
	for {
		if err := c.group.Consume(ctx, c.topics, &groupHandler{handle: c.handle}); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.ErrorContext(ctx, "kafka consume error", "error", err.Error())
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

type groupHandler struct {
	handle Handler
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.handle(session.Context(), msg.Value)
			session.MarkMessage(msg, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

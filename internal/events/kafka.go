package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/twmb/franz-go/pkg/kgo"

	"enrolld/internal/platform/config"
)

// KafkaPublisher publishes lifecycle events to a Kafka topic, keyed by
// session id so one session's events stay ordered within a partition.
type KafkaPublisher struct {
	client *kgo.Client
	topic  string
}

// NewKafkaPublisher connects a producer. Returns nil when no brokers are
// configured so wiring stays optional.
func NewKafkaPublisher(cfg config.KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	return &KafkaPublisher{client: client, topic: cfg.Topic}, nil
}

func (p *KafkaPublisher) Name() string { return "kafka" }

func (p *KafkaPublisher) Handle(ctx context.Context, event LifecycleEvent) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(event.SessionID),
		Value: value,
	}
	// Synchronous produce: the dispatcher already decouples us from the
	// orchestrator's request path.
	return p.client.ProduceSync(ctx, record).FirstErr()
}

// Close flushes and releases the producer.
func (p *KafkaPublisher) Close() {
	p.client.Close()
}

package blocking

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"authwatch/internal/config"
)

// MessageProducer is the slice of the kafka client the sinks need.
type MessageProducer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaDirectivePublisher emits allow/deny directives keyed by address,
// so the enforcement consumer sees each address's directives in order.
type KafkaDirectivePublisher struct {
	producer MessageProducer
	topic    string
}

func NewKafkaDirectivePublisher(producer MessageProducer, cfg *config.Config) *KafkaDirectivePublisher {
	return &KafkaDirectivePublisher{
		producer: producer,
		topic:    cfg.Kafka.DirectiveTopic,
	}
}

func (p *KafkaDirectivePublisher) PublishDirective(ctx context.Context, d Directive) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode directive: %w", err)
	}
	return p.producer.ProduceMessage(ctx, p.topic, []byte(d.Address), payload,
		map[string]string{"action": d.Action})
}

// notification is the alert payload written to the notification topic.
type notification struct {
	Summary  string    `json:"summary"`
	Severity string    `json:"severity"`
	SentAt   time.Time `json:"sent_at"`
}

// KafkaNotifier is the best-effort alert sink.
type KafkaNotifier struct {
	producer MessageProducer
	topic    string
}

func NewKafkaNotifier(producer MessageProducer, cfg *config.Config) *KafkaNotifier {
	return &KafkaNotifier{
		producer: producer,
		topic:    cfg.Kafka.NotificationTopic,
	}
}

func (n *KafkaNotifier) Notify(ctx context.Context, summary, severity string) error {
	payload, err := json.Marshal(notification{
		Summary:  summary,
		Severity: severity,
		SentAt:   time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	return n.producer.ProduceMessage(ctx, n.topic, nil, payload, nil)
}

var _ DirectivePublisher = (*KafkaDirectivePublisher)(nil)
var _ Notifier = (*KafkaNotifier)(nil)

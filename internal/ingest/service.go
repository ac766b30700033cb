package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"authwatch/internal/config"
	"authwatch/internal/hashing"
	"authwatch/internal/model"
	"authwatch/internal/util"
)

var (
	ErrMalformedBatch = errors.New("malformed batch envelope")
	ErrUnauthorized   = errors.New("unauthorized origin")
)

const maxBatchLines = 5000

// Batch is the agent submission envelope.
type Batch struct {
	BatchID    string   `json:"batch_id"`
	SourceFile string   `json:"source_file"`
	Lines      []string `json:"lines"`
}

// Receipt acknowledges an accepted batch. Replaying a batch id returns
// the original receipt with Duplicate set.
type Receipt struct {
	ReceiptID string `json:"receipt_id"`
	Accepted  int    `json:"accepted"`
	Failed    int    `json:"failed"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// PendingMessage is the queue record handed to enrichment for each
// accepted event.
type PendingMessage struct {
	EventID string `json:"event_id"`
	Address string `json:"address"`
}

// PendingPublisher hands accepted events to the enrichment queue.
type PendingPublisher interface {
	PublishPending(ctx context.Context, msg *PendingMessage) error
}

// AnalyticsSink mirrors accepted events into the analytics store.
type AnalyticsSink interface {
	RecordBatch(ctx context.Context, events []*model.AuthEvent) error
}

// Service accepts agent batches: it authenticates the origin, dedupes
// the batch id, parses each line, persists the events and fans them out
// to the enrichment queue, the analytics mirror and the hot counters.
type Service struct {
	parser    *Parser
	events    model.EventRepository
	receipts  model.ReceiptRepository
	creds     model.CredentialRepository
	hasher    *hashing.Hasher
	analytics AnalyticsSink
	recorder  model.AggregateRecorder
	publisher PendingPublisher
	logger    *zap.Logger
}

func NewService(
	events model.EventRepository,
	receipts model.ReceiptRepository,
	creds model.CredentialRepository,
	hasher *hashing.Hasher,
	analytics AnalyticsSink,
	recorder model.AggregateRecorder,
	publisher PendingPublisher,
	logger *zap.Logger,
) *Service {
	return &Service{
		parser:    NewParser(),
		events:    events,
		receipts:  receipts,
		creds:     creds,
		hasher:    hasher,
		analytics: analytics,
		recorder:  recorder,
		publisher: publisher,
		logger:    logger,
	}
}

// Authenticate verifies an agent id + secret pair against the stored
// credential.
func (s *Service) Authenticate(ctx context.Context, agentID, secret string) error {
	if agentID == "" || secret == "" {
		return ErrUnauthorized
	}

	cred, err := s.creds.GetByAgentID(ctx, agentID)
	if err != nil {
		return fmt.Errorf("failed to load agent credential: %w", err)
	}
	if cred == nil || !cred.Enabled {
		return ErrUnauthorized
	}

	ok, err := s.hasher.VerifySecret(secret, cred.SecretHash)
	if err != nil || !ok {
		return ErrUnauthorized
	}
	return nil
}

// Accept processes one authenticated batch. A malformed envelope
// rejects the whole batch; a line that fails to parse only increments
// the failed count.
func (s *Service) Accept(ctx context.Context, agentID string, batch *Batch) (*Receipt, error) {
	if batch == nil || batch.BatchID == "" || batch.SourceFile == "" ||
		len(batch.Lines) == 0 || len(batch.Lines) > maxBatchLines {
		return nil, ErrMalformedBatch
	}

	receiptID := uuid.New().String()
	claimed, existing, err := s.receipts.Claim(ctx, batch.BatchID, agentID, receiptID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim batch: %w", err)
	}
	if !claimed {
		// Replay: acknowledge with the original receipt, insert nothing.
		util.Info("Replayed batch acknowledged from stored receipt",
			zap.String("batch_id", batch.BatchID),
			zap.String("origin", agentID))
		return &Receipt{
			ReceiptID: existing.ReceiptID,
			Accepted:  existing.Accepted,
			Failed:    existing.Failed,
			Duplicate: true,
		}, nil
	}

	now := time.Now().UTC()
	var accepted []*model.AuthEvent
	failed := 0

	for _, line := range batch.Lines {
		event, parseErr := s.parser.Parse(line, now)
		if parseErr != nil {
			failed++
			util.Debug("Skipping unparsable line",
				zap.String("batch_id", batch.BatchID),
				zap.Error(parseErr))
			continue
		}

		event.EventID = uuid.New().String()
		event.Origin = agentID
		event.SourceFile = batch.SourceFile
		event.CreatedAt = now
		event.UpdatedAt = now
		accepted = append(accepted, event)
	}

	if len(accepted) > 0 {
		if err := s.events.InsertEvents(ctx, accepted); err != nil {
			return nil, fmt.Errorf("failed to persist batch: %w", err)
		}

		// Mirror and counters are best-effort; the canonical rows are in.
		if err := s.analytics.RecordBatch(ctx, accepted); err != nil {
			util.Warn("Analytics mirror failed for batch",
				zap.String("batch_id", batch.BatchID),
				zap.Error(err))
		}
		for _, event := range accepted {
			if err := s.recorder.RecordEvent(ctx, event); err != nil {
				util.Warn("Hot counter update failed",
					zap.String("event_id", event.EventID),
					zap.Error(err))
			}
			if err := s.publisher.PublishPending(ctx, &PendingMessage{
				EventID: event.EventID,
				Address: event.Address,
			}); err != nil {
				util.Error("Failed to queue event for enrichment",
					zap.String("event_id", event.EventID),
					zap.Error(err))
			}
		}
	}

	if err := s.receipts.Complete(ctx, batch.BatchID, len(accepted), failed); err != nil {
		util.Warn("Failed to finalize batch receipt",
			zap.String("batch_id", batch.BatchID),
			zap.Error(err))
	}

	util.Info("Batch accepted",
		zap.String("batch_id", batch.BatchID),
		zap.String("origin", agentID),
		zap.Int("accepted", len(accepted)),
		zap.Int("failed", failed))

	return &Receipt{
		ReceiptID: receiptID,
		Accepted:  len(accepted),
		Failed:    failed,
	}, nil
}

// KafkaPendingPublisher publishes pending messages keyed by address so
// one address's events stay ordered within a partition.
type KafkaPendingPublisher struct {
	producer KafkaProducer
	topic    string
}

// KafkaProducer is the slice of the kafka client the publisher needs.
type KafkaProducer interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

func NewKafkaPendingPublisher(producer KafkaProducer, cfg *config.Config) *KafkaPendingPublisher {
	return &KafkaPendingPublisher{
		producer: producer,
		topic:    cfg.Kafka.PendingTopic,
	}
}

func (p *KafkaPendingPublisher) PublishPending(ctx context.Context, msg *PendingMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode pending message: %w", err)
	}
	return p.producer.ProduceMessage(ctx, p.topic, []byte(msg.Address), payload, nil)
}

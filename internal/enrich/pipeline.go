package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"authwatch/internal/blocking"
	"authwatch/internal/client"
	"authwatch/internal/ingest"
	"authwatch/internal/model"
	"authwatch/internal/risk"
	"authwatch/internal/util"
)

// MessageConsumer is the slice of the kafka consumer the pipeline reads
// from.
type MessageConsumer interface {
	ConsumeMessage(ctx context.Context) (key, value []byte, err error)
}

// KafkaMessageConsumer adapts the kafka client to MessageConsumer.
type KafkaMessageConsumer struct {
	consumer *client.KafkaConsumer
}

func NewKafkaMessageConsumer(consumer *client.KafkaConsumer) *KafkaMessageConsumer {
	return &KafkaMessageConsumer{consumer: consumer}
}

func (k *KafkaMessageConsumer) ConsumeMessage(ctx context.Context) ([]byte, []byte, error) {
	msg, err := k.consumer.ConsumeMessage(ctx)
	if err != nil {
		return nil, nil, err
	}
	return msg.Key, msg.Value, nil
}

// EventIndexer pushes evaluated events into the operator search index.
type EventIndexer interface {
	IndexEvent(ctx context.Context, event *model.AuthEvent) error
}

// Pipeline drains the pending queue: for each event it resolves geo and
// reputation, asks the classifier for a verdict, fuses the composite
// score and hands the result to the blocking engine. Consumption is
// at-least-once; redelivered events that already reached evaluated are
// skipped.
type Pipeline struct {
	consumer  MessageConsumer
	events    model.EventRepository
	resolver  *Resolver
	classifier Classifier
	evaluator *risk.Evaluator
	engine    *blocking.Engine
	indexer   EventIndexer
	workers   int
}

func NewPipeline(
	consumer MessageConsumer,
	events model.EventRepository,
	resolver *Resolver,
	classifier Classifier,
	evaluator *risk.Evaluator,
	engine *blocking.Engine,
	indexer EventIndexer,
	workers int,
) *Pipeline {
	if workers <= 0 {
		workers = 4
	}
	return &Pipeline{
		consumer:  consumer,
		events:    events,
		resolver:  resolver,
		classifier: classifier,
		evaluator: evaluator,
		engine:    engine,
		indexer:   indexer,
		workers:   workers,
	}
}

// Run consumes until the context is canceled.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < p.workers; i++ {
		worker := i
		g.Go(func() error {
			util.Info("Enrichment worker started", zap.Int("worker", worker))
			return p.consumeLoop(ctx)
		})
	}

	return g.Wait()
}

func (p *Pipeline) consumeLoop(ctx context.Context) error {
	for {
		_, value, err := p.consumer.ConsumeMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return ctx.Err()
			}
			util.Error("Failed to consume pending message", zap.Error(err))
			continue
		}

		msg := &ingest.PendingMessage{}
		if err := json.Unmarshal(value, msg); err != nil {
			util.Warn("Dropping undecodable pending message", zap.Error(err))
			continue
		}

		if err := p.Process(ctx, msg.EventID); err != nil {
			util.Error("Event enrichment failed",
				zap.String("event_id", msg.EventID),
				zap.Error(err))
		}
	}
}

// Process runs one event through the enrichment stages. Provider and
// classifier failures degrade the scoring inputs; only storage failures
// surface as errors.
func (p *Pipeline) Process(ctx context.Context, eventID string) error {
	event, err := p.events.GetEvent(ctx, eventID)
	if err != nil {
		return fmt.Errorf("failed to load event: %w", err)
	}
	if event.Status == model.StatusEvaluated {
		util.Debug("Skipping already-evaluated event",
			zap.String("event_id", eventID))
		return nil
	}

	geo, err := p.resolver.Resolve(ctx, event.Address)
	if err != nil {
		util.Warn("Address resolved with no geo or reputation data",
			zap.String("address", event.Address),
			zap.Error(err))
		geo = nil
	}
	if event.Status == model.StatusPending {
		if err := p.events.AdvanceStatus(ctx, event, model.StatusGeoDone); err != nil {
			return fmt.Errorf("failed to mark geo stage: %w", err)
		}
	}

	if event.Status == model.StatusGeoDone {
		if prediction, predictErr := p.classifier.Predict(ctx, event); predictErr != nil {
			util.Warn("Classifier unavailable, scoring without ML verdict",
				zap.String("event_id", event.EventID),
				zap.Error(predictErr))
		} else {
			event.MLScore = prediction.Score
			event.MLConfidence = prediction.Confidence
			event.IsAnomaly = prediction.IsAnomaly
		}
		if err := p.events.AdvanceStatus(ctx, event, model.StatusRiskDone); err != nil {
			return fmt.Errorf("failed to mark risk stage: %w", err)
		}
	}

	evaluation, err := p.evaluator.Evaluate(ctx, event, geo)
	if err != nil {
		return err
	}

	if p.indexer != nil {
		if err := p.indexer.IndexEvent(ctx, event); err != nil {
			util.Warn("Search indexing failed for event",
				zap.String("event_id", event.EventID),
				zap.Error(err))
		}
	}

	_, err = p.engine.HandleEvaluation(ctx, &blocking.Input{
		Address:        event.Address,
		Assessment:     &evaluation.Assessment,
		Aggregates:     evaluation.Aggregates,
		Geo:            evaluation.Geo,
		TriggerEventID: event.EventID,
	})
	if err != nil {
		return fmt.Errorf("blocking evaluation failed: %w", err)
	}
	return nil
}

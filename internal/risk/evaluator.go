package risk

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"authwatch/internal/model"
	"authwatch/internal/util"
)

// Evaluator computes the composite assessment for an event's address and
// stamps the result back onto the event.
type Evaluator struct {
	events  model.EventRepository
	aggs    model.AggregateProvider
	weights Weights
	logger  *zap.Logger
}

func NewEvaluator(events model.EventRepository, aggs model.AggregateProvider, weights Weights, logger *zap.Logger) *Evaluator {
	if weights.sum() <= 0 {
		weights = DefaultWeights()
	}
	return &Evaluator{
		events:  events,
		aggs:    aggs,
		weights: weights,
		logger:  logger,
	}
}

// Evaluation bundles everything the blocking engine needs downstream.
type Evaluation struct {
	Assessment Assessment
	Aggregates map[time.Duration]*model.AddressAggregate
	Geo        *model.GeoReputationRecord
}

// Evaluate fuses the enriched signals for event's address, persists the
// derived fields, and advances the event to evaluated. Aggregate lookups
// failing is degraded data, not a failure: the behavioral sub-score is
// simply absent.
func (e *Evaluator) Evaluate(ctx context.Context, event *model.AuthEvent, geo *model.GeoReputationRecord) (*Evaluation, error) {
	aggregates := make(map[time.Duration]*model.AddressAggregate, 2)
	for _, window := range []time.Duration{WindowShort, WindowLong} {
		agg, err := e.aggs.Aggregate(ctx, event.Address, window)
		if err != nil {
			util.Warn("aggregate lookup failed, scoring without it",
				util.String("address", event.Address),
				util.Duration("window", window),
				util.ErrorField(err))
			continue
		}
		aggregates[window] = agg
	}

	var sub SubScores
	sub.ThreatIntel, sub.HasThreatIntel = ThreatIntelScore(geo)
	sub.ML, sub.HasML = MLScore(event)
	sub.Behavioral, sub.HasBehavioral = BehavioralScore(aggregates[WindowShort])
	sub.Geo, sub.HasGeo = GeoScore(geo)

	assessment := Composite(sub, e.weights)

	event.RiskScore = assessment.Score
	event.RiskConfidence = assessment.Confidence
	event.ThreatLevel = assessment.Level
	if err := e.events.AdvanceStatus(ctx, event, model.StatusEvaluated); err != nil {
		return nil, fmt.Errorf("failed to persist evaluation: %w", err)
	}

	util.Debug("event evaluated",
		util.String("event_id", event.EventID),
		util.String("address", event.Address),
		util.Float64("score", assessment.Score),
		util.String("level", string(assessment.Level)),
		util.Float64("confidence", assessment.Confidence))

	return &Evaluation{
		Assessment: assessment,
		Aggregates: aggregates,
		Geo:        geo,
	}, nil
}

package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"authwatch/internal/model"
)

type stubEventRepo struct {
	advanced []model.EventStatus
	fail     bool
}

func (s *stubEventRepo) InsertEvents(ctx context.Context, events []*model.AuthEvent) error {
	return nil
}

func (s *stubEventRepo) GetEvent(ctx context.Context, eventID string) (*model.AuthEvent, error) {
	return nil, nil
}

func (s *stubEventRepo) AdvanceStatus(ctx context.Context, event *model.AuthEvent, next model.EventStatus) error {
	if s.fail {
		return errors.New("storage down")
	}
	s.advanced = append(s.advanced, next)
	event.Status = next
	return nil
}

func (s *stubEventRepo) ListByAddress(ctx context.Context, address string, limit int) ([]*model.AuthEvent, error) {
	return nil, nil
}

type stubAggProvider struct {
	aggs map[time.Duration]*model.AddressAggregate
	err  error
}

func (s *stubAggProvider) Aggregate(ctx context.Context, address string, window time.Duration) (*model.AddressAggregate, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.aggs[window], nil
}

func TestEvaluateStampsEventAndAdvances(t *testing.T) {
	repo := &stubEventRepo{}
	aggs := &stubAggProvider{aggs: map[time.Duration]*model.AddressAggregate{
		WindowShort: {AttemptCount: 100, FailureCount: 100, DistinctUsernames: 30, VelocityPerMinute: 50},
		WindowLong:  {AttemptCount: 400, FailureCount: 390},
	}}
	evaluator := NewEvaluator(repo, aggs, DefaultWeights(), zap.NewNop())

	event := &model.AuthEvent{
		EventID:      "evt-1",
		Address:      "203.0.113.9",
		Status:       model.StatusRiskDone,
		MLScore:      80,
		MLConfidence: 0.9,
	}
	geo := &model.GeoReputationRecord{
		IsTor:                true,
		GeoRefreshedAt:       time.Now().UTC(),
		ReputationScores:     map[string]float64{"feed_a": 90},
		ReputationConfidence: map[string]float64{"feed_a": 0.8},
	}

	evaluation, err := evaluator.Evaluate(context.Background(), event, geo)
	require.NoError(t, err)

	assert.Equal(t, model.StatusEvaluated, event.Status)
	assert.Equal(t, []model.EventStatus{model.StatusEvaluated}, repo.advanced)
	assert.Equal(t, evaluation.Assessment.Score, event.RiskScore)
	assert.Equal(t, evaluation.Assessment.Confidence, event.RiskConfidence)
	assert.Equal(t, evaluation.Assessment.Level, event.ThreatLevel)
	assert.Equal(t, 1.0, evaluation.Assessment.Confidence, "all four signals present")
	assert.Len(t, evaluation.Aggregates, 2)
}

func TestEvaluateDegradesWithoutAggregates(t *testing.T) {
	repo := &stubEventRepo{}
	aggs := &stubAggProvider{err: errors.New("counters unavailable")}
	evaluator := NewEvaluator(repo, aggs, DefaultWeights(), zap.NewNop())

	event := &model.AuthEvent{EventID: "evt-1", Address: "203.0.113.9"}

	evaluation, err := evaluator.Evaluate(context.Background(), event, nil)
	require.NoError(t, err)

	assert.False(t, evaluation.Assessment.Sub.HasBehavioral)
	assert.Equal(t, 0.0, evaluation.Assessment.Confidence)
	assert.Equal(t, model.LevelClean, evaluation.Assessment.Level)
	assert.Empty(t, evaluation.Aggregates)
}

func TestEvaluateStorageFailureSurfaces(t *testing.T) {
	repo := &stubEventRepo{fail: true}
	aggs := &stubAggProvider{}
	evaluator := NewEvaluator(repo, aggs, DefaultWeights(), zap.NewNop())

	_, err := evaluator.Evaluate(context.Background(), &model.AuthEvent{EventID: "evt-1"}, nil)
	assert.Error(t, err)
}

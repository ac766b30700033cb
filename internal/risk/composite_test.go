package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authwatch/internal/model"
)

func TestCompositeBlendsWeightedSubScores(t *testing.T) {
	got := Composite(SubScores{
		ThreatIntel: 80, HasThreatIntel: true,
		ML: 60, HasML: true,
		Behavioral: 40, HasBehavioral: true,
		Geo: 20, HasGeo: true,
	}, DefaultWeights())

	// .30*80 + .25*60 + .25*40 + .20*20 = 53
	assert.InDelta(t, 53.0, got.Score, 0.0001)
	assert.Equal(t, model.LevelModerate, got.Level)
	assert.Equal(t, 1.0, got.Confidence)
}

func TestCompositeRenormalizesOverPopulatedSignals(t *testing.T) {
	// A lone high reputation score drives the composite on its own
	// instead of being diluted by the absent signals' weights.
	solo := Composite(SubScores{
		ThreatIntel: 92, HasThreatIntel: true,
	}, DefaultWeights())
	assert.InDelta(t, 92.0, solo.Score, 0.0001)
	assert.Equal(t, model.LevelCritical, solo.Level)
	assert.Equal(t, 0.25, solo.Confidence)

	// Two populated signals blend by their relative weights only.
	two := Composite(SubScores{
		ThreatIntel: 90, HasThreatIntel: true,
		ML: 40, HasML: true,
	}, DefaultWeights())
	assert.InDelta(t, (0.30*90+0.25*40)/(0.30+0.25), two.Score, 0.0001)
	assert.Equal(t, 0.5, two.Confidence)
}

func TestCompositePopulatedZeroDragsTheBlend(t *testing.T) {
	// A present-but-clean signal does count against the blend; only a
	// truly absent signal is excluded.
	withClean := Composite(SubScores{
		ThreatIntel: 90, HasThreatIntel: true,
		ML: 0, HasML: true,
	}, DefaultWeights())
	without := Composite(SubScores{
		ThreatIntel: 90, HasThreatIntel: true,
	}, DefaultWeights())

	assert.Less(t, withClean.Score, without.Score)
}

func TestCompositeNoSignalsScoresClean(t *testing.T) {
	got := Composite(SubScores{}, DefaultWeights())
	assert.Equal(t, 0.0, got.Score)
	assert.Equal(t, model.LevelClean, got.Level)
	assert.Equal(t, 0.0, got.Confidence)
}

func TestCompositeNormalizesWeights(t *testing.T) {
	s := SubScores{
		ThreatIntel: 50, HasThreatIntel: true,
		ML: 50, HasML: true,
		Behavioral: 50, HasBehavioral: true,
		Geo: 50, HasGeo: true,
	}

	scaled := Composite(s, Weights{ThreatIntel: 3, ML: 2.5, Behavioral: 2.5, Geo: 2})
	standard := Composite(s, DefaultWeights())
	assert.InDelta(t, standard.Score, scaled.Score, 0.0001)

	// All-zero weights fall back to the defaults instead of dividing by zero.
	zero := Composite(s, Weights{})
	assert.InDelta(t, standard.Score, zero.Score, 0.0001)
}

func TestCompositeIsMonotonicInEachSubScore(t *testing.T) {
	base := SubScores{
		ThreatIntel: 30, HasThreatIntel: true,
		ML: 30, HasML: true,
		Behavioral: 30, HasBehavioral: true,
		Geo: 30, HasGeo: true,
	}
	baseScore := Composite(base, DefaultWeights()).Score

	bumps := []func(s SubScores) SubScores{
		func(s SubScores) SubScores { s.ThreatIntel += 20; return s },
		func(s SubScores) SubScores { s.ML += 20; return s },
		func(s SubScores) SubScores { s.Behavioral += 20; return s },
		func(s SubScores) SubScores { s.Geo += 20; return s },
	}
	for _, bump := range bumps {
		assert.Greater(t, Composite(bump(base), DefaultWeights()).Score, baseScore)
	}
}

func TestLevelForBands(t *testing.T) {
	cases := []struct {
		score float64
		want  model.ThreatLevel
	}{
		{0, model.LevelClean},
		{19.9, model.LevelClean},
		{20, model.LevelLow},
		{39.9, model.LevelLow},
		{40, model.LevelModerate},
		{69.9, model.LevelModerate},
		{70, model.LevelHigh},
		{84.9, model.LevelHigh},
		{85, model.LevelCritical},
		{100, model.LevelCritical},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, LevelFor(tc.score), "score %.1f", tc.score)
	}
}

func TestThreatIntelScoreWeighsByConfidence(t *testing.T) {
	rec := &model.GeoReputationRecord{
		ReputationScores:     map[string]float64{"feed_a": 100, "feed_b": 0},
		ReputationConfidence: map[string]float64{"feed_a": 0.9, "feed_b": 0.1},
	}

	score, ok := ThreatIntelScore(rec)
	require.True(t, ok)
	assert.InDelta(t, 90.0, score, 0.0001)
}

func TestThreatIntelScoreNoUsableSources(t *testing.T) {
	_, ok := ThreatIntelScore(nil)
	assert.False(t, ok)

	_, ok = ThreatIntelScore(&model.GeoReputationRecord{})
	assert.False(t, ok)

	// Sources present but all at zero confidence carry no signal.
	_, ok = ThreatIntelScore(&model.GeoReputationRecord{
		ReputationScores:     map[string]float64{"feed_a": 80},
		ReputationConfidence: map[string]float64{"feed_a": 0},
	})
	assert.False(t, ok)
}

func TestMLScoreRequiresClassifierOutput(t *testing.T) {
	_, ok := MLScore(&model.AuthEvent{MLScore: 75})
	assert.False(t, ok)

	score, ok := MLScore(&model.AuthEvent{MLScore: 75, MLConfidence: 0.8})
	require.True(t, ok)
	assert.Equal(t, 75.0, score)
}

func TestBehavioralScoreSaturates(t *testing.T) {
	agg := &model.AddressAggregate{
		Address:           "203.0.113.9",
		Window:            WindowShort,
		AttemptCount:      500,
		FailureCount:      500,
		DistinctUsernames: 50,
		VelocityPerMinute: 100,
	}

	score, ok := BehavioralScore(agg)
	require.True(t, ok)
	assert.Equal(t, 100.0, score)
}

func TestBehavioralScoreQuietAddress(t *testing.T) {
	_, ok := BehavioralScore(nil)
	assert.False(t, ok)

	_, ok = BehavioralScore(&model.AddressAggregate{})
	assert.False(t, ok)

	// A single successful login scores near zero.
	score, ok := BehavioralScore(&model.AddressAggregate{
		AttemptCount:      1,
		DistinctUsernames: 1,
		VelocityPerMinute: 0.01,
	})
	require.True(t, ok)
	assert.Less(t, score, 10.0)
}

func TestGeoScoreAnonymizerPrecedence(t *testing.T) {
	refreshed := time.Now().UTC()

	tor := &model.GeoReputationRecord{IsTor: true, IsVPN: true, GeoRefreshedAt: refreshed}
	score, ok := GeoScore(tor)
	require.True(t, ok)
	assert.Equal(t, geoTorScore, score)

	vpn := &model.GeoReputationRecord{IsVPN: true, IsProxy: true, GeoRefreshedAt: refreshed}
	score, ok = GeoScore(vpn)
	require.True(t, ok)
	assert.Equal(t, geoVPNScore, score)

	dc := &model.GeoReputationRecord{IsDatacenter: true, GeoRefreshedAt: refreshed}
	score, ok = GeoScore(dc)
	require.True(t, ok)
	assert.Equal(t, geoDatacenterScore, score)
}

func TestGeoScoreCountryTierAdds(t *testing.T) {
	refreshed := time.Now().UTC()

	base := &model.GeoReputationRecord{IsVPN: true, GeoRefreshedAt: refreshed}
	tiered := &model.GeoReputationRecord{IsVPN: true, Country: "RU", GeoRefreshedAt: refreshed}

	baseScore, _ := GeoScore(base)
	tieredScore, _ := GeoScore(tiered)
	assert.Equal(t, baseScore+20, tieredScore)

	_, ok := GeoScore(&model.GeoReputationRecord{IsTor: true})
	assert.False(t, ok, "record without geo refresh carries no geo signal")
}

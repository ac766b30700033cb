package risk

import (
	"time"

	"authwatch/internal/model"
)

// Rolling statistic windows used across the pipeline.
const (
	WindowShort = time.Hour
	WindowLong  = 24 * time.Hour
)

// Behavioral sub-score contribution caps. Fixed constants for now;
// nothing downstream prevents moving them into config.
const (
	behavioralFailureRateCap  = 30.0
	behavioralVelocityCap     = 30.0
	behavioralUsernamesCap    = 25.0
	behavioralVolumeCap       = 15.0
	behavioralFailureRateKnee = 0.95
	behavioralVelocityKnee    = 20.0 // attempts per minute
	behavioralUsernamesKnee   = 10.0
	behavioralVolumeKnee      = 50.0 // failures in window
)

// Geo sub-score contributions. Tor ranks above VPN/proxy, which rank
// above plain datacenter hosting.
const (
	geoTorScore        = 70.0
	geoVPNScore        = 45.0
	geoProxyScore      = 45.0
	geoDatacenterScore = 25.0
)

// countryRiskTier maps ISO country codes to an additive risk
// contribution. Everything absent is tier zero.
var countryRiskTier = map[string]float64{
	"KP": 30, "IR": 30,
	"RU": 20, "CN": 20, "BY": 20,
	"VN": 10, "BR": 10, "IN": 10, "NG": 10, "PK": 10,
}

// Weights controls the blend of the four sub-scores.
type Weights struct {
	ThreatIntel float64
	ML          float64
	Behavioral  float64
	Geo         float64
}

// DefaultWeights returns the production defaults.
func DefaultWeights() Weights {
	return Weights{ThreatIntel: 0.30, ML: 0.25, Behavioral: 0.25, Geo: 0.20}
}

func (w Weights) sum() float64 {
	return w.ThreatIntel + w.ML + w.Behavioral + w.Geo
}

// SubScores carries the four normalized [0,100] signal scores plus
// whether each had any supporting data behind it.
type SubScores struct {
	ThreatIntel    float64
	HasThreatIntel bool
	ML             float64
	HasML          bool
	Behavioral     float64
	HasBehavioral  bool
	Geo            float64
	HasGeo         bool
}

// Assessment is the fused result for one address at one point in time.
type Assessment struct {
	Score      float64           `json:"score"`
	Level      model.ThreatLevel `json:"level"`
	Confidence float64           `json:"confidence"`
	Sub        SubScores         `json:"sub_scores"`
}

// Composite fuses the four sub-scores into one [0,100] score. The blend
// is renormalized over the sub-scores that have supporting data, so a
// missing signal contributes neither score nor denominator weight; an
// absent signal is never a penalty. Confidence, not the score, reports
// how much data backed the result.
func Composite(s SubScores, w Weights) Assessment {
	if w.sum() <= 0 {
		w = DefaultWeights()
	}

	var weighted, total float64
	populated := 0
	blend := func(has bool, weight, sub float64) {
		if !has {
			return
		}
		populated++
		weighted += weight * clampScore(sub)
		total += weight
	}
	blend(s.HasThreatIntel, w.ThreatIntel, s.ThreatIntel)
	blend(s.HasML, w.ML, s.ML)
	blend(s.HasBehavioral, w.Behavioral, s.Behavioral)
	blend(s.HasGeo, w.Geo, s.Geo)

	var score float64
	if total > 0 {
		score = weighted / total
	}

	return Assessment{
		Score:      score,
		Level:      LevelFor(score),
		Confidence: float64(populated) / 4.0,
		Sub:        s,
	}
}

// LevelFor maps a composite score to its threat level band.
func LevelFor(score float64) model.ThreatLevel {
	switch {
	case score >= 85:
		return model.LevelCritical
	case score >= 70:
		return model.LevelHigh
	case score >= 40:
		return model.LevelModerate
	case score >= 20:
		return model.LevelLow
	default:
		return model.LevelClean
	}
}

// ThreatIntelScore blends the per-source reputation scores weighted by
// their confidence. A source with zero confidence contributes nothing.
func ThreatIntelScore(rec *model.GeoReputationRecord) (float64, bool) {
	if rec == nil || len(rec.ReputationScores) == 0 {
		return 0, false
	}

	var weighted, confSum float64
	for source, score := range rec.ReputationScores {
		conf := rec.ReputationConfidence[source]
		if conf <= 0 {
			continue
		}
		weighted += clampScore(score) * conf
		confSum += conf
	}
	if confSum == 0 {
		return 0, false
	}
	return weighted / confSum, true
}

// MLScore passes the classifier risk score through when the classifier
// produced output for the event.
func MLScore(event *model.AuthEvent) (float64, bool) {
	if event == nil || event.MLConfidence <= 0 {
		return 0, false
	}
	return clampScore(event.MLScore), true
}

// BehavioralScore derives a score from the short-window rolling
// statistics. Each contribution is independently capped and the sum
// saturates at 100.
func BehavioralScore(agg *model.AddressAggregate) (float64, bool) {
	if agg == nil || agg.AttemptCount == 0 {
		return 0, false
	}

	score := ramp(agg.FailureRate(), behavioralFailureRateKnee, behavioralFailureRateCap) +
		ramp(agg.VelocityPerMinute, behavioralVelocityKnee, behavioralVelocityCap) +
		ramp(float64(agg.DistinctUsernames), behavioralUsernamesKnee, behavioralUsernamesCap) +
		ramp(float64(agg.FailureCount), behavioralVolumeKnee, behavioralVolumeCap)

	return clampScore(score), true
}

// GeoScore scores anonymization flags plus the country risk tier,
// saturating at 100. Tor dominates; overlapping flags do not stack VPN
// on top of proxy.
func GeoScore(rec *model.GeoReputationRecord) (float64, bool) {
	if rec == nil || rec.GeoRefreshedAt.IsZero() {
		return 0, false
	}

	var score float64
	switch {
	case rec.IsTor:
		score = geoTorScore
	case rec.IsVPN:
		score = geoVPNScore
	case rec.IsProxy:
		score = geoProxyScore
	case rec.IsDatacenter:
		score = geoDatacenterScore
	}

	score += countryRiskTier[rec.Country]
	return clampScore(score), true
}

// ramp scales value linearly against knee up to limit.
func ramp(value, knee, limit float64) float64 {
	if value <= 0 {
		return 0
	}
	if value >= knee {
		return limit
	}
	return limit * value / knee
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

package blocking

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"authwatch/internal/model"
	"authwatch/internal/risk"
)

// ErrRuleCondition marks a rule whose stored conditions blob cannot be
// decoded or validated. The engine skips such rules and keeps going.
var ErrRuleCondition = errors.New("malformed rule condition")

// Input is everything a rule condition may inspect for one address.
type Input struct {
	Address        string
	Assessment     *risk.Assessment
	Aggregates     map[time.Duration]*model.AddressAggregate
	Geo            *model.GeoReputationRecord
	TriggerEventID string
}

// aggregateFor picks the rolling window closest to the rule's own window.
func (in *Input) aggregateFor(windowMinutes int) *model.AddressAggregate {
	if time.Duration(windowMinutes)*time.Minute <= risk.WindowShort {
		return in.Aggregates[risk.WindowShort]
	}
	return in.Aggregates[risk.WindowLong]
}

// condition is one typed variant of the rule conditions union.
type condition interface {
	evaluate(in *Input) (matched bool, reason string)
}

// BruteForceCondition matches repeated authentication failures within a
// window.
type BruteForceCondition struct {
	FailureThreshold int64 `json:"failure_threshold"`
	WindowMinutes    int   `json:"window_minutes"`
}

func (c *BruteForceCondition) validate() error {
	if c.FailureThreshold <= 0 || c.WindowMinutes <= 0 {
		return fmt.Errorf("%w: brute_force requires positive failure_threshold and window_minutes", ErrRuleCondition)
	}
	return nil
}

func (c *BruteForceCondition) evaluate(in *Input) (bool, string) {
	agg := in.aggregateFor(c.WindowMinutes)
	if agg == nil || agg.FailureCount < c.FailureThreshold {
		return false, ""
	}
	return true, fmt.Sprintf("%d failed attempts in %d minutes", agg.FailureCount, c.WindowMinutes)
}

// ThreatThresholdCondition matches a composite assessment at or above a
// minimum level with sufficient confidence.
type ThreatThresholdCondition struct {
	MinLevel      model.ThreatLevel `json:"min_level"`
	MinConfidence float64           `json:"min_confidence"`
}

func (c *ThreatThresholdCondition) validate() error {
	if c.MinLevel.Rank() < 0 {
		return fmt.Errorf("%w: unknown min_level %q", ErrRuleCondition, c.MinLevel)
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("%w: min_confidence must be in [0,1]", ErrRuleCondition)
	}
	return nil
}

func (c *ThreatThresholdCondition) evaluate(in *Input) (bool, string) {
	if in.Assessment == nil {
		return false, ""
	}
	a := in.Assessment
	if a.Level.Rank() < c.MinLevel.Rank() || a.Confidence < c.MinConfidence {
		return false, ""
	}
	return true, fmt.Sprintf("threat level %s at score %.1f (confidence %.2f)", a.Level, a.Score, a.Confidence)
}

// UsernameProbingCondition matches many distinct usernames tried from
// one address within a window.
type UsernameProbingCondition struct {
	DistinctUsernames int64 `json:"distinct_usernames"`
	WindowMinutes     int   `json:"window_minutes"`
}

func (c *UsernameProbingCondition) validate() error {
	if c.DistinctUsernames <= 0 || c.WindowMinutes <= 0 {
		return fmt.Errorf("%w: username_probing requires positive distinct_usernames and window_minutes", ErrRuleCondition)
	}
	return nil
}

func (c *UsernameProbingCondition) evaluate(in *Input) (bool, string) {
	agg := in.aggregateFor(c.WindowMinutes)
	if agg == nil || agg.DistinctUsernames < c.DistinctUsernames {
		return false, ""
	}
	return true, fmt.Sprintf("%d distinct usernames probed in %d minutes", agg.DistinctUsernames, c.WindowMinutes)
}

// AnonymizerCondition matches connections arriving through anonymizing
// infrastructure.
type AnonymizerCondition struct {
	BlockTor   bool `json:"block_tor"`
	BlockVPN   bool `json:"block_vpn"`
	BlockProxy bool `json:"block_proxy"`
}

func (c *AnonymizerCondition) validate() error {
	if !c.BlockTor && !c.BlockVPN && !c.BlockProxy {
		return fmt.Errorf("%w: anonymizer requires at least one flag", ErrRuleCondition)
	}
	return nil
}

func (c *AnonymizerCondition) evaluate(in *Input) (bool, string) {
	if in.Geo == nil {
		return false, ""
	}
	switch {
	case c.BlockTor && in.Geo.IsTor:
		return true, "connection via tor exit node"
	case c.BlockVPN && in.Geo.IsVPN:
		return true, "connection via vpn endpoint"
	case c.BlockProxy && in.Geo.IsProxy:
		return true, "connection via open proxy"
	}
	return false, ""
}

// decodeCondition turns the stored conditions blob into its typed
// variant, dispatching on rule_type.
func decodeCondition(rule *model.BlockingRule) (condition, error) {
	var (
		cond interface {
			condition
			validate() error
		}
	)

	switch rule.RuleType {
	case model.RuleBruteForce:
		cond = &BruteForceCondition{}
	case model.RuleThreatThreshold:
		cond = &ThreatThresholdCondition{}
	case model.RuleUsernameProbing:
		cond = &UsernameProbingCondition{}
	case model.RuleAnonymizer:
		cond = &AnonymizerCondition{}
	default:
		return nil, fmt.Errorf("%w: unknown rule_type %q", ErrRuleCondition, rule.RuleType)
	}

	if err := json.Unmarshal([]byte(rule.Conditions), cond); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRuleCondition, err)
	}
	if err := cond.validate(); err != nil {
		return nil, err
	}
	return cond, nil
}

// ValidateRule checks that a rule's stored conditions blob decodes and
// validates for its rule_type; used before persisting operator input.
func ValidateRule(rule *model.BlockingRule) error {
	_, err := decodeCondition(rule)
	return err
}

// EncodeCondition serializes a typed condition for storage; used by the
// operator rule-creation path.
func EncodeCondition(cond any) (string, error) {
	raw, err := json.Marshal(cond)
	if err != nil {
		return "", fmt.Errorf("failed to encode rule condition: %w", err)
	}
	return string(raw), nil
}

package model

import (
	"context"
	"time"
)

// -------------------- EVENT MODEL --------------------

// EventStatus tracks how far an AuthEvent has moved through the pipeline.
// The status only ever advances: pending -> geo_done -> risk_done -> evaluated.
type EventStatus string

const (
	StatusPending   EventStatus = "pending"
	StatusGeoDone   EventStatus = "geo_done"
	StatusRiskDone  EventStatus = "risk_done"
	StatusEvaluated EventStatus = "evaluated"
)

// rank orders statuses so advancement can be enforced.
func (s EventStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusGeoDone:
		return 1
	case StatusRiskDone:
		return 2
	case StatusEvaluated:
		return 3
	}
	return -1
}

// CanAdvanceTo reports whether moving to next is a forward transition.
func (s EventStatus) CanAdvanceTo(next EventStatus) bool {
	return next.rank() > s.rank()
}

type EventOutcome string

const (
	OutcomeFailure     EventOutcome = "failure"
	OutcomeSuccess     EventOutcome = "success"
	OutcomeInvalidUser EventOutcome = "invalid_user"
	OutcomeDisconnect  EventOutcome = "disconnect"
)

// AuthEvent is one SSH authentication attempt. Rows are immutable except
// for the enrichment-derived fields and status; they are never deleted.
type AuthEvent struct {
	EventID    string       `json:"event_id" db:"event_id"`
	Bucket     int          `json:"event_bucket" db:"event_bucket"`
	Address    string       `json:"address" db:"address"`
	Port       int          `json:"port" db:"port"`
	TargetHost string       `json:"target_host" db:"target_host"`
	Username   string       `json:"username" db:"username"`
	AuthMethod string       `json:"auth_method" db:"auth_method"`
	Outcome    EventOutcome `json:"outcome" db:"outcome"`
	Timestamp  time.Time    `json:"timestamp" db:"event_time"`
	Origin     string       `json:"origin" db:"origin"` // submitting agent id
	SourceFile string       `json:"source_file" db:"source_file"`
	RawLine    string       `json:"raw_line" db:"raw_line"`
	Status     EventStatus  `json:"status" db:"status"`

	// Classifier output, written by enrichment. MLConfidence zero means
	// the classifier was unavailable for this event.
	MLScore      float64 `json:"ml_score" db:"ml_score"`
	MLConfidence float64 `json:"ml_confidence" db:"ml_confidence"`
	IsAnomaly    bool    `json:"is_anomaly" db:"is_anomaly"`

	// Composite result, written by the risk evaluator.
	RiskScore      float64     `json:"risk_score" db:"risk_score"`
	RiskConfidence float64     `json:"risk_confidence" db:"risk_confidence"`
	ThreatLevel    ThreatLevel `json:"threat_level" db:"threat_level"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ThreatLevel is the banded form of the composite score.
type ThreatLevel string

const (
	LevelClean    ThreatLevel = "CLEAN"
	LevelLow      ThreatLevel = "LOW"
	LevelModerate ThreatLevel = "MODERATE"
	LevelHigh     ThreatLevel = "HIGH"
	LevelCritical ThreatLevel = "CRITICAL"
)

// Rank orders threat levels for min-level rule conditions.
func (l ThreatLevel) Rank() int {
	switch l {
	case LevelClean:
		return 0
	case LevelLow:
		return 1
	case LevelModerate:
		return 2
	case LevelHigh:
		return 3
	case LevelCritical:
		return 4
	}
	return -1
}

// -------------------- GEO / REPUTATION MODEL --------------------

// GeoReputationRecord caches per-address location and reputation
// attributes. Geo and reputation fields are refreshed independently;
// a failed lookup from one source never clears data from the other.
type GeoReputationRecord struct {
	Address     string  `json:"address"`
	Country     string  `json:"country"`
	CountryName string  `json:"country_name"`
	City        string  `json:"city"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	ASN         int     `json:"asn"`
	ASNOrg      string  `json:"asn_org"`

	IsProxy      bool `json:"is_proxy"`
	IsVPN        bool `json:"is_vpn"`
	IsTor        bool `json:"is_tor"`
	IsDatacenter bool `json:"is_datacenter"`

	// Per-source reputation scores in [0,100] with their confidences
	// in [0,1], keyed by source name.
	ReputationScores     map[string]float64 `json:"reputation_scores"`
	ReputationConfidence map[string]float64 `json:"reputation_confidence"`

	GeoConfidence float64 `json:"geo_confidence"`

	GeoRefreshedAt  time.Time `json:"geo_refreshed_at"`
	GeoRefreshAfter time.Time `json:"geo_refresh_after"`
	RepRefreshedAt  time.Time `json:"rep_refreshed_at"`
	RepRefreshAfter time.Time `json:"rep_refresh_after"`
}

// GeoFresh reports whether the geolocation half is still within TTL.
func (r *GeoReputationRecord) GeoFresh(now time.Time) bool {
	return !r.GeoRefreshedAt.IsZero() && now.Before(r.GeoRefreshAfter)
}

// RepFresh reports whether the reputation half is still within TTL.
func (r *GeoReputationRecord) RepFresh(now time.Time) bool {
	return !r.RepRefreshedAt.IsZero() && now.Before(r.RepRefreshAfter)
}

// -------------------- ADDRESS AGGREGATE --------------------

// AddressAggregate is the rolling per-address statistics for one window.
type AddressAggregate struct {
	Address           string        `json:"address"`
	Window            time.Duration `json:"window"`
	AttemptCount      int64         `json:"attempt_count"`
	FailureCount      int64         `json:"failure_count"`
	DistinctUsernames int64         `json:"distinct_usernames"`
	DistinctTargets   int64         `json:"distinct_targets"`
	VelocityPerMinute float64       `json:"velocity_per_minute"`
	TimeSinceLast     time.Duration `json:"time_since_last"`
}

// FailureRate returns failures as a fraction of attempts in [0,1].
func (a *AddressAggregate) FailureRate() float64 {
	if a.AttemptCount == 0 {
		return 0
	}
	return float64(a.FailureCount) / float64(a.AttemptCount)
}

// -------------------- BLOCKING RULES --------------------

type RuleType string

const (
	RuleBruteForce      RuleType = "brute_force"
	RuleThreatThreshold RuleType = "threat_threshold"
	RuleUsernameProbing RuleType = "username_probing"
	RuleAnonymizer      RuleType = "anonymizer"
)

// BlockingRule is a named, prioritized, toggleable condition + action.
// Conditions is a JSON blob decoded against RuleType by the blocking
// engine. Disabled rules are retained and skipped, never deleted.
type BlockingRule struct {
	RuleID     string   `json:"rule_id" db:"rule_id"`
	Seq        int64    `json:"seq" db:"seq"` // creation order, tie-break
	Name       string   `json:"name" db:"name"`
	RuleType   RuleType `json:"rule_type" db:"rule_type"`
	Conditions string   `json:"conditions" db:"conditions"`
	Enabled    bool     `json:"enabled" db:"enabled"`
	Priority   int      `json:"priority" db:"priority"`

	// Action: how long a triggered block lasts. Zero means permanent.
	BlockDuration time.Duration `json:"block_duration" db:"block_duration"`
	AutoUnblock   bool          `json:"auto_unblock" db:"auto_unblock"`

	// Counters are storage-side; these fields are read-only mirrors.
	TimesTriggered   int64      `json:"times_triggered" db:"times_triggered"`
	AddressesBlocked int64      `json:"addresses_blocked" db:"addresses_blocked"`
	LastTriggeredAt  *time.Time `json:"last_triggered_at,omitempty" db:"last_triggered_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// -------------------- BLOCKS & AUDIT --------------------

// AddressBlock is one blocking decision. Invariant: at most one active
// block per address at any time. Rows are never deleted; re-blocking an
// address after expiry creates a new row.
type AddressBlock struct {
	BlockID        string     `json:"block_id" db:"block_id"`
	Address        string     `json:"address" db:"address"`
	Reason         string     `json:"reason" db:"reason"`
	RuleID         string     `json:"rule_id,omitempty" db:"rule_id"`                   // empty for manual blocks
	TriggerEventID string     `json:"trigger_event_id,omitempty" db:"trigger_event_id"` // empty for manual blocks
	Active         bool       `json:"active" db:"active"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	ScheduledAt    *time.Time `json:"scheduled_unblock_at,omitempty" db:"scheduled_unblock_at"` // nil = permanent
	AutoUnblock    bool       `json:"auto_unblock" db:"auto_unblock"`

	UnblockedAt   *time.Time `json:"unblocked_at,omitempty" db:"unblocked_at"`
	UnblockedBy   string     `json:"unblocked_by,omitempty" db:"unblocked_by"`
	UnblockReason string     `json:"unblock_reason,omitempty" db:"unblock_reason"`
}

// Permanent reports whether the block has no scheduled unblock time.
func (b *AddressBlock) Permanent() bool {
	return b.ScheduledAt == nil
}

// Expired reports whether a sweep at now should deactivate the block.
func (b *AddressBlock) Expired(now time.Time) bool {
	return b.Active && b.AutoUnblock && b.ScheduledAt != nil && !now.Before(*b.ScheduledAt)
}

type BlockActionType string

const (
	ActionBlock   BlockActionType = "block"
	ActionUnblock BlockActionType = "unblock"
	ActionExpire  BlockActionType = "expire"
)

// BlockAction is one append-only audit row per block/unblock transition.
type BlockAction struct {
	ActionID  string          `json:"action_id" db:"action_id"`
	Address   string          `json:"address" db:"address"`
	BlockID   string          `json:"block_id" db:"block_id"`
	Action    BlockActionType `json:"action" db:"action"`
	Actor     string          `json:"actor" db:"actor"` // "engine", "sweeper" or operator name
	Reason    string          `json:"reason" db:"reason"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// -------------------- INGESTION --------------------

// BatchReceipt records one accepted agent batch; a replayed batch id
// resolves to the stored receipt instead of inserting rows again.
type BatchReceipt struct {
	BatchID    string    `json:"batch_id" db:"batch_id"`
	ReceiptID  string    `json:"receipt_id" db:"receipt_id"`
	Origin     string    `json:"origin" db:"origin"`
	Accepted   int       `json:"accepted" db:"accepted"`
	Failed     int       `json:"failed" db:"failed"`
	Completed  bool      `json:"completed" db:"completed"`
	ReceivedAt time.Time `json:"received_at" db:"received_at"`
}

// AgentCredential authenticates a submitting agent. The secret is stored
// as an argon2 hash; an envelope-encrypted copy is retained for one-time
// operator retrieval.
type AgentCredential struct {
	AgentID         string    `json:"agent_id" db:"agent_id"`
	SecretHash      string    `json:"-" db:"secret_hash"`
	SecretEncrypted string    `json:"-" db:"secret_encrypted"`
	Description     string    `json:"description" db:"description"`
	Enabled         bool      `json:"enabled" db:"enabled"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// -------------------- REPOSITORY INTERFACES --------------------

// EventRepository persists AuthEvents in the canonical store.
type EventRepository interface {
	InsertEvents(ctx context.Context, events []*AuthEvent) error
	GetEvent(ctx context.Context, eventID string) (*AuthEvent, error)
	AdvanceStatus(ctx context.Context, event *AuthEvent, next EventStatus) error
	ListByAddress(ctx context.Context, address string, limit int) ([]*AuthEvent, error)
}

// ReceiptRepository provides batch-id idempotency.
type ReceiptRepository interface {
	// Claim atomically registers a batch id. claimed=false means the
	// batch was seen before and existing holds its receipt.
	Claim(ctx context.Context, batchID, origin, receiptID string) (claimed bool, existing *BatchReceipt, err error)
	Complete(ctx context.Context, batchID string, accepted, failed int) error
	Get(ctx context.Context, batchID string) (*BatchReceipt, error)
}

// BlockRepository owns the block lifecycle. AcquireActive must be
// linearizable per address: concurrent callers for one address see
// exactly one acquired=true.
type BlockRepository interface {
	AcquireActive(ctx context.Context, block *AddressBlock) (acquired bool, err error)
	GetActive(ctx context.Context, address string) (*AddressBlock, error)
	Deactivate(ctx context.Context, address, blockID, actor, reason string, at time.Time) error
	ListActive(ctx context.Context, limit int) ([]*AddressBlock, error)
	ListByAddress(ctx context.Context, address string, limit int) ([]*AddressBlock, error)
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*AddressBlock, error)
}

// RuleRepository stores blocking rules and their trigger counters.
type RuleRepository interface {
	CreateRule(ctx context.Context, rule *BlockingRule) error
	GetRule(ctx context.Context, ruleID string) (*BlockingRule, error)
	ListRules(ctx context.Context) ([]*BlockingRule, error)
	ListEnabled(ctx context.Context) ([]*BlockingRule, error)
	SetEnabled(ctx context.Context, ruleID string, enabled bool) error
	// RecordTrigger bumps times_triggered (and addresses_blocked when
	// newAddress) atomically in the storage layer.
	RecordTrigger(ctx context.Context, ruleID string, newAddress bool, at time.Time) error
}

// ActionRepository is the append-only block audit log.
type ActionRepository interface {
	Append(ctx context.Context, action *BlockAction) error
	ListByAddress(ctx context.Context, address string, limit int) ([]*BlockAction, error)
}

// CredentialRepository stores agent credentials.
type CredentialRepository interface {
	Create(ctx context.Context, cred *AgentCredential) error
	GetByAgentID(ctx context.Context, agentID string) (*AgentCredential, error)
}

// GeoReputationCache is the TTL cache in front of external lookups.
type GeoReputationCache interface {
	Get(ctx context.Context, address string) (*GeoReputationRecord, error)
	Put(ctx context.Context, record *GeoReputationRecord) error
}

// AggregateRecorder feeds rolling counters at ingest time.
type AggregateRecorder interface {
	RecordEvent(ctx context.Context, event *AuthEvent) error
}

// AggregateProvider computes rolling address statistics for a window.
type AggregateProvider interface {
	Aggregate(ctx context.Context, address string, window time.Duration) (*AddressAggregate, error)
}

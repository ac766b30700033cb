package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"authwatch/internal/model"
	"authwatch/internal/util"
)

const (
	stmtInsertRule = `
    INSERT INTO blocking_rules (
        rule_id, seq, name, rule_type, conditions, enabled, priority,
        block_duration_seconds, auto_unblock, last_triggered_at, created_at
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	stmtGetRule = `
    SELECT rule_id, seq, name, rule_type, conditions, enabled, priority,
        block_duration_seconds, auto_unblock, last_triggered_at, created_at
    FROM blocking_rules WHERE rule_id = ?`

	stmtListRules = `
    SELECT rule_id, seq, name, rule_type, conditions, enabled, priority,
        block_duration_seconds, auto_unblock, last_triggered_at, created_at
    FROM blocking_rules`

	stmtSetRuleEnabled = `
    UPDATE blocking_rules SET enabled = ? WHERE rule_id = ?`

	stmtTouchRuleTriggered = `
    UPDATE blocking_rules SET last_triggered_at = ? WHERE rule_id = ?`

	// Separate counter table; counter columns cannot share a table with
	// regular columns.
	stmtBumpTriggered = `
    UPDATE rule_counters SET times_triggered = times_triggered + 1
    WHERE rule_id = ?`

	stmtBumpTriggeredAndBlocked = `
    UPDATE rule_counters SET times_triggered = times_triggered + 1,
        addresses_blocked = addresses_blocked + 1
    WHERE rule_id = ?`

	stmtGetRuleCounters = `
    SELECT times_triggered, addresses_blocked
    FROM rule_counters WHERE rule_id = ?`
)

// RuleRepository stores blocking rules plus their trigger counters.
// Rules are toggled, never deleted, so their counters keep their
// history.
type RuleRepository struct {
	client *ScyllaClient
}

func NewRuleRepository(client *ScyllaClient, logger *zap.Logger) *RuleRepository {
	return &RuleRepository{client: client}
}

func (r *RuleRepository) CreateRule(ctx context.Context, rule *model.BlockingRule) error {
	if rule.Seq == 0 {
		rule.Seq = rule.CreatedAt.UnixNano()
	}

	err := r.client.Query(stmtInsertRule,
		rule.RuleID, rule.Seq, rule.Name, string(rule.RuleType),
		rule.Conditions, rule.Enabled, rule.Priority,
		int64(rule.BlockDuration.Seconds()), rule.AutoUnblock,
		rule.LastTriggeredAt, rule.CreatedAt).
		WithContext(ctx).Exec()
	if err != nil {
		util.Error("Failed to create blocking rule",
			zap.String("rule_id", rule.RuleID),
			zap.String("rule_type", string(rule.RuleType)),
			zap.Error(err))
		return fmt.Errorf("failed to create blocking rule: %w", err)
	}

	return nil
}

func (r *RuleRepository) GetRule(ctx context.Context, ruleID string) (*model.BlockingRule, error) {
	rule, err := r.scanRule(r.client.Query(stmtGetRule, ruleID).WithContext(ctx))
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, fmt.Errorf("rule not found: %s", ruleID)
		}
		util.Error("Failed to get blocking rule",
			zap.String("rule_id", ruleID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get blocking rule: %w", err)
	}

	r.loadCounters(ctx, rule)
	return rule, nil
}

func (r *RuleRepository) ListRules(ctx context.Context) ([]*model.BlockingRule, error) {
	iter := r.client.Query(stmtListRules).WithContext(ctx).Iter()

	var rules []*model.BlockingRule
	for {
		rule, ok := r.scanRuleIter(iter)
		if !ok {
			break
		}
		rules = append(rules, rule)
	}

	if err := iter.Close(); err != nil {
		util.Error("Failed to list blocking rules", zap.Error(err))
		return nil, fmt.Errorf("failed to list blocking rules: %w", err)
	}

	for _, rule := range rules {
		r.loadCounters(ctx, rule)
	}
	return rules, nil
}

func (r *RuleRepository) ListEnabled(ctx context.Context) ([]*model.BlockingRule, error) {
	rules, err := r.ListRules(ctx)
	if err != nil {
		return nil, err
	}

	enabled := rules[:0]
	for _, rule := range rules {
		if rule.Enabled {
			enabled = append(enabled, rule)
		}
	}
	return enabled, nil
}

func (r *RuleRepository) SetEnabled(ctx context.Context, ruleID string, enabled bool) error {
	err := r.client.Query(stmtSetRuleEnabled, enabled, ruleID).
		WithContext(ctx).Exec()
	if err != nil {
		util.Error("Failed to toggle blocking rule",
			zap.String("rule_id", ruleID),
			zap.Bool("enabled", enabled),
			zap.Error(err))
		return fmt.Errorf("failed to toggle blocking rule: %w", err)
	}

	return nil
}

func (r *RuleRepository) RecordTrigger(ctx context.Context, ruleID string, newAddress bool, at time.Time) error {
	stmt := stmtBumpTriggered
	if newAddress {
		stmt = stmtBumpTriggeredAndBlocked
	}

	if err := r.client.Query(stmt, ruleID).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("failed to bump rule counters: %w", err)
	}

	if err := r.client.Query(stmtTouchRuleTriggered, at, ruleID).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("failed to record rule trigger time: %w", err)
	}

	return nil
}

func (r *RuleRepository) scanRule(query *gocql.Query) (*model.BlockingRule, error) {
	rule := &model.BlockingRule{}
	var ruleType string
	var durationSeconds int64
	var lastTriggered *time.Time

	err := query.Scan(
		&rule.RuleID, &rule.Seq, &rule.Name, &ruleType, &rule.Conditions,
		&rule.Enabled, &rule.Priority, &durationSeconds, &rule.AutoUnblock,
		&lastTriggered, &rule.CreatedAt)
	if err != nil {
		return nil, err
	}

	rule.RuleType = model.RuleType(ruleType)
	rule.BlockDuration = time.Duration(durationSeconds) * time.Second
	rule.LastTriggeredAt = lastTriggered
	return rule, nil
}

func (r *RuleRepository) scanRuleIter(iter *gocql.Iter) (*model.BlockingRule, bool) {
	rule := &model.BlockingRule{}
	var ruleType string
	var durationSeconds int64
	var lastTriggered *time.Time

	if !iter.Scan(
		&rule.RuleID, &rule.Seq, &rule.Name, &ruleType, &rule.Conditions,
		&rule.Enabled, &rule.Priority, &durationSeconds, &rule.AutoUnblock,
		&lastTriggered, &rule.CreatedAt) {
		return nil, false
	}

	rule.RuleType = model.RuleType(ruleType)
	rule.BlockDuration = time.Duration(durationSeconds) * time.Second
	rule.LastTriggeredAt = lastTriggered
	return rule, true
}

// loadCounters fills the read-only counter mirrors; a missing counter
// row just means the rule has never fired.
func (r *RuleRepository) loadCounters(ctx context.Context, rule *model.BlockingRule) {
	err := r.client.Query(stmtGetRuleCounters, rule.RuleID).
		WithContext(ctx).
		Scan(&rule.TimesTriggered, &rule.AddressesBlocked)
	if err != nil && err != gocql.ErrNotFound {
		util.Warn("Failed to load rule counters",
			zap.String("rule_id", rule.RuleID),
			zap.Error(err))
	}
}

package blocking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"authwatch/internal/model"
	"authwatch/internal/util"
)

var (
	// ErrDuplicateBlock means the address already carries an active
	// block. Callers treat it as a no-op success, not a failure.
	ErrDuplicateBlock = errors.New("address already blocked")

	// ErrNoActiveBlock is returned by lookups when nothing is active.
	ErrNoActiveBlock = errors.New("no active block for address")
)

// Actors recorded in the audit trail for non-operator transitions.
const (
	ActorEngine  = "engine"
	ActorSweeper = "sweeper"
)

// Directive is one allow/deny instruction for the external enforcer.
type Directive struct {
	Address  string    `json:"address"`
	Action   string    `json:"action"` // "deny" or "allow"
	BlockID  string    `json:"block_id,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	IssuedAt time.Time `json:"issued_at"`
}

// DirectivePublisher hands directives to the enforcement queue.
type DirectivePublisher interface {
	PublishDirective(ctx context.Context, d Directive) error
}

// Notifier is the best-effort alert sink. Delivery failure never rolls
// back a block.
type Notifier interface {
	Notify(ctx context.Context, summary, severity string) error
}

// Decision is the outcome of one rule evaluation pass.
type Decision struct {
	ShouldBlock bool                `json:"should_block"`
	Rule        *model.BlockingRule `json:"rule,omitempty"`
	Reason      string              `json:"reason,omitempty"`
	Duration    time.Duration       `json:"duration,omitempty"`
	AutoUnblock bool                `json:"auto_unblock,omitempty"`
}

// BlockRequest describes one block to apply, from the engine or an
// operator.
type BlockRequest struct {
	Address        string
	Reason         string
	Rule           *model.BlockingRule
	TriggerEventID string
	Duration       time.Duration // zero = permanent
	AutoUnblock    bool
	Actor          string
}

// Engine evaluates prioritized rules and manages the block lifecycle.
type Engine struct {
	rules      model.RuleRepository
	blocks     model.BlockRepository
	actions    model.ActionRepository
	directives DirectivePublisher
	notifier   Notifier
	logger     *zap.Logger
	now        func() time.Time
}

func NewEngine(
	rules model.RuleRepository,
	blocks model.BlockRepository,
	actions model.ActionRepository,
	directives DirectivePublisher,
	notifier Notifier,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		rules:      rules,
		blocks:     blocks,
		actions:    actions,
		directives: directives,
		notifier:   notifier,
		logger:     logger,
		now:        time.Now,
	}
}

// Evaluate runs the enabled rules against in, highest priority first
// (ties break toward the earlier-created rule), and stops at the first
// match. A malformed rule is skipped and evaluation continues.
func (e *Engine) Evaluate(ctx context.Context, in *Input) (Decision, error) {
	rules, err := e.rules.ListEnabled(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to load enabled rules: %w", err)
	}

	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].Seq < rules[j].Seq
	})

	for _, rule := range rules {
		cond, err := decodeCondition(rule)
		if err != nil {
			util.Warn("skipping rule with malformed condition",
				util.String("rule_id", rule.RuleID),
				util.String("rule_name", rule.Name),
				util.ErrorField(err))
			continue
		}

		matched, reason := cond.evaluate(in)
		if !matched {
			continue
		}

		util.Debug("rule matched",
			util.String("address", in.Address),
			util.String("rule_name", rule.Name),
			util.Int("priority", rule.Priority),
			util.String("reason", reason))

		return Decision{
			ShouldBlock: true,
			Rule:        rule,
			Reason:      reason,
			Duration:    rule.BlockDuration,
			AutoUnblock: rule.AutoUnblock,
		}, nil
	}

	return Decision{ShouldBlock: false}, nil
}

// Block applies one blocking decision. The active-block check and insert
// are a single linearizable storage operation, so concurrent triggers
// for one address produce exactly one active row. On a duplicate the
// existing block is returned alongside ErrDuplicateBlock and no
// counters, audit rows, or directives are touched.
func (e *Engine) Block(ctx context.Context, req BlockRequest) (*model.AddressBlock, error) {
	now := e.now().UTC()

	block := &model.AddressBlock{
		BlockID:        uuid.New().String(),
		Address:        req.Address,
		Reason:         req.Reason,
		TriggerEventID: req.TriggerEventID,
		Active:         true,
		CreatedAt:      now,
		AutoUnblock:    req.AutoUnblock,
	}
	if req.Rule != nil {
		block.RuleID = req.Rule.RuleID
	}
	if req.Duration > 0 {
		scheduled := now.Add(req.Duration)
		block.ScheduledAt = &scheduled
	}

	acquired, err := e.blocks.AcquireActive(ctx, block)
	if err != nil {
		return nil, fmt.Errorf("failed to insert block for %s: %w", req.Address, err)
	}
	if !acquired {
		existing, getErr := e.blocks.GetActive(ctx, req.Address)
		if getErr != nil {
			util.Warn("duplicate block detected but active row unreadable",
				util.String("address", req.Address),
				util.ErrorField(getErr))
		}
		util.Info("address already blocked, skipping",
			util.String("address", req.Address),
			util.String("actor", req.Actor))
		return existing, ErrDuplicateBlock
	}

	if req.Rule != nil {
		if err := e.rules.RecordTrigger(ctx, req.Rule.RuleID, e.firstBlockFor(ctx, block), now); err != nil {
			// The block itself stands; a lost counter increment is
			// log-only.
			util.Error("failed to record rule trigger",
				util.String("rule_id", req.Rule.RuleID),
				util.ErrorField(err))
		}
	}

	e.audit(ctx, &model.BlockAction{
		Address: req.Address,
		BlockID: block.BlockID,
		Action:  model.ActionBlock,
		Actor:   req.Actor,
		Reason:  req.Reason,
	})

	e.publish(ctx, Directive{
		Address:  req.Address,
		Action:   "deny",
		BlockID:  block.BlockID,
		Reason:   req.Reason,
		IssuedAt: now,
	})
	e.notify(ctx, fmt.Sprintf("blocked %s: %s", req.Address, req.Reason), severityFor(req))

	util.Info("address blocked",
		util.String("address", req.Address),
		util.String("block_id", block.BlockID),
		util.String("reason", req.Reason),
		util.String("actor", req.Actor),
		util.Bool("permanent", block.Permanent()))

	return block, nil
}

// Unblock deactivates the current active block. No active block is a
// quiet no-op, not an error.
func (e *Engine) Unblock(ctx context.Context, address, reason, actor string) error {
	active, err := e.blocks.GetActive(ctx, address)
	if err != nil {
		return fmt.Errorf("failed to look up active block for %s: %w", address, err)
	}
	if active == nil {
		util.Info("unblock requested but no active block",
			util.String("address", address),
			util.String("actor", actor))
		return nil
	}

	now := e.now().UTC()
	if err := e.blocks.Deactivate(ctx, address, active.BlockID, actor, reason, now); err != nil {
		return fmt.Errorf("failed to deactivate block for %s: %w", address, err)
	}

	e.audit(ctx, &model.BlockAction{
		Address: address,
		BlockID: active.BlockID,
		Action:  model.ActionUnblock,
		Actor:   actor,
		Reason:  reason,
	})

	e.publish(ctx, Directive{
		Address:  address,
		Action:   "allow",
		BlockID:  active.BlockID,
		Reason:   reason,
		IssuedAt: now,
	})

	util.Info("address unblocked",
		util.String("address", address),
		util.String("block_id", active.BlockID),
		util.String("actor", actor),
		util.String("reason", reason))

	return nil
}

// Check is the read-only active-block lookup for enforcement and the
// operator surface. Returns ErrNoActiveBlock when nothing is active.
func (e *Engine) Check(ctx context.Context, address string) (*model.AddressBlock, error) {
	block, err := e.blocks.GetActive(ctx, address)
	if err != nil {
		return nil, err
	}
	if block == nil {
		return nil, ErrNoActiveBlock
	}
	return block, nil
}

// HandleEvaluation is the pipeline entry point: evaluate the rules and,
// on a match, apply the block. A duplicate is success.
func (e *Engine) HandleEvaluation(ctx context.Context, in *Input) (Decision, error) {
	decision, err := e.Evaluate(ctx, in)
	if err != nil || !decision.ShouldBlock {
		return decision, err
	}

	_, err = e.Block(ctx, BlockRequest{
		Address:        in.Address,
		Reason:         decision.Reason,
		Rule:           decision.Rule,
		TriggerEventID: in.TriggerEventID,
		Duration:       decision.Duration,
		AutoUnblock:    decision.AutoUnblock,
		Actor:          ActorEngine,
	})
	if errors.Is(err, ErrDuplicateBlock) {
		return decision, nil
	}
	return decision, err
}

// firstBlockFor reports whether block is the first block this address
// has ever received, which is what distinguishes a rule's blocked-
// addresses counter from its trigger counter. The just-inserted block
// is already in the history, so anything else there means a repeat.
func (e *Engine) firstBlockFor(ctx context.Context, block *model.AddressBlock) bool {
	history, err := e.blocks.ListByAddress(ctx, block.Address, 2)
	if err != nil {
		util.Warn("could not read block history for rule counters",
			util.String("address", block.Address),
			util.ErrorField(err))
		return false
	}
	for _, prior := range history {
		if prior.BlockID != block.BlockID {
			return false
		}
	}
	return true
}

func (e *Engine) audit(ctx context.Context, action *model.BlockAction) {
	action.ActionID = uuid.New().String()
	action.CreatedAt = e.now().UTC()
	if err := e.actions.Append(ctx, action); err != nil {
		util.Error("failed to append block audit row",
			util.String("address", action.Address),
			util.String("action", string(action.Action)),
			util.ErrorField(err))
	}
}

func (e *Engine) publish(ctx context.Context, d Directive) {
	if e.directives == nil {
		return
	}
	if err := e.directives.PublishDirective(ctx, d); err != nil {
		util.Error("failed to publish enforcement directive",
			util.String("address", d.Address),
			util.String("action", d.Action),
			util.ErrorField(err))
	}
}

func (e *Engine) notify(ctx context.Context, summary, severity string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, summary, severity); err != nil {
		util.Warn("notification delivery failed",
			util.String("summary", summary),
			util.ErrorField(err))
	}
}

func severityFor(req BlockRequest) string {
	if req.Duration == 0 {
		return "critical"
	}
	return "warning"
}

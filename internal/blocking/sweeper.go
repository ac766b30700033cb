package blocking

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"authwatch/internal/model"
	"authwatch/internal/util"
)

const sweepBatchLimit = 500

// Sweeper periodically deactivates active blocks whose scheduled
// unblock time has passed. Permanent blocks are never swept, and each
// sweep is idempotent: an already-deactivated block is simply absent
// from the next scan.
type Sweeper struct {
	blocks     model.BlockRepository
	actions    model.ActionRepository
	directives DirectivePublisher
	interval   time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

func NewSweeper(
	blocks model.BlockRepository,
	actions model.ActionRepository,
	directives DirectivePublisher,
	interval time.Duration,
	logger *zap.Logger,
) *Sweeper {
	return &Sweeper{
		blocks:     blocks,
		actions:    actions,
		directives: directives,
		interval:   interval,
		logger:     logger,
		now:        time.Now,
	}
}

// Run sweeps on the configured interval until ctx is cancelled. Sweep
// errors are log-only; the next tick retries.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	util.Info("block sweeper started", util.Duration("interval", s.interval))

	for {
		select {
		case <-ctx.Done():
			util.Info("block sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				util.Error("sweep failed", util.ErrorField(err))
			}
		}
	}
}

// Sweep runs one pass and returns how many blocks it deactivated.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now().UTC()

	expired, err := s.blocks.ListExpired(ctx, now, sweepBatchLimit)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, block := range expired {
		if !block.Expired(now) {
			continue
		}

		if err := s.blocks.Deactivate(ctx, block.Address, block.BlockID, ActorSweeper, "block expired", now); err != nil {
			util.Error("failed to deactivate expired block",
				util.String("address", block.Address),
				util.String("block_id", block.BlockID),
				util.ErrorField(err))
			continue
		}
		swept++

		action := &model.BlockAction{
			ActionID:  uuid.New().String(),
			Address:   block.Address,
			BlockID:   block.BlockID,
			Action:    model.ActionExpire,
			Actor:     ActorSweeper,
			Reason:    "block expired",
			CreatedAt: now,
		}
		if err := s.actions.Append(ctx, action); err != nil {
			util.Error("failed to append expiry audit row",
				util.String("block_id", block.BlockID),
				util.ErrorField(err))
		}

		if s.directives != nil {
			d := Directive{
				Address:  block.Address,
				Action:   "allow",
				BlockID:  block.BlockID,
				Reason:   "block expired",
				IssuedAt: now,
			}
			if err := s.directives.PublishDirective(ctx, d); err != nil {
				util.Error("failed to publish expiry directive",
					util.String("address", block.Address),
					util.ErrorField(err))
			}
		}
	}

	if swept > 0 {
		util.Info("sweep deactivated expired blocks", util.Int("count", swept))
	}

	return swept, nil
}

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
	// Single-row-per-address table. The LWT insert is what enforces
	// at most one active block per address.
	stmtAcquireActiveBlock = `
    INSERT INTO active_block_by_address (
        address, block_id, reason, rule_id, trigger_event_id,
        created_at, scheduled_unblock_at, auto_unblock
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?) IF NOT EXISTS`

	stmtGetActiveBlock = `
    SELECT address, block_id, reason, rule_id, trigger_event_id,
        created_at, scheduled_unblock_at, auto_unblock
    FROM active_block_by_address WHERE address = ?`

	stmtReleaseActiveBlock = `
    DELETE FROM active_block_by_address WHERE address = ? IF block_id = ?`

	stmtListActiveBlocks = `
    SELECT address, block_id, reason, rule_id, trigger_event_id,
        created_at, scheduled_unblock_at, auto_unblock
    FROM active_block_by_address LIMIT ?`

	stmtInsertBlockHistory = `
    INSERT INTO address_blocks (
        address, block_id, reason, rule_id, trigger_event_id, active,
        created_at, scheduled_unblock_at, auto_unblock,
        unblocked_at, unblocked_by, unblock_reason
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	stmtCloseBlockHistory = `
    UPDATE address_blocks SET active = false, unblocked_at = ?,
        unblocked_by = ?, unblock_reason = ?
    WHERE address = ? AND block_id = ?`

	stmtListBlocksByAddress = `
    SELECT address, block_id, reason, rule_id, trigger_event_id, active,
        created_at, scheduled_unblock_at, auto_unblock,
        unblocked_at, unblocked_by, unblock_reason
    FROM address_blocks WHERE address = ? LIMIT ?`
)

// BlockRepository stores the block lifecycle across two tables: a
// one-row-per-address LWT table holding the current active block, and
// an append-only history partitioned by address. History rows are never
// deleted.
type BlockRepository struct {
	client *ScyllaClient
}

func NewBlockRepository(client *ScyllaClient, logger *zap.Logger) *BlockRepository {
	return &BlockRepository{client: client}
}

// AcquireActive attempts to make block the active block for its
// address. Exactly one of any set of concurrent callers for the same
// address observes acquired=true; the rest lose the LWT race and must
// treat the address as already blocked.
func (r *BlockRepository) AcquireActive(ctx context.Context, block *model.AddressBlock) (bool, error) {
	applied, err := r.client.Query(stmtAcquireActiveBlock,
		block.Address, block.BlockID, block.Reason, block.RuleID,
		block.TriggerEventID, block.CreatedAt, block.ScheduledAt,
		block.AutoUnblock).
		WithContext(ctx).
		ScanCAS(nil, nil, nil, nil, nil, nil, nil, nil)
	if err != nil {
		util.Error("Failed to acquire active block",
			zap.String("address", block.Address),
			zap.String("block_id", block.BlockID),
			zap.Error(err))
		return false, fmt.Errorf("failed to acquire active block: %w", err)
	}

	if !applied {
		return false, nil
	}

	// History row is written only after the LWT succeeded; a lost race
	// leaves no trace.
	err = r.client.Query(stmtInsertBlockHistory,
		block.Address, block.BlockID, block.Reason, block.RuleID,
		block.TriggerEventID, true, block.CreatedAt, block.ScheduledAt,
		block.AutoUnblock, nil, "", "").
		WithContext(ctx).Exec()
	if err != nil {
		util.Error("Failed to record block history",
			zap.String("address", block.Address),
			zap.String("block_id", block.BlockID),
			zap.Error(err))
		return true, fmt.Errorf("failed to record block history: %w", err)
	}

	block.Active = true
	return true, nil
}

// GetActive returns the active block for an address, or nil when the
// address is not blocked.
func (r *BlockRepository) GetActive(ctx context.Context, address string) (*model.AddressBlock, error) {
	block := &model.AddressBlock{Active: true}
	query := r.client.Query(stmtGetActiveBlock, address).WithContext(ctx)

	err := query.Scan(
		&block.Address, &block.BlockID, &block.Reason, &block.RuleID,
		&block.TriggerEventID, &block.CreatedAt, &block.ScheduledAt,
		&block.AutoUnblock)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		util.Error("Failed to get active block",
			zap.String("address", address),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get active block: %w", err)
	}

	return block, nil
}

// Deactivate releases the active block for an address and closes its
// history row. The delete is conditional on block_id so a stale caller
// cannot release a newer block.
func (r *BlockRepository) Deactivate(ctx context.Context, address, blockID, actor, reason string, at time.Time) error {
	applied, err := r.client.Query(stmtReleaseActiveBlock, address, blockID).
		WithContext(ctx).
		ScanCAS(nil)
	if err != nil {
		util.Error("Failed to release active block",
			zap.String("address", address),
			zap.String("block_id", blockID),
			zap.Error(err))
		return fmt.Errorf("failed to release active block: %w", err)
	}
	if !applied {
		return fmt.Errorf("block %s is not the active block for %s", blockID, address)
	}

	err = r.client.Query(stmtCloseBlockHistory,
		at, actor, reason, address, blockID).
		WithContext(ctx).Exec()
	if err != nil {
		util.Error("Failed to close block history",
			zap.String("address", address),
			zap.String("block_id", blockID),
			zap.Error(err))
		return fmt.Errorf("failed to close block history: %w", err)
	}

	return nil
}

func (r *BlockRepository) ListActive(ctx context.Context, limit int) ([]*model.AddressBlock, error) {
	if limit <= 0 {
		limit = 1000
	}

	iter := r.client.Query(stmtListActiveBlocks, limit).WithContext(ctx).Iter()

	var blocks []*model.AddressBlock
	for {
		block := &model.AddressBlock{Active: true}
		if !iter.Scan(
			&block.Address, &block.BlockID, &block.Reason, &block.RuleID,
			&block.TriggerEventID, &block.CreatedAt, &block.ScheduledAt,
			&block.AutoUnblock) {
			break
		}
		blocks = append(blocks, block)
	}

	if err := iter.Close(); err != nil {
		util.Error("Failed to list active blocks", zap.Error(err))
		return nil, fmt.Errorf("failed to list active blocks: %w", err)
	}

	return blocks, nil
}

func (r *BlockRepository) ListByAddress(ctx context.Context, address string, limit int) ([]*model.AddressBlock, error) {
	if limit <= 0 {
		limit = 100
	}

	iter := r.client.Query(stmtListBlocksByAddress, address, limit).WithContext(ctx).Iter()

	var blocks []*model.AddressBlock
	for {
		block := &model.AddressBlock{}
		var unblockedAt *time.Time
		if !iter.Scan(
			&block.Address, &block.BlockID, &block.Reason, &block.RuleID,
			&block.TriggerEventID, &block.Active, &block.CreatedAt,
			&block.ScheduledAt, &block.AutoUnblock, &unblockedAt,
			&block.UnblockedBy, &block.UnblockReason) {
			break
		}
		block.UnblockedAt = unblockedAt
		blocks = append(blocks, block)
	}

	if err := iter.Close(); err != nil {
		util.Error("Failed to list blocks by address",
			zap.String("address", address),
			zap.Error(err))
		return nil, fmt.Errorf("failed to list blocks by address: %w", err)
	}

	return blocks, nil
}

// ListExpired scans the active table for blocks whose scheduled unblock
// time has passed. Filtering happens client-side; the active table is
// bounded by the number of concurrently blocked addresses.
func (r *BlockRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*model.AddressBlock, error) {
	active, err := r.ListActive(ctx, 0)
	if err != nil {
		return nil, err
	}

	var expired []*model.AddressBlock
	for _, block := range active {
		if block.Expired(now) {
			expired = append(expired, block)
			if limit > 0 && len(expired) >= limit {
				break
			}
		}
	}

	return expired, nil
}

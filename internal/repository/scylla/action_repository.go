package scylla

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"authwatch/internal/model"
	"authwatch/internal/util"
)

const (
	stmtAppendAction = `
    INSERT INTO block_actions (
        address, created_at, action_id, block_id, action, actor, reason
    ) VALUES (?, ?, ?, ?, ?, ?, ?)`

	stmtListActionsByAddress = `
    SELECT address, created_at, action_id, block_id, action, actor, reason
    FROM block_actions WHERE address = ? LIMIT ?`
)

// ActionRepository is the append-only audit log for block transitions,
// partitioned by address and clustered newest-first.
type ActionRepository struct {
	client *ScyllaClient
}

func NewActionRepository(client *ScyllaClient, logger *zap.Logger) *ActionRepository {
	return &ActionRepository{client: client}
}

func (r *ActionRepository) Append(ctx context.Context, action *model.BlockAction) error {
	err := r.client.Query(stmtAppendAction,
		action.Address, action.CreatedAt, action.ActionID, action.BlockID,
		string(action.Action), action.Actor, action.Reason).
		WithContext(ctx).Exec()
	if err != nil {
		util.Error("Failed to append block action",
			zap.String("address", action.Address),
			zap.String("action", string(action.Action)),
			zap.Error(err))
		return fmt.Errorf("failed to append block action: %w", err)
	}

	return nil
}

func (r *ActionRepository) ListByAddress(ctx context.Context, address string, limit int) ([]*model.BlockAction, error) {
	if limit <= 0 {
		limit = 100
	}

	iter := r.client.Query(stmtListActionsByAddress, address, limit).WithContext(ctx).Iter()

	var actions []*model.BlockAction
	for {
		action := &model.BlockAction{}
		var actionType string
		if !iter.Scan(
			&action.Address, &action.CreatedAt, &action.ActionID,
			&action.BlockID, &actionType, &action.Actor, &action.Reason) {
			break
		}
		action.Action = model.BlockActionType(actionType)
		actions = append(actions, action)
	}

	if err := iter.Close(); err != nil {
		util.Error("Failed to list block actions",
			zap.String("address", address),
			zap.Error(err))
		return nil, fmt.Errorf("failed to list block actions: %w", err)
	}

	return actions, nil
}

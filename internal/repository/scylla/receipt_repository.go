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
	// LWT claim makes batch replay detection race-free across server
	// instances.
	stmtClaimReceipt = `
    INSERT INTO batch_receipts (
        batch_id, receipt_id, origin, accepted, failed, completed, received_at
    ) VALUES (?, ?, ?, 0, 0, false, ?) IF NOT EXISTS`

	stmtCompleteReceipt = `
    UPDATE batch_receipts SET accepted = ?, failed = ?, completed = true
    WHERE batch_id = ?`

	stmtGetReceipt = `
    SELECT batch_id, receipt_id, origin, accepted, failed, completed, received_at
    FROM batch_receipts WHERE batch_id = ?`
)

// ReceiptRepository provides batch-id idempotency for agent submissions.
type ReceiptRepository struct {
	client *ScyllaClient
}

func NewReceiptRepository(client *ScyllaClient, logger *zap.Logger) *ReceiptRepository {
	return &ReceiptRepository{client: client}
}

// Claim registers a batch id. When the id was already claimed the
// previous receipt is returned so the caller can replay the original
// acknowledgement instead of re-ingesting the batch. The failed-CAS row
// comes back in the table's canonical column order, not the insert
// statement's, so it is read by name.
func (r *ReceiptRepository) Claim(ctx context.Context, batchID, origin, receiptID string) (bool, *model.BatchReceipt, error) {
	previous := make(map[string]interface{})

	applied, err := r.client.Query(stmtClaimReceipt,
		batchID, receiptID, origin, time.Now().UTC()).
		WithContext(ctx).
		MapScanCAS(previous)
	if err != nil {
		util.Error("Failed to claim batch receipt",
			zap.String("batch_id", batchID),
			zap.String("origin", origin),
			zap.Error(err))
		return false, nil, fmt.Errorf("failed to claim batch receipt: %w", err)
	}

	if applied {
		return true, nil, nil
	}
	return false, receiptFromRow(previous), nil
}

// receiptFromRow builds a receipt from a CAS result row keyed by column
// name.
func receiptFromRow(row map[string]interface{}) *model.BatchReceipt {
	receipt := &model.BatchReceipt{}
	receipt.BatchID, _ = row["batch_id"].(string)
	receipt.ReceiptID, _ = row["receipt_id"].(string)
	receipt.Origin, _ = row["origin"].(string)
	receipt.Accepted, _ = row["accepted"].(int)
	receipt.Failed, _ = row["failed"].(int)
	receipt.Completed, _ = row["completed"].(bool)
	receipt.ReceivedAt, _ = row["received_at"].(time.Time)
	return receipt
}

func (r *ReceiptRepository) Complete(ctx context.Context, batchID string, accepted, failed int) error {
	err := r.client.Query(stmtCompleteReceipt, accepted, failed, batchID).
		WithContext(ctx).Exec()
	if err != nil {
		util.Error("Failed to complete batch receipt",
			zap.String("batch_id", batchID),
			zap.Error(err))
		return fmt.Errorf("failed to complete batch receipt: %w", err)
	}

	return nil
}

func (r *ReceiptRepository) Get(ctx context.Context, batchID string) (*model.BatchReceipt, error) {
	receipt := &model.BatchReceipt{}

	err := r.client.Query(stmtGetReceipt, batchID).WithContext(ctx).Scan(
		&receipt.BatchID, &receipt.ReceiptID, &receipt.Origin,
		&receipt.Accepted, &receipt.Failed, &receipt.Completed,
		&receipt.ReceivedAt)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get batch receipt: %w", err)
	}

	return receipt, nil
}

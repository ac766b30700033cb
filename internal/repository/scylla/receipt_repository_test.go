package scylla

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReceiptFromRow(t *testing.T) {
	received := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	// CAS result rows arrive keyed by column name with the partition key
	// first and the rest in alphabetical order; the mapping must not
	// depend on any particular ordering.
	row := map[string]interface{}{
		"batch_id":    "batch-1",
		"accepted":    17,
		"completed":   true,
		"failed":      3,
		"origin":      "agent-a",
		"receipt_id":  "receipt-1",
		"received_at": received,
	}

	receipt := receiptFromRow(row)
	assert.Equal(t, "batch-1", receipt.BatchID)
	assert.Equal(t, "receipt-1", receipt.ReceiptID)
	assert.Equal(t, "agent-a", receipt.Origin)
	assert.Equal(t, 17, receipt.Accepted)
	assert.Equal(t, 3, receipt.Failed)
	assert.True(t, receipt.Completed)
	assert.Equal(t, received, receipt.ReceivedAt)
}

func TestReceiptFromRowToleratesMissingColumns(t *testing.T) {
	receipt := receiptFromRow(map[string]interface{}{
		"batch_id":   "batch-1",
		"receipt_id": "receipt-1",
	})
	assert.Equal(t, "batch-1", receipt.BatchID)
	assert.Equal(t, "receipt-1", receipt.ReceiptID)
	assert.Zero(t, receipt.Accepted)
	assert.False(t, receipt.Completed)
}

package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startBatcher(t *testing.T, maxLines int, maxWait time.Duration) (chan Line, chan PendingBatch, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan Line, 64)
	out := make(chan PendingBatch, 16)
	go NewBatcher(maxLines, maxWait).Run(ctx, in, out)
	t.Cleanup(cancel)
	return in, out, cancel
}

func waitBatch(t *testing.T, out chan PendingBatch) PendingBatch {
	t.Helper()
	select {
	case batch := <-out:
		return batch
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for batch")
		return PendingBatch{}
	}
}

func testLine(file, text string, offset int64) Line {
	return Line{SourceFile: file, Text: text, Device: 7, Inode: 42, EndOffset: offset}
}

func TestBatcherFlushesOnLineCount(t *testing.T) {
	in, out, _ := startBatcher(t, 3, time.Minute)

	in <- testLine("/var/log/auth.log", "a", 2)
	in <- testLine("/var/log/auth.log", "b", 4)
	in <- testLine("/var/log/auth.log", "c", 6)

	batch := waitBatch(t, out)
	assert.Equal(t, []string{"a", "b", "c"}, batch.Batch.Lines)
	assert.Equal(t, "/var/log/auth.log", batch.Batch.SourceFile)
	assert.NotEmpty(t, batch.Batch.BatchID)

	// The checkpoint is the position after the last buffered line.
	assert.Equal(t, Checkpoint{Device: 7, Inode: 42, Offset: 6}, batch.Checkpoint)
}

func TestBatcherFlushesOnAge(t *testing.T) {
	in, out, _ := startBatcher(t, 1000, 50*time.Millisecond)

	in <- testLine("/var/log/auth.log", "lonely", 7)

	batch := waitBatch(t, out)
	assert.Equal(t, []string{"lonely"}, batch.Batch.Lines)
}

func TestBatcherSeparatesSourceFiles(t *testing.T) {
	in, out, _ := startBatcher(t, 2, time.Minute)

	in <- testLine("/var/log/auth.log", "a1", 3)
	in <- testLine("/var/log/secure", "s1", 3)
	in <- testLine("/var/log/auth.log", "a2", 6)
	in <- testLine("/var/log/secure", "s2", 6)

	first := waitBatch(t, out)
	second := waitBatch(t, out)

	byFile := map[string][]string{
		first.Batch.SourceFile:  first.Batch.Lines,
		second.Batch.SourceFile: second.Batch.Lines,
	}
	assert.Equal(t, []string{"a1", "a2"}, byFile["/var/log/auth.log"])
	assert.Equal(t, []string{"s1", "s2"}, byFile["/var/log/secure"])
}

func TestBatcherFlushesOnShutdown(t *testing.T) {
	in, out, cancel := startBatcher(t, 1000, time.Minute)

	in <- testLine("/var/log/auth.log", "pending", 8)
	// Let the batcher consume the line before cancelling.
	time.Sleep(50 * time.Millisecond)
	cancel()

	batch := waitBatch(t, out)
	assert.Equal(t, []string{"pending"}, batch.Batch.Lines)
}

func TestBatcherDistinctBatchIDs(t *testing.T) {
	in, out, _ := startBatcher(t, 1, time.Minute)

	in <- testLine("/var/log/auth.log", "a", 2)
	in <- testLine("/var/log/auth.log", "b", 4)

	first := waitBatch(t, out)
	second := waitBatch(t, out)
	require.NotEqual(t, first.Batch.BatchID, second.Batch.BatchID)
}

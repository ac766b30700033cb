package agent

import (
	"context"
	"time"

	"github.com/google/uuid"

	"authwatch/internal/ingest"
)

// PendingBatch is a flushed batch plus the checkpoint to persist once
// the server acknowledges it.
type PendingBatch struct {
	Batch      ingest.Batch
	Checkpoint Checkpoint
}

// Batcher groups tailed lines into per-file batches, flushing on line
// count or age, whichever comes first. Lines from different files never
// share a batch because a batch carries a single source file and a
// single checkpoint.
type Batcher struct {
	maxLines int
	maxWait  time.Duration
}

type pendingFile struct {
	lines      []string
	checkpoint Checkpoint
	startedAt  time.Time
}

func NewBatcher(maxLines int, maxWait time.Duration) *Batcher {
	if maxLines <= 0 {
		maxLines = 200
	}
	if maxWait <= 0 {
		maxWait = 5 * time.Second
	}
	return &Batcher{maxLines: maxLines, maxWait: maxWait}
}

// Run consumes lines until the context is cancelled, emitting batches
// on out. Remaining buffered lines are flushed on shutdown.
func (b *Batcher) Run(ctx context.Context, in <-chan Line, out chan<- PendingBatch) {
	buffers := make(map[string]*pendingFile)

	ticker := time.NewTicker(b.maxWait / 2)
	defer ticker.Stop()

	build := func(path string, buf *pendingFile) PendingBatch {
		delete(buffers, path)
		return PendingBatch{
			Batch: ingest.Batch{
				BatchID:    uuid.New().String(),
				SourceFile: path,
				Lines:      buf.lines,
			},
			Checkpoint: buf.checkpoint,
		}
	}

	flush := func(path string, buf *pendingFile) bool {
		select {
		case out <- build(path, buf):
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		select {
		case <-ctx.Done():
			// Best-effort drain; anything unsent re-ships from the
			// checkpoint on the next start.
			for path, buf := range buffers {
				select {
				case out <- build(path, buf):
				default:
					return
				}
			}
			return

		case <-ticker.C:
			now := time.Now()
			for path, buf := range buffers {
				if now.Sub(buf.startedAt) >= b.maxWait {
					if !flush(path, buf) {
						return
					}
				}
			}

		case line := <-in:
			buf := buffers[line.SourceFile]
			if buf == nil {
				buf = &pendingFile{startedAt: time.Now()}
				buffers[line.SourceFile] = buf
			}

			buf.lines = append(buf.lines, line.Text)
			buf.checkpoint = Checkpoint{
				Device: line.Device,
				Inode:  line.Inode,
				Offset: line.EndOffset,
			}

			if len(buf.lines) >= b.maxLines {
				if !flush(line.SourceFile, buf) {
					return
				}
			}
		}
	}
}

package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"authwatch/internal/config"
	"authwatch/internal/ingest"
	"authwatch/internal/util"
)

// Agent tails the configured auth logs, batches lines, ships them to
// the server and reports liveness. Checkpoints advance only after the
// server acknowledges a batch, so a crash re-ships at-least-once rather
// than losing lines.
type Agent struct {
	cfg       *config.Config
	store     *CheckpointStore
	submitter *Submitter
	logger    *zap.Logger

	linesShipped atomic.Int64
	batchesSent  atomic.Int64

	mu      sync.Mutex
	offsets map[string]int64
}

func New(cfg *config.Config, logger *zap.Logger) (*Agent, error) {
	if cfg.Agent.AgentID == "" || cfg.Agent.Secret == "" {
		return nil, errors.New("agent id and secret are required")
	}
	if len(cfg.Agent.LogFiles) == 0 {
		return nil, errors.New("no log files configured")
	}

	store, err := NewCheckpointStore(cfg.Agent.StateDir, logger)
	if err != nil {
		return nil, err
	}

	return &Agent{
		cfg:       cfg,
		store:     store,
		submitter: NewSubmitter(cfg, logger),
		logger:    logger,
		offsets:   make(map[string]int64),
	}, nil
}

// Run starts the tailers, the batcher, the shipping loop and the
// heartbeat loop, and blocks until the context is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	lines := make(chan Line, 1024)
	batches := make(chan PendingBatch, 16)

	g, ctx := errgroup.WithContext(ctx)

	for _, path := range a.cfg.Agent.LogFiles {
		tailer := NewTailer(path, a.cfg.Agent.PollInterval, AuthLineFilter, a.store, a.logger)
		g.Go(func() error {
			tailer.Run(ctx, lines)
			return nil
		})
	}

	batcher := NewBatcher(a.cfg.Agent.BatchMaxLines, a.cfg.Agent.BatchMaxWait)
	g.Go(func() error {
		batcher.Run(ctx, lines, batches)
		return nil
	})

	g.Go(func() error {
		return a.shipLoop(ctx, batches)
	})

	g.Go(func() error {
		a.heartbeatLoop(ctx)
		return nil
	})

	util.Info("Agent started",
		zap.String("agent_id", a.cfg.Agent.AgentID),
		zap.Strings("log_files", a.cfg.Agent.LogFiles))

	return g.Wait()
}

// shipLoop submits batches in order. An unacknowledged batch is held
// and resubmitted until the server takes it; the batch id makes the
// retry idempotent on the server side.
func (a *Agent) shipLoop(ctx context.Context, batches <-chan PendingBatch) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case pending := <-batches:
			a.ship(ctx, pending)
		}
	}
}

func (a *Agent) ship(ctx context.Context, pending PendingBatch) {
	for {
		receipt, err := a.submitter.Submit(ctx, &pending.Batch)
		if err == nil {
			a.acknowledge(pending, receipt)
			return
		}
		if errors.Is(err, ErrBatchRejected) {
			util.Error("Dropping rejected batch",
				zap.String("batch_id", pending.Batch.BatchID),
				zap.String("source_file", pending.Batch.SourceFile),
				zap.Int("lines", len(pending.Batch.Lines)),
				zap.Error(err))
			return
		}
		if ctx.Err() != nil {
			return
		}

		util.Warn("Holding unacknowledged batch",
			zap.String("batch_id", pending.Batch.BatchID),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.cfg.Agent.SubmitBackoffMax):
		}
	}
}

func (a *Agent) acknowledge(pending PendingBatch, receipt *ingest.Receipt) {
	a.batchesSent.Add(1)
	a.linesShipped.Add(int64(len(pending.Batch.Lines)))

	a.mu.Lock()
	a.offsets[pending.Batch.SourceFile] = pending.Checkpoint.Offset
	a.mu.Unlock()

	if err := a.store.Save(pending.Batch.SourceFile, &pending.Checkpoint); err != nil {
		util.Warn("Failed to persist checkpoint",
			zap.String("source_file", pending.Batch.SourceFile),
			zap.Error(err))
	}

	fields := []zap.Field{
		zap.String("batch_id", pending.Batch.BatchID),
		zap.Int("accepted", receipt.Accepted),
		zap.Int("failed", receipt.Failed),
	}
	if receipt.Duplicate {
		fields = append(fields, zap.Bool("duplicate", true))
	}
	util.Debug("Batch acknowledged", fields...)
}

func (a *Agent) heartbeatLoop(ctx context.Context) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	interval := a.cfg.Agent.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := &ingest.Heartbeat{
				AgentID:      a.cfg.Agent.AgentID,
				Hostname:     hostname,
				SentAt:       time.Now().UTC(),
				LinesShipped: a.linesShipped.Load(),
				BatchesSent:  a.batchesSent.Load(),
				Files:        a.fileProgress(),
			}
			if err := a.submitter.SendHeartbeat(ctx, hb); err != nil && ctx.Err() == nil {
				util.Warn("Heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (a *Agent) fileProgress() []ingest.FileProgress {
	a.mu.Lock()
	defer a.mu.Unlock()

	files := make([]ingest.FileProgress, 0, len(a.offsets))
	for path, offset := range a.offsets {
		files = append(files, ingest.FileProgress{Path: path, Offset: offset})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files
}

// Describe returns a one-line summary for startup logging.
func (a *Agent) Describe() string {
	return fmt.Sprintf("agent %s shipping %d file(s) to %s",
		a.cfg.Agent.AgentID, len(a.cfg.Agent.LogFiles), a.cfg.Agent.ServerURL)
}

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"authwatch/internal/config"
	"authwatch/internal/ingest"
	"authwatch/internal/util"
)

const (
	headerAgentID     = "X-Agent-Id"
	headerAgentSecret = "X-Agent-Secret"
)

// ErrBatchRejected marks a server verdict that retrying cannot change,
// such as a malformed batch or bad credentials.
var ErrBatchRejected = errors.New("batch rejected by server")

// Submitter ships batches and heartbeats to the ingestion API with
// bounded exponential backoff on transient failures.
type Submitter struct {
	client     *http.Client
	baseURL    string
	agentID    string
	secret     string
	maxRetries int
	backoffMin time.Duration
	backoffMax time.Duration
	logger     *zap.Logger
}

type responseEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func NewSubmitter(cfg *config.Config, logger *zap.Logger) *Submitter {
	return &Submitter{
		client:     &http.Client{Timeout: cfg.Agent.SubmitTimeout},
		baseURL:    cfg.Agent.ServerURL,
		agentID:    cfg.Agent.AgentID,
		secret:     cfg.Agent.Secret,
		maxRetries: cfg.Agent.SubmitMaxRetries,
		backoffMin: cfg.Agent.SubmitBackoffMin,
		backoffMax: cfg.Agent.SubmitBackoffMax,
		logger:     logger,
	}
}

// Submit posts one batch, retrying transient failures. It returns
// ErrBatchRejected for verdicts a retry cannot change; any other error
// means the batch was not acknowledged and must be held.
func (s *Submitter) Submit(ctx context.Context, batch *ingest.Batch) (*ingest.Receipt, error) {
	var lastErr error
	backoff := s.backoffMin

	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		receipt, err := s.post(ctx, "/api/v1/ingest/batches", batch)
		if err == nil {
			return receipt, nil
		}
		if errors.Is(err, ErrBatchRejected) || ctx.Err() != nil {
			return nil, err
		}

		lastErr = err
		util.Warn("Batch submission failed",
			zap.String("batch_id", batch.BatchID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.backoffMax {
			backoff = s.backoffMax
		}
	}

	return nil, fmt.Errorf("batch not acknowledged after %d attempts: %w", s.maxRetries, lastErr)
}

// SendHeartbeat posts one liveness report. Heartbeats are not retried;
// the next interval supersedes a lost one.
func (s *Submitter) SendHeartbeat(ctx context.Context, hb *ingest.Heartbeat) error {
	_, err := s.post(ctx, "/api/v1/ingest/heartbeats", hb)
	return err
}

func (s *Submitter) post(ctx context.Context, path string, payload any) (*ingest.Receipt, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerAgentID, s.agentID)
	req.Header.Set(headerAgentSecret, s.secret)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	envelope := &responseEnvelope{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, envelope); err != nil {
			envelope.Error = http.StatusText(resp.StatusCode)
		}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusRequestEntityTooLarge:
		return nil, fmt.Errorf("%w: %s (%d)", ErrBatchRejected, envelope.Error, resp.StatusCode)
	default:
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, envelope.Error)
	}

	if len(envelope.Data) == 0 {
		return nil, nil
	}
	receipt := &ingest.Receipt{}
	if err := json.Unmarshal(envelope.Data, receipt); err != nil {
		return nil, fmt.Errorf("failed to decode receipt: %w", err)
	}
	return receipt, nil
}

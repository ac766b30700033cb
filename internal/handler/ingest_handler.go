package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"authwatch/internal/ingest"
	"authwatch/internal/util"
)

const (
	headerAgentID     = "X-Agent-Id"
	headerAgentSecret = "X-Agent-Secret"
)

// IngestHandler exposes the agent-facing surface: batch submission and
// heartbeats. Both authenticate with the agent credential headers.
type IngestHandler struct {
	service    *ingest.Service
	heartbeats *ingest.HeartbeatStore
	logger     *zap.Logger
}

func NewIngestHandler(service *ingest.Service, heartbeats *ingest.HeartbeatStore, logger *zap.Logger) *IngestHandler {
	return &IngestHandler{
		service:    service,
		heartbeats: heartbeats,
		logger:     logger,
	}
}

func (h *IngestHandler) RegisterRoutes(router chi.Router) {
	router.Route("/ingest", func(r chi.Router) {
		r.Post("/batches", h.SubmitBatch)
		r.Post("/heartbeats", h.SubmitHeartbeat)
	})
}

// SubmitBatch accepts one agent batch. Replayed batch ids are answered
// with the original receipt and a 200 instead of a 202.
func (h *IngestHandler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	agentID := r.Header.Get(headerAgentID)
	if err := h.service.Authenticate(ctx, agentID, r.Header.Get(headerAgentSecret)); err != nil {
		if errors.Is(err, ingest.ErrUnauthorized) {
			respondWithError(w, h.logger, http.StatusUnauthorized, err, "Invalid agent credentials")
		} else {
			respondWithError(w, h.logger, http.StatusInternalServerError, err, "Credential check failed")
		}
		return
	}

	var batch ingest.Batch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	receipt, err := h.service.Accept(ctx, agentID, &batch)
	if err != nil {
		if errors.Is(err, ingest.ErrMalformedBatch) {
			respondWithError(w, h.logger, http.StatusBadRequest, err, "Malformed batch envelope")
		} else {
			respondWithError(w, h.logger, http.StatusInternalServerError, err, "Failed to accept batch")
		}
		return
	}

	status := http.StatusAccepted
	if receipt.Duplicate {
		status = http.StatusOK
	}
	respondWithJSON(w, h.logger, status, successResponse(receipt, "Batch processed"))

	h.logger.Info("Batch submitted via HTTP",
		util.String("batch_id", batch.BatchID),
		util.String("agent_id", agentID),
		util.Int("accepted", receipt.Accepted),
		util.Int("failed", receipt.Failed),
		util.Duration("duration", time.Since(startTime)),
	)
}

// SubmitHeartbeat records the agent's liveness report.
func (h *IngestHandler) SubmitHeartbeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	agentID := r.Header.Get(headerAgentID)
	if err := h.service.Authenticate(ctx, agentID, r.Header.Get(headerAgentSecret)); err != nil {
		respondWithError(w, h.logger, http.StatusUnauthorized, err, "Invalid agent credentials")
		return
	}

	var hb ingest.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	hb.AgentID = agentID
	if hb.SentAt.IsZero() {
		hb.SentAt = time.Now().UTC()
	}

	if err := h.heartbeats.Record(ctx, &hb); err != nil {
		respondWithError(w, h.logger, http.StatusInternalServerError, err, "Failed to record heartbeat")
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, successResponse(nil, "Heartbeat recorded"))
}

package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"authwatch/internal/blocking"
	"authwatch/internal/model"
	"authwatch/internal/util"
)

// BlockingHandler exposes the operator surface for blocks, rules and
// the audit trail.
type BlockingHandler struct {
	engine  *blocking.Engine
	blocks  model.BlockRepository
	rules   model.RuleRepository
	actions model.ActionRepository
	logger  *zap.Logger
}

func NewBlockingHandler(
	engine *blocking.Engine,
	blocks model.BlockRepository,
	rules model.RuleRepository,
	actions model.ActionRepository,
	logger *zap.Logger,
) *BlockingHandler {
	return &BlockingHandler{
		engine:  engine,
		blocks:  blocks,
		rules:   rules,
		actions: actions,
		logger:  logger,
	}
}

func (h *BlockingHandler) RegisterRoutes(router chi.Router) {
	router.Route("/blocks", func(r chi.Router) {
		r.Get("/", h.ListActiveBlocks)
		r.Post("/", h.CreateBlock)
		r.Get("/{address}", h.GetBlockStatus)
		r.Delete("/{address}", h.Unblock)
		r.Get("/{address}/history", h.BlockHistory)
		r.Get("/{address}/actions", h.ActionHistory)
	})

	router.Route("/rules", func(r chi.Router) {
		r.Get("/", h.ListRules)
		r.Post("/", h.CreateRule)
		r.Get("/{ruleID}", h.GetRule)
		r.Patch("/{ruleID}/enabled", h.SetRuleEnabled)
	})
}

func (h *BlockingHandler) ListActiveBlocks(w http.ResponseWriter, r *http.Request) {
	blocks, err := h.blocks.ListActive(r.Context(), queryInt(r, "limit", 0))
	if err != nil {
		respondWithError(w, h.logger, http.StatusInternalServerError, err, "Failed to list active blocks")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(blocks, "Active blocks retrieved"))
}

// manualBlockRequest is the operator block payload.
type manualBlockRequest struct {
	Address         string `json:"address"`
	Reason          string `json:"reason"`
	DurationMinutes int    `json:"duration_minutes"` // 0 = permanent
	Actor           string `json:"actor"`
}

func (h *BlockingHandler) CreateBlock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req manualBlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if !util.ValidAddress(req.Address) {
		respondWithError(w, h.logger, http.StatusBadRequest,
			errors.New("invalid address"), "A valid IP address is required")
		return
	}
	if req.Reason == "" {
		req.Reason = "manual block"
	}
	if req.Actor == "" {
		req.Actor = "operator"
	}

	block, err := h.engine.Block(ctx, blocking.BlockRequest{
		Address:     req.Address,
		Reason:      req.Reason,
		Duration:    time.Duration(req.DurationMinutes) * time.Minute,
		AutoUnblock: req.DurationMinutes > 0,
		Actor:       req.Actor,
	})
	if err != nil {
		if errors.Is(err, blocking.ErrDuplicateBlock) {
			respondWithJSON(w, h.logger, http.StatusConflict,
				errorResponse(err, "Address already has an active block"))
			return
		}
		respondWithError(w, h.logger, http.StatusInternalServerError, err, "Failed to block address")
		return
	}

	respondWithJSON(w, h.logger, http.StatusCreated, successResponse(block, "Address blocked"))
	h.logger.Info("Manual block created via HTTP",
		util.String("address", req.Address),
		util.String("actor", req.Actor),
	)
}

func (h *BlockingHandler) GetBlockStatus(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	block, err := h.engine.Check(r.Context(), address)
	if err != nil {
		if errors.Is(err, blocking.ErrNoActiveBlock) {
			respondWithJSON(w, h.logger, http.StatusOK,
				successResponse(map[string]interface{}{"address": address, "blocked": false}, "Address is not blocked"))
			return
		}
		respondWithError(w, h.logger, http.StatusInternalServerError, err, "Failed to check block status")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(block, "Active block retrieved"))
}

type unblockRequest struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

func (h *BlockingHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	var req unblockRequest
	if r.Body != nil {
		// Body is optional for unblock.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Reason == "" {
		req.Reason = "manual unblock"
	}
	if req.Actor == "" {
		req.Actor = "operator"
	}

	if err := h.engine.Unblock(r.Context(), address, req.Reason, req.Actor); err != nil {
		respondWithError(w, h.logger, http.StatusInternalServerError, err, "Failed to unblock address")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(nil, "Address unblocked"))
}

func (h *BlockingHandler) BlockHistory(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	history, err := h.blocks.ListByAddress(r.Context(), address, queryInt(r, "limit", 100))
	if err != nil {
		respondWithError(w, h.logger, http.StatusInternalServerError, err, "Failed to list block history")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(history, "Block history retrieved"))
}

func (h *BlockingHandler) ActionHistory(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	actions, err := h.actions.ListByAddress(r.Context(), address, queryInt(r, "limit", 100))
	if err != nil {
		respondWithError(w, h.logger, http.StatusInternalServerError, err, "Failed to list block actions")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(actions, "Block actions retrieved"))
}

func (h *BlockingHandler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.rules.ListRules(r.Context())
	if err != nil {
		respondWithError(w, h.logger, http.StatusInternalServerError, err, "Failed to list rules")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(rules, "Rules retrieved"))
}

// createRuleRequest is the operator rule payload; Conditions is the
// rule_type-specific JSON object.
type createRuleRequest struct {
	Name                 string          `json:"name"`
	RuleType             model.RuleType  `json:"rule_type"`
	Conditions           json.RawMessage `json:"conditions"`
	Priority             int             `json:"priority"`
	BlockDurationMinutes int             `json:"block_duration_minutes"` // 0 = permanent
	Enabled              *bool           `json:"enabled"`
}

func (h *BlockingHandler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, err, "Invalid request body")
		return
	}
	if req.Name == "" || len(req.Conditions) == 0 {
		respondWithError(w, h.logger, http.StatusBadRequest,
			errors.New("name and conditions are required"), "Invalid rule definition")
		return
	}

	now := time.Now().UTC()
	rule := &model.BlockingRule{
		RuleID:        uuid.New().String(),
		Seq:           now.UnixNano(),
		Name:          req.Name,
		RuleType:      req.RuleType,
		Conditions:    string(req.Conditions),
		Enabled:       req.Enabled == nil || *req.Enabled,
		Priority:      req.Priority,
		BlockDuration: time.Duration(req.BlockDurationMinutes) * time.Minute,
		AutoUnblock:   req.BlockDurationMinutes > 0,
		CreatedAt:     now,
	}

	if err := blocking.ValidateRule(rule); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, err, "Invalid rule conditions")
		return
	}

	if err := h.rules.CreateRule(ctx, rule); err != nil {
		respondWithError(w, h.logger, http.StatusInternalServerError, err, "Failed to create rule")
		return
	}

	respondWithJSON(w, h.logger, http.StatusCreated, successResponse(rule, "Rule created"))
	h.logger.Info("Blocking rule created via HTTP",
		util.String("rule_id", rule.RuleID),
		util.String("rule_type", string(rule.RuleType)),
		util.Int("priority", rule.Priority),
	)
}

func (h *BlockingHandler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.rules.GetRule(r.Context(), chi.URLParam(r, "ruleID"))
	if err != nil {
		respondWithError(w, h.logger, http.StatusNotFound, err, "Rule not found")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(rule, "Rule retrieved"))
}

type setEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

func (h *BlockingHandler) SetRuleEnabled(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "ruleID")

	var req setEnabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.rules.SetEnabled(r.Context(), ruleID, req.Enabled); err != nil {
		respondWithError(w, h.logger, http.StatusInternalServerError, err, "Failed to toggle rule")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(nil, "Rule updated"))
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

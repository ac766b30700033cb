package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"authwatch/internal/ingest"
	"authwatch/internal/model"
	"authwatch/internal/repository/clickhouse"
	"authwatch/internal/risk"
	"authwatch/internal/search"
	"authwatch/internal/util"
)

// OpsHandler is the operator read surface plus agent provisioning.
type OpsHandler struct {
	events      model.EventRepository
	aggregates  model.AggregateProvider
	blocks      model.BlockRepository
	search      *search.EventSearch
	analytics   *clickhouse.EventAnalytics
	credentials *ingest.CredentialService
	heartbeats  *ingest.HeartbeatStore
	logger      *zap.Logger
}

func NewOpsHandler(
	events model.EventRepository,
	aggregates model.AggregateProvider,
	blocks model.BlockRepository,
	eventSearch *search.EventSearch,
	analytics *clickhouse.EventAnalytics,
	credentials *ingest.CredentialService,
	heartbeats *ingest.HeartbeatStore,
	logger *zap.Logger,
) *OpsHandler {
	return &OpsHandler{
		events:      events,
		aggregates:  aggregates,
		blocks:      blocks,
		search:      eventSearch,
		analytics:   analytics,
		credentials: credentials,
		heartbeats:  heartbeats,
		logger:      logger,
	}
}

func (h *OpsHandler) RegisterRoutes(router chi.Router) {
	router.Get("/events", h.SearchEvents)
	router.Get("/events/{eventID}", h.GetEvent)

	router.Route("/addresses/{address}", func(r chi.Router) {
		r.Get("/events", h.AddressEvents)
		r.Get("/risk", h.AddressRisk)
	})

	router.Get("/analytics/top-offenders", h.TopOffenders)

	router.Route("/agents", func(r chi.Router) {
		r.Post("/", h.ProvisionAgent)
		r.Get("/{agentID}/secret", h.RevealAgentSecret)
		r.Get("/{agentID}/heartbeat", h.AgentHeartbeat)
	})
}

// SearchEvents queries the evaluated-event index with optional filters.
func (h *OpsHandler) SearchEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	query := &search.Query{
		Address:     q.Get("address"),
		Username:    q.Get("username"),
		Outcome:     q.Get("outcome"),
		ThreatLevel: q.Get("threat_level"),
		From:        queryInt(r, "from", 0),
		Size:        queryInt(r, "size", 50),
	}
	if raw := q.Get("min_score"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &query.MinScore); err != nil {
			respondWithError(w, h.logger, http.StatusBadRequest, err, "Invalid min_score")
			return
		}
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondWithError(w, h.logger, http.StatusBadRequest, err, "Invalid since timestamp")
			return
		}
		query.Since = since
	}
	if raw := q.Get("until"); raw != "" {
		until, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondWithError(w, h.logger, http.StatusBadRequest, err, "Invalid until timestamp")
			return
		}
		query.Until = until
	}

	result, err := h.search.Search(r.Context(), query)
	if err != nil {
		respondWithError(w, h.logger, http.StatusInternalServerError, err, "Event search failed")
		return
	}

	respondWithJSON(w, h.logger, http.StatusOK, Response{
		Success: true,
		Data:    result.Events,
		Message: "Events retrieved",
		Meta: &Meta{
			Total:    result.Total,
			From:     query.From,
			PageSize: query.Size,
		},
	})
}

func (h *OpsHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.events.GetEvent(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		respondWithError(w, h.logger, http.StatusNotFound, err, "Event not found")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(event, "Event retrieved"))
}

func (h *OpsHandler) AddressEvents(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	events, err := h.events.ListByAddress(r.Context(), address, queryInt(r, "limit", 100))
	if err != nil {
		respondWithError(w, h.logger, http.StatusInternalServerError, err, "Failed to list address events")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(events, "Address events retrieved"))
}

// addressRiskView is the per-address summary the operator dashboard
// renders.
type addressRiskView struct {
	Address     string                             `json:"address"`
	Blocked     bool                               `json:"blocked"`
	ActiveBlock *model.AddressBlock                `json:"active_block,omitempty"`
	LastEvent   *model.AuthEvent                   `json:"last_event,omitempty"`
	Aggregates  map[string]*model.AddressAggregate `json:"aggregates"`
}

func (h *OpsHandler) AddressRisk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	address := chi.URLParam(r, "address")
	if !util.ValidAddress(address) {
		respondWithError(w, h.logger, http.StatusBadRequest,
			errors.New("invalid address"), "A valid IP address is required")
		return
	}

	view := &addressRiskView{
		Address:    address,
		Aggregates: map[string]*model.AddressAggregate{},
	}

	block, err := h.blocks.GetActive(ctx, address)
	if err != nil {
		respondWithError(w, h.logger, http.StatusInternalServerError, err, "Failed to check block status")
		return
	}
	view.Blocked = block != nil
	view.ActiveBlock = block

	if events, err := h.events.ListByAddress(ctx, address, 1); err == nil && len(events) > 0 {
		view.LastEvent = events[0]
	}

	for _, window := range []time.Duration{risk.WindowShort, risk.WindowLong} {
		agg, aggErr := h.aggregates.Aggregate(ctx, address, window)
		if aggErr != nil {
			h.logger.Warn("Aggregate lookup failed for risk view",
				util.String("address", address),
				util.Duration("window", window),
				util.ErrorField(aggErr))
			continue
		}
		view.Aggregates[window.String()] = agg
	}

	respondWithJSON(w, h.logger, http.StatusOK, successResponse(view, "Address risk retrieved"))
}

func (h *OpsHandler) TopOffenders(w http.ResponseWriter, r *http.Request) {
	window := risk.WindowLong
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			respondWithError(w, h.logger, http.StatusBadRequest, err, "Invalid window duration")
			return
		}
		window = parsed
	}

	offenders, err := h.analytics.TopOffenders(r.Context(), window, queryInt(r, "limit", 20))
	if err != nil {
		respondWithError(w, h.logger, http.StatusInternalServerError, err, "Failed to query top offenders")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(offenders, "Top offenders retrieved"))
}

type provisionAgentRequest struct {
	AgentID     string `json:"agent_id"`
	Description string `json:"description"`
}

func (h *OpsHandler) ProvisionAgent(w http.ResponseWriter, r *http.Request) {
	var req provisionAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, h.logger, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	cred, err := h.credentials.Provision(r.Context(), req.AgentID, req.Description)
	if err != nil {
		respondWithError(w, h.logger, http.StatusInternalServerError, err, "Failed to provision agent")
		return
	}
	respondWithJSON(w, h.logger, http.StatusCreated, successResponse(cred, "Agent provisioned; store the secret now"))
}

func (h *OpsHandler) RevealAgentSecret(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	secret, err := h.credentials.Reveal(r.Context(), agentID)
	if err != nil {
		if errors.Is(err, ingest.ErrUnknownAgent) {
			respondWithError(w, h.logger, http.StatusNotFound, err, "Agent not found")
			return
		}
		respondWithError(w, h.logger, http.StatusInternalServerError, err, "Failed to reveal agent secret")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK,
		successResponse(&ingest.ProvisionedCredential{AgentID: agentID, Secret: secret}, "Agent secret retrieved"))
}

func (h *OpsHandler) AgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	hb, err := h.heartbeats.Get(r.Context(), agentID)
	if err != nil {
		respondWithError(w, h.logger, http.StatusInternalServerError, err, "Failed to read heartbeat")
		return
	}
	if hb == nil {
		respondWithError(w, h.logger, http.StatusNotFound,
			errors.New("no recent heartbeat"), "Agent has not reported recently")
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, successResponse(hb, "Heartbeat retrieved"))
}

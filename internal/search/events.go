package search

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"authwatch/internal/client"
	"authwatch/internal/config"
	"authwatch/internal/model"
	"authwatch/internal/util"
)

// EventSearch owns the evaluated-event index the operator API queries.
type EventSearch struct {
	es    *client.ESClient
	index string
}

func NewEventSearch(esClient *client.ESClient, cfg *config.Config, logger *zap.Logger) *EventSearch {
	return &EventSearch{
		es:    esClient,
		index: cfg.Elastic.EventIndex,
	}
}

// IndexEvent upserts one evaluated event; the event id doubles as the
// document id so redelivered events overwrite instead of duplicating.
func (s *EventSearch) IndexEvent(ctx context.Context, event *model.AuthEvent) error {
	res, err := s.es.IndexDocument(ctx, s.index, event.EventID, event)
	if err != nil {
		return fmt.Errorf("failed to index event: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("failed to index event: %s", res.String())
	}
	return nil
}

// Query is the operator search filter set. Zero values mean "no filter".
type Query struct {
	Address     string
	Username    string
	Outcome     string
	ThreatLevel string
	MinScore    float64
	Since       time.Time
	Until       time.Time
	From        int
	Size        int
}

// Result is one page of matching events.
type Result struct {
	Total  int64              `json:"total"`
	Events []*model.AuthEvent `json:"events"`
}

type searchResponse struct {
	Hits struct {
		Total struct {
			Value int64 `json:"value"`
		} `json:"total"`
		Hits []struct {
			Source *model.AuthEvent `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// Search runs a filtered, newest-first query against the event index.
func (s *EventSearch) Search(ctx context.Context, q *Query) (*Result, error) {
	if q.Size <= 0 || q.Size > 500 {
		q.Size = 50
	}

	var filters []map[string]interface{}
	addTerm := func(field, value string) {
		if value != "" {
			filters = append(filters, map[string]interface{}{
				"term": map[string]interface{}{field: value},
			})
		}
	}
	addTerm("address", q.Address)
	addTerm("username", q.Username)
	addTerm("outcome", q.Outcome)
	addTerm("threat_level", q.ThreatLevel)

	if q.MinScore > 0 {
		filters = append(filters, map[string]interface{}{
			"range": map[string]interface{}{
				"risk_score": map[string]interface{}{"gte": q.MinScore},
			},
		})
	}
	if !q.Since.IsZero() || !q.Until.IsZero() {
		window := map[string]interface{}{}
		if !q.Since.IsZero() {
			window["gte"] = q.Since
		}
		if !q.Until.IsZero() {
			window["lte"] = q.Until
		}
		filters = append(filters, map[string]interface{}{
			"range": map[string]interface{}{"timestamp": window},
		})
	}

	body := map[string]interface{}{
		"from": q.From,
		"size": q.Size,
		"sort": []map[string]interface{}{
			{"timestamp": map[string]interface{}{"order": "desc"}},
		},
	}
	if len(filters) > 0 {
		body["query"] = map[string]interface{}{
			"bool": map[string]interface{}{"filter": filters},
		}
	}

	res, err := s.es.Search(ctx, s.index, body)
	if err != nil {
		return nil, fmt.Errorf("event search failed: %w", err)
	}

	parsed := &searchResponse{}
	if err := s.es.ParseResponse(res, parsed); err != nil {
		return nil, fmt.Errorf("failed to parse event search response: %w", err)
	}

	result := &Result{Total: parsed.Hits.Total.Value}
	for _, hit := range parsed.Hits.Hits {
		result.Events = append(result.Events, hit.Source)
	}

	util.Debug("Event search executed",
		zap.String("index", s.index),
		zap.Int64("total", result.Total),
		zap.Int("returned", len(result.Events)))
	return result, nil
}

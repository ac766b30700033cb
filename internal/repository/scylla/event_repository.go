package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"authwatch/internal/bucketing"
	"authwatch/internal/model"
	"authwatch/internal/util"
)

const (
	stmtInsertEvent = `
    INSERT INTO auth_events (
        event_bucket, event_id, address, port, target_host, username,
        auth_method, outcome, event_time, origin, source_file, raw_line,
        status, ml_score, ml_confidence, is_anomaly, risk_score,
        risk_confidence, threat_level, created_at, updated_at
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	stmtInsertEventByAddress = `
    INSERT INTO events_by_address (
        address, event_time, event_id, port, target_host, username,
        auth_method, outcome, origin, source_file, status, risk_score,
        threat_level
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	stmtGetEvent = `
    SELECT event_bucket, event_id, address, port, target_host, username,
        auth_method, outcome, event_time, origin, source_file, raw_line,
        status, ml_score, ml_confidence, is_anomaly, risk_score,
        risk_confidence, threat_level, created_at, updated_at
    FROM auth_events WHERE event_bucket = ? AND event_id = ?`

	stmtUpdateEventDerived = `
    UPDATE auth_events SET
        status = ?, ml_score = ?, ml_confidence = ?, is_anomaly = ?,
        risk_score = ?, risk_confidence = ?, threat_level = ?, updated_at = ?
    WHERE event_bucket = ? AND event_id = ?`

	stmtUpdateEventByAddressDerived = `
    UPDATE events_by_address SET status = ?, risk_score = ?, threat_level = ?
    WHERE address = ? AND event_time = ? AND event_id = ?`

	stmtListEventsByAddress = `
    SELECT address, event_time, event_id, port, target_host, username,
        auth_method, outcome, origin, source_file, status, risk_score,
        threat_level
    FROM events_by_address WHERE address = ? LIMIT ?`
)

// EventRepository persists AuthEvents across the main table and the
// by-address view. Rows are append-only apart from the derived risk
// fields and the forward-only status.
type EventRepository struct {
	client    *ScyllaClient
	bucketing *bucketing.BucketingManager
}

func NewEventRepository(client *ScyllaClient, bucketingMgr *bucketing.BucketingManager, logger *zap.Logger) *EventRepository {
	return &EventRepository{
		client:    client,
		bucketing: bucketingMgr,
	}
}

func (r *EventRepository) InsertEvents(ctx context.Context, events []*model.AuthEvent) error {
	for _, event := range events {
		if event.Bucket == 0 {
			event.Bucket = r.bucketing.EventBucket(event.EventID)
		}

		// Logged batch keeps the main row and the by-address view
		// consistent.
		batch := r.client.Batch(gocql.LoggedBatch).WithContext(ctx)

		batch.Query(stmtInsertEvent,
			event.Bucket, event.EventID, event.Address, event.Port,
			event.TargetHost, event.Username, event.AuthMethod,
			string(event.Outcome), event.Timestamp, event.Origin,
			event.SourceFile, event.RawLine, string(event.Status),
			event.MLScore, event.MLConfidence, event.IsAnomaly,
			event.RiskScore, event.RiskConfidence, string(event.ThreatLevel),
			event.CreatedAt, event.UpdatedAt)

		batch.Query(stmtInsertEventByAddress,
			event.Address, event.Timestamp, event.EventID, event.Port,
			event.TargetHost, event.Username, event.AuthMethod,
			string(event.Outcome), event.Origin, event.SourceFile,
			string(event.Status), event.RiskScore, string(event.ThreatLevel))

		if err := r.client.ExecuteBatch(batch); err != nil {
			util.Error("Failed to insert auth event",
				zap.String("event_id", event.EventID),
				zap.String("address", event.Address),
				zap.Error(err))
			return fmt.Errorf("failed to insert auth event: %w", err)
		}
	}

	return nil
}

func (r *EventRepository) GetEvent(ctx context.Context, eventID string) (*model.AuthEvent, error) {
	event := &model.AuthEvent{}
	bucket := r.bucketing.EventBucket(eventID)

	var outcome, status, threatLevel string
	query := r.client.Query(stmtGetEvent, bucket, eventID).WithContext(ctx)

	err := r.client.ScanWithRetry(query,
		&event.Bucket, &event.EventID, &event.Address, &event.Port,
		&event.TargetHost, &event.Username, &event.AuthMethod, &outcome,
		&event.Timestamp, &event.Origin, &event.SourceFile, &event.RawLine,
		&status, &event.MLScore, &event.MLConfidence, &event.IsAnomaly,
		&event.RiskScore, &event.RiskConfidence, &threatLevel,
		&event.CreatedAt, &event.UpdatedAt)

	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, fmt.Errorf("event not found: %s", eventID)
		}
		util.Error("Failed to get event",
			zap.String("event_id", eventID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get event: %w", err)
	}

	event.Outcome = model.EventOutcome(outcome)
	event.Status = model.EventStatus(status)
	event.ThreatLevel = model.ThreatLevel(threatLevel)
	return event, nil
}

// AdvanceStatus persists the event's derived fields and moves it to
// next. The status only ever advances; a regressing transition is
// rejected here rather than silently applied.
func (r *EventRepository) AdvanceStatus(ctx context.Context, event *model.AuthEvent, next model.EventStatus) error {
	if !event.Status.CanAdvanceTo(next) {
		return fmt.Errorf("illegal status transition %s -> %s for event %s",
			event.Status, next, event.EventID)
	}

	now := time.Now().UTC()

	batch := r.client.Batch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(stmtUpdateEventDerived,
		string(next), event.MLScore, event.MLConfidence, event.IsAnomaly,
		event.RiskScore, event.RiskConfidence, string(event.ThreatLevel),
		now, event.Bucket, event.EventID)
	batch.Query(stmtUpdateEventByAddressDerived,
		string(next), event.RiskScore, string(event.ThreatLevel),
		event.Address, event.Timestamp, event.EventID)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to advance event status",
			zap.String("event_id", event.EventID),
			zap.String("next_status", string(next)),
			zap.Error(err))
		return fmt.Errorf("failed to advance event status: %w", err)
	}

	event.Status = next
	event.UpdatedAt = now
	return nil
}

func (r *EventRepository) ListByAddress(ctx context.Context, address string, limit int) ([]*model.AuthEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	iter := r.client.Query(stmtListEventsByAddress, address, limit).WithContext(ctx).Iter()

	var events []*model.AuthEvent
	for {
		event := &model.AuthEvent{}
		var outcome, status, threatLevel string
		if !iter.Scan(
			&event.Address, &event.Timestamp, &event.EventID, &event.Port,
			&event.TargetHost, &event.Username, &event.AuthMethod, &outcome,
			&event.Origin, &event.SourceFile, &status, &event.RiskScore,
			&threatLevel) {
			break
		}
		event.Outcome = model.EventOutcome(outcome)
		event.Status = model.EventStatus(status)
		event.ThreatLevel = model.ThreatLevel(threatLevel)
		events = append(events, event)
	}

	if err := iter.Close(); err != nil {
		util.Error("Failed to list events by address",
			zap.String("address", address),
			zap.Error(err))
		return nil, fmt.Errorf("failed to list events by address: %w", err)
	}

	return events, nil
}

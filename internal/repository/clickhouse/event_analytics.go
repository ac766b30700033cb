package clickhouse

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"authwatch/internal/client"
	"authwatch/internal/model"
	"authwatch/internal/util"
)

const (
	stmtInsertAnalyticsEvents = `
    INSERT INTO auth_events_analytics (
        event_id, address, port, target_host, username, auth_method,
        outcome, event_time, origin, source_file
    )`

	stmtAddressWindowAggregate = `
    SELECT
        count()                                 AS attempts,
        countIf(outcome != 'success')           AS failures,
        uniqExact(username)                     AS distinct_usernames,
        uniqExact(target_host)                  AS distinct_targets,
        max(event_time)                         AS last_seen
    FROM auth_events_analytics
    WHERE address = ? AND event_time >= ?`

	stmtTopAddressesByFailures = `
    SELECT address, count() AS attempts, countIf(outcome != 'success') AS failures
    FROM auth_events_analytics
    WHERE event_time >= ?
    GROUP BY address
    ORDER BY failures DESC
    LIMIT ?`
)

// EventAnalytics mirrors accepted events into ClickHouse and answers
// the exact windowed queries the hot counter cache cannot.
type EventAnalytics struct {
	client *client.ClickHouseClient
}

func NewEventAnalytics(chClient *client.ClickHouseClient, logger *zap.Logger) *EventAnalytics {
	return &EventAnalytics{client: chClient}
}

// RecordBatch mirrors a batch of accepted events. Failures here are
// reported but must not fail ingestion; the canonical store already
// holds the rows.
func (a *EventAnalytics) RecordBatch(ctx context.Context, events []*model.AuthEvent) error {
	if len(events) == 0 {
		return nil
	}

	rows := make([][]interface{}, 0, len(events))
	for _, event := range events {
		rows = append(rows, []interface{}{
			event.EventID, event.Address, uint16(event.Port),
			event.TargetHost, event.Username, event.AuthMethod,
			string(event.Outcome), event.Timestamp, event.Origin,
			event.SourceFile,
		})
	}

	if err := a.client.BatchInsert(ctx, stmtInsertAnalyticsEvents, rows); err != nil {
		util.Error("Failed to mirror events to analytics store",
			zap.Int("count", len(events)),
			zap.Error(err))
		return fmt.Errorf("failed to mirror events to analytics store: %w", err)
	}

	return nil
}

// Aggregate computes exact rolling statistics for an address over the
// trailing window.
func (a *EventAnalytics) Aggregate(ctx context.Context, address string, window time.Duration) (*model.AddressAggregate, error) {
	since := time.Now().UTC().Add(-window)

	var (
		attempts, failures uint64
		usernames, targets uint64
		lastSeen           time.Time
	)

	row := a.client.QueryRow(ctx, stmtAddressWindowAggregate, address, since)
	if err := row.Scan(&attempts, &failures, &usernames, &targets, &lastSeen); err != nil {
		return nil, fmt.Errorf("failed to query address aggregate: %w", err)
	}

	agg := &model.AddressAggregate{
		Address:           address,
		Window:            window,
		AttemptCount:      int64(attempts),
		FailureCount:      int64(failures),
		DistinctUsernames: int64(usernames),
		DistinctTargets:   int64(targets),
	}
	if minutes := window.Minutes(); minutes > 0 {
		agg.VelocityPerMinute = float64(attempts) / minutes
	}
	if !lastSeen.IsZero() && attempts > 0 {
		agg.TimeSinceLast = time.Since(lastSeen)
	}

	return agg, nil
}

// AddressActivity is one row of the offender leaderboard.
type AddressActivity struct {
	Address  string `json:"address"`
	Attempts int64  `json:"attempts"`
	Failures int64  `json:"failures"`
}

// TopOffenders lists the addresses with the most failures in the
// trailing window, for the operator surface.
func (a *EventAnalytics) TopOffenders(ctx context.Context, window time.Duration, limit int) ([]*AddressActivity, error) {
	if limit <= 0 {
		limit = 20
	}

	since := time.Now().UTC().Add(-window)
	rows, err := a.client.QueryRows(ctx, stmtTopAddressesByFailures, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query top offenders: %w", err)
	}
	defer rows.Close()

	var result []*AddressActivity
	for rows.Next() {
		var (
			address            string
			attempts, failures uint64
		)
		if err := rows.Scan(&address, &attempts, &failures); err != nil {
			return nil, fmt.Errorf("failed to scan top offender row: %w", err)
		}
		result = append(result, &AddressActivity{
			Address:  address,
			Attempts: int64(attempts),
			Failures: int64(failures),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read top offender rows: %w", err)
	}
	return result, nil
}

var _ model.AggregateProvider = (*EventAnalytics)(nil)

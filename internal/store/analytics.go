package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Analytics event types published by the engine.
const (
	EventDocumentProcessed = "document_processed"
	EventQueryAnswered     = "query_answered"
	EventErrorOccurred     = "error_occurred"
)

// AnalyticsEvent is one recorded event.
type AnalyticsEvent struct {
	ID        int64
	EventType string
	EventData json.RawMessage
	CreatedAt time.Time
}

// Analytics is the repository for the analytics table.
type Analytics struct {
	db DB
}

// Record stores an event. data may be any JSON-marshalable value.
func (s *Analytics) Record(ctx context.Context, eventType string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding analytics event: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO analytics (event_type, event_data) VALUES ($1, $2)`,
		eventType, raw)
	if err != nil {
		return fmt.Errorf("recording analytics event: %w", err)
	}
	return nil
}

// Recent returns the newest events of a type.
func (s *Analytics) Recent(ctx context.Context, eventType string, limit int) ([]AnalyticsEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(ctx,
		`SELECT id, event_type, event_data, created_at
		 FROM analytics WHERE event_type = $1
		 ORDER BY created_at DESC LIMIT $2`,
		eventType, limit)
	if err != nil {
		return nil, fmt.Errorf("listing analytics events: %w", err)
	}
	defer rows.Close()

	var events []AnalyticsEvent
	for rows.Next() {
		var e AnalyticsEvent
		if err := rows.Scan(&e.ID, &e.EventType, &e.EventData, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning analytics event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

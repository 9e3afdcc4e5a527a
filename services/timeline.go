package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/phonginreallife/opsbridge/db"
)

// execer is satisfied by *sql.DB and *sql.Tx so timeline rows can be
// written inside or outside a transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

const maxErrorDetail = 500

// truncateError bounds error text persisted to audit rows
func truncateError(msg string) string {
	if utf8.RuneCountInString(msg) <= maxErrorDetail {
		return msg
	}
	return string([]rune(msg)[:maxErrorDetail])
}

func nullableString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

// actorID is the created_by value for a timeline row. Token subjects that are
// not uuids are recorded as NULL.
func actorID(createdBy string) interface{} {
	if _, err := uuid.Parse(createdBy); err != nil {
		return nil
	}
	return createdBy
}

func createTicketEvent(ctx context.Context, ex execer, hotelID, ticketID, eventType string, eventData map[string]interface{}, createdBy string) error {
	eventDataJSON, _ := json.Marshal(eventData)

	_, err := ex.ExecContext(ctx, `
		INSERT INTO ticket_events (hotel_id, ticket_id, event_type, event_data, created_by)
		VALUES ($1, $2, $3, $4, $5)
	`, hotelID, ticketID, eventType, string(eventDataJSON), actorID(createdBy))
	if err != nil {
		return fmt.Errorf("failed to create ticket event %s: %w", eventType, err)
	}
	return nil
}

func createIncidentEvent(ctx context.Context, ex execer, hotelID, incidentID, eventType string, eventData map[string]interface{}, createdBy string) error {
	eventDataJSON, _ := json.Marshal(eventData)

	_, err := ex.ExecContext(ctx, `
		INSERT INTO incident_events (hotel_id, incident_id, event_type, event_data, created_by)
		VALUES ($1, $2, $3, $4, $5)
	`, hotelID, incidentID, eventType, string(eventDataJSON), actorID(createdBy))
	if err != nil {
		return fmt.Errorf("failed to create incident event %s: %w", eventType, err)
	}
	return nil
}

// recentIncidentEventExists reports whether an event of eventType was recorded for
// the incident at or after since. Used to dedupe overlapping autopilot runs.
func recentIncidentEventExists(ctx context.Context, q queryRower, hotelID, incidentID, eventType string, since time.Time) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM incident_events
			WHERE hotel_id = $1 AND incident_id = $2 AND event_type = $3 AND created_at >= $4
		)
	`, hotelID, incidentID, eventType, since).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check recent incident events: %w", err)
	}
	return exists, nil
}

// writeBridgeLog appends an audit row. Failures are logged, never returned:
// the bridge log must not change the outcome of the interaction it describes.
func writeBridgeLog(ctx context.Context, ex execer, entry db.BridgeLog) {
	payloadJSON, _ := json.Marshal(entry.Payload)
	if entry.Payload == nil {
		payloadJSON = []byte("{}")
	}

	var httpStatus interface{}
	if entry.HTTPStatus > 0 {
		httpStatus = entry.HTTPStatus
	}

	_, err := ex.ExecContext(ctx, `
		INSERT INTO bridge_logs (
			hotel_id, direction, event_id, event_type, ticket_id, request_id,
			result, http_status, latency_ms, error, payload
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, nullableString(entry.HotelID), entry.Direction, nullableString(entry.EventID), nullableString(entry.EventType),
		nullableString(entry.TicketID), nullableString(entry.RequestID), entry.Result, httpStatus,
		entry.LatencyMS, nullableString(truncateError(entry.Error)), string(payloadJSON))
	if err != nil {
		log.Printf("BridgeLog: failed to record %s %s for event %s: %v", entry.Direction, entry.Result, entry.EventID, err)
	}
}

package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/phonginreallife/opsbridge/db"
)

// TicketService owns the ticket-side writes of the bridge: reading ticket
// snapshots and enqueueing outbox intents next to ticket mutations.
type TicketService struct {
	PG          *sql.DB
	MaxAttempts int
	now         func() time.Time
}

func NewTicketService(pg *sql.DB, maxAttempts int) *TicketService {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &TicketService{
		PG:          pg,
		MaxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// EnqueueRequest asks for a partner notification about a ticket
type EnqueueRequest struct {
	HotelID   string                 `json:"hotel_id" binding:"required,uuid"`
	TicketID  string                 `json:"-"`
	EventType string                 `json:"event_type" binding:"required,oneof=ticket.created ticket.updated ticket.escalated"`
	Context   map[string]interface{} `json:"context,omitempty"`
	CreatedBy string                 `json:"-"`
}

const ticketColumns = `
	id, hotel_id, ticket_id, title, COALESCE(description, ''), status, severity, priority, category,
	COALESCE(requester, ''), COALESCE(assignee, ''), attachments, metadata, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTicket(row rowScanner) (*db.Ticket, error) {
	var t db.Ticket
	var attachments, metadata []byte
	err := row.Scan(
		&t.ID, &t.HotelID, &t.TicketID, &t.Title, &t.Description, &t.Status, &t.Severity, &t.Priority, &t.Category,
		&t.Requester, &t.Assignee, &attachments, &metadata, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(attachments) > 0 {
		_ = json.Unmarshal(attachments, &t.Attachments)
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &t.Metadata)
	}
	if t.Metadata == nil {
		t.Metadata = map[string]interface{}{}
	}
	return &t, nil
}

// GetTicket returns one ticket scoped to its tenant
func (s *TicketService) GetTicket(ctx context.Context, hotelID, id string) (*db.Ticket, error) {
	return getTicket(ctx, s.PG, hotelID, id)
}

func getTicket(ctx context.Context, q queryRower, hotelID, id string) (*db.Ticket, error) {
	t, err := scanTicket(q.QueryRowContext(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE id = $1 AND hotel_id = $2
	`, id, hotelID))
	if err != nil {
		if isNoRows(err) {
			return nil, notFoundError("ticket %s not found", id)
		}
		return nil, fmt.Errorf("failed to get ticket: %w", err)
	}
	return t, nil
}

// lockTicketForCallback finds the ticket a callback refers to and locks it for the
// rest of the transaction. ticketUUID wins over readableID. hotelID may be empty,
// in which case a readable id must be unambiguous across tenants.
// Returns nil, nil when no ticket matches.
func lockTicketForCallback(ctx context.Context, tx *sql.Tx, hotelID, ticketUUID, readableID string) (*db.Ticket, error) {
	var (
		where string
		args  []interface{}
	)
	if ticketUUID != "" {
		where = "id = $1"
		args = append(args, ticketUUID)
	} else {
		where = "ticket_id = $1"
		args = append(args, readableID)
	}
	if hotelID != "" {
		where += " AND hotel_id = $2"
		args = append(args, hotelID)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE `+where+`
		LIMIT 2
		FOR UPDATE
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to look up ticket: %w", err)
	}
	defer rows.Close()

	var found []*db.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ticket: %w", err)
		}
		found = append(found, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tickets: %w", err)
	}

	switch len(found) {
	case 0:
		return nil, nil
	case 1:
		return found[0], nil
	default:
		return nil, validationError("ticket %s is ambiguous, hotel_id is required", readableID)
	}
}

// EnqueueOutbox records a partner notification intent for a ticket together with
// an `updated` ticket event, in one transaction.
func (s *TicketService) EnqueueOutbox(ctx context.Context, req EnqueueRequest) (*db.OutboxEntry, error) {
	if !isValidOutboxEventType(req.EventType) {
		return nil, validationError("unsupported event_type %q", req.EventType)
	}
	if _, err := uuid.Parse(req.TicketID); err != nil {
		return nil, validationError("ticket id must be a uuid")
	}

	now := s.now().UTC()
	entry := &db.OutboxEntry{
		ID:          uuid.New().String(),
		HotelID:     req.HotelID,
		TicketID:    req.TicketID,
		EventID:     uuid.New().String(),
		EventType:   req.EventType,
		Status:      db.OutboxStatusPending,
		MaxAttempts: s.MaxAttempts,
		NextRetryAt: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	payload := req.Context
	if payload == nil {
		payload = map[string]interface{}{}
	}
	entry.Payload, _ = json.Marshal(payload)

	tx, err := s.PG.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	err = tx.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM tickets WHERE id = $1 AND hotel_id = $2)
	`, req.TicketID, req.HotelID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check ticket: %w", err)
	}
	if !exists {
		return nil, notFoundError("ticket %s not found", req.TicketID)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO bridge_outbox (
			id, hotel_id, ticket_id, event_id, event_type, payload, status,
			attempt_count, max_attempts, next_retry_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10, $10)
	`, entry.ID, entry.HotelID, entry.TicketID, entry.EventID, entry.EventType, string(entry.Payload),
		string(entry.Status), entry.MaxAttempts, entry.NextRetryAt, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert outbox entry: %w", err)
	}

	if err := createTicketEvent(ctx, tx, req.HotelID, req.TicketID, db.TicketEventUpdated, map[string]interface{}{
		"outbox_event_type": req.EventType,
		"event_id":          entry.EventID,
	}, req.CreatedBy); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit outbox entry: %w", err)
	}

	log.Printf("Outbox: queued %s for ticket %s (event %s)", entry.EventType, entry.TicketID, entry.EventID)
	return entry, nil
}

func isValidOutboxEventType(eventType string) bool {
	for _, t := range db.ValidOutboxEventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

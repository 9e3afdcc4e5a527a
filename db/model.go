package db

import (
	"encoding/json"
	"time"
)

// ===========================
// TICKET MODELS
// ===========================

// Ticket is an operations ticket synchronized with the remediation partner.
// Tickets are created by the ticketing UI; this service only mutates them.
type Ticket struct {
	ID          string                 `json:"id"`
	HotelID     string                 `json:"hotel_id"`  // Tenant isolation - MANDATORY
	TicketID    string                 `json:"ticket_id"` // Human-readable id, e.g. OPS-1042
	Title       string                 `json:"title"`
	Description string                 `json:"description,omitempty"`
	Status      TicketStatus           `json:"status"`
	Severity    string                 `json:"severity"`
	Priority    string                 `json:"priority"`
	Category    string                 `json:"category"`
	Requester   string                 `json:"requester,omitempty"`
	Assignee    string                 `json:"assignee,omitempty"`
	Attachments []string               `json:"attachments,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// TicketEvent is an append-only entry in the ticket timeline
type TicketEvent struct {
	ID        string                 `json:"id"`
	HotelID   string                 `json:"hotel_id"`
	TicketID  string                 `json:"ticket_id"` // tickets.id (uuid)
	EventType string                 `json:"event_type"`
	EventData map[string]interface{} `json:"event_data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
	CreatedBy string                 `json:"created_by,omitempty"`
}

// Ticket event types
const (
	TicketEventCreated           = "created"
	TicketEventUpdated           = "updated"
	TicketEventStatusChanged     = "status_changed"
	TicketEventNote              = "note"
	TicketEventCallbackReceived  = "callback_received"
	TicketEventCallbackProcessed = "callback_processed"
	TicketEventCallbackIgnored   = "callback_ignored"
	TicketEventDispatched        = "dispatched"
	TicketEventDispatchFailed    = "dispatch_failed"
)

// ===========================
// BRIDGE MODELS
// ===========================

// OutboxEntry is one outbound notification intent for the partner
type OutboxEntry struct {
	ID            string          `json:"id"`
	HotelID       string          `json:"hotel_id"`
	TicketID      string          `json:"ticket_id"`
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"` // ticket.created, ticket.updated, ticket.escalated
	Payload       json.RawMessage `json:"payload,omitempty"`
	Status        OutboxStatus    `json:"status"`
	AttemptCount  int             `json:"attempt_count"`
	MaxAttempts   int             `json:"max_attempts"`
	NextRetryAt   time.Time       `json:"next_retry_at"`
	LockedAt      *time.Time      `json:"locked_at,omitempty"`
	SentAt        *time.Time      `json:"sent_at,omitempty"`
	LastError     string          `json:"last_error,omitempty"`
	LastLatencyMS int64           `json:"last_latency_ms,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// InboxEntry deduplicates partner callbacks by their event id
type InboxEntry struct {
	ID          string          `json:"id"`
	HotelID     string          `json:"hotel_id"`
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	TicketRef   string          `json:"ticket_ref"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Status      InboxStatus     `json:"status"`
	Error       string          `json:"error,omitempty"`
	ReceivedAt  time.Time       `json:"received_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

// BridgeLog records every inbound and outbound partner interaction
type BridgeLog struct {
	ID         string                 `json:"id"`
	HotelID    string                 `json:"hotel_id,omitempty"`
	Direction  string                 `json:"direction"` // inbound, outbound
	EventID    string                 `json:"event_id,omitempty"`
	EventType  string                 `json:"event_type,omitempty"`
	TicketID   string                 `json:"ticket_id,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	Result     string                 `json:"result"` // success, error, ignored
	HTTPStatus int                    `json:"http_status,omitempty"`
	LatencyMS  int64                  `json:"latency_ms"`
	Error      string                 `json:"error,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// Outbox event types
const (
	OutboxEventTicketCreated   = "ticket.created"
	OutboxEventTicketUpdated   = "ticket.updated"
	OutboxEventTicketEscalated = "ticket.escalated"
)

// ValidOutboxEventTypes lists the intents the ticketing side may enqueue
var ValidOutboxEventTypes = []string{
	OutboxEventTicketCreated,
	OutboxEventTicketUpdated,
	OutboxEventTicketEscalated,
}

// Bridge log directions
const (
	BridgeDirectionInbound  = "inbound"
	BridgeDirectionOutbound = "outbound"
)

// Bridge log results
const (
	BridgeResultSuccess = "success"
	BridgeResultError   = "error"
	BridgeResultIgnored = "ignored"
)

// ===========================
// KPI MODELS
// ===========================

// WeeklySnapshot is the per-tenant KPI rollup for one ISO week
type WeeklySnapshot struct {
	HotelID         string           `json:"hotel_id"`
	WeekStart       time.Time        `json:"week_start"`
	WeekEnd         time.Time        `json:"week_end"`
	TotalIncidents  int              `json:"total_incidents"`
	AutoResolvedPct float64          `json:"auto_resolved_pct"`
	MTTAMinutes     *float64         `json:"mtta_minutes"`
	MTTRMinutes     *float64         `json:"mttr_minutes"`
	RootCauses      []RootCauseCount `json:"root_causes"`
	GeneratedAt     time.Time        `json:"generated_at"`
}

// RootCauseCount is one entry of the ranked root cause list
type RootCauseCount struct {
	Cause string `json:"cause"`
	Count int    `json:"count"`
}

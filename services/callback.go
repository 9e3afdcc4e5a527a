package services

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/phonginreallife/opsbridge/db"
	"github.com/phonginreallife/opsbridge/internal/config"
)

// Partner callback event types
const (
	CallbackTriaged          = "triaged"
	CallbackAnalysisReady    = "analysis_ready"
	CallbackSolutionProposed = "solution_proposed"
	CallbackResolved         = "resolved"
	CallbackNeedsHuman       = "needs_human"
)

var callbackStatusMap = map[string]db.TicketStatus{
	CallbackTriaged:          db.TicketStatusTriaged,
	CallbackAnalysisReady:    db.TicketStatusInProgress,
	CallbackSolutionProposed: db.TicketStatusFixed,
	CallbackResolved:         db.TicketStatusClosed,
	CallbackNeedsHuman:       db.TicketStatusNeedsHuman,
}

// IsSupportedCallbackEvent reports whether eventType is on the partner allow-list
func IsSupportedCallbackEvent(eventType string) bool {
	_, ok := callbackStatusMap[eventType]
	return ok
}

// TicketStatusForCallback maps a partner event to the ticket status it implies.
// Anything unrecognized goes to a human.
func TicketStatusForCallback(eventType string) db.TicketStatus {
	if status, ok := callbackStatusMap[eventType]; ok {
		return status
	}
	return db.TicketStatusNeedsHuman
}

// CallbackService authenticates and applies partner callbacks
type CallbackService struct {
	PG *sql.DB

	secret  string
	headers BridgeHeaders
	window  time.Duration
	now     func() time.Time
}

// CallbackRequest is the raw inbound HTTP request
type CallbackRequest struct {
	Headers   http.Header
	Body      []byte
	RequestID string
}

// CallbackPayload is the partner callback body
type CallbackPayload struct {
	EventID    string      `json:"event_id"`
	EventType  string      `json:"event_type"`
	TicketID   string      `json:"ticket_id"`
	TicketUUID string      `json:"ticket_uuid"`
	HotelID    string      `json:"hotel_id"`
	Note       string      `json:"note"`
	Metadata   interface{} `json:"metadata"`
}

// CallbackResult is returned for every accepted (2xx) callback
type CallbackResult struct {
	EventID   string          `json:"event_id"`
	TicketID  string          `json:"ticket_id,omitempty"`
	Status    db.TicketStatus `json:"status,omitempty"`
	Duplicate bool            `json:"duplicate"`
	Ignored   bool            `json:"ignored"`
}

func NewCallbackService(pg *sql.DB, cfg config.BridgeConfig) *CallbackService {
	return &CallbackService{
		PG:      pg,
		secret:  cfg.SigningSecret,
		headers: NewBridgeHeaders(cfg.HeaderPrefix),
		window:  DefaultReplayWindow,
		now:     time.Now,
	}
}

// Authenticate checks timestamp, replay window and signature. It has no side effects.
func (s *CallbackService) Authenticate(headers http.Header, body []byte) error {
	if s.secret == "" {
		return configurationError("callback signing secret is not configured")
	}

	tsHeader := headers.Get(s.headers.Timestamp)
	signature := headers.Get(s.headers.Signature)
	if tsHeader == "" || signature == "" {
		return authError("missing signature headers")
	}

	ts, ok := ParseTimestampHeader(tsHeader)
	if !ok {
		return authError("invalid timestamp header")
	}
	if !WithinReplayWindow(ts, s.now(), s.window) {
		return authError("timestamp outside replay window")
	}

	if !VerifySignature(Sign(s.secret, ts, body), signature) {
		return authError("invalid signature")
	}
	return nil
}

// ParseCallback decodes and validates a callback body
func ParseCallback(body []byte) (*CallbackPayload, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var p CallbackPayload
	if err := dec.Decode(&p); err != nil {
		return nil, validationError("malformed JSON body")
	}

	p.EventID = strings.TrimSpace(p.EventID)
	p.EventType = strings.TrimSpace(p.EventType)
	p.TicketID = strings.TrimSpace(p.TicketID)
	p.TicketUUID = strings.TrimSpace(p.TicketUUID)
	p.HotelID = strings.TrimSpace(p.HotelID)

	if !IsSupportedCallbackEvent(p.EventType) {
		return nil, validationError("unsupported event_type %q", p.EventType)
	}
	if p.EventID == "" {
		return nil, validationError("event_id is required")
	}
	if p.TicketID == "" && p.TicketUUID == "" {
		return nil, validationError("ticket_id or ticket_uuid is required")
	}
	if p.TicketUUID != "" {
		if _, err := uuid.Parse(p.TicketUUID); err != nil {
			return nil, validationError("ticket_uuid must be a uuid")
		}
	}
	if p.HotelID != "" {
		if _, err := uuid.Parse(p.HotelID); err != nil {
			return nil, validationError("hotel_id must be a uuid")
		}
	}
	return &p, nil
}

func (p *CallbackPayload) ticketRef() string {
	if p.TicketUUID != "" {
		return p.TicketUUID
	}
	return p.TicketID
}

func (p *CallbackPayload) sanitizedMetadata() SanitizedMetadata {
	m, _ := p.Metadata.(map[string]interface{})
	return SanitizeMetadata(m)
}

// Receive authenticates, deduplicates and applies one partner callback.
//
// The inbox insert and every ticket write share one transaction: a concurrent
// duplicate blocks on the event_id unique index and then fails with a unique
// violation, and a crash mid-way leaves no inbox row behind so the partner's
// retry is processed normally.
func (s *CallbackService) Receive(ctx context.Context, req CallbackRequest) (*CallbackResult, error) {
	start := time.Now()

	if err := s.Authenticate(req.Headers, req.Body); err != nil {
		log.Printf("Callback: rejected request %s: %v", req.RequestID, err)
		callbackOutcomes.WithLabelValues("unauthorized").Inc()
		return nil, err
	}

	payload, err := ParseCallback(req.Body)
	if err == nil {
		if headerEventID := req.Headers.Get(s.headers.EventID); headerEventID != "" && headerEventID != payload.EventID {
			err = validationError("event id header does not match body")
		}
	}
	if err != nil {
		callbackOutcomes.WithLabelValues("invalid").Inc()
		writeBridgeLog(ctx, s.PG, db.BridgeLog{
			Direction:  db.BridgeDirectionInbound,
			EventID:    req.Headers.Get(s.headers.EventID),
			RequestID:  req.RequestID,
			Result:     db.BridgeResultError,
			HTTPStatus: http.StatusBadRequest,
			LatencyMS:  time.Since(start).Milliseconds(),
			Error:      err.Error(),
		})
		return nil, err
	}

	logEntry := db.BridgeLog{
		HotelID:   payload.HotelID,
		Direction: db.BridgeDirectionInbound,
		EventID:   payload.EventID,
		EventType: payload.EventType,
		RequestID: req.RequestID,
		Payload: map[string]interface{}{
			"ticket_ref": payload.ticketRef(),
		},
	}

	result, err := s.apply(ctx, payload, &logEntry)
	logEntry.LatencyMS = time.Since(start).Milliseconds()

	switch {
	case err != nil:
		logEntry.Result = db.BridgeResultError
		logEntry.Error = err.Error()
		logEntry.HTTPStatus = StatusForError(err)
		callbackOutcomes.WithLabelValues("error").Inc()
	case result.Duplicate || result.Ignored:
		logEntry.Result = db.BridgeResultIgnored
		logEntry.HTTPStatus = http.StatusOK
		callbackOutcomes.WithLabelValues("ignored").Inc()
	default:
		logEntry.Result = db.BridgeResultSuccess
		logEntry.HTTPStatus = http.StatusOK
		callbackOutcomes.WithLabelValues("processed").Inc()
	}
	writeBridgeLog(ctx, s.PG, logEntry)

	return result, err
}

func (s *CallbackService) apply(ctx context.Context, payload *CallbackPayload, logEntry *db.BridgeLog) (*CallbackResult, error) {
	now := s.now().UTC()
	result := &CallbackResult{EventID: payload.EventID}

	tx, err := s.PG.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	ticket, err := lockTicketForCallback(ctx, tx, payload.HotelID, payload.TicketUUID, payload.TicketID)
	if err != nil {
		return nil, err
	}

	hotelID := payload.HotelID
	if hotelID == "" && ticket != nil {
		hotelID = ticket.HotelID
	}
	if hotelID == "" {
		// No tenant to scope an inbox row to. A redelivery of an event we already
		// took is still a duplicate even when its ticket is gone.
		var seenHotelID string
		err := tx.QueryRowContext(ctx, `
			SELECT hotel_id FROM bridge_inbox WHERE event_id = $1
		`, payload.EventID).Scan(&seenHotelID)
		if err == nil {
			log.Printf("Callback: duplicate delivery of event %s ignored", payload.EventID)
			logEntry.HotelID = seenHotelID
			result.Duplicate = true
			return result, nil
		}
		if !isNoRows(err) {
			return nil, fmt.Errorf("failed to look up inbox entry: %w", err)
		}
		return nil, notFoundError("ticket %s not found", payload.ticketRef())
	}
	logEntry.HotelID = hotelID

	rawPayload, _ := json.Marshal(payload)
	var inboxID string
	err = tx.QueryRowContext(ctx, `
		INSERT INTO bridge_inbox (hotel_id, event_id, event_type, ticket_ref, payload, status, received_at)
		VALUES ($1, $2, $3, $4, $5, 'received', $6)
		RETURNING id
	`, hotelID, payload.EventID, payload.EventType, payload.ticketRef(), string(rawPayload), now).Scan(&inboxID)
	if err != nil {
		if isUniqueViolation(err) {
			log.Printf("Callback: duplicate delivery of event %s ignored", payload.EventID)
			result.Duplicate = true
			return result, nil
		}
		return nil, fmt.Errorf("failed to record inbox entry: %w", err)
	}

	if ticket == nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE bridge_inbox SET status = 'failed', error = $1, processed_at = $2
			WHERE id = $3 AND hotel_id = $4
		`, "ticket not found", now, inboxID, hotelID); err != nil {
			return nil, fmt.Errorf("failed to mark inbox entry failed: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit inbox entry: %w", err)
		}
		return nil, notFoundError("ticket %s not found", payload.ticketRef())
	}

	result.TicketID = ticket.ID
	logEntry.TicketID = ticket.ID

	if err := createTicketEvent(ctx, tx, hotelID, ticket.ID, db.TicketEventCallbackReceived, map[string]interface{}{
		"event_id":   payload.EventID,
		"event_type": payload.EventType,
	}, db.SystemActorBridge); err != nil {
		return nil, err
	}

	from := ticket.Status
	to := TicketStatusForCallback(payload.EventType)
	note := SanitizeNote(payload.Note)

	if !from.CanTransitionTo(to) {
		if err := createTicketEvent(ctx, tx, hotelID, ticket.ID, db.TicketEventCallbackIgnored, map[string]interface{}{
			"event_id":   payload.EventID,
			"event_type": payload.EventType,
			"from":       string(from),
			"rejected":   string(to),
		}, db.SystemActorBridge); err != nil {
			return nil, err
		}
		result.Ignored = true
		to = from
	} else {
		metadata := payload.sanitizedMetadata().MergeInto(ticket.Metadata)
		metadataJSON, _ := json.Marshal(metadata)

		if _, err := tx.ExecContext(ctx, `
			UPDATE tickets SET status = $1, metadata = $2, updated_at = $3
			WHERE id = $4 AND hotel_id = $5
		`, string(to), string(metadataJSON), now, ticket.ID, hotelID); err != nil {
			return nil, fmt.Errorf("failed to update ticket: %w", err)
		}

		eventData := map[string]interface{}{
			"event_id":   payload.EventID,
			"event_type": payload.EventType,
			"from":       string(from),
			"to":         string(to),
		}
		if note != "" {
			eventData["note"] = note
		}
		if err := createTicketEvent(ctx, tx, hotelID, ticket.ID, db.TicketEventCallbackProcessed, eventData, db.SystemActorBridge); err != nil {
			return nil, err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE bridge_inbox SET status = 'processed', processed_at = $1
		WHERE id = $2 AND hotel_id = $3
	`, now, inboxID, hotelID); err != nil {
		return nil, fmt.Errorf("failed to mark inbox entry processed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit callback: %w", err)
	}

	result.Status = to
	log.Printf("Callback: ticket %s %s -> %s (event %s)", ticket.TicketID, from, to, payload.EventID)
	return result, nil
}

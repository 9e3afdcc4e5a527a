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
	"github.com/phonginreallife/opsbridge/internal/config"
)

// Batch bounds for one dispatch pass
const (
	DefaultDispatchBatch = 20
	MaxDispatchBatch     = 100

	baseRetryDelay = 5 * time.Second
	maxRetryDelay  = 300 * time.Second
)

// DispatcherService drains bridge_outbox towards the partner webhook.
// Several dispatchers may run at once; the claim UPDATE is the only lock.
type DispatcherService struct {
	PG      *sql.DB
	Partner *PartnerClient

	source       string
	defaultBatch int
	staleAfter   time.Duration
	now          func() time.Time
}

type DispatchRequest struct {
	HotelID  string `json:"hotel_id" binding:"omitempty,uuid"`
	MaxBatch int    `json:"max_batch" binding:"omitempty,gte=0"`
}

type DispatchResult struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Ignored   int `json:"ignored"`
	Reclaimed int `json:"reclaimed"`
}

// OutboundEvent is the body POSTed to the partner. Field order is fixed by the struct.
type OutboundEvent struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
	Ticket     db.Ticket `json:"ticket"`
	Source     string    `json:"source"`
}

func NewDispatcherService(pg *sql.DB, partner *PartnerClient, cfg config.BridgeConfig) *DispatcherService {
	return &DispatcherService{
		PG:           pg,
		Partner:      partner,
		source:       cfg.Source,
		defaultBatch: cfg.DefaultMaxBatch,
		staleAfter:   cfg.StaleAfter,
		now:          time.Now,
	}
}

// RetryDelay returns the wait before the next attempt after `attempt` failures:
// 5s doubling per attempt, capped at 300s.
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 7 {
		return maxRetryDelay
	}
	delay := baseRetryDelay << uint(attempt-1)
	if delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

func (s *DispatcherService) batchSize(requested int) int {
	size := requested
	if size <= 0 {
		size = s.defaultBatch
	}
	if size <= 0 {
		size = DefaultDispatchBatch
	}
	if size > MaxDispatchBatch {
		size = MaxDispatchBatch
	}
	return size
}

// Dispatch runs one pass over due outbox rows
func (s *DispatcherService) Dispatch(ctx context.Context, req DispatchRequest) (DispatchResult, error) {
	var result DispatchResult

	if s.Partner == nil || !s.Partner.IsConfigured() {
		return result, configurationError("partner webhook url or signing secret is not configured")
	}

	now := s.now().UTC()

	if s.staleAfter > 0 {
		reclaimed, err := s.ReclaimStale(ctx, req.HotelID, s.staleAfter)
		if err != nil {
			log.Printf("Dispatcher: failed to reclaim stale rows: %v", err)
		}
		result.Reclaimed = reclaimed
	}

	entries, err := s.dueEntries(ctx, req.HotelID, s.batchSize(req.MaxBatch), now)
	if err != nil {
		return result, err
	}

	for _, entry := range entries {
		result.Processed++

		claimed, err := s.claim(ctx, entry)
		if err != nil {
			log.Printf("Dispatcher: failed to claim outbox %s: %v", entry.ID, err)
			result.Ignored++
			continue
		}
		if !claimed {
			result.Ignored++
			continue
		}

		if s.deliver(ctx, entry) {
			result.Sent++
		} else {
			result.Failed++
		}
	}

	if result.Processed > 0 {
		log.Printf("Dispatcher: processed=%d sent=%d failed=%d ignored=%d",
			result.Processed, result.Sent, result.Failed, result.Ignored)
	}
	return result, nil
}

func (s *DispatcherService) dueEntries(ctx context.Context, hotelID string, limit int, now time.Time) ([]db.OutboxEntry, error) {
	query := `
		SELECT id, hotel_id, ticket_id, event_id, event_type, status, attempt_count, max_attempts, next_retry_at, created_at
		FROM bridge_outbox
		WHERE status IN ('pending', 'failed')
		  AND next_retry_at <= $1
		  AND attempt_count < max_attempts`
	args := []interface{}{now}
	if hotelID != "" {
		query += ` AND hotel_id = $3`
	}
	query += `
		ORDER BY created_at ASC
		LIMIT $2`
	args = append(args, limit)
	if hotelID != "" {
		args = append(args, hotelID)
	}

	rows, err := s.PG.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select outbox entries: %w", err)
	}
	defer rows.Close()

	var entries []db.OutboxEntry
	for rows.Next() {
		var e db.OutboxEntry
		if err := rows.Scan(&e.ID, &e.HotelID, &e.TicketID, &e.EventID, &e.EventType, &e.Status,
			&e.AttemptCount, &e.MaxAttempts, &e.NextRetryAt, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outbox entries: %w", err)
	}
	return entries, nil
}

// claim flips the row to processing only if nobody else did first
func (s *DispatcherService) claim(ctx context.Context, entry db.OutboxEntry) (bool, error) {
	now := s.now().UTC()
	res, err := s.PG.ExecContext(ctx, `
		UPDATE bridge_outbox
		SET status = 'processing', locked_at = $1, updated_at = $1
		WHERE id = $2 AND hotel_id = $3
		  AND status IN ('pending', 'failed')
		  AND attempt_count < max_attempts
	`, now, entry.ID, entry.HotelID)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// deliver sends one claimed row and records the outcome. Returns true when sent.
func (s *DispatcherService) deliver(ctx context.Context, entry db.OutboxEntry) bool {
	requestID := uuid.New().String()

	ticket, err := getTicket(ctx, s.PG, entry.HotelID, entry.TicketID)
	if err != nil {
		s.recordFailure(ctx, entry, requestID, PartnerDelivery{}, err)
		return false
	}

	body, err := json.Marshal(OutboundEvent{
		EventID:    entry.EventID,
		EventType:  entry.EventType,
		OccurredAt: entry.CreatedAt.UTC(),
		Ticket:     *ticket,
		Source:     s.source,
	})
	if err != nil {
		s.recordFailure(ctx, entry, requestID, PartnerDelivery{}, fmt.Errorf("failed to marshal payload: %w", err))
		return false
	}

	delivery, err := s.Partner.Deliver(ctx, entry.EventID, requestID, body)
	if err != nil {
		s.recordFailure(ctx, entry, requestID, delivery, err)
		return false
	}

	s.recordSuccess(ctx, entry, requestID, delivery)
	return true
}

func (s *DispatcherService) recordSuccess(ctx context.Context, entry db.OutboxEntry, requestID string, delivery PartnerDelivery) {
	now := s.now().UTC()
	latencyMS := delivery.Latency.Milliseconds()

	_, err := s.PG.ExecContext(ctx, `
		UPDATE bridge_outbox
		SET status = 'sent', sent_at = $1, last_latency_ms = $2, last_error = NULL, locked_at = NULL, updated_at = $1
		WHERE id = $3 AND hotel_id = $4
	`, now, latencyMS, entry.ID, entry.HotelID)
	if err != nil {
		// The row stays in processing and is reclaimed later; the partner dedupes by event id.
		log.Printf("Dispatcher: failed to mark outbox %s sent: %v", entry.ID, err)
	}

	if err := createTicketEvent(ctx, s.PG, entry.HotelID, entry.TicketID, db.TicketEventDispatched, map[string]interface{}{
		"event_id":    entry.EventID,
		"event_type":  entry.EventType,
		"request_id":  requestID,
		"http_status": delivery.StatusCode,
		"latency_ms":  latencyMS,
	}, db.SystemActorBridge); err != nil {
		log.Printf("Dispatcher: %v", err)
	}

	writeBridgeLog(ctx, s.PG, db.BridgeLog{
		HotelID:    entry.HotelID,
		Direction:  db.BridgeDirectionOutbound,
		EventID:    entry.EventID,
		EventType:  entry.EventType,
		TicketID:   entry.TicketID,
		RequestID:  requestID,
		Result:     db.BridgeResultSuccess,
		HTTPStatus: delivery.StatusCode,
		LatencyMS:  latencyMS,
	})
	dispatchOutcomes.WithLabelValues("sent").Inc()
}

func (s *DispatcherService) recordFailure(ctx context.Context, entry db.OutboxEntry, requestID string, delivery PartnerDelivery, cause error) {
	now := s.now().UTC()
	attempt := entry.AttemptCount + 1
	delay := RetryDelay(attempt)

	status := db.OutboxStatusPending
	nextRetryAt := now.Add(delay)
	if attempt >= entry.MaxAttempts {
		status = db.OutboxStatusFailed
		nextRetryAt = now
	}
	detail := truncateError(cause.Error())
	latencyMS := delivery.Latency.Milliseconds()

	_, err := s.PG.ExecContext(ctx, `
		UPDATE bridge_outbox
		SET status = $1, attempt_count = $2, next_retry_at = $3, last_error = $4,
		    last_latency_ms = $5, locked_at = NULL, updated_at = $6
		WHERE id = $7 AND hotel_id = $8
	`, string(status), attempt, nextRetryAt, detail, latencyMS, now, entry.ID, entry.HotelID)
	if err != nil {
		log.Printf("Dispatcher: failed to record failure for outbox %s: %v", entry.ID, err)
	}

	eventData := map[string]interface{}{
		"event_id":      entry.EventID,
		"event_type":    entry.EventType,
		"request_id":    requestID,
		"attempt_count": attempt,
		"status":        string(status),
		"error":         detail,
	}
	if status == db.OutboxStatusPending {
		eventData["next_retry_at"] = nextRetryAt
	}
	if err := createTicketEvent(ctx, s.PG, entry.HotelID, entry.TicketID, db.TicketEventDispatchFailed, eventData, db.SystemActorBridge); err != nil {
		log.Printf("Dispatcher: %v", err)
	}

	writeBridgeLog(ctx, s.PG, db.BridgeLog{
		HotelID:    entry.HotelID,
		Direction:  db.BridgeDirectionOutbound,
		EventID:    entry.EventID,
		EventType:  entry.EventType,
		TicketID:   entry.TicketID,
		RequestID:  requestID,
		Result:     db.BridgeResultError,
		HTTPStatus: delivery.StatusCode,
		LatencyMS:  latencyMS,
		Error:      detail,
	})

	if status == db.OutboxStatusFailed {
		log.Printf("❌ Dispatcher: outbox %s exhausted %d attempts: %s", entry.ID, attempt, detail)
		dispatchOutcomes.WithLabelValues("failed").Inc()
	} else {
		log.Printf("Dispatcher: outbox %s attempt %d failed, retry in %s", entry.ID, attempt, delay)
		dispatchOutcomes.WithLabelValues("retry").Inc()
	}
}

// ReclaimStale returns rows stuck in processing longer than staleAfter to the
// retry path. The lost attempt counts as a failure, so backoff and the
// max_attempts limit apply as usual.
func (s *DispatcherService) ReclaimStale(ctx context.Context, hotelID string, staleAfter time.Duration) (int, error) {
	now := s.now().UTC()
	query := `
		UPDATE bridge_outbox
		SET status = CASE WHEN attempt_count + 1 >= max_attempts THEN 'failed' ELSE 'pending' END,
		    attempt_count = attempt_count + 1,
		    next_retry_at = $1::timestamptz + make_interval(secs => LEAST(300, 5 * POWER(2, LEAST(attempt_count, 7)))),
		    last_error = 'processing lock expired',
		    locked_at = NULL,
		    updated_at = $1
		WHERE status = 'processing' AND locked_at < $2`
	args := []interface{}{now, now.Add(-staleAfter)}
	if hotelID != "" {
		query += ` AND hotel_id = $3`
		args = append(args, hotelID)
	}

	res, err := s.PG.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale outbox rows: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected > 0 {
		log.Printf("⚠️  Dispatcher: reclaimed %d stale processing row(s)", affected)
	}
	return int(affected), nil
}

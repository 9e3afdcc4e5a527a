package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/phonginreallife/opsbridge/db"
)

// RemediationSignal is the corrective instruction sent to a service agent
type RemediationSignal struct {
	SignalID   string    `json:"signal_id"`
	HotelID    string    `json:"hotel_id"`
	IncidentID string    `json:"incident_id"`
	ServiceKey string    `json:"service_key"`
	ActionKey  string    `json:"action_key"`
	Severity   string    `json:"severity"`
	IssuedAt   time.Time `json:"issued_at"`
}

func newRemediationSignal(incident db.Incident, action RemediationAction, now time.Time) RemediationSignal {
	return RemediationSignal{
		SignalID:   uuid.New().String(),
		HotelID:    incident.HotelID,
		IncidentID: incident.ID,
		ServiceKey: action.ServiceKey,
		ActionKey:  action.ActionKey,
		Severity:   string(incident.Severity),
		IssuedAt:   now.UTC(),
	}
}

// SignalQueueKey is the Redis list a service agent drains
func SignalQueueKey(serviceKey string) string {
	return "remediation:queue:" + serviceKey
}

// SignalSubject is the pub/sub channel (Redis) or subject (NATS) for a service
func SignalSubject(serviceKey string) string {
	return "remediation." + serviceKey
}

// redisSignaler is the part of *redis.Client the remediator needs
type redisSignaler interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisSignalRemediator queues the signal for the service agent and
// publishes a wake-up on the service channel.
type RedisSignalRemediator struct {
	Redis redisSignaler
	now   func() time.Time
}

func NewRedisSignalRemediator(client *redis.Client) *RedisSignalRemediator {
	return &RedisSignalRemediator{Redis: client, now: time.Now}
}

func (r *RedisSignalRemediator) Execute(ctx context.Context, incident db.Incident, action RemediationAction) error {
	b, err := json.Marshal(newRemediationSignal(incident, action, r.now()))
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}

	if err := r.Redis.RPush(ctx, SignalQueueKey(action.ServiceKey), b).Err(); err != nil {
		return fmt.Errorf("failed to queue signal: %w", err)
	}
	// Agents that are not subscribed still find the queued signal.
	if err := r.Redis.Publish(ctx, SignalSubject(action.ServiceKey), b).Err(); err != nil {
		log.Printf("⚠️  Autopilot: signal queued but publish failed for %s: %v", action.ServiceKey, err)
	}
	return nil
}

// natsPublisher is satisfied by *nats.Conn
type natsPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSSignalRemediator publishes the signal on the service subject
type NATSSignalRemediator struct {
	Conn natsPublisher
	now  func() time.Time
}

func NewNATSSignalRemediator(conn natsPublisher) *NATSSignalRemediator {
	return &NATSSignalRemediator{Conn: conn, now: time.Now}
}

func (r *NATSSignalRemediator) Execute(ctx context.Context, incident db.Incident, action RemediationAction) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(newRemediationSignal(incident, action, r.now()))
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}
	if err := r.Conn.Publish(SignalSubject(action.ServiceKey), payload); err != nil {
		return fmt.Errorf("failed to publish signal: %w", err)
	}
	return nil
}

// SQLSignalRemediator writes the signal to service_signals for agents that poll the database
type SQLSignalRemediator struct {
	PG  *sql.DB
	now func() time.Time
}

func NewSQLSignalRemediator(pg *sql.DB) *SQLSignalRemediator {
	return &SQLSignalRemediator{PG: pg, now: time.Now}
}

func (r *SQLSignalRemediator) Execute(ctx context.Context, incident db.Incident, action RemediationAction) error {
	signal := newRemediationSignal(incident, action, r.now())
	payload, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("failed to marshal signal: %w", err)
	}

	_, err = r.PG.ExecContext(ctx, `
		INSERT INTO service_signals (id, hotel_id, incident_id, service_key, action_key, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, signal.SignalID, signal.HotelID, signal.IncidentID, signal.ServiceKey, signal.ActionKey, string(payload), signal.IssuedAt)
	if err != nil {
		return fmt.Errorf("failed to insert service signal: %w", err)
	}
	return nil
}

// RemediatorFunc adapts a plain function to Remediator
type RemediatorFunc func(ctx context.Context, incident db.Incident, action RemediationAction) error

func (f RemediatorFunc) Execute(ctx context.Context, incident db.Incident, action RemediationAction) error {
	return f(ctx, incident, action)
}

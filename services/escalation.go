package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	ttlcache "github.com/jellydator/ttlcache/v3"
	"github.com/phonginreallife/opsbridge/db"
)

// EscalationDedupeWindow suppresses a second escalate/remind of the same kind
// recorded by an overlapping run.
const EscalationDedupeWindow = 3 * time.Minute

const defaultPolicyTTL = 5 * time.Minute

// EscalationAction is the outcome of evaluating an incident against its policy
type EscalationAction string

const (
	EscalationNone     EscalationAction = "none"
	EscalationEscalate EscalationAction = "escalate"
	EscalationRemind   EscalationAction = "remind"
	EscalationResolve  EscalationAction = "resolve"
)

// EscalationDecision is what DecideEscalation wants persisted
type EscalationDecision struct {
	Action         EscalationAction `json:"action"`
	Level          int              `json:"level"`
	ReminderCount  int              `json:"reminder_count"`
	NextReminderAt *time.Time       `json:"next_reminder_at,omitempty"`
}

// EscalationLevel is severity base plus reminders, clamped to 1..10
func EscalationLevel(severity db.Severity, reminderCount int) int {
	level := severity.EscalationBase() + reminderCount
	if level < db.MinEscalationLevel {
		return db.MinEscalationLevel
	}
	if level > db.MaxEscalationLevel {
		return db.MaxEscalationLevel
	}
	return level
}

// DecideEscalation evaluates one incident. It never touches storage.
func DecideEscalation(incident db.Incident, policy *db.EscalationPolicy, escalation *db.Escalation, now time.Time) EscalationDecision {
	none := EscalationDecision{Action: EscalationNone, Level: incident.EscalationLevel}

	if policy == nil || !policy.IsActive {
		return none
	}

	// an operator suppressed this incident's escalation; automation leaves it alone
	if escalation != nil && escalation.Status == db.EscalationStatusSuppressed {
		return none
	}

	active := escalation != nil && escalation.Status == db.EscalationStatusActive

	if incident.Status.IsSettled() {
		if active {
			return EscalationDecision{
				Action:        EscalationResolve,
				Level:         escalation.Level,
				ReminderCount: escalation.ReminderCount,
			}
		}
		return none
	}

	reminderEvery := time.Duration(policy.ReminderEveryMinutes) * time.Minute

	if !active {
		if now.Sub(incident.OpenedAt) < time.Duration(policy.EscalateAfterMinutes)*time.Minute {
			return none
		}
		next := now.Add(reminderEvery)
		return EscalationDecision{
			Action:         EscalationEscalate,
			Level:          EscalationLevel(incident.Severity, 0),
			ReminderCount:  0,
			NextReminderAt: &next,
		}
	}

	if escalation.NextReminderAt != nil && now.Before(*escalation.NextReminderAt) {
		return none
	}
	count := escalation.ReminderCount + 1
	next := now.Add(reminderEvery)
	return EscalationDecision{
		Action:         EscalationRemind,
		Level:          EscalationLevel(incident.Severity, count),
		ReminderCount:  count,
		NextReminderAt: &next,
	}
}

// EscalationService loads policies and escalation rows and persists decisions
type EscalationService struct {
	PG       *sql.DB
	policies *ttlcache.Cache[string, *db.EscalationPolicy]
	now      func() time.Time
}

func NewEscalationService(pg *sql.DB) *EscalationService {
	return &EscalationService{
		PG: pg,
		policies: ttlcache.New(
			ttlcache.WithTTL[string, *db.EscalationPolicy](defaultPolicyTTL),
			ttlcache.WithDisableTouchOnHit[string, *db.EscalationPolicy](),
		),
		now: time.Now,
	}
}

// GetPolicy returns the tenant policy for the severity, or nil when none exists.
// Misses are cached too.
func (s *EscalationService) GetPolicy(ctx context.Context, hotelID string, severity db.Severity) (*db.EscalationPolicy, error) {
	key := hotelID + ":" + string(severity)
	if item := s.policies.Get(key); item != nil {
		return item.Value(), nil
	}

	var p db.EscalationPolicy
	err := s.PG.QueryRowContext(ctx, `
		SELECT id, hotel_id, severity, escalate_after_minutes, reminder_every_minutes, is_active
		FROM escalation_policies
		WHERE hotel_id = $1 AND severity = $2
	`, hotelID, string(severity)).Scan(&p.ID, &p.HotelID, &p.Severity, &p.EscalateAfterMinutes, &p.ReminderEveryMinutes, &p.IsActive)
	if err != nil {
		if isNoRows(err) {
			s.policies.Set(key, nil, ttlcache.DefaultTTL)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get escalation policy: %w", err)
	}

	s.policies.Set(key, &p, ttlcache.DefaultTTL)
	return &p, nil
}

// GetEscalation returns the escalation row of the incident, or nil
func (s *EscalationService) GetEscalation(ctx context.Context, hotelID, incidentID string) (*db.Escalation, error) {
	var e db.Escalation
	var nextReminder, resolvedAt sql.NullTime

	err := s.PG.QueryRowContext(ctx, `
		SELECT id, hotel_id, incident_id, status, level, reminder_count, next_reminder_at, escalated_at, resolved_at, updated_at
		FROM incident_escalations
		WHERE hotel_id = $1 AND incident_id = $2
	`, hotelID, incidentID).Scan(&e.ID, &e.HotelID, &e.IncidentID, &e.Status, &e.Level, &e.ReminderCount,
		&nextReminder, &e.EscalatedAt, &resolvedAt, &e.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get escalation: %w", err)
	}

	if nextReminder.Valid {
		e.NextReminderAt = &nextReminder.Time
	}
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.Time
	}
	return &e, nil
}

// Evaluate loads what DecideEscalation needs and returns its decision
func (s *EscalationService) Evaluate(ctx context.Context, incident db.Incident) (EscalationDecision, *db.Escalation, error) {
	policy, err := s.GetPolicy(ctx, incident.HotelID, incident.Severity)
	if err != nil {
		return EscalationDecision{}, nil, err
	}
	escalation, err := s.GetEscalation(ctx, incident.HotelID, incident.ID)
	if err != nil {
		return EscalationDecision{}, nil, err
	}
	return DecideEscalation(incident, policy, escalation, s.now().UTC()), escalation, nil
}

// Process evaluates and applies. It returns the action that was actually persisted.
func (s *EscalationService) Process(ctx context.Context, incident db.Incident) (EscalationAction, error) {
	decision, current, err := s.Evaluate(ctx, incident)
	if err != nil {
		return EscalationNone, err
	}
	applied, err := s.Apply(ctx, incident, current, decision)
	if err != nil {
		return EscalationNone, err
	}
	if !applied {
		return EscalationNone, nil
	}
	return decision.Action, nil
}

// Apply persists a decision. It reports false when the decision was a no-op,
// deduplicated, or lost a race with another run.
func (s *EscalationService) Apply(ctx context.Context, incident db.Incident, current *db.Escalation, decision EscalationDecision) (bool, error) {
	now := s.now().UTC()

	switch decision.Action {
	case EscalationEscalate, EscalationRemind:
		eventType := db.IncidentEventEscalation
		if decision.Action == EscalationRemind {
			eventType = db.IncidentEventEscalationReminder
		}
		dup, err := recentIncidentEventExists(ctx, s.PG, incident.HotelID, incident.ID, eventType, now.Add(-EscalationDedupeWindow))
		if err != nil {
			return false, err
		}
		if dup {
			log.Printf("Autopilot: skipping %s for incident %s, already recorded within %s", eventType, incident.ID, EscalationDedupeWindow)
			escalationDecisions.WithLabelValues("deduped").Inc()
			return false, nil
		}
		return s.applyActive(ctx, incident, current, decision, eventType, now)
	case EscalationResolve:
		return s.applyResolve(ctx, incident, current, now)
	default:
		return false, nil
	}
}

func (s *EscalationService) applyActive(ctx context.Context, incident db.Incident, current *db.Escalation, decision EscalationDecision, eventType string, now time.Time) (bool, error) {
	if current != nil && !current.Status.CanTransitionTo(db.EscalationStatusActive) {
		return false, nil
	}

	tx, err := s.PG.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	state := db.EscalationStateEscalated
	if decision.Action == EscalationEscalate {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO incident_escalations (
				hotel_id, incident_id, status, level, reminder_count, next_reminder_at, escalated_at, resolved_at, updated_at
			) VALUES ($1, $2, 'active', $3, 0, $4, $5, NULL, $5)
			ON CONFLICT (hotel_id, incident_id)
			DO UPDATE SET status = 'active', level = EXCLUDED.level, reminder_count = 0,
			              next_reminder_at = EXCLUDED.next_reminder_at, escalated_at = EXCLUDED.escalated_at,
			              resolved_at = NULL, updated_at = EXCLUDED.updated_at
			WHERE incident_escalations.status <> 'suppressed'
		`, incident.HotelID, incident.ID, decision.Level, decision.NextReminderAt, now)
		if err != nil {
			return false, fmt.Errorf("failed to upsert escalation: %w", err)
		}
		// suppressed after this batch read it
		if n, _ := res.RowsAffected(); n == 0 {
			return false, nil
		}
	} else {
		state = db.EscalationStateReminder
		// reminder_count guards against a concurrent reminder
		res, err := tx.ExecContext(ctx, `
			UPDATE incident_escalations
			SET level = $1, reminder_count = $2, next_reminder_at = $3, updated_at = $4
			WHERE hotel_id = $5 AND incident_id = $6 AND status = 'active' AND reminder_count = $7
		`, decision.Level, decision.ReminderCount, decision.NextReminderAt, now, incident.HotelID, incident.ID, decision.ReminderCount-1)
		if err != nil {
			return false, fmt.Errorf("failed to update escalation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return false, nil
		}
	}

	if err := setIncidentEscalation(ctx, tx, incident, state, decision.Level, now); err != nil {
		return false, err
	}

	if err := createIncidentEvent(ctx, tx, incident.HotelID, incident.ID, eventType, map[string]interface{}{
		"level":            decision.Level,
		"reminder_count":   decision.ReminderCount,
		"next_reminder_at": decision.NextReminderAt,
		"severity":         string(incident.Severity),
	}, db.SystemActorAutopilot); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit escalation: %w", err)
	}

	log.Printf("🚨 Autopilot: incident %s %s (level %d, reminders %d)", incident.ID, decision.Action, decision.Level, decision.ReminderCount)
	escalationDecisions.WithLabelValues(string(decision.Action)).Inc()
	return true, nil
}

func (s *EscalationService) applyResolve(ctx context.Context, incident db.Incident, current *db.Escalation, now time.Time) (bool, error) {
	if current == nil || !current.Status.CanTransitionTo(db.EscalationStatusResolved) {
		return false, nil
	}

	tx, err := s.PG.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE incident_escalations
		SET status = 'resolved', resolved_at = $1, next_reminder_at = NULL, updated_at = $1
		WHERE hotel_id = $2 AND incident_id = $3 AND status = 'active'
	`, now, incident.HotelID, incident.ID)
	if err != nil {
		return false, fmt.Errorf("failed to resolve escalation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	if err := setIncidentEscalation(ctx, tx, incident, db.EscalationStateNone, current.Level, now); err != nil {
		return false, err
	}

	if err := createIncidentEvent(ctx, tx, incident.HotelID, incident.ID, db.IncidentEventStatusChanged, map[string]interface{}{
		"scope":           "escalation",
		"from":            string(db.EscalationStatusActive),
		"to":              string(db.EscalationStatusResolved),
		"incident_status": string(incident.Status),
		"reminder_count":  current.ReminderCount,
	}, db.SystemActorAutopilot); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit escalation resolve: %w", err)
	}

	escalationDecisions.WithLabelValues(string(EscalationResolve)).Inc()
	return true, nil
}

func setIncidentEscalation(ctx context.Context, ex execer, incident db.Incident, state db.EscalationState, level int, now time.Time) error {
	_, err := ex.ExecContext(ctx, `
		UPDATE incidents SET escalation_state = $1, escalation_level = $2, updated_at = $3
		WHERE id = $4 AND hotel_id = $5
	`, string(state), level, now, incident.ID, incident.HotelID)
	if err != nil {
		return fmt.Errorf("failed to update incident escalation: %w", err)
	}
	return nil
}

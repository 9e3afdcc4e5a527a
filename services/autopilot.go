package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/phonginreallife/opsbridge/db"
)

const (
	DefaultAutopilotBatch = 50
	MaxAutopilotBatch     = 500
)

type AutopilotRequest struct {
	HotelID      string `json:"hotel_id" binding:"omitempty,uuid"`
	MaxIncidents int    `json:"max_incidents" binding:"omitempty,min=1"`
}

type RemediationSummary struct {
	Attempted int `json:"attempted"`
	Success   int `json:"success"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

type EscalationSummary struct {
	Opened    int `json:"opened"`
	Reminders int `json:"reminders"`
	Resolved  int `json:"resolved"`
}

type AutopilotResult struct {
	ProcessedIncidents int                `json:"processed_incidents"`
	AutoRemediation    RemediationSummary `json:"auto_remediation"`
	Escalations        EscalationSummary  `json:"escalations"`
}

// AutopilotService runs remediation then escalation over a batch of live incidents
type AutopilotService struct {
	PG           *sql.DB
	Remediation  *RemediationService
	Escalation   *EscalationService
	defaultBatch int
}

func NewAutopilotService(pg *sql.DB, remediation *RemediationService, escalation *EscalationService, maxIncidents int) *AutopilotService {
	if maxIncidents <= 0 {
		maxIncidents = DefaultAutopilotBatch
	}
	return &AutopilotService{
		PG:           pg,
		Remediation:  remediation,
		Escalation:   escalation,
		defaultBatch: maxIncidents,
	}
}

func (s *AutopilotService) batchSize(requested int) int {
	n := requested
	if n <= 0 {
		n = s.defaultBatch
	}
	if n > MaxAutopilotBatch {
		n = MaxAutopilotBatch
	}
	return n
}

// Run processes incidents oldest first. Remediation only touches open and
// investigating incidents; escalation sees every candidate, including
// resolved incidents that still hold an active escalation.
func (s *AutopilotService) Run(ctx context.Context, req AutopilotRequest) (*AutopilotResult, error) {
	if req.HotelID != "" {
		if _, err := uuid.Parse(req.HotelID); err != nil {
			return nil, validationError("hotel_id must be a UUID")
		}
	}

	incidents, err := s.candidates(ctx, req.HotelID, s.batchSize(req.MaxIncidents))
	if err != nil {
		return nil, err
	}

	result := &AutopilotResult{}
	for _, incident := range incidents {
		if !incident.Status.IsSettled() {
			outcome, err := s.Remediation.Remediate(ctx, incident)
			if err != nil {
				return result, fmt.Errorf("remediation failed for incident %s: %w", incident.ID, err)
			}
			switch outcome.Result {
			case db.AutomationResultSuccess:
				result.AutoRemediation.Attempted++
				result.AutoRemediation.Success++
			case db.AutomationResultFailed:
				result.AutoRemediation.Attempted++
				result.AutoRemediation.Failed++
			case db.AutomationResultSkipped:
				result.AutoRemediation.Skipped++
			}
			if outcome.AutoResolved {
				incident.Status = db.IncidentStatusResolved
			} else if outcome.Mitigated {
				incident.Status = db.IncidentStatusMitigated
			}
		}

		action, err := s.Escalation.Process(ctx, incident)
		if err != nil {
			return result, fmt.Errorf("escalation failed for incident %s: %w", incident.ID, err)
		}
		switch action {
		case EscalationEscalate:
			result.Escalations.Opened++
		case EscalationRemind:
			result.Escalations.Reminders++
		case EscalationResolve:
			result.Escalations.Resolved++
		}

		result.ProcessedIncidents++
	}

	log.Printf("🤖 Autopilot: processed %d incident(s), remediation %+v, escalations %+v",
		result.ProcessedIncidents, result.AutoRemediation, result.Escalations)
	return result, nil
}

const incidentColumns = `i.id, i.hotel_id, i.title, i.summary, i.severity, i.status, i.source,
	COALESCE(i.runbook_slug, ''), COALESCE(i.root_cause, ''),
	i.opened_at, i.acknowledged_at, i.resolved_at, i.updated_at,
	i.escalation_state, i.escalation_level, i.auto_remediation_state`

func scanIncident(row rowScanner) (db.Incident, error) {
	var inc db.Incident
	var ackAt, resolvedAt sql.NullTime
	err := row.Scan(&inc.ID, &inc.HotelID, &inc.Title, &inc.Summary, &inc.Severity, &inc.Status, &inc.Source,
		&inc.RunbookSlug, &inc.RootCause, &inc.OpenedAt, &ackAt, &resolvedAt, &inc.UpdatedAt,
		&inc.EscalationState, &inc.EscalationLevel, &inc.AutoRemediationState)
	if err != nil {
		return inc, err
	}
	if ackAt.Valid {
		inc.AcknowledgedAt = &ackAt.Time
	}
	if resolvedAt.Valid {
		inc.ResolvedAt = &resolvedAt.Time
	}
	return inc, nil
}

func (s *AutopilotService) candidates(ctx context.Context, hotelID string, limit int) ([]db.Incident, error) {
	query := `
		SELECT ` + incidentColumns + `
		FROM incidents i
		WHERE (i.status IN ('open', 'investigating', 'mitigated')
		   OR (i.status = 'resolved' AND EXISTS (
		       SELECT 1 FROM incident_escalations e
		       WHERE e.hotel_id = i.hotel_id AND e.incident_id = i.id AND e.status = 'active')))`
	args := []interface{}{}
	if hotelID != "" {
		args = append(args, hotelID)
		query += ` AND i.hotel_id = $1`
	}
	args = append(args, limit)
	query += fmt.Sprintf(` ORDER BY i.opened_at ASC LIMIT $%d`, len(args))

	rows, err := s.PG.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	var incidents []db.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

// setClock pins the clock of both components
func (s *AutopilotService) setClock(now func() time.Time) {
	s.Remediation.now = now
	s.Escalation.now = now
}

package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/phonginreallife/opsbridge/db"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Runbooks recognized by the remediation mapper
const (
	RunbookHeartbeatStale = "heartbeat-stale"
	RunbookSyncDelayed    = "sync-delayed"
	RunbookJobsBacklog    = "jobs-backlog"
)

// Remediation actions
const (
	ActionRestartStaleWorker = "restart_stale_worker"
	ActionRetrySyncJob       = "retry_sync_job"
	ActionDrainJobsQueue     = "drain_jobs_queue"
)

// Service keys targeted by remediation signals
const (
	ServiceSyncPipeline = "sync_pipeline"
	ServiceJobsWorker   = "jobs_worker"
	ServiceWebApp       = "web_app"
	ServiceAlerts       = "alerts_worker"
	ServiceBackupAgent  = "backup_agent"
)

// RemediationAction is the corrective step chosen for an incident
type RemediationAction struct {
	ActionKey  string        `json:"action_key"`
	ServiceKey string        `json:"service_key"`
	Cooldown   time.Duration `json:"cooldown"`
}

var heartbeatStalePattern = regexp.MustCompile(
	`\bheartbeat\b.*\b(stale|missed|missing|lost|late|timeout|timed out)\b|\b(stale|missed|missing|lost|no)\b.*\bheartbeats?\b`)

// serviceKeywords is ordered; earlier entries win when the source does not disambiguate
var serviceKeywords = []struct {
	pattern *regexp.Regexp
	service string
}{
	{regexp.MustCompile(`\bsync`), ServiceSyncPipeline},
	{regexp.MustCompile(`\b(worker|queue|jobs?)\b`), ServiceJobsWorker},
	{regexp.MustCompile(`\b(web|website|frontend)\b`), ServiceWebApp},
	{regexp.MustCompile(`\balerts?\b`), ServiceAlerts},
	{regexp.MustCompile(`\bbackups?\b`), ServiceBackupAgent},
}

var diacriticStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// normalizeIncidentText lower-cases and strips diacritics so "Đồng bộ" and
// "SYNC Chậm" match plain ASCII keywords.
func normalizeIncidentText(parts ...string) string {
	joined := strings.ToLower(strings.Join(parts, " "))
	out, _, err := transform.String(diacriticStripper, joined)
	if err != nil {
		return joined
	}
	// đ has no decomposition
	return strings.ReplaceAll(out, "đ", "d")
}

func defaultServiceForSource(source string) string {
	switch source {
	case db.IncidentSourceSync:
		return ServiceSyncPipeline
	case db.IncidentSourceJobs:
		return ServiceJobsWorker
	case db.IncidentSourceBackup:
		return ServiceBackupAgent
	default:
		return ServiceWebApp
	}
}

func inferService(text, source string) string {
	var matched []string
	for _, kw := range serviceKeywords {
		if kw.pattern.MatchString(text) {
			matched = append(matched, kw.service)
		}
	}

	bySource := defaultServiceForSource(source)
	switch len(matched) {
	case 0:
		return bySource
	case 1:
		return matched[0]
	}
	for _, svc := range matched {
		if svc == bySource {
			return svc
		}
	}
	return matched[0]
}

// MapIncidentToAction picks the automated remediation for an incident, if any
func MapIncidentToAction(incident db.Incident) (RemediationAction, bool) {
	text := normalizeIncidentText(incident.Title, incident.Summary)
	runbook := strings.ToLower(strings.TrimSpace(incident.RunbookSlug))

	switch {
	case runbook == RunbookHeartbeatStale || heartbeatStalePattern.MatchString(text):
		return RemediationAction{
			ActionKey:  ActionRestartStaleWorker,
			ServiceKey: inferService(text, incident.Source),
			Cooldown:   20 * time.Minute,
		}, true
	case runbook == RunbookSyncDelayed || incident.Source == db.IncidentSourceSync:
		return RemediationAction{
			ActionKey:  ActionRetrySyncJob,
			ServiceKey: ServiceSyncPipeline,
			Cooldown:   10 * time.Minute,
		}, true
	case runbook == RunbookJobsBacklog || incident.Source == db.IncidentSourceJobs:
		return RemediationAction{
			ActionKey:  ActionDrainJobsQueue,
			ServiceKey: ServiceJobsWorker,
			Cooldown:   8 * time.Minute,
		}, true
	}
	return RemediationAction{}, false
}

// Remediator executes the corrective effect of an action
type Remediator interface {
	Execute(ctx context.Context, incident db.Incident, action RemediationAction) error
}

// RemediationService runs cooldown-gated remediation for single incidents
type RemediationService struct {
	PG         *sql.DB
	Remediator Remediator
	now        func() time.Time
}

// RemediationOutcome summarizes one Remediate call
type RemediationOutcome struct {
	Action       RemediationAction `json:"action"`
	Attempted    bool              `json:"attempted"`
	Result       string            `json:"result,omitempty"` // success, failed, skipped
	AutoResolved bool              `json:"auto_resolved"`
	Mitigated    bool              `json:"mitigated"`
}

func NewRemediationService(pg *sql.DB, remediator Remediator) *RemediationService {
	return &RemediationService{
		PG:         pg,
		Remediator: remediator,
		now:        time.Now,
	}
}

type cooldownState struct {
	found      bool
	until      time.Time
	retryCount int
}

func (s *RemediationService) loadCooldown(ctx context.Context, incident db.Incident, action RemediationAction) (cooldownState, error) {
	var st cooldownState
	err := s.PG.QueryRowContext(ctx, `
		SELECT cooldown_until, retry_count
		FROM automation_cooldowns
		WHERE hotel_id = $1 AND incident_id = $2 AND service_key = $3 AND action_key = $4
	`, incident.HotelID, incident.ID, action.ServiceKey, action.ActionKey).Scan(&st.until, &st.retryCount)
	if err != nil {
		if isNoRows(err) {
			return st, nil
		}
		return st, fmt.Errorf("failed to load cooldown: %w", err)
	}
	st.found = true
	return st, nil
}

// Remediate maps the incident to an action and, unless a cooldown is active,
// executes it and records the outcome. Incidents without an action, or already
// resolved, are left untouched.
func (s *RemediationService) Remediate(ctx context.Context, incident db.Incident) (RemediationOutcome, error) {
	var outcome RemediationOutcome

	if incident.Status == db.IncidentStatusResolved {
		return outcome, nil
	}
	action, ok := MapIncidentToAction(incident)
	if !ok {
		return outcome, nil
	}
	outcome.Action = action
	now := s.now().UTC()

	cooldown, err := s.loadCooldown(ctx, incident, action)
	if err != nil {
		return outcome, err
	}

	if cooldown.found && cooldown.until.After(now) {
		return s.skip(ctx, incident, action, cooldown, outcome, now)
	}

	claimed, err := s.claimCooldown(ctx, incident, action, cooldown.retryCount, now)
	if err != nil {
		return outcome, err
	}
	if !claimed {
		// an overlapping run claimed the action between the read and the claim
		log.Printf("Autopilot: %s on %s for incident %s already claimed by another run", action.ActionKey, action.ServiceKey, incident.ID)
		if cooldown, err = s.loadCooldown(ctx, incident, action); err != nil {
			return outcome, err
		}
		return s.skip(ctx, incident, action, cooldown, outcome, now)
	}

	if err := s.setRemediationState(ctx, s.PG, incident, db.AutoRemediationRunning, now); err != nil {
		return outcome, err
	}

	outcome.Attempted = true
	start := time.Now()
	execErr := s.Remediator.Execute(ctx, incident, action)
	duration := time.Since(start)
	remediationDuration.WithLabelValues(action.ActionKey).Observe(duration.Seconds())

	retryCount := cooldown.retryCount
	if execErr != nil {
		outcome.Result = db.AutomationResultFailed
		retryCount++
		log.Printf("❌ Autopilot: %s on %s failed for incident %s: %v", action.ActionKey, action.ServiceKey, incident.ID, execErr)
	} else {
		outcome.Result = db.AutomationResultSuccess
		retryCount = 0
	}

	if err := s.recordAttempt(ctx, incident, action, &outcome, retryCount, duration, execErr, now); err != nil {
		return outcome, err
	}
	remediationOutcomes.WithLabelValues(action.ActionKey, outcome.Result).Inc()
	return outcome, nil
}

func (s *RemediationService) skip(ctx context.Context, incident db.Incident, action RemediationAction, cooldown cooldownState, outcome RemediationOutcome, now time.Time) (RemediationOutcome, error) {
	outcome.Result = db.AutomationResultSkipped
	if err := s.recordSkipped(ctx, incident, action, cooldown, now); err != nil {
		return outcome, err
	}
	remediationOutcomes.WithLabelValues(action.ActionKey, db.AutomationResultSkipped).Inc()
	return outcome, nil
}

// claimCooldown starts the cooldown window before the action runs. The update
// only applies to an expired window, so of two overlapping runs one wins.
func (s *RemediationService) claimCooldown(ctx context.Context, incident db.Incident, action RemediationAction, retryCount int, now time.Time) (bool, error) {
	res, err := s.PG.ExecContext(ctx, `
		INSERT INTO automation_cooldowns (
			hotel_id, incident_id, service_key, action_key, cooldown_until, retry_count, last_result, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, 'running', $7)
		ON CONFLICT (hotel_id, incident_id, service_key, action_key)
		DO UPDATE SET cooldown_until = EXCLUDED.cooldown_until,
		              last_result = EXCLUDED.last_result,
		              updated_at = EXCLUDED.updated_at
		WHERE automation_cooldowns.cooldown_until <= EXCLUDED.updated_at
	`, incident.HotelID, incident.ID, action.ServiceKey, action.ActionKey, now.Add(action.Cooldown), retryCount, now)
	if err != nil {
		return false, fmt.Errorf("failed to claim cooldown: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read cooldown claim result: %w", err)
	}
	return n > 0, nil
}

func (s *RemediationService) recordSkipped(ctx context.Context, incident db.Incident, action RemediationAction, cooldown cooldownState, now time.Time) error {
	tx, err := s.PG.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertAutomationRun(ctx, tx, db.AutomationRun{
		HotelID:        incident.HotelID,
		IncidentID:     incident.ID,
		ServiceKey:     action.ServiceKey,
		ActionKey:      action.ActionKey,
		ResultStatus:   db.AutomationResultSkipped,
		RetryCount:     cooldown.retryCount,
		CooldownActive: true,
		Details: map[string]interface{}{
			"cooldown_until": cooldown.until,
		},
		CreatedAt: now,
	}); err != nil {
		return err
	}

	if err := createIncidentEvent(ctx, tx, incident.HotelID, incident.ID, db.IncidentEventAutoRemediation, map[string]interface{}{
		"action":         action.ActionKey,
		"service":        action.ServiceKey,
		"result":         db.AutomationResultSkipped,
		"reason":         "cooldown",
		"cooldown_until": cooldown.until,
	}, db.SystemActorAutopilot); err != nil {
		return err
	}

	if err := s.setRemediationState(ctx, tx, incident, db.AutoRemediationCooldown, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit skipped remediation: %w", err)
	}
	return nil
}

func (s *RemediationService) recordAttempt(ctx context.Context, incident db.Incident, action RemediationAction, outcome *RemediationOutcome,
	retryCount int, duration time.Duration, execErr error, now time.Time) error {
	tx, err := s.PG.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if execErr != nil {
		if err := s.setRemediationState(ctx, tx, incident, db.AutoRemediationFailed, now); err != nil {
			return err
		}
	} else if err := s.applySuccess(ctx, tx, incident, action, outcome, now); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO automation_cooldowns (
			hotel_id, incident_id, service_key, action_key, cooldown_until, retry_count, last_result, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (hotel_id, incident_id, service_key, action_key)
		DO UPDATE SET cooldown_until = EXCLUDED.cooldown_until,
		              retry_count = EXCLUDED.retry_count,
		              last_result = EXCLUDED.last_result,
		              updated_at = EXCLUDED.updated_at
	`, incident.HotelID, incident.ID, action.ServiceKey, action.ActionKey, now.Add(action.Cooldown), retryCount, outcome.Result, now)
	if err != nil {
		return fmt.Errorf("failed to upsert cooldown: %w", err)
	}

	eventData := map[string]interface{}{
		"action":      action.ActionKey,
		"service":     action.ServiceKey,
		"result":      outcome.Result,
		"duration_ms": duration.Milliseconds(),
		"retry_count": retryCount,
	}
	var errMsg string
	if execErr != nil {
		errMsg = truncateError(execErr.Error())
		eventData["error"] = errMsg
	}
	if err := createIncidentEvent(ctx, tx, incident.HotelID, incident.ID, db.IncidentEventAutoRemediation, eventData, db.SystemActorAutopilot); err != nil {
		return err
	}

	if err := insertAutomationRun(ctx, tx, db.AutomationRun{
		HotelID:      incident.HotelID,
		IncidentID:   incident.ID,
		ServiceKey:   action.ServiceKey,
		ActionKey:    action.ActionKey,
		ResultStatus: outcome.Result,
		DurationMS:   duration.Milliseconds(),
		RetryCount:   retryCount,
		ErrorMessage: errMsg,
		Details: map[string]interface{}{
			"auto_resolved": outcome.AutoResolved,
			"mitigated":     outcome.Mitigated,
		},
		CreatedAt: now,
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit remediation outcome: %w", err)
	}
	return nil
}

// applySuccess marks the remediation successful and applies the severity gate:
// low/medium resolve, high mitigates, critical always waits for a human.
func (s *RemediationService) applySuccess(ctx context.Context, tx *sql.Tx, incident db.Incident, action RemediationAction, outcome *RemediationOutcome, now time.Time) error {
	target := incident.Status
	switch incident.Severity {
	case db.SeverityLow, db.SeverityMedium:
		if incident.Status.CanTransitionTo(db.IncidentStatusResolved) {
			target = db.IncidentStatusResolved
		}
	case db.SeverityHigh:
		if incident.Status != db.IncidentStatusMitigated && incident.Status.CanTransitionTo(db.IncidentStatusMitigated) {
			target = db.IncidentStatusMitigated
		}
	}

	if target == incident.Status {
		return s.setRemediationState(ctx, tx, incident, db.AutoRemediationSuccess, now)
	}

	var resolvedAt interface{}
	if target == db.IncidentStatusResolved {
		resolvedAt = now
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE incidents
		SET auto_remediation_state = $1, status = $2, resolved_at = COALESCE($3, resolved_at), updated_at = $4
		WHERE id = $5 AND hotel_id = $6 AND status = $7
	`, string(db.AutoRemediationSuccess), string(target), resolvedAt, now, incident.ID, incident.HotelID, string(incident.Status))
	if err != nil {
		return fmt.Errorf("failed to update incident status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read incident update result: %w", err)
	}
	if n == 0 {
		// status moved on since the batch was selected; leave it to whoever moved it
		log.Printf("Autopilot: incident %s is no longer %s, skipping status change", incident.ID, incident.Status)
		return s.setRemediationState(ctx, tx, incident, db.AutoRemediationSuccess, now)
	}

	if target == db.IncidentStatusResolved {
		outcome.AutoResolved = true
		log.Printf("✅ Autopilot: incident %s auto-resolved by %s", incident.ID, action.ActionKey)
		return createIncidentEvent(ctx, tx, incident.HotelID, incident.ID, db.IncidentEventAutoResolved, map[string]interface{}{
			"action":  action.ActionKey,
			"service": action.ServiceKey,
			"from":    string(incident.Status),
		}, db.SystemActorAutopilot)
	}

	outcome.Mitigated = true
	return createIncidentEvent(ctx, tx, incident.HotelID, incident.ID, db.IncidentEventStatusChanged, map[string]interface{}{
		"from":   string(incident.Status),
		"to":     string(target),
		"reason": "auto_remediation",
		"action": action.ActionKey,
	}, db.SystemActorAutopilot)
}

func (s *RemediationService) setRemediationState(ctx context.Context, ex execer, incident db.Incident, state db.AutoRemediationState, now time.Time) error {
	_, err := ex.ExecContext(ctx, `
		UPDATE incidents SET auto_remediation_state = $1, updated_at = $2
		WHERE id = $3 AND hotel_id = $4
	`, string(state), now, incident.ID, incident.HotelID)
	if err != nil {
		return fmt.Errorf("failed to set remediation state %s: %w", state, err)
	}
	return nil
}

func insertAutomationRun(ctx context.Context, ex execer, run db.AutomationRun) error {
	details, _ := json.Marshal(run.Details)
	if run.Details == nil {
		details = []byte("{}")
	}

	_, err := ex.ExecContext(ctx, `
		INSERT INTO automation_runs (
			hotel_id, incident_id, service_key, action_key, result_status, duration_ms,
			retry_count, cooldown_active, error_message, details, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, run.HotelID, run.IncidentID, run.ServiceKey, run.ActionKey, run.ResultStatus, run.DurationMS,
		run.RetryCount, run.CooldownActive, nullableString(run.ErrorMessage), string(details), run.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert automation run: %w", err)
	}
	return nil
}

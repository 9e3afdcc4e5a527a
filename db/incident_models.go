package db

import "time"

// Incident represents an operational incident raised by a watchdog or an operator
type Incident struct {
	ID       string         `json:"id"`
	HotelID  string         `json:"hotel_id"` // Tenant isolation - MANDATORY
	Title    string         `json:"title"`
	Summary  string         `json:"summary"`
	Severity Severity       `json:"severity"` // critical, high, medium, low
	Status   IncidentStatus `json:"status"`   // open, investigating, mitigated, resolved
	Source   string         `json:"source"`   // system, sync, jobs, backup, manual

	RunbookSlug string `json:"runbook_slug,omitempty"`
	RootCause   string `json:"root_cause,omitempty"`

	OpenedAt       time.Time  `json:"opened_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`

	// Escalation
	EscalationState EscalationState `json:"escalation_state"` // none, escalated, reminder, acknowledged
	EscalationLevel int             `json:"escalation_level"` // 1-10

	// Automation
	AutoRemediationState AutoRemediationState `json:"auto_remediation_state"` // idle, running, success, failed, cooldown
}

// IncidentEvent represents an append-only entry in the incident timeline
type IncidentEvent struct {
	ID         string                 `json:"id"`
	HotelID    string                 `json:"hotel_id"`
	IncidentID string                 `json:"incident_id"`
	EventType  string                 `json:"event_type"`
	EventData  map[string]interface{} `json:"event_data,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	CreatedBy  string                 `json:"created_by,omitempty"`
}

// EscalationPolicy is the per-tenant, per-severity escalation SLA (read-only here)
type EscalationPolicy struct {
	ID                   string   `json:"id"`
	HotelID              string   `json:"hotel_id"`
	Severity             Severity `json:"severity"`
	EscalateAfterMinutes int      `json:"escalate_after_minutes"`
	ReminderEveryMinutes int      `json:"reminder_every_minutes"`
	IsActive             bool     `json:"is_active"`
}

// Escalation tracks the single escalation row of an incident
type Escalation struct {
	ID             string           `json:"id"`
	HotelID        string           `json:"hotel_id"`
	IncidentID     string           `json:"incident_id"`
	Status         EscalationStatus `json:"status"` // active, resolved, suppressed
	Level          int              `json:"level"`
	ReminderCount  int              `json:"reminder_count"`
	NextReminderAt *time.Time       `json:"next_reminder_at,omitempty"`
	EscalatedAt    time.Time        `json:"escalated_at"`
	ResolvedAt     *time.Time       `json:"resolved_at,omitempty"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// AutomationCooldown gates repeated remediation of one (incident, service, action)
type AutomationCooldown struct {
	ID            string    `json:"id"`
	HotelID       string    `json:"hotel_id"`
	IncidentID    string    `json:"incident_id"`
	ServiceKey    string    `json:"service_key"`
	ActionKey     string    `json:"action_key"`
	CooldownUntil time.Time `json:"cooldown_until"`
	RetryCount    int       `json:"retry_count"`
	LastResult    string    `json:"last_result"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// AutomationRun is the audit record of one remediation attempt
type AutomationRun struct {
	ID             string                 `json:"id"`
	HotelID        string                 `json:"hotel_id"`
	IncidentID     string                 `json:"incident_id"`
	ServiceKey     string                 `json:"service_key"`
	ActionKey      string                 `json:"action_key"`
	ResultStatus   string                 `json:"result_status"` // success, failed, skipped
	DurationMS     int64                  `json:"duration_ms"`
	RetryCount     int                    `json:"retry_count"`
	CooldownActive bool                   `json:"cooldown_active"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
	Details        map[string]interface{} `json:"details,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// Constants

// Severity of an incident
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// EscalationBase returns the starting escalation level for the severity
func (s Severity) EscalationBase() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}

// Incident sources
const (
	IncidentSourceSystem = "system"
	IncidentSourceSync   = "sync"
	IncidentSourceJobs   = "jobs"
	IncidentSourceBackup = "backup"
	IncidentSourceManual = "manual"
)

// EscalationState mirrors the escalation progress on the incident row
type EscalationState string

const (
	EscalationStateNone         EscalationState = "none"
	EscalationStateEscalated    EscalationState = "escalated"
	EscalationStateReminder     EscalationState = "reminder"
	EscalationStateAcknowledged EscalationState = "acknowledged"
)

// AutoRemediationState mirrors the last remediation attempt on the incident row
type AutoRemediationState string

const (
	AutoRemediationIdle     AutoRemediationState = "idle"
	AutoRemediationRunning  AutoRemediationState = "running"
	AutoRemediationSuccess  AutoRemediationState = "success"
	AutoRemediationFailed   AutoRemediationState = "failed"
	AutoRemediationCooldown AutoRemediationState = "cooldown"
)

// Automation run results
const (
	AutomationResultSuccess = "success"
	AutomationResultFailed  = "failed"
	AutomationResultSkipped = "skipped"
)

// Incident event types
const (
	IncidentEventAutoRemediation    = "auto_remediation"
	IncidentEventAutoResolved       = "auto_resolved"
	IncidentEventEscalation         = "escalation"
	IncidentEventEscalationReminder = "escalation_reminder"
	IncidentEventStatusChanged      = "status_changed"
)

// Escalation level bounds
const (
	MinEscalationLevel = 1
	MaxEscalationLevel = 10
)

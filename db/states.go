package db

// ===========================
// STATE MACHINES
// ===========================
//
// Every status column that this service mutates has an explicit transition
// table. Writers must consult CanTransitionTo before persisting a new status.

// TicketStatus is the lifecycle of a partner-synchronized ticket
type TicketStatus string

const (
	TicketStatusOpen       TicketStatus = "open"
	TicketStatusTriaged    TicketStatus = "triaged"
	TicketStatusInProgress TicketStatus = "in_progress"
	TicketStatusFixed      TicketStatus = "fixed"
	TicketStatusNeedsHuman TicketStatus = "needs_human"
	TicketStatusClosed     TicketStatus = "closed"
)

var ticketTransitions = map[TicketStatus][]TicketStatus{
	TicketStatusOpen:       {TicketStatusOpen, TicketStatusTriaged, TicketStatusInProgress, TicketStatusFixed, TicketStatusNeedsHuman, TicketStatusClosed},
	TicketStatusTriaged:    {TicketStatusTriaged, TicketStatusInProgress, TicketStatusFixed, TicketStatusNeedsHuman, TicketStatusClosed},
	TicketStatusInProgress: {TicketStatusInProgress, TicketStatusFixed, TicketStatusNeedsHuman, TicketStatusClosed},
	TicketStatusFixed:      {TicketStatusFixed, TicketStatusInProgress, TicketStatusNeedsHuman, TicketStatusClosed},
	TicketStatusNeedsHuman: {TicketStatusNeedsHuman, TicketStatusTriaged, TicketStatusInProgress, TicketStatusFixed, TicketStatusClosed},
	TicketStatusClosed:     {TicketStatusClosed},
}

// Valid reports whether s is a known ticket status
func (s TicketStatus) Valid() bool {
	_, ok := ticketTransitions[s]
	return ok
}

// CanTransitionTo reports whether a ticket in status s may move to next.
// Staying in the same status is allowed for every non-terminal and terminal state.
func (s TicketStatus) CanTransitionTo(next TicketStatus) bool {
	return allowed(ticketTransitions[s], next)
}

// IncidentStatus is the lifecycle of an operational incident
type IncidentStatus string

const (
	IncidentStatusOpen          IncidentStatus = "open"
	IncidentStatusInvestigating IncidentStatus = "investigating"
	IncidentStatusMitigated     IncidentStatus = "mitigated"
	IncidentStatusResolved      IncidentStatus = "resolved"
)

var incidentTransitions = map[IncidentStatus][]IncidentStatus{
	IncidentStatusOpen:          {IncidentStatusInvestigating, IncidentStatusMitigated, IncidentStatusResolved},
	IncidentStatusInvestigating: {IncidentStatusMitigated, IncidentStatusResolved},
	IncidentStatusMitigated:     {IncidentStatusResolved, IncidentStatusInvestigating},
	IncidentStatusResolved:      {},
}

func (s IncidentStatus) Valid() bool {
	_, ok := incidentTransitions[s]
	return ok
}

func (s IncidentStatus) CanTransitionTo(next IncidentStatus) bool {
	return allowed(incidentTransitions[s], next)
}

// IsSettled reports whether the incident no longer needs escalation
func (s IncidentStatus) IsSettled() bool {
	return s == IncidentStatusMitigated || s == IncidentStatusResolved
}

// EscalationStatus is the lifecycle of an incident_escalations row
type EscalationStatus string

const (
	EscalationStatusActive     EscalationStatus = "active"
	EscalationStatusResolved   EscalationStatus = "resolved"
	EscalationStatusSuppressed EscalationStatus = "suppressed"
)

var escalationTransitions = map[EscalationStatus][]EscalationStatus{
	EscalationStatusActive:     {EscalationStatusActive, EscalationStatusResolved, EscalationStatusSuppressed},
	EscalationStatusResolved:   {EscalationStatusActive},
	EscalationStatusSuppressed: {},
}

func (s EscalationStatus) CanTransitionTo(next EscalationStatus) bool {
	return allowed(escalationTransitions[s], next)
}

// OutboxStatus is the delivery state of a bridge_outbox row
type OutboxStatus string

const (
	OutboxStatusPending    OutboxStatus = "pending"
	OutboxStatusProcessing OutboxStatus = "processing"
	OutboxStatusSent       OutboxStatus = "sent"
	OutboxStatusFailed     OutboxStatus = "failed"
)

var outboxTransitions = map[OutboxStatus][]OutboxStatus{
	OutboxStatusPending:    {OutboxStatusProcessing},
	OutboxStatusFailed:     {OutboxStatusProcessing},
	OutboxStatusProcessing: {OutboxStatusSent, OutboxStatusPending, OutboxStatusFailed},
	OutboxStatusSent:       {},
}

func (s OutboxStatus) CanTransitionTo(next OutboxStatus) bool {
	return allowed(outboxTransitions[s], next)
}

// Claimable reports whether a dispatcher may claim a row in this status
func (s OutboxStatus) Claimable() bool {
	return s.CanTransitionTo(OutboxStatusProcessing)
}

// InboxStatus is the processing state of a bridge_inbox row
type InboxStatus string

const (
	InboxStatusReceived  InboxStatus = "received"
	InboxStatusProcessed InboxStatus = "processed"
	InboxStatusFailed    InboxStatus = "failed"
)

var inboxTransitions = map[InboxStatus][]InboxStatus{
	InboxStatusReceived:  {InboxStatusProcessed, InboxStatusFailed},
	InboxStatusProcessed: {},
	InboxStatusFailed:    {},
}

func (s InboxStatus) CanTransitionTo(next InboxStatus) bool {
	return allowed(inboxTransitions[s], next)
}

func allowed[S ~string](targets []S, next S) bool {
	for _, t := range targets {
		if t == next {
			return true
		}
	}
	return false
}

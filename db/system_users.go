package db

// System actor ids recorded as created_by on automated timeline rows.
// They are fixed so automated rows can be filtered out of human activity feeds.
const (
	// SystemActorAutopilot represents the remediation + escalation batch
	SystemActorAutopilot = "00000000-0000-0000-0000-0000000000a1"

	// SystemActorBridge represents the partner event bridge (dispatcher and callbacks)
	SystemActorBridge = "00000000-0000-0000-0000-0000000000a2"
)

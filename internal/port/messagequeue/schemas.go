package messagequeue

// AssignedPayload is the schema for handoffs.assigned.{agent} messages.
type AssignedPayload struct {
	HandoffID string `json:"handoff_id"`
	AgentID   string `json:"agent_id"`
	Priority  int    `json:"priority"`
}

// StatusPayload is the schema for handoffs.status.{handoff} messages.
type StatusPayload struct {
	HandoffID string `json:"handoff_id"`
	Status    string `json:"status"`
	Version   int    `json:"version"`
}

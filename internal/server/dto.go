package server

// CreateTaskRequest enqueues work for an agent.
type CreateTaskRequest struct {
	ID      *string  `json:"id,omitempty"`
	AgentID string   `json:"agent_id" example:"support"`
	Source  string   `json:"source" enum:"direct-request,bug-report,backlog-ticket,external-event"`
	Title   string   `json:"title" example:"Reply to billing question"`
	Tags    []string `json:"tags,omitempty"`
	Impact  string   `json:"impact,omitempty" enum:"high,normal"`
	Payload any      `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// DecisionRequest records a human call on a pending action.
type DecisionRequest struct {
	Decision string `json:"decision" enum:"approve,reject,defer"`
}

// MetricRequest pushes one sample into the alert engine.
type MetricRequest struct {
	Metric    string  `json:"metric" example:"error-rate"`
	Component string  `json:"component,omitempty" example:"api"`
	Value     float64 `json:"value"`
	TS        string  `json:"ts,omitempty" format:"date-time"`
}

// EmergencyStopRequest flips the global kill switch.
type EmergencyStopRequest struct {
	On bool `json:"on"`
}

// TicketWebhook is the shape external ticket systems post.
type TicketWebhook struct {
	TicketID string   `json:"ticket_id"`
	AgentID  string   `json:"agent_id,omitempty"`
	Kind     string   `json:"kind,omitempty" enum:"bug,request,event"`
	Title    string   `json:"title"`
	Tags     []string `json:"tags,omitempty"`
	Impact   string   `json:"impact,omitempty" enum:"high,normal"`
	Payload  any      `json:"payload,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

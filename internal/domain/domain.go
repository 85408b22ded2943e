package domain

// Task sources, by who produced the work.
const (
	SourceDirectRequest = "direct-request"
	SourceBugReport     = "bug-report"
	SourceBacklogTicket = "backlog-ticket"
	SourceExternalEvent = "external-event"
)

const (
	TaskPending    = "pending"
	TaskInProgress = "in-progress"
	TaskBlocked    = "blocked"
	TaskDone       = "done"
)

const (
	ImpactHigh   = "high"
	ImpactNormal = "normal"
)

// Tags the router gives special weight to.
const (
	TagUrgent = "urgent"
	TagBug    = "bug"
)

const (
	RunIdle     = "idle"
	RunWorking  = "working"
	RunBlocked  = "blocked"
	RunComplete = "complete"
)

// Reasons a Run terminates in the blocked state.
const (
	ReasonIterationBudget = "iteration-budget-exhausted"
	ReasonWallClockBudget = "wall-clock-budget-exhausted"
	ReasonApprovalPending = "approval-pending"
	ReasonEmergencyStop   = "emergency-stop"
	ReasonFatalError      = "fatal-error"
)

const (
	RiskLow       = "low"
	RiskMedium    = "medium"
	RiskHigh      = "high"
	RiskForbidden = "forbidden"
)

const (
	ActionProposed = "proposed"
	ActionExecuted = "executed"
	ActionBlocked  = "blocked"
	ActionDenied   = "denied"
)

const (
	DecisionApprove = "approve"
	DecisionReject  = "reject"
	DecisionDefer   = "defer"
)

const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
	SeverityInfo     = "info"
)

// Blocker kinds surfaced in agent state.
const (
	BlockerApprovalPending = "approval-pending"
	BlockerRiskDenied      = "risk-denied"
	BlockerExecutorFailed  = "executor-failed"
	BlockerPlannerFailed   = "planner-failed"
)

type Task struct {
	ID            string   `json:"id"`
	AgentID       string   `json:"agent_id"`
	Source        string   `json:"source" enum:"direct-request,bug-report,backlog-ticket,external-event"`
	Tags          []string `json:"tags,omitempty"`
	Impact        string   `json:"impact" enum:"high,normal"`
	Status        string   `json:"status" enum:"pending,in-progress,blocked,done"`
	Title         string   `json:"title"`
	PayloadJSON   *string  `json:"payload_json,omitempty"`
	AssignedRunID *string  `json:"assigned_run_id,omitempty"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
	UpdatedAt     string   `json:"updated_at" format:"date-time"`
}

func (t Task) HasTag(tag string) bool {
	for _, v := range t.Tags {
		if v == tag {
			return true
		}
	}
	return false
}

// Run is one bounded execution cycle of an agent. Runs are never reused;
// a fresh Run is created per invocation and inherits only what the state
// store carries.
type Run struct {
	ID            string  `json:"id"`
	AgentID       string  `json:"agent_id"`
	Iteration     int     `json:"iteration"`
	MaxIterations int     `json:"max_iterations"`
	State         string  `json:"state" enum:"idle,working,blocked,complete"`
	BlockedReason string  `json:"blocked_reason,omitempty"`
	StartedAt     string  `json:"started_at" format:"date-time"`
	FinishedAt    *string `json:"finished_at,omitempty" format:"date-time"`
}

// Action is a side-effecting operation a Run wants to perform. An action
// whose risk tier is not low may only execute once approval_id is set;
// forbidden actions never execute.
type Action struct {
	ID          string  `json:"id"`
	RunID       string  `json:"run_id"`
	AgentID     string  `json:"agent_id"`
	TaskID      string  `json:"task_id"`
	Kind        string  `json:"kind"`
	RiskTier    string  `json:"risk_tier" enum:"low,medium,high,forbidden"`
	PayloadJSON string  `json:"payload_json"`
	ApprovalID  *string `json:"approval_id,omitempty"`
	Status      string  `json:"status" enum:"proposed,executed,blocked,denied"`
	Detail      string  `json:"detail,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

// ApprovalDecision is written by a human and read-only to the core.
type ApprovalDecision struct {
	ID        string `json:"id"`
	ActionID  string `json:"action_id"`
	Decision  string `json:"decision" enum:"approve,reject,defer"`
	DecidedBy string `json:"decided_by"`
	DecidedAt string `json:"decided_at" format:"date-time"`
}

// Alert is an anomaly record. Repeats within the dedup window bump
// count_in_window on the existing record instead of creating new rows.
type Alert struct {
	ID            string  `json:"id"`
	Fingerprint   string  `json:"fingerprint"`
	Metric        string  `json:"metric"`
	Component     string  `json:"component"`
	Severity      string  `json:"severity" enum:"critical,high,medium,low,info"`
	Value         float64 `json:"value"`
	Message       string  `json:"message,omitempty"`
	Channel       string  `json:"channel"`
	CountInWindow int     `json:"count_in_window"`
	FirstSeen     string  `json:"first_seen" format:"date-time"`
	LastSeen      string  `json:"last_seen" format:"date-time"`
}

type MetricSample struct {
	ID        int64   `json:"id"`
	Metric    string  `json:"metric"`
	Component string  `json:"component,omitempty"`
	Value     float64 `json:"value"`
	TS        string  `json:"ts" format:"date-time"`
}

type Baseline struct {
	Metric     string  `json:"metric"`
	Value      float64 `json:"value"`
	ComputedAt string  `json:"computed_at" format:"date-time"`
}

// Blocker explains why a piece of work could not finish within a Run.
type Blocker struct {
	Kind     string `json:"kind"`
	TaskID   string `json:"task_id,omitempty"`
	ActionID string `json:"action_id,omitempty"`
	Reason   string `json:"reason"`
}

// AgentState is the durable per-agent snapshot. It is replaced wholesale
// on every commit; task status truth lives with the router, not here.
type AgentState struct {
	AgentID        string         `json:"agent_id"`
	RunID          string         `json:"run_id,omitempty"`
	Iteration      int            `json:"iteration"`
	ClaimedTaskIDs []string       `json:"claimed_task_ids,omitempty"`
	Blockers       []Blocker      `json:"blockers,omitempty"`
	Counters       map[string]int `json:"counters,omitempty"`
	UpdatedAt      string         `json:"updated_at,omitempty" format:"date-time"`
}

// RunResult is what a run invocation reports back to its dispatcher.
type RunResult struct {
	RunID          string    `json:"run_id"`
	AgentID        string    `json:"agent_id"`
	State          string    `json:"state"`
	BlockedReason  string    `json:"blocked_reason,omitempty"`
	IterationsUsed int       `json:"iterations_used"`
	TasksClaimed   int       `json:"tasks_claimed"`
	Blockers       []Blocker `json:"blockers,omitempty"`
	DispatchAgain  bool      `json:"dispatch_again"`
}

type AuditEntry struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	AgentID    string `json:"agent_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

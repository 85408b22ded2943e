package dispatchsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Dispatch HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID      string   `json:"id"`
	AgentID string   `json:"agent_id"`
	Source  string   `json:"source"`
	Tags    []string `json:"tags,omitempty"`
	Impact  string   `json:"impact"`
	Status  string   `json:"status"`
	Title   string   `json:"title"`
}

// RunResult summarizes one agent cycle.
type RunResult struct {
	RunID          string         `json:"run_id"`
	AgentID        string         `json:"agent_id"`
	State          string         `json:"state"`
	BlockedReason  string         `json:"blocked_reason,omitempty"`
	IterationsUsed int            `json:"iterations_used"`
	Counters       map[string]int `json:"counters,omitempty"`
	DispatchAgain  bool           `json:"dispatch_again"`
}

// AgentState is the committed snapshot for one agent.
type AgentState struct {
	AgentID        string         `json:"agent_id"`
	RunID          string         `json:"run_id,omitempty"`
	Iteration      int            `json:"iteration"`
	ClaimedTaskIDs []string       `json:"claimed_task_ids,omitempty"`
	Counters       map[string]int `json:"counters,omitempty"`
}

// PendingAction is an action waiting for a human decision.
type PendingAction struct {
	ID        string `json:"id"`
	AgentID   string `json:"agent_id"`
	TaskID    string `json:"task_id"`
	Kind      string `json:"kind"`
	RiskTier  string `json:"risk_tier"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// DecisionResult is the outcome of posting a decision.
type DecisionResult struct {
	Decision map[string]any `json:"decision"`
	Outcome  string         `json:"outcome"`
}

// Alert represents a raised alert record.
type Alert struct {
	ID            string  `json:"id"`
	Severity      string  `json:"severity"`
	Metric        string  `json:"metric"`
	Component     string  `json:"component,omitempty"`
	Value         float64 `json:"value"`
	Message       string  `json:"message"`
	Channel       string  `json:"channel"`
	CountInWindow int     `json:"count_in_window"`
	FirstSeen     string  `json:"first_seen"`
	LastSeen      string  `json:"last_seen"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask enqueues a task for an agent.
func (c *Client) CreateTask(ctx context.Context, agentID, source, title string, opts ...TaskOption) (Task, error) {
	body := map[string]any{
		"agent_id": agentID,
		"source":   source,
		"title":    title,
	}
	for _, opt := range opts {
		opt(body)
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks", body, &resp)
	return resp, err
}

// TaskOption adds optional fields to CreateTask.
type TaskOption func(map[string]any)

func WithTags(tags ...string) TaskOption {
	return func(m map[string]any) { m["tags"] = tags }
}

func WithImpact(impact string) TaskOption {
	return func(m map[string]any) { m["impact"] = impact }
}

func WithPayload(payload any) TaskOption {
	return func(m map[string]any) { m["payload"] = payload }
}

// GetTask fetches a task by id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListTasks returns tasks, optionally filtered by agent and status.
func (c *Client) ListTasks(ctx context.Context, agentID, status string) ([]Task, error) {
	endpoint := "v0/tasks"
	q := url.Values{}
	if agentID != "" {
		q.Set("agent_id", agentID)
	}
	if status != "" {
		q.Set("status", status)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RunAgent invokes one run cycle. With drain, the server keeps cycling
// until the agent completes or blocks.
func (c *Client) RunAgent(ctx context.Context, agentID string, drain bool) (RunResult, error) {
	endpoint := fmt.Sprintf("v0/agents/%s/run", url.PathEscape(agentID))
	if drain {
		endpoint += "?drain=true"
	}
	var resp RunResult
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// AgentState fetches the committed snapshot for an agent.
func (c *Client) AgentState(ctx context.Context, agentID string) (AgentState, error) {
	var resp AgentState
	endpoint := fmt.Sprintf("v0/agents/%s/state", url.PathEscape(agentID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListApprovals returns actions waiting for a decision.
func (c *Client) ListApprovals(ctx context.Context) ([]PendingAction, error) {
	var resp []PendingAction
	err := c.do(ctx, http.MethodGet, "v0/approvals", nil, &resp)
	return resp, err
}

// Decide records approve, reject, or defer on a pending action.
func (c *Client) Decide(ctx context.Context, actionID, decision string) (DecisionResult, error) {
	body := map[string]any{"decision": decision}
	var resp DecisionResult
	endpoint := fmt.Sprintf("v0/actions/%s/decision", url.PathEscape(actionID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// IngestMetric pushes one sample. The returned alert is nil when the
// sample raised or merged nothing.
func (c *Client) IngestMetric(ctx context.Context, metric, component string, value float64) (*Alert, error) {
	body := map[string]any{
		"metric":    metric,
		"component": component,
		"value":     value,
	}
	var resp struct {
		Alert *Alert `json:"alert"`
	}
	err := c.do(ctx, http.MethodPost, "v0/metrics", body, &resp)
	return resp.Alert, err
}

// ListAlerts returns recent alerts, optionally filtered by severity.
func (c *Client) ListAlerts(ctx context.Context, severity string) ([]Alert, error) {
	endpoint := "v0/alerts"
	if severity != "" {
		endpoint += "?severity=" + url.QueryEscape(severity)
	}
	var resp []Alert
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SetEmergencyStop flips the global kill switch.
func (c *Client) SetEmergencyStop(ctx context.Context, on bool) error {
	body := map[string]any{"on": on}
	return c.do(ctx, http.MethodPut, "v0/control/emergency-stop", body, nil)
}

// EmergencyStop reads the kill switch.
func (c *Client) EmergencyStop(ctx context.Context) (bool, error) {
	var resp struct {
		On bool `json:"on"`
	}
	err := c.do(ctx, http.MethodGet, "v0/control/emergency-stop", nil, &resp)
	return resp.On, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

package run

import (
	"context"
	"encoding/json"
	"fmt"

	"dispatch/internal/domain"
)

// PayloadPlanner reads the action list embedded in a task's payload:
//
//	{"actions":[{"kind":"send-email","payload":{...}}]}
//
// A task without an embedded plan gets a single post-summary action, so
// plain tasks still close with a visible trace.
type PayloadPlanner struct{}

type taskPlan struct {
	Actions []struct {
		Kind    string          `json:"kind"`
		Payload json.RawMessage `json:"payload"`
	} `json:"actions"`
}

func (PayloadPlanner) Plan(_ context.Context, task domain.Task) ([]PlannedAction, error) {
	fallback := []PlannedAction{{
		Kind:        "post-summary",
		PayloadJSON: fmt.Sprintf(`{"task_id":%q,"title":%q}`, task.ID, task.Title),
	}}
	if task.PayloadJSON == nil || *task.PayloadJSON == "" {
		return fallback, nil
	}
	var plan taskPlan
	if err := json.Unmarshal([]byte(*task.PayloadJSON), &plan); err != nil {
		return nil, fmt.Errorf("task %s payload: %w", task.ID, err)
	}
	if len(plan.Actions) == 0 {
		return fallback, nil
	}
	out := make([]PlannedAction, 0, len(plan.Actions))
	for i, a := range plan.Actions {
		if a.Kind == "" {
			return nil, fmt.Errorf("task %s payload: action %d has no kind", task.ID, i)
		}
		payload := "{}"
		if len(a.Payload) > 0 {
			payload = string(a.Payload)
		}
		out = append(out, PlannedAction{Kind: a.Kind, PayloadJSON: payload})
	}
	return out, nil
}

// NoopExecutor acknowledges every action without side effects. It is the
// default until a real integration is wired in.
type NoopExecutor struct{}

func (NoopExecutor) Execute(_ context.Context, a domain.Action) ExecutionResult {
	return ExecutionResult{Success: true, Detail: "executed " + a.Kind}
}

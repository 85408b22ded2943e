package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"dispatch/internal/domain"
	"dispatch/internal/repo"
)

// registerWebhooks accepts pushes from external ticket systems and turns
// them into tasks. Deliveries are keyed by ticket id, so webhook retries
// do not enqueue duplicates.
func registerWebhooks(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "ticket-webhook",
		Method:        http.MethodPost,
		Path:          "/webhooks/tickets",
		Summary:       "Ingest an external ticket event",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body TicketWebhook `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if input.Body.TicketID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "ticket_id is required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		agentID := input.Body.AgentID
		if agentID == "" {
			agentID = "support"
		}
		if _, ok := cfg.App.Agents[agentID]; !ok {
			return nil, newAPIError(http.StatusNotFound, "unknown_agent", "unknown agent: "+agentID, nil)
		}

		taskID := "ticket-" + input.Body.TicketID
		if existing, err := cfg.Repo.GetTask(ctx, taskID); err == nil {
			return &struct {
				Body domain.Task `json:"body"`
			}{Body: existing}, nil
		} else if !errors.Is(err, repo.ErrNotFound) {
			return nil, handleError(err)
		}

		source := domain.SourceBacklogTicket
		tags := input.Body.Tags
		switch input.Body.Kind {
		case "bug":
			source = domain.SourceBugReport
			tags = appendMissing(tags, domain.TagBug)
		case "event":
			source = domain.SourceExternalEvent
		}
		impact := input.Body.Impact
		if impact == "" {
			impact = domain.ImpactNormal
		}

		now := cfg.now().UTC().Format(time.RFC3339)
		t := domain.Task{
			ID:        taskID,
			AgentID:   agentID,
			Source:    source,
			Tags:      tags,
			Impact:    impact,
			Status:    domain.TaskPending,
			Title:     input.Body.Title,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if input.Body.Payload != nil {
			b, err := json.Marshal(input.Body.Payload)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid payload", map[string]any{"error": err.Error()})
			}
			s := string(b)
			t.PayloadJSON = &s
		}
		if err := cfg.Repo.InsertTask(ctx, t); err != nil {
			return nil, handleError(err)
		}
		err := cfg.Runner.Audit.Record(ctx, "task.created", agentID, "task", t.ID, map[string]any{
			"source":    source,
			"ticket_id": input.Body.TicketID,
			"by":        "webhook",
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}

func appendMissing(tags []string, tag string) []string {
	for _, t := range tags {
		if t == tag {
			return tags
		}
	}
	return append(tags, tag)
}

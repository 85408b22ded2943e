package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"dispatch/internal/alert"
	"dispatch/internal/config"
	"dispatch/internal/domain"
	"dispatch/internal/repo"
	"dispatch/internal/risk"
	"dispatch/internal/run"
	"dispatch/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Repo     repo.Repo
	Runner   run.Runner
	Gate     risk.Gate
	Alerts   alert.Engine
	Store    store.Store
	App      *config.Config
	BasePath string
	Auth     AuthConfig
	Now      func() time.Time
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"claim_conflict"`
	Message string         `json:"message" example:"task already claimed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the dispatch API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Dispatch API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAgents(group, cfg)
	registerTasks(group, cfg)
	registerApprovals(group, cfg)
	registerAlerts(group, cfg)
	registerControl(group, cfg)
	registerAudit(group, cfg)
	registerWebhooks(group, cfg)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, run.ErrUnknownAgent):
		return newAPIError(http.StatusNotFound, "unknown_agent", err.Error(), nil)
	case errors.Is(err, run.ErrRunActive):
		return newAPIError(http.StatusConflict, "run_active", err.Error(), nil)
	case errors.Is(err, repo.ErrClaimConflict):
		return newAPIError(http.StatusConflict, "claim_conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Dispatch API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerAgents(api huma.API, cfg Config) {
	type agentSummary struct {
		AgentID       string `json:"agent_id"`
		MaxIterations int    `json:"max_iterations"`
		BatchSize     int    `json:"batch_size"`
		PendingTasks  int    `json:"pending_tasks"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List configured agents",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []agentSummary `json:"body"`
	}, error) {
		ids := make([]string, 0, len(cfg.App.Agents))
		for id := range cfg.App.Agents {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out := make([]agentSummary, 0, len(ids))
		for _, id := range ids {
			pending, err := cfg.Repo.CountPendingTasks(ctx, id)
			if err != nil {
				return nil, handleError(err)
			}
			a := cfg.App.Agents[id]
			out = append(out, agentSummary{
				AgentID:       id,
				MaxIterations: a.MaxIterations,
				BatchSize:     a.BatchSize,
				PendingTasks:  pending,
			})
		}
		return &struct {
			Body []agentSummary `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent-state",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/state",
		Summary:     "Last committed agent snapshot",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
	}) (*struct {
		Body domain.AgentState `json:"body"`
	}, error) {
		if _, ok := cfg.App.Agents[input.AgentID]; !ok {
			return nil, handleError(fmt.Errorf("%w: %s", run.ErrUnknownAgent, input.AgentID))
		}
		state, err := cfg.Store.Load(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentState `json:"body"`
		}{Body: state}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-agent",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/run",
		Summary:     "Invoke one run cycle",
		Description: "Runs one bounded cycle. With drain=true the dispatcher keeps invoking while the run reports dispatch_again.",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
		Drain   bool   `query:"drain"`
	}) (*struct {
		Body domain.RunResult `json:"body"`
	}, error) {
		res, err := cfg.Runner.Run(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		for input.Drain && res.DispatchAgain {
			res, err = cfg.Runner.Run(ctx, input.AgentID)
			if err != nil {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body domain.RunResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/agents/{agent_id}/runs",
		Summary:     "Recent runs for an agent",
	}, func(ctx context.Context, input *struct {
		AgentID string `path:"agent_id"`
		Limit   int    `query:"limit"`
	}) (*struct {
		Body []domain.Run `json:"body"`
	}, error) {
		runs, err := cfg.Repo.ListRuns(ctx, input.AgentID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Run `json:"body"`
		}{Body: runs}, nil
	})
}

func (cfg Config) buildTask(req CreateTaskRequest) (domain.Task, huma.StatusError) {
	if req.AgentID == "" {
		return domain.Task{}, newAPIError(http.StatusBadRequest, "bad_request", "agent_id is required", nil)
	}
	if _, ok := cfg.App.Agents[req.AgentID]; !ok {
		return domain.Task{}, newAPIError(http.StatusNotFound, "unknown_agent", "unknown agent: "+req.AgentID, nil)
	}
	if req.Title == "" {
		return domain.Task{}, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
	}
	switch req.Source {
	case domain.SourceDirectRequest, domain.SourceBugReport, domain.SourceBacklogTicket, domain.SourceExternalEvent:
	default:
		return domain.Task{}, newAPIError(http.StatusBadRequest, "bad_request", "invalid source: "+req.Source, nil)
	}
	impact := req.Impact
	if impact == "" {
		impact = domain.ImpactNormal
	}
	now := cfg.now().UTC().Format(time.RFC3339)
	t := domain.Task{
		ID:        uuid.NewString(),
		AgentID:   req.AgentID,
		Source:    req.Source,
		Tags:      req.Tags,
		Impact:    impact,
		Status:    domain.TaskPending,
		Title:     req.Title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.ID != nil && *req.ID != "" {
		t.ID = *req.ID
	}
	if req.Payload != nil {
		b, err := json.Marshal(req.Payload)
		if err != nil {
			return domain.Task{}, newAPIError(http.StatusBadRequest, "bad_request", "invalid payload", map[string]any{"error": err.Error()})
		}
		s := string(b)
		t.PayloadJSON = &s
	}
	return t, nil
}

func registerTasks(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Enqueue a task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, apiErr := cfg.buildTask(input.Body)
		if apiErr != nil {
			return nil, apiErr
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := cfg.Repo.InsertTask(ctx, t); err != nil {
			return nil, handleError(err)
		}
		err := cfg.Runner.Audit.Record(ctx, "task.created", t.AgentID, "task", t.ID, map[string]any{
			"source": t.Source,
			"by":     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		AgentID string `query:"agent_id"`
		Status  string `query:"status"`
		Source  string `query:"source"`
		Limit   int    `query:"limit"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		tasks, err := cfg.Repo.ListTasks(ctx, repo.TaskFilters{
			AgentID: input.AgentID,
			Status:  input.Status,
			Source:  input.Source,
			Limit:   input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: tasks}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := cfg.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}

func registerApprovals(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "Actions awaiting a human decision",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Action `json:"body"`
	}, error) {
		queue, err := cfg.Repo.ListPendingApprovals(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Action `json:"body"`
		}{Body: queue}, nil
	})

	type decisionResponse struct {
		Decision domain.ApprovalDecision `json:"decision"`
		Outcome  string                  `json:"outcome" enum:"allowed,pending-approval,denied"`
	}
	huma.Register(api, huma.Operation{
		OperationID:   "decide-action",
		Method:        http.MethodPost,
		Path:          "/actions/{action_id}/decision",
		Summary:       "Record an approval decision",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ActionID string          `path:"action_id"`
		Body     DecisionRequest `json:"body"`
	}) (*struct {
		Body decisionResponse `json:"body"`
	}, error) {
		switch input.Body.Decision {
		case domain.DecisionApprove, domain.DecisionReject, domain.DecisionDefer:
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid decision: "+input.Body.Decision, nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := cfg.Gate.Decide(ctx, input.ActionID, input.Body.Decision, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		// Settle rejections right away so the queue reflects reality.
		outcome, _, err := cfg.Gate.Authorize(ctx, input.ActionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body decisionResponse `json:"body"`
		}{Body: decisionResponse{Decision: d, Outcome: outcome}}, nil
	})
}

func registerAlerts(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-alerts",
		Method:      http.MethodGet,
		Path:        "/alerts",
		Summary:     "List alerts, newest first",
	}, func(ctx context.Context, input *struct {
		Severity string `query:"severity"`
		Metric   string `query:"metric"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body []domain.Alert `json:"body"`
	}, error) {
		alerts, err := cfg.Repo.ListAlerts(ctx, repo.AlertFilters{
			Severity: input.Severity,
			Metric:   input.Metric,
			Limit:    input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Alert `json:"body"`
		}{Body: alerts}, nil
	})

	type ingestResponse struct {
		Alert *domain.Alert `json:"alert,omitempty"`
	}
	huma.Register(api, huma.Operation{
		OperationID:   "ingest-metric",
		Method:        http.MethodPost,
		Path:          "/metrics",
		Summary:       "Ingest a metric sample",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body MetricRequest `json:"body"`
	}) (*struct {
		Body ingestResponse `json:"body"`
	}, error) {
		if input.Body.Metric == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "metric is required", nil)
		}
		a, err := cfg.Alerts.Ingest(ctx, domain.MetricSample{
			Metric:    input.Body.Metric,
			Component: input.Body.Component,
			Value:     input.Body.Value,
			TS:        input.Body.TS,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ingestResponse `json:"body"`
		}{Body: ingestResponse{Alert: a}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recompute-baselines",
		Method:      http.MethodPost,
		Path:        "/baselines/recompute",
		Summary:     "Recompute rolling baselines",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		n, err := cfg.Alerts.RecomputeBaselines(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"updated": n}}, nil
	})
}

func registerControl(api huma.API, cfg Config) {
	type stopResponse struct {
		On bool `json:"on"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-emergency-stop",
		Method:      http.MethodGet,
		Path:        "/control/emergency-stop",
		Summary:     "Read the kill switch",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body stopResponse `json:"body"`
	}, error) {
		on, err := cfg.Store.EmergencyStop(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body stopResponse `json:"body"`
		}{Body: stopResponse{On: on}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-emergency-stop",
		Method:      http.MethodPut,
		Path:        "/control/emergency-stop",
		Summary:     "Set or clear the kill switch",
	}, func(ctx context.Context, input *struct {
		Body EmergencyStopRequest `json:"body"`
	}) (*struct {
		Body stopResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := cfg.Store.SetEmergencyStop(ctx, input.Body.On, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body stopResponse `json:"body"`
		}{Body: stopResponse{On: input.Body.On}}, nil
	})
}

func registerAudit(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Tail the audit log",
	}, func(ctx context.Context, input *struct {
		Type    string `query:"type"`
		AgentID string `query:"agent_id"`
		Limit   int    `query:"limit"`
	}) (*struct {
		Body []domain.AuditEntry `json:"body"`
	}, error) {
		entries, err := cfg.Repo.LatestAudit(ctx, input.Limit, input.Type, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AuditEntry `json:"body"`
		}{Body: entries}, nil
	})
}

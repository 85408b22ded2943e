package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dispatch/internal/alert"
	"dispatch/internal/audit"
	"dispatch/internal/config"
	"dispatch/internal/db"
	"dispatch/internal/domain"
	"dispatch/internal/migrate"
	"dispatch/internal/repo"
	"dispatch/internal/risk"
	"dispatch/internal/run"
	"dispatch/internal/router"
	"dispatch/internal/server"
	"dispatch/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "dsp",
	Short: "Dispatch CLI",
	Long: `Dispatch routes tasks to agents and runs them in bounded cycles.
- Tasks queue per agent; a cron or 'dsp run' invokes one cycle at a time.
- Priority comes from task attributes: direct requests first, backlog last.
- Risky actions wait in the approval queue ('dsp approval list').
- Metrics feed the alert engine; 'dsp stop on' halts everything.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DISPATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(stateCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(alertCmd())
	rootCmd.AddCommand(metricCmd())
	rootCmd.AddCommand(baselineCmd())
	rootCmd.AddCommand(stopCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

// app bundles the wired components a command needs.
type app struct {
	Repo   repo.Repo
	Runner run.Runner
	Gate   risk.Gate
	Alerts alert.Engine
	Store  store.Store
	Config *config.Config
}

func withApp(ctx context.Context, fn func(context.Context, app) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	aw := audit.Writer{DB: conn}
	gate := risk.Gate{Repo: r, Audit: aw, Config: cfg}
	st := store.Store{DB: conn, Audit: aw}
	a := app{
		Repo: r,
		Runner: run.Runner{
			Repo:     r,
			Router:   router.Router{Repo: r, Audit: aw},
			Gate:     gate,
			Store:    st,
			Audit:    aw,
			Config:   cfg,
			Planner:  run.PayloadPlanner{},
			Executor: run.NoopExecutor{},
		},
		Gate:   gate,
		Alerts: alert.Engine{Repo: r, Audit: aw, Config: cfg},
		Store:  st,
		Config: cfg,
	}
	return fn(ctx, a)
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage dispatch.yml"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the default config",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	return cfg
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage the task queue"}
	task.AddCommand(taskAddCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	return task
}

func taskAddCmd() *cobra.Command {
	var agentID, source, title, impact, payload string
	var tags []string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Enqueue a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" || title == "" {
				return fmt.Errorf("--agent and --title required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a app) error {
				if _, ok := a.Config.Agents[agentID]; !ok {
					return fmt.Errorf("unknown agent %s", agentID)
				}
				switch source {
				case domain.SourceDirectRequest, domain.SourceBugReport,
					domain.SourceBacklogTicket, domain.SourceExternalEvent:
				default:
					return fmt.Errorf("invalid source %s", source)
				}
				if impact != domain.ImpactHigh && impact != domain.ImpactNormal {
					return fmt.Errorf("invalid impact %s", impact)
				}
				now := time.Now().UTC().Format(time.RFC3339)
				t := domain.Task{
					ID:        newID(),
					AgentID:   agentID,
					Source:    source,
					Tags:      tags,
					Impact:    impact,
					Status:    domain.TaskPending,
					Title:     title,
					CreatedAt: now,
					UpdatedAt: now,
				}
				if payload != "" {
					if !json.Valid([]byte(payload)) {
						return fmt.Errorf("invalid payload json")
					}
					t.PayloadJSON = &payload
				}
				if err := a.Repo.InsertTask(ctx, t); err != nil {
					return err
				}
				err := a.Runner.Audit.Record(ctx, "task.created", agentID, "task", t.ID, audit.Payload{
					"source": source,
					"by":     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&source, "source", domain.SourceDirectRequest, "task source")
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&impact, "impact", domain.ImpactNormal, "impact (high, normal)")
	cmd.Flags().StringVar(&payload, "payload", "", "payload JSON with embedded actions")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tags (repeatable)")
	return cmd
}

func taskListCmd() *cobra.Command {
	var agentID, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app) error {
				tasks, err := a.Repo.ListTasks(ctx, repo.TaskFilters{
					AgentID: agentID, Status: status, Limit: limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable("ID", "AGENT", "TIER", "SOURCE", "STATUS", "TITLE")
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.AgentID, router.TierOf(t), t.Source, t.Status, t.Title})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "filter by agent")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "n", 0, "max rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task_id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app) error {
				t, err := a.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
	return cmd
}

func runCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "run <agent>",
		Short: "Run an agent cycle",
		Long:  "Invokes run cycles for the agent until it completes or blocks. With --once only a single cycle runs.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app) error {
				res, err := a.Runner.Run(ctx, args[0])
				if err != nil {
					return err
				}
				for !once && res.DispatchAgain {
					res, err = a.Runner.Run(ctx, args[0])
					if err != nil {
						return err
					}
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single cycle even if work remains")
	return cmd
}

func stateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state <agent>",
		Short: "Show the agent's committed snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app) error {
				if _, ok := a.Config.Agents[args[0]]; !ok {
					return fmt.Errorf("unknown agent %s", args[0])
				}
				state, err := a.Store.Load(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(state)
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Workspace overview",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app) error {
				stopped, err := a.Store.EmergencyStop(ctx)
				if err != nil {
					return err
				}
				ids := make([]string, 0, len(a.Config.Agents))
				for id := range a.Config.Agents {
					ids = append(ids, id)
				}
				sort.Strings(ids)
				type agentStatus struct {
					AgentID   string `json:"agent_id"`
					Pending   int    `json:"pending_tasks"`
					Iteration int    `json:"iteration"`
					Blockers  int    `json:"blockers"`
				}
				summary := struct {
					EmergencyStop bool          `json:"emergency_stop"`
					Agents        []agentStatus `json:"agents"`
				}{EmergencyStop: stopped}
				for _, id := range ids {
					pending, err := a.Repo.CountPendingTasks(ctx, id)
					if err != nil {
						return err
					}
					state, err := a.Store.Load(ctx, id)
					if err != nil {
						return err
					}
					summary.Agents = append(summary.Agents, agentStatus{
						AgentID:   id,
						Pending:   pending,
						Iteration: state.Iteration,
						Blockers:  len(state.Blockers),
					})
				}
				if viper.GetBool("json") {
					return printJSON(summary)
				}
				if stopped {
					fmt.Println("EMERGENCY STOP is ON")
				}
				tw := newTable("AGENT", "PENDING", "ITERATION", "BLOCKERS")
				for _, s := range summary.Agents {
					tw.AppendRow(table.Row{s.AgentID, s.Pending, s.Iteration, s.Blockers})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	return cmd
}

func approvalCmd() *cobra.Command {
	ap := &cobra.Command{Use: "approval", Short: "Review pending actions"}
	ap.AddCommand(approvalListCmd())
	ap.AddCommand(decisionCmd("approve", domain.DecisionApprove))
	ap.AddCommand(decisionCmd("reject", domain.DecisionReject))
	ap.AddCommand(decisionCmd("defer", domain.DecisionDefer))
	return ap
}

func approvalListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actions awaiting a decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app) error {
				queue, err := a.Repo.ListPendingApprovals(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(queue)
				}
				tw := newTable("ACTION", "AGENT", "KIND", "TIER", "TASK", "SINCE")
				for _, q := range queue {
					tw.AppendRow(table.Row{q.ID, q.AgentID, q.Kind, q.RiskTier, q.TaskID, q.CreatedAt})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	return cmd
}

func decisionCmd(use, decision string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use + " <action_id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a pending action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app) error {
				d, err := a.Gate.Decide(ctx, args[0], decision, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				outcome, _, err := a.Gate.Authorize(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"decision": d, "outcome": outcome})
			})
		},
	}
	return cmd
}

func alertCmd() *cobra.Command {
	al := &cobra.Command{Use: "alert", Short: "Inspect alerts"}
	var severity, metric string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List alerts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app) error {
				alerts, err := a.Repo.ListAlerts(ctx, repo.AlertFilters{
					Severity: severity, Metric: metric, Limit: limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(alerts)
				}
				tw := newTable("SEVERITY", "METRIC", "COMPONENT", "VALUE", "COUNT", "CHANNEL", "LAST SEEN")
				for _, x := range alerts {
					tw.AppendRow(table.Row{x.Severity, x.Metric, x.Component, x.Value, x.CountInWindow, x.Channel, x.LastSeen})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	list.Flags().StringVar(&severity, "severity", "", "filter by severity")
	list.Flags().StringVar(&metric, "metric", "", "filter by metric")
	list.Flags().IntVar(&limit, "n", 50, "max rows")
	al.AddCommand(list)
	return al
}

func metricCmd() *cobra.Command {
	m := &cobra.Command{Use: "metric", Short: "Feed the alert engine"}
	var metric, component string
	var value float64
	ingest := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest one metric sample",
		RunE: func(cmd *cobra.Command, args []string) error {
			if metric == "" {
				return fmt.Errorf("--metric required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a app) error {
				raised, err := a.Alerts.Ingest(ctx, domain.MetricSample{
					Metric: metric, Component: component, Value: value,
				})
				if err != nil {
					return err
				}
				if raised == nil {
					fmt.Println("ok, no alert")
					return nil
				}
				return printJSON(raised)
			})
		},
	}
	ingest.Flags().StringVar(&metric, "metric", "", "metric name")
	ingest.Flags().StringVar(&component, "component", "", "component")
	ingest.Flags().Float64Var(&value, "value", 0, "sample value")
	m.AddCommand(ingest)
	return m
}

func baselineCmd() *cobra.Command {
	b := &cobra.Command{Use: "baseline", Short: "Manage rolling baselines"}
	b.AddCommand(&cobra.Command{
		Use:   "recompute",
		Short: "Recompute baselines from recent samples",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app) error {
				n, err := a.Alerts.RecomputeBaselines(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("updated %d baselines\n", n)
				return nil
			})
		},
	})
	return b
}

func stopCmd() *cobra.Command {
	stop := &cobra.Command{Use: "stop", Short: "Control the kill switch"}
	stop.AddCommand(&cobra.Command{
		Use:   "on",
		Short: "Halt all agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app) error {
				if err := a.Store.SetEmergencyStop(ctx, true, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Println("emergency stop ON")
				return nil
			})
		},
	})
	stop.AddCommand(&cobra.Command{
		Use:   "off",
		Short: "Resume agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app) error {
				if err := a.Store.SetEmergencyStop(ctx, false, viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Println("emergency stop OFF")
				return nil
			})
		},
	})
	stop.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show the kill switch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app) error {
				on, err := a.Store.EmergencyStop(ctx)
				if err != nil {
					return err
				}
				if on {
					fmt.Println("emergency stop ON")
				} else {
					fmt.Println("emergency stop OFF")
				}
				return nil
			})
		},
	})
	return stop
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Audit log"}
	var n int
	var evtType, agentID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app) error {
				entries, err := a.Repo.LatestAudit(ctx, n, evtType, agentID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := newTable("TS", "TYPE", "AGENT", "ENTITY", "ID")
				for _, e := range entries {
					tw.AppendRow(table.Row{e.TS, e.Type, e.AgentID, e.EntityKind, e.EntityID})
				}
				fmt.Println(tw.Render())
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of entries")
	tail.Flags().StringVar(&evtType, "type", "", "entry type filter")
	tail.Flags().StringVar(&agentID, "agent", "", "agent filter")
	lg.AddCommand(tail)
	return lg
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a app) error {
				handler, err := server.New(server.Config{
					Repo:     a.Repo,
					Runner:   a.Runner,
					Gate:     a.Gate,
					Alerts:   a.Alerts,
					Store:    a.Store,
					App:      a.Config,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: os.Getenv("DISPATCH_JWT_SECRET")},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Dispatch API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func newID() string {
	return uuid.NewString()
}

func newTable(cols ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row(cols))
	return tw
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

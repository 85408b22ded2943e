package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"dispatch/internal/audit"
	"dispatch/internal/config"
	"dispatch/internal/db"
	"dispatch/internal/domain"
	"dispatch/internal/migrate"
	"dispatch/internal/repo"
	"dispatch/internal/risk"
	"dispatch/internal/router"
	"dispatch/internal/store"
)

type plannerFunc func(ctx context.Context, t domain.Task) ([]PlannedAction, error)

func (f plannerFunc) Plan(ctx context.Context, t domain.Task) ([]PlannedAction, error) {
	return f(ctx, t)
}

// scriptExecutor pops canned results per action kind and defaults to
// success for unscripted kinds.
type scriptExecutor struct {
	results map[string][]ExecutionResult
	calls   []string
}

func (e *scriptExecutor) Execute(_ context.Context, a domain.Action) ExecutionResult {
	e.calls = append(e.calls, a.Kind)
	if rs := e.results[a.Kind]; len(rs) > 0 {
		r := rs[0]
		e.results[a.Kind] = rs[1:]
		return r
	}
	return ExecutionResult{Success: true, Detail: "ok"}
}

type executorFunc func(ctx context.Context, a domain.Action) ExecutionResult

func (f executorFunc) Execute(ctx context.Context, a domain.Action) ExecutionResult {
	return f(ctx, a)
}

type countingScheduler struct {
	calls int
}

func (s *countingScheduler) Dispatch(context.Context, string) error {
	s.calls++
	return nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Agents["ops"] = config.AgentConfig{
		MaxIterations:     3,
		BatchSize:         2,
		RunTimeoutSeconds: 60,
		ExecutorRetries:   1,
	}
	return cfg
}

type harness struct {
	runner Runner
	repo   repo.Repo
	gate   risk.Gate
	store  store.Store
	exec   *scriptExecutor
	cfg    *config.Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clock := func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	cfg := testConfig()
	r := repo.Repo{DB: conn}
	aw := audit.Writer{DB: conn, Now: clock}
	g := risk.Gate{Repo: r, Audit: aw, Config: cfg, Now: clock}
	st := store.Store{DB: conn, Audit: aw, Now: clock}
	exec := &scriptExecutor{results: map[string][]ExecutionResult{}}
	return &harness{
		runner: Runner{
			Repo:     r,
			Router:   router.Router{Repo: r, Audit: aw, Now: clock},
			Gate:     g,
			Store:    st,
			Audit:    aw,
			Config:   cfg,
			Planner:  PayloadPlanner{},
			Executor: exec,
			Now:      clock,
		},
		repo:  r,
		gate:  g,
		store: st,
		exec:  exec,
		cfg:   cfg,
	}
}

func (h *harness) seedTask(t *testing.T, id, kind string) {
	t.Helper()
	payload := fmt.Sprintf(`{"actions":[{"kind":%q,"payload":{"note":"x"}}]}`, kind)
	err := h.repo.InsertTask(context.Background(), domain.Task{
		ID:          id,
		AgentID:     "ops",
		Source:      domain.SourceDirectRequest,
		Impact:      domain.ImpactNormal,
		Status:      domain.TaskPending,
		Title:       id,
		PayloadJSON: &payload,
		CreatedAt:   "2025-06-01T08:00:00Z",
		UpdatedAt:   "2025-06-01T08:00:00Z",
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

// seedPlan seeds a task whose payload plans one action per kind, in order.
func (h *harness) seedPlan(t *testing.T, id string, kinds ...string) {
	t.Helper()
	type planned struct {
		Kind    string         `json:"kind"`
		Payload map[string]any `json:"payload"`
	}
	var plan struct {
		Actions []planned `json:"actions"`
	}
	for _, k := range kinds {
		plan.Actions = append(plan.Actions, planned{Kind: k, Payload: map[string]any{"note": "x"}})
	}
	raw, err := json.Marshal(plan)
	if err != nil {
		t.Fatalf("marshal plan: %v", err)
	}
	payload := string(raw)
	err = h.repo.InsertTask(context.Background(), domain.Task{
		ID:          id,
		AgentID:     "ops",
		Source:      domain.SourceDirectRequest,
		Impact:      domain.ImpactNormal,
		Status:      domain.TaskPending,
		Title:       id,
		PayloadJSON: &payload,
		CreatedAt:   "2025-06-01T08:00:00Z",
		UpdatedAt:   "2025-06-01T08:00:00Z",
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestRunCompletesWhenQueueDrains(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedTask(t, "t-1", "draft-reply")
	h.seedTask(t, "t-2", "update-ticket")

	res, err := h.runner.Run(ctx, "ops")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != domain.RunComplete {
		t.Fatalf("state = %s (%s), want complete", res.State, res.BlockedReason)
	}
	if res.DispatchAgain {
		t.Fatal("complete run asked for another dispatch")
	}
	if res.TasksClaimed != 2 {
		t.Fatalf("tasks claimed = %d, want 2", res.TasksClaimed)
	}

	state, _ := h.store.Load(ctx, "ops")
	if state.Iteration != 0 {
		t.Fatalf("iteration after complete = %d, want 0", state.Iteration)
	}
	if state.Counters["tasks_done"] != 2 || state.Counters["actions_executed"] != 2 {
		t.Fatalf("counters = %v", state.Counters)
	}
	for _, id := range []string{"t-1", "t-2"} {
		task, _ := h.repo.GetTask(ctx, id)
		if task.Status != domain.TaskDone {
			t.Fatalf("task %s status = %s, want done", id, task.Status)
		}
	}
	row, _ := h.repo.GetRun(ctx, res.RunID)
	if row.State != domain.RunComplete || row.FinishedAt == nil {
		t.Fatalf("run row = %+v", row)
	}
}

func TestRunSelfDispatchesThenHitsIterationBudget(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.cfg.Agents["ops"] = config.AgentConfig{MaxIterations: 3, BatchSize: 1, RunTimeoutSeconds: 60}
	for i := 0; i < 5; i++ {
		h.seedTask(t, fmt.Sprintf("t-%d", i), "draft-reply")
	}

	// Runs 1 and 2 leave work behind and ask to be dispatched again,
	// each advancing the chain by exactly one iteration.
	for want := 1; want <= 2; want++ {
		res, err := h.runner.Run(ctx, "ops")
		if err != nil {
			t.Fatalf("Run #%d: %v", want, err)
		}
		if res.State != domain.RunWorking || !res.DispatchAgain {
			t.Fatalf("Run #%d: state=%s dispatch_again=%v", want, res.State, res.DispatchAgain)
		}
		state, _ := h.store.Load(ctx, "ops")
		if state.Iteration != want {
			t.Fatalf("Run #%d: iteration = %d, want %d", want, state.Iteration, want)
		}
	}

	// Run 3 exhausts the budget with work still pending.
	res, err := h.runner.Run(ctx, "ops")
	if err != nil {
		t.Fatalf("Run #3: %v", err)
	}
	if res.State != domain.RunBlocked || res.BlockedReason != domain.ReasonIterationBudget {
		t.Fatalf("Run #3 = %s (%s), want blocked iteration-budget-exhausted", res.State, res.BlockedReason)
	}
	if res.DispatchAgain {
		t.Fatal("budget-blocked run asked for another dispatch")
	}
	state, _ := h.store.Load(ctx, "ops")
	if state.Iteration != 0 {
		t.Fatalf("iteration after budget block = %d, want 0 for a fresh chain", state.Iteration)
	}

	// The next invocation starts a fresh chain and keeps draining.
	res, err = h.runner.Run(ctx, "ops")
	if err != nil {
		t.Fatalf("Run #4: %v", err)
	}
	if res.IterationsUsed != 1 {
		t.Fatalf("fresh chain started at iteration %d, want 1", res.IterationsUsed)
	}
}

func TestApprovalParksTaskAndResumesAfterApprove(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedTask(t, "t-email", "send-email")

	res, err := h.runner.Run(ctx, "ops")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != domain.RunBlocked || res.BlockedReason != domain.ReasonApprovalPending {
		t.Fatalf("run = %s (%s), want blocked approval-pending", res.State, res.BlockedReason)
	}
	if len(h.exec.calls) != 0 {
		t.Fatalf("executor ran %v before approval", h.exec.calls)
	}
	task, _ := h.repo.GetTask(ctx, "t-email")
	if task.Status != domain.TaskBlocked {
		t.Fatalf("task status = %s, want blocked", task.Status)
	}

	state, _ := h.store.Load(ctx, "ops")
	if len(state.Blockers) != 1 || state.Blockers[0].Kind != domain.BlockerApprovalPending {
		t.Fatalf("blockers = %+v", state.Blockers)
	}
	actionID := state.Blockers[0].ActionID

	// Still parked on the next run while nobody decides.
	res, err = h.runner.Run(ctx, "ops")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.BlockedReason != domain.ReasonApprovalPending {
		t.Fatalf("undecided rerun = %s (%s)", res.State, res.BlockedReason)
	}

	if _, err := h.gate.Decide(ctx, actionID, domain.DecisionApprove, "founder"); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	res, err = h.runner.Run(ctx, "ops")
	if err != nil {
		t.Fatalf("Run after approve: %v", err)
	}
	if res.State != domain.RunComplete {
		t.Fatalf("run after approve = %s (%s), want complete", res.State, res.BlockedReason)
	}
	if len(h.exec.calls) != 1 || h.exec.calls[0] != "send-email" {
		t.Fatalf("executor calls = %v", h.exec.calls)
	}
	task, _ = h.repo.GetTask(ctx, "t-email")
	if task.Status != domain.TaskDone {
		t.Fatalf("task status = %s, want done", task.Status)
	}
}

func TestApprovalResumeRunsRemainingPlan(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedPlan(t, "t-multi", "draft-reply", "send-email", "update-ticket")

	// The first run executes the low-risk opener and parks on the
	// approval-gated email; the ticket update is still unplayed.
	res, err := h.runner.Run(ctx, "ops")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != domain.RunBlocked || res.BlockedReason != domain.ReasonApprovalPending {
		t.Fatalf("run = %s (%s), want blocked approval-pending", res.State, res.BlockedReason)
	}
	if len(h.exec.calls) != 1 || h.exec.calls[0] != "draft-reply" {
		t.Fatalf("executor calls before approval = %v", h.exec.calls)
	}

	state, _ := h.store.Load(ctx, "ops")
	if len(state.Blockers) != 1 {
		t.Fatalf("blockers = %+v", state.Blockers)
	}
	if _, err := h.gate.Decide(ctx, state.Blockers[0].ActionID, domain.DecisionApprove, "founder"); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	// The resuming run plays the approved email and then the rest of the
	// plan, without repeating the opener.
	res, err = h.runner.Run(ctx, "ops")
	if err != nil {
		t.Fatalf("Run after approve: %v", err)
	}
	if res.State != domain.RunComplete {
		t.Fatalf("run after approve = %s (%s), want complete", res.State, res.BlockedReason)
	}
	want := []string{"draft-reply", "send-email", "update-ticket"}
	if len(h.exec.calls) != len(want) {
		t.Fatalf("executor calls = %v, want %v", h.exec.calls, want)
	}
	for i, k := range want {
		if h.exec.calls[i] != k {
			t.Fatalf("executor calls = %v, want %v", h.exec.calls, want)
		}
	}
	task, _ := h.repo.GetTask(ctx, "t-multi")
	if task.Status != domain.TaskDone {
		t.Fatalf("task status = %s, want done", task.Status)
	}
	state, _ = h.store.Load(ctx, "ops")
	if state.Counters["actions_executed"] != 3 || state.Counters["tasks_done"] != 1 {
		t.Fatalf("counters = %v", state.Counters)
	}
}

func TestRejectedActionDoesNotPreventComplete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedTask(t, "t-refund", "refund")

	if _, err := h.runner.Run(ctx, "ops"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	state, _ := h.store.Load(ctx, "ops")
	actionID := state.Blockers[0].ActionID
	if _, err := h.gate.Decide(ctx, actionID, domain.DecisionReject, "founder"); err != nil {
		t.Fatalf("Decide: %v", err)
	}

	res, err := h.runner.Run(ctx, "ops")
	if err != nil {
		t.Fatalf("Run after reject: %v", err)
	}
	if res.State != domain.RunComplete {
		t.Fatalf("run after reject = %s (%s), want complete", res.State, res.BlockedReason)
	}
	if len(res.Blockers) != 1 || res.Blockers[0].Kind != domain.BlockerRiskDenied {
		t.Fatalf("blockers = %+v, want one risk-denied", res.Blockers)
	}
	if len(h.exec.calls) != 0 {
		t.Fatalf("rejected action executed: %v", h.exec.calls)
	}
	action, _ := h.repo.GetAction(ctx, actionID)
	if action.Status != domain.ActionDenied {
		t.Fatalf("action status = %s, want denied", action.Status)
	}
}

func TestExecutorRetriesTransientFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedTask(t, "t-1", "draft-reply")
	h.exec.results["draft-reply"] = []ExecutionResult{
		{Success: false, Detail: "connection reset", Transient: true},
		{Success: true, Detail: "ok"},
	}

	res, err := h.runner.Run(ctx, "ops")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != domain.RunComplete {
		t.Fatalf("state = %s (%s), want complete", res.State, res.BlockedReason)
	}
	if len(h.exec.calls) != 2 {
		t.Fatalf("executor attempts = %d, want 2", len(h.exec.calls))
	}
}

func TestPermanentExecutorFailureBlocksTaskOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedTask(t, "t-bad", "draft-reply")
	h.seedTask(t, "t-good", "update-ticket")
	h.exec.results["draft-reply"] = []ExecutionResult{
		{Success: false, Detail: "invalid recipient", Transient: false},
	}

	res, err := h.runner.Run(ctx, "ops")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// The failure is recorded but does not hold the agent open.
	if res.State != domain.RunComplete {
		t.Fatalf("state = %s (%s), want complete", res.State, res.BlockedReason)
	}
	if len(res.Blockers) != 1 || res.Blockers[0].Kind != domain.BlockerExecutorFailed {
		t.Fatalf("blockers = %+v", res.Blockers)
	}
	bad, _ := h.repo.GetTask(ctx, "t-bad")
	good, _ := h.repo.GetTask(ctx, "t-good")
	if bad.Status != domain.TaskBlocked || good.Status != domain.TaskDone {
		t.Fatalf("task statuses = %s/%s, want blocked/done", bad.Status, good.Status)
	}
	if len(h.exec.calls) != 2 {
		t.Fatalf("executor attempts = %d, want 2 (no retry on permanent failure)", len(h.exec.calls))
	}
}

func TestEmergencyStopRefusesRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedTask(t, "t-1", "draft-reply")
	if err := h.store.SetEmergencyStop(ctx, true, "founder"); err != nil {
		t.Fatalf("SetEmergencyStop: %v", err)
	}

	res, err := h.runner.Run(ctx, "ops")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != domain.RunBlocked || res.BlockedReason != domain.ReasonEmergencyStop {
		t.Fatalf("run = %s (%s), want blocked emergency-stop", res.State, res.BlockedReason)
	}
	task, _ := h.repo.GetTask(ctx, "t-1")
	if task.Status != domain.TaskPending {
		t.Fatalf("task touched during stop: %s", task.Status)
	}
	if len(h.exec.calls) != 0 {
		t.Fatalf("executor ran during stop: %v", h.exec.calls)
	}

	// Clearing the switch lets the next invocation proceed.
	if err := h.store.SetEmergencyStop(ctx, false, "founder"); err != nil {
		t.Fatalf("SetEmergencyStop: %v", err)
	}
	res, err = h.runner.Run(ctx, "ops")
	if err != nil {
		t.Fatalf("Run after clear: %v", err)
	}
	if res.State != domain.RunComplete {
		t.Fatalf("run after clear = %s (%s)", res.State, res.BlockedReason)
	}
}

func TestEmergencyStopMidRunReleasesTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedTask(t, "t-1", "draft-reply")

	// The switch flips after the run has already claimed the task.
	h.runner.Planner = plannerFunc(func(ctx context.Context, task domain.Task) ([]PlannedAction, error) {
		if err := h.store.SetEmergencyStop(ctx, true, "founder"); err != nil {
			return nil, err
		}
		return []PlannedAction{{Kind: "draft-reply", PayloadJSON: "{}"}}, nil
	})

	res, err := h.runner.Run(ctx, "ops")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != domain.RunBlocked || res.BlockedReason != domain.ReasonEmergencyStop {
		t.Fatalf("run = %s (%s), want blocked emergency-stop", res.State, res.BlockedReason)
	}
	if len(h.exec.calls) != 0 {
		t.Fatalf("executor ran after stop: %v", h.exec.calls)
	}
	task, _ := h.repo.GetTask(ctx, "t-1")
	if task.Status != domain.TaskPending {
		t.Fatalf("claimed task not released: %s", task.Status)
	}
}

func TestFatalErrorCommitsNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Establish a known snapshot first.
	h.seedTask(t, "t-1", "draft-reply")
	if _, err := h.runner.Run(ctx, "ops"); err != nil {
		t.Fatalf("setup run: %v", err)
	}
	before, _ := h.store.Load(ctx, "ops")

	// The task row vanishes mid-run, which surfaces as an unexpected
	// repository error when the run tries to close it out.
	h.seedTask(t, "t-gone", "draft-reply")
	h.runner.Planner = plannerFunc(func(ctx context.Context, task domain.Task) ([]PlannedAction, error) {
		if _, err := h.repo.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, task.ID); err != nil {
			return nil, err
		}
		return []PlannedAction{{Kind: "draft-reply", PayloadJSON: "{}"}}, nil
	})

	res, err := h.runner.Run(ctx, "ops")
	if err == nil {
		t.Fatal("Run returned nil error on a fatal failure")
	}
	if res.BlockedReason != domain.ReasonFatalError {
		t.Fatalf("blocked reason = %s, want fatal-error", res.BlockedReason)
	}
	row, rerr := h.repo.GetRun(ctx, res.RunID)
	if rerr != nil {
		t.Fatalf("GetRun: %v", rerr)
	}
	if row.State != domain.RunBlocked || row.BlockedReason != domain.ReasonFatalError {
		t.Fatalf("run row = %+v", row)
	}

	after, _ := h.store.Load(ctx, "ops")
	if after.RunID != before.RunID || after.Iteration != before.Iteration {
		t.Fatalf("fatal run committed state: before=%+v after=%+v", before, after)
	}
}

func TestRunRefusesUnknownAgentAndConcurrentRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.runner.Run(ctx, "nobody"); !errors.Is(err, ErrUnknownAgent) {
		t.Fatalf("unknown agent error = %v", err)
	}

	if err := h.repo.InsertRun(ctx, nil, domain.Run{
		ID: "run-open", AgentID: "ops", Iteration: 1, MaxIterations: 3,
		State: domain.RunWorking, StartedAt: "2025-06-01T11:59:00Z",
	}); err != nil {
		t.Fatalf("InsertRun: %v", err)
	}
	if _, err := h.runner.Run(ctx, "ops"); !errors.Is(err, ErrRunActive) {
		t.Fatalf("active run error = %v", err)
	}
}

func TestCrashedRunIsReclaimed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedTask(t, "t-1", "draft-reply")

	// A run that died ten minutes ago, well past the 60s wall-clock
	// budget, still holds the task and already executed its action.
	if err := h.repo.InsertRun(ctx, nil, domain.Run{
		ID: "run-dead", AgentID: "ops", Iteration: 1, MaxIterations: 3,
		State: domain.RunWorking, StartedAt: "2025-06-01T11:50:00Z",
	}); err != nil {
		t.Fatalf("InsertRun: %v", err)
	}
	if err := h.repo.ClaimTask(ctx, "t-1", "run-dead", "2025-06-01T11:50:00Z"); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if err := h.repo.InsertAction(ctx, nil, domain.Action{
		ID: "a-done", RunID: "run-dead", AgentID: "ops", TaskID: "t-1",
		Kind: "draft-reply", RiskTier: domain.RiskLow, PayloadJSON: "{}",
		Status: domain.ActionExecuted,
		CreatedAt: "2025-06-01T11:50:00Z", UpdatedAt: "2025-06-01T11:50:00Z",
	}); err != nil {
		t.Fatalf("InsertAction: %v", err)
	}

	res, err := h.runner.Run(ctx, "ops")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != domain.RunComplete {
		t.Fatalf("run = %s (%s), want complete", res.State, res.BlockedReason)
	}

	dead, err := h.repo.GetRun(ctx, "run-dead")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if dead.State != domain.RunBlocked || dead.BlockedReason != domain.ReasonFatalError || dead.FinishedAt == nil {
		t.Fatalf("dead run row = %+v, want settled as blocked fatal-error", dead)
	}
	task, _ := h.repo.GetTask(ctx, "t-1")
	if task.Status != domain.TaskDone {
		t.Fatalf("task status = %s, want done", task.Status)
	}
	// The dead run's executed action is not repeated.
	if len(h.exec.calls) != 0 {
		t.Fatalf("executor calls = %v, want none", h.exec.calls)
	}
}

func TestEmergencyStopSkipsSelfDispatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.cfg.Agents["ops"] = config.AgentConfig{MaxIterations: 5, BatchSize: 1, RunTimeoutSeconds: 60}
	for i := 0; i < 3; i++ {
		h.seedTask(t, fmt.Sprintf("t-%d", i), "draft-reply")
	}
	sched := &countingScheduler{}
	h.runner.Scheduler = sched

	res, err := h.runner.Run(ctx, "ops")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != domain.RunWorking || !res.DispatchAgain {
		t.Fatalf("run = %s dispatch_again=%v, want working continuation", res.State, res.DispatchAgain)
	}
	if sched.calls != 1 {
		t.Fatalf("scheduler calls = %d, want 1", sched.calls)
	}

	// The switch flips while the next run's action executes, after the
	// last per-action check. The run still finishes with work pending
	// but must not hand itself another invocation.
	h.runner.Executor = executorFunc(func(ctx context.Context, a domain.Action) ExecutionResult {
		if err := h.store.SetEmergencyStop(ctx, true, "founder"); err != nil {
			return ExecutionResult{Success: false, Detail: err.Error()}
		}
		return ExecutionResult{Success: true, Detail: "ok"}
	})
	res, err = h.runner.Run(ctx, "ops")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.State != domain.RunWorking {
		t.Fatalf("run = %s (%s), want working", res.State, res.BlockedReason)
	}
	if res.DispatchAgain {
		t.Fatal("run asked for another dispatch with the kill switch set")
	}
	if sched.calls != 1 {
		t.Fatalf("scheduler calls = %d, want 1 (no dispatch under stop)", sched.calls)
	}
}

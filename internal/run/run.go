package run

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"dispatch/internal/audit"
	"dispatch/internal/config"
	"dispatch/internal/domain"
	"dispatch/internal/repo"
	"dispatch/internal/risk"
	"dispatch/internal/router"
	"dispatch/internal/store"
)

var (
	ErrUnknownAgent = errors.New("unknown agent")
	ErrRunActive    = errors.New("agent already has an active run")
)

// PlannedAction is what a planner wants a run to do for a task.
type PlannedAction struct {
	Kind        string
	PayloadJSON string
}

// Planner turns a claimed task into concrete actions.
type Planner interface {
	Plan(ctx context.Context, task domain.Task) ([]PlannedAction, error)
}

// ExecutionResult reports one executor attempt. Transient failures are
// retried up to the agent's configured retry budget; permanent ones are
// not.
type ExecutionResult struct {
	Success   bool
	Detail    string
	Transient bool
}

// Executor performs an authorized action's side effect.
type Executor interface {
	Execute(ctx context.Context, a domain.Action) ExecutionResult
}

// Scheduler requests a fresh invocation for an agent. Continuation is
// always a new invocation through the scheduler, never a recursive call,
// so a crash between runs loses at most one cycle.
type Scheduler interface {
	Dispatch(ctx context.Context, agentID string) error
}

// Runner drives one bounded run of an agent through the cycle:
// resume parked work, claim tasks, gate and execute their actions,
// then commit a fresh state snapshot and decide whether to continue.
type Runner struct {
	Repo      repo.Repo
	Router    router.Router
	Gate      risk.Gate
	Store     store.Store
	Audit     audit.Writer
	Config    *config.Config
	Planner   Planner
	Executor  Executor
	Scheduler Scheduler
	Now       func() time.Time
}

func (r Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// cycle accumulates what one run observed.
type cycle struct {
	claimed  []string
	blockers []domain.Blocker
	counters map[string]int
	stopped  bool
	timedOut bool
}

func (c *cycle) block(b domain.Blocker) {
	c.blockers = append(c.blockers, b)
}

func (c *cycle) bump(counter string) {
	c.counters[counter]++
}

func (c *cycle) approvalPending() bool {
	for _, b := range c.blockers {
		if b.Kind == domain.BlockerApprovalPending {
			return true
		}
	}
	return false
}

// Run executes one bounded cycle for the agent and reports how it ended.
// A run that fails mid-cycle with an unexpected error commits nothing:
// the previous snapshot stays authoritative and the error is surfaced.
func (r Runner) Run(ctx context.Context, agentID string) (domain.RunResult, error) {
	agent, ok := r.Config.Agents[agentID]
	if !ok {
		return domain.RunResult{}, fmt.Errorf("%w: %s", ErrUnknownAgent, agentID)
	}

	if open, err := r.Repo.ActiveRun(ctx, agentID); err == nil {
		started, perr := time.Parse(time.RFC3339, open.StartedAt)
		if perr != nil || r.now().UTC().Sub(started) <= agent.RunTimeout() {
			return domain.RunResult{}, fmt.Errorf("%w: %s", ErrRunActive, agentID)
		}
		// The open run outlived its wall-clock budget, so its process is
		// gone and it can never finish itself. Settle it and take over.
		if err := r.reclaimRun(ctx, open); err != nil {
			return domain.RunResult{}, err
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.RunResult{}, err
	}

	prev, err := r.Store.Load(ctx, agentID)
	if err != nil {
		return domain.RunResult{}, err
	}

	runID := uuid.NewString()
	iteration := prev.Iteration + 1
	startedAt := r.now().UTC().Format(time.RFC3339)
	runRow := domain.Run{
		ID:            runID,
		AgentID:       agentID,
		Iteration:     iteration,
		MaxIterations: agent.MaxIterations,
		State:         domain.RunWorking,
		StartedAt:     startedAt,
	}

	stopped, err := r.Store.EmergencyStop(ctx)
	if err != nil {
		return domain.RunResult{}, err
	}
	if stopped {
		runRow.State = domain.RunBlocked
		runRow.BlockedReason = domain.ReasonEmergencyStop
		runRow.FinishedAt = &startedAt
		if err := r.Repo.InsertRun(ctx, nil, runRow); err != nil {
			return domain.RunResult{}, err
		}
		err = r.Audit.Record(ctx, "run.refused", agentID, "run", runID, audit.Payload{
			"reason": domain.ReasonEmergencyStop,
		})
		if err != nil {
			return domain.RunResult{}, err
		}
		return domain.RunResult{
			RunID:         runID,
			AgentID:       agentID,
			State:         domain.RunBlocked,
			BlockedReason: domain.ReasonEmergencyStop,
		}, nil
	}

	if err := r.Repo.InsertRun(ctx, nil, runRow); err != nil {
		return domain.RunResult{}, err
	}
	err = r.Audit.Record(ctx, "run.started", agentID, "run", runID, audit.Payload{
		"iteration":      iteration,
		"max_iterations": agent.MaxIterations,
	})
	if err != nil {
		return domain.RunResult{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, agent.RunTimeout())
	defer cancel()
	// Commits and the terminal run row must land even when the work
	// budget ran out.
	commitCtx := context.WithoutCancel(ctx)

	c := &cycle{counters: map[string]int{}}
	for k, v := range prev.Counters {
		c.counters[k] = v
	}

	if err := r.resumeParked(runCtx, c, prev, agent, runID); err != nil {
		return r.fail(commitCtx, runRow, err)
	}

	for len(c.claimed) < agent.BatchSize && !c.stopped && !c.timedOut {
		if runCtx.Err() != nil {
			c.timedOut = true
			break
		}
		task, err := r.Router.Next(runCtx, agentID, runID)
		if errors.Is(err, router.ErrEmpty) {
			break
		}
		if err != nil {
			return r.fail(commitCtx, runRow, err)
		}
		c.claimed = append(c.claimed, task.ID)
		if err := r.processTask(runCtx, c, agent, runID, task); err != nil {
			return r.fail(commitCtx, runRow, err)
		}
	}

	return r.finish(commitCtx, runRow, c, agent, iteration)
}

// reclaimRun closes a run whose process died mid-cycle. The row settles
// as a fatal block and its claimed tasks go back to the queue. Actions
// the dead run already executed stay recorded, so the next run skips
// them instead of repeating the side effect.
func (r Runner) reclaimRun(ctx context.Context, open domain.Run) error {
	now := r.now().UTC().Format(time.RFC3339)
	open.State = domain.RunBlocked
	open.BlockedReason = domain.ReasonFatalError
	open.FinishedAt = &now
	if err := r.Repo.UpdateRun(ctx, nil, open); err != nil {
		return err
	}
	if err := r.Repo.ReleaseTasksForRun(ctx, open.ID, now); err != nil {
		return err
	}
	return r.Audit.Record(ctx, "run.reclaimed", open.AgentID, "run", open.ID, audit.Payload{
		"started_at": open.StartedAt,
	})
}

// resumeParked re-checks actions that a previous run left waiting for
// approval. An approved action executes now and the rest of its task's
// plan runs after it; rejected ones settle as denials.
func (r Runner) resumeParked(ctx context.Context, c *cycle, prev domain.AgentState, agent config.AgentConfig, runID string) error {
	for _, b := range prev.Blockers {
		if b.Kind != domain.BlockerApprovalPending || b.ActionID == "" {
			continue
		}
		outcome, action, err := r.Gate.Authorize(ctx, b.ActionID)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		switch outcome {
		case risk.OutcomePending:
			c.block(b)
		case risk.OutcomeDenied:
			c.bump("actions_denied")
			c.block(domain.Blocker{
				Kind:     domain.BlockerRiskDenied,
				TaskID:   b.TaskID,
				ActionID: b.ActionID,
				Reason:   action.Detail,
			})
		case risk.OutcomeAllowed:
			if action.Status != domain.ActionExecuted {
				res := r.execute(ctx, action, agent.ExecutorRetries)
				if !res.Success {
					if err := r.Gate.MarkBlocked(ctx, action, res.Detail); err != nil {
						return err
					}
					c.bump("actions_failed")
					c.block(domain.Blocker{
						Kind:     domain.BlockerExecutorFailed,
						TaskID:   b.TaskID,
						ActionID: b.ActionID,
						Reason:   res.Detail,
					})
					continue
				}
				if err := r.Gate.MarkExecuted(ctx, action, res.Detail); err != nil {
					return err
				}
				c.bump("actions_executed")
			}
			if b.TaskID == "" {
				continue
			}
			task, err := r.Repo.GetTask(ctx, b.TaskID)
			if err != nil {
				return err
			}
			// The approval only covered one action. The task's remaining
			// plan runs through the normal pipeline, which skips anything
			// already executed.
			if err := r.processTask(ctx, c, agent, runID, task); err != nil {
				return err
			}
		}
	}
	return nil
}

// processTask plans and executes one claimed task. The first action that
// cannot run parks the whole task; remaining planned actions wait for the
// run that unblocks it. Actions an earlier run already executed for this
// task are skipped, so a parked or released task never repeats a side
// effect.
func (r Runner) processTask(ctx context.Context, c *cycle, agent config.AgentConfig, runID string, task domain.Task) error {
	plans, err := r.Planner.Plan(ctx, task)
	if err != nil {
		c.block(domain.Blocker{
			Kind:   domain.BlockerPlannerFailed,
			TaskID: task.ID,
			Reason: err.Error(),
		})
		return r.Router.Block(ctx, task.AgentID, task, "planner failed: "+err.Error())
	}
	executed, err := r.Repo.ExecutedActionKinds(ctx, task.ID)
	if err != nil {
		return err
	}

	for _, p := range plans {
		if executed[p.Kind] > 0 {
			executed[p.Kind]--
			continue
		}
		stopped, err := r.Store.EmergencyStop(ctx)
		if err != nil {
			return err
		}
		if stopped {
			c.stopped = true
			return r.releaseClaim(ctx, task)
		}
		if ctx.Err() != nil {
			c.timedOut = true
			return r.releaseClaim(ctx, task)
		}

		action, err := r.Gate.Submit(ctx, domain.Action{
			RunID:       runID,
			AgentID:     task.AgentID,
			TaskID:      task.ID,
			Kind:        p.Kind,
			PayloadJSON: p.PayloadJSON,
		})
		if err != nil {
			return err
		}
		outcome, action, err := r.Gate.Authorize(ctx, action.ID)
		if err != nil {
			return err
		}
		switch outcome {
		case risk.OutcomeDenied:
			c.bump("actions_denied")
			c.block(domain.Blocker{
				Kind:     domain.BlockerRiskDenied,
				TaskID:   task.ID,
				ActionID: action.ID,
				Reason:   action.Detail,
			})
			return r.Router.Block(ctx, task.AgentID, task, "action denied: "+action.Kind)
		case risk.OutcomePending:
			c.block(domain.Blocker{
				Kind:     domain.BlockerApprovalPending,
				TaskID:   task.ID,
				ActionID: action.ID,
				Reason:   "awaiting approval for " + action.Kind,
			})
			return r.Router.Block(ctx, task.AgentID, task, "awaiting approval: "+action.Kind)
		}

		res := r.execute(ctx, action, agent.ExecutorRetries)
		if !res.Success {
			if err := r.Gate.MarkBlocked(ctx, action, res.Detail); err != nil {
				return err
			}
			c.bump("actions_failed")
			c.block(domain.Blocker{
				Kind:     domain.BlockerExecutorFailed,
				TaskID:   task.ID,
				ActionID: action.ID,
				Reason:   res.Detail,
			})
			return r.Router.Block(ctx, task.AgentID, task, "executor failed: "+action.Kind)
		}
		if err := r.Gate.MarkExecuted(ctx, action, res.Detail); err != nil {
			return err
		}
		c.bump("actions_executed")
	}

	if err := r.Router.Complete(ctx, task.AgentID, task); err != nil {
		return err
	}
	c.bump("tasks_done")
	return nil
}

// releaseClaim hands a claimed task back to the queue. A task that was
// parked before this run (resumed, still blocked) stays where it is.
func (r Runner) releaseClaim(ctx context.Context, task domain.Task) error {
	if task.Status != domain.TaskInProgress {
		return nil
	}
	return r.Router.Release(ctx, task.AgentID, task)
}

func (r Runner) execute(ctx context.Context, a domain.Action, retries int) ExecutionResult {
	var res ExecutionResult
	for attempt := 0; attempt <= retries; attempt++ {
		res = r.Executor.Execute(ctx, a)
		if res.Success || !res.Transient {
			return res
		}
	}
	return res
}

// finish settles the run row, commits the new snapshot, and decides
// whether the dispatcher should invoke the agent again.
func (r Runner) finish(ctx context.Context, runRow domain.Run, c *cycle, agent config.AgentConfig, iteration int) (domain.RunResult, error) {
	pending, err := r.Repo.CountPendingTasks(ctx, runRow.AgentID)
	if err != nil {
		return r.fail(ctx, runRow, err)
	}
	approvalPending := c.approvalPending()

	state := domain.RunComplete
	reason := ""
	nextIteration := 0
	switch {
	case c.stopped:
		state, reason = domain.RunBlocked, domain.ReasonEmergencyStop
		nextIteration = iteration
	case c.timedOut:
		state, reason = domain.RunBlocked, domain.ReasonWallClockBudget
		nextIteration = iteration
	case pending == 0 && !approvalPending:
		state = domain.RunComplete
	case pending == 0:
		state, reason = domain.RunBlocked, domain.ReasonApprovalPending
	case iteration >= agent.MaxIterations:
		state, reason = domain.RunBlocked, domain.ReasonIterationBudget
	default:
		// Work remains and budget allows another cycle.
		state = domain.RunWorking
		nextIteration = iteration
	}

	finishedAt := r.now().UTC().Format(time.RFC3339)
	runRow.State = state
	runRow.BlockedReason = reason
	runRow.FinishedAt = &finishedAt
	if err := r.Repo.UpdateRun(ctx, nil, runRow); err != nil {
		return r.fail(ctx, runRow, err)
	}

	snapshot := domain.AgentState{
		AgentID:        runRow.AgentID,
		RunID:          runRow.ID,
		Iteration:      nextIteration,
		ClaimedTaskIDs: c.claimed,
		Blockers:       c.blockers,
		Counters:       c.counters,
	}
	if err := r.Store.Commit(ctx, snapshot, nil); err != nil {
		return r.fail(ctx, runRow, err)
	}

	dispatchAgain := state == domain.RunWorking
	if dispatchAgain {
		// The kill switch may have flipped since the last per-action
		// check; no self-dispatch happens while it is set.
		stopped, err := r.Store.EmergencyStop(ctx)
		if err != nil {
			return domain.RunResult{}, err
		}
		if stopped {
			dispatchAgain = false
		}
	}

	result := domain.RunResult{
		RunID:          runRow.ID,
		AgentID:        runRow.AgentID,
		State:          state,
		BlockedReason:  reason,
		IterationsUsed: iteration,
		TasksClaimed:   len(c.claimed),
		Blockers:       c.blockers,
		DispatchAgain:  dispatchAgain,
	}
	err = r.Audit.Record(ctx, "run.finished", runRow.AgentID, "run", runRow.ID, audit.Payload{
		"state":          state,
		"blocked_reason": reason,
		"iteration":      iteration,
		"tasks_claimed":  len(c.claimed),
		"dispatch_again": result.DispatchAgain,
	})
	if err != nil {
		return domain.RunResult{}, err
	}

	if result.DispatchAgain && r.Scheduler != nil {
		if err := r.Scheduler.Dispatch(ctx, runRow.AgentID); err != nil {
			return domain.RunResult{}, err
		}
	}
	return result, nil
}

// fail settles the run row as a fatal block without committing any
// snapshot; the previous state stays authoritative.
func (r Runner) fail(ctx context.Context, runRow domain.Run, cause error) (domain.RunResult, error) {
	finishedAt := r.now().UTC().Format(time.RFC3339)
	runRow.State = domain.RunBlocked
	runRow.BlockedReason = domain.ReasonFatalError
	runRow.FinishedAt = &finishedAt
	if err := r.Repo.UpdateRun(ctx, nil, runRow); err != nil {
		return domain.RunResult{}, errors.Join(cause, err)
	}
	_ = r.Audit.Record(ctx, "run.failed", runRow.AgentID, "run", runRow.ID, audit.Payload{
		"error": cause.Error(),
	})
	return domain.RunResult{
		RunID:         runRow.ID,
		AgentID:       runRow.AgentID,
		State:         domain.RunBlocked,
		BlockedReason: domain.ReasonFatalError,
	}, cause
}

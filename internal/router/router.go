package router

import (
	"context"
	"errors"
	"sort"
	"time"

	"dispatch/internal/audit"
	"dispatch/internal/domain"
	"dispatch/internal/repo"
)

// ErrEmpty is returned by Next when the agent's pending queue is empty.
var ErrEmpty = errors.New("no pending tasks")

// Router hands pending tasks to runs in priority order. Priority is
// derived from task attributes on every pass, so a later tag edit or a
// reclassified impact takes effect without a queue rebuild.
type Router struct {
	Repo  repo.Repo
	Audit audit.Writer
	Now   func() time.Time
}

func (r Router) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// TierOf computes the priority tier of a task. Lower is more urgent.
//
// Direct requests always lead, urgent before the rest. Tagged urgency
// outranks everything but a direct request, including the backlog
// demotion. Backlog tickets sit at the bottom regardless of impact.
func TierOf(t domain.Task) int {
	urgent := t.HasTag(domain.TagUrgent)
	switch {
	case t.Source == domain.SourceDirectRequest && urgent:
		return 1
	case t.Source == domain.SourceDirectRequest:
		return 2
	case urgent || t.HasTag(domain.TagBug):
		return 3
	case t.Source == domain.SourceBacklogTicket:
		return 6
	case t.Impact == domain.ImpactHigh:
		return 4
	default:
		return 5
	}
}

// Next claims the highest-priority pending task for the agent and
// assigns it to the run. Within a tier, older tasks go first. Claims
// race through a status-guarded UPDATE; a lost race simply moves on to
// the next candidate.
func (r Router) Next(ctx context.Context, agentID, runID string) (domain.Task, error) {
	pending, err := r.Repo.ListPendingTasks(ctx, agentID)
	if err != nil {
		return domain.Task{}, err
	}
	if len(pending) == 0 {
		return domain.Task{}, ErrEmpty
	}
	sort.SliceStable(pending, func(i, j int) bool {
		ti, tj := TierOf(pending[i]), TierOf(pending[j])
		if ti != tj {
			return ti < tj
		}
		if pending[i].CreatedAt != pending[j].CreatedAt {
			return pending[i].CreatedAt < pending[j].CreatedAt
		}
		return pending[i].ID < pending[j].ID
	})

	now := r.now().UTC().Format(time.RFC3339)
	for _, t := range pending {
		err := r.Repo.ClaimTask(ctx, t.ID, runID, now)
		if errors.Is(err, repo.ErrClaimConflict) {
			continue
		}
		if err != nil {
			return domain.Task{}, err
		}
		t.Status = domain.TaskInProgress
		t.AssignedRunID = &runID
		t.UpdatedAt = now
		if err := r.Audit.Record(ctx, "task.claimed", agentID, "task", t.ID, audit.Payload{
			"run_id": runID,
			"tier":   TierOf(t),
			"source": t.Source,
		}); err != nil {
			return domain.Task{}, err
		}
		return t, nil
	}
	return domain.Task{}, ErrEmpty
}

// Complete marks a claimed task done.
func (r Router) Complete(ctx context.Context, agentID string, t domain.Task) error {
	now := r.now().UTC().Format(time.RFC3339)
	if err := r.Repo.UpdateTaskStatus(ctx, nil, t.ID, domain.TaskDone, now); err != nil {
		return err
	}
	return r.Audit.Record(ctx, "task.done", agentID, "task", t.ID, audit.Payload{})
}

// Block parks a claimed task pending outside input. The task keeps its
// run assignment so the blocker can be traced back.
func (r Router) Block(ctx context.Context, agentID string, t domain.Task, reason string) error {
	now := r.now().UTC().Format(time.RFC3339)
	if err := r.Repo.UpdateTaskStatus(ctx, nil, t.ID, domain.TaskBlocked, now); err != nil {
		return err
	}
	return r.Audit.Record(ctx, "task.blocked", agentID, "task", t.ID, audit.Payload{"reason": reason})
}

// Release returns a claimed task to the pending queue untouched.
func (r Router) Release(ctx context.Context, agentID string, t domain.Task) error {
	now := r.now().UTC().Format(time.RFC3339)
	if err := r.Repo.ReleaseTask(ctx, t.ID, now); err != nil {
		return err
	}
	return r.Audit.Record(ctx, "task.released", agentID, "task", t.ID, audit.Payload{})
}

package risk

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"dispatch/internal/audit"
	"dispatch/internal/config"
	"dispatch/internal/domain"
	"dispatch/internal/repo"
)

// Outcome of an authorization check.
const (
	OutcomeAllowed = "allowed"
	OutcomePending = "pending-approval"
	OutcomeDenied  = "denied"
)

// Classify maps an action kind to its risk tier under a policy. Kinds
// absent from every list default to medium, so an unrecognized action is
// queued for a human rather than executed.
func Classify(p config.RiskPolicy, kind string) string {
	for _, k := range p.Forbid {
		if k == kind {
			return domain.RiskForbidden
		}
	}
	for _, k := range p.Allow {
		if k == kind {
			return domain.RiskLow
		}
	}
	if tier, ok := p.Approve[kind]; ok {
		return tier
	}
	return domain.RiskMedium
}

// Gate classifies proposed actions and decides whether they may execute.
// Every decision lands in the audit log with the action's full payload.
type Gate struct {
	Repo   repo.Repo
	Audit  audit.Writer
	Config *config.Config
	Now    func() time.Time
}

func (g Gate) now() string {
	if g.Now != nil {
		return g.Now().UTC().Format(time.RFC3339)
	}
	return time.Now().UTC().Format(time.RFC3339)
}

// Submit classifies and persists a newly proposed action.
func (g Gate) Submit(ctx context.Context, a domain.Action) (domain.Action, error) {
	now := g.now()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.RiskTier = Classify(g.Config.PolicyFor(a.AgentID), a.Kind)
	a.Status = domain.ActionProposed
	a.CreatedAt = now
	a.UpdatedAt = now
	if err := g.Repo.InsertAction(ctx, nil, a); err != nil {
		return domain.Action{}, err
	}
	err := g.Audit.Record(ctx, "risk.classified", a.AgentID, "action", a.ID, audit.Payload{
		"kind":    a.Kind,
		"tier":    a.RiskTier,
		"task_id": a.TaskID,
		"run_id":  a.RunID,
		"payload": a.PayloadJSON,
	})
	if err != nil {
		return domain.Action{}, err
	}
	return a, nil
}

// Authorize decides whether a proposed action may execute now. It is
// idempotent: re-checking an already denied or executed action returns
// the settled outcome without writing a second terminal state.
//
// Forbidden actions are denied unconditionally. An approval row for a
// forbidden action changes nothing.
func (g Gate) Authorize(ctx context.Context, actionID string) (string, domain.Action, error) {
	a, err := g.Repo.GetAction(ctx, actionID)
	if err != nil {
		return "", domain.Action{}, err
	}

	switch a.Status {
	case domain.ActionExecuted:
		return OutcomeAllowed, a, nil
	case domain.ActionDenied:
		return OutcomeDenied, a, nil
	}

	outcome := OutcomePending
	detail := ""
	switch a.RiskTier {
	case domain.RiskLow:
		outcome = OutcomeAllowed
	case domain.RiskForbidden:
		outcome = OutcomeDenied
		detail = "kind is forbidden by policy"
	default:
		decision, err := g.Repo.LatestApprovalForAction(ctx, a.ID)
		if errors.Is(err, repo.ErrNotFound) {
			break
		}
		if err != nil {
			return "", domain.Action{}, err
		}
		switch decision.Decision {
		case domain.DecisionApprove:
			outcome = OutcomeAllowed
			a.ApprovalID = &decision.ID
		case domain.DecisionReject:
			outcome = OutcomeDenied
			detail = "rejected by " + decision.DecidedBy
		}
	}

	if outcome == OutcomeDenied {
		a.Status = domain.ActionDenied
		a.Detail = detail
		a.UpdatedAt = g.now()
		if err := g.Repo.UpdateAction(ctx, nil, a); err != nil {
			return "", domain.Action{}, err
		}
	} else if a.ApprovalID != nil {
		a.UpdatedAt = g.now()
		if err := g.Repo.UpdateAction(ctx, nil, a); err != nil {
			return "", domain.Action{}, err
		}
	}

	err = g.Audit.Record(ctx, "risk.authorized", a.AgentID, "action", a.ID, audit.Payload{
		"kind":    a.Kind,
		"tier":    a.RiskTier,
		"outcome": outcome,
		"detail":  detail,
		"payload": a.PayloadJSON,
	})
	if err != nil {
		return "", domain.Action{}, err
	}
	return outcome, a, nil
}

// Decide records a human decision on a pending action. Decisions are
// append-only; the latest non-defer decision wins at authorization time.
func (g Gate) Decide(ctx context.Context, actionID, decision, decidedBy string) (domain.ApprovalDecision, error) {
	a, err := g.Repo.GetAction(ctx, actionID)
	if err != nil {
		return domain.ApprovalDecision{}, err
	}
	d := domain.ApprovalDecision{
		ID:        uuid.NewString(),
		ActionID:  a.ID,
		Decision:  decision,
		DecidedBy: decidedBy,
		DecidedAt: g.now(),
	}
	if err := g.Repo.InsertApproval(ctx, d); err != nil {
		return domain.ApprovalDecision{}, err
	}
	err = g.Audit.Record(ctx, "approval.decided", a.AgentID, "action", a.ID, audit.Payload{
		"decision":   decision,
		"decided_by": decidedBy,
		"kind":       a.Kind,
		"tier":       a.RiskTier,
	})
	if err != nil {
		return domain.ApprovalDecision{}, err
	}
	return d, nil
}

// MarkExecuted settles an allowed action after its side effect ran.
func (g Gate) MarkExecuted(ctx context.Context, a domain.Action, detail string) error {
	a.Status = domain.ActionExecuted
	a.Detail = detail
	a.UpdatedAt = g.now()
	if err := g.Repo.UpdateAction(ctx, nil, a); err != nil {
		return err
	}
	return g.Audit.Record(ctx, "action.executed", a.AgentID, "action", a.ID, audit.Payload{
		"kind":    a.Kind,
		"tier":    a.RiskTier,
		"detail":  detail,
		"payload": a.PayloadJSON,
	})
}

// MarkBlocked parks an action that could not run this cycle.
func (g Gate) MarkBlocked(ctx context.Context, a domain.Action, detail string) error {
	a.Status = domain.ActionBlocked
	a.Detail = detail
	a.UpdatedAt = g.now()
	if err := g.Repo.UpdateAction(ctx, nil, a); err != nil {
		return err
	}
	return g.Audit.Record(ctx, "action.blocked", a.AgentID, "action", a.ID, audit.Payload{
		"kind":   a.Kind,
		"tier":   a.RiskTier,
		"detail": detail,
	})
}

package risk

import (
	"context"
	"testing"
	"time"

	"dispatch/internal/audit"
	"dispatch/internal/config"
	"dispatch/internal/db"
	"dispatch/internal/domain"
	"dispatch/internal/migrate"
	"dispatch/internal/repo"
)

func fixedClock() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func newTestGate(t *testing.T) (Gate, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	return Gate{
		Repo:   r,
		Audit:  audit.Writer{DB: conn, Now: fixedClock},
		Config: config.Default(),
		Now:    fixedClock,
	}, r
}

func propose(t *testing.T, g Gate, agentID, kind string) domain.Action {
	t.Helper()
	a, err := g.Submit(context.Background(), domain.Action{
		RunID:       "run-1",
		AgentID:     agentID,
		TaskID:      "task-1",
		Kind:        kind,
		PayloadJSON: `{"to":"customer@example.com"}`,
	})
	if err != nil {
		t.Fatalf("Submit(%s): %v", kind, err)
	}
	return a
}

func TestClassify(t *testing.T) {
	cfg := config.Default()
	policy := cfg.PolicyFor("finance")
	cases := map[string]string{
		"draft-reply":          domain.RiskLow,
		"send-email":           domain.RiskMedium,
		"refund":               domain.RiskHigh,
		"send-invoice":         domain.RiskMedium,
		"merge-to-main":        domain.RiskForbidden,
		"delete-customer-data": domain.RiskForbidden,
		"launch-rocket":        domain.RiskMedium,
	}
	for kind, want := range cases {
		if got := Classify(policy, kind); got != want {
			t.Errorf("Classify(%s) = %s, want %s", kind, got, want)
		}
	}
}

func TestClassifyAgentOverride(t *testing.T) {
	cfg := config.Default()
	if got := Classify(cfg.PolicyFor("code"), "run-tests"); got != domain.RiskLow {
		t.Fatalf("code run-tests = %s, want low", got)
	}
	if got := Classify(cfg.PolicyFor("ops"), "run-tests"); got != domain.RiskMedium {
		t.Fatalf("ops run-tests = %s, want medium", got)
	}
}

func TestAuthorizeLowRuns(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()
	a := propose(t, g, "support", "draft-reply")

	outcome, _, err := g.Authorize(ctx, a.ID)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if outcome != OutcomeAllowed {
		t.Fatalf("outcome = %s, want allowed", outcome)
	}
}

func TestAuthorizeMediumWaitsForApproval(t *testing.T) {
	g, _ := newTestGate(t)
	ctx := context.Background()
	a := propose(t, g, "support", "send-email")

	outcome, _, err := g.Authorize(ctx, a.ID)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if outcome != OutcomePending {
		t.Fatalf("before decision: outcome = %s, want pending-approval", outcome)
	}

	if _, err := g.Decide(ctx, a.ID, domain.DecisionDefer, "founder"); err != nil {
		t.Fatalf("Decide defer: %v", err)
	}
	outcome, _, _ = g.Authorize(ctx, a.ID)
	if outcome != OutcomePending {
		t.Fatalf("after defer: outcome = %s, want pending-approval", outcome)
	}

	if _, err := g.Decide(ctx, a.ID, domain.DecisionApprove, "founder"); err != nil {
		t.Fatalf("Decide approve: %v", err)
	}
	outcome, got, _ := g.Authorize(ctx, a.ID)
	if outcome != OutcomeAllowed {
		t.Fatalf("after approve: outcome = %s, want allowed", outcome)
	}
	if got.ApprovalID == nil {
		t.Fatal("approved action has no approval_id")
	}
}

func TestAuthorizeReject(t *testing.T) {
	g, r := newTestGate(t)
	ctx := context.Background()
	a := propose(t, g, "finance", "refund")

	if _, err := g.Decide(ctx, a.ID, domain.DecisionReject, "founder"); err != nil {
		t.Fatalf("Decide reject: %v", err)
	}
	outcome, _, err := g.Authorize(ctx, a.ID)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if outcome != OutcomeDenied {
		t.Fatalf("outcome = %s, want denied", outcome)
	}
	stored, _ := r.GetAction(ctx, a.ID)
	if stored.Status != domain.ActionDenied {
		t.Fatalf("status = %s, want denied", stored.Status)
	}

	// Re-checking a settled denial never reopens it, even after an
	// approval row lands later.
	if _, err := g.Decide(ctx, a.ID, domain.DecisionApprove, "founder"); err != nil {
		t.Fatalf("Decide approve: %v", err)
	}
	outcome, _, _ = g.Authorize(ctx, a.ID)
	if outcome != OutcomeDenied {
		t.Fatalf("settled denial reopened: outcome = %s", outcome)
	}
}

func TestForbiddenDeniedDespiteApproval(t *testing.T) {
	g, r := newTestGate(t)
	ctx := context.Background()
	a := propose(t, g, "code", "merge-to-main")
	if a.RiskTier != domain.RiskForbidden {
		t.Fatalf("tier = %s, want forbidden", a.RiskTier)
	}

	if _, err := g.Decide(ctx, a.ID, domain.DecisionApprove, "founder"); err != nil {
		t.Fatalf("Decide: %v", err)
	}
	outcome, _, err := g.Authorize(ctx, a.ID)
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if outcome != OutcomeDenied {
		t.Fatalf("forbidden action outcome = %s, want denied", outcome)
	}
	stored, _ := r.GetAction(ctx, a.ID)
	if stored.Status != domain.ActionDenied {
		t.Fatalf("status = %s, want denied", stored.Status)
	}
}

func TestUnknownKindQueuesForApproval(t *testing.T) {
	g, r := newTestGate(t)
	ctx := context.Background()
	a := propose(t, g, "ops", "provision-server")
	if a.RiskTier != domain.RiskMedium {
		t.Fatalf("tier = %s, want medium", a.RiskTier)
	}
	outcome, _, _ := g.Authorize(ctx, a.ID)
	if outcome != OutcomePending {
		t.Fatalf("outcome = %s, want pending-approval", outcome)
	}
	queue, err := r.ListPendingApprovals(ctx)
	if err != nil {
		t.Fatalf("ListPendingApprovals: %v", err)
	}
	if len(queue) != 1 || queue[0].ID != a.ID {
		t.Fatalf("approval queue = %+v, want just %s", queue, a.ID)
	}
}

func TestEveryDecisionIsAudited(t *testing.T) {
	g, r := newTestGate(t)
	ctx := context.Background()
	a := propose(t, g, "support", "send-email")
	g.Authorize(ctx, a.ID)
	g.Decide(ctx, a.ID, domain.DecisionApprove, "founder")
	g.Authorize(ctx, a.ID)

	entries, err := r.LatestAudit(ctx, 50, "", "support")
	if err != nil {
		t.Fatalf("LatestAudit: %v", err)
	}
	types := map[string]int{}
	for _, e := range entries {
		types[e.Type]++
	}
	if types["risk.classified"] != 1 {
		t.Errorf("risk.classified entries = %d, want 1", types["risk.classified"])
	}
	if types["risk.authorized"] != 2 {
		t.Errorf("risk.authorized entries = %d, want 2", types["risk.authorized"])
	}
	if types["approval.decided"] != 1 {
		t.Errorf("approval.decided entries = %d, want 1", types["approval.decided"])
	}
}

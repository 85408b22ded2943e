package repo

import (
	"context"
	"database/sql"

	"dispatch/internal/domain"
)

const actionColumns = `id,run_id,agent_id,task_id,kind,risk_tier,payload_json,approval_id,status,detail,created_at,updated_at`

func scanAction(scan func(dest ...any) error) (domain.Action, error) {
	var a domain.Action
	var approval, detail sql.NullString
	err := scan(&a.ID, &a.RunID, &a.AgentID, &a.TaskID, &a.Kind, &a.RiskTier, &a.PayloadJSON,
		&approval, &a.Status, &detail, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if approval.Valid {
		a.ApprovalID = &approval.String
	}
	if detail.Valid {
		a.Detail = detail.String
	}
	return a, nil
}

func (r Repo) InsertAction(ctx context.Context, tx *sql.Tx, a domain.Action) error {
	query := `INSERT INTO actions(` + actionColumns + `) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`
	args := []any{a.ID, a.RunID, a.AgentID, a.TaskID, a.Kind, a.RiskTier, a.PayloadJSON,
		nullableStringPtr(a.ApprovalID), a.Status, nullable(a.Detail), a.CreatedAt, a.UpdatedAt}
	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, args...)
	} else {
		_, err = r.DB.ExecContext(ctx, query, args...)
	}
	return err
}

func (r Repo) UpdateAction(ctx context.Context, tx *sql.Tx, a domain.Action) error {
	query := `UPDATE actions SET risk_tier=?, approval_id=?, status=?, detail=?, updated_at=? WHERE id=?`
	args := []any{a.RiskTier, nullableStringPtr(a.ApprovalID), a.Status, nullable(a.Detail), a.UpdatedAt, a.ID}
	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, args...)
	} else {
		_, err = r.DB.ExecContext(ctx, query, args...)
	}
	return err
}

func (r Repo) GetAction(ctx context.Context, id string) (domain.Action, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id=?`, id)
	return scanAction(row.Scan)
}

func (r Repo) ListActionsByRun(ctx context.Context, runID string) ([]domain.Action, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM actions WHERE run_id=? ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectActions(rows)
}

// ExecutedActionKinds counts the executed actions per kind for a task.
// A run resuming a partially executed task uses it to skip side effects
// that already happened.
func (r Repo) ExecutedActionKinds(ctx context.Context, taskID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT kind, count(*) FROM actions WHERE task_id=? AND status=? GROUP BY kind`,
		taskID, domain.ActionExecuted)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var kind string
		var n int
		if err := rows.Scan(&kind, &n); err != nil {
			return nil, err
		}
		res[kind] = n
	}
	return res, rows.Err()
}

// ListPendingApprovals returns the bounded queue an approver sees:
// proposed actions whose tier requires a human decision.
func (r Repo) ListPendingApprovals(ctx context.Context) ([]domain.Action, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+actionColumns+` FROM actions
		 WHERE status IN (?,?) AND risk_tier IN (?,?) AND approval_id IS NULL
		 ORDER BY created_at ASC, id ASC`,
		domain.ActionProposed, domain.ActionBlocked, domain.RiskMedium, domain.RiskHigh)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectActions(rows)
}

func collectActions(rows *sql.Rows) ([]domain.Action, error) {
	var res []domain.Action
	for rows.Next() {
		a, err := scanAction(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) InsertApproval(ctx context.Context, d domain.ApprovalDecision) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO approvals(id,action_id,decision,decided_by,decided_at) VALUES (?,?,?,?,?)`,
		d.ID, d.ActionID, d.Decision, d.DecidedBy, d.DecidedAt)
	return err
}

// LatestApprovalForAction returns the most recent decision for an action.
// Ties on decided_at resolve by insertion order. A defer decision behaves
// exactly like no decision at all.
func (r Repo) LatestApprovalForAction(ctx context.Context, actionID string) (domain.ApprovalDecision, error) {
	var d domain.ApprovalDecision
	err := r.DB.QueryRowContext(ctx,
		`SELECT id,action_id,decision,decided_by,decided_at FROM approvals
		 WHERE action_id=? ORDER BY decided_at DESC, rowid DESC LIMIT 1`, actionID).
		Scan(&d.ID, &d.ActionID, &d.Decision, &d.DecidedBy, &d.DecidedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	return d, err
}

func (r Repo) ListApprovals(ctx context.Context, actionID string) ([]domain.ApprovalDecision, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,action_id,decision,decided_by,decided_at FROM approvals WHERE action_id=? ORDER BY decided_at ASC, rowid ASC`, actionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ApprovalDecision
	for rows.Next() {
		var d domain.ApprovalDecision
		if err := rows.Scan(&d.ID, &d.ActionID, &d.Decision, &d.DecidedBy, &d.DecidedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

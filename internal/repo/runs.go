package repo

import (
	"context"
	"database/sql"

	"dispatch/internal/domain"
)

const runColumns = `id,agent_id,iteration,max_iterations,state,blocked_reason,started_at,finished_at`

func scanRun(scan func(dest ...any) error) (domain.Run, error) {
	var r domain.Run
	var reason, finished sql.NullString
	err := scan(&r.ID, &r.AgentID, &r.Iteration, &r.MaxIterations, &r.State, &reason, &r.StartedAt, &finished)
	if err == sql.ErrNoRows {
		return r, ErrNotFound
	}
	if err != nil {
		return r, err
	}
	if reason.Valid {
		r.BlockedReason = reason.String
	}
	if finished.Valid {
		r.FinishedAt = &finished.String
	}
	return r, nil
}

func (r Repo) InsertRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	query := `INSERT INTO runs(` + runColumns + `) VALUES (?,?,?,?,?,?,?,?)`
	args := []any{run.ID, run.AgentID, run.Iteration, run.MaxIterations, run.State,
		nullable(run.BlockedReason), run.StartedAt, nullableStringPtr(run.FinishedAt)}
	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, args...)
	} else {
		_, err = r.DB.ExecContext(ctx, query, args...)
	}
	return err
}

func (r Repo) UpdateRun(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	query := `UPDATE runs SET state=?, blocked_reason=?, finished_at=? WHERE id=?`
	args := []any{run.State, nullable(run.BlockedReason), nullableStringPtr(run.FinishedAt), run.ID}
	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, args...)
	} else {
		_, err = r.DB.ExecContext(ctx, query, args...)
	}
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id)
	return scanRun(row.Scan)
}

// ActiveRun returns the unfinished run for an agent, if any. At most one
// run per agent may be unfinished at a time.
func (r Repo) ActiveRun(ctx context.Context, agentID string) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE agent_id=? AND finished_at IS NULL ORDER BY started_at DESC LIMIT 1`, agentID)
	return scanRun(row.Scan)
}

func (r Repo) ListRuns(ctx context.Context, agentID string, limit int) ([]domain.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE agent_id=? ORDER BY started_at DESC, id DESC LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

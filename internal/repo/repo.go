package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"dispatch/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrClaimConflict is returned when a task claim loses the compare-and-set
// against another run.
var ErrClaimConflict = errors.New("task already claimed")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func marshalTags(tags []string) any {
	if len(tags) == 0 {
		return nil
	}
	b, _ := json.Marshal(tags)
	return string(b)
}

const taskColumns = `id,agent_id,source,tags_json,impact,status,title,payload_json,assigned_run_id,created_at,updated_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var tags, payload, runID sql.NullString
	err := scan(&t.ID, &t.AgentID, &t.Source, &tags, &t.Impact, &t.Status, &t.Title, &payload, &runID, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if tags.Valid {
		_ = json.Unmarshal([]byte(tags.String), &t.Tags)
	}
	if payload.Valid {
		t.PayloadJSON = &payload.String
	}
	if runID.Valid {
		t.AssignedRunID = &runID.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, t domain.Task) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.AgentID, t.Source, marshalTags(t.Tags), t.Impact, t.Status, t.Title,
		nullableStringPtr(t.PayloadJSON), nullableStringPtr(t.AssignedRunID), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

type TaskFilters struct {
	AgentID string
	Status  string
	Source  string
	Limit   int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, f.AgentID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Source != "" {
		clauses = append(clauses, "source=?")
		args = append(args, f.Source)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListPendingTasks returns every pending task for an agent, oldest first.
// Priority tiers are derived by the router on each pass, not here.
func (r Repo) ListPendingTasks(ctx context.Context, agentID string) ([]domain.Task, error) {
	return r.ListTasks(ctx, TaskFilters{AgentID: agentID, Status: domain.TaskPending})
}

func (r Repo) CountPendingTasks(ctx context.Context, agentID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM tasks WHERE agent_id=? AND status=?`, agentID, domain.TaskPending).Scan(&n)
	return n, err
}

// ClaimTask atomically moves a task from pending to in-progress and
// assigns it to the run. The single UPDATE with a status guard is the
// compare-and-set that prevents double dispatch.
func (r Repo) ClaimTask(ctx context.Context, taskID, runID, now string) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE tasks SET status=?, assigned_run_id=?, updated_at=? WHERE id=? AND status=?`,
		domain.TaskInProgress, runID, now, taskID, domain.TaskPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrClaimConflict
	}
	return nil
}

func (r Repo) UpdateTaskStatus(ctx context.Context, tx *sql.Tx, taskID, status, now string) error {
	var res sql.Result
	var err error
	query := `UPDATE tasks SET status=?, updated_at=? WHERE id=?`
	if tx != nil {
		res, err = tx.ExecContext(ctx, query, status, now, taskID)
	} else {
		res, err = r.DB.ExecContext(ctx, query, status, now, taskID)
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseTask hands a claimed task back to the router as pending.
func (r Repo) ReleaseTask(ctx context.Context, taskID, now string) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE tasks SET status=?, assigned_run_id=NULL, updated_at=? WHERE id=? AND status=?`,
		domain.TaskPending, now, taskID, domain.TaskInProgress)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseTasksForRun hands every task a run still holds back to the
// pending queue. Used when reclaiming a run whose process died.
func (r Repo) ReleaseTasksForRun(ctx context.Context, runID, now string) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE tasks SET status=?, assigned_run_id=NULL, updated_at=? WHERE assigned_run_id=? AND status=?`,
		domain.TaskPending, now, runID, domain.TaskInProgress)
	return err
}

func (r Repo) LatestAudit(ctx context.Context, limit int, typ, agentID string) ([]domain.AuditEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if typ != "" {
		clauses = append(clauses, "type=?")
		args = append(args, typ)
	}
	if agentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, agentID)
	}
	if limit <= 0 {
		limit = 20
	}
	args = append(args, limit)
	query := `SELECT id,ts,type,COALESCE(agent_id,''),entity_kind,COALESCE(entity_id,''),payload_json FROM audit WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var e domain.AuditEntry
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.AgentID, &e.EntityKind, &e.EntityID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

package repo

import (
	"context"
	"database/sql"
	"strings"

	"dispatch/internal/domain"
)

const alertColumns = `id,fingerprint,metric,component,severity,value,message,channel,count_in_window,first_seen,last_seen`

func scanAlert(scan func(dest ...any) error) (domain.Alert, error) {
	var a domain.Alert
	var msg sql.NullString
	err := scan(&a.ID, &a.Fingerprint, &a.Metric, &a.Component, &a.Severity, &a.Value,
		&msg, &a.Channel, &a.CountInWindow, &a.FirstSeen, &a.LastSeen)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if msg.Valid {
		a.Message = msg.String
	}
	return a, nil
}

func (r Repo) InsertAlert(ctx context.Context, tx *sql.Tx, a domain.Alert) error {
	query := `INSERT INTO alerts(` + alertColumns + `) VALUES (?,?,?,?,?,?,?,?,?,?,?)`
	args := []any{a.ID, a.Fingerprint, a.Metric, a.Component, a.Severity, a.Value,
		nullable(a.Message), a.Channel, a.CountInWindow, a.FirstSeen, a.LastSeen}
	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, args...)
	} else {
		_, err = r.DB.ExecContext(ctx, query, args...)
	}
	return err
}

// LatestAlertByFingerprint returns the newest alert for a fingerprint,
// used to decide between merging into the dedup window and opening a new
// record.
func (r Repo) LatestAlertByFingerprint(ctx context.Context, fingerprint string) (domain.Alert, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE fingerprint=? ORDER BY last_seen DESC, id DESC LIMIT 1`, fingerprint)
	return scanAlert(row.Scan)
}

func (r Repo) BumpAlert(ctx context.Context, tx *sql.Tx, id, lastSeen string, value float64) error {
	query := `UPDATE alerts SET count_in_window=count_in_window+1, last_seen=?, value=? WHERE id=?`
	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, lastSeen, value, id)
	} else {
		_, err = r.DB.ExecContext(ctx, query, lastSeen, value, id)
	}
	return err
}

type AlertFilters struct {
	Severity string
	Metric   string
	Limit    int
}

func (r Repo) ListAlerts(ctx context.Context, f AlertFilters) ([]domain.Alert, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Severity != "" {
		clauses = append(clauses, "severity=?")
		args = append(args, f.Severity)
	}
	if f.Metric != "" {
		clauses = append(clauses, "metric=?")
		args = append(args, f.Metric)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY last_seen DESC, id DESC LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Alert
	for rows.Next() {
		a, err := scanAlert(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) InsertSample(ctx context.Context, s domain.MetricSample) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO metric_samples(metric,component,value,ts) VALUES (?,?,?,?)`,
		s.Metric, s.Component, s.Value, s.TS)
	return err
}

// AvgSampleSince returns the mean value of a metric's samples at or after
// the given timestamp. ok is false when no samples exist in the window.
func (r Repo) AvgSampleSince(ctx context.Context, metric, since string) (float64, bool, error) {
	var avg sql.NullFloat64
	err := r.DB.QueryRowContext(ctx,
		`SELECT AVG(value) FROM metric_samples WHERE metric=? AND ts>=?`, metric, since).Scan(&avg)
	if err != nil {
		return 0, false, err
	}
	if !avg.Valid {
		return 0, false, nil
	}
	return avg.Float64, true, nil
}

func (r Repo) DistinctMetrics(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT metric FROM metric_samples ORDER BY metric`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) UpsertBaseline(ctx context.Context, b domain.Baseline) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO baselines(metric,value,computed_at) VALUES (?,?,?)
		 ON CONFLICT(metric) DO UPDATE SET value=excluded.value, computed_at=excluded.computed_at`,
		b.Metric, b.Value, b.ComputedAt)
	return err
}

func (r Repo) GetBaseline(ctx context.Context, metric string) (domain.Baseline, error) {
	var b domain.Baseline
	err := r.DB.QueryRowContext(ctx,
		`SELECT metric,value,computed_at FROM baselines WHERE metric=?`, metric).
		Scan(&b.Metric, &b.Value, &b.ComputedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	return b, err
}

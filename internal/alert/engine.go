package alert

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"dispatch/internal/audit"
	"dispatch/internal/config"
	"dispatch/internal/domain"
	"dispatch/internal/repo"
)

// Notifier delivers a raised alert to its escalation channel. Delivery
// failures do not roll back the alert record.
type Notifier interface {
	Notify(ctx context.Context, a domain.Alert) error
}

// NopNotifier drops notifications. The audit log still records every
// raised alert, so nothing is lost silently.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, domain.Alert) error { return nil }

var severityRank = map[string]int{
	domain.SeverityCritical: 4,
	domain.SeverityHigh:     3,
	domain.SeverityMedium:   2,
	domain.SeverityLow:      1,
	domain.SeverityInfo:     0,
}

// Fingerprint identifies an anomaly stream. Same metric on the same
// component always maps to the same fingerprint, which is what the dedup
// window keys on.
func Fingerprint(metric, component string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(metric+"|"+component)).String()
}

// Engine evaluates metric samples against configured rules and manages
// the deduplicated alert stream.
type Engine struct {
	Repo     repo.Repo
	Audit    audit.Writer
	Config   *config.Config
	Notifier Notifier
	Now      func() time.Time
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) notifier() Notifier {
	if e.Notifier != nil {
		return e.Notifier
	}
	return NopNotifier{}
}

// Ingest stores a sample and evaluates it. It returns the alert the
// sample raised or merged into, or nil when every rule passed.
func (e Engine) Ingest(ctx context.Context, s domain.MetricSample) (*domain.Alert, error) {
	now := e.now().UTC()
	if s.TS == "" {
		s.TS = now.Format(time.RFC3339)
	}
	if err := e.Repo.InsertSample(ctx, s); err != nil {
		return nil, err
	}
	rule, ok, err := e.match(ctx, s)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return e.raise(ctx, s, rule, now)
}

// match finds the most severe matching rule for the sample's metric.
func (e Engine) match(ctx context.Context, s domain.MetricSample) (config.AlertRule, bool, error) {
	var rules []config.AlertRule
	for _, r := range e.Config.Alerts.Rules {
		if r.Metric == s.Metric {
			rules = append(rules, r)
		}
	}
	sort.SliceStable(rules, func(i, j int) bool {
		return severityRank[rules[i].Severity] > severityRank[rules[j].Severity]
	})
	for _, r := range rules {
		hit, err := e.ruleHit(ctx, r, s.Value)
		if err != nil {
			return config.AlertRule{}, false, err
		}
		if hit {
			return r, true, nil
		}
	}
	return config.AlertRule{}, false, nil
}

func (e Engine) ruleHit(ctx context.Context, r config.AlertRule, value float64) (bool, error) {
	switch r.Op {
	case config.OpGreater:
		return value > r.Threshold, nil
	case config.OpLess:
		return value < r.Threshold, nil
	case config.OpAboveBaselineFrac, config.OpBelowBaselineFrac:
		b, err := e.Repo.GetBaseline(ctx, r.Metric)
		if errors.Is(err, repo.ErrNotFound) {
			// No baseline yet, nothing to compare against.
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if r.Op == config.OpAboveBaselineFrac {
			return value > b.Value*r.Threshold, nil
		}
		return value < b.Value*r.Threshold, nil
	}
	return false, nil
}

func (e Engine) dedupWindow(severity string) time.Duration {
	if severity == domain.SeverityCritical {
		return e.Config.CriticalDedupWindow()
	}
	return e.Config.DedupWindow()
}

// raise merges the hit into an open alert when one exists for the same
// fingerprint and severity inside the dedup window, otherwise opens a
// new record and notifies the escalation channel.
func (e Engine) raise(ctx context.Context, s domain.MetricSample, rule config.AlertRule, now time.Time) (*domain.Alert, error) {
	fp := Fingerprint(s.Metric, s.Component)
	nowStr := now.Format(time.RFC3339)

	latest, err := e.Repo.LatestAlertByFingerprint(ctx, fp)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	if err == nil && latest.Severity == rule.Severity {
		lastSeen, perr := time.Parse(time.RFC3339, latest.LastSeen)
		// The window boundary is inclusive: a repeat exactly one window
		// after the last occurrence still merges.
		if perr == nil && now.Sub(lastSeen) <= e.dedupWindow(rule.Severity) {
			if err := e.Repo.BumpAlert(ctx, nil, latest.ID, nowStr, s.Value); err != nil {
				return nil, err
			}
			latest.CountInWindow++
			latest.LastSeen = nowStr
			latest.Value = s.Value
			err = e.Audit.Record(ctx, "alert.deduped", "", "alert", latest.ID, audit.Payload{
				"metric":    s.Metric,
				"component": s.Component,
				"value":     s.Value,
				"count":     latest.CountInWindow,
			})
			if err != nil {
				return nil, err
			}
			return &latest, nil
		}
	}

	a := domain.Alert{
		ID:          uuid.NewString(),
		Fingerprint: fp,
		Metric:      s.Metric,
		Component:   s.Component,
		Severity:    rule.Severity,
		Value:       s.Value,
		Message: fmt.Sprintf("%s on %s: value %g breached %s rule (threshold %g)",
			s.Metric, s.Component, s.Value, rule.Severity, rule.Threshold),
		Channel:       e.Config.ChannelFor(rule.Severity),
		CountInWindow: 1,
		FirstSeen:     nowStr,
		LastSeen:      nowStr,
	}
	if err := e.Repo.InsertAlert(ctx, nil, a); err != nil {
		return nil, err
	}
	err = e.Audit.Record(ctx, "alert.raised", "", "alert", a.ID, audit.Payload{
		"metric":    s.Metric,
		"component": s.Component,
		"severity":  a.Severity,
		"channel":   a.Channel,
		"value":     s.Value,
	})
	if err != nil {
		return nil, err
	}
	if nerr := e.notifier().Notify(ctx, a); nerr != nil {
		_ = e.Audit.Record(ctx, "alert.notify_failed", "", "alert", a.ID, audit.Payload{
			"channel": a.Channel,
			"error":   nerr.Error(),
		})
	}
	return &a, nil
}

// RecomputeBaselines refreshes the rolling per-metric baselines from the
// samples inside the baseline window. Metrics with no recent samples keep
// their previous baseline.
func (e Engine) RecomputeBaselines(ctx context.Context) (int, error) {
	now := e.now().UTC()
	since := now.Add(-e.Config.BaselineWindow()).Format(time.RFC3339)
	metrics, err := e.Repo.DistinctMetrics(ctx)
	if err != nil {
		return 0, err
	}
	updated := 0
	for _, m := range metrics {
		avg, ok, err := e.Repo.AvgSampleSince(ctx, m, since)
		if err != nil {
			return updated, err
		}
		if !ok {
			continue
		}
		b := domain.Baseline{Metric: m, Value: avg, ComputedAt: now.Format(time.RFC3339)}
		if err := e.Repo.UpsertBaseline(ctx, b); err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}

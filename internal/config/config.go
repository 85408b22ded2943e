package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models dispatch.yml.
type Config struct {
	Agents map[string]AgentConfig `yaml:"agents"`
	Risk   RiskConfig             `yaml:"risk"`
	Alerts AlertConfig            `yaml:"alerts"`
}

// AgentConfig bounds a single agent's runs.
type AgentConfig struct {
	MaxIterations     int `yaml:"max_iterations"`
	BatchSize         int `yaml:"batch_size"`
	RunTimeoutSeconds int `yaml:"run_timeout_seconds"`
	ExecutorRetries   int `yaml:"executor_retries"`
}

func (a AgentConfig) RunTimeout() time.Duration {
	if a.RunTimeoutSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(a.RunTimeoutSeconds) * time.Second
}

type RiskConfig struct {
	Defaults RiskPolicy            `yaml:"defaults"`
	Agents   map[string]RiskPolicy `yaml:"agents"`
}

// RiskPolicy is a static table mapping action kinds to handling:
// allow (low risk, autonomous), approve (kind -> medium|high, queued for a
// human), forbid (never executes). Kinds absent from all three lists are
// treated as medium.
type RiskPolicy struct {
	Allow   []string          `yaml:"allow"`
	Approve map[string]string `yaml:"approve"`
	Forbid  []string          `yaml:"forbid"`
}

type AlertConfig struct {
	DedupWindowMinutes         int               `yaml:"dedup_window_minutes"`
	CriticalDedupWindowMinutes int               `yaml:"critical_dedup_window_minutes"`
	BaselineDays               int               `yaml:"baseline_days"`
	Rules                      []AlertRule       `yaml:"rules"`
	Escalation                 map[string]string `yaml:"escalation"`
}

// AlertRule compares a metric value against an absolute threshold or a
// ratio of the current rolling baseline.
type AlertRule struct {
	Metric    string  `yaml:"metric"`
	Op        string  `yaml:"op"`
	Threshold float64 `yaml:"threshold"`
	Severity  string  `yaml:"severity"`
}

const (
	OpGreater           = "gt"
	OpLess              = "lt"
	OpAboveBaselineFrac = "gt_baseline_ratio"
	OpBelowBaselineFrac = "lt_baseline_ratio"
)

func (c *Config) DedupWindow() time.Duration {
	if c.Alerts.DedupWindowMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(c.Alerts.DedupWindowMinutes) * time.Minute
}

func (c *Config) CriticalDedupWindow() time.Duration {
	if c.Alerts.CriticalDedupWindowMinutes <= 0 {
		return 15 * time.Minute
	}
	return time.Duration(c.Alerts.CriticalDedupWindowMinutes) * time.Minute
}

func (c *Config) BaselineWindow() time.Duration {
	days := c.Alerts.BaselineDays
	if days <= 0 {
		days = 7
	}
	return time.Duration(days) * 24 * time.Hour
}

// PolicyFor merges the default risk policy with per-agent overrides.
func (c *Config) PolicyFor(agentID string) RiskPolicy {
	merged := RiskPolicy{
		Allow:   append([]string(nil), c.Risk.Defaults.Allow...),
		Forbid:  append([]string(nil), c.Risk.Defaults.Forbid...),
		Approve: map[string]string{},
	}
	for kind, tier := range c.Risk.Defaults.Approve {
		merged.Approve[kind] = tier
	}
	agent, ok := c.Risk.Agents[agentID]
	if !ok {
		return merged
	}
	merged.Allow = append(merged.Allow, agent.Allow...)
	merged.Forbid = append(merged.Forbid, agent.Forbid...)
	for kind, tier := range agent.Approve {
		merged.Approve[kind] = tier
	}
	return merged
}

// ChannelFor routes a severity to its escalation channel.
func (c *Config) ChannelFor(severity string) string {
	if ch, ok := c.Alerts.Escalation[severity]; ok && ch != "" {
		return ch
	}
	switch severity {
	case "critical":
		return "pager"
	case "high":
		return "queue"
	case "medium", "low":
		return "digest"
	default:
		return "none"
	}
}

var validSeverities = map[string]bool{
	"critical": true, "high": true, "medium": true, "low": true, "info": true,
}

var validOps = map[string]bool{
	OpGreater: true, OpLess: true, OpAboveBaselineFrac: true, OpBelowBaselineFrac: true,
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("config.agents is required")
	}
	for id, a := range c.Agents {
		if id == "" {
			return fmt.Errorf("config.agents contains empty agent id")
		}
		if a.MaxIterations <= 0 {
			return fmt.Errorf("agent %s: max_iterations must be positive", id)
		}
		if a.BatchSize <= 0 {
			return fmt.Errorf("agent %s: batch_size must be positive", id)
		}
	}
	if err := validatePolicy("risk.defaults", c.Risk.Defaults); err != nil {
		return err
	}
	for id, p := range c.Risk.Agents {
		if _, ok := c.Agents[id]; !ok {
			return fmt.Errorf("risk.agents references unknown agent %s", id)
		}
		if err := validatePolicy("risk.agents."+id, p); err != nil {
			return err
		}
	}
	for i, r := range c.Alerts.Rules {
		if r.Metric == "" {
			return fmt.Errorf("alert rule %d: metric is required", i)
		}
		if !validOps[r.Op] {
			return fmt.Errorf("alert rule %d: unknown op %s", i, r.Op)
		}
		if !validSeverities[r.Severity] {
			return fmt.Errorf("alert rule %d: unknown severity %s", i, r.Severity)
		}
	}
	for sev := range c.Alerts.Escalation {
		if !validSeverities[sev] {
			return fmt.Errorf("alerts.escalation has unknown severity %s", sev)
		}
	}
	return nil
}

func validatePolicy(where string, p RiskPolicy) error {
	seen := map[string]string{}
	for _, kind := range p.Allow {
		if kind == "" {
			return fmt.Errorf("%s.allow contains empty kind", where)
		}
		seen[kind] = "allow"
	}
	for kind, tier := range p.Approve {
		if kind == "" {
			return fmt.Errorf("%s.approve contains empty kind", where)
		}
		if tier != "medium" && tier != "high" {
			return fmt.Errorf("%s.approve.%s: tier must be medium or high, got %s", where, kind, tier)
		}
		if prev, ok := seen[kind]; ok {
			return fmt.Errorf("%s: kind %s listed in both %s and approve", where, kind, prev)
		}
		seen[kind] = "approve"
	}
	for _, kind := range p.Forbid {
		if kind == "" {
			return fmt.Errorf("%s.forbid contains empty kind", where)
		}
		if prev, ok := seen[kind]; ok {
			return fmt.Errorf("%s: kind %s listed in both %s and forbid", where, kind, prev)
		}
		seen[kind] = "forbid"
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "dispatch.yml")
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with dsp config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the built-in default config if no file exists.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in default Config.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `agents:
  support:
    max_iterations: 5
    batch_size: 3
    run_timeout_seconds: 300
    executor_retries: 2
  ops:
    max_iterations: 5
    batch_size: 3
    run_timeout_seconds: 600
    executor_retries: 2
  code:
    max_iterations: 8
    batch_size: 2
    run_timeout_seconds: 900
    executor_retries: 1
  growth:
    max_iterations: 5
    batch_size: 3
    run_timeout_seconds: 300
    executor_retries: 2
  finance:
    max_iterations: 3
    batch_size: 2
    run_timeout_seconds: 300
    executor_retries: 2
  meta:
    max_iterations: 3
    batch_size: 2
    run_timeout_seconds: 300
    executor_retries: 1
  monitoring:
    max_iterations: 10
    batch_size: 5
    run_timeout_seconds: 120
    executor_retries: 3

risk:
  defaults:
    allow:
      - draft-reply
      - update-ticket
      - post-summary
      - collect-metrics
    approve:
      send-email: medium
      create-pr: medium
      refund: high
      change-pricing: high
    forbid:
      - merge-to-main
      - edit-security-file
      - delete-customer-data
  agents:
    code:
      allow:
        - run-tests
        - open-draft-pr
    finance:
      approve:
        send-invoice: medium

alerts:
  dedup_window_minutes: 60
  critical_dedup_window_minutes: 15
  baseline_days: 7
  rules:
    - metric: error-rate
      op: gt
      threshold: 0.05
      severity: critical
    - metric: error-rate
      op: gt
      threshold: 0.01
      severity: medium
    - metric: traffic
      op: lt_baseline_ratio
      threshold: 0.10
      severity: critical
    - metric: traffic
      op: lt_baseline_ratio
      threshold: 0.30
      severity: medium
  escalation:
    critical: pager
    high: queue
    medium: digest
    low: digest
    info: none
`

// Package config loads pitboss configuration from .pitboss/workflow.yaml
// in the orchestrated repository. A missing file yields the built-in
// default workflow; a present but invalid file is a fatal startup error.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitboss-dev/pitboss/internal/hosting"
	"github.com/pitboss-dev/pitboss/internal/pipeline"
)

const (
	// Dir is the pitboss state directory inside the orchestrated repo.
	Dir = ".pitboss"

	// WorkflowFileName is the config file inside Dir.
	WorkflowFileName = "workflow.yaml"

	// BoardDBName is the sqlite read model inside Dir.
	BoardDBName = "board.db"

	// SessionsDirName holds per-session output logs inside Dir.
	SessionsDirName = "sessions"
)

// Config is the full contents of .pitboss/workflow.yaml.
type Config struct {
	Workflow  pipeline.Config `yaml:"workflow"`
	Scheduler SchedulerConfig `yaml:"scheduler,omitempty"`
	Cron      CronConfig      `yaml:"cron,omitempty"`
	Hosting   hosting.Config  `yaml:"hosting,omitempty"`
	Jira      JiraConfig      `yaml:"jira,omitempty"`
	Database  DatabaseConfig  `yaml:"database,omitempty"`
	Insights  InsightsConfig  `yaml:"insights,omitempty"`
}

// SchedulerConfig tunes the orchestration loop.
type SchedulerConfig struct {
	MaxParallel  int    `yaml:"max_parallel,omitempty"`
	PollSeconds  int    `yaml:"poll_seconds,omitempty"`
	IdleSeconds  int    `yaml:"idle_seconds,omitempty"`
	Model        string `yaml:"model,omitempty"`
	EventsAddr   string `yaml:"events_addr,omitempty"`
	ClaudeBinary string `yaml:"claude_binary,omitempty"`
}

// CronJobConfig is one background job's schedule.
type CronJobConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"interval_seconds"`
}

// CronConfig holds the background polling jobs.
type CronConfig struct {
	MRCommentPoll     CronJobConfig `yaml:"mr_comment_poll"`
	MergeChainPoll    CronJobConfig `yaml:"merge_chain_poll"`
	InsightsThreshold CronJobConfig `yaml:"insights_threshold"`
}

// JiraConfig enables issue comment notifications.
type JiraConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BaseURL     string `yaml:"base_url,omitempty"`
	Email       string `yaml:"email,omitempty"`
	TokenEnvVar string `yaml:"token_env_var,omitempty"`
}

// DatabaseConfig selects the read model backend. The zero value means
// sqlite at .pitboss/board.db.
type DatabaseConfig struct {
	Dialect string `yaml:"dialect,omitempty"`
	DSN     string `yaml:"dsn,omitempty"`
}

// InsightsConfig tunes the completed-stage threshold job.
type InsightsConfig struct {
	Threshold int `yaml:"threshold,omitempty"`
}

// Default returns the built-in configuration: a four phase
// design/build/review workflow with comment and chain polling on.
func Default() *Config {
	return &Config{
		Workflow: pipeline.Config{
			EntryPhase: "Design",
			Phases: []pipeline.Phase{
				{Name: "Design", Status: "Design", Skill: "phase-design", TransitionsTo: []string{"Build"}},
				{Name: "Build", Status: "Build", Skill: "phase-build", TransitionsTo: []string{"PR Created"}},
				{Name: "PR Created", Status: "PR Created", Resolver: "pr-status", TransitionsTo: []string{"Addressing Comments"}},
				{Name: "Addressing Comments", Status: "Addressing Comments", Skill: "phase-address-comments", TransitionsTo: []string{"PR Created"}},
			},
		},
		Scheduler: SchedulerConfig{
			MaxParallel: 4,
			PollSeconds: 2,
			IdleSeconds: 30,
		},
		Cron: CronConfig{
			MRCommentPoll:     CronJobConfig{Enabled: true, IntervalSeconds: 120},
			MergeChainPoll:    CronJobConfig{Enabled: true, IntervalSeconds: 120},
			InsightsThreshold: CronJobConfig{Enabled: false, IntervalSeconds: 600},
		},
		Insights: InsightsConfig{Threshold: 10},
	}
}

// Load reads the workflow config for the repository at repoRoot. A
// missing file returns Default().
func Load(repoRoot string) (*Config, error) {
	return LoadFrom(WorkflowPath(repoRoot))
}

// LoadFrom reads the config from a specific path.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.fillDefaults()
	return cfg, nil
}

func (c *Config) fillDefaults() {
	def := Default()
	if len(c.Workflow.Phases) == 0 && c.Workflow.EntryPhase == "" {
		c.Workflow = def.Workflow
	}
	if c.Scheduler.MaxParallel == 0 {
		c.Scheduler.MaxParallel = c.workflowDefaultInt("WORKFLOW_MAX_PARALLEL", def.Scheduler.MaxParallel)
	}
	if c.Scheduler.PollSeconds == 0 {
		c.Scheduler.PollSeconds = def.Scheduler.PollSeconds
	}
	if c.Scheduler.IdleSeconds == 0 {
		c.Scheduler.IdleSeconds = def.Scheduler.IdleSeconds
	}
	if c.Insights.Threshold == 0 {
		c.Insights.Threshold = c.workflowDefaultInt("WORKFLOW_LEARNINGS_THRESHOLD", def.Insights.Threshold)
	}
}

// workflowDefaultInt reads an integer from the workflow defaults block.
// The scheduler and insights sections override it when set; the block
// itself is also forwarded to worker sessions as environment.
func (c *Config) workflowDefaultInt(key string, fallback int) int {
	v, ok := c.Workflow.Defaults[key]
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

// Validate checks everything that must hold before the orchestrator
// starts. It builds the pipeline as part of validation; config errors
// here are fatal.
func (c *Config) Validate() error {
	if _, err := pipeline.New(c.Workflow); err != nil {
		return err
	}
	for name, job := range map[string]CronJobConfig{
		"mr_comment_poll":    c.Cron.MRCommentPoll,
		"merge_chain_poll":   c.Cron.MergeChainPoll,
		"insights_threshold": c.Cron.InsightsThreshold,
	} {
		if !job.Enabled {
			continue
		}
		if job.IntervalSeconds < 30 || job.IntervalSeconds > 3600 {
			return fmt.Errorf("%w: cron job %s interval %ds outside [30s, 3600s]",
				pipeline.ErrInvalidConfig, name, job.IntervalSeconds)
		}
	}
	if c.Scheduler.MaxParallel < 1 {
		return fmt.Errorf("%w: max_parallel must be at least 1", pipeline.ErrInvalidConfig)
	}
	if c.Jira.Enabled && (c.Jira.BaseURL == "" || c.Jira.Email == "") {
		return fmt.Errorf("%w: jira enabled without base_url and email", pipeline.ErrInvalidConfig)
	}
	switch c.Database.Dialect {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("%w: unknown database dialect %q", pipeline.ErrInvalidConfig, c.Database.Dialect)
	}
	return nil
}

// Save writes the config back to .pitboss/workflow.yaml under repoRoot.
func (c *Config) Save(repoRoot string) error {
	path := WorkflowPath(repoRoot)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// WorkflowPath returns the config file path for a repo.
func WorkflowPath(repoRoot string) string {
	return filepath.Join(repoRoot, Dir, WorkflowFileName)
}

// DBPath returns the sqlite read model path for a repo.
func DBPath(repoRoot string) string {
	return filepath.Join(repoRoot, Dir, BoardDBName)
}

// SessionsDir returns the session log directory for a repo.
func SessionsDir(repoRoot string) string {
	return filepath.Join(repoRoot, Dir, SessionsDirName)
}

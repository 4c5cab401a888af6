// Package config defines the immutable configuration value both binaries
// build at startup. Values layer flag > env > file > default through a
// viper instance; validation happens once, here, and the resulting
// Config is passed by reference and never mutated.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Workflow holds the workflow.* options.
type Workflow struct {
	MaxRevisions            int  `mapstructure:"max_revisions" validate:"gte=0"`
	MaxAgentRetries         int  `mapstructure:"max_agent_retries" validate:"gte=0"`
	RetryBackoffBaseSeconds int  `mapstructure:"retry_backoff_base_seconds" validate:"gte=0"`
	AutoMergeOnApproval     bool `mapstructure:"auto_merge_on_approval"`
	RequireTestsPassing     bool `mapstructure:"require_tests_passing"`
}

// CLI holds the CLI.* options governing the code-generation subprocess.
type CLI struct {
	TimeoutSeconds int      `mapstructure:"timeout_seconds" validate:"gte=60"`
	AllowedTools   []string `mapstructure:"allowed_tools"`
	// BinaryPath is the code-generation subprocess executable, resolved
	// via exec.LookPath at startup.
	BinaryPath string `mapstructure:"binary_path"`
}

// Review holds the review.* PR-gate options.
type Review struct {
	MaxPendingPRs            int  `mapstructure:"max_pending_prs" validate:"gte=1"`
	BlockOnChangesRequested  bool `mapstructure:"block_on_changes_requested"`
	AllowParallelIndependent bool `mapstructure:"allow_parallel_independent"`
}

// Platform holds the platform.* hosting-platform options.
type Platform struct {
	PRTargetBranch string   `mapstructure:"pr_target_branch" validate:"required"`
	Repositories   []string `mapstructure:"repositories" validate:"required,min=1,dive,required"`
	Token          string   `mapstructure:"token" validate:"required"`
}

// WorkspaceLimits bounds workspace size.
type WorkspaceLimits struct {
	MaxSizeMB     int `mapstructure:"max_size_mb"`
	MaxFileSizeMB int `mapstructure:"max_file_size_mb"`
	MaxFiles      int `mapstructure:"max_files"`
}

// Workspace holds the workspace.* options.
type Workspace struct {
	Root   string          `mapstructure:"root" validate:"required"`
	Limits WorkspaceLimits `mapstructure:"limits"`
}

// Config is the complete, validated configuration value passed by
// reference through both binaries.
type Config struct {
	Workflow  Workflow  `mapstructure:"workflow"`
	CLI       CLI       `mapstructure:"cli"`
	Review    Review    `mapstructure:"review"`
	Platform  Platform  `mapstructure:"platform"`
	Workspace Workspace `mapstructure:"workspace"`

	// ListenAddr is the orchestrator's HTTP control-surface bind address.
	ListenAddr string `mapstructure:"listen_addr"`
	// PollIntervalSeconds is the Issue Poller's scan interval (default 60).
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds" validate:"gte=1"`
	// StaleAssignmentTimeoutSeconds bounds how long a work item may sit
	// in_progress without a worker heartbeat before it is reclaimed.
	StaleAssignmentTimeoutSeconds int `mapstructure:"stale_assignment_timeout_seconds" validate:"gte=1"`
	// MaxAttempts bounds how many retriable failures requeue an item
	// before it is marked failed.
	MaxAttempts int `mapstructure:"max_attempts" validate:"gte=1"`
	// DBPath is the embedded store's file path.
	DBPath string `mapstructure:"db_path" validate:"required"`
	// LogDir holds append-only workflow-record JSON files and the
	// newline-delimited metrics stream.
	LogDir string `mapstructure:"log_dir" validate:"required"`
	// JWTSigningKey signs worker bearer tokens (internal/httpapi).
	JWTSigningKey string `mapstructure:"jwt_signing_key" validate:"required"`
	// WorkerID identifies this worker process to the orchestrator.
	WorkerID string `mapstructure:"worker_id"`
	// OrchestratorURL is the worker's base URL for the control surface.
	OrchestratorURL string `mapstructure:"orchestrator_url"`
	// LogFormat selects "text" or "json" (internal/logging).
	LogFormat string `mapstructure:"log_format"`
}

// Defaults returns the built-in defaults, before any flag/env/file layer
// is applied.
func Defaults() Config {
	return Config{
		Workflow: Workflow{
			MaxRevisions:            3,
			MaxAgentRetries:         2,
			RetryBackoffBaseSeconds: 5,
			AutoMergeOnApproval:     false,
			RequireTestsPassing:     true,
		},
		CLI: CLI{
			TimeoutSeconds: 2400,
			AllowedTools:   []string{"read", "write", "bash"},
			BinaryPath:     "claude",
		},
		Review: Review{
			MaxPendingPRs:            1,
			BlockOnChangesRequested:  true,
			AllowParallelIndependent: false,
		},
		Platform: Platform{
			PRTargetBranch: "main",
		},
		Workspace: Workspace{
			Limits: WorkspaceLimits{MaxSizeMB: 2048, MaxFileSizeMB: 50, MaxFiles: 20000},
		},
		ListenAddr:                    ":8080",
		PollIntervalSeconds:           60,
		StaleAssignmentTimeoutSeconds: 1800,
		MaxAttempts:                   3,
		DBPath:                        "relayforge.db",
		LogDir:                        "logs",
		LogFormat:                     "text",
	}
}

// Load builds a Config by layering, in increasing priority: built-in
// defaults, an optional config file, environment variables prefixed
// RELAYFORGE_, then whatever v already holds bound flags for (the caller
// binds cobra flags into v before calling Load).
func Load(v *viper.Viper, configFile string) (Config, error) {
	defaults := Defaults()
	bindDefaults(v, defaults)

	v.SetEnvPrefix("RELAYFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func bindDefaults(v *viper.Viper, d Config) {
	v.SetDefault("workflow.max_revisions", d.Workflow.MaxRevisions)
	v.SetDefault("workflow.max_agent_retries", d.Workflow.MaxAgentRetries)
	v.SetDefault("workflow.retry_backoff_base_seconds", d.Workflow.RetryBackoffBaseSeconds)
	v.SetDefault("workflow.auto_merge_on_approval", d.Workflow.AutoMergeOnApproval)
	v.SetDefault("workflow.require_tests_passing", d.Workflow.RequireTestsPassing)
	v.SetDefault("cli.timeout_seconds", d.CLI.TimeoutSeconds)
	v.SetDefault("cli.allowed_tools", d.CLI.AllowedTools)
	v.SetDefault("cli.binary_path", d.CLI.BinaryPath)
	v.SetDefault("review.max_pending_prs", d.Review.MaxPendingPRs)
	v.SetDefault("review.block_on_changes_requested", d.Review.BlockOnChangesRequested)
	v.SetDefault("review.allow_parallel_independent", d.Review.AllowParallelIndependent)
	v.SetDefault("platform.pr_target_branch", d.Platform.PRTargetBranch)
	v.SetDefault("workspace.limits.max_size_mb", d.Workspace.Limits.MaxSizeMB)
	v.SetDefault("workspace.limits.max_file_size_mb", d.Workspace.Limits.MaxFileSizeMB)
	v.SetDefault("workspace.limits.max_files", d.Workspace.Limits.MaxFiles)
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("poll_interval_seconds", d.PollIntervalSeconds)
	v.SetDefault("stale_assignment_timeout_seconds", d.StaleAssignmentTimeoutSeconds)
	v.SetDefault("max_attempts", d.MaxAttempts)
	v.SetDefault("db_path", d.DBPath)
	v.SetDefault("log_dir", d.LogDir)
	v.SetDefault("log_format", d.LogFormat)
}

var validate = validator.New()

// Validate enforces the startup-validation rules. A distributed
// publication path and workflow.auto_merge_on_approval=true can never
// coexist, so validation rejects the combination outright rather than
// guarding it at call sites.
func Validate(cfg Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Workflow.AutoMergeOnApproval {
		return fmt.Errorf("invalid configuration: workflow.auto_merge_on_approval must be false when distributed publication is active")
	}
	if cfg.CLI.TimeoutSeconds < 60 {
		return fmt.Errorf("invalid configuration: cli.timeout_seconds must be >= 60")
	}
	if cfg.Workflow.MaxRevisions < 0 {
		return fmt.Errorf("invalid configuration: workflow.max_revisions must be >= 0")
	}
	return nil
}

// AgentTimeout returns CLI.TimeoutSeconds as a time.Duration.
func (c Config) AgentTimeout() time.Duration {
	return time.Duration(c.CLI.TimeoutSeconds) * time.Second
}

// RetryBackoffBase returns Workflow.RetryBackoffBaseSeconds as a
// time.Duration.
func (c Config) RetryBackoffBase() time.Duration {
	return time.Duration(c.Workflow.RetryBackoffBaseSeconds) * time.Second
}

// PollInterval returns PollIntervalSeconds as a time.Duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// StaleAssignmentTimeout returns StaleAssignmentTimeoutSeconds as a
// time.Duration.
func (c Config) StaleAssignmentTimeout() time.Duration {
	return time.Duration(c.StaleAssignmentTimeoutSeconds) * time.Second
}

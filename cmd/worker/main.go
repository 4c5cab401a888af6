// Command worker runs one independent worker process: the poll loop,
// the workspace manager, the pipeline driver, the agent supervisor, and
// the publisher.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/relayforge/pipeline/internal/agent"
	"github.com/relayforge/pipeline/internal/config"
	"github.com/relayforge/pipeline/internal/logging"
	"github.com/relayforge/pipeline/internal/pipeline"
	"github.com/relayforge/pipeline/internal/platform"
	"github.com/relayforge/pipeline/internal/publish"
	"github.com/relayforge/pipeline/internal/version"
	"github.com/relayforge/pipeline/internal/workerclient"
	"github.com/relayforge/pipeline/internal/workersvc"
	"github.com/relayforge/pipeline/internal/workspace"
)

var (
	cfgFile     string
	showVersion bool
	v           = viper.New()
)

func main() {
	root := &cobra.Command{
		Use:   "worker",
		Short: "Runs one relayforge worker process",
		RunE:  run,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	root.PersistentFlags().BoolVar(&showVersion, "version", false, "print version and exit")
	root.PersistentFlags().String("worker-id", "", "worker identifier (default: random)")
	root.PersistentFlags().String("orchestrator-url", "", "orchestrator base URL")
	root.PersistentFlags().String("workspace-root", "", "workspace root directory")
	root.PersistentFlags().String("db-path", "", "unused by the worker; accepted for config-file symmetry")
	root.PersistentFlags().String("log-format", "", "text or json")
	root.PersistentFlags().String("platform-token", "", "hosting-platform API token")
	root.PersistentFlags().StringSlice("platform-repositories", nil, "owner/repo list (for clone URL construction)")
	root.PersistentFlags().String("platform-pr-target-branch", "", "preferred PR base branch")
	root.PersistentFlags().String("cli-binary-path", "", "code-generation subprocess executable")

	_ = v.BindPFlag("worker_id", root.PersistentFlags().Lookup("worker-id"))
	_ = v.BindPFlag("orchestrator_url", root.PersistentFlags().Lookup("orchestrator-url"))
	_ = v.BindPFlag("workspace.root", root.PersistentFlags().Lookup("workspace-root"))
	_ = v.BindPFlag("db_path", root.PersistentFlags().Lookup("db-path"))
	_ = v.BindPFlag("log_format", root.PersistentFlags().Lookup("log-format"))
	_ = v.BindPFlag("platform.token", root.PersistentFlags().Lookup("platform-token"))
	_ = v.BindPFlag("platform.repositories", root.PersistentFlags().Lookup("platform-repositories"))
	_ = v.BindPFlag("platform.pr_target_branch", root.PersistentFlags().Lookup("platform-pr-target-branch"))
	_ = v.BindPFlag("cli.binary_path", root.PersistentFlags().Lookup("cli-binary-path"))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if showVersion {
		fmt.Println(version.String())
		return nil
	}
	fmt.Println(version.Banner("worker"))

	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()[:8]
	}

	logger := logging.New(logging.Format(cfg.LogFormat), slog.LevelInfo)
	slog.SetDefault(logger)

	binaryPath, err := exec.LookPath(cfg.CLI.BinaryPath)
	if err != nil {
		return fmt.Errorf("fatal startup: code-generation subprocess %q not found on PATH: %w", cfg.CLI.BinaryPath, err)
	}

	git := &workspace.Git{}
	wsManager, err := workspace.NewManager(cfg.Workspace.Root, git, cfg.WorkerID, cfg.WorkerID+"@relayforge.local")
	if err != nil {
		return fmt.Errorf("fatal startup: %w", err)
	}
	wsManager.Logger = logger

	plt, err := platform.NewClient(cfg.Platform.Token)
	if err != nil {
		return fmt.Errorf("fatal startup: %w", err)
	}

	supervisor := &agent.Supervisor{
		BinaryPath:  binaryPath,
		MaxRetries:  cfg.Workflow.MaxAgentRetries,
		BackoffBase: cfg.RetryBackoffBase(),
		Logger:      logger,
	}

	machine := &pipeline.Machine{
		Workspaces: wsManager,
		Agents:     supervisor,
		Publisher: &publish.Publisher{
			Client:        plt,
			PreferredBase: cfg.Platform.PRTargetBranch,
			Logger:        logger,
		},
		Config: pipeline.Config{
			MaxRevisions:        cfg.Workflow.MaxRevisions,
			MaxAgentRetries:     cfg.Workflow.MaxAgentRetries,
			RetryBackoffBase:    cfg.RetryBackoffBase(),
			AgentTimeout:        cfg.AgentTimeout(),
			ToolAllowlist:       cfg.CLI.AllowedTools,
			RequireTestsPassing: cfg.Workflow.RequireTestsPassing,
		},
		Logger: logger,
	}

	recordStore := &pipeline.Store{Dir: cfg.LogDir}

	w := &workersvc.Worker{
		ID:          cfg.WorkerID,
		Client:      workerclient.NewClient(cfg.OrchestratorURL),
		Machine:     machine,
		RepoURLFor:  func(repository string) string { return cloneURL(repository, cfg.Platform.Token) },
		RecordStore: recordStore,
		Logger:      logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("worker starting", "worker_id", cfg.WorkerID, "orchestrator_url", cfg.OrchestratorURL)
	return w.Run(ctx)
}

// cloneURL builds an authenticated HTTPS clone URL for repository
// ("owner/repo"), embedding the platform token so Workspace.Acquire's
// clone and the Publisher's push both authenticate without a separate
// credential helper.
func cloneURL(repository, token string) string {
	owner, repo, err := platform.SplitRepository(repository)
	if err != nil {
		return ""
	}
	if token == "" {
		return fmt.Sprintf("https://github.com/%s/%s.git", owner, repo)
	}
	return fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", strings.TrimSpace(token), owner, repo)
}

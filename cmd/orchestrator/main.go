// Command orchestrator runs the single-instance control plane: the issue
// poller, the work queue and assigner, the PR-review tracker, the worker
// registry, and the HTTP control surface.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/relayforge/pipeline/internal/config"
	"github.com/relayforge/pipeline/internal/httpapi"
	"github.com/relayforge/pipeline/internal/issuepoller"
	"github.com/relayforge/pipeline/internal/logging"
	"github.com/relayforge/pipeline/internal/metrics"
	"github.com/relayforge/pipeline/internal/orchestratorsvc"
	"github.com/relayforge/pipeline/internal/platform"
	"github.com/relayforge/pipeline/internal/queue"
	"github.com/relayforge/pipeline/internal/version"
)

var (
	cfgFile     string
	showVersion bool
	v           = viper.New()
)

func main() {
	root := &cobra.Command{
		Use:   "orchestrator",
		Short: "Runs the relayforge orchestrator control plane",
		RunE:  run,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	root.PersistentFlags().BoolVar(&showVersion, "version", false, "print version and exit")
	root.PersistentFlags().String("listen-addr", "", "HTTP control surface bind address")
	root.PersistentFlags().String("db-path", "", "embedded queue store path")
	root.PersistentFlags().String("log-dir", "", "workflow record / metrics stream directory")
	root.PersistentFlags().String("log-format", "", "text or json")
	root.PersistentFlags().StringSlice("platform-repositories", nil, "owner/repo list to poll")
	root.PersistentFlags().String("platform-token", "", "hosting-platform API token")
	root.PersistentFlags().String("platform-pr-target-branch", "", "preferred PR base branch")
	root.PersistentFlags().String("jwt-signing-key", "", "worker bearer token signing key")
	root.PersistentFlags().String("workspace-root", "", "workspace root (unused by the orchestrator; validated for symmetry)")

	_ = v.BindPFlag("listen_addr", root.PersistentFlags().Lookup("listen-addr"))
	_ = v.BindPFlag("db_path", root.PersistentFlags().Lookup("db-path"))
	_ = v.BindPFlag("log_dir", root.PersistentFlags().Lookup("log-dir"))
	_ = v.BindPFlag("log_format", root.PersistentFlags().Lookup("log-format"))
	_ = v.BindPFlag("platform.repositories", root.PersistentFlags().Lookup("platform-repositories"))
	_ = v.BindPFlag("platform.token", root.PersistentFlags().Lookup("platform-token"))
	_ = v.BindPFlag("platform.pr_target_branch", root.PersistentFlags().Lookup("platform-pr-target-branch"))
	_ = v.BindPFlag("jwt_signing_key", root.PersistentFlags().Lookup("jwt-signing-key"))
	_ = v.BindPFlag("workspace.root", root.PersistentFlags().Lookup("workspace-root"))

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
	fmt.Println(version.Banner("orchestrator"))

	cfg, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Format(cfg.LogFormat), slog.LevelInfo)
	slog.SetDefault(logger)

	store, err := queue.OpenStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening queue store: %w", err)
	}
	defer store.Close()

	gate := queue.GateConfig{
		MaxPendingPRs:            cfg.Review.MaxPendingPRs,
		BlockOnChangesRequested:  cfg.Review.BlockOnChangesRequested,
		AllowParallelIndependent: cfg.Review.AllowParallelIndependent,
	}
	q, err := queue.Open(store, gate, logger)
	if err != nil {
		return fmt.Errorf("opening queue: %w", err)
	}

	plt, err := platform.NewClient(cfg.Platform.Token)
	if err != nil {
		return fmt.Errorf("fatal startup: %w", err)
	}

	reg := metrics.NewRegistry(prometheus.DefaultRegisterer)
	if _, err := metrics.NewStream(cfg.LogDir); err != nil {
		return fmt.Errorf("opening metrics stream: %w", err)
	}

	poller := &issuepoller.Poller{
		Client:       plt,
		Queue:        q,
		Repositories: cfg.Platform.Repositories,
		Metrics:      reg,
		Logger:       logger,
	}

	srv := httpapi.NewServer(q, plt, reg, logger, cfg.MaxAttempts, cfg.JWTSigningKey)

	svc := &orchestratorsvc.Service{
		Queue:                   q,
		Poller:                  poller,
		HTTPServer:              &http.Server{Addr: cfg.ListenAddr, Handler: srv.Router(), ReadHeaderTimeout: 10 * time.Second},
		PollInterval:            cfg.PollInterval(),
		StaleAssignmentInterval: 30 * time.Second,
		StaleAssignmentTimeout:  cfg.StaleAssignmentTimeout(),
		Logger:                  logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("orchestrator starting", "listen_addr", cfg.ListenAddr, "repositories", cfg.Platform.Repositories)
	return svc.Run(ctx)
}

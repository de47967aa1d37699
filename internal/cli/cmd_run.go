package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pitboss-dev/pitboss/internal/api"
	"github.com/pitboss-dev/pitboss/internal/chain"
	"github.com/pitboss-dev/pitboss/internal/comments"
	"github.com/pitboss-dev/pitboss/internal/config"
	"github.com/pitboss-dev/pitboss/internal/discovery"
	"github.com/pitboss-dev/pitboss/internal/events"
	"github.com/pitboss-dev/pitboss/internal/gate"
	"github.com/pitboss-dev/pitboss/internal/git"
	"github.com/pitboss-dev/pitboss/internal/hosting"
	"github.com/pitboss-dev/pitboss/internal/jira"
	"github.com/pitboss-dev/pitboss/internal/lock"
	"github.com/pitboss-dev/pitboss/internal/orchestrator"
	"github.com/pitboss-dev/pitboss/internal/pipeline"
	"github.com/pitboss-dev/pitboss/internal/resolver"
	"github.com/pitboss-dev/pitboss/internal/session"
	"github.com/pitboss-dev/pitboss/internal/worktree"

	// Host adapters register themselves for remote URL detection.
	_ "github.com/pitboss-dev/pitboss/internal/hosting/github"
	_ "github.com/pitboss-dev/pitboss/internal/hosting/gitlab"
)

// newRunCmd creates the run command
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the orchestration loop",
		Long: `Run the orchestration loop against the board in this repository.

Each tick syncs the board files into the read model, runs resolver
phases, and admits the highest scoring ready stages into free worktree
slots until max-parallel sessions are active. Background jobs poll PR
comments and merge chains while the loop runs.

Stop with Ctrl-C: running sessions are drained, locks and worktrees
released. A second Ctrl-C forces exit.

Examples:
  # Run until interrupted
  pitboss run

  # One batch, then exit (CI-friendly)
  pitboss run --once

  # Limit concurrency and expose the event feed
  pitboss run --max-parallel 2 --events-addr :8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd)
		},
	}

	cmd.Flags().Bool("once", false, "admit one batch, drain it and exit")
	cmd.Flags().Int("max-parallel", 0, "maximum concurrent worker sessions (overrides config)")
	cmd.Flags().Int("poll-seconds", 0, "seconds between ticks while workers are active (overrides config)")
	cmd.Flags().Int("idle-seconds", 0, "seconds between ticks when the board is quiet (overrides config)")
	cmd.Flags().String("model", "", "model passed to worker sessions (overrides config)")
	cmd.Flags().String("events-addr", "", "serve the read-only board/event feed on this address (overrides config)")

	return cmd
}

func runRun(cmd *cobra.Command) error {
	repoRoot, err := resolveRepoRoot()
	if err != nil {
		return err
	}
	if err := requireInit(repoRoot); err != nil {
		return err
	}

	cfg, err := config.Load(repoRoot)
	if err != nil {
		return err
	}
	overlayScheduler(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	pipe, err := pipeline.New(cfg.Workflow)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g := git.New(repoRoot)
	if !g.IsRepo(ctx) {
		return fmt.Errorf("%s is not a git repository", repoRoot)
	}

	database, err := openBoard(ctx, repoRoot, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = database.Close() }()

	logger := slog.Default()

	// The hosting provider is optional: without it the resolver, the
	// comment poller and the chain manager stand down and stages park
	// at their review statuses.
	host, err := hosting.NewProvider(ctx, repoRoot, cfg.Hosting)
	if err != nil {
		logger.Warn("hosting provider unavailable, PR polling disabled", "error", err)
		host = nil
	} else if err := host.CheckAuth(ctx); err != nil {
		logger.Warn("hosting auth failed, PR polling disabled", "provider", host.Name(), "error", err)
		host = nil
	}

	locker := lock.New()
	pool := worktree.NewPool(repoRoot, g, cfg.Scheduler.MaxParallel, logger)
	executor := session.NewExecutor(repoRoot, cfg.Scheduler.ClaudeBinary, logger)

	resolvers := resolver.NewRunner(pipe, database, resolver.NewRegistry(), &resolver.Context{Host: host}, logger)
	exitGate := gate.New(repoRoot, database, database, logger)
	commentPoller := comments.NewPoller(database, host, exitGate, logger)

	workerEnv := pipe.Defaults()
	chains := chain.New(chain.Options{
		DB:            database,
		Pipe:          pipe,
		Host:          host,
		Locker:        locker,
		Launcher:      session.NewRebaseLauncher(repoRoot, g, executor, logger),
		DefaultBranch: g.DefaultBranch(ctx),
		Model:         cfg.Scheduler.Model,
		Env:           workerEnv,
		Logger:        logger,
	})

	notifier := buildNotifier(ctx, cfg, logger)

	persistent := events.NewPersistentPublisher(database, "orchestrator", logger)
	var publisher events.Publisher = persistent
	if !quiet {
		publisher = events.NewCLIPublisher(os.Stdout,
			events.WithInnerPublisher(persistent),
			events.WithVerbose(verbose))
	}
	defer publisher.Close()

	if addr := cfg.Scheduler.EventsAddr; addr != "" {
		feed := api.New(&api.Config{Addr: addr, DB: database, Publisher: publisher, Logger: logger})
		go func() {
			if err := feed.StartContext(ctx); err != nil {
				logger.Error("event feed stopped", "error", err)
			}
		}()
	}

	once, _ := cmd.Flags().GetBool("once")
	orch := orchestrator.New(orchestrator.Options{
		RepoRoot: repoRoot,
		Config: orchestrator.Config{
			MaxParallel:  cfg.Scheduler.MaxParallel,
			PollInterval: time.Duration(cfg.Scheduler.PollSeconds) * time.Second,
			IdleInterval: time.Duration(cfg.Scheduler.IdleSeconds) * time.Second,
			Once:         once,
			Model:        cfg.Scheduler.Model,
			Env:          workerEnv,
		},
		DB:                database,
		Pipe:              pipe,
		Discovery:         discovery.New(database, pipe, logger),
		Resolvers:         resolvers,
		Gate:              exitGate,
		Locker:            locker,
		Pool:              pool,
		Executor:          executor,
		Comments:          commentPoller,
		Chain:             chains,
		Notifier:          notifier,
		Publisher:         publisher,
		Cron:              cfg.Cron,
		InsightsThreshold: insightsThreshold(cfg),
		Logger:            logger,
	})

	// First interrupt drains gracefully, second forces exit.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		sig := <-sigChan
		fmt.Fprintf(os.Stderr, "\nReceived %s, draining workers...\n", sig)
		go orch.Stop()

		sig = <-sigChan
		fmt.Fprintf(os.Stderr, "Received %s again, forcing exit\n", sig)
		os.Exit(1)
	}()

	if err := orch.Start(ctx); err != nil {
		return err
	}
	if !quiet {
		fmt.Printf("pitboss running (max parallel %d, poll %ds)\n",
			cfg.Scheduler.MaxParallel, cfg.Scheduler.PollSeconds)
	}

	if err := orch.Wait(context.Background()); err != nil {
		return fmt.Errorf("wait for orchestrator: %w", err)
	}

	if !quiet {
		printBoardCounts(ctx, database)
	}
	return nil
}

// overlayScheduler applies env (viper) then flag overrides on top of
// the file config. Precedence: flag > env > workflow.yaml > default.
func overlayScheduler(cmd *cobra.Command, cfg *config.Config) {
	if v := viper.GetInt("scheduler.max_parallel"); v > 0 {
		cfg.Scheduler.MaxParallel = v
	}
	if v := viper.GetInt("scheduler.poll_seconds"); v > 0 {
		cfg.Scheduler.PollSeconds = v
	}
	if v := viper.GetInt("scheduler.idle_seconds"); v > 0 {
		cfg.Scheduler.IdleSeconds = v
	}
	if v := viper.GetString("scheduler.model"); v != "" {
		cfg.Scheduler.Model = v
	}
	if v := viper.GetString("scheduler.events_addr"); v != "" {
		cfg.Scheduler.EventsAddr = v
	}

	flags := cmd.Flags()
	if flags.Changed("max-parallel") {
		cfg.Scheduler.MaxParallel, _ = flags.GetInt("max-parallel")
	}
	if flags.Changed("poll-seconds") {
		cfg.Scheduler.PollSeconds, _ = flags.GetInt("poll-seconds")
	}
	if flags.Changed("idle-seconds") {
		cfg.Scheduler.IdleSeconds, _ = flags.GetInt("idle-seconds")
	}
	if flags.Changed("model") {
		cfg.Scheduler.Model, _ = flags.GetString("model")
	}
	if flags.Changed("events-addr") {
		cfg.Scheduler.EventsAddr, _ = flags.GetString("events-addr")
	}
}

// buildNotifier constructs the Jira notifier when the config enables
// it. Failures downgrade to a disabled notifier, never a fatal error.
func buildNotifier(ctx context.Context, cfg *config.Config, logger *slog.Logger) *jira.Notifier {
	if !cfg.Jira.Enabled {
		return nil
	}

	tokenVar := cfg.Jira.TokenEnvVar
	if tokenVar == "" {
		tokenVar = "JIRA_API_TOKEN"
	}
	token := os.Getenv(tokenVar)
	if token == "" {
		logger.Warn("jira enabled but token env var is empty, notifications disabled", "env_var", tokenVar)
		return nil
	}

	client, err := jira.NewClient(jira.ClientConfig{
		BaseURL:  cfg.Jira.BaseURL,
		Email:    cfg.Jira.Email,
		APIToken: token,
	})
	if err != nil {
		logger.Warn("jira client unavailable, notifications disabled", "error", err)
		return nil
	}
	if err := client.CheckAuth(ctx); err != nil {
		logger.Warn("jira auth failed, notifications disabled", "error", err)
		return nil
	}
	return jira.NewNotifier(client, logger)
}

// insightsThreshold returns the completed-stage threshold, zero when
// the cron job is off.
func insightsThreshold(cfg *config.Config) int {
	if !cfg.Cron.InsightsThreshold.Enabled {
		return 0
	}
	return cfg.Insights.Threshold
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bullpen-dev/bullpen/internal/api"
	"github.com/bullpen-dev/bullpen/internal/common/config"
	"github.com/bullpen-dev/bullpen/internal/common/logger"
	"github.com/bullpen-dev/bullpen/internal/events/bus"
	"github.com/bullpen-dev/bullpen/internal/github"
	"github.com/bullpen-dev/bullpen/internal/launcher"
	"github.com/bullpen-dev/bullpen/internal/prompts"
	"github.com/bullpen-dev/bullpen/internal/store"
	"github.com/bullpen-dev/bullpen/internal/stream"
	"github.com/bullpen-dev/bullpen/internal/tmux"
	"github.com/bullpen-dev/bullpen/internal/toolserver"
	"github.com/bullpen-dev/bullpen/internal/tracing"
	"github.com/bullpen-dev/bullpen/internal/workflow"
	"github.com/bullpen-dev/bullpen/internal/worktree"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bullpen daemon",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides config)")
}

func runServe(_ *cobra.Command, _ []string) error {
	// 1. Load configuration
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	// 2. Initialize logger
	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	defer log.Sync()

	log.Info("Starting bullpen...", zap.String("version", version))

	// Tracing initializes lazily off this variable; an empty endpoint keeps
	// the no-op tracer.
	if cfg.Tracing.Endpoint != "" && os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") == "" {
		_ = os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Tracing.Endpoint)
	}

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Initialize event bus (in-memory by default, NATS if configured)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSBus(cfg.NATS, log)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus")
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryBus(log)
	}

	// 5. Open the store
	st := store.New(store.Config{
		Path:        cfg.Database.Path,
		BusyTimeout: time.Duration(cfg.Database.BusyTimeoutMS) * time.Millisecond,
		CloudSync:   cfg.Database.CloudSync,
	}, log)
	if err := st.Connect(ctx); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	log.Info("Store connected", zap.String("path", cfg.Database.Path))

	// 6. Resource capabilities
	worktrees, err := worktree.NewManager(worktree.Config{
		RepoPath:     cfg.Worktree.RepoPath,
		BasePath:     cfg.Worktree.BasePath,
		BranchPrefix: cfg.Worktree.BranchPrefix,
		MaxPerRepo:   cfg.Worktree.MaxPerRepo,
	}, log)
	if err != nil {
		return fmt.Errorf("initialize worktree manager: %w", err)
	}

	sessions := tmux.NewManager(tmux.Config{
		Binary:         cfg.Tmux.Binary,
		CommandTimeout: cfg.Tmux.CommandTimeoutDuration(),
	}, log)

	ai := launcher.New(launcher.Config{
		Binary: cfg.Agent.Binary,
		Args:   cfg.Agent.Args,
	}, log)

	port := cfg.Server.Port
	if servePort != 0 {
		port = servePort
	}

	// Tool servers call back over loopback unless an explicit base URL is
	// configured.
	apiURL := cfg.ToolServer.BaseURL
	if apiURL == "" {
		apiURL = fmt.Sprintf("http://127.0.0.1:%d", port)
	}
	tools := toolserver.NewSpawner(toolserver.Config{
		Binary:   cfg.ToolServer.Binary,
		APIURL:   apiURL,
		BasePort: cfg.ToolServer.BasePort,
	}, log)

	promptBuilder, err := prompts.NewBuilder(cfg.Prompts, log)
	if err != nil {
		return fmt.Errorf("load prompt templates: %w", err)
	}

	// 7. Workflow engine
	engine := workflow.NewEngine(workflow.Deps{
		Store:       st,
		Worktrees:   worktrees,
		Sessions:    sessions,
		AI:          ai,
		ToolServers: &toolServerAdapter{spawner: tools},
		Prompts:     promptBuilder,
		Bus:         eventBus,
		Logger:      log,
	}, workflow.Config{
		MaxReviews: cfg.Agent.MaxReviews,
	})
	engine.Start(ctx)
	log.Info("Workflow engine started")

	// 8. WebSocket stream hub
	hub := stream.NewHub(eventBus, log)
	go hub.Run(ctx)

	// 9. GitHub issue mirror (optional)
	var issueSvc api.IssueService
	var issuePoller *github.Poller
	switch {
	case cfg.GitHub.Owner == "" || cfg.GitHub.Repo == "":
		log.Info("GitHub owner/repo not configured; issue endpoints disabled")
	case !github.GHAvailable():
		log.Warn("gh CLI not found on PATH; issue endpoints disabled")
	default:
		ghSvc := github.NewService(
			github.NewGHClient(cfg.GitHub.Owner, cfg.GitHub.Repo),
			st, eventBus, cfg.GitHub.CacheTTLDuration(), log)
		issueSvc = ghSvc
		issuePoller = github.NewPoller(ghSvc, cfg.GitHub.SyncIntervalDuration(), log)
		issuePoller.Start(ctx)
		log.Info("GitHub issue mirror enabled",
			zap.String("repo", cfg.GitHub.Owner+"/"+cfg.GitHub.Repo))
	}

	// 10. HTTP server
	apiServer := api.NewServer(cfg, engine, st, issueSvc, hub, log)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, port),
		Handler:      apiServer.Router(),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	log.Info("API configured",
		zap.String("http", "/api/v1"),
		zap.String("websocket", "/ws"),
		zap.String("health", "/health"),
	)

	// 11. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down bullpen...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if issuePoller != nil {
		issuePoller.Stop()
	}
	engine.Stop(shutdownCtx)
	if err := st.Disconnect(); err != nil {
		log.Error("Store disconnect error", zap.Error(err))
	}
	eventBus.Close()
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Bullpen stopped")
	return nil
}

// toolServerAdapter narrows the concrete spawner to the engine's handle
// interface.
type toolServerAdapter struct {
	spawner *toolserver.Spawner
}

func (a *toolServerAdapter) Spawn(ctx context.Context, params toolserver.SpawnParams) (workflow.ToolServerHandle, error) {
	handle, err := a.spawner.Spawn(ctx, params)
	if err != nil {
		return nil, err
	}
	return handle, nil
}

func loadConfig() (*config.Config, error) {
	if cfgDir != "" {
		return config.LoadWithPath(cfgDir)
	}
	return config.Load()
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		return nil, err
	}
	logger.SetDefault(log)
	return log, nil
}

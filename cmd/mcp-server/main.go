// Package main is the entry point for bullpen-mcp, the per-agent MCP tool
// server. The daemon spawns one instance per agent and points the AI process
// at it; the tools it exposes are the agent's only channel back into the
// orchestrator.
//
// The server supports two transports:
//   - SSE (Server-Sent Events) at /sse
//   - Streamable HTTP at /mcp
//
// The spawner passes identity over flags and repeats it in MCP_* environment
// variables together with the workspace context; environment wins when both
// are present.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/bullpen-dev/bullpen/internal/common/logger"
	"github.com/bullpen-dev/bullpen/internal/mcpserver"
)

var (
	agentIDFlag   = flag.String("agent-id", "", "agent instance id this server speaks for")
	portFlag      = flag.Int("port", 0, "port to listen on (0 picks a free port)")
	apiURLFlag    = flag.String("api-url", "http://127.0.0.1:7171", "bullpen daemon API URL")
	logLevelFlag  = flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormatFlag = flag.String("log-format", "console", "log format (console, json)")
)

func main() {
	flag.Parse()

	cfg := mcpserver.Config{
		AgentID:     getEnvOrFlag("MCP_AGENT_ID", *agentIDFlag),
		ServerType:  getEnvOrFlag("MCP_SERVER_TYPE", mcpserver.ServerTypeCoding),
		Port:        getEnvIntOrFlag("MCP_PORT", *portFlag),
		APIURL:      getEnvOrFlag("BULLPEN_API_URL", *apiURLFlag),
		Workspace:   os.Getenv("MCP_WORKSPACE"),
		Branch:      os.Getenv("MCP_BRANCH"),
		TmuxSession: os.Getenv("MCP_TMUX_SESSION"),
		IssueNumber: getEnvIntOrFlag("MCP_ISSUE_NUMBER", 0),
	}
	if cfg.AgentID == "" {
		fmt.Fprintln(os.Stderr, "agent id is required (--agent-id or MCP_AGENT_ID)")
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      getEnvOrFlag("MCP_LOG_LEVEL", *logLevelFlag),
		Format:     getEnvOrFlag("MCP_LOG_FORMAT", *logFormatFlag),
		OutputPath: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting bullpen-mcp",
		zap.String("agent_id", cfg.AgentID),
		zap.String("server_type", cfg.ServerType),
		zap.Int("port", cfg.Port),
		zap.String("api_url", cfg.APIURL))

	run(cfg, log)
}

// run starts the tool server and waits for shutdown.
func run(cfg mcpserver.Config, log *logger.Logger) {
	ctx := context.Background()
	srv, cleanup, err := mcpserver.Provide(ctx, cfg, log)
	if err != nil {
		log.Error("failed to start tool server", zap.Error(err))
		os.Exit(1)
	}

	log.Info("tool server started",
		zap.String("sse_endpoint", srv.SSEEndpoint()),
		zap.String("streamable_http_endpoint", srv.StreamableHTTPEndpoint()))

	fmt.Printf("bullpen-mcp serving agent %s (%s) on port %d\n", cfg.AgentID, cfg.ServerType, srv.Port())
	fmt.Printf("SSE endpoint: %s\n", srv.SSEEndpoint())
	fmt.Printf("Streamable HTTP endpoint: %s\n", srv.StreamableHTTPEndpoint())

	// The daemon delivers SIGTERM on shutdown and the kernel repeats it if
	// the daemon dies underneath us.
	waitForShutdown(log, func(ctx context.Context) {
		if err := cleanup(); err != nil {
			log.Error("error during shutdown", zap.Error(err))
		}
	})
}

// waitForShutdown blocks until a shutdown signal arrives, then runs cleanup.
func waitForShutdown(log *logger.Logger, cleanup func(ctx context.Context)) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down bullpen-mcp...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cleanup(ctx)

	log.Info("bullpen-mcp stopped")
}

// getEnvOrFlag returns the environment variable value if set, otherwise the
// flag value.
func getEnvOrFlag(envKey, flagValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return flagValue
}

// getEnvIntOrFlag returns the environment variable parsed as int if set,
// otherwise the flag value.
func getEnvIntOrFlag(envKey string, flagValue int) int {
	if v := os.Getenv(envKey); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return flagValue
}

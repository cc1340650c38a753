// Package mcpserver is the per-agent MCP tool server. The daemon spawns one
// next to every AI session; the tools it exposes are the agent's only channel
// back into the orchestrator (status milestones, event reporting, workflow
// state, review requests). Both SSE and Streamable HTTP transports are served
// so any MCP-capable agent binary can connect.
package mcpserver

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/bullpen-dev/bullpen/internal/common/logger"
)

// Server flavors. The spawner derives them from the agent id; review servers
// do not get the request_review tool.
const (
	ServerTypeCoding = "coding"
	ServerTypeReview = "review"
)

// Config holds the tool-server configuration. One server fronts exactly one
// agent instance; the spawner fills every field from the instance record.
type Config struct {
	AgentID     string // instance this server speaks for
	ServerType  string // "coding" or "review"
	Port        int    // port to listen on, 0 picks a free one
	APIURL      string // bullpen daemon base URL, e.g. http://127.0.0.1:7171
	Workspace   string // worktree the agent works in
	Branch      string // work branch
	TmuxSession string // tmux session hosting the AI process
	IssueNumber int    // GitHub issue being worked, 0 when none
}

// Server wraps the SSE and Streamable HTTP transports with lifecycle
// management, plus the /health endpoint the spawner polls before it considers
// the agent ready.
type Server struct {
	cfg                  Config
	sseServer            *server.SSEServer
	streamableHTTPServer *server.StreamableHTTPServer
	httpServer           *http.Server
	mu                   sync.Mutex
	running              bool
	logger               *logger.Logger
}

// New creates a tool server for the given agent.
func New(cfg Config) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger.Default().WithFields(),
	}
}

// NewWithLogger creates a tool server that logs through the given logger.
func NewWithLogger(cfg Config, log *logger.Logger) *Server {
	srv := New(cfg)
	srv.logger = log.WithFields(
		zap.String("component", "mcp-server"),
		zap.String("agent_id", cfg.AgentID))
	return srv
}

// Start brings the server up and returns once it is listening. Both
// transports share one listener; the spawner's readiness probe hits /health
// on the same port.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server already running")
	}
	s.mu.Unlock()

	mcpServer := server.NewMCPServer(
		"bullpen-mcp",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions(instructions(s.cfg)),
	)

	registerTools(mcpServer, s.cfg, s.logger)

	// SSE transport for clients on the older protocol revision.
	s.sseServer = server.NewSSEServer(mcpServer)

	// Streamable HTTP transport at /mcp.
	s.streamableHTTPServer = server.NewStreamableHTTPServer(mcpServer,
		server.WithEndpointPath("/mcp"),
	)

	mux := http.NewServeMux()
	mux.Handle("/sse", s.sseServer.SSEHandler())
	mux.Handle("/message", s.sseServer.MessageHandler())
	mux.Handle("/mcp", s.streamableHTTPServer)
	mux.HandleFunc("/health", s.handleHealth)

	// Agents are local children of a local daemon; never listen beyond
	// loopback. Binding also claims the port before we report ready.
	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.cfg.Port = tcpAddr.Port
	}

	s.httpServer = &http.Server{
		Handler: mux,
	}

	ready := make(chan struct{})

	go func() {
		s.mu.Lock()
		s.running = true
		s.mu.Unlock()

		close(ready)

		s.logger.Info("tool server listening",
			zap.Int("port", s.cfg.Port),
			zap.String("server_type", s.cfg.ServerType),
			zap.String("sse_endpoint", "/sse"),
			zap.String("streamable_http_endpoint", "/mcp"))

		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("tool server error", zap.Error(err))
		}

		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop gracefully shuts down both transports.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	if !running {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}

	if s.sseServer != nil {
		if err := s.sseServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown SSE server", zap.Error(err))
		}
	}

	if s.streamableHTTPServer != nil {
		if err := s.streamableHTTPServer.Shutdown(ctx); err != nil {
			s.logger.Warn("failed to shutdown Streamable HTTP server", zap.Error(err))
		}
	}

	return nil
}

// handleHealth answers the spawner's readiness probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","agent_id":%q,"server_type":%q}`,
		s.cfg.AgentID, s.cfg.ServerType)
}

// Port returns the port the server is listening on. Meaningful after Start
// when the configured port was 0.
func (s *Server) Port() int {
	return s.cfg.Port
}

// SSEEndpoint returns the full SSE URL for clients on that transport.
func (s *Server) SSEEndpoint() string {
	return fmt.Sprintf("http://127.0.0.1:%d/sse", s.cfg.Port)
}

// StreamableHTTPEndpoint returns the full Streamable HTTP URL.
func (s *Server) StreamableHTTPEndpoint() string {
	return fmt.Sprintf("http://127.0.0.1:%d/mcp", s.cfg.Port)
}

// instructions tells the attached AI who it is and where it works. The text
// rides along in the MCP initialize response.
func instructions(cfg Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are agent %s, a %s agent managed by bullpen.\n", cfg.AgentID, cfg.ServerType)
	if cfg.Workspace != "" {
		fmt.Fprintf(&b, "Workspace: %s\n", cfg.Workspace)
	}
	if cfg.Branch != "" {
		fmt.Fprintf(&b, "Work branch: %s\n", cfg.Branch)
	}
	if cfg.TmuxSession != "" {
		fmt.Fprintf(&b, "Tmux session: %s\n", cfg.TmuxSession)
	}
	if cfg.IssueNumber > 0 {
		fmt.Fprintf(&b, "GitHub issue: #%d\n", cfg.IssueNumber)
	}
	b.WriteString("Report milestones with update_instance_status and record notable actions with log_event.")
	return b.String()
}

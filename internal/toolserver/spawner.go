// Package toolserver spawns the per-agent MCP tool-server child process.
// Each agent gets its own server carrying the agent identity, so tool calls
// arrive pre-attributed and the daemon never has to guess the caller.
package toolserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/bullpen-dev/bullpen/internal/common/logger"
)

var (
	// ErrSpawnFailed wraps all spawn failures, including validation.
	ErrSpawnFailed = errors.New("tool server spawn failed")

	// ErrBinaryNotFound is returned when the tool-server binary cannot
	// be located.
	ErrBinaryNotFound = errors.New("tool server binary not found")

	// ErrNotReady is returned when the child starts but never serves
	// its health endpoint.
	ErrNotReady = errors.New("tool server did not become ready")
)

// Config holds spawner configuration.
type Config struct {
	// Binary is the tool-server executable (default: bullpen-mcp,
	// resolved next to the daemon binary, on PATH, or in dev locations).
	Binary string
	// APIURL is the daemon HTTP API the tool server calls back into.
	APIURL string
	// BasePort is the first port probed for a new server.
	BasePort int
	// StartTimeout bounds the wait for the health endpoint.
	StartTimeout time.Duration
}

// SpawnParams carries the agent identity baked into one tool server.
type SpawnParams struct {
	AgentID   string
	Workspace string
	Branch    string
	Session   string
	Issue     *int
}

// Handle is a live tool-server child. Kill and Killed let the engine drive
// teardown without touching the OS directly.
type Handle struct {
	AgentID string
	PID     int
	Port    int

	cmd    *exec.Cmd
	exited chan struct{}
}

// Kill signals the child process.
func (h *Handle) Kill(sig syscall.Signal) error {
	select {
	case <-h.exited:
		return nil
	default:
	}
	return h.cmd.Process.Signal(sig)
}

// Killed is closed once the child has exited.
func (h *Handle) Killed() <-chan struct{} {
	return h.exited
}

// Spawner launches tool-server children.
type Spawner struct {
	config Config
	logger *logger.Logger

	mu       sync.Mutex
	nextPort int
}

// NewSpawner creates a spawner.
func NewSpawner(cfg Config, log *logger.Logger) *Spawner {
	if cfg.Binary == "" {
		cfg.Binary = "bullpen-mcp"
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "http://127.0.0.1:7171"
	}
	if cfg.BasePort <= 0 {
		cfg.BasePort = 8700
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 30 * time.Second
	}
	if log == nil {
		log = logger.Default()
	}
	return &Spawner{
		config:   cfg,
		logger:   log.WithFields(zap.String("component", "toolserver-spawner")),
		nextPort: cfg.BasePort,
	}
}

// Spawn starts one tool server for the given agent and waits for it to
// serve its health endpoint. On readiness failure the child is killed
// before the error is returned.
func (s *Spawner) Spawn(ctx context.Context, params SpawnParams) (*Handle, error) {
	if err := validateSpawnParams(params); err != nil {
		return nil, err
	}

	binary, err := s.findBinary()
	if err != nil {
		return nil, err
	}

	port, err := s.pickPort()
	if err != nil {
		return nil, err
	}

	// exec.Command rather than CommandContext: the handle owns shutdown.
	cmd := exec.Command(binary,
		"--agent-id", params.AgentID,
		"--port", strconv.Itoa(port),
		"--api-url", s.config.APIURL,
	)
	cmd.Env = append(os.Environ(), childEnv(params, port, s.config.APIURL)...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		// Kernel delivers SIGTERM if the daemon dies.
		Pdeathsig: syscall.SIGTERM,
		// Own process group so signals do not leak to the daemon.
		Setpgid: true,
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawnFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrSpawnFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	h := &Handle{
		AgentID: params.AgentID,
		PID:     cmd.Process.Pid,
		Port:    port,
		cmd:     cmd,
		exited:  make(chan struct{}),
	}

	log := s.logger.WithFields(
		zap.String("agent_id", params.AgentID),
		zap.Int("pid", h.PID),
		zap.Int("port", port))

	go pipeOutput(log, "stdout", bufio.NewScanner(stdout))
	go pipeOutput(log, "stderr", bufio.NewScanner(stderr))
	go monitorExit(log, cmd, h.exited)

	if err := s.waitForReady(ctx, h); err != nil {
		_ = h.Kill(syscall.SIGKILL)
		return nil, err
	}

	log.Info("tool server ready")
	return h, nil
}

func validateSpawnParams(params SpawnParams) error {
	if params.AgentID == "" {
		return fmt.Errorf("%w: empty agent id", ErrSpawnFailed)
	}
	if params.Workspace == "" || !filepath.IsAbs(params.Workspace) {
		return fmt.Errorf("%w: workspace %q is not an absolute path", ErrSpawnFailed, params.Workspace)
	}
	if params.Session == "" {
		return fmt.Errorf("%w: empty tmux session", ErrSpawnFailed)
	}
	return nil
}

// childEnv builds the identity environment for one tool server.
func childEnv(params SpawnParams, port int, apiURL string) []string {
	env := []string{
		"MCP_AGENT_ID=" + params.AgentID,
		"MCP_SERVER_TYPE=" + ServerTypeFor(params.AgentID),
		"MCP_WORKSPACE=" + params.Workspace,
		"MCP_BRANCH=" + params.Branch,
		"MCP_TMUX_SESSION=" + params.Session,
		"MCP_PORT=" + strconv.Itoa(port),
		"BULLPEN_API_URL=" + apiURL,
	}
	if params.Issue != nil {
		env = append(env, "MCP_ISSUE_NUMBER="+strconv.Itoa(*params.Issue))
	}
	return env
}

// ServerTypeFor derives the tool-server flavor from the agent id. Review
// agents carry the review- prefix; everything else gets the coding tools.
func ServerTypeFor(agentID string) string {
	if strings.HasPrefix(agentID, "review-") {
		return "review"
	}
	return "coding"
}

// findBinary locates the tool-server executable: next to the running
// daemon first, then PATH, then development build locations.
func (s *Spawner) findBinary() (string, error) {
	if filepath.IsAbs(s.config.Binary) {
		if _, err := os.Stat(s.config.Binary); err == nil {
			return s.config.Binary, nil
		}
		return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, s.config.Binary)
	}

	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), s.config.Binary)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	if path, err := exec.LookPath(s.config.Binary); err == nil {
		return path, nil
	}

	for _, dir := range []string{"bin", filepath.Join("cmd", "mcp-server")} {
		candidate := filepath.Join(dir, s.config.Binary)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("%w: %s", ErrBinaryNotFound, s.config.Binary)
}

// pickPort probes ports starting at the configured base and reserves the
// first free one. Probing beats guessing: stale servers from a crashed
// daemon may still hold earlier ports.
func (s *Spawner) pickPort() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := 0; i < 200; i++ {
		port := s.nextPort
		s.nextPort++
		if s.nextPort >= s.config.BasePort+1000 {
			s.nextPort = s.config.BasePort
		}
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err != nil {
			continue
		}
		ln.Close()
		return port, nil
	}
	return 0, fmt.Errorf("%w: no free port in range %d-%d", ErrSpawnFailed, s.config.BasePort, s.config.BasePort+999)
}

// waitForReady polls the health endpoint with exponential backoff until the
// server answers, the child dies, or the timeout expires.
func (s *Spawner) waitForReady(ctx context.Context, h *Handle) error {
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", h.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	backoff := 100 * time.Millisecond
	maxBackoff := 1 * time.Second
	deadline := time.Now().Add(s.config.StartTimeout)

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.exited:
			return fmt.Errorf("%w: exited during startup", ErrSpawnFailed)
		default:
		}

		resp, err := client.Get(healthURL)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	return fmt.Errorf("%w: no health response on port %d", ErrNotReady, h.Port)
}

func pipeOutput(log *logger.Logger, name string, scanner *bufio.Scanner) {
	for scanner.Scan() {
		log.Info(scanner.Text(), zap.String("stream", name))
	}
}

func monitorExit(log *logger.Logger, cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()
	if err != nil {
		log.Info("tool server exited", zap.Error(err))
	} else {
		log.Info("tool server exited")
	}
	close(exited)
}

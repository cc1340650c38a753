package tmux

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bullpen-dev/bullpen/internal/common/logger"
)

// Config holds tmux manager configuration.
type Config struct {
	// Binary is the tmux executable, resolved via PATH when not absolute.
	Binary string `mapstructure:"binary"`

	// CommandTimeout bounds each tmux invocation.
	CommandTimeout time.Duration `mapstructure:"commandTimeout"`
}

// CreateRequest describes a new session.
type CreateRequest struct {
	Name       string
	WorkingDir string
	Env        map[string]string
}

// Session is a created multiplexer session.
type Session struct {
	Name string
}

// Manager drives tmux through its CLI. All inputs are validated before any
// process is spawned.
type Manager struct {
	config Config
	logger *logger.Logger
}

// NewManager creates a tmux manager.
func NewManager(cfg Config, log *logger.Logger) *Manager {
	if cfg.Binary == "" {
		cfg.Binary = "tmux"
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 15 * time.Second
	}
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		config: cfg,
		logger: log.WithFields(zap.String("component", "tmux-manager")),
	}
}

// Create starts a detached session rooted in the working directory with the
// given environment. Fails if the name is taken.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	if err := ValidateSessionName(req.Name); err != nil {
		return nil, err
	}
	if err := validateWorkingDir(req.WorkingDir); err != nil {
		return nil, err
	}
	if err := validateEnv(req.Env); err != nil {
		return nil, err
	}

	if m.Exists(ctx, req.Name) {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, req.Name)
	}

	args := []string{"new-session", "-d", "-s", req.Name, "-c", req.WorkingDir}
	// Sorted for deterministic command lines in logs and tests.
	keys := make([]string, 0, len(req.Env))
	for key := range req.Env {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		args = append(args, "-e", key+"="+req.Env[key])
	}

	if output, err := m.run(ctx, args...); err != nil {
		if strings.Contains(strings.ToLower(output), "duplicate session") {
			return nil, fmt.Errorf("%w: %s", ErrSessionExists, req.Name)
		}
		return nil, fmt.Errorf("%w: %s", ErrCommandFailed, strings.TrimSpace(output))
	}

	m.logger.Info("created tmux session",
		zap.String("session", req.Name),
		zap.String("working_dir", req.WorkingDir))

	return &Session{Name: req.Name}, nil
}

// Kill terminates a session by name.
func (m *Manager) Kill(ctx context.Context, name string) error {
	if err := ValidateSessionName(name); err != nil {
		return err
	}

	if output, err := m.run(ctx, "kill-session", "-t", "="+name); err != nil {
		lower := strings.ToLower(output)
		if strings.Contains(lower, "can't find session") || strings.Contains(lower, "no server running") {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, name)
		}
		return fmt.Errorf("%w: %s", ErrCommandFailed, strings.TrimSpace(output))
	}

	m.logger.Info("killed tmux session", zap.String("session", name))
	return nil
}

// SendKeys types text into the session followed by Enter. The text is sent
// literally so tmux key names inside it are not expanded.
func (m *Manager) SendKeys(ctx context.Context, name, text string) error {
	if err := ValidateSessionName(name); err != nil {
		return err
	}
	if !m.Exists(ctx, name) {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}

	if output, err := m.run(ctx, "send-keys", "-t", "="+name, "-l", "--", text); err != nil {
		return fmt.Errorf("%w: %s", ErrCommandFailed, strings.TrimSpace(output))
	}
	if output, err := m.run(ctx, "send-keys", "-t", "="+name, "Enter"); err != nil {
		return fmt.Errorf("%w: %s", ErrCommandFailed, strings.TrimSpace(output))
	}
	return nil
}

// Exists reports whether a session with the exact name is running.
func (m *Manager) Exists(ctx context.Context, name string) bool {
	if ValidateSessionName(name) != nil {
		return false
	}
	_, err := m.run(ctx, "has-session", "-t", "="+name)
	return err == nil
}

// CapturePane returns the visible contents of the session's active pane.
func (m *Manager) CapturePane(ctx context.Context, name string) (string, error) {
	if err := ValidateSessionName(name); err != nil {
		return "", err
	}

	output, err := m.run(ctx, "capture-pane", "-t", "="+name, "-p")
	if err != nil {
		lower := strings.ToLower(output)
		if strings.Contains(lower, "can't find") || strings.Contains(lower, "no server running") {
			return "", fmt.Errorf("%w: %s", ErrSessionNotFound, name)
		}
		return "", fmt.Errorf("%w: %s", ErrCommandFailed, strings.TrimSpace(output))
	}
	return output, nil
}

// run executes one tmux command under the configured timeout and returns
// its combined output.
func (m *Manager) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.config.CommandTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, m.config.Binary, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		m.logger.Debug("tmux command failed",
			zap.Strings("args", args),
			zap.String("output", string(output)),
			zap.Error(err))
	}
	return string(output), err
}

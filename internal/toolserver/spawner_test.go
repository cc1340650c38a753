package toolserver

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bullpen-dev/bullpen/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func TestNewSpawnerDefaults(t *testing.T) {
	s := NewSpawner(Config{}, newTestLogger(t))
	if s.config.Binary != "bullpen-mcp" {
		t.Errorf("expected default binary bullpen-mcp, got %q", s.config.Binary)
	}
	if s.config.BasePort != 8700 {
		t.Errorf("expected default base port 8700, got %d", s.config.BasePort)
	}
	if s.config.StartTimeout != 30*time.Second {
		t.Errorf("expected default start timeout 30s, got %v", s.config.StartTimeout)
	}
	if s.nextPort != s.config.BasePort {
		t.Errorf("expected port probing to start at the base port")
	}
}

func TestValidateSpawnParams(t *testing.T) {
	issue := 42
	valid := SpawnParams{
		AgentID:   "work-42-1700000000000-abc123def",
		Workspace: "/tmp/worktrees/work-42",
		Branch:    "bullpen/work-42",
		Session:   "work-42-1700000000000-abc123def",
		Issue:     &issue,
	}

	tests := []struct {
		name   string
		mutate func(*SpawnParams)
		want   bool
	}{
		{"valid", func(p *SpawnParams) {}, false},
		{"empty agent id", func(p *SpawnParams) { p.AgentID = "" }, true},
		{"empty workspace", func(p *SpawnParams) { p.Workspace = "" }, true},
		{"relative workspace", func(p *SpawnParams) { p.Workspace = "worktrees/x" }, true},
		{"empty session", func(p *SpawnParams) { p.Session = "" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			err := validateSpawnParams(p)
			if tt.want {
				if !errors.Is(err, ErrSpawnFailed) {
					t.Errorf("expected ErrSpawnFailed, got %v", err)
				}
				return
			}
			if err != nil {
				t.Errorf("expected no error, got %v", err)
			}
		})
	}
}

func TestServerTypeFor(t *testing.T) {
	tests := []struct {
		agentID string
		want    string
	}{
		{"work-42-1700000000000-abc123def", "coding"},
		{"work-custom-1700000000000-xyz987abc", "coding"},
		{"review-work-42-1700000000000-abc123def-1", "review"},
	}
	for _, tt := range tests {
		if got := ServerTypeFor(tt.agentID); got != tt.want {
			t.Errorf("ServerTypeFor(%q) = %q, want %q", tt.agentID, got, tt.want)
		}
	}
}

func TestChildEnv(t *testing.T) {
	issue := 7
	params := SpawnParams{
		AgentID:   "work-7-1700000000000-abc123def",
		Workspace: "/tmp/wt",
		Branch:    "bullpen/work-7",
		Session:   "work-7-1700000000000-abc123def",
		Issue:     &issue,
	}
	env := childEnv(params, 8701, "http://127.0.0.1:8080")

	want := []string{
		"MCP_AGENT_ID=work-7-1700000000000-abc123def",
		"MCP_SERVER_TYPE=coding",
		"MCP_WORKSPACE=/tmp/wt",
		"MCP_BRANCH=bullpen/work-7",
		"MCP_TMUX_SESSION=work-7-1700000000000-abc123def",
		"MCP_PORT=8701",
		"BULLPEN_API_URL=http://127.0.0.1:8080",
		"MCP_ISSUE_NUMBER=7",
	}
	for _, kv := range want {
		found := false
		for _, got := range env {
			if got == kv {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("expected %q in child env, got %v", kv, env)
		}
	}

	params.Issue = nil
	env = childEnv(params, 8701, "http://127.0.0.1:8080")
	for _, kv := range env {
		if strings.HasPrefix(kv, "MCP_ISSUE_NUMBER=") {
			t.Errorf("expected no issue entry without an issue, got %q", kv)
		}
	}
}

func TestPickPortSkipsBusy(t *testing.T) {
	base := 38700
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", base))
	if err != nil {
		t.Skipf("cannot occupy port %d: %v", base, err)
	}
	defer ln.Close()

	s := NewSpawner(Config{BasePort: base}, newTestLogger(t))
	port, err := s.pickPort()
	if err != nil {
		t.Fatalf("expected pickPort to succeed, got %v", err)
	}
	if port == base {
		t.Errorf("expected the busy base port to be skipped")
	}
	if port <= base || port >= base+1000 {
		t.Errorf("expected port in range (%d, %d), got %d", base, base+1000, port)
	}
}

func TestFindBinaryAbsolute(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "bullpen-mcp")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatalf("failed to write binary: %v", err)
	}

	s := NewSpawner(Config{Binary: bin}, newTestLogger(t))
	found, err := s.findBinary()
	if err != nil {
		t.Fatalf("expected binary to resolve, got %v", err)
	}
	if found != bin {
		t.Errorf("expected %q, got %q", bin, found)
	}

	s = NewSpawner(Config{Binary: filepath.Join(dir, "missing")}, newTestLogger(t))
	if _, err := s.findBinary(); !errors.Is(err, ErrBinaryNotFound) {
		t.Errorf("expected ErrBinaryNotFound, got %v", err)
	}
}

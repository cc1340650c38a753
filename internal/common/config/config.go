// Package config provides configuration management for Bullpen.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Bullpen.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Worktree   WorktreeConfig   `mapstructure:"worktree"`
	Tmux       TmuxConfig       `mapstructure:"tmux"`
	Agent      AgentConfig      `mapstructure:"agent"`
	ToolServer ToolServerConfig `mapstructure:"toolServer"`
	GitHub     GitHubConfig     `mapstructure:"github"`
	Prompts    PromptsConfig    `mapstructure:"prompts"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds the embedded SQLite database configuration.
type DatabaseConfig struct {
	Path          string `mapstructure:"path"`          // database file path (default: ~/.bullpen/bullpen.db)
	BusyTimeoutMS int    `mapstructure:"busyTimeoutMs"` // SQLite busy timeout in milliseconds
	BackupDir     string `mapstructure:"backupDir"`     // default directory for backup files
	CloudSync     bool   `mapstructure:"cloudSync"`     // enable cloud replication (Sync fails when off)
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// WorktreeConfig holds git worktree configuration for agent isolation.
type WorktreeConfig struct {
	RepoPath     string `mapstructure:"repoPath"`     // the repository agents work on (default: cwd)
	BasePath     string `mapstructure:"basePath"`     // base directory for worktrees (default: ~/.bullpen/worktrees)
	BranchPrefix string `mapstructure:"branchPrefix"` // prefix for agent branches
	MaxPerRepo   int    `mapstructure:"maxPerRepo"`   // maximum simultaneous worktrees per repository
}

// TmuxConfig holds terminal multiplexer configuration.
type TmuxConfig struct {
	Binary         string `mapstructure:"binary"`         // tmux binary (default: tmux, resolved via PATH)
	CommandTimeout int    `mapstructure:"commandTimeout"` // per-command timeout in seconds
}

// AgentConfig holds AI agent launcher configuration.
type AgentConfig struct {
	Binary     string   `mapstructure:"binary"`     // AI CLI binary to launch (default: claude)
	Args       []string `mapstructure:"args"`       // extra arguments passed to the binary
	MaxReviews int      `mapstructure:"maxReviews"` // default review budget per coding agent
}

// ToolServerConfig holds configuration for the per-agent MCP tool server child.
type ToolServerConfig struct {
	Binary   string `mapstructure:"binary"`   // mcp-server binary path (auto-detected if empty)
	BaseURL  string `mapstructure:"baseUrl"`  // daemon API URL the tool server calls back to
	BasePort int    `mapstructure:"basePort"` // first port probed when starting a tool server
}

// GitHubConfig holds GitHub issue source configuration.
type GitHubConfig struct {
	Owner        string `mapstructure:"owner"`
	Repo         string `mapstructure:"repo"`
	CacheTTL     int    `mapstructure:"cacheTtl"`     // issue cache TTL in seconds
	SyncInterval int    `mapstructure:"syncInterval"` // background sync period in seconds, 0 disables
}

// PromptsConfig holds prompt template configuration.
type PromptsConfig struct {
	OverridePath string `mapstructure:"overridePath"` // optional YAML file overriding builtin templates
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// TracingConfig holds OpenTelemetry export configuration. An empty endpoint
// leaves tracing as a no-op.
type TracingConfig struct {
	Endpoint string `mapstructure:"endpoint"` // OTLP HTTP endpoint, e.g. localhost:4318
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// CommandTimeoutDuration returns the tmux command timeout as a time.Duration.
func (t *TmuxConfig) CommandTimeoutDuration() time.Duration {
	return time.Duration(t.CommandTimeout) * time.Second
}

// CacheTTLDuration returns the issue cache TTL as a time.Duration.
func (g *GitHubConfig) CacheTTLDuration() time.Duration {
	return time.Duration(g.CacheTTL) * time.Second
}

// SyncIntervalDuration returns the background sync period as a time.Duration.
func (g *GitHubConfig) SyncIntervalDuration() time.Duration {
	return time.Duration(g.SyncInterval) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	if env := os.Getenv("BULLPEN_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	return "text"
}

// homeDir returns the user home directory, falling back to "." when unknown.
func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 7171)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults
	v.SetDefault("database.path", filepath.Join(homeDir(), ".bullpen", "bullpen.db"))
	v.SetDefault("database.busyTimeoutMs", 5000)
	v.SetDefault("database.backupDir", filepath.Join(homeDir(), ".bullpen", "backups"))
	v.SetDefault("database.cloudSync", false)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "bullpen-cluster")
	v.SetDefault("nats.clientId", "bullpen-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Worktree defaults
	v.SetDefault("worktree.repoPath", "")
	v.SetDefault("worktree.basePath", filepath.Join(homeDir(), ".bullpen", "worktrees"))
	v.SetDefault("worktree.branchPrefix", "")
	v.SetDefault("worktree.maxPerRepo", 16)

	// Tmux defaults
	v.SetDefault("tmux.binary", "tmux")
	v.SetDefault("tmux.commandTimeout", 15)

	// Agent defaults
	v.SetDefault("agent.binary", "claude")
	v.SetDefault("agent.args", []string{})
	v.SetDefault("agent.maxReviews", 3)

	// Tool server defaults - empty binary means auto-detect next to the daemon
	v.SetDefault("toolServer.binary", "")
	v.SetDefault("toolServer.baseUrl", "")
	v.SetDefault("toolServer.basePort", 8700)

	// GitHub defaults
	v.SetDefault("github.owner", "")
	v.SetDefault("github.repo", "")
	v.SetDefault("github.cacheTtl", 300)
	v.SetDefault("github.syncInterval", 300)

	// Prompt template defaults
	v.SetDefault("prompts.overridePath", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Tracing defaults - empty endpoint keeps the no-op tracer
	v.SetDefault("tracing.endpoint", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix BULLPEN_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or ~/.bullpen/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("BULLPEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("database.path", "BULLPEN_DB_PATH", "BULLPEN_DATABASE_PATH")
	_ = v.BindEnv("database.busyTimeoutMs", "BULLPEN_DATABASE_BUSY_TIMEOUT_MS")
	_ = v.BindEnv("worktree.repoPath", "BULLPEN_WORKTREE_REPO_PATH")
	_ = v.BindEnv("worktree.basePath", "BULLPEN_WORKTREE_BASE_PATH")
	_ = v.BindEnv("agent.maxReviews", "BULLPEN_AGENT_MAX_REVIEWS")
	_ = v.BindEnv("toolServer.binary", "BULLPEN_TOOL_SERVER_BINARY")
	_ = v.BindEnv("toolServer.baseUrl", "BULLPEN_TOOL_SERVER_BASE_URL")
	_ = v.BindEnv("github.cacheTtl", "BULLPEN_GITHUB_CACHE_TTL")
	_ = v.BindEnv("github.syncInterval", "BULLPEN_GITHUB_SYNC_INTERVAL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(filepath.Join(homeDir(), ".bullpen"))

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation
	if cfg.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if cfg.Database.BusyTimeoutMS < 0 {
		errs = append(errs, "database.busyTimeoutMs must not be negative")
	}

	// Worktree validation
	if cfg.Worktree.MaxPerRepo <= 0 {
		errs = append(errs, "worktree.maxPerRepo must be positive")
	}

	// Agent validation
	if cfg.Agent.Binary == "" {
		errs = append(errs, "agent.binary is required")
	}
	if cfg.Agent.MaxReviews <= 0 {
		errs = append(errs, "agent.maxReviews must be positive")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

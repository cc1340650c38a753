// Package prompts builds the launch prompts injected into agent sessions.
// Templates are named by agent type; builtin defaults can be overridden from
// a YAML file so operators can tune agent behavior without rebuilding.
package prompts

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/bullpen-dev/bullpen/internal/common/config"
	"github.com/bullpen-dev/bullpen/internal/common/logger"
)

// Template is one named prompt pair.
type Template struct {
	Name   string `yaml:"name"`
	System string `yaml:"system"`
	User   string `yaml:"user"`
}

type templateFile struct {
	Templates []Template `yaml:"templates"`
}

// BuildRequest carries the variables substituted into a template.
type BuildRequest struct {
	AgentType      string // coding, review, planning
	IssueNumber    *int
	IssueTitle     string
	Branch         string
	BaseBranch     string
	ParentInstance string
}

// Prompt is the built result. Context is the JSON-encoded variable map,
// persisted alongside the instance so launches can be reconstructed.
type Prompt struct {
	System  string
	User    string
	Context string
}

// Builder resolves templates and substitutes launch variables.
type Builder struct {
	logger    *logger.Logger
	templates map[string]Template
}

// NewBuilder loads builtin templates plus any override file. Overrides are
// merged by name; an explicitly configured path that cannot be read is an
// error rather than a silent fallback.
func NewBuilder(cfg config.PromptsConfig, log *logger.Logger) (*Builder, error) {
	if log == nil {
		log = logger.Default()
	}

	templates := make(map[string]Template)
	for _, t := range builtinTemplates {
		templates[t.Name] = t
	}

	if cfg.OverridePath != "" {
		overrides, err := loadTemplateFile(cfg.OverridePath)
		if err != nil {
			return nil, fmt.Errorf("failed to load prompt overrides from %s: %w", cfg.OverridePath, err)
		}
		for _, t := range overrides {
			if t.Name == "" {
				return nil, fmt.Errorf("prompt override without a name in %s", cfg.OverridePath)
			}
			templates[t.Name] = t
		}
		log.Info("loaded prompt template overrides",
			zap.String("path", cfg.OverridePath),
			zap.Int("count", len(overrides)))
	}

	return &Builder{
		logger:    log.WithFields(zap.String("component", "prompts")),
		templates: templates,
	}, nil
}

// Build renders the template for the agent type.
func (b *Builder) Build(req BuildRequest) (*Prompt, error) {
	tmpl, ok := b.templates[req.AgentType]
	if !ok {
		return nil, fmt.Errorf("no prompt template for agent type %q", req.AgentType)
	}

	vars := map[string]string{
		"issue_number":    issueNumberVar(req.IssueNumber),
		"issue_title":     req.IssueTitle,
		"branch":          req.Branch,
		"base_branch":     req.BaseBranch,
		"parent_instance": req.ParentInstance,
	}

	contextJSON, err := json.Marshal(vars)
	if err != nil {
		return nil, fmt.Errorf("failed to encode prompt context: %w", err)
	}

	return &Prompt{
		System:  interpolate(tmpl.System, vars),
		User:    interpolate(tmpl.User, vars),
		Context: string(contextJSON),
	}, nil
}

// Templates returns the names of all loaded templates.
func (b *Builder) Templates() []string {
	names := make([]string, 0, len(b.templates))
	for name := range b.templates {
		names = append(names, name)
	}
	return names
}

func loadTemplateFile(path string) ([]Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file templateFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	return file.Templates, nil
}

// interpolate replaces {{name}} placeholders with their values. Unknown
// placeholders are left untouched so template typos stay visible.
func interpolate(s string, vars map[string]string) string {
	for key, value := range vars {
		s = strings.ReplaceAll(s, "{{"+key+"}}", value)
	}
	return s
}

func issueNumberVar(n *int) string {
	if n == nil {
		return ""
	}
	return strconv.Itoa(*n)
}

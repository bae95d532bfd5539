// Package config loads the orchestrator's YAML configuration: data
// directories, per-project settings, plugin defaults, notifier routing,
// and reaction definitions.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ConfigPathEnvVar overrides the default config file location.
const ConfigPathEnvVar = "AO_CONFIG"

// DefaultConfigPath is the config location relative to the home
// directory when AO_CONFIG is not set.
const DefaultConfigPath = ".agent-orchestrator/config.yaml"

// Defaults holds plugin names used when a project does not override.
type Defaults struct {
	Runtime   string   `yaml:"runtime"`
	Agent     string   `yaml:"agent"`
	Workspace string   `yaml:"workspace"`
	Notifiers []string `yaml:"notifiers"`
}

// AgentConfig is agent-plugin-specific configuration (model, flags,
// permission mode). Keys are plugin-defined.
type AgentConfig map[string]string

// Project configures one supervised repository.
type Project struct {
	Name          string `yaml:"name"`
	Repo          string `yaml:"repo"` // "owner/repo"
	Path          string `yaml:"path"`
	DefaultBranch string `yaml:"defaultBranch"`
	SessionPrefix string `yaml:"sessionPrefix"`

	// Plugin overrides; empty means use Defaults (tracker and scm have
	// no default and stay optional).
	Runtime   string `yaml:"runtime,omitempty"`
	Agent     string `yaml:"agent,omitempty"`
	Workspace string `yaml:"workspace,omitempty"`
	Tracker   string `yaml:"tracker,omitempty"`
	SCM       string `yaml:"scm,omitempty"`

	// Symlinks are repo-relative paths linked from the project path
	// into each new workspace (node_modules, .env).
	Symlinks []string `yaml:"symlinks,omitempty"`

	// PostCreate is a shell command run inside a freshly created
	// workspace.
	PostCreate string `yaml:"postCreate,omitempty"`

	AgentConfig AgentConfig `yaml:"agentConfig,omitempty"`

	// Reactions override the global reaction map per key.
	Reactions map[string]*Reaction `yaml:"reactions,omitempty"`
}

// Reaction configures the automatic response to one reaction key.
type Reaction struct {
	// Auto gates execution. When false the reaction is disabled unless
	// its action is "notify" (notifications are always allowed).
	Auto bool `yaml:"auto"`

	// Action is one of send-to-agent, notify, auto-merge.
	Action string `yaml:"action"`

	// Message is sent to the agent by send-to-agent.
	Message string `yaml:"message,omitempty"`

	// Priority overrides the event-inferred priority for notifications.
	Priority string `yaml:"priority,omitempty"`

	// Retries is the max attempts before escalating. Nil means
	// unbounded.
	Retries *int `yaml:"retries,omitempty"`

	// EscalateAfter is either an attempt count or a duration string
	// like "10m". Whichever threshold is hit first escalates.
	EscalateAfter IntOrDuration `yaml:"escalateAfter,omitempty"`

	// Threshold is reserved for time-triggered reactions; the core
	// loop does not consume it.
	Threshold string `yaml:"threshold,omitempty"`

	// IncludeSummary hints notifiers to attach the agent summary.
	IncludeSummary bool `yaml:"includeSummary,omitempty"`
}

// Reaction actions.
const (
	ActionSendToAgent = "send-to-agent"
	ActionNotify      = "notify"
	ActionAutoMerge   = "auto-merge"
)

// IntOrDuration accepts a YAML int or string scalar and keeps the raw
// text; consumers decide whether it is an attempt count or a duration.
type IntOrDuration string

// UnmarshalYAML accepts either scalar form.
func (v *IntOrDuration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("escalateAfter: expected scalar, got %v", node.Kind)
	}
	*v = IntOrDuration(node.Value)
	return nil
}

// AsAttempts returns the value as an attempt count when it is a bare
// integer.
func (v IntOrDuration) AsAttempts() (int, bool) {
	n, err := strconv.Atoi(string(v))
	if err != nil {
		return 0, false
	}
	return n, true
}

// String returns the raw scalar text.
func (v IntOrDuration) String() string { return string(v) }

// NotifierConfig names the backing plugin plus plugin-specific options.
type NotifierConfig struct {
	Plugin  string         `yaml:"plugin"`
	Options map[string]any `yaml:",inline"`
}

// Config is the orchestrator's single structured configuration, loaded
// once per process.
type Config struct {
	DataDir     string `yaml:"dataDir"`
	WorktreeDir string `yaml:"worktreeDir"`

	// Port is reserved for the dashboard; the engine ignores it.
	Port int `yaml:"port,omitempty"`

	// Telemetry opts into anonymous usage reporting. Off by default.
	Telemetry bool `yaml:"telemetry,omitempty"`

	Defaults Defaults `yaml:"defaults"`

	Projects map[string]*Project `yaml:"projects"`

	Notifiers map[string]NotifierConfig `yaml:"notifiers,omitempty"`

	// NotificationRouting maps priority (urgent, action, warning,
	// info) to notifier names. Missing priorities fall back to
	// Defaults.Notifiers.
	NotificationRouting map[string][]string `yaml:"notificationRouting,omitempty"`

	Reactions map[string]*Reaction `yaml:"reactions,omitempty"`
}

// Load reads the config from path, or from AO_CONFIG /
// ~/.agent-orchestrator/config.yaml when path is empty.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(ConfigPathEnvVar)
	}
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		path = filepath.Join(home, DefaultConfigPath)
	}

	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	return Parse(data)
}

// Parse decodes YAML config bytes, applies defaults, and validates.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			c.DataDir = filepath.Join(home, ".agent-orchestrator")
		} else {
			c.DataDir = ".agent-orchestrator"
		}
	}
	if c.WorktreeDir == "" {
		c.WorktreeDir = filepath.Join(c.DataDir, "worktrees")
	}
	if c.Defaults.Runtime == "" {
		c.Defaults.Runtime = "process"
	}
	if c.Defaults.Agent == "" {
		c.Defaults.Agent = "claude-code"
	}
	if c.Defaults.Workspace == "" {
		c.Defaults.Workspace = "git"
	}
	for id, p := range c.Projects {
		if p.Name == "" {
			p.Name = id
		}
		if p.DefaultBranch == "" {
			p.DefaultBranch = "main"
		}
		if p.SessionPrefix == "" {
			p.SessionPrefix = id
		}
	}
}

func (c *Config) validate() error {
	for id, p := range c.Projects {
		if p.Path == "" {
			return fmt.Errorf("project %s: path is required", id)
		}
	}
	for key, r := range c.Reactions {
		if err := validateReaction(key, r); err != nil {
			return err
		}
	}
	for _, p := range c.Projects {
		for key, r := range p.Reactions {
			if err := validateReaction(key, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateReaction(key string, r *Reaction) error {
	if r == nil {
		return nil
	}
	switch r.Action {
	case "", ActionSendToAgent, ActionNotify, ActionAutoMerge:
		return nil
	default:
		return fmt.Errorf("reaction %s: unknown action %q", key, r.Action)
	}
}

// Project returns the project config for id, or nil.
func (c *Config) Project(id string) *Project {
	if c.Projects == nil {
		return nil
	}
	return c.Projects[id]
}

// ReactionsFor merges project reaction overrides over the global map,
// per key. Nil project falls back to the global map.
func (c *Config) ReactionsFor(projectID string) map[string]*Reaction {
	merged := make(map[string]*Reaction, len(c.Reactions))
	for k, v := range c.Reactions {
		merged[k] = v
	}
	if p := c.Project(projectID); p != nil {
		for k, v := range p.Reactions {
			merged[k] = v
		}
	}
	return merged
}

// NotifiersFor returns the notifier names routed for a priority,
// falling back to the default notifier list.
func (c *Config) NotifiersFor(priority string) []string {
	if names, ok := c.NotificationRouting[priority]; ok && len(names) > 0 {
		return names
	}
	return c.Defaults.Notifiers
}

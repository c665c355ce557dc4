// Package config holds the resolved configuration the Session Turn Engine
// is constructed from: the struct tree the embedder populates and hands to
// the engine, its defaults, and LoadFrom, which reads one YAML file over
// those defaults. Merging profiles is left to the embedder.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level resolved configuration for one engine instance.
type Config struct {
	Engine     EngineConfig     `yaml:"engine"`
	Model      ModelConfig      `yaml:"model"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Approval   ApprovalConfig   `yaml:"approval"`
	Budget     BudgetConfig     `yaml:"budget"`
}

// EngineConfig controls turn-loop and streaming behavior.
type EngineConfig struct {
	DefaultModel      string        `yaml:"default_model"`
	ReasoningEffort   string        `yaml:"reasoning_effort"`
	ReasoningSummary  bool          `yaml:"reasoning_summary"`
	MaxToolTurns      int           `yaml:"max_tool_turns"`
	StreamIdleTimeout time.Duration `yaml:"stream_idle_timeout"`
	RetryMax          int           `yaml:"retry_max"`
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`
	SubmissionBuffer  int           `yaml:"submission_buffer"`
	AutoCompact       bool          `yaml:"auto_compact"`
}

// ModelConfig describes how to reach the model-provider primitive.
type ModelConfig struct {
	WireFormat string        `yaml:"wire_format"` // "responses" or "chat"
	BaseURL    string        `yaml:"base_url"`
	Originator string        `yaml:"originator"`
	UserAgent  string        `yaml:"user_agent"`
	Timeout    time.Duration `yaml:"timeout"`
}

// SupervisorConfig controls sub-agent scheduling defaults.
type SupervisorConfig struct {
	MaxConcurrentChildren int           `yaml:"max_concurrent_children"`
	DefaultChildBudget    int           `yaml:"default_child_budget"`
	DefaultDeadline       time.Duration `yaml:"default_deadline"`
	DrainTimeout          time.Duration `yaml:"drain_timeout"`
}

// SandboxConfig controls the default sandbox policy applied to shell/apply_patch.
type SandboxConfig struct {
	Mode          string   `yaml:"mode"` // "read-only", "workspace-write", "danger-full-access"
	WritableRoots []string `yaml:"writable_roots"`
	NetworkAccess bool     `yaml:"network_access"`
	ShellTimeout  time.Duration `yaml:"shell_timeout"`
	StdoutCapMB   int           `yaml:"stdout_cap_mb"`
	StderrCapMB   int           `yaml:"stderr_cap_mb"`
}

// ApprovalConfig controls approval policy defaults.
type ApprovalConfig struct {
	Policy  string        `yaml:"policy"` // "never", "on-failure", "on-request", "unless-trusted"
	Timeout time.Duration `yaml:"timeout"`
}

// BudgetConfig controls token ledger defaults.
type BudgetConfig struct {
	TotalBudget        int `yaml:"total_budget"`
	WarningThresholdPc int `yaml:"warning_threshold_percent"`
}

// DefaultConfig returns sensible defaults mirroring the engine's documented
// timeouts (spec §5).
func DefaultConfig() Config {
	return Config{
		Engine: EngineConfig{
			DefaultModel:      "gpt-5.2-codex",
			ReasoningEffort:   "medium",
			MaxToolTurns:      10,
			StreamIdleTimeout: 300 * time.Second,
			RetryMax:          5,
			RetryBaseDelay:    200 * time.Millisecond,
			SubmissionBuffer:  64,
			AutoCompact:       true,
		},
		Model: ModelConfig{
			WireFormat: "responses",
			BaseURL:    "https://chatgpt.com/backend-api/codex",
			Originator: "turnengine",
			UserAgent:  "turnengine/0.1",
			Timeout:    120 * time.Second,
		},
		Supervisor: SupervisorConfig{
			MaxConcurrentChildren: 8,
			DefaultChildBudget:    5000,
			DefaultDeadline:       300 * time.Second,
			DrainTimeout:          5 * time.Second,
		},
		Sandbox: SandboxConfig{
			Mode:         "workspace-write",
			ShellTimeout: 120 * time.Second,
			StdoutCapMB:  30,
			StderrCapMB:  10,
		},
		Approval: ApprovalConfig{
			Policy: "on-request",
		},
		Budget: BudgetConfig{
			TotalBudget:        0, // 0 = unlimited
			WarningThresholdPc: 80,
		},
	}
}

// DefaultPath is the conventional config file location, overridable by
// TURNENGINE_CONFIG.
func DefaultPath() string {
	if v := strings.TrimSpace(os.Getenv("TURNENGINE_CONFIG")); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "turnengine", "config.yaml")
}

// Load reads the config file at DefaultPath(), falling back to
// DefaultConfig() for anything unset.
func Load() Config { return LoadFrom(DefaultPath()) }

// LoadFrom reads path (if non-empty and present) over DefaultConfig(); a
// missing or malformed file is not an error, since every field already has
// a usable default.
func LoadFrom(path string) Config {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) != "" {
		if buf, err := os.ReadFile(path); err == nil {
			_ = yaml.Unmarshal(buf, &cfg)
		}
	}
	return cfg
}

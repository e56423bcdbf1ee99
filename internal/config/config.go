package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config is the on-disk configuration for relay-agent.
type Config struct {
	// ListenAddr is the address the orchestrator protocol endpoint binds to.
	ListenAddr string `json:"listen_addr"`

	// ProxyURL is the websocket URL of the external execution proxy.
	// Empty means tool execution is unavailable and tool steps fail fast.
	ProxyURL string `json:"proxy_url,omitempty"`

	// StateDir holds the session database and other local state.
	// If empty, the agent picks a default under the user home dir.
	StateDir string `json:"state_dir,omitempty"`

	// ProfilesPath points to the YAML model-profile/role-chain config.
	ProfilesPath string `json:"profiles_path"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`

	// Limits tunes run budgets and guard thresholds. Zero values take defaults.
	Limits Limits `json:"limits,omitempty"`
}

// Limits holds the operator-configurable run budgets.
//
// The numeric defaults are deliberately conservative; deployments tune them
// per workload rather than relying on any single baked-in profile.
type Limits struct {
	MaxSteps               int `json:"max_steps,omitempty"`
	MaxWallTimeSec         int `json:"max_wall_time_sec,omitempty"`
	RetryBudget            int `json:"retry_budget,omitempty"`
	CircuitThreshold       int `json:"circuit_threshold,omitempty"`
	GuardWindow            int `json:"guard_window,omitempty"`
	CompactThresholdTokens int `json:"compact_threshold_tokens,omitempty"`
	CompactKeepTail        int `json:"compact_keep_tail,omitempty"`
	ParallelSubagentMax    int `json:"parallel_subagent_max,omitempty"`
	RepairRounds           int `json:"repair_rounds,omitempty"`
	RetryDelayMs           int `json:"retry_delay_ms,omitempty"`
	ToolTimeoutSec         int `json:"tool_timeout_sec,omitempty"`
}

const (
	DefaultMaxSteps               = 24
	DefaultMaxWallTimeSec         = 600
	DefaultRetryBudget            = 5
	DefaultCircuitThreshold       = 3
	DefaultGuardWindow            = 6
	DefaultCompactThresholdTokens = 12000
	DefaultCompactKeepTail        = 4
	DefaultParallelSubagentMax    = 5
	DefaultRepairRounds           = 1
	DefaultRetryDelayMs           = 500
	DefaultToolTimeoutSec         = 120
)

// Normalized returns a copy with every zero field replaced by its default.
func (l Limits) Normalized() Limits {
	out := l
	if out.MaxSteps <= 0 {
		out.MaxSteps = DefaultMaxSteps
	}
	if out.MaxWallTimeSec <= 0 {
		out.MaxWallTimeSec = DefaultMaxWallTimeSec
	}
	if out.RetryBudget <= 0 {
		out.RetryBudget = DefaultRetryBudget
	}
	if out.CircuitThreshold <= 0 {
		out.CircuitThreshold = DefaultCircuitThreshold
	}
	if out.GuardWindow <= 0 {
		out.GuardWindow = DefaultGuardWindow
	}
	if out.CompactThresholdTokens <= 0 {
		out.CompactThresholdTokens = DefaultCompactThresholdTokens
	}
	if out.CompactKeepTail <= 0 {
		out.CompactKeepTail = DefaultCompactKeepTail
	}
	if out.ParallelSubagentMax <= 0 {
		out.ParallelSubagentMax = DefaultParallelSubagentMax
	}
	if out.RepairRounds < 0 {
		out.RepairRounds = DefaultRepairRounds
	}
	if out.RetryDelayMs <= 0 {
		out.RetryDelayMs = DefaultRetryDelayMs
	}
	if out.ToolTimeoutSec <= 0 {
		out.ToolTimeoutSec = DefaultToolTimeoutSec
	}
	return out
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		return errors.New("missing listen_addr")
	}
	if strings.TrimSpace(c.ProfilesPath) == "" {
		return errors.New("missing profiles_path")
	}
	switch strings.TrimSpace(c.LogFormat) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	switch strings.TrimSpace(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return nil
}

// DefaultConfigPath returns the default config path:
//
//	~/.relay-agent/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "relay-agent.config.json"
	}
	return filepath.Join(home, ".relay-agent", "config.json")
}

// DefaultStateDir returns the default state directory for the session store.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".relay-agent"
	}
	return filepath.Join(home, ".relay-agent")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

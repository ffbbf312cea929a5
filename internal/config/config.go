// Package config provides configuration types and defaults for tether.
package config

import (
	"os"
	"path/filepath"
)

// Config holds all configuration options for tether.
type Config struct {
	Agent     AgentConfig     `mapstructure:"agent"`
	Turn      TurnConfig      `mapstructure:"turn"`
	Approval  ApprovalConfig  `mapstructure:"approval"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	Store     StoreConfig     `mapstructure:"store"`
}

// AgentConfig describes how to locate and launch the agent process.
type AgentConfig struct {
	// Command is the executable name or path of the agent CLI.
	// Platform-specific variants (.cmd, .exe) are derived automatically.
	Command string `mapstructure:"command"`

	// WorkDir is the working directory handed to the agent.
	// Default: the current directory at startup.
	WorkDir string `mapstructure:"work_dir"`

	// ExtraPaths are directories appended to PATH when spawning,
	// covering installs outside the login shell's environment.
	ExtraPaths []string `mapstructure:"extra_paths"`
}

// TurnConfig holds per-turn defaults.
type TurnConfig struct {
	Model  string `mapstructure:"model"`  // model override sent with turn/start
	Effort string `mapstructure:"effort"` // reasoning effort: low, medium, high
}

// ApprovalConfig controls how server approval requests are answered.
type ApprovalConfig struct {
	// Policy is one of "prompt" (delegate to callback), "accept", "decline".
	Policy string `mapstructure:"policy"`

	// AllowToolCalls enables answering item/tool/call requests.
	// When false, tool calls receive a structured failure result.
	AllowToolCalls bool `mapstructure:"allow_tool_calls"`
}

// ReconnectConfig bounds automatic recovery after unexpected exits.
type ReconnectConfig struct {
	// MaxAttempts is the number of automatic restarts before requiring
	// a manual restart. Default: 5.
	MaxAttempts int `mapstructure:"max_attempts"`
}

// TracingConfig holds span export configuration.
type TracingConfig struct {
	// Enabled controls whether tracing is active. Default: false.
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the export backend: "none", "file", "stdout", "otlp".
	// Default: "file"
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for the "file" exporter.
	// Default: ~/.config/tether/traces/traces.jsonl
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0). Default: 1.0.
	SampleRate float64 `mapstructure:"sample_rate"`
}

// StoreConfig locates the thread registry database.
type StoreConfig struct {
	// Path is the sqlite database file holding known thread ids.
	// Default: ~/.config/tether/threads.db
	Path string `mapstructure:"path"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Agent: AgentConfig{
			Command: "codex",
		},
		Turn: TurnConfig{
			Effort: "medium",
		},
		Approval: ApprovalConfig{
			Policy:         "prompt",
			AllowToolCalls: false,
		},
		Reconnect: ReconnectConfig{
			MaxAttempts: 5,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     DefaultTracesFilePath(),
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
		Store: StoreConfig{
			Path: DefaultStorePath(),
		},
	}
}

// ConfigDir returns the tether configuration directory.
// Returns empty string if the home directory cannot be determined.
func ConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "tether")
}

// DefaultTracesFilePath returns the default path for trace file export.
func DefaultTracesFilePath() string {
	dir := ConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "traces", "traces.jsonl")
}

// DefaultStorePath returns the default path for the thread registry.
func DefaultStorePath() string {
	dir := ConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "threads.db")
}

// DefaultLogPath returns the default debug log location.
func DefaultLogPath() string {
	dir := ConfigDir()
	if dir == "" {
		return "tether-debug.log"
	}
	return filepath.Join(dir, "debug.log")
}

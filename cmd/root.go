// Package cmd wires the tether CLI: an interactive chat session against a
// supervised agent process, plus maintenance commands for the thread
// registry and environment diagnostics.
package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tetherlab/tether/internal/config"
	"github.com/tetherlab/tether/internal/log"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config
)

var rootCmd = &cobra.Command{
	Use:     "tether",
	Short:   "Supervised streaming client for agent app-servers",
	Long:    `Tether launches an agent CLI in app-server mode, keeps it alive across crashes, and streams conversation turns to your terminal.`,
	Version: version,
	RunE:    runChat,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/tether/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"write a debug log (also enabled by TETHER_DEBUG)")
	rootCmd.PersistentFlags().StringP("dir", "C", "",
		"working directory for the agent (default: current directory)")

	_ = viper.BindPFlag("agent.work_dir", rootCmd.PersistentFlags().Lookup("dir"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("agent.command", defaults.Agent.Command)
	viper.SetDefault("turn.effort", defaults.Turn.Effort)
	viper.SetDefault("approval.policy", defaults.Approval.Policy)
	viper.SetDefault("approval.allow_tool_calls", defaults.Approval.AllowToolCalls)
	viper.SetDefault("reconnect.max_attempts", defaults.Reconnect.MaxAttempts)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.file_path", defaults.Tracing.FilePath)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("store.path", defaults.Store.Path)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// A project-local .tether/ wins over the per-user config.
		viper.AddConfigPath(".tether")
		viper.AddConfigPath(config.ConfigDir())
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	// A missing config file is fine; defaults apply.
	_ = viper.ReadInConfig()
	_ = viper.Unmarshal(&cfg)
}

// configFilePath returns the loaded config file, or the default location
// when none was found.
func configFilePath() string {
	if path := viper.ConfigFileUsed(); path != "" {
		return path
	}
	return filepath.Join(config.ConfigDir(), "config.yaml")
}

// initLogging enables the debug log when requested.
func initLogging() func() {
	if !debugFlag && os.Getenv("TETHER_DEBUG") == "" {
		return func() {}
	}

	logPath := os.Getenv("TETHER_LOG")
	if logPath == "" {
		logPath = config.DefaultLogPath()
	}
	cleanup, err := log.Init(logPath)
	if err != nil {
		return func() {}
	}
	log.Info(log.CatConfig, "tether starting", "version", version, "logPath", logPath)
	return cleanup
}

// workDir resolves the agent working directory from config or cwd.
func workDir() (string, error) {
	if cfg.Agent.WorkDir != "" {
		return filepath.Abs(cfg.Agent.WorkDir)
	}
	return os.Getwd()
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

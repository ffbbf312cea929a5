package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// === Defaults ===

func TestDefaults(t *testing.T) {
	cfg := Defaults()

	require.Equal(t, "codex", cfg.Agent.Command)
	require.Equal(t, "medium", cfg.Turn.Effort)
	require.Equal(t, "prompt", cfg.Approval.Policy)
	require.False(t, cfg.Approval.AllowToolCalls)
	require.Equal(t, 5, cfg.Reconnect.MaxAttempts)
	require.False(t, cfg.Tracing.Enabled)
	require.Equal(t, "file", cfg.Tracing.Exporter)
	require.Equal(t, 1.0, cfg.Tracing.SampleRate)
}

func TestConfigDir_UnderHome(t *testing.T) {
	dir := ConfigDir()
	if dir == "" {
		t.Skip("no home directory available")
	}
	require.True(t, strings.HasSuffix(dir, filepath.Join(".config", "tether")))
}

// === Save ===

func TestSave_CreatesMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	err := Save(path, TurnConfig{Model: "o4-mini", Effort: "high"})
	require.NoError(t, err)

	var parsed map[string]map[string]string
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, yaml.Unmarshal(data, &parsed))
	require.Equal(t, "o4-mini", parsed["turn"]["model"])
	require.Equal(t, "high", parsed["turn"]["effort"])
}

func TestSave_PreservesCommentsAndOtherSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	original := `# tether configuration
agent:
  # which executable to launch
  command: codex

turn:
  model: gpt-old
  effort: low
`
	require.NoError(t, os.WriteFile(path, []byte(original), 0o644))

	err := Save(path, TurnConfig{Model: "gpt-new", Effort: "high"})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)

	require.Contains(t, text, "# tether configuration")
	require.Contains(t, text, "# which executable to launch")
	require.Contains(t, text, "command: codex")

	var parsed map[string]map[string]string
	require.NoError(t, yaml.Unmarshal(data, &parsed))
	require.Equal(t, "gpt-new", parsed["turn"]["model"])
	require.Equal(t, "high", parsed["turn"]["effort"])
}

func TestSave_OmitsEmptyFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	err := Save(path, TurnConfig{Effort: "medium"})
	require.NoError(t, err)

	var parsed map[string]map[string]string
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, yaml.Unmarshal(data, &parsed))
	_, hasModel := parsed["turn"]["model"]
	require.False(t, hasModel)
	require.Equal(t, "medium", parsed["turn"]["effort"])
}

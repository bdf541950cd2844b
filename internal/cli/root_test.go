package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnv(string) (string, bool) { return "", false }

// executeCommand runs the root command with args and captures output.
func executeCommand(t *testing.T, lookupEnv func(string) (string, bool), args ...string) (string, error) {
	t.Helper()
	root := NewRootCmdWithEnv("test", lookupEnv)
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

func TestNewRootCmd(t *testing.T) {
	root := NewRootCmd("1.2.3")
	require.NotNil(t, root)
	assert.Equal(t, "batchmeter", root.Use)
	assert.Equal(t, "1.2.3", root.Version)

	names := make([]string, 0)
	for _, sub := range root.Commands() {
		names = append(names, sub.Name())
	}
	assert.Contains(t, names, "run")
	assert.Contains(t, names, "status")
	assert.Contains(t, names, "registry")
}

func TestRootCmd_Help(t *testing.T) {
	out, err := executeCommand(t, noEnv, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "batchmeter run --items")
}

func TestRunCmd_RequiresItems(t *testing.T) {
	_, err := executeCommand(t, noEnv, "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "items")
}

func TestRunCmd_RequiresJobCommand(t *testing.T) {
	dir := t.TempDir()
	items := filepath.Join(dir, "items.jsonl")
	require.NoError(t, os.WriteFile(items, []byte(`{"identity": "acme"}`), 0o600))

	_, err := executeCommand(t, noEnv, "run", "--items", items)
	assert.ErrorIs(t, err, ErrNoJobCommand)
}

func TestRootCmd_RejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "batchmeter.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("workers: 500\n"), 0o600))

	_, err := executeCommand(t, noEnv, "status", "--config", cfgPath)
	assert.Error(t, err)
}

func TestStatusCmd_EmptyState(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "batchmeter.yaml")
	cfg := "state_dir: " + filepath.Join(dir, "state") + "\nlogs_dir: " + filepath.Join(dir, "logs") + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))

	out, err := executeCommand(t, noEnv, "status", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "No checkpoint found")
	assert.Contains(t, out, "Registry:    0 items")
}

func TestRegistryStatsCmd(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "batchmeter.yaml")
	cfg := "state_dir: " + filepath.Join(dir, "state") + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))

	out, err := executeCommand(t, noEnv, "registry", "stats", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Registry: 0 items (0 succeeded, 0 failed)")
}

func TestRegistryResetCmd_RequiresConfirmation(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "batchmeter.yaml")
	cfg := "state_dir: " + filepath.Join(dir, "state") + "\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o600))

	_, err := executeCommand(t, noEnv, "registry", "reset", "--config", cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--yes")

	out, err := executeCommand(t, noEnv, "registry", "reset", "--yes", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Registry cleared")
}

func TestRunCmd_EnvOverridesConfig(t *testing.T) {
	env := func(key string) (string, bool) {
		if key == "BATCHMETER_WORKERS" {
			return "500", true
		}
		return "", false
	}

	// 500 workers is out of range, so validation in PersistentPreRunE fails.
	_, err := executeCommand(t, env, "status")
	assert.Error(t, err)
}

package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/liveconnect-go/internal/config"
)

// isolateEnv clears the environment overrides so the developer's own
// settings never leak into a test.
func isolateEnv(t *testing.T) {
	t.Helper()

	t.Setenv(config.EnvConfig, "")
	t.Setenv(config.EnvClientID, "")
	t.Setenv(config.EnvTokenPath, "")
}

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestBuildLogger_Levels(t *testing.T) {
	tests := []struct {
		name        string
		configLevel string
		flags       CLIFlags
		enabled     slog.Level
		disabled    slog.Level
	}{
		{"default is warn", "", CLIFlags{}, slog.LevelWarn, slog.LevelInfo},
		{"config info", "info", CLIFlags{}, slog.LevelInfo, slog.LevelDebug},
		{"config error", "error", CLIFlags{}, slog.LevelError, slog.LevelWarn},
		{"verbose wins over config", "error", CLIFlags{Verbose: true}, slog.LevelDebug, slog.LevelDebug - 1},
		{"quiet wins over verbose", "debug", CLIFlags{Verbose: true, Quiet: true}, slog.LevelError, slog.LevelWarn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := buildLogger(tt.configLevel, tt.flags).Handler()

			assert.True(t, h.Enabled(context.Background(), tt.enabled))
			assert.False(t, h.Enabled(context.Background(), tt.disabled))
		})
	}
}

func TestRootCmd_Subcommands(t *testing.T) {
	cmd := newRootCmd()

	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}

	for _, want := range []string{"login", "logout", "whoami", "get", "call", "download", "upload"} {
		assert.Contains(t, names, want)
	}
}

// runPreRun executes the root pre-run for the named subcommand with args
// and returns the installed CLIContext.
func runPreRun(t *testing.T, args ...string) (*CLIContext, error) {
	t.Helper()

	root := newRootCmd()

	var captured *CLIContext

	for _, c := range root.Commands() {
		c.RunE = func(cmd *cobra.Command, _ []string) error {
			captured = mustCLIContext(cmd.Context())
			return nil
		}
		c.Args = cobra.ArbitraryArgs
	}

	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())

	return captured, err
}

func TestPreRun_ResolvesConfigAndFlags(t *testing.T) {
	isolateEnv(t)

	cfgPath := writeConfigFile(t, `
client_id = "file-client"
log_level = "info"
`)

	cc, err := runPreRun(t, "whoami", "--config", cfgPath, "--client-id", "flag-client", "--json")
	require.NoError(t, err)
	require.NotNil(t, cc)

	assert.Equal(t, "flag-client", cc.Cfg.ClientID)
	assert.Equal(t, cfgPath, cc.Cfg.Path)
	assert.True(t, cc.Flags.JSON)
	assert.NotNil(t, cc.Logger)
}

func TestPreRun_LoginFlowFlag(t *testing.T) {
	isolateEnv(t)

	cfgPath := writeConfigFile(t, `login_flow = "device"`)

	cc, err := runPreRun(t, "login", "--config", cfgPath, "--browser")
	require.NoError(t, err)
	assert.Equal(t, "browser", cc.Cfg.LoginFlow)

	cc, err = runPreRun(t, "login", "--config", cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "device", cc.Cfg.LoginFlow)
}

func TestPreRun_LoginFlowFlagsExclusive(t *testing.T) {
	isolateEnv(t)

	cfgPath := writeConfigFile(t, ``)

	_, err := runPreRun(t, "login", "--config", cfgPath, "--browser", "--device")
	require.Error(t, err)
}

func TestPreRun_InvalidConfig(t *testing.T) {
	isolateEnv(t)

	cfgPath := writeConfigFile(t, `chunk_size = "1MiB"`)

	_, err := runPreRun(t, "get", "me", "--config", cfgPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading config")
	assert.Contains(t, err.Error(), "chunk_size")
}

func TestMustCLIContext_PanicsWithoutPreRun(t *testing.T) {
	assert.Panics(t, func() { mustCLIContext(context.Background()) })
}

func TestServeMetrics_EmptyAddrIsNoop(t *testing.T) {
	stop := serveMetrics("", nil, slog.Default())
	stop()
}

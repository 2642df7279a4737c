package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRoot(t *testing.T, configPath string) (*cobra.Command, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	root := NewRootCommand(Config{ConfigPath: configPath, OutputWriter: buf})
	root.SetOut(buf)
	root.SetErr(buf)
	return root, buf
}

func TestNewRootCommand_Subcommands(t *testing.T) {
	root, _ := newTestRoot(t, t.TempDir())

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "schedule", "process", "migrate", "sink", "account"}, names)

	for _, flag := range []string{"config", "log-level"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), flag)
	}
}

func TestScheduleCommand_Flags(t *testing.T) {
	cmd := NewScheduleCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--once", "--interval", "15s"}))

	once, err := cmd.Flags().GetBool("once")
	require.NoError(t, err)
	assert.True(t, once)

	interval, err := cmd.Flags().GetDuration("interval")
	require.NoError(t, err)
	assert.Equal(t, "15s", interval.String())
}

func TestServeCommand_Flags(t *testing.T) {
	cmd := NewServeCommand()
	require.NoError(t, cmd.ParseFlags([]string{"--with-scheduler"}))
	on, err := cmd.Flags().GetBool("with-scheduler")
	require.NoError(t, err)
	assert.True(t, on)
}

func TestRootCommand_ConfigErrorStopsCommand(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("broker: [unclosed\n"), 0o600))

	root, _ := newTestRoot(t, dir)
	root.SetArgs([]string{"migrate"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestRootCommand_InvalidConfigRejected(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("msgstore:\n  type: tape\n"), 0o600))

	root, _ := newTestRoot(t, dir)
	root.SetArgs([]string{"sink"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "msgstore.type")
}

func TestRootCommand_LogLevelOverride(t *testing.T) {
	root, _ := newTestRoot(t, t.TempDir())

	var level string
	probe := &cobra.Command{
		Use: "probe",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			level = rt.cfg.Logging.Level
			return nil
		},
	}
	root.AddCommand(probe)
	root.SetArgs([]string{"--log-level", "debug", "probe"})

	require.NoError(t, root.Execute())
	assert.Equal(t, "debug", level)
}

func TestGetRuntime_NotInitialized(t *testing.T) {
	cmd := NewSinkCommand()
	cmd.SetContext(t.Context())
	_, err := getRuntime(cmd)
	assert.Error(t, err)
}

func TestAccountCreate_RequiresEmail(t *testing.T) {
	root, _ := newTestRoot(t, t.TempDir())
	root.SetArgs([]string{"account", "create"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--email")

	root, _ = newTestRoot(t, t.TempDir())
	root.SetArgs([]string{"account", "create", "--email", "not-an-address"})
	assert.Error(t, root.Execute())
}

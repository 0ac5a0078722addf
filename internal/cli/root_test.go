package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/qtinav/internal/ir"
)

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "qtinav", cmd.Use)
	assert.Contains(t, cmd.Long, "branch rules")
	assert.Equal(t, ir.EngineVersion, cmd.Version)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := [][]string{
		{"compile"}, {"validate"}, {"serve"}, {"replay"}, {"test"}, {"trace"},
		{"offline", "fetch"}, {"offline", "navigate"}, {"offline", "exit"},
		{"offline", "suspend"}, {"offline", "resume"}, {"offline", "comment"},
		{"offline", "flag"}, {"offline", "status"}, {"offline", "sync"},
	}

	for _, path := range commands {
		name := path[len(path)-1]
		t.Run(name, func(t *testing.T) {
			subCmd, _, err := cmd.Find(path)
			require.NoError(t, err, "Command %v should exist", path)
			require.NotNil(t, subCmd)
			assert.Equal(t, name, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestCompileCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	compileCmd, _, err := cmd.Find([]string{"compile"})
	require.NoError(t, err)

	outputFlag := compileCmd.Flags().Lookup("output")
	require.NotNil(t, outputFlag)
	assert.Equal(t, "o", outputFlag.Shorthand)
	assert.NotNil(t, compileCmd.Flags().Lookup("publish"))
}

func TestOfflineNavigateFlags(t *testing.T) {
	cmd := NewRootCommand()
	navCmd, _, err := cmd.Find([]string{"offline", "navigate"})
	require.NoError(t, err)

	scope := navCmd.Flags().Lookup("scope")
	require.NotNil(t, scope)
	assert.Equal(t, "item", scope.DefValue)

	response := navCmd.Flags().Lookup("response")
	require.NotNil(t, response)
	assert.Equal(t, "r", response.Shorthand)

	assert.NotNil(t, navCmd.InheritedFlags().Lookup("server"))
}

func TestInvalidFormat(t *testing.T) {
	_, err := execute(t, "--format", "xml", "validate", specsDir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestMissingConfigFile(t *testing.T) {
	_, err := execute(t, "--config", "/nonexistent/qtinav.yaml", "trace")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to load config")
}

package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/qtinav/internal/ir"
)

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))
	assert.Equal(t, ExitCommandError, GetExitCode(NewExitError(ExitCommandError, "bad path")))

	wrapped := WrapExitError(ExitFailure, "validation failed", errors.New("E201"))
	assert.Equal(t, ExitFailure, GetExitCode(wrapped))
	assert.Equal(t, "validation failed: E201", wrapped.Error())
}

func TestSuccessJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: buf}
	require.NoError(t, f.Success(map[string]int{"maps": 2}))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Nil(t, resp.Error)
}

func TestErrorText(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "text", Writer: buf}
	require.NoError(t, f.Error("E005", "directory not found", nil))
	assert.Equal(t, "Error [E005]: directory not found\n", buf.String())
}

func TestEngineErrorCarriesCode(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: buf}

	err := f.EngineError(ir.NewSessionClosedError("e1"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.True(t, ir.IsSessionClosed(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, string(ir.ErrCodeSessionClosed), resp.Error.Code)
}

func TestEngineErrorInternal(t *testing.T) {
	buf := &bytes.Buffer{}
	f := &OutputFormatter{Format: "text", Writer: buf}

	err := f.EngineError(errors.New("disk full"))
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, buf.String(), string(ir.ErrCodeInternal))
	assert.Contains(t, buf.String(), "disk full")
}

func TestVerboseLogUsesErrWriter(t *testing.T) {
	out, diag := &bytes.Buffer{}, &bytes.Buffer{}
	f := &OutputFormatter{Format: "json", Writer: out, ErrWriter: diag, Verbose: true}
	f.VerboseLog("loaded %d file(s)", 2)
	assert.Empty(t, out.String())
	assert.Equal(t, "loaded 2 file(s)\n", diag.String())

	f.Verbose = false
	f.VerboseLog("hidden")
	assert.NotContains(t, diag.String(), "hidden")
}

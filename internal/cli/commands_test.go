package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strand/internal/devnode"
	"github.com/roach88/strand/internal/protocol"
	"github.com/roach88/strand/internal/streamid"
)

// cliEnv is a config file pointing every command at one shared in-process
// node, a temp store and a temp key.
type cliEnv struct {
	configPath string
	node       *devnode.Node
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	node, err := devnode.New(devnode.Options{SealEvery: 1})
	require.NoError(t, err)

	prev := newEmbeddedNode
	newEmbeddedNode = func() (*devnode.Node, error) { return node, nil }
	t.Cleanup(func() { newEmbeddedNode = prev })

	cfg := "node:\n  embedded: true\n" +
		"store:\n  path: " + filepath.Join(dir, "strand.db") + "\n" +
		"identity:\n  key_file: " + filepath.Join(dir, "strand.key") + "\n" +
		"sync:\n  interval: 0s\n" +
		"logging:\n  level: error\n"
	path := filepath.Join(dir, "strand.yml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return &cliEnv{configPath: path, node: node}
}

// exec runs the root command and returns stdout and the exit code.
func (e *cliEnv) exec(t *testing.T, args ...string) (string, int) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := cmd.Execute()
	return out.String(), GetExitCode(err)
}

// createGDM creates a group DM on the shared node through a session.
func (e *cliEnv) createGDM(t *testing.T) streamid.ID {
	t.Helper()
	f := &OutputFormatter{Format: "text", Writer: &bytes.Buffer{}}
	s, err := openSession(context.Background(), &RootOptions{ConfigPath: e.configPath}, f)
	require.NoError(t, err)
	defer s.Close()

	id := streamid.NewGDMID()
	_, err = s.registry.CreateStream(context.Background(), id, &protocol.InceptionPayload{StreamID: id})
	require.NoError(t, err)
	return id
}

func decodeData(t *testing.T, out string, v any) {
	t.Helper()
	var resp struct {
		Status string          `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "ok", resp.Status, out)
	require.NoError(t, json.Unmarshal(resp.Data, v))
}

func decodeError(t *testing.T, out string) *CLIError {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp), out)
	require.Equal(t, "error", resp.Status, out)
	require.NotNil(t, resp.Error)
	return resp.Error
}

func TestPostThenInspect(t *testing.T) {
	env := newCLIEnv(t)
	gdm := env.createGDM(t)

	out, code := env.exec(t, "--format", "json", "post", "--local-id", "draft-1", gdm.String(), "hello")
	require.Equal(t, ExitSuccess, code, out)
	var posted PostResult
	decodeData(t, out, &posted)
	assert.Equal(t, gdm.String(), posted.StreamID)
	assert.Equal(t, "draft-1", posted.LocalID)
	assert.NotEmpty(t, posted.EventID)
	assert.Equal(t, 1, posted.Attempts)

	out, code = env.exec(t, "--format", "json", "inspect", gdm.String())
	require.Equal(t, ExitSuccess, code, out)
	var report inspectReport
	decodeData(t, out, &report)
	assert.Equal(t, "gdm", report.Kind)
	assert.EqualValues(t, 1, report.LastMiniblockNum)
	assert.Equal(t, 1, report.Cleartexts)
	require.Len(t, report.Miniblocks, 2)
	assert.Equal(t, 1, report.Miniblocks[1].Events)

	out, code = env.exec(t, "--format", "json", "inspect")
	require.Equal(t, ExitSuccess, code, out)
	var listing streamListing
	decodeData(t, out, &listing)
	assert.Contains(t, listing.Streams, gdm.String())
}

func TestScrollbackReachesGenesis(t *testing.T) {
	env := newCLIEnv(t)
	gdm := env.createGDM(t)

	out, code := env.exec(t, "--format", "json", "scrollback", "--pages", "3", gdm.String())
	require.Equal(t, ExitSuccess, code, out)
	var report ScrollbackReport
	decodeData(t, out, &report)
	assert.True(t, report.Terminus)
	assert.Equal(t, 1, report.Pages)
	assert.EqualValues(t, 0, report.FromMiniblock)
}

func TestPostErrors(t *testing.T) {
	env := newCLIEnv(t)

	tests := []struct {
		name string
		args []string
		exit int
		code string
	}{
		{"malformed id", []string{"zz", "hi"}, ExitCommandError, CodeArgs},
		{"space stream", []string{streamid.NewSpaceID().String(), "hi"}, ExitCommandError, CodeArgs},
		{"unknown stream", []string{streamid.NewGDMID().String(), "hi"}, ExitCommandError, CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, code := env.exec(t, append([]string{"--format", "json", "post"}, tt.args...)...)
			assert.Equal(t, tt.exit, code)
			assert.Equal(t, tt.code, decodeError(t, out).Code)
		})
	}
}

func TestInspectMissingStream(t *testing.T) {
	env := newCLIEnv(t)

	out, code := env.exec(t, "--format", "json", "inspect", streamid.NewGDMID().String())
	assert.Equal(t, ExitCommandError, code)
	assert.Equal(t, CodeNotFound, decodeError(t, out).Code)
}

func TestBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strand.yml")
	require.NoError(t, os.WriteFile(path, []byte("sync:\n  mode: turbo\n"), 0o644))

	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--format", "json", "--config", path, "inspect"})
	err := cmd.Execute()

	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Equal(t, CodeConfig, decodeError(t, out.String()).Code)
}

func TestConfigCommands(t *testing.T) {
	env := newCLIEnv(t)

	out, code := env.exec(t, "config", "schema")
	require.Equal(t, ExitSuccess, code)
	var schema map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &schema))
	assert.Contains(t, schema, "properties")

	out, code = env.exec(t, "config", "show")
	require.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "embedded: true")
	assert.Contains(t, out, "mode: full")
}

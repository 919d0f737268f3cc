package config

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/strand/internal/protocol"
	"github.com/roach88/strand/internal/streamid"
	"github.com/roach88/strand/internal/syncctl"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestParseYAMLOverDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
node:
  url: ws://node.example:9000/rpc
sync:
  mode: lite
  interval: 500ms
  controller:
    network_concurrency: 4
commit:
  too_new_delay: 1500ms
scrollback:
  pages: 3
  exclude:
    - category: member
    - category: channel
      kind: reaction
`), "yaml")
	require.NoError(t, err)

	assert.Equal(t, "ws://node.example:9000/rpc", cfg.Node.URL)
	assert.Equal(t, syncctl.ModeLite, cfg.Sync.Mode)
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.Interval)
	assert.Equal(t, 4, cfg.Sync.Controller.NetworkConcurrency)
	assert.Equal(t, syncctl.DefaultPersistenceConcurrency, cfg.Sync.Controller.PersistenceConcurrency)
	assert.Equal(t, 1500*time.Millisecond, cfg.Commit.TooNewDelay)
	assert.Equal(t, 3, cfg.Commit.MaxStaleAttempts)
	assert.Equal(t, 3, cfg.Scrollback.Pages)
	assert.Equal(t, protocol.ExclusionFilter{
		{Category: protocol.CategoryMember},
		{Category: protocol.CategoryChannel, Kind: "reaction"},
	}, cfg.Scrollback.Exclude)
	assert.Equal(t, "strand.db", cfg.Store.Path)
}

func TestParseTOML(t *testing.T) {
	cfg, err := Parse([]byte(`
[store]
path = "/var/lib/strand.db"

[sync]
mode = "full"
wait_timeout = "5s"

[sync.controller]
batch_size = 25
`), "toml")
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/strand.db", cfg.Store.Path)
	assert.Equal(t, 5*time.Second, cfg.Sync.WaitTimeout)
	assert.Equal(t, 25, cfg.Sync.Controller.BatchSize)
}

func TestParseExpandsEnvVars(t *testing.T) {
	t.Setenv("STRAND_TEST_HOST", "relay.example")
	cfg, err := Parse([]byte(`
node:
  url: ws://${STRAND_TEST_HOST}/rpc
store:
  path: ${STRAND_TEST_UNSET:-fallback.db}
`), "yaml")
	require.NoError(t, err)

	assert.Equal(t, "ws://relay.example/rpc", cfg.Node.URL)
	assert.Equal(t, "fallback.db", cfg.Store.Path)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("STRAND_SYNC_MODE", "LITE")
	t.Setenv("STRAND_STORE_PATH", "override.db")
	cfg, err := Parse([]byte("store:\n  path: file.db\n"), "yaml")
	require.NoError(t, err)

	assert.Equal(t, syncctl.ModeLite, cfg.Sync.Mode)
	assert.Equal(t, "override.db", cfg.Store.Path)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte("sync:\n  moed: lite\n"), "yaml")
	assert.ErrorContains(t, err, "moed")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*Config)
		field string
	}{
		{"bad mode", func(c *Config) { c.Sync.Mode = "turbo" }, "sync.mode"},
		{"zero concurrency", func(c *Config) { c.Sync.Controller.NetworkConcurrency = 0 }, "sync.controller.network_concurrency"},
		{"negative interval", func(c *Config) { c.Sync.Interval = -time.Second }, "sync.interval"},
		{"http url", func(c *Config) { c.Node.URL = "http://node" }, "node.url"},
		{"no url", func(c *Config) { c.Node.URL = "" }, "node.url"},
		{"no store", func(c *Config) { c.Store.Path = "" }, "store.path"},
		{"bad stream id", func(c *Config) { c.Sync.HighPriority = []string{"zz"} }, "sync.high_priority"},
		{"no pages", func(c *Config) { c.Scrollback.Pages = 0 }, "scrollback.pages"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.edit(cfg)
			err := cfg.Validate()
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	t.Run("embedded needs no url", func(t *testing.T) {
		cfg := Default()
		cfg.Node.URL = ""
		cfg.Node.Embedded = true
		assert.NoError(t, cfg.Validate())
	})
}

func TestLoadFindsFileInParent(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "strand.yaml", "sync:\n  mode: lite\n")
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	path, err := FindConfigFile(nested)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "strand.yaml"), path)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, syncctl.ModeLite, cfg.Sync.Mode)
}

func TestFindConfigFileNotFound(t *testing.T) {
	_, err := FindConfigFile(t.TempDir())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadByExtension(t *testing.T) {
	path := writeFile(t, t.TempDir(), "strand.toml", "[scrollback]\npages = 7\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Scrollback.Pages)
}

func TestClientOptions(t *testing.T) {
	cfg := Default()
	cfg.Scrollback.Exclude = protocol.ExclusionFilter{{Category: protocol.CategoryMember}}
	opts := cfg.ClientOptions()
	assert.Equal(t, cfg.Commit, opts.Commit)
	assert.Equal(t, cfg.Sync.Interval, opts.SyncInterval)
	assert.Equal(t, cfg.Scrollback.Exclude, opts.ScrollbackFilter)
}

func TestGenerateSchema(t *testing.T) {
	data, err := GenerateSchema()
	require.NoError(t, err)

	var schema struct {
		Title      string                     `json:"title"`
		Properties map[string]json.RawMessage `json:"properties"`
	}
	require.NoError(t, json.Unmarshal(data, &schema))
	assert.Equal(t, "strand configuration", schema.Title)
	for _, key := range []string{"node", "store", "identity", "sync", "commit", "scrollback", "logging"} {
		assert.Contains(t, schema.Properties, key)
	}
	assert.Contains(t, string(data), "network_concurrency")
	assert.NotContains(t, string(data), `"Log"`)
}

func TestLoadFocus(t *testing.T) {
	hp := streamid.NewGDMID()
	fav := streamid.NewSpaceID()
	path := writeFile(t, t.TempDir(), "focus.yml",
		"high_priority:\n  - "+string(hp)+"\nfavorites:\n  - "+string(fav)+"\n")

	focus, err := LoadFocus(path)
	require.NoError(t, err)
	assert.Equal(t, []streamid.ID{hp}, focus.HighPriority)
	assert.Equal(t, []streamid.ID{fav}, focus.Favorites)

	bad := writeFile(t, t.TempDir(), "focus.yml", "high_priority: [nothex]\n")
	_, err = LoadFocus(bad)
	assert.ErrorIs(t, err, streamid.ErrMalformed)
}

func TestWatchFocusFile(t *testing.T) {
	dir := t.TempDir()
	first := streamid.NewGDMID()
	second := streamid.NewGDMID()
	path := writeFile(t, dir, "focus.yml", "high_priority: ["+string(first)+"]\n")

	var mu sync.Mutex
	var seen []Focus
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- WatchFocusFile(ctx, path, nil, func(f Focus) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, f)
		})
	}()
	last := func() []streamid.ID {
		mu.Lock()
		defer mu.Unlock()
		if len(seen) == 0 {
			return nil
		}
		return seen[len(seen)-1].HighPriority
	}

	require.Eventually(t, func() bool {
		ids := last()
		return len(ids) == 1 && ids[0] == first
	}, 2*time.Second, 10*time.Millisecond)

	writeFile(t, dir, "focus.yml", "high_priority: ["+string(second)+"]\n")
	require.Eventually(t, func() bool {
		ids := last()
		return len(ids) == 1 && ids[0] == second
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

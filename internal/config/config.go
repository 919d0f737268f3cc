// Package config loads the strand configuration file.
//
// A configuration is read from strand.yml, strand.yaml or strand.toml,
// ${VAR} references are expanded, the result is decoded over Default(), and
// STRAND_* environment variables override individual fields.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/roach88/strand/internal/client"
	"github.com/roach88/strand/internal/logging"
	"github.com/roach88/strand/internal/protocol"
	"github.com/roach88/strand/internal/streamid"
	"github.com/roach88/strand/internal/syncctl"
)

// Config is the full strand configuration.
type Config struct {
	Node       NodeConfig          `yaml:"node" json:"node"`
	Store      StoreConfig         `yaml:"store" json:"store"`
	Identity   IdentityConfig      `yaml:"identity" json:"identity"`
	Sync       SyncConfig          `yaml:"sync" json:"sync"`
	Commit     client.CommitPolicy `yaml:"commit" json:"commit"`
	Scrollback ScrollbackConfig    `yaml:"scrollback" json:"scrollback"`
	Logging    logging.Config      `yaml:"logging" json:"logging"`
}

// NodeConfig says where the stream node is.
type NodeConfig struct {
	// URL of a node's WebSocket endpoint. Ignored when Embedded is set.
	URL         string        `yaml:"url" json:"url,omitempty" jsonschema:"description=WebSocket URL of the stream node"`
	DialTimeout time.Duration `yaml:"dial_timeout" json:"dial_timeout,omitempty"`
	// Embedded runs an in-process development node instead of dialing.
	Embedded bool `yaml:"embedded" json:"embedded,omitempty"`
}

type StoreConfig struct {
	Path string `yaml:"path" json:"path" jsonschema:"description=SQLite database file"`
}

type IdentityConfig struct {
	// KeyFile holds a hex Ed25519 seed. It is created on first use.
	KeyFile string `yaml:"key_file" json:"key_file"`
}

// SyncConfig selects and tunes the sync controller.
type SyncConfig struct {
	Mode       syncctl.Mode    `yaml:"mode" json:"mode,omitempty" jsonschema:"enum=full,enum=lite"`
	Controller syncctl.Options `yaml:"controller" json:"controller"`
	// Interval is how often live streams poll the node. Zero disables
	// polling.
	Interval    time.Duration `yaml:"interval" json:"interval,omitempty"`
	WaitTimeout time.Duration `yaml:"wait_timeout" json:"wait_timeout,omitempty"`
	// Streams are synced in addition to the ones already persisted.
	Streams      []string `yaml:"streams" json:"streams,omitempty"`
	HighPriority []string `yaml:"high_priority" json:"high_priority,omitempty"`
	Favorites    []string `yaml:"favorites" json:"favorites,omitempty"`
	// FocusFile is watched for high-priority and favorite updates.
	FocusFile string `yaml:"focus_file" json:"focus_file,omitempty"`
}

type ScrollbackConfig struct {
	Exclude protocol.ExclusionFilter `yaml:"exclude" json:"exclude,omitempty"`
	Pages   int                      `yaml:"pages" json:"pages,omitempty"`
}

// Default returns the configuration used when no file sets a value.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			URL:         "ws://127.0.0.1:7171/ws",
			DialTimeout: 10 * time.Second,
		},
		Store:    StoreConfig{Path: "strand.db"},
		Identity: IdentityConfig{KeyFile: "strand.key"},
		Sync: SyncConfig{
			Mode: syncctl.ModeFull,
			Controller: syncctl.Options{
				PersistenceConcurrency: syncctl.DefaultPersistenceConcurrency,
				NetworkConcurrency:     syncctl.DefaultNetworkConcurrency,
				BatchSize:              syncctl.DefaultBatchSize,
				LiteTick:               syncctl.DefaultLiteTick,
			},
			Interval:    2 * time.Second,
			WaitTimeout: 30 * time.Second,
		},
		Commit:     client.DefaultCommitPolicy(),
		Scrollback: ScrollbackConfig{Pages: 1},
		Logging:    logging.Config{Level: "info", Format: "text"},
	}
}

// ValidationError reports one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Validate checks field ranges and stream ids.
func (c *Config) Validate() error {
	if !c.Node.Embedded && c.Node.URL == "" {
		return invalid("node.url", "required unless node.embedded is set")
	}
	if c.Node.URL != "" && !strings.HasPrefix(c.Node.URL, "ws://") && !strings.HasPrefix(c.Node.URL, "wss://") {
		return invalid("node.url", "must be a ws:// or wss:// URL, got %q", c.Node.URL)
	}
	if c.Store.Path == "" {
		return invalid("store.path", "required")
	}
	if c.Identity.KeyFile == "" {
		return invalid("identity.key_file", "required")
	}

	switch c.Sync.Mode {
	case syncctl.ModeFull, syncctl.ModeLite:
	default:
		return invalid("sync.mode", "must be %q or %q, got %q", syncctl.ModeFull, syncctl.ModeLite, c.Sync.Mode)
	}
	ctl := c.Sync.Controller
	for field, v := range map[string]int{
		"sync.controller.persistence_concurrency": ctl.PersistenceConcurrency,
		"sync.controller.network_concurrency":     ctl.NetworkConcurrency,
		"sync.controller.batch_size":              ctl.BatchSize,
		"commit.max_stale_attempts":               c.Commit.MaxStaleAttempts,
		"commit.max_confirmation_attempts":        c.Commit.MaxConfirmationAttempts,
	} {
		if v < 1 {
			return invalid(field, "must be at least 1, got %d", v)
		}
	}
	for field, d := range map[string]time.Duration{
		"sync.interval":             c.Sync.Interval,
		"sync.wait_timeout":         c.Sync.WaitTimeout,
		"commit.too_new_delay":      c.Commit.TooNewDelay,
		"commit.confirmation_delay": c.Commit.ConfirmationDelay,
	} {
		if d < 0 {
			return invalid(field, "must not be negative, got %s", d)
		}
	}
	if c.Scrollback.Pages < 1 {
		return invalid("scrollback.pages", "must be at least 1, got %d", c.Scrollback.Pages)
	}

	for field, ids := range map[string][]string{
		"sync.streams":       c.Sync.Streams,
		"sync.high_priority": c.Sync.HighPriority,
		"sync.favorites":     c.Sync.Favorites,
	} {
		if _, err := ParseStreamIDs(ids); err != nil {
			return invalid(field, "%v", err)
		}
	}
	return nil
}

// ParseStreamIDs parses and normalises ids.
func ParseStreamIDs(ids []string) ([]streamid.ID, error) {
	out := make([]streamid.ID, 0, len(ids))
	for _, s := range ids {
		id, err := streamid.Parse(s)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// ClientOptions maps the configuration onto registry options.
func (c *Config) ClientOptions() client.Options {
	return client.Options{
		Commit:           c.Commit,
		WaitTimeout:      c.Sync.WaitTimeout,
		ScrollbackFilter: c.Scrollback.Exclude,
		SyncInterval:     c.Sync.Interval,
	}
}

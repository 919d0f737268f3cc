package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/roach88/strand/internal/syncctl"
)

// FileNames are searched in order by FindConfigFile.
var FileNames = []string{"strand.yml", "strand.yaml", "strand.toml"}

// ErrNotFound is returned by FindConfigFile when no file exists.
var ErrNotFound = errors.New("no strand configuration file found")

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path, or the file FindConfigFile locates from the working
// directory when path is empty. With no file at all it returns the
// defaults with environment overrides applied.
func Load(path string) (*Config, error) {
	if path == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("get working directory: %w", err)
		}
		path, err = FindConfigFile(wd)
		if errors.Is(err, ErrNotFound) {
			return finish(Default())
		}
		if err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = "toml"
	}
	cfg, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data in format ("yaml" or "toml") over the defaults, then
// applies environment overrides and validates.
func Parse(data []byte, format string) (*Config, error) {
	expanded := []byte(expandEnvVars(string(data)))

	raw := make(map[string]any)
	switch format {
	case "yaml", "yml":
		if err := yaml.Unmarshal(expanded, &raw); err != nil {
			return nil, fmt.Errorf("parse YAML configuration: %w", err)
		}
	case "toml":
		if err := toml.Unmarshal(expanded, &raw); err != nil {
			return nil, fmt.Errorf("parse TOML configuration: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown configuration format %q", format)
	}

	cfg := Default()
	if err := decode(raw, cfg); err != nil {
		return nil, err
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode copies raw onto target using yaml field names. Unknown keys are
// an error so typos do not pass silently.
func decode(raw map[string]any, target *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:      target,
		TagName:     "yaml",
		ErrorUnused: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("failed to create mapstructure decoder: %w", err)
	}
	if err := decoder.Decode(raw); err != nil {
		return fmt.Errorf("decode configuration: %w", err)
	}
	return nil
}

// FindConfigFile searches startDir and its parents for a configuration
// file.
func FindConfigFile(startDir string) (string, error) {
	dir := startDir
	for {
		for _, name := range FileNames {
			path := filepath.Join(dir, name)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				return path, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%w (searched from %s)", ErrNotFound, startDir)
		}
		dir = parent
	}
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment values.
func expandEnvVars(content string) string {
	return envVarRegex.ReplaceAllStringFunc(content, func(match string) string {
		name := envVarRegex.FindStringSubmatch(match)[1]
		name, fallback, _ := strings.Cut(name, ":-")
		if value := os.Getenv(name); value != "" {
			return value
		}
		return fallback
	})
}

// applyEnv applies STRAND_* overrides.
func applyEnv(cfg *Config) {
	set := func(key string, f func(string)) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			f(v)
		}
	}
	set("STRAND_NODE_URL", func(v string) { cfg.Node.URL = v })
	set("STRAND_NODE_EMBEDDED", func(v string) { cfg.Node.Embedded = v == "true" || v == "1" })
	set("STRAND_STORE_PATH", func(v string) { cfg.Store.Path = v })
	set("STRAND_KEY_FILE", func(v string) { cfg.Identity.KeyFile = v })
	set("STRAND_SYNC_MODE", func(v string) { cfg.Sync.Mode = syncctl.Mode(strings.ToLower(v)) })
	set("STRAND_FOCUS_FILE", func(v string) { cfg.Sync.FocusFile = v })
	set("STRAND_LOG_LEVEL", func(v string) { cfg.Logging.Level = v })
	set("STRAND_LOG_FORMAT", func(v string) { cfg.Logging.Format = v })
}

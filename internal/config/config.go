// Package config loads dpictl's layered JSONC configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/dpi-conntrack/internal/logging"
	"github.com/calvinalkan/dpi-conntrack/internal/netns"
	"github.com/calvinalkan/dpi-conntrack/pkg/rcuhash"
)

// CurrentNamespace is the namespaces key naming the process's own namespace.
const CurrentNamespace = "current"

// FileName is the project config file looked up in the working directory.
const FileName = ".dpictl.json"

// Config holds all configuration options.
type Config struct {
	// From config files (serialized)
	BucketBits       int                 `json:"bucket_bits,omitempty"`
	ConntrackBuckets int                 `json:"conntrack_buckets,omitempty"`
	MaxHandles       int                 `json:"max_handles,omitempty"`
	PageSize         int                 `json:"page_size,omitempty"`
	LogLevel         string              `json:"log_level,omitempty"`
	MetricsAddr      string              `json:"metrics_addr,omitempty"`
	HistoryFile      string              `json:"history_file,omitempty"`
	ChurnInterval    string              `json:"churn_interval,omitempty"`
	ChurnTarget      int                 `json:"churn_target,omitempty"`
	ChurnResizeEvery int                 `json:"churn_resize_every,omitempty"`
	Namespaces       map[string][]string `json:"namespaces,omitempty"`

	// Resolved values (computed, not serialized)
	EffectiveCwd   string        `json:"-"`
	HistoryFileAbs string        `json:"-"`
	Verbosity      int           `json:"-"`
	ChurnEvery     time.Duration `json:"-"`

	// Sources tracks which config files were loaded (for diagnostics)
	Sources Sources `json:"-"`
}

// Sources tracks which config files were loaded.
type Sources struct {
	Global  string // Path to global config if loaded, empty otherwise
	Project string // Path to project config if loaded, empty otherwise
}

// Default returns the default configuration. It declares one handle,
// "test", in the current namespace.
func Default() Config {
	return Config{
		BucketBits:       rcuhash.DefaultBucketBits,
		ConntrackBuckets: 1024,
		MaxHandles:       4096,
		PageSize:         128,
		LogLevel:         "info",
		ChurnInterval:    "1ms",
		ChurnTarget:      256,
		ChurnResizeEvery: 5000,
		Namespaces:       map[string][]string{CurrentNamespace: {"test"}},
	}
}

// Overrides are values set on the command line; zero values are ignored.
type Overrides struct {
	LogLevel    string
	MetricsAddr string
	PageSize    int
}

// LoadInput holds the inputs for Load.
type LoadInput struct {
	WorkDirOverride string            // -C/--cwd flag value; if empty, os.Getwd() is used
	ConfigPath      string            // -c/--config flag value
	Overrides       Overrides         // CLI overrides
	Env             map[string]string // environment variables
}

// globalPath returns $XDG_CONFIG_HOME/dpictl/config.json, falling back to
// ~/.config/dpictl/config.json. Empty if neither variable is set.
func globalPath(env map[string]string) string {
	if xdg := env["XDG_CONFIG_HOME"]; xdg != "" {
		return filepath.Join(xdg, "dpictl", "config.json")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".config", "dpictl", "config.json")
	}

	return ""
}

// defaultHistoryPath returns $XDG_STATE_HOME/dpictl/history, falling back to
// ~/.local/state/dpictl/history.
func defaultHistoryPath(env map[string]string) string {
	if xdg := env["XDG_STATE_HOME"]; xdg != "" {
		return filepath.Join(xdg, "dpictl", "history")
	}

	if home := env["HOME"]; home != "" {
		return filepath.Join(home, ".local", "state", "dpictl", "history")
	}

	return ""
}

// Load loads configuration with the following precedence (highest wins):
// 1. Defaults
// 2. Global user config ($XDG_CONFIG_HOME/dpictl/config.json)
// 3. Project config file at default location (.dpictl.json, if exists)
// 4. Explicit config file via ConfigPath (replaces 3)
// 5. CLI overrides.
func Load(input LoadInput) (Config, error) {
	workDir := input.WorkDirOverride
	if workDir == "" {
		var err error

		workDir, err = os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("cannot get working directory: %w", err)
		}
	}

	cfg := Default()

	if path := globalPath(input.Env); path != "" {
		layer, loaded, err := loadFile(path, false)
		if err != nil {
			return Config{}, err
		}

		if loaded {
			cfg = merge(cfg, layer)
			cfg.Sources.Global = path
		}
	}

	projectPath, mustExist := filepath.Join(workDir, FileName), false
	if input.ConfigPath != "" {
		projectPath, mustExist = input.ConfigPath, true
		if !filepath.IsAbs(projectPath) {
			projectPath = filepath.Join(workDir, projectPath)
		}
	}

	layer, loaded, err := loadFile(projectPath, mustExist)
	if err != nil {
		return Config{}, err
	}

	if loaded {
		cfg = merge(cfg, layer)
		cfg.Sources.Project = projectPath
	}

	if o := input.Overrides; o.LogLevel != "" || o.MetricsAddr != "" || o.PageSize != 0 {
		cfg = merge(cfg, fileLayer{Config: Config{
			LogLevel:    o.LogLevel,
			MetricsAddr: o.MetricsAddr,
			PageSize:    o.PageSize,
		}})
	}

	if err := resolve(&cfg, workDir, input.Env); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Parse reads one JSONC document and validates it on top of the defaults.
// It does not consult any file or environment.
func Parse(data []byte) (Config, error) {
	layer, err := parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrConfigInvalid, err)
	}

	cfg := merge(Default(), layer)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// fileLayer is a parsed config file plus the keys it set explicitly empty.
type fileLayer struct {
	Config
	explicitEmpty map[string]bool
}

func loadFile(path string, mustExist bool) (fileLayer, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if mustExist {
				return fileLayer{}, false, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
			}

			return fileLayer{}, false, nil
		}

		return fileLayer{}, false, fmt.Errorf("%w %s: %w", ErrConfigFileRead, path, err)
	}

	layer, err := parse(data)
	if err != nil {
		return fileLayer{}, false, fmt.Errorf("%w %s: %w", ErrConfigInvalid, path, err)
	}

	return layer, true, nil
}

func parse(data []byte) (fileLayer, error) {
	standardized, err := hujson.Standardize(data)
	if err != nil {
		return fileLayer{}, fmt.Errorf("invalid JSONC: %w", err)
	}

	var layer fileLayer

	dec := json.NewDecoder(strings.NewReader(string(standardized)))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&layer.Config); err != nil {
		return fileLayer{}, fmt.Errorf("invalid JSON: %w", err)
	}

	// Strings set to "" and an empty namespaces object clear inherited values.
	var raw map[string]any

	_ = json.Unmarshal(standardized, &raw)

	layer.explicitEmpty = make(map[string]bool)

	for key, val := range raw {
		switch v := val.(type) {
		case string:
			if v == "" {
				layer.explicitEmpty[key] = true
			}
		case map[string]any:
			if len(v) == 0 {
				layer.explicitEmpty[key] = true
			}
		}
	}

	return layer, nil
}

func merge(base Config, overlay fileLayer) Config {
	o := overlay.Config

	if o.BucketBits != 0 {
		base.BucketBits = o.BucketBits
	}

	if o.ConntrackBuckets != 0 {
		base.ConntrackBuckets = o.ConntrackBuckets
	}

	if o.MaxHandles != 0 {
		base.MaxHandles = o.MaxHandles
	}

	if o.PageSize != 0 {
		base.PageSize = o.PageSize
	}

	if o.LogLevel != "" {
		base.LogLevel = o.LogLevel
	}

	if o.MetricsAddr != "" || overlay.explicitEmpty["metrics_addr"] {
		base.MetricsAddr = o.MetricsAddr
	}

	if o.HistoryFile != "" || overlay.explicitEmpty["history_file"] {
		base.HistoryFile = o.HistoryFile
	}

	if o.ChurnInterval != "" {
		base.ChurnInterval = o.ChurnInterval
	}

	if o.ChurnTarget != 0 {
		base.ChurnTarget = o.ChurnTarget
	}

	if o.ChurnResizeEvery != 0 {
		base.ChurnResizeEvery = o.ChurnResizeEvery
	}

	// A layer that declares namespaces replaces the whole declaration.
	if len(o.Namespaces) > 0 || overlay.explicitEmpty["namespaces"] {
		base.Namespaces = maps.Clone(o.Namespaces)
	}

	return base
}

func resolve(cfg *Config, workDir string, env map[string]string) error {
	if err := validate(*cfg); err != nil {
		return err
	}

	cfg.EffectiveCwd = workDir

	cfg.Verbosity, _ = logging.ParseLevel(cfg.LogLevel)
	cfg.ChurnEvery, _ = time.ParseDuration(cfg.ChurnInterval)

	switch {
	case cfg.HistoryFile == "":
		cfg.HistoryFileAbs = defaultHistoryPath(env)
	case filepath.IsAbs(cfg.HistoryFile):
		cfg.HistoryFileAbs = cfg.HistoryFile
	default:
		cfg.HistoryFileAbs = filepath.Join(workDir, cfg.HistoryFile)
	}

	return nil
}

func validate(cfg Config) error {
	if cfg.BucketBits < 0 || cfg.BucketBits > rcuhash.MaxBucketBits {
		return fmt.Errorf("%w: bucket_bits %d not in [0, %d]", ErrConfigInvalid, cfg.BucketBits, rcuhash.MaxBucketBits)
	}

	if cfg.ConntrackBuckets < 0 {
		return fmt.Errorf("%w: conntrack_buckets %d", ErrConfigInvalid, cfg.ConntrackBuckets)
	}

	if cfg.MaxHandles < 0 {
		return fmt.Errorf("%w: max_handles %d", ErrConfigInvalid, cfg.MaxHandles)
	}

	if cfg.PageSize < 0 {
		return fmt.Errorf("%w: page_size %d", ErrConfigInvalid, cfg.PageSize)
	}

	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("%w: log_level: %w", ErrConfigInvalid, err)
	}

	if d, err := time.ParseDuration(cfg.ChurnInterval); err != nil || d < 0 {
		return fmt.Errorf("%w: churn_interval %q", ErrConfigInvalid, cfg.ChurnInterval)
	}

	for _, key := range slices.Sorted(maps.Keys(cfg.Namespaces)) {
		if key == CurrentNamespace {
			continue
		}

		if _, err := netns.ParseID(key); err != nil {
			return fmt.Errorf("%w: namespaces: %w", ErrConfigInvalid, err)
		}
	}

	return nil
}

// NamespaceID resolves a namespaces key to an id. current is the process's
// own namespace.
func NamespaceID(key string, current netns.ID) (netns.ID, error) {
	if key == CurrentNamespace {
		return current, nil
	}

	return netns.ParseID(key)
}

// Format renders the serializable part of cfg as indented JSON.
func Format(cfg Config) (string, error) {
	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("format config: %w", err)
	}

	return string(out), nil
}

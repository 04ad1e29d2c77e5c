package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the configuration file looked up in the workspace root.
const FileName = "declsynth.yaml"

// Config holds all declsynth configuration.
type Config struct {
	// Generator settings
	Generator GeneratorConfig `yaml:"generator"`

	// Source corpus discovery
	Corpus CorpusConfig `yaml:"corpus"`

	// Where artifacts are written
	Output OutputConfig `yaml:"output"`

	// Pipeline cache persistence
	Cache CacheConfig `yaml:"cache"`

	// Watch mode
	Watch WatchConfig `yaml:"watch"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// GeneratorConfig configures the artifact template.
type GeneratorConfig struct {
	Suffix       string `yaml:"suffix"`        // appended to the type name, e.g. _Hi
	Template     string `yaml:"template"`      // inline text/template, overrides the built-in one
	TemplateFile string `yaml:"template_file"` // template read from a file (relative to the workspace)
	Workers      int    `yaml:"workers"`       // concurrent declaration evaluation, 0 = NumCPU
}

// OutputConfig configures the directory sink.
type OutputConfig struct {
	Dir       string `yaml:"dir"`
	Extension string `yaml:"extension"`
}

// CacheConfig configures persistence of the pipeline cache.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver"` // sqlite3 (cgo) or sqlite (pure Go)
	Path    string `yaml:"path"`
}

// WatchConfig configures watch mode.
type WatchConfig struct {
	Debounce string `yaml:"debounce"`
}

// ValidDrivers lists the supported database/sql driver names.
var ValidDrivers = []string{"sqlite3", "sqlite"}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Generator: GeneratorConfig{
			Suffix: "_Hi",
		},
		Corpus: DefaultCorpusConfig(),
		Output: OutputConfig{
			Dir:       "Generated",
			Extension: ".g.cs",
		},
		Cache: CacheConfig{
			Enabled: true,
			Driver:  "sqlite",
			Path:    ".declsynth/cache.db",
		},
		Watch: WatchConfig{
			Debounce: "300ms",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath returns the configuration path for a workspace.
func DefaultPath(workspace string) string {
	return filepath.Join(workspace, FileName)
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Defaults if the file doesn't exist
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if root := os.Getenv("DECLSYNTH_CORPUS_ROOT"); root != "" {
		c.Corpus.Root = root
	}
	if dir := os.Getenv("DECLSYNTH_OUTPUT_DIR"); dir != "" {
		c.Output.Dir = dir
	}
	if driver := os.Getenv("DECLSYNTH_CACHE_DRIVER"); driver != "" {
		c.Cache.Driver = driver
	}
	if path := os.Getenv("DECLSYNTH_CACHE_PATH"); path != "" {
		c.Cache.Path = path
	}
	if v := os.Getenv("DECLSYNTH_CACHE"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Cache.Enabled = enabled
		}
	}
	if v := os.Getenv("DECLSYNTH_DEBUG"); v != "" {
		if debug, err := strconv.ParseBool(v); err == nil {
			c.Logging.DebugMode = debug
		}
	}
}

// GetDebounce returns the watch debounce as a duration.
func (c *Config) GetDebounce() time.Duration {
	d, err := time.ParseDuration(c.Watch.Debounce)
	if err != nil || d <= 0 {
		return 300 * time.Millisecond
	}
	return d
}

// ResolvePath makes p absolute relative to the workspace.
func ResolvePath(workspace, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(workspace, p)
}

// LoadTemplate returns the template text to use: the inline template, then the
// template file, then "" for the built-in default.
func (c *Config) LoadTemplate(workspace string) (string, error) {
	if c.Generator.Template != "" {
		return c.Generator.Template, nil
	}
	if c.Generator.TemplateFile == "" {
		return "", nil
	}
	data, err := os.ReadFile(ResolvePath(workspace, c.Generator.TemplateFile))
	if err != nil {
		return "", fmt.Errorf("failed to read template: %w", err)
	}
	return string(data), nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Output.Dir == "" {
		return fmt.Errorf("output.dir is required")
	}
	if c.Output.Extension != "" && !strings.HasPrefix(c.Output.Extension, ".") {
		return fmt.Errorf("output.extension must start with '.': %q", c.Output.Extension)
	}
	if c.Generator.Suffix == "" {
		return fmt.Errorf("generator.suffix is required")
	}
	if strings.ContainsAny(c.Generator.Suffix, `/\. `) {
		return fmt.Errorf("generator.suffix must be usable in a type and file name: %q", c.Generator.Suffix)
	}
	if c.Generator.Workers < 0 || c.Corpus.Workers < 0 {
		return fmt.Errorf("worker counts must not be negative")
	}

	if c.Cache.Enabled {
		valid := false
		for _, d := range ValidDrivers {
			if c.Cache.Driver == d {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("invalid cache driver: %s (valid: %v)", c.Cache.Driver, ValidDrivers)
		}
		if c.Cache.Path == "" {
			return fmt.Errorf("cache.path is required when the cache is enabled")
		}
	}

	if c.Watch.Debounce != "" {
		if _, err := time.ParseDuration(c.Watch.Debounce); err != nil {
			return fmt.Errorf("invalid watch.debounce %q: %w", c.Watch.Debounce, err)
		}
	}
	return nil
}

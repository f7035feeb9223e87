package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/schaermu/manifesto/internal/manifest"
	"github.com/schaermu/manifesto/internal/profile"
)

// DefaultPath is used when --config is not given
const DefaultPath = "$HOME/.config/manifesto/config.yaml"

// Log formats
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Config represents the complete manifesto configuration
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Update  UpdateConfig  `yaml:"update"`
	OpenPGP OpenPGPConfig `yaml:"openpgp"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LogConfig configures logging
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// UpdateConfig holds defaults for update and create
type UpdateConfig struct {
	// Hashes is a whitespace-separated list, e.g. "SHA256 SHA512"
	Hashes  string `yaml:"hashes"`
	Profile string `yaml:"profile"`
	// CompressWatermark enables compression of sub-Manifests when set
	CompressWatermark *int64 `yaml:"compress_watermark"`
	CompressFormat    string `yaml:"compress_format"`
}

// OpenPGPConfig configures signature handling
type OpenPGPConfig struct {
	KeyFile string `yaml:"key_file"`
}

// MetricsConfig configures the Prometheus textfile export
type MetricsConfig struct {
	Textfile string `yaml:"textfile"`
}

// Default returns the configuration used when no file exists
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadOptional loads path, falling back to Default when the file does not
// exist. Used for the implicit default location only.
func LoadOptional(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// expandEnv expands environment variables in path fields
func (c *Config) expandEnv() {
	c.OpenPGP.KeyFile = os.ExpandEnv(c.OpenPGP.KeyFile)
	c.Metrics.Textfile = os.ExpandEnv(c.Metrics.Textfile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = FormatText
	}
	if c.Update.Profile == "" {
		c.Update.Profile = string(profile.KindDefault)
	}
	if c.Update.CompressFormat == "" {
		c.Update.CompressFormat = manifest.DefaultCompressFormat
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}

	switch c.Log.Format {
	case FormatText, FormatJSON:
	default:
		return fmt.Errorf("invalid log.format: %s (must be text or json)", c.Log.Format)
	}

	if c.Update.Hashes != "" {
		if _, err := manifest.ParseHashList(c.Update.Hashes); err != nil {
			return fmt.Errorf("update.hashes: %w", err)
		}
	}

	if _, err := profile.ByName(c.Update.Profile); err != nil {
		return fmt.Errorf("update.profile: %w", err)
	}

	if c.Update.CompressWatermark != nil && *c.Update.CompressWatermark < 0 {
		return fmt.Errorf("update.compress_watermark must not be negative: %d", *c.Update.CompressWatermark)
	}

	if err := manifest.ValidateCompressFormat(c.Update.CompressFormat); err != nil {
		return fmt.Errorf("update.compress_format: %w", err)
	}

	if c.OpenPGP.KeyFile != "" && !filepath.IsAbs(c.OpenPGP.KeyFile) {
		return fmt.Errorf("openpgp.key_file must be an absolute path: %s", c.OpenPGP.KeyFile)
	}

	return nil
}

// HashList returns the configured hashes, nil when none are set
func (c *Config) HashList() []string {
	fields := strings.Fields(c.Update.Hashes)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

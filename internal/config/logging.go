package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

var (
	logLevels  = []string{"debug", "info", "warn", "error"}
	logFormats = []string{"text", "json"}
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Dir    string `yaml:"dir"`    // changefeed.log and errors.log live here

	// Dedup collapses identical records logged within a flush window
	// into one record carrying a repeated_count attribute.
	Dedup bool `yaml:"dedup"`

	Rotation RotationConfig `yaml:"rotation"`
	Console  SinkConfig     `yaml:"console"`
	File     FileConfig     `yaml:"file"`
}

// RotationConfig is handed to lumberjack for both log files.
type RotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // MB
	MaxBackups int  `yaml:"max_backups"` // number of files
	MaxAge     int  `yaml:"max_age"`     // days
	Compress   bool `yaml:"compress"`
}

// SinkConfig is one log output. Empty level and format inherit the
// top-level values.
type SinkConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
}

// FileConfig is the rotating file output.
type FileConfig struct {
	SinkConfig `yaml:",inline"`

	// Async queues writes through a background goroutine.
	Async bool `yaml:"async"`
}

// DefaultLoggingConfig returns default logging configuration
func DefaultLoggingConfig() LoggingConfig {
	cfg := LoggingConfig{
		Level:  "info",
		Format: "text",
		Dir:    "logs",
		Rotation: RotationConfig{
			MaxSize:    100,
			MaxBackups: 10,
			MaxAge:     30,
			Compress:   true,
		},
		Console: SinkConfig{Enabled: true},
		File:    FileConfig{SinkConfig: SinkConfig{Enabled: true}},
	}
	cfg.Console.inherit(cfg.Level, cfg.Format)
	cfg.File.inherit(cfg.Level, cfg.Format)
	return cfg
}

// loadingDefaults is what configuration files are decoded over: both sinks
// are enabled and inherit the top-level level and format.
func loadingDefaults() LoggingConfig {
	cfg := DefaultLoggingConfig()
	cfg.Console = SinkConfig{Enabled: true}
	cfg.File.SinkConfig = SinkConfig{Enabled: true}
	return cfg
}

// inherit fills the sink from the top-level settings. Enabled is left as
// loaded; DefaultLoggingConfig enables both sinks before the file is read.
func (s *SinkConfig) inherit(level, format string) {
	if s.Level == "" {
		s.Level = level
	}
	if s.Format == "" {
		s.Format = format
	}
}

func (s *SinkConfig) validate(name string) error {
	if !s.Enabled {
		return nil
	}
	if !slices.Contains(logLevels, s.Level) {
		return fmt.Errorf("logging.%s.level: unknown level %q", name, s.Level)
	}
	if !slices.Contains(logFormats, s.Format) {
		return fmt.Errorf("logging.%s.format: unknown format %q", name, s.Format)
	}
	return nil
}

func (c *LoggingConfig) ApplyDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
	if c.Dir == "" {
		c.Dir = "logs"
	}
	if c.Rotation.MaxSize == 0 {
		c.Rotation.MaxSize = 100
	}
	if c.Rotation.MaxBackups == 0 {
		c.Rotation.MaxBackups = 10
	}
	if c.Rotation.MaxAge == 0 {
		c.Rotation.MaxAge = 30
	}
	// Compress stays as loaded: false cannot be told apart from unset.
	c.Console.inherit(c.Level, c.Format)
	c.File.inherit(c.Level, c.Format)
}

// ApplyEnvOverrides applies CHANGEFEED_LOG_LEVEL to every sink.
func (c *LoggingConfig) ApplyEnvOverrides() {
	if level := os.Getenv("CHANGEFEED_LOG_LEVEL"); level != "" {
		level = strings.ToLower(level)
		c.Level = level
		c.Console.Level = level
		c.File.Level = level
	}
}

// ResolvePaths resolves a relative log directory against dataDir.
func (c *LoggingConfig) ResolvePaths(_, dataDir string) {
	if c.Dir != "" && !filepath.IsAbs(c.Dir) {
		c.Dir = filepath.Clean(filepath.Join(dataDir, c.Dir))
	}
}

func (c *LoggingConfig) Validate() error {
	if !slices.Contains(logLevels, c.Level) {
		return fmt.Errorf("logging.level: unknown level %q", c.Level)
	}
	if !slices.Contains(logFormats, c.Format) {
		return fmt.Errorf("logging.format: unknown format %q", c.Format)
	}
	if err := c.Console.validate("console"); err != nil {
		return err
	}
	if err := c.File.validate("file"); err != nil {
		return err
	}
	if c.File.Enabled && c.Dir == "" {
		return errors.New("logging.dir is required when the file sink is enabled")
	}
	return nil
}

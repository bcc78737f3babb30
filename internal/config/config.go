package config

import (
	"log"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration
type Config struct {
	// DataDir is the base directory for runtime data (logs, checkpoints).
	DataDir string `yaml:"data_dir"`

	Mongo      MongoConfig      `yaml:"mongo"`
	Watch      WatchConfig      `yaml:"watch"`
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	Relay      RelayConfig      `yaml:"relay"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// LoadConfig loads configuration from files and environment variables
// Order: defaults -> config.yml -> config.local.yml -> ApplyEnvOverrides -> ResolvePaths -> Validate
func LoadConfig(configDir string) (*Config, error) {
	// 1. Start with default values (so YAML can override them, including bool fields)
	cfg := &Config{
		DataDir:    "data",
		Mongo:      DefaultMongoConfig(),
		Watch:      DefaultWatchConfig(),
		Checkpoint: DefaultCheckpointConfig(),
		Relay:      DefaultRelayConfig(),
		Supervisor: DefaultSupervisorConfig(),
		Metrics:    DefaultMetricsConfig(),
		Logging:    loadingDefaults(),
	}

	// 2. Load config.yml (overrides defaults)
	loadFile(filepath.Join(configDir, "config.yml"), cfg)

	// 3. Load config.local.yml (overrides config.yml)
	loadFile(filepath.Join(configDir, "config.local.yml"), cfg)

	if v := os.Getenv("CHANGEFEED_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "data"
	}

	// 4. Apply configuration lifecycle
	if err := ApplyServiceConfigs(configDir, cfg.DataDir,
		&cfg.Mongo,
		&cfg.Watch,
		&cfg.Checkpoint,
		&cfg.Relay,
		&cfg.Supervisor,
		&cfg.Metrics,
		&cfg.Logging,
	); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadFile(filename string, cfg *Config) {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return // File doesn't exist, skip
		}
		log.Printf("Warning: Error reading %s: %v", filename, err)
		return
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("Warning: Error parsing %s: %v", filename, err)
	}
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/syntrixbase/changefeed/internal/feed/events"
	"github.com/syntrixbase/changefeed/internal/feed/filter"
	"github.com/syntrixbase/changefeed/internal/feed/watcher"
	"go.mongodb.org/mongo-driver/bson"
)

// MongoConfig holds the watched collection.
type MongoConfig struct {
	URI            string        `yaml:"uri"`
	Database       string        `yaml:"database"`
	Collection     string        `yaml:"collection"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// DefaultMongoConfig returns sensible defaults for MongoConfig.
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		URI:            "mongodb://localhost:27017",
		Database:       "app",
		ConnectTimeout: 10 * time.Second,
	}
}

func (c *MongoConfig) ApplyDefaults() {
	if c.URI == "" {
		c.URI = "mongodb://localhost:27017"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
}

func (c *MongoConfig) ApplyEnvOverrides() {
	if v := os.Getenv("CHANGEFEED_MONGO_URI"); v != "" {
		c.URI = v
	}
	if v := os.Getenv("CHANGEFEED_MONGO_DATABASE"); v != "" {
		c.Database = v
	}
	if v := os.Getenv("CHANGEFEED_MONGO_COLLECTION"); v != "" {
		c.Collection = v
	}
}

func (c *MongoConfig) ResolvePaths(_, _ string) {}

func (c *MongoConfig) Validate() error {
	if c.URI == "" {
		return errors.New("mongo.uri is required")
	}
	if c.Database == "" {
		return errors.New("mongo.database is required")
	}
	if c.Collection == "" {
		return errors.New("mongo.collection is required")
	}
	return nil
}

// WatchConfig describes what the watcher delivers.
type WatchConfig struct {
	// Name identifies the watcher in logs, metrics and checkpoints.
	Name string `yaml:"name"`

	// Kinds: created, updated, deleted
	Kinds []string `yaml:"kinds"`

	// Match is a server-side $match on the change event.
	Match map[string]any `yaml:"match"`

	// Expr is a CEL expression over op, ns, key, doc and update.
	Expr string `yaml:"expr"`

	Projection []string `yaml:"projection"`
	BatchSize  int      `yaml:"batch_size"`
	OnlyIDs    bool     `yaml:"only_ids"`
	AutoResume bool     `yaml:"auto_resume"`
}

// DefaultWatchConfig returns sensible defaults for WatchConfig.
func DefaultWatchConfig() WatchConfig {
	return WatchConfig{
		Name:       "default",
		Kinds:      []string{"created", "updated", "deleted"},
		BatchSize:  watcher.DefaultBatchSize,
		AutoResume: true,
	}
}

func (c *WatchConfig) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "default"
	}
	if len(c.Kinds) == 0 {
		c.Kinds = []string{"created", "updated", "deleted"}
	}
	if c.BatchSize == 0 {
		c.BatchSize = watcher.DefaultBatchSize
	}
}

func (c *WatchConfig) ApplyEnvOverrides() {}

func (c *WatchConfig) ResolvePaths(_, _ string) {}

// Validate checks the watch section with the same rules Start applies.
func (c *WatchConfig) Validate() error {
	if c.Name == "" {
		return errors.New("watch.name is required")
	}
	opts, err := c.Options()
	if err != nil {
		return err
	}
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	// Compiles the expression.
	if _, err := filter.Build(filter.Options{
		Kinds:      opts.Kinds,
		Filter:     opts.Filter,
		Projection: opts.Projection,
		OnlyIDs:    opts.OnlyIDs,
	}, filter.Shape{}); err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	return nil
}

// Options converts the section into watcher options.
func (c *WatchConfig) Options() (watcher.Options, error) {
	kinds, err := events.ParseKinds(c.Kinds)
	if err != nil {
		return watcher.Options{}, fmt.Errorf("watch.kinds: %w", err)
	}

	opts := watcher.Options{
		Kinds:      kinds,
		Projection: c.Projection,
		BatchSize:  c.BatchSize,
		OnlyIDs:    c.OnlyIDs,
		AutoResume: c.AutoResume,
	}
	if len(c.Match) > 0 || c.Expr != "" {
		opts.Filter = &filter.Predicate{Match: toD(c.Match), Expr: c.Expr}
	}
	return opts, nil
}

// toD orders map keys so the resulting $match is deterministic.
func toD(m map[string]any) bson.D {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	d := make(bson.D, 0, len(m))
	for _, k := range keys {
		d = append(d, bson.E{Key: k, Value: m[k]})
	}
	return d
}

// CheckpointConfig holds resume position persistence configuration.
type CheckpointConfig struct {
	// Backend: "mongodb", "pebble" or "none"
	Backend string `yaml:"backend"`

	// Collection for the mongodb backend
	Collection string `yaml:"collection"`

	// Path for the pebble backend
	Path string `yaml:"path"`

	// Time-based checkpoint interval
	Interval time.Duration `yaml:"interval"`

	// Always checkpoint on graceful shutdown
	OnShutdown bool `yaml:"on_shutdown"`
}

// DefaultCheckpointConfig returns sensible defaults for CheckpointConfig.
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		Backend:    "pebble",
		Collection: "_changefeed_checkpoints",
		Path:       "checkpoints",
		Interval:   time.Second,
		OnShutdown: true,
	}
}

func (c *CheckpointConfig) ApplyDefaults() {
	if c.Backend == "" {
		c.Backend = "pebble"
	}
	if c.Collection == "" {
		c.Collection = "_changefeed_checkpoints"
	}
	if c.Path == "" {
		c.Path = "checkpoints"
	}
	if c.Interval == 0 {
		c.Interval = time.Second
	}
}

func (c *CheckpointConfig) ApplyEnvOverrides() {
	if v := os.Getenv("CHANGEFEED_CHECKPOINT_BACKEND"); v != "" {
		c.Backend = v
	}
}

func (c *CheckpointConfig) ResolvePaths(_, dataDir string) {
	if c.Path != "" && !filepath.IsAbs(c.Path) {
		c.Path = filepath.Clean(filepath.Join(dataDir, c.Path))
	}
}

func (c *CheckpointConfig) Validate() error {
	switch c.Backend {
	case "mongodb", "pebble", "none":
	default:
		return fmt.Errorf("checkpoint.backend must be 'mongodb', 'pebble' or 'none', got %q", c.Backend)
	}
	if c.Backend == "pebble" && c.Path == "" {
		return errors.New("checkpoint.path is required for the pebble backend")
	}
	if c.Interval <= 0 {
		return errors.New("checkpoint.interval must be positive")
	}
	return nil
}

// RelayConfig holds the NATS JetStream relay configuration.
type RelayConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	Stream        string        `yaml:"stream"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	MemoryStorage bool          `yaml:"memory_storage"`
	MaxAge        time.Duration `yaml:"max_age"`
}

// DefaultRelayConfig returns sensible defaults for RelayConfig.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		URL:           "nats://localhost:4222",
		Stream:        "CHANGEFEED",
		SubjectPrefix: "changefeed",
		MaxAge:        24 * time.Hour,
	}
}

func (c *RelayConfig) ApplyDefaults() {
	if c.URL == "" {
		c.URL = "nats://localhost:4222"
	}
	if c.Stream == "" {
		c.Stream = "CHANGEFEED"
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = "changefeed"
	}
}

func (c *RelayConfig) ApplyEnvOverrides() {
	if v := os.Getenv("CHANGEFEED_NATS_URL"); v != "" {
		c.URL = v
		c.Enabled = true
	}
}

func (c *RelayConfig) ResolvePaths(_, _ string) {}

func (c *RelayConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.URL == "" {
		return errors.New("relay.url is required when the relay is enabled")
	}
	if c.MaxAge < 0 {
		return errors.New("relay.max_age must not be negative")
	}
	return nil
}

// SupervisorConfig holds the automatic restart policy.
type SupervisorConfig struct {
	Enabled         bool          `yaml:"enabled"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxElapsed      time.Duration `yaml:"max_elapsed"` // 0 retries forever
	StableAfter     time.Duration `yaml:"stable_after"`
}

// DefaultSupervisorConfig returns sensible defaults for SupervisorConfig.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		Enabled:         true,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		MaxElapsed:      10 * time.Minute,
		StableAfter:     time.Minute,
	}
}

func (c *SupervisorConfig) ApplyDefaults() {
	if c.InitialInterval == 0 {
		c.InitialInterval = 500 * time.Millisecond
	}
	if c.MaxInterval == 0 {
		c.MaxInterval = 30 * time.Second
	}
	if c.StableAfter == 0 {
		c.StableAfter = time.Minute
	}
}

func (c *SupervisorConfig) ApplyEnvOverrides() {}

func (c *SupervisorConfig) ResolvePaths(_, _ string) {}

func (c *SupervisorConfig) Validate() error {
	if c.InitialInterval <= 0 || c.MaxInterval <= 0 {
		return errors.New("supervisor intervals must be positive")
	}
	if c.InitialInterval > c.MaxInterval {
		return errors.New("supervisor.initial_interval must not exceed supervisor.max_interval")
	}
	if c.MaxElapsed < 0 {
		return errors.New("supervisor.max_elapsed must not be negative")
	}
	return nil
}

// MetricsConfig holds the metrics and health HTTP endpoint configuration.
type MetricsConfig struct {
	Address    string `yaml:"address"`
	Path       string `yaml:"path"`
	HealthPath string `yaml:"health_path"`
}

// DefaultMetricsConfig returns sensible defaults for MetricsConfig.
func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Address:    ":9090",
		Path:       "/metrics",
		HealthPath: "/healthz",
	}
}

func (c *MetricsConfig) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "/metrics"
	}
	if c.HealthPath == "" {
		c.HealthPath = "/healthz"
	}
}

func (c *MetricsConfig) ApplyEnvOverrides() {
	if v := os.Getenv("CHANGEFEED_METRICS_ADDRESS"); v != "" {
		c.Address = v
	}
}

func (c *MetricsConfig) ResolvePaths(_, _ string) {}

// Validate accepts an empty address, which disables the endpoint.
func (c *MetricsConfig) Validate() error {
	if c.Address != "" && c.Path == c.HealthPath {
		return errors.New("metrics.path and metrics.health_path must differ")
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ken/pokescan/pkg/builder"
	"github.com/ken/pokescan/pkg/classify"
	"github.com/ken/pokescan/pkg/core/distance"
	"github.com/ken/pokescan/pkg/source"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Model      ModelConfig      `yaml:"model"`
	Index      IndexConfig      `yaml:"index"`
	Sources    SourcesConfig    `yaml:"sources"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Camera     CameraConfig     `yaml:"camera"`
	Storage    StorageConfig    `yaml:"storage"`
	View       ViewConfig       `yaml:"view"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ModelConfig selects the embedding model
type ModelConfig struct {
	Kind     string        `yaml:"kind"` // handcrafted or http
	Name     string        `yaml:"name"`
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// IndexConfig holds index build configuration
type IndexConfig struct {
	Metric           string `yaml:"metric"`
	FirstID          int    `yaml:"first_id"`
	LastID           int    `yaml:"last_id"`
	Augmentations    int    `yaml:"augmentations"`
	FetchConcurrency int    `yaml:"fetch_concurrency"`
	Lookahead        int    `yaml:"lookahead"`
	EmptyClassPolicy string `yaml:"empty_class_policy"`
}

// SourcesConfig holds reference image configuration
type SourcesConfig struct {
	Variants  []source.Variant `yaml:"variants"`
	CachePath string           `yaml:"cache_path"`
	CacheTTL  time.Duration    `yaml:"cache_ttl"`
}

// ClassifierConfig holds scan tuning
type ClassifierConfig struct {
	K           int     `yaml:"k"`
	Threshold   float64 `yaml:"threshold"`
	Weighting   string  `yaml:"weighting"`
	MaxDistance float32 `yaml:"max_distance"`
}

// CameraConfig holds camera configuration
type CameraConfig struct {
	Enabled      bool              `yaml:"enabled"`
	FFmpegPath   string            `yaml:"ffmpeg_path"`
	Devices      map[string]string `yaml:"devices"`
	Facing       string            `yaml:"facing"`
	Width        int               `yaml:"width"`
	Height       int               `yaml:"height"`
	ReadyTimeout time.Duration     `yaml:"ready_timeout"`
}

// StorageConfig holds storage for imported files. An empty spool
// directory keeps them in memory.
type StorageConfig struct {
	SpoolDir string `yaml:"spool_dir"`
}

// ViewConfig holds view synthesis configuration
type ViewConfig struct {
	Seed int64 `yaml:"seed"` // 0 seeds from the clock
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		Model: ModelConfig{
			Kind:    "handcrafted",
			Timeout: 30 * time.Second,
		},
		Index: IndexConfig{
			Metric:           string(distance.Cosine),
			FirstID:          1,
			LastID:           151,
			Augmentations:    builder.DefaultAugmentations,
			FetchConcurrency: builder.DefaultFetchConcurrency,
			Lookahead:        builder.DefaultLookahead,
			EmptyClassPolicy: string(builder.PolicySkip),
		},
		Sources: SourcesConfig{
			Variants:  source.DefaultVariants(),
			CachePath: "./data/refs.db",
		},
		Classifier: ClassifierConfig{
			K:         classify.DefaultK,
			Threshold: classify.DefaultThreshold,
			Weighting: string(classify.WeightInverseDistance),
		},
		Camera: CameraConfig{
			Enabled: true,
			Devices: map[string]string{
				"environment": "/dev/video0",
				"":            "/dev/video0",
			},
			Facing:       "environment",
			Width:        1280,
			Height:       720,
			ReadyTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig loads the configuration from a file
func LoadConfig(path string) (*Config, error) {
	// Start with default config
	config := DefaultConfig()

	// Resolve absolute path
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	// Check if the file exists
	_, err = os.Stat(absPath)
	if os.IsNotExist(err) {
		return config, nil // Return default config if file doesn't exist
	}

	// Read the file
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveConfig saves the configuration to a file
func SaveConfig(config *Config, path string) error {
	// Convert config to YAML
	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Write to file
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv overrides fields from POKESCAN_* variables found by lookup
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
		return nil
	}

	str("POKESCAN_HOST", &c.Server.Host)
	str("POKESCAN_MODEL_KIND", &c.Model.Kind)
	str("POKESCAN_MODEL_ENDPOINT", &c.Model.Endpoint)
	str("POKESCAN_CACHE_PATH", &c.Sources.CachePath)
	str("POKESCAN_SPOOL_DIR", &c.Storage.SpoolDir)
	str("POKESCAN_LOG_LEVEL", &c.Logging.Level)
	str("POKESCAN_LOG_FORMAT", &c.Logging.Format)

	if err := errors.Join(
		num("POKESCAN_PORT", &c.Server.Port),
		num("POKESCAN_K", &c.Classifier.K),
		num("POKESCAN_AUGMENTATIONS", &c.Index.Augmentations),
	); err != nil {
		return err
	}

	if v, ok := lookup("POKESCAN_THRESHOLD"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("POKESCAN_THRESHOLD: %w", err)
		}
		c.Classifier.Threshold = f
	}
	if v, ok := lookup("POKESCAN_SEED"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("POKESCAN_SEED: %w", err)
		}
		c.View.Seed = n
	}
	return nil
}

// Validate checks the configuration for values the components reject
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}

	switch c.Model.Kind {
	case "handcrafted":
	case "http":
		if c.Model.Endpoint == "" {
			errs = append(errs, errors.New("model.endpoint is required for the http model"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown model.kind %q", c.Model.Kind))
	}

	if _, err := distance.GetMetric(distance.MetricType(c.Index.Metric)); err != nil {
		errs = append(errs, fmt.Errorf("index.metric: %w", err))
	}
	if c.Index.FirstID < 1 || c.Index.LastID < c.Index.FirstID {
		errs = append(errs, fmt.Errorf("index id range %d..%d is empty", c.Index.FirstID, c.Index.LastID))
	}
	if c.Index.Augmentations < 0 {
		errs = append(errs, errors.New("index.augmentations must be >= 0"))
	}
	if c.Index.Lookahead < 0 {
		errs = append(errs, errors.New("index.lookahead must be >= 0"))
	}
	if _, err := builder.ParsePolicy(c.Index.EmptyClassPolicy); err != nil {
		errs = append(errs, fmt.Errorf("index.empty_class_policy: %w", err))
	}

	if len(c.Sources.Variants) == 0 {
		errs = append(errs, errors.New("sources.variants is empty"))
	}

	if c.Classifier.K < 1 {
		errs = append(errs, errors.New("classifier.k must be >= 1"))
	}
	if !(c.Classifier.Threshold >= 0 && c.Classifier.Threshold <= 1) {
		errs = append(errs, errors.New("classifier.threshold must be within [0, 1]"))
	}
	if _, err := classify.ParseWeighting(c.Classifier.Weighting); err != nil {
		errs = append(errs, fmt.Errorf("classifier.weighting: %w", err))
	}
	if c.Classifier.MaxDistance < 0 {
		errs = append(errs, errors.New("classifier.max_distance must be >= 0"))
	}

	if c.Camera.Width < 0 || c.Camera.Height < 0 {
		errs = append(errs, errors.New("camera size must be >= 0"))
	}

	return errors.Join(errs...)
}

// Addr returns the listen address
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

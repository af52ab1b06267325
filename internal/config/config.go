// Package config loads the engine configuration from YAML with environment overrides.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	"github.com/PRSENTINEL/internal/types"
	"gopkg.in/yaml.v3"
)

// Config is the root of prsentinel.yaml
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	NATS      NATSConfig      `yaml:"nats"`
	Logging   LoggingConfig   `yaml:"logging"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Conflict  ConflictConfig  `yaml:"conflict"`
	Review    ReviewConfig    `yaml:"review"`
	Sync      SyncConfig      `yaml:"sync"`
	Alerts    AlertsConfig    `yaml:"alerts"`
	Sources   []SourceSeed    `yaml:"sources"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type StorageConfig struct {
	DBPath           string        `yaml:"db_path"`
	EventRetention   time.Duration `yaml:"event_retention"`
	MetricsRetention time.Duration `yaml:"metrics_retention"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
}

type NATSConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	JetStream bool   `yaml:"jetstream"`
	DataDir   string `yaml:"data_dir"`
}

type LoggingConfig struct {
	Mode  string `yaml:"mode"`
	Level string `yaml:"level"`
}

// RetrievalConfig tunes the retrieval engine
type RetrievalConfig struct {
	MaxResults    int           `yaml:"max_results"`
	SourceTimeout time.Duration `yaml:"source_timeout"`
	SemanticDims  int           `yaml:"semantic_dims"`
}

// ConflictConfig tunes topic grouping in the conflict detector
type ConflictConfig struct {
	TopicThreshold float64 `yaml:"topic_threshold"`
}

// Weights maps each scored category to its share of the overall score
type Weights map[types.Category]float64

// ReviewConfig tunes the orchestrator
type ReviewConfig struct {
	DefaultMode     string             `yaml:"default_mode"`
	FileConcurrency int                `yaml:"file_concurrency"`
	Weights         map[string]Weights `yaml:"weights"`
	// PRDir holds <prId>.json snapshots used when a start request lists no files
	PRDir           string             `yaml:"pr_dir"`
}

// SyncConfig tunes source re-ingestion
type SyncConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	StaleAfter    time.Duration `yaml:"stale_after"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	OnStartup     bool          `yaml:"on_startup"`
	WatchFiles    bool          `yaml:"watch_files"`
}

// AlertsConfig holds dashboard alert thresholds. Zero disables a check.
type AlertsConfig struct {
	BlockedReviewsMax int           `yaml:"blocked_reviews_max"`
	FailedReviewsMax  int           `yaml:"failed_reviews_max"`
	MinAverageScore   float64       `yaml:"min_average_score"`
	SourceErrorsMax   int           `yaml:"source_errors_max"`
	CheckInterval     time.Duration `yaml:"check_interval"`
}

// SourceSeed registers a source at startup, optionally with inline items
type SourceSeed struct {
	types.KnowledgeSource `yaml:",inline"`
	Items                 []types.KnowledgeItem `yaml:"items"`
}

// DefaultWeights is the per-mode category weighting table
func DefaultWeights() map[string]Weights {
	return map[string]Weights{
		"performance": {
			types.CategoryPerformance: 0.40,
			types.CategoryTesting:     0.30,
			types.CategoryStyle:       0.20,
			types.CategorySecurity:    0.10,
		},
		"security": {
			types.CategorySecurity:    0.50,
			types.CategoryTesting:     0.20,
			types.CategoryPerformance: 0.15,
			types.CategoryStyle:       0.15,
		},
		"style": {
			types.CategoryStyle:       0.50,
			types.CategoryTesting:     0.20,
			types.CategoryPerformance: 0.15,
			types.CategorySecurity:    0.15,
		},
		"testing": {
			types.CategoryTesting:     0.50,
			types.CategoryStyle:       0.20,
			types.CategoryPerformance: 0.15,
			types.CategorySecurity:    0.15,
		},
		"comprehensive": {
			types.CategoryPerformance: 0.25,
			types.CategorySecurity:    0.25,
			types.CategoryStyle:       0.25,
			types.CategoryTesting:     0.25,
		},
	}
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server: ServerConfig{Port: 3000},
		Storage: StorageConfig{
			DBPath:           "data/prsentinel.db",
			EventRetention:   72 * time.Hour,
			MetricsRetention: 7 * 24 * time.Hour,
			CleanupInterval:  10 * time.Minute,
		},
		NATS: NATSConfig{
			Enabled:   false,
			Port:      4222,
			JetStream: true,
			DataDir:   "data/nats",
		},
		Logging: LoggingConfig{Mode: "dev", Level: "info"},
		Retrieval: RetrievalConfig{
			MaxResults:    10,
			SourceTimeout: 2 * time.Second,
			SemanticDims:  256,
		},
		Conflict: ConflictConfig{TopicThreshold: 0.2},
		Review: ReviewConfig{
			DefaultMode:     "comprehensive",
			FileConcurrency: 4,
			Weights:         DefaultWeights(),
		},
		Sync: SyncConfig{
			Timeout:       30 * time.Second,
			StaleAfter:    7 * 24 * time.Hour,
			SweepInterval: time.Hour,
			OnStartup:     true,
			WatchFiles:    true,
		},
		Alerts: AlertsConfig{
			BlockedReviewsMax: 5,
			FailedReviewsMax:  3,
			MinAverageScore:   60,
			SourceErrorsMax:   1,
			CheckInterval:     time.Minute,
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parsing config %s: %w", path, err)
			}
		case os.IsNotExist(err):
		default:
			return cfg, fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	mergeWeights(&cfg)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PRSENTINEL_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("PRSENTINEL_DB"); v != "" {
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("PRSENTINEL_LOG_MODE"); v != "" {
		cfg.Logging.Mode = v
	}
	if v := os.Getenv("PRSENTINEL_NATS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.NATS.Enabled = b
		}
	}
}

// mergeWeights fills modes the file did not mention from the default table
func mergeWeights(cfg *Config) {
	if cfg.Review.Weights == nil {
		cfg.Review.Weights = map[string]Weights{}
	}
	for mode, w := range DefaultWeights() {
		if _, ok := cfg.Review.Weights[mode]; !ok {
			cfg.Review.Weights[mode] = w
		}
	}
}

// Validate checks cross-field constraints
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Retrieval.MaxResults <= 0 {
		return fmt.Errorf("retrieval.max_results must be positive")
	}
	if c.Conflict.TopicThreshold <= 0 || c.Conflict.TopicThreshold > 1 {
		return fmt.Errorf("conflict.topic_threshold must be in (0,1]")
	}
	if _, ok := c.Review.Weights[c.Review.DefaultMode]; !ok {
		return fmt.Errorf("review.default_mode %q has no weight table", c.Review.DefaultMode)
	}
	for mode, w := range c.Review.Weights {
		var sum float64
		for cat, v := range w {
			if v < 0 {
				return fmt.Errorf("review.weights.%s.%s is negative", mode, cat)
			}
			sum += v
		}
		if math.Abs(sum-1) > 0.01 {
			return fmt.Errorf("review.weights.%s sums to %.2f, want 1.0", mode, sum)
		}
	}
	for _, s := range c.Sources {
		if err := s.KnowledgeSource.Validate(); err != nil {
			return fmt.Errorf("sources: %w", err)
		}
	}
	return nil
}

// WeightsFor returns the weight table for mode, falling back to the default mode
func (c Config) WeightsFor(mode string) Weights {
	if w, ok := c.Review.Weights[mode]; ok {
		return w
	}
	return c.Review.Weights[c.Review.DefaultMode]
}

package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Snapshot  SnapshotConfig  `yaml:"snapshot" mapstructure:"snapshot"`
	Differ    DifferConfig    `yaml:"differ" mapstructure:"differ"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Gemini    GeminiConfig    `yaml:"gemini" mapstructure:"gemini"`
	Enrich    EnrichConfig    `yaml:"enrich" mapstructure:"enrich"`
	Index     IndexConfig     `yaml:"index" mapstructure:"index"`
	Schedule  ScheduleConfig  `yaml:"schedule" mapstructure:"schedule"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// SnapshotConfig configures the catalog snapshot source.
type SnapshotConfig struct {
	URL            string  `yaml:"url" mapstructure:"url"`
	TimeoutSecs    int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
	MaxRetries     int     `yaml:"max_retries" mapstructure:"max_retries"`
}

// DifferConfig configures snapshot reconciliation.
type DifferConfig struct {
	// RemovalMisses is how many consecutive snapshots an item must be
	// absent from before it is hard deleted.
	RemovalMisses int `yaml:"removal_misses" mapstructure:"removal_misses"`
	// MinSnapshotRatio guards against truncated snapshots: a snapshot
	// smaller than this fraction of the stored catalog aborts the
	// diff with an anomaly.
	MinSnapshotRatio float64 `yaml:"min_snapshot_ratio" mapstructure:"min_snapshot_ratio"`
}

// AnthropicConfig holds the vision model settings.
type AnthropicConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	VisionModel string `yaml:"vision_model" mapstructure:"vision_model"`
	MaxTokens   int    `yaml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// GeminiConfig holds the embedding model settings.
type GeminiConfig struct {
	Key            string `yaml:"key" mapstructure:"key"`
	BaseURL        string `yaml:"base_url" mapstructure:"base_url"`
	EmbeddingModel string `yaml:"embedding_model" mapstructure:"embedding_model"`
	TimeoutSecs    int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// EnrichConfig configures the enrichment engine.
type EnrichConfig struct {
	Workers int `yaml:"workers" mapstructure:"workers"`
	// AICallsPerSec is the shared throughput ceiling across all AI
	// calls in a run, vision and embedding combined.
	AICallsPerSec float64 `yaml:"ai_calls_per_sec" mapstructure:"ai_calls_per_sec"`
	AIBurst       int     `yaml:"ai_burst" mapstructure:"ai_burst"`
	MaxRetries    int     `yaml:"max_retries" mapstructure:"max_retries"`
}

// IndexConfig configures the vector/hash index.
type IndexConfig struct {
	Dir       string `yaml:"dir" mapstructure:"dir"`
	Dimension int    `yaml:"dimension" mapstructure:"dimension"`
	// KeepGenerations is how many published generations to retain on
	// disk, the current one included.
	KeepGenerations  int `yaml:"keep_generations" mapstructure:"keep_generations"`
	HashMaxDistance  int `yaml:"hash_max_distance" mapstructure:"hash_max_distance"`
	HashNearDistance int `yaml:"hash_near_distance" mapstructure:"hash_near_distance"`
}

// ScheduleConfig configures the nightly pipeline trigger.
type ScheduleConfig struct {
	Cron     string `yaml:"cron" mapstructure:"cron"`
	Timezone string `yaml:"timezone" mapstructure:"timezone"`
}

// ServerConfig configures the query/webhook server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("WATCHVINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "catalog.db")
	v.SetDefault("snapshot.timeout_secs", 120)
	v.SetDefault("snapshot.requests_per_sec", 2.0)
	v.SetDefault("snapshot.max_retries", 3)
	v.SetDefault("differ.removal_misses", 2)
	v.SetDefault("differ.min_snapshot_ratio", 0.5)
	v.SetDefault("anthropic.vision_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.timeout_secs", 60)
	v.SetDefault("gemini.base_url", "https://generativelanguage.googleapis.com/v1beta")
	v.SetDefault("gemini.embedding_model", "gemini-embedding-001")
	v.SetDefault("gemini.timeout_secs", 30)
	v.SetDefault("enrich.workers", 4)
	v.SetDefault("enrich.ai_calls_per_sec", 1.0)
	v.SetDefault("enrich.ai_burst", 2)
	v.SetDefault("enrich.max_retries", 4)
	v.SetDefault("index.dir", "index")
	v.SetDefault("index.dimension", 768)
	v.SetDefault("index.keep_generations", 2)
	v.SetDefault("index.hash_max_distance", 5)
	v.SetDefault("index.hash_near_distance", 10)
	v.SetDefault("schedule.cron", "0 0 * * *")
	v.SetDefault("schedule.timezone", "Asia/Tokyo")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

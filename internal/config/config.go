package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Config holds all process settings, populated from environment variables.
type Config struct {
	Job             string
	DataDir         string
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	// RunInterval of zero runs the job once and exits.
	RunInterval time.Duration
	ClearFirst  bool

	// Source fetch settings.
	FetchTimeout     time.Duration
	RetryMaxAttempts int
	RetryDelay       time.Duration
	EarthdataUser    string
	EarthdataKey     string

	// Dataset catalog settings.
	CatalogURL           string
	CatalogToken         string
	CatalogEnabled       bool
	CatalogFlushAttempts int
	CatalogFlushDelay    time.Duration
	CatalogCacheTTL      time.Duration

	// Raster asset store: "disk" or "s3".
	AssetStore        string
	AssetRoot         string
	S3Bucket          string
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string

	// Tabular store: "postgres" or "clickhouse".
	TableStore         string
	PostgresDSN        string
	ClickHouseAddr     string
	ClickHouseDatabase string
	ClickHouseUser     string
	ClickHousePassword string

	// Optional ingest event stream.
	KafkaBrokers     []string
	KafkaEventsTopic string
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Job:             os.Getenv("INGEST_JOB"),
		DataDir:         sharedcfg.EnvOrDefault("DATA_DIR", "data"),
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,
		ClearFirst:      os.Getenv("CLEAR_FIRST") == "true",

		EarthdataUser: os.Getenv("EARTHDATA_USER"),
		EarthdataKey:  os.Getenv("EARTHDATA_KEY"),

		CatalogURL: sharedcfg.EnvOrDefault("CATALOG_URL", "https://api.resourcewatch.org/v1"),

		AssetStore:        sharedcfg.EnvOrDefault("ASSET_STORE", "disk"),
		AssetRoot:         sharedcfg.EnvOrDefault("ASSET_ROOT", "assets"),
		S3Bucket:          os.Getenv("S3_BUCKET"),
		S3Region:          os.Getenv("S3_REGION"),
		S3Endpoint:        os.Getenv("S3_ENDPOINT"),
		S3AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
		S3SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),

		TableStore:         sharedcfg.EnvOrDefault("TABLE_STORE", "postgres"),
		PostgresDSN:        os.Getenv("POSTGRES_DSN"),
		ClickHouseAddr:     sharedcfg.EnvOrDefault("CLICKHOUSE_ADDR", "localhost:9000"),
		ClickHouseDatabase: sharedcfg.EnvOrDefault("CLICKHOUSE_DATABASE", "default"),
		ClickHouseUser:     sharedcfg.EnvOrDefault("CLICKHOUSE_USER", "default"),
		ClickHousePassword: os.Getenv("CLICKHOUSE_PASSWORD"),

		KafkaEventsTopic: sharedcfg.EnvOrDefault("KAFKA_EVENTS_TOPIC", "nrt-ingest-events"),
	}

	if cfg.RunInterval, err = parseDuration("RUN_INTERVAL", "0s", true); err != nil {
		return nil, err
	}
	if cfg.FetchTimeout, err = parseDuration("FETCH_TIMEOUT", "5m", false); err != nil {
		return nil, err
	}
	if cfg.RetryDelay, err = parseDuration("RETRY_DELAY", "5s", true); err != nil {
		return nil, err
	}
	if cfg.CatalogFlushDelay, err = parseDuration("CATALOG_FLUSH_DELAY", "60s", true); err != nil {
		return nil, err
	}
	if cfg.CatalogCacheTTL, err = parseDuration("CATALOG_CACHE_TTL", "10m", false); err != nil {
		return nil, err
	}
	if cfg.RetryMaxAttempts, err = parsePositiveInt("RETRY_MAX_ATTEMPTS", 3); err != nil {
		return nil, err
	}
	if cfg.CatalogFlushAttempts, err = parsePositiveInt("CATALOG_FLUSH_ATTEMPTS", 3); err != nil {
		return nil, err
	}

	// apiToken is the legacy name of the catalog token variable.
	cfg.CatalogToken = os.Getenv("CATALOG_TOKEN")
	if cfg.CatalogToken == "" {
		cfg.CatalogToken = os.Getenv("apiToken")
	}
	cfg.CatalogEnabled = cfg.CatalogToken != ""
	if v := os.Getenv("CATALOG_ENABLED"); v != "" {
		cfg.CatalogEnabled = v == "true"
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = sharedcfg.ParseBrokers(brokers)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.AssetStore {
	case "disk", "s3":
	default:
		return fmt.Errorf("invalid ASSET_STORE %q: want disk or s3", c.AssetStore)
	}
	if c.AssetStore == "s3" && c.S3Bucket == "" {
		return errors.New("ASSET_STORE is s3 but S3_BUCKET is not set")
	}
	switch c.TableStore {
	case "postgres", "clickhouse":
	default:
		return fmt.Errorf("invalid TABLE_STORE %q: want postgres or clickhouse", c.TableStore)
	}
	if c.CatalogEnabled && c.CatalogToken == "" {
		return errors.New("CATALOG_ENABLED is true but CATALOG_TOKEN is not set")
	}
	if c.KafkaEventsTopic == "" {
		return errors.New("KAFKA_EVENTS_TOPIC is required")
	}
	return nil
}

// EventsEnabled reports whether ingest events are published to Kafka.
func (c *Config) EventsEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

func parseDuration(key, def string, allowZero bool) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, def))
	if err != nil || d < 0 || (d == 0 && !allowZero) {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

func parsePositiveInt(key string, def int) (int, error) {
	s := os.Getenv(key)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return n, nil
}

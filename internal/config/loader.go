package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "relay.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "RELAY_PORT")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "RELAY_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "RELAY_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "RELAY_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "RELAY_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "RELAY_PG_HEALTH_CHECK")

	setString(&cfg.NATS.URL, "NATS_URL")
	setBool(&cfg.NATS.Nudges, "RELAY_NATS_NUDGES")

	// Store
	setString(&cfg.Store.Backend, "RELAY_STORE_BACKEND")
	setString(&cfg.Store.Bucket, "RELAY_STORE_BUCKET")
	setString(&cfg.Store.SQLitePath, "RELAY_STORE_SQLITE_PATH")

	// Archive
	setString(&cfg.Archive.Backend, "RELAY_ARCHIVE_BACKEND")
	setString(&cfg.Archive.Stream, "RELAY_ARCHIVE_STREAM")
	setDuration(&cfg.Archive.Interval, "RELAY_ARCHIVE_INTERVAL")
	setDuration(&cfg.Archive.Retention, "RELAY_ARCHIVE_RETENTION")
	setBool(&cfg.Archive.DeleteAfterArchive, "RELAY_ARCHIVE_DELETE")

	// Handoff
	setDuration(&cfg.Handoff.PollInterval, "RELAY_POLL_INTERVAL")
	setDuration(&cfg.Handoff.AwaitPollInterval, "RELAY_AWAIT_POLL_INTERVAL")
	setInt(&cfg.Handoff.MaxCASAttempts, "RELAY_MAX_CAS_ATTEMPTS")
	setDuration(&cfg.Handoff.DefaultTimeout, "RELAY_DEFAULT_TIMEOUT")
	setBool(&cfg.Handoff.CancelOnTimeout, "RELAY_CANCEL_ON_TIMEOUT")

	// Estimator
	setInt(&cfg.Estimator.BaseLines, "RELAY_ESTIMATOR_BASE_LINES")
	setInt(&cfg.Estimator.LinesPerExport, "RELAY_ESTIMATOR_LINES_PER_EXPORT")
	setFloat64(&cfg.Estimator.DefaultTokensPerLine, "RELAY_ESTIMATOR_TOKENS_PER_LINE")
	setBool(&cfg.Estimator.Calibrate, "RELAY_ESTIMATOR_CALIBRATE")

	// Cache
	setInt64(&cfg.Cache.L1MaxSizeMB, "RELAY_CACHE_L1_SIZE_MB")
	setDuration(&cfg.Cache.TTL, "RELAY_CACHE_TTL")
	setString(&cfg.Cache.Bucket, "RELAY_CACHE_BUCKET")

	setString(&cfg.Logging.Level, "RELAY_LOG_LEVEL")
	setString(&cfg.Logging.Service, "RELAY_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "RELAY_LOG_ASYNC")

	setInt(&cfg.Breaker.MaxFailures, "RELAY_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "RELAY_BREAKER_TIMEOUT")

	// OTEL
	setBool(&cfg.OTEL.Enabled, "RELAY_OTEL_ENABLED")
	setString(&cfg.OTEL.Endpoint, "RELAY_OTEL_ENDPOINT")
	setString(&cfg.OTEL.ServiceName, "RELAY_OTEL_SERVICE_NAME")
	setBool(&cfg.OTEL.Insecure, "RELAY_OTEL_INSECURE")
	setFloat64(&cfg.OTEL.SampleRate, "RELAY_OTEL_SAMPLE_RATE")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	switch cfg.Store.Backend {
	case "nats":
		if cfg.NATS.URL == "" {
			return errors.New("nats.url is required for store.backend nats")
		}
		if cfg.Store.Bucket == "" {
			return errors.New("store.bucket is required for store.backend nats")
		}
	case "sqlite":
		if cfg.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path is required for store.backend sqlite")
		}
	default:
		return fmt.Errorf("store.backend %q must be nats or sqlite", cfg.Store.Backend)
	}
	switch cfg.Archive.Backend {
	case "postgres":
		if cfg.Postgres.DSN == "" {
			return errors.New("postgres.dsn is required for archive.backend postgres")
		}
		if cfg.Postgres.MaxConns < 1 {
			return errors.New("postgres.max_conns must be >= 1")
		}
	case "nats":
		if cfg.NATS.URL == "" || cfg.Archive.Stream == "" {
			return errors.New("nats.url and archive.stream are required for archive.backend nats")
		}
	case "none":
	default:
		return fmt.Errorf("archive.backend %q must be postgres, nats or none", cfg.Archive.Backend)
	}
	if cfg.Archive.Backend != "none" && cfg.Archive.Interval <= 0 {
		return errors.New("archive.interval must be > 0")
	}
	if cfg.Archive.Retention < 0 {
		return errors.New("archive.retention must be >= 0")
	}
	if cfg.Handoff.PollInterval <= 0 || cfg.Handoff.AwaitPollInterval <= 0 {
		return errors.New("handoff poll intervals must be > 0")
	}
	if cfg.Handoff.MaxCASAttempts < 1 {
		return errors.New("handoff.max_cas_attempts must be >= 1")
	}
	if cfg.Handoff.DefaultTimeout <= 0 {
		return errors.New("handoff.default_timeout must be > 0")
	}
	if cfg.Estimator.BaseLines < 0 || cfg.Estimator.LinesPerExport < 1 {
		return errors.New("estimator.lines_per_export must be >= 1 and base_lines >= 0")
	}
	if cfg.Estimator.DefaultTokensPerLine <= 0 {
		return errors.New("estimator.default_tokens_per_line must be > 0")
	}
	if cfg.Cache.L1MaxSizeMB < 0 {
		return errors.New("cache.l1_max_size_mb must be >= 0")
	}
	if cfg.Logging.Async && (cfg.Logging.BufferSize < 1 || cfg.Logging.Workers < 1) {
		return errors.New("logging.buffer_size and logging.workers must be >= 1 when async")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.OTEL.SampleRate < 0 || cfg.OTEL.SampleRate > 1 {
		return errors.New("otel.sample_rate must be within [0, 1]")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"research-job-service/internal/client"
)

// Config is shared by the api, worker and jobwatch binaries. Each binary
// reads the sections it needs.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Stream   StreamConfig   `yaml:"stream"`
	Worker   WorkerConfig   `yaml:"worker"`
	Client   ClientConfig   `yaml:"client"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

type PostgresConfig struct {
	DSN     string `yaml:"dsn"`
	Migrate bool   `yaml:"migrate"`
}

// RedisConfig holds the connection and the key layout of the work queue
// and the event channels.
type RedisConfig struct {
	Addr          string `yaml:"addr"`
	QueueKey      string `yaml:"queue_key"`
	ProcessingKey string `yaml:"processing_key"`
	EventPrefix   string `yaml:"event_prefix"`
}

// StreamConfig controls the server side of /jobs/{id}/events
type StreamConfig struct {
	Heartbeat time.Duration `yaml:"heartbeat"`
}

type WorkerConfig struct {
	Workers      int           `yaml:"workers"`
	ClaimTimeout time.Duration `yaml:"claim_timeout"`
	ReapInterval time.Duration `yaml:"reap_interval"` // 0 reaps once at startup
	StepDelay    time.Duration `yaml:"step_delay"`
}

// ClientConfig configures jobwatch.
type ClientConfig struct {
	BaseURL     string                  `yaml:"base_url"`
	IdleTimeout time.Duration           `yaml:"idle_timeout"`
	Supervisor  client.SupervisorConfig `yaml:"supervisor"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// Load reads the YAML file at path (a missing file is not an error), expands
// environment variables in it, applies environment overrides and fills in
// defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			// Expand environment variables in the config
			expanded := os.ExpandEnv(string(data))
			if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	return &cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Port = envIntOr("PORT", cfg.Server.Port)
	cfg.Postgres.DSN = envOr("POSTGRES_DSN", cfg.Postgres.DSN)
	cfg.Redis.Addr = envOr("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.QueueKey = envOr("REDIS_QUEUE_KEY", cfg.Redis.QueueKey)
	cfg.Redis.ProcessingKey = envOr("REDIS_PROCESSING_KEY", cfg.Redis.ProcessingKey)
	cfg.Worker.Workers = envIntOr("WORKERS", cfg.Worker.Workers)
	cfg.Client.BaseURL = envOr("JOBS_API_URL", cfg.Client.BaseURL)
	cfg.Logging.Level = envOr("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = envOr("LOG_FORMAT", cfg.Logging.Format)
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"*"}
	}
	if cfg.Redis.QueueKey == "" {
		cfg.Redis.QueueKey = "jobs:queue"
	}
	if cfg.Redis.ProcessingKey == "" {
		cfg.Redis.ProcessingKey = "jobs:processing"
	}
	if cfg.Redis.EventPrefix == "" {
		cfg.Redis.EventPrefix = "jobs"
	}
	if cfg.Stream.Heartbeat == 0 {
		cfg.Stream.Heartbeat = 15 * time.Second
	}
	if cfg.Worker.Workers <= 0 {
		cfg.Worker.Workers = 4
	}
	if cfg.Worker.ClaimTimeout == 0 {
		cfg.Worker.ClaimTimeout = 5 * time.Second
	}
	if cfg.Worker.StepDelay == 0 {
		cfg.Worker.StepDelay = 500 * time.Millisecond
	}
	if cfg.Client.BaseURL == "" {
		cfg.Client.BaseURL = "http://localhost:8080"
	}
	if cfg.Client.IdleTimeout == 0 {
		// three missed heartbeats
		cfg.Client.IdleTimeout = 3 * cfg.Stream.Heartbeat
	}
	def := client.DefaultSupervisorConfig()
	if cfg.Client.Supervisor.Backoff == (client.BackoffConfig{}) {
		cfg.Client.Supervisor.Backoff = def.Backoff
	}
	if cfg.Client.Supervisor.InitialSnapshotTimeout == 0 {
		cfg.Client.Supervisor.InitialSnapshotTimeout = def.InitialSnapshotTimeout
	}
	if cfg.Client.Supervisor.SnapshotTimeout == 0 {
		cfg.Client.Supervisor.SnapshotTimeout = def.SnapshotTimeout
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// ProcessingMapKey is the hash that remembers which lane a claimed job came
// from.
func (c RedisConfig) ProcessingMapKey() string {
	return c.ProcessingKey + ":map"
}

func envOr(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

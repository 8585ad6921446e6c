// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Postgres, Redis, Kafka, Realtime, RateLimit, Dispatch, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted by the dispatch and bridge sections.
const (
	BackendRedis = "redis"
	BackendKafka = "kafka"
)

// Rate-limit modes.
const (
	RateLimitModeAtomic          = "atomic"
	RateLimitModeCheckThenRecord = "check-then-record"
)

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	AllowedOrigins  []string      `yaml:"allowedOrigins"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// RedisConfig holds Redis connection and caching parameters.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// KafkaConfig holds Kafka broker and topic settings. Kafka is only dialled
// when the dispatch or bridge backend is set to "kafka".
type KafkaConfig struct {
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	Jobs      string `yaml:"jobs"`
	Questions string `yaml:"questions"`
	Answers   string `yaml:"answers"`
}

// RealtimeConfig controls the WebSocket endpoints and the cross-instance bridge.
type RealtimeConfig struct {
	SendQueueSize     int           `yaml:"sendQueueSize"`
	WriteTimeout      time.Duration `yaml:"writeTimeout"`
	PongTimeout       time.Duration `yaml:"pongTimeout"`
	PingInterval      time.Duration `yaml:"pingInterval"`
	MaxMessageBytes   int64         `yaml:"maxMessageBytes"`
	InboundRatePerSec float64       `yaml:"inboundRatePerSec"`
	InboundBurst      int           `yaml:"inboundBurst"`
	Bridge            BridgeConfig  `yaml:"bridge"`
}

// BridgeConfig controls re-broadcasting of notifications published by other
// server instances.
type BridgeConfig struct {
	Enabled bool   `yaml:"enabled"`
	Backend string `yaml:"backend"`
}

// RateLimitConfig controls the per-identity write cooldown.
type RateLimitConfig struct {
	Window time.Duration `yaml:"window"`
	Mode   string        `yaml:"mode"`
}

// DispatchConfig controls question notification and job fan-out.
type DispatchConfig struct {
	Backend             string        `yaml:"backend"`
	JobStream           string        `yaml:"jobStream"`
	QuestionChannel     string        `yaml:"questionChannel"`
	AnswerChannel       string        `yaml:"answerChannel"`
	Timeout             time.Duration `yaml:"timeout"`
	BreakerThreshold    int           `yaml:"breakerThreshold"`
	BreakerResetTimeout time.Duration `yaml:"breakerResetTimeout"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the rest of the application cannot work with.
func (c *Config) Validate() error {
	switch c.RateLimit.Mode {
	case RateLimitModeAtomic, RateLimitModeCheckThenRecord:
	default:
		return fmt.Errorf("rateLimit.mode: unknown mode %q", c.RateLimit.Mode)
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("rateLimit.window must be positive, got %v", c.RateLimit.Window)
	}
	if err := validBackend("dispatch.backend", c.Dispatch.Backend); err != nil {
		return err
	}
	if err := validBackend("realtime.bridge.backend", c.Realtime.Bridge.Backend); err != nil {
		return err
	}
	if c.Realtime.SendQueueSize <= 0 {
		return fmt.Errorf("realtime.sendQueueSize must be positive, got %d", c.Realtime.SendQueueSize)
	}
	if c.Dispatch.Backend == BackendKafka || (c.Realtime.Bridge.Enabled && c.Realtime.Bridge.Backend == BackendKafka) {
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required when a kafka backend is selected")
		}
	}
	return nil
}

func validBackend(field, v string) error {
	switch v {
	case BackendRedis, BackendKafka:
		return nil
	default:
		return fmt.Errorf("%s: unknown backend %q", field, v)
	}
}

// Defaults returns a Config with defaults for local development.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            7777,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RequestTimeout:  10 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "qa",
			User:            "qa",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 10,
			CacheTTL: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "qa-api",
			Topics: KafkaTopics{
				Jobs:      "ai_gen_answers",
				Questions: "questions",
				Answers:   "answers",
			},
		},
		Realtime: RealtimeConfig{
			SendQueueSize:     16,
			WriteTimeout:      5 * time.Second,
			PongTimeout:       60 * time.Second,
			PingInterval:      30 * time.Second,
			MaxMessageBytes:   64 << 10,
			InboundRatePerSec: 5,
			InboundBurst:      10,
			Bridge: BridgeConfig{
				Enabled: false,
				Backend: BackendRedis,
			},
		},
		RateLimit: RateLimitConfig{
			Window: time.Minute,
			Mode:   RateLimitModeAtomic,
		},
		Dispatch: DispatchConfig{
			Backend:             BackendRedis,
			JobStream:           "ai_gen_answers",
			QuestionChannel:     "questions",
			AnswerChannel:       "answers",
			Timeout:             3 * time.Second,
			BreakerThreshold:    5,
			BreakerResetTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads QA_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("QA_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("QA_SERVER_ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = strings.Split(v, ",")
	}
	if v := os.Getenv("QA_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("QA_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("QA_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("QA_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("QA_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("QA_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("QA_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("QA_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("QA_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("QA_RATELIMIT_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RateLimit.Window = d
		}
	}
	if v := os.Getenv("QA_RATELIMIT_MODE"); v != "" {
		cfg.RateLimit.Mode = v
	}
	if v := os.Getenv("QA_DISPATCH_BACKEND"); v != "" {
		cfg.Dispatch.Backend = v
	}
	if v := os.Getenv("QA_BRIDGE_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Realtime.Bridge.Enabled = b
		}
	}
	if v := os.Getenv("QA_BRIDGE_BACKEND"); v != "" {
		cfg.Realtime.Bridge.Backend = v
	}
	if v := os.Getenv("QA_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("QA_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

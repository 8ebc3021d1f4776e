package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Log         LogConfig         `yaml:"log" envPrefix:"LOG_"`
	Server      ServerConfig      `yaml:"server" envPrefix:"SERVER_"`
	Local       LocalConfig       `yaml:"local" envPrefix:"LOCAL_"`
	Redis       RedisConfig       `yaml:"redis" envPrefix:"REDIS_"`
	Postgres    PostgresConfig    `yaml:"postgres" envPrefix:"POSTGRES_"`
	Kafka       KafkaConfig       `yaml:"kafka" envPrefix:"KAFKA_"`
	Ledger      LedgerConfig      `yaml:"ledger" envPrefix:"LEDGER_"`
	Sync        SyncConfig        `yaml:"sync" envPrefix:"SYNC_"`
	Leaderboard LeaderboardConfig `yaml:"leaderboard" envPrefix:"LEADERBOARD_"`
	Rewards     RewardsConfig     `yaml:"rewards"`
}

// LogConfig controls the slog handler
type LogConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
}

// SlogLevel maps the configured level name to a slog level
func (c LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(c.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ServerConfig holds backend HTTP server configuration
type ServerConfig struct {
	Port           int           `yaml:"port" env:"PORT"`
	ReadTimeout    time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout   time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
	AllowedOrigins []string      `yaml:"allowed_origins" env:"ALLOWED_ORIGINS"`
}

// LocalConfig holds the device API served to the game UI
type LocalConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	PlayerID string `yaml:"player_id" env:"PLAYER_ID"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr         string        `yaml:"addr" env:"ADDR"`
	Password     string        `yaml:"password" env:"PASSWORD"`
	DB           int           `yaml:"db" env:"DB"`
	PoolSize     int           `yaml:"pool_size" env:"POOL_SIZE"`
	MinIdleConns int           `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	DialTimeout  time.Duration `yaml:"dial_timeout" env:"DIAL_TIMEOUT"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
}

// PostgresConfig holds PostgreSQL connection configuration
type PostgresConfig struct {
	Host            string        `yaml:"host" env:"HOST"`
	Port            int           `yaml:"port" env:"PORT"`
	User            string        `yaml:"user" env:"USER"`
	Password        string        `yaml:"password" env:"PASSWORD"`
	Database        string        `yaml:"database" env:"DATABASE"`
	SSLMode         string        `yaml:"ssl_mode" env:"SSL_MODE"`
	MaxConnections  int           `yaml:"max_connections" env:"MAX_CONNECTIONS"`
	MinConnections  int           `yaml:"min_connections" env:"MIN_CONNECTIONS"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime" env:"MAX_CONN_LIFETIME"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time" env:"MAX_CONN_IDLE_TIME"`
}

// ConnectionString returns the PostgreSQL connection string
func (c *PostgresConfig) ConnectionString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, sslMode,
	)
}

// KafkaConfig holds Kafka connection configuration
type KafkaConfig struct {
	Brokers         []string      `yaml:"brokers" env:"BROKERS"`
	Topic           string        `yaml:"topic" env:"TOPIC"`
	DeadLetterTopic string        `yaml:"dead_letter_topic" env:"DEAD_LETTER_TOPIC"`
	GroupID         string        `yaml:"group_id" env:"GROUP_ID"`
	Enabled         bool          `yaml:"enabled" env:"ENABLED"`
	BatchSize       int           `yaml:"batch_size" env:"BATCH_SIZE"`
	BatchTimeout    time.Duration `yaml:"batch_timeout" env:"BATCH_TIMEOUT"`
	RetryAttempts   int           `yaml:"retry_attempts" env:"RETRY_ATTEMPTS"`
	RetryDelay      time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
}

// LedgerConfig locates the device-local SQLite ledger
type LedgerConfig struct {
	Path        string        `yaml:"path" env:"PATH"`
	BusyTimeout time.Duration `yaml:"busy_timeout" env:"BUSY_TIMEOUT"`
}

// SyncConfig holds the outbox flush loop and retry policy
type SyncConfig struct {
	Enabled         bool          `yaml:"enabled" env:"ENABLED"`
	BackendURL      string        `yaml:"backend_url" env:"BACKEND_URL"`
	Interval        time.Duration `yaml:"interval" env:"INTERVAL"`
	BatchSize       int           `yaml:"batch_size" env:"BATCH_SIZE"`
	Concurrency     int           `yaml:"concurrency" env:"CONCURRENCY"`
	RequestTimeout  time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"`
	MaxAttempts     int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	InitialInterval time.Duration `yaml:"initial_interval" env:"INITIAL_INTERVAL"`
	MaxInterval     time.Duration `yaml:"max_interval" env:"MAX_INTERVAL"`
	Multiplier      float64       `yaml:"multiplier" env:"MULTIPLIER"`
	Jitter          float64       `yaml:"jitter" env:"JITTER"`
}

// LeaderboardConfig holds leaderboard-specific configuration
type LeaderboardConfig struct {
	DefaultLimit int `yaml:"default_limit" env:"DEFAULT_LIMIT"`
	MaxLimit     int `yaml:"max_limit" env:"MAX_LIMIT"`
}

// RewardsConfig lists the known games and their reward multipliers.
// Multipliers are decimal strings so that every node parses the same value.
type RewardsConfig struct {
	Games map[string]string `yaml:"games"`
}

// DefaultGames is the game catalogue used when none is configured
var DefaultGames = map[string]string{
	"brain-age":     "2.0",
	"snake":         "1.0",
	"tetris":        "1.0",
	"memory-match":  "1.5",
	"reaction-time": "1.0",
	"word-scramble": "1.25",
	"space-shooter": "1.0",
	"tic-tac-toe":   "0.5",
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	data = []byte(os.ExpandEnv(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	// Apply defaults
	cfg.applyDefaults()

	return &cfg, nil
}

// LoadOrDefault is Load for binaries that can run without a config file.
// When the file does not exist the defaults stand in for it and environment
// overrides still apply; found reports whether the file was read. Any other
// failure is returned as an error.
func LoadOrDefault(path string) (cfg *Config, found bool, err error) {
	cfg, err = Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}

	cfg = &Config{}
	cfg.Sync.Enabled = true
	if err := cfg.applyEnv(); err != nil {
		return nil, false, err
	}
	cfg.applyDefaults()
	return cfg, false, nil
}

// applyEnv overrides file values with any set environment variables
func (c *Config) applyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: "ARCADE_"}); err != nil {
		return fmt.Errorf("parsing env overrides: %w", err)
	}
	return nil
}

// applyDefaults sets default values for missing configuration
func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 5 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}

	if c.Local.Addr == "" {
		c.Local.Addr = "127.0.0.1:7070"
	}

	// Redis defaults
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 100
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 10
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}

	// PostgreSQL defaults
	if c.Postgres.Host == "" {
		c.Postgres.Host = "localhost"
	}
	if c.Postgres.Port == 0 {
		c.Postgres.Port = 5432
	}
	if c.Postgres.MaxConnections == 0 {
		c.Postgres.MaxConnections = 50
	}
	if c.Postgres.MinConnections == 0 {
		c.Postgres.MinConnections = 5
	}
	if c.Postgres.MaxConnLifetime == 0 {
		c.Postgres.MaxConnLifetime = 1 * time.Hour
	}
	if c.Postgres.MaxConnIdleTime == 0 {
		c.Postgres.MaxConnIdleTime = 30 * time.Minute
	}

	// Kafka defaults
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{"localhost:9092"}
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "score-submissions"
	}
	if c.Kafka.DeadLetterTopic == "" {
		c.Kafka.DeadLetterTopic = "score-dead-letters"
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = "ledger-consumer"
	}
	if c.Kafka.BatchSize == 0 {
		c.Kafka.BatchSize = 100
	}
	if c.Kafka.BatchTimeout == 0 {
		c.Kafka.BatchTimeout = 1 * time.Second
	}
	if c.Kafka.RetryAttempts == 0 {
		c.Kafka.RetryAttempts = 3
	}
	if c.Kafka.RetryDelay == 0 {
		c.Kafka.RetryDelay = 1 * time.Second
	}

	if c.Ledger.Path == "" {
		c.Ledger.Path = "arcade-ledger.db"
	}
	if c.Ledger.BusyTimeout == 0 {
		c.Ledger.BusyTimeout = 5 * time.Second
	}

	// Sync defaults
	if c.Sync.BackendURL == "" {
		c.Sync.BackendURL = "http://localhost:8080"
	}
	if c.Sync.Interval == 0 {
		c.Sync.Interval = 5 * time.Second
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = 50
	}
	if c.Sync.Concurrency == 0 {
		c.Sync.Concurrency = 4
	}
	if c.Sync.RequestTimeout == 0 {
		c.Sync.RequestTimeout = 10 * time.Second
	}
	if c.Sync.MaxAttempts == 0 {
		c.Sync.MaxAttempts = 8
	}
	if c.Sync.InitialInterval == 0 {
		c.Sync.InitialInterval = 2 * time.Second
	}
	if c.Sync.MaxInterval == 0 {
		c.Sync.MaxInterval = 5 * time.Minute
	}
	if c.Sync.Multiplier == 0 {
		c.Sync.Multiplier = 2.0
	}
	if c.Sync.Jitter == 0 {
		c.Sync.Jitter = 0.3
	}

	// Leaderboard defaults
	if c.Leaderboard.DefaultLimit == 0 {
		c.Leaderboard.DefaultLimit = 100
	}
	if c.Leaderboard.MaxLimit == 0 {
		c.Leaderboard.MaxLimit = 1000
	}

	if len(c.Rewards.Games) == 0 {
		c.Rewards.Games = make(map[string]string, len(DefaultGames))
		for game, multiplier := range DefaultGames {
			c.Rewards.Games[game] = multiplier
		}
	}
}

// DefaultConfig returns a configuration with all defaults
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.Sync.Enabled = true
	return cfg
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config holds application configuration loaded from environment and an optional config file.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	JWT      JWTConfig      `mapstructure:"jwt"`
	Presence PresenceConfig `mapstructure:"presence"`
	Polls    PollsConfig    `mapstructure:"polls"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Worker   WorkerConfig   `mapstructure:"worker"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string        `mapstructure:"port"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	CORSAllowedOrigins []string      `mapstructure:"cors_allowed_origins"` // "*" for all
	Pprof              bool          `mapstructure:"pprof"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"` // if set, used as-is
	Host            string        `mapstructure:"host"`
	Port            string        `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	Telemetry bool   `mapstructure:"telemetry"`
}

// JWTConfig holds the secret shared with the identity service.
type JWTConfig struct {
	Secret      string `mapstructure:"secret"`
	ExpireHours int    `mapstructure:"expire_hours"`
}

// PresenceConfig controls the inactivity sweep.
type PresenceConfig struct {
	SweepInterval       time.Duration `mapstructure:"sweep_interval"`
	InactivityThreshold time.Duration `mapstructure:"inactivity_threshold"`
}

// PollsConfig holds poll limits and the cross-instance reveal claim.
type PollsConfig struct {
	MaxOptions     int           `mapstructure:"max_options"`
	RevealGuard    bool          `mapstructure:"reveal_guard"`
	RevealGuardTTL time.Duration `mapstructure:"reveal_guard_ttl"`
}

// QueueConfig holds the default queue options.
type QueueConfig struct {
	ActivateFirst     bool `mapstructure:"activate_first"`
	AutoAdvance       bool `mapstructure:"auto_advance"`
	PollDuration      int  `mapstructure:"poll_duration"`       // seconds
	BreakBetweenPolls int  `mapstructure:"break_between_polls"` // seconds
}

// WorkerConfig holds background job settings.
type WorkerConfig struct {
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file. When CONFIG_FILE is set,
// the file is layered on top.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvDuration("READ_TIMEOUT", 30*time.Second),
			WriteTimeout:       getEnvDuration("WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout:    getEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
			CORSAllowedOrigins: splitTrim(getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173"), ","),
			Pprof:              getEnvBool("PPROF_ENABLED", false),
		},
		Database: DatabaseConfig{
			URL:             getEnv("DATABASE_URL", ""),
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", "postgres"),
			DBName:          getEnv("DB_NAME", "classroom"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxConns:        int32(getEnvInt("DB_MAX_CONNS", 20)),
			MaxConnLifetime: getEnvDuration("DB_MAX_CONN_LIFETIME", time.Hour),
		},
		Redis: RedisConfig{
			Addr:      getEnv("REDIS_ADDR", "localhost:6379"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvInt("REDIS_DB", 0),
			Telemetry: getEnvBool("REDIS_TELEMETRY", false),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		Presence: PresenceConfig{
			SweepInterval:       getEnvDuration("PRESENCE_SWEEP_INTERVAL", 5*time.Minute),
			InactivityThreshold: getEnvDuration("PRESENCE_INACTIVITY_THRESHOLD", 5*time.Minute),
		},
		Polls: PollsConfig{
			MaxOptions:     getEnvInt("POLL_MAX_OPTIONS", 10),
			RevealGuard:    getEnvBool("POLL_REVEAL_GUARD", true),
			RevealGuardTTL: getEnvDuration("POLL_REVEAL_GUARD_TTL", 24*time.Hour),
		},
		Queue: QueueConfig{
			ActivateFirst:     getEnvBool("QUEUE_ACTIVATE_FIRST", true),
			AutoAdvance:       getEnvBool("QUEUE_AUTO_ADVANCE", true),
			PollDuration:      getEnvInt("QUEUE_POLL_DURATION", 60),
			BreakBetweenPolls: getEnvInt("QUEUE_BREAK_BETWEEN_POLLS", 10),
		},
		Worker: WorkerConfig{
			RetryBackoff: getEnvDuration("WORKER_RETRY_BACKOFF", 10*time.Second),
		},
	}

	if file := os.Getenv("CONFIG_FILE"); file != "" {
		if err := LoadFile(file, cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// LoadFile overlays a YAML/JSON/TOML file on config. Keys missing from the file keep their
// current values.
func LoadFile(file string, config any) error {
	v := viper.New()
	m := make(map[string]any)

	if err := mapstructure.Decode(config, &m); err != nil {
		return fmt.Errorf("mapstructure: %w", err)
	}
	if err := v.MergeConfigMap(m); err != nil {
		return fmt.Errorf("merge config map: %w", err)
	}

	v.SetConfigFile(file)
	if err := v.MergeInConfig(); err != nil {
		return fmt.Errorf("read config from file %s: %w", file, err)
	}
	if err := v.Unmarshal(config); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	return nil
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s") or bare seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/rewired-gh/agrolens/internal/ollama"
)

// Config represents the complete application configuration
type Config struct {
	Sensor    SensorConfig    `mapstructure:"sensor"`
	Inference InferenceConfig `mapstructure:"inference"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Server    ServerConfig    `mapstructure:"server"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Events    EventsConfig    `mapstructure:"events"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// SensorConfig holds the telemetry endpoint
type SensorConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// InferenceConfig holds the Ollama backend settings
type InferenceConfig struct {
	Host           string         `mapstructure:"host"`
	Model          string         `mapstructure:"model"`
	Timeout        time.Duration  `mapstructure:"timeout"`
	CatalogTimeout time.Duration  `mapstructure:"catalog_timeout"`
	PullTimeout    time.Duration  `mapstructure:"pull_timeout"`
	Options        ollama.Options `mapstructure:"options"`
}

// StorageConfig selects the database
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

// ServerConfig holds HTTP API settings
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RunRateLimit    float64       `mapstructure:"run_rate_limit"` // runs per second
	RunBurst        int           `mapstructure:"run_burst"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// WorkerConfig bounds concurrent pipeline runs and the time a run may spend
// delivering notifications
type WorkerConfig struct {
	Size          int           `mapstructure:"size"`
	NotifyTimeout time.Duration `mapstructure:"notify_timeout"`
}

// ScheduleConfig enables periodic runs; zero disables them
type ScheduleConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// EventsConfig holds the Redis event publisher settings
type EventsConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	Channel       string `mapstructure:"channel"`
}

// MetricsConfig toggles the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// legacyEnv maps keys to the unprefixed variable names older deployments use.
var legacyEnv = map[string]string{
	"inference.host":    "OLLAMA_HOST",
	"inference.model":   "OLLAMA_MODEL",
	"inference.timeout": "OLLAMA_TIMEOUT",
	"sensor.url":        "SENSOR_API_URL",
}

// Load reads configuration from an optional file, a .env file and
// environment variables. An empty path means defaults plus environment.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AGROLENS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, legacy := range legacyEnv {
		prefixed := "AGROLENS_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", legacy, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// OLLAMA_TIMEOUT has always been a number of seconds
	bareSeconds(v, "inference.timeout", "inference.catalog_timeout", "inference.pull_timeout", "sensor.timeout")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func bareSeconds(v *viper.Viper, keys ...string) {
	for _, key := range keys {
		if n, err := strconv.Atoi(strings.TrimSpace(v.GetString(key))); err == nil {
			v.Set(key, time.Duration(n)*time.Second)
		}
	}
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("sensor.url", "http://localhost:8080/datos")
	v.SetDefault("sensor.timeout", "10s")

	opts := ollama.DefaultOptions()
	v.SetDefault("inference.host", "http://localhost:11434")
	v.SetDefault("inference.model", "gemma3:4b")
	v.SetDefault("inference.timeout", "300s")
	v.SetDefault("inference.catalog_timeout", "30s")
	v.SetDefault("inference.pull_timeout", "10m")
	v.SetDefault("inference.options.temperature", opts.Temperature)
	v.SetDefault("inference.options.top_p", opts.TopP)
	v.SetDefault("inference.options.top_k", opts.TopK)
	v.SetDefault("inference.options.num_predict", opts.NumPredict)
	v.SetDefault("inference.options.mirostat", opts.Mirostat)
	v.SetDefault("inference.options.mirostat_tau", opts.MirostatTau)
	v.SetDefault("inference.options.mirostat_eta", opts.MirostatEta)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.dsn", "./data/sensores.db")

	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "330s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.run_rate_limit", 0.2)
	v.SetDefault("server.run_burst", 2)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("worker.size", 2)
	v.SetDefault("worker.notify_timeout", "20s")
	v.SetDefault("schedule.interval", "0s")

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")
	v.SetDefault("telegram.request_timeout", "10s")

	v.SetDefault("events.enabled", false)
	v.SetDefault("events.redis_addr", "localhost:6379")
	v.SetDefault("events.redis_password", "")
	v.SetDefault("events.redis_db", 0)
	v.SetDefault("events.channel", "agrolens:analysis")

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.Sensor.URL == "" {
		return fmt.Errorf("sensor.url is required")
	}
	if c.Sensor.Timeout <= 0 {
		return fmt.Errorf("sensor.timeout must be positive")
	}

	if c.Inference.Host == "" {
		return fmt.Errorf("inference.host is required")
	}
	if c.Inference.Model == "" {
		return fmt.Errorf("inference.model is required")
	}
	if c.Inference.Timeout < time.Second {
		return fmt.Errorf("inference.timeout must be at least 1 second")
	}
	if o := c.Inference.Options; o.Temperature < 0 || o.TopP < 0 || o.TopP > 1 || o.NumPredict < 0 {
		return fmt.Errorf("inference.options are out of range")
	}

	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver must be one of: sqlite, postgres")
	}
	if c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required")
	}

	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.WriteTimeout > 0 && c.Server.WriteTimeout <= c.Inference.Timeout {
		return fmt.Errorf("server.write_timeout must exceed inference.timeout")
	}
	if c.Server.RunRateLimit <= 0 {
		return fmt.Errorf("server.run_rate_limit must be positive")
	}
	if c.Server.RunBurst < 1 {
		return fmt.Errorf("server.run_burst must be at least 1")
	}

	if c.Worker.Size < 1 {
		return fmt.Errorf("worker.size must be at least 1")
	}
	if c.Worker.NotifyTimeout <= 0 {
		return fmt.Errorf("worker.notify_timeout must be positive")
	}
	if c.Schedule.Interval < 0 || (c.Schedule.Interval > 0 && c.Schedule.Interval < time.Minute) {
		return fmt.Errorf("schedule.interval must be 0 or at least 1 minute")
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
		if c.Telegram.RequestTimeout <= 0 {
			return fmt.Errorf("telegram.request_timeout must be positive")
		}
	}
	if c.Events.Enabled && c.Events.RedisAddr == "" {
		return fmt.Errorf("events.redis_addr is required when events are enabled")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

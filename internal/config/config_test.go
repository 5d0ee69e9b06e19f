package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// clearEnv blanks variables that would leak in from the host environment.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{"OLLAMA_HOST", "OLLAMA_MODEL", "OLLAMA_TIMEOUT", "SENSOR_API_URL"} {
		t.Setenv(name, "")
	}
}

func TestLoadAndValidate(t *testing.T) {
	clearEnv(t)

	content := `
sensor:
  url: "http://raspberrypi.local:8080/datos"
  timeout: 5s

inference:
  host: "http://ollama:11434"
  model: "gemma3:1b"
  timeout: 120s
  options:
    temperature: 0.2
    top_k: 20

storage:
  driver: sqlite
  dsn: "./data/test.db"

server:
  addr: ":9000"
  cors_origins:
    - "https://app.example.com"

schedule:
  interval: 30m

telegram:
  enabled: true
  bot_token: "test_token"
  chat_id: "12345"

logging:
  level: "debug"
  format: "text"
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Sensor.URL != "http://raspberrypi.local:8080/datos" || cfg.Sensor.Timeout != 5*time.Second {
		t.Errorf("unexpected sensor config: %+v", cfg.Sensor)
	}
	if cfg.Inference.Model != "gemma3:1b" || cfg.Inference.Timeout != 120*time.Second {
		t.Errorf("unexpected inference config: %+v", cfg.Inference)
	}
	if cfg.Inference.Options.Temperature != 0.2 || cfg.Inference.Options.TopK != 20 {
		t.Errorf("options not read from file: %+v", cfg.Inference.Options)
	}
	if cfg.Inference.Options.TopP != 0.9 || cfg.Inference.Options.Mirostat != 1 {
		t.Errorf("unset options should keep defaults: %+v", cfg.Inference.Options)
	}
	if len(cfg.Server.CORSOrigins) != 1 || cfg.Server.CORSOrigins[0] != "https://app.example.com" {
		t.Errorf("unexpected CORS origins: %v", cfg.Server.CORSOrigins)
	}
	if cfg.Schedule.Interval != 30*time.Minute {
		t.Errorf("unexpected schedule interval: %v", cfg.Schedule.Interval)
	}
	if cfg.Worker.Size != 2 || cfg.Telegram.MaxRetries != 3 {
		t.Errorf("defaults not applied: worker=%d retries=%d", cfg.Worker.Size, cfg.Telegram.MaxRetries)
	}
	if cfg.Worker.NotifyTimeout != 20*time.Second || cfg.Telegram.RequestTimeout != 10*time.Second {
		t.Errorf("notification timeouts not defaulted: notify=%v request=%v",
			cfg.Worker.NotifyTimeout, cfg.Telegram.RequestTimeout)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Sensor.URL != "http://localhost:8080/datos" {
		t.Errorf("sensor.url = %q", cfg.Sensor.URL)
	}
	if cfg.Inference.Host != "http://localhost:11434" || cfg.Inference.Model != "gemma3:4b" {
		t.Errorf("unexpected inference defaults: %+v", cfg.Inference)
	}
	if cfg.Inference.Timeout != 300*time.Second || cfg.Inference.PullTimeout != 10*time.Minute {
		t.Errorf("unexpected timeouts: %+v", cfg.Inference)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Schedule.Interval != 0 {
		t.Errorf("unexpected defaults: storage=%+v schedule=%v", cfg.Storage, cfg.Schedule.Interval)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoad_Environment(t *testing.T) {
	clearEnv(t)
	t.Setenv("AGROLENS_STORAGE_DRIVER", "postgres")
	t.Setenv("AGROLENS_STORAGE_DSN", "postgres://agro@db/agrolens?sslmode=disable")
	t.Setenv("AGROLENS_WORKER_SIZE", "4")
	t.Setenv("OLLAMA_HOST", "http://gpu-box:11434")
	t.Setenv("OLLAMA_MODEL", "llama3:8b")
	t.Setenv("OLLAMA_TIMEOUT", "600")
	t.Setenv("SENSOR_API_URL", "http://10.0.0.5:8080/datos")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Storage.Driver != "postgres" || cfg.Worker.Size != 4 {
		t.Errorf("prefixed env not applied: storage=%+v worker=%d", cfg.Storage, cfg.Worker.Size)
	}
	if cfg.Inference.Host != "http://gpu-box:11434" || cfg.Inference.Model != "llama3:8b" {
		t.Errorf("legacy env not applied: %+v", cfg.Inference)
	}
	if cfg.Inference.Timeout != 600*time.Second {
		t.Errorf("OLLAMA_TIMEOUT should be read as seconds, got %v", cfg.Inference.Timeout)
	}
	if cfg.Sensor.URL != "http://10.0.0.5:8080/datos" {
		t.Errorf("SENSOR_API_URL not applied: %q", cfg.Sensor.URL)
	}
}

func TestLoad_PrefixedEnvWinsOverLegacy(t *testing.T) {
	clearEnv(t)
	t.Setenv("OLLAMA_MODEL", "legacy")
	t.Setenv("AGROLENS_INFERENCE_MODEL", "prefixed")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Inference.Model != "prefixed" {
		t.Errorf("inference.model = %q, want prefixed", cfg.Inference.Model)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	clearEnv(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	return cfg
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing telegram token when enabled", func(c *Config) { c.Telegram.Enabled = true; c.Telegram.ChatID = "1" }},
		{"missing telegram chat when enabled", func(c *Config) { c.Telegram.Enabled = true; c.Telegram.BotToken = "x" }},
		{"zero telegram request timeout", func(c *Config) {
			c.Telegram.Enabled = true
			c.Telegram.BotToken = "x"
			c.Telegram.ChatID = "1"
			c.Telegram.RequestTimeout = 0
		}},
		{"zero notify timeout", func(c *Config) { c.Worker.NotifyTimeout = 0 }},
		{"missing sensor url", func(c *Config) { c.Sensor.URL = "" }},
		{"unknown storage driver", func(c *Config) { c.Storage.Driver = "mysql" }},
		{"empty dsn", func(c *Config) { c.Storage.DSN = "" }},
		{"write timeout below inference timeout", func(c *Config) { c.Server.WriteTimeout = time.Minute }},
		{"zero workers", func(c *Config) { c.Worker.Size = 0 }},
		{"schedule too frequent", func(c *Config) { c.Schedule.Interval = 10 * time.Second }},
		{"negative rate", func(c *Config) { c.Server.RunRateLimit = -1 }},
		{"top_p out of range", func(c *Config) { c.Inference.Options.TopP = 1.5 }},
		{"events without redis", func(c *Config) { c.Events.Enabled = true; c.Events.RedisAddr = "" }},
		{"invalid log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"invalid log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() should fail")
			}
		})
	}
}

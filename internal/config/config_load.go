package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 18080,
		},
		AI: AIConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			MaxTokens:   1024,
			Temperature: 0.7,
		},
		Queue: QueueConfig{
			MaxAttempts:      3,
			BaseDelaySeconds: 30,
		},
		Workers: WorkersConfig{
			InboundConcurrency:  4,
			OutboundConcurrency: 4,
			PollIntervalMS:      1000,
		},
		Buffer: BufferConfig{
			WindowSeconds:     15,
			LockRetries:       3,
			RetryDelaySeconds: 5,
		},
		Orchestrator: OrchestratorConfig{
			ReactivationKeywords: []string{"interested", "tell me more", "more info"},
			TemplateLanguage:     "en",
		},
		Janitor: JanitorConfig{
			Cron: "* * * * *",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "leadpulse",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values. Secrets are env-only.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}

	// Secrets
	envStr("LEADPULSE_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("LEADPULSE_AI_API_KEY", &c.AI.APIKey)

	// Server
	envStr("LEADPULSE_HOST", &c.Server.Host)
	envInt("LEADPULSE_PORT", &c.Server.Port)

	// AI backend
	envStr("LEADPULSE_AI_BASE_URL", &c.AI.BaseURL)
	envStr("LEADPULSE_AI_MODEL", &c.AI.Model)

	// Telemetry
	envStr("LEADPULSE_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("LEADPULSE_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("LEADPULSE_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("LEADPULSE_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Orchestrator knobs
	envStr("LEADPULSE_SYSTEM_PROMPT", &c.Orchestrator.SystemPrompt)
	if v := os.Getenv("LEADPULSE_REACTIVATION_KEYWORDS"); v != "" {
		c.Orchestrator.ReactivationKeywords = strings.Split(v, ",")
	}
}

// ListenAddr returns the host:port the webhook server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

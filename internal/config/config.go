package config

// Config is the root configuration for the leadpulse service.
type Config struct {
	Server       ServerConfig       `json:"server"`
	Database     DatabaseConfig     `json:"database"`
	AI           AIConfig           `json:"ai"`
	Queue        QueueConfig        `json:"queue"`
	Workers      WorkersConfig      `json:"workers"`
	Buffer       BufferConfig       `json:"buffer"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Janitor      JanitorConfig      `json:"janitor"`
	Telemetry    TelemetryConfig    `json:"telemetry,omitempty"`
}

// ServerConfig configures the webhook HTTP listener.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// DatabaseConfig holds the Postgres connection string.
// The DSN comes from env only (LEADPULSE_POSTGRES_DSN), never from file.
type DatabaseConfig struct {
	PostgresDSN string `json:"-"`
}

// AIConfig configures the chat-completion backend used for intent
// classification and reply generation. APIKey comes from env only.
type AIConfig struct {
	BaseURL     string  `json:"base_url"`
	Model       string  `json:"model"`
	APIKey      string  `json:"-"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

// QueueConfig tunes the durable job queues.
type QueueConfig struct {
	MaxAttempts      int `json:"max_attempts"`
	BaseDelaySeconds int `json:"base_delay_seconds"`
}

// WorkersConfig tunes the queue consumers.
type WorkersConfig struct {
	InboundConcurrency  int `json:"inbound_concurrency"`
	OutboundConcurrency int `json:"outbound_concurrency"`
	PollIntervalMS      int `json:"poll_interval_ms"`
}

// BufferConfig tunes the per-contact burst buffer.
type BufferConfig struct {
	WindowSeconds     int `json:"window_seconds"`
	LockRetries       int `json:"lock_retries"`
	RetryDelaySeconds int `json:"retry_delay_seconds"`
}

// OrchestratorConfig carries conversation-level knobs.
type OrchestratorConfig struct {
	SystemPrompt         string   `json:"system_prompt"`
	ReactivationKeywords []string `json:"reactivation_keywords"`
	HoldingTemplate      string   `json:"holding_template"`
	FollowupTemplate     string   `json:"followup_template"`
	TemplateLanguage     string   `json:"template_language"`
}

// JanitorConfig schedules the periodic maintenance sweep.
type JanitorConfig struct {
	Cron string `json:"cron"`
}

// TelemetryConfig configures the optional OTLP trace exporter.
// Disabled unless an endpoint is set.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint"`
	Insecure    bool   `json:"insecure"`
	ServiceName string `json:"service_name"`
}

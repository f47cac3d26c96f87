package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log          LogConfig          `yaml:"log"`
	NATS         NATSConfig         `yaml:"nats"`
	Store        StoreConfig        `yaml:"store"`
	Web          WebConfig          `yaml:"web"`
	Auth         AuthConfig         `yaml:"auth"`
	Agents       AgentsConfig       `yaml:"agents"`
	Pricing      PricingConfig      `yaml:"pricing"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Otel         OtelConfig         `yaml:"otel"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"SWARMD_LOG_LEVEL"`
	Format string `yaml:"format" env:"SWARMD_LOG_FORMAT"`
}

type NATSConfig struct {
	Port    int    `yaml:"port" env:"SWARMD_NATS_PORT"`
	DataDir string `yaml:"data_dir" env:"SWARMD_NATS_DATA_DIR"`
}

type StoreConfig struct {
	Path string `yaml:"path" env:"SWARMD_STORE_PATH"`
}

type WebConfig struct {
	Enabled bool `yaml:"enabled" env:"SWARMD_WEB_ENABLED"`
	Port    int  `yaml:"port" env:"SWARMD_WEB_PORT"`
	// RateLimit requests per RateWindow are allowed per client address.
	RateLimit  int           `yaml:"rate_limit" env:"SWARMD_WEB_RATE_LIMIT"`
	RateWindow time.Duration `yaml:"rate_window" env:"SWARMD_WEB_RATE_WINDOW"`
}

type AuthConfig struct {
	Pepper    string `yaml:"pepper" env:"SWARMD_AUTH_PEPPER"`
	CacheSize int    `yaml:"cache_size" env:"SWARMD_AUTH_CACHE_SIZE"`
}

type AgentsConfig struct {
	AnthropicAPIKey string        `yaml:"anthropic_api_key" env:"ANTHROPIC_API_KEY"`
	OpenAIAPIKey    string        `yaml:"openai_api_key" env:"OPENAI_API_KEY"`
	OpenAIBaseURL   string        `yaml:"openai_base_url" env:"OPENAI_BASE_URL"`
	Timeout         time.Duration `yaml:"timeout" env:"SWARMD_AGENT_TIMEOUT"`
	MaxAttempts     int           `yaml:"max_attempts" env:"SWARMD_AGENT_MAX_ATTEMPTS"`
	RetryInterval   time.Duration `yaml:"retry_interval" env:"SWARMD_AGENT_RETRY_INTERVAL"`
}

// PricingConfig holds credit prices as decimal strings.
type PricingConfig struct {
	PerAgent          string            `yaml:"per_agent" env:"SWARMD_PRICE_PER_AGENT"`
	PerMillionInput   string            `yaml:"per_million_input" env:"SWARMD_PRICE_PER_MILLION_INPUT"`
	PerMillionOutput  string            `yaml:"per_million_output" env:"SWARMD_PRICE_PER_MILLION_OUTPUT"`
	OffPeakDiscount   string            `yaml:"off_peak_discount" env:"SWARMD_PRICE_OFF_PEAK_DISCOUNT"`
	OffPeakZone       string            `yaml:"off_peak_zone" env:"SWARMD_PRICE_OFF_PEAK_ZONE"`
	OffPeakStartHour  int               `yaml:"off_peak_start_hour" env:"SWARMD_PRICE_OFF_PEAK_START"`
	OffPeakEndHour    int               `yaml:"off_peak_end_hour" env:"SWARMD_PRICE_OFF_PEAK_END"`
	ModelMultipliers  map[string]string `yaml:"model_multipliers"`
}

type OrchestratorConfig struct {
	Workers int `yaml:"workers" env:"SWARMD_ORCHESTRATOR_WORKERS"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" env:"SWARMD_SCHEDULER_POLL_INTERVAL"`
	Workers      int           `yaml:"workers" env:"SWARMD_SCHEDULER_WORKERS"`
	Retention    time.Duration `yaml:"retention" env:"SWARMD_SCHEDULER_RETENTION"`
}

type TelemetryConfig struct {
	QueueSize int `yaml:"queue_size" env:"SWARMD_TELEMETRY_QUEUE_SIZE"`
	// Policy is drop_oldest or block.
	Policy string `yaml:"policy" env:"SWARMD_TELEMETRY_POLICY"`
}

type OtelConfig struct {
	Endpoint    string `yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"OTEL_SERVICE_NAME"`
}

func defaults() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "data/nats",
		},
		Store: StoreConfig{
			Path: "data/swarmd.db",
		},
		Web: WebConfig{
			Enabled:    true,
			Port:       8080,
			RateLimit:  100,
			RateWindow: time.Minute,
		},
		Auth: AuthConfig{
			CacheSize: 1000,
		},
		Agents: AgentsConfig{
			Timeout:       2 * time.Minute,
			MaxAttempts:   3,
			RetryInterval: time.Second,
		},
		Pricing: PricingConfig{
			PerAgent:         "0.01",
			PerMillionInput:  "2.00",
			PerMillionOutput: "4.50",
			OffPeakDiscount:  "0.75",
			OffPeakZone:      "America/Los_Angeles",
			OffPeakStartHour: 20,
			OffPeakEndHour:   6,
		},
		Orchestrator: OrchestratorConfig{
			Workers: 4,
		},
		Scheduler: SchedulerConfig{
			PollInterval: 5 * time.Second,
			Workers:      4,
			Retention:    7 * 24 * time.Hour,
		},
		Telemetry: TelemetryConfig{
			QueueSize: 1024,
			Policy:    "drop_oldest",
		},
		Otel: OtelConfig{
			ServiceName: "swarmd",
		},
	}
}

// Path returns the config file location, honoring SWARMD_CONFIG.
func Path() string {
	if p := os.Getenv("SWARMD_CONFIG"); p != "" {
		return p
	}
	return "config/swarmd.yaml"
}

// Load reads the config file at path (missing files are fine), then applies
// environment overrides on top.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Telemetry.Policy {
	case "drop_oldest", "block":
	default:
		return fmt.Errorf("invalid telemetry.policy %q: must be drop_oldest or block", c.Telemetry.Policy)
	}
	if c.Orchestrator.Workers < 1 {
		return fmt.Errorf("orchestrator.workers must be at least 1")
	}
	if c.Scheduler.Workers < 1 {
		return fmt.Errorf("scheduler.workers must be at least 1")
	}
	if c.Agents.MaxAttempts < 1 {
		return fmt.Errorf("agents.max_attempts must be at least 1")
	}
	return nil
}

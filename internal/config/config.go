package config

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/caarlos0/env/v6"
)

type Environment string

const (
	EnvLocal      Environment = "local"
	EnvDev        Environment = "dev"
	EnvProduction Environment = "production"
)

type Config struct {
	App struct {
		Env      Environment `env:"APP_ENV" envDefault:"local"`
		Timezone string      `env:"APP_TIMEZONE" envDefault:"Asia/Jakarta"`
	}

	HTTP struct {
		Port string `env:"PORT" envDefault:"8080"`
	}

	Database struct {
		DSN              string `env:"DB_DSN"`
		ScheduleSeedFile string `env:"SCHEDULE_SEED_FILE"`
	}

	Engine struct {
		OperationTimeoutMS int `env:"ENGINE_OPERATION_TIMEOUT_MS" envDefault:"3000"`
	}

	RateLimit struct {
		PerMinute       int  `env:"RATE_LIMIT_PER_MIN" envDefault:"120"`
		Burst           int  `env:"RATE_LIMIT_BURST" envDefault:"30"`
		ClinicPerMinute int  `env:"CLINIC_RATE_LIMIT_PER_MIN" envDefault:"600"`
		ClinicBurst     int  `env:"CLINIC_RATE_LIMIT_BURST" envDefault:"120"`
		MaxKeys         int  `env:"RATE_LIMIT_MAX_KEYS" envDefault:"10000"`
		TrustProxy      bool `env:"RATE_LIMIT_TRUST_PROXY"`
	}

	Telemetry struct {
		Endpoint    string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
		Insecure    bool    `env:"OTEL_EXPORTER_OTLP_INSECURE"`
		SampleRatio float64 `env:"OTEL_TRACES_SAMPLE_RATIO" envDefault:"1"`
	}

	Cache struct {
		Enabled bool `env:"CACHE_ENABLED" envDefault:"true"`
		Size    int  `env:"CACHE_SIZE" envDefault:"512"`
	}

	Relay struct {
		Enabled     bool   `env:"RELAY_ENABLED" envDefault:"true"`
		Consumer    string `env:"RELAY_CONSUMER" envDefault:"relay"`
		PollSeconds int    `env:"RELAY_POLL_SECONDS" envDefault:"1"`
		BatchSize   int    `env:"RELAY_BATCH_SIZE" envDefault:"100"`
	}

	RabbitMQ struct {
		Enabled  bool   `env:"RABBITMQ_ENABLED"`
		URL      string `env:"RABBITMQ_URL"`
		Exchange string `env:"RABBITMQ_EXCHANGE" envDefault:"clinicq.tickets"`
	}
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	cfg.App.Env = Environment(strings.ToLower(string(cfg.App.Env)))

	if _, err := time.LoadLocation(cfg.App.Timezone); err != nil {
		return nil, fmt.Errorf("invalid APP_TIMEZONE %q: %w", cfg.App.Timezone, err)
	}
	if cfg.Engine.OperationTimeoutMS <= 0 {
		return nil, fmt.Errorf("ENGINE_OPERATION_TIMEOUT_MS must be positive")
	}
	if cfg.RabbitMQ.Enabled && cfg.RabbitMQ.URL == "" {
		return nil, fmt.Errorf("RABBITMQ_URL is required when RABBITMQ_ENABLED is set")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return nil, fmt.Errorf("OTEL_TRACES_SAMPLE_RATIO must be between 0 and 1")
	}
	if cfg.Cache.Size <= 0 {
		cfg.Cache.Enabled = false
	}

	return cfg, nil
}

func (c *Config) IsLocal() bool {
	return c.App.Env == EnvLocal
}

func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) OperationTimeout() time.Duration {
	return time.Duration(c.Engine.OperationTimeoutMS) * time.Millisecond
}

func (c *Config) RelayInterval() time.Duration {
	if c.Relay.PollSeconds <= 0 {
		return time.Second
	}
	return time.Duration(c.Relay.PollSeconds) * time.Second
}

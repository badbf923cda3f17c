// Package config loads process configuration from the environment.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port   string `env:"PORT" envDefault:"8080"`
	DBPath string `env:"DB_PATH" envDefault:"./data/courier.db"`

	// RoutingCapacity bounds the in-memory routing context table; the oldest
	// entry is evicted when the table is full.
	RoutingCapacity int `env:"ROUTING_CAPACITY" envDefault:"2000"`

	// AutoApproveDelay of zero disables the auto-approval timer entirely.
	AutoApproveDelay time.Duration `env:"AUTO_APPROVE_DELAY" envDefault:"0s"`
	ConfirmTimeout   time.Duration `env:"CONFIRM_TIMEOUT" envDefault:"300s"`
	SweepInterval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"60s"`
	IdempotencyTTL   time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"5m"`

	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`

	// OTLPEndpoint enables trace export when set (host:port of an OTLP/HTTP
	// collector). Empty leaves the no-op global tracer in place.
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package atemproxy

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every configuration variable.
const EnvPrefix = "ATEM_PROXY_"

var errMissingUpstream = errors.New("upstream address is required")

// Config is the proxy process configuration.
type Config struct {
	ListenAddress   string `env:"LISTEN_ADDRESS"   envDefault:":9910"`
	UpstreamAddress string `env:"UPSTREAM_ADDRESS"`

	PingInterval      time.Duration `env:"PING_INTERVAL"       envDefault:"500ms"`
	SessionTimeout    time.Duration `env:"SESSION_TIMEOUT"     envDefault:"5s"`
	PumpInterval      time.Duration `env:"PUMP_INTERVAL"       envDefault:"5ms"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT"    envDefault:"30s"`
	StateDumpInterval time.Duration `env:"STATE_DUMP_INTERVAL" envDefault:"0s"`

	MaxSessions      int `env:"MAX_SESSIONS"       envDefault:"0"`
	MaxSyntheticKeys int `env:"MAX_SYNTHETIC_KEYS" envDefault:"4096"`

	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	MetricsPort int `env:"METRICS_PORT" envDefault:"9090"`
	HealthPort  int `env:"HEALTH_PORT"  envDefault:"8080"`

	DiscoveryEnabled bool   `env:"DISCOVERY_ENABLED" envDefault:"false"`
	DeviceName       string `env:"DEVICE_NAME"       envDefault:"ATEM Proxy"`

	// Per-console command rate limit. A capacity of 0 disables it.
	RateLimitCapacity int64 `env:"RATE_LIMIT_CAPACITY" envDefault:"0"`
	RateLimitRefill   int64 `env:"RATE_LIMIT_REFILL"   envDefault:"50"`

	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"30s"`
}

// NewConfig parses the configuration from the environment.
func NewConfig(opts env.Options) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the values parsing alone cannot.
func (c Config) Validate() error {
	if c.UpstreamAddress == "" {
		return errMissingUpstream
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("ping interval must be positive, got %s", c.PingInterval)
	}
	if c.SessionTimeout < c.PingInterval {
		return fmt.Errorf("session timeout %s is shorter than ping interval %s", c.SessionTimeout, c.PingInterval)
	}
	if c.MaxSessions < 0 || c.MaxSyntheticKeys < 0 {
		return errors.New("limits must not be negative")
	}
	if c.RateLimitCapacity > 0 && c.RateLimitRefill <= 0 {
		return errors.New("rate limit refill must be positive when the limit is enabled")
	}
	return nil
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package atemproxy

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := NewConfig(env.Options{
		Prefix:      EnvPrefix,
		Environment: map[string]string{"ATEM_PROXY_UPSTREAM_ADDRESS": "10.0.0.20"},
	})
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}

	if cfg.ListenAddress != ":9910" {
		t.Errorf("ListenAddress = %q", cfg.ListenAddress)
	}
	if cfg.PingInterval != 500*time.Millisecond || cfg.SessionTimeout != 5*time.Second {
		t.Errorf("keep-alive = %s/%s", cfg.PingInterval, cfg.SessionTimeout)
	}
	if cfg.MaxSyntheticKeys != 4096 {
		t.Errorf("MaxSyntheticKeys = %d", cfg.MaxSyntheticKeys)
	}
	if cfg.DiscoveryEnabled || cfg.RateLimitCapacity != 0 {
		t.Error("optional features enabled by default")
	}
}

func TestNewConfig(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
		check   func(t *testing.T, c Config)
	}{
		{
			name: "overrides",
			env: map[string]string{
				"ATEM_PROXY_UPSTREAM_ADDRESS":    "switcher.local",
				"ATEM_PROXY_LISTEN_ADDRESS":      "127.0.0.1:19910",
				"ATEM_PROXY_PING_INTERVAL":       "1s",
				"ATEM_PROXY_SESSION_TIMEOUT":     "10s",
				"ATEM_PROXY_DISCOVERY_ENABLED":   "true",
				"ATEM_PROXY_RATE_LIMIT_CAPACITY": "20",
			},
			check: func(t *testing.T, c Config) {
				if c.ListenAddress != "127.0.0.1:19910" || c.PingInterval != time.Second || !c.DiscoveryEnabled {
					t.Errorf("config = %+v", c)
				}
				if c.RateLimitCapacity != 20 || c.RateLimitRefill != 50 {
					t.Errorf("rate limit = %d/%d", c.RateLimitCapacity, c.RateLimitRefill)
				}
			},
		},
		{
			name:    "missing upstream",
			env:     map[string]string{},
			wantErr: true,
		},
		{
			name: "timeout below ping interval",
			env: map[string]string{
				"ATEM_PROXY_UPSTREAM_ADDRESS": "10.0.0.20",
				"ATEM_PROXY_PING_INTERVAL":    "2s",
				"ATEM_PROXY_SESSION_TIMEOUT":  "1s",
			},
			wantErr: true,
		},
		{
			name: "bad duration",
			env: map[string]string{
				"ATEM_PROXY_UPSTREAM_ADDRESS": "10.0.0.20",
				"ATEM_PROXY_PING_INTERVAL":    "often",
			},
			wantErr: true,
		},
		{
			name: "negative synthetic bound",
			env: map[string]string{
				"ATEM_PROXY_UPSTREAM_ADDRESS":   "10.0.0.20",
				"ATEM_PROXY_MAX_SYNTHETIC_KEYS": "-1",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := NewConfig(env.Options{Prefix: EnvPrefix, Environment: tt.env})
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

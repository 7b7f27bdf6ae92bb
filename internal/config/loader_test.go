package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relaygate.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Address != ":8080" {
		t.Errorf("server address = %s, want :8080", cfg.Server.Address)
	}
	if !cfg.Gateway.LocalFirst {
		t.Error("local_first should default to true")
	}
	if cfg.Gateway.FilterMode != "sync" {
		t.Errorf("filter mode = %s, want sync", cfg.Gateway.FilterMode)
	}
	if cfg.CircuitBreaker.Timeout != 10*time.Second {
		t.Errorf("breaker timeout = %v, want 10s", cfg.CircuitBreaker.Timeout)
	}
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  address: ":18080"
gateway:
  local_first: false
  filter_mode: async
circuit_breaker:
  enabled: true
  fail_window_ttl: 5s
  fail_threshold: 3
  recover_time: 1m
  recover_window_ttl: 20s
  recover_percent: 0.5
  fail_status_codes: [500, 503]
services:
  orders:
    - http://127.0.0.1:9001
    - http://127.0.0.1:9002
rules:
  - pattern: /api/orders/**
    service: http://orders
    rewrite_regex: ^/api(/.*)$
    rewrite_target: $1
  - pattern: /internal/**
    service: local
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Address != ":18080" {
		t.Errorf("server address = %s", cfg.Server.Address)
	}
	if cfg.Gateway.LocalFirst {
		t.Error("local_first should be false")
	}
	if cfg.Gateway.FilterMode != "async" {
		t.Errorf("filter mode = %s", cfg.Gateway.FilterMode)
	}
	cb := cfg.CircuitBreaker
	if !cb.Enabled || cb.FailThreshold != 3 || cb.RecoverTime != time.Minute || cb.RecoverPercent != 0.5 {
		t.Errorf("unexpected breaker config: %+v", cb)
	}
	if len(cb.FailStatusCodes) != 2 {
		t.Errorf("fail status codes = %v", cb.FailStatusCodes)
	}
	// Values not present in the file keep their defaults.
	if cb.Timeout != 10*time.Second {
		t.Errorf("breaker timeout = %v, want default 10s", cb.Timeout)
	}
	if got := cfg.Services["orders"]; len(got) != 2 {
		t.Errorf("orders urls = %v", got)
	}
	if len(cfg.Rules) != 2 || cfg.Rules[0].RewriteTarget != "$1" || cfg.Rules[1].Service != "local" {
		t.Errorf("unexpected rules: %+v", cfg.Rules)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RELAYGATE_SERVER_ADDRESS", ":7000")
	t.Setenv("RELAYGATE_LOCAL_FIRST", "false")
	t.Setenv("RELAYGATE_ETCD_ENDPOINTS", "etcd-0:2379,etcd-1:2379")
	t.Setenv("RELAYGATE_LOG_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Address != ":7000" {
		t.Errorf("server address = %s", cfg.Server.Address)
	}
	if cfg.Gateway.LocalFirst {
		t.Error("local_first should be overridden to false")
	}
	if len(cfg.Discovery.Etcd.Endpoints) != 2 {
		t.Errorf("etcd endpoints = %v", cfg.Discovery.Etcd.Endpoints)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %s", cfg.Logging.Level)
	}
}

func TestLoad_InvalidEnvBool(t *testing.T) {
	t.Setenv("RELAYGATE_LOCAL_FIRST", "maybe")

	if _, err := Load(""); err == nil {
		t.Fatal("expected error for invalid boolean")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "does not exist") {
		t.Fatalf("expected missing file error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults",
			mutate: func(*Config) {},
		},
		{
			name:    "empty server address",
			mutate:  func(c *Config) { c.Server.Address = "" },
			wantErr: "server address",
		},
		{
			name:    "unknown filter mode",
			mutate:  func(c *Config) { c.Gateway.FilterMode = "parallel" },
			wantErr: "filter mode",
		},
		{
			name:    "sync mode without workers",
			mutate:  func(c *Config) { c.Gateway.FilterWorkers = 0 },
			wantErr: "filter_workers",
		},
		{
			name: "breaker percent out of range",
			mutate: func(c *Config) {
				c.CircuitBreaker.Enabled = true
				c.CircuitBreaker.RecoverPercent = 1.5
			},
			wantErr: "recover_percent",
		},
		{
			name: "breaker bad status code",
			mutate: func(c *Config) {
				c.CircuitBreaker.Enabled = true
				c.CircuitBreaker.FailStatusCodes = []int{42}
			},
			wantErr: "invalid status code",
		},
		{
			name:    "service without urls",
			mutate:  func(c *Config) { c.Services["orders"] = nil },
			wantErr: "has no urls",
		},
		{
			name:    "rule without service",
			mutate:  func(c *Config) { c.Rules = []RuleConfig{{Pattern: "/a/**"}} },
			wantErr: "service cannot be empty",
		},
		{
			name: "rewrite target without regex",
			mutate: func(c *Config) {
				c.Rules = []RuleConfig{{Pattern: "/a/**", Service: "http://a", RewriteTarget: "$1"}}
			},
			wantErr: "requires rewrite_regex",
		},
		{
			name:    "jwt without secret",
			mutate:  func(c *Config) { c.Filters.JWT.Enabled = true },
			wantErr: "JWT secret",
		},
		{
			name: "rate limit unknown identifier",
			mutate: func(c *Config) {
				c.Filters.RateLimit.Enabled = true
				c.Filters.RateLimit.Identifier = "header"
			},
			wantErr: "invalid identifier",
		},
		{
			name: "fixed window without redis",
			mutate: func(c *Config) {
				c.Filters.RateLimit.Enabled = true
				c.Filters.RateLimit.Strategy = "fixed_window"
				c.Filters.RateLimit.Redis.Addr = ""
			},
			wantErr: "requires a redis address",
		},
		{
			name:   "discovery disabled explicitly",
			mutate: func(c *Config) { c.Discovery.Driver = "none" },
		},
		{
			name:    "unknown discovery driver",
			mutate:  func(c *Config) { c.Discovery.Driver = "zookeeper" },
			wantErr: "invalid discovery driver",
		},
		{
			name:    "static discovery without path",
			mutate:  func(c *Config) { c.Discovery.Driver = "static" },
			wantErr: "requires a path",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "invalid log level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() unexpected error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

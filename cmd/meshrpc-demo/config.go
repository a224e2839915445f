package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// fileConfig is the demo's config.toml shape. Durations are milliseconds.
type fileConfig struct {
	Address       string `toml:"address"`
	MetricsListen string `toml:"metrics_listen"`

	Server struct {
		ID          string `toml:"id"`
		MaxClients  int    `toml:"max_clients"`
		ClientTTLMs int    `toml:"client_timeout_ms"`
		HeartbeatMs int    `toml:"heartbeat_interval_ms"`
	} `toml:"server"`

	Client struct {
		ID              string  `toml:"id"`
		HeartbeatMs     int     `toml:"heartbeat_interval_ms"`
		MissedThreshold int     `toml:"missed_threshold"`
		ReconnectMs     int     `toml:"reconnect_initial_ms"`
		ReconnectMaxMs  int     `toml:"reconnect_max_ms"`
		BackoffFactor   float64 `toml:"backoff_factor"`
		MaxAttempts     int     `toml:"max_attempts"`
	} `toml:"client"`

	Actor struct {
		ID    string   `toml:"id"`
		Roles []string `toml:"roles"`
	} `toml:"actor"`
}

func defaultConfig() fileConfig {
	var cfg fileConfig
	cfg.Address = "memory://demo"
	cfg.Server.ID = "demo-server"
	cfg.Server.MaxClients = 100
	cfg.Server.ClientTTLMs = 90000
	cfg.Server.HeartbeatMs = 5000
	cfg.Client.ID = "demo-client"
	cfg.Client.HeartbeatMs = 5000
	cfg.Client.MissedThreshold = 3
	cfg.Client.ReconnectMs = 1000
	cfg.Client.ReconnectMaxMs = 30000
	cfg.Client.BackoffFactor = 1.5
	cfg.Client.MaxAttempts = 10
	cfg.Actor.ID = "demo-user"
	cfg.Actor.Roles = []string{"editor"}
	return cfg
}

// loadConfig overlays config.toml on the defaults. A missing path keeps the
// defaults.
func loadConfig(path string) (fileConfig, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

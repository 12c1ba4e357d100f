package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "buildsync.toml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[bus]
endpoint = "ws://broker.internal/ws/websocket"
reconnect_delay = "2s"
reconnect_max_delay = "30s"
reconnect_max_attempts = 10

[api]
endpoint = "http://api.internal/api/v1"
timeout = "3s"

[mirror]
redis_addr = "localhost:6379"
ttl = "1h"
`)
	cfg, err := Load(path, true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Bus.Endpoint != "ws://broker.internal/ws/websocket" {
		t.Errorf("bus.endpoint = %q", cfg.Bus.Endpoint)
	}
	if cfg.Bus.ReconnectDelay.Std() != 2*time.Second || cfg.Bus.ReconnectMaxDelay.Std() != 30*time.Second {
		t.Errorf("reconnect = %s/%s", cfg.Bus.ReconnectDelay, cfg.Bus.ReconnectMaxDelay)
	}
	if cfg.Bus.ReconnectMaxAttempts != 10 {
		t.Errorf("attempts = %d", cfg.Bus.ReconnectMaxAttempts)
	}
	if cfg.API.Timeout.Std() != 3*time.Second {
		t.Errorf("api.timeout = %s", cfg.API.Timeout)
	}
	if cfg.Mirror.RedisAddr != "localhost:6379" || cfg.Mirror.TTL.Std() != time.Hour {
		t.Errorf("mirror = %+v", cfg.Mirror)
	}
	// untouched keys keep their defaults
	if cfg.Bus.HeartbeatOutgoing.Std() != 4*time.Second {
		t.Errorf("heartbeat = %s", cfg.Bus.HeartbeatOutgoing)
	}
	if cfg.Auth.TokenEnv != "GAMENEST_TOKEN" {
		t.Errorf("token_env = %q", cfg.Auth.TokenEnv)
	}
	if !cfg.Dev {
		t.Error("Dev flag lost")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"), false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := DefaultProd()
	if cfg.Bus.Endpoint != want.Bus.Endpoint || cfg.API.Endpoint != want.API.Endpoint {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "[bus]\nreconnect_delay = \"soon\"\n")
	if _, err := Load(path, true); err == nil || !strings.Contains(err.Error(), "config: parse") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no bus endpoint", func(c *Config) { c.Bus.Endpoint = "" }},
		{"no api endpoint", func(c *Config) { c.API.Endpoint = "" }},
		{"zero delay", func(c *Config) { c.Bus.ReconnectDelay = 0 }},
		{"max below delay", func(c *Config) { c.Bus.ReconnectMaxDelay = Duration(time.Second) }},
		{"negative attempts", func(c *Config) { c.Bus.ReconnectMaxAttempts = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultDev()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
	if err := DefaultDev().Validate(); err != nil {
		t.Fatalf("dev defaults invalid: %v", err)
	}
	if err := DefaultProd().Validate(); err != nil {
		t.Fatalf("prod defaults invalid: %v", err)
	}
}

func TestEnsureDirs(t *testing.T) {
	root := t.TempDir()
	cfg := DefaultDev()
	cfg.State.Path = filepath.Join(root, "state", "builds.json")
	cfg.Log.File = filepath.Join(root, "log", "buildsync.log")
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	for _, dir := range []string{"state", "log"} {
		if _, err := os.Stat(filepath.Join(root, dir)); err != nil {
			t.Errorf("%s: %v", dir, err)
		}
	}
}

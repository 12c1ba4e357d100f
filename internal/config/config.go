package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Bus    BusConfig    `toml:"bus"`
	API    APIConfig    `toml:"api"`
	Auth   AuthConfig   `toml:"auth"`
	State  StateConfig  `toml:"state"`
	Mirror MirrorConfig `toml:"mirror"`
	Log    LogConfig    `toml:"log"`
	DevBus DevBusConfig `toml:"devbus"`

	// Runtime flags (not from TOML)
	Dev bool `toml:"-"`
}

type BusConfig struct {
	Endpoint             string   `toml:"endpoint"`
	HeartbeatOutgoing    Duration `toml:"heartbeat_outgoing"`
	HeartbeatIncoming    Duration `toml:"heartbeat_incoming"`
	ConnectTimeout       Duration `toml:"connect_timeout"`
	ReconnectDelay       Duration `toml:"reconnect_delay"`
	ReconnectMaxDelay    Duration `toml:"reconnect_max_delay"`
	ReconnectMaxAttempts int      `toml:"reconnect_max_attempts"`
	ReadLimit            int64    `toml:"read_limit"`
}

type APIConfig struct {
	Endpoint string   `toml:"endpoint"`
	Timeout  Duration `toml:"timeout"`
}

type AuthConfig struct {
	Token         string   `toml:"-"` // set via flag
	TokenEnv      string   `toml:"token_env"`
	TokenFile     string   `toml:"token_file"`
	CheckInterval Duration `toml:"check_interval"`
}

type StateConfig struct {
	Path string `toml:"path"`
}

type MirrorConfig struct {
	RedisAddr string   `toml:"redis_addr"` // empty disables the mirror
	RedisDB   int      `toml:"redis_db"`
	TTL       Duration `toml:"ttl"`
}

type LogConfig struct {
	File         string `toml:"file"`
	Microseconds bool   `toml:"microseconds"`
}

type DevBusConfig struct {
	Listen string `toml:"listen"`
	Secret string `toml:"secret"`
}

func DefaultDev() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Dev: true,
		Bus: BusConfig{
			Endpoint:          "ws://localhost:8080/ws/websocket",
			HeartbeatOutgoing: Duration(4 * time.Second),
			HeartbeatIncoming: Duration(4 * time.Second),
			ConnectTimeout:    Duration(10 * time.Second),
			ReconnectDelay:    Duration(5 * time.Second),
			ReconnectMaxDelay: Duration(5 * time.Second), // fixed interval in dev
			ReadLimit:         1 << 20,
		},
		API: APIConfig{
			Endpoint: "http://localhost:8080/api/v1",
			Timeout:  Duration(10 * time.Second),
		},
		Auth: AuthConfig{
			TokenEnv:      "GAMENEST_TOKEN",
			TokenFile:     filepath.Join(home, ".gamenest", "token"),
			CheckInterval: Duration(time.Second),
		},
		Mirror: MirrorConfig{
			TTL: Duration(24 * time.Hour),
		},
		DevBus: DevBusConfig{
			Listen: "localhost:8080",
			Secret: "buildsync-dev-secret",
		},
	}
}

func DefaultProd() *Config {
	return &Config{
		Dev: false,
		Bus: BusConfig{
			Endpoint:          "wss://gamenest.dev/ws/websocket",
			HeartbeatOutgoing: Duration(4 * time.Second),
			HeartbeatIncoming: Duration(4 * time.Second),
			ConnectTimeout:    Duration(10 * time.Second),
			ReconnectDelay:    Duration(5 * time.Second),
			ReconnectMaxDelay: Duration(60 * time.Second),
			ReadLimit:         1 << 20,
		},
		API: APIConfig{
			Endpoint: "https://gamenest.dev/api/v1",
			Timeout:  Duration(10 * time.Second),
		},
		Auth: AuthConfig{
			TokenEnv:      "GAMENEST_TOKEN",
			TokenFile:     "/etc/gamenest/token",
			CheckInterval: Duration(5 * time.Second),
		},
		State: StateConfig{
			Path: "/var/lib/buildsync/builds.json",
		},
		Mirror: MirrorConfig{
			TTL: Duration(24 * time.Hour),
		},
	}
}

func Load(path string, dev bool) (*Config, error) {
	var cfg *Config
	if dev {
		cfg = DefaultDev()
	} else {
		cfg = DefaultProd()
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Bus.Endpoint == "" {
		return fmt.Errorf("config: bus.endpoint is required")
	}
	if c.API.Endpoint == "" {
		return fmt.Errorf("config: api.endpoint is required")
	}
	if c.Bus.ReconnectDelay <= 0 {
		return fmt.Errorf("config: bus.reconnect_delay must be positive")
	}
	if c.Bus.ReconnectMaxDelay < c.Bus.ReconnectDelay {
		return fmt.Errorf("config: bus.reconnect_max_delay (%s) is below reconnect_delay (%s)", c.Bus.ReconnectMaxDelay, c.Bus.ReconnectDelay)
	}
	if c.Bus.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("config: bus.reconnect_max_attempts must not be negative")
	}
	return nil
}

// EnsureDirs creates the parent directories of the state and log files.
func (c *Config) EnsureDirs() error {
	for _, file := range []string{c.State.Path, c.Log.File} {
		if file == "" {
			continue
		}
		dir := filepath.Dir(file)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("config: create dir %s: %w", dir, err)
		}
	}
	return nil
}

// Duration is a time.Duration written as a string in TOML, e.g. "5s".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("config: duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

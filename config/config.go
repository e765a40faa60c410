// Package config holds the gateway configuration loaded from gateway.yaml.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway.yaml configuration.
type Config struct {
	Listen         string         `yaml:"listen"`
	AllowedOrigins []string       `yaml:"allowed_origins,omitempty"`
	Auth           AuthConfig     `yaml:"auth"`
	Database       DatabaseConfig `yaml:"database,omitempty"`
	Redis          RedisConfig    `yaml:"redis,omitempty"`
	Log            LogConfig      `yaml:"log,omitempty"`
	WS             WSConfig       `yaml:"ws,omitempty"`
}

// AuthConfig configures credential verification.
type AuthConfig struct {
	Secret        string        `yaml:"secret"`
	Algorithm     string        `yaml:"algorithm,omitempty"` // HS256, HS384, HS512
	Issuer        string        `yaml:"issuer,omitempty"`
	Header        string        `yaml:"header,omitempty"` // handshake header carrying the token
	Leeway        time.Duration `yaml:"leeway,omitempty"`
	LookupTimeout time.Duration `yaml:"lookup_timeout,omitempty"`
}

// DatabaseConfig points at the users table. Empty URL disables the lookup.
type DatabaseConfig struct {
	URL string `yaml:"url,omitempty"`
}

// RedisConfig configures the presence mirror. Empty Addr disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr,omitempty"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Node     string `yaml:"node,omitempty"`
}

type LogConfig struct {
	Level       string `yaml:"level,omitempty"`
	Development bool   `yaml:"development,omitempty"`
}

// WSConfig tunes the per-connection pumps.
type WSConfig struct {
	SendBuffer      int           `yaml:"send_buffer,omitempty"`
	MaxMessageBytes int64         `yaml:"max_message_bytes,omitempty"`
	PongWait        time.Duration `yaml:"pong_wait,omitempty"`
	WriteWait       time.Duration `yaml:"write_wait,omitempty"`
}

// Default returns a config with every optional field populated.
func Default() Config {
	return Config{
		Listen:         ":8080",
		AllowedOrigins: []string{"*"},
		Auth: AuthConfig{
			Algorithm:     "HS256",
			Header:        "authentication",
			LookupTimeout: 3 * time.Second,
		},
		Redis: RedisConfig{Node: "gw-1"},
		Log:   LogConfig{Level: "info"},
		WS: WSConfig{
			SendBuffer:      256,
			MaxMessageBytes: 64 * 1024,
			PongWait:        60 * time.Second,
			WriteWait:       10 * time.Second,
		},
	}
}

// Parse parses raw YAML on top of the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parsing gateway config")
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Load reads path (if non-empty), applies GATEWAY_* environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	var cfg *Config
	if path == "" {
		d := Default()
		cfg = &d
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", path)
		}
		cfg, err = Parse(data)
		if err != nil {
			return nil, err
		}
	}

	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("listen address is required")
	}
	if c.Auth.Secret == "" {
		return errors.New("auth.secret is required")
	}
	switch strings.ToUpper(c.Auth.Algorithm) {
	case "HS256", "HS384", "HS512":
	default:
		return errors.Errorf("unsupported auth.algorithm %q (use HS256/HS384/HS512)", c.Auth.Algorithm)
	}
	return nil
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = d.AllowedOrigins
	}
	if c.Auth.Algorithm == "" {
		c.Auth.Algorithm = d.Auth.Algorithm
	}
	if c.Auth.Header == "" {
		c.Auth.Header = d.Auth.Header
	}
	if c.Auth.LookupTimeout <= 0 {
		c.Auth.LookupTimeout = d.Auth.LookupTimeout
	}
	if c.Redis.Node == "" {
		c.Redis.Node = d.Redis.Node
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.WS.SendBuffer <= 0 {
		c.WS.SendBuffer = d.WS.SendBuffer
	}
	if c.WS.MaxMessageBytes <= 0 {
		c.WS.MaxMessageBytes = d.WS.MaxMessageBytes
	}
	if c.WS.PongWait <= 0 {
		c.WS.PongWait = d.WS.PongWait
	}
	if c.WS.WriteWait <= 0 {
		c.WS.WriteWait = d.WS.WriteWait
	}
}

// applyEnv overrides fields from the environment:
//
//	GATEWAY_LISTEN, GATEWAY_ALLOWED_ORIGINS (comma separated),
//	GATEWAY_JWT_SECRET, GATEWAY_JWT_ALGORITHM, GATEWAY_JWT_ISSUER,
//	GATEWAY_DATABASE_URL, GATEWAY_REDIS_ADDR, GATEWAY_REDIS_PASSWORD,
//	GATEWAY_REDIS_DB, GATEWAY_LOG_LEVEL
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("GATEWAY_LISTEN", &c.Listen)
	str("GATEWAY_JWT_SECRET", &c.Auth.Secret)
	str("GATEWAY_JWT_ALGORITHM", &c.Auth.Algorithm)
	str("GATEWAY_JWT_ISSUER", &c.Auth.Issuer)
	str("GATEWAY_DATABASE_URL", &c.Database.URL)
	str("GATEWAY_REDIS_ADDR", &c.Redis.Addr)
	str("GATEWAY_REDIS_PASSWORD", &c.Redis.Password)
	str("GATEWAY_LOG_LEVEL", &c.Log.Level)

	if v, ok := lookup("GATEWAY_ALLOWED_ORIGINS"); ok && v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		c.AllowedOrigins = origins
	}
	if v, ok := lookup("GATEWAY_REDIS_DB"); ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Redis.DB = n
		}
	}
}

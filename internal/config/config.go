// Package config loads gateway configuration from an optional YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // otlp-http | stdout | none
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// AuthConfig holds the token service settings. Credentials are a static demo
// pair; there is no user database.
type AuthConfig struct {
	JWTSecret    string `yaml:"jwt_secret"`
	JWTExpiresIn string `yaml:"jwt_expires_in"`
	DemoUsername string `yaml:"demo_username"`
	DemoPassword string `yaml:"demo_password"`
}

// Config is the root gateway configuration.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	LogLevel   string `yaml:"log_level"`
	CORSOrigin string `yaml:"cors_origin"`

	// AgentBin names the agent binary spawned per session. Resolved against
	// a fixed probe list first, then PATH.
	AgentBin string `yaml:"agent_bin"`

	// DataDir is where the audit log lives.
	DataDir string `yaml:"data_dir"`

	RateLimitMax      int `yaml:"rate_limit_max"`
	RateLimitWindowMS int `yaml:"rate_limit_window_ms"`

	Auth      AuthConfig      `yaml:"auth"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

func defaultConfig() Config {
	return Config{
		Host:              "127.0.0.1",
		Port:              8765,
		LogLevel:          "info",
		AgentBin:          "claude-agent",
		DataDir:           ".agentbridge",
		RateLimitMax:      30,
		RateLimitWindowMS: 60000,
		Auth: AuthConfig{
			JWTExpiresIn: "1h",
			DemoUsername: "demo",
			DemoPassword: "demo",
		},
		Telemetry: TelemetryConfig{
			Exporter:    "none",
			ServiceName: "agentbridge",
		},
	}
}

// Load reads the config file at path (if it exists) and applies environment
// overrides. A missing file is not an error; env vars alone are enough.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// fall through to env overrides
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("jwt secret is required (set JWT_SECRET or auth.jwt_secret)")
	}
	if _, err := cfg.TokenLifetime(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Port = n
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("CORS_ORIGIN"); v != "" {
		c.CORSOrigin = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("JWT_EXPIRES_IN"); v != "" {
		c.Auth.JWTExpiresIn = v
	}
	if v := os.Getenv("RATE_LIMIT_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimitMax = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_WINDOW_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimitWindowMS = n
		}
	}
	if v := os.Getenv("BRIDGE_AGENT_BIN"); v != "" {
		c.AgentBin = v
	}
	if v := os.Getenv("BRIDGE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("BRIDGE_OTEL_EXPORTER"); v != "" {
		c.Telemetry.Enabled = v != "none"
		c.Telemetry.Exporter = v
	}
}

// Addr returns the host:port listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TokenLifetime parses the configured JWT lifetime.
func (c *Config) TokenLifetime() (time.Duration, error) {
	d, err := time.ParseDuration(c.Auth.JWTExpiresIn)
	if err != nil {
		return 0, fmt.Errorf("parse jwt_expires_in %q: %w", c.Auth.JWTExpiresIn, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("jwt_expires_in must be positive, got %q", c.Auth.JWTExpiresIn)
	}
	return d, nil
}

// RateLimitWindow returns the rate-limit window as a duration.
func (c *Config) RateLimitWindow() time.Duration {
	if c.RateLimitWindowMS <= 0 {
		return time.Minute
	}
	return time.Duration(c.RateLimitWindowMS) * time.Millisecond
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "host=%s|port=%d|log=%s|cors=%s|agent=%s|rl=%d/%d",
		c.Host, c.Port, c.LogLevel, c.CORSOrigin, c.AgentBin, c.RateLimitMax, c.RateLimitWindowMS)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// Package config loads the autoflow service configuration.
//
// Values come from, in increasing precedence: built-in defaults, an optional
// YAML file, and AUTOFLOW_* environment variables. A double underscore in a
// variable name separates nesting levels, so AUTOFLOW_HTTP__PORT sets
// http.port and AUTOFLOW_AGENT__INTERNAL_API_KEY sets agent.internal_api_key.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "AUTOFLOW_"

// DefaultPath is the config file read when none is named.
const DefaultPath = "autoflow.yaml"

// Config is the top-level configuration.
type Config struct {
	Agent   AgentConfig   `koanf:"agent"`
	HTTP    HTTPConfig    `koanf:"http"`
	Engine  EngineConfig  `koanf:"engine"`
	Rules   RulesConfig   `koanf:"rules"`
	Store   StoreConfig   `koanf:"store"`
	Publish PublishConfig `koanf:"publish"`
	NATS    NATSConfig    `koanf:"nats"`
	Log     LogConfig     `koanf:"log"`
}

type AgentConfig struct {
	Name string `koanf:"name"`
	// Mode is PROPOSE or EXECUTE.
	Mode           string `koanf:"mode"`
	InternalAPIKey string `koanf:"internal_api_key"`
}

type HTTPConfig struct {
	Host        string        `koanf:"host"`
	Port        int           `koanf:"port"`
	CORSOrigins []string      `koanf:"cors_origins"`
	Timeout     time.Duration `koanf:"timeout"`
}

// Addr returns host:port.
func (h HTTPConfig) Addr() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

type EngineConfig struct {
	MinConfidence float64 `koanf:"min_confidence"`
	PreOptimize   bool    `koanf:"pre_optimize"`
}

// RulesConfig names a directory of .cue catalogue files. Empty means the
// embedded default catalogue.
type RulesConfig struct {
	Dir string `koanf:"dir"`
}

// StoreConfig locates the SQLite database. Empty disables persistence and
// idempotency.
type StoreConfig struct {
	Path string `koanf:"path"`
}

// PublishConfig configures outbound delivery to the orchestrator. An empty
// MaestroURL disables HTTP publishing.
type PublishConfig struct {
	MaestroURL string        `koanf:"maestro_url"`
	Timeout    time.Duration `koanf:"timeout"`
	Retries    int           `koanf:"retries"`
	RateLimit  float64       `koanf:"rate_limit"`
	Burst      int           `koanf:"burst"`
}

// NATSConfig configures the event bus. An empty URL disables it.
type NATSConfig struct {
	URL            string        `koanf:"url"`
	InboundSubject string        `koanf:"inbound_subject"`
	OutboundPrefix string        `koanf:"outbound_prefix"`
	Queue          string        `koanf:"queue"`
	HandleTimeout  time.Duration `koanf:"handle_timeout"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// SlogLevel maps Level to a slog level. Unknown values map to info.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Name: "automation_integrations_ai",
			Mode: "PROPOSE",
		},
		HTTP: HTTPConfig{
			Host:        "0.0.0.0",
			Port:        8021,
			CORSOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
			Timeout:     30 * time.Second,
		},
		Engine: EngineConfig{
			MinConfidence: 0.35,
		},
		Store: StoreConfig{
			Path: "autoflow.db",
		},
		Publish: PublishConfig{
			MaestroURL: "http://localhost:8000",
			Timeout:    8 * time.Second,
			Retries:    2,
			Burst:      1,
		},
		NATS: NATSConfig{
			InboundSubject: "autoflow.events.in",
			OutboundPrefix: "autoflow.events.out",
			Queue:          "autoflow",
			HandleTimeout:  30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path (if it exists) over the defaults, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("accessing config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	return cfg, nil
}

// envKey maps AUTOFLOW_NATS__INBOUND_SUBJECT to nats.inbound_subject.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

var validModes = map[string]bool{"PROPOSE": true, "EXECUTE": true}

var validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}

var validFormats = map[string]bool{"text": true, "json": true}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if c.Agent.Name == "" {
		return fmt.Errorf("agent.name is required")
	}
	if !validModes[c.Agent.Mode] {
		return fmt.Errorf("invalid agent.mode %q: must be PROPOSE or EXECUTE", c.Agent.Mode)
	}
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid http.port %d: must be in 1..65535", c.HTTP.Port)
	}
	if c.HTTP.Timeout < 0 {
		return fmt.Errorf("http.timeout must be non-negative")
	}
	if c.Engine.MinConfidence < 0 || c.Engine.MinConfidence > 1 {
		return fmt.Errorf("invalid engine.min_confidence %v: must be in [0,1]", c.Engine.MinConfidence)
	}
	if c.Publish.MaestroURL != "" && c.Publish.Timeout <= 0 {
		return fmt.Errorf("publish.timeout must be positive")
	}
	if c.Publish.Retries < 0 {
		return fmt.Errorf("publish.retries must be non-negative")
	}
	if c.Publish.RateLimit < 0 {
		return fmt.Errorf("publish.rate_limit must be non-negative")
	}
	if c.Publish.RateLimit > 0 && c.Publish.Burst < 1 {
		return fmt.Errorf("publish.burst must be at least 1 when rate_limit is set")
	}
	if c.NATS.URL != "" {
		if c.NATS.InboundSubject == "" {
			return fmt.Errorf("nats.inbound_subject is required when nats.url is set")
		}
		if c.NATS.OutboundPrefix == "" {
			return fmt.Errorf("nats.outbound_prefix is required when nats.url is set")
		}
	}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log.level %q: must be one of debug, info, warn, error", c.Log.Level)
	}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log.format %q: must be text or json", c.Log.Format)
	}
	return nil
}

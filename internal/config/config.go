// Package config loads the settings of the mcpcall command: a YAML file overlaid with
// MCPCALL_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Transport names.
const (
	TransportSSE        = "sse"
	TransportStreamable = "streamable"
	TransportWebSocket  = "websocket"
	TransportStdIO      = "stdio"
)

const (
	defaultClientName       = "mcpcall"
	defaultClientVersion    = "dev"
	defaultHandshakeTimeout = 10 * time.Second
	defaultRequestTimeout   = 30 * time.Second
	defaultLogLevel         = "warn"
)

// Config holds the settings of a connection to one MCP server.
type Config struct {
	// Transport is one of sse, streamable, websocket or stdio. Defaults to stdio when
	// Command is set and streamable otherwise.
	Transport string `yaml:"transport" env:"MCPCALL_TRANSPORT"`

	// URL is the endpoint of the HTTP and WebSocket transports.
	URL string `yaml:"url" env:"MCPCALL_URL"`
	// Token is sent as a bearer token in the Authorization header.
	Token   string            `yaml:"token" env:"MCPCALL_TOKEN"`
	Headers map[string]string `yaml:"headers"`

	// Command is the server program the stdio transport launches. Args and Env
	// variables are separated by semicolons in the environment.
	Command string   `yaml:"command" env:"MCPCALL_COMMAND"`
	Args    []string `yaml:"args" env:"MCPCALL_ARGS"`
	Env     []string `yaml:"env" env:"MCPCALL_ENV"`

	ClientName    string `yaml:"client_name" env:"MCPCALL_CLIENT_NAME"`
	ClientVersion string `yaml:"client_version" env:"MCPCALL_CLIENT_VERSION"`

	HandshakeTimeout time.Duration `yaml:"handshake_timeout" env:"MCPCALL_HANDSHAKE_TIMEOUT,strict"`
	RequestTimeout   time.Duration `yaml:"request_timeout" env:"MCPCALL_REQUEST_TIMEOUT,strict"`
	// KeepAlive is the interval of background pings; zero disables them.
	KeepAlive time.Duration `yaml:"keep_alive" env:"MCPCALL_KEEP_ALIVE,strict"`

	LogLevel string `yaml:"log_level" env:"MCPCALL_LOG_LEVEL"`
}

// Load reads the YAML file at path, if path isn't empty, then overrides its values
// with the MCPCALL_* environment variables that are set and finally with overrides,
// typically command-line flags. Unset values get their defaults, and the result is
// validated.
func Load(path string, overrides ...func(*Config)) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("failed to decode environment: %w", err)
	}

	for _, override := range overrides {
		override(&cfg)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Transport == "" {
		c.Transport = TransportStreamable
		if c.Command != "" {
			c.Transport = TransportStdIO
		}
	}
	if c.ClientName == "" {
		c.ClientName = defaultClientName
	}
	if c.ClientVersion == "" {
		c.ClientVersion = defaultClientVersion
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
}

// Validate reports the first invalid setting of c.
func (c Config) Validate() error {
	switch c.Transport {
	case TransportSSE, TransportStreamable:
		if err := validateURL(c.URL, "http", "https"); err != nil {
			return err
		}
	case TransportWebSocket:
		if err := validateURL(c.URL, "ws", "wss"); err != nil {
			return err
		}
	case TransportStdIO:
		if c.Command == "" {
			return errors.New("command is required for the stdio transport")
		}
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}

	if c.HandshakeTimeout < 0 {
		return errors.New("handshake_timeout must not be negative")
	}
	if c.KeepAlive < 0 {
		return errors.New("keep_alive must not be negative")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel returns the log level named by LogLevel.
func (c Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

func validateURL(raw string, schemes ...string) error {
	if raw == "" {
		return errors.New("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("url %q must use one of the schemes %s", raw, strings.Join(schemes, ", "))
}

// Package config provides Viper-based configuration loading for the key relay.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// WebSocketConfig holds the WebSocket listener settings.
type WebSocketConfig struct {
	// Host is the bind address for the HTTP listener.
	Host string `mapstructure:"host" yaml:"host"`
	// Port is the TCP port for the HTTP listener.
	Port int `mapstructure:"port" yaml:"port"`
	// Path is the URL path upgraded to WebSocket.
	Path string `mapstructure:"path" yaml:"path"`
	// ReadLimit is the largest inbound frame in bytes; larger frames close the connection.
	ReadLimit int64 `mapstructure:"read_limit" yaml:"read_limit"`
	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	// PongWait is how long a peer may stay silent before it is considered dead.
	PongWait time.Duration `mapstructure:"pong_wait" yaml:"pong_wait"`
	// AllowedOrigins restricts the Origin header; empty allows any origin.
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (w WebSocketConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// PingPeriod returns the keepalive interval, nine tenths of PongWait.
func (w WebSocketConfig) PingPeriod() time.Duration {
	return (w.PongWait * 9) / 10
}

// TelnetConfig holds the line-oriented TCP listener settings.
type TelnetConfig struct {
	// Enabled turns the listener on.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Host is the bind address for the listener.
	Host string `mapstructure:"host" yaml:"host"`
	// Port is the TCP port for the listener.
	Port int `mapstructure:"port" yaml:"port"`
	// ReadTimeout is the per-line read timeout; zero disables it.
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	// WriteTimeout is the per-line write timeout; zero disables it.
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	// Negotiate sends telnet option negotiation on connect.
	Negotiate bool `mapstructure:"negotiate" yaml:"negotiate"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (t TelnetConfig) Addr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// HealthConfig holds the gRPC health service settings.
type HealthConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	GRPCHost string `mapstructure:"grpc_host" yaml:"grpc_host"`
	GRPCPort int    `mapstructure:"grpc_port" yaml:"grpc_port"`
}

// Addr returns the "host:port" gRPC address.
func (h HealthConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.GRPCHost, h.GRPCPort)
}

// RelayConfig holds per-session relay settings.
type RelayConfig struct {
	// SendQueue is the outbound queue length per session.
	SendQueue int `mapstructure:"send_queue" yaml:"send_queue"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level" yaml:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format" yaml:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	WebSocket WebSocketConfig `mapstructure:"websocket" yaml:"websocket"`
	Telnet    TelnetConfig    `mapstructure:"telnet" yaml:"telnet"`
	Health    HealthConfig    `mapstructure:"health" yaml:"health"`
	Relay     RelayConfig     `mapstructure:"relay" yaml:"relay"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	for _, check := range []func() error{
		func() error { return validateWebSocket(c.WebSocket) },
		func() error { return validateTelnet(c.Telnet) },
		func() error { return validateHealth(c.Health) },
		func() error { return validateRelay(c.Relay) },
		func() error { return validateLogging(c.Logging) },
	} {
		if err := check(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validPort(p int) bool { return p >= 0 && p <= 65535 }

func validateWebSocket(w WebSocketConfig) error {
	var errs []string
	if !validPort(w.Port) {
		errs = append(errs, fmt.Sprintf("websocket.port must be 0-65535, got %d", w.Port))
	}
	if !strings.HasPrefix(w.Path, "/") {
		errs = append(errs, fmt.Sprintf("websocket.path must start with '/', got %q", w.Path))
	}
	if w.ReadLimit < 1 {
		errs = append(errs, fmt.Sprintf("websocket.read_limit must be >= 1, got %d", w.ReadLimit))
	}
	if w.WriteTimeout <= 0 {
		errs = append(errs, "websocket.write_timeout must be positive")
	}
	if w.PongWait <= 0 {
		errs = append(errs, "websocket.pong_wait must be positive")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateTelnet(t TelnetConfig) error {
	if !t.Enabled {
		return nil
	}
	var errs []string
	if !validPort(t.Port) {
		errs = append(errs, fmt.Sprintf("telnet.port must be 0-65535, got %d", t.Port))
	}
	if t.ReadTimeout < 0 {
		errs = append(errs, "telnet.read_timeout must not be negative")
	}
	if t.WriteTimeout < 0 {
		errs = append(errs, "telnet.write_timeout must not be negative")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateHealth(h HealthConfig) error {
	if !h.Enabled {
		return nil
	}
	var errs []string
	if h.GRPCHost == "" {
		errs = append(errs, "health.grpc_host must not be empty")
	}
	if !validPort(h.GRPCPort) {
		errs = append(errs, fmt.Sprintf("health.grpc_port must be 0-65535, got %d", h.GRPCPort))
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateRelay(r RelayConfig) error {
	if r.SendQueue < 1 {
		return fmt.Errorf("relay.send_queue must be >= 1, got %d", r.SendQueue)
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies KEYRELAY_
// environment overrides, and validates the result. An empty path uses
// defaults and the environment only.
//
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetEnvPrefix("KEYRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration produced by defaults alone.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults are static and always decode.
	_ = v.Unmarshal(&cfg)
	return cfg
}

// Dump renders cfg as YAML that Load accepts.
func Dump(cfg Config) ([]byte, error) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshalling config: %w", err)
	}
	return out, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("websocket.host", "0.0.0.0")
	v.SetDefault("websocket.port", 8080)
	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("websocket.read_limit", 4096)
	v.SetDefault("websocket.write_timeout", "10s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.allowed_origins", []string{})

	v.SetDefault("telnet.enabled", false)
	v.SetDefault("telnet.host", "0.0.0.0")
	v.SetDefault("telnet.port", 4000)
	v.SetDefault("telnet.read_timeout", "5m")
	v.SetDefault("telnet.write_timeout", "30s")
	v.SetDefault("telnet.negotiate", false)

	v.SetDefault("health.enabled", true)
	v.SetDefault("health.grpc_host", "127.0.0.1")
	v.SetDefault("health.grpc_port", 50051)

	v.SetDefault("relay.send_queue", 256)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Package config handles IOS service configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./ios.yaml, ~/.config/ios/ios.yaml, /etc/ios/ios.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"ios.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "ios", "ios.yaml"))
	}

	paths = append(paths, "/etc/ios/ios.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// ServiceConfig holds all configuration for one IOS service process.
type ServiceConfig struct {
	ServiceName   string        `yaml:"service_name"`
	StandardMqtt  StandardMqtt  `yaml:"standard_mqtt"`
	MotionControl MotionControl `yaml:"motion_control"`
	CoderService  CoderService  `yaml:"coder_service"`
	Sample        Sample        `yaml:"sample"`
	DataDir       string        `yaml:"data_dir"`
	LogLevel      string        `yaml:"log_level"`
	LogFormat     string        `yaml:"log_format"`
}

// StandardMqtt groups the bus-facing settings shared by every service.
type StandardMqtt struct {
	Connection Connection `yaml:"connection"`
	Topics     Topics     `yaml:"topics"`
	Messages   Messages   `yaml:"messages"`
}

// Connection defines the MQTT broker session parameters.
type Connection struct {
	Broker               string `yaml:"broker"`
	Port                 int    `yaml:"port"`
	ClientID             string `yaml:"client_id"`
	Username             string `yaml:"username"`
	Password             string `yaml:"password"`
	KeepAliveSec         int    `yaml:"keep_alive_s"`
	ConnectTimeoutSec    int    `yaml:"connect_timeout_s"`
	ReconnectIntervalSec int    `yaml:"reconnect_interval_s"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
	UseTLS               bool   `yaml:"use_tls"`
	CleanSession         bool   `yaml:"clean_session"`
}

// Topics declares the subscribe and publish sets as symbolic key →
// pattern maps. Patterns may contain {serviceName}, {version},
// {timestamp}, {environment} template variables plus the registry's
// positional placeholders.
type Topics struct {
	Subscriptions map[string]string `yaml:"subscriptions"`
	Publications  map[string]string `yaml:"publications"`
}

// Messages tunes the envelope layer.
type Messages struct {
	Version          string `yaml:"version"`
	EnableValidation bool   `yaml:"enable_validation"`
	MaxRetries       int    `yaml:"max_retries"`
	TimeoutSec       int    `yaml:"timeout_s"`
}

// MotionControl configures the axis adapter.
type MotionControl struct {
	Enabled      bool    `yaml:"enabled"`
	MinPosition  int64   `yaml:"min_position"`
	MaxPosition  int64   `yaml:"max_position"`
	PulsesPerMM  float64 `yaml:"pulses_per_mm"`
	DefaultSpeed int     `yaml:"default_speed"`
	MoveTimeoutS int     `yaml:"move_timeout_s"`
}

// CoderService configures the scanner TCP gateway.
type CoderService struct {
	Enabled           bool   `yaml:"enabled"`
	SocketAddress     string `yaml:"socket_address"`
	SocketPort        int    `yaml:"socket_port"`
	MaxClients        int    `yaml:"max_clients"`
	ReceiveBufferSize int    `yaml:"receive_buffer_size"`
	ClientTimeoutMS   int    `yaml:"client_timeout_ms"`
	ScanTimeoutMS     int    `yaml:"scan_timeout_ms"`
}

// Sample holds the workcell geometry used by the height-to-position
// computation. All values are millimetres.
type Sample struct {
	HeightInit   float64 `yaml:"height_init"`
	TrayHeight   float64 `yaml:"tray_height"`
	CameraHeight float64 `yaml:"camera_height"`
	CoderHeight  float64 `yaml:"coder_height"`
}

// ValidationResult carries the outcome of Validate. Errors mean the
// caller must abort startup; warnings are informational.
type ValidationResult struct {
	Errors   []string
	Warnings []string
}

// OK reports whether the config is usable.
func (v ValidationResult) OK() bool { return len(v.Errors) == 0 }

func (v *ValidationResult) errorf(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

func (v *ValidationResult) warnf(format string, args ...any) {
	v.Warnings = append(v.Warnings, fmt.Sprintf(format, args...))
}

// Load reads, expands, resolves, and validates the configuration for
// serviceName. Environment variables in the file are expanded before
// unmarshal; topic template variables are resolved after. A returned
// ValidationResult with errors means the caller must abort.
func Load(path, serviceName string) (*ServiceConfig, ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ValidationResult{}, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default(serviceName)
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, ValidationResult{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = serviceName
	}

	cfg.resolveTemplates()
	return cfg, cfg.Validate(), nil
}

// Default returns a configuration with workable defaults for the
// given service.
func Default(serviceName string) *ServiceConfig {
	return &ServiceConfig{
		ServiceName: serviceName,
		StandardMqtt: StandardMqtt{
			Connection: Connection{
				Broker:               "localhost",
				Port:                 1883,
				KeepAliveSec:         60,
				ConnectTimeoutSec:    10,
				ReconnectIntervalSec: 5,
				MaxReconnectAttempts: 10,
				CleanSession:         true,
			},
			Messages: Messages{
				Version:          "v1",
				EnableValidation: true,
				MaxRetries:       3,
				TimeoutSec:       30,
			},
		},
		MotionControl: MotionControl{
			MinPosition:  0,
			MaxPosition:  220_000,
			PulsesPerMM:  100_000,
			DefaultSpeed: 50,
			MoveTimeoutS: 60,
		},
		CoderService: CoderService{
			SocketAddress:     "0.0.0.0",
			SocketPort:        9100,
			MaxClients:        8,
			ReceiveBufferSize: 1024,
			ClientTimeoutMS:   30_000,
			ScanTimeoutMS:     5_000,
		},
		Sample: Sample{
			HeightInit:   0,
			TrayHeight:   150,
			CameraHeight: 2200,
			CoderHeight:  400,
		},
		DataDir:   "data",
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// resolveTemplates substitutes the config-level template variables in
// every topic pattern and fills the default client id. Positional
// registry placeholders ({0}, {1}, ...) are left alone.
func (c *ServiceConfig) resolveTemplates() {
	if c.StandardMqtt.Connection.ClientID == "" {
		c.StandardMqtt.Connection.ClientID = "IOS." + c.ServiceName
	}

	env := os.Getenv("IOS_ENVIRONMENT")
	if env == "" {
		env = "Production"
	}

	vars := strings.NewReplacer(
		"{serviceName}", strings.ToLower(c.ServiceName),
		"{version}", c.StandardMqtt.Messages.Version,
		"{timestamp}", time.Now().UTC().Format("20060102"),
		"{environment}", env,
	)

	for key, pattern := range c.StandardMqtt.Topics.Subscriptions {
		c.StandardMqtt.Topics.Subscriptions[key] = vars.Replace(pattern)
	}
	for key, pattern := range c.StandardMqtt.Topics.Publications {
		c.StandardMqtt.Topics.Publications[key] = vars.Replace(pattern)
	}
}

// Validate checks the connection parameters and topic sets.
func (c *ServiceConfig) Validate() ValidationResult {
	var res ValidationResult

	conn := c.StandardMqtt.Connection
	if conn.Broker == "" {
		res.errorf("standard_mqtt.connection.broker must not be empty")
	}
	if conn.Port < 1 || conn.Port > 65535 {
		res.errorf("standard_mqtt.connection.port %d out of range 1..65535", conn.Port)
	}
	if conn.ClientID == "" {
		res.errorf("standard_mqtt.connection.client_id must not be empty")
	}
	if c.ServiceName == "" {
		res.errorf("service_name must not be empty")
	}

	if len(c.StandardMqtt.Topics.Subscriptions) == 0 {
		res.warnf("no subscription topics configured for %s", c.ServiceName)
	}
	if len(c.StandardMqtt.Topics.Publications) == 0 {
		res.warnf("no publication topics configured for %s", c.ServiceName)
	}

	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			res.errorf("log_level: %v", err)
		}
	}

	if c.MotionControl.Enabled {
		if c.MotionControl.MaxPosition <= c.MotionControl.MinPosition {
			res.errorf("motion_control: max_position %d must exceed min_position %d",
				c.MotionControl.MaxPosition, c.MotionControl.MinPosition)
		}
		if c.MotionControl.PulsesPerMM <= 0 {
			res.errorf("motion_control: pulses_per_mm must be positive")
		}
	}
	if c.CoderService.Enabled {
		if c.CoderService.SocketPort < 1 || c.CoderService.SocketPort > 65535 {
			res.errorf("coder_service: socket_port %d out of range 1..65535", c.CoderService.SocketPort)
		}
		if c.CoderService.ReceiveBufferSize <= 0 {
			res.errorf("coder_service: receive_buffer_size must be positive")
		}
	}

	return res
}

// BrokerURL builds the mqtt(s):// URL for the configured broker.
func (c *ServiceConfig) BrokerURL() string {
	scheme := "mqtt"
	if c.StandardMqtt.Connection.UseTLS {
		scheme = "mqtts"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.StandardMqtt.Connection.Broker, c.StandardMqtt.Connection.Port)
}

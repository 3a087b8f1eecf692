package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ARCHITECTURAL DISCOVERY: one Config serves both the client layer and the
// reference broker; each binary reads only the sections it needs
type Config struct {
	Identity  *IdentityConfig
	Transport *TransportConfig
	Backend   *BackendConfig
	Broker    *BrokerConfig
	Database  *DatabaseConfig
	Logging   *LoggingConfig
}

// IdentityConfig is the explicit current user handed to the client.
type IdentityConfig struct {
	UserID      string
	DisplayName string
	Role        string
	Token       string
}

// FUNCTIONAL DISCOVERY: reconnect uses a fixed delay rather than a deadline
type TransportConfig struct {
	Endpoint       string
	ReconnectDelay time.Duration
	DialTimeout    time.Duration
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
}

type BackendConfig struct {
	BaseURL  string
	Timeout  time.Duration
	PageSize int
}

// BrokerConfig configures the reference broker used for development and tests.
type BrokerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	SendBuffer   int
	PublishRate  float64
	PublishBurst int
	// Tokens lists accepted bearer tokens. Empty accepts any non-empty token.
	Tokens []string
}

type DatabaseConfig struct {
	Path    string
	Timeout time.Duration
}

type LoggingConfig struct {
	Env       string
	Service   string
	Version   string
	Backend   string
	Debug     bool
	AddSource bool
}

// FUNCTIONAL DISCOVERY: defaults match the classroom deployment: broker on
// 8080, backend on 8000, a 5s reconnect delay and a 30s heartbeat
func DefaultConfig() *Config {
	return &Config{
		Identity: &IdentityConfig{
			Role: "ATTENDEE",
		},
		Transport: &TransportConfig{
			Endpoint:       "ws://localhost:8080/ws",
			ReconnectDelay: 5 * time.Second,
			DialTimeout:    10 * time.Second,
			PingInterval:   30 * time.Second,
			ReadTimeout:    60 * time.Second,
			WriteTimeout:   10 * time.Second,
			SendBuffer:     100,
		},
		Backend: &BackendConfig{
			BaseURL:  "http://localhost:8000",
			Timeout:  30 * time.Second,
			PageSize: 50,
		},
		Broker: &BrokerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			PingInterval: 30 * time.Second,
			SendBuffer:   100,
			PublishRate:  50,
			PublishBurst: 100,
		},
		Database: &DatabaseConfig{
			Path:    "./classlink.db",
			Timeout: 30 * time.Second,
		},
		Logging: &LoggingConfig{
			Service: "classlink",
		},
	}
}

// Validate rejects settings that would fail at runtime.
func (c *Config) Validate() error {
	if c.Identity == nil {
		return fmt.Errorf("identity configuration is required")
	}
	if c.Identity.Role != "PRESENTER" && c.Identity.Role != "ATTENDEE" {
		return fmt.Errorf("identity role must be PRESENTER or ATTENDEE")
	}

	if c.Transport == nil {
		return fmt.Errorf("transport configuration is required")
	}
	u, err := url.Parse(c.Transport.Endpoint)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("transport endpoint must be a ws:// or wss:// URL")
	}
	if u.Query().Has("token") {
		return fmt.Errorf("transport endpoint must not carry a token query parameter")
	}
	if c.Transport.ReconnectDelay <= 0 {
		return fmt.Errorf("transport reconnect delay must be positive")
	}
	if c.Transport.DialTimeout <= 0 {
		return fmt.Errorf("transport dial timeout must be positive")
	}
	if c.Transport.PingInterval <= 0 {
		return fmt.Errorf("transport ping interval must be positive")
	}
	if c.Transport.ReadTimeout <= c.Transport.PingInterval {
		return fmt.Errorf("transport read timeout must exceed the ping interval")
	}
	if c.Transport.WriteTimeout <= 0 {
		return fmt.Errorf("transport write timeout must be positive")
	}
	if c.Transport.SendBuffer <= 0 {
		return fmt.Errorf("transport send buffer must be positive")
	}

	if c.Backend == nil {
		return fmt.Errorf("backend configuration is required")
	}
	if bu, err := url.Parse(c.Backend.BaseURL); err != nil || (bu.Scheme != "http" && bu.Scheme != "https") {
		return fmt.Errorf("backend base URL must be an http(s) URL")
	}
	if c.Backend.Timeout <= 0 {
		return fmt.Errorf("backend timeout must be positive")
	}
	if c.Backend.PageSize <= 0 || c.Backend.PageSize > 500 {
		return fmt.Errorf("backend page size must be between 1 and 500")
	}

	if c.Broker == nil {
		return fmt.Errorf("broker configuration is required")
	}
	// port 0 picks an ephemeral port
	if c.Broker.Port < 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker port must be between 0 and 65535")
	}
	if c.Broker.Host == "" {
		return fmt.Errorf("broker host cannot be empty")
	}
	if c.Broker.ReadTimeout <= 0 || c.Broker.WriteTimeout <= 0 {
		return fmt.Errorf("broker timeouts must be positive")
	}
	if c.Broker.PingInterval <= 0 {
		return fmt.Errorf("broker ping interval must be positive")
	}
	if c.Broker.SendBuffer <= 0 {
		return fmt.Errorf("broker send buffer must be positive")
	}
	if c.Broker.PublishRate <= 0 || c.Broker.PublishBurst <= 0 {
		return fmt.Errorf("broker publish rate and burst must be positive")
	}

	if c.Database == nil {
		return fmt.Errorf("database configuration is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}

	if c.Logging == nil {
		return fmt.Errorf("logging configuration is required")
	}
	switch c.Logging.Backend {
	case "", "std", "zap":
	default:
		return fmt.Errorf("logging backend must be std or zap")
	}

	return nil
}

// FUNCTIONAL DISCOVERY: every setting has a CLASSLINK_* variable so that
// containers and .env files can configure the CLI without a file
func LoadFromEnv() *Config {
	config := DefaultConfig()
	applyEnv(config)
	return config
}

func applyEnv(config *Config) {
	envString("CLASSLINK_USER_ID", &config.Identity.UserID)
	envString("CLASSLINK_DISPLAY_NAME", &config.Identity.DisplayName)
	envString("CLASSLINK_ROLE", &config.Identity.Role)
	envString("CLASSLINK_TOKEN", &config.Identity.Token)

	envString("CLASSLINK_TRANSPORT_ENDPOINT", &config.Transport.Endpoint)
	envDuration("CLASSLINK_TRANSPORT_RECONNECT_DELAY", &config.Transport.ReconnectDelay)
	envDuration("CLASSLINK_TRANSPORT_DIAL_TIMEOUT", &config.Transport.DialTimeout)
	envDuration("CLASSLINK_TRANSPORT_PING_INTERVAL", &config.Transport.PingInterval)
	envDuration("CLASSLINK_TRANSPORT_READ_TIMEOUT", &config.Transport.ReadTimeout)
	envDuration("CLASSLINK_TRANSPORT_WRITE_TIMEOUT", &config.Transport.WriteTimeout)
	envInt("CLASSLINK_TRANSPORT_SEND_BUFFER", &config.Transport.SendBuffer)

	envString("CLASSLINK_BACKEND_URL", &config.Backend.BaseURL)
	envDuration("CLASSLINK_BACKEND_TIMEOUT", &config.Backend.Timeout)
	envInt("CLASSLINK_BACKEND_PAGE_SIZE", &config.Backend.PageSize)

	envString("CLASSLINK_BROKER_HOST", &config.Broker.Host)
	envInt("CLASSLINK_BROKER_PORT", &config.Broker.Port)
	envDuration("CLASSLINK_BROKER_READ_TIMEOUT", &config.Broker.ReadTimeout)
	envDuration("CLASSLINK_BROKER_WRITE_TIMEOUT", &config.Broker.WriteTimeout)
	envDuration("CLASSLINK_BROKER_PING_INTERVAL", &config.Broker.PingInterval)
	envInt("CLASSLINK_BROKER_SEND_BUFFER", &config.Broker.SendBuffer)
	if v := os.Getenv("CLASSLINK_BROKER_PUBLISH_RATE"); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil {
			config.Broker.PublishRate = r
		}
	}
	envInt("CLASSLINK_BROKER_PUBLISH_BURST", &config.Broker.PublishBurst)
	if v := os.Getenv("CLASSLINK_BROKER_TOKENS"); v != "" {
		config.Broker.Tokens = splitList(v)
	}

	envString("CLASSLINK_DATABASE_PATH", &config.Database.Path)
	envDuration("CLASSLINK_DATABASE_TIMEOUT", &config.Database.Timeout)

	envString("CLASSLINK_LOG_ENV", &config.Logging.Env)
	envString("CLASSLINK_LOG_SERVICE", &config.Logging.Service)
	envString("CLASSLINK_LOG_BACKEND", &config.Logging.Backend)
	envBool("CLASSLINK_LOG_DEBUG", &config.Logging.Debug)
	envBool("CLASSLINK_LOG_ADD_SOURCE", &config.Logging.AddSource)
}

// Malformed values fall back to whatever is already set.
func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ConfigFile is the YAML layout
// FUNCTIONAL DISCOVERY: durations are strings ("5s") so files stay readable
type ConfigFile struct {
	Identity  *IdentityConfigFile  `yaml:"identity"`
	Transport *TransportConfigFile `yaml:"transport"`
	Backend   *BackendConfigFile   `yaml:"backend"`
	Broker    *BrokerConfigFile    `yaml:"broker"`
	Database  *DatabaseConfigFile  `yaml:"database"`
	Logging   *LoggingConfigFile   `yaml:"logging"`
}

type IdentityConfigFile struct {
	UserID      string `yaml:"user_id"`
	DisplayName string `yaml:"display_name"`
	Role        string `yaml:"role"`
	Token       string `yaml:"token"`
}

type TransportConfigFile struct {
	Endpoint       string `yaml:"endpoint"`
	ReconnectDelay string `yaml:"reconnect_delay"`
	DialTimeout    string `yaml:"dial_timeout"`
	PingInterval   string `yaml:"ping_interval"`
	ReadTimeout    string `yaml:"read_timeout"`
	WriteTimeout   string `yaml:"write_timeout"`
	SendBuffer     int    `yaml:"send_buffer"`
}

type BackendConfigFile struct {
	BaseURL  string `yaml:"base_url"`
	Timeout  string `yaml:"timeout"`
	PageSize int    `yaml:"page_size"`
}

type BrokerConfigFile struct {
	Host         string   `yaml:"host"`
	Port         int      `yaml:"port"`
	ReadTimeout  string   `yaml:"read_timeout"`
	WriteTimeout string   `yaml:"write_timeout"`
	PingInterval string   `yaml:"ping_interval"`
	SendBuffer   int      `yaml:"send_buffer"`
	PublishRate  float64  `yaml:"publish_rate"`
	PublishBurst int      `yaml:"publish_burst"`
	Tokens       []string `yaml:"tokens"`
}

type DatabaseConfigFile struct {
	Path    string `yaml:"path"`
	Timeout string `yaml:"timeout"`
}

type LoggingConfigFile struct {
	Env       string `yaml:"env"`
	Service   string `yaml:"service"`
	Version   string `yaml:"version"`
	Backend   string `yaml:"backend"`
	Debug     *bool  `yaml:"debug"`
	AddSource *bool  `yaml:"add_source"`
}

// LoadFromFile reads a YAML file over the defaults and validates the result.
func LoadFromFile(filepath string) (*Config, error) {
	config := DefaultConfig()
	if err := applyFile(config, filepath); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filepath, err)
	}
	return config, nil
}

func applyFile(config *Config, filepath string) error {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", filepath, err)
	}

	var f ConfigFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", filepath, err)
	}

	if f.Identity != nil {
		setString(&config.Identity.UserID, f.Identity.UserID)
		setString(&config.Identity.DisplayName, f.Identity.DisplayName)
		setString(&config.Identity.Role, f.Identity.Role)
		setString(&config.Identity.Token, f.Identity.Token)
	}

	if f.Transport != nil {
		setString(&config.Transport.Endpoint, f.Transport.Endpoint)
		setInt(&config.Transport.SendBuffer, f.Transport.SendBuffer)
		for _, d := range []struct {
			raw string
			dst *time.Duration
		}{
			{f.Transport.ReconnectDelay, &config.Transport.ReconnectDelay},
			{f.Transport.DialTimeout, &config.Transport.DialTimeout},
			{f.Transport.PingInterval, &config.Transport.PingInterval},
			{f.Transport.ReadTimeout, &config.Transport.ReadTimeout},
			{f.Transport.WriteTimeout, &config.Transport.WriteTimeout},
		} {
			if err := setDuration(d.dst, d.raw); err != nil {
				return fmt.Errorf("transport: %w", err)
			}
		}
	}

	if f.Backend != nil {
		setString(&config.Backend.BaseURL, f.Backend.BaseURL)
		setInt(&config.Backend.PageSize, f.Backend.PageSize)
		if err := setDuration(&config.Backend.Timeout, f.Backend.Timeout); err != nil {
			return fmt.Errorf("backend: %w", err)
		}
	}

	if f.Broker != nil {
		setString(&config.Broker.Host, f.Broker.Host)
		setInt(&config.Broker.Port, f.Broker.Port)
		setInt(&config.Broker.SendBuffer, f.Broker.SendBuffer)
		setInt(&config.Broker.PublishBurst, f.Broker.PublishBurst)
		if f.Broker.PublishRate > 0 {
			config.Broker.PublishRate = f.Broker.PublishRate
		}
		if len(f.Broker.Tokens) > 0 {
			config.Broker.Tokens = f.Broker.Tokens
		}
		for _, d := range []struct {
			raw string
			dst *time.Duration
		}{
			{f.Broker.ReadTimeout, &config.Broker.ReadTimeout},
			{f.Broker.WriteTimeout, &config.Broker.WriteTimeout},
			{f.Broker.PingInterval, &config.Broker.PingInterval},
		} {
			if err := setDuration(d.dst, d.raw); err != nil {
				return fmt.Errorf("broker: %w", err)
			}
		}
	}

	if f.Database != nil {
		setString(&config.Database.Path, f.Database.Path)
		if err := setDuration(&config.Database.Timeout, f.Database.Timeout); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}

	if f.Logging != nil {
		setString(&config.Logging.Env, f.Logging.Env)
		setString(&config.Logging.Service, f.Logging.Service)
		setString(&config.Logging.Version, f.Logging.Version)
		setString(&config.Logging.Backend, f.Logging.Backend)
		if f.Logging.Debug != nil {
			config.Logging.Debug = *f.Logging.Debug
		}
		if f.Logging.AddSource != nil {
			config.Logging.AddSource = *f.Logging.AddSource
		}
	}

	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*dst = d
	return nil
}

// FUNCTIONAL DISCOVERY: precedence is file > environment > defaults; a broken
// file is reported rather than silently ignored
func LoadConfigWithPrecedence(filepath string) (*Config, error) {
	config := LoadFromEnv()

	if filepath != "" {
		if err := applyFile(config, filepath); err != nil {
			return nil, err
		}
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

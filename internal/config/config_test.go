package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "classlink.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestConfig_DefaultConfig(t *testing.T) {
	config := DefaultConfig()
	if config == nil {
		t.Fatal("DefaultConfig should not return nil")
	}
	if err := config.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
	if config.Transport.ReconnectDelay != 5*time.Second {
		t.Errorf("expected 5s reconnect delay, got %v", config.Transport.ReconnectDelay)
	}
	if config.Identity.Role != "ATTENDEE" {
		t.Errorf("expected ATTENDEE default role, got %s", config.Identity.Role)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"bad role", func(c *Config) { c.Identity.Role = "ADMIN" }, "role"},
		{"http endpoint", func(c *Config) { c.Transport.Endpoint = "http://localhost/ws" }, "ws://"},
		{"token in endpoint", func(c *Config) { c.Transport.Endpoint = "ws://localhost/ws?token=abc" }, "token"},
		{"zero reconnect delay", func(c *Config) { c.Transport.ReconnectDelay = 0 }, "reconnect delay"},
		{"read timeout below ping", func(c *Config) { c.Transport.ReadTimeout = time.Second }, "ping interval"},
		{"zero send buffer", func(c *Config) { c.Transport.SendBuffer = 0 }, "send buffer"},
		{"bad backend url", func(c *Config) { c.Backend.BaseURL = "ftp://files" }, "backend base URL"},
		{"page size too big", func(c *Config) { c.Backend.PageSize = 1000 }, "page size"},
		{"bad port", func(c *Config) { c.Broker.Port = -1 }, "port"},
		{"empty broker host", func(c *Config) { c.Broker.Host = "" }, "host"},
		{"zero publish rate", func(c *Config) { c.Broker.PublishRate = 0 }, "publish rate"},
		{"empty database path", func(c *Config) { c.Database.Path = "" }, "database path"},
		{"unknown log backend", func(c *Config) { c.Logging.Backend = "syslog" }, "logging backend"},
		{"missing transport", func(c *Config) { c.Transport = nil }, "transport configuration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(c)
			err := c.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should mention %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_LoadFromEnv(t *testing.T) {
	t.Setenv("CLASSLINK_USER_ID", "u-42")
	t.Setenv("CLASSLINK_TOKEN", "secret")
	t.Setenv("CLASSLINK_TRANSPORT_ENDPOINT", "wss://rt.example.edu/ws")
	t.Setenv("CLASSLINK_TRANSPORT_RECONNECT_DELAY", "2s")
	t.Setenv("CLASSLINK_BROKER_PORT", "9090")
	t.Setenv("CLASSLINK_BROKER_TOKENS", "a, b ,,c")
	t.Setenv("CLASSLINK_BROKER_PUBLISH_RATE", "12.5")
	t.Setenv("CLASSLINK_LOG_DEBUG", "true")

	config := LoadFromEnv()

	if config.Identity.UserID != "u-42" || config.Identity.Token != "secret" {
		t.Errorf("identity not loaded: %+v", config.Identity)
	}
	if config.Transport.Endpoint != "wss://rt.example.edu/ws" {
		t.Errorf("endpoint not loaded: %s", config.Transport.Endpoint)
	}
	if config.Transport.ReconnectDelay != 2*time.Second {
		t.Errorf("reconnect delay not loaded: %v", config.Transport.ReconnectDelay)
	}
	if config.Broker.Port != 9090 {
		t.Errorf("expected broker port 9090, got %d", config.Broker.Port)
	}
	if strings.Join(config.Broker.Tokens, "|") != "a|b|c" {
		t.Errorf("unexpected tokens: %v", config.Broker.Tokens)
	}
	if config.Broker.PublishRate != 12.5 {
		t.Errorf("unexpected publish rate: %v", config.Broker.PublishRate)
	}
	if !config.Logging.Debug {
		t.Error("debug flag not loaded")
	}
}

func TestConfig_LoadFromEnvEdgeCases(t *testing.T) {
	t.Setenv("CLASSLINK_BROKER_PORT", "not-a-number")
	t.Setenv("CLASSLINK_TRANSPORT_PING_INTERVAL", "soon")

	config := LoadFromEnv()
	defaults := DefaultConfig()

	if config.Broker.Port != defaults.Broker.Port {
		t.Errorf("malformed port should keep default, got %d", config.Broker.Port)
	}
	if config.Transport.PingInterval != defaults.Transport.PingInterval {
		t.Errorf("malformed duration should keep default, got %v", config.Transport.PingInterval)
	}
}

func TestConfig_LoadFromFile(t *testing.T) {
	path := writeConfig(t, `
identity:
  user_id: presenter-1
  display_name: Ms. Rivera
  role: PRESENTER
transport:
  endpoint: ws://broker:8080/ws
  reconnect_delay: 3s
broker:
  port: 9191
  tokens: [t1, t2]
database:
  path: /tmp/journal.db
  timeout: 10s
logging:
  backend: zap
  debug: true
`)

	config, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if config.Identity.Role != "PRESENTER" || config.Identity.DisplayName != "Ms. Rivera" {
		t.Errorf("identity not loaded: %+v", config.Identity)
	}
	if config.Transport.ReconnectDelay != 3*time.Second {
		t.Errorf("expected 3s reconnect delay, got %v", config.Transport.ReconnectDelay)
	}
	if config.Transport.PingInterval != 30*time.Second {
		t.Errorf("unset values should keep defaults, got %v", config.Transport.PingInterval)
	}
	if config.Broker.Port != 9191 || len(config.Broker.Tokens) != 2 {
		t.Errorf("broker not loaded: %+v", config.Broker)
	}
	if config.Database.Timeout != 10*time.Second {
		t.Errorf("database timeout not loaded: %v", config.Database.Timeout)
	}
	if config.Logging.Backend != "zap" || !config.Logging.Debug {
		t.Errorf("logging not loaded: %+v", config.Logging)
	}
}

func TestConfig_LoadFromFileErrors(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}

	bad := writeConfig(t, "transport: [unclosed")
	if _, err := LoadFromFile(bad); err == nil {
		t.Error("invalid YAML should fail")
	}

	badDuration := writeConfig(t, "transport:\n  reconnect_delay: later\n")
	if _, err := LoadFromFile(badDuration); err == nil || !strings.Contains(err.Error(), "later") {
		t.Errorf("invalid duration should fail with its value, got %v", err)
	}

	invalid := writeConfig(t, "broker:\n  port: 70000\n")
	if _, err := LoadFromFile(invalid); err == nil {
		t.Error("out of range port should fail validation")
	}
}

func TestConfig_LoadConfigWithPrecedence(t *testing.T) {
	t.Setenv("CLASSLINK_BROKER_PORT", "7000")
	t.Setenv("CLASSLINK_DATABASE_PATH", "/tmp/from-env.db")

	path := writeConfig(t, "broker:\n  port: 7100\n")

	config, err := LoadConfigWithPrecedence(path)
	if err != nil {
		t.Fatalf("LoadConfigWithPrecedence() error = %v", err)
	}
	if config.Broker.Port != 7100 {
		t.Errorf("file should override env, got port %d", config.Broker.Port)
	}
	if config.Database.Path != "/tmp/from-env.db" {
		t.Errorf("env should override defaults, got %s", config.Database.Path)
	}

	envOnly, err := LoadConfigWithPrecedence("")
	if err != nil {
		t.Fatalf("env-only load failed: %v", err)
	}
	if envOnly.Broker.Port != 7000 {
		t.Errorf("expected env port 7000, got %d", envOnly.Broker.Port)
	}

	if _, err := LoadConfigWithPrecedence(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("missing explicit file should be reported")
	}
}

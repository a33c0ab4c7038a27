// Package config loads configuration for the Automi server and agent from
// defaults, an optional YAML file, and AUTOMI_-prefixed environment
// variables, in increasing order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig is the full configuration of the controller process.
type ServerConfig struct {
	Server   HTTPConfig     `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// HTTPConfig holds the listen address and shutdown behavior of the HTTP
// server carrying the WebSocket endpoint, health check, and metrics.
type HTTPConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	ShutdownTimeout int    `mapstructure:"shutdownTimeout"` // in seconds
}

// Addr returns the host:port listen address.
func (h *HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// ShutdownTimeoutDuration returns the shutdown timeout as a time.Duration.
func (h *HTTPConfig) ShutdownTimeoutDuration() time.Duration {
	return time.Duration(h.ShutdownTimeout) * time.Second
}

// DatabaseConfig selects the persistence backend and, for postgres, sizes
// the connection pool. The pool knobs are ignored by SQLite.
type DatabaseConfig struct {
	Driver          string `mapstructure:"driver"` // "sqlite" or "postgres"
	DSN             string `mapstructure:"dsn"`
	MaxOpenConns    int    `mapstructure:"maxOpenConns"`
	MaxIdleConns    int    `mapstructure:"maxIdleConns"`
	ConnMaxLifetime int    `mapstructure:"connMaxLifetime"` // in minutes
}

// ConnMaxLifetimeDuration returns the maximum connection lifetime.
func (d *DatabaseConfig) ConnMaxLifetimeDuration() time.Duration {
	return time.Duration(d.ConnMaxLifetime) * time.Minute
}

// GatewayConfig holds the connection-gateway policy knobs.
type GatewayConfig struct {
	DeniedIPs      []string `mapstructure:"deniedIps"`
	RequiredHeader string   `mapstructure:"requiredHeader"`
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
	ConnAttempts   int      `mapstructure:"connAttempts"`
	ConnWindow     int      `mapstructure:"connWindow"` // in seconds
}

// ConnWindowDuration returns the connection rate-limit window.
func (g *GatewayConfig) ConnWindowDuration() time.Duration {
	return time.Duration(g.ConnWindow) * time.Second
}

// WebhookConfig configures the outbound notification webhook. An empty URL
// disables notifications.
type WebhookConfig struct {
	URL    string `mapstructure:"url"`
	Secret string `mapstructure:"secret"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "console"
}

// AgentConfig is the full configuration of an agent process.
type AgentConfig struct {
	Agent   AgentConnConfig `mapstructure:"agent"`
	Logging LoggingConfig   `mapstructure:"logging"`
}

// AgentConnConfig identifies the agent and its controller.
type AgentConnConfig struct {
	ID        string `mapstructure:"id"`
	AuthToken string `mapstructure:"authToken"`
	ServerURL string `mapstructure:"serverUrl"` // ws:// or wss:// endpoint
	WorkDir   string `mapstructure:"workDir"`   // scratch space for script temp files
	// Headers are extra HTTP headers for the upgrade request, needed when the
	// controller is configured with a required identification header.
	Headers map[string]string `mapstructure:"headers"`
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("AUTOMI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/automi/")
	return v
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// LoadServer reads the server configuration. configPath optionally points at
// a directory containing config.yaml; the current directory and /etc/automi/
// are always searched.
func LoadServer(configPath string) (*ServerConfig, error) {
	v := newViper(configPath)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdownTimeout", 15)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./automi.db")
	v.SetDefault("database.maxOpenConns", 25)
	v.SetDefault("database.maxIdleConns", 5)
	v.SetDefault("database.connMaxLifetime", 30)

	v.SetDefault("gateway.deniedIps", []string{})
	v.SetDefault("gateway.requiredHeader", "")
	v.SetDefault("gateway.allowedOrigins", []string{})
	v.SetDefault("gateway.connAttempts", 10)
	v.SetDefault("gateway.connWindow", 60)

	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.secret", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// AutomaticEnv does not handle camelCase keys, so the ones whose env
	// names differ are bound explicitly.
	_ = v.BindEnv("server.shutdownTimeout", "AUTOMI_SERVER_SHUTDOWN_TIMEOUT")
	_ = v.BindEnv("database.maxOpenConns", "AUTOMI_DATABASE_MAX_OPEN_CONNS")
	_ = v.BindEnv("database.maxIdleConns", "AUTOMI_DATABASE_MAX_IDLE_CONNS")
	_ = v.BindEnv("database.connMaxLifetime", "AUTOMI_DATABASE_CONN_MAX_LIFETIME")
	_ = v.BindEnv("gateway.deniedIps", "AUTOMI_GATEWAY_DENIED_IPS")
	_ = v.BindEnv("gateway.requiredHeader", "AUTOMI_GATEWAY_REQUIRED_HEADER")
	_ = v.BindEnv("gateway.allowedOrigins", "AUTOMI_GATEWAY_ALLOWED_ORIGINS")
	_ = v.BindEnv("gateway.connAttempts", "AUTOMI_GATEWAY_CONN_ATTEMPTS")
	_ = v.BindEnv("gateway.connWindow", "AUTOMI_GATEWAY_CONN_WINDOW")

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := validateServer(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// LoadAgent reads the agent configuration.
func LoadAgent(configPath string) (*AgentConfig, error) {
	v := newViper(configPath)

	v.SetDefault("agent.id", "")
	v.SetDefault("agent.authToken", "")
	v.SetDefault("agent.serverUrl", "ws://localhost:8080/ws")
	v.SetDefault("agent.workDir", "")
	v.SetDefault("agent.headers", map[string]string{})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	_ = v.BindEnv("agent.id", "AUTOMI_AGENT_ID")
	_ = v.BindEnv("agent.authToken", "AUTOMI_AGENT_AUTH_TOKEN")
	_ = v.BindEnv("agent.serverUrl", "AUTOMI_AGENT_SERVER_URL")
	_ = v.BindEnv("agent.workDir", "AUTOMI_AGENT_WORK_DIR")

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg AgentConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := validateAgent(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func validateServer(cfg *ServerConfig) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Database.Driver != "sqlite" && cfg.Database.Driver != "postgres" {
		errs = append(errs, "database.driver must be sqlite or postgres")
	}
	if cfg.Database.DSN == "" {
		errs = append(errs, "database.dsn is required")
	}
	if cfg.Gateway.ConnAttempts <= 0 {
		errs = append(errs, "gateway.connAttempts must be positive")
	}
	if cfg.Gateway.ConnWindow <= 0 {
		errs = append(errs, "gateway.connWindow must be positive")
	}
	if err := validateLogging(&cfg.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateAgent(cfg *AgentConfig) error {
	var errs []string

	if cfg.Agent.ID == "" {
		errs = append(errs, "agent.id is required")
	}
	if len(cfg.Agent.AuthToken) < 8 {
		errs = append(errs, "agent.authToken must be at least 8 characters")
	}
	if !strings.HasPrefix(cfg.Agent.ServerURL, "ws://") && !strings.HasPrefix(cfg.Agent.ServerURL, "wss://") {
		errs = append(errs, "agent.serverUrl must start with ws:// or wss://")
	}
	if err := validateLogging(&cfg.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(cfg *LoggingConfig) error {
	switch strings.ToLower(cfg.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	switch strings.ToLower(cfg.Format) {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console")
	}
	return nil
}

// Package config provides configuration management for crashdbg.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the crashdbg server.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Debugger DebuggerConfig `mapstructure:"debugger"`
	NATS     NATSConfig     `mapstructure:"nats"`
	MCP      MCPConfig      `mapstructure:"mcp"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// SessionsConfig bounds the multi-session supervisor.
type SessionsConfig struct {
	MaxConcurrent      int `mapstructure:"maxConcurrent"`      // max live sessions
	IdleTimeout        int `mapstructure:"idleTimeout"`        // seconds before the sweeper closes an idle session
	SweepInterval      int `mapstructure:"sweepInterval"`      // seconds between sweeper passes
	CacheMaxBytes      int `mapstructure:"cacheMaxBytes"`      // per-session result cache memory cap
	CacheMaxResults    int `mapstructure:"cacheMaxResults"`    // per-session retained result count cap
	ReadyTimeout       int `mapstructure:"readyTimeout"`       // seconds to wait for the queue worker to become ready
	RecoveryThreshold  int `mapstructure:"recoveryThreshold"`  // consecutive failed recoveries before the session faults
	HealthCacheSeconds int `mapstructure:"healthCacheSeconds"` // health probe result reuse window
}

// DebuggerConfig holds debugger child process configuration.
type DebuggerConfig struct {
	BinaryPath        string `mapstructure:"binaryPath"`        // explicit cdb path; discovered when empty
	SymbolSearchPath  string `mapstructure:"symbolSearchPath"`  // passed to the child with -y
	LogRoot           string `mapstructure:"logRoot"`           // per-session debugger logs live under <logRoot>/Sessions
	StartTimeout      int    `mapstructure:"startTimeout"`      // seconds to wait for the first prompt
	ReadTimeout       int    `mapstructure:"readTimeout"`       // seconds without output before a read is abandoned
	DefaultCmdTimeout int    `mapstructure:"defaultCmdTimeout"` // seconds, default command category
	ShortCmdTimeout   int    `mapstructure:"shortCmdTimeout"`   // seconds, simple command category
	LongCmdTimeout    int    `mapstructure:"longCmdTimeout"`    // seconds, complex command category (!analyze etc.)
	SymbolTimeout     int    `mapstructure:"symbolTimeout"`     // seconds added while symbol servers are downloading
	SymbolRetries     int    `mapstructure:"symbolRetries"`     // start-timeout extensions allowed for symbol loading
	UseSentinels      bool   `mapstructure:"useSentinels"`      // bracket commands with echo markers
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// MCPConfig holds the embedded MCP server configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// IdleTimeoutDuration returns the session idle timeout as a time.Duration.
func (s *SessionsConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// SweepIntervalDuration returns the sweeper interval as a time.Duration.
func (s *SessionsConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(s.SweepInterval) * time.Second
}

// ReadyTimeoutDuration returns the queue readiness wait as a time.Duration.
func (s *SessionsConfig) ReadyTimeoutDuration() time.Duration {
	return time.Duration(s.ReadyTimeout) * time.Second
}

// HealthCacheDuration returns the health probe reuse window as a time.Duration.
func (s *SessionsConfig) HealthCacheDuration() time.Duration {
	return time.Duration(s.HealthCacheSeconds) * time.Second
}

// StartTimeoutDuration returns the child start timeout as a time.Duration.
func (d *DebuggerConfig) StartTimeoutDuration() time.Duration {
	return time.Duration(d.StartTimeout) * time.Second
}

// ReadTimeoutDuration returns the output read timeout as a time.Duration.
func (d *DebuggerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(d.ReadTimeout) * time.Second
}

// DefaultCmdTimeoutDuration returns the default command timeout.
func (d *DebuggerConfig) DefaultCmdTimeoutDuration() time.Duration {
	return time.Duration(d.DefaultCmdTimeout) * time.Second
}

// ShortCmdTimeoutDuration returns the simple command timeout.
func (d *DebuggerConfig) ShortCmdTimeoutDuration() time.Duration {
	return time.Duration(d.ShortCmdTimeout) * time.Second
}

// LongCmdTimeoutDuration returns the complex command timeout.
func (d *DebuggerConfig) LongCmdTimeoutDuration() time.Duration {
	return time.Duration(d.LongCmdTimeout) * time.Second
}

// SymbolTimeoutDuration returns the symbol-server extension as a time.Duration.
func (d *DebuggerConfig) SymbolTimeoutDuration() time.Duration {
	return time.Duration(d.SymbolTimeout) * time.Second
}

// SessionLogDir returns the directory holding per-session debugger log files.
func (d *DebuggerConfig) SessionLogDir() string {
	return filepath.Join(d.LogRoot, "Sessions")
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CRASHDBG_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Session supervisor defaults
	v.SetDefault("sessions.maxConcurrent", 10)
	v.SetDefault("sessions.idleTimeout", 1800)  // 30 min
	v.SetDefault("sessions.sweepInterval", 60)  // 1 min
	v.SetDefault("sessions.cacheMaxBytes", 100*1024*1024)
	v.SetDefault("sessions.cacheMaxResults", 1000)
	v.SetDefault("sessions.readyTimeout", 5)
	v.SetDefault("sessions.recoveryThreshold", 3)
	v.SetDefault("sessions.healthCacheSeconds", 30)

	// Debugger child defaults
	v.SetDefault("debugger.binaryPath", "")
	v.SetDefault("debugger.symbolSearchPath", "")
	v.SetDefault("debugger.logRoot", defaultLogRoot())
	v.SetDefault("debugger.startTimeout", 30)
	v.SetDefault("debugger.readTimeout", 300)
	v.SetDefault("debugger.defaultCmdTimeout", 600)  // 10 min
	v.SetDefault("debugger.shortCmdTimeout", 120)    // 2 min
	v.SetDefault("debugger.longCmdTimeout", 1800)    // 30 min
	v.SetDefault("debugger.symbolTimeout", 120)
	v.SetDefault("debugger.symbolRetries", 3)
	v.SetDefault("debugger.useSentinels", true)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "crashdbg-server")
	v.SetDefault("nats.maxReconnects", 10)

	// MCP defaults
	v.SetDefault("mcp.enabled", true)
	v.SetDefault("mcp.port", 9090)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

func defaultLogRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "crashdbg")
	}
	return filepath.Join(home, ".crashdbg")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CRASHDBG_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/crashdbg/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("CRASHDBG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("debugger.binaryPath", "CRASHDBG_CDB_PATH", "CRASHDBG_DEBUGGER_BINARY_PATH")
	_ = v.BindEnv("debugger.symbolSearchPath", "CRASHDBG_DEBUGGER_SYMBOL_SEARCH_PATH", "_NT_SYMBOL_PATH")
	_ = v.BindEnv("sessions.maxConcurrent", "CRASHDBG_SESSIONS_MAX_CONCURRENT")
	_ = v.BindEnv("sessions.idleTimeout", "CRASHDBG_SESSIONS_IDLE_TIMEOUT")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/crashdbg/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are sane.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Sessions.MaxConcurrent <= 0 {
		errs = append(errs, "sessions.maxConcurrent must be positive")
	}
	if cfg.Sessions.SweepInterval <= 0 {
		errs = append(errs, "sessions.sweepInterval must be positive")
	}
	if cfg.Sessions.CacheMaxBytes <= 0 || cfg.Sessions.CacheMaxResults <= 0 {
		errs = append(errs, "sessions cache caps must be positive")
	}
	if cfg.Debugger.ShortCmdTimeout <= 0 || cfg.Debugger.DefaultCmdTimeout <= 0 || cfg.Debugger.LongCmdTimeout <= 0 {
		errs = append(errs, "debugger command timeouts must be positive")
	}
	if cfg.MCP.Enabled && (cfg.MCP.Port <= 0 || cfg.MCP.Port > 65535) {
		errs = append(errs, "mcp.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

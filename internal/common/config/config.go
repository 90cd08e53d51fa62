// Package config provides configuration management for the HITL orchestration service.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections.
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Logging       LoggingConfig       `mapstructure:"logging"`
	NATS          NATSConfig          `mapstructure:"nats"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Gateway       GatewayConfig       `mapstructure:"gateway"`
	Clarification ClarificationConfig `mapstructure:"clarification"`
	Workflow      WorkflowConfig      `mapstructure:"workflow"`
	Tracing       TracingConfig       `mapstructure:"tracing"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// NATSConfig holds NATS messaging configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
	// SubjectPrefix namespaces every subject on the wire, e.g. "hitl.prod".
	SubjectPrefix string `mapstructure:"subjectPrefix"`
}

// DatabaseConfig selects where conversation snapshots are kept between process restarts.
type DatabaseConfig struct {
	// Driver is one of: none, sqlite, postgres, file.
	Driver string `mapstructure:"driver"`
	// Path is the sqlite database file or the snapshot directory for the file driver.
	Path             string `mapstructure:"path"`
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	User             string `mapstructure:"user"`
	Password         string `mapstructure:"password"`
	DBName           string `mapstructure:"dbName"`
	SSLMode          string `mapstructure:"sslMode"`
	MaxConns         int    `mapstructure:"maxConns"`
	MinConns         int    `mapstructure:"minConns"`
	SnapshotInterval int    `mapstructure:"snapshotInterval"` // in seconds
}

// GatewayConfig configures the language model gateway.
type GatewayConfig struct {
	// Provider is one of: genai, none.
	Provider       string `mapstructure:"provider"`
	APIKey         string `mapstructure:"apiKey"`
	Model          string `mapstructure:"model"`
	RequestTimeout int    `mapstructure:"requestTimeout"` // in seconds
}

// ClarificationConfig holds the defaults used when processing clarification requests.
type ClarificationConfig struct {
	EnableDeduplication     bool    `mapstructure:"enableDeduplication"`
	EnableEnrichment        bool    `mapstructure:"enableEnrichment"`
	ConfidenceThreshold     float64 `mapstructure:"confidenceThreshold"`
	UserLevel               string  `mapstructure:"userLevel"`
	MaxSimilarityCandidates int     `mapstructure:"maxSimilarityCandidates"`
	AllowCrossAgentReuse    bool    `mapstructure:"allowCrossAgentReuse"`
}

// WorkflowConfig holds workflow orchestration configuration.
type WorkflowConfig struct {
	// DefinitionPath points at a YAML phase definition. Empty uses the built-in one.
	DefinitionPath      string `mapstructure:"definitionPath"`
	WatchDefinition     bool   `mapstructure:"watchDefinition"`
	MaxAgentSteps       int    `mapstructure:"maxAgentSteps"`
	AutoAdvanceInterval int    `mapstructure:"autoAdvanceInterval"` // in seconds
}

// TracingConfig configures OTLP span export. An empty endpoint disables tracing.
type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"` // e.g. http://localhost:4318
	ServiceName string  `mapstructure:"serviceName"`
	SampleRatio float64 `mapstructure:"sampleRatio"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Addr returns the listen address.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SnapshotIntervalDuration returns the snapshot interval as a time.Duration.
func (d *DatabaseConfig) SnapshotIntervalDuration() time.Duration {
	return time.Duration(d.SnapshotInterval) * time.Second
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// RequestTimeoutDuration returns the gateway request timeout as a time.Duration.
func (g *GatewayConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(g.RequestTimeout) * time.Second
}

// AutoAdvanceIntervalDuration returns the auto-advance tick as a time.Duration.
func (w *WorkflowConfig) AutoAdvanceIntervalDuration() time.Duration {
	return time.Duration(w.AutoAdvanceInterval) * time.Second
}

// detectDefaultLogFormat returns "json" in production environments and "text" otherwise.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("HITL_ENV"); env == "production" || env == "prod" {
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
	v.SetDefault("server.writeTimeout", 300)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "hitl-orchestrator")
	v.SetDefault("nats.maxReconnects", 10)
	v.SetDefault("nats.subjectPrefix", "")

	// Snapshot persistence defaults - state lives in memory only unless a driver is set
	v.SetDefault("database.driver", "none")
	v.SetDefault("database.path", "./hitl.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "hitl")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "hitl")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 10)
	v.SetDefault("database.minConns", 2)
	v.SetDefault("database.snapshotInterval", 30)

	// Gateway defaults
	v.SetDefault("gateway.provider", "none")
	v.SetDefault("gateway.apiKey", "")
	v.SetDefault("gateway.model", "gemini-2.5-flash")
	v.SetDefault("gateway.requestTimeout", 60)

	// Clarification defaults
	v.SetDefault("clarification.enableDeduplication", true)
	v.SetDefault("clarification.enableEnrichment", true)
	v.SetDefault("clarification.confidenceThreshold", 0.8)
	v.SetDefault("clarification.userLevel", "intermediate")
	v.SetDefault("clarification.maxSimilarityCandidates", 20)
	v.SetDefault("clarification.allowCrossAgentReuse", true)

	// Workflow defaults
	v.SetDefault("workflow.definitionPath", "")
	v.SetDefault("workflow.watchDefinition", false)
	v.SetDefault("workflow.maxAgentSteps", 10)
	v.SetDefault("workflow.autoAdvanceInterval", 5)

	// Tracing
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.serviceName", "hitl-orchestrator")
	v.SetDefault("tracing.sampleRatio", 1.0)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix HITL_ with the dotted key path joined by underscores.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("HITL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not map camelCase keys to SNAKE_CASE env names.
	_ = v.BindEnv("gateway.apiKey", "HITL_GATEWAY_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY")
	_ = v.BindEnv("database.driver", "HITL_DB_DRIVER")
	_ = v.BindEnv("database.path", "HITL_DB_PATH")
	_ = v.BindEnv("workflow.definitionPath", "HITL_WORKFLOW_DEFINITION")
	_ = v.BindEnv("tracing.endpoint", "HITL_TRACING_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/hitl/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
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

// validate checks that all configuration fields are usable.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	switch cfg.Database.Driver {
	case "none", "":
	case "sqlite", "file":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite and file drivers")
		}
	case "postgres":
		if cfg.Database.Host == "" || cfg.Database.DBName == "" {
			errs = append(errs, "database.host and database.dbName are required for postgres")
		}
	default:
		errs = append(errs, "database.driver must be one of: none, sqlite, postgres, file")
	}
	if cfg.Database.SnapshotInterval < 0 {
		errs = append(errs, "database.snapshotInterval must not be negative")
	}

	switch cfg.Gateway.Provider {
	case "none", "":
	case "genai":
		if cfg.Gateway.APIKey == "" {
			errs = append(errs, "gateway.apiKey is required for the genai provider")
		}
	default:
		errs = append(errs, "gateway.provider must be one of: genai, none")
	}
	if cfg.Gateway.RequestTimeout <= 0 {
		errs = append(errs, "gateway.requestTimeout must be positive")
	}

	if cfg.Clarification.ConfidenceThreshold < 0 || cfg.Clarification.ConfidenceThreshold > 1 {
		errs = append(errs, "clarification.confidenceThreshold must be between 0 and 1")
	}
	validUserLevels := map[string]bool{"beginner": true, "intermediate": true, "expert": true}
	if !validUserLevels[cfg.Clarification.UserLevel] {
		errs = append(errs, "clarification.userLevel must be one of: beginner, intermediate, expert")
	}
	if cfg.Clarification.MaxSimilarityCandidates <= 0 {
		errs = append(errs, "clarification.maxSimilarityCandidates must be positive")
	}

	if cfg.Workflow.MaxAgentSteps <= 0 {
		errs = append(errs, "workflow.maxAgentSteps must be positive")
	}
	if cfg.Workflow.AutoAdvanceInterval <= 0 {
		errs = append(errs, "workflow.autoAdvanceInterval must be positive")
	}

	if cfg.Tracing.SampleRatio < 0 || cfg.Tracing.SampleRatio > 1 {
		errs = append(errs, "tracing.sampleRatio must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

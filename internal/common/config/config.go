// Package config provides configuration management for FirmForge.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for FirmForge.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Prompts   PromptsConfig   `mapstructure:"prompts"`
	Output    OutputConfig    `mapstructure:"output"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// LLMConfig holds language-model backend configuration.
// APIKey is a secret: it must never appear in logs, artifacts, or sidecars.
type LLMConfig struct {
	UseReal     bool   `mapstructure:"useReal"`
	APIKey      string `mapstructure:"apiKey"`
	Model       string `mapstructure:"model"`
	MaxInFlight int    `mapstructure:"maxInFlight"`
}

// PipelineConfig holds orchestrator tuning.
type PipelineConfig struct {
	MaxConcurrentRuns int `mapstructure:"maxConcurrentRuns"`
	ModuleWorkers     int `mapstructure:"moduleWorkers"`     // upper bound for per-module fan-out
	AgentTimeoutMock  int `mapstructure:"agentTimeoutMock"`  // in seconds
	AgentTimeoutReal  int `mapstructure:"agentTimeoutReal"`  // in seconds
	QueueSize         int `mapstructure:"queueSize"`
}

// RetrievalConfig holds knowledge-base configuration.
type RetrievalConfig struct {
	DocsDir     string  `mapstructure:"docsDir"`
	TopK        int     `mapstructure:"topK"`
	TokenBudget int     `mapstructure:"tokenBudget"` // tokens; 1 token ~ 4 characters
	MinScore    float64 `mapstructure:"minScore"`
}

// PromptsConfig holds prompt template configuration.
type PromptsConfig struct {
	Dir     string `mapstructure:"dir"`
	Version string `mapstructure:"version"`
}

// OutputConfig holds the artifact tree root.
type OutputConfig struct {
	Dir string `mapstructure:"dir"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// MockTimeout returns the per-agent timeout for mock runs.
func (p *PipelineConfig) MockTimeout() time.Duration {
	return time.Duration(p.AgentTimeoutMock) * time.Second
}

// RealTimeout returns the per-agent timeout for real-provider runs.
func (p *PipelineConfig) RealTimeout() time.Duration {
	return time.Duration(p.AgentTimeoutReal) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("FIRMFORGE_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "firmforge-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// LLM defaults - mock provider unless USE_REAL_LM is set
	v.SetDefault("llm.useReal", false)
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.model", "gemini-1.5-flash")
	v.SetDefault("llm.maxInFlight", 4)

	// Pipeline defaults
	v.SetDefault("pipeline.maxConcurrentRuns", 4)
	v.SetDefault("pipeline.moduleWorkers", 4)
	v.SetDefault("pipeline.agentTimeoutMock", 120)
	v.SetDefault("pipeline.agentTimeoutReal", 600)
	v.SetDefault("pipeline.queueSize", 100)

	// Retrieval defaults - budget of 2000 tokens (~8000 characters)
	v.SetDefault("retrieval.docsDir", "docs/rag")
	v.SetDefault("retrieval.topK", 5)
	v.SetDefault("retrieval.tokenBudget", 2000)
	v.SetDefault("retrieval.minScore", 0.65)

	// Prompt defaults
	v.SetDefault("prompts.dir", "prompts")
	v.SetDefault("prompts.version", "v1")

	// Output defaults
	v.SetDefault("output.dir", "output")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix FIRMFORGE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/firmforge/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("FIRMFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the externally specified variable names.
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("llm.useReal", "USE_REAL_LM", "FIRMFORGE_LLM_USE_REAL")
	_ = v.BindEnv("llm.apiKey", "LM_API_KEY", "FIRMFORGE_LLM_API_KEY")
	_ = v.BindEnv("llm.model", "LM_MODEL", "FIRMFORGE_LLM_MODEL")
	_ = v.BindEnv("llm.maxInFlight", "FIRMFORGE_LLM_MAX_IN_FLIGHT")
	_ = v.BindEnv("server.host", "BACKEND_HOST", "FIRMFORGE_SERVER_HOST")
	_ = v.BindEnv("server.port", "BACKEND_PORT", "FIRMFORGE_SERVER_PORT")
	_ = v.BindEnv("output.dir", "OUTPUT_DIR", "FIRMFORGE_OUTPUT_DIR")
	_ = v.BindEnv("logging.level", "LOG_LEVEL", "FIRMFORGE_LOGGING_LEVEL")
	_ = v.BindEnv("retrieval.docsDir", "FIRMFORGE_RETRIEVAL_DOCS_DIR")
	_ = v.BindEnv("prompts.dir", "FIRMFORGE_PROMPTS_DIR")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/firmforge/")

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

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	// LLM validation
	if cfg.LLM.MaxInFlight <= 0 {
		errs = append(errs, "llm.maxInFlight must be positive")
	}

	// Pipeline validation
	if cfg.Pipeline.MaxConcurrentRuns <= 0 {
		errs = append(errs, "pipeline.maxConcurrentRuns must be positive")
	}
	if cfg.Pipeline.ModuleWorkers <= 0 {
		errs = append(errs, "pipeline.moduleWorkers must be positive")
	}
	if cfg.Pipeline.AgentTimeoutMock <= 0 || cfg.Pipeline.AgentTimeoutReal <= 0 {
		errs = append(errs, "pipeline agent timeouts must be positive")
	}
	if cfg.Pipeline.QueueSize <= 0 {
		errs = append(errs, "pipeline.queueSize must be positive")
	}

	// Retrieval validation
	if cfg.Retrieval.TopK <= 0 {
		errs = append(errs, "retrieval.topK must be positive")
	}
	if cfg.Retrieval.TokenBudget <= 0 {
		errs = append(errs, "retrieval.tokenBudget must be positive")
	}
	if cfg.Retrieval.MinScore < 0 || cfg.Retrieval.MinScore > 1 {
		errs = append(errs, "retrieval.minScore must be between 0 and 1")
	}

	// Output validation
	if strings.TrimSpace(cfg.Output.Dir) == "" {
		errs = append(errs, "output.dir is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

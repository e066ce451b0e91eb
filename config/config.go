package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/isdmx/execbox/policy"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig        `mapstructure:"server"`
	Logging   LoggingConfig       `mapstructure:"logging"`
	Sandbox   SandboxConfig       `mapstructure:"sandbox"`
	Policy    PolicyConfig        `mapstructure:"policy"`
	Monitor   MonitorConfig       `mapstructure:"monitor"`
	Metrics   MetricsConfig       `mapstructure:"metrics"`
	Languages map[string]Language `mapstructure:"languages"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// SandboxConfig holds sandbox backend configuration
type SandboxConfig struct {
	Backend              string `mapstructure:"backend"`
	EnableProcessBackend bool   `mapstructure:"enable_process_backend"`
}

// PolicyConfig holds the default security policy applied to requests that
// do not carry their own limits.
type PolicyConfig struct {
	MaxExecutionTimeMs int      `mapstructure:"max_execution_time_ms"`
	MaxMemoryMB        int      `mapstructure:"max_memory_mb"`
	MaxCPUTimeMs       int      `mapstructure:"max_cpu_time_ms"`
	MaxOutputSize      int      `mapstructure:"max_output_size"`
	AllowedTools       []string `mapstructure:"allowed_tools"`
	AllowNetworkAccess bool     `mapstructure:"allow_network_access"`
	AllowFileSystem    bool     `mapstructure:"allow_file_system"`
	AdmissionThreshold string   `mapstructure:"admission_threshold"`
	RulesFile          string   `mapstructure:"rules_file"`
}

// MonitorConfig holds resource monitor configuration
type MonitorConfig struct {
	IntervalMs int `mapstructure:"interval_ms"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Language holds language-specific configuration
type Language struct {
	Image       string            `mapstructure:"image"`
	Environment map[string]string `mapstructure:"environment"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Set default values
	viper.SetDefault("server.transport", "stdio")
	viper.SetDefault("server.http_port", 8080)
	viper.SetDefault("logging.mode", "production")
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("sandbox.backend", "process")
	viper.SetDefault("sandbox.enable_process_backend", true)

	// Policy defaults mirror policy.Default()
	viper.SetDefault("policy.max_execution_time_ms", 5000)
	viper.SetDefault("policy.max_memory_mb", 256)
	viper.SetDefault("policy.max_cpu_time_ms", 2000)
	viper.SetDefault("policy.max_output_size", 64*1024)
	viper.SetDefault("policy.allow_network_access", false)
	viper.SetDefault("policy.allow_file_system", false)
	viper.SetDefault("policy.admission_threshold", "high")
	viper.SetDefault("policy.rules_file", "")

	viper.SetDefault("monitor.interval_ms", 100)
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.port", 9090)

	// Language defaults
	viper.SetDefault("languages.python.image", "python:3.11-slim")
	viper.SetDefault("languages.javascript.image", "node:20-alpine")
	viper.SetDefault("languages.typescript.image", "node:20-alpine")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	supportedBackends := map[string]bool{
		"docker":  true,
		"podman":  true,
		"process": c.Sandbox.EnableProcessBackend, // process only enabled if specifically allowed
	}
	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Monitor.IntervalMs <= 0 {
		return fmt.Errorf("monitor.interval_ms must be positive, got: %d", c.Monitor.IntervalMs)
	}

	if c.Metrics.Enabled && c.Metrics.Port <= 0 {
		return fmt.Errorf("metrics.port must be positive, got: %d", c.Metrics.Port)
	}

	p, err := c.SecurityPolicy()
	if err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}

	return nil
}

// SecurityPolicy builds the default per-request policy from the
// configuration, loading the blocked-pattern rule file when one is set.
func (c *Config) SecurityPolicy() (*policy.SecurityPolicy, error) {
	threshold, err := policy.ParseRiskLevel(c.Policy.AdmissionThreshold)
	if err != nil {
		return nil, fmt.Errorf("invalid policy.admission_threshold: %w", err)
	}

	rules := policy.DefaultRules()
	if c.Policy.RulesFile != "" {
		loaded, err := policy.LoadRules(c.Policy.RulesFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load policy rules: %w", err)
		}
		rules = loaded
	}

	return &policy.SecurityPolicy{
		MaxExecutionTimeMs: c.Policy.MaxExecutionTimeMs,
		MaxMemoryMB:        c.Policy.MaxMemoryMB,
		MaxCPUTimeMs:       c.Policy.MaxCPUTimeMs,
		MaxOutputSize:      c.Policy.MaxOutputSize,
		AllowedTools:       c.Policy.AllowedTools,
		BlockedPatterns:    rules,
		AllowNetworkAccess: c.Policy.AllowNetworkAccess,
		AllowFileSystem:    c.Policy.AllowFileSystem,
		AdmissionThreshold: threshold,
	}, nil
}

// MonitorInterval returns the sampling interval as a duration.
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.Monitor.IntervalMs) * time.Millisecond
}

// LanguageImage returns the configured container image for a language, or
// the fallback when not configured.
func (c *Config) LanguageImage(language, fallback string) string {
	if lang, ok := c.Languages[language]; ok && lang.Image != "" {
		return lang.Image
	}
	return fallback
}

// LanguageEnvironment returns configured environment variables for a language.
func (c *Config) LanguageEnvironment(language string) map[string]string {
	if lang, ok := c.Languages[language]; ok && lang.Environment != nil {
		return lang.Environment
	}
	return map[string]string{}
}

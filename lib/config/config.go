package config

import (
	"fmt"

	"github.com/caarlos0/env/v10"
)

// Framing values for SQLLS_FRAMING.
const (
	FramingHeader = "header"
	FramingBinary = "binary"
)

// Config holds the bridge settings read from the environment. In a browser
// worker the environment is empty and every default applies.
type Config struct {
	// Engine
	EnginePath       string `env:"SQLLS_ENGINE_PATH"`
	EngineURL        string `env:"SQLLS_ENGINE_URL" envDefault:"sqlls_engine.wasm"`
	MemoryLimitPages uint32 `env:"SQLLS_MEMORY_LIMIT_PAGES" envDefault:"0"`
	CompilationCache string `env:"SQLLS_COMPILATION_CACHE"`

	// Channel
	ListenSocket  string `env:"SQLLS_LISTEN_SOCKET"`
	Framing       string `env:"SQLLS_FRAMING" envDefault:"header"`
	ReadySentinel string `env:"SQLLS_READY_SENTINEL" envDefault:"OK"`
	MaxFrameSize  int    `env:"SQLLS_MAX_FRAME_SIZE" envDefault:"10485760"`

	// Observability
	MetricsAddr string `env:"SQLLS_METRICS_ADDR"`
	LogLevel    string `env:"SQLLS_LOG_LEVEL" envDefault:"info"`
	LogEncoding string `env:"SQLLS_LOG_ENCODING" envDefault:"json"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks settings shared by every build. The native binary
// additionally requires EnginePath, see RequireEnginePath.
func (c *Config) Validate() error {
	if c.Framing != FramingHeader && c.Framing != FramingBinary {
		return fmt.Errorf("SQLLS_FRAMING must be one of: header, binary")
	}

	if c.ReadySentinel == "" {
		return fmt.Errorf("SQLLS_READY_SENTINEL must not be empty")
	}

	if c.MaxFrameSize <= 0 {
		return fmt.Errorf("SQLLS_MAX_FRAME_SIZE must be positive")
	}

	if !isValidLogLevel(c.LogLevel) {
		return fmt.Errorf("SQLLS_LOG_LEVEL must be one of: debug, info, warn, error")
	}

	if c.LogEncoding != "json" && c.LogEncoding != "console" {
		return fmt.Errorf("SQLLS_LOG_ENCODING must be one of: json, console")
	}

	return nil
}

// RequireEnginePath reports whether an engine file was configured.
func (c *Config) RequireEnginePath() error {
	if c.EnginePath == "" {
		return fmt.Errorf("SQLLS_ENGINE_PATH is required")
	}
	return nil
}

func isValidLogLevel(level string) bool {
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	return validLevels[level]
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{EnginePath=%s, EngineURL=%s, MemoryLimitPages=%d, CompilationCache=%s, ListenSocket=%s, Framing=%s, "+
			"ReadySentinel=%s, MaxFrameSize=%d, MetricsAddr=%s, LogLevel=%s, LogEncoding=%s}",
		c.EnginePath,
		c.EngineURL,
		c.MemoryLimitPages,
		c.CompilationCache,
		c.ListenSocket,
		c.Framing,
		c.ReadySentinel,
		c.MaxFrameSize,
		c.MetricsAddr,
		c.LogLevel,
		c.LogEncoding,
	)
}

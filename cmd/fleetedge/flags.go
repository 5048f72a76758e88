package main

import (
	"flag"
	"fmt"
	"os"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ShowVersion     bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("FLEETEDGE_CONFIG", "/etc/fleetedge/config.json"),
		"Path to configuration file (env: FLEETEDGE_CONFIG)")
	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("FLEETEDGE_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: FLEETEDGE_LOG_LEVEL)")
	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("FLEETEDGE_LOG_FORMAT", "json"),
		"Log format: json, text (env: FLEETEDGE_LOG_FORMAT)")
	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		30*time.Second,
		"Graceful shutdown timeout")
	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Parse()
	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion {
		return nil
	}
	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.LogLevel] {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.LogFormat] {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

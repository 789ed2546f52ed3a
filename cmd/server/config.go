package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// config is the YAML server configuration. Secrets may be left out of the
// file and provided through the environment instead.
type config struct {
	Port         string `yaml:"port"`
	DatabasePath string `yaml:"databasePath"`

	// SecretKey signs access tokens; EncryptionKey protects stored provider
	// API keys. Env fallbacks: TEEHEE_SECRET_KEY, TEEHEE_ENCRYPTION_KEY.
	SecretKey     string `yaml:"secretKey"`
	EncryptionKey string `yaml:"encryptionKey"`

	TokenTTLMinutes int `yaml:"tokenTTLMinutes"`

	MaxTokens  int    `yaml:"maxTokens"`
	OllamaHost string `yaml:"ollamaHost"`

	LogLevel string `yaml:"logLevel"`
}

func loadConfig(path string) (config, error) {
	cfg := config{
		Port:            "8080",
		TokenTTLMinutes: 30,
		MaxTokens:       4096,
		LogLevel:        "info",
	}

	f, err := os.Open(path)
	if err != nil {
		return config{}, fmt.Errorf("error opening config file: %w", err)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}

	if cfg.SecretKey == "" {
		cfg.SecretKey = os.Getenv("TEEHEE_SECRET_KEY")
	}
	if cfg.EncryptionKey == "" {
		cfg.EncryptionKey = os.Getenv("TEEHEE_ENCRYPTION_KEY")
	}
	if cfg.OllamaHost == "" {
		cfg.OllamaHost = os.Getenv("OLLAMA_HOST")
	}

	if cfg.SecretKey == "" {
		return config{}, fmt.Errorf("secretKey is required")
	}
	if cfg.EncryptionKey == "" {
		return config{}, fmt.Errorf("encryptionKey is required")
	}

	return cfg, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (valid: debug, info, warn, error)", s)
	}
}

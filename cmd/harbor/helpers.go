package main

import (
	"fmt"
	"log/slog"
	"os"

	env "github.com/Netflix/go-env"
	harbor "github.com/harbor-social/harbor-go"
	"github.com/joho/godotenv"
)

// envOverrides are the settings that take precedence over the config file.
type envOverrides struct {
	BaseURL  string `env:"HARBOR_BASE_URL"`
	Token    string `env:"HARBOR_TOKEN"`
	LogLevel string `env:"HARBOR_LOG_LEVEL"`
}

// resolveConfig merges the config file with .env and process environment.
func resolveConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	// A missing .env file is not an error.
	_ = godotenv.Load()

	var ov envOverrides
	if _, err := env.UnmarshalFromEnviron(&ov); err != nil {
		return nil, fmt.Errorf("cannot read environment: %w", err)
	}
	if ov.BaseURL != "" {
		cfg.Default.BaseURL = ov.BaseURL
	}
	if ov.Token != "" {
		cfg.Auth.Token = ov.Token
	}
	if ov.LogLevel != "" {
		cfg.Default.LogLevel = ov.LogLevel
	}
	return cfg, nil
}

// newLogger builds the structured logger the SDK components share.
func newLogger(cfg *Config) *slog.Logger {
	level := slog.LevelWarn
	switch cfg.Default.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// getClient creates a Harbor client authenticated with the stored token.
func getClient() (*harbor.Client, *Config) {
	cfg, err := resolveConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "Not logged in. Run 'harbor login <username>' first.")
		os.Exit(1)
	}

	var opts []harbor.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, harbor.WithBaseURL(cfg.Default.BaseURL))
	}
	return harbor.NewClient(cfg.Auth.Token, opts...), cfg
}

// getAnonClient creates an unauthenticated client for register/login.
func getAnonClient() (*harbor.Client, *Config) {
	cfg, err := resolveConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	var opts []harbor.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, harbor.WithBaseURL(cfg.Default.BaseURL))
	}
	return harbor.NewClient("", opts...), cfg
}

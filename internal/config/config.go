// Package config содержит логику чтения конфигурации сервиса gitbrew.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса gitbrew.
type Config struct {
	RunAddress          string `env:"RUN_ADDRESS"`
	DatabaseURI         string `env:"DATABASE_URI"`
	GithubWebhookSecret string `env:"GITHUB_WEBHOOK_SECRET"`
	CronSecret          string `env:"CRON_SECRET"`
	SessionSecret       string `env:"SESSION_SECRET"`
	StreakTarget        int    `env:"STREAK_TARGET"`
	TerminalAuthURL     string `env:"TERMINAL_AUTH_URL"`
	TerminalAPIURL      string `env:"TERMINAL_API_URL"`
	TerminalClientID    string `env:"TERMINAL_CLIENT_ID"`
	TerminalSecret      string `env:"TERMINAL_SECRET"`
	TerminalRedirectURL string `env:"TERMINAL_REDIRECT_URL"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envValues := *cfg

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.GithubWebhookSecret, "webhook-secret", "", "GitHub webhook shared secret")
	flag.StringVar(&cfg.CronSecret, "cron-secret", "", "bearer token for the scheduled job endpoint")
	flag.StringVar(&cfg.SessionSecret, "session-secret", "", "secret for signing session cookies")
	flag.IntVar(&cfg.StreakTarget, "streak-target", 14, "streak length required for a coffee reward")
	flag.StringVar(&cfg.TerminalAuthURL, "terminal-auth-url", "", "Terminal OAuth base URL")
	flag.StringVar(&cfg.TerminalAPIURL, "terminal-api-url", "", "Terminal API base URL")
	flag.StringVar(&cfg.TerminalClientID, "terminal-client-id", "", "Terminal OAuth client id")
	flag.StringVar(&cfg.TerminalSecret, "terminal-secret", "", "Terminal OAuth client secret")
	flag.StringVar(&cfg.TerminalRedirectURL, "terminal-redirect-url", "", "OAuth callback URL registered with Terminal")

	flag.Parse()

	if envValues.RunAddress != "" {
		cfg.RunAddress = envValues.RunAddress
	}
	if envValues.DatabaseURI != "" {
		cfg.DatabaseURI = envValues.DatabaseURI
	}
	if envValues.GithubWebhookSecret != "" {
		cfg.GithubWebhookSecret = envValues.GithubWebhookSecret
	}
	if envValues.CronSecret != "" {
		cfg.CronSecret = envValues.CronSecret
	}
	if envValues.SessionSecret != "" {
		cfg.SessionSecret = envValues.SessionSecret
	}
	if envValues.StreakTarget != 0 {
		cfg.StreakTarget = envValues.StreakTarget
	}
	if envValues.TerminalAuthURL != "" {
		cfg.TerminalAuthURL = envValues.TerminalAuthURL
	}
	if envValues.TerminalAPIURL != "" {
		cfg.TerminalAPIURL = envValues.TerminalAPIURL
	}
	if envValues.TerminalClientID != "" {
		cfg.TerminalClientID = envValues.TerminalClientID
	}
	if envValues.TerminalSecret != "" {
		cfg.TerminalSecret = envValues.TerminalSecret
	}
	if envValues.TerminalRedirectURL != "" {
		cfg.TerminalRedirectURL = envValues.TerminalRedirectURL
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.StreakTarget <= 0 {
		cfg.StreakTarget = 14
	}

	return cfg, nil
}

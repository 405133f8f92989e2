// Package config loads application settings from environment variables
// and the phase pipeline definition from YAML.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Research backend (session store + phase endpoints)
	BackendBaseURL string        `envconfig:"BACKEND_BASE_URL" default:"http://localhost:3000"`
	BackendAPIKey  string        `envconfig:"BACKEND_API_KEY"`
	InvokeTimeout  time.Duration `envconfig:"INVOKE_TIMEOUT" default:"90s"`

	// Scraper limits forwarded to the backend
	ScrapeMaxPages int           `envconfig:"SCRAPE_MAX_PAGES" default:"50"`
	ScrapeTimeout  time.Duration `envconfig:"SCRAPE_TIMEOUT" default:"60s"`

	// Stage data cache
	CacheWindow int `envconfig:"CACHE_WINDOW" default:"2"`

	// Cost confirmation ceiling (USD). Phases estimating above this are declined.
	CostCeilingUSD float64 `envconfig:"COST_CEILING_USD" default:"5.0"`

	// Pipeline definition file (optional YAML; env values used when empty)
	PipelineFile string `envconfig:"PIPELINE_FILE"`

	// Slack approval notifications (optional)
	SlackBotToken        string `envconfig:"SLACK_BOT_TOKEN"`
	SlackApprovalChannel string `envconfig:"SLACK_APPROVAL_CHANNEL"`

	// Management API
	MgmtListenAddr     string `envconfig:"MGMT_LISTEN_ADDR" default:":8090"`
	MgmtAuthMode       string `envconfig:"MGMT_AUTH_MODE" default:"api-key"`
	MgmtAPIKey         string `envconfig:"MGMT_API_KEY"`
	MgmtJWTSecret      string `envconfig:"MGMT_JWT_SECRET"`
	MgmtRateLimitRPS   int    `envconfig:"MGMT_RATE_LIMIT_RPS" default:"100"`
	MgmtRateLimitBurst int    `envconfig:"MGMT_RATE_LIMIT_BURST" default:"200"`
	MgmtCORSOrigins    string `envconfig:"MGMT_CORS_ORIGINS"`
}

// SlackEnabled returns true if the approval notifier is configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackApprovalChannel != ""
}

// Validate checks cross-field constraints that envconfig cannot express.
func (c *Config) Validate() error {
	if c.CacheWindow < 1 {
		return fmt.Errorf("CACHE_WINDOW must be >= 1, got %d", c.CacheWindow)
	}
	if c.ScrapeMaxPages < 1 {
		return fmt.Errorf("SCRAPE_MAX_PAGES must be >= 1, got %d", c.ScrapeMaxPages)
	}
	switch c.MgmtAuthMode {
	case "api-key", "jwt", "none":
	default:
		return fmt.Errorf("unknown MGMT_AUTH_MODE %q", c.MgmtAuthMode)
	}
	if c.MgmtAuthMode == "jwt" && c.MgmtJWTSecret == "" {
		return fmt.Errorf("MGMT_JWT_SECRET is required when MGMT_AUTH_MODE=jwt")
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

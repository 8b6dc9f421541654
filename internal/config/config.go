package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime settings, populated from environment variables.
type Config struct {
	// HTTP
	ListenAddr string
	JWKSURL    string

	// Data locations
	DataDir         string
	CredentialsFile string
	TokenFile       string

	// Events
	NATSURL string

	// Provider selection: "gmail" or "outlook"
	Provider string
	// Outlook only: Graph user id ("me" is not supported by app-only auth)
	// and a pre-acquired access token.
	OutlookUser  string
	OutlookToken string

	// Cleanup scheduling
	Categories   []string
	LookbackDays int
	CronSpec     string

	// Engine policy knobs
	BatchSize      int
	MaxRetries     int
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
	RequestSpacing time.Duration
	PageDelay      time.Duration
	BatchDelay     time.Duration
	ItemDelay      time.Duration
}

// Load reads configuration from the environment, applying defaults for
// anything unset.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:      getEnv("MAILSWEEP_ADDR", ":8080"),
		JWKSURL:         os.Getenv("MAILSWEEP_JWKS_URL"),
		DataDir:         getEnv("MAILSWEEP_DATA_DIR", "data"),
		CredentialsFile: getEnv("MAILSWEEP_CREDENTIALS_FILE", "client_secret.json"),
		TokenFile:       getEnv("MAILSWEEP_TOKEN_FILE", "token.json"),
		NATSURL:         getEnv("MAILSWEEP_NATS_URL", ""),
		Provider:        getEnv("MAILSWEEP_PROVIDER", "gmail"),
		OutlookUser:     os.Getenv("MAILSWEEP_OUTLOOK_USER"),
		OutlookToken:    os.Getenv("MAILSWEEP_OUTLOOK_TOKEN"),
		Categories:      splitList(getEnv("MAILSWEEP_CATEGORIES", "promotions,social")),
		CronSpec:        getEnv("MAILSWEEP_CRON", "0 3 * * *"),
	}

	var err error
	if cfg.LookbackDays, err = getInt("MAILSWEEP_LOOKBACK_DAYS", 30); err != nil {
		return nil, err
	}
	if cfg.BatchSize, err = getInt("MAILSWEEP_BATCH_SIZE", 20); err != nil {
		return nil, err
	}
	if cfg.MaxRetries, err = getInt("MAILSWEEP_MAX_RETRIES", 5); err != nil {
		return nil, err
	}
	if cfg.MinBackoff, err = getDuration("MAILSWEEP_MIN_BACKOFF", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.MaxBackoff, err = getDuration("MAILSWEEP_MAX_BACKOFF", 120*time.Second); err != nil {
		return nil, err
	}
	if cfg.RequestSpacing, err = getDuration("MAILSWEEP_REQUEST_SPACING", 100*time.Millisecond); err != nil {
		return nil, err
	}
	if cfg.PageDelay, err = getDuration("MAILSWEEP_PAGE_DELAY", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.BatchDelay, err = getDuration("MAILSWEEP_BATCH_DELAY", 2*time.Second); err != nil {
		return nil, err
	}
	if cfg.ItemDelay, err = getDuration("MAILSWEEP_ITEM_DELAY", 2*time.Second); err != nil {
		return nil, err
	}

	if cfg.Provider != "gmail" && cfg.Provider != "outlook" {
		return nil, fmt.Errorf("unsupported provider %q", cfg.Provider)
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

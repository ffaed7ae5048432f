package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the outreach service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	DatabaseURL string

	// DriverMode selects the automation backend: "rod" drives a real
	// browser, "mock" runs the in-memory driver for development.
	DriverMode string
	Headless   bool

	CookiesFile   string
	LeadsCSV      string
	DemoVideoFile string
	GeminiAPIKey  string

	BatchSize    int
	CooldownDays int

	DailyLimit      int
	MinDelay        time.Duration
	MaxDelay        time.Duration
	ConnectCooldown time.Duration
	ReplyCooldown   time.Duration

	MaxCompletedJobs int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "outreach"),
		AllowAnyOrigin:   false,
		DatabaseURL:      envOrDefault("DATABASE_URL", "outreach.db"),
		DriverMode:       strings.ToLower(envOrDefault("DRIVER_MODE", "rod")),
		Headless:         false,
		CookiesFile:      envOrDefault("LINKEDIN_COOKIES_FILE", "linkedin_cookies.json"),
		LeadsCSV:         envOrDefault("LEADS_CSV", "leads.csv"),
		DemoVideoFile:    envOrDefault("DEMO_VIDEO_FILE", "demo.mp4"),
		GeminiAPIKey:     stringsTrimSpace("GEMINI_API_KEY"),
		BatchSize:        10,
		CooldownDays:     60,
		DailyLimit:       20,
		MinDelay:         60 * time.Second,
		MaxDelay:         120 * time.Second,
		ConnectCooldown:  2 * time.Hour,
		ReplyCooldown:    72 * time.Hour,
		MaxCompletedJobs: 50,
		ShutdownTimeout:  15 * time.Second,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.Headless, err = boolFromEnv("BROWSER_HEADLESS", cfg.Headless)
	if err != nil {
		return Config{}, err
	}
	cfg.BatchSize, err = intFromEnv("BATCH_SIZE", cfg.BatchSize)
	if err != nil {
		return Config{}, err
	}
	cfg.CooldownDays, err = intFromEnv("COOLDOWN_DAYS", cfg.CooldownDays)
	if err != nil {
		return Config{}, err
	}
	cfg.DailyLimit, err = intFromEnv("DAILY_LIMIT", cfg.DailyLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxCompletedJobs, err = intFromEnv("MAX_COMPLETED_JOBS", cfg.MaxCompletedJobs)
	if err != nil {
		return Config{}, err
	}
	cfg.MinDelay, err = durationFromEnv("MIN_DELAY", cfg.MinDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxDelay, err = durationFromEnv("MAX_DELAY", cfg.MaxDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.ConnectCooldown, err = durationFromEnv("CONNECT_COOLDOWN", cfg.ConnectCooldown)
	if err != nil {
		return Config{}, err
	}
	cfg.ReplyCooldown, err = durationFromEnv("REPLY_COOLDOWN", cfg.ReplyCooldown)
	if err != nil {
		return Config{}, err
	}

	switch cfg.DriverMode {
	case "rod", "mock":
	default:
		return Config{}, fmt.Errorf("DRIVER_MODE must be rod or mock, got %q", cfg.DriverMode)
	}
	if cfg.BatchSize <= 0 {
		return Config{}, fmt.Errorf("BATCH_SIZE must be positive")
	}
	if cfg.CooldownDays <= 0 {
		return Config{}, fmt.Errorf("COOLDOWN_DAYS must be positive")
	}
	if cfg.DailyLimit <= 0 {
		return Config{}, fmt.Errorf("DAILY_LIMIT must be positive")
	}
	if cfg.MinDelay <= 0 {
		return Config{}, fmt.Errorf("MIN_DELAY must be positive")
	}
	if cfg.MaxDelay < cfg.MinDelay {
		return Config{}, fmt.Errorf("MAX_DELAY must be >= MIN_DELAY")
	}
	if cfg.MaxCompletedJobs <= 0 {
		return Config{}, fmt.Errorf("MAX_COMPLETED_JOBS must be positive")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return trimSpace(os.Getenv(key))
}

func trimSpace(v string) string {
	for len(v) > 0 && (v[0] == ' ' || v[0] == '\n' || v[0] == '\t' || v[0] == '\r') {
		v = v[1:]
	}
	for len(v) > 0 {
		c := v[len(v)-1]
		if c == ' ' || c == '\n' || c == '\t' || c == '\r' {
			v = v[:len(v)-1]
			continue
		}
		break
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

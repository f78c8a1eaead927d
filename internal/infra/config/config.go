package config

import (
	"fmt"
	"os"
	"strconv"
	"strings" // For LogLevel normalization
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Stalled cycle policies. A stalled cube is active, past its payout date and
// still waiting on contributions.
const (
	StalledPolicyNone         = "none"
	StalledPolicyNotifyAdmins = "notify_admins"
)

// AppConfig holds all configuration for the application
type AppConfig struct {
	TelegramToken   string
	DatabaseURL     string
	AdminTelegramID int64
	LogLevel        string
	Environment     string
	MetricsAddr     string

	CycleUnit time.Duration // Length of one rotation cycle

	CronSpecCycleCheck   string
	CronSpecPayoutRetry  string
	CronSpecStallCheck   string
	SchedulerConcurrency int
	SchedulerJobTimeout  time.Duration
	SchedulerInstanceID  string
	CycleLeaseTTL        time.Duration

	PayoutTimeout     time.Duration
	PayoutMaxAttempts int

	StalledCyclePolicy string
	StalledCycleAfter  time.Duration
}

// Load reads configuration from environment variables and .env file (if present).
func Load() (*AppConfig, error) {
	// godotenv.Load will not override existing env variables.
	_ = godotenv.Load()

	cfg := &AppConfig{}
	var err error

	cfg.TelegramToken = os.Getenv("TELEGRAM_TOKEN")
	if cfg.TelegramToken == "" {
		return nil, fmt.Errorf("TELEGRAM_TOKEN is not set")
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is not set")
	}

	adminIDStr := os.Getenv("ADMIN_TELEGRAM_ID")
	if adminIDStr == "" {
		return nil, fmt.Errorf("ADMIN_TELEGRAM_ID is not set")
	}
	cfg.AdminTelegramID, err = strconv.ParseInt(adminIDStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid ADMIN_TELEGRAM_ID: %w", err)
	}

	cfg.LogLevel = strings.ToLower(envOr("LOG_LEVEL", "info"))
	cfg.Environment = strings.ToLower(envOr("ENVIRONMENT", "development"))
	cfg.MetricsAddr = ":9090"
	if v, ok := os.LookupEnv("METRICS_ADDR"); ok {
		cfg.MetricsAddr = v // empty disables the listener
	}

	if cfg.CycleUnit, err = durationEnv("CYCLE_UNIT", 30*24*time.Hour); err != nil {
		return nil, err
	}
	if cfg.CycleUnit <= 0 {
		return nil, fmt.Errorf("invalid CYCLE_UNIT: must be positive")
	}

	cfg.CronSpecCycleCheck = envOr("CRON_SPEC_CYCLE_CHECK", "*/5 * * * *")   // Default: every 5 minutes
	cfg.CronSpecPayoutRetry = envOr("CRON_SPEC_PAYOUT_RETRY", "*/15 * * * *") // Default: every 15 minutes
	cfg.CronSpecStallCheck = envOr("CRON_SPEC_STALL_CHECK", "0 9 * * *")      // Default: 9 AM daily

	if cfg.SchedulerConcurrency, err = intEnv("SCHEDULER_CONCURRENCY", 4); err != nil {
		return nil, err
	}
	if cfg.SchedulerConcurrency < 1 {
		return nil, fmt.Errorf("invalid SCHEDULER_CONCURRENCY: must be at least 1")
	}
	if cfg.SchedulerJobTimeout, err = durationEnv("SCHEDULER_JOB_TIMEOUT", 2*time.Minute); err != nil {
		return nil, err
	}
	if cfg.SchedulerJobTimeout <= 0 {
		return nil, fmt.Errorf("invalid SCHEDULER_JOB_TIMEOUT: must be positive")
	}
	cfg.SchedulerInstanceID = envOr("SCHEDULER_INSTANCE_ID", uuid.NewString())
	if cfg.CycleLeaseTTL, err = durationEnv("CYCLE_LEASE_TTL", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.CycleLeaseTTL <= 0 {
		return nil, fmt.Errorf("invalid CYCLE_LEASE_TTL: must be positive")
	}

	if cfg.PayoutTimeout, err = durationEnv("PAYOUT_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.PayoutTimeout <= 0 {
		return nil, fmt.Errorf("invalid PAYOUT_TIMEOUT: must be positive")
	}
	if cfg.PayoutMaxAttempts, err = intEnv("PAYOUT_MAX_ATTEMPTS", 5); err != nil {
		return nil, err
	}
	if cfg.PayoutMaxAttempts < 1 {
		return nil, fmt.Errorf("invalid PAYOUT_MAX_ATTEMPTS: must be at least 1")
	}

	cfg.StalledCyclePolicy = strings.ToLower(envOr("STALLED_CYCLE_POLICY", StalledPolicyNone))
	switch cfg.StalledCyclePolicy {
	case StalledPolicyNone, StalledPolicyNotifyAdmins:
	default:
		return nil, fmt.Errorf("invalid STALLED_CYCLE_POLICY %q: expected %q or %q", cfg.StalledCyclePolicy, StalledPolicyNone, StalledPolicyNotifyAdmins)
	}
	if cfg.StalledCycleAfter, err = durationEnv("STALLED_CYCLE_AFTER", 72*time.Hour); err != nil {
		return nil, err
	}

	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
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

func intEnv(key string, def int) (int, error) {
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

package account

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/Dirac-Team/Dirac-Waitlist/internal/account/registry"
)

const (
	defaultDownloadURLARM   = "https://github.com/Dirac-Team/Dirac_Waitlist/releases/download/v1.1.2/Dirac-1.1.2-arm64.dmg"
	defaultDownloadURLIntel = "https://github.com/Dirac-Team/Dirac_Waitlist/releases/download/v1.1.2/Dirac-1.1.2.dmg"
)

// Config holds all configuration for the license service.
type Config struct {
	DataDir        string
	DatabaseDriver string
	DatabaseURL    string
	BindAddress    string
	Port           int

	AdminKey   string
	CronSecret string // bearer for the reminder sweep; empty rejects every call
	BaseURL    string

	StripeWebhookSecret string
	StripeAPIKey        string // optional; enables checkout, portal and poll reconciliation
	StripePriceID       string

	ResendAPIKey string // optional; emails are logged when empty
	EmailFrom    string

	TrialDays        int
	LicenseKeyPrefix string
	DownloadURLARM   string
	DownloadURLIntel string
	LatestAppVersion string

	ReminderSchedule    string // optional cron expression, e.g. "@hourly"
	SessionPollAttempts int
	SessionPollInterval time.Duration

	KafkaBrokers []string
	KafkaTopic   string
	RedisURL     string

	// TrustedProxyCIDRs lists the reverse proxies whose X-Forwarded-For and
	// X-Real-IP headers are honored. Bare IPs are accepted.
	TrustedProxyCIDRs []string

	PublicMetrics bool
	LogLevel      string
	LogFormat     string
}

// TrialDuration returns the configured trial length.
func (c *Config) TrialDuration() time.Duration {
	return time.Duration(c.TrialDays) * 24 * time.Hour
}

// StripeEnabled reports whether API calls to Stripe are possible.
func (c *Config) StripeEnabled() bool {
	return c.StripeAPIKey != ""
}

// RegistryConfig returns the store selection for registry.Open.
func (c *Config) RegistryConfig() registry.Config {
	return registry.Config{
		Driver:  c.DatabaseDriver,
		DataDir: c.DataDir,
		DSN:     c.DatabaseURL,
	}
}

// LoadConfig loads service configuration from environment variables.
// A .env file is loaded if present but not required.
func LoadConfig() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("PORT", 8080)
	if err != nil {
		return nil, err
	}
	trialDays, err := envOrDefaultInt("TRIAL_DAYS", 4)
	if err != nil {
		return nil, err
	}
	pollAttempts, err := envOrDefaultInt("SESSION_POLL_ATTEMPTS", 5)
	if err != nil {
		return nil, err
	}
	pollInterval, err := envOrDefaultDuration("SESSION_POLL_INTERVAL", 2*time.Second)
	if err != nil {
		return nil, err
	}
	publicMetrics, err := envOrDefaultBool("PUBLIC_METRICS", false)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:             envOrDefault("DIRAC_DATA_DIR", "/data"),
		DatabaseDriver:      strings.ToLower(envOrDefault("DATABASE_DRIVER", registry.DriverSQLite)),
		DatabaseURL:         strings.TrimSpace(os.Getenv("DATABASE_URL")),
		BindAddress:         envOrDefault("BIND_ADDRESS", "0.0.0.0"),
		Port:                port,
		AdminKey:            strings.TrimSpace(os.Getenv("ADMIN_API_KEY")),
		CronSecret:          strings.TrimSpace(os.Getenv("CRON_SECRET")),
		BaseURL:             strings.TrimRight(strings.TrimSpace(os.Getenv("BASE_URL")), "/"),
		StripeWebhookSecret: strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		StripeAPIKey:        strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripePriceID:       strings.TrimSpace(os.Getenv("STRIPE_PRICE_ID")),
		ResendAPIKey:        strings.TrimSpace(os.Getenv("RESEND_API_KEY")),
		EmailFrom:           envOrDefault("EMAIL_FROM", "Dirac <peter@dirac.app>"),
		TrialDays:           trialDays,
		LicenseKeyPrefix:    envOrDefault("LICENSE_KEY_PREFIX", "DIRAC"),
		DownloadURLARM:      envOrDefault("DOWNLOAD_URL_ARM", defaultDownloadURLARM),
		DownloadURLIntel:    envOrDefault("DOWNLOAD_URL_INTEL", defaultDownloadURLIntel),
		LatestAppVersion:    strings.TrimSpace(os.Getenv("LATEST_APP_VERSION")),
		ReminderSchedule:    strings.TrimSpace(os.Getenv("REMINDER_SCHEDULE")),
		SessionPollAttempts: pollAttempts,
		SessionPollInterval: pollInterval,
		KafkaBrokers:        splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:          envOrDefault("KAFKA_TOPIC", "license-events"),
		RedisURL:            strings.TrimSpace(os.Getenv("REDIS_URL")),
		TrustedProxyCIDRs:   splitList(os.Getenv("TRUSTED_PROXY_CIDRS")),
		PublicMetrics:       publicMetrics,
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
		LogFormat:           envOrDefault("LOG_FORMAT", "auto"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.AdminKey == "" {
		missing = append(missing, "ADMIN_API_KEY")
	}
	if c.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}
	if c.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if c.DatabaseDriver == registry.DriverPostgres && c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.TrialDays <= 0 {
		return fmt.Errorf("TRIAL_DAYS must be greater than 0, got %d", c.TrialDays)
	}
	if c.SessionPollAttempts <= 0 {
		return fmt.Errorf("SESSION_POLL_ATTEMPTS must be greater than 0, got %d", c.SessionPollAttempts)
	}
	if c.SessionPollInterval <= 0 {
		return fmt.Errorf("SESSION_POLL_INTERVAL must be positive, got %s", c.SessionPollInterval)
	}
	switch c.DatabaseDriver {
	case registry.DriverSQLite, registry.DriverPostgres:
	default:
		return fmt.Errorf("DATABASE_DRIVER must be %q or %q, got %q", registry.DriverSQLite, registry.DriverPostgres, c.DatabaseDriver)
	}

	parsedBaseURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("BASE_URL must be a valid URL: %w", err)
	}
	if parsedBaseURL.Scheme != "http" && parsedBaseURL.Scheme != "https" {
		return fmt.Errorf("BASE_URL must use http or https scheme")
	}
	if parsedBaseURL.Host == "" {
		return fmt.Errorf("BASE_URL must include a host")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be true or false: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a duration like 2s: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

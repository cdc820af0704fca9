package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/habitflow/credits-server-go/internal/model"
)

var knownWeakSecrets = []string{
	"change-me", "dev-secret-change-me", "secret", "admin", "password",
}

type Config struct {
	Port                       int    `env:"PORT" envDefault:"8080"`
	DatabaseURL                string `env:"DATABASE_URL,required,notEmpty"`
	RedisURL                   string `env:"REDIS_URL"`
	NatsURL                    string `env:"NATS_URL"`
	AdminSessionSecret         string `env:"ADMIN_SESSION_SECRET"`
	// PurchaseCallbackSecret signs purchase callbacks. Empty disables the route.
	PurchaseCallbackSecret     string `env:"PURCHASE_CALLBACK_SECRET"`
	BootstrapAdminEmail        string `env:"BOOTSTRAP_ADMIN_EMAIL"`
	// BootstrapAdminPasswordHash is a bcrypt hash from scripts/hash-password.go.
	BootstrapAdminPasswordHash string `env:"BOOTSTRAP_ADMIN_PASSWORD_HASH"`
	LogLevel                   string `env:"LOG_LEVEL" envDefault:"info"`
	AppEnv                     string `env:"APP_ENV" envDefault:"development"`
	MigrateOnStart             bool   `env:"MIGRATE_ON_START" envDefault:"false"`
	IPRateLimitPerMinute       int    `env:"IP_RATE_LIMIT_PER_MINUTE" envDefault:"600"`

	DailyGrantAmount   int64  `env:"DAILY_GRANT_AMOUNT" envDefault:"10"`
	DailyGrantTimezone string `env:"DAILY_GRANT_TIMEZONE" envDefault:"UTC"`
	SignupBonusCredits int64  `env:"SIGNUP_BONUS_CREDITS" envDefault:"0"`
	LedgerMaxAttempts  int    `env:"LEDGER_MAX_ATTEMPTS" envDefault:"3"`

	FeatureCosts    map[string]int64  `env:"FEATURE_COSTS" envDefault:"notes:5,flashcards:10,roadmap:15,mentor:3,pdf_export:0"`
	FeatureMinTiers map[string]string `env:"FEATURE_MIN_TIERS" envDefault:"pdf_export:premium"`

	RateLimitWindowSeconds int            `env:"RATE_LIMIT_WINDOW_SECONDS" envDefault:"3600"`
	RateLimitMaxPerTier    map[string]int `env:"RATE_LIMIT_MAX_PER_TIER" envDefault:"free:10,pro:30,premium:60,lifetime:60"`

	AdminReverifyWindowMinutes int `env:"ADMIN_REVERIFY_WINDOW_MINUTES" envDefault:"30"`
	AdminLockoutThreshold      int `env:"ADMIN_LOCKOUT_THRESHOLD" envDefault:"5"`
	AdminLockoutMinutes        int `env:"ADMIN_LOCKOUT_MINUTES" envDefault:"15"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowSeconds) * time.Second
}

func (c *Config) AdminReverifyWindow() time.Duration {
	return time.Duration(c.AdminReverifyWindowMinutes) * time.Minute
}

func (c *Config) AdminLockoutDuration() time.Duration {
	return time.Duration(c.AdminLockoutMinutes) * time.Minute
}

// GrantLocation resolves the timezone whose calendar day bounds the daily grant.
func (c *Config) GrantLocation() (*time.Location, error) {
	if c.DailyGrantTimezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.DailyGrantTimezone)
}

// TierLimits converts the per-tier map into typed keys.
func (c *Config) TierLimits() map[model.SubscriptionTier]int {
	limits := make(map[model.SubscriptionTier]int, len(c.RateLimitMaxPerTier))
	for tier, max := range c.RateLimitMaxPerTier {
		limits[model.SubscriptionTier(tier)] = max
	}
	return limits
}

func (c *Config) Validate(isProduction bool) error {
	if c.DailyGrantAmount <= 0 {
		return fmt.Errorf("DAILY_GRANT_AMOUNT must be positive")
	}
	if c.SignupBonusCredits < 0 {
		return fmt.Errorf("SIGNUP_BONUS_CREDITS must not be negative")
	}
	if c.LedgerMaxAttempts < 1 {
		return fmt.Errorf("LEDGER_MAX_ATTEMPTS must be at least 1")
	}
	if _, err := c.GrantLocation(); err != nil {
		return fmt.Errorf("DAILY_GRANT_TIMEZONE: %w", err)
	}
	for feature, cost := range c.FeatureCosts {
		if cost < 0 {
			return fmt.Errorf("FEATURE_COSTS: %s has a negative cost", feature)
		}
	}
	for feature, tier := range c.FeatureMinTiers {
		if _, ok := c.FeatureCosts[feature]; !ok {
			return fmt.Errorf("FEATURE_MIN_TIERS: %s is not in FEATURE_COSTS", feature)
		}
		if !model.SubscriptionTier(tier).Valid() {
			return fmt.Errorf("FEATURE_MIN_TIERS: unknown tier %q", tier)
		}
	}
	for tier, max := range c.RateLimitMaxPerTier {
		if !model.SubscriptionTier(tier).Valid() {
			return fmt.Errorf("RATE_LIMIT_MAX_PER_TIER: unknown tier %q", tier)
		}
		if max <= 0 {
			return fmt.Errorf("RATE_LIMIT_MAX_PER_TIER: %s must be positive", tier)
		}
	}
	if _, ok := c.RateLimitMaxPerTier[string(model.TierFree)]; !ok {
		return fmt.Errorf("RATE_LIMIT_MAX_PER_TIER must define the free tier")
	}
	if c.IPRateLimitPerMinute <= 0 {
		return fmt.Errorf("IP_RATE_LIMIT_PER_MINUTE must be positive")
	}
	if c.RateLimitWindowSeconds <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW_SECONDS must be positive")
	}
	if c.AdminReverifyWindowMinutes <= 0 || c.AdminLockoutThreshold <= 0 || c.AdminLockoutMinutes <= 0 {
		return fmt.Errorf("admin re-verification settings must be positive")
	}

	if isProduction {
		if err := validateSecret("ADMIN_SESSION_SECRET", c.AdminSessionSecret); err != nil {
			return err
		}
		if c.PurchaseCallbackSecret != "" {
			if err := validateSecret("PURCHASE_CALLBACK_SECRET", c.PurchaseCallbackSecret); err != nil {
				return err
			}
		}
		if c.RedisURL == "" {
			log.Warn().Msg("REDIS_URL is empty in production: rate limits are per instance")
		} else if strings.HasPrefix(c.RedisURL, "redis://") {
			log.Warn().Msg("REDIS_URL uses redis:// (not TLS) in production: consider using rediss://")
		}
	}

	return nil
}

func validateSecret(name, value string) error {
	if len(value) < 32 {
		return fmt.Errorf("%s must be at least 32 characters in production (generate with: openssl rand -base64 32)", name)
	}
	for _, weak := range knownWeakSecrets {
		if value == weak {
			return fmt.Errorf("%s is a known weak default; set a strong secret in production", name)
		}
	}
	return nil
}

func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/cardledger/internal/fees"
	"github.com/congo-pay/cardledger/internal/funding"
	"github.com/congo-pay/cardledger/internal/issuance"
	"github.com/congo-pay/cardledger/internal/jobs"
	"github.com/congo-pay/cardledger/internal/lock"
)

const envDevelopment = "development"

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string        `env:"APP_NAME"         envDefault:"CardLedger"`
	AppEnv         string        `env:"APP_ENV"          envDefault:"development"`
	Port           string        `env:"PORT"             envDefault:"8080"`
	LogLevel       string        `env:"LOG_LEVEL"        envDefault:"info"`
	LogFormat      string        `env:"LOG_FORMAT"       envDefault:"json"`
	DatabaseURL    string        `env:"DATABASE_URL"`
	DBMaxConns     int32         `env:"DB_MAX_CONNS"     envDefault:"10"`
	RedisURL       string        `env:"REDIS_URL"`
	KafkaBrokers   []string      `env:"KAFKA_BROKERS"    envSeparator:","`
	KafkaTopic     string        `env:"KAFKA_TOPIC"      envDefault:"cardledger.jobs"`
	KafkaGroupID   string        `env:"KAFKA_GROUP_ID"   envDefault:"cardledger-workers"`
	ShutdownPeriod time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	IdempotencyTTL time.Duration `env:"IDEMPOTENCY_TTL"  envDefault:"24h"`
	WebhookSecret  string        `env:"WEBHOOK_SECRET"`
	OpsToken       string        `env:"OPS_TOKEN"`

	LockTTL        time.Duration `env:"LOCK_TTL"         envDefault:"30s"`
	LockRetryCount int           `env:"LOCK_RETRY_COUNT" envDefault:"50"`
	LockRetryDelay time.Duration `env:"LOCK_RETRY_DELAY" envDefault:"100ms"`

	ConnectAttempts int           `env:"CONNECT_ATTEMPTS" envDefault:"5"`
	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT" envDefault:"10s"`
	QuoteTTL        time.Duration `env:"QUOTE_TTL"        envDefault:"10m"`

	FeeTopUpFiatPct         decimal.Decimal `env:"FEE_TOPUP_FIAT_PCT"         envDefault:"1.5"`
	FeeTopUpFiatFixed       decimal.Decimal `env:"FEE_TOPUP_FIAT_FIXED"       envDefault:"0"`
	FeeTopUpStablecoinPct   decimal.Decimal `env:"FEE_TOPUP_STABLECOIN_PCT"   envDefault:"1"`
	FeeTopUpStablecoinFixed decimal.Decimal `env:"FEE_TOPUP_STABLECOIN_FIXED" envDefault:"0"`
	FeeIssuanceFixed        decimal.Decimal `env:"FEE_ISSUANCE_FIXED"         envDefault:"1"`
	FeeDisputePct           decimal.Decimal `env:"FEE_DISPUTE_PCT"            envDefault:"0"`
	FeeDisputeFixed         decimal.Decimal `env:"FEE_DISPUTE_FIXED"          envDefault:"15"`

	// Funding minimums are in USD major units.
	FundingMin      decimal.Decimal `env:"FUNDING_MIN"       envDefault:"5"`
	FundingFirstMin decimal.Decimal `env:"FUNDING_FIRST_MIN" envDefault:"10"`

	IssuanceAttempts  int           `env:"ISSUANCE_ATTEMPTS"   envDefault:"3"`
	IssuanceBaseDelay time.Duration `env:"ISSUANCE_BASE_DELAY" envDefault:"1s"`

	JobAttempts   int           `env:"JOB_ATTEMPTS"    envDefault:"5"`
	JobRetryDelay time.Duration `env:"JOB_RETRY_DELAY" envDefault:"1s"`

	DisputeWindowDays int `env:"DISPUTE_WINDOW_DAYS"  envDefault:"60"`
	DisputeRatePerMin int `env:"DISPUTE_RATE_PER_MIN" envDefault:"5"`
}

// Load reads an optional .env file, then the environment, and validates the
// result.
func Load() (Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.AppEnv = strings.ToLower(cfg.AppEnv)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	if !c.IsDevelopment() {
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL must be set"))
		}
		if c.RedisURL == "" {
			errs = append(errs, errors.New("REDIS_URL must be set"))
		}
		if c.WebhookSecret == "" {
			errs = append(errs, errors.New("WEBHOOK_SECRET must be set"))
		}
		if c.OpsToken == "" {
			errs = append(errs, errors.New("OPS_TOKEN must be set"))
		}
	}
	if c.LockTTL <= c.ProviderTimeout {
		errs = append(errs, fmt.Errorf("LOCK_TTL (%s) must exceed PROVIDER_TIMEOUT (%s)", c.LockTTL, c.ProviderTimeout))
	}
	if c.LockRetryCount < 1 {
		errs = append(errs, errors.New("LOCK_RETRY_COUNT must be at least 1"))
	}
	if c.ConnectAttempts < 1 {
		errs = append(errs, errors.New("CONNECT_ATTEMPTS must be at least 1"))
	}
	if c.FundingFirstMin.LessThan(c.FundingMin) {
		errs = append(errs, errors.New("FUNDING_FIRST_MIN must not be below FUNDING_MIN"))
	}
	if c.IssuanceAttempts < 1 {
		errs = append(errs, errors.New("ISSUANCE_ATTEMPTS must be at least 1"))
	}
	if c.JobAttempts < 1 {
		errs = append(errs, errors.New("JOB_ATTEMPTS must be at least 1"))
	}
	if c.DisputeWindowDays < 1 {
		errs = append(errs, errors.New("DISPUTE_WINDOW_DAYS must be at least 1"))
	}
	for name, v := range map[string]decimal.Decimal{
		"FEE_TOPUP_FIAT_PCT":       c.FeeTopUpFiatPct,
		"FEE_TOPUP_STABLECOIN_PCT": c.FeeTopUpStablecoinPct,
		"FEE_DISPUTE_PCT":          c.FeeDisputePct,
		"FEE_ISSUANCE_FIXED":       c.FeeIssuanceFixed,
		"FEE_DISPUTE_FIXED":        c.FeeDisputeFixed,
	} {
		if v.IsNegative() {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	return errors.Join(errs...)
}

func (c Config) IsDevelopment() bool { return c.AppEnv == envDevelopment }

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

// FeeSchedule builds the fee table handed to fees.NewEngine.
func (c Config) FeeSchedule() fees.Schedule {
	return fees.Schedule{
		fees.TopUpFiat:           {Percentage: c.FeeTopUpFiatPct, Fixed: c.FeeTopUpFiatFixed},
		fees.TopUpStablecoin:     {Percentage: c.FeeTopUpStablecoinPct, Fixed: c.FeeTopUpStablecoinFixed},
		fees.VirtualCardIssuance: {Fixed: c.FeeIssuanceFixed, RequiresChargeAPI: true},
		fees.Dispute:             {Percentage: c.FeeDisputePct, Fixed: c.FeeDisputeFixed, RequiresChargeAPI: true},
	}
}

// FundingLimits converts the configured minimums to minor units.
func (c Config) FundingLimits() funding.Limits {
	return funding.Limits{
		Minimum:      fees.ToMinorFloor(c.FundingMin),
		FirstMinimum: fees.ToMinorFloor(c.FundingFirstMin),
	}
}

func (c Config) LockOptions() lock.Options {
	return lock.Options{TTL: c.LockTTL, RetryCount: c.LockRetryCount, RetryDelay: c.LockRetryDelay}
}

func (c Config) IssuancePolicy() issuance.Policy {
	return issuance.Policy{Attempts: c.IssuanceAttempts, BaseDelay: c.IssuanceBaseDelay}
}

func (c Config) JobRetryPolicy() jobs.RetryPolicy {
	return jobs.RetryPolicy{Attempts: c.JobAttempts, Delay: c.JobRetryDelay}
}

func (c Config) DisputeWindow() time.Duration {
	return time.Duration(c.DisputeWindowDays) * 24 * time.Hour
}

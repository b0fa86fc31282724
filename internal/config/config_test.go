package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/cardledger/internal/fees"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("APP_ENV", "development")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Address())
	assert.Equal(t, 30*time.Second, cfg.LockOptions().TTL)
	assert.Equal(t, 50, cfg.LockOptions().RetryCount)
	assert.Equal(t, int64(500), cfg.FundingLimits().Minimum)
	assert.Equal(t, int64(1_000), cfg.FundingLimits().FirstMinimum)
	assert.Equal(t, 3, cfg.IssuancePolicy().Attempts)
	assert.Equal(t, 5, cfg.JobRetryPolicy().Attempts)
	assert.Equal(t, 60*24*time.Hour, cfg.DisputeWindow())

	engine := fees.NewEngine(cfg.FeeSchedule())
	q, err := engine.ComputeMinor(1_000, fees.TopUpFiat)
	require.NoError(t, err)
	assert.Equal(t, int64(15), q.Amount)
	q, err = engine.ComputeMinor(0, fees.VirtualCardIssuance)
	require.NoError(t, err)
	assert.Equal(t, int64(100), q.Amount)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "Production")
	t.Setenv("DATABASE_URL", "postgres://localhost/cards")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("WEBHOOK_SECRET", "whsec")
	t.Setenv("OPS_TOKEN", "ops")
	t.Setenv("PORT", ":9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("FEE_TOPUP_FIAT_PCT", "2.25")
	t.Setenv("FUNDING_MIN", "2.50")
	t.Setenv("DISPUTE_WINDOW_DAYS", "90")
	t.Setenv("JOB_RETRY_DELAY", "250ms")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, ":9090", cfg.Address())
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.True(t, decimal.RequireFromString("2.25").Equal(cfg.FeeTopUpFiatPct))
	assert.Equal(t, int64(250), cfg.FundingLimits().Minimum)
	assert.Equal(t, 90*24*time.Hour, cfg.DisputeWindow())
	assert.Equal(t, 250*time.Millisecond, cfg.JobRetryPolicy().Delay)
	assert.Equal(t, "whsec", cfg.WebhookSecret)
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "production needs database and redis",
			env:  map[string]string{"APP_ENV": "production"},
			want: "DATABASE_URL must be set",
		},
		{
			name: "production needs webhook and operator secrets",
			env:  map[string]string{"APP_ENV": "production", "DATABASE_URL": "postgres://db", "REDIS_URL": "redis://cache"},
			want: "WEBHOOK_SECRET must be set",
		},
		{
			name: "lock must outlive provider calls",
			env:  map[string]string{"LOCK_TTL": "5s", "PROVIDER_TIMEOUT": "5s"},
			want: "must exceed PROVIDER_TIMEOUT",
		},
		{
			name: "first deposit minimum below regular minimum",
			env:  map[string]string{"FUNDING_MIN": "20", "FUNDING_FIRST_MIN": "10"},
			want: "FUNDING_FIRST_MIN",
		},
		{
			name: "startup needs at least one connect attempt",
			env:  map[string]string{"CONNECT_ATTEMPTS": "0"},
			want: "CONNECT_ATTEMPTS",
		},
		{
			name: "jobs need at least one attempt",
			env:  map[string]string{"JOB_ATTEMPTS": "0"},
			want: "JOB_ATTEMPTS",
		},
		{
			name: "malformed decimal",
			env:  map[string]string{"FEE_DISPUTE_FIXED": "fifteen"},
			want: "parse environment",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("APP_ENV", "development")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

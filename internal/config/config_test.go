package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RECONCILE_MAX_AGE", "")
	cfg := Load()

	assert.Equal(t, int64(1000), cfg.CreditPriceVND)
	assert.Equal(t, int64(1), cfg.PurchaseMinCredits)
	assert.Equal(t, int64(10), cfg.PurchaseMaxCredits)
	assert.Equal(t, 30*time.Minute, cfg.ReconcileMaxAge)
	assert.Equal(t, int64(3600), cfg.DistributionInterval)
	assert.Equal(t, "@every 1m", cfg.DistributionSchedule)
	assert.False(t, cfg.MomoConfigured())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "Memory")
	t.Setenv("RECONCILE_BASE_BACKOFF", "2s")
	t.Setenv("RECONCILE_MAX_BACKOFF", "not-a-duration")
	t.Setenv("CREDIT_DISTRIBUTION_INTERVAL", "600")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example,,")
	t.Setenv("MOMO_PARTNER_CODE", "MOMO")
	t.Setenv("MOMO_ACCESS_KEY", "ak")
	t.Setenv("MOMO_SECRET_KEY", "sk")

	cfg := Load()
	assert.True(t, cfg.UseMemoryStore())
	assert.Equal(t, 2*time.Second, cfg.ReconcileBaseBackoff)
	assert.Equal(t, 5*time.Minute, cfg.ReconcileMaxBackoff)
	assert.Equal(t, int64(600), cfg.DistributionInterval)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.True(t, cfg.MomoConfigured())
}

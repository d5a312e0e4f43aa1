package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/stockledger")
	t.Setenv("OUTBOX_BROKER", "")
	t.Setenv("OCC_MAX_RETRIES", "")
	t.Setenv("IDEMPOTENCY_TTL", "")
	t.Setenv("RECONCILE_TENANTS", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.OCCMaxRetries)
	assert.Equal(t, 24*time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, BrokerLog, cfg.OutboxBroker)
	assert.Empty(t, cfg.ReconcileTenants)
}

func TestLoad_EnvFileAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("OCC_MAX_RETRIES=3\nRECONCILE_TENANTS=acme, globex\n"), 0o600))
	t.Setenv("DATABASE_URL", "postgres://localhost/stockledger")
	t.Setenv("OCC_MAX_RETRIES", "12")
	t.Setenv("OUTBOX_BROKER", "Kafka")
	t.Setenv("IDEMPOTENCY_TTL", "90m")
	require.NoError(t, os.Unsetenv("RECONCILE_TENANTS"))
	t.Cleanup(func() { _ = os.Unsetenv("RECONCILE_TENANTS") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme", "globex"}, cfg.ReconcileTenants, "read from the file")
	assert.Equal(t, 12, cfg.OCCMaxRetries, "environment wins over the file")
	assert.Equal(t, BrokerKafka, cfg.OutboxBroker)
	assert.Equal(t, 90*time.Minute, cfg.IdempotencyTTL)
}

func TestValidate(t *testing.T) {
	valid := Config{DatabaseURL: "postgres://x", OutboxBroker: BrokerLog}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing database", func(c *Config) { c.DatabaseURL = "" }},
		{"negative retries", func(c *Config) { c.OCCMaxRetries = -1 }},
		{"unknown broker", func(c *Config) { c.OutboxBroker = "sqs" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"HTTP_ADDRESS", "STORE_DRIVER", "KAFKA_BROKERS", "RECONCILE_WORKERS", "OUTBOX_ENABLED"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	require.Equal(t, ":8080", cfg.HTTPAddress)
	require.Equal(t, StoreDriverPostgres, cfg.StoreDriver)
	require.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	require.Equal(t, 4, cfg.ReconcileWorkers)
	require.True(t, cfg.OutboxEnabled)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "Memory")
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("OUTBOX_POLL_INTERVAL", "500ms")
	t.Setenv("RECONCILE_WORKERS", "12")
	t.Setenv("OUTBOX_ENABLED", "false")
	t.Setenv("IDENTITY_TIMEOUT", "not-a-duration")

	cfg := Load()
	require.Equal(t, StoreDriverMemory, cfg.StoreDriver)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, 500*time.Millisecond, cfg.OutboxPollInterval)
	require.Equal(t, 12, cfg.ReconcileWorkers)
	require.False(t, cfg.OutboxEnabled)
	require.Equal(t, 10*time.Second, cfg.IdentityTimeout)
}

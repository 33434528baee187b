package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(t.TempDir(), "orders-service")
	require.NoError(t, err)

	assert.Equal(t, "orders-service", cfg.ServiceName)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "orders_db", cfg.DatabaseName)
	assert.Equal(t, 10, cfg.IdempotencyRateLimit)
	assert.Equal(t, time.Hour, cfg.IdempotencyRateLimitWindow)
	assert.Equal(t, 3, cfg.ReservationRetries)
	assert.Equal(t, "QC", cfg.OrderNumberPrefix)
}

func TestLoad_InventoryDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir(), "inventory-service")
	require.NoError(t, err)

	assert.Equal(t, "inventory_db", cfg.DatabaseName)
	assert.Equal(t, "8081", cfg.Port)
	assert.Equal(t, "inventory-service-group", cfg.KafkaGroupID)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("STORAGE_DRIVER", "memory")
	t.Setenv("BROKER", "rabbitmq")
	t.Setenv("PENDING_TIMEOUT", "45m")

	cfg, err := Load(t.TempDir(), "orders-service")
	require.NoError(t, err)

	assert.Equal(t, StorageMemory, cfg.StorageDriver)
	assert.Equal(t, BrokerRabbitMQ, cfg.Broker)
	assert.Equal(t, 45*time.Minute, cfg.PendingTimeout)
}

func TestLoad_RejectsUnknownBroker(t *testing.T) {
	t.Setenv("BROKER", "carrier-pigeon")

	_, err := Load(t.TempDir(), "orders-service")
	assert.Error(t, err)
}

func TestKafkaBrokerList(t *testing.T) {
	cfg := &Config{KafkaBrokers: "kafka-1:9092, kafka-2:9092,,"}
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokerList())
}

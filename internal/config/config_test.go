package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, BusRedis, cfg.BusDriver)
	require.Equal(t, StorePostgres, cfg.StoreDriver)
	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Equal(t, 2*time.Second, cfg.PublishTimeout)
	require.Equal(t, []string{"*"}, cfg.Origins())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BUS_DRIVER", "nats")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("NATS_URL", "nats://bus:4222")
	t.Setenv("SERVER_NAME", "chat-7")
	t.Setenv("WRITE_TIMEOUT", "3s")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example ,")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, "nats://bus:4222", cfg.NATS().URL)
	require.Equal(t, "chat-7", cfg.NATS().Name)
	require.Equal(t, "chat-7", cfg.Gateway().ServerName)
	require.Equal(t, 3*time.Second, cfg.Server().WriteTimeout)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP().AllowedOrigins)
}

func TestValidate(t *testing.T) {
	base := Config{BusDriver: BusMemory, StoreDriver: StoreMemory, DatabaseURL: "postgres://db/alumni", WorkerPoolSize: 1, MaxConnections: 1}
	require.NoError(t, base.Validate())

	bad := base
	bad.BusDriver = "kafka"
	require.Error(t, bad.Validate())

	bad = base
	bad.StoreDriver = "sqlite"
	require.Error(t, bad.Validate())

	bad = base
	bad.DatabaseURL = ""
	require.Error(t, bad.Validate())

	bad = base
	bad.WorkerPoolSize = 0
	require.Error(t, bad.Validate())
}

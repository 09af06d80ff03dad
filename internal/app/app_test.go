package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/site-scanner/internal/config"
	"github.com/site-scanner/internal/ratelimit"
	"github.com/site-scanner/internal/storage"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Store:  config.StoreConfig{Backend: config.StoreBackendMemory},
		Worker: config.WorkerConfig{ID: "test-worker", PollInterval: 10 * time.Millisecond},
		Reaper: config.ReaperConfig{QueuedTTL: time.Hour, RunningTTL: time.Hour},
		Quota: config.QuotaConfig{
			Window:             24 * time.Hour,
			FreeDaily:          3,
			PaidDaily:          200,
			FreeRetestCooldown: 30 * time.Minute,
			AdvancedCooldown:   20 * time.Second,
		},
	}
}

func TestOpen_MemoryWithoutRedis(t *testing.T) {
	deps, err := Open(context.Background(), memoryConfig())
	require.NoError(t, err)
	defer deps.Close()

	assert.IsType(t, &storage.MemoryStore{}, deps.Store)
	assert.IsType(t, &ratelimit.StoreQuota{}, deps.Limiter)
	assert.Equal(t, "test-worker", deps.Worker.ID())
	require.NotNil(t, deps.Scans)

	res, err := deps.Reaper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.FixedQueued+res.FixedRunning)
}

func TestOpen_WithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := memoryConfig()
	cfg.Database.Redis = config.RedisConfig{
		Enabled:        true,
		Host:           mr.Host(),
		Port:           mr.Port(),
		MaxConnections: 2,
		PlanCacheTTL:   time.Minute,
	}

	deps, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer deps.Close()

	assert.IsType(t, &storage.PlanCache{}, deps.Store)
	assert.IsType(t, &ratelimit.FallbackLimiter{}, deps.Limiter)

	_, err = deps.Store.GetPlan(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, mr.Exists(storage.PlanKey(1)))
}

func TestOpen_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := memoryConfig()
	cfg.Database.Redis = config.RedisConfig{Enabled: true, Host: mr.Host(), Port: mr.Port(), MaxConnections: 1}
	mr.Close()

	deps, err := Open(context.Background(), cfg)
	require.NoError(t, err)
	defer deps.Close()

	assert.IsType(t, &ratelimit.StoreQuota{}, deps.Limiter)
}

func TestOpen_UnknownBackend(t *testing.T) {
	cfg := memoryConfig()
	cfg.Store.Backend = "sqlite"

	_, err := Open(context.Background(), cfg)
	assert.ErrorContains(t, err, `unknown store backend "sqlite"`)
}

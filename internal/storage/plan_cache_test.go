package storage

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/site-scanner/internal/models"
	"github.com/site-scanner/internal/types"
)

type countingStore struct {
	*MemoryStore
	planReads atomic.Int64
}

func (s *countingStore) GetPlan(ctx context.Context, id int64) (*models.Plan, error) {
	s.planReads.Add(1)
	return s.MemoryStore.GetPlan(ctx, id)
}

func newPlanCache(t *testing.T) (*PlanCache, *countingStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })

	store := &countingStore{MemoryStore: NewMemoryStore()}
	return NewPlanCache(store, client, time.Minute), store, mr
}

func TestPlanCache_ReadThrough(t *testing.T) {
	cache, store, mr := newPlanCache(t)
	ctx := testContext(t)

	plan, err := cache.GetPlan(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.PlanFree, plan.Name)
	assert.True(t, mr.Exists(PlanKey(1)))

	again, err := cache.GetPlan(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, plan, again)
	assert.EqualValues(t, 1, store.planReads.Load())

	hits, misses := cache.CacheStats()
	assert.EqualValues(t, 1, hits)
	assert.EqualValues(t, 1, misses)

	mr.FastForward(2 * time.Minute)
	_, err = cache.GetPlan(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, store.planReads.Load())
}

func TestPlanCache_NotFoundIsNotCached(t *testing.T) {
	cache, _, mr := newPlanCache(t)

	_, err := cache.GetPlan(testContext(t), 99)
	assert.ErrorIs(t, err, ErrPlanNotFound)
	assert.False(t, mr.Exists(PlanKey(99)))
}

func TestPlanCache_FallsThroughWhenRedisDown(t *testing.T) {
	cache, store, mr := newPlanCache(t)
	mr.Close()

	plan, err := cache.GetPlan(testContext(t), 2)
	require.NoError(t, err)
	assert.Equal(t, types.PlanPaid, plan.Name)
	assert.EqualValues(t, 1, store.planReads.Load())
}

func TestPlanCache_Invalidate(t *testing.T) {
	cache, store, mr := newPlanCache(t)
	ctx := testContext(t)

	_, err := cache.GetPlan(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, cache.InvalidatePlan(ctx, 1))
	assert.False(t, mr.Exists(PlanKey(1)))

	require.NoError(t, mr.Set(PlanKey(1), "not json"))
	_, err = cache.GetPlan(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, store.planReads.Load())
}

func TestPlanCache_OtherMethodsPassThrough(t *testing.T) {
	cache, store, _ := newPlanCache(t)
	ctx := testContext(t)

	u := &models.User{Email: "cache@example.com", PlanID: 1}
	require.NoError(t, cache.CreateUser(ctx, u))
	got, err := store.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "cache@example.com", got.Email)
}

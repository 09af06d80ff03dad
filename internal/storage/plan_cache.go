package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/site-scanner/internal/logging"
	"github.com/site-scanner/internal/models"
)

// KeyPrefixPlan namespaces cached plan rows
const KeyPrefixPlan = "plan:"

// PlanCache is a Store whose GetPlan reads through Redis. Every enqueue and
// every claimed scan looks up a plan, and plans only change by migration.
// Cache failures fall through to the wrapped store.
type PlanCache struct {
	Store
	redis redis.Cmdable
	ttl   time.Duration

	// concurrent misses for the same plan share one store read
	group singleflight.Group

	hits   atomic.Int64
	misses atomic.Int64
}

// NewPlanCache wraps store with a Redis-backed plan cache
func NewPlanCache(store Store, client redis.Cmdable, ttl time.Duration) *PlanCache {
	return &PlanCache{Store: store, redis: client, ttl: ttl}
}

// PlanKey returns the cache key for a plan id. Format: plan:<id>
func PlanKey(id int64) string {
	return KeyPrefixPlan + strconv.FormatInt(id, 10)
}

// GetPlan returns the cached plan, loading and caching it on a miss.
func (c *PlanCache) GetPlan(ctx context.Context, id int64) (*models.Plan, error) {
	key := PlanKey(id)

	data, err := c.redis.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var plan models.Plan
		if jsonErr := json.Unmarshal(data, &plan); jsonErr == nil {
			c.hits.Add(1)
			return &plan, nil
		}
		logging.FromContext(ctx).WithField("key", key).Warn("Dropping undecodable cached plan")
	case !errors.Is(err, redis.Nil):
		logging.FromContext(ctx).WithError(err).Warn("Plan cache read failed")
	}
	c.misses.Add(1)

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		plan, err := c.Store.GetPlan(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := c.set(ctx, key, plan); err != nil {
			logging.FromContext(ctx).WithError(err).Warn("Plan cache write failed")
		}
		return plan, nil
	})
	if err != nil {
		return nil, err
	}
	plan := *v.(*models.Plan)
	return &plan, nil
}

func (c *PlanCache) set(ctx context.Context, key string, plan *models.Plan) error {
	data, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	return c.redis.Set(ctx, key, data, c.ttl).Err()
}

// InvalidatePlan drops a cached plan
func (c *PlanCache) InvalidatePlan(ctx context.Context, id int64) error {
	return c.redis.Del(ctx, PlanKey(id)).Err()
}

// CacheStats returns hit and miss counts since creation
func (c *PlanCache) CacheStats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis key prefixes for quota tracking.
const (
	KeyPrefixWindow   = "scanquota:window:"
	KeyPrefixCooldown = "scanquota:cooldown:"
)

// acquireScript prunes the user's window, then checks the quota and the
// cooldown and records the scan when both pass, all in one round trip.
// Returns {code, used, ttl_ms}: code 0 allowed, 1 quota, 2 cooldown.
var acquireScript = redis.NewScript(`
	local windowKey = KEYS[1]
	local cooldownKey = KEYS[2]
	local now = ARGV[1]
	local cutoff = ARGV[2]
	local windowMs = tonumber(ARGV[3])
	local limit = tonumber(ARGV[4])
	local cooldownMs = tonumber(ARGV[5])
	local member = ARGV[6]

	redis.call('ZREMRANGEBYSCORE', windowKey, '-inf', cutoff)
	local used = redis.call('ZCARD', windowKey)
	if used >= limit then
		return {1, used, 0}
	end

	if cooldownMs > 0 then
		local ttl = redis.call('PTTL', cooldownKey)
		if ttl > 0 then
			return {2, used, ttl}
		end
	end

	redis.call('ZADD', windowKey, now, member)
	redis.call('PEXPIRE', windowKey, windowMs)
	if cooldownMs > 0 then
		redis.call('SET', cooldownKey, member, 'PX', cooldownMs)
	end
	return {0, used, 0}
`)

// releaseScript removes a recorded scan and its cooldown if the cooldown
// still belongs to it.
var releaseScript = redis.NewScript(`
	redis.call('ZREM', KEYS[1], ARGV[1])
	if KEYS[2] ~= '' and redis.call('GET', KEYS[2]) == ARGV[1] then
		redis.call('DEL', KEYS[2])
	end
	return 1
`)

// RedisQuota keeps a sliding window of enqueue timestamps per user in a
// sorted set and a cooldown key per (user, site, type).
type RedisQuota struct {
	redis redis.Cmdable
	now   func() time.Time
}

// NewRedisQuota creates a Redis-backed limiter
func NewRedisQuota(client redis.Cmdable) (*RedisQuota, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &RedisQuota{redis: client, now: time.Now}, nil
}

// WithClock overrides the time source, for tests.
func (q *RedisQuota) WithClock(now func() time.Time) *RedisQuota {
	q.now = now
	return q
}

func windowKey(userID int64) string {
	return KeyPrefixWindow + strconv.FormatInt(userID, 10)
}

func cooldownKey(req Request) string {
	return fmt.Sprintf("%s%d:%d:%s", KeyPrefixCooldown, req.UserID, req.SiteID, req.ScanType)
}

// Acquire checks and records req atomically
func (q *RedisQuota) Acquire(ctx context.Context, req Request) (Decision, error) {
	now := q.now().UnixMilli()
	// Entries exactly one window old still count.
	cutoff := "(" + strconv.FormatInt(now-req.Window.Milliseconds(), 10)
	member := uuid.NewString()
	wKey, cKey := windowKey(req.UserID), cooldownKey(req)

	res, err := acquireScript.Run(ctx, q.redis, []string{wKey, cKey},
		now,
		cutoff,
		req.Window.Milliseconds(),
		req.Limit,
		req.Cooldown.Milliseconds(),
		member,
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("failed to run quota script: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("unexpected quota script result: %v", res)
	}

	d := Decision{Used: int(res[1])}
	switch res[0] {
	case 0:
		d.Allowed = true
		d.member = member
		d.windowKey = wKey
		if req.Cooldown > 0 {
			d.cooldownKey = cKey
		}
	case 1:
		d.Reason = ReasonQuota
	case 2:
		d.Reason = ReasonCooldown
		d.RetryAfter = time.Duration(res[2]) * time.Millisecond
	default:
		return Decision{}, fmt.Errorf("unexpected quota script code %d", res[0])
	}
	return d, nil
}

// Release removes an allowed decision's window entry and cooldown
func (q *RedisQuota) Release(ctx context.Context, d Decision) error {
	if !d.Allowed || d.member == "" {
		return nil
	}
	if err := releaseScript.Run(ctx, q.redis, []string{d.windowKey, d.cooldownKey}, d.member).Err(); err != nil {
		return fmt.Errorf("failed to release quota: %w", err)
	}
	return nil
}

// Used returns how many scans userID has recorded within window
func (q *RedisQuota) Used(ctx context.Context, userID int64, window time.Duration) (int, error) {
	min := "(" + strconv.FormatInt(q.now().UnixMilli()-window.Milliseconds(), 10)
	n, err := q.redis.ZCount(ctx, windowKey(userID), min, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count quota window: %w", err)
	}
	return int(n), nil
}

package access

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/enterprise/aegis-trust/internal/config"
	"github.com/enterprise/aegis-trust/internal/types"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// recordFailureScript increments the failure count and escalates in one step.
// KEYS[1] attempt hash; ARGV max attempts, lockout policy, locked-until unix ms.
var recordFailureScript = redis.NewScript(`
local failures = redis.call('HINCRBY', KEYS[1], 'failures', 1)
local max = tonumber(ARGV[1])
if max > 0 and failures >= max then
  if ARGV[2] == 'permanent' then
    redis.call('HSET', KEYS[1], 'permanent', '1')
  else
    redis.call('HSET', KEYS[1], 'locked_until', ARGV[3], 'failures', '0')
  end
end
return redis.call('HMGET', KEYS[1], 'failures', 'permanent', 'locked_until')
`)

// resetScript clears the failure count but keeps a permanent lockout
var resetScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'permanent') == '1' then
  redis.call('HDEL', KEYS[1], 'failures', 'locked_until')
  return 0
end
return redis.call('DEL', KEYS[1])
`)

// RedisTracker keeps attempt state in a hash at <prefix>:attempts:<id>
type RedisTracker struct {
	client redis.Cmdable
	closer func() error
	prefix string
	logger *logrus.Logger
}

func NewRedisTracker(cfg config.RedisConfig, logger *logrus.Logger) (*RedisTracker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		MaxRetries:  cfg.MaxRetries,
		ReadTimeout: cfg.ReadTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	t := NewRedisTrackerWithClient(client, cfg.KeyPrefix, logger)
	t.closer = client.Close

	logger.WithField("addr", cfg.Address).Info("Attempt tracker using Redis")
	return t, nil
}

func NewRedisTrackerWithClient(client redis.Cmdable, prefix string, logger *logrus.Logger) *RedisTracker {
	if prefix == "" {
		prefix = "aegis"
	}
	return &RedisTracker{
		client: client,
		prefix: prefix,
		logger: logger,
	}
}

func (t *RedisTracker) State(ctx context.Context, id string) (AttemptState, error) {
	values, err := t.client.HMGet(ctx, t.key(id), "failures", "permanent", "locked_until").Result()
	if err != nil {
		return AttemptState{}, fmt.Errorf("failed to read attempt state for %s: %w", id, err)
	}
	return parseAttemptState(values)
}

func (t *RedisTracker) RecordFailure(ctx context.Context, id string, esc Escalation, now time.Time) (AttemptState, error) {
	policy := string(esc.Policy)
	if policy == "" {
		policy = string(types.LockoutTemporary)
	}

	values, err := recordFailureScript.Run(ctx, t.client, []string{t.key(id)},
		esc.MaxAttempts, policy, esc.lockUntil(now).UnixMilli()).Slice()
	if err != nil {
		return AttemptState{}, fmt.Errorf("failed to record attempt for %s: %w", id, err)
	}
	return parseAttemptState(values)
}

func (t *RedisTracker) Reset(ctx context.Context, id string) error {
	if err := resetScript.Run(ctx, t.client, []string{t.key(id)}).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("failed to reset attempts for %s: %w", id, err)
	}
	return nil
}

func (t *RedisTracker) Close() error {
	if t.closer != nil {
		return t.closer()
	}
	return nil
}

func (t *RedisTracker) key(id string) string {
	return fmt.Sprintf("%s:attempts:%s", t.prefix, id)
}

// parseAttemptState decodes an HMGET of failures, permanent, locked_until
func parseAttemptState(values []interface{}) (AttemptState, error) {
	var state AttemptState
	if len(values) != 3 {
		return state, fmt.Errorf("unexpected attempt state shape: %d fields", len(values))
	}

	field := func(i int) (int64, error) {
		switch v := values[i].(type) {
		case nil:
			return 0, nil
		case string:
			return strconv.ParseInt(v, 10, 64)
		case int64:
			return v, nil
		default:
			return 0, fmt.Errorf("unexpected attempt state value %T", v)
		}
	}

	failures, err := field(0)
	if err != nil {
		return state, err
	}
	permanent, err := field(1)
	if err != nil {
		return state, err
	}
	lockedUntil, err := field(2)
	if err != nil {
		return state, err
	}

	state.Failures = int(failures)
	state.Permanent = permanent == 1
	if lockedUntil > 0 {
		state.LockedUntil = time.UnixMilli(lockedUntil).UTC()
	}
	return state, nil
}

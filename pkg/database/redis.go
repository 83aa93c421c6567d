package database

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Redis wraps the shared in-memory store. It is the only globally
// mutable surface of the platform: queues, locks, caches, pub/sub and
// the common clock all live here.
type Redis struct {
	Client *redis.Client
	tracer trace.Tracer
}

// unlockScript deletes a key only when it still holds the caller's
// value, so a lock that expired and was re-acquired elsewhere is never
// released by the old owner.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// renewScript refreshes a lock TTL only for the current owner.
var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

// promoteScript atomically moves all delay-queue members with score
// <= ARGV[1] to the tail of the worker queue. Runs server-side so
// concurrent promoters never emit duplicates.
var promoteScript = redis.NewScript(`
local members = redis.call("zrangebyscore", KEYS[1], "-inf", ARGV[1])
if #members == 0 then
	return 0
end
for i = 1, #members do
	redis.call("rpush", KEYS[2], members[i])
end
redis.call("zremrangebyscore", KEYS[1], "-inf", ARGV[1])
return #members
`)

// NewRedis connects using a redis:// URL and verifies the connection.
func NewRedis(ctx context.Context, redisURL string, enableTracing bool) (*Redis, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := client.Ping(pingCtx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	slog.Info("Connected to Redis", slog.String("addr", opt.Addr))

	r := &Redis{Client: client}
	if enableTracing {
		r.tracer = otel.Tracer("redis-client")
	}
	return r, nil
}

// NewRedisFromClient wraps an existing client. Used by tests backed by
// miniredis.
func NewRedisFromClient(client *redis.Client) *Redis {
	return &Redis{Client: client}
}

func (r *Redis) Close() error {
	return r.Client.Close()
}

// HealthCheck pings the store with a bounded timeout.
func (r *Redis) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return r.Client.Ping(ctx).Err()
}

// Timestamp returns the store's current time in seconds with
// millisecond precision, giving all processes a common clock.
func (r *Redis) Timestamp(ctx context.Context) (float64, error) {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "redis.time")
		defer span.End()
	}

	t, err := r.Client.Time(ctx).Result()
	if err != nil {
		return 0, fmt.Errorf("redis time: %w", err)
	}
	return float64(t.UnixMilli()) / 1000, nil
}

// TimestampMS returns the store's current time in milliseconds.
func (r *Redis) TimestampMS(ctx context.Context) (int64, error) {
	t, err := r.Client.Time(ctx).Result()
	if err != nil {
		return 0, fmt.Errorf("redis time: %w", err)
	}
	return t.UnixMilli(), nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "redis.get",
			trace.WithAttributes(attribute.String("redis.key", key)))
		defer span.End()
	}

	val, err := r.Client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

func (r *Redis) Set(ctx context.Context, key, value string, expires time.Duration) error {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "redis.set",
			trace.WithAttributes(attribute.String("redis.key", key)))
		defer span.End()
	}

	return r.Client.Set(ctx, key, value, expires).Err()
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	return r.Client.Del(ctx, keys...).Err()
}

// DeletePattern removes all keys matching pattern via SCAN.
func (r *Redis) DeletePattern(ctx context.Context, pattern string) (int, error) {
	var deleted int
	iter := r.Client.Scan(ctx, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		if err := r.Client.Del(ctx, iter.Val()).Err(); err != nil {
			return deleted, err
		}
		deleted++
	}
	return deleted, iter.Err()
}

// Lock stores value under key only when the key is unset. Returns
// false when another owner holds it.
func (r *Redis) Lock(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := r.Client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock: %w", err)
	}
	return ok, nil
}

// ExtendLock renews the TTL if value still owns the lock.
func (r *Redis) ExtendLock(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	res, err := renewScript.Run(ctx, r.Client, []string{key}, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("extend lock: %w", err)
	}
	return res == 1, nil
}

// Unlock deletes the lock only when value still owns it.
func (r *Redis) Unlock(ctx context.Context, key, value string) (bool, error) {
	res, err := unlockScript.Run(ctx, r.Client, []string{key}, value).Int()
	if err != nil {
		return false, fmt.Errorf("release lock: %w", err)
	}
	return res == 1, nil
}

// Push appends to the producer end of a FIFO list (LPUSH; consumers
// BRPOP from the other end).
func (r *Redis) Push(ctx context.Context, key string, values ...string) error {
	vals := make([]any, len(values))
	for i, v := range values {
		vals[i] = v
	}
	return r.Client.LPush(ctx, key, vals...).Err()
}

// Pop removes one element from the consumer end without blocking.
func (r *Redis) Pop(ctx context.Context, key string) (string, error) {
	val, err := r.Client.RPop(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

// BPop blocks up to timeout for any of the given lists, checked
// left-to-right on each wake. Returns the source key and value, or
// ("", "") on timeout.
func (r *Redis) BPop(ctx context.Context, timeout time.Duration, keys ...string) (string, string, error) {
	res, err := r.Client.BRPop(ctx, timeout, keys...).Result()
	if err == redis.Nil {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	return res[0], res[1], nil
}

func (r *Redis) ListLen(ctx context.Context, key string) (int64, error) {
	return r.Client.LLen(ctx, key).Result()
}

// ZAdd inserts a member with the given score.
func (r *Redis) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return r.Client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (r *Redis) ZCard(ctx context.Context, key string) (int64, error) {
	return r.Client.ZCard(ctx, key).Result()
}

// PromoteDelayed moves all members of the delay queue with score <=
// upTo onto the tail of the worker queue, atomically. Returns the
// number moved.
func (r *Redis) PromoteDelayed(ctx context.Context, delayKey, workerKey string, upTo float64) (int, error) {
	res, err := promoteScript.Run(ctx, r.Client,
		[]string{delayKey, workerKey},
		strconv.FormatFloat(upTo, 'f', -1, 64)).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed: %w", err)
	}
	return res, nil
}

func (r *Redis) HSet(ctx context.Context, key, field, value string) error {
	return r.Client.HSet(ctx, key, field, value).Err()
}

func (r *Redis) HGet(ctx context.Context, key, field string) (string, error) {
	val, err := r.Client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

// HMGet returns field -> value for the requested fields, omitting
// unset fields.
func (r *Redis) HMGet(ctx context.Context, key string, fields ...string) (map[string]string, error) {
	if len(fields) == 0 {
		return map[string]string{}, nil
	}
	vals, err := r.Client.HMGet(ctx, key, fields...).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(fields))
	for i, v := range vals {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			out[fields[i]] = s
		}
	}
	return out, nil
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.Client.HGetAll(ctx, key).Result()
}

func (r *Redis) HDel(ctx context.Context, key string, fields ...string) error {
	return r.Client.HDel(ctx, key, fields...).Err()
}

// HGetPattern returns all fields of a hash whose name matches the glob
// pattern.
func (r *Redis) HGetPattern(ctx context.Context, key, pattern string) (map[string]string, error) {
	out := map[string]string{}
	iter := r.Client.HScan(ctx, key, 0, pattern, 200).Iterator()
	for iter.Next(ctx) {
		field := iter.Val()
		if !iter.Next(ctx) {
			break
		}
		out[field] = iter.Val()
	}
	return out, iter.Err()
}

func (r *Redis) Publish(ctx context.Context, channel, message string) error {
	return r.Client.Publish(ctx, channel, message).Err()
}

// Subscribe opens a pub/sub subscription on the given channel.
func (r *Redis) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return r.Client.Subscribe(ctx, channel)
}

// TSAddOptions control time-series appends. The aggregation mode is
// part of each metric's definition, not a store-wide default.
type TSAddOptions struct {
	AddUp  bool
	MaxAge time.Duration
}

// TSAdd appends a point to a time series stored as a sorted set of
// "<ts>,<value>" members. With AddUp, a point at the same timestamp is
// accumulated instead of replaced. Points older than MaxAge are
// trimmed on every write.
func (r *Redis) TSAdd(ctx context.Context, key string, ts int64, value float64, opts TSAddOptions) error {
	existing, err := r.Client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(ts, 10),
		Max: strconv.FormatInt(ts, 10),
	}).Result()
	if err != nil {
		return err
	}

	newValue := value
	if len(existing) > 0 {
		if opts.AddUp {
			if parts := strings.SplitN(existing[0], ",", 2); len(parts) == 2 {
				if prev, err := strconv.ParseFloat(parts[1], 64); err == nil {
					newValue += prev
				}
			}
		}
		if err := r.Client.ZRem(ctx, key, existing[0]).Err(); err != nil {
			return err
		}
	}

	member := fmt.Sprintf("%d,%s", ts, strconv.FormatFloat(newValue, 'f', -1, 64))
	if err := r.Client.ZAdd(ctx, key, redis.Z{Score: float64(ts), Member: member}).Err(); err != nil {
		return err
	}

	if opts.MaxAge > 0 {
		minTS := ts - int64(opts.MaxAge.Seconds())
		return r.Client.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("(%d", minTS)).Err()
	}
	return nil
}

// TSGet reads a time series back as (ts, value) points in score order.
func (r *Redis) TSGet(ctx context.Context, key string) ([][2]float64, error) {
	members, err := r.Client.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	points := make([][2]float64, 0, len(members))
	for _, m := range members {
		parts := strings.SplitN(m, ",", 2)
		if len(parts) != 2 {
			continue
		}
		ts, err1 := strconv.ParseFloat(parts[0], 64)
		v, err2 := strconv.ParseFloat(parts[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		points = append(points, [2]float64{ts, v})
	}
	return points, nil
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// Create, take and take-expired each run as one script so the existence
// check and the mutation are a single server-side step, even when several
// bot instances share the same Redis.
var (
	createScript = redis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[2], 'NX') then
  redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
  return 1
end
return 0
`)

	takeScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
  redis.call('ZREM', KEYS[2], ARGV[1])
  return false
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return v
`)

	// A value missing from the expiry index is treated as expired, and an
	// index member without a value is dropped, so neither side can strand.
	takeExpiredScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if not v then
  redis.call('ZREM', KEYS[2], ARGV[1])
  return false
end
local exp = redis.call('ZSCORE', KEYS[2], ARGV[1])
if exp and tonumber(exp) > tonumber(ARGV[2]) then return false end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return v
`)
)

type redisLedger struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisLedger connects to the Redis at url and returns a Ledger storing
// entries under "<prefix>probation/".
func NewRedisLedger(ctx context.Context, url, prefix string) (Ledger, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &redisLedger{rdb: rdb, prefix: prefix}, nil
}

func (l *redisLedger) valueKey(k Key) string { return l.prefix + "probation/" + k.String() }
func (l *redisLedger) indexKey() string      { return l.prefix + "probation/expiry" }

func (l *redisLedger) ProbationCreate(ctx context.Context, e ProbationEntry) (bool, error) {
	data, err := msgpack.Marshal(e)
	if err != nil {
		return false, fmt.Errorf("marshal ProbationEntry: %w", err)
	}
	k := e.Key()
	n, err := createScript.Run(ctx, l.rdb,
		[]string{l.valueKey(k), l.indexKey()},
		k.String(), data, e.ExpiresAt.UnixMilli(),
	).Int()
	if err != nil {
		return false, &StoreError{Op: "probation create", Key: k.String(), Err: err}
	}
	return n == 1, nil
}

func (l *redisLedger) ProbationGet(ctx context.Context, k Key) (*ProbationEntry, error) {
	raw, err := l.rdb.Get(ctx, l.valueKey(k)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, &StoreError{Op: "probation get", Key: k.String(), Err: err}
	}
	var e ProbationEntry
	if err := msgpack.Unmarshal(raw, &e); err != nil {
		return nil, &StoreError{Op: "probation get", Key: k.String(), Err: err}
	}
	return &e, nil
}

func (l *redisLedger) ProbationTake(ctx context.Context, k Key) (*ProbationEntry, bool, error) {
	return l.take(ctx, takeScript, k)
}

func (l *redisLedger) ProbationTakeExpired(ctx context.Context, k Key, now time.Time) (*ProbationEntry, bool, error) {
	return l.take(ctx, takeExpiredScript, k, now.UnixMilli())
}

func (l *redisLedger) take(ctx context.Context, script *redis.Script, k Key, extra ...interface{}) (*ProbationEntry, bool, error) {
	args := append([]interface{}{k.String()}, extra...)
	raw, err := script.Run(ctx, l.rdb, []string{l.valueKey(k), l.indexKey()}, args...).Text()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, &StoreError{Op: "probation take", Key: k.String(), Err: err}
	}
	var e ProbationEntry
	if err := msgpack.Unmarshal([]byte(raw), &e); err != nil {
		// The row is already gone; report the win with what the key carries.
		return &ProbationEntry{UserID: k.UserID, ChatID: k.ChatID}, true, nil
	}
	return &e, true, nil
}

func (l *redisLedger) ProbationExpired(ctx context.Context, now time.Time) ([]ProbationEntry, error) {
	members, err := l.rdb.ZRangeByScore(ctx, l.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, &StoreError{Op: "probation expired", Err: err}
	}
	out := make([]ProbationEntry, 0, len(members))
	for _, m := range members {
		k, err := ParseKey(m)
		if err != nil {
			continue
		}
		e, err := l.ProbationGet(ctx, k)
		if err != nil {
			return nil, err
		}
		if e == nil {
			// Orphaned index member; the take-expired script drops it.
			e = &ProbationEntry{UserID: k.UserID, ChatID: k.ChatID, ExpiresAt: now}
		}
		out = append(out, *e)
	}
	return out, nil
}

func (l *redisLedger) ProbationCount(ctx context.Context, chatID int64) (int, error) {
	if chatID == 0 {
		n, err := l.rdb.ZCard(ctx, l.indexKey()).Result()
		if err != nil {
			return 0, &StoreError{Op: "probation count", Err: err}
		}
		return int(n), nil
	}
	members, err := l.rdb.ZRange(ctx, l.indexKey(), 0, -1).Result()
	if err != nil {
		return 0, &StoreError{Op: "probation count", Err: err}
	}
	var n int
	for _, m := range members {
		if k, err := ParseKey(m); err == nil && k.ChatID == chatID {
			n++
		}
	}
	return n, nil
}

func (l *redisLedger) Close() error {
	return l.rdb.Close()
}

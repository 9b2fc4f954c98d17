package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Compile-time proof that Client satisfies the Atomic interface.
var _ Atomic = (*Client)(nil)

// ClientConfig holds connection and pool settings for the Redis-backed
// store. The pool is shared and bounded: one Client per process, injected
// into every component constructor, never one connection per request.
type ClientConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Client is the production Atomic implementation. Every multi-step
// operation is a registered Lua script executed server-side as one unit.
type Client struct {
	rdb *redis.Client
}

// NewClient builds the process-wide store client. Timeouts are kept short:
// exceeding them surfaces ErrUnavailable to the caller's policy rather
// than stalling the request.
func NewClient(cfg ClientConfig) *Client {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 20
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = cfg.ReadTimeout
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	return &Client{rdb: rdb}
}

// wrap maps transport-level failures to ErrUnavailable so callers can
// apply fail-open/fail-closed policy. redis.Nil never reaches here.
func wrap(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// incrExpireScript increments a counter and guarantees the key carries an
// expiry, repairing any key that lost its TTL. Returns {count, pttl_ms}.
var incrExpireScript = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
if c == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {c, ttl}
`)

func (c *Client) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	res, err := incrExpireScript.Run(ctx, c.rdb, []string{key}, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, wrap("incr "+key, err)
	}
	return res[0], time.Duration(res[1]) * time.Millisecond, nil
}

func (c *Client) Count(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, wrap("count "+key, err)
	}
	return n, nil
}

func (c *Client) PutToken(ctx context.Context, key, boundHash string, ttl time.Duration) error {
	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, key, "bound", boundHash, "consumed", "0")
	pipe.PExpire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return wrap("put token", err)
	}
	return nil
}

// consumeScript checks existence, the consumed flag, and the binding hash,
// then marks the token consumed — all in one serialized step, so two
// concurrent validations of the same token cannot both succeed.
var consumeScript = redis.NewScript(`
local t = redis.call('HMGET', KEYS[1], 'bound', 'consumed')
if not t[1] then
  return 'missing'
end
if t[2] == '1' then
  return 'spent'
end
if t[1] ~= ARGV[1] then
  return 'mismatch'
end
redis.call('HSET', KEYS[1], 'consumed', '1')
return 'ok'
`)

func (c *Client) ConsumeToken(ctx context.Context, key, boundHash string) (ConsumeStatus, error) {
	res, err := consumeScript.Run(ctx, c.rdb, []string{key}, boundHash).Text()
	if err != nil {
		return ConsumeMissing, wrap("consume token", err)
	}
	switch res {
	case "ok":
		return ConsumeOK, nil
	case "spent":
		return ConsumeSpent, nil
	case "mismatch":
		return ConsumeMismatch, nil
	default:
		return ConsumeMissing, nil
	}
}

// reserveScript: KEYS = period ledgers..., reservation key last.
// ARGV = amount, joined period keys, reservation pttl, then
// (limit, pttl) per period. All-or-nothing: any period overflow leaves
// every ledger untouched.
var reserveScript = redis.NewScript(`
local n = #KEYS - 1
local amount = tonumber(ARGV[1])
for i = 1, n do
  local r = tonumber(redis.call('HGET', KEYS[i], 'reserved') or '0')
  local c = tonumber(redis.call('HGET', KEYS[i], 'committed') or '0')
  if r + c + amount > tonumber(ARGV[2 + 2*i]) then
    return 0
  end
end
for i = 1, n do
  redis.call('HINCRBY', KEYS[i], 'reserved', amount)
  if redis.call('PTTL', KEYS[i]) < 0 then
    redis.call('PEXPIRE', KEYS[i], tonumber(ARGV[3 + 2*i]))
  end
end
redis.call('HSET', KEYS[n+1], 'amount', amount, 'periods', ARGV[2])
redis.call('PEXPIRE', KEYS[n+1], tonumber(ARGV[3]))
return 1
`)

func (c *Client) Reserve(ctx context.Context, periods []PeriodBudget, resKey string, amount int64, resTTL time.Duration) (bool, error) {
	keys := make([]string, 0, len(periods)+1)
	names := make([]string, 0, len(periods))
	args := make([]interface{}, 0, 3+2*len(periods))
	for _, p := range periods {
		keys = append(keys, p.Key)
		names = append(names, p.Key)
	}
	keys = append(keys, resKey)
	args = append(args, amount, strings.Join(names, ","), resTTL.Milliseconds())
	for _, p := range periods {
		args = append(args, p.Limit, p.TTL.Milliseconds())
	}
	ok, err := reserveScript.Run(ctx, c.rdb, keys, args...).Int64()
	if err != nil {
		return false, wrap("reserve", err)
	}
	return ok == 1, nil
}

// commitScript finalizes a reservation. The period keys are read back from
// the reservation record (single-instance store); deleting the record
// inside the same unit makes commit and release idempotent. Reserved is
// clamped at zero in case a period key rolled over mid-flight.
var commitScript = redis.NewScript(`
local amount = redis.call('HGET', KEYS[1], 'amount')
if not amount then
  return 0
end
local periods = redis.call('HGET', KEYS[1], 'periods')
for p in string.gmatch(periods, '([^,]+)') do
  local r = redis.call('HINCRBY', p, 'reserved', -tonumber(amount))
  if r < 0 then
    redis.call('HSET', p, 'reserved', '0')
  end
  if tonumber(ARGV[1]) > 0 then
    redis.call('HINCRBY', p, 'committed', tonumber(ARGV[1]))
  end
end
redis.call('DEL', KEYS[1])
return 1
`)

func (c *Client) Commit(ctx context.Context, resKey string, actual int64) error {
	if _, err := commitScript.Run(ctx, c.rdb, []string{resKey}, actual).Int64(); err != nil {
		return wrap("commit", err)
	}
	return nil
}

func (c *Client) Release(ctx context.Context, resKey string) error {
	if _, err := commitScript.Run(ctx, c.rdb, []string{resKey}, 0).Int64(); err != nil {
		return wrap("release", err)
	}
	return nil
}

func (c *Client) LedgerRead(ctx context.Context, periodKey string) (int64, int64, error) {
	vals, err := c.rdb.HMGet(ctx, periodKey, "reserved", "committed").Result()
	if err != nil {
		return 0, 0, wrap("ledger read "+periodKey, err)
	}
	return hashInt(vals[0]), hashInt(vals[1]), nil
}

func hashInt(v interface{}) int64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (c *Client) SetIfAbsent(ctx context.Context, key, val string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, val, ttl).Result()
	if err != nil {
		return false, wrap("setnx "+key, err)
	}
	return ok, nil
}

// violationScript refreshes the TTL on every increment: the counter only
// lapses after a full clean window with no violations.
var violationScript = redis.NewScript(`
local c = redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[1])
return c
`)

func (c *Client) IncrViolations(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := violationScript.Run(ctx, c.rdb, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, wrap("violations "+key, err)
	}
	return n, nil
}

// banScript never downgrades an active ban: racing escalations settle on
// the highest tier. ttl <= 0 persists the record (permanent tier).
var banScript = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'tier') or '0')
local tier = tonumber(ARGV[1])
if cur >= tier then
  return 0
end
redis.call('HSET', KEYS[1], 'tier', tier, 'reason', ARGV[2], 'since', ARGV[3])
if tonumber(ARGV[4]) > 0 then
  redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[4]))
else
  redis.call('PERSIST', KEYS[1])
end
return 1
`)

func (c *Client) ApplyBan(ctx context.Context, key string, tier int, reason string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	applied, err := banScript.Run(ctx, c.rdb, []string{key}, tier, reason, now, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, wrap("ban "+key, err)
	}
	return applied == 1, nil
}

var banStatusScript = redis.NewScript(`
local t = redis.call('HGET', KEYS[1], 'tier')
if not t then
  return {0, -2}
end
return {tonumber(t), redis.call('PTTL', KEYS[1])}
`)

func (c *Client) BanStatus(ctx context.Context, key string) (BanState, error) {
	res, err := banStatusScript.Run(ctx, c.rdb, []string{key}).Int64Slice()
	if err != nil {
		return BanState{}, wrap("ban status "+key, err)
	}
	st := BanState{Tier: int(res[0])}
	switch {
	case res[1] == -1:
		st.Indefinite = true
	case res[1] > 0:
		st.Remaining = time.Duration(res[1]) * time.Millisecond
	}
	return st, nil
}

func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("get "+key, err)
	}
	return val, true, nil
}

func (c *Client) Set(ctx context.Context, key, val string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, val, ttl).Err(); err != nil {
		return wrap("set "+key, err)
	}
	return nil
}

func (c *Client) Del(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return wrap("del "+key, err)
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return wrap("ping", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

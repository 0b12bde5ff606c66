// Package kv wraps the shared redis store. It owns one connection pool for
// commands plus a duplicate used only for subscriptions, and is the single
// path any component takes to the store.
package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Pattern string
	Payload string
}

// Subscription is a live (p)subscribe handle.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Store is the typed access surface over the shared key-value store.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)

	RPush(ctx context.Context, key string, values ...string) error
	LPop(ctx context.Context, key string) (string, bool, error)
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)
	LRem(ctx context.Context, key string, count int64, value string) error
	LLen(ctx context.Context, key string) (int64, error)

	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	ZRangeByScore(ctx context.Context, key string, min, max string) ([]string, error)
	ZRem(ctx context.Context, key string, members ...string) error
	ZRemRangeByScore(ctx context.Context, key string, min, max string) error

	Publish(ctx context.Context, channel, payload string) (int64, error)
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
	PSubscribe(ctx context.Context, patterns ...string) (Subscription, error)

	// RateCheck runs the sliding-window admission script atomically.
	// It returns true when the call is admitted.
	RateCheck(ctx context.Context, key string, limit int, window time.Duration) (bool, error)

	// Claim atomically takes ownership of the hash at key. The hash field
	// named ownerField identifies the current holder; heartbeatField holds
	// a unix-milli timestamp. A hash owned by someone else denies unless
	// the heartbeat is older than staleAfter, in which case the claim
	// steals it. On acquire or steal the given fields are written and the
	// key's TTL reset to ttl.
	Claim(ctx context.Context, key, ownerField, owner, heartbeatField string,
		staleAfter, ttl time.Duration, fields map[string]string) (ClaimStatus, error)

	Close() error
}

// ClaimStatus is the outcome of a Claim call.
type ClaimStatus int

const (
	ClaimDenied ClaimStatus = iota
	ClaimAcquired
	ClaimStolen
)

// rateScript trims the window, counts, and admits in one round trip. The
// member is a per-call UUID so concurrent admissions at the same millisecond
// do not collapse. The pexpire means the set can briefly outgrow the window
// at extreme rates; the cap is a soft upper bound.
var rateScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]
redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
if redis.call('ZCARD', key) >= limit then
	return 0
end
redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window)
return 1
`)

// claimScript does the owner check, the staleness check, and the takeover
// write in one round trip so two claimants can never both win.
var claimScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], ARGV[1])
local status = 1
if current and current ~= ARGV[2] then
	local hb = tonumber(redis.call('HGET', KEYS[1], ARGV[3])) or 0
	if tonumber(ARGV[4]) - hb < tonumber(ARGV[5]) then
		return 0
	end
	status = 2
end
for i = 7, #ARGV, 2 do
	redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('PEXPIRE', KEYS[1], ARGV[6])
return status
`)

// Client is the redis-backed Store.
type Client struct {
	rdb *redis.Client
	sub *redis.Client
}

// Options configures the redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// New connects the command pool and the dedicated subscriber connection.
func New(ctx context.Context, opts Options) (*Client, error) {
	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	sub := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	return &Client{rdb: rdb, sub: sub}, nil
}

func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Exists(ctx, key).Result()
	return n > 0, err
}

func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, key).Result()
}

func (c *Client) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return c.rdb.HSet(ctx, key, args...).Err()
}

func (c *Client) HGet(ctx context.Context, key, field string) (string, bool, error) {
	v, err := c.rdb.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	return c.rdb.TTL(ctx, key).Result()
}

func (c *Client) RPush(ctx context.Context, key string, values ...string) error {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return c.rdb.RPush(ctx, key, args...).Err()
}

func (c *Client) LPop(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.LPop(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (c *Client) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return c.rdb.LRange(ctx, key, start, stop).Result()
}

func (c *Client) LRem(ctx context.Context, key string, count int64, value string) error {
	return c.rdb.LRem(ctx, key, count, value).Err()
}

func (c *Client) LLen(ctx context.Context, key string) (int64, error) {
	return c.rdb.LLen(ctx, key).Result()
}

func (c *Client) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.rdb.SAdd(ctx, key, args...).Err()
}

func (c *Client) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.rdb.SRem(ctx, key, args...).Err()
}

func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	return c.rdb.SMembers(ctx, key).Result()
}

func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (c *Client) ZRangeByScore(ctx context.Context, key string, min, max string) ([]string, error) {
	return c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
}

func (c *Client) ZRem(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return c.rdb.ZRem(ctx, key, args...).Err()
}

func (c *Client) ZRemRangeByScore(ctx context.Context, key string, min, max string) error {
	return c.rdb.ZRemRangeByScore(ctx, key, min, max).Err()
}

func (c *Client) Publish(ctx context.Context, channel, payload string) (int64, error) {
	return c.rdb.Publish(ctx, channel, payload).Result()
}

func (c *Client) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := c.sub.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return newSubscription(ps), nil
}

func (c *Client) PSubscribe(ctx context.Context, patterns ...string) (Subscription, error) {
	ps := c.sub.PSubscribe(ctx, patterns...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("psubscribe: %w", err)
	}
	return newSubscription(ps), nil
}

func (c *Client) RateCheck(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := rateScript.Run(ctx, c.rdb, []string{key},
		now, window.Milliseconds(), limit, uuid.NewString()).Int()
	if err != nil {
		return false, fmt.Errorf("rate script: %w", err)
	}
	return res == 1, nil
}

func (c *Client) Claim(ctx context.Context, key, ownerField, owner, heartbeatField string,
	staleAfter, ttl time.Duration, fields map[string]string) (ClaimStatus, error) {
	args := []any{
		ownerField, owner, heartbeatField,
		time.Now().UnixMilli(), staleAfter.Milliseconds(), ttl.Milliseconds(),
	}
	for k, v := range fields {
		args = append(args, k, v)
	}
	res, err := claimScript.Run(ctx, c.rdb, []string{key}, args...).Int()
	if err != nil {
		return ClaimDenied, fmt.Errorf("claim script: %w", err)
	}
	return ClaimStatus(res), nil
}

func (c *Client) Close() error {
	if err := c.sub.Close(); err != nil {
		_ = c.rdb.Close()
		return err
	}
	return c.rdb.Close()
}

type subscription struct {
	ps   *redis.PubSub
	msgs chan Message
}

func newSubscription(ps *redis.PubSub) *subscription {
	s := &subscription{ps: ps, msgs: make(chan Message, 64)}
	go func() {
		defer close(s.msgs)
		for m := range ps.Channel() {
			s.msgs <- Message{Channel: m.Channel, Pattern: m.Pattern, Payload: m.Payload}
		}
	}()
	return s
}

func (s *subscription) Messages() <-chan Message { return s.msgs }
func (s *subscription) Close() error             { return s.ps.Close() }

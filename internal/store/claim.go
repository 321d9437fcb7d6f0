package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultClaimTTL bounds how long a delivery claim survives a crashed claimant.
const DefaultClaimTTL = 10 * time.Minute

// DeliveryClaimer lets several WhatsHook processes sharing a store agree on which of them
// delivers a message.
type DeliveryClaimer interface {
	// Claim reports whether the caller now owns delivery of key.
	Claim(ctx context.Context, key string) (bool, error)
	// Release gives up a claim so the message can be delivered later.
	Release(ctx context.Context, key string) error
}

// RedisClaimerOpts holds configuration options for a RedisClaimer.
type RedisClaimerOpts struct {
	Prefix string
	TTL    time.Duration
	Owner  string
}

// RedisClaimerOption defines a configuration option for a RedisClaimer.
type RedisClaimerOption func(*RedisClaimerOpts)

// WithClaimPrefix sets the key prefix.
func WithClaimPrefix(prefix string) RedisClaimerOption {
	return func(o *RedisClaimerOpts) {
		o.Prefix = prefix
	}
}

// WithClaimTTL sets the claim lifetime.
func WithClaimTTL(ttl time.Duration) RedisClaimerOption {
	return func(o *RedisClaimerOpts) {
		o.TTL = ttl
	}
}

// WithClaimOwner sets the value stored under claimed keys.
func WithClaimOwner(owner string) RedisClaimerOption {
	return func(o *RedisClaimerOpts) {
		o.Owner = owner
	}
}

// RedisClaimer implements DeliveryClaimer with SET NX.
type RedisClaimer struct {
	client *redis.Client
	opts   RedisClaimerOpts
}

var _ DeliveryClaimer = (*RedisClaimer)(nil)

// NewRedisClaimer wraps an existing client.
func NewRedisClaimer(client *redis.Client, opts ...RedisClaimerOption) *RedisClaimer {
	cfg := RedisClaimerOpts{Prefix: "whatshook:delivery:", TTL: DefaultClaimTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultClaimTTL
	}
	if cfg.Owner == "" {
		cfg.Owner = uuid.NewString()
	}
	return &RedisClaimer{client: client, opts: cfg}
}

// DialRedisClaimer connects to addr and pings it. A failed ping is returned so the caller
// can decide to run without claims.
func DialRedisClaimer(ctx context.Context, addr, password string, db int, opts ...RedisClaimerOption) (*RedisClaimer, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	slog.Info("RedisClaimer: connected", "addr", addr)
	return NewRedisClaimer(rdb, opts...), nil
}

func (c *RedisClaimer) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := c.client.SetNX(ctx, c.opts.Prefix+key, c.opts.Owner, c.opts.TTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s failed: %w", key, err)
	}
	if !ok {
		slog.Debug("RedisClaimer.Claim: already claimed elsewhere", "key", key)
	}
	return ok, nil
}

func (c *RedisClaimer) Release(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.opts.Prefix+key).Err(); err != nil {
		return fmt.Errorf("release %s failed: %w", key, err)
	}
	return nil
}

// Close closes the underlying client.
func (c *RedisClaimer) Close() error {
	return c.client.Close()
}

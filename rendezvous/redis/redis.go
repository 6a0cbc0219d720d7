// Package redis implements rendezvous.Host on Redis so the result callback
// may run in a different process from the waiter.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/installsession-go/rendezvous"
	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
)

// Config for the Redis-backed Host. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: INSTALLSESSION_KEY_PREFIX
	KeyPrefix string `env:"INSTALLSESSION_KEY_PREFIX,default=installsession:"`
	// ReplyTTL bounds how long an undelivered reply lingers.
	ReplyTTL time.Duration `env:"INSTALLSESSION_REPLY_TTL,default=1m"`
}

type Host struct {
	client   *redis.Client
	prefix   string
	replyTTL time.Duration
	owned    bool
}

// New dials Redis and verifies connectivity.
func New(cfg Config) (*Host, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		_ = cl.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	h := NewFromClient(cl, cfg)
	h.owned = true
	return h, nil
}

// NewFromClient wraps an existing client. Close does not close it.
func NewFromClient(cl *redis.Client, cfg Config) *Host {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "installsession:"
	}
	ttl := cfg.ReplyTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Host{client: cl, prefix: prefix, replyTTL: ttl}
}

// NewFromEnv builds a Host using envdecode to populate Config.
func NewFromEnv() (*Host, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode env: %w", err)
	}
	return New(cfg)
}

// Close closes the Redis client when New created it.
func (h *Host) Close() error {
	if !h.owned {
		return nil
	}
	return h.client.Close()
}

// --- Key helpers ---

func (h *Host) awaitKey(sessionKey, corr string) string {
	return h.prefix + "await:" + sessionKey + ":" + corr
}
func (h *Host) replyKey(sessionKey, corr string) string {
	return h.prefix + "reply:" + sessionKey + ":" + corr
}

// --- Await/Fulfill using SETNX/BLPOP and Lua for atomicity ---

type redisAwaiter struct {
	h           *Host
	sessionKey  string
	correlation string
}

func (a *redisAwaiter) Recv(ctx context.Context) ([]byte, error) {
	marker := a.h.awaitKey(a.sessionKey, a.correlation)
	list := a.h.replyKey(a.sessionKey, a.correlation)
	for {
		// Use BLPop with context deadline; go-redis respects ctx.
		res, err := a.h.client.BLPop(ctx, time.Second, list).Result()
		if err != nil {
			if ctx.Err() != nil {
				// best-effort cancel
				_ = a.Cancel(context.WithoutCancel(ctx))
				return nil, ctx.Err()
			}
			if errors.Is(err, redis.Nil) {
				// No reply yet; a vanished marker means the await expired or
				// was canceled.
				n, xerr := a.h.client.Exists(ctx, marker).Result()
				if xerr == nil && n == 0 {
					// The reply may have landed between BLPOP and EXISTS.
					data, perr := a.h.client.LPop(ctx, list).Bytes()
					if perr == nil {
						return data, nil
					}
					return nil, rendezvous.ErrAwaitCanceled
				}
				continue
			}
			return nil, err
		}
		if len(res) == 2 {
			// res[0] is list name; res[1] is data
			_, _ = a.h.client.Del(context.WithoutCancel(ctx), list).Result()
			return []byte(res[1]), nil
		}
	}
}

func (a *redisAwaiter) Cancel(ctx context.Context) error {
	key := a.h.awaitKey(a.sessionKey, a.correlation)
	list := a.h.replyKey(a.sessionKey, a.correlation)
	return a.h.client.Del(ctx, key, list).Err()
}

func (h *Host) BeginAwait(ctx context.Context, sessionKey, correlationID string, ttl time.Duration) (rendezvous.Awaiter, error) {
	if ttl <= 0 {
		ttl = time.Minute
	}
	key := h.awaitKey(sessionKey, correlationID)
	// SETNX with TTL via SET key value NX EX ttl
	ok, err := h.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, rendezvous.ErrAwaitExists
	}
	return &redisAwaiter{h: h, sessionKey: sessionKey, correlation: correlationID}, nil
}

// The marker is deleted in the same script that pushes the reply, so only the
// first Fulfill for a key can succeed.
var fulfillScript = redis.NewScript(`
local await = KEYS[1]
local list = KEYS[2]
local payload = ARGV[1]
local ttl = tonumber(ARGV[2])
if redis.call('EXISTS', await) == 1 then
  redis.call('RPUSH', list, payload)
  redis.call('DEL', await)
  redis.call('EXPIRE', list, ttl)
  return 1
end
return 0
`)

func (h *Host) Fulfill(ctx context.Context, sessionKey, correlationID string, data []byte) (bool, error) {
	keys := []string{h.awaitKey(sessionKey, correlationID), h.replyKey(sessionKey, correlationID)}
	res, err := fulfillScript.Run(ctx, h.client, keys, data, max(1, int(h.replyTTL/time.Second))).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

var _ rendezvous.Host = (*Host)(nil)

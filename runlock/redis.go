package runlock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/kbukum/modelrun/logger"
	"github.com/kbukum/modelrun/observability"
)

var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a Locker shared by every scheduler pointing at the same server.
type Redis struct {
	rdb    *goredis.Client
	prefix string
	log    *logger.Logger

	mu     sync.Mutex
	closed bool
}

var _ Locker = (*Redis)(nil)

// NewRedis connects a Redis-backed Locker.
func NewRedis(cfg Config, log *logger.Logger) (*Redis, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, fmt.Errorf("runlock: redis is disabled")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		PoolSize:        cfg.PoolSize,
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: parseDuration(cfg.MinRetryBackoff),
		MaxRetryBackoff: parseDuration(cfg.MaxRetryBackoff),
		DialTimeout:     parseDuration(cfg.DialTimeout),
		ReadTimeout:     parseDuration(cfg.ReadTimeout),
		WriteTimeout:    parseDuration(cfg.WriteTimeout),
	})

	log = log.WithComponent("runlock")
	log.Info("Redis run lock created", map[string]interface{}{
		"addr": cfg.Addr,
		"db":   cfg.DB,
	})
	return &Redis{rdb: rdb, prefix: cfg.Prefix, log: log}, nil
}

// Acquire takes key for ttl with SET NX PX. Returns ErrLocked when held.
func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	full := r.prefix + key
	token := uuid.NewString()

	ok, err := r.rdb.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("runlock: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	r.log.Debug("lock acquired", logger.Fields("key", key, "ttl_ms", ttl.Milliseconds()))

	return &Lease{
		Key:   key,
		Token: token,
		release: func(ctx context.Context) error {
			n, err := releaseScript.Run(ctx, r.rdb, []string{full}, token).Int64()
			if err != nil {
				return fmt.Errorf("runlock: release %s: %w", key, err)
			}
			if n == 0 {
				return ErrNotHeld
			}
			r.log.Debug("lock released", logger.Fields("key", key))
			return nil
		},
		extend: func(ctx context.Context, ttl time.Duration) error {
			n, err := extendScript.Run(ctx, r.rdb, []string{full}, token, ttl.Milliseconds()).Int64()
			if err != nil {
				return fmt.Errorf("runlock: extend %s: %w", key, err)
			}
			if n == 0 {
				return ErrNotHeld
			}
			return nil
		},
	}, nil
}

// Ping verifies the Redis connection is alive.
func (r *Redis) Ping(ctx context.Context) error {
	pong, err := r.rdb.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	if pong != "PONG" {
		return fmt.Errorf("unexpected redis ping response: %s", pong)
	}
	return nil
}

// CheckHealth probes the Redis connection.
func (r *Redis) CheckHealth(ctx context.Context) observability.Health {
	return observability.Probe(ctx, "redis", r.Ping)
}

// Close closes the Redis connection. Safe to call multiple times.
func (r *Redis) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.log.Info("Closing Redis connection")
	return r.rdb.Close()
}

// New returns a Redis Locker when cfg is enabled and a Local one otherwise.
func New(cfg Config, log *logger.Logger) (Locker, error) {
	if !cfg.Enabled {
		return NewLocal(), nil
	}
	return NewRedis(cfg, log)
}

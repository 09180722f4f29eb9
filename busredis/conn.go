// Package busredis is the Redis transport underneath the bus: a thin,
// namespaced wrapper over go-redis (adapted from the framework's
// core.RedisClient) plus the three producer send modes and the
// reliable non-blocking pop primitive the worker package polls with.
package busredis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/nooble4/bus/buserr"
	"github.com/nooble4/bus/buslog"
)

// ErrEmpty is returned by PopReliable when the source queue has
// nothing to pop. Callers treat it as "try again later", not a fault.
var ErrEmpty = errors.New("busredis: queue empty")

// ConnOptions configures a low-level Conn.
type ConnOptions struct {
	RedisURL string
	Logger   buslog.Logger

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	CircuitBreaker *CircuitBreaker
	Retry          *RetryConfig
}

// Conn wraps a *redis.Client with connection management, and runs Push
// and HealthCheck through the configured retry/circuit-breaker
// protection (the other list operations call Redis directly),
// mirroring core.RedisClient's shape
// (NewRedisClient/Close/HealthCheck) but specialized to list
// operations instead of key/value/sorted-set operations.
type Conn struct {
	rdb    *redis.Client
	logger buslog.Logger
	cb     *CircuitBreaker
	retry  *RetryConfig
}

// NewConn parses opts.RedisURL, dials, and pings before returning.
func NewConn(opts ConnOptions) (*Conn, error) {
	if opts.RedisURL == "" {
		return nil, fmt.Errorf("busredis: redis URL is required")
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("busredis: invalid redis URL: %w", err)
	}
	if opts.DialTimeout > 0 {
		redisOpt.DialTimeout = opts.DialTimeout
	}
	if opts.ReadTimeout > 0 {
		redisOpt.ReadTimeout = opts.ReadTimeout
	}
	if opts.WriteTimeout > 0 {
		redisOpt.WriteTimeout = opts.WriteTimeout
	}

	rdb := redis.NewClient(redisOpt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("busredis: failed to connect to redis: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = buslog.NewDefaultLogger()
	}

	c := &Conn{rdb: rdb, logger: logger, cb: opts.CircuitBreaker, retry: opts.Retry}
	logger.Info("redis connection established")
	return c, nil
}

// NewConnFromClient adapts an already-constructed *redis.Client, for
// tests wiring against miniredis.
func NewConnFromClient(rdb *redis.Client, logger buslog.Logger) *Conn {
	if logger == nil {
		logger = buslog.NewDefaultLogger()
	}
	return &Conn{rdb: rdb, logger: logger}
}

// Close closes the underlying connection pool.
func (c *Conn) Close() error {
	return c.rdb.Close()
}

// HealthCheck pings Redis.
func (c *Conn) HealthCheck(ctx context.Context) error {
	return c.guarded(func() error { return c.rdb.Ping(ctx).Err() })
}

// guarded runs fn through the circuit breaker and retry policy when
// configured, or runs it directly otherwise.
func (c *Conn) guarded(fn func() error) error {
	run := fn
	if c.retry != nil {
		inner := run
		run = func() error { return Retry(context.Background(), c.retry, inner) }
	}
	if c.cb != nil {
		inner := run
		return c.cb.Execute(context.Background(), inner)
	}
	return run()
}

// Push appends a serialized action/response to the tail of queueName
// (RPUSH), matching the original client's send semantics.
func (c *Conn) Push(ctx context.Context, queueName string, payload []byte) error {
	if err := c.guarded(func() error {
		return c.rdb.RPush(ctx, queueName, payload).Err()
	}); err != nil {
		return buserr.New("busredis.Push", buserr.KindRedis, err).WithID(queueName)
	}
	return nil
}

// BlockingPop blocks up to timeout waiting for an element on
// queueName (BLPOP), returning ErrEmpty on timeout.
func (c *Conn) BlockingPop(ctx context.Context, queueName string, timeout time.Duration) ([]byte, error) {
	res, err := c.rdb.BLPop(ctx, timeout, queueName).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, buserr.New("busredis.BlockingPop", buserr.KindRedis, err).WithID(queueName)
	}
	// BLPOP returns [queueName, payload].
	if len(res) < 2 {
		return nil, ErrEmpty
	}
	return []byte(res[1]), nil
}

// PopReliable atomically moves the head of queueName onto the tail of
// processingQueue (LMOVE LEFT RIGHT) and returns the moved payload.
// The element stays visible in processingQueue until Ack removes it,
// so a worker that crashes mid-handling leaves the message recoverable
// instead of losing it the way a plain LPOP/BRPOP would.
func (c *Conn) PopReliable(ctx context.Context, queueName, processingQueue string) ([]byte, error) {
	res, err := c.rdb.LMove(ctx, queueName, processingQueue, "LEFT", "RIGHT").Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, buserr.New("busredis.PopReliable", buserr.KindRedis, err).WithID(queueName)
	}
	return []byte(res), nil
}

// Ack removes one occurrence of payload from processingQueue, marking
// a reliably-popped message as fully handled.
func (c *Conn) Ack(ctx context.Context, processingQueue string, payload []byte) error {
	return c.rdb.LRem(ctx, processingQueue, 1, payload).Err()
}

// Requeue removes payload from processingQueue and appends it to the
// tail of queueName, used to retry a failed message or route it to
// its dead-letter queue.
func (c *Conn) Requeue(ctx context.Context, processingQueue, queueName string, payload []byte) error {
	if err := c.Ack(ctx, processingQueue, payload); err != nil {
		return err
	}
	return c.Push(ctx, queueName, payload)
}

// Expire sets a TTL on queueName. Client and the worker package do not
// call it: pseudo-sync reply queues and callback queues carry no TTL
// unless a caller sets one with Expire.
func (c *Conn) Expire(ctx context.Context, queueName string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, queueName, ttl).Err()
}

// Len reports the current length of queueName.
func (c *Conn) Len(ctx context.Context, queueName string) (int64, error) {
	return c.rdb.LLen(ctx, queueName).Result()
}

// Raw exposes the underlying *redis.Client for callers (e.g. the
// worker package) that need operations Conn doesn't wrap.
func (c *Conn) Raw() *redis.Client {
	return c.rdb
}

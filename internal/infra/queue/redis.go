package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/chainsink/internal/core/fault"
)

var (
	// ErrNoJob means the pop timed out with nothing to deliver.
	ErrNoJob = errors.New("queue: no job available")
	// ErrUnavailable means the queue backend cannot be reached.
	ErrUnavailable = errors.New("queue: unavailable")
)

// Config holds Redis connection configuration.
type Config struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
}

// RedisQueue is a Redis-list-backed Queue. LPUSH/BRPOP gives FIFO-ish
// best-effort ordering per producer and blocking pops for consumers.
type RedisQueue struct {
	rdb        *redis.Client
	popTimeout time.Duration
}

// NewRedisQueue connects to Redis and verifies the connection.
func NewRedisQueue(cfg Config, popTimeout time.Duration) (*RedisQueue, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if popTimeout <= 0 {
		popTimeout = 5 * time.Second
	}
	return &RedisQueue{rdb: rdb, popTimeout: popTimeout}, nil
}

// Close closes the Redis connection.
func (q *RedisQueue) Close() error {
	return q.rdb.Close()
}

func topicKey(topic string) string {
	return fmt.Sprintf("jobs:%s", topic)
}

// Push enqueues a payload on a topic.
func (q *RedisQueue) Push(ctx context.Context, topic string, payload []byte) error {
	if err := q.rdb.LPush(ctx, topicKey(topic), payload).Err(); err != nil {
		return fault.New(fault.Transient, fmt.Errorf("%w: lpush %s: %v", ErrUnavailable, topic, err))
	}
	return nil
}

// Pop blocks up to the pop timeout and returns one payload or ErrNoJob.
func (q *RedisQueue) Pop(ctx context.Context, topic string) ([]byte, error) {
	res, err := q.rdb.BRPop(ctx, q.popTimeout, topicKey(topic)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoJob
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fault.New(fault.Transient, fmt.Errorf("%w: brpop %s: %v", ErrUnavailable, topic, err))
	}
	// BRPop returns [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected brpop reply of %d elements", len(res))
	}
	return []byte(res[1]), nil
}

// Len reports the current depth of a topic.
func (q *RedisQueue) Len(ctx context.Context, topic string) (int64, error) {
	n, err := q.rdb.LLen(ctx, topicKey(topic)).Result()
	if err != nil {
		return 0, fmt.Errorf("llen %s: %w", topic, err)
	}
	return n, nil
}

// Health checks if the queue backend is reachable.
func (q *RedisQueue) Health(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// Package redis caches the current job snapshot and live pool statistics.
// Nothing here is authoritative; the SQL store is.
package redis

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

const (
	keyCurrentJob   = "pool:job:current"
	keyStatsPrefix  = "pool:stats:"
	keyHashratePref = "pool:hashrate:"
)

// ErrNotFound is returned when a key does not exist
var ErrNotFound = stderrors.New("redis: key not found")

// Client wraps Redis operations for the mining pool
type Client struct {
	rdb *redis.Client
}

// NewClient connects using a redis:// URL and pings the server.
func NewClient(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// JobSnapshot is what the pool publishes about the job being worked.
type JobSnapshot struct {
	JobID           string    `json:"job_id"`
	Height          int64     `json:"height"`
	PrevHash        string    `json:"prev_hash"`
	PoolDifficulty  float64   `json:"pool_difficulty"`
	ChainDifficulty float64   `json:"chain_difficulty"`
	CreatedAt       time.Time `json:"created_at"`
}

// SetCurrentJob stores the current job snapshot
func (c *Client) SetCurrentJob(ctx context.Context, job *JobSnapshot) error {
	data, err := sonic.ConfigStd.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job snapshot: %w", err)
	}

	if err := c.rdb.Set(ctx, keyCurrentJob, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set current job: %w", err)
	}
	return nil
}

// GetCurrentJob retrieves the current job snapshot
func (c *Client) GetCurrentJob(ctx context.Context) (*JobSnapshot, error) {
	data, err := c.rdb.Get(ctx, keyCurrentJob).Bytes()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get current job: %w", err)
	}

	var job JobSnapshot
	if err := sonic.ConfigStd.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job snapshot: %w", err)
	}
	return &job, nil
}

// IncrementStats bumps several pool:stats counters in one round trip.
func (c *Client) IncrementStats(ctx context.Context, names ...string) error {
	pipe := c.rdb.Pipeline()
	for _, name := range names {
		pipe.Incr(ctx, keyStatsPrefix+name)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to increment stats: %w", err)
	}
	return nil
}

// GetStat retrieves a pool:stats counter; a missing counter is zero.
func (c *Client) GetStat(ctx context.Context, name string) (int64, error) {
	val, err := c.rdb.Get(ctx, keyStatsPrefix+name).Int64()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get stat: %w", err)
	}
	return val, nil
}

// AddHashrateSample appends a hashrate estimate for minerID and trims samples
// older than window.
func (c *Client) AddHashrateSample(ctx context.Context, minerID string, hashrate float64, window time.Duration) error {
	key := keyHashratePref + minerID
	now := time.Now()

	member := redis.Z{
		Score:  float64(now.Unix()),
		Member: fmt.Sprintf("%d:%g", now.UnixNano(), hashrate),
	}

	pipe := c.rdb.Pipeline()
	pipe.ZAdd(ctx, key, member)
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(now.Add(-window).Unix(), 10))
	pipe.Expire(ctx, key, window*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add hashrate sample: %w", err)
	}
	return nil
}

// AverageHashrate averages the samples of minerID within window
func (c *Client) AverageHashrate(ctx context.Context, minerID string, window time.Duration) (float64, error) {
	values, err := c.rdb.ZRangeByScore(ctx, keyHashratePref+minerID, &redis.ZRangeBy{
		Min: strconv.FormatInt(time.Now().Add(-window).Unix(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get hashrate samples: %w", err)
	}

	return averageSamples(values), nil
}

// averageSamples parses "<nanos>:<hashrate>" members, skipping malformed ones.
func averageSamples(values []string) float64 {
	var (
		total float64
		n     int
	)
	for _, v := range values {
		_, raw, ok := strings.Cut(v, ":")
		if !ok {
			continue
		}
		if h, err := strconv.ParseFloat(raw, 64); err == nil {
			total += h
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// Package database is the pool's share ledger and telemetry fan-out. Shares
// are written to the SQL store synchronously; Redis, InfluxDB and Kafka are
// fed asynchronously and their failures never fail a share.
package database

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bardlex/pplnspool/internal/database/influx"
	"github.com/bardlex/pplnspool/internal/database/redis"
	"github.com/bardlex/pplnspool/internal/job"
	"github.com/bardlex/pplnspool/internal/messaging"
	"github.com/bardlex/pplnspool/internal/store"
	"github.com/bardlex/pplnspool/pkg/circuit"
	"github.com/bardlex/pplnspool/pkg/errors"
	"github.com/bardlex/pplnspool/pkg/log"
	"github.com/bardlex/pplnspool/pkg/retry"
)

// hashrateWindow is the span one share's work is spread over for the Redis estimate.
const hashrateWindow = 10 * time.Minute

// ShareStore is the write path of the ledger
type ShareStore interface {
	InsertShare(ctx context.Context, s *store.Share) (int64, error)
	Ping(ctx context.Context) error
}

// Config holds the telemetry sink settings. Empty values disable a sink.
type Config struct {
	RedisURL     string
	Influx       *influx.Config
	KafkaBrokers []string
	QueueSize    int
}

// Manager coordinates the store and the telemetry sinks
type Manager struct {
	store  ShareStore
	Redis  *redis.Client
	Influx *influx.Client
	Kafka  *messaging.Publisher

	logger         *log.Logger
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config

	events  chan func(context.Context)
	dropped atomic.Int64
	closed  atomic.Bool
	wg      sync.WaitGroup
}

// NewManager connects the configured sinks. A sink that cannot be reached is
// logged and left disabled; only the store is required.
func NewManager(ctx context.Context, cfg *Config, st ShareStore, logger *log.Logger) *Manager {
	logger = logger.WithComponent("ledger")

	m := newManager(st, cfg.QueueSize, logger)

	if cfg.RedisURL != "" {
		client, err := redis.NewClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Warn("redis unavailable, job snapshots and live stats disabled")
		} else {
			m.Redis = client
		}
	}

	if cfg.Influx != nil && cfg.Influx.URL != "" {
		client, err := influx.NewClient(ctx, cfg.Influx)
		if err != nil {
			logger.WithError(err).Warn("influxdb unavailable, time series disabled")
		} else {
			m.Influx = client
			go m.logInfluxErrors(client.Errors())
		}
	}

	if len(cfg.KafkaBrokers) > 0 {
		m.Kafka = messaging.NewPublisher(cfg.KafkaBrokers, logger)
	}

	return m
}

func newManager(st ShareStore, queueSize int, logger *log.Logger) *Manager {
	if queueSize <= 0 {
		queueSize = 4096
	}
	return &Manager{
		store:  st,
		logger: logger,
		circuitBreaker: circuit.New(&circuit.Config{
			Name:            "store",
			MaxFailures:     5,
			SuccessRequired: 2,
			Timeout:         10 * time.Second,
		}),
		retryConfig: retry.DefaultConfig(),
		events:      make(chan func(context.Context), queueSize),
	}
}

// AppendShare durably records a share and returns its share_id. The share is
// then handed to the telemetry sinks.
func (m *Manager) AppendShare(ctx context.Context, share *store.Share) (int64, error) {
	id, err := circuit.ExecuteWithResult(ctx, m.circuitBreaker, func() (int64, error) {
		return retry.DoWithResult(ctx, m.retryConfig, func() (int64, error) {
			return m.store.InsertShare(ctx, share)
		})
	})
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypePersistence, "append_share",
			"failed to record share").
			WithContext("miner_id", share.MinerID).
			WithContext("job_id", share.JobID)
	}

	recorded := *share
	m.enqueue(func(ctx context.Context) { m.shareTelemetry(ctx, &recorded) })
	return id, nil
}

func (m *Manager) shareTelemetry(ctx context.Context, share *store.Share) {
	status := "invalid"
	switch {
	case share.IsBlock:
		status = "block"
	case share.IsValid:
		status = "valid"
	}

	if m.Influx != nil {
		m.Influx.WriteShare(share.MinerID, share.Difficulty, status, share.SubmittedAt)
	}

	if m.Redis != nil {
		if err := m.Redis.IncrementStats(ctx, "shares_total", "shares_"+status); err != nil {
			m.logger.WithError(err).Debug("failed to update share stats")
		}
		if share.IsValid {
			hashrate := share.Difficulty * 4294967296 / hashrateWindow.Seconds()
			if err := m.Redis.AddHashrateSample(ctx, share.MinerID, hashrate, hashrateWindow); err != nil {
				m.logger.WithError(err).Debug("failed to add hashrate sample")
			}
		}
	}

	if m.Kafka != nil {
		event, err := messaging.ShareEvent(share)
		if err == nil {
			err = m.Kafka.Publish(ctx, messaging.TopicShares, share.MinerID, event)
		}
		if err != nil {
			m.logger.WithError(err).Debug("failed to publish share event")
		}
	}
}

// RecordBlock forwards a block lifecycle change to the sinks
func (m *Manager) RecordBlock(_ context.Context, block *store.Block, status string) {
	b := *block
	m.enqueue(func(ctx context.Context) {
		if m.Influx != nil {
			m.Influx.WriteBlock(b.Hash, b.Height, b.MinerID, b.Reward.InexactFloat64(), status, time.Now())
		}
		if m.Redis != nil {
			if err := m.Redis.IncrementStats(ctx, "blocks_"+status); err != nil {
				m.logger.WithError(err).Debug("failed to update block stats")
			}
		}
		if m.Kafka != nil {
			event, err := messaging.BlockEvent(&b, status)
			if err == nil {
				err = m.Kafka.Publish(ctx, messaging.TopicBlocks, b.Hash, event)
			}
			if err != nil {
				m.logger.WithError(err).Warn("failed to publish block event", "block_hash", b.Hash)
			}
		}
	})
}

// RecordPayout forwards a payout attempt to the sinks
func (m *Manager) RecordPayout(_ context.Context, minerID, address string, amount decimal.Decimal, status, txHash string) {
	m.enqueue(func(ctx context.Context) {
		if m.Influx != nil {
			m.Influx.WritePayout(minerID, amount.InexactFloat64(), status, time.Now())
		}
		if m.Redis != nil {
			if err := m.Redis.IncrementStats(ctx, "payouts_"+status); err != nil {
				m.logger.WithError(err).Debug("failed to update payout stats")
			}
		}
		if m.Kafka != nil {
			event, err := messaging.PayoutEvent(minerID, address, amount.StringFixed(8), status, txHash)
			if err == nil {
				err = m.Kafka.Publish(ctx, messaging.TopicPayouts, minerID, event)
			}
			if err != nil {
				m.logger.WithError(err).Warn("failed to publish payout event", "miner_id", minerID)
			}
		}
	})
}

// PublishJob stores the snapshot of j as the current job in Redis
func (m *Manager) PublishJob(j *job.Job) {
	if m.Redis == nil {
		return
	}
	snapshot := &redis.JobSnapshot{
		JobID:           j.ID,
		Height:          j.Height,
		PrevHash:        j.PrevBlockHash,
		PoolDifficulty:  j.PoolDifficulty,
		ChainDifficulty: j.ChainDifficulty,
		CreatedAt:       j.CreatedAt,
	}
	m.enqueue(func(ctx context.Context) {
		if err := m.Redis.SetCurrentJob(ctx, snapshot); err != nil {
			m.logger.WithError(err).Debug("failed to publish job snapshot", "job_id", snapshot.JobID)
		}
	})
}

// MinerHashrate returns the Redis hashrate estimate of minerID over the
// last hashrateWindow. ok is false when Redis is disabled or unreachable.
func (m *Manager) MinerHashrate(ctx context.Context, minerID string) (hashrate float64, ok bool) {
	if m.Redis == nil {
		return 0, false
	}
	hashrate, err := m.Redis.AverageHashrate(ctx, minerID, hashrateWindow)
	if err != nil {
		m.logger.WithError(err).Debug("failed to read hashrate estimate", "miner_id", minerID)
		return 0, false
	}
	return hashrate, true
}

// enqueue hands fn to the telemetry worker, dropping it when the queue is full.
func (m *Manager) enqueue(fn func(context.Context)) {
	if m.closed.Load() {
		return
	}
	select {
	case m.events <- fn:
	default:
		if n := m.dropped.Add(1); n == 1 || n%1000 == 0 {
			m.logger.Warn("telemetry queue full, dropping events", "dropped", n)
		}
	}
}

// Dropped returns how many telemetry events were discarded
func (m *Manager) Dropped() int64 {
	return m.dropped.Load()
}

// Run drains the telemetry queue until ctx is cancelled, then flushes what is
// left with a short deadline.
func (m *Manager) Run(ctx context.Context) error {
	m.wg.Add(1)
	defer m.wg.Done()

	for {
		select {
		case fn := <-m.events:
			m.dispatch(ctx, fn)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			for {
				select {
				case fn := <-m.events:
					m.dispatch(flushCtx, fn)
				default:
					return ctx.Err()
				}
			}
		}
	}
}

func (m *Manager) dispatch(ctx context.Context, fn func(context.Context)) {
	opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	fn(opCtx)
}

func (m *Manager) logInfluxErrors(errs <-chan error) {
	for err := range errs {
		m.logger.WithError(err).Debug("influxdb write failed")
	}
}

// Health checks the store and every enabled sink
func (m *Manager) Health(ctx context.Context) error {
	if err := m.store.Ping(ctx); err != nil {
		return fmt.Errorf("store health check failed: %w", err)
	}
	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}
	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}
	return nil
}

// Close waits for Run to finish and closes the sinks. The store is owned by the caller.
func (m *Manager) Close() error {
	m.closed.Store(true)
	m.wg.Wait()

	var errs []error
	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}
	if m.Influx != nil {
		m.Influx.Close()
	}
	if m.Kafka != nil {
		if err := m.Kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka close error: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("sink close errors: %v", errs)
	}
	return nil
}

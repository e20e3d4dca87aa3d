// Package blocks persists found blocks, submits them to the node and starts
// reward distribution once the node accepts them.
package blocks

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/bardlex/pplnspool/internal/metrics"
	"github.com/bardlex/pplnspool/internal/store"
	"github.com/bardlex/pplnspool/pkg/log"
	"github.com/bardlex/pplnspool/pkg/retry"
)

// Node submits solved blocks
type Node interface {
	SubmitBlock(ctx context.Context, blockData string) (bool, error)
}

// Store is the block part of the pool store
type Store interface {
	InsertBlock(ctx context.Context, b *store.Block) error
	GetBlock(ctx context.Context, hash string) (*store.Block, error)
	ConfirmBlock(ctx context.Context, hash string) error
	UnrewardedBlocks(ctx context.Context, since time.Time) ([]store.Block, error)
}

// Rewarder distributes the reward of a confirmed block
type Rewarder interface {
	Distribute(ctx context.Context, block *store.Block) ([]store.Allocation, error)
}

// Recorder receives block outcomes for telemetry. Failures are its own concern.
type Recorder interface {
	RecordBlock(ctx context.Context, block *store.Block, status string)
}

// Config holds resubmission settings
type Config struct {
	RetryInterval time.Duration
	MaxAge        time.Duration
	Retry         *retry.Config // nil uses retry.SubmitConfig
}

// Submitter owns the lifecycle of a block from discovery to reward.
type Submitter struct {
	cfg      Config
	node     Node
	store    Store
	rewarder Rewarder
	recorder Recorder
	metrics  *metrics.Metrics
	logger   *log.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

// NewSubmitter creates a block submitter. recorder and m may be nil.
func NewSubmitter(cfg Config, node Node, st Store, rewarder Rewarder, recorder Recorder, m *metrics.Metrics, logger *log.Logger) *Submitter {
	if cfg.Retry == nil {
		cfg.Retry = retry.SubmitConfig()
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = time.Hour
	}
	return &Submitter{
		cfg:      cfg,
		node:     node,
		store:    st,
		rewarder: rewarder,
		recorder: recorder,
		metrics:  m,
		logger:   logger.WithComponent("blocksubmit"),
		inflight: make(map[string]struct{}),
	}
}

// BlockFound persists block and submits it in the background. The block row
// exists when BlockFound returns; a solution seen twice is recorded once.
func (s *Submitter) BlockFound(ctx context.Context, block *store.Block) error {
	if err := s.store.InsertBlock(ctx, block); err != nil {
		if stderrors.Is(err, store.ErrDuplicate) {
			s.logger.Warn("block already recorded", "block_hash", block.Hash)
			return nil
		}
		return err
	}
	s.record(ctx, block, "found")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Submit(context.WithoutCancel(ctx), block.Hash); err != nil {
			s.logger.WithError(err).Warn("block submission pending retry", "block_hash", block.Hash)
		}
	}()
	return nil
}

// Submit sends a stored block to the node and, once accepted, distributes
// its reward. A block that is already confirmed skips straight to distribution.
func (s *Submitter) Submit(ctx context.Context, hash string) error {
	if !s.acquire(hash) {
		return nil
	}
	defer s.release(hash)

	block, err := s.store.GetBlock(ctx, hash)
	if err != nil {
		return fmt.Errorf("failed to load block %s: %w", hash, err)
	}
	if block.Rewarded {
		return nil
	}

	logger := s.logger.WithFields("block_hash", block.Hash, "height", block.Height, "miner_id", block.MinerID)

	if !block.Confirmed {
		start := time.Now()
		accepted, err := retry.DoWithResult(ctx, s.cfg.Retry, func() (bool, error) {
			return s.node.SubmitBlock(ctx, block.Data)
		})
		logger.LogDuration("block_submission", time.Since(start))

		if err != nil || !accepted {
			s.metrics.BlockSubmitted("rejected")
			s.record(ctx, block, "rejected")
			if err == nil {
				err = fmt.Errorf("node did not accept block")
			}
			return fmt.Errorf("block %s not accepted: %w", hash, err)
		}

		if err := s.store.ConfirmBlock(ctx, hash); err != nil {
			return fmt.Errorf("failed to confirm block %s: %w", hash, err)
		}
		block.Confirmed = true
		s.metrics.BlockSubmitted("accepted")
		s.record(ctx, block, "accepted")
		logger.Info("block accepted by node")
	}

	allocations, err := s.rewarder.Distribute(ctx, block)
	if err != nil {
		if stderrors.Is(err, store.ErrAlreadyRewarded) {
			return nil
		}
		return fmt.Errorf("failed to distribute reward for %s: %w", hash, err)
	}
	block.Rewarded = true
	logger.Info("block rewarded", "miners", len(allocations))
	return nil
}

// Run resubmits unconfirmed blocks and retries distribution of confirmed but
// unrewarded blocks every RetryInterval, for blocks younger than MaxAge.
func (s *Submitter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.RetryInterval)
	defer ticker.Stop()

	s.logger.Info("block retry loop started",
		"interval", log.HumanDuration(s.cfg.RetryInterval),
		"max_age", log.HumanDuration(s.cfg.MaxAge),
	)

	for {
		s.retryPending(ctx)

		select {
		case <-ctx.Done():
			s.Wait()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Submitter) retryPending(ctx context.Context) {
	blocks, err := s.store.UnrewardedBlocks(ctx, time.Now().Add(-s.cfg.MaxAge))
	if err != nil {
		s.logger.WithError(err).Error("failed to list unrewarded blocks")
		return
	}

	for _, b := range blocks {
		if ctx.Err() != nil {
			return
		}
		if err := s.Submit(ctx, b.Hash); err != nil {
			s.logger.WithError(err).Warn("block retry failed", "block_hash", b.Hash, "confirmed", b.Confirmed)
		}
	}
}

// Wait blocks until background submissions started by BlockFound finish.
func (s *Submitter) Wait() {
	s.wg.Wait()
}

// acquire marks hash in flight so the retry loop and BlockFound never submit
// the same block concurrently.
func (s *Submitter) acquire(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[hash]; busy {
		return false
	}
	s.inflight[hash] = struct{}{}
	return true
}

func (s *Submitter) release(hash string) {
	s.mu.Lock()
	delete(s.inflight, hash)
	s.mu.Unlock()
}

func (s *Submitter) record(ctx context.Context, block *store.Block, status string) {
	if s.recorder != nil {
		s.recorder.RecordBlock(ctx, block, status)
	}
}

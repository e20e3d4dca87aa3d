// Package reward distributes block rewards with PPLNS: the block's net reward
// is split over the last N valid shares in proportion to each miner's count.
package reward

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/bardlex/pplnspool/internal/store"
	"github.com/bardlex/pplnspool/pkg/log"
)

// Places is the number of decimal places amounts are kept to.
const Places = 8

// Store is the part of the store the engine needs
type Store interface {
	RecentValidShares(ctx context.Context, throughID int64, limit int) ([]store.Share, error)
	DistributeReward(ctx context.Context, blockHash string, allocations []store.Allocation) error
}

// Config holds PPLNS parameters
type Config struct {
	Window int             // N, the number of most recent valid shares
	Fee    decimal.Decimal // pool fee as a fraction in [0, 1)
}

// Engine computes and records PPLNS allocations.
type Engine struct {
	cfg    Config
	store  Store
	logger *log.Logger
}

// NewEngine creates a reward engine
func NewEngine(cfg Config, st Store, logger *log.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		store:  st,
		logger: logger.WithComponent("pplns"),
	}
}

// NetReward is reward × (1 − fee), rounded down to Places.
func (e *Engine) NetReward(reward decimal.Decimal) decimal.Decimal {
	return reward.Mul(decimal.NewFromInt(1).Sub(e.cfg.Fee)).RoundDown(Places)
}

// Distribute credits block's net reward to the miners in the window ending at
// the block-finding share, however long after discovery the block is confirmed.
// It runs at most once per block: a repeated call returns store.ErrAlreadyRewarded.
// An empty window still marks the block rewarded so it is not retried.
func (e *Engine) Distribute(ctx context.Context, block *store.Block) ([]store.Allocation, error) {
	logger := e.logger.WithFields("block_hash", block.Hash, "height", block.Height, "share_id", block.ShareID)

	shares, err := e.store.RecentValidShares(ctx, block.ShareID, e.cfg.Window)
	if err != nil {
		return nil, fmt.Errorf("failed to load PPLNS window: %w", err)
	}

	net := e.NetReward(block.Reward)
	allocations := Allocate(shares, net)

	if err := e.store.DistributeReward(ctx, block.Hash, allocations); err != nil {
		if stderrors.Is(err, store.ErrAlreadyRewarded) {
			logger.Info("block reward already distributed")
		}
		return nil, err
	}

	if len(allocations) == 0 {
		logger.Warn("no valid shares in PPLNS window, reward not distributed", "reward", block.Reward.String())
		return nil, nil
	}

	logger.Info("block reward distributed",
		"reward", block.Reward.String(),
		"net_reward", net.String(),
		"window_shares", len(shares),
		"miners", len(allocations),
	)
	return allocations, nil
}

// Allocate splits net over shares by miner. Each amount is rounded down to
// Places and the rounding remainder goes to the miner with the most shares
// (lowest id on ties), so the amounts always sum to net exactly. The result
// is ordered by miner id.
func Allocate(shares []store.Share, net decimal.Decimal) []store.Allocation {
	if len(shares) == 0 {
		return nil
	}

	counts := make(map[string]int)
	for _, sh := range shares {
		counts[sh.MinerID]++
	}

	miners := make([]string, 0, len(counts))
	for id := range counts {
		miners = append(miners, id)
	}
	sort.Strings(miners)

	total := decimal.NewFromInt(int64(len(shares)))
	allocations := make([]store.Allocation, 0, len(miners))
	allocated := decimal.Zero
	top := 0

	for i, id := range miners {
		amount := net.Mul(decimal.NewFromInt(int64(counts[id]))).DivRound(total, Places+8).RoundDown(Places)
		allocations = append(allocations, store.Allocation{
			MinerID: id,
			Shares:  counts[id],
			Amount:  amount,
		})
		allocated = allocated.Add(amount)
		if counts[id] > counts[miners[top]] {
			top = i
		}
	}

	allocations[top].Amount = allocations[top].Amount.Add(net.Sub(allocated))
	return allocations
}

// Package store persists miners, shares, blocks and payouts.
//
// Every method runs as its own transaction. Share rows are append-only and
// receive their share_id from the database at insert time; the ordering of
// share_id is what the PPLNS window is defined over.
package store

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = stderrors.New("store: not found")
	// ErrDuplicate is returned when a unique key already exists.
	ErrDuplicate = stderrors.New("store: duplicate")
	// ErrAlreadyRewarded is returned when a block's reward was already distributed.
	ErrAlreadyRewarded = stderrors.New("store: block already rewarded")
)

// Store is the persistence contract used by the ledger, reward engine and payout processor.
type Store interface {
	UpsertMiner(ctx context.Context, m *Miner) error
	SetMinerActive(ctx context.Context, minerID string, active bool) error
	GetMiner(ctx context.Context, minerID string) (*Miner, error)

	// InsertShare appends a share, updates the miner's counters and returns the new share_id.
	InsertShare(ctx context.Context, s *Share) (int64, error)
	// RecentValidShares returns up to limit valid shares with share_id <= throughID,
	// ordered by share_id descending. throughID <= 0 means no upper bound.
	RecentValidShares(ctx context.Context, throughID int64, limit int) ([]Share, error)
	CountShares(ctx context.Context) (int64, error)

	InsertBlock(ctx context.Context, b *Block) error
	GetBlock(ctx context.Context, hash string) (*Block, error)
	ConfirmBlock(ctx context.Context, hash string) error
	// UnrewardedBlocks returns blocks created at or after since whose reward has not been distributed.
	UnrewardedBlocks(ctx context.Context, since time.Time) ([]Block, error)

	// DistributeReward marks the block rewarded, credits every allocation to the
	// miner's pending balance and records one pending payout per allocation,
	// atomically. It returns ErrAlreadyRewarded if the block was rewarded before.
	DistributeReward(ctx context.Context, blockHash string, allocations []Allocation) error

	// PayableMiners returns miners with a payout address and pending_balance >= min.
	PayableMiners(ctx context.Context, min decimal.Decimal) ([]Miner, error)
	PendingPayouts(ctx context.Context, minerID string) ([]Payout, error)
	Payouts(ctx context.Context, minerID string) ([]Payout, error)
	// CompletePayouts settles the given pending rows and debits their total from the miner's balance.
	CompletePayouts(ctx context.Context, minerID string, ids []int64, txHash string) (decimal.Decimal, error)
	// FailPayouts marks the given pending rows failed and re-issues their total as a single pending row.
	FailPayouts(ctx context.Context, minerID string, ids []int64) (*Payout, error)

	Ping(ctx context.Context) error
	Close() error
}

package store

import (
	"time"

	"github.com/shopspring/decimal"
)

// Miner is the persisted account of an authorized worker, keyed by username.
type Miner struct {
	ID             string
	Username       string
	PayoutAddress  string
	Algorithm      string
	TotalShares    int64
	Accepted       int64
	Rejected       int64
	PendingBalance decimal.Decimal
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Share is one mining.submit outcome. Rows are never updated after insert.
type Share struct {
	ID          int64
	MinerID     string
	JobID       string
	Nonce       string
	ExtraNonce2 string
	Difficulty  float64
	IsValid     bool
	IsBlock     bool
	SubmittedAt time.Time
}

// Block is a found block solution.
type Block struct {
	Hash      string
	Height    int64
	MinerID   string
	JobID     string
	ShareID   int64 // the block-finding share; anchors the PPLNS window
	Reward    decimal.Decimal
	Data      string
	Confirmed bool
	Rewarded  bool
	CreatedAt time.Time
}

// PayoutStatus is the lifecycle state of a Payout row.
type PayoutStatus string

const (
	PayoutPending   PayoutStatus = "pending"
	PayoutCompleted PayoutStatus = "completed"
	PayoutFailed    PayoutStatus = "failed"
)

// Payout is one allocation owed to a miner and its settlement state.
type Payout struct {
	ID        int64
	MinerID   string
	BlockHash string
	Amount    decimal.Decimal
	Address   string
	Status    PayoutStatus
	TxHash    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Allocation is a miner's part of one block reward.
type Allocation struct {
	MinerID string
	Shares  int
	Amount  decimal.Decimal
}

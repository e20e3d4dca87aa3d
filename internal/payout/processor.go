// Package payout pays accrued miner balances from the pool wallet.
//
// A cycle reads the wallet balance once, then walks every miner whose pending
// balance reaches the minimum. Each miner's pending payout rows are settled
// as one transaction to the node: completed with the txid on success, or
// failed and carried forward as a single new pending row on error.
package payout

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bardlex/pplnspool/internal/metrics"
	"github.com/bardlex/pplnspool/internal/store"
	"github.com/bardlex/pplnspool/pkg/errors"
	"github.com/bardlex/pplnspool/pkg/log"
)

// Wallet is the node side of a payout
type Wallet interface {
	GetBalance(ctx context.Context, address string) (decimal.Decimal, error)
	SendToAddress(ctx context.Context, from, to string, amount decimal.Decimal) (string, error)
}

// Store is the payout part of the pool store
type Store interface {
	PayableMiners(ctx context.Context, min decimal.Decimal) ([]store.Miner, error)
	PendingPayouts(ctx context.Context, minerID string) ([]store.Payout, error)
	CompletePayouts(ctx context.Context, minerID string, ids []int64, txHash string) (decimal.Decimal, error)
	FailPayouts(ctx context.Context, minerID string, ids []int64) (*store.Payout, error)
}

// Recorder receives payout outcomes for telemetry
type Recorder interface {
	RecordPayout(ctx context.Context, minerID, address string, amount decimal.Decimal, status, txHash string)
}

// Config holds payout settings
type Config struct {
	PoolAddress string
	MinPayout   decimal.Decimal
	Interval    time.Duration
}

// Summary reports the outcome of one cycle
type Summary struct {
	Paid    int
	Failed  int
	Skipped int
	Total   decimal.Decimal
}

// Processor runs payout cycles
type Processor struct {
	cfg      Config
	wallet   Wallet
	store    Store
	recorder Recorder
	metrics  *metrics.Metrics
	logger   *log.Logger

	mu sync.Mutex
	// held maps miners whose coins were sent but whose rows could not be
	// settled to the txid; they are not paid again until reconciled.
	held map[string]string
}

// NewProcessor creates a payout processor. recorder and m may be nil.
func NewProcessor(cfg Config, wallet Wallet, st Store, recorder Recorder, m *metrics.Metrics, logger *log.Logger) *Processor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	return &Processor{
		cfg:      cfg,
		wallet:   wallet,
		store:    st,
		recorder: recorder,
		metrics:  m,
		logger:   logger.WithComponent("payout"),
		held:     make(map[string]string),
	}
}

// Run executes a cycle every Interval until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Info("payout processor started",
		"interval", log.HumanDuration(p.cfg.Interval),
		"min_payout", p.cfg.MinPayout.String(),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.ProcessPayouts(ctx); err != nil {
				p.logger.WithError(err).Error("payout cycle failed")
			}
		}
	}
}

// ProcessPayouts runs one payout cycle. Each miner gets at most one send.
func (p *Processor) ProcessPayouts(ctx context.Context) (Summary, error) {
	summary := Summary{Total: decimal.Zero}
	start := time.Now()

	available, err := p.wallet.GetBalance(ctx, p.cfg.PoolAddress)
	if err != nil {
		return summary, err
	}

	miners, err := p.store.PayableMiners(ctx, p.cfg.MinPayout)
	if err != nil {
		return summary, err
	}

	for i := range miners {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}

		sent, outcome := p.payMiner(ctx, &miners[i], available)
		switch outcome {
		case outcomePaid:
			summary.Paid++
			summary.Total = summary.Total.Add(sent)
			available = available.Sub(sent)
		case outcomeFailed:
			summary.Failed++
		case outcomeSkipped:
			summary.Skipped++
		}
	}

	p.logger.Info("payout cycle completed",
		"paid", summary.Paid,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"total", summary.Total.StringFixed(8),
		"duration", log.HumanDuration(time.Since(start)),
	)
	return summary, nil
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomePaid
	outcomeFailed
	outcomeSkipped
)

func (p *Processor) payMiner(ctx context.Context, m *store.Miner, available decimal.Decimal) (decimal.Decimal, outcome) {
	logger := p.logger.WithMiner(m.ID, m.PayoutAddress)

	if txHash, held := p.heldTx(m.ID); held {
		logger.Warn("payout held pending reconciliation", "tx_hash", txHash)
		return decimal.Zero, outcomeSkipped
	}

	pending, err := p.store.PendingPayouts(ctx, m.ID)
	if err != nil {
		logger.WithError(err).Error("failed to load pending payouts")
		return decimal.Zero, outcomeNone
	}
	if len(pending) == 0 {
		return decimal.Zero, outcomeNone
	}

	ids := make([]int64, 0, len(pending))
	amount := decimal.Zero
	for _, row := range pending {
		ids = append(ids, row.ID)
		amount = amount.Add(row.Amount)
	}
	if !amount.IsPositive() {
		return decimal.Zero, outcomeNone
	}

	if available.LessThan(amount) {
		err := errors.InsufficientBalanceError(m.ID, amount.StringFixed(8), available.StringFixed(8))
		logger.WithError(err).Warn("skipping payout")
		p.report(ctx, m, amount, "skipped", "")
		return decimal.Zero, outcomeSkipped
	}

	txHash, err := p.wallet.SendToAddress(ctx, p.cfg.PoolAddress, m.PayoutAddress, amount)
	if err != nil {
		logger.WithError(err).Error("payout transaction failed")
		if _, ferr := p.store.FailPayouts(ctx, m.ID, ids); ferr != nil {
			logger.WithError(ferr).Error("failed to record failed payout")
		}
		p.report(ctx, m, amount, "failed", "")
		return decimal.Zero, outcomeFailed
	}

	if _, err := p.store.CompletePayouts(ctx, m.ID, ids, txHash); err != nil {
		logger.WithError(err).Error("payout sent but not recorded", "tx_hash", txHash, "amount", amount.StringFixed(8))
		p.mu.Lock()
		p.held[m.ID] = txHash
		p.mu.Unlock()
	}
	p.report(ctx, m, amount, "completed", txHash)
	return amount, outcomePaid
}

func (p *Processor) heldTx(minerID string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	txHash, ok := p.held[minerID]
	return txHash, ok
}

func (p *Processor) report(ctx context.Context, m *store.Miner, amount decimal.Decimal, status, txHash string) {
	p.logger.LogPayout(m.ID, m.PayoutAddress, amount.StringFixed(8), status, txHash)
	p.metrics.PayoutProcessed(status, amount.InexactFloat64())
	if p.recorder != nil {
		p.recorder.RecordPayout(ctx, m.ID, m.PayoutAddress, amount, status, txHash)
	}
}

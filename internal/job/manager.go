package job

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/shopspring/decimal"

	"github.com/bardlex/pplnspool/internal/difficulty"
	"github.com/bardlex/pplnspool/internal/node"
	"github.com/bardlex/pplnspool/pkg/errors"
	"github.com/bardlex/pplnspool/pkg/log"
)

// TemplateSource provides block templates; satisfied by *node.Client.
type TemplateSource interface {
	GetBlockTemplate(ctx context.Context, algorithm string) (*node.BlockTemplate, error)
}

// Config holds job manager settings
type Config struct {
	Algorithm       string
	PoolDifficulty  float64
	RefreshInterval time.Duration
	GracePeriod     time.Duration
	BlockReward     decimal.Decimal
	RequestTimeout  time.Duration
}

// Manager owns the current job. CurrentJob and SetJob are the only accessors
// of job state, so no reader ever sees a half-updated job.
type Manager struct {
	cfg    Config
	source TemplateSource
	logger *log.Logger

	mu           sync.RWMutex
	current      *Job
	previous     *Job
	supersededAt time.Time

	seq atomic.Uint64

	subMu       sync.Mutex
	subscribers []func(*Job)

	trigger chan struct{}
	now     func() time.Time
}

// NewManager creates a job manager
func NewManager(cfg Config, source TemplateSource, logger *log.Logger) *Manager {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &Manager{
		cfg:     cfg,
		source:  source,
		logger:  logger.WithComponent("job_manager"),
		trigger: make(chan struct{}, 1),
		now:     time.Now,
	}
}

// CurrentJob returns the job being worked, or nil before the first template arrives.
func (m *Manager) CurrentJob() *Job {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// SetJob replaces the current job and notifies subscribers.
func (m *Manager) SetJob(j *Job) {
	m.mu.Lock()
	m.previous = m.current
	m.current = j
	m.supersededAt = m.now()
	m.mu.Unlock()

	m.subMu.Lock()
	subs := append([]func(*Job)(nil), m.subscribers...)
	m.subMu.Unlock()

	for _, fn := range subs {
		fn(j)
	}
}

// Subscribe registers fn to be called with every new job.
func (m *Manager) Subscribe(fn func(*Job)) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Lookup resolves a job id from a share submission. The current job always
// resolves; the job it replaced resolves until the grace period elapses.
func (m *Manager) Lookup(jobID string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.current != nil && m.current.ID == jobID {
		return m.current, nil
	}
	if m.previous != nil && m.previous.ID == jobID && m.now().Sub(m.supersededAt) < m.cfg.GracePeriod {
		return m.previous, nil
	}
	return nil, errors.StaleJobError(jobID)
}

// GenerateJob builds a job from a template and assigns the next job id.
func (m *Manager) GenerateJob(tmpl *node.BlockTemplate) (*Job, error) {
	prev, err := chainhash.NewHashFromStr(tmpl.PreviousBlockHash)
	if err != nil {
		return nil, fmt.Errorf("invalid previousblockhash: %w", err)
	}

	chainDiff, err := chainDifficulty(tmpl)
	if err != nil {
		return nil, err
	}

	var merkle chainhash.Hash
	if tmpl.MerkleRoot != "" {
		h, err := chainhash.NewHashFromStr(tmpl.MerkleRoot)
		if err != nil {
			return nil, fmt.Errorf("invalid merkleroot: %w", err)
		}
		merkle = *h
	} else {
		merkle, err = merkleRootFromIDs(tmpl.TxIDs())
		if err != nil {
			return nil, err
		}
	}

	reward := m.cfg.BlockReward
	if tmpl.CoinbaseValue > 0 {
		reward = decimal.NewFromFloat(btcutil.Amount(tmpl.CoinbaseValue).ToBTC()).Round(8)
	}

	timestamp := tmpl.CurTime
	if timestamp == 0 {
		timestamp = m.now().Unix()
	}

	// Pool difficulty never exceeds chain difficulty, so every block is also a share.
	poolDiff := math.Min(m.cfg.PoolDifficulty, chainDiff)

	seq := m.seq.Add(1)
	return &Job{
		ID:              FormatID(seq),
		Seq:             seq,
		PrevBlockHash:   prev.String(),
		MerkleRoot:      merkle.String(),
		Timestamp:       timestamp,
		Height:          tmpl.Height,
		PoolDifficulty:  poolDiff,
		ChainDifficulty: chainDiff,
		Reward:          reward,
		CreatedAt:       m.now(),
		prefix:          buildPrefix(*prev, merkle, timestamp, chainDiff),
	}, nil
}

// Refresh fetches a template and installs the resulting job. On failure the
// current job stays in place.
func (m *Manager) Refresh(ctx context.Context) error {
	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.RequestTimeout)
	defer cancel()

	tmpl, err := m.source.GetBlockTemplate(reqCtx, m.cfg.Algorithm)
	if err != nil {
		m.logger.WithError(err).Warn("block template refresh failed, keeping current job")
		return err
	}

	j, err := m.GenerateJob(tmpl)
	if err != nil {
		m.logger.WithError(err).Warn("unusable block template, keeping current job")
		return err
	}

	m.SetJob(j)
	m.logger.WithJob(j.ID, j.Height).Info("new job",
		"pool_difficulty", j.PoolDifficulty,
		"chain_difficulty", j.ChainDifficulty,
		"reward", j.Reward.String(),
	)
	return nil
}

// Trigger requests an immediate refresh, e.g. on a new-block notification.
func (m *Manager) Trigger() {
	select {
	case m.trigger <- struct{}{}:
	default:
	}
}

// Run refreshes on start, on every tick and on every Trigger until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	_ = m.Refresh(ctx)

	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			_ = m.Refresh(ctx)
		case <-m.trigger:
			_ = m.Refresh(ctx)
			ticker.Reset(m.cfg.RefreshInterval)
		}
	}
}

// chainDifficulty prefers the reported difficulty, then the target, then compact bits.
func chainDifficulty(tmpl *node.BlockTemplate) (float64, error) {
	if tmpl.Difficulty > 0 {
		return tmpl.Difficulty, nil
	}

	var target *big.Int
	switch {
	case tmpl.Target != "":
		t, err := difficulty.ParseTargetHex(tmpl.Target)
		if err != nil {
			return 0, fmt.Errorf("invalid template target: %w", err)
		}
		target = t
	case tmpl.Bits != "":
		bits, err := strconv.ParseUint(tmpl.Bits, 16, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid template bits %q: %w", tmpl.Bits, err)
		}
		target = blockchain.CompactToBig(uint32(bits))
	default:
		return 0, fmt.Errorf("template carries no difficulty, target or bits")
	}

	if target.Sign() <= 0 {
		return 0, fmt.Errorf("template target is not positive")
	}
	return difficulty.FromTarget(target), nil
}

package blocks

import (
	"context"
	stderrors "errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bardlex/pplnspool/internal/node"
	"github.com/bardlex/pplnspool/internal/store"
	"github.com/bardlex/pplnspool/pkg/errors"
	"github.com/bardlex/pplnspool/pkg/log"
	"github.com/bardlex/pplnspool/pkg/retry"
)

// scriptedNode answers SubmitBlock with the queued errors, then accepts.
type scriptedNode struct {
	mu      sync.Mutex
	results []error
	calls   int
}

func (n *scriptedNode) SubmitBlock(_ context.Context, _ string) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls++
	if len(n.results) > 0 {
		err := n.results[0]
		n.results = n.results[1:]
		return false, err
	}
	return true, nil
}

func (n *scriptedNode) Calls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

type countingRewarder struct {
	st    *store.SQLStore
	mu    sync.Mutex
	calls int
}

func (r *countingRewarder) Distribute(ctx context.Context, block *store.Block) ([]store.Allocation, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	allocs := []store.Allocation{{MinerID: block.MinerID, Shares: 1, Amount: block.Reward}}
	if err := r.st.DistributeReward(ctx, block.Hash, allocs); err != nil {
		return nil, err
	}
	return allocs, nil
}

func (r *countingRewarder) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type statusRecorder struct {
	mu       sync.Mutex
	statuses []string
}

func (r *statusRecorder) RecordBlock(_ context.Context, _ *store.Block, status string) {
	r.mu.Lock()
	r.statuses = append(r.statuses, status)
	r.mu.Unlock()
}

func rejection(reason string) error {
	return &node.NodeError{Method: "submitblock", Message: reason}
}

func unavailable() error {
	cause := stderrors.New("connection refused")
	return &node.NodeError{
		Method:      "submitblock",
		Message:     cause.Error(),
		Unavailable: true,
		Err:         errors.NodeUnavailableError(cause, "submitblock"),
	}
}

func setup(t *testing.T, results ...error) (*Submitter, *store.SQLStore, *scriptedNode, *countingRewarder, *statusRecorder) {
	t.Helper()

	st, err := store.Open(context.Background(), store.Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "pool.db")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })

	n := &scriptedNode{results: results}
	rw := &countingRewarder{st: st}
	rec := &statusRecorder{}
	cfg := Config{
		RetryInterval: time.Hour,
		MaxAge:        time.Hour,
		Retry:         &retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
	}
	return NewSubmitter(cfg, n, st, rw, rec, nil, log.Nop()), st, n, rw, rec
}

func testBlock(hash string) *store.Block {
	return &store.Block{Hash: hash, Height: 100, MinerID: "addr.rig", JobID: "1", Reward: decimal.RequireFromString("3.125"), Data: "00"}
}

func TestBlockFound_SubmitsAndRewards(t *testing.T) {
	s, st, n, rw, rec := setup(t)
	ctx := context.Background()

	if err := s.BlockFound(ctx, testBlock("aa")); err != nil {
		t.Fatalf("BlockFound() error = %v", err)
	}
	s.Wait()

	b, err := st.GetBlock(ctx, "aa")
	if err != nil {
		t.Fatal(err)
	}
	if !b.Confirmed || !b.Rewarded {
		t.Errorf("block confirmed=%v rewarded=%v, want both", b.Confirmed, b.Rewarded)
	}
	if n.Calls() != 1 || rw.Calls() != 1 {
		t.Errorf("node calls = %d, reward runs = %d; want 1 and 1", n.Calls(), rw.Calls())
	}
	if len(rec.statuses) != 2 || rec.statuses[0] != "found" || rec.statuses[1] != "accepted" {
		t.Errorf("recorded statuses = %v", rec.statuses)
	}
}

func TestBlockFound_DuplicateRecordedOnce(t *testing.T) {
	s, _, n, rw, _ := setup(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.BlockFound(ctx, testBlock("bb")); err != nil {
			t.Fatalf("BlockFound() #%d error = %v", i, err)
		}
	}
	s.Wait()

	if n.Calls() != 1 {
		t.Errorf("node calls = %d, want 1", n.Calls())
	}
	if rw.Calls() != 1 {
		t.Errorf("reward runs = %d, want 1", rw.Calls())
	}
}

func TestSubmit_RetriesUnavailableNode(t *testing.T) {
	s, st, n, rw, _ := setup(t, unavailable(), unavailable())
	ctx := context.Background()

	if err := st.InsertBlock(ctx, testBlock("cc")); err != nil {
		t.Fatal(err)
	}
	if err := s.Submit(ctx, "cc"); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if n.Calls() != 3 {
		t.Errorf("node calls = %d, want 3", n.Calls())
	}
	if rw.Calls() != 1 {
		t.Errorf("reward runs = %d, want 1", rw.Calls())
	}
}

func TestSubmit_RejectionStaysUnconfirmed(t *testing.T) {
	s, st, n, rw, rec := setup(t, rejection("high-hash"))
	ctx := context.Background()

	if err := st.InsertBlock(ctx, testBlock("dd")); err != nil {
		t.Fatal(err)
	}
	if err := s.Submit(ctx, "dd"); err == nil {
		t.Fatal("Submit() succeeded on a rejected block")
	}
	if n.Calls() != 1 {
		t.Errorf("rejection was retried: node calls = %d", n.Calls())
	}

	b, _ := st.GetBlock(ctx, "dd")
	if b.Confirmed || b.Rewarded || rw.Calls() != 0 {
		t.Fatalf("rejected block confirmed=%v rewarded=%v runs=%d", b.Confirmed, b.Rewarded, rw.Calls())
	}
	if rec.statuses[len(rec.statuses)-1] != "rejected" {
		t.Errorf("last status = %q, want rejected", rec.statuses[len(rec.statuses)-1])
	}

	// the retry loop picks it up once the node accepts
	s.retryPending(ctx)

	b, _ = st.GetBlock(ctx, "dd")
	if !b.Confirmed || !b.Rewarded {
		t.Errorf("after retry confirmed=%v rewarded=%v", b.Confirmed, b.Rewarded)
	}
}

func TestRetryPending_DistributesConfirmedBlocks(t *testing.T) {
	s, st, n, rw, _ := setup(t)
	ctx := context.Background()

	if err := st.InsertBlock(ctx, testBlock("ee")); err != nil {
		t.Fatal(err)
	}
	if err := st.ConfirmBlock(ctx, "ee"); err != nil {
		t.Fatal(err)
	}

	s.retryPending(ctx)
	s.retryPending(ctx)

	if n.Calls() != 0 {
		t.Errorf("confirmed block was resubmitted %d times", n.Calls())
	}
	if rw.Calls() != 1 {
		t.Errorf("reward runs = %d, want 1", rw.Calls())
	}
	m, err := st.GetMiner(ctx, "addr.rig")
	if err != nil {
		t.Fatal(err)
	}
	if !m.PendingBalance.Equal(decimal.RequireFromString("3.125")) {
		t.Errorf("pending balance = %s", m.PendingBalance)
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	s, _, _, _, _ := setup(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !stderrors.Is(err, context.Canceled) {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

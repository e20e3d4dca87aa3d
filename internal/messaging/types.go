package messaging

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/bardlex/pplnspool/internal/store"
)

// ShareEvent encodes a recorded share
func ShareEvent(s *store.Share) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"share_id":     s.ID,
		"miner_id":     s.MinerID,
		"job_id":       s.JobID,
		"nonce":        s.Nonce,
		"extra_nonce2": s.ExtraNonce2,
		"difficulty":   s.Difficulty,
		"is_valid":     s.IsValid,
		"is_block":     s.IsBlock,
		"submitted_at": s.SubmittedAt.UTC().Format(time.RFC3339Nano),
	})
}

// BlockEvent encodes a block lifecycle change. Amounts travel as decimal strings.
func BlockEvent(b *store.Block, status string) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"block_hash": b.Hash,
		"height":     b.Height,
		"miner_id":   b.MinerID,
		"job_id":     b.JobID,
		"reward":     b.Reward.String(),
		"status":     status,
		"at":         time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// PayoutEvent encodes a payout attempt
func PayoutEvent(minerID, address, amount, status, txHash string) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"miner_id": minerID,
		"address":  address,
		"amount":   amount,
		"status":   status,
		"tx_hash":  txHash,
		"at":       time.Now().UTC().Format(time.RFC3339Nano),
	})
}

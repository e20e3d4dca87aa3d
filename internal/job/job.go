// Package job turns node block templates into immutable mining jobs and keeps
// the current one available to every Stratum session.
package job

import (
	"encoding/binary"
	"math"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/shopspring/decimal"

	"github.com/bardlex/pplnspool/internal/difficulty"
)

// Job is one unit of work handed to miners. Never modified after GenerateJob returns it.
type Job struct {
	ID              string
	Seq             uint64
	PrevBlockHash   string
	MerkleRoot      string
	Timestamp       int64
	Height          int64
	PoolDifficulty  float64
	ChainDifficulty float64
	Reward          decimal.Decimal
	CreatedAt       time.Time

	prefix []byte
}

// FormatID renders a job sequence number as it appears on the wire.
func FormatID(seq uint64) string {
	return strconv.FormatUint(seq, 16)
}

// HeaderPrefix returns the fixed leading part of every candidate header for this job:
// prev_block_hash(32) || merkle_root(32) || timestamp(u64 LE) || chain_difficulty(f64 bits LE).
// The caller must not modify the returned slice.
func (j *Job) HeaderPrefix() []byte {
	return j.prefix
}

// PoolTarget is the target a share must meet to count.
func (j *Job) PoolTarget() string {
	return difficulty.TargetHex(difficulty.Target(j.PoolDifficulty))
}

// NotifyParams returns the mining.notify parameters for this job.
func (j *Job) NotifyParams() []any {
	return []any{j.ID, j.PrevBlockHash, j.MerkleRoot, j.Timestamp, j.PoolTarget()}
}

func buildPrefix(prev, merkle chainhash.Hash, timestamp int64, chainDifficulty float64) []byte {
	buf := make([]byte, 0, 2*chainhash.HashSize+16)
	buf = append(buf, prev[:]...)
	buf = append(buf, merkle[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(timestamp))
	buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(chainDifficulty))
	return buf
}

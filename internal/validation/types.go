package validation

import (
	"encoding/hex"

	"github.com/bardlex/pplnspool/internal/job"
)

// Submission is a mining.submit as received from one session.
type Submission struct {
	JobID       string
	ExtraNonce1 string
	ExtraNonce2 string
	NTime       string
	Nonce       string
}

// Reject reasons reported in Result.Reason.
const (
	ReasonStale     = "stale job"
	ReasonDuplicate = "duplicate share"
	ReasonMalformed = "malformed share"
	ReasonLowDiff   = "low difficulty share"
)

// Result is the outcome of validating one Submission. IsBlock implies IsValid.
type Result struct {
	Job     *job.Job // nil when the job id is unknown
	IsValid bool
	IsBlock bool
	Hashed  bool
	Hash    [32]byte
	Header  []byte
	Reason  string
}

// BlockHash returns the display-order hex of the share hash.
func (r Result) BlockHash() string {
	reversed := make([]byte, len(r.Hash))
	for i := range r.Hash {
		reversed[i] = r.Hash[len(r.Hash)-1-i]
	}
	return hex.EncodeToString(reversed)
}

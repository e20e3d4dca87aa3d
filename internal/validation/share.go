// Package validation checks mining shares against the job they reference and
// detects block solutions.
package validation

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"

	"github.com/bardlex/pplnspool/internal/difficulty"
	"github.com/bardlex/pplnspool/internal/job"
)

const nonceSize = 4

// JobLookup resolves a job id to a job that still accepts shares.
type JobLookup interface {
	Lookup(jobID string) (*job.Job, error)
}

// ShareValidator turns submissions into validation results. Safe for concurrent use.
type ShareValidator struct {
	jobs            JobLookup
	hasher          difficulty.Hasher
	extraNonce2Size int

	mu     sync.Mutex
	seen   map[string]map[string]struct{} // job id -> submission keys
	newest uint64
}

// NewShareValidator creates a validator hashing with hasher.
func NewShareValidator(jobs JobLookup, hasher difficulty.Hasher, extraNonce2Size int) *ShareValidator {
	return &ShareValidator{
		jobs:            jobs,
		hasher:          hasher,
		extraNonce2Size: extraNonce2Size,
		seen:            make(map[string]map[string]struct{}),
	}
}

// Validate checks one submission. Stale and malformed submissions are
// rejected before any hashing.
func (v *ShareValidator) Validate(sub Submission) Result {
	j, err := v.jobs.Lookup(sub.JobID)
	if err != nil {
		return Result{Reason: ReasonStale}
	}
	res := Result{Job: j}

	header, err := v.buildHeader(j, sub)
	if err != nil {
		res.Reason = ReasonMalformed
		return res
	}

	if !v.markSeen(j, sub) {
		res.Reason = ReasonDuplicate
		return res
	}

	res.Header = header
	res.Hash = v.hasher.Hash(header)
	res.Hashed = true

	res.IsValid = difficulty.MeetsTarget(res.Hash, difficulty.Target(j.PoolDifficulty))
	// is_block implies is_valid even if a job were issued with pool > chain difficulty.
	res.IsBlock = res.IsValid && difficulty.MeetsTarget(res.Hash, difficulty.Target(j.ChainDifficulty))
	if !res.IsValid {
		res.Reason = ReasonLowDiff
	}
	return res
}

// buildHeader assembles job prefix || nonce || extranonce1 || extranonce2.
func (v *ShareValidator) buildHeader(j *job.Job, sub Submission) ([]byte, error) {
	nonce, err := decodeHex("nonce", sub.Nonce, nonceSize)
	if err != nil {
		return nil, err
	}
	en1, err := decodeHex("extranonce1", sub.ExtraNonce1, -1)
	if err != nil {
		return nil, err
	}
	en2, err := decodeHex("extranonce2", sub.ExtraNonce2, v.extraNonce2Size)
	if err != nil {
		return nil, err
	}

	prefix := j.HeaderPrefix()
	header := make([]byte, 0, len(prefix)+len(nonce)+len(en1)+len(en2))
	header = append(header, prefix...)
	header = append(header, nonce...)
	header = append(header, en1...)
	header = append(header, en2...)
	return header, nil
}

// Forget removes sub from the duplicate set so that it can be submitted again.
func (v *ShareValidator) Forget(sub Submission) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if set, ok := v.seen[sub.JobID]; ok {
		delete(set, submissionKey(sub))
	}
}

func submissionKey(sub Submission) string {
	return sub.ExtraNonce1 + ":" + sub.ExtraNonce2 + ":" + sub.Nonce
}

// markSeen records the submission and reports whether it was new. Keys of
// jobs older than the previous generation are dropped.
func (v *ShareValidator) markSeen(j *job.Job, sub Submission) bool {
	key := submissionKey(sub)

	v.mu.Lock()
	defer v.mu.Unlock()

	if j.Seq > v.newest {
		v.newest = j.Seq
		for id := range v.seen {
			if seq, ok := jobSeq(id); ok && seq+1 < v.newest {
				delete(v.seen, id)
			}
		}
	}

	set, ok := v.seen[j.ID]
	if !ok {
		set = make(map[string]struct{})
		v.seen[j.ID] = set
	}
	if _, dup := set[key]; dup {
		return false
	}
	set[key] = struct{}{}
	return true
}

func jobSeq(id string) (uint64, bool) {
	seq, err := strconv.ParseUint(id, 16, 64)
	return seq, err == nil
}

func decodeHex(field, s string, size int) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%s is not valid hex: %w", field, err)
	}
	if size >= 0 && len(b) != size {
		return nil, fmt.Errorf("%s must be %d bytes, got %d", field, size, len(b))
	}
	return b, nil
}

// Package difficulty converts between pool/chain difficulty and 256-bit targets
// and checks share hashes against them.
package difficulty

import (
	"encoding/hex"
	"fmt"
	"math"
	"math/big"
)

// Epsilon is the smallest difficulty Target accepts; anything lower is clamped to it.
const Epsilon = 1e-9

// targetPrecision is the mantissa size used for the division, wide enough that
// distinct float64 difficulties always yield distinct targets.
const targetPrecision = 512

var (
	// MaxTarget is the difficulty-1 target, 0x00000000FFFF0000...0000.
	MaxTarget = mustHex("00000000FFFF0000000000000000000000000000000000000000000000000000")

	maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
)

func mustHex(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("difficulty: bad hex constant " + s)
	}
	return v
}

// Target returns MaxTarget / max(d, Epsilon), clamped to the 256-bit range.
// NaN is treated as Epsilon; +Inf yields zero.
func Target(d float64) *big.Int {
	if math.IsNaN(d) || d < Epsilon {
		d = Epsilon
	}
	if math.IsInf(d, 1) {
		return new(big.Int)
	}

	num := new(big.Float).SetPrec(targetPrecision).SetInt(MaxTarget)
	den := new(big.Float).SetPrec(targetPrecision).SetFloat64(d)
	quo := new(big.Float).SetPrec(targetPrecision).Quo(num, den)

	t, _ := quo.Int(nil)
	if t.Cmp(maxUint256) > 0 {
		return new(big.Int).Set(maxUint256)
	}
	return t
}

// FromTarget is the inverse of Target: MaxTarget / t. A zero or negative
// target has no finite difficulty and returns +Inf.
func FromTarget(t *big.Int) float64 {
	if t == nil || t.Sign() <= 0 {
		return math.Inf(1)
	}
	num := new(big.Float).SetInt(MaxTarget)
	den := new(big.Float).SetInt(t)
	d, _ := new(big.Float).Quo(num, den).Float64()
	return d
}

// MeetsTarget reports whether hash, read as a big-endian integer, is <= target.
func MeetsTarget(hash [32]byte, target *big.Int) bool {
	return new(big.Int).SetBytes(hash[:]).Cmp(target) <= 0
}

// TargetHex renders a target as 64 lowercase hex characters, the form sent in mining.notify.
func TargetHex(t *big.Int) string {
	var buf [32]byte
	t.FillBytes(buf[:])
	return hex.EncodeToString(buf[:])
}

// ParseTargetHex parses a big-endian hex target of at most 32 bytes.
func ParseTargetHex(s string) (*big.Int, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid target hex: %w", err)
	}
	if len(raw) > 32 {
		return nil, fmt.Errorf("target too long: %d bytes", len(raw))
	}
	return new(big.Int).SetBytes(raw), nil
}

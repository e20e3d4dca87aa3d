package difficulty

import (
	"fmt"
	"sort"
	"strings"

	sha256 "github.com/minio/sha256-simd"
)

// Hasher computes the proof-of-work digest of a candidate header.
type Hasher interface {
	Name() string
	Hash(header []byte) [32]byte
}

type sha256dHasher struct{}

func (sha256dHasher) Name() string { return "sha256d" }

func (sha256dHasher) Hash(header []byte) [32]byte {
	first := sha256.Sum256(header)
	return sha256.Sum256(first[:])
}

type sha256Hasher struct{}

func (sha256Hasher) Name() string { return "sha256" }

func (sha256Hasher) Hash(header []byte) [32]byte {
	return sha256.Sum256(header)
}

var hashers = map[string]Hasher{
	"sha256d": sha256dHasher{},
	"sha256":  sha256Hasher{},
}

// HasherFor returns the registered hasher for an algorithm name (case-insensitive).
func HasherFor(algorithm string) (Hasher, error) {
	h, ok := hashers[strings.ToLower(algorithm)]
	if !ok {
		return nil, fmt.Errorf("unsupported algorithm %q (known: %s)", algorithm, strings.Join(Algorithms(), ", "))
	}
	return h, nil
}

// Algorithms lists the registered algorithm names in sorted order.
func Algorithms() []string {
	names := make([]string, 0, len(hashers))
	for name := range hashers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

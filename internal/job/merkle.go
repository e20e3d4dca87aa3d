package job

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// merkleRoot computes the double SHA-256 merkle root of the given hashes,
// duplicating the last hash of odd-length levels. An empty list yields the zero hash.
func merkleRoot(hashes []chainhash.Hash) chainhash.Hash {
	if len(hashes) == 0 {
		return chainhash.Hash{}
	}

	level := append([]chainhash.Hash(nil), hashes...)
	var concat [2 * chainhash.HashSize]byte

	for len(level) > 1 {
		next := make([]chainhash.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			left := level[i]
			right := left
			if i+1 < len(level) {
				right = level[i+1]
			}
			copy(concat[:chainhash.HashSize], left[:])
			copy(concat[chainhash.HashSize:], right[:])
			next = append(next, chainhash.DoubleHashH(concat[:]))
		}
		level = next
	}

	return level[0]
}

// merkleRootFromIDs parses display-order txids and returns their merkle root.
func merkleRootFromIDs(txids []string) (chainhash.Hash, error) {
	hashes := make([]chainhash.Hash, len(txids))
	for i, id := range txids {
		h, err := chainhash.NewHashFromStr(id)
		if err != nil {
			return chainhash.Hash{}, fmt.Errorf("invalid txid %q: %w", id, err)
		}
		hashes[i] = *h
	}
	return merkleRoot(hashes), nil
}

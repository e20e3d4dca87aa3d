package miner

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

const (
	base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"
	bech32Charset  = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"
)

// ParseUsername splits a Stratum username of the form address[.worker].
func ParseUsername(username string) (address, worker string) {
	username = strings.TrimSpace(username)
	if i := strings.IndexByte(username, '.'); i >= 0 {
		return username[:i], username[i+1:]
	}
	return username, ""
}

// ValidateAddress checks that address is a payout address for params. With nil
// params (a chain btcd has no parameters for) only the character set and
// length are checked.
func ValidateAddress(address string, params *chaincfg.Params) error {
	if address == "" {
		return fmt.Errorf("empty payout address")
	}

	if params == nil {
		return validateCharset(address)
	}

	decoded, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return fmt.Errorf("invalid payout address %q: %w", address, err)
	}
	if !decoded.IsForNet(params) {
		return fmt.Errorf("payout address %q is not for %s", address, params.Name)
	}
	return nil
}

func validateCharset(address string) error {
	if len(address) < 14 || len(address) > 90 {
		return fmt.Errorf("payout address %q has invalid length %d", address, len(address))
	}

	// bech32: lowercase human-readable part, separator '1', then data characters.
	if lower := strings.ToLower(address); lower == address || strings.ToUpper(address) == address {
		if sep := strings.LastIndexByte(lower, '1'); sep > 0 && sep < len(lower)-6 {
			if containsOnly(lower[sep+1:], bech32Charset) {
				return nil
			}
		}
	}

	if containsOnly(address, base58Alphabet) {
		return nil
	}
	return fmt.Errorf("payout address %q contains invalid characters", address)
}

func containsOnly(s, charset string) bool {
	for _, r := range s {
		if !strings.ContainsRune(charset, r) {
			return false
		}
	}
	return true
}

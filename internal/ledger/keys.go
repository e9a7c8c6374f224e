package ledger

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

func trim0x(s string) string {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}

// ParseKey decodes a hex private key with or without the 0x prefix.
func ParseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	k, err := crypto.HexToECDSA(trim0x(strings.TrimSpace(hexKey)))
	if err != nil {
		return nil, fmt.Errorf("parse key: %w", err)
	}
	return k, nil
}

// ParseKeys decodes a list of hex private keys.  Empty entries are skipped.
func ParseKeys(hexKeys []string) ([]*ecdsa.PrivateKey, error) {
	out := make([]*ecdsa.PrivateKey, 0, len(hexKeys))
	for i, h := range hexKeys {
		if strings.TrimSpace(h) == "" {
			continue
		}
		k, err := ParseKey(h)
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}
		out = append(out, k)
	}
	return out, nil
}

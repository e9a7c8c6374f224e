package config

import (
	"errors"
	"log"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// ChainConfig configures the ledger gateway and the signer pool.
type ChainConfig struct {
	RPCURL            string
	ChainID           uint64
	MintContract      common.Address   // token contract called by direct mints
	DelegatedContract common.Address   // contract holding the delegated-mint replay guard
	SignerKeys        []string         // hex private keys of the pre-funded signer pool
	SignerRole        string           // role recorded for configured signers
	DefaultGasPrice   *big.Int         // initial gas price (wei) for newly registered signers
	DelegationKey     string           // key authorising delegated mints
	FallbackGasLimit  uint64           // used when gas estimation fails
	GasSafetyFactor   float64          // multiplier applied to every gas limit
	ReceivingAddrs    []common.Address // pool reserved for gas sponsorship
}

func loadChain() ChainConfig {
	c := ChainConfig{
		RPCURL:           must("CHAIN_RPC_URL"),
		ChainID:          mustUint64("CHAIN_ID"),
		MintContract:     mustAddress("MINT_CONTRACT"),
		SignerKeys:       envList("SIGNER_KEYS"),
		SignerRole:       envStr("SIGNER_ROLE", "mint"),
		DefaultGasPrice:  envGwei("DEFAULT_GAS_PRICE_GWEI", 5),
		DelegationKey:    envStr("DELEGATION_SIGNER_KEY", ""),
		FallbackGasLimit: envUint64("FALLBACK_GAS_LIMIT", 1_000_000),
		GasSafetyFactor:  envFloat("GAS_SAFETY_FACTOR", 1.3),
	}
	if len(c.SignerKeys) == 0 {
		log.Fatalf("missing required env var: SIGNER_KEYS (no signers configured)")
	}
	if v := envStr("DELEGATED_MINT_CONTRACT", ""); v != "" {
		c.DelegatedContract = parseAddress("DELEGATED_MINT_CONTRACT", v)
	}
	for _, a := range envList("RECEIVING_ADDRESSES") {
		c.ReceivingAddrs = append(c.ReceivingAddrs, parseAddress("RECEIVING_ADDRESSES", a))
	}
	if err := validateChain(c); err != nil {
		log.Fatalf("invalid chain config: %v", err)
	}
	return c
}

// validateChain rejects combinations that would start a half-configured
// delegated path.
func validateChain(c ChainConfig) error {
	if c.DelegationKey != "" && c.DelegatedContract == (common.Address{}) {
		return errors.New("DELEGATION_SIGNER_KEY is set but DELEGATED_MINT_CONTRACT is missing")
	}
	return nil
}

func mustAddress(key string) common.Address {
	return parseAddress(key, must(key))
}

func parseAddress(key, v string) common.Address {
	v = strings.TrimSpace(v)
	if !common.IsHexAddress(v) {
		log.Fatalf("invalid address for %s: %q", key, v)
	}
	return common.HexToAddress(v)
}

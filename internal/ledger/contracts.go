package ledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const mintABIJSON = `[
  {"type":"function","name":"mintToken","stateMutability":"nonpayable",
   "inputs":[{"name":"eventId","type":"uint256"},{"name":"to","type":"address"}],
   "outputs":[{"name":"","type":"bool"}]}
]`

const delegatedABIJSON = `[
  {"type":"function","name":"mintToken","stateMutability":"nonpayable",
   "inputs":[{"name":"eventId","type":"uint256"},{"name":"receiver","type":"address"},{"name":"signedMessage","type":"bytes"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"processed","stateMutability":"view",
   "inputs":[{"name":"signedMessage","type":"bytes"}],
   "outputs":[{"name":"","type":"bool"}]}
]`

var (
	mintABI      = mustABI(mintABIJSON)
	delegatedABI = mustABI(delegatedABIJSON)
)

func mustABI(def string) abi.ABI {
	a, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return a
}

// PackMint encodes mintToken(eventId, to) for the token contract.
func PackMint(eventID uint64, to common.Address) ([]byte, error) {
	return mintABI.Pack("mintToken", new(big.Int).SetUint64(eventID), to)
}

// PackDelegatedMint encodes the relayer call mintToken(eventId, receiver,
// signedMessage) on the delegated-mint contract.
func PackDelegatedMint(eventID uint64, receiver common.Address, signedMessage []byte) ([]byte, error) {
	return delegatedABI.Pack("mintToken", new(big.Int).SetUint64(eventID), receiver, signedMessage)
}

// PackProcessed encodes the replay-guard read processed(signedMessage).
func PackProcessed(signedMessage []byte) ([]byte, error) {
	return delegatedABI.Pack("processed", signedMessage)
}

// UnpackProcessed decodes the boolean returned by processed.
func UnpackProcessed(out []byte) (bool, error) {
	vals, err := delegatedABI.Unpack("processed", out)
	if err != nil {
		return false, err
	}
	if len(vals) != 1 {
		return false, fmt.Errorf("processed: unexpected %d return values", len(vals))
	}
	b, ok := vals[0].(bool)
	if !ok {
		return false, fmt.Errorf("processed: unexpected return type %T", vals[0])
	}
	return b, nil
}

package ledger

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// DelegationSigner authorises delegated mints.  The payload it produces
// is what the claimant (or a relayer) hands to the delegated-mint
// contract; the contract checks the signer and records the payload in
// its replay guard.
type DelegationSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewDelegationSigner wraps the authorising key.
func NewDelegationSigner(key *ecdsa.PrivateKey) *DelegationSigner {
	return &DelegationSigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// Address is the account the contract trusts.
func (s *DelegationSigner) Address() common.Address { return s.address }

// MessageHash is keccak256(eventId uint256 ‖ beneficiary address ‖
// keccak256(code)), tightly packed.
func MessageHash(eventID uint64, beneficiary common.Address, code string) []byte {
	id := math.U256Bytes(new(big.Int).SetUint64(eventID))
	return crypto.Keccak256(id, beneficiary.Bytes(), crypto.Keccak256([]byte(code)))
}

// Sign returns the 65-byte EIP-191 signature over MessageHash, hex encoded.
func (s *DelegationSigner) Sign(eventID uint64, beneficiary common.Address, code string) (string, error) {
	digest := accounts.TextHash(MessageHash(eventID, beneficiary, code))
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

// RecoverDelegation returns the address that produced sigHex for the
// given mint parameters.
func RecoverDelegation(eventID uint64, beneficiary common.Address, code, sigHex string) (common.Address, error) {
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return common.Address{}, err
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}
	cp := make([]byte, len(sig))
	copy(cp, sig)
	if cp[64] >= 27 {
		cp[64] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(MessageHash(eventID, beneficiary, code)), cp)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

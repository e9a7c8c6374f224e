package model

import "time"

// Signer is a funded signing account.  PendingTx is not stored; it is
// counted from transactions still pending for the signer's address.
type Signer struct {
	ID        uint64    // signers.id
	Address   string    // signers.address
	Role      string    // signers.role
	GasPrice  string    // signers.gas_price (wei, decimal string)
	NextNonce uint64    // signers.next_nonce
	PendingTx uint64    // derived
	CreatedAt time.Time // signers.created_at
}

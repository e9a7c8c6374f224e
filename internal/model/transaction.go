package model

import "time"

// Transaction status values.  PASSED and FAILED are terminal.
const (
	TxPending = "pending"
	TxPassed  = "passed"
	TxFailed  = "failed"
)

// OperationMintToken is the only operation the engine submits.
const OperationMintToken = "mintToken"

// Transaction records one mint attempt.  The row is written once the
// attempt is signed and before it is broadcast, so an attempt that may be
// on the ledger always has a row.  Rows are never deleted; they form the
// audit trail of every attempt for a claim.
//
// Fields:
//
//	Hash          – ledger transaction hash.
//	Nonce         – signer nonce used for the attempt.
//	SignerAddress – address of the signing account.
//	GasPrice      – gas price in wei (decimal string).
//	GasLimit      – gas limit sent with the transaction.
//	Operation     – contract method name.
//	Arguments     – JSON snapshot of the exact call inputs.
//	ClaimCode     – claim this attempt belongs to.
//	Status        – pending, passed or failed.
//	RawTx         – signed transaction bytes (0x hex) for rebroadcasting.
type Transaction struct {
	ID            uint64    // transactions.id
	Hash          string    // transactions.hash
	Nonce         uint64    // transactions.nonce
	SignerAddress string    // transactions.signer_address
	GasPrice      string    // transactions.gas_price
	GasLimit      uint64    // transactions.gas_limit
	Operation     string    // transactions.operation
	Arguments     string    // transactions.arguments
	ClaimCode     string    // transactions.claim_code
	Status        string    // transactions.status
	RawTx         string    // transactions.raw_tx
	CreatedAt     time.Time // transactions.created_at
	UpdatedAt     time.Time // transactions.updated_at
}

package model

import "time"

// Claim status values.  A claim moves forward through these states and
// only SETTLED_FAILED may go back to MINTING (a bump).
const (
	ClaimUnclaimed      = "unclaimed"
	ClaimBound          = "bound"
	ClaimMinting        = "minting"
	ClaimSettledSuccess = "settled_success"
	ClaimSettledFailed  = "settled_failed"
)

// Delegated verification states.  Empty for direct claims.
const (
	VerifyPending    = "pending"
	VerifyUnverified = "unverified"
)

// Claim is one issued one-time code.  The code is the claim's identity;
// beneficiary and bound_at are written exactly once when the code is bound.
//
// Fields:
//
//	Code                   – one-time redemption string (unique).
//	EventID                – token series this code redeems.
//	Beneficiary            – bound address (nil until bound).
//	SecretHash             – bcrypt hash of the secret required to bind.
//	BoundAt                – binding timestamp (nil until bound).
//	DelegatedMint          – whether this code uses the meta-transaction path.
//	DelegatedSignedMessage – meta-transaction payload, set at bind time.
//	TransactionID          – current mint transaction (transactionRef).
//	Status                 – lifecycle state, see the Claim* constants.
//	BumpCount              – number of resubmissions after a failed mint.
//	VerifyPolls            – delegated replay-guard polls performed so far.
//	VerifyState            – delegated verification state.
//	Version                – optimistic concurrency counter.
type Claim struct {
	ID                     uint64     // claims.id
	Code                   string     // claims.code
	EventID                uint64     // claims.event_id
	Beneficiary            *string    // claims.beneficiary (nullable)
	SecretHash             string     // claims.secret_hash
	BoundAt                *time.Time // claims.bound_at (nullable)
	DelegatedMint          bool       // claims.delegated_mint
	DelegatedSignedMessage *string    // claims.delegated_signed_message (nullable)
	TransactionID          *uint64    // claims.transaction_id (nullable)
	Status                 string     // claims.status
	BumpCount              uint32     // claims.bump_count
	VerifyPolls            uint32     // claims.verify_polls
	VerifyState            string     // claims.verify_state
	Version                uint64     // claims.version
	CreatedAt              time.Time  // claims.created_at
	UpdatedAt              time.Time  // claims.updated_at
}

// IsBound reports whether a beneficiary has been attached to the claim.
func (c *Claim) IsBound() bool { return c.Beneficiary != nil && *c.Beneficiary != "" }

// BeneficiaryAddress returns the bound address or an empty string.
func (c *Claim) BeneficiaryAddress() string {
	if c.Beneficiary == nil {
		return ""
	}
	return *c.Beneficiary
}

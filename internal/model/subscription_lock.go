package model

import "time"

// ReceivingAddress is one address of the pool reserved for gas
// sponsorship.  An address is free when it has no active, unexpired lock.
type ReceivingAddress struct {
	ID      uint64 // receiving_addresses.id
	Address string // receiving_addresses.address
	Name    string // receiving_addresses.name
}

// SubscriptionLock time-boxes a receiving address to a single
// beneficiary so that a third party can fund that beneficiary's mint.
//
// Fields:
//
//	ReceivingAddressID – pool address held by the lock.
//	Beneficiary        – address whose mint is being sponsored.
//	ClaimCode          – bound claim the sponsorship is for.
//	ExpiresAt          – end of the lock window.
//	UnlockedAt         – when the lock was released (expiry sweep or funding).
//	IsActive           – false once released.
//	BaselineBalance    – receiving address balance (wei) when the lock was
//	                     taken; funding is measured against it.
type SubscriptionLock struct {
	ID                 uint64 // subscription_locks.id
	ReceivingAddressID uint64 // subscription_locks.receiving_address_id
	ReceivingAddress   ReceivingAddress
	Beneficiary        string     // subscription_locks.beneficiary
	ClaimCode          string     // subscription_locks.claim_code
	CreatedAt          time.Time  // subscription_locks.created_at
	ExpiresAt          time.Time  // subscription_locks.expires_at
	UnlockedAt         *time.Time // subscription_locks.unlocked_at (nullable)
	IsActive           bool       // subscription_locks.is_active
	BaselineBalance    *string    // subscription_locks.baseline_balance (nullable)
}

// ActiveAt reports whether the lock holds its address at time now.  An
// expired lock is inactive even if the sweep has not flipped it yet.
func (l *SubscriptionLock) ActiveAt(now time.Time) bool {
	return l.IsActive && now.Before(l.ExpiresAt)
}

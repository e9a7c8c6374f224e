// Package queue defines message payloads exchanged over the message broker.
package queue

// ClaimSettledQueue is the durable queue settlement events are published to.
const ClaimSettledQueue = "claim.settled"

// ClaimSettledEvent is published when a claim reaches a settled state,
// either through a reconciled receipt or a verified delegated mint.  It
// carries enough for downstream consumers (notification, analytics) to act
// without querying the claim store.
type ClaimSettledEvent struct {
	Code        string `json:"code"`
	EventID     uint64 `json:"event_id"`
	Beneficiary string `json:"beneficiary"`
	Status      string `json:"status"`
	TxHash      string `json:"tx_hash,omitempty"`
	Delegated   bool   `json:"delegated"`
	BumpCount   uint32 `json:"bump_count"`
	SettledAt   string `json:"settled_at"`
}

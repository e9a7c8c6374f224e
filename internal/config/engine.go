package config

import (
	"math/big"
	"time"
)

// EngineConfig holds the tunables of the claim-to-mint lifecycle engine.
type EngineConfig struct {
	ReconcileInterval time.Duration // receipt polling period
	VerifyInterval    time.Duration // delegated replay-guard polling period
	VerifyMaxPolls    uint32        // polls before a delegated claim is reported unverified
	LockTime          time.Duration // subscription lock window
	LockSweepInterval time.Duration // expiry sweep and funding check period
	SponsoredGasPrice *big.Int      // gas price used for a funded sponsorship mint
	SponsorshipMinWei *big.Int      // balance that marks a lock as funded
	FreeMintEnabled   bool          // mint right after binding a direct claim
	DispatchInterval  time.Duration // retry period for bound claims that never reached the ledger
	DispatchGrace     time.Duration // minimum age of a binding before the dispatcher retries it
	AutoBumpMax       uint32        // automatic bumps per claim after a failed receipt (0 disables)
	BumpMultiplier    float64       // gas price multiplier applied by a bump without explicit price
	TickTimeout       time.Duration // upper bound for a single background tick
	ReconcileWorkers  int           // receipts fetched in parallel per tick
}

func loadEngine() EngineConfig {
	e := EngineConfig{
		ReconcileInterval: envDur("RECONCILE_INTERVAL", 12*time.Second),
		VerifyInterval:    envDur("VERIFY_INTERVAL", 3*time.Second),
		VerifyMaxPolls:    uint32(envInt("VERIFY_MAX_POLLS", 100)),
		LockTime:          envDur("LOCK_TIME", 10*time.Minute),
		LockSweepInterval: envDur("LOCK_SWEEP_INTERVAL", 12*time.Second),
		SponsoredGasPrice: envGwei("SPONSORED_GAS_PRICE_GWEI", 50),
		SponsorshipMinWei: envWei("SPONSORSHIP_MIN_WEI", big.NewInt(5_000_000_000_000_000)),
		FreeMintEnabled:   envBool("FREE_MINT_ENABLED", true),
		DispatchInterval:  envDur("DISPATCH_INTERVAL", 30*time.Second),
		DispatchGrace:     envDur("DISPATCH_GRACE", time.Minute),
		AutoBumpMax:       uint32(envInt("AUTO_BUMP_MAX", 0)),
		BumpMultiplier:    envFloat("BUMP_MULTIPLIER", 1.25),
		TickTimeout:       envDur("TICK_TIMEOUT", 60*time.Second),
		ReconcileWorkers:  envInt("RECONCILE_WORKERS", 8),
	}
	e.ReconcileInterval = clampDur(e.ReconcileInterval, 5*time.Second, 30*time.Second)
	if e.VerifyMaxPolls == 0 {
		e.VerifyMaxPolls = 100
	}
	if e.BumpMultiplier <= 1 {
		e.BumpMultiplier = 1.25
	}
	if e.ReconcileWorkers < 1 {
		e.ReconcileWorkers = 1
	}
	return e
}

func clampDur(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

package state

import (
	fpmath "CoverLedger/internal/math"
	"time"
)

// PoolState is the per-deployment pool singleton.
type PoolState struct {
	TotalValueLocked         int64
	TotalShares              int64
	TotalCoverageOutstanding int64
	FeeRateBasisPoints       int64
	Paused                   bool

	// Aggregates for the read side
	ActiveCoverages        int64
	ClaimCount             int64
	PaidClaims             int64
	TotalPaidOut           int64
	ProtocolFees           int64
	DiscountTokenCollected int64
}

// UtilizationBps is outstanding liability over TVL, in basis points.
func (p PoolState) UtilizationBps() int64 {
	return fpmath.RatioBps(p.TotalCoverageOutstanding, p.TotalValueLocked)
}

// LiquidityPosition is a provider's stake in the pool.
type LiquidityPosition struct {
	Provider          string
	SharesOwned       int64
	ContributedAmount int64 // Informational, net of withdrawals
	JoinedAt          time.Time
}

func (p *LiquidityPosition) Clone() *LiquidityPosition {
	out := *p
	return &out
}

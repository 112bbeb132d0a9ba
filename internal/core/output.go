package core

import (
	"CoverLedger/internal/event"
	"CoverLedger/internal/ledger"
	"CoverLedger/internal/state"
)

// CoreOutput is everything downstream workers need about one applied command.
// Records are copies taken after the command committed.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Batch    *ledger.Batch
	Result   *Result

	Coverages []*state.Coverage
	Claims    []*state.Claim
	Pool      state.PoolState
	Positions []*state.LiquidityPosition

	// Providers whose position was closed by this command
	ClosedPositions []string

	// Replayed outputs were persisted before; persistence skips them
	Replayed bool
}

// Result is the caller-facing outcome of an applied command.
type Result struct {
	Sequence  int64
	StateHash [32]byte

	CoverageID string
	ClaimID    string

	// Set by resolve: Paid or Rejected with a reason
	ClaimStatus     state.ClaimStatus
	RejectionReason string

	Premium     int64 // Full premium charged
	ProtocolFee int64
	TokenAmount int64 // Discount-token amount actually pulled

	Shares int64 // Minted or burned
	Amount int64 // Withdrawn, paid out or refunded

	Expired []string
	Skipped []string
}

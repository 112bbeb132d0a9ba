package state

import (
	"CoverLedger/internal/event"
	"time"
)

// CoverageStatus tracks the coverage lifecycle.
// Active → Expired | Claimed | Cancelled; the three terminal states never change.
type CoverageStatus int32

const (
	CoverageStatusActive CoverageStatus = iota
	CoverageStatusExpired
	CoverageStatusClaimed
	CoverageStatusCancelled
)

func (s CoverageStatus) String() string {
	switch s {
	case CoverageStatusActive:
		return "Active"
	case CoverageStatusExpired:
		return "Expired"
	case CoverageStatusClaimed:
		return "Claimed"
	case CoverageStatusCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

func (s CoverageStatus) IsTerminal() bool {
	return s != CoverageStatusActive
}

// CanTransitionTo validates status transitions
func (s CoverageStatus) CanTransitionTo(next CoverageStatus) bool {
	return s == CoverageStatusActive && next != CoverageStatusActive
}

// Coverage is one insurance contract.
type Coverage struct {
	ID             string
	Holder         string
	CoverageAmount int64
	PremiumPaid    int64 // Full premium charged, in the asset it was paid with
	ProtocolFee    int64 // Part of PremiumPaid routed to protocol fees (base asset only)
	CoverageType   event.CoverageType
	RiskCategory   event.RiskCategory
	StartTime      time.Time
	EndTime        time.Time
	Status         CoverageStatus
	Triggers       event.TriggerConditionSet
	TotalClaimed   int64

	PaidWithDiscountToken bool
	DiscountTokenAmount   int64

	ClaimCount int64 // Claims ever submitted
	Version    int64
}

// Remaining is the unclaimed coverage amount.
func (c *Coverage) Remaining() int64 {
	return c.CoverageAmount - c.TotalClaimed
}

// EndedBy reports whether now is strictly past EndTime.
func (c *Coverage) EndedBy(now time.Time) bool {
	return now.After(c.EndTime)
}

// Clone returns a copy safe to hand out of the engine.
func (c *Coverage) Clone() *Coverage {
	out := *c
	out.Triggers = c.Triggers.Clone()
	return &out
}

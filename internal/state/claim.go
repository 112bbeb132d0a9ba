package state

import (
	"CoverLedger/internal/event"
	"time"
)

// ClaimStatus tracks the claim lifecycle.
// Pending → UnderReview → Paid | Rejected. Approved exists for reporting only:
// approval and payment are applied as one transition, so a stored claim is
// never left Approved.
type ClaimStatus int32

const (
	ClaimStatusPending ClaimStatus = iota
	ClaimStatusUnderReview
	ClaimStatusApproved
	ClaimStatusRejected
	ClaimStatusPaid
)

func (s ClaimStatus) String() string {
	switch s {
	case ClaimStatusPending:
		return "Pending"
	case ClaimStatusUnderReview:
		return "UnderReview"
	case ClaimStatusApproved:
		return "Approved"
	case ClaimStatusRejected:
		return "Rejected"
	case ClaimStatusPaid:
		return "Paid"
	default:
		return "Unknown"
	}
}

// IsOpen reports whether the claim still awaits resolution.
func (s ClaimStatus) IsOpen() bool {
	return s == ClaimStatusPending || s == ClaimStatusUnderReview
}

func (s ClaimStatus) IsTerminal() bool {
	return s == ClaimStatusRejected || s == ClaimStatusPaid
}

// CanTransitionTo validates status transitions
func (s ClaimStatus) CanTransitionTo(next ClaimStatus) bool {
	validTransitions := map[ClaimStatus][]ClaimStatus{
		ClaimStatusPending: {
			ClaimStatusUnderReview,
			ClaimStatusRejected,
			ClaimStatusPaid,
		},
		ClaimStatusUnderReview: {
			ClaimStatusRejected,
			ClaimStatusPaid,
		},
	}
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Claim is one settlement request against a coverage.
type Claim struct {
	ID                string
	CoverageID        string
	Claimant          string
	Amount            int64
	ClaimType         event.ClaimType
	EvidenceReference string
	Status            ClaimStatus
	SubmissionTime    time.Time
	ResolutionTime    time.Time // Zero until resolved
	RejectionReason   string
	OracleSource      string
	Version           int64
}

func (c *Claim) Clone() *Claim {
	out := *c
	return &out
}

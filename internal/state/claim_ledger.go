package state

import (
	"CoverLedger/internal/errs"
	"time"
)

// ClaimLedger owns claim records and enforces one open claim per coverage.
type ClaimLedger struct {
	claims     map[string]*Claim
	order      []string
	byClaimant map[string][]string
	open       map[string]string // coverageID → open claimID
}

func NewClaimLedger() *ClaimLedger {
	return &ClaimLedger{
		claims:     make(map[string]*Claim),
		byClaimant: make(map[string][]string),
		open:       make(map[string]string),
	}
}

func (l *ClaimLedger) Get(id string) (*Claim, bool) {
	c, ok := l.claims[id]
	return c, ok
}

// MustGet returns the claim or a claim_not_found validation error.
func (l *ClaimLedger) MustGet(id string) (*Claim, error) {
	c, ok := l.claims[id]
	if !ok {
		return nil, errs.Validation("claim_not_found", "claim %s not found", id)
	}
	return c, nil
}

func (l *ClaimLedger) Len() int {
	return len(l.order)
}

// OpenClaim returns the Pending/UnderReview claim on a coverage, if any.
func (l *ClaimLedger) OpenClaim(coverageID string) (*Claim, bool) {
	id, ok := l.open[coverageID]
	if !ok {
		return nil, false
	}
	return l.claims[id], true
}

func (l *ClaimLedger) HasOpenClaim(coverageID string) bool {
	_, ok := l.open[coverageID]
	return ok
}

// Insert records a new Pending claim.
func (l *ClaimLedger) Insert(j *Journal, c *Claim) error {
	if _, exists := l.claims[c.ID]; exists {
		return errs.StateConflict("claim_exists", "claim %s already exists", c.ID)
	}
	if openID, busy := l.open[c.CoverageID]; busy {
		return errs.StateConflict("claim_open",
			"coverage %s already has open claim %s", c.CoverageID, openID)
	}
	c.Status = ClaimStatusPending

	l.claims[c.ID] = c
	l.order = append(l.order, c.ID)
	l.byClaimant[c.Claimant] = append(l.byClaimant[c.Claimant], c.ID)
	l.open[c.CoverageID] = c.ID

	j.Append(func() {
		delete(l.claims, c.ID)
		delete(l.open, c.CoverageID)
		l.order = l.order[:len(l.order)-1]
		ids := l.byClaimant[c.Claimant]
		if len(ids) <= 1 {
			delete(l.byClaimant, c.Claimant)
		} else {
			l.byClaimant[c.Claimant] = ids[:len(ids)-1]
		}
	})
	return nil
}

// Transition moves a claim forward. Terminal transitions release the
// coverage's open-claim slot and stamp the resolution time.
func (l *ClaimLedger) Transition(j *Journal, c *Claim, next ClaimStatus, at time.Time, reason string) error {
	if !c.Status.CanTransitionTo(next) {
		return errs.StateConflict("claim_terminal",
			"claim %s cannot move from %s to %s", c.ID, c.Status, next)
	}

	prev := *c
	c.Status = next
	c.Version++
	if next.IsTerminal() {
		c.ResolutionTime = at
		c.RejectionReason = reason
		delete(l.open, c.CoverageID)
	}

	j.Append(func() {
		*c = prev
		if prev.Status.IsOpen() {
			l.open[c.CoverageID] = c.ID
		}
	})
	return nil
}

// SetOracleSource records which oracle resolved the claim.
func (l *ClaimLedger) SetOracleSource(j *Journal, c *Claim, source string) {
	prev := c.OracleSource
	c.OracleSource = source
	j.Append(func() { c.OracleSource = prev })
}

// ByClaimant returns copies of a claimant's claims in submission order.
func (l *ClaimLedger) ByClaimant(claimant string) []*Claim {
	ids := l.byClaimant[claimant]
	out := make([]*Claim, 0, len(ids))
	for _, id := range ids {
		out = append(out, l.claims[id].Clone())
	}
	return out
}

// All returns the live records in submission order.
func (l *ClaimLedger) All() []*Claim {
	out := make([]*Claim, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.claims[id])
	}
	return out
}

// Restore loads a record from a snapshot without journaling.
func (l *ClaimLedger) Restore(c *Claim) {
	if _, exists := l.claims[c.ID]; !exists {
		l.order = append(l.order, c.ID)
		l.byClaimant[c.Claimant] = append(l.byClaimant[c.Claimant], c.ID)
	}
	l.claims[c.ID] = c
	if c.Status.IsOpen() {
		l.open[c.CoverageID] = c.ID
	}
}

package state

import (
	"CoverLedger/internal/errs"
	"sort"
	"time"
)

// CoverageLedger owns the authoritative set of coverages on one deployment.
// Records are never removed; only their status moves forward.
type CoverageLedger struct {
	coverages map[string]*Coverage
	order     []string
	byHolder  map[string][]string
}

func NewCoverageLedger() *CoverageLedger {
	return &CoverageLedger{
		coverages: make(map[string]*Coverage),
		byHolder:  make(map[string][]string),
	}
}

// Get returns the live record. Callers outside the engine should Clone it.
func (l *CoverageLedger) Get(id string) (*Coverage, bool) {
	cov, ok := l.coverages[id]
	return cov, ok
}

// MustGet returns the coverage or a coverage_not_found validation error.
func (l *CoverageLedger) MustGet(id string) (*Coverage, error) {
	cov, ok := l.coverages[id]
	if !ok {
		return nil, errs.Validation("coverage_not_found", "coverage %s not found", id)
	}
	return cov, nil
}

func (l *CoverageLedger) Len() int {
	return len(l.order)
}

// Insert appends a new coverage record.
func (l *CoverageLedger) Insert(j *Journal, cov *Coverage) error {
	if _, exists := l.coverages[cov.ID]; exists {
		return errs.StateConflict("coverage_exists", "coverage %s already exists", cov.ID)
	}
	if !cov.EndTime.After(cov.StartTime) {
		return errs.Validation("invalid_period", "coverage end %s not after start %s", cov.EndTime, cov.StartTime)
	}

	l.coverages[cov.ID] = cov
	l.order = append(l.order, cov.ID)
	l.byHolder[cov.Holder] = append(l.byHolder[cov.Holder], cov.ID)

	j.Append(func() {
		delete(l.coverages, cov.ID)
		l.order = l.order[:len(l.order)-1]
		ids := l.byHolder[cov.Holder]
		if len(ids) <= 1 {
			delete(l.byHolder, cov.Holder)
		} else {
			l.byHolder[cov.Holder] = ids[:len(ids)-1]
		}
	})
	return nil
}

// Transition moves an Active coverage to a terminal status.
func (l *CoverageLedger) Transition(j *Journal, cov *Coverage, next CoverageStatus) error {
	if !cov.Status.CanTransitionTo(next) {
		return errs.StateConflict("invalid_coverage_transition",
			"coverage %s cannot move from %s to %s", cov.ID, cov.Status, next)
	}
	prevStatus, prevVersion := cov.Status, cov.Version
	cov.Status = next
	cov.Version++
	j.Append(func() {
		cov.Status = prevStatus
		cov.Version = prevVersion
	})
	return nil
}

// AddClaimed books a paid claim against the coverage and marks it Claimed
// once the full amount is used up.
func (l *CoverageLedger) AddClaimed(j *Journal, cov *Coverage, amount int64) error {
	if cov.Status != CoverageStatusActive {
		return errs.StateConflict("coverage_not_active", "coverage %s is %s", cov.ID, cov.Status)
	}
	if amount <= 0 || amount > cov.Remaining() {
		return errs.StateConflict("exceeds_remaining",
			"claim amount %d exceeds remaining coverage %d", amount, cov.Remaining())
	}

	prevClaimed, prevStatus, prevVersion := cov.TotalClaimed, cov.Status, cov.Version
	cov.TotalClaimed += amount
	if cov.TotalClaimed == cov.CoverageAmount {
		cov.Status = CoverageStatusClaimed
	}
	cov.Version++
	j.Append(func() {
		cov.TotalClaimed = prevClaimed
		cov.Status = prevStatus
		cov.Version = prevVersion
	})
	return nil
}

// NoteClaimSubmitted bumps the per-coverage claim counter.
func (l *CoverageLedger) NoteClaimSubmitted(j *Journal, cov *Coverage) {
	prevCount, prevVersion := cov.ClaimCount, cov.Version
	cov.ClaimCount++
	cov.Version++
	j.Append(func() {
		cov.ClaimCount = prevCount
		cov.Version = prevVersion
	})
}

// ByHolder returns copies of a holder's coverages in creation order.
func (l *CoverageLedger) ByHolder(holder string) []*Coverage {
	ids := l.byHolder[holder]
	out := make([]*Coverage, 0, len(ids))
	for _, id := range ids {
		out = append(out, l.coverages[id].Clone())
	}
	return out
}

// All returns the live records in creation order.
func (l *CoverageLedger) All() []*Coverage {
	out := make([]*Coverage, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.coverages[id])
	}
	return out
}

// LapsedActive lists Active coverages whose EndTime is strictly before now,
// ordered by EndTime then ID. skip filters out ids the caller cannot expire
// yet. limit <= 0 means no cap.
func (l *CoverageLedger) LapsedActive(now time.Time, limit int, skip func(id string) bool) []string {
	lapsed := make([]*Coverage, 0)
	for _, id := range l.order {
		cov := l.coverages[id]
		if cov.Status != CoverageStatusActive || !cov.EndTime.Before(now) {
			continue
		}
		if skip != nil && skip(id) {
			continue
		}
		lapsed = append(lapsed, cov)
	}

	sort.Slice(lapsed, func(i, k int) bool {
		if !lapsed[i].EndTime.Equal(lapsed[k].EndTime) {
			return lapsed[i].EndTime.Before(lapsed[k].EndTime)
		}
		return lapsed[i].ID < lapsed[k].ID
	})

	if limit > 0 && len(lapsed) > limit {
		lapsed = lapsed[:limit]
	}
	ids := make([]string, len(lapsed))
	for i, cov := range lapsed {
		ids[i] = cov.ID
	}
	return ids
}

// Restore loads a record from a snapshot without journaling.
func (l *CoverageLedger) Restore(cov *Coverage) {
	if _, exists := l.coverages[cov.ID]; !exists {
		l.order = append(l.order, cov.ID)
		l.byHolder[cov.Holder] = append(l.byHolder[cov.Holder], cov.ID)
	}
	l.coverages[cov.ID] = cov
}

package event

import "time"

// CreateCoverage buys a coverage for the calling holder.
type CreateCoverage struct {
	Meta
	Amount          int64               `json:"amount"`
	PeriodSeconds   int64               `json:"period_seconds"`
	CoverageType    CoverageType        `json:"coverage_type"`
	RiskCategory    RiskCategory        `json:"risk_category"`
	Triggers        TriggerConditionSet `json:"triggers"`
	PayWithDiscount bool                `json:"pay_with_discount"`
}

func (c *CreateCoverage) EventType() EventType { return EventTypeCreateCoverage }

func (c *CreateCoverage) Period() time.Duration {
	return time.Duration(c.PeriodSeconds) * time.Second
}

// CancelCoverage terminates a coverage early at the holder's request.
type CancelCoverage struct {
	Meta
	CoverageID string `json:"coverage_id"`
}

func (c *CancelCoverage) EventType() EventType { return EventTypeCancelCoverage }

// ExpireCoverage closes out one coverage past its end time.
type ExpireCoverage struct {
	Meta
	CoverageID string `json:"coverage_id"`
}

func (c *ExpireCoverage) EventType() EventType { return EventTypeExpireCoverage }

// PerformUpkeep expires a batch of candidates found by a prior upkeep check.
type PerformUpkeep struct {
	Meta
	CoverageIDs []string `json:"coverage_ids"`
}

func (c *PerformUpkeep) EventType() EventType { return EventTypePerformUpkeep }

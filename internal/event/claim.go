package event

// SubmitClaim opens a claim against a coverage owned by the caller.
type SubmitClaim struct {
	Meta
	CoverageID string    `json:"coverage_id"`
	Amount     int64     `json:"amount"`
	ClaimType  ClaimType `json:"claim_type"`
	Evidence   string    `json:"evidence"`
}

func (c *SubmitClaim) EventType() EventType { return EventTypeSubmitClaim }

// MarkUnderReview is an oracle acknowledging that a claim is being evaluated.
type MarkUnderReview struct {
	Meta
	ClaimID string `json:"claim_id"`
}

func (c *MarkUnderReview) EventType() EventType { return EventTypeMarkUnderReview }

// ResolveClaim settles a claim using an oracle report.
type ResolveClaim struct {
	Meta
	ClaimID string       `json:"claim_id"`
	Report  OracleReport `json:"report"`
}

func (c *ResolveClaim) EventType() EventType { return EventTypeResolveClaim }

package query

import (
	"encoding/json"
	"time"
)

// CoverageResponse is one coverage as the UI sees it.
type CoverageResponse struct {
	CoverageID          string          `json:"coverage_id"`
	Holder              string          `json:"holder"`
	CoverageAmount      int64           `json:"coverage_amount"`
	PremiumPaid         int64           `json:"premium_paid"`
	ProtocolFee         int64           `json:"protocol_fee"`
	CoverageType        string          `json:"coverage_type"`
	RiskCategory        string          `json:"risk_category"`
	StartTime           time.Time       `json:"start_time"`
	EndTime             time.Time       `json:"end_time"`
	Status              string          `json:"status"`
	TotalClaimed        int64           `json:"total_claimed"`
	Remaining           int64           `json:"remaining"` // Derived at query time
	PaidWithDiscount    bool            `json:"paid_with_discount"`
	DiscountTokenAmount int64           `json:"discount_token_amount"`
	ClaimCount          int64           `json:"claim_count"`
	Triggers            json.RawMessage `json:"triggers"`
	Version             int64           `json:"version"`
	AsOfSequence        int64           `json:"as_of_sequence"`
}

// ClaimResponse is one claim as the UI sees it.
type ClaimResponse struct {
	ClaimID           string     `json:"claim_id"`
	CoverageID        string     `json:"coverage_id"`
	Claimant          string     `json:"claimant"`
	Amount            int64      `json:"amount"`
	ClaimType         string     `json:"claim_type"`
	EvidenceReference string     `json:"evidence_reference"`
	Status            string     `json:"status"`
	SubmissionTime    time.Time  `json:"submission_time"`
	ResolutionTime    *time.Time `json:"resolution_time,omitempty"`
	RejectionReason   string     `json:"rejection_reason,omitempty"`
	OracleSource      string     `json:"oracle_source,omitempty"`
	Version           int64      `json:"version"`
	AsOfSequence      int64      `json:"as_of_sequence"`
}

// PoolResponse is the pool singleton plus derived utilization.
type PoolResponse struct {
	Chain                    string `json:"chain"`
	TotalValueLocked         int64  `json:"total_value_locked"`
	TotalShares              int64  `json:"total_shares"`
	TotalCoverageOutstanding int64  `json:"total_coverage_outstanding"`
	FeeRateBps               int64  `json:"fee_rate_bps"`
	Paused                   bool   `json:"paused"`
	ActiveCoverages          int64  `json:"active_coverages"`
	ClaimCount               int64  `json:"claim_count"`
	PaidClaims               int64  `json:"paid_claims"`
	TotalPaidOut             int64  `json:"total_paid_out"`
	ProtocolFees             int64  `json:"protocol_fees"`
	DiscountTokenCollected   int64  `json:"discount_token_collected"`
	UtilizationBps           int64  `json:"utilization_bps"` // Derived at query time
	AsOfSequence             int64  `json:"as_of_sequence"`
}

// PositionResponse is a liquidity provider's stake.
type PositionResponse struct {
	Provider          string    `json:"provider"`
	SharesOwned       int64     `json:"shares_owned"`
	ContributedAmount int64     `json:"contributed_amount"`
	JoinedAt          time.Time `json:"joined_at"`
	AsOfSequence      int64     `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       uint16 `json:"asset_id"`
	Amount        int64  `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	Chain            string            `json:"chain"`
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset with non-zero global balance sum.
type UnbalancedAsset struct {
	AssetID   uint16 `json:"asset_id"`
	Imbalance int64  `json:"imbalance"`
}

package query

import (
	"CoverLedger/internal/errs"
	fpmath "CoverLedger/internal/math"
	"CoverLedger/internal/observability"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// QueryService provides read-only access to the projection tables.
// Every response carries as_of_sequence, the projection watermark of the
// chain at read time.
type QueryService struct {
	db      *sql.DB
	cache   *gocache.Cache
	metrics *observability.Metrics
}

// NewQueryService caches pool aggregates for cacheTTL; 0 disables caching.
func NewQueryService(db *sql.DB, cacheTTL time.Duration, metrics *observability.Metrics) *QueryService {
	qs := &QueryService{db: db, metrics: metrics}
	if cacheTTL > 0 {
		qs.cache = gocache.New(cacheTTL, 2*cacheTTL)
	}
	return qs
}

// CoveragesByHolder lists a holder's coverages, newest first.
func (qs *QueryService) CoveragesByHolder(ctx context.Context, chain, holder string, limit int) ([]CoverageResponse, error) {
	defer qs.observe("coverages_by_holder", time.Now())

	asOfSeq, err := qs.getWatermark(ctx, chain)
	if err != nil {
		return nil, qs.fail("coverages_by_holder", fmt.Errorf("watermark: %w", err))
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT coverage_id, holder, coverage_amount, premium_paid, protocol_fee,
		       coverage_type, risk_category, start_time, end_time, status, total_claimed,
		       paid_with_discount, discount_token_amount, claim_count, triggers, version
		FROM projections.coverages
		WHERE chain = $1 AND holder = $2
		ORDER BY start_time DESC, coverage_id DESC
		LIMIT $3
	`, chain, holder, clampLimit(limit))
	if err != nil {
		return nil, qs.fail("coverages_by_holder", err)
	}
	defer rows.Close()

	out := make([]CoverageResponse, 0)
	for rows.Next() {
		c, err := scanCoverage(rows)
		if err != nil {
			return nil, qs.fail("coverages_by_holder", err)
		}
		c.AsOfSequence = asOfSeq
		out = append(out, *c)
	}
	return out, rows.Err()
}

// GetCoverage returns one coverage or a Validation not_found error.
func (qs *QueryService) GetCoverage(ctx context.Context, chain, coverageID string) (*CoverageResponse, error) {
	defer qs.observe("coverage", time.Now())

	asOfSeq, err := qs.getWatermark(ctx, chain)
	if err != nil {
		return nil, qs.fail("coverage", fmt.Errorf("watermark: %w", err))
	}

	row := qs.db.QueryRowContext(ctx, `
		SELECT coverage_id, holder, coverage_amount, premium_paid, protocol_fee,
		       coverage_type, risk_category, start_time, end_time, status, total_claimed,
		       paid_with_discount, discount_token_amount, claim_count, triggers, version
		FROM projections.coverages
		WHERE chain = $1 AND coverage_id = $2
	`, chain, coverageID)
	c, err := scanCoverage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, qs.fail("coverage", errs.Validation("coverage_not_found", "coverage %s not found", coverageID))
	}
	if err != nil {
		return nil, qs.fail("coverage", err)
	}
	c.AsOfSequence = asOfSeq
	return c, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCoverage(s scanner) (*CoverageResponse, error) {
	var c CoverageResponse
	var triggers []byte
	if err := s.Scan(
		&c.CoverageID, &c.Holder, &c.CoverageAmount, &c.PremiumPaid, &c.ProtocolFee,
		&c.CoverageType, &c.RiskCategory, &c.StartTime, &c.EndTime, &c.Status, &c.TotalClaimed,
		&c.PaidWithDiscount, &c.DiscountTokenAmount, &c.ClaimCount, &triggers, &c.Version,
	); err != nil {
		return nil, err
	}
	c.Triggers = triggers
	c.Remaining = c.CoverageAmount - c.TotalClaimed
	return &c, nil
}

// ClaimsByClaimant lists a claimant's claims, newest first.
func (qs *QueryService) ClaimsByClaimant(ctx context.Context, chain, claimant string, limit int) ([]ClaimResponse, error) {
	defer qs.observe("claims_by_claimant", time.Now())

	asOfSeq, err := qs.getWatermark(ctx, chain)
	if err != nil {
		return nil, qs.fail("claims_by_claimant", fmt.Errorf("watermark: %w", err))
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT claim_id, coverage_id, claimant, amount, claim_type, evidence_reference,
		       status, submission_time, resolution_time, rejection_reason, oracle_source, version
		FROM projections.claims
		WHERE chain = $1 AND claimant = $2
		ORDER BY submission_time DESC, claim_id DESC
		LIMIT $3
	`, chain, claimant, clampLimit(limit))
	if err != nil {
		return nil, qs.fail("claims_by_claimant", err)
	}
	defer rows.Close()

	out := make([]ClaimResponse, 0)
	for rows.Next() {
		var c ClaimResponse
		var resolved sql.NullTime
		if err := rows.Scan(
			&c.ClaimID, &c.CoverageID, &c.Claimant, &c.Amount, &c.ClaimType, &c.EvidenceReference,
			&c.Status, &c.SubmissionTime, &resolved, &c.RejectionReason, &c.OracleSource, &c.Version,
		); err != nil {
			return nil, qs.fail("claims_by_claimant", err)
		}
		if resolved.Valid {
			t := resolved.Time
			c.ResolutionTime = &t
		}
		c.AsOfSequence = asOfSeq
		out = append(out, c)
	}
	return out, rows.Err()
}

// Pool returns the pool aggregates of chain. Responses are cached briefly;
// the UI polls this endpoint.
func (qs *QueryService) Pool(ctx context.Context, chain string) (*PoolResponse, error) {
	defer qs.observe("pool", time.Now())

	key := "pool:" + chain
	if qs.cache != nil {
		if v, ok := qs.cache.Get(key); ok {
			p := v.(PoolResponse)
			return &p, nil
		}
	}

	p := PoolResponse{Chain: chain}
	err := qs.db.QueryRowContext(ctx, `
		SELECT total_value_locked, total_shares, total_coverage_outstanding, fee_rate_bps, paused,
		       active_coverages, claim_count, paid_claims, total_paid_out, protocol_fees,
		       discount_token_collected, last_sequence
		FROM projections.pool
		WHERE chain = $1
	`, chain).Scan(
		&p.TotalValueLocked, &p.TotalShares, &p.TotalCoverageOutstanding, &p.FeeRateBps, &p.Paused,
		&p.ActiveCoverages, &p.ClaimCount, &p.PaidClaims, &p.TotalPaidOut, &p.ProtocolFees,
		&p.DiscountTokenCollected, &p.AsOfSequence,
	)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, qs.fail("pool", err)
	}
	// No row yet means an empty pool
	p.UtilizationBps = fpmath.RatioBps(p.TotalCoverageOutstanding, p.TotalValueLocked)

	if qs.cache != nil {
		qs.cache.SetDefault(key, p)
	}
	return &p, nil
}

// Positions lists liquidity positions by share count.
func (qs *QueryService) Positions(ctx context.Context, chain string, limit int) ([]PositionResponse, error) {
	defer qs.observe("positions", time.Now())

	asOfSeq, err := qs.getWatermark(ctx, chain)
	if err != nil {
		return nil, qs.fail("positions", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT provider, shares_owned, contributed_amount, joined_at
		FROM projections.positions
		WHERE chain = $1
		ORDER BY shares_owned DESC, provider
		LIMIT $2
	`, chain, clampLimit(limit))
	if err != nil {
		return nil, qs.fail("positions", err)
	}
	defer rows.Close()

	out := make([]PositionResponse, 0)
	for rows.Next() {
		var p PositionResponse
		if err := rows.Scan(&p.Provider, &p.SharesOwned, &p.ContributedAmount, &p.JoinedAt); err != nil {
			return nil, qs.fail("positions", err)
		}
		p.AsOfSequence = asOfSeq
		out = append(out, p)
	}
	return out, rows.Err()
}

// JournalHistory returns journal entries touching an account path, newest
// first. beforeSequence, when set, pages backwards.
func (qs *QueryService) JournalHistory(ctx context.Context, chain, accountPath string, limit int, beforeSequence *int64) ([]JournalHistoryEntry, error) {
	defer qs.observe("journal_history", time.Now())

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE chain = $1 AND (debit_account = $2 OR credit_account = $2)
	`
	args := []any{chain, accountPath}
	argIdx := 3

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, qs.fail("journal_history", err)
	}
	defer rows.Close()

	entries := make([]JournalHistoryEntry, 0)
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, qs.fail("journal_history", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the hash chain of one chain's event log and that
// projected balances sum to zero per asset.
func (qs *QueryService) VerifyIntegrity(ctx context.Context, chain string) (*IntegrityReport, error) {
	report := &IntegrityReport{Chain: chain}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.chain = e1.chain AND e2.sequence = e1.sequence - 1
		WHERE e1.chain = $1 AND e1.prev_hash <> e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`, chain)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance) AS total
		FROM projections.balances
		WHERE chain = $1
		GROUP BY asset_id
		HAVING SUM(balance) <> 0
	`, chain)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedAsset
		if err := balanceRows.Scan(&u.AssetID, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

const (
	defaultLimit = 100
	maxLimit     = 1000
)

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultLimit
	case limit > maxLimit:
		return maxLimit
	}
	return limit
}

func (qs *QueryService) getWatermark(ctx context.Context, chain string) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE chain = $1
	`, chain).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

func (qs *QueryService) observe(endpoint string, start time.Time) {
	if qs.metrics != nil {
		qs.metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	}
}

func (qs *QueryService) fail(endpoint string, err error) error {
	if qs.metrics != nil {
		code := errs.CodeOf(err)
		if code == "" {
			code = "internal"
		}
		qs.metrics.QueryErrors.WithLabelValues(endpoint, code).Inc()
	}
	return err
}

package projection

import (
	"CoverLedger/internal/core"
	"CoverLedger/internal/observability"
	"CoverLedger/internal/state"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// ProjectionWorker updates the read-side tables from applied commands.
// The engine feeds it with a NON-BLOCKING send, so it may miss outputs under
// load; every upsert is guarded by last_sequence and a missed record is
// caught up by the next command that touches it, or by a replay.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan core.CoreOutput, metrics *observability.Metrics, logger zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			start := time.Now()
			if err := pw.Apply(ctx, output); err != nil {
				// Projections are eventually consistent; keep going
				pw.logger.Warn().Err(err).
					Str("chain", output.Envelope.Chain).
					Int64("sequence", output.Envelope.Sequence).
					Msg("projection update failed")
				continue
			}
			if pw.metrics != nil {
				pw.metrics.ProjectionUpdateDur.WithLabelValues(output.Envelope.Chain).Observe(time.Since(start).Seconds())
			}
		}
	}
}

// Apply writes one output's records in a single transaction.
func (pw *ProjectionWorker) Apply(ctx context.Context, out core.CoreOutput) error {
	chain := out.Envelope.Chain
	seq := out.Envelope.Sequence

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, cov := range out.Coverages {
		if err := upsertCoverage(ctx, tx, chain, seq, cov); err != nil {
			return fmt.Errorf("coverage %s: %w", cov.ID, err)
		}
	}
	for _, c := range out.Claims {
		if err := upsertClaim(ctx, tx, chain, seq, c); err != nil {
			return fmt.Errorf("claim %s: %w", c.ID, err)
		}
	}
	for _, pos := range out.Positions {
		if err := upsertPosition(ctx, tx, chain, seq, pos); err != nil {
			return fmt.Errorf("position %s: %w", pos.Provider, err)
		}
	}
	for _, provider := range out.ClosedPositions {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM projections.positions
			WHERE chain = $1 AND provider = $2 AND last_sequence < $3
		`, chain, provider, seq); err != nil {
			return fmt.Errorf("close position %s: %w", provider, err)
		}
	}
	if err := upsertPool(ctx, tx, chain, seq, out.Pool); err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	if out.Batch != nil {
		if err := applyBalanceDeltas(ctx, tx, chain, seq, out); err != nil {
			return fmt.Errorf("balances: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (chain, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (chain) DO UPDATE SET last_sequence = $2, updated_at = NOW()
		WHERE projections.watermark.last_sequence < $2
	`, chain, seq); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func upsertCoverage(ctx context.Context, tx *sql.Tx, chain string, seq int64, cov *state.Coverage) error {
	triggers, err := json.Marshal(cov.Triggers)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.coverages
			(chain, coverage_id, holder, coverage_amount, premium_paid, protocol_fee,
			 coverage_type, risk_category, start_time, end_time, status, total_claimed,
			 paid_with_discount, discount_token_amount, claim_count, triggers, version, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (chain, coverage_id) DO UPDATE SET
			status = EXCLUDED.status,
			total_claimed = EXCLUDED.total_claimed,
			claim_count = EXCLUDED.claim_count,
			version = EXCLUDED.version,
			last_sequence = EXCLUDED.last_sequence
		WHERE projections.coverages.last_sequence < EXCLUDED.last_sequence
	`,
		chain, cov.ID, cov.Holder, cov.CoverageAmount, cov.PremiumPaid, cov.ProtocolFee,
		cov.CoverageType.String(), cov.RiskCategory.String(), cov.StartTime, cov.EndTime,
		cov.Status.String(), cov.TotalClaimed, cov.PaidWithDiscountToken, cov.DiscountTokenAmount,
		cov.ClaimCount, string(triggers), cov.Version, seq,
	)
	return err
}

func upsertClaim(ctx context.Context, tx *sql.Tx, chain string, seq int64, c *state.Claim) error {
	var resolved sql.NullTime
	if !c.ResolutionTime.IsZero() {
		resolved = sql.NullTime{Time: c.ResolutionTime, Valid: true}
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.claims
			(chain, claim_id, coverage_id, claimant, amount, claim_type, evidence_reference,
			 status, submission_time, resolution_time, rejection_reason, oracle_source, version, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (chain, claim_id) DO UPDATE SET
			status = EXCLUDED.status,
			resolution_time = EXCLUDED.resolution_time,
			rejection_reason = EXCLUDED.rejection_reason,
			oracle_source = EXCLUDED.oracle_source,
			version = EXCLUDED.version,
			last_sequence = EXCLUDED.last_sequence
		WHERE projections.claims.last_sequence < EXCLUDED.last_sequence
	`,
		chain, c.ID, c.CoverageID, c.Claimant, c.Amount, c.ClaimType.String(), c.EvidenceReference,
		c.Status.String(), c.SubmissionTime, resolved, c.RejectionReason, c.OracleSource, c.Version, seq,
	)
	return err
}

func upsertPosition(ctx context.Context, tx *sql.Tx, chain string, seq int64, pos *state.LiquidityPosition) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.positions
			(chain, provider, shares_owned, contributed_amount, joined_at, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chain, provider) DO UPDATE SET
			shares_owned = EXCLUDED.shares_owned,
			contributed_amount = EXCLUDED.contributed_amount,
			joined_at = EXCLUDED.joined_at,
			last_sequence = EXCLUDED.last_sequence
		WHERE projections.positions.last_sequence < EXCLUDED.last_sequence
	`, chain, pos.Provider, pos.SharesOwned, pos.ContributedAmount, pos.JoinedAt, seq)
	return err
}

func upsertPool(ctx context.Context, tx *sql.Tx, chain string, seq int64, ps state.PoolState) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.pool
			(chain, total_value_locked, total_shares, total_coverage_outstanding, fee_rate_bps, paused,
			 active_coverages, claim_count, paid_claims, total_paid_out, protocol_fees,
			 discount_token_collected, last_sequence, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		ON CONFLICT (chain) DO UPDATE SET
			total_value_locked = EXCLUDED.total_value_locked,
			total_shares = EXCLUDED.total_shares,
			total_coverage_outstanding = EXCLUDED.total_coverage_outstanding,
			fee_rate_bps = EXCLUDED.fee_rate_bps,
			paused = EXCLUDED.paused,
			active_coverages = EXCLUDED.active_coverages,
			claim_count = EXCLUDED.claim_count,
			paid_claims = EXCLUDED.paid_claims,
			total_paid_out = EXCLUDED.total_paid_out,
			protocol_fees = EXCLUDED.protocol_fees,
			discount_token_collected = EXCLUDED.discount_token_collected,
			last_sequence = EXCLUDED.last_sequence,
			updated_at = NOW()
		WHERE projections.pool.last_sequence < EXCLUDED.last_sequence
	`,
		chain, ps.TotalValueLocked, ps.TotalShares, ps.TotalCoverageOutstanding, ps.FeeRateBasisPoints,
		ps.Paused, ps.ActiveCoverages, ps.ClaimCount, ps.PaidClaims, ps.TotalPaidOut, ps.ProtocolFees,
		ps.DiscountTokenCollected, seq,
	)
	return err
}

type balanceKey struct {
	path  string
	asset uint16
}

// applyBalanceDeltas nets the batch per account first so the sequence guard
// can make the whole command's effect idempotent.
func applyBalanceDeltas(ctx context.Context, tx *sql.Tx, chain string, seq int64, out core.CoreOutput) error {
	deltas := make(map[balanceKey]int64)
	for _, j := range out.Batch.Journals {
		asset := uint16(j.AssetID)
		deltas[balanceKey{j.DebitAccount.AccountPath(), asset}] += j.Amount
		deltas[balanceKey{j.CreditAccount.AccountPath(), asset}] -= j.Amount
	}

	keys := make([]balanceKey, 0, len(deltas))
	for k := range deltas {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].path != keys[j].path {
			return keys[i].path < keys[j].path
		}
		return keys[i].asset < keys[j].asset
	})

	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (chain, account_path, asset_id, balance, last_sequence)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (chain, account_path, asset_id) DO UPDATE
				SET balance = projections.balances.balance + EXCLUDED.balance,
				    last_sequence = EXCLUDED.last_sequence
			WHERE projections.balances.last_sequence < EXCLUDED.last_sequence
		`, chain, k.path, k.asset, deltas[k], seq); err != nil {
			return err
		}
	}
	return nil
}

// RebuildBalances recomputes one chain's balance projection from the journal.
func RebuildBalances(ctx context.Context, db *sql.DB, chain string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM projections.balances WHERE chain = $1`, chain); err != nil {
		return fmt.Errorf("clear balances: %w", err)
	}

	// Debits increase a balance, credits decrease it
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (chain, account_path, asset_id, balance, last_sequence)
		SELECT chain, account_path, asset_id, SUM(delta), MAX(sequence)
		FROM (
			SELECT chain, debit_account AS account_path, asset_id, amount AS delta, sequence
			FROM event_log.journal WHERE chain = $1
			UNION ALL
			SELECT chain, credit_account AS account_path, asset_id, -amount AS delta, sequence
			FROM event_log.journal WHERE chain = $1
		) entries
		GROUP BY chain, account_path, asset_id
	`, chain); err != nil {
		return fmt.Errorf("rebuild balances: %w", err)
	}

	return tx.Commit()
}

// ResetChain clears one chain's record projections ahead of a replay that
// re-feeds them.
func ResetChain(ctx context.Context, db *sql.DB, chain string) error {
	for _, table := range []string{
		"projections.coverages",
		"projections.claims",
		"projections.positions",
		"projections.pool",
		"projections.balances",
		"projections.watermark",
	} {
		if _, err := db.ExecContext(ctx, "DELETE FROM "+table+" WHERE chain = $1", chain); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}

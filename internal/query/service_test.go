package query

import (
	"CoverLedger/internal/errs"
	"CoverLedger/internal/testutil"
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const holder = "0x00000000000000000000000000000000000000C1"

var start = time.Unix(1_700_000_000, 0).UTC()

func expectWatermark(mock sqlmock.Sqlmock, chain string, seq int64) {
	mock.ExpectQuery(regexp.QuoteMeta("FROM projections.watermark")).
		WithArgs(chain).
		WillReturnRows(sqlmock.NewRows([]string{"last_sequence"}).AddRow(seq))
}

var coverageColumns = []string{
	"coverage_id", "holder", "coverage_amount", "premium_paid", "protocol_fee",
	"coverage_type", "risk_category", "start_time", "end_time", "status", "total_claimed",
	"paid_with_discount", "discount_token_amount", "claim_count", "triggers", "version",
}

func TestCoveragesByHolder(t *testing.T) {
	db, mock := testutil.NewMockDB(t)
	qs := NewQueryService(db, 0, nil)

	expectWatermark(mock, "evm", 12)
	mock.ExpectQuery(regexp.QuoteMeta("FROM projections.coverages")).
		WithArgs("evm", holder, defaultLimit).
		WillReturnRows(sqlmock.NewRows(coverageColumns).
			AddRow("2", holder, 500_000, 30_000, 1_500, "ClinicalTrialFailure", "Low",
				start, start.AddDate(1, 0, 0), "Active", 0, false, 0, 0, []byte(`{"trial_failure":true}`), 1).
			AddRow("1", holder, 1_000_000, 60_000, 3_000, "ClinicalTrialFailure", "Low",
				start, start.AddDate(1, 0, 0), "Active", 400_000, false, 0, 1, []byte(`{"trial_failure":true}`), 3))

	got, err := qs.CoveragesByHolder(context.Background(), "evm", holder, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "2", got[0].CoverageID)
	assert.Equal(t, int64(600_000), got[1].Remaining)
	assert.Equal(t, int64(12), got[1].AsOfSequence)
	assert.JSONEq(t, `{"trial_failure":true}`, string(got[1].Triggers))
}

func TestCoveragesByHolder_EmptyIsNotNil(t *testing.T) {
	db, mock := testutil.NewMockDB(t)
	qs := NewQueryService(db, 0, nil)

	expectWatermark(mock, "solana", 0)
	mock.ExpectQuery(regexp.QuoteMeta("FROM projections.coverages")).
		WillReturnRows(sqlmock.NewRows(coverageColumns))

	got, err := qs.CoveragesByHolder(context.Background(), "solana", "nobody", 5)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestGetCoverage_NotFoundIsValidation(t *testing.T) {
	db, mock := testutil.NewMockDB(t)
	qs := NewQueryService(db, 0, nil)

	expectWatermark(mock, "evm", 3)
	mock.ExpectQuery(regexp.QuoteMeta("FROM projections.coverages")).
		WithArgs("evm", "99").
		WillReturnRows(sqlmock.NewRows(coverageColumns))

	_, err := qs.GetCoverage(context.Background(), "evm", "99")
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
	assert.Equal(t, "coverage_not_found", errs.CodeOf(err))
}

func TestClaimsByClaimant_ResolutionTime(t *testing.T) {
	db, mock := testutil.NewMockDB(t)
	qs := NewQueryService(db, 0, nil)

	resolved := start.Add(time.Hour)
	expectWatermark(mock, "evm", 8)
	mock.ExpectQuery(regexp.QuoteMeta("FROM projections.claims")).
		WithArgs("evm", holder, 10).
		WillReturnRows(sqlmock.NewRows([]string{
			"claim_id", "coverage_id", "claimant", "amount", "claim_type", "evidence_reference",
			"status", "submission_time", "resolution_time", "rejection_reason", "oracle_source", "version",
		}).
			AddRow("2", "1", holder, 100, "PartialCoverage", "ipfs://b", "Pending", start, nil, "", "", 1).
			AddRow("1", "1", holder, 400_000, "PartialCoverage", "ipfs://a", "Paid", start, resolved, "", "clinicaltrials.gov", 2))

	got, err := qs.ClaimsByClaimant(context.Background(), "evm", holder, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Nil(t, got[0].ResolutionTime)
	require.NotNil(t, got[1].ResolutionTime)
	assert.True(t, resolved.Equal(*got[1].ResolutionTime))
}

func TestPool_CachedBetweenCalls(t *testing.T) {
	db, mock := testutil.NewMockDB(t)
	qs := NewQueryService(db, time.Minute, nil)

	mock.ExpectQuery(regexp.QuoteMeta("FROM projections.pool")).
		WithArgs("evm").
		WillReturnRows(sqlmock.NewRows([]string{
			"total_value_locked", "total_shares", "total_coverage_outstanding", "fee_rate_bps", "paused",
			"active_coverages", "claim_count", "paid_claims", "total_paid_out", "protocol_fees",
			"discount_token_collected", "last_sequence",
		}).AddRow(2_000_000, 2_000_000, 500_000, 500, false, 1, 0, 0, 0, 0, 0, 17))

	first, err := qs.Pool(context.Background(), "evm")
	require.NoError(t, err)
	assert.Equal(t, int64(2_500), first.UtilizationBps)
	assert.Equal(t, int64(17), first.AsOfSequence)

	// Served from cache: no second query is expected
	second, err := qs.Pool(context.Background(), "evm")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPool_EmptyDeployment(t *testing.T) {
	db, mock := testutil.NewMockDB(t)
	qs := NewQueryService(db, 0, nil)

	mock.ExpectQuery(regexp.QuoteMeta("FROM projections.pool")).
		WithArgs("solana").
		WillReturnRows(sqlmock.NewRows([]string{"total_value_locked"}))

	p, err := qs.Pool(context.Background(), "solana")
	require.NoError(t, err)
	assert.Equal(t, "solana", p.Chain)
	assert.Zero(t, p.TotalValueLocked)
	assert.Zero(t, p.UtilizationBps)
}

func TestJournalHistory_Paging(t *testing.T) {
	db, mock := testutil.NewMockDB(t)
	qs := NewQueryService(db, 0, nil)

	before := int64(50)
	mock.ExpectQuery(regexp.QuoteMeta("AND sequence < $3 ORDER BY sequence DESC LIMIT $4")).
		WithArgs("evm", "system:pool_reserve:BASE", before, 2).
		WillReturnRows(sqlmock.NewRows([]string{
			"journal_id", "batch_id", "event_ref", "sequence", "debit_account", "credit_account",
			"asset_id", "amount", "journal_type", "timestamp",
		}).AddRow("j1", "b1", "k1", 49, "system:pool_reserve:BASE", "external:x:wallet:BASE", 1, 100, "LiquidityDeposit", 0))

	got, err := qs.JournalHistory(context.Background(), "evm", "system:pool_reserve:BASE", 2, &before)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(49), got[0].Sequence)
}

func TestVerifyIntegrity(t *testing.T) {
	db, mock := testutil.NewMockDB(t)
	qs := NewQueryService(db, 0, nil)

	mock.ExpectQuery(regexp.QuoteMeta("FROM event_log.events e1")).
		WithArgs("evm").
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}).AddRow(7))
	mock.ExpectQuery(regexp.QuoteMeta("FROM projections.balances")).
		WithArgs("evm").
		WillReturnRows(sqlmock.NewRows([]string{"asset_id", "total"}))

	report, err := qs.VerifyIntegrity(context.Background(), "evm")
	require.NoError(t, err)
	assert.False(t, report.IsHealthy)
	assert.Equal(t, []int64{7}, report.HashChainBreaks)
	assert.Empty(t, report.UnbalancedAssets)
}

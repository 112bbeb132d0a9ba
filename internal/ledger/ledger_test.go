package ledger_test

import (
	"CoverLedger/internal/ledger"
	"testing"
	"time"

	"github.com/google/uuid"
)

const holder = "0x00000000000000000000000000000000000000A1"

var ts = time.Unix(1_700_000_000, 0).UTC()

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_SystemPath(t *testing.T) {
	path := ledger.PoolReserve().AccountPath()
	if path != "system:pool_reserve:BASE" {
		t.Errorf("got %q, want %q", path, "system:pool_reserve:BASE")
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.NewExternalAccountKey(holder, ledger.AssetDiscount)

	path := key.AccountPath()
	expected := "external:" + holder + ":wallet:DISCOUNT"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestParseAccountPath_RoundTrip(t *testing.T) {
	keys := []ledger.AccountKey{
		ledger.PoolReserve(),
		ledger.ProtocolFees(),
		ledger.DiscountReserve(),
		ledger.NewExternalAccountKey(holder, ledger.AssetBase),
		ledger.NewExternalAccountKey("9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin", ledger.AssetBase),
	}
	for _, key := range keys {
		parsed, err := ledger.ParseAccountPath(key.AccountPath())
		if err != nil {
			t.Fatalf("parse %s: %v", key.AccountPath(), err)
		}
		if parsed != key {
			t.Errorf("got %+v, want %+v", parsed, key)
		}
	}
}

func TestParseAccountPath_Rejects(t *testing.T) {
	for _, path := range []string{"", "system:pool_reserve", "user:x:collateral:USDT", "external::wallet:BASE", "system:pool_reserve:DOGE"} {
		if _, err := ledger.ParseAccountPath(path); err == nil {
			t.Errorf("%q should not parse", path)
		}
	}
}

func TestGetAssetID_Unknown(t *testing.T) {
	_, ok := ledger.GetAssetID("DOGE")
	if ok {
		t.Error("DOGE should not be a known asset")
	}
}

// ============================================================================
// Test: Batch
// ============================================================================

func TestBatch_ValidateRejectsNonPositive(t *testing.T) {
	batchID := uuid.New()
	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  ledger.PoolReserve(),
			CreditAccount: ledger.NewExternalAccountKey(holder, ledger.AssetBase),
			AssetID:       ledger.AssetBase,
			Amount:        0,
		}},
	}
	if err := batch.Validate(); err == nil {
		t.Error("zero amount should fail validation")
	}
}

func TestBatch_ValidateRejectsMixedAssets(t *testing.T) {
	batchID := uuid.New()
	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{{
			JournalID:     uuid.New(),
			BatchID:       batchID,
			DebitAccount:  ledger.DiscountReserve(),
			CreditAccount: ledger.NewExternalAccountKey(holder, ledger.AssetBase),
			AssetID:       ledger.AssetDiscount,
			Amount:        10,
		}},
	}
	if err := batch.Validate(); err == nil {
		t.Error("mixed assets should fail validation")
	}
}

func TestBatch_EmptyIsValid(t *testing.T) {
	batch := &ledger.Batch{BatchID: uuid.New()}
	if err := batch.Validate(); err != nil {
		t.Errorf("empty batch: %v", err)
	}
	if !batch.IsEmpty() {
		t.Error("batch should report empty")
	}
}

// ============================================================================
// Test: JournalGenerator + BalanceTracker
// ============================================================================

func TestGenerator_PremiumSplitsFee(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(bt)

	batch := jg.NewBatch(1, "create-1", ts)
	jg.GeneratePremium(batch, holder, 57_000, 3_000)
	if len(batch.Journals) != 2 {
		t.Fatalf("got %d journals, want 2", len(batch.Journals))
	}
	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if got := bt.GetPoolReserve(); got != 57_000 {
		t.Errorf("pool reserve got %d, want 57000", got)
	}
	if got := bt.GetBalance(ledger.ProtocolFees()); got != 3_000 {
		t.Errorf("fees got %d, want 3000", got)
	}
	if got := bt.GetNetContribution(holder, ledger.AssetBase); got != 60_000 {
		t.Errorf("net contribution got %d, want 60000", got)
	}
	if batch.Journals[0].Timestamp != ts.UnixMicro() {
		t.Errorf("timestamp got %d, want %d", batch.Journals[0].Timestamp, ts.UnixMicro())
	}
}

func TestGenerator_ZeroFeeOmitsEntry(t *testing.T) {
	jg := ledger.NewJournalGenerator(ledger.NewBalanceTracker())
	batch := jg.NewBatch(1, "create-1", ts)
	jg.GeneratePremium(batch, holder, 60_000, 0)
	if len(batch.Journals) != 1 {
		t.Errorf("got %d journals, want 1", len(batch.Journals))
	}
}

func TestGenerator_PayoutPreCheck(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(bt)

	deposit := jg.NewBatch(1, "add-1", ts)
	jg.GenerateLiquidityDeposit(deposit, "provider", 10_000)
	_ = bt.ApplyBatch(deposit)

	payout := jg.NewBatch(2, "resolve-1", ts)
	if err := jg.GenerateClaimPayout(payout, holder, 6_000); err != nil {
		t.Fatalf("first payout: %v", err)
	}
	// Second leg in the same batch sees the first one
	if err := jg.GenerateClaimPayout(payout, holder, 6_000); err == nil {
		t.Error("second payout should exceed reserve")
	}
}

func TestValidator_ZeroSumAndReserve(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(bt)
	v := ledger.NewInvariantValidator(bt)

	b := jg.NewBatch(1, "mix", ts)
	jg.GenerateLiquidityDeposit(b, "provider", 100_000)
	jg.GeneratePremium(b, holder, 9_000, 1_000)
	jg.GenerateDiscountPremium(b, holder, 5_000)
	_ = bt.ApplyBatch(b)

	payout := jg.NewBatch(2, "payout", ts)
	if err := jg.GenerateClaimPayout(payout, holder, 50_000); err != nil {
		t.Fatalf("payout: %v", err)
	}
	_ = bt.ApplyBatch(payout)

	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("global balance: %v", err)
	}
	if err := v.ValidateSystemNonNegative(); err != nil {
		t.Errorf("system accounts: %v", err)
	}
	if err := v.ValidatePoolReserve(59_000); err != nil {
		t.Errorf("reserve: %v", err)
	}
	if err := v.ValidatePoolReserve(60_000); err == nil {
		t.Error("mismatched TVL should fail")
	}
}

func TestBalanceTracker_Snapshot(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bt.SetBalance(ledger.PoolReserve(), 42)

	snap := bt.Snapshot()
	bt.SetBalance(ledger.PoolReserve(), 7)
	if snap[ledger.PoolReserve()] != 42 {
		t.Errorf("snapshot got %d, want 42", snap[ledger.PoolReserve()])
	}
}

package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JournalGenerator appends balanced journal entries for engine commands.
// One command produces one batch; each fund movement adds an entry to it.
type JournalGenerator struct {
	balanceTracker *BalanceTracker // For pre-checks on outflows
}

func NewJournalGenerator(tracker *BalanceTracker) *JournalGenerator {
	return &JournalGenerator{
		balanceTracker: tracker,
	}
}

// NewBatch opens an empty batch for the command at sequence.
func (jg *JournalGenerator) NewBatch(sequence int64, eventRef string, ts time.Time) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Sequence:  sequence,
		Timestamp: ts.UnixMicro(),
		Journals:  make([]Journal, 0, 2),
	}
}

func (jg *JournalGenerator) appendEntry(batch *Batch, debit, credit AccountKey, amount int64, jt JournalType) {
	batch.Journals = append(batch.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       batch.BatchID,
		EventRef:      batch.EventRef,
		Sequence:      batch.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       debit.AssetID,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     batch.Timestamp,
	})
}

// pendingOutflow sums what the batch already moves out of key.
func pendingOutflow(batch *Batch, key AccountKey) int64 {
	var out int64
	for _, j := range batch.Journals {
		if j.CreditAccount == key {
			out += j.Amount
		}
		if j.DebitAccount == key {
			out -= j.Amount
		}
	}
	return out
}

// GeneratePremium books a base-asset premium.
// Moves funds: external:holder → system:pool_reserve (net) and system:protocol_fees (fee)
func (jg *JournalGenerator) GeneratePremium(batch *Batch, holder string, net, fee int64) {
	wallet := NewExternalAccountKey(holder, AssetBase)
	if net > 0 {
		jg.appendEntry(batch, PoolReserve(), wallet, net, JournalTypePremiumPayment)
	}
	if fee > 0 {
		jg.appendEntry(batch, ProtocolFees(), wallet, fee, JournalTypeProtocolFee)
	}
}

// GenerateDiscountPremium books a premium paid in the discount token.
// Moves funds: external:holder → system:discount_reserve
func (jg *JournalGenerator) GenerateDiscountPremium(batch *Batch, holder string, amount int64) {
	jg.appendEntry(batch, DiscountReserve(), NewExternalAccountKey(holder, AssetDiscount), amount, JournalTypeDiscountPremium)
}

// GenerateLiquidityDeposit moves funds: external:provider → system:pool_reserve
func (jg *JournalGenerator) GenerateLiquidityDeposit(batch *Batch, provider string, amount int64) {
	jg.appendEntry(batch, PoolReserve(), NewExternalAccountKey(provider, AssetBase), amount, JournalTypeLiquidityDeposit)
}

// GenerateLiquidityWithdrawal moves funds: system:pool_reserve → external:provider
// Pre-check: the reserve must cover the withdrawal.
func (jg *JournalGenerator) GenerateLiquidityWithdrawal(batch *Batch, provider string, amount int64) error {
	return jg.generateOutflow(batch, provider, amount, JournalTypeLiquidityWithdrawal)
}

// GenerateClaimPayout moves funds: system:pool_reserve → external:claimant
// Pre-check: the reserve must cover the payout.
func (jg *JournalGenerator) GenerateClaimPayout(batch *Batch, claimant string, amount int64) error {
	return jg.generateOutflow(batch, claimant, amount, JournalTypeClaimPayout)
}

// GeneratePremiumRefund moves funds: system:pool_reserve → external:holder
func (jg *JournalGenerator) GeneratePremiumRefund(batch *Batch, holder string, amount int64) error {
	return jg.generateOutflow(batch, holder, amount, JournalTypePremiumRefund)
}

func (jg *JournalGenerator) generateOutflow(batch *Batch, to string, amount int64, jt JournalType) error {
	reserve := PoolReserve()
	required := amount + pendingOutflow(batch, reserve)
	if err := jg.balanceTracker.ValidateSufficient(reserve, required); err != nil {
		return fmt.Errorf("%s pre-check failed: %w", jt, err)
	}
	jg.appendEntry(batch, NewExternalAccountKey(to, AssetBase), reserve, amount, jt)
	return nil
}

package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateSystemNonNegative checks every protocol account is >= 0
func (v *InvariantValidator) ValidateSystemNonNegative() error {
	for _, key := range []AccountKey{PoolReserve(), ProtocolFees(), DiscountReserve()} {
		if err := v.tracker.ValidateNonNegative(key); err != nil {
			return err
		}
	}
	return nil
}

// ValidatePoolReserve checks the reserve account matches the pool's TVL
func (v *InvariantValidator) ValidatePoolReserve(tvl int64) error {
	reserve := v.tracker.GetPoolReserve()
	if reserve != tvl {
		return fmt.Errorf("pool reserve %d does not match TVL %d", reserve, tvl)
	}
	return nil
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %d", assetName, total)
		}
	}

	return nil
}

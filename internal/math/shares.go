package math

import "fmt"

// SharesForDeposit returns the shares minted for depositing amount into a pool
// holding tvl with totalShares outstanding. Both inputs are pre-deposit values.
// The first deposit mints 1:1.
func SharesForDeposit(amount, tvl, totalShares int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("deposit amount must be positive, got %d", amount)
	}
	if totalShares == 0 {
		return amount, nil
	}
	if tvl <= 0 {
		return 0, fmt.Errorf("pool has %d shares but no value", totalShares)
	}
	return MulDiv(amount, totalShares, tvl)
}

// AmountForShares returns the value redeemed by burning shares, using pre-burn totals.
func AmountForShares(shares, tvl, totalShares int64) (int64, error) {
	if shares <= 0 {
		return 0, fmt.Errorf("shares must be positive, got %d", shares)
	}
	if shares > totalShares {
		return 0, fmt.Errorf("shares %d exceed total %d", shares, totalShares)
	}
	return MulDiv(shares, tvl, totalShares)
}

// RequiredReserve is the minimum TVL that must remain after a withdrawal.
func RequiredReserve(outstanding, reserveRatioBps int64) (int64, error) {
	if outstanding <= 0 || reserveRatioBps <= 0 {
		return 0, nil
	}
	return MulDivRound(outstanding, reserveRatioBps, BasisPoints, RoundUp)
}

// ProRata returns amount * remaining / total, clamped to [0, amount].
func ProRata(amount, remaining, total int64) (int64, error) {
	if total <= 0 {
		return 0, fmt.Errorf("pro-rata over non-positive total %d", total)
	}
	if remaining <= 0 || amount <= 0 {
		return 0, nil
	}
	if remaining > total {
		remaining = total
	}
	return MulDiv(amount, remaining, total)
}

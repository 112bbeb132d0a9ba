package state

import (
	"CoverLedger/internal/errs"
	fpmath "CoverLedger/internal/math"
	"fmt"
	"sort"
	"time"
)

// LiquidityPool owns pooled capital and provider shares. It is the only source
// of payout funds and the only sink for premiums on a deployment.
//
// Share math always uses pre-mutation totals: deposits are priced against the
// TVL before the deposit is credited, withdrawals against the TVL before the
// shares are burned.
type LiquidityPool struct {
	state           PoolState
	reserveRatioBps int64
	positions       map[string]*LiquidityPosition
}

func NewLiquidityPool(feeRateBps, reserveRatioBps int64) *LiquidityPool {
	return &LiquidityPool{
		state:           PoolState{FeeRateBasisPoints: feeRateBps},
		reserveRatioBps: reserveRatioBps,
		positions:       make(map[string]*LiquidityPosition),
	}
}

// State returns a copy of the pool singleton.
func (p *LiquidityPool) State() PoolState {
	return p.state
}

// RequiredReserve is the TVL that must stay behind to back outstanding coverage.
func (p *LiquidityPool) RequiredReserve() (int64, error) {
	required, err := fpmath.RequiredReserve(p.state.TotalCoverageOutstanding, p.reserveRatioBps)
	if err != nil {
		return 0, errs.Wrap(errs.KindValidation, "arithmetic_overflow", err)
	}
	return required, nil
}

// Position returns a copy of a provider's position.
func (p *LiquidityPool) Position(provider string) (*LiquidityPosition, bool) {
	pos, ok := p.positions[provider]
	if !ok {
		return nil, false
	}
	return pos.Clone(), true
}

// Positions returns copies of all positions ordered by provider.
func (p *LiquidityPool) Positions() []*LiquidityPosition {
	out := make([]*LiquidityPosition, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos.Clone())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Provider < out[k].Provider })
	return out
}

// QuoteDeposit prices a deposit without changing anything.
func (p *LiquidityPool) QuoteDeposit(amount int64) (int64, error) {
	if amount <= 0 {
		return 0, errs.Validation("invalid_amount", "deposit amount must be positive, got %d", amount)
	}
	if p.state.TotalShares > 0 && p.state.TotalValueLocked <= 0 {
		return 0, errs.StateConflict("pool_insolvent",
			"pool has %d shares outstanding and no value", p.state.TotalShares)
	}
	if _, err := checkedAdd("total_value_locked", p.state.TotalValueLocked, amount); err != nil {
		return 0, err
	}
	shares, err := fpmath.SharesForDeposit(amount, p.state.TotalValueLocked, p.state.TotalShares)
	if err != nil {
		return 0, errs.Wrap(errs.KindValidation, "arithmetic_overflow", err)
	}
	if shares == 0 {
		return 0, errs.Validation("deposit_too_small", "deposit of %d mints zero shares", amount)
	}
	if _, err := checkedAdd("total_shares", p.state.TotalShares, shares); err != nil {
		return 0, err
	}
	return shares, nil
}

// checkedAdd adds to a pool total, failing with arithmetic_overflow instead
// of wrapping negative.
func checkedAdd(field string, total, amount int64) (int64, error) {
	sum, err := fpmath.Add(total, amount)
	if err != nil {
		return 0, errs.Validation("arithmetic_overflow", "%s: %v", field, err)
	}
	return sum, nil
}

// Deposit credits amount to TVL and mints shares to provider.
func (p *LiquidityPool) Deposit(j *Journal, provider string, amount int64, now time.Time) (int64, error) {
	shares, err := p.QuoteDeposit(amount)
	if err != nil {
		return 0, err
	}
	contributed := int64(0)
	if pos, ok := p.positions[provider]; ok {
		contributed = pos.ContributedAmount
	}
	if contributed, err = checkedAdd("contributed_amount", contributed, amount); err != nil {
		return 0, err
	}

	prevState := p.state
	prevPos, existed := p.positions[provider]
	var saved LiquidityPosition
	if existed {
		saved = *prevPos
	}

	pos := prevPos
	if !existed {
		pos = &LiquidityPosition{Provider: provider, JoinedAt: now}
		p.positions[provider] = pos
	}
	pos.SharesOwned += shares
	pos.ContributedAmount = contributed
	p.state.TotalValueLocked += amount
	p.state.TotalShares += shares

	j.Append(func() {
		p.state = prevState
		if existed {
			*prevPos = saved
		} else {
			delete(p.positions, provider)
		}
	})
	return shares, nil
}

// QuoteWithdrawal prices burning shares and applies the reserve requirement.
func (p *LiquidityPool) QuoteWithdrawal(provider string, shares int64) (int64, error) {
	if shares <= 0 {
		return 0, errs.Validation("invalid_shares", "shares must be positive, got %d", shares)
	}
	pos, ok := p.positions[provider]
	if !ok || pos.SharesOwned < shares {
		owned := int64(0)
		if ok {
			owned = pos.SharesOwned
		}
		return 0, errs.Validation("insufficient_shares",
			"provider %s owns %d shares, cannot burn %d", provider, owned, shares)
	}

	amount, err := fpmath.AmountForShares(shares, p.state.TotalValueLocked, p.state.TotalShares)
	if err != nil {
		return 0, errs.Wrap(errs.KindValidation, "arithmetic_overflow", err)
	}
	if amount == 0 {
		return 0, errs.Validation("withdrawal_too_small", "burning %d shares redeems nothing", shares)
	}

	required, err := p.RequiredReserve()
	if err != nil {
		return 0, err
	}
	if p.state.TotalValueLocked-amount < required {
		return 0, errs.InsufficientFunds("reserve_requirement",
			"withdrawing %d leaves %d, reserve requires %d", amount, p.state.TotalValueLocked-amount, required)
	}
	return amount, nil
}

// Withdraw burns shares and debits their value from TVL.
func (p *LiquidityPool) Withdraw(j *Journal, provider string, shares int64) (int64, error) {
	amount, err := p.QuoteWithdrawal(provider, shares)
	if err != nil {
		return 0, err
	}

	prevState := p.state
	pos := p.positions[provider]
	saved := *pos

	pos.SharesOwned -= shares
	pos.ContributedAmount -= amount
	if pos.ContributedAmount < 0 {
		pos.ContributedAmount = 0
	}
	if pos.SharesOwned == 0 {
		delete(p.positions, provider)
	}
	p.state.TotalValueLocked -= amount
	p.state.TotalShares -= shares

	j.Append(func() {
		p.state = prevState
		*pos = saved
		p.positions[provider] = pos
	})
	return amount, nil
}

// CreditPremium books a base-asset premium: fee to protocol fees, the rest to TVL.
func (p *LiquidityPool) CreditPremium(j *Journal, premium, fee int64) error {
	if fee < 0 || fee > premium {
		return errs.Validation("invalid_amount", "fee %d outside premium %d", fee, premium)
	}
	tvl, err := checkedAdd("total_value_locked", p.state.TotalValueLocked, premium-fee)
	if err != nil {
		return err
	}
	fees, err := checkedAdd("protocol_fees", p.state.ProtocolFees, fee)
	if err != nil {
		return err
	}

	prev := p.state
	p.state.TotalValueLocked = tvl
	p.state.ProtocolFees = fees
	j.Append(func() { p.state = prev })
	return nil
}

// CreditDiscountPremium books a discount-token premium. It does not back payouts.
func (p *LiquidityPool) CreditDiscountPremium(j *Journal, amount int64) error {
	collected, err := checkedAdd("discount_token_collected", p.state.DiscountTokenCollected, amount)
	if err != nil {
		return err
	}
	prev := p.state
	p.state.DiscountTokenCollected = collected
	j.Append(func() { p.state = prev })
	return nil
}

// DebitPayout takes a claim payout out of TVL. It fails rather than underflow.
func (p *LiquidityPool) DebitPayout(j *Journal, amount int64) error {
	if amount <= 0 {
		return errs.Validation("invalid_amount", "payout must be positive, got %d", amount)
	}
	if p.state.TotalValueLocked < amount {
		return errs.InsufficientFunds("pool_insufficient",
			"pool holds %d, payout needs %d", p.state.TotalValueLocked, amount)
	}
	prev := p.state
	p.state.TotalValueLocked -= amount
	p.state.TotalPaidOut += amount
	p.state.PaidClaims++
	j.Append(func() { p.state = prev })
	return nil
}

// DebitRefund takes a cancellation refund out of TVL.
func (p *LiquidityPool) DebitRefund(j *Journal, amount int64) error {
	if amount == 0 {
		return nil
	}
	if amount < 0 {
		return errs.Validation("invalid_amount", "refund must not be negative, got %d", amount)
	}
	if p.state.TotalValueLocked < amount {
		return errs.InsufficientFunds("pool_insufficient",
			"pool holds %d, refund needs %d", p.state.TotalValueLocked, amount)
	}
	prev := p.state
	p.state.TotalValueLocked -= amount
	j.Append(func() { p.state = prev })
	return nil
}

// OpenCoverage adds a new coverage's amount to outstanding liability.
func (p *LiquidityPool) OpenCoverage(j *Journal, amount int64) error {
	outstanding, err := checkedAdd("total_coverage_outstanding", p.state.TotalCoverageOutstanding, amount)
	if err != nil {
		return err
	}
	prev := p.state
	p.state.TotalCoverageOutstanding = outstanding
	p.state.ActiveCoverages++
	j.Append(func() { p.state = prev })
	return nil
}

// ReduceOutstanding lowers outstanding liability by a paid amount.
func (p *LiquidityPool) ReduceOutstanding(j *Journal, amount int64) {
	prev := p.state
	p.state.TotalCoverageOutstanding -= amount
	j.Append(func() { p.state = prev })
}

// CloseCoverage releases a coverage's remaining liability when it leaves Active.
func (p *LiquidityPool) CloseCoverage(j *Journal, remaining int64) {
	prev := p.state
	p.state.TotalCoverageOutstanding -= remaining
	p.state.ActiveCoverages--
	j.Append(func() { p.state = prev })
}

// NoteClaimSubmitted bumps the claim counter.
func (p *LiquidityPool) NoteClaimSubmitted(j *Journal) {
	prev := p.state
	p.state.ClaimCount++
	j.Append(func() { p.state = prev })
}

func (p *LiquidityPool) SetPaused(j *Journal, paused bool) {
	prev := p.state
	p.state.Paused = paused
	j.Append(func() { p.state = prev })
}

// CheckInvariants verifies the pool's accounting identities.
func (p *LiquidityPool) CheckInvariants() error {
	var sum int64
	for provider, pos := range p.positions {
		if pos.SharesOwned <= 0 {
			return fmt.Errorf("position %s holds %d shares", provider, pos.SharesOwned)
		}
		sum += pos.SharesOwned
	}
	if sum != p.state.TotalShares {
		return fmt.Errorf("positions hold %d shares, pool reports %d", sum, p.state.TotalShares)
	}
	if p.state.TotalValueLocked < 0 {
		return fmt.Errorf("negative TVL %d", p.state.TotalValueLocked)
	}
	if p.state.TotalCoverageOutstanding < 0 {
		return fmt.Errorf("negative outstanding %d", p.state.TotalCoverageOutstanding)
	}
	if p.state.ActiveCoverages < 0 {
		return fmt.Errorf("negative active coverage count %d", p.state.ActiveCoverages)
	}
	return nil
}

// Restore loads pool state from a snapshot without journaling.
func (p *LiquidityPool) Restore(ps PoolState, positions []*LiquidityPosition) {
	p.state = ps
	p.positions = make(map[string]*LiquidityPosition, len(positions))
	for _, pos := range positions {
		p.positions[pos.Provider] = pos.Clone()
	}
}

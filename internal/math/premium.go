package math

import (
	"CoverLedger/internal/errs"
	"CoverLedger/internal/event"
	"time"
)

// Year is the pro-rating denominator for coverage periods.
const Year = 365 * 24 * time.Hour

// PremiumParams holds the platform bounds and rate tables used for pricing.
type PremiumParams struct {
	MinCoverage int64
	MaxCoverage int64
	MinPeriod   time.Duration
	MaxPeriod   time.Duration

	TypeMultiplierBps map[event.CoverageType]int64
	RiskScaleBps      map[event.RiskCategory]int64
}

// DefaultPremiumParams returns the production rate tables.
func DefaultPremiumParams() PremiumParams {
	return PremiumParams{
		MinCoverage: 10_000,
		MaxCoverage: 1_000_000_000_000,
		MinPeriod:   30 * 24 * time.Hour,
		MaxPeriod:   3 * Year,
		TypeMultiplierBps: map[event.CoverageType]int64{
			event.CoverageTypeClinicalTrialFailure:   1200,
			event.CoverageTypeRegulatoryRejection:    800,
			event.CoverageTypeIPInvalidation:         500,
			event.CoverageTypeResearchInfrastructure: 300,
			event.CoverageTypeCustom:                 1000,
		},
		RiskScaleBps: map[event.RiskCategory]int64{
			event.RiskLow:      10_000,
			event.RiskMedium:   12_500,
			event.RiskHigh:     15_000,
			event.RiskVeryHigh: 20_000,
		},
	}
}

// ValidateBounds checks amount and period against the platform limits.
func (p PremiumParams) ValidateBounds(amount int64, period time.Duration) error {
	if amount < p.MinCoverage || amount > p.MaxCoverage {
		return errs.Validation("amount_out_of_range",
			"coverage amount %d outside [%d, %d]", amount, p.MinCoverage, p.MaxCoverage)
	}
	if period < p.MinPeriod || period > p.MaxPeriod {
		return errs.Validation("period_out_of_range",
			"coverage period %s outside [%s, %s]", period, p.MinPeriod, p.MaxPeriod)
	}
	return nil
}

// RiskMultiplierBps combines the type base rate with the category scale.
func (p PremiumParams) RiskMultiplierBps(t event.CoverageType, r event.RiskCategory) (int64, error) {
	base, ok := p.TypeMultiplierBps[t]
	if !ok {
		return 0, errs.Validation("unknown_coverage_type", "unknown coverage type %d", t)
	}
	scale, ok := p.RiskScaleBps[r]
	if !ok {
		return 0, errs.Validation("unknown_risk_category", "unknown risk category %d", r)
	}
	return MulDiv(base, scale, BasisPoints)
}

// CalculatePremium prices a coverage:
//
//	premium = amount * riskMultiplier / 10000 * periodSeconds / yearSeconds
//
// and halves the result when paid with the discount token. Pure.
func CalculatePremium(
	p PremiumParams,
	amount int64,
	period time.Duration,
	coverageType event.CoverageType,
	risk event.RiskCategory,
	payWithDiscount bool,
) (int64, error) {
	if err := p.ValidateBounds(amount, period); err != nil {
		return 0, err
	}

	multiplier, err := p.RiskMultiplierBps(coverageType, risk)
	if err != nil {
		return 0, err
	}

	annual, err := MulDiv(amount, multiplier, BasisPoints)
	if err != nil {
		return 0, errs.Wrap(errs.KindValidation, "premium_overflow", err)
	}

	// Whole seconds keep the result independent of sub-second request jitter.
	periodSecs := int64(period / time.Second)
	premium, err := MulDiv(annual, periodSecs, int64(Year/time.Second))
	if err != nil {
		return 0, errs.Wrap(errs.KindValidation, "premium_overflow", err)
	}

	if payWithDiscount {
		premium /= 2
	}

	if premium <= 0 {
		return 0, errs.Validation("premium_zero", "premium for amount %d over %s rounds to zero", amount, period)
	}
	return premium, nil
}

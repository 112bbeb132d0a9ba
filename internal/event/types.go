package event

import (
	"fmt"
	"strings"
	"time"
)

// CoverageType selects the base risk multiplier.
type CoverageType int32

const (
	CoverageTypeClinicalTrialFailure CoverageType = iota
	CoverageTypeRegulatoryRejection
	CoverageTypeIPInvalidation
	CoverageTypeResearchInfrastructure
	CoverageTypeCustom
)

func (t CoverageType) String() string {
	switch t {
	case CoverageTypeClinicalTrialFailure:
		return "ClinicalTrialFailure"
	case CoverageTypeRegulatoryRejection:
		return "RegulatoryRejection"
	case CoverageTypeIPInvalidation:
		return "IpInvalidation"
	case CoverageTypeResearchInfrastructure:
		return "ResearchInfrastructure"
	case CoverageTypeCustom:
		return "Custom"
	default:
		return "Unknown"
	}
}

func (t CoverageType) Valid() bool {
	return t >= CoverageTypeClinicalTrialFailure && t <= CoverageTypeCustom
}

// ParseCoverageType accepts the names produced by String.
func ParseCoverageType(s string) (CoverageType, error) {
	for t := CoverageTypeClinicalTrialFailure; t <= CoverageTypeCustom; t++ {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown coverage type %q", s)
}

// RiskCategory scales the type multiplier; higher is riskier.
type RiskCategory int32

const (
	RiskLow RiskCategory = iota
	RiskMedium
	RiskHigh
	RiskVeryHigh
)

func (r RiskCategory) String() string {
	switch r {
	case RiskLow:
		return "Low"
	case RiskMedium:
		return "Medium"
	case RiskHigh:
		return "High"
	case RiskVeryHigh:
		return "VeryHigh"
	default:
		return "Unknown"
	}
}

func (r RiskCategory) Valid() bool {
	return r >= RiskLow && r <= RiskVeryHigh
}

func ParseRiskCategory(s string) (RiskCategory, error) {
	for r := RiskLow; r <= RiskVeryHigh; r++ {
		if strings.EqualFold(s, r.String()) {
			return r, nil
		}
	}
	return 0, fmt.Errorf("unknown risk category %q", s)
}

// ClaimType distinguishes a claim for the whole remaining amount from a partial one.
type ClaimType int32

const (
	ClaimTypeFullCoverage ClaimType = iota
	ClaimTypePartialCoverage
)

func (c ClaimType) String() string {
	switch c {
	case ClaimTypeFullCoverage:
		return "FullCoverage"
	case ClaimTypePartialCoverage:
		return "PartialCoverage"
	default:
		return "Unknown"
	}
}

func (c ClaimType) Valid() bool {
	return c == ClaimTypeFullCoverage || c == ClaimTypePartialCoverage
}

func ParseClaimType(s string) (ClaimType, error) {
	switch strings.ToLower(s) {
	case "fullcoverage", "full":
		return ClaimTypeFullCoverage, nil
	case "partialcoverage", "partial":
		return ClaimTypePartialCoverage, nil
	}
	return 0, fmt.Errorf("unknown claim type %q", s)
}

// Operator is the comparison applied by a custom trigger condition.
type Operator int32

const (
	OpGreaterThan Operator = iota
	OpLessThan
	OpEqual
	OpNotEqual
)

func (o Operator) String() string {
	switch o {
	case OpGreaterThan:
		return "GreaterThan"
	case OpLessThan:
		return "LessThan"
	case OpEqual:
		return "Equal"
	case OpNotEqual:
		return "NotEqual"
	default:
		return "Unknown"
	}
}

func (o Operator) Valid() bool {
	return o >= OpGreaterThan && o <= OpNotEqual
}

// Compare applies the operator as "observed <op> threshold".
func (o Operator) Compare(observed, threshold int64) bool {
	switch o {
	case OpGreaterThan:
		return observed > threshold
	case OpLessThan:
		return observed < threshold
	case OpEqual:
		return observed == threshold
	case OpNotEqual:
		return observed != threshold
	}
	return false
}

func ParseOperator(s string) (Operator, error) {
	switch strings.ToLower(s) {
	case "greaterthan", "gt", ">":
		return OpGreaterThan, nil
	case "lessthan", "lt", "<":
		return OpLessThan, nil
	case "equal", "eq", "==":
		return OpEqual, nil
	case "notequal", "ne", "!=":
		return OpNotEqual, nil
	}
	return 0, fmt.Errorf("unknown operator %q", s)
}

// ConditionKind tags what quantity a custom condition measures.
// Only the kinds below are accepted.
type ConditionKind string

const (
	ConditionEnrollmentCount  ConditionKind = "ENROLLMENT_COUNT"
	ConditionEfficacyBps      ConditionKind = "EFFICACY_BPS"
	ConditionPValueBps        ConditionKind = "P_VALUE_BPS"
	ConditionAdverseEvents    ConditionKind = "ADVERSE_EVENTS"
	ConditionDaysDelayed      ConditionKind = "DAYS_DELAYED"
	ConditionFundingShortfall ConditionKind = "FUNDING_SHORTFALL"
)

var knownConditionKinds = map[ConditionKind]bool{
	ConditionEnrollmentCount:  true,
	ConditionEfficacyBps:      true,
	ConditionPValueBps:        true,
	ConditionAdverseEvents:    true,
	ConditionDaysDelayed:      true,
	ConditionFundingShortfall: true,
}

func (k ConditionKind) Valid() bool {
	return knownConditionKinds[k]
}

// MaxCustomConditions bounds the custom list on a single coverage.
const MaxCustomConditions = 8

// CustomCondition compares the oracle value, read as an integer, to Threshold.
type CustomCondition struct {
	Kind      ConditionKind `json:"kind"`
	Operator  Operator      `json:"operator"`
	Threshold int64         `json:"threshold"`
}

// TriggerConditionSet describes which reported facts make a coverage claimable.
type TriggerConditionSet struct {
	TrialFailure        bool              `json:"trial_failure"`
	RegulatoryRejection bool              `json:"regulatory_rejection"`
	IPInvalidation      bool              `json:"ip_invalidation"`
	MinimumThreshold    int64             `json:"minimum_threshold"`
	Custom              []CustomCondition `json:"custom,omitempty"`
}

// HasAny reports whether at least one flag or custom condition is set.
func (s TriggerConditionSet) HasAny() bool {
	return s.TrialFailure || s.RegulatoryRejection || s.IPInvalidation || len(s.Custom) > 0
}

// Validate checks the set shape. It returns a plain error; callers classify it.
func (s TriggerConditionSet) Validate() error {
	if !s.HasAny() {
		return fmt.Errorf("trigger set must enable at least one flag or custom condition")
	}
	if s.MinimumThreshold < 0 || s.MinimumThreshold > 100 {
		return fmt.Errorf("minimum threshold %d outside [0, 100]", s.MinimumThreshold)
	}
	if len(s.Custom) > MaxCustomConditions {
		return fmt.Errorf("too many custom conditions: %d > %d", len(s.Custom), MaxCustomConditions)
	}
	for i, c := range s.Custom {
		if !c.Kind.Valid() {
			return fmt.Errorf("custom condition %d: unknown kind %q", i, c.Kind)
		}
		if !c.Operator.Valid() {
			return fmt.Errorf("custom condition %d: invalid operator %d", i, c.Operator)
		}
	}
	return nil
}

// Clone returns a deep copy so stored coverages never alias request slices.
func (s TriggerConditionSet) Clone() TriggerConditionSet {
	out := s
	if s.Custom != nil {
		out.Custom = make([]CustomCondition, len(s.Custom))
		copy(out.Custom, s.Custom)
	}
	return out
}

// OracleReport is the fact statement delivered by an oracle-role caller.
type OracleReport struct {
	Source     string    `json:"source"`
	ObservedAt time.Time `json:"observed_at"`
	Value      string    `json:"value"`
	Verified   bool      `json:"verified"`
	Confidence int64     `json:"confidence"`
}

// PaymentToken selects which asset pays a premium or funds a deposit.
type PaymentToken int32

const (
	PaymentBase PaymentToken = iota
	PaymentDiscountToken
)

func (p PaymentToken) String() string {
	switch p {
	case PaymentBase:
		return "base"
	case PaymentDiscountToken:
		return "discount"
	default:
		return "unknown"
	}
}

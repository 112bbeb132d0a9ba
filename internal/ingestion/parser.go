package ingestion

import (
	"CoverLedger/internal/errs"
	"CoverLedger/internal/event"
	"encoding/json"
	"strings"
	"time"
)

// ParseCommand converts a wire payload (JSON bytes + command type name) into
// a typed event.Event bound to chainName. Enum fields travel as strings;
// everything is validated for shape here and for semantics by the engine.
func ParseCommand(chainName, eventType string, data []byte) (event.Event, error) {
	switch event.ParseEventType(eventType) {
	case event.EventTypeCreateCoverage:
		return parseCreateCoverage(chainName, data)
	case event.EventTypeCancelCoverage:
		return parseCoverageRef(chainName, data, func(m event.Meta, id string) event.Event {
			return &event.CancelCoverage{Meta: m, CoverageID: id}
		})
	case event.EventTypeExpireCoverage:
		return parseCoverageRef(chainName, data, func(m event.Meta, id string) event.Event {
			return &event.ExpireCoverage{Meta: m, CoverageID: id}
		})
	case event.EventTypePerformUpkeep:
		return parsePerformUpkeep(chainName, data)
	case event.EventTypeSubmitClaim:
		return parseSubmitClaim(chainName, data)
	case event.EventTypeMarkUnderReview:
		return parseMarkUnderReview(chainName, data)
	case event.EventTypeResolveClaim:
		return parseResolveClaim(chainName, data)
	case event.EventTypeAddLiquidity:
		return parseAddLiquidity(chainName, data)
	case event.EventTypeRemoveLiquidity:
		return parseRemoveLiquidity(chainName, data)
	case event.EventTypeSetPaused:
		return parseSetPaused(chainName, data)
	case event.EventTypeGrantRole:
		return parseGrantRole(chainName, data)
	case event.EventTypeApproveToken:
		return parseApproveToken(chainName, data)
	case event.EventTypeMintToken:
		return parseMintToken(chainName, data)
	default:
		return nil, errs.Validation("unknown_command", "unknown command type: %s", eventType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers.

type callerJSON struct {
	Account         string `json:"account"`
	Nonce           uint64 `json:"nonce"`
	RecentBlockhash string `json:"recent_blockhash"`
}

type metaJSON struct {
	IdempotencyKey string     `json:"idempotency_key"`
	Caller         callerJSON `json:"caller"`
}

func (m metaJSON) meta(chainName string) (event.Meta, error) {
	if strings.TrimSpace(m.IdempotencyKey) == "" {
		return event.Meta{}, errs.Validation("malformed_request", "idempotency_key is required")
	}
	if strings.TrimSpace(m.Caller.Account) == "" {
		return event.Meta{}, errs.Validation("malformed_request", "caller.account is required")
	}
	return event.Meta{
		Key:   m.IdempotencyKey,
		Chain: chainName,
		From: event.Caller{
			Account:         m.Caller.Account,
			Nonce:           m.Caller.Nonce,
			RecentBlockhash: m.Caller.RecentBlockhash,
		},
	}, nil
}

func decode(name string, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errs.Validation("malformed_request", "parse %s: %v", name, err)
	}
	return nil
}

type customConditionJSON struct {
	Kind      string `json:"kind"`
	Operator  string `json:"operator"`
	Threshold int64  `json:"threshold"`
}

type triggersJSON struct {
	TrialFailure        bool                  `json:"trial_failure"`
	RegulatoryRejection bool                  `json:"regulatory_rejection"`
	IPInvalidation      bool                  `json:"ip_invalidation"`
	MinimumThreshold    int64                 `json:"minimum_threshold"`
	Custom              []customConditionJSON `json:"custom"`
}

func (j triggersJSON) toSet() (event.TriggerConditionSet, error) {
	set := event.TriggerConditionSet{
		TrialFailure:        j.TrialFailure,
		RegulatoryRejection: j.RegulatoryRejection,
		IPInvalidation:      j.IPInvalidation,
		MinimumThreshold:    j.MinimumThreshold,
	}
	for i, c := range j.Custom {
		op, err := event.ParseOperator(c.Operator)
		if err != nil {
			return set, errs.Validation("malformed_request", "custom condition %d: %v", i, err)
		}
		set.Custom = append(set.Custom, event.CustomCondition{
			Kind:      event.ConditionKind(strings.ToUpper(c.Kind)),
			Operator:  op,
			Threshold: c.Threshold,
		})
	}
	return set, nil
}

type createCoverageJSON struct {
	metaJSON
	Amount          int64        `json:"amount"`
	PeriodSeconds   int64        `json:"period_seconds"`
	CoverageType    string       `json:"coverage_type"`
	RiskCategory    string       `json:"risk_category"`
	Triggers        triggersJSON `json:"triggers"`
	PayWithDiscount bool         `json:"pay_with_discount"`
}

func parseCreateCoverage(chainName string, data []byte) (*event.CreateCoverage, error) {
	var j createCoverageJSON
	if err := decode("CreateCoverage", data, &j); err != nil {
		return nil, err
	}
	meta, err := j.meta(chainName)
	if err != nil {
		return nil, err
	}
	cc, err := j.terms()
	if err != nil {
		return nil, err
	}
	cc.Meta = meta
	return cc, nil
}

// ParseQuote reads the coverage terms of a CreateCoverage body for pricing.
// The idempotency key and caller are not required.
func ParseQuote(data []byte) (*event.CreateCoverage, error) {
	var j createCoverageJSON
	if err := decode("quote", data, &j); err != nil {
		return nil, err
	}
	return j.terms()
}

func (j createCoverageJSON) terms() (*event.CreateCoverage, error) {
	ct, err := event.ParseCoverageType(j.CoverageType)
	if err != nil {
		return nil, errs.Validation("malformed_request", "coverage_type: %v", err)
	}
	rc, err := event.ParseRiskCategory(j.RiskCategory)
	if err != nil {
		return nil, errs.Validation("malformed_request", "risk_category: %v", err)
	}
	triggers, err := j.Triggers.toSet()
	if err != nil {
		return nil, err
	}

	return &event.CreateCoverage{
		Amount:          j.Amount,
		PeriodSeconds:   j.PeriodSeconds,
		CoverageType:    ct,
		RiskCategory:    rc,
		Triggers:        triggers,
		PayWithDiscount: j.PayWithDiscount,
	}, nil
}

type coverageRefJSON struct {
	metaJSON
	CoverageID string `json:"coverage_id"`
}

func parseCoverageRef(chainName string, data []byte, build func(event.Meta, string) event.Event) (event.Event, error) {
	var j coverageRefJSON
	if err := decode("coverage reference", data, &j); err != nil {
		return nil, err
	}
	meta, err := j.meta(chainName)
	if err != nil {
		return nil, err
	}
	if j.CoverageID == "" {
		return nil, errs.Validation("malformed_request", "coverage_id is required")
	}
	return build(meta, j.CoverageID), nil
}

type performUpkeepJSON struct {
	metaJSON
	CoverageIDs []string `json:"coverage_ids"`
}

func parsePerformUpkeep(chainName string, data []byte) (*event.PerformUpkeep, error) {
	var j performUpkeepJSON
	if err := decode("PerformUpkeep", data, &j); err != nil {
		return nil, err
	}
	meta, err := j.meta(chainName)
	if err != nil {
		return nil, err
	}
	return &event.PerformUpkeep{Meta: meta, CoverageIDs: j.CoverageIDs}, nil
}

type submitClaimJSON struct {
	metaJSON
	CoverageID string `json:"coverage_id"`
	Amount     int64  `json:"amount"`
	ClaimType  string `json:"claim_type"`
	Evidence   string `json:"evidence"`
}

func parseSubmitClaim(chainName string, data []byte) (*event.SubmitClaim, error) {
	var j submitClaimJSON
	if err := decode("SubmitClaim", data, &j); err != nil {
		return nil, err
	}
	meta, err := j.meta(chainName)
	if err != nil {
		return nil, err
	}
	claimType, err := event.ParseClaimType(j.ClaimType)
	if err != nil {
		return nil, errs.Validation("malformed_request", "claim_type: %v", err)
	}
	return &event.SubmitClaim{
		Meta:       meta,
		CoverageID: j.CoverageID,
		Amount:     j.Amount,
		ClaimType:  claimType,
		Evidence:   j.Evidence,
	}, nil
}

type claimRefJSON struct {
	metaJSON
	ClaimID string `json:"claim_id"`
}

func parseMarkUnderReview(chainName string, data []byte) (*event.MarkUnderReview, error) {
	var j claimRefJSON
	if err := decode("MarkUnderReview", data, &j); err != nil {
		return nil, err
	}
	meta, err := j.meta(chainName)
	if err != nil {
		return nil, err
	}
	if j.ClaimID == "" {
		return nil, errs.Validation("malformed_request", "claim_id is required")
	}
	return &event.MarkUnderReview{Meta: meta, ClaimID: j.ClaimID}, nil
}

type oracleReportJSON struct {
	Source     string `json:"source"`
	ObservedAt string `json:"observed_at"` // RFC 3339
	Value      string `json:"value"`
	Verified   bool   `json:"verified"`
	Confidence int64  `json:"confidence"`
}

type resolveClaimJSON struct {
	metaJSON
	ClaimID string           `json:"claim_id"`
	Report  oracleReportJSON `json:"report"`
}

func parseResolveClaim(chainName string, data []byte) (*event.ResolveClaim, error) {
	var j resolveClaimJSON
	if err := decode("ResolveClaim", data, &j); err != nil {
		return nil, err
	}
	meta, err := j.meta(chainName)
	if err != nil {
		return nil, err
	}
	if j.ClaimID == "" {
		return nil, errs.Validation("malformed_request", "claim_id is required")
	}
	observedAt, err := time.Parse(time.RFC3339, j.Report.ObservedAt)
	if err != nil {
		return nil, errs.Validation("malformed_request", "report.observed_at: %v", err)
	}

	return &event.ResolveClaim{
		Meta:    meta,
		ClaimID: j.ClaimID,
		Report: event.OracleReport{
			Source:     j.Report.Source,
			ObservedAt: observedAt.UTC(),
			Value:      j.Report.Value,
			Verified:   j.Report.Verified,
			Confidence: j.Report.Confidence,
		},
	}, nil
}

type addLiquidityJSON struct {
	metaJSON
	Amount       int64  `json:"amount"`
	PaymentToken string `json:"payment_token"` // "base" (default) or "discount"
}

func parseAddLiquidity(chainName string, data []byte) (*event.AddLiquidity, error) {
	var j addLiquidityJSON
	if err := decode("AddLiquidity", data, &j); err != nil {
		return nil, err
	}
	meta, err := j.meta(chainName)
	if err != nil {
		return nil, err
	}

	token := event.PaymentBase
	switch strings.ToLower(j.PaymentToken) {
	case "", "base":
	case "discount":
		token = event.PaymentDiscountToken
	default:
		return nil, errs.Validation("malformed_request", "payment_token: unknown token %q", j.PaymentToken)
	}
	return &event.AddLiquidity{Meta: meta, Amount: j.Amount, PaymentToken: token}, nil
}

type removeLiquidityJSON struct {
	metaJSON
	Shares int64 `json:"shares"`
}

func parseRemoveLiquidity(chainName string, data []byte) (*event.RemoveLiquidity, error) {
	var j removeLiquidityJSON
	if err := decode("RemoveLiquidity", data, &j); err != nil {
		return nil, err
	}
	meta, err := j.meta(chainName)
	if err != nil {
		return nil, err
	}
	return &event.RemoveLiquidity{Meta: meta, Shares: j.Shares}, nil
}

type setPausedJSON struct {
	metaJSON
	Paused bool `json:"paused"`
}

func parseSetPaused(chainName string, data []byte) (*event.SetPaused, error) {
	var j setPausedJSON
	if err := decode("SetPaused", data, &j); err != nil {
		return nil, err
	}
	meta, err := j.meta(chainName)
	if err != nil {
		return nil, err
	}
	return &event.SetPaused{Meta: meta, Paused: j.Paused}, nil
}

type grantRoleJSON struct {
	metaJSON
	Account string `json:"account"`
	Role    string `json:"role"`
}

func parseGrantRole(chainName string, data []byte) (*event.GrantRole, error) {
	var j grantRoleJSON
	if err := decode("GrantRole", data, &j); err != nil {
		return nil, err
	}
	meta, err := j.meta(chainName)
	if err != nil {
		return nil, err
	}
	return &event.GrantRole{Meta: meta, Account: j.Account, Role: strings.ToLower(j.Role)}, nil
}

type tokenJSON struct {
	metaJSON
	Asset   string `json:"asset"`
	Account string `json:"account"`
	Amount  int64  `json:"amount"`
}

func parseApproveToken(chainName string, data []byte) (*event.ApproveToken, error) {
	var j tokenJSON
	if err := decode("ApproveToken", data, &j); err != nil {
		return nil, err
	}
	meta, err := j.meta(chainName)
	if err != nil {
		return nil, err
	}
	return &event.ApproveToken{Meta: meta, Asset: strings.ToUpper(j.Asset), Amount: j.Amount}, nil
}

func parseMintToken(chainName string, data []byte) (*event.MintToken, error) {
	var j tokenJSON
	if err := decode("MintToken", data, &j); err != nil {
		return nil, err
	}
	meta, err := j.meta(chainName)
	if err != nil {
		return nil, err
	}
	return &event.MintToken{Meta: meta, Asset: strings.ToUpper(j.Asset), Account: j.Account, Amount: j.Amount}, nil
}

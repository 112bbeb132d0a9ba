package core

import (
	"CoverLedger/internal/chain"
	"CoverLedger/internal/errs"
	"CoverLedger/internal/event"
	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"
	"CoverLedger/internal/state"
	"CoverLedger/internal/verifier"
	"strings"
	"time"
)

// transfer stages a token movement in the command's chain transaction.
// Adapter failures that carry no kind are treated as failed transfers.
func (e *Engine) transfer(cmd *command, asset ledger.AssetID, from, to string, amount int64) error {
	if err := cmd.tx.TransferFrom(asset, from, to, amount); err != nil {
		if errs.KindOf(err) == errs.KindUnknown {
			return errs.Wrap(errs.KindInsufficientFunds, "transfer_failed", err)
		}
		return err
	}
	return nil
}

// nextID derives the id for the next record of kind and advances the counter.
func (e *Engine) nextID(cmd *command, kind chain.IDKind, owner string) (string, error) {
	counter := &e.nextCoverageIndex
	if kind == chain.IDClaim {
		counter = &e.nextClaimIndex
	}
	index := *counter
	id, err := e.adapter.DeriveID(kind, owner, index)
	if err != nil {
		return "", errs.Wrap(errs.KindValidation, "invalid_account", err)
	}
	*counter = index + 1
	cmd.journal.Append(func() { *counter = index })
	return id, nil
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}

// --- Coverage ---

func (e *Engine) handleCreateCoverage(cmd *command, evt *event.CreateCoverage) (*Result, error) {
	if e.pool.State().Paused {
		return nil, errs.Authorization("pool_paused", "pool is paused")
	}
	if err := evt.Triggers.Validate(); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "invalid_triggers", err)
	}
	if !evt.CoverageType.Valid() {
		return nil, errs.Validation("unknown_coverage_type", "unknown coverage type %d", evt.CoverageType)
	}
	if !evt.RiskCategory.Valid() {
		return nil, errs.Validation("unknown_risk_category", "unknown risk category %d", evt.RiskCategory)
	}

	period := evt.Period()
	premium, err := fpmath.CalculatePremium(e.cfg.Premium, evt.Amount, period,
		evt.CoverageType, evt.RiskCategory, evt.PayWithDiscount)
	if err != nil {
		return nil, err
	}

	id, err := e.nextID(cmd, chain.IDCoverage, cmd.caller)
	if err != nil {
		return nil, err
	}

	result := &Result{CoverageID: id, Premium: premium}
	cov := &state.Coverage{
		ID:                    id,
		Holder:                cmd.caller,
		CoverageAmount:        evt.Amount,
		PremiumPaid:           premium,
		CoverageType:          evt.CoverageType,
		RiskCategory:          evt.RiskCategory,
		StartTime:             cmd.now,
		EndTime:               cmd.now.Add(period),
		Status:                state.CoverageStatusActive,
		Triggers:              evt.Triggers.Clone(),
		PaidWithDiscountToken: evt.PayWithDiscount,
	}

	// Collect first: a failed pull leaves nothing recorded
	if evt.PayWithDiscount {
		tokens, err := fpmath.ApplyBps(premium, e.cfg.DiscountTokenRateBps)
		if err != nil {
			return nil, errs.Wrap(errs.KindValidation, "arithmetic_overflow", err)
		}
		if tokens <= 0 {
			return nil, errs.Validation("premium_zero", "discount token amount for premium %d rounds to zero", premium)
		}
		if err := e.transfer(cmd, ledger.AssetDiscount, cmd.caller, e.adapter.Vault(ledger.AssetDiscount), tokens); err != nil {
			return nil, err
		}
		if err := e.pool.CreditDiscountPremium(cmd.journal, tokens); err != nil {
			return nil, err
		}
		e.journalGen.GenerateDiscountPremium(cmd.batch, cmd.caller, tokens)
		cov.DiscountTokenAmount = tokens
		result.TokenAmount = tokens
	} else {
		fee, err := fpmath.ApplyBps(premium, e.cfg.FeeRateBps)
		if err != nil {
			return nil, errs.Wrap(errs.KindValidation, "arithmetic_overflow", err)
		}
		if err := e.transfer(cmd, ledger.AssetBase, cmd.caller, e.adapter.Vault(ledger.AssetBase), premium); err != nil {
			return nil, err
		}
		if err := e.pool.CreditPremium(cmd.journal, premium, fee); err != nil {
			return nil, err
		}
		e.journalGen.GeneratePremium(cmd.batch, cmd.caller, premium-fee, fee)
		cov.ProtocolFee = fee
		result.ProtocolFee = fee
	}

	if err := e.coverages.Insert(cmd.journal, cov); err != nil {
		return nil, err
	}
	if err := e.pool.OpenCoverage(cmd.journal, evt.Amount); err != nil {
		return nil, err
	}
	cmd.touchCoverage(id)

	if e.metrics != nil {
		token := "base"
		if evt.PayWithDiscount {
			token = "discount"
		}
		e.metrics.PremiumAmount.WithLabelValues(string(e.adapter.Chain()), token).Add(float64(premium))
	}
	return result, nil
}

// handleCancelCoverage refunds the unused share of the net premium:
//
//	refund = (PremiumPaid - ProtocolFee) * (EndTime - now) / (EndTime - StartTime)
//
// Discount-token premiums are not refunded.
func (e *Engine) handleCancelCoverage(cmd *command, evt *event.CancelCoverage) (*Result, error) {
	cov, err := e.coverages.MustGet(evt.CoverageID)
	if err != nil {
		return nil, err
	}
	if cov.Holder != cmd.caller {
		return nil, errs.Authorization("not_holder", "only the holder can cancel coverage %s", cov.ID)
	}
	if cov.Status != state.CoverageStatusActive {
		return nil, errs.StateConflict("coverage_not_active", "coverage %s is %s", cov.ID, cov.Status)
	}
	if cov.ClaimCount > 0 {
		return nil, errs.StateConflict("claims_submitted",
			"coverage %s has %d claims and can no longer be cancelled", cov.ID, cov.ClaimCount)
	}
	if cov.EndedBy(cmd.now) {
		return nil, errs.StateConflict("coverage_ended", "coverage %s ended at %s", cov.ID, cov.EndTime)
	}

	var refund int64
	if !cov.PaidWithDiscountToken {
		refund, err = fpmath.ProRata(cov.PremiumPaid-cov.ProtocolFee,
			seconds(cov.EndTime.Sub(cmd.now)), seconds(cov.EndTime.Sub(cov.StartTime)))
		if err != nil {
			return nil, errs.Wrap(errs.KindValidation, "arithmetic_overflow", err)
		}
	}
	if refund > 0 {
		if err := e.pool.DebitRefund(cmd.journal, refund); err != nil {
			return nil, err
		}
		if err := e.journalGen.GeneratePremiumRefund(cmd.batch, cov.Holder, refund); err != nil {
			return nil, errs.Wrap(errs.KindInsufficientFunds, "pool_insufficient", err)
		}
		if err := e.transfer(cmd, ledger.AssetBase, e.adapter.Vault(ledger.AssetBase), cov.Holder, refund); err != nil {
			return nil, err
		}
	}

	remaining := cov.Remaining()
	if err := e.coverages.Transition(cmd.journal, cov, state.CoverageStatusCancelled); err != nil {
		return nil, err
	}
	e.pool.CloseCoverage(cmd.journal, remaining)
	cmd.touchCoverage(cov.ID)

	return &Result{CoverageID: cov.ID, Amount: refund}, nil
}

func (e *Engine) handleExpireCoverage(cmd *command, evt *event.ExpireCoverage) (*Result, error) {
	result := &Result{CoverageID: evt.CoverageID}
	expired, err := e.expire(cmd, evt.CoverageID)
	if err != nil {
		return nil, err
	}
	if expired {
		result.Expired = []string{evt.CoverageID}
	} else {
		result.Skipped = []string{evt.CoverageID}
	}
	return result, nil
}

// expire closes a lapsed coverage. Terminal coverages are a no-op.
func (e *Engine) expire(cmd *command, id string) (bool, error) {
	cov, err := e.coverages.MustGet(id)
	if err != nil {
		return false, err
	}
	if cov.Status.IsTerminal() {
		return false, nil
	}
	if !cov.EndedBy(cmd.now) {
		return false, errs.StateConflict("coverage_not_ended", "coverage %s runs until %s", id, cov.EndTime)
	}
	if e.claims.HasOpenClaim(id) {
		return false, errs.StateConflict("claim_open", "coverage %s has an open claim", id)
	}

	remaining := cov.Remaining()
	if err := e.coverages.Transition(cmd.journal, cov, state.CoverageStatusExpired); err != nil {
		return false, err
	}
	e.pool.CloseCoverage(cmd.journal, remaining)
	cmd.touchCoverage(id)
	return true, nil
}

// handlePerformUpkeep re-validates every candidate and expires the ones that
// still qualify. Anything else is skipped, so a repeated run is a no-op.
func (e *Engine) handlePerformUpkeep(cmd *command, evt *event.PerformUpkeep) (*Result, error) {
	result := &Result{Expired: []string{}, Skipped: []string{}}
	for _, id := range evt.CoverageIDs {
		cov, ok := e.coverages.Get(id)
		if !ok || cov.Status != state.CoverageStatusActive || !cov.EndTime.Before(cmd.now) || e.claims.HasOpenClaim(id) {
			result.Skipped = append(result.Skipped, id)
			continue
		}
		if _, err := e.expire(cmd, id); err != nil {
			return nil, err
		}
		result.Expired = append(result.Expired, id)
	}
	return result, nil
}

// --- Claims ---

func (e *Engine) handleSubmitClaim(cmd *command, evt *event.SubmitClaim) (*Result, error) {
	cov, err := e.coverages.MustGet(evt.CoverageID)
	if err != nil {
		return nil, err
	}
	if cov.Status != state.CoverageStatusActive {
		return nil, errs.StateConflict("coverage_not_active", "coverage %s is %s", cov.ID, cov.Status)
	}
	if cov.EndedBy(cmd.now) {
		return nil, errs.StateConflict("coverage_ended", "coverage %s ended at %s", cov.ID, cov.EndTime)
	}
	if cov.Holder != cmd.caller {
		return nil, errs.Authorization("not_holder", "only the holder can claim against coverage %s", cov.ID)
	}
	if evt.Amount <= 0 {
		return nil, errs.Validation("invalid_amount", "claim amount must be positive, got %d", evt.Amount)
	}
	if evt.Amount > cov.Remaining() {
		return nil, errs.StateConflict("exceeds_remaining",
			"claim amount %d exceeds remaining coverage %d", evt.Amount, cov.Remaining())
	}
	if !evt.ClaimType.Valid() {
		return nil, errs.Validation("invalid_claim_type", "unknown claim type %d", evt.ClaimType)
	}
	if evt.ClaimType == event.ClaimTypeFullCoverage && evt.Amount != cov.Remaining() {
		return nil, errs.Validation("full_claim_amount",
			"full coverage claim must be for the remaining %d, got %d", cov.Remaining(), evt.Amount)
	}
	evidence := strings.TrimSpace(evt.Evidence)
	if evidence == "" {
		return nil, errs.Validation("missing_evidence", "evidence reference is required")
	}
	if len(evidence) > e.cfg.MaxEvidenceBytes {
		return nil, errs.Validation("evidence_too_large",
			"evidence reference is %d bytes, limit %d", len(evidence), e.cfg.MaxEvidenceBytes)
	}
	if open, busy := e.claims.OpenClaim(cov.ID); busy {
		return nil, errs.StateConflict("claim_open", "coverage %s already has open claim %s", cov.ID, open.ID)
	}

	id, err := e.nextID(cmd, chain.IDClaim, cmd.caller)
	if err != nil {
		return nil, err
	}
	claim := &state.Claim{
		ID:                id,
		CoverageID:        cov.ID,
		Claimant:          cmd.caller,
		Amount:            evt.Amount,
		ClaimType:         evt.ClaimType,
		EvidenceReference: evidence,
		SubmissionTime:    cmd.now,
	}
	if err := e.claims.Insert(cmd.journal, claim); err != nil {
		return nil, err
	}
	e.coverages.NoteClaimSubmitted(cmd.journal, cov)
	e.pool.NoteClaimSubmitted(cmd.journal)
	cmd.touchClaim(id)
	cmd.touchCoverage(cov.ID)

	if e.metrics != nil {
		e.metrics.ClaimsSubmitted.WithLabelValues(string(e.adapter.Chain())).Inc()
	}
	return &Result{CoverageID: cov.ID, ClaimID: id, ClaimStatus: claim.Status}, nil
}

func (e *Engine) handleMarkUnderReview(cmd *command, evt *event.MarkUnderReview) (*Result, error) {
	if err := e.adapter.Authorize(cmd.caller, chain.RoleOracle); err != nil {
		return nil, err
	}
	claim, err := e.claims.MustGet(evt.ClaimID)
	if err != nil {
		return nil, err
	}
	switch claim.Status {
	case state.ClaimStatusPending:
	case state.ClaimStatusUnderReview:
		return nil, errs.StateConflict("claim_under_review", "claim %s is already under review", claim.ID)
	default:
		return nil, errs.StateConflict("claim_terminal", "claim %s is %s", claim.ID, claim.Status)
	}

	if err := e.claims.Transition(cmd.journal, claim, state.ClaimStatusUnderReview, cmd.now, ""); err != nil {
		return nil, err
	}
	cmd.touchClaim(claim.ID)
	return &Result{CoverageID: claim.CoverageID, ClaimID: claim.ID, ClaimStatus: claim.Status}, nil
}

// handleResolveClaim settles an open claim with an oracle report. A rejected
// decision is a successful command that ends the claim; a payout the pool
// cannot fund fails the whole command and the claim stays open.
func (e *Engine) handleResolveClaim(cmd *command, evt *event.ResolveClaim) (*Result, error) {
	if err := e.adapter.Authorize(cmd.caller, chain.RoleOracle); err != nil {
		return nil, err
	}
	claim, err := e.claims.MustGet(evt.ClaimID)
	if err != nil {
		return nil, err
	}
	if !claim.Status.IsOpen() {
		return nil, errs.StateConflict("claim_terminal", "claim %s is already %s", claim.ID, claim.Status)
	}
	cov, err := e.coverages.MustGet(claim.CoverageID)
	if err != nil {
		return nil, err
	}

	e.claims.SetOracleSource(cmd.journal, claim, evt.Report.Source)
	cmd.touchClaim(claim.ID)
	result := &Result{CoverageID: cov.ID, ClaimID: claim.ID}

	decision := e.verifier.Evaluate(cov.Triggers, evt.Report,
		verifier.Window{Start: cov.StartTime, End: cov.EndTime}, cmd.now)
	if decision.Approved() {
		switch {
		case cov.Status != state.CoverageStatusActive:
			decision.Outcome = verifier.OutcomeReject
			decision.Reason = "coverage is " + cov.Status.String()
		case claim.Amount > cov.Remaining():
			decision.Outcome = verifier.OutcomeReject
			decision.Reason = "claim amount exceeds remaining coverage"
		}
	}

	if !decision.Approved() {
		if err := e.claims.Transition(cmd.journal, claim, state.ClaimStatusRejected, cmd.now, decision.Reason); err != nil {
			return nil, err
		}
		result.ClaimStatus = claim.Status
		result.RejectionReason = decision.Reason
		e.recordResolution("rejected", 0)
		return result, nil
	}

	// Approval and payment are one transition
	if err := e.pool.DebitPayout(cmd.journal, claim.Amount); err != nil {
		return nil, err
	}
	if err := e.journalGen.GenerateClaimPayout(cmd.batch, claim.Claimant, claim.Amount); err != nil {
		return nil, errs.Wrap(errs.KindInsufficientFunds, "pool_insufficient", err)
	}
	if err := e.transfer(cmd, ledger.AssetBase, e.adapter.Vault(ledger.AssetBase), claim.Claimant, claim.Amount); err != nil {
		return nil, err
	}
	if err := e.coverages.AddClaimed(cmd.journal, cov, claim.Amount); err != nil {
		return nil, err
	}
	e.pool.ReduceOutstanding(cmd.journal, claim.Amount)
	if cov.Status == state.CoverageStatusClaimed {
		e.pool.CloseCoverage(cmd.journal, 0)
	}
	if err := e.claims.Transition(cmd.journal, claim, state.ClaimStatusPaid, cmd.now, ""); err != nil {
		return nil, err
	}
	cmd.touchCoverage(cov.ID)

	result.ClaimStatus = claim.Status
	result.Amount = claim.Amount
	e.recordResolution("paid", claim.Amount)
	return result, nil
}

func (e *Engine) recordResolution(outcome string, amount int64) {
	if e.metrics == nil {
		return
	}
	chainName := string(e.adapter.Chain())
	e.metrics.ClaimsResolved.WithLabelValues(chainName, outcome).Inc()
	if amount > 0 {
		e.metrics.PayoutAmount.WithLabelValues(chainName).Add(float64(amount))
	}
}

// --- Liquidity ---

func (e *Engine) handleAddLiquidity(cmd *command, evt *event.AddLiquidity) (*Result, error) {
	if e.pool.State().Paused {
		return nil, errs.Authorization("pool_paused", "pool is paused")
	}
	if evt.PaymentToken != event.PaymentBase {
		return nil, errs.Validation("unsupported_token", "liquidity is accepted in the base asset only, got %s", evt.PaymentToken)
	}

	shares, err := e.pool.Deposit(cmd.journal, cmd.caller, evt.Amount, cmd.now)
	if err != nil {
		return nil, err
	}
	e.journalGen.GenerateLiquidityDeposit(cmd.batch, cmd.caller, evt.Amount)
	if err := e.transfer(cmd, ledger.AssetBase, cmd.caller, e.adapter.Vault(ledger.AssetBase), evt.Amount); err != nil {
		return nil, err
	}
	cmd.touchProvider(cmd.caller)

	return &Result{Shares: shares, Amount: evt.Amount}, nil
}

func (e *Engine) handleRemoveLiquidity(cmd *command, evt *event.RemoveLiquidity) (*Result, error) {
	amount, err := e.pool.Withdraw(cmd.journal, cmd.caller, evt.Shares)
	if err != nil {
		return nil, err
	}
	if err := e.journalGen.GenerateLiquidityWithdrawal(cmd.batch, cmd.caller, amount); err != nil {
		return nil, errs.Wrap(errs.KindInsufficientFunds, "pool_insufficient", err)
	}
	if err := e.transfer(cmd, ledger.AssetBase, e.adapter.Vault(ledger.AssetBase), cmd.caller, amount); err != nil {
		return nil, err
	}
	cmd.touchProvider(cmd.caller)

	return &Result{Shares: evt.Shares, Amount: amount}, nil
}

// --- Administration ---

func (e *Engine) handleSetPaused(cmd *command, evt *event.SetPaused) (*Result, error) {
	if err := e.adapter.Authorize(cmd.caller, chain.RoleAdmin); err != nil {
		return nil, err
	}
	e.pool.SetPaused(cmd.journal, evt.Paused)
	return &Result{}, nil
}

// Role grants and token approvals change adapter state directly, so they run
// last: nothing after them can fail before commit.

func (e *Engine) handleGrantRole(cmd *command, evt *event.GrantRole) (*Result, error) {
	role, err := chain.ParseRole(evt.Role)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, "unknown_role", err)
	}
	if err := e.adapter.GrantRole(cmd.caller, evt.Account, role); err != nil {
		return nil, err
	}
	return &Result{}, nil
}

func (e *Engine) handleApproveToken(cmd *command, evt *event.ApproveToken) (*Result, error) {
	asset, ok := ledger.GetAssetID(strings.ToUpper(evt.Asset))
	if !ok {
		return nil, errs.Validation("unknown_asset", "unknown asset %q", evt.Asset)
	}
	if err := e.adapter.Approve(asset, cmd.caller, evt.Amount); err != nil {
		return nil, err
	}
	return &Result{Amount: evt.Amount}, nil
}

func (e *Engine) handleMintToken(cmd *command, evt *event.MintToken) (*Result, error) {
	if err := e.adapter.Authorize(cmd.caller, chain.RoleAdmin); err != nil {
		return nil, err
	}
	asset, ok := ledger.GetAssetID(strings.ToUpper(evt.Asset))
	if !ok {
		return nil, errs.Validation("unknown_asset", "unknown asset %q", evt.Asset)
	}
	if err := e.adapter.Mint(asset, evt.Account, evt.Amount); err != nil {
		return nil, err
	}
	return &Result{Amount: evt.Amount}, nil
}

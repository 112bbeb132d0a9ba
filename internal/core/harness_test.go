package core_test

import (
	"CoverLedger/internal/chain"
	"CoverLedger/internal/chain/evm"
	"CoverLedger/internal/chain/solana"
	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	sol "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var genesis = time.Unix(1_700_000_000, 0).UTC()

const allowance = int64(1) << 50

type accounts struct {
	program string
	admin   string
	oracle  string
	keeper  string
	alice   string
	bob     string
	lpA     string
	lpB     string
}

func evmAccounts() accounts {
	hex := func(s string) string { return common.HexToAddress(s).Hex() }
	return accounts{
		admin:  hex("0x00000000000000000000000000000000000000aA"),
		oracle: hex("0x00000000000000000000000000000000000000b0"),
		keeper: hex("0x00000000000000000000000000000000000000b1"),
		alice:  hex("0x00000000000000000000000000000000000000C1"),
		bob:    hex("0x00000000000000000000000000000000000000C2"),
		lpA:    hex("0x00000000000000000000000000000000000000D1"),
		lpB:    hex("0x00000000000000000000000000000000000000D2"),
	}
}

func solanaAccounts() accounts {
	key := func() string { return sol.NewWallet().PublicKey().String() }
	return accounts{
		program: key(),
		admin:   key(),
		oracle:  key(),
		keeper:  key(),
		alice:   key(),
		bob:     key(),
		lpA:     key(),
		lpB:     key(),
	}
}

func newAdapter(t *testing.T, c chain.Chain, acc accounts, mt *chain.ManualTime) chain.Adapter {
	t.Helper()
	switch c {
	case chain.ChainEVM:
		a, err := evm.New(evm.Config{ChainID: 31337, Admin: acc.admin, Oracles: []string{acc.oracle}, Time: mt.Now})
		require.NoError(t, err)
		return a
	case chain.ChainSolana:
		a, err := solana.New(solana.Config{ProgramID: acc.program, Admin: acc.admin, Oracles: []string{acc.oracle}, Time: mt.Now})
		require.NoError(t, err)
		return a
	}
	t.Fatalf("unknown chain %s", c)
	return nil
}

// harness drives one engine directly, without a processor.
type harness struct {
	t       *testing.T
	acc     accounts
	clock   *chain.ManualTime
	adapter chain.Adapter
	engine  *core.Engine
	persist chan core.CoreOutput
}

func newHarness(t *testing.T, c chain.Chain) *harness {
	t.Helper()
	acc := evmAccounts()
	if c == chain.ChainSolana {
		acc = solanaAccounts()
	}
	mt := chain.NewManualTime(genesis)
	adapter := newAdapter(t, c, acc, mt)
	persist := make(chan core.CoreOutput, 4096)

	return &harness{
		t:       t,
		acc:     acc,
		clock:   mt,
		adapter: adapter,
		engine:  core.NewEngine(core.DefaultConfig(), adapter, persist, nil, nil, nil),
		persist: persist,
	}
}

// forEachChain runs fn once per deployment kind.
func forEachChain(t *testing.T, fn func(t *testing.T, h *harness)) {
	for _, c := range []chain.Chain{chain.ChainEVM, chain.ChainSolana} {
		t.Run(string(c), func(t *testing.T) {
			fn(t, newHarness(t, c))
		})
	}
}

func (h *harness) meta(account string) event.Meta {
	return event.Meta{
		Key:   uuid.NewString(),
		Chain: string(h.adapter.Chain()),
		From:  h.adapter.PrepareCaller(account),
	}
}

func (h *harness) apply(evt event.Event) (*core.Result, error) {
	return h.engine.Apply(evt)
}

func (h *harness) mustApply(evt event.Event) *core.Result {
	h.t.Helper()
	res, err := h.engine.Apply(evt)
	require.NoError(h.t, err, "%s", evt.EventType())
	return res
}

func (h *harness) advance(d time.Duration) {
	h.clock.Advance(d)
}

// fund mints asset to account and approves the pool to pull it.
func (h *harness) fund(account string, asset string, amount int64) {
	h.t.Helper()
	h.mustApply(&event.MintToken{Meta: h.meta(h.acc.admin), Asset: asset, Account: account, Amount: amount})
	h.mustApply(&event.ApproveToken{Meta: h.meta(account), Asset: asset, Amount: allowance})
}

func (h *harness) balance(account string) int64 {
	return h.adapter.BalanceOf(ledger.AssetBase, account)
}

func (h *harness) deposit(provider string, amount int64) *core.Result {
	h.t.Helper()
	h.fund(provider, "BASE", amount)
	return h.mustApply(&event.AddLiquidity{Meta: h.meta(provider), Amount: amount, PaymentToken: event.PaymentBase})
}

func trialTriggers() event.TriggerConditionSet {
	return event.TriggerConditionSet{TrialFailure: true}
}

func (h *harness) coverageCmd(holder string, amount int64, discount bool) *event.CreateCoverage {
	return &event.CreateCoverage{
		Meta:            h.meta(holder),
		Amount:          amount,
		PeriodSeconds:   int64(fpmath.Year / time.Second),
		CoverageType:    event.CoverageTypeClinicalTrialFailure,
		RiskCategory:    event.RiskLow,
		Triggers:        trialTriggers(),
		PayWithDiscount: discount,
	}
}

// buyCoverage funds holder with exactly the premium and creates a one-year
// ClinicalTrialFailure/Low coverage.
func (h *harness) buyCoverage(holder string, amount int64) string {
	h.t.Helper()
	premium, err := h.engine.QuotePremium(amount, fpmath.Year,
		event.CoverageTypeClinicalTrialFailure, event.RiskLow, false)
	require.NoError(h.t, err)
	h.fund(holder, "BASE", premium)
	return h.mustApply(h.coverageCmd(holder, amount, false)).CoverageID
}

func (h *harness) submitCmd(holder, coverageID string, amount int64) *event.SubmitClaim {
	return &event.SubmitClaim{
		Meta:       h.meta(holder),
		CoverageID: coverageID,
		Amount:     amount,
		ClaimType:  event.ClaimTypePartialCoverage,
		Evidence:   "ipfs://bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi",
	}
}

func (h *harness) submit(holder, coverageID string, amount int64) string {
	h.t.Helper()
	return h.mustApply(h.submitCmd(holder, coverageID, amount)).ClaimID
}

// extraAccount returns the i-th account outside the fixed cast.
func (h *harness) extraAccount(i int) string {
	if h.adapter.Chain() == chain.ChainSolana {
		return sol.NewWallet().PublicKey().String()
	}
	return common.BigToAddress(big.NewInt(int64(0xE000 + i))).Hex()
}

func (h *harness) resolveCmd(claimID, value string, confidence int64) *event.ResolveClaim {
	return h.resolveCmdFrom(h.acc.oracle, claimID, value, confidence)
}

func (h *harness) resolveCmdFrom(oracle, claimID, value string, confidence int64) *event.ResolveClaim {
	return &event.ResolveClaim{
		Meta:    h.meta(oracle),
		ClaimID: claimID,
		Report: event.OracleReport{
			Source:     "clinicaltrials.gov",
			ObservedAt: h.adapter.Now(),
			Value:      value,
			Verified:   true,
			Confidence: confidence,
		},
	}
}

func (h *harness) outputs() []core.CoreOutput {
	var out []core.CoreOutput
	for {
		select {
		case o := <-h.persist:
			out = append(out, o)
		default:
			return out
		}
	}
}

// requireBooksAgree checks the pool singleton against the double-entry books.
func (h *harness) requireBooksAgree() {
	h.t.Helper()
	ps := h.engine.Pool()
	require.Equal(h.t, ps.TotalValueLocked, h.engine.Balances().GetPoolReserve(), "TVL vs pool_reserve")
	require.Equal(h.t, ps.ProtocolFees, h.engine.Balances().GetBalance(ledger.ProtocolFees()), "protocol fees")
	require.Equal(h.t, ps.DiscountTokenCollected, h.engine.Balances().GetBalance(ledger.DiscountReserve()), "discount reserve")

	// The chain-side vault holds exactly what the books say
	vault := h.adapter.Vault(ledger.AssetBase)
	require.Equal(h.t, ps.TotalValueLocked+ps.ProtocolFees, h.adapter.BalanceOf(ledger.AssetBase, vault), "base vault")
}

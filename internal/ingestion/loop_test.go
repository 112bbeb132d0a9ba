package ingestion_test

import (
	"CoverLedger/internal/chain"
	"CoverLedger/internal/chain/evm"
	"CoverLedger/internal/core"
	"CoverLedger/internal/errs"
	"CoverLedger/internal/event"
	"CoverLedger/internal/ingestion"
	"CoverLedger/internal/ledger"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	adminKey = mustKey()
	admin    = crypto.PubkeyToAddress(adminKey.PublicKey).Hex()
)

func mustKey() *ecdsa.PrivateKey {
	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	return key
}

func sign(t *testing.T, key *ecdsa.PrivateKey, data []byte) string {
	t.Helper()
	sig, err := crypto.Sign(accounts.TextHash(data), key)
	require.NoError(t, err)
	return hexutil.Encode(sig)
}

type settled struct {
	acks, naks int
}

func (s *settled) raw(chainName, eventType string, data []byte, signature string) ingestion.RawEvent {
	return ingestion.RawEvent{
		Subject:   "cover." + chainName + ".commands." + eventType,
		Chain:     chainName,
		Kind:      "command",
		EventType: eventType,
		Data:      data,
		Signature: signature,
		Timestamp: time.Now(),
		AckFunc:   func() { s.acks++ },
		NakFunc:   func() { s.naks++ },
	}
}

func startEVM(t *testing.T) (*ingestion.IngestService, *evm.Adapter) {
	t.Helper()
	mt := chain.NewManualTime(time.Unix(1_700_000_000, 0))
	adapter, err := evm.New(evm.Config{ChainID: 31337, Admin: admin, Time: mt.Now})
	require.NoError(t, err)

	engine := core.NewEngine(core.DefaultConfig(), adapter, nil, nil, nil, nil)
	proc := core.NewProcessor(engine, 16, zerolog.Nop())
	svc := ingestion.NewIngestService(map[string]ingestion.Deployment{"evm": ingestion.NewDeployment(proc)}, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = proc.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return svc, adapter
}

func command(t *testing.T, key, account string, nonce uint64, fields map[string]interface{}) []byte {
	t.Helper()
	payload := map[string]interface{}{
		"idempotency_key": key,
		"caller":          map[string]interface{}{"account": account, "nonce": nonce},
	}
	for k, v := range fields {
		payload[k] = v
	}
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return data
}

func TestLoop_AcksAppliedAndRejectedCommands(t *testing.T) {
	svc, adapter := startEVM(t)
	loop := ingestion.NewLoop(svc, nil, zerolog.Nop())
	ctx := context.Background()
	s := &settled{}

	mint := map[string]interface{}{"asset": "base", "account": holder, "amount": 1_000}

	data := command(t, "mint-1", admin, 0, mint)
	loop.Handle(ctx, s.raw("evm", "MintToken", data, sign(t, adminKey, data)))
	assert.Equal(t, int64(1_000), adapter.BalanceOf(ledger.AssetBase, holder))

	// Redelivery of an applied command is a permanent rejection
	data = command(t, "mint-1", admin, 1, mint)
	loop.Handle(ctx, s.raw("evm", "MintToken", data, sign(t, adminKey, data)))
	// Admin commands are never accepted unsigned
	loop.Handle(ctx, s.raw("evm", "MintToken", command(t, "mint-2", admin, 1, mint), ""))
	// Signed, but not an admin
	other := mustKey()
	data = command(t, "mint-3", crypto.PubkeyToAddress(other.PublicKey).Hex(), 0, mint)
	loop.Handle(ctx, s.raw("evm", "MintToken", data, sign(t, other, data)))
	// Unparseable
	loop.Handle(ctx, s.raw("evm", "MintToken", []byte(`{"idempotency_key":`), ""))
	// Unknown deployment
	loop.Handle(ctx, s.raw("cosmos", "MintToken", command(t, "mint-4", admin, 1, mint), ""))

	assert.Equal(t, 6, s.acks)
	assert.Zero(t, s.naks)
	assert.Equal(t, int64(1_000), adapter.BalanceOf(ledger.AssetBase, holder))
}

func TestLoop_VerifiesSignatures(t *testing.T) {
	svc, adapter := startEVM(t)
	loop := ingestion.NewLoop(svc, nil, zerolog.Nop())
	ctx := context.Background()
	s := &settled{}

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey).Hex()

	data := command(t, "approve-1", signer, 0, map[string]interface{}{"asset": "BASE", "amount": 300})
	sig := sign(t, key, data)

	// Signed by someone else: rejected and acked
	other := command(t, "approve-2", holder, 0, map[string]interface{}{"asset": "BASE", "amount": 300})
	loop.Handle(ctx, s.raw("evm", "ApproveToken", other, sig))

	loop.Handle(ctx, s.raw("evm", "ApproveToken", data, sig))

	assert.Equal(t, 2, s.acks)
	caller := adapter.PrepareCaller(signer)
	assert.Equal(t, uint64(1), caller.Nonce, "only the correctly signed command committed")
	assert.Equal(t, common.HexToAddress(signer).Hex(), caller.Account)
}

func TestLoop_NaksWhenProcessorStopped(t *testing.T) {
	mt := chain.NewManualTime(time.Unix(1_700_000_000, 0))
	adapter, err := evm.New(evm.Config{ChainID: 31337, Admin: admin, Time: mt.Now})
	require.NoError(t, err)
	proc := core.NewProcessor(core.NewEngine(core.DefaultConfig(), adapter, nil, nil, nil, nil), 1, zerolog.Nop())
	svc := ingestion.NewIngestService(map[string]ingestion.Deployment{"evm": ingestion.NewDeployment(proc)}, false)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, proc.Run(ctx))

	s := &settled{}
	loop := ingestion.NewLoop(svc, nil, zerolog.Nop())
	data := command(t, "pause-1", admin, 0, map[string]interface{}{"paused": true})
	loop.Handle(context.Background(), s.raw("evm", "SetPaused", data, sign(t, adminKey, data)))

	assert.Zero(t, s.acks)
	assert.Equal(t, 1, s.naks)
}

func TestIngestService_RequireSignatures(t *testing.T) {
	mt := chain.NewManualTime(time.Unix(1_700_000_000, 0))
	adapter, err := evm.New(evm.Config{ChainID: 31337, Admin: admin, Time: mt.Now})
	require.NoError(t, err)
	proc := core.NewProcessor(core.NewEngine(core.DefaultConfig(), adapter, nil, nil, nil, nil), 1, zerolog.Nop())
	svc := ingestion.NewIngestService(map[string]ingestion.Deployment{"evm": ingestion.NewDeployment(proc)}, true)

	// Rejected before reaching the processor, which is not even running
	evt, _, err := svc.SubmitRaw(context.Background(), "evm", "SetPaused",
		command(t, "pause-1", admin, 0, map[string]interface{}{"paused": true}), "")
	require.Error(t, err)
	assert.Equal(t, "missing_signature", errs.CodeOf(err))
	assert.IsType(t, &event.SetPaused{}, evt)
	assert.Equal(t, []string{"evm"}, svc.Chains())
}

func TestIngestService_PrivilegedCommandsAlwaysVerified(t *testing.T) {
	svc, adapter := startEVM(t)
	ctx := context.Background()

	// Unsigned holder traffic is allowed in this deployment
	data := command(t, "approve-1", holder, 0, map[string]interface{}{"asset": "BASE", "amount": 300})
	_, _, err := svc.SubmitRaw(ctx, "evm", "ApproveToken", data, "")
	require.NoError(t, err)

	for _, tc := range []struct {
		eventType string
		fields    map[string]interface{}
	}{
		{"ResolveClaim", map[string]interface{}{"claim_id": "1", "report": map[string]interface{}{
			"source": "registry", "observed_at": "2023-11-14T22:13:20Z", "value": "failed", "verified": true, "confidence": 95,
		}}},
		{"MarkUnderReview", map[string]interface{}{"claim_id": "1"}},
		{"SetPaused", map[string]interface{}{"paused": true}},
		{"GrantRole", map[string]interface{}{"role": "oracle", "account": holder}},
		{"MintToken", map[string]interface{}{"asset": "base", "account": holder, "amount": 1}},
	} {
		t.Run(tc.eventType, func(t *testing.T) {
			_, _, err := svc.SubmitRaw(ctx, "evm", tc.eventType, command(t, "k-"+tc.eventType, admin, 0, tc.fields), "")
			require.Error(t, err)
			assert.Equal(t, errs.KindAuthorization, errs.KindOf(err))
			assert.Equal(t, "missing_signature", errs.CodeOf(err))
		})
	}
	assert.Equal(t, uint64(0), adapter.PrepareCaller(admin).Nonce)
}

func TestPublishableEvent_Subject(t *testing.T) {
	out := core.CoreOutput{
		Envelope: &event.EventEnvelope{
			Sequence:       4,
			Chain:          "solana",
			EventType:      event.EventTypeSubmitClaim,
			IdempotencyKey: "k",
			Payload:        []byte(`{"coverage_id":"1"}`),
		},
		Result: &core.Result{ClaimID: "9", CoverageID: "1"},
	}

	pe := ingestion.NewPublishableEvent(out)
	assert.Equal(t, "cover.solana.events.SubmitClaim", pe.Subject())
	assert.Equal(t, "Pending", pe.ClaimStatus)
	assert.JSONEq(t, `{"coverage_id":"1"}`, string(pe.Payload))
	assert.Len(t, pe.StateHash, 64)
}

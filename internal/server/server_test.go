package server

import (
	"CoverLedger/internal/chain"
	"CoverLedger/internal/chain/evm"
	"CoverLedger/internal/core"
	"CoverLedger/internal/errs"
	"CoverLedger/internal/event"
	"CoverLedger/internal/ingestion"
	"CoverLedger/internal/query"
	"CoverLedger/internal/state"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fakeCommander struct {
	submitErr error

	gotChain, gotType, gotSignature string
	gotBody                         []byte
}

func (f *fakeCommander) Chains() []string { return []string{"evm"} }

func (f *fakeCommander) SubmitRaw(_ context.Context, chain, eventType string, body []byte, signature string) (event.Event, *core.Result, error) {
	f.gotChain, f.gotType, f.gotBody, f.gotSignature = chain, eventType, body, signature
	if f.submitErr != nil {
		return nil, nil, f.submitErr
	}
	res := &core.Result{Sequence: 12, CoverageID: "3", ClaimID: "5", ClaimStatus: state.ClaimStatusPaid, Amount: 400}
	res.StateHash[0] = 0xAB
	return &event.SubmitClaim{}, res, nil
}

func (f *fakeCommander) PrepareCaller(_ context.Context, _, account string) (event.Caller, error) {
	return event.Caller{Account: account, Nonce: 4}, nil
}

func (f *fakeCommander) Quote(_ context.Context, chain string, q *event.CreateCoverage) (int64, error) {
	if chain != "evm" {
		return 0, errs.Validation("unknown_chain", "no deployment for %q", chain)
	}
	return q.Amount / 10, nil
}

func (f *fakeCommander) CheckUpkeep(context.Context, string, int) (bool, []string, error) {
	return false, nil, nil
}

type fakeReader struct {
	gotBefore *int64
	gotLimit  int
}

func (f *fakeReader) CoveragesByHolder(_ context.Context, _, holder string, limit int) ([]query.CoverageResponse, error) {
	f.gotLimit = limit
	return []query.CoverageResponse{{CoverageID: "1", Holder: holder}}, nil
}

func (f *fakeReader) GetCoverage(_ context.Context, _, id string) (*query.CoverageResponse, error) {
	if id != "1" {
		return nil, errs.Validation("not_found", "coverage %s not found", id)
	}
	return &query.CoverageResponse{CoverageID: id}, nil
}

func (f *fakeReader) ClaimsByClaimant(context.Context, string, string, int) ([]query.ClaimResponse, error) {
	return []query.ClaimResponse{}, nil
}

func (f *fakeReader) Pool(_ context.Context, chain string) (*query.PoolResponse, error) {
	return &query.PoolResponse{Chain: chain, TotalValueLocked: 1_000}, nil
}

func (f *fakeReader) Positions(context.Context, string, int) ([]query.PositionResponse, error) {
	return []query.PositionResponse{}, nil
}

func (f *fakeReader) JournalHistory(_ context.Context, _, _ string, limit int, before *int64) ([]query.JournalHistoryEntry, error) {
	f.gotLimit, f.gotBefore = limit, before
	return []query.JournalHistoryEntry{}, nil
}

func (f *fakeReader) VerifyIntegrity(_ context.Context, chain string) (*query.IntegrityReport, error) {
	return &query.IntegrityReport{Chain: chain, IsHealthy: true}, nil
}

func newTestServer(t *testing.T, cmd *fakeCommander, reader *fakeReader, rate float64) (*GRPCServer, http.Handler) {
	t.Helper()
	s := NewGRPCServer("", "", &ServerDeps{
		Commander: cmd,
		Reader:    reader,
		Logger:    zerolog.Nop(),
		RateLimit: rate,
		RateBurst: 1,
	})
	h, err := s.Handler()
	require.NoError(t, err)
	return s, h
}

func do(h http.Handler, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHTTP_SubmitCommand(t *testing.T) {
	cmd := &fakeCommander{}
	_, h := newTestServer(t, cmd, &fakeReader{}, 0)

	rec := do(h, "POST", "/v1/evm/commands/SubmitClaim", `{"coverage_id":"3"}`, map[string]string{"Cover-Signature": "0xabcd"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, "evm", cmd.gotChain)
	assert.Equal(t, "SubmitClaim", cmd.gotType)
	assert.Equal(t, "0xabcd", cmd.gotSignature)
	assert.JSONEq(t, `{"coverage_id":"3"}`, string(cmd.gotBody))

	var resp SubmitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "SubmitClaim", resp.EventType)
	assert.Equal(t, int64(12), resp.Sequence)
	assert.Equal(t, "Paid", resp.ClaimStatus)
	assert.Equal(t, int64(400), resp.Amount)
	assert.True(t, strings.HasPrefix(resp.StateHash, "ab"))
	assert.Len(t, resp.StateHash, 64)
}

func TestHTTP_ErrorMapping(t *testing.T) {
	cases := []struct {
		err      error
		status   int
		kind     string
		wantCode string
	}{
		{errs.Validation("invalid_amount", "amount must be positive"), http.StatusBadRequest, "validation", "invalid_amount"},
		{errs.Authorization("not_oracle", "caller is not an oracle"), http.StatusForbidden, "authorization", "not_oracle"},
		{errs.InsufficientFunds("insufficient_liquidity", "pool too small"), http.StatusPaymentRequired, "insufficient_funds", "insufficient_liquidity"},
		{errs.StateConflict("not_active", "coverage is not active"), http.StatusConflict, "state_conflict", "not_active"},
		{core.ErrProcessorStopped, http.StatusServiceUnavailable, "unknown", ""},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "unknown", ""},
	}

	for _, tc := range cases {
		cmd := &fakeCommander{submitErr: tc.err}
		_, h := newTestServer(t, cmd, &fakeReader{}, 0)

		rec := do(h, "POST", "/v1/evm/commands/SubmitClaim", `{}`, nil)
		assert.Equal(t, tc.status, rec.Code, tc.err.Error())

		var body errorBody
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, tc.kind, body.Kind)
		assert.Equal(t, tc.wantCode, body.Code)
		assert.NotEmpty(t, body.Message)
	}
}

func TestHTTP_RateLimitsWrites(t *testing.T) {
	_, h := newTestServer(t, &fakeCommander{}, &fakeReader{}, 0.001)

	first := do(h, "POST", "/v1/evm/commands/SubmitClaim", `{}`, nil)
	second := do(h, "POST", "/v1/evm/commands/SubmitClaim", `{}`, nil)
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Contains(t, second.Body.String(), "rate_limited")

	// Reads are not limited
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, do(h, "GET", "/v1/evm/pool", "", nil).Code)
	}
}

func TestHTTP_Queries(t *testing.T) {
	reader := &fakeReader{}
	_, h := newTestServer(t, &fakeCommander{}, reader, 0)

	rec := do(h, "GET", "/v1/evm/holders/0xC1/coverages?limit=5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `"0xC1"`, mustField(t, rec, "coverages", 0, "holder"))
	assert.Equal(t, 5, reader.gotLimit)

	rec = do(h, "GET", "/v1/evm/coverages/2", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, "GET", "/v1/evm/journals?account=user:0xC1:BASE&before=40&limit=10", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, reader.gotBefore)
	assert.Equal(t, int64(40), *reader.gotBefore)

	rec = do(h, "GET", "/v1/evm/journals", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, "GET", "/v1/evm/positions?limit=ten", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, "GET", "/v1/evm/callers/0xC1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"account":"0xC1","nonce":4}`, rec.Body.String())

	rec = do(h, "GET", "/v1/evm/upkeep", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"upkeep_needed":false,"coverage_ids":[]}`, rec.Body.String())
}

func TestHTTP_Quote(t *testing.T) {
	_, h := newTestServer(t, &fakeCommander{}, &fakeReader{}, 0)

	body := `{"amount":1000000,"period_seconds":31536000,"coverage_type":"ClinicalTrialFailure","risk_category":"Low"}`
	rec := do(h, "POST", "/v1/evm/quote", body, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"premium":100000}`, rec.Body.String())

	rec = do(h, "POST", "/v1/solana/quote", body, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTP_SnapshotsDisabled(t *testing.T) {
	_, h := newTestServer(t, &fakeCommander{}, &fakeReader{}, 0)

	rec := do(h, "POST", "/v1/evm/snapshots", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "snapshots_disabled")
}

func TestHTTP_Health(t *testing.T) {
	_, h := newTestServer(t, &fakeCommander{}, &fakeReader{}, 0)
	assert.Equal(t, http.StatusOK, do(h, "GET", "/healthz", "", nil).Code)
}

func TestGRPC_JSONCodecRoundTrip(t *testing.T) {
	s, _ := newTestServer(t, &fakeCommander{submitErr: errs.StateConflict("paused", "pool is paused")}, &fakeReader{}, 0)

	lis := bufconn.Listen(1 << 20)
	go func() { _ = s.grpcServer.Serve(lis) }()
	t.Cleanup(s.grpcServer.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	require.NoError(t, err)
	defer conn.Close()

	ctx := context.Background()
	var pool query.PoolResponse
	require.NoError(t, conn.Invoke(ctx, "/"+serviceName+"/GetPool", &ChainRequest{Chain: "evm"}, &pool))
	assert.Equal(t, "evm", pool.Chain)
	assert.Equal(t, int64(1_000), pool.TotalValueLocked)

	var resp SubmitResponse
	err = conn.Invoke(ctx, "/"+serviceName+"/Submit", &SubmitRequest{Chain: "evm", EventType: "SetPaused", Body: json.RawMessage(`{}`)}, &resp)
	require.Error(t, err)
	assert.Equal(t, codes.Aborted, status.Code(err))
	assert.Contains(t, status.Convert(err).Message(), "paused")
}

func TestGRPCCode(t *testing.T) {
	assert.Equal(t, codes.InvalidArgument, grpcCode(errs.Validation("x", "x")))
	assert.Equal(t, codes.PermissionDenied, grpcCode(errs.Authorization("x", "x")))
	assert.Equal(t, codes.FailedPrecondition, grpcCode(errs.InsufficientFunds("x", "x")))
	assert.Equal(t, codes.Aborted, grpcCode(errs.StateConflict("x", "x")))
	assert.Equal(t, codes.Unavailable, grpcCode(core.ErrProcessorStopped))
	assert.Equal(t, codes.ResourceExhausted, grpcCode(errRateLimited))
	assert.Equal(t, codes.Internal, grpcCode(assert.AnError))
}

func TestPeerLimiter_PerHost(t *testing.T) {
	l := NewPeerLimiter(0.001, 1)
	assert.True(t, l.Allow("10.0.0.1:5000"))
	assert.False(t, l.Allow("10.0.0.1:5001"), "same host, new port")
	assert.True(t, l.Allow("10.0.0.2:5000"))

	var disabled *PeerLimiter
	assert.True(t, disabled.Allow("10.0.0.1:5000"))
	assert.Nil(t, NewPeerLimiter(0, 0))
}

func mustField(t *testing.T, rec *httptest.ResponseRecorder, list string, i int, field string) string {
	t.Helper()
	var body map[string][]map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Greater(t, len(body[list]), i)
	return string(body[list][i][field])
}

func TestHTTP_UnsignedResolveClaimRejected(t *testing.T) {
	const oracle = "0x00000000000000000000000000000000000000B0"
	mt := chain.NewManualTime(time.Unix(1_700_000_000, 0))
	adapter, err := evm.New(evm.Config{
		ChainID: 31337,
		Admin:   "0x00000000000000000000000000000000000000aA",
		Oracles: []string{oracle},
		Time:    mt.Now,
	})
	require.NoError(t, err)
	proc := core.NewProcessor(core.NewEngine(core.DefaultConfig(), adapter, nil, nil, nil, nil), 4, zerolog.Nop())

	for _, requireSignatures := range []bool{true, false} {
		svc := ingestion.NewIngestService(map[string]ingestion.Deployment{"evm": ingestion.NewDeployment(proc)}, requireSignatures)
		s := NewGRPCServer("", "", &ServerDeps{Commander: svc, Reader: &fakeReader{}, Logger: zerolog.Nop()})
		h, err := s.Handler()
		require.NoError(t, err)

		body := `{"idempotency_key":"resolve-1","caller":{"account":"` + oracle + `","nonce":0},` +
			`"claim_id":"1","report":{"source":"registry","observed_at":"2023-11-14T22:13:20Z","value":"failed","verified":true,"confidence":95}}`
		rec := do(h, "POST", "/v1/evm/commands/ResolveClaim", body, nil)
		require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

		var eb errorBody
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &eb))
		assert.Equal(t, "authorization", eb.Kind)
		assert.Equal(t, "missing_signature", eb.Code)
	}
	assert.Equal(t, uint64(0), adapter.PrepareCaller(oracle).Nonce)
}

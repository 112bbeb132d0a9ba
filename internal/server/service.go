package server

import (
	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
	"CoverLedger/internal/ingestion"
	"CoverLedger/internal/query"
	"context"
	"encoding/hex"
	"encoding/json"

	"google.golang.org/grpc"
)

const serviceName = "coverledger.v1.CoverageService"

// Commander applies and prices commands against the live engines.
// ingestion.IngestService implements it.
type Commander interface {
	Chains() []string
	SubmitRaw(ctx context.Context, chain, eventType string, body []byte, signature string) (event.Event, *core.Result, error)
	PrepareCaller(ctx context.Context, chain, account string) (event.Caller, error)
	Quote(ctx context.Context, chain string, q *event.CreateCoverage) (int64, error)
	CheckUpkeep(ctx context.Context, chain string, limit int) (bool, []string, error)
}

// Reader serves the projected read model. query.QueryService implements it.
type Reader interface {
	CoveragesByHolder(ctx context.Context, chain, holder string, limit int) ([]query.CoverageResponse, error)
	GetCoverage(ctx context.Context, chain, coverageID string) (*query.CoverageResponse, error)
	ClaimsByClaimant(ctx context.Context, chain, claimant string, limit int) ([]query.ClaimResponse, error)
	Pool(ctx context.Context, chain string) (*query.PoolResponse, error)
	Positions(ctx context.Context, chain string, limit int) ([]query.PositionResponse, error)
	JournalHistory(ctx context.Context, chain, accountPath string, limit int, beforeSequence *int64) ([]query.JournalHistoryEntry, error)
	VerifyIntegrity(ctx context.Context, chain string) (*query.IntegrityReport, error)
}

// SnapshotFunc takes an on-demand snapshot of chain and returns its sequence.
type SnapshotFunc func(ctx context.Context, chain string) (int64, error)

// --- Messages ---

type SubmitRequest struct {
	Chain     string          `json:"chain"`
	EventType string          `json:"event_type"`
	Body      json.RawMessage `json:"body"`
	Signature string          `json:"signature,omitempty"`
}

type SubmitResponse struct {
	EventType       string   `json:"event_type"`
	Sequence        int64    `json:"sequence"`
	StateHash       string   `json:"state_hash"`
	CoverageID      string   `json:"coverage_id,omitempty"`
	ClaimID         string   `json:"claim_id,omitempty"`
	ClaimStatus     string   `json:"claim_status,omitempty"`
	RejectionReason string   `json:"rejection_reason,omitempty"`
	Premium         int64    `json:"premium,omitempty"`
	ProtocolFee     int64    `json:"protocol_fee,omitempty"`
	TokenAmount     int64    `json:"token_amount,omitempty"`
	Shares          int64    `json:"shares,omitempty"`
	Amount          int64    `json:"amount,omitempty"`
	Expired         []string `json:"expired,omitempty"`
	Skipped         []string `json:"skipped,omitempty"`
}

type CallerRequest struct {
	Chain   string `json:"chain"`
	Account string `json:"account"`
}

type QuoteRequest struct {
	Chain string          `json:"chain"`
	Body  json.RawMessage `json:"body"`
}

type QuoteResponse struct {
	Premium int64 `json:"premium"`
}

type UpkeepRequest struct {
	Chain string `json:"chain"`
	Limit int    `json:"limit,omitempty"`
}

type UpkeepResponse struct {
	UpkeepNeeded bool     `json:"upkeep_needed"`
	CoverageIDs  []string `json:"coverage_ids"`
}

type CoverageRequest struct {
	Chain      string `json:"chain"`
	CoverageID string `json:"coverage_id"`
}

type HolderRequest struct {
	Chain  string `json:"chain"`
	Holder string `json:"holder"`
	Limit  int    `json:"limit,omitempty"`
}

type CoverageList struct {
	Coverages []query.CoverageResponse `json:"coverages"`
}

type ClaimList struct {
	Claims []query.ClaimResponse `json:"claims"`
}

type ChainRequest struct {
	Chain string `json:"chain"`
	Limit int    `json:"limit,omitempty"`
}

type PositionList struct {
	Positions []query.PositionResponse `json:"positions"`
}

type JournalRequest struct {
	Chain          string `json:"chain"`
	Account        string `json:"account"`
	Limit          int    `json:"limit,omitempty"`
	BeforeSequence *int64 `json:"before_sequence,omitempty"`
}

type JournalList struct {
	Journals []query.JournalHistoryEntry `json:"journals"`
}

type SnapshotResponse struct {
	Chain    string `json:"chain"`
	Sequence int64  `json:"sequence"`
}

// CoverageServer is the handler contract of serviceName.
type CoverageServer interface {
	Submit(context.Context, *SubmitRequest) (*SubmitResponse, error)
	PrepareCaller(context.Context, *CallerRequest) (*event.Caller, error)
	Quote(context.Context, *QuoteRequest) (*QuoteResponse, error)
	CheckUpkeep(context.Context, *UpkeepRequest) (*UpkeepResponse, error)
	GetCoverage(context.Context, *CoverageRequest) (*query.CoverageResponse, error)
	ListCoverages(context.Context, *HolderRequest) (*CoverageList, error)
	ListClaims(context.Context, *HolderRequest) (*ClaimList, error)
	GetPool(context.Context, *ChainRequest) (*query.PoolResponse, error)
	ListPositions(context.Context, *ChainRequest) (*PositionList, error)
	ListJournals(context.Context, *JournalRequest) (*JournalList, error)
	VerifyIntegrity(context.Context, *ChainRequest) (*query.IntegrityReport, error)
	TakeSnapshot(context.Context, *ChainRequest) (*SnapshotResponse, error)
}

// writeMethods go through the per-peer rate limiter.
var writeMethods = map[string]bool{
	"Submit": true,
}

var coverageServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*CoverageServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Submit", CoverageServer.Submit),
		unary("PrepareCaller", CoverageServer.PrepareCaller),
		unary("Quote", CoverageServer.Quote),
		unary("CheckUpkeep", CoverageServer.CheckUpkeep),
		unary("GetCoverage", CoverageServer.GetCoverage),
		unary("ListCoverages", CoverageServer.ListCoverages),
		unary("ListClaims", CoverageServer.ListClaims),
		unary("GetPool", CoverageServer.GetPool),
		unary("ListPositions", CoverageServer.ListPositions),
		unary("ListJournals", CoverageServer.ListJournals),
		unary("VerifyIntegrity", CoverageServer.VerifyIntegrity),
		unary("TakeSnapshot", CoverageServer.TakeSnapshot),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "coverledger/v1/coverage",
}

func unary[Req, Resp any](method string, call func(CoverageServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + serviceName + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(CoverageServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(CoverageServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// coverageService implements CoverageServer for both gRPC and the HTTP gateway.
type coverageService struct {
	cmd      Commander
	reader   Reader
	snapshot SnapshotFunc
}

func (s *coverageService) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	evt, res, err := s.cmd.SubmitRaw(ctx, req.Chain, req.EventType, req.Body, req.Signature)
	if err != nil {
		return nil, err
	}
	resp := &SubmitResponse{
		EventType:       evt.EventType().String(),
		Sequence:        res.Sequence,
		StateHash:       hex.EncodeToString(res.StateHash[:]),
		CoverageID:      res.CoverageID,
		ClaimID:         res.ClaimID,
		RejectionReason: res.RejectionReason,
		Premium:         res.Premium,
		ProtocolFee:     res.ProtocolFee,
		TokenAmount:     res.TokenAmount,
		Shares:          res.Shares,
		Amount:          res.Amount,
		Expired:         res.Expired,
		Skipped:         res.Skipped,
	}
	if res.ClaimID != "" {
		resp.ClaimStatus = res.ClaimStatus.String()
	}
	return resp, nil
}

func (s *coverageService) PrepareCaller(ctx context.Context, req *CallerRequest) (*event.Caller, error) {
	caller, err := s.cmd.PrepareCaller(ctx, req.Chain, req.Account)
	if err != nil {
		return nil, err
	}
	return &caller, nil
}

func (s *coverageService) Quote(ctx context.Context, req *QuoteRequest) (*QuoteResponse, error) {
	q, err := ingestion.ParseQuote(req.Body)
	if err != nil {
		return nil, err
	}
	premium, err := s.cmd.Quote(ctx, req.Chain, q)
	if err != nil {
		return nil, err
	}
	return &QuoteResponse{Premium: premium}, nil
}

func (s *coverageService) CheckUpkeep(ctx context.Context, req *UpkeepRequest) (*UpkeepResponse, error) {
	needed, ids, err := s.cmd.CheckUpkeep(ctx, req.Chain, req.Limit)
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []string{}
	}
	return &UpkeepResponse{UpkeepNeeded: needed, CoverageIDs: ids}, nil
}

func (s *coverageService) GetCoverage(ctx context.Context, req *CoverageRequest) (*query.CoverageResponse, error) {
	return s.reader.GetCoverage(ctx, req.Chain, req.CoverageID)
}

func (s *coverageService) ListCoverages(ctx context.Context, req *HolderRequest) (*CoverageList, error) {
	list, err := s.reader.CoveragesByHolder(ctx, req.Chain, req.Holder, req.Limit)
	if err != nil {
		return nil, err
	}
	return &CoverageList{Coverages: list}, nil
}

func (s *coverageService) ListClaims(ctx context.Context, req *HolderRequest) (*ClaimList, error) {
	list, err := s.reader.ClaimsByClaimant(ctx, req.Chain, req.Holder, req.Limit)
	if err != nil {
		return nil, err
	}
	return &ClaimList{Claims: list}, nil
}

func (s *coverageService) GetPool(ctx context.Context, req *ChainRequest) (*query.PoolResponse, error) {
	return s.reader.Pool(ctx, req.Chain)
}

func (s *coverageService) ListPositions(ctx context.Context, req *ChainRequest) (*PositionList, error) {
	list, err := s.reader.Positions(ctx, req.Chain, req.Limit)
	if err != nil {
		return nil, err
	}
	return &PositionList{Positions: list}, nil
}

func (s *coverageService) ListJournals(ctx context.Context, req *JournalRequest) (*JournalList, error) {
	list, err := s.reader.JournalHistory(ctx, req.Chain, req.Account, req.Limit, req.BeforeSequence)
	if err != nil {
		return nil, err
	}
	return &JournalList{Journals: list}, nil
}

func (s *coverageService) VerifyIntegrity(ctx context.Context, req *ChainRequest) (*query.IntegrityReport, error) {
	return s.reader.VerifyIntegrity(ctx, req.Chain)
}

func (s *coverageService) TakeSnapshot(ctx context.Context, req *ChainRequest) (*SnapshotResponse, error) {
	if s.snapshot == nil {
		return nil, errSnapshotsDisabled
	}
	seq, err := s.snapshot(ctx, req.Chain)
	if err != nil {
		return nil, err
	}
	return &SnapshotResponse{Chain: req.Chain, Sequence: seq}, nil
}

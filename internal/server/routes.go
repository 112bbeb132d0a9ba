package server

import (
	"CoverLedger/internal/errs"
	"CoverLedger/internal/ingestion"
	"io"
	"net/http"
	"strconv"
)

const maxBodyBytes = 1 << 20

type handlerFunc func(r *http.Request, params map[string]string) (any, error)

type route struct {
	method  string
	pattern string
	name    string
	handle  handlerFunc
}

// routes maps the HTTP/JSON surface onto the service methods. Account paths
// contain ':' and travel as query parameters.
func (s *GRPCServer) routes() []route {
	svc := s.svc
	return []route{
		{"POST", "/v1/{chain}/commands/{type}", "Submit", func(r *http.Request, p map[string]string) (any, error) {
			body, err := readBody(r)
			if err != nil {
				return nil, err
			}
			return svc.Submit(r.Context(), &SubmitRequest{
				Chain:     p["chain"],
				EventType: p["type"],
				Body:      body,
				Signature: r.Header.Get(ingestion.SignatureHeader),
			})
		}},
		{"GET", "/v1/{chain}/callers/{account}", "PrepareCaller", func(r *http.Request, p map[string]string) (any, error) {
			return svc.PrepareCaller(r.Context(), &CallerRequest{Chain: p["chain"], Account: p["account"]})
		}},
		{"POST", "/v1/{chain}/quote", "Quote", func(r *http.Request, p map[string]string) (any, error) {
			body, err := readBody(r)
			if err != nil {
				return nil, err
			}
			return svc.Quote(r.Context(), &QuoteRequest{Chain: p["chain"], Body: body})
		}},
		{"GET", "/v1/{chain}/upkeep", "CheckUpkeep", func(r *http.Request, p map[string]string) (any, error) {
			limit, err := intParam(r, "limit")
			if err != nil {
				return nil, err
			}
			return svc.CheckUpkeep(r.Context(), &UpkeepRequest{Chain: p["chain"], Limit: limit})
		}},
		{"GET", "/v1/{chain}/coverages/{id}", "GetCoverage", func(r *http.Request, p map[string]string) (any, error) {
			return svc.GetCoverage(r.Context(), &CoverageRequest{Chain: p["chain"], CoverageID: p["id"]})
		}},
		{"GET", "/v1/{chain}/holders/{holder}/coverages", "ListCoverages", func(r *http.Request, p map[string]string) (any, error) {
			limit, err := intParam(r, "limit")
			if err != nil {
				return nil, err
			}
			return svc.ListCoverages(r.Context(), &HolderRequest{Chain: p["chain"], Holder: p["holder"], Limit: limit})
		}},
		{"GET", "/v1/{chain}/holders/{holder}/claims", "ListClaims", func(r *http.Request, p map[string]string) (any, error) {
			limit, err := intParam(r, "limit")
			if err != nil {
				return nil, err
			}
			return svc.ListClaims(r.Context(), &HolderRequest{Chain: p["chain"], Holder: p["holder"], Limit: limit})
		}},
		{"GET", "/v1/{chain}/pool", "GetPool", func(r *http.Request, p map[string]string) (any, error) {
			return svc.GetPool(r.Context(), &ChainRequest{Chain: p["chain"]})
		}},
		{"GET", "/v1/{chain}/positions", "ListPositions", func(r *http.Request, p map[string]string) (any, error) {
			limit, err := intParam(r, "limit")
			if err != nil {
				return nil, err
			}
			return svc.ListPositions(r.Context(), &ChainRequest{Chain: p["chain"], Limit: limit})
		}},
		{"GET", "/v1/{chain}/journals", "ListJournals", func(r *http.Request, p map[string]string) (any, error) {
			limit, err := intParam(r, "limit")
			if err != nil {
				return nil, err
			}
			req := &JournalRequest{Chain: p["chain"], Account: r.URL.Query().Get("account"), Limit: limit}
			if v := r.URL.Query().Get("before"); v != "" {
				before, err := strconv.ParseInt(v, 10, 64)
				if err != nil {
					return nil, errs.Validation("malformed_request", "before: %v", err)
				}
				req.BeforeSequence = &before
			}
			if req.Account == "" {
				return nil, errs.Validation("malformed_request", "account is required")
			}
			return svc.ListJournals(r.Context(), req)
		}},
		{"GET", "/v1/{chain}/integrity", "VerifyIntegrity", func(r *http.Request, p map[string]string) (any, error) {
			return svc.VerifyIntegrity(r.Context(), &ChainRequest{Chain: p["chain"]})
		}},
		{"POST", "/v1/{chain}/snapshots", "TakeSnapshot", func(r *http.Request, p map[string]string) (any, error) {
			return svc.TakeSnapshot(r.Context(), &ChainRequest{Chain: p["chain"]})
		}},
	}
}

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, errs.Validation("malformed_request", "read body: %v", err)
	}
	if len(body) > maxBodyBytes {
		return nil, errs.Validation("malformed_request", "body exceeds %d bytes", maxBodyBytes)
	}
	return body, nil
}

func intParam(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errs.Validation("malformed_request", "%s: %v", name, err)
	}
	return n, nil
}

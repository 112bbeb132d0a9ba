package server

import (
	"CoverLedger/internal/core"
	"CoverLedger/internal/errs"
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	errSnapshotsDisabled = errs.Validation("snapshots_disabled", "snapshots are not configured")
	errRateLimited       = errors.New("rate limit exceeded")
)

// grpcCode maps an engine rejection onto the gRPC status space.
func grpcCode(err error) codes.Code {
	switch {
	case errors.Is(err, errRateLimited):
		return codes.ResourceExhausted
	case errors.Is(err, core.ErrProcessorStopped):
		return codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return codes.DeadlineExceeded
	}
	switch errs.KindOf(err) {
	case errs.KindValidation:
		return codes.InvalidArgument
	case errs.KindAuthorization:
		return codes.PermissionDenied
	case errs.KindInsufficientFunds:
		return codes.FailedPrecondition
	case errs.KindStateConflict:
		return codes.Aborted
	}
	return codes.Internal
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, core.ErrProcessorStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	}
	switch errs.KindOf(err) {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindAuthorization:
		return http.StatusForbidden
	case errs.KindInsufficientFunds:
		return http.StatusPaymentRequired
	case errs.KindStateConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// toStatus converts err for gRPC clients. The message starts with the
// machine-readable code when there is one.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	msg := err.Error()
	if code := errs.CodeOf(err); code != "" {
		msg = code + ": " + msg
	}
	return status.Error(grpcCode(err), msg)
}

type errorBody struct {
	Kind    string `json:"kind"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Kind: errs.KindOf(err).String(), Code: errs.CodeOf(err), Message: err.Error()}
	if errors.Is(err, errRateLimited) {
		body.Code = "rate_limited"
	}
	writeJSON(w, httpStatus(err), body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

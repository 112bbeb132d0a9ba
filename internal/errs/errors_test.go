package errs_test

import (
	"CoverLedger/internal/errs"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf_Wrapped(t *testing.T) {
	base := errs.StateConflict("claim_terminal", "claim %s already %s", "7", "Paid")
	wrapped := fmt.Errorf("resolve: %w", base)

	assert.Equal(t, errs.KindStateConflict, errs.KindOf(wrapped))
	assert.Equal(t, "claim_terminal", errs.CodeOf(wrapped))
	assert.True(t, errors.Is(wrapped, errs.ErrStateConflict))
	assert.False(t, errors.Is(wrapped, errs.ErrValidation))
}

func TestIs_MatchesCode(t *testing.T) {
	err := errs.InsufficientFunds("reserve_requirement", "withdrawal breaches reserve")

	assert.True(t, errors.Is(err, &errs.Error{Kind: errs.KindInsufficientFunds, Code: "reserve_requirement"}))
	assert.False(t, errors.Is(err, &errs.Error{Kind: errs.KindInsufficientFunds, Code: "transfer_failed"}))
}

func TestKindOf_Foreign(t *testing.T) {
	assert.Equal(t, errs.KindUnknown, errs.KindOf(errors.New("boom")))
	assert.Equal(t, "", errs.CodeOf(nil))
}

func TestRetryable(t *testing.T) {
	assert.True(t, errs.KindInsufficientFunds.Retryable())
	assert.False(t, errs.KindStateConflict.Retryable())
	assert.False(t, errs.KindValidation.Retryable())
}

func TestError_Message(t *testing.T) {
	err := errs.Validation("amount_out_of_range", "coverage amount %d below minimum %d", 5, 10)
	assert.Equal(t, "validation: coverage amount 5 below minimum 10", err.Error())
}

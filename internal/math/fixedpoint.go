package math

import (
	"fmt"

	"github.com/holiman/uint256"
)

// BasisPoints is the denominator for every rate in the engine (1 bp = 0.01%).
const BasisPoints int64 = 10_000

// RoundingMode selects how MulDiv treats a non-zero remainder.
type RoundingMode int

const (
	RoundDown RoundingMode = iota // Truncate toward zero (default for anything paid out)
	RoundUp                       // Ceil, used for requirements the pool must meet
)

// MulDiv computes a * b / d with a 256-bit intermediate, truncating.
// All operands must be non-negative; the result must fit in int64.
func MulDiv(a, b, d int64) (int64, error) {
	return MulDivRound(a, b, d, RoundDown)
}

// MulDivRound computes a * b / d with a 256-bit intermediate and the given rounding.
func MulDivRound(a, b, d int64, mode RoundingMode) (int64, error) {
	if a < 0 || b < 0 || d < 0 {
		return 0, fmt.Errorf("muldiv: negative operand (a=%d, b=%d, d=%d)", a, b, d)
	}
	if d == 0 {
		return 0, fmt.Errorf("muldiv: division by zero")
	}

	x := uint256.NewInt(uint64(a))
	y := uint256.NewInt(uint64(b))
	z := uint256.NewInt(uint64(d))

	quo, overflow := new(uint256.Int).MulDivOverflow(x, y, z)
	if overflow {
		return 0, fmt.Errorf("muldiv: overflow (a=%d, b=%d, d=%d)", a, b, d)
	}

	if mode == RoundUp {
		rem := new(uint256.Int).MulMod(x, y, z)
		if !rem.IsZero() {
			quo.AddUint64(quo, 1)
		}
	}

	if !quo.IsUint64() || quo.Uint64() > uint64(maxInt64) {
		return 0, fmt.Errorf("muldiv: result exceeds int64 (a=%d, b=%d, d=%d)", a, b, d)
	}
	return int64(quo.Uint64()), nil
}

// Add returns a + b for non-negative amounts, failing where int64 would wrap.
func Add(a, b int64) (int64, error) {
	if a < 0 || b < 0 {
		return 0, fmt.Errorf("add: negative operand (a=%d, b=%d)", a, b)
	}
	if a > maxInt64-b {
		return 0, fmt.Errorf("add: %d + %d exceeds int64", a, b)
	}
	return a + b, nil
}

// ApplyBps returns amount * bps / 10000, truncated.
func ApplyBps(amount, bps int64) (int64, error) {
	return MulDiv(amount, bps, BasisPoints)
}

// RatioBps returns part / whole in basis points, truncated. Zero whole yields zero.
func RatioBps(part, whole int64) int64 {
	if whole <= 0 || part <= 0 {
		return 0
	}
	r, err := MulDiv(part, BasisPoints, whole)
	if err != nil {
		return 0
	}
	return r
}

const maxInt64 = 1<<63 - 1

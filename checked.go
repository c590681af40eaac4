package partialzip

import (
	"math/bits"

	"github.com/pkg/errors"
)

// Offsets and sizes read from the archive are untrusted, so every addition
// or subtraction involving them goes through these helpers.

func addU64(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, errors.Wrapf(ErrArithmetic, "%d + %d", a, b)
	}
	return sum, nil
}

func subU64(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, errors.Wrapf(ErrArithmetic, "%d - %d", a, b)
	}
	return diff, nil
}

func mulU64(a, b uint64) (uint64, error) {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return 0, errors.Wrapf(ErrArithmetic, "%d * %d", a, b)
	}
	return lo, nil
}

// inclusiveEnd returns start+n-1, the last byte of an n byte range.
func inclusiveEnd(start, n uint64) (uint64, error) {
	if n == 0 {
		return 0, errors.Wrapf(ErrArithmetic, "empty range at %d", start)
	}
	return addU64(start, n-1)
}

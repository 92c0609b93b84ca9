package tile

import "golang.org/x/exp/constraints"

// DivRoundUp returns a / b rounded up for non-negative a and positive b.
func DivRoundUp[T constraints.Integer](a, b T) T {
	return (a + b - 1) / b
}

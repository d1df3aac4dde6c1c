package tensor

import (
	"fmt"
	"slices"
)

// Shape lists the dimensions of a bound value, outermost first. The empty
// shape is a scalar.
type Shape []int

// Scalar is the shape of a single element.
var Scalar = Shape{}

// NumElements is the product of the dimensions; 1 for a scalar.
func (s Shape) NumElements() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

func (s Shape) Rank() int { return len(s) }

// Validate rejects zero and negative dimensions.
func (s Shape) Validate() error {
	if i := slices.IndexFunc(s, func(d int) bool { return d < 1 }); i >= 0 {
		return fmt.Errorf("tensor: dimension %d of %v is %d, want > 0", i, s, s[i])
	}
	return nil
}

func (s Shape) Equal(other Shape) bool { return slices.Equal(s, other) }

// Clone never returns nil, so a cloned scalar still compares equal to Scalar.
func (s Shape) Clone() Shape {
	return append(Shape{}, s...)
}

// IsSquareMatrix reports whether the shape is [n, n].
func (s Shape) IsSquareMatrix() bool {
	return len(s) == 2 && s[0] == s[1]
}

// Strides returns row-major element strides.
func (s Shape) Strides() []int {
	strides := make([]int, len(s))
	step := 1
	for i := len(s) - 1; i >= 0; i-- {
		strides[i] = step
		step *= s[i]
	}
	return strides
}

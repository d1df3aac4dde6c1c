// Package kernel defines the deferred operation kinds and the plan a shader
// program carries alongside its source text.
package kernel

import (
	"fmt"

	"github.com/born-ml/zelkova/internal/tensor"
)

// MaxMatrixDim bounds determinant and inverse so their scratch arrays fit in
// function-local shader memory.
const MaxMatrixDim = 16

// Op is a deferred operation kind.
type Op int

// Operation kinds.
const (
	Add Op = iota
	Sub
	Mul
	Div
	Exp
	Rotate
	Sum
	Determinant
	Inverse
	Transpose
)

// Category groups operations by how they map inputs to outputs.
type Category int

// Categories.
const (
	Elementwise Category = iota
	Reduction
)

func (c Category) String() string {
	if c == Elementwise {
		return "elementwise"
	}
	return "reduction"
}

var opNames = [...]string{
	Add:         "add",
	Sub:         "sub",
	Mul:         "mul",
	Div:         "div",
	Exp:         "exp",
	Rotate:      "rotate",
	Sum:         "sum",
	Determinant: "determinant",
	Inverse:     "inverse",
	Transpose:   "transpose",
}

func (o Op) String() string {
	if o < 0 || int(o) >= len(opNames) {
		return fmt.Sprintf("op(%d)", int(o))
	}
	return opNames[o]
}

// ParseOp maps an operation name back to its Op.
func ParseOp(name string) (Op, error) {
	for i, n := range opNames {
		if n == name {
			return Op(i), nil
		}
	}
	return 0, fmt.Errorf("kernel: unknown operation %q", name)
}

// Category returns the category of o.
func (o Op) Category() Category {
	switch o {
	case Sum, Determinant, Inverse, Transpose:
		return Reduction
	default:
		return Elementwise
	}
}

// Binary reports whether o folds two or more operands.
func (o Op) Binary() bool {
	switch o {
	case Add, Sub, Mul, Div:
		return true
	default:
		return false
	}
}

// Arity returns the minimum and maximum operand count; max < 0 means unbounded.
func (o Op) Arity() (lo, hi int) {
	if o.Binary() {
		return 2, -1
	}
	return 1, 1
}

// Symbol returns the infix operator for binary ops.
func (o Op) Symbol() string {
	switch o {
	case Add:
		return "+"
	case Sub:
		return "-"
	case Mul:
		return "*"
	case Div:
		return "/"
	default:
		return ""
	}
}

// FloatOnly reports whether o is only defined for floating point elements.
func (o Op) FloatOnly() bool {
	switch o {
	case Exp, Determinant, Inverse:
		return true
	default:
		return false
	}
}

// Check validates a single operand shape and element type for o.
func (o Op) Check(shape tensor.Shape, dt tensor.DataType) error {
	if o.FloatOnly() && !dt.IsFloat() {
		return fmt.Errorf("%s requires float32 operands, got %s", o, dt)
	}
	switch o {
	case Determinant, Inverse:
		if !shape.IsSquareMatrix() {
			return fmt.Errorf("%s requires a square matrix, got shape %v", o, shape)
		}
		if shape[0] > MaxMatrixDim {
			return fmt.Errorf("%s supports matrices up to %dx%d, got %v", o, MaxMatrixDim, MaxMatrixDim, shape)
		}
	case Transpose:
		if shape.Rank() != 2 {
			return fmt.Errorf("transpose requires a rank 2 operand, got shape %v", shape)
		}
	}
	return nil
}

// ResultShape returns the shape o produces from an operand of shape in.
func (o Op) ResultShape(in tensor.Shape) tensor.Shape {
	switch o {
	case Sum, Determinant:
		return tensor.Scalar
	case Transpose:
		return tensor.Shape{in[1], in[0]}
	default:
		return in.Clone()
	}
}

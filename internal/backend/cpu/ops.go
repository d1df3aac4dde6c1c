package cpu

import (
	"fmt"
	"math"

	"github.com/born-ml/zelkova/internal/kernel"
	"github.com/born-ml/zelkova/internal/parallel"
	"github.com/born-ml/zelkova/internal/tensor"
)

// run evaluates every step of e in order and stores the outputs. Only the
// first threads elements of each output are written, as on a device.
func run(e *kernel.Entry, slots map[uint32]*buffer, threads uint64, par parallel.Config) error {
	values := make([]any, len(e.Steps))
	for i, step := range e.Steps {
		args := make([]any, len(step.Args))
		n := step.Shape.NumElements()
		if step.Op.Category() == kernel.Reduction {
			n = step.Input.NumElements()
		}
		for j, ref := range step.Args {
			if ref.IsStep {
				if ref.Step >= i {
					return fmt.Errorf("step %d reads later step %d", i, ref.Step)
				}
				args[j] = values[ref.Step]
				continue
			}
			buf, ok := slots[ref.Slot]
			if !ok {
				return fmt.Errorf("step %d: slot %d not bound", i, ref.Slot)
			}
			v, err := load(buf, step.DType, n)
			if err != nil {
				return fmt.Errorf("step %d: slot %d: %w", i, ref.Slot, err)
			}
			args[j] = v
		}
		v, err := evaluate(step, args, par)
		if err != nil {
			return fmt.Errorf("step %d (%s): %w", i, step.Op, err)
		}
		values[i] = v
	}

	for _, out := range e.Outputs {
		buf, ok := slots[out.Slot]
		if !ok {
			return fmt.Errorf("output slot %d not bound", out.Slot)
		}
		raw := encode(values[out.Step])
		if uint64(len(raw)) > threads*4 {
			raw = raw[:threads*4]
		}
		if len(raw) > len(buf.data) {
			return fmt.Errorf("output slot %d holds %d bytes, result is %d", out.Slot, len(buf.data), len(raw))
		}
		copy(buf.data, raw)
	}
	return nil
}

func load(buf *buffer, dt tensor.DataType, n int) (any, error) {
	size := n * dt.Size()
	if len(buf.data) < size {
		return nil, fmt.Errorf("buffer holds %d bytes, need %d", len(buf.data), size)
	}
	raw := buf.data[:size]
	switch dt {
	case tensor.Float32:
		return tensor.Decode[float32](raw)
	case tensor.Int32:
		return tensor.Decode[int32](raw)
	case tensor.Uint32:
		return tensor.Decode[uint32](raw)
	default:
		return nil, fmt.Errorf("unsupported data type %s", dt)
	}
}

func encode(v any) []byte {
	switch x := v.(type) {
	case []float32:
		return tensor.Encode(x)
	case []int32:
		return tensor.Encode(x)
	case []uint32:
		return tensor.Encode(x)
	default:
		return nil
	}
}

func evaluate(step kernel.Step, args []any, par parallel.Config) (any, error) {
	switch step.DType {
	case tensor.Float32:
		xs, err := typed[float32](args)
		if err != nil {
			return nil, err
		}
		switch step.Op {
		case kernel.Exp:
			return expFloat32(xs[0], par), nil
		case kernel.Determinant:
			return []float32{determinant(xs[0], step.Input[0])}, nil
		case kernel.Inverse:
			return inverse(xs[0], step.Input[0]), nil
		}
		return apply(step, xs, true, par)
	case tensor.Int32:
		xs, err := typed[int32](args)
		if err != nil {
			return nil, err
		}
		return apply(step, xs, false, par)
	case tensor.Uint32:
		xs, err := typed[uint32](args)
		if err != nil {
			return nil, err
		}
		return apply(step, xs, false, par)
	default:
		return nil, fmt.Errorf("unsupported data type %s", step.DType)
	}
}

func typed[T tensor.Element](args []any) ([][]T, error) {
	out := make([][]T, len(args))
	for i, a := range args {
		v, ok := a.([]T)
		if !ok {
			return nil, fmt.Errorf("operand %d is %T", i, a)
		}
		out[i] = v
	}
	return out, nil
}

// apply evaluates the type-generic operations.
func apply[T tensor.Element](step kernel.Step, xs [][]T, float bool, par parallel.Config) ([]T, error) {
	switch step.Op {
	case kernel.Add, kernel.Sub, kernel.Mul, kernel.Div:
		out := append([]T(nil), xs[0]...)
		for _, x := range xs[1:] {
			if len(x) != len(out) {
				return nil, fmt.Errorf("operand length %d, want %d", len(x), len(out))
			}
			binaryInplace(step.Op, out, x, float, par)
		}
		return out, nil
	case kernel.Rotate:
		return rotate(xs[0], step.Shift), nil
	case kernel.Transpose:
		return transpose(xs[0], step.Input[0], step.Input[1]), nil
	case kernel.Sum:
		var acc T
		for _, v := range xs[0] {
			acc += v
		}
		return []T{acc}, nil
	default:
		return nil, fmt.Errorf("%s is not defined for %s", step.Op, step.DType)
	}
}

// binaryInplace folds b into a. Integer division by zero yields the dividend,
// matching shader semantics.
func binaryInplace[T tensor.Element](op kernel.Op, a, b []T, float bool, par parallel.Config) {
	parallel.Range(len(a), func(lo, hi int) {
		a, b := a[lo:hi], b[lo:hi]
		switch op {
		case kernel.Add:
			for i := range a {
				a[i] += b[i]
			}
		case kernel.Sub:
			for i := range a {
				a[i] -= b[i]
			}
		case kernel.Mul:
			for i := range a {
				a[i] *= b[i]
			}
		case kernel.Div:
			for i := range a {
				if !float && b[i] == 0 {
					continue
				}
				a[i] /= b[i]
			}
		}
	}, par)
}

func expFloat32(x []float32, par parallel.Config) []float32 {
	out := make([]float32, len(x))
	parallel.For(len(x), func(i int) {
		out[i] = float32(math.Exp(float64(x[i])))
	}, par)
	return out
}

// rotate shifts x cyclically by k: out[i] = x[(i - k) mod n].
func rotate[T tensor.Element](x []T, k int) []T {
	n := len(x)
	out := make([]T, n)
	if n == 0 {
		return out
	}
	s := ((k % n) + n) % n
	for i := range out {
		out[i] = x[(i+n-s)%n]
	}
	return out
}

func transpose[T tensor.Element](x []T, rows, cols int) []T {
	out := make([]T, len(x))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out[c*rows+r] = x[r*cols+c]
		}
	}
	return out
}

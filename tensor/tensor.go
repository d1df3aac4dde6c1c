// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import (
	"context"
	"errors"
	"fmt"

	"github.com/born-ml/zelkova/internal/binding"
	"github.com/born-ml/zelkova/internal/engine"
	"github.com/born-ml/zelkova/internal/graph"
	"github.com/born-ml/zelkova/internal/kernel"
	"github.com/born-ml/zelkova/internal/tensor"
)

// Element is the constraint for tensor element types: float32, int32, uint32.
type Element = tensor.Element

// DataType identifies the element type of a tensor.
type DataType = tensor.DataType

// Data type constants.
const (
	Float32 DataType = tensor.Float32
	Int32   DataType = tensor.Int32
	Uint32  DataType = tensor.Uint32
)

// Shape represents the dimensions of a tensor.
// Example: Shape{2, 3} is a 2×3 matrix; Shape{} is a scalar.
type Shape = tensor.Shape

// Engine is a compute session on one driver.
type Engine = engine.Engine

// EngineOption configures an Engine.
type EngineOption = engine.Option

// Config holds the engine settings.
type Config = engine.Config

// WithConfig sets the engine configuration.
func WithConfig(c Config) EngineOption { return engine.WithConfig(c) }

// ConfigFromEnv reads the engine configuration from ZELKOVA_* variables.
func ConfigFromEnv() Config { return engine.ConfigFromEnv() }

// NewEngine creates a compute session on d.
//
// Example:
//
//	eng := tensor.NewEngine(cpu.New())
//	defer eng.Close()
func NewEngine(d Driver, opts ...EngineOption) *Engine {
	return engine.New(d, opts...)
}

// ErrEngineMismatch is returned when tensors from different engines are combined.
var ErrEngineMismatch = errors.New("tensor: operands belong to different engines")

// Tensor is a lazy, typed tensor. A tensor created from host data is ready
// immediately; a tensor returned by an operation stays pending until it is
// resolved, directly or through a tensor that depends on it.
type Tensor[T Element] struct {
	eng    *engine.Engine
	handle *binding.Handle
	node   *graph.Node
}

// FromSlice uploads data with the given shape.
//
// Example:
//
//	x, err := tensor.FromSlice(ctx, eng, []float32{1, 2, 3, 4}, tensor.Shape{2, 2})
func FromSlice[T Element](ctx context.Context, eng *Engine, data []T, shape Shape) (*Tensor[T], error) {
	h, err := eng.Bind(ctx, binding.Content{
		Data:  tensor.Encode(data),
		DType: tensor.DataTypeOf[T](),
		Shape: shape,
	})
	if err != nil {
		return nil, err
	}
	return &Tensor[T]{eng: eng, handle: h}, nil
}

// Scalar uploads a single value as a rank-0 tensor.
func Scalar[T Element](ctx context.Context, eng *Engine, v T) (*Tensor[T], error) {
	return FromSlice(ctx, eng, []T{v}, tensor.Scalar)
}

func (t *Tensor[T]) operand() graph.Operand {
	if t.node != nil {
		return graph.NodeOperand(t.node)
	}
	return graph.HandleOperand(t.handle)
}

func (t *Tensor[T]) apply(op kernel.Op, others []*Tensor[T], opts ...graph.Option) (*Tensor[T], error) {
	operands := []graph.Operand{t.operand()}
	for _, o := range others {
		if o == nil {
			return nil, fmt.Errorf("tensor: %s: %w", op, graph.ErrNilOperand)
		}
		if o.eng != t.eng {
			return nil, ErrEngineMismatch
		}
		operands = append(operands, o.operand())
	}
	n, err := t.eng.Apply(op, operands, opts...)
	if err != nil {
		return nil, err
	}
	return &Tensor[T]{eng: t.eng, node: n}, nil
}

// Add returns t + others[0] + others[1] + ... element-wise.
func (t *Tensor[T]) Add(others ...*Tensor[T]) (*Tensor[T], error) {
	return t.apply(kernel.Add, others)
}

// Sub returns t - others[0] - others[1] - ... element-wise.
func (t *Tensor[T]) Sub(others ...*Tensor[T]) (*Tensor[T], error) {
	return t.apply(kernel.Sub, others)
}

// Mul returns the element-wise product.
func (t *Tensor[T]) Mul(others ...*Tensor[T]) (*Tensor[T], error) {
	return t.apply(kernel.Mul, others)
}

// Div returns t / others[0] / others[1] / ... element-wise.
func (t *Tensor[T]) Div(others ...*Tensor[T]) (*Tensor[T], error) {
	return t.apply(kernel.Div, others)
}

// Exp returns e^x element-wise. Float32 only.
func (t *Tensor[T]) Exp() (*Tensor[T], error) {
	return t.apply(kernel.Exp, nil)
}

// Rotate shifts elements cyclically by k positions in flat order.
func (t *Tensor[T]) Rotate(k int) (*Tensor[T], error) {
	return t.apply(kernel.Rotate, nil, graph.WithShift(k))
}

// Sum reduces all elements to a scalar.
func (t *Tensor[T]) Sum() (*Tensor[T], error) {
	return t.apply(kernel.Sum, nil)
}

// Transpose swaps the axes of a matrix.
func (t *Tensor[T]) Transpose() (*Tensor[T], error) {
	return t.apply(kernel.Transpose, nil)
}

// Determinant returns the determinant of a square float32 matrix as a scalar.
func (t *Tensor[T]) Determinant() (*Tensor[T], error) {
	return t.apply(kernel.Determinant, nil)
}

// Inverse returns the inverse of a square float32 matrix. A singular matrix
// resolves to NaN everywhere.
func (t *Tensor[T]) Inverse() (*Tensor[T], error) {
	return t.apply(kernel.Inverse, nil)
}

// Shape returns the tensor shape.
func (t *Tensor[T]) Shape() Shape {
	if t.node != nil {
		return t.node.Shape()
	}
	return t.handle.Shape()
}

// DataType returns the element type.
func (t *Tensor[T]) DataType() DataType {
	return tensor.DataTypeOf[T]()
}

// Pending reports whether the tensor still awaits resolution.
func (t *Tensor[T]) Pending() bool {
	return t.node != nil && !t.node.Resolved()
}

// Slot returns the binding slot holding the tensor, once it has one.
func (t *Tensor[T]) Slot() (uint32, bool) {
	h, ok := t.resource()
	if !ok {
		return 0, false
	}
	return h.Slot(), true
}

func (t *Tensor[T]) resource() (*binding.Handle, bool) {
	if t.node == nil {
		return t.handle, true
	}
	return t.node.Result()
}

// Resolve computes the tensor and everything it depends on.
func (t *Tensor[T]) Resolve(ctx context.Context) error {
	return Resolve(ctx, t)
}

// Data resolves the tensor if needed and returns its values in flat
// row-major order.
func (t *Tensor[T]) Data(ctx context.Context) ([]T, error) {
	if err := t.Resolve(ctx); err != nil {
		return nil, err
	}
	h, _ := t.resource()
	raw, err := h.Bytes()
	if err != nil {
		return nil, err
	}
	return tensor.Decode[T](raw)
}

// String describes the tensor without resolving it.
func (t *Tensor[T]) String() string {
	if t.node != nil {
		return fmt.Sprintf("Tensor[%s]%v(%s, %s)", t.DataType(), []int(t.Shape()), t.node, t.node.State())
	}
	return fmt.Sprintf("Tensor[%s]%v(slot %d)", t.DataType(), []int(t.Shape()), t.handle.Slot())
}

// Resolve computes every pending tensor in ts with one graph and one
// dispatch. All tensors must share an engine.
func Resolve[T Element](ctx context.Context, ts ...*Tensor[T]) error {
	var (
		eng   *engine.Engine
		roots []*graph.Node
	)
	for _, t := range ts {
		if t == nil {
			return graph.ErrNilRoot
		}
		if eng != nil && t.eng != eng {
			return ErrEngineMismatch
		}
		eng = t.eng
		if t.Pending() {
			roots = append(roots, t.node)
		}
	}
	if len(roots) == 0 {
		return nil
	}
	return eng.Resolve(ctx, roots...)
}

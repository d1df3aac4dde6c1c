// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor provides lazy, typed tensors that compile to fused WGSL
// compute shaders.
//
// # Overview
//
// Operations on tensors record a graph instead of computing. Resolving a
// tensor compiles the whole pending expression into one compute shader
// that runs in a single dispatch:
//   - Generic typed tensors (Tensor[T]) over float32, int32 and uint32
//   - One shader module and one dispatch per resolution
//   - Drivers for the host (cpu) and the GPU (webgpu)
//
// # Basic Usage
//
//	import (
//	    "github.com/born-ml/zelkova/backend/cpu"
//	    "github.com/born-ml/zelkova/tensor"
//	)
//
//	func main() {
//	    ctx := context.Background()
//	    eng := tensor.NewEngine(cpu.New())
//	    defer eng.Close()
//
//	    a, _ := tensor.FromSlice(ctx, eng, []float32{1, 2, 3, 4}, tensor.Shape{2, 2})
//	    b, _ := a.Mul(a)
//	    c, _ := b.Transpose()
//	    data, _ := c.Data(ctx) // [1 9 4 16]
//	}
//
// # Shapes
//
// Element-wise operands must have identical shapes; there is no
// broadcasting. Sum and Determinant produce scalars (Shape{}).
//
// # Operations
//
//	y, _ := x.Add(a, b)      // x + a + b
//	y, _ := x.Sub(a)         // x - a
//	y, _ := x.Mul(a)         // x * a
//	y, _ := x.Div(a)         // x / a
//	y, _ := x.Exp()          // e^x (float32)
//	y, _ := x.Rotate(1)      // cyclic shift in flat order
//	y, _ := x.Sum()          // scalar sum
//	y, _ := x.Transpose()    // matrix transpose
//	y, _ := x.Determinant()  // float32 square matrix, up to 16×16
//	y, _ := x.Inverse()      // float32 square matrix, NaN when singular
//
// Several tensors resolve together through one graph:
//
//	err := tensor.Resolve(ctx, y1, y2)
package tensor

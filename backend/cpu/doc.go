// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cpu provides a pure Go driver that runs generated compute shaders
// on the host.
//
// # Overview
//
// This package implements a driver with:
//   - Pure Go implementation (no CGO)
//   - Host-side WGSL validation through naga, the same check a device runs
//   - Evaluation of the compiled kernel plan for float32, int32 and uint32
//
// # Basic Usage
//
//	import (
//	    "github.com/born-ml/zelkova/backend/cpu"
//	    "github.com/born-ml/zelkova/tensor"
//	)
//
//	func main() {
//	    eng := tensor.NewEngine(cpu.New())
//	    x, _ := tensor.FromSlice(ctx, eng, []float32{1, 2, 3, 4}, tensor.Shape{4})
//	    y, _ := x.Add(x)
//	    data, _ := y.Data(ctx) // [2 4 6 8]
//	}
//
// # Thread Safety
//
// The CPU backend is safe for concurrent use. Dispatches of independent
// entry points may run in parallel, and large element loops are split
// across goroutines (see WithWorkers).
package cpu

// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import "github.com/born-ml/zelkova/internal/driver"

// Driver is the device an Engine runs on. It allocates buffers, compiles
// generated WGSL, dispatches entry points and reads results back.
//
// Implementations:
//   - backend/cpu: host buffers, naga validation, plan evaluation in Go
//   - backend/webgpu: GPU compute via WebGPU
//
// Example:
//
//	import (
//	    "github.com/born-ml/zelkova/backend/cpu"
//	    "github.com/born-ml/zelkova/tensor"
//	)
//
//	eng := tensor.NewEngine(cpu.New())
//	x, _ := tensor.FromSlice(ctx, eng, []float32{1, 2, 3, 4}, tensor.Shape{4})
//	y, _ := x.Add(x)
//	data, _ := y.Data(ctx) // [2 4 6 8]
type Driver = driver.Driver

// Driver errors.
var (
	ErrOutOfMemory = driver.ErrOutOfMemory
	ErrDeviceLost  = driver.ErrDeviceLost
	ErrClosed      = driver.ErrClosed
)

// ShaderCompileError reports generated WGSL that the driver rejected. The
// source is attached.
type ShaderCompileError = driver.ShaderCompileError

// AllocationError reports a buffer the driver could not create.
type AllocationError = driver.AllocationError

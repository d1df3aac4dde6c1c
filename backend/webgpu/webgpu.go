//go:build windows

// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package webgpu runs resolved tensor expressions on a GPU through WebGPU.
//
// Each generated WGSL module is validated on the host before the device
// sees it. Results come back through staging buffers.
//
//	gpu, err := webgpu.New()
//	if err != nil {
//	    return err
//	}
//	eng := tensor.NewEngine(gpu)
//	defer eng.Close()
package webgpu

import (
	internalwebgpu "github.com/born-ml/zelkova/internal/backend/webgpu"
	"github.com/born-ml/zelkova/internal/envconfig"
	"github.com/born-ml/zelkova/tensor"
)

// Backend is the WebGPU driver.
//
// MemoryStats includes buffer pool traffic.
type Backend = internalwebgpu.Backend

// Option configures a Backend.
type Option = internalwebgpu.Option

var _ tensor.Driver = (*Backend)(nil)

// New opens the default high-performance adapter. Host-side shader
// validation follows ZELKOVA_VALIDATE_SHADERS unless an option overrides it.
// Closing the engine that owns the driver releases the device.
func New(opts ...Option) (*Backend, error) {
	opts = append([]Option{internalwebgpu.WithValidation(envconfig.ValidateShaders(true))}, opts...)
	return internalwebgpu.New(opts...)
}

// IsAvailable reports whether a WebGPU adapter can be opened, so callers can
// fall back to the cpu driver.
func IsAvailable() bool {
	return internalwebgpu.IsAvailable()
}

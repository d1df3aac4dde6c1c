// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package cpu

import (
	"log/slog"

	internalcpu "github.com/born-ml/zelkova/internal/backend/cpu"
	"github.com/born-ml/zelkova/internal/envconfig"
	"github.com/born-ml/zelkova/internal/parallel"
	"github.com/born-ml/zelkova/tensor"
)

// Backend is the CPU driver.
//
// It keeps buffers in host memory, validates each generated shader with
// naga and evaluates the compiled kernel plan in Go.
type Backend = internalcpu.Backend

// Option configures a Backend.
type Option = internalcpu.Option

// MemoryStats tracks host buffer usage.
type MemoryStats = internalcpu.MemoryStats

// Compile-time check that Backend implements tensor.Driver.
var _ tensor.Driver = (*Backend)(nil)

// New creates a new CPU backend. Shader validation follows
// ZELKOVA_VALIDATE_SHADERS unless an option overrides it.
//
// Example:
//
//	import (
//	    "github.com/born-ml/zelkova/backend/cpu"
//	    "github.com/born-ml/zelkova/tensor"
//	)
//
//	func main() {
//	    eng := tensor.NewEngine(cpu.New())
//	    defer eng.Close()
//	}
func New(opts ...Option) *Backend {
	opts = append([]Option{internalcpu.WithValidation(envconfig.ValidateShaders(true))}, opts...)
	return internalcpu.New(opts...)
}

// WithValidation toggles naga validation of generated shaders.
func WithValidation(enabled bool) Option { return internalcpu.WithValidation(enabled) }

// WithWorkers caps the goroutines one element loop may use; 1 keeps every
// loop on the dispatching goroutine.
func WithWorkers(n int) Option {
	cfg := parallel.DefaultConfig()
	cfg.Workers = n
	return internalcpu.WithParallel(cfg)
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return internalcpu.WithLogger(l) }

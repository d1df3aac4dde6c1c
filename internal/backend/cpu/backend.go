// Package cpu implements a host-memory reference driver. It compiles and
// validates every program like a device would, then evaluates the program's
// kernel plan on the CPU.
package cpu

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/born-ml/zelkova/internal/driver"
	"github.com/born-ml/zelkova/internal/kernel"
	"github.com/born-ml/zelkova/internal/parallel"
	"github.com/born-ml/zelkova/internal/shader"
)

// Verify that Backend implements driver.Driver.
var _ driver.Driver = (*Backend)(nil)

// Backend is the CPU reference driver.
type Backend struct {
	limits   gputypes.Limits
	validate bool
	logger   *slog.Logger
	par      parallel.Config

	mu     sync.Mutex
	closed bool
	stats  MemoryStats
}

// MemoryStats tracks host buffer usage.
type MemoryStats struct {
	TotalAllocatedBytes uint64
	ActiveBuffers       int64
	Dispatches          uint64
}

// Option configures a Backend.
type Option func(*Backend)

// WithValidation toggles WGSL validation in Compile.
func WithValidation(enabled bool) Option {
	return func(b *Backend) { b.validate = enabled }
}

// WithLimits overrides the reported device limits.
func WithLimits(l gputypes.Limits) Option {
	return func(b *Backend) { b.limits = l }
}

// WithParallel sets how element loops are split across goroutines.
func WithParallel(cfg parallel.Config) Option {
	return func(b *Backend) { b.par = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// DefaultLimits are the WebGPU defaults with per-stage buffer counts raised,
// since host evaluation has no binding table to exhaust.
func DefaultLimits() gputypes.Limits {
	l := gputypes.DefaultLimits()
	l.MaxStorageBuffersPerShaderStage = l.MaxBindingsPerBindGroup
	l.MaxUniformBuffersPerShaderStage = l.MaxBindingsPerBindGroup
	return l
}

// New creates a CPU backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		limits:   DefaultLimits(),
		validate: true,
		logger:   slog.Default(),
		par:      parallel.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the backend name.
func (b *Backend) Name() string {
	return "cpu"
}

// Limits returns the reported limits.
func (b *Backend) Limits() gputypes.Limits {
	return b.limits
}

// Stats returns a snapshot of memory statistics.
func (b *Backend) Stats() MemoryStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

type buffer struct {
	data  []byte
	usage gputypes.BufferUsage
}

func (buf *buffer) Size() uint64                 { return uint64(len(buf.data)) }
func (buf *buffer) Usage() gputypes.BufferUsage { return buf.usage }

type module struct {
	program *kernel.Program
}

func (m *module) Entries() []string {
	names := make([]string, len(m.program.Entries))
	for i, e := range m.program.Entries {
		names[i] = e.Name
	}
	return names
}

func (b *Backend) checkOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return driver.ErrClosed
	}
	return nil
}

// Allocate creates a host buffer.
func (b *Backend) Allocate(ctx context.Context, data []byte, size uint64, usage gputypes.BufferUsage) (driver.Buffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, &driver.AllocationError{Size: size, Err: err}
	}
	if err := b.checkOpen(); err != nil {
		return nil, &driver.AllocationError{Size: size, Err: err}
	}
	if size > b.limits.MaxBufferSize {
		return nil, &driver.AllocationError{Size: size, Err: driver.ErrOutOfMemory}
	}
	if uint64(len(data)) > size {
		return nil, fmt.Errorf("cpu: %d bytes of data for a %d byte buffer", len(data), size)
	}
	buf := &buffer{data: make([]byte, size), usage: usage}
	copy(buf.data, data)

	b.mu.Lock()
	b.stats.TotalAllocatedBytes += size
	b.stats.ActiveBuffers++
	b.mu.Unlock()
	return buf, nil
}

// Compile validates the program source and its plan.
func (b *Backend) Compile(ctx context.Context, program *kernel.Program) (driver.Module, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if b.validate {
		mod, err := shader.Compile(program.Source, shader.Options{})
		if err != nil {
			return nil, err
		}
		if err := shader.Verify(mod, program); err != nil {
			return nil, &driver.ShaderCompileError{Source: program.Source, Diagnostic: err.Error(), Err: err}
		}
	}
	b.logger.Debug("cpu: compiled program", "entries", len(program.Entries), "bindings", len(program.Layout))
	return &module{program: program}, nil
}

// Dispatch evaluates the entry point synchronously.
func (b *Backend) Dispatch(ctx context.Context, m driver.Module, entry string, bindings []driver.Binding, workgroups [3]uint32) error {
	if err := ctx.Err(); err != nil {
		return &driver.DispatchError{Entry: entry, Err: err}
	}
	if err := b.checkOpen(); err != nil {
		return &driver.DispatchError{Entry: entry, Err: err}
	}
	mod, ok := m.(*module)
	if !ok {
		return &driver.DispatchError{Entry: entry, Err: fmt.Errorf("foreign module %T", m)}
	}
	e, ok := mod.program.Entry(entry)
	if !ok {
		return &driver.DispatchError{Entry: entry, Err: fmt.Errorf("no entry point %q", entry)}
	}

	slots := make(map[uint32]*buffer, len(bindings))
	for _, bd := range bindings {
		buf, ok := bd.Buffer.(*buffer)
		if !ok {
			return &driver.DispatchError{Entry: entry, Err: fmt.Errorf("foreign buffer %T at slot %d", bd.Buffer, bd.Slot)}
		}
		slots[bd.Slot] = buf
	}

	threads := uint64(workgroups[0]) * uint64(workgroups[1]) * uint64(workgroups[2]) * uint64(mod.program.WorkgroupSize)
	if err := run(e, slots, threads, b.par); err != nil {
		return &driver.DispatchError{Entry: entry, Err: err}
	}

	b.mu.Lock()
	b.stats.Dispatches++
	b.mu.Unlock()
	b.logger.Debug("cpu: dispatched", "entry", entry, "steps", len(e.Steps), "workgroups", workgroups)
	return nil
}

// Read returns a copy of the buffer contents.
func (b *Backend) Read(ctx context.Context, buf driver.Buffer) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	hb, ok := buf.(*buffer)
	if !ok {
		return nil, fmt.Errorf("cpu: foreign buffer %T", buf)
	}
	out := make([]byte, len(hb.data))
	copy(out, hb.data)
	return out, nil
}

// Release drops a buffer.
func (b *Backend) Release(buf driver.Buffer) {
	if _, ok := buf.(*buffer); !ok {
		return
	}
	b.mu.Lock()
	b.stats.ActiveBuffers--
	b.mu.Unlock()
}

// Close marks the backend closed. Further allocations and dispatches fail.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

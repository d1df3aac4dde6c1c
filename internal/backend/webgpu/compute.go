//go:build windows

package webgpu

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/gogpu/gputypes"

	"github.com/born-ml/zelkova/internal/driver"
	"github.com/born-ml/zelkova/internal/kernel"
	"github.com/born-ml/zelkova/internal/shader"
)

// buffer is a device buffer. size is what was asked for; alloc is what the
// device holds, which differs for pooled buffers.
type buffer struct {
	buf      *wgpu.Buffer
	size     uint64
	alloc    uint64
	usage    gputypes.BufferUsage
	pooled   bool
	released atomic.Bool
}

func (b *buffer) Size() uint64                 { return b.size }
func (b *buffer) Usage() gputypes.BufferUsage { return b.usage }

// module holds the shader module and one pipeline per entry point.
type module struct {
	program   *kernel.Program
	shader    *wgpu.ShaderModule
	pipelines map[string]*wgpu.ComputePipeline
}

func (m *module) Entries() []string {
	names := make([]string, len(m.program.Entries))
	for i, e := range m.program.Entries {
		names[i] = e.Name
	}
	return names
}

// Allocate creates a device buffer. Buffers without contents come from the
// pool; buffers with contents are uploaded at creation.
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
		return nil, fmt.Errorf("webgpu: %d bytes of data for a %d byte buffer", len(data), size)
	}

	out := &buffer{size: size, alloc: size, usage: usage}
	if data == nil {
		out.buf, out.alloc = b.pool.acquire(size, usage)
		out.pooled = true
	} else {
		out.buf = b.createBuffer(data, size, usage)
	}
	if out.buf == nil {
		return nil, &driver.AllocationError{Size: size, Err: driver.ErrOutOfMemory}
	}
	b.counters.allocated(out.alloc)
	return out, nil
}

// createBuffer creates a GPU buffer and uploads data through a mapping.
func (b *Backend) createBuffer(data []byte, size uint64, usage gputypes.BufferUsage) *wgpu.Buffer {
	buf := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage:            wgpu.BufferUsage(usage),
		Size:             size,
		MappedAtCreation: wgpu.True,
	})
	if buf == nil || size == 0 {
		return buf
	}

	mappedPtr := buf.GetMappedRange(0, size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	mappedSlice := unsafe.Slice((*byte)(mappedPtr), size)
	copy(mappedSlice, data)
	buf.Unmap()
	return buf
}

// Compile validates the source with naga, then creates the shader module and
// a pipeline for each entry point.
func (b *Backend) Compile(ctx context.Context, program *kernel.Program) (m driver.Module, err error) {
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

	// The native layer panics on invalid shaders.
	defer func() {
		if r := recover(); r != nil {
			m = nil
			err = &driver.ShaderCompileError{
				Source:     program.Source,
				Diagnostic: fmt.Sprint(r),
				Err:        fmt.Errorf("webgpu: shader module creation failed"),
			}
		}
	}()

	sm := b.device.CreateShaderModuleWGSL(program.Source)
	if sm == nil {
		return nil, &driver.ShaderCompileError{Source: program.Source, Diagnostic: "no shader module", Err: errors.New("webgpu: shader module creation failed")}
	}
	out := &module{program: program, shader: sm, pipelines: make(map[string]*wgpu.ComputePipeline, len(program.Entries))}
	for _, e := range program.Entries {
		// Auto layout: group 0 holds exactly the bindings the entry uses.
		p := b.device.CreateComputePipelineSimple(nil, sm, e.Name)
		if p == nil {
			sm.Release()
			return nil, &driver.ShaderCompileError{
				Source:     program.Source,
				Diagnostic: fmt.Sprintf("no pipeline for entry %s (workgroup size %d)", e.Name, program.WorkgroupSize),
				Err:        errors.New("webgpu: compute pipeline creation failed"),
			}
		}
		out.pipelines[e.Name] = p
	}
	b.logger.Debug("webgpu: compiled program", "entries", len(program.Entries), "bindings", len(program.Layout))
	return out, nil
}

// Dispatch records and submits one compute pass.
func (b *Backend) Dispatch(ctx context.Context, m driver.Module, entry string, bindings []driver.Binding, workgroups [3]uint32) error {
	if err := ctx.Err(); err != nil {
		return &driver.DispatchError{Entry: entry, Err: err}
	}
	if err := b.checkOpen(); err != nil {
		return &driver.DispatchError{Entry: entry, Err: err}
	}
	mod, ok := m.(*module)
	if !ok {
		return &driver.DispatchError{Entry: entry, Err: fmt.Errorf("%w: module %T", errForeign, m)}
	}
	pipeline, ok := mod.pipelines[entry]
	if !ok || pipeline == nil {
		return &driver.DispatchError{Entry: entry, Err: fmt.Errorf("no entry point %q", entry)}
	}
	if limit := b.limits.MaxComputeWorkgroupsPerDimension; workgroups[0] > limit || workgroups[1] > limit || workgroups[2] > limit {
		return &driver.DispatchError{Entry: entry, Err: fmt.Errorf("workgroups %v exceed %d per dimension", workgroups, limit)}
	}

	entries := make([]wgpu.BindGroupEntry, 0, len(bindings))
	for _, bd := range bindings {
		buf, ok := bd.Buffer.(*buffer)
		if !ok {
			return &driver.DispatchError{Entry: entry, Err: fmt.Errorf("%w: buffer %T at slot %d", errForeign, bd.Buffer, bd.Slot)}
		}
		if buf.released.Load() {
			return &driver.DispatchError{Entry: entry, Err: fmt.Errorf("slot %d: buffer released", bd.Slot)}
		}
		entries = append(entries, wgpu.BufferBindingEntry(bd.Index, buf.buf, 0, buf.size))
	}

	bindGroupLayout := pipeline.GetBindGroupLayout(0)
	bindGroup := b.device.CreateBindGroupSimple(bindGroupLayout, entries)
	defer bindGroup.Release()

	encoder := b.device.CreateCommandEncoder(nil)
	computePass := encoder.BeginComputePass(nil)
	computePass.SetPipeline(pipeline)
	computePass.SetBindGroup(0, bindGroup, nil)
	computePass.DispatchWorkgroups(workgroups[0], workgroups[1], workgroups[2])
	computePass.End()

	cmdBuffer := encoder.Finish(nil)
	b.queue.Submit(cmdBuffer)

	b.counters.dispatches.Add(1)
	b.logger.Debug("webgpu: dispatched", "entry", entry, "bindings", len(entries), "workgroups", workgroups)
	return nil
}

// Read copies a buffer back to host memory. It waits for submitted work and
// returns early with ctx's error when ctx ends first.
func (b *Backend) Read(ctx context.Context, buf driver.Buffer) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	src, ok := buf.(*buffer)
	if !ok {
		return nil, fmt.Errorf("%w: buffer %T", errForeign, buf)
	}
	if src.size == 0 {
		return []byte{}, nil
	}

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := b.readBuffer(src.buf, src.size)
		done <- result{data, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-done:
		return r.data, r.err
	}
}

// readBuffer reads data back from a GPU buffer to CPU memory.
// Uses a staging buffer since storage buffers can't be mapped directly.
func (b *Backend) readBuffer(srcBuffer *wgpu.Buffer, size uint64) ([]byte, error) {
	stagingBuffer := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst,
		Size:  size,
	})
	defer stagingBuffer.Release()

	encoder := b.device.CreateCommandEncoder(nil)
	encoder.CopyBufferToBuffer(srcBuffer, 0, stagingBuffer, 0, size)
	cmdBuffer := encoder.Finish(nil)
	b.queue.Submit(cmdBuffer)

	if err := stagingBuffer.MapAsync(b.device, wgpu.MapModeRead, 0, size); err != nil {
		return nil, fmt.Errorf("webgpu: failed to map staging buffer: %w", err)
	}

	mappedPtr := stagingBuffer.GetMappedRange(0, size)
	//nolint:gosec // unsafe.Slice for zero-copy conversion from unsafe.Pointer
	mappedSlice := unsafe.Slice((*byte)(mappedPtr), size)
	result := make([]byte, size)
	copy(result, mappedSlice)
	stagingBuffer.Unmap()

	return result, nil
}

// Release frees a buffer or returns it to the pool. Releasing twice is a
// no-op.
func (b *Backend) Release(buf driver.Buffer) {
	gb, ok := buf.(*buffer)
	if !ok || !gb.released.CompareAndSwap(false, true) {
		return
	}
	b.counters.released(gb.alloc)
	if b.checkOpen() != nil {
		return
	}
	if gb.pooled {
		b.pool.put(gb.buf, gb.alloc, gb.usage)
		return
	}
	gb.buf.Release()
}

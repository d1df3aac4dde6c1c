// Package binding manages resource handles and the table that assigns their
// binding slots.
package binding

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/born-ml/zelkova/internal/driver"
	"github.com/born-ml/zelkova/internal/tensor"
)

// Memory classifies how a handle's buffer is sized.
type Memory int

const (
	// Static buffers have a fixed size known at bind time.
	Static Memory = iota
	// Dynamic buffers start as a placeholder and are sized at resolution.
	Dynamic
)

func (m Memory) String() string {
	if m == Static {
		return "static"
	}
	return "dynamic"
}

// Space is the shader address space a handle is declared in.
type Space int

// Address spaces.
const (
	SpaceUniform Space = iota
	SpaceStorageRead
	SpaceStorageReadWrite
)

// WGSL returns the address space qualifier as written in a var declaration.
func (s Space) WGSL() string {
	switch s {
	case SpaceUniform:
		return "uniform"
	case SpaceStorageRead:
		return "storage, read"
	default:
		return "storage, read_write"
	}
}

// BindingType returns the bind group layout type for s.
func (s Space) BindingType() gputypes.BufferBindingType {
	switch s {
	case SpaceUniform:
		return gputypes.BufferBindingTypeUniform
	case SpaceStorageRead:
		return gputypes.BufferBindingTypeReadOnlyStorage
	default:
		return gputypes.BufferBindingTypeStorage
	}
}

// Handle errors.
var (
	ErrNotReady            = errors.New("binding: handle not ready")
	ErrAlreadyMaterialized = errors.New("binding: handle already materialized")
	ErrReleased            = errors.New("binding: handle released")
)

// Handle owns one device buffer and its binding slot.
type Handle struct {
	slot   uint32
	dtype  tensor.DataType
	shape  tensor.Shape
	memory Memory
	usage  gputypes.BufferUsage

	mu       sync.Mutex
	buf      driver.Buffer
	host     []byte
	ready    bool
	released bool
	release  func(driver.Buffer)
}

func newHandle(slot uint32, dt tensor.DataType, shape tensor.Shape, mem Memory, usage gputypes.BufferUsage) *Handle {
	return &Handle{
		slot:   slot,
		dtype:  dt,
		shape:  shape.Clone(),
		memory: mem,
		usage:  usage,
	}
}

// Slot returns the binding slot.
func (h *Handle) Slot() uint32 { return h.slot }

// DataType returns the element type.
func (h *Handle) DataType() tensor.DataType { return h.dtype }

// Shape returns the logical shape.
func (h *Handle) Shape() tensor.Shape { return h.shape.Clone() }

// Len returns the element count.
func (h *Handle) Len() int { return h.shape.NumElements() }

// Memory returns the memory classification.
func (h *Handle) Memory() Memory { return h.memory }

// Usage returns the usage bits the buffer was allocated with.
func (h *Handle) Usage() gputypes.BufferUsage { return h.usage }

// Space derives the declaration address space from the usage bits.
func (h *Handle) Space() Space {
	switch {
	case h.usage.Contains(gputypes.BufferUsageUniform):
		return SpaceUniform
	case h.memory == Dynamic, h.usage.Contains(gputypes.BufferUsageCopySrc):
		return SpaceStorageReadWrite
	default:
		return SpaceStorageRead
	}
}

// Ready reports whether the buffer holds materialized contents.
func (h *Handle) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ready
}

// Buffer returns the attached device buffer.
func (h *Handle) Buffer() (driver.Buffer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil, fmt.Errorf("slot %d: %w", h.slot, ErrReleased)
	}
	if h.buf == nil {
		return nil, fmt.Errorf("slot %d: %w", h.slot, ErrNotReady)
	}
	return h.buf, nil
}

// Bytes returns a copy of the host-side contents once the handle is ready.
func (h *Handle) Bytes() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.ready {
		return nil, fmt.Errorf("slot %d: %w", h.slot, ErrNotReady)
	}
	out := make([]byte, len(h.host))
	copy(out, h.host)
	return out, nil
}

func (h *Handle) attach(buf driver.Buffer, host []byte, ready bool, release func(driver.Buffer)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf = buf
	h.host = host
	h.ready = ready
	h.release = release
	runtime.SetFinalizer(h, (*Handle).Release)
}

// Resize replaces a dynamic placeholder with a buffer of size bytes.
func (h *Handle) Resize(ctx context.Context, d driver.Driver, size uint64) error {
	if h.memory != Dynamic {
		return fmt.Errorf("binding: slot %d: resize of %s buffer", h.slot, h.memory)
	}
	h.mu.Lock()
	if h.ready {
		h.mu.Unlock()
		return fmt.Errorf("slot %d: %w", h.slot, ErrAlreadyMaterialized)
	}
	if h.released {
		h.mu.Unlock()
		return fmt.Errorf("slot %d: %w", h.slot, ErrReleased)
	}
	old := h.buf
	h.mu.Unlock()

	buf, err := d.Allocate(ctx, nil, size, h.usage)
	if err != nil {
		return asAllocationError(size, err)
	}

	h.mu.Lock()
	h.buf = buf
	h.mu.Unlock()
	if old != nil {
		d.Release(old)
	}
	return nil
}

// Materialize records the read back contents and flips readiness. A handle
// is materialized at most once.
func (h *Handle) Materialize(data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return fmt.Errorf("slot %d: %w", h.slot, ErrReleased)
	}
	if h.ready {
		return fmt.Errorf("slot %d: %w", h.slot, ErrAlreadyMaterialized)
	}
	if want := h.Len() * h.dtype.Size(); len(data) < want {
		return fmt.Errorf("binding: slot %d: materialize %d bytes, want %d", h.slot, len(data), want)
	}
	h.host = data[:h.Len()*h.dtype.Size()]
	h.ready = true
	return nil
}

// Release frees the device buffer. The slot stays occupied. Release is
// idempotent and also runs when the handle is garbage collected.
func (h *Handle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	h.released = true
	if h.buf != nil && h.release != nil {
		h.release(h.buf)
	}
	h.buf = nil
	runtime.SetFinalizer(h, nil)
}

// Released reports whether Release has run.
func (h *Handle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

func (h *Handle) String() string {
	return fmt.Sprintf("slot %d %s%v %s", h.slot, h.dtype, []int(h.shape), h.memory)
}

func asAllocationError(size uint64, err error) error {
	var ae *driver.AllocationError
	if errors.As(err, &ae) {
		return err
	}
	return &driver.AllocationError{Size: size, Err: err}
}

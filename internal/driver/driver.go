// Package driver defines the device collaborator the graph compiler runs on:
// buffer allocation, shader compilation, dispatch and read back.
package driver

import (
	"context"

	"github.com/gogpu/gputypes"

	"github.com/born-ml/zelkova/internal/kernel"
)

// Buffer is an opaque device buffer.
type Buffer interface {
	// Size returns the allocated size in bytes.
	Size() uint64
	// Usage returns the usage flags the buffer was created with.
	Usage() gputypes.BufferUsage
}

// Module is an opaque compiled shader module.
type Module interface {
	// Entries returns the compute entry point names.
	Entries() []string
}

// Binding attaches a buffer to @group(0) @binding(Index). Slot is the
// buffer's binding table slot, which the kernel plan refers to.
type Binding struct {
	Slot   uint32
	Index  uint32
	Buffer Buffer
}

// Driver is the device collaborator.
//
// Dispatch may return before the device finishes; Read waits for all
// submitted work touching the buffer and honours ctx cancellation.
type Driver interface {
	Name() string
	Limits() gputypes.Limits

	// Allocate creates a buffer of size bytes. When data is non-nil it is
	// copied into the buffer at creation.
	Allocate(ctx context.Context, data []byte, size uint64, usage gputypes.BufferUsage) (Buffer, error)
	Compile(ctx context.Context, program *kernel.Program) (Module, error)
	Dispatch(ctx context.Context, module Module, entry string, bindings []Binding, workgroups [3]uint32) error
	Read(ctx context.Context, buf Buffer) ([]byte, error)
	Release(buf Buffer)
	Close() error
}

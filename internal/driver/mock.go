package driver

import (
	"context"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/born-ml/zelkova/internal/kernel"
)

// Verify that Mock implements Driver.
var _ Driver = (*Mock)(nil)

// Mock is a host-memory driver for tests. It does not execute shaders;
// Dispatch only records the call. Failures are injected through the Fail* fields.
type Mock struct {
	FailAllocate error
	FailCompile  error
	FailDispatch error
	FailRead     error

	mu         sync.Mutex
	limits     gputypes.Limits
	allocated  int
	released   int
	dispatches []MockDispatch
}

// MockDispatch records one Dispatch call.
type MockDispatch struct {
	Entry      string
	Slots      []uint32
	Workgroups [3]uint32
}

// MockBuffer is the buffer type Mock hands out.
type MockBuffer struct {
	Data  []byte
	usage gputypes.BufferUsage
}

// Size returns the buffer size in bytes.
func (b *MockBuffer) Size() uint64 { return uint64(len(b.Data)) }

// Usage returns the usage flags.
func (b *MockBuffer) Usage() gputypes.BufferUsage { return b.usage }

type mockModule struct {
	program *kernel.Program
}

func (m *mockModule) Entries() []string {
	names := make([]string, len(m.program.Entries))
	for i, e := range m.program.Entries {
		names[i] = e.Name
	}
	return names
}

// NewMock creates a Mock with default WebGPU limits.
func NewMock() *Mock {
	return &Mock{limits: gputypes.DefaultLimits()}
}

// SetLimits overrides the reported limits.
func (m *Mock) SetLimits(l gputypes.Limits) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limits = l
}

// Name returns the driver name.
func (m *Mock) Name() string { return "mock" }

// Limits returns the reported limits.
func (m *Mock) Limits() gputypes.Limits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits
}

// Allocate creates a host buffer.
func (m *Mock) Allocate(_ context.Context, data []byte, size uint64, usage gputypes.BufferUsage) (Buffer, error) {
	if m.FailAllocate != nil {
		return nil, &AllocationError{Size: size, Err: m.FailAllocate}
	}
	buf := &MockBuffer{Data: make([]byte, size), usage: usage}
	copy(buf.Data, data)
	m.mu.Lock()
	m.allocated++
	m.mu.Unlock()
	return buf, nil
}

// Compile accepts any program.
func (m *Mock) Compile(_ context.Context, program *kernel.Program) (Module, error) {
	if m.FailCompile != nil {
		return nil, &ShaderCompileError{Source: program.Source, Diagnostic: m.FailCompile.Error(), Err: m.FailCompile}
	}
	return &mockModule{program: program}, nil
}

// Dispatch records the call.
func (m *Mock) Dispatch(_ context.Context, _ Module, entry string, bindings []Binding, workgroups [3]uint32) error {
	if m.FailDispatch != nil {
		return &DispatchError{Entry: entry, Err: m.FailDispatch}
	}
	slots := make([]uint32, len(bindings))
	for i, b := range bindings {
		slots[i] = b.Slot
	}
	m.mu.Lock()
	m.dispatches = append(m.dispatches, MockDispatch{Entry: entry, Slots: slots, Workgroups: workgroups})
	m.mu.Unlock()
	return nil
}

// Read returns a copy of the buffer contents.
func (m *Mock) Read(ctx context.Context, buf Buffer) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.FailRead != nil {
		return nil, m.FailRead
	}
	mb, ok := buf.(*MockBuffer)
	if !ok {
		return nil, fmt.Errorf("driver: foreign buffer %T", buf)
	}
	out := make([]byte, len(mb.Data))
	copy(out, mb.Data)
	return out, nil
}

// Release counts the release.
func (m *Mock) Release(Buffer) {
	m.mu.Lock()
	m.released++
	m.mu.Unlock()
}

// Close is a no-op.
func (m *Mock) Close() error { return nil }

// Stats returns the allocation and release counts.
func (m *Mock) Stats() (allocated, released int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocated, m.released
}

// Dispatches returns the recorded dispatches.
func (m *Mock) Dispatches() []MockDispatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockDispatch(nil), m.dispatches...)
}

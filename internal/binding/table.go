package binding

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/gogpu/gputypes"

	"github.com/born-ml/zelkova/internal/driver"
	"github.com/born-ml/zelkova/internal/tensor"
)

// ErrRecycleUnsupported is returned by Recycle: slots are never reclaimed.
var ErrRecycleUnsupported = errors.New("binding: slot recycling is not supported")

// SlotCollisionError reports an insert at an occupied slot.
type SlotCollisionError struct {
	Slot uint32
}

func (e *SlotCollisionError) Error() string {
	return fmt.Sprintf("binding: slot %d already occupied", e.Slot)
}

// SlotAllocator hands out binding slots. Implementations must be safe for
// concurrent use and never return the same slot twice.
type SlotAllocator interface {
	Next() uint32
}

// Counter is the default SlotAllocator: an atomic counter starting at zero.
type Counter struct {
	next atomic.Uint32
}

// Next returns the next slot.
func (c *Counter) Next() uint32 {
	return c.next.Add(1) - 1
}

// Entry is a snapshot of one table row.
type Entry struct {
	Slot   uint32
	DType  tensor.DataType
	Shape  tensor.Shape
	Memory Memory
	Space  Space
	Ready  bool
	Live   bool
}

type row struct {
	ptr    weak.Pointer[Handle]
	dtype  tensor.DataType
	shape  tensor.Shape
	memory Memory
	space  Space
}

// Table maps binding slots to handles.
type Table struct {
	alloc   SlotAllocator
	uniform bool

	mu    sync.Mutex
	slots map[uint32]row
}

// TableOption configures a Table.
type TableOption func(*Table)

// WithAllocator replaces the default slot counter.
func WithAllocator(a SlotAllocator) TableOption {
	return func(t *Table) { t.alloc = a }
}

// WithUniformInputs controls whether small static inputs are bound as uniform buffers.
func WithUniformInputs(enabled bool) TableOption {
	return func(t *Table) { t.uniform = enabled }
}

// NewTable creates an empty table.
func NewTable(opts ...TableOption) *Table {
	t := &Table{
		alloc:   &Counter{},
		uniform: true,
		slots:   make(map[uint32]row),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

var arrange = sync.OnceValue(func() *Table { return NewTable() })

// Arrange returns the process-wide table, creating it on first use.
func Arrange() *Table {
	return arrange()
}

// Insert registers h at slot. It never overwrites: an occupied slot, live or
// not, yields a *SlotCollisionError.
func (t *Table) Insert(h *Handle, slot uint32) (*Handle, error) {
	if h.slot != slot {
		return nil, fmt.Errorf("binding: handle for slot %d inserted at slot %d", h.slot, slot)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.slots[slot]; ok {
		return nil, &SlotCollisionError{Slot: slot}
	}
	t.slots[slot] = row{
		ptr:    weak.Make(h),
		dtype:  h.dtype,
		shape:  h.shape,
		memory: h.memory,
		space:  h.Space(),
	}
	return h, nil
}

// Recycle would reclaim slots of dropped handles. It is not implemented.
func (t *Table) Recycle() error {
	return ErrRecycleUnsupported
}

// Lookup returns the live handle at slot.
func (t *Table) Lookup(slot uint32) (*Handle, bool) {
	t.mu.Lock()
	r, ok := t.slots[slot]
	t.mu.Unlock()
	if !ok {
		return nil, false
	}
	h := r.ptr.Value()
	return h, h != nil
}

// Len returns the number of occupied slots.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}

// Entries returns a snapshot ordered by slot.
func (t *Table) Entries() []Entry {
	t.mu.Lock()
	out := make([]Entry, 0, len(t.slots))
	for slot, r := range t.slots {
		e := Entry{
			Slot:   slot,
			DType:  r.dtype,
			Shape:  r.shape.Clone(),
			Memory: r.memory,
			Space:  r.space,
		}
		if h := r.ptr.Value(); h != nil {
			e.Live = !h.Released()
			e.Ready = h.Ready()
		}
		out = append(out, e)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out
}

// Content is the host data of a static bind.
type Content struct {
	Data  []byte
	DType tensor.DataType
	Shape tensor.Shape
}

// Bind allocates a slot, materializes the buffer through d and registers the
// handle. Static handles are ready on return; dynamic handles get a
// placeholder buffer and become ready when materialized.
//
// A slot collision means the allocator is broken and panics.
func (t *Table) Bind(ctx context.Context, d driver.Driver, c Content, mem Memory) (*Handle, error) {
	if !c.DType.Valid() {
		return nil, fmt.Errorf("binding: invalid data type %d", int(c.DType))
	}
	if err := c.Shape.Validate(); err != nil {
		return nil, fmt.Errorf("binding: %w", err)
	}
	n := uint64(c.Shape.NumElements() * c.DType.Size())
	if mem == Static && uint64(len(c.Data)) != n {
		return nil, fmt.Errorf("binding: content is %d bytes, shape %v of %s needs %d",
			len(c.Data), []int(c.Shape), c.DType, n)
	}

	usage := t.usageFor(mem, n, d.Limits())
	slot := t.alloc.Next()
	h := newHandle(slot, c.DType, c.Shape, mem, usage)

	var (
		data []byte
		size uint64
		host []byte
	)
	if mem == Static {
		size = n
		if usage.Contains(gputypes.BufferUsageUniform) {
			size = tensor.Pad(n, 16)
		}
		data = make([]byte, size)
		copy(data, c.Data)
		host = data[:n]
	}
	buf, err := d.Allocate(ctx, data, size, usage)
	if err != nil {
		return nil, asAllocationError(size, err)
	}
	h.attach(buf, host, mem == Static, d.Release)

	if _, err := t.Insert(h, slot); err != nil {
		h.Release()
		panic(err)
	}
	return h, nil
}

func (t *Table) usageFor(mem Memory, n uint64, limits gputypes.Limits) gputypes.BufferUsage {
	if mem == Dynamic {
		return gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	}
	if t.uniform && tensor.Pad(n, 16) <= limits.MaxUniformBufferBindingSize {
		return gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst
	}
	return gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst
}

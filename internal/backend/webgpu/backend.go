//go:build windows

// Package webgpu implements the GPU driver on WebGPU through go-webgpu's
// zero-CGO bindings.
package webgpu

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/gogpu/gputypes"

	"github.com/born-ml/zelkova/internal/driver"
)

var _ driver.Driver = (*Backend)(nil)

// Backend runs generated compute shaders on one WebGPU device.
type Backend struct {
	instance *wgpu.Instance
	adapter  *wgpu.Adapter
	device   *wgpu.Device
	queue    *wgpu.Queue
	pool     *bufferPool

	limits   gputypes.Limits
	validate bool
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool

	counters counters
}

// counters tracks live device memory. live may exceed requested sizes
// because pooled buffers are rounded up to their size class.
type counters struct {
	live       atomic.Uint64
	peak       atomic.Uint64
	buffers    atomic.Int64
	dispatches atomic.Uint64
}

func (c *counters) allocated(n uint64) {
	live := c.live.Add(n)
	c.buffers.Add(1)
	for {
		peak := c.peak.Load()
		if live <= peak || c.peak.CompareAndSwap(peak, live) {
			return
		}
	}
}

func (c *counters) released(n uint64) {
	c.live.Add(^(n - 1))
	c.buffers.Add(-1)
}

// Option configures a Backend.
type Option func(*Backend)

// WithValidation toggles naga validation before shader module creation.
func WithValidation(enabled bool) Option {
	return func(b *Backend) { b.validate = enabled }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// New opens the high-performance adapter and its default device. It fails
// when the native library is missing or no adapter is found.
func New(opts ...Option) (b *Backend, err error) {
	defer func() {
		if r := recover(); r != nil {
			b, err = nil, fmt.Errorf("webgpu: native library not available: %v", r)
		}
	}()

	b = &Backend{limits: gputypes.DefaultLimits(), validate: true, logger: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	if err := b.open(); err != nil {
		b.teardown()
		return nil, err
	}
	b.pool = newBufferPool(b.device, b.limits.MaxBufferSize)
	b.logger.Debug("webgpu: device ready", "max_buffer", b.limits.MaxBufferSize)
	return b, nil
}

func (b *Backend) open() error {
	var err error
	if b.instance, err = wgpu.CreateInstance(nil); err != nil {
		return fmt.Errorf("webgpu: create instance: %w", err)
	}
	b.adapter, err = b.instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		return fmt.Errorf("webgpu: request adapter: %w", err)
	}
	if b.device, err = b.adapter.RequestDevice(nil); err != nil {
		return fmt.Errorf("webgpu: request device: %w", err)
	}
	if b.queue = b.device.GetQueue(); b.queue == nil {
		return fmt.Errorf("webgpu: no queue: %w", driver.ErrDeviceLost)
	}
	return nil
}

// teardown releases whatever open managed to create, newest first.
func (b *Backend) teardown() {
	if b.pool != nil {
		b.pool.drain()
	}
	if b.queue != nil {
		b.queue.Release()
		b.queue = nil
	}
	if b.device != nil {
		b.device.Release()
		b.device = nil
	}
	if b.adapter != nil {
		b.adapter.Release()
		b.adapter = nil
	}
	if b.instance != nil {
		b.instance.Release()
		b.instance = nil
	}
}

func (b *Backend) Name() string { return "webgpu" }

// Limits returns the WebGPU default limits, which every conforming device
// supports.
func (b *Backend) Limits() gputypes.Limits { return b.limits }

// Close releases the device. Later calls fail with driver.ErrClosed; closing
// twice is a no-op.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		b.teardown()
	}
	return nil
}

func (b *Backend) checkOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return driver.ErrClosed
	}
	return nil
}

// IsAvailable reports whether an adapter can be obtained.
func IsAvailable() (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	instance, err := wgpu.CreateInstance(nil)
	if err != nil || instance == nil {
		return false
	}
	defer instance.Release()
	adapter, err := instance.RequestAdapter(nil)
	if err != nil {
		return false
	}
	adapter.Release()
	return true
}

// MemoryStats reports device memory held through this driver.
type MemoryStats struct {
	LiveBytes     uint64
	PeakBytes     uint64
	ActiveBuffers int64
	Dispatches    uint64
	Pool          PoolStats
}

func (b *Backend) MemoryStats() MemoryStats {
	s := MemoryStats{
		LiveBytes:     b.counters.live.Load(),
		PeakBytes:     b.counters.peak.Load(),
		ActiveBuffers: b.counters.buffers.Load(),
		Dispatches:    b.counters.dispatches.Load(),
	}
	if b.pool != nil {
		s.Pool = b.pool.snapshot()
	}
	return s
}

var errForeign = errors.New("webgpu: value from another driver")

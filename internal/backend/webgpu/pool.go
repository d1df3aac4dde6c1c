//go:build windows

package webgpu

import (
	"math/bits"
	"sync"

	"github.com/go-webgpu/webgpu/wgpu"
	"github.com/gogpu/gputypes"
)

const (
	minSizeClass = 256
	idlePerClass = 32
)

// sizeClass rounds n up to a power of two, never below minSizeClass and
// never above limit.
func sizeClass(n, limit uint64) uint64 {
	if n <= minSizeClass {
		return min(minSizeClass, limit)
	}
	return min(uint64(1)<<bits.Len64(n-1), limit)
}

type idleBuffer struct {
	buf   *wgpu.Buffer
	usage gputypes.BufferUsage
}

// PoolStats counts pool traffic.
type PoolStats struct {
	Created  uint64
	Returned uint64
	Hits     uint64
	Misses   uint64
	Idle     int
}

// bufferPool keeps released result buffers by size class. Only buffers
// created without contents pass through it.
type bufferPool struct {
	device *wgpu.Device
	limit  uint64

	mu    sync.Mutex
	idle  map[uint64][]idleBuffer
	stats PoolStats
}

func newBufferPool(device *wgpu.Device, limit uint64) *bufferPool {
	return &bufferPool{device: device, limit: limit, idle: make(map[uint64][]idleBuffer)}
}

// acquire returns a buffer whose usage covers usage and whose size is the
// class of n, reusing an idle one when possible.
func (p *bufferPool) acquire(n uint64, usage gputypes.BufferUsage) (*wgpu.Buffer, uint64) {
	class := sizeClass(n, p.limit)

	p.mu.Lock()
	defer p.mu.Unlock()
	free := p.idle[class]
	for i := len(free) - 1; i >= 0; i-- {
		if free[i].usage.Contains(usage) {
			buf := free[i].buf
			p.idle[class] = append(free[:i], free[i+1:]...)
			p.stats.Hits++
			p.stats.Idle--
			return buf, class
		}
	}

	p.stats.Misses++
	p.stats.Created++
	return p.device.CreateBuffer(&wgpu.BufferDescriptor{Usage: wgpu.BufferUsage(usage), Size: class}), class
}

// put parks buf for reuse, or frees it when its class is full.
func (p *bufferPool) put(buf *wgpu.Buffer, class uint64, usage gputypes.BufferUsage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Returned++
	if len(p.idle[class]) >= idlePerClass {
		buf.Release()
		return
	}
	p.idle[class] = append(p.idle[class], idleBuffer{buf: buf, usage: usage})
	p.stats.Idle++
}

// drain frees every idle buffer.
func (p *bufferPool) drain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for class, free := range p.idle {
		for _, ib := range free {
			ib.buf.Release()
		}
		delete(p.idle, class)
	}
	p.stats.Idle = 0
}

func (p *bufferPool) snapshot() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

//go:build windows

package webgpu

import (
	"testing"

	"github.com/gogpu/gputypes"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	if !IsAvailable() {
		t.Skip("WebGPU not available")
	}
	backend, err := New()
	if err != nil {
		t.Fatalf("failed to create backend: %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	return backend
}

func TestSizeClass(t *testing.T) {
	cases := []struct{ n, limit, want uint64 }{
		{16, 1 << 20, 256},
		{256, 1 << 20, 256},
		{257, 1 << 20, 512},
		{4096, 1 << 20, 4096},
		{5000, 1 << 20, 8192},
		{5000, 6000, 6000},
	}
	for _, c := range cases {
		if got := sizeClass(c.n, c.limit); got != c.want {
			t.Errorf("sizeClass(%d, %d) = %d, want %d", c.n, c.limit, got, c.want)
		}
	}
}

func TestPoolReuse(t *testing.T) {
	pool := newTestBackend(t).pool
	usage := gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst

	buf, class := pool.acquire(1000, usage)
	if class != 1024 {
		t.Errorf("class = %d, want 1024", class)
	}
	pool.put(buf, class, usage)

	// A request in the same class needing a subset of the usage gets it back.
	again, got := pool.acquire(600, gputypes.BufferUsageStorage|gputypes.BufferUsageCopySrc)
	if got != 1024 {
		t.Errorf("reused class = %d, want 1024", got)
	}
	want := PoolStats{Created: 1, Returned: 1, Hits: 1, Misses: 1}
	if s := pool.snapshot(); s != want {
		t.Errorf("stats = %+v, want %+v", s, want)
	}
	again.Release()
}

func TestPoolDrain(t *testing.T) {
	pool := newTestBackend(t).pool
	usage := gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc

	for _, n := range []uint64{1024, 8192, 2 * 1024 * 1024} {
		buf, class := pool.acquire(n, usage)
		pool.put(buf, class, usage)
	}
	if s := pool.snapshot(); s.Idle != 3 {
		t.Errorf("idle = %d, want 3", s.Idle)
	}
	pool.drain()
	if s := pool.snapshot(); s.Idle != 0 {
		t.Errorf("idle after drain = %d, want 0", s.Idle)
	}
}

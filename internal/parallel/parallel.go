// Package parallel splits host-side element loops across goroutines.
package parallel

import (
	"runtime"
	"sync"
)

// Config bounds how a loop is split. Workers below 2 keeps every loop on
// the calling goroutine.
type Config struct {
	Workers  int
	MinChunk int // smallest chunk worth a goroutine
}

// DefaultConfig uses one worker per CPU.
func DefaultConfig() Config {
	return Config{Workers: runtime.NumCPU(), MinChunk: 4096}
}

// Sequential runs every loop inline.
func Sequential() Config {
	return Config{Workers: 1, MinChunk: 1}
}

// chunks returns how many pieces n elements split into.
func (c Config) chunks(n int) int {
	if c.Workers < 2 || c.MinChunk < 1 || n < 2*c.MinChunk {
		return 1
	}
	return min(c.Workers, n/c.MinChunk)
}

// Range calls f on disjoint [start, end) chunks covering [0, n) and waits
// for all of them.
func Range(n int, f func(start, end int), cfg Config) {
	if n <= 0 {
		return
	}
	k := cfg.chunks(n)
	if k == 1 {
		f(0, n)
		return
	}

	size := (n + k - 1) / k
	var wg sync.WaitGroup
	for start := 0; start < n; start += size {
		end := min(start+size, n)
		wg.Go(func() { f(start, end) })
	}
	wg.Wait()
}

// For calls f for every index in [0, n).
func For(n int, f func(i int), cfg Config) {
	Range(n, func(start, end int) {
		for i := start; i < end; i++ {
			f(i)
		}
	}, cfg)
}

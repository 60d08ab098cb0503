package ops

import (
	"sync"
	"sync/atomic"
)

// convWorkers controls the number of goroutines used to gather causal conv
// patches. A value of 0 or 1 means sequential (default).
//
// Set via SetConvWorkers, typically wired to runtime.conv_workers.
var convWorkers atomic.Int32

// SetConvWorkers sets the maximum number of goroutines used while building
// conv patch matrices. n <= 1 disables parallelism.
func SetConvWorkers(n int) {
	const maxInt32 = int(^uint32(0) >> 1)

	if n < 0 {
		n = 0
	}

	if n > maxInt32 {
		n = maxInt32
	}

	convWorkers.Store(int32(n))
}

func getConvWorkers() int { return int(convWorkers.Load()) }

// parallelFor splits [0, n) into chunks and runs fn(lo, hi) concurrently.
// When workers <= 1 the call is sequential.
func parallelFor(n, workers int, fn func(lo, hi int)) {
	if workers <= 1 || n <= 1 {
		fn(0, n)
		return
	}

	if workers > n {
		workers = n
	}

	var wg sync.WaitGroup

	chunk := (n + workers - 1) / workers
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)

		wg.Add(1)

		go func(lo, hi int) {
			defer wg.Done()

			fn(lo, hi)
		}(lo, hi)
	}

	wg.Wait()
}

// scratchPools is a size-class pool for reusable []float32 patch matrices.
// Size classes are powers of two from 2^10 to 2^26 floats.
var scratchPools [17]sync.Pool

// getScratch returns a zeroed []float32 of exactly n elements. The caller
// must call putScratch when done.
func getScratch(n int) []float32 {
	cls := scratchClass(n)

	sz := 1 << (cls + 10)
	if sz < n {
		return make([]float32, n)
	}

	if v := scratchPools[cls].Get(); v != nil {
		buf, ok := v.([]float32)
		if !ok {
			return make([]float32, n)
		}

		buf = buf[:n]
		clear(buf)

		return buf
	}

	buf := make([]float32, sz)

	return buf[:n]
}

// putScratch returns a buffer obtained from getScratch to the pool.
// Oversized buffers are dropped.
func putScratch(buf []float32) {
	c := cap(buf)

	cls := scratchClass(c)
	if 1<<(cls+10) < c {
		return
	}

	scratchPools[cls].Put(buf[:c])
}

func scratchClass(n int) int {
	if n <= 1<<10 {
		return 0
	}

	bits := 0

	v := n - 1
	for v > 0 {
		v >>= 1
		bits++
	}

	return min(max(bits-10, 0), 16)
}

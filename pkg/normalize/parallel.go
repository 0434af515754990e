package normalize

import (
	"runtime"
	"sync"
)

// parallelRange splits [0, n) into contiguous chunks, one per core, and runs
// fn on each chunk concurrently.
func parallelRange(n int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	numCores := runtime.NumCPU()
	if numCores > n {
		numCores = n
	}
	perCore := (n + numCores - 1) / numCores

	var wg sync.WaitGroup
	for c := 0; c < numCores; c++ {
		start := c * perCore
		end := min(start+perCore, n)
		if start >= end {
			break
		}
		wg.Add(1)
		go func(start, end int) {
			defer wg.Done()
			fn(start, end)
		}(start, end)
	}
	wg.Wait()
}

// axisLayout describes the lines of a 3D array along one axis: outer*inner
// lines of length n, with consecutive samples inner elements apart.
type axisLayout struct {
	outer, n, inner int
}

func layoutFor(shape [3]int, axis int) axisLayout {
	l := axisLayout{outer: 1, n: shape[axis], inner: 1}
	for i := 0; i < axis; i++ {
		l.outer *= shape[i]
	}
	for i := axis + 1; i < 3; i++ {
		l.inner *= shape[i]
	}
	return l
}

// base returns the offset of the first sample of line k.
func (l axisLayout) base(k int) int {
	o, i := k/l.inner, k%l.inner
	return o*l.n*l.inner + i
}

func (l axisLayout) lines() int {
	return l.outer * l.inner
}

// Package pool runs index-parallel work on a bounded set of goroutines.
package pool

import (
	"runtime"
	"sync"
)

// Number of indices a worker claims at once.
const perBatch = 8

// Returns the number of workers to use for the given Threads setting:
// 0 means one per CPU.
func Workers(threads int) int {
	if threads <= 0 {
		return runtime.NumCPU()
	}
	return threads
}

// Calls fn(i) for every 0 <= i < n using the given number of threads
// (see Workers) and returns once all calls have finished.
//
// With threads == 1 (or when there is at most one batch of work) the calls
// are made sequentially on the calling goroutine in order of i.
func For(threads, n int, fn func(i int)) {
	threads = Workers(threads)
	if threads == 1 || n <= perBatch {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}

	// Workers claim batches of indices from a shared counter.
	wg := &sync.WaitGroup{}
	mux := &sync.Mutex{}
	idx := 0
	if batches := (n + perBatch - 1) / perBatch; threads > batches {
		threads = batches
	}
	wg.Add(threads)
	for t := 0; t < threads; t++ {
		go func() {
			defer wg.Done()
			for {
				mux.Lock()
				ourIdx := idx
				idx += perBatch
				mux.Unlock()
				if ourIdx >= n {
					return
				}
				ourEnd := ourIdx + perBatch
				if ourEnd > n {
					ourEnd = n
				}
				for ; ourIdx < ourEnd; ourIdx++ {
					fn(ourIdx)
				}
			}
		}()
	}

	wg.Wait() // wait for all workers to finish
}

package simgo

import (
	"runtime"
	"sync"
)

// workersPool limits how many kernel blocks execute in parallel across all devices.
type workersPool struct {
	// maxParallelism is a soft target on the limit of parallel work to do.
	// If 0, blocks run inline on the launching stream's goroutine.
	maxParallelism int

	mu         sync.Mutex
	cond       sync.Cond // Signaled whenever numRunning is decreased.
	numRunning int
}

// Initialize should be called before use.
func (w *workersPool) Initialize() {
	w.maxParallelism = runtime.NumCPU()
	w.cond = sync.Cond{L: &w.mu}
}

// SetMaxParallelism sets the soft target of parallel blocks.
// If set to 0 blocks run sequentially on the launching goroutine.
//
// Only change the parallelism before any kernel is launched. If changed during a
// launch the behavior is undefined.
func (w *workersPool) SetMaxParallelism(maxParallelism int) {
	w.maxParallelism = maxParallelism
}

// WaitToStart waits until there is a worker available, then runs the task in a
// separate goroutine. It's up to the caller to synchronize the end of the task.
//
// If parallelism is disabled (maxParallelism is 0), it runs the task inline and
// returns when it is finished.
func (w *workersPool) WaitToStart(task func()) {
	if w.maxParallelism == 0 {
		task()
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.numRunning >= w.maxParallelism {
		w.cond.Wait()
	}
	w.numRunning++
	go func() {
		task()
		w.mu.Lock()
		w.numRunning--
		w.cond.Signal()
		w.mu.Unlock()
	}()
}

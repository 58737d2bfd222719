package simgo

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/nanguard/runtimes"
	"github.com/gomlx/nanguard/types/xsync"
)

// opsQueueSize is the buffer of pending stream operations; issuing beyond it blocks
// the host thread until the device catches up, like a saturated hardware queue.
const opsQueueSize = 128

// stream executes operations in issue order on a dedicated goroutine.
type stream struct {
	rt     *Runtime
	device runtimes.DeviceNum
	ops    chan func()
	done   sync.WaitGroup
}

// Compile-time check:
var _ runtimes.Stream = (*stream)(nil)

func newStream(rt *Runtime, device runtimes.DeviceNum) *stream {
	s := &stream{
		rt:     rt,
		device: device,
		ops:    make(chan func(), opsQueueSize),
	}
	s.done.Add(1)
	go s.run()
	return s
}

// run drains the operation queue until the stream is stopped.
func (s *stream) run() {
	defer s.done.Done()
	for op := range s.ops {
		op()
	}
}

func (s *stream) stop() {
	close(s.ops)
	s.done.Wait()
}

// enqueue issues op to the stream.
//
// The finalized check races with Finalize closing the queue, so the send itself
// must also tolerate a closed channel and report the same misuse.
func (s *stream) enqueue(op func()) {
	if s.rt.finalized.Load() || !xsync.TrySend(s.ops, op) {
		exceptions.Panicf("operation issued to stream of device %d after runtime was finalized", s.device)
	}
}

// Device returns the device this stream issues work to.
func (s *stream) Device() runtimes.DeviceNum { return s.device }

// CopyHostToDevice asynchronously copies len(src) bytes from host memory to dst.
func (s *stream) CopyHostToDevice(dst runtimes.Memory, src []byte) {
	if dst == nil || dst.Size() < len(src) {
		exceptions.Panicf("CopyHostToDevice on device %d: destination too small for %d bytes", s.device, len(src))
	}
	if dst.Device() != s.device {
		exceptions.Panicf("CopyHostToDevice: memory resident on device %d, but copy issued to stream of device %d",
			dst.Device(), s.device)
	}
	// src is owned by the caller and may be mutated after issue; snapshot it now,
	// the way a pinned staging buffer would.
	staging := make([]byte, len(src))
	copy(staging, src)
	s.enqueue(func() {
		copy(dst.Bytes(), staging)
	})
}

// MemsetZero asynchronously fills dst with zero bytes.
func (s *stream) MemsetZero(dst runtimes.Memory) {
	if dst == nil {
		exceptions.Panicf("MemsetZero on device %d: nil memory", s.device)
	}
	if dst.Device() != s.device {
		exceptions.Panicf("MemsetZero: memory resident on device %d, but issued to stream of device %d",
			dst.Device(), s.device)
	}
	s.enqueue(func() {
		clear(dst.Bytes())
	})
}

// Launch asynchronously executes kernel over the given grid.
//
// Blocks are scheduled onto the runtime's workers pool; the launch holds the stream
// until every block finished, so later stream operations observe the kernel's writes.
func (s *stream) Launch(config runtimes.LaunchConfig, kernel runtimes.Kernel) {
	if config.Grid < 0 || config.Block <= 0 {
		exceptions.Panicf("invalid launch config %+v on device %d", config, s.device)
	}
	if config.Grid == 0 {
		// Empty grid, nothing to run.
		return
	}
	s.enqueue(func() {
		var wg sync.WaitGroup
		wg.Add(config.Grid)
		for block := range config.Grid {
			s.rt.workers.WaitToStart(func() {
				defer wg.Done()
				shared := &runtimes.BlockShared{}
				for index := range config.Block {
					kernel.Run(runtimes.Unit{
						Block:  block,
						Index:  index,
						Config: config,
						Shared: shared,
					})
				}
				kernel.BlockEpilogue(config, block, shared)
			})
		}
		wg.Wait()
	})
}

// Synchronize blocks until every operation issued to the stream so far completed.
func (s *stream) Synchronize() error {
	drained := xsync.NewLatch()
	s.enqueue(drained.Trigger)
	drained.Wait()
	return nil
}

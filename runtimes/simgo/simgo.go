// Package simgo implements a simulated, pure-Go device runtime for nanguard.
//
// Devices are simulated in host memory, streams are goroutines draining a FIFO of
// operations (so issue order is execution order, as on a real accelerator stream),
// and kernel launches distribute blocks over a pool of worker goroutines.
//
// It is meant for tests and for running the checks against host-resident tensors;
// real accelerator runtimes implement the same runtimes.Runtime interface.
package simgo

import (
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/nanguard/runtimes"
	"github.com/gomlx/nanguard/types/xsync"
)

// RuntimeName to be used in NANGUARD_RUNTIME to specify this runtime.
const RuntimeName = "go"

// Registers New() as the constructor for the "go" runtime.
func init() {
	runtimes.Register(RuntimeName, New)
}

// New constructs a new simulated Runtime.
//
// The config string selects the number of simulated devices, either as a plain
// number ("2") or as "devices=2". Empty defaults to 1 device.
func New(config string) runtimes.Runtime {
	numDevices := 1
	if config != "" {
		value := strings.TrimPrefix(config, "devices=")
		var err error
		numDevices, err = strconv.Atoi(value)
		if err != nil || numDevices <= 0 {
			exceptions.Panicf("invalid configuration %q for runtime %q: want a positive number of devices", config, RuntimeName)
		}
	}
	return NewWithDevices(numDevices)
}

// NewWithDevices constructs a simulated Runtime with the given number of devices.
func NewWithDevices(numDevices int) *Runtime {
	if numDevices <= 0 {
		exceptions.Panicf("runtime %q needs at least 1 device, %d given", RuntimeName, numDevices)
	}
	r := &Runtime{
		numDevices: numDevices,
		allocated:  make([]atomic.Int64, numDevices),
	}
	r.workers.Initialize()
	return r
}

// Runtime implements the runtimes.Runtime interface on host memory.
type Runtime struct {
	numDevices int

	// streams holds the lazily-created current stream per device.
	streams xsync.SyncMap[runtimes.DeviceNum, *stream]

	// allocated bytes per device, for accounting only.
	allocated []atomic.Int64

	workers   workersPool
	finalized atomic.Bool
}

// Compile-time check that simgo.Runtime implements runtimes.Runtime.
var _ runtimes.Runtime = (*Runtime)(nil)

// Name returns the short name of the runtime.
func (r *Runtime) Name() string { return RuntimeName }

// Description is a longer description of the runtime that can be used to pretty-print.
func (r *Runtime) Description() string {
	return "Simulated Go Runtime (" + strconv.Itoa(r.numDevices) + " devices)"
}

// NumDevices returns the number of simulated devices.
func (r *Runtime) NumDevices() runtimes.DeviceNum {
	return runtimes.DeviceNum(r.numDevices)
}

// Stream returns the current stream for the given device, creating it on first use.
func (r *Runtime) Stream(device runtimes.DeviceNum) (runtimes.Stream, error) {
	if err := r.checkDevice(device); err != nil {
		return nil, err
	}
	s, found := r.streams.Load(device)
	if !found {
		s, _ = r.streams.LoadOrStore(device, newStream(r, device))
	}
	return s, nil
}

// Alloc reserves size bytes of simulated device memory.
func (r *Runtime) Alloc(device runtimes.DeviceNum, size int) (runtimes.Memory, error) {
	if err := r.checkDevice(device); err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, errNegativeAlloc(device, size)
	}
	r.allocated[device].Add(int64(size))
	return &memory{
		device: device,
		data:   allocAligned(size),
	}, nil
}

// AllocatedBytes returns the number of bytes currently allocated on the given device.
func (r *Runtime) AllocatedBytes(device runtimes.DeviceNum) int64 {
	if err := r.checkDevice(device); err != nil {
		return 0
	}
	return r.allocated[device].Load()
}

// Finalize stops the device streams and makes the runtime invalid.
func (r *Runtime) Finalize() {
	if !r.finalized.CompareAndSwap(false, true) {
		return
	}
	r.streams.Range(func(_ runtimes.DeviceNum, s *stream) bool {
		s.stop()
		return true
	})
}

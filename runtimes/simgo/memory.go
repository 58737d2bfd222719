package simgo

import (
	"unsafe"

	"github.com/gomlx/nanguard/runtimes"
	"github.com/pkg/errors"
)

// allocAligned returns size bytes backed by a word-aligned allocation, so kernels
// can take atomic uint64 views of raw device memory.
func allocAligned(size int) []byte {
	if size == 0 {
		return nil
	}
	words := make([]uint64, (size+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
}

// memory is a simulated device allocation, backed by host bytes.
type memory struct {
	device runtimes.DeviceNum
	data   []byte
}

// Compile-time check:
var _ runtimes.Memory = (*memory)(nil)

// Device returns the device the memory is resident on.
func (m *memory) Device() runtimes.DeviceNum { return m.device }

// Size returns the allocation size in bytes.
func (m *memory) Size() int { return len(m.data) }

// Bytes returns the device-side view of the memory.
func (m *memory) Bytes() []byte { return m.data }

func (r *Runtime) checkDevice(device runtimes.DeviceNum) error {
	if device < 0 || device >= runtimes.DeviceNum(r.numDevices) {
		return errors.Errorf("device %d out of range, runtime %q only has %d devices visible",
			device, RuntimeName, r.numDevices)
	}
	if r.finalized.Load() {
		return errors.Errorf("runtime %q was already finalized", RuntimeName)
	}
	return nil
}

func errNegativeAlloc(device runtimes.DeviceNum, size int) error {
	return errors.Errorf("cannot allocate %d bytes on device %d: negative size", size, device)
}

package nanguard

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/gomlx/nanguard/runtimes"
	"github.com/pkg/errors"
)

// labelCache interns debug labels in device memory, once per device per distinct
// label, for the life of the process.
//
// Entries are never evicted: the population is bounded by the number of distinct
// (operator, variable) pairs ever checked, and the device copies are what lets the
// kernels name the culprit without a host round-trip on every check.
type labelCache struct {
	perDevice []labelTable

	// inserts and hits instrument the insert-or-get path.
	inserts, hits atomic.Int64
}

// labelTable is the per-device map of label text to its device-resident copy.
// Different devices never contend on each other's mutex.
type labelTable struct {
	mu      sync.Mutex
	entries map[string]runtimes.Memory
}

// newLabelCache creates the cache with one table per visible device.
func newLabelCache(numDevices int) *labelCache {
	cache := &labelCache{
		perDevice: make([]labelTable, numDevices),
	}
	for ii := range cache.perDevice {
		cache.perDevice[ii].entries = make(map[string]runtimes.Memory)
	}
	return cache
}

// getOrCreate returns the device-resident copy of label on the given device,
// uploading it first if this is the first time the label is seen there.
//
// The host-to-device copy is issued asynchronously on stream while holding the
// device's lock, but not waited on: in-order stream execution guarantees any kernel
// launched afterward on the same stream observes the label bytes.
func (c *labelCache) getOrCreate(rt runtimes.Runtime, stream runtimes.Stream, device runtimes.DeviceNum, label string) (runtimes.Memory, error) {
	if device < 0 || int(device) >= len(c.perDevice) {
		return nil, errors.Errorf("device %d out of range, only %d devices visible", device, len(c.perDevice))
	}
	table := &c.perDevice[device]
	table.mu.Lock()
	defer table.mu.Unlock()
	if mem, found := table.entries[label]; found {
		c.hits.Add(1)
		return mem, nil
	}
	mem, err := rt.Alloc(device, len(label)+1)
	if err != nil {
		return nil, errors.WithMessagef(err, "uploading debug label %q to device %d", label, device)
	}
	// NUL-terminated, the kernels read it back as a C string.
	stream.CopyHostToDevice(mem, append([]byte(label), 0))
	table.entries[label] = mem
	c.inserts.Add(1)
	return mem, nil
}

// deviceLabelText reads a NUL-terminated label back from its device memory.
// Only valid device-side (inside a kernel) or after the owning stream synchronized.
func deviceLabelText(mem runtimes.Memory) string {
	data := mem.Bytes()
	if idx := bytes.IndexByte(data, 0); idx >= 0 {
		data = data[:idx]
	}
	return string(data)
}

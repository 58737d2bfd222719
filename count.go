package nanguard

import (
	"fmt"
	"math"
	"sync/atomic"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/nanguard/runtimes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// CountResult holds the exact NaN and Inf tallies of one CountCheck.
type CountResult struct {
	// NaN and Inf are the number of not-a-number and infinite elements found.
	NaN, Inf uint64

	// Applicable is false when the tensor's dtype has no kernel variant, in which
	// case the counts are meaningless.
	Applicable bool
}

// HasProblem returns whether any NaN or Inf element was found.
func (r CountResult) HasProblem() bool {
	return r.NaN > 0 || r.Inf > 0
}

// countScratchSize is the two global uint64 counters the count kernel merges into.
const countScratchSize = 2 * 8

// CountCheck counts the NaN and Inf elements of the tensor exactly.
//
// Unlike Check it is advisory and synchronous: it blocks until the device stream
// drains, copies the counters back, prints a human-readable summary if anything was
// found, and returns the counts -- the process is never aborted. Not meant for
// hot-path use, only for periodic or diagnostic polling.
func (c *Checker) CountCheck(operator, variable string, t TensorRef) (CountResult, error) {
	var result CountResult
	if !Supported(t.DType) {
		return result, nil
	}
	if err := c.validate(t); err != nil {
		return result, err
	}
	result.Applicable = true
	stream, err := c.rt.Stream(t.Device)
	if err != nil {
		return result, err
	}
	label, err := c.labels.getOrCreate(c.rt, stream, t.Device, DebugLabel(operator, variable))
	if err != nil {
		return result, err
	}
	if t.Count == 0 {
		// Trivially clean, no kernel work beyond this.
		return result, nil
	}

	// Scratch counters are per call, not cached: this path is rare by design.
	scratch, err := c.rt.Alloc(t.Device, countScratchSize)
	if err != nil {
		return result, errors.WithMessagef(err, "allocating count scratch on device %d", t.Device)
	}
	stream.MemsetZero(scratch)
	c.launchCount(stream, t, scratch)
	if err = stream.Synchronize(); err != nil {
		return result, errors.WithMessagef(err, "draining stream of device %d after count kernel", t.Device)
	}

	counters := globalCounters(scratch)
	result.NaN = counters[counterNaN].Load()
	result.Inf = counters[counterInf].Load()
	if result.HasProblem() {
		fmt.Fprintf(c.reportW, "device %d: %s: found %s NaN and %s Inf among %s elements\n",
			t.Device, deviceLabelText(label),
			humanize.Comma(int64(result.NaN)), humanize.Comma(int64(result.Inf)),
			humanize.Comma(int64(t.Count)))
	}
	return result, nil
}

// launchCount issues the count kernel variant for the tensor's dtype.
func (c *Checker) launchCount(stream runtimes.Stream, t TensorRef, scratch runtimes.Memory) {
	// Exact cover, one element per unit, no striding.
	config := runtimes.LaunchConfig{
		Grid:  (t.Count + blockDim - 1) / blockDim,
		Block: blockDim,
	}
	switch t.DType {
	case dtypes.Float32:
		stream.Launch(config, newCountKernel(t, scratch, liftFloat32))
	case dtypes.Float64:
		stream.Launch(config, newCountKernel(t, scratch, liftFloat64))
	case dtypes.Float16:
		stream.Launch(config, newCountKernel[float16.Float16](t, scratch, liftFloat16))
	case dtypes.BFloat16:
		stream.Launch(config, newCountKernel[bfloat16.BFloat16](t, scratch, liftBFloat16))
	case dtypes.Int64:
		stream.Launch(config, newCountKernel[int64](t, scratch, liftInt64))
	}
}

// countKernel tallies NaN and Inf occurrences exactly: every element is inspected
// by exactly one unit, units classify into block-shared atomic counters, and each
// block's epilogue merges its partials into the global counters exactly once.
type countKernel[T any] struct {
	data    []T
	lift    func(T) float64
	scratch runtimes.Memory
}

func newCountKernel[T any](t TensorRef, scratch runtimes.Memory, lift func(T) float64) *countKernel[T] {
	return &countKernel[T]{
		data:    flatOf[T](t.Data, t.Count),
		lift:    lift,
		scratch: scratch,
	}
}

// Run classifies the single element assigned to the unit.
func (k *countKernel[T]) Run(u runtimes.Unit) {
	ii := u.Flat()
	if ii >= len(k.data) {
		return
	}
	v := k.lift(k.data[ii])
	switch {
	case math.IsNaN(v):
		u.Shared.Counters[counterNaN].Add(1)
	case math.IsInf(v, 0):
		u.Shared.Counters[counterInf].Add(1)
	}
}

// BlockEpilogue merges the block's partial tallies into the global device counters.
func (k *countKernel[T]) BlockEpilogue(_ runtimes.LaunchConfig, _ int, shared *runtimes.BlockShared) {
	nan := shared.Counters[counterNaN].Load()
	inf := shared.Counters[counterInf].Load()
	if nan == 0 && inf == 0 {
		return
	}
	counters := globalCounters(k.scratch)
	counters[counterNaN].Add(nan)
	counters[counterInf].Add(inf)
}

// globalCounters views the scratch memory as the two global atomic counters.
// Device allocations are word-aligned, see simgo.
func globalCounters(scratch runtimes.Memory) []atomic.Uint64 {
	data := scratch.Bytes()
	return unsafe.Slice((*atomic.Uint64)(unsafe.Pointer(&data[0])), 2)
}

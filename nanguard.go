// Package nanguard is a runtime numerical-integrity guard for device tensors.
//
// It detects NaN ("not-a-number") and Inf (infinity) values in buffers processed on
// a parallel accelerator, and reports which operator and variable produced them, so
// a training run can be halted or diagnosed before corrupted values propagate
// silently through subsequent computations.
//
// Two entry points are provided:
//
//   - Checker.Check launches an asynchronous boolean scan over the buffer. It is
//     cheap in the common clean case and, when corruption is found, hands a detailed
//     report to the Checker's Policy -- by default aborting the process.
//   - Checker.CountCheck blocks for exact per-buffer NaN and Inf counts. It is
//     advisory: it prints a summary and returns the counts, but never aborts.
//
// Example:
//
//	checker := must.M1(nanguard.New(runtimes.New()))
//	...
//	must.M1(checker.Check("add", "y", tensorRef))
package nanguard

import (
	"io"
	"os"
	"sync"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/nanguard/runtimes"
	"github.com/pkg/errors"
)

// DebugLabel builds the diagnostic label naming the operator and variable that
// produced a tensor. It is the key of the per-device label cache.
func DebugLabel(operator, variable string) string {
	return "[op=" + operator + "] [tensor=" + variable + "]"
}

// TensorRef is a read-only view of a typed device buffer. It is never mutated by
// the guard.
type TensorRef struct {
	// DType is the element type tag of the buffer.
	DType dtypes.DType

	// Count is the number of elements of the buffer.
	Count int

	// Device is where the buffer is resident.
	Device runtimes.DeviceNum

	// Data is the raw device memory holding Count elements of DType.
	Data runtimes.Memory
}

// Supported returns whether the guard has a kernel variant for the given dtype.
//
// Checks on unsupported dtypes are "not applicable": they are skipped, not errors.
func Supported(dtype dtypes.DType) bool {
	switch dtype {
	case dtypes.Float32, dtypes.Float64, dtypes.Float16, dtypes.BFloat16, dtypes.Int64:
		return true
	}
	return false
}

// Checker orchestrates the integrity-check kernels on one runtime.
//
// It owns the per-device debug-label cache, so it should be created once and shared
// by every call site checking tensors of the same runtime -- see Default for a
// process-wide instance. A Checker is safe for concurrent use by multiple goroutines.
type Checker struct {
	rt     runtimes.Runtime
	labels *labelCache

	policy      Policy
	reportW     io.Writer
	reportLimit int
}

// New creates a Checker for the given runtime.
//
// It fails if the runtime reports no visible devices -- the label cache is sized to
// the device count once, here, and never resized.
func New(rt runtimes.Runtime) (*Checker, error) {
	if rt == nil {
		return nil, errors.New("nanguard.New: nil runtime given")
	}
	numDevices := int(rt.NumDevices())
	if numDevices <= 0 {
		return nil, errors.Errorf("nanguard.New: runtime %q reports no visible devices", rt.Name())
	}
	return &Checker{
		rt:          rt,
		labels:      newLabelCache(numDevices),
		policy:      AbortPolicy{},
		reportW:     os.Stderr,
		reportLimit: 3,
	}, nil
}

var (
	defaultChecker     *Checker
	defaultCheckerOnce sync.Once
)

// Default returns the process-wide Checker, creating it on the default runtime
// (see runtimes.New) on first use. Concurrent first callers block until the one-time
// construction completed.
func Default() *Checker {
	defaultCheckerOnce.Do(func() {
		checker, err := New(runtimes.New())
		if err != nil {
			exceptions.Panicf("nanguard.Default: %+v", err)
		}
		defaultChecker = checker
	})
	return defaultChecker
}

// SetPolicy changes what happens when the asynchronous scan path finds corruption.
// The default is AbortPolicy. See Policy.
func (c *Checker) SetPolicy(policy Policy) {
	c.policy = policy
}

// SetReportWriter redirects the diagnostic output of the kernels.
// The default is os.Stderr.
func (c *Checker) SetReportWriter(w io.Writer) {
	c.reportW = w
}

// SetReportLimit changes how many individual offending values each reporting unit
// prints before falling back to the aggregate tally. The default is 3.
func (c *Checker) SetReportLimit(limit int) {
	c.reportLimit = limit
}

// Runtime returns the runtime the Checker was created for.
func (c *Checker) Runtime() runtimes.Runtime {
	return c.rt
}

// Check launches the boolean NaN/Inf scan over the tensor on its device's current
// stream and returns without waiting for it.
//
// If the scan finds corruption, the in-kernel reporter prints the offending values
// and the Checker's Policy decides what happens -- with the default AbortPolicy the
// process terminates with a fatal diagnostic naming the operator and variable.
//
// It returns whether the check was applicable to the tensor's dtype, and the error
// issuing the check, if any. Data errors are never returned here: on this path they
// are a policy decision, not a return value.
func (c *Checker) Check(operator, variable string, t TensorRef) (applicable bool, err error) {
	if !Supported(t.DType) {
		return false, nil
	}
	if err = c.validate(t); err != nil {
		return false, err
	}
	stream, err := c.rt.Stream(t.Device)
	if err != nil {
		return true, err
	}
	label, err := c.labels.getOrCreate(c.rt, stream, t.Device, DebugLabel(operator, variable))
	if err != nil {
		return true, err
	}
	if t.Count == 0 {
		// Nothing to scan, trivially clean.
		return true, nil
	}
	c.launchScan(stream, operator, variable, t, label)
	return true, nil
}

// validate checks the TensorRef invariants that hold for any dtype.
func (c *Checker) validate(t TensorRef) error {
	if t.Count < 0 {
		return errors.Errorf("invalid tensor: negative element count %d", t.Count)
	}
	if t.Count == 0 {
		return nil
	}
	if t.Data == nil {
		return errors.Errorf("invalid tensor: %d elements but nil device data", t.Count)
	}
	if t.Data.Device() != t.Device {
		return errors.Errorf("invalid tensor: data resident on device %d, but tensor placed on device %d",
			t.Data.Device(), t.Device)
	}
	if want := t.Count * int(t.DType.Size()); t.Data.Size() < want {
		return errors.Errorf("invalid tensor: %d elements of %s need %d bytes, device data only holds %d",
			t.Count, t.DType, want, t.Data.Size())
	}
	return nil
}

// flatOf reinterprets the device-side view of mem as a flat slice of count elements.
func flatOf[T any](mem runtimes.Memory, count int) []T {
	if count == 0 {
		return nil
	}
	data := mem.Bytes()
	return unsafe.Slice((*T)(unsafe.Pointer(&data[0])), count)
}

// Check runs Checker.Check on the process-wide Default checker.
func Check(operator, variable string, t TensorRef) (bool, error) {
	return Default().Check(operator, variable, t)
}

// CountCheck runs Checker.CountCheck on the process-wide Default checker.
func CountCheck(operator, variable string, t TensorRef) (CountResult, error) {
	return Default().CountCheck(operator, variable, t)
}

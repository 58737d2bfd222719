package nanguard

import (
	"github.com/gomlx/nanguard/runtimes"
	"k8s.io/klog/v2"
)

// Report describes corruption found by the scan path, as observed by one reporting
// block.
//
// Blocks report independently, so a Policy may be invoked more than once per check
// when several blocks of the same launch detect corruption -- the duplicates are
// deliberate, each block's tally covers its own stripe of the buffer.
type Report struct {
	// Device where the corrupted tensor is resident.
	Device runtimes.DeviceNum

	// Operator and Variable name the producer, as given to Check.
	Operator, Variable string

	// Label is the debug label as read back from its device-resident copy.
	Label string

	// NaN and Inf are the reporting block's tallies over its stripe of the buffer.
	NaN, Inf uint64

	// Elements is the total element count of the checked buffer.
	Elements int
}

// Policy decides what happens when the asynchronous scan path finds corruption.
//
// The decision to abort the process belongs here, not inside the kernel: tests
// inject a capturing policy and observe would-abort conditions without crashing.
// A Policy must be safe for concurrent calls, one per reporting block.
type Policy interface {
	Corrupted(report *Report)
}

// AbortPolicy terminates the process with a fatal diagnostic. It is the default:
// the scan path is meant for development runs where halting immediately at the
// first corrupted tensor is worth more than continuing.
type AbortPolicy struct{}

// Corrupted implements Policy.
func (AbortPolicy) Corrupted(report *Report) {
	klog.Exitf("nan/inf check failed on device %d for %s: %d NaN, %d Inf seen among %d elements",
		report.Device, report.Label, report.NaN, report.Inf, report.Elements)
}

package nanguard

import (
	"bytes"
	"sync"
	"testing"
	"unsafe"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/nanguard/runtimes"
	"github.com/gomlx/nanguard/runtimes/simgo"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// testLog captures diagnostic output; reporting blocks may write concurrently, so
// it is locked, unlike a bare bytes.Buffer.
type testLog struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *testLog) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *testLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

// newTestChecker creates a Checker on a fresh simulated runtime, with diagnostics
// captured in the returned log instead of stderr.
func newTestChecker(t *testing.T, numDevices int) (*Checker, *simgo.Runtime, *testLog) {
	rt := simgo.NewWithDevices(numDevices)
	t.Cleanup(rt.Finalize)
	checker, err := New(rt)
	require.NoError(t, err)
	out := &testLog{}
	checker.SetReportWriter(out)
	return checker, rt, out
}

// upload places values on the given simulated device and returns the TensorRef
// viewing them.
func upload[T any](t *testing.T, rt *simgo.Runtime, device runtimes.DeviceNum, dtype dtypes.DType, values []T) TensorRef {
	mem, err := rt.Alloc(device, len(values)*int(dtype.Size()))
	require.NoError(t, err)
	if len(values) > 0 {
		stream, err := rt.Stream(device)
		require.NoError(t, err)
		stream.CopyHostToDevice(mem, rawBytes(values))
		require.NoError(t, stream.Synchronize())
	}
	return TensorRef{DType: dtype, Count: len(values), Device: device, Data: mem}
}

func rawBytes[T any](values []T) []byte {
	if len(values) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&values[0])), len(values)*int(unsafe.Sizeof(zero)))
}

// syncDevice drains the device's current stream, so asynchronous scan results
// become observable.
func syncDevice(t *testing.T, rt *simgo.Runtime, device runtimes.DeviceNum) {
	stream, err := rt.Stream(device)
	require.NoError(t, err)
	require.NoError(t, stream.Synchronize())
}

// capturePolicy records would-abort reports instead of terminating the process.
type capturePolicy struct {
	mu      sync.Mutex
	reports []*Report
}

func (p *capturePolicy) Corrupted(report *Report) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reports = append(p.reports, report)
}

func (p *capturePolicy) all() []*Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reports
}

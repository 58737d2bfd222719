// nanguard_demo runs the NaN/Inf integrity checks over synthetic buffers on the
// simulated runtime, corrupting a few positions on purpose, and prints the verdicts.
//
// Example:
//
//	nanguard_demo --size 1000000 --nan 3 --inf 1 --devices 2
package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"unsafe"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/nanguard"
	"github.com/gomlx/nanguard/runtimes"
	"github.com/gomlx/nanguard/runtimes/simgo"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var (
	flagSize    = flag.Int("size", 1_000_000, "Elements per synthetic buffer.")
	flagNaN     = flag.Int("nan", 1, "Number of NaN values to inject per corrupted buffer.")
	flagInf     = flag.Int("inf", 1, "Number of Inf values to inject per corrupted buffer.")
	flagDevices = flag.Int("devices", 1, "Number of simulated devices to spread the buffers over.")
	flagTensors = flag.Int("tensors", 4, "Number of buffers to check; the last one is corrupted.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	rt := simgo.NewWithDevices(*flagDevices)
	defer rt.Finalize()
	checker := must.M1(nanguard.New(rt))
	// The demo wants verdicts, not a dead process.
	checker.SetPolicy(printPolicy{})

	rows := make([][]string, 0, *flagTensors)
	for ii := range *flagTensors {
		device := runtimes.DeviceNum(ii % *flagDevices)
		variable := fmt.Sprintf("w%03d", ii)
		corrupt := ii == *flagTensors-1
		tensor := makeBuffer(rt, device, *flagSize, corrupt)
		// Asynchronous scan path: on corruption the policy is told, demo keeps going.
		must.M1(checker.Check("matmul", variable, tensor))
		result := must.M1(checker.CountCheck("matmul", variable, tensor))
		verdict := "clean"
		if result.HasProblem() {
			verdict = "CORRUPTED"
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", device), variable,
			humanize.Comma(int64(*flagSize)),
			humanize.Comma(int64(result.NaN)), humanize.Comma(int64(result.Inf)),
			verdict,
		})
	}

	table := lgtable.New().
		Border(lipgloss.NormalBorder()).
		Headers("Device", "Variable", "Elements", "NaN", "Inf", "Verdict").
		Rows(rows...)
	fmt.Println(table.Render())
	fmt.Printf("Device memory allocated: %s\n", humanize.Bytes(uint64(rt.AllocatedBytes(0))))
}

// makeBuffer fills a device buffer with finite random values and, if corrupt,
// injects the flag-chosen numbers of NaN and Inf at random positions.
func makeBuffer(rt *simgo.Runtime, device runtimes.DeviceNum, size int, corrupt bool) nanguard.TensorRef {
	values := make([]float32, size)
	for ii := range values {
		values[ii] = rand.Float32()*2 - 1
	}
	if corrupt && size > 0 {
		for range *flagNaN {
			values[rand.IntN(size)] = float32(math.NaN())
		}
		for range *flagInf {
			values[rand.IntN(size)] = float32(math.Inf(1))
		}
	}

	mem := must.M1(rt.Alloc(device, size*int(dtypes.Float32.Size())))
	stream := must.M1(rt.Stream(device))
	stream.CopyHostToDevice(mem, unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(values))), size*4))
	if err := stream.Synchronize(); err != nil {
		klog.Errorf("Failed to upload buffer to device %d: %+v", device, err)
		os.Exit(1)
	}
	return nanguard.TensorRef{
		DType:  dtypes.Float32,
		Count:  size,
		Device: device,
		Data:   mem,
	}
}

// printPolicy reports would-abort conditions without terminating the demo.
type printPolicy struct{}

func (printPolicy) Corrupted(report *nanguard.Report) {
	klog.Warningf("Would abort: device %d, %s: %d NaN, %d Inf among %d elements",
		report.Device, report.Label, report.NaN, report.Inf, report.Elements)
}

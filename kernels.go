package nanguard

import (
	"math"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

// Shared-counter indices used by both kernels.
const (
	counterNaN = iota
	counterInf
	counterFinite
)

// blockDim is the number of execution units per block for both kernels.
const blockDim = 256

// scanMaxGrid caps the scan launch: its units stride over the buffer, so the grid
// does not need to cover it. The count launch covers the buffer exactly instead.
const scanMaxGrid = 32

// The lift functions map each supported element type to float64, preserving the
// NaN/Inf class of the value. Integers lift to a finite value always.

func liftFloat32(v float32) float64 { return float64(v) }

func liftFloat64(v float64) float64 { return v }

func liftFloat16(v float16.Float16) float64 { return float64(v.Float32()) }

func liftBFloat16(v bfloat16.BFloat16) float64 { return float64(v.Float32()) }

func liftInt64(v int64) float64 { return float64(v) }

// isNaNOrInf is the test applied once per unit to the accumulated sum -- never
// inside the element loop, see scanKernel.
func isNaNOrInf(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0)
}

package nanguard

import (
	"math"
	"strings"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestCheckClean(t *testing.T) {
	checker, rt, out := newTestChecker(t, 1)
	policy := &capturePolicy{}
	checker.SetPolicy(policy)

	for _, size := range []int{0, 1, 4, 256, 9000} {
		values := make([]float32, size)
		for ii := range values {
			values[ii] = float32(ii) * 0.25
		}
		applicable, err := checker.Check("conv", "k", upload(t, rt, 0, dtypes.Float32, values))
		require.NoError(t, err)
		assert.True(t, applicable)
	}
	syncDevice(t, rt, 0)
	assert.Empty(t, policy.all())
	assert.Empty(t, out.String())
}

func TestCheckScenarioAddY(t *testing.T) {
	checker, rt, out := newTestChecker(t, 1)
	policy := &capturePolicy{}
	checker.SetPolicy(policy)

	values := []float32{1.0, 2.0, float32(math.NaN()), 4.0}
	applicable, err := checker.Check("add", "y", upload(t, rt, 0, dtypes.Float32, values))
	require.NoError(t, err)
	require.True(t, applicable)
	syncDevice(t, rt, 0)

	reports := policy.all()
	require.Len(t, reports, 1)
	report := reports[0]
	assert.Equal(t, "add", report.Operator)
	assert.Equal(t, "y", report.Variable)
	assert.Equal(t, "[op=add] [tensor=y]", report.Label)
	assert.Equal(t, uint64(1), report.NaN)
	assert.Zero(t, report.Inf)
	assert.Equal(t, 4, report.Elements)

	assert.Contains(t, out.String(), "bad value NaN at index 2")
	assert.Contains(t, out.String(), "1 NaN, 0 Inf, 3 finite")
}

func TestCheckDetectsInf(t *testing.T) {
	checker, rt, out := newTestChecker(t, 1)
	policy := &capturePolicy{}
	checker.SetPolicy(policy)

	values := make([]float64, 500)
	values[499] = math.Inf(-1)
	_, err := checker.Check("log", "prob", upload(t, rt, 0, dtypes.Float64, values))
	require.NoError(t, err)
	syncDevice(t, rt, 0)

	reports := policy.all()
	require.Len(t, reports, 1)
	assert.Zero(t, reports[0].NaN)
	assert.Equal(t, uint64(1), reports[0].Inf)
	assert.Contains(t, out.String(), "bad value -Inf at index 499")
}

func TestCheckMixedNaNAndInf(t *testing.T) {
	checker, rt, _ := newTestChecker(t, 1)
	policy := &capturePolicy{}
	checker.SetPolicy(policy)

	values := make([]float32, 128)
	values[3] = float32(math.NaN())
	values[90] = float32(math.Inf(1))
	_, err := checker.Check("exp", "act", upload(t, rt, 0, dtypes.Float32, values))
	require.NoError(t, err)
	syncDevice(t, rt, 0)

	reports := policy.all()
	require.Len(t, reports, 1)
	assert.Equal(t, uint64(1), reports[0].NaN)
	assert.Equal(t, uint64(1), reports[0].Inf)
}

func TestCheckInt64AlwaysClean(t *testing.T) {
	checker, rt, _ := newTestChecker(t, 1)
	policy := &capturePolicy{}
	checker.SetPolicy(policy)

	applicable, err := checker.Check("argmax", "idx", upload(t, rt, 0, dtypes.Int64, []int64{math.MaxInt64, math.MinInt64, 0}))
	require.NoError(t, err)
	assert.True(t, applicable)
	syncDevice(t, rt, 0)
	assert.Empty(t, policy.all())
}

func TestCheckFloat16(t *testing.T) {
	checker, rt, _ := newTestChecker(t, 1)
	policy := &capturePolicy{}
	checker.SetPolicy(policy)

	values := make([]float16.Float16, 40)
	values[11] = float16.Fromfloat32(float32(math.Inf(1)))
	_, err := checker.Check("scale", "h", upload(t, rt, 0, dtypes.Float16, values))
	require.NoError(t, err)
	syncDevice(t, rt, 0)
	reports := policy.all()
	require.Len(t, reports, 1)
	assert.Equal(t, uint64(1), reports[0].Inf)
}

func TestCheckNotApplicable(t *testing.T) {
	checker, rt, _ := newTestChecker(t, 1)
	policy := &capturePolicy{}
	checker.SetPolicy(policy)

	applicable, err := checker.Check("cast", "mask", upload(t, rt, 0, dtypes.Int32, []int32{1, 2}))
	require.NoError(t, err)
	assert.False(t, applicable)
	syncDevice(t, rt, 0)
	assert.Empty(t, policy.all())
}

// TestCheckReportLimit places several NaN on the stripe of a single execution unit,
// so the per-unit print limit kicks in.
func TestCheckReportLimit(t *testing.T) {
	// With this size the scan grid is capped and units stride: flat unit 0 visits
	// indices 0, 8192, 16384, ...
	const size = 20_000
	stride := scanConfig(size).GridSize()
	require.Less(t, stride, size)

	for _, limit := range []int{1, 2, 3} {
		checker, rt, out := newTestChecker(t, 1)
		policy := &capturePolicy{}
		checker.SetPolicy(policy)
		checker.SetReportLimit(limit)

		values := make([]float32, size)
		nan := float32(math.NaN())
		values[0] = nan
		values[stride] = nan
		values[2*stride] = nan
		_, err := checker.Check("matmul", "z", upload(t, rt, 0, dtypes.Float32, values))
		require.NoError(t, err)
		syncDevice(t, rt, 0)

		require.Len(t, policy.all(), 1)
		assert.Equal(t, uint64(3), policy.all()[0].NaN)
		assert.Equal(t, limit, strings.Count(out.String(), "bad value"), "limit=%d", limit)
	}
}

// TestCheckMultipleBlocksReport verifies blocks report independently: corruption in
// two different blocks yields two reports, duplicates being expected and tolerated.
func TestCheckMultipleBlocksReport(t *testing.T) {
	const size = 20_000
	config := scanConfig(size)
	require.Greater(t, config.Grid, 1)

	checker, rt, _ := newTestChecker(t, 1)
	policy := &capturePolicy{}
	checker.SetPolicy(policy)

	values := make([]float32, size)
	nan := float32(math.NaN())
	values[0] = nan                // block 0
	values[config.Block] = nan     // block 1
	values[3*config.Block+7] = nan // block 3
	_, err := checker.Check("sum", "acc", upload(t, rt, 0, dtypes.Float32, values))
	require.NoError(t, err)
	syncDevice(t, rt, 0)

	reports := policy.all()
	require.Len(t, reports, 3)
	var total uint64
	for _, report := range reports {
		total += report.NaN
		assert.Equal(t, size, report.Elements)
	}
	assert.Equal(t, uint64(3), total)
}

func TestSupported(t *testing.T) {
	assert.True(t, Supported(dtypes.Float32))
	assert.True(t, Supported(dtypes.Float64))
	assert.True(t, Supported(dtypes.Float16))
	assert.True(t, Supported(dtypes.BFloat16))
	assert.True(t, Supported(dtypes.Int64))
	assert.False(t, Supported(dtypes.Int32))
	assert.False(t, Supported(dtypes.Bool))
	assert.False(t, Supported(dtypes.Complex64))
}

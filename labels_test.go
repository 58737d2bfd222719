package nanguard

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebugLabel(t *testing.T) {
	assert.Equal(t, "[op=add] [tensor=y]", DebugLabel("add", "y"))
}

func TestLabelCacheSingleUpload(t *testing.T) {
	checker, rt, _ := newTestChecker(t, 1)
	tensor := upload(t, rt, 0, dtypes.Float32, []float32{1, 2, 3})

	_, err := checker.CountCheck("add", "y", tensor)
	require.NoError(t, err)
	assert.Equal(t, int64(1), checker.labels.inserts.Load())
	assert.Equal(t, int64(0), checker.labels.hits.Load())

	// Second check of the same (operator, variable) pair must record a get, not
	// an insert.
	_, err = checker.CountCheck("add", "y", tensor)
	require.NoError(t, err)
	assert.Equal(t, int64(1), checker.labels.inserts.Load())
	assert.Equal(t, int64(1), checker.labels.hits.Load())

	// A different pair is a fresh insert.
	_, err = checker.CountCheck("add", "bias", tensor)
	require.NoError(t, err)
	assert.Equal(t, int64(2), checker.labels.inserts.Load())
}

func TestLabelCachePerDevice(t *testing.T) {
	checker, rt, _ := newTestChecker(t, 2)

	// The same textual label on two devices gives two independent entries.
	_, err := checker.CountCheck("add", "y", upload(t, rt, 0, dtypes.Float32, []float32{1}))
	require.NoError(t, err)
	_, err = checker.CountCheck("add", "y", upload(t, rt, 1, dtypes.Float32, []float32{1}))
	require.NoError(t, err)
	assert.Equal(t, int64(2), checker.labels.inserts.Load())
	assert.Equal(t, int64(0), checker.labels.hits.Load())
}

func TestLabelCacheDeviceRange(t *testing.T) {
	checker, rt, _ := newTestChecker(t, 2)
	stream, err := rt.Stream(0)
	require.NoError(t, err)

	_, err = checker.labels.getOrCreate(rt, stream, 5, "[op=a] [tensor=b]")
	require.ErrorContains(t, err, "device 5 out of range")
	require.ErrorContains(t, err, "2 devices visible")

	_, err = checker.labels.getOrCreate(rt, stream, -1, "[op=a] [tensor=b]")
	require.ErrorContains(t, err, "out of range")
}

func TestLabelRoundTrip(t *testing.T) {
	checker, rt, _ := newTestChecker(t, 1)
	stream, err := rt.Stream(0)
	require.NoError(t, err)

	label := DebugLabel("matmul", "weights")
	mem, err := checker.labels.getOrCreate(rt, stream, 0, label)
	require.NoError(t, err)
	require.NoError(t, stream.Synchronize())
	assert.Equal(t, len(label)+1, mem.Size(), "device copy holds the NUL terminator")
	assert.Equal(t, label, deviceLabelText(mem))

	again, err := checker.labels.getOrCreate(rt, stream, 0, label)
	require.NoError(t, err)
	assert.Same(t, mem, again)
}

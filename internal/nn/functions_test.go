package nn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScaleAndSatHelpers(t *testing.T) {
	assert.InDelta(t, 0, ScaleValue(2, 4, 0), 1e-12)
	assert.InDeltaSlice(t, []float64{-1, 0, 1}, ScaleSlice([]float64{0, 2, 4}, 4, 0), 1e-12)
	assert.Equal(t, 3.0, Sat(5, 3, -3))
	assert.Equal(t, -3.0, Sat(-5, 3, -3))
	assert.Equal(t, 0.0, ScaleValue(7, 1, 1))
}

func TestUnscaleInvertsScale(t *testing.T) {
	for _, v := range []float64{-3, 0.5, 12} {
		scaled := ScaleValue(v, 12, -3)
		assert.InDelta(t, v, UnscaleValue(scaled, 12, -3), 1e-12)
	}
}

func TestAvgAndStd(t *testing.T) {
	avg, err := Avg([]float64{1, 2, 3, 4})
	require.NoError(t, err)
	assert.InDelta(t, 2.5, avg, 1e-12)

	std, err := Std([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	require.NoError(t, err)
	assert.InDelta(t, 2.0, std, 1e-12)

	_, err = Avg(nil)
	assert.Error(t, err)
}

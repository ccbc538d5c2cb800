package nn

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuiltInDerivativesMatchFiniteDifferences(t *testing.T) {
	const h = 1e-6
	for _, name := range []string{"identity", "relu", "tanh", "sigmoid", "silu", "mish"} {
		fn, err := GetActivation(name)
		require.NoError(t, err)
		for _, x := range []float64{-2.3, -0.4, 0.7, 1.9} {
			got, err := Derivative(name, x)
			require.NoError(t, err)
			want := (fn(x+h) - fn(x-h)) / (2 * h)
			assert.InDeltaf(t, want, got, 1e-5, "%s'(%v)", name, x)
		}
	}
}

func TestDerivativeUnsupported(t *testing.T) {
	_, err := Derivative("unknown", 1)
	assert.Error(t, err)
}

package nn

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func randomDense(rng *rand.Rand, r, c int) *mat.Dense {
	m := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			m.Set(i, j, rng.NormFloat64())
		}
	}
	return m
}

// projectedLoss is sum(forward(x) ⊙ w), whose gradient w.r.t. the output is w.
func projectedLoss(m Module, x, w *mat.Dense) float64 {
	y := m.Forward(x)
	r, c := y.Dims()
	sum := 0.0
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			sum += y.At(i, j) * w.At(i, j)
		}
	}
	return sum
}

func checkGradients(t *testing.T, m Module, x *mat.Dense, outCols int) {
	t.Helper()
	const h = 1e-6
	rng := rand.New(rand.NewSource(3))
	rows, cols := x.Dims()
	w := randomDense(rng, rows, outCols)

	for _, p := range m.Parameters() {
		p.ZeroGrad()
	}
	_ = m.Forward(x)
	dx := mat.DenseCopyOf(m.Backward(w))
	analytic := make([]*mat.Dense, 0)
	for _, p := range m.Parameters() {
		analytic = append(analytic, mat.DenseCopyOf(p.Grad))
	}

	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			orig := x.At(i, j)
			x.Set(i, j, orig+h)
			plus := projectedLoss(m, x, w)
			x.Set(i, j, orig-h)
			minus := projectedLoss(m, x, w)
			x.Set(i, j, orig)
			assert.InDeltaf(t, (plus-minus)/(2*h), dx.At(i, j), 1e-4, "%s dx[%d,%d]", m.Kind(), i, j)
		}
	}
	for k, p := range m.Parameters() {
		r, c := p.Value.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < c; j++ {
				orig := p.Value.At(i, j)
				p.Value.Set(i, j, orig+h)
				plus := projectedLoss(m, x, w)
				p.Value.Set(i, j, orig-h)
				minus := projectedLoss(m, x, w)
				p.Value.Set(i, j, orig)
				assert.InDeltaf(t, (plus-minus)/(2*h), analytic[k].At(i, j), 1e-4, "%s %s[%d,%d]", m.Kind(), p.Name, i, j)
			}
		}
	}
}

func TestLinearGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	l := NewLinear(4, 3, rng)
	checkGradients(t, l, randomDense(rng, 5, 4), 3)
}

func TestActivationGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	for _, name := range []string{"tanh", "mish", "silu", "sigmoid"} {
		a, err := NewActivation(name)
		require.NoError(t, err)
		checkGradients(t, a, randomDense(rng, 3, 4), 4)
	}
}

func TestBatchNormGradientsInTrainingMode(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	bn := NewBatchNorm(3)
	bn.Momentum = 0
	bn.SetTraining(true)
	bn.Gamma.Value.Set(0, 1, 1.7)
	bn.Beta.Value.Set(0, 2, -0.3)
	checkGradients(t, bn, randomDense(rng, 6, 3), 3)
}

func TestBatchNormGradientsInEvalMode(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	bn := NewBatchNorm(2)
	bn.RunningMean.Value.Set(0, 0, 0.4)
	bn.RunningVar.Value.Set(0, 1, 2.5)
	checkGradients(t, bn, randomDense(rng, 3, 2), 2)
}

func TestGroupNormGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	gn, err := NewGroupNorm(2, 6)
	require.NoError(t, err)
	gn.Gamma.Value.Set(0, 4, 0.6)
	checkGradients(t, gn, randomDense(rng, 3, 6), 6)
}

func TestGroupNormRejectsIndivisibleFeatures(t *testing.T) {
	_, err := NewGroupNorm(4, 6)
	assert.Error(t, err)
}

func TestBatchNormUpdatesRunningStatsOnlyWhenTraining(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	bn := NewBatchNorm(2)
	x := randomDense(rng, 8, 2)

	bn.SetTraining(false)
	bn.Forward(x)
	assert.Equal(t, 0.0, bn.RunningMean.Value.At(0, 0))

	bn.SetTraining(true)
	bn.Forward(x)
	assert.NotEqual(t, 0.0, bn.RunningMean.Value.At(0, 0))
}

func TestSequentialCloneIsIndependent(t *testing.T) {
	rng := rand.New(rand.NewSource(8))
	act, err := NewActivation("relu")
	require.NoError(t, err)
	seq := NewSequential(NewLinear(2, 3, rng), act, NewLinear(3, 1, rng))
	clone := seq.Clone().(*Sequential)

	seq.Layers[0].(*Linear).Weight.Value.Set(0, 0, 42)
	assert.NotEqual(t, 42.0, clone.Layers[0].(*Linear).Weight.Value.At(0, 0))
	assert.Equal(t, 1, OutputSize(seq, 2))
}

func TestSequentialSetTrainingPropagates(t *testing.T) {
	bn := NewBatchNorm(2)
	seq := NewSequential(NewSequential(bn))
	seq.SetTraining(true)
	assert.True(t, bn.Training())
	seq.SetTraining(false)
	assert.False(t, bn.Training())
}
